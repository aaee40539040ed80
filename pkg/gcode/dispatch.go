// Command registry and dispatch
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"fmt"
	"strings"
	"sync"

	"zalign/pkg/errors"
	"zalign/pkg/log"
)

// Handler executes one console command and returns its output.
type Handler func(cmd *Command) (string, error)

// Dispatcher routes parsed commands to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	help     map[string]string
	order    []string
	logger   *log.Logger
}

// NewDispatcher creates an empty command dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		help:     make(map[string]string),
		logger:   log.GetLogger("gcode"),
	}
}

// Register binds a handler to a command name. Registering a name twice
// replaces the handler but keeps its help position.
func (d *Dispatcher) Register(name, help string, h Handler) {
	name = strings.ToUpper(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; !exists {
		d.order = append(d.order, name)
	}
	d.handlers[name] = h
	d.help[name] = help
}

// Names returns the registered command names in registration order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Help returns one line per registered command.
func (d *Dispatcher) Help() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sb strings.Builder
	for i, name := range d.order {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%-16s %s", name, d.help[name])
	}
	return sb.String()
}

// Execute parses a console line and runs its handler. Empty and
// comment-only lines produce no output and no error. A panicking
// handler is contained and reported as an internal error.
func (d *Dispatcher) Execute(line string) (out string, err error) {
	cmd, err := Parse(line)
	if err != nil {
		return "", err
	}
	if cmd == nil {
		return "", nil
	}
	defer cmd.Release()

	d.mu.RLock()
	h, ok := d.handlers[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		return "", errors.UnknownCommandError(cmd.Name)
	}

	d.logger.Debug("executing %s", cmd.Name)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command %s panicked: %v", cmd.Name, r)
			out = ""
			err = errors.PanicError(r)
		}
	}()
	return h(cmd)
}
