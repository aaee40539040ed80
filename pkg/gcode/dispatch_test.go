// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"strings"
	"testing"

	"zalign/pkg/errors"
)

func TestDispatchExecute(t *testing.T) {
	d := NewDispatcher()
	d.Register("ECHO", "echo V= back", func(cmd *Command) (string, error) {
		return cmd.Str("V", ""), nil
	})

	out, err := d.Execute("echo V=hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want hello", out)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Execute("FROBNICATE A=1")
	if !errors.Is(err, errors.ErrCommandUnknown) {
		t.Errorf("err = %v, want %s", err, errors.ErrCommandUnknown)
	}
}

func TestDispatchBlankLines(t *testing.T) {
	d := NewDispatcher()
	for _, line := range []string{"", "   ", "; comment only"} {
		out, err := d.Execute(line)
		if err != nil || out != "" {
			t.Errorf("Execute(%q) = %q, %v, want empty", line, out, err)
		}
	}
}

func TestDispatchPanicContained(t *testing.T) {
	d := NewDispatcher()
	d.Register("BOOM", "panics", func(cmd *Command) (string, error) {
		panic("handler exploded")
	})
	d.Register("OK", "works", func(cmd *Command) (string, error) {
		return "fine", nil
	})

	out, err := d.Execute("BOOM")
	if !errors.Is(err, errors.ErrInternal) {
		t.Fatalf("err = %v, want %s", err, errors.ErrInternal)
	}
	if out != "" {
		t.Errorf("out = %q, want empty after panic", out)
	}
	if !strings.Contains(err.Error(), "handler exploded") {
		t.Errorf("error %q missing panic value", err)
	}

	// Dispatcher survives the panic
	out, err = d.Execute("OK")
	if err != nil || out != "fine" {
		t.Errorf("Execute(OK) = %q, %v after panic", out, err)
	}
}

func TestDispatchHelp(t *testing.T) {
	d := NewDispatcher()
	d.Register("ALPHA", "first command", func(cmd *Command) (string, error) { return "", nil })
	d.Register("BETA", "second command", func(cmd *Command) (string, error) { return "", nil })

	names := d.Names()
	if len(names) != 2 || names[0] != "ALPHA" || names[1] != "BETA" {
		t.Errorf("names = %v, want registration order", names)
	}

	help := d.Help()
	if !strings.Contains(help, "ALPHA") || !strings.Contains(help, "first command") {
		t.Errorf("help missing ALPHA entry:\n%s", help)
	}
	if !strings.Contains(help, "BETA") || !strings.Contains(help, "second command") {
		t.Errorf("help missing BETA entry:\n%s", help)
	}

	// Re-registration replaces without duplicating
	d.Register("ALPHA", "replacement", func(cmd *Command) (string, error) { return "", nil })
	if n := len(d.Names()); n != 2 {
		t.Errorf("names after re-register = %d, want 2", n)
	}
}
