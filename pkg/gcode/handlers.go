// Alignment command set
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"zalign/pkg/align"
	"zalign/pkg/config"
	"zalign/pkg/errors"
	"zalign/pkg/log"
	"zalign/pkg/mcu"
	"zalign/pkg/safety"
)

// Host wires the alignment controller, the shutdown latch, the config
// layer and the board link to the console command set. The same
// handlers serve the interactive console and the HTTP API.
type Host struct {
	controller *align.Controller
	safety     *safety.Manager
	cfg        *config.AutosaveConfig
	board      *mcu.Conn
	dispatcher *Dispatcher
	logger     *log.Logger

	mu        sync.Mutex
	runCancel context.CancelFunc
}

// HostConfig collects the Host collaborators. Config and Board may be
// nil: without a config file SAVE_CONFIG is unavailable, without a
// board link the machine is simulated.
type HostConfig struct {
	Controller *align.Controller
	Safety     *safety.Manager
	Config     *config.AutosaveConfig
	Board      *mcu.Conn
}

// NewHost creates the command host.
func NewHost(hc HostConfig) (*Host, error) {
	if hc.Controller == nil {
		return nil, errors.InternalError("command host needs an alignment controller")
	}
	if hc.Safety == nil {
		return nil, errors.InternalError("command host needs a safety manager")
	}
	return &Host{
		controller: hc.Controller,
		safety:     hc.Safety,
		cfg:        hc.Config,
		board:      hc.Board,
		logger:     log.GetLogger("host"),
	}, nil
}

// Controller exposes the alignment controller for the status surfaces.
func (h *Host) Controller() *align.Controller {
	return h.controller
}

// Safety exposes the shutdown latch for the status surfaces.
func (h *Host) Safety() *safety.Manager {
	return h.safety
}

// Board exposes the board link; nil when the machine is simulated.
func (h *Host) Board() *mcu.Conn {
	return h.board
}

// Register binds the alignment command set to the dispatcher.
func (h *Host) Register(d *Dispatcher) {
	h.dispatcher = d
	d.Register("Z_STEPPER_ALIGN",
		"[ITERATIONS=] [ACCURACY=] [AMPLIFICATION=] [STOW=0|1]  run the alignment loop", h.cmdAlign)
	d.Register("G34",
		"[I<iter>] [T<accuracy>] [A<gain>] [E]  run the alignment loop", h.cmdG34)
	d.Register("SET_ALIGN_POINT",
		"[ACTUATOR= X= Y=] [RESET=1]  set, reset or show probe points", h.cmdSetPoint)
	d.Register("M422",
		"[S<1-based> X<pos> Y<pos>] [R]  set, reset or show probe points", h.cmdM422)
	d.Register("SAVE_CONFIG",
		"persist the probe point table to the config file", h.cmdSaveConfig)
	d.Register("STATUS", "report host state", h.cmdStatus)
	d.Register("HELP", "list available commands", h.cmdHelp)
	d.Register("ESTOP", "emergency stop", h.cmdEStop)
	d.Register("M112", "emergency stop", h.cmdEStop)
	d.Register("FIRMWARE_RESTART", "clear the shutdown latch", h.cmdRestart)
}

// CancelRun cancels an in-flight alignment run, if any. Safe to call
// from any goroutine; the run stops at the next iteration boundary.
func (h *Host) CancelRun() {
	h.mu.Lock()
	cancel := h.runCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunAlign executes one alignment run with the given parameters. It is
// the single run path for every surface: the latch is checked first,
// the run is cancellable through CancelRun, and a board link failure
// latches the host. The API server calls it directly.
func (h *Host) RunAlign(p align.Params) (align.Report, error) {
	if err := h.safety.CheckOperational(); err != nil {
		return align.Report{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.runCancel = cancel
	h.mu.Unlock()
	defer func() {
		cancel()
		h.mu.Lock()
		h.runCancel = nil
		h.mu.Unlock()
	}()

	report, err := h.controller.Align(ctx, p)
	if err != nil && errors.IsBoard(err) {
		h.safety.CommunicationError(err.Error())
	}
	return report, err
}

func (h *Host) runAlign(p align.Params) (string, error) {
	report, err := h.RunAlign(p)
	if err != nil {
		return "", err
	}
	return report.String(), nil
}

func (h *Host) cmdAlign(cmd *Command) (string, error) {
	p := h.controller.Defaults()
	var err error
	if p.Iterations, err = cmd.Int("ITERATIONS", p.Iterations); err != nil {
		return "", err
	}
	if p.Accuracy, err = cmd.Float("ACCURACY", p.Accuracy); err != nil {
		return "", err
	}
	if p.Gain, err = cmd.Float("AMPLIFICATION", p.Gain); err != nil {
		return "", err
	}
	if p.StowProbe, err = cmd.Bool("STOW", p.StowProbe); err != nil {
		return "", err
	}
	return h.runAlign(p)
}

func (h *Host) cmdG34(cmd *Command) (string, error) {
	p := h.controller.Defaults()
	var err error
	if p.Iterations, err = cmd.Int("I", p.Iterations); err != nil {
		return "", err
	}
	if p.Accuracy, err = cmd.Float("T", p.Accuracy); err != nil {
		return "", err
	}
	if p.Gain, err = cmd.Float("A", p.Gain); err != nil {
		return "", err
	}
	if p.StowProbe, err = cmd.Bool("E", p.StowProbe); err != nil {
		return "", err
	}
	return h.runAlign(p)
}

func (h *Host) cmdSetPoint(cmd *Command) (string, error) {
	if len(cmd.Args) == 0 {
		return h.formatPointTable(), nil
	}
	reset, err := cmd.Bool("RESET", false)
	if err != nil {
		return "", err
	}
	if reset {
		return h.resetPoints()
	}
	if err := h.safety.CheckOperational(); err != nil {
		return "", err
	}
	id, err := cmd.RequireInt("ACTUATOR")
	if err != nil {
		return "", err
	}
	return h.setPoint(cmd, id)
}

func (h *Host) cmdM422(cmd *Command) (string, error) {
	if len(cmd.Args) == 0 {
		return h.formatPointTable(), nil
	}
	if cmd.Has("R") {
		return h.resetPoints()
	}
	if err := h.safety.CheckOperational(); err != nil {
		return "", err
	}
	s, err := cmd.RequireInt("S")
	if err != nil {
		return "", err
	}
	// Marlin indexes steppers from 1
	count := h.controller.Points().Count()
	if s < 1 || s > count {
		return "", errors.InvalidParameterError("S", float64(s), 1, float64(count))
	}
	return h.setPoint(cmd, s-1)
}

func (h *Host) setPoint(cmd *Command, id int) (string, error) {
	x, err := cmd.RequireFloat("X")
	if err != nil {
		return "", err
	}
	y, err := cmd.RequireFloat("Y")
	if err != nil {
		return "", err
	}
	pt := align.Point{X: x, Y: y}
	if err := h.controller.Points().Set(id, pt); err != nil {
		return "", err
	}
	h.logger.Info("probe point for actuator %d set to %s", id, pt)
	return fmt.Sprintf("actuator %d probe point set to %s", id, pt), nil
}

func (h *Host) resetPoints() (string, error) {
	if err := h.safety.CheckOperational(); err != nil {
		return "", err
	}
	h.controller.Points().Reset()
	h.logger.Info("probe point table reset to configured defaults")
	return "probe point table reset to configured defaults", nil
}

func (h *Host) formatPointTable() string {
	var sb strings.Builder
	sb.WriteString("probe points:")
	for i, p := range h.controller.Points().All() {
		fmt.Fprintf(&sb, "\n  actuator %d: %s", i, p)
	}
	return sb.String()
}

func (h *Host) cmdSaveConfig(cmd *Command) (string, error) {
	if err := h.safety.CheckOperational(); err != nil {
		return "", err
	}
	if h.cfg == nil {
		return "", errors.InternalError("no config file loaded, cannot save")
	}
	var sb strings.Builder
	for _, p := range h.controller.Points().All() {
		fmt.Fprintf(&sb, "\n%g, %g", p.X, p.Y)
	}
	if err := h.cfg.SetOption("z_align", "points", sb.String()); err != nil {
		return "", err
	}
	if err := h.cfg.SaveChanges(""); err != nil {
		return "", err
	}
	h.logger.Info("point table saved to %s", h.cfg.GetOriginalPath())
	return fmt.Sprintf("point table saved to %s", h.cfg.GetOriginalPath()), nil
}

func (h *Host) cmdStatus(cmd *Command) (string, error) {
	st := h.safety.GetStatus()
	var sb strings.Builder
	fmt.Fprintf(&sb, "state: %s", st.State)
	if st.ShutdownReason != "" {
		fmt.Fprintf(&sb, " (%s", st.ShutdownReason)
		if st.ShutdownMsg != "" {
			fmt.Fprintf(&sb, ": %s", st.ShutdownMsg)
		}
		sb.WriteString(")")
	}
	if h.board == nil {
		sb.WriteString("\nboard: simulated")
	} else {
		sb.WriteString("\nboard: connected")
	}
	fmt.Fprintf(&sb, "\nbusy: %v", h.controller.Busy())
	for i, p := range h.controller.Points().All() {
		fmt.Fprintf(&sb, "\nactuator %d: %s", i, p)
	}
	if r := h.controller.LastReport(); r != nil {
		fmt.Fprintf(&sb, "\nlast run: %s", r)
	}
	return sb.String(), nil
}

func (h *Host) cmdHelp(cmd *Command) (string, error) {
	return h.dispatcher.Help(), nil
}

func (h *Host) cmdEStop(cmd *Command) (string, error) {
	h.CancelRun()
	h.safety.EmergencyStop("operator emergency stop")
	h.logger.Warn("emergency stop engaged")
	return "emergency stop engaged, FIRMWARE_RESTART to clear", nil
}

func (h *Host) cmdRestart(cmd *Command) (string, error) {
	if !h.safety.IsShutdown() {
		return "host is running, nothing to restart", nil
	}
	if h.board != nil {
		// Best effort: a dead link must not make the latch permanent
		if err := h.board.Reset(); err != nil {
			h.logger.Warn("board reset failed: %v", err)
		}
	}
	if err := h.safety.Reset(); err != nil {
		return "", err
	}
	h.logger.Info("shutdown latch cleared")
	return "shutdown latch cleared", nil
}
