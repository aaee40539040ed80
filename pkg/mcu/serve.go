// Board-side server for the line protocol
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcu

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"zalign/pkg/align"
	"zalign/pkg/log"
)

// Server answers the board line protocol by driving an align.Machine.
// cmd/mock-board fronts a simulated gantry this way; the same loop
// could sit on top of real hardware drivers. ESTOP latches a shutdown
// state that rejects every mutating command until reset.
type Server struct {
	machine align.Machine
	version string
	motors  int
	logger  *log.Logger

	mu             sync.Mutex
	shutdown       bool
	shutdownReason string
}

// NewServer creates a server for the given machine. motors is the
// number of independent Z motors advertised in the info response.
func NewServer(machine align.Machine, version string, motors int) *Server {
	return &Server{
		machine: machine,
		version: version,
		motors:  motors,
		logger:  log.GetLogger("board"),
	}
}

// Serve answers commands on rw until it closes. A clean EOF returns
// nil; an oversized line or a transport failure returns the error.
func (s *Server) Serve(rw io.ReadWriter) error {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, MaxLineLen), MaxLineLen)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := s.handleLine(rw, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handleLine processes one wire line. The returned error is a
// transport write failure; command failures are answered on the wire.
func (s *Server) handleLine(w io.Writer, line string) error {
	body, err := DecodeFrame(line)
	if err != nil {
		code := CodeBadFrame
		if err == ErrChecksum {
			code = CodeBadChecksum
		}
		return s.writeError(w, code, "")
	}

	name, args, err := ParseLine(body)
	if err != nil {
		return s.writeError(w, CodeBadFrame, "")
	}

	// estop emits the shutdown event before acking so a waiting
	// client sees both.
	if name == "estop" {
		s.latch("estop")
		s.logger.Warn("emergency stop latched")
		if err := s.writeLine(w, "event kind=shutdown reason=estop"); err != nil {
			return err
		}
		return s.writeOK(w, "")
	}

	resp, cmdErr := s.dispatch(name, args)
	if cmdErr != nil {
		return s.writeError(w, cmdErr.Code, cmdErr.Msg)
	}
	return s.writeOK(w, resp)
}

func (s *Server) dispatch(name string, args Fields) (string, *CommandError) {
	m := s.machine

	switch name {
	case "ping":
		return "", nil
	case "info":
		return fmt.Sprintf("version=%s motors=%d tools=%s comp=%s",
			sanitizeField(s.version), s.motors,
			boolField(m.Tools != nil), boolField(m.BedComp != nil)), nil
	case "reset":
		s.mu.Lock()
		s.shutdown = false
		s.shutdownReason = ""
		s.mu.Unlock()
		return "", nil
	}

	if down, reason := s.isShutdown(); down && !allowedInShutdown(name) {
		return "", &CommandError{Code: CodeShutdown, Msg: reason}
	}

	switch name {
	case "move_z":
		z, err := args.Float("z")
		if err != nil {
			return "", badArgs(name)
		}
		return "", execErr(m.Motion.MoveToZ(z))

	case "move_rel":
		axisStr, _ := args.Str("axis")
		axis, ok := parseAxis(axisStr)
		delta, err := args.Float("delta")
		if !ok || err != nil {
			return "", badArgs(name)
		}
		return "", execErr(m.Motion.MoveBy(axis, delta))

	case "wait_moves":
		return "", execErr(m.Motion.Barrier())

	case "probe":
		x, errX := args.Float("x")
		y, errY := args.Float("y")
		stow, errS := args.Bool("stow")
		if errX != nil || errY != nil || errS != nil {
			return "", badArgs(name)
		}
		z, err := m.Sensor.MeasureAt(x, y, stow)
		if err != nil {
			return "", &CommandError{Code: CodeProbeFault, Msg: err.Error()}
		}
		return fmt.Sprintf("z=%.6f", z), nil

	case "probe_stow":
		return "", execErr(m.Sensor.Stow())

	case "set_lock":
		motor, errM := args.Int("motor")
		locked, errL := args.Bool("locked")
		if errM != nil || errL != nil {
			return "", badArgs(name)
		}
		return "", execErr(m.Locks.SetLock(motor, locked))

	case "set_lock_all":
		locked, err := args.Bool("locked")
		if err != nil {
			return "", badArgs(name)
		}
		return "", execErr(m.Locks.SetAllLocked(locked))

	case "get_tool":
		if m.Tools == nil {
			return "", unsupported(name)
		}
		return fmt.Sprintf("tool=%d", m.Tools.ActiveTool()), nil

	case "set_tool":
		if m.Tools == nil {
			return "", unsupported(name)
		}
		tool, err := args.Int("tool")
		if err != nil {
			return "", badArgs(name)
		}
		return "", execErr(m.Tools.SelectTool(tool))

	case "get_comp":
		if m.BedComp == nil {
			return "", unsupported(name)
		}
		return fmt.Sprintf("enabled=%s", boolField(m.BedComp.Enabled())), nil

	case "set_comp":
		if m.BedComp == nil {
			return "", unsupported(name)
		}
		on, err := args.Bool("enabled")
		if err != nil {
			return "", badArgs(name)
		}
		return "", execErr(m.BedComp.SetEnabled(on))

	case "get_homed":
		return fmt.Sprintf("known=%s", boolField(m.Homing.PositionKnown())), nil

	case "home":
		return "", execErr(m.Homing.HomeAll())

	case "invalidate_z":
		m.Homing.InvalidateZ()
		return "", nil

	case "home_z":
		return "", execErr(m.Homing.HomeZ())
	}

	return "", &CommandError{Code: CodeUnknown, Msg: name}
}

// allowedInShutdown lists the read-only queries still answered while
// the board is latched.
func allowedInShutdown(name string) bool {
	switch name {
	case "get_tool", "get_comp", "get_homed":
		return true
	}
	return false
}

func (s *Server) isShutdown() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown, s.shutdownReason
}

func (s *Server) latch(reason string) {
	s.mu.Lock()
	s.shutdown = true
	s.shutdownReason = reason
	s.mu.Unlock()
}

func (s *Server) writeOK(w io.Writer, resp string) error {
	body := respOK
	if resp != "" {
		body += " " + resp
	}
	return s.writeLine(w, body)
}

func (s *Server) writeError(w io.Writer, code, msg string) error {
	body := fmt.Sprintf("%s code=%s", respError, code)
	if msg != "" {
		body += " msg=" + sanitizeField(msg)
	}
	return s.writeLine(w, body)
}

func (s *Server) writeLine(w io.Writer, body string) error {
	if err := WriteFrame(w, body); err != nil {
		s.logger.Error("write failed: %v", err)
		return err
	}
	return nil
}

func execErr(err error) *CommandError {
	if err == nil {
		return nil
	}
	return &CommandError{Code: CodeExecFailed, Msg: err.Error()}
}

func badArgs(name string) *CommandError {
	return &CommandError{Code: CodeBadArgs, Msg: name}
}

func unsupported(name string) *CommandError {
	return &CommandError{Code: CodeUnsupported, Msg: name}
}

func parseAxis(s string) (align.Axis, bool) {
	switch s {
	case "X":
		return align.AxisX, true
	case "Y":
		return align.AxisY, true
	case "Z":
		return align.AxisZ, true
	}
	return align.AxisX, false
}
