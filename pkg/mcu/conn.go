// Synchronous client for the board line protocol
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
	"time"

	"zalign/pkg/align"
	"zalign/pkg/errors"
	"zalign/pkg/log"
	"zalign/pkg/serial"
)

// CommandError is an error response from the board. A probe fault
// arrives as CodeProbeFault.
type CommandError struct {
	Code string
	Msg  string
}

func (e *CommandError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("mcu: board error %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("mcu: board error %s", e.Code)
}

// Event is an asynchronous notification line from the board.
type Event struct {
	Kind   string
	Fields Fields
}

// BoardInfo describes the firmware on the other end of the link.
type BoardInfo struct {
	Version  string
	Motors   int
	HasTools bool
	HasComp  bool
}

// HandshakeConfig controls the initial link probe.
type HandshakeConfig struct {
	// Timeout for the entire handshake (default: 5 seconds)
	Timeout time.Duration

	// MaxRetries for the liveness ping (default: 5)
	MaxRetries int

	// RetryDelay between pings (default: 10ms, doubles each retry)
	RetryDelay time.Duration
}

// DefaultHandshakeConfig returns a HandshakeConfig with default values.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
	}
}

// readTimeoutSetter is satisfied by transports with poll-based read
// timeouts (serial.Port). Pipes used in tests simply block.
type readTimeoutSetter interface {
	SetReadTimeout(time.Duration)
}

// Conn is a synchronous client for the board line protocol. One
// command is in flight at a time; event lines that arrive while a
// response is pending go to the event handler. Conn implements every
// machine collaborator interface, so a connected board slots directly
// into an align.Machine.
type Conn struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	br      *bufio.Reader
	logger  *log.Logger
	onEvent func(Event)

	// Last values reported by the board, served when a fresh query
	// fails (the collaborator getters cannot return errors).
	lastTool int
	lastComp bool
}

// NewConn wraps an open transport. The caller keeps ownership of rw
// and closes it when done.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rw:     rw,
		br:     bufio.NewReaderSize(rw, MaxLineLen),
		logger: log.GetLogger("mcu"),
	}
}

// SetEventHandler installs the callback for event lines. The handler
// runs on the caller's goroutine mid-command and must not issue
// commands on the same connection.
func (c *Conn) SetEventHandler(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// SetReadTimeout adjusts the transport read timeout when the
// transport supports one.
func (c *Conn) SetReadTimeout(d time.Duration) {
	if rts, ok := c.rw.(readTimeoutSetter); ok {
		rts.SetReadTimeout(d)
	}
}

// Handshake pings until the board answers, then queries its info.
func (c *Conn) Handshake(cfg HandshakeConfig) (*BoardInfo, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}

	deadline := time.Now().Add(cfg.Timeout)
	delay := cfg.RetryDelay
	var lastErr error

	for retry := 0; retry <= cfg.MaxRetries; retry++ {
		if time.Now().After(deadline) {
			break
		}
		if err := c.Ping(); err != nil {
			lastErr = err
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return c.Info()
	}

	if lastErr == nil {
		lastErr = errors.BoardTimeoutError("ping")
	}
	return nil, fmt.Errorf("mcu: handshake failed: %w", lastErr)
}

// Info queries the board description.
func (c *Conn) Info() (*BoardInfo, error) {
	fields, err := c.roundTrip("info")
	if err != nil {
		return nil, err
	}
	info := &BoardInfo{}
	info.Version, _ = fields.Str("version")
	if v, err := fields.Int("motors"); err == nil {
		info.Motors = v
	}
	if v, err := fields.Bool("tools"); err == nil {
		info.HasTools = v
	}
	if v, err := fields.Bool("comp"); err == nil {
		info.HasComp = v
	}
	return info, nil
}

// Machine bundles the connection as machine collaborators, leaving
// out subsystems the board does not advertise.
func (c *Conn) Machine(info *BoardInfo) align.Machine {
	m := align.Machine{
		Motion: c,
		Sensor: c,
		Locks:  c,
		Homing: c,
	}
	if info == nil || info.HasTools {
		m.Tools = c
	}
	if info == nil || info.HasComp {
		m.BedComp = c
	}
	return m
}

// Ping checks link liveness.
func (c *Conn) Ping() error {
	_, err := c.roundTrip("ping")
	return err
}

// EStop latches the board into its shutdown state.
func (c *Conn) EStop() error {
	_, err := c.roundTrip("estop")
	return err
}

// Reset clears the board's shutdown latch.
func (c *Conn) Reset() error {
	_, err := c.roundTrip("reset")
	return err
}

// Raw sends a raw command body and returns the response fields. Used
// by the board-test REPL.
func (c *Conn) Raw(body string) (Fields, error) {
	return c.roundTrip(body)
}

// MoveToZ implements align.MotionExecutor.
func (c *Conn) MoveToZ(height float64) error {
	_, err := c.roundTrip(fmt.Sprintf("move_z z=%.6f", height))
	return err
}

// MoveBy implements align.MotionExecutor.
func (c *Conn) MoveBy(axis align.Axis, delta float64) error {
	_, err := c.roundTrip(fmt.Sprintf("move_rel axis=%s delta=%.6f", axis, delta))
	return err
}

// Barrier implements align.MotionExecutor. The board answers once all
// queued motion has physically completed.
func (c *Conn) Barrier() error {
	_, err := c.roundTrip("wait_moves")
	return err
}

// MeasureAt implements align.DistanceSensor.
func (c *Conn) MeasureAt(x, y float64, stowAfter bool) (float64, error) {
	fields, err := c.roundTrip(fmt.Sprintf("probe x=%.6f y=%.6f stow=%s", x, y, boolField(stowAfter)))
	if err != nil {
		return 0, err
	}
	return fields.Float("z")
}

// Stow implements align.DistanceSensor.
func (c *Conn) Stow() error {
	_, err := c.roundTrip("probe_stow")
	return err
}

// SetLock implements align.LockController.
func (c *Conn) SetLock(id int, locked bool) error {
	_, err := c.roundTrip(fmt.Sprintf("set_lock motor=%d locked=%s", id, boolField(locked)))
	return err
}

// SetAllLocked implements align.LockController.
func (c *Conn) SetAllLocked(locked bool) error {
	_, err := c.roundTrip(fmt.Sprintf("set_lock_all locked=%s", boolField(locked)))
	return err
}

// ActiveTool implements align.ToolManager. A failed query returns the
// last tool the board reported.
func (c *Conn) ActiveTool() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, err := c.roundTripLocked("get_tool")
	if err != nil {
		c.logger.Warn("tool query failed: %v", err)
		return c.lastTool
	}
	tool, err := fields.Int("tool")
	if err != nil {
		return c.lastTool
	}
	c.lastTool = tool
	return tool
}

// SelectTool implements align.ToolManager.
func (c *Conn) SelectTool(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.roundTripLocked(fmt.Sprintf("set_tool tool=%d", id))
	if err == nil {
		c.lastTool = id
	}
	return err
}

// Enabled implements align.BedCompensation.
func (c *Conn) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, err := c.roundTripLocked("get_comp")
	if err != nil {
		c.logger.Warn("compensation query failed: %v", err)
		return c.lastComp
	}
	on, err := fields.Bool("enabled")
	if err != nil {
		return c.lastComp
	}
	c.lastComp = on
	return on
}

// SetEnabled implements align.BedCompensation.
func (c *Conn) SetEnabled(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.roundTripLocked(fmt.Sprintf("set_comp enabled=%s", boolField(on)))
	if err == nil {
		c.lastComp = on
	}
	return err
}

// PositionKnown implements align.HomingControl. A failed query reads
// as unknown, which forces a re-home before motion.
func (c *Conn) PositionKnown() bool {
	fields, err := c.roundTrip("get_homed")
	if err != nil {
		c.logger.Warn("homed query failed: %v", err)
		return false
	}
	known, err := fields.Bool("known")
	if err != nil {
		return false
	}
	return known
}

// HomeAll implements align.HomingControl.
func (c *Conn) HomeAll() error {
	_, err := c.roundTrip("home")
	return err
}

// InvalidateZ implements align.HomingControl. The interface carries
// no error; a link failure here surfaces on the following home.
func (c *Conn) InvalidateZ() {
	if _, err := c.roundTrip("invalidate_z"); err != nil {
		c.logger.Error("invalidate_z failed: %v", err)
	}
}

// HomeZ implements align.HomingControl.
func (c *Conn) HomeZ() error {
	_, err := c.roundTrip("home_z")
	return err
}

// roundTrip sends one command and waits for its ok or error response.
func (c *Conn) roundTrip(body string) (Fields, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTripLocked(body)
}

func (c *Conn) roundTripLocked(body string) (Fields, error) {
	if err := WriteFrame(c.rw, body); err != nil {
		return nil, errors.BoardIOError("write", err)
	}

	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			if err == serial.ErrTimeout {
				return nil, errors.BoardTimeoutError(commandWord(body))
			}
			return nil, errors.BoardIOError("read", err)
		}

		frame, err := DecodeFrame(strings.TrimRight(line, "\r\n"))
		if err != nil {
			// Noise on the line; keep waiting for a clean response.
			c.logger.Warn("dropping bad frame: %v", err)
			continue
		}
		kind, fields, err := ParseLine(frame)
		if err != nil {
			c.logger.Warn("dropping unparsable frame: %v", err)
			continue
		}

		switch kind {
		case respEvent:
			c.dispatchEvent(fields)
		case respOK:
			return fields, nil
		case respError:
			return nil, &CommandError{Code: fields["code"], Msg: fields["msg"]}
		default:
			c.logger.Warn("unexpected line from board: %q", frame)
		}
	}
}

func (c *Conn) dispatchEvent(fields Fields) {
	if c.onEvent == nil {
		c.logger.Info("board event: kind=%s", fields["kind"])
		return
	}
	c.onEvent(Event{Kind: fields["kind"], Fields: fields})
}

// commandWord returns the leading word of a command body.
func commandWord(body string) string {
	if i := strings.IndexByte(body, ' '); i >= 0 {
		return body[:i]
	}
	return body
}
