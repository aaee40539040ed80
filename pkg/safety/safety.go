// Shutdown latch for the alignment host
//
// A board ESTOP, a link failure or an operator M112 latches the host
// into a shutdown state with a recorded reason. Mutating commands are
// rejected until FIRMWARE_RESTART clears the latch; status queries stay
// available throughout. An optional watchdog monitors board link
// liveness via Heartbeat calls from the keepalive loop.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zalign/pkg/errors"
)

// ShutdownState represents the host's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates a soft shutdown (operator request, lost link).
	StateShutdown

	// StateError indicates an error-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the host was shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonBoardError      ShutdownReason = "board_error"
	ReasonCommunication   ShutdownReason = "communication_error"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonUserRequest     ShutdownReason = "user_request"
)

// BoardCommander can latch the motion board into its shutdown state.
type BoardCommander interface {
	EStop() error
}

// MotorLocker can engage the lock on every Z actuator at once.
type MotorLocker interface {
	SetAllLocked(locked bool) error
}

// Manager manages the shutdown latch.
type Manager struct {
	mu sync.RWMutex

	// Current state
	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	// Registered components
	boards []BoardCommander
	motors []MotorLocker

	// Watchdog
	watchdogCtx     context.Context
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	// Callbacks
	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	WatchdogTimeout time.Duration
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
}

// RegisterBoard registers a motion board for emergency shutdown.
func (m *Manager) RegisterBoard(b BoardCommander) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards = append(m.boards, b)
}

// RegisterMotors registers an actuator lock controller for emergency
// shutdown.
func (m *Manager) RegisterMotors(motors MotorLocker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, motors)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetShutdownInfo returns shutdown details.
func (m *Manager) GetShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// IsShutdown returns true if the host is shut down.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShutdown || m.state == StateError
}

// IsOperational returns true if the host is running normally.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

// CheckOperational returns an error if the host is not operational.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		if m.shutdownMsg != "" {
			return errors.ShutdownError(fmt.Sprintf("%s (%s)", m.shutdownReason, m.shutdownMsg))
		}
		return errors.ShutdownError(string(m.shutdownReason))
	}
	return nil
}

// EmergencyStop triggers an immediate emergency stop (M112).
// This locks all actuators and latches the board as quickly as possible.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// BoardError triggers a shutdown after the board reported a fault.
func (m *Manager) BoardError(detail string) error {
	return m.invokeShutdown(ReasonBoardError, detail)
}

// CommunicationError triggers a shutdown after a board link failure.
func (m *Manager) CommunicationError(detail string) error {
	return m.invokeShutdown(ReasonCommunication, detail)
}

// WatchdogTimeout triggers a shutdown due to watchdog timeout.
func (m *Manager) WatchdogTimeout() error {
	return m.invokeShutdown(ReasonWatchdogTimeout, "board link heartbeat timeout")
}

// RequestShutdown triggers a graceful shutdown by operator request.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg)
}

// invokeShutdown performs the shutdown sequence.
func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) error {
	m.mu.Lock()

	// Already latched: keep the first reason
	if m.state == StateShutdown || m.state == StateError {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()

	// Copy components to disable (to avoid holding lock during disable)
	boards := make([]BoardCommander, len(m.boards))
	copy(boards, m.boards)
	motors := make([]MotorLocker, len(m.motors))
	copy(motors, m.motors)

	m.mu.Unlock()

	// Stop watchdog
	m.StopWatchdog()

	// Engage every actuator lock while the board still accepts
	// commands; once latched it rejects lock changes.
	for _, motor := range motors {
		_ = motor.SetAllLocked(true) // Best effort
	}

	// Latch the board
	for _, board := range boards {
		_ = board.EStop() // Best effort
	}

	// Update final state
	m.mu.Lock()
	finalState := StateShutdown
	if reason == ReasonEmergencyStop || reason == ReasonBoardError {
		finalState = StateError
	}
	m.state = finalState

	// Copy callbacks
	onShutdown := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	onStateChange := make([]func(ShutdownState, ShutdownState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	// Call callbacks
	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}

	return nil
}

// StartWatchdog starts the watchdog timer.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		return // Already running
	}

	m.watchdogCtx, m.watchdogCancel = context.WithCancel(context.Background())
	m.lastHeartbeat = time.Now()

	go m.watchdogLoop()
}

// StopWatchdog stops the watchdog timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat updates the watchdog timer.
// Call this after every successful board exchange.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

// watchdogLoop runs the watchdog timer.
func (m *Manager) watchdogLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.watchdogCtx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset clears the latch for a firmware restart and releases the
// actuator locks the shutdown engaged. Only allowed from shutdown or
// error states.
func (m *Manager) Reset() error {
	m.mu.Lock()

	if m.state == StateRunning || m.state == StateShuttingDown {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("safety: cannot reset while %s", state)
	}

	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}

	motors := make([]MotorLocker, len(m.motors))
	copy(motors, m.motors)
	m.mu.Unlock()

	for _, motor := range motors {
		_ = motor.SetAllLocked(false) // Best effort
	}
	return nil
}

// Status is a snapshot for reporting.
type Status struct {
	State          string
	ShutdownReason string
	ShutdownMsg    string
	ShutdownTime   time.Time
	IsOperational  bool
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
}
