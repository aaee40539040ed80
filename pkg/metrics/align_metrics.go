// Alignment host metrics definitions
//
// Defines all metrics for the zalign host including:
// - Alignment run metrics
// - Probe metrics
// - Motion and actuator metrics
// - Board communication metrics
// - System metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"
)

// AlignMetrics holds all zalign-specific metrics
type AlignMetrics struct {
	// Alignment run metrics
	RunActive        *Gauge
	RunsTotal        *Counter
	RunIterations    *Histogram
	RunDuration      *Histogram
	HeightRange      *Gauge
	LastCorrection   *Gauge
	EffectiveGain    *Gauge

	// Probe metrics
	ProbesTotal   *Counter
	ProbeFaults   *Counter
	ProbeTime     *Histogram
	ProbedHeight  *Gauge

	// Motion and actuator metrics
	MovesTotal       *Counter
	HomingAttempts   *Counter
	ActuatorLocked   *Gauge

	// Board communication metrics
	BoardConnected      *Gauge
	BoardTimeouts       *Counter
	BoardLatency        *Histogram
	BoardFramesSent     *Counter
	BoardFramesReceived *Counter
	BoardResyncs        *Counter

	// Command surface metrics
	CommandsTotal    *Counter
	CommandTime      *Histogram

	// System metrics
	HostUptime    *Counter
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	// Error metrics
	ErrorsTotal    *Counter
	WarningsTotal  *Counter
	ShutdownEvents *Counter

	// Internal
	startTime time.Time
	registry  *Registry
	mu        sync.RWMutex
}

// NewAlignMetrics creates and registers all zalign metrics
func NewAlignMetrics() *AlignMetrics {
	am := &AlignMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	// Alignment run metrics
	am.RunActive = NewGauge("zalign_run_active",
		"Whether an alignment run is in progress (1=running, 0=idle)")
	am.RunsTotal = NewCounter("zalign_runs_total",
		"Total alignment runs by final status")
	am.RunIterations = NewHistogram("zalign_run_iterations",
		"Number of iterations executed per run", []float64{1, 2, 3, 5, 8, 13, 21, 30})
	am.RunDuration = NewHistogram("zalign_run_duration_seconds",
		"Wall-clock duration of alignment runs", []float64{5, 15, 30, 60, 120, 300, 600})
	am.HeightRange = NewGauge("zalign_height_range_mm",
		"Height range across probe points in the last completed iteration")
	am.LastCorrection = NewGauge("zalign_last_correction_mm",
		"Magnitude of the last correction applied per actuator")
	am.EffectiveGain = NewGauge("zalign_effective_gain",
		"Correction gain in effect (after auto-tuning)")

	// Probe metrics
	am.ProbesTotal = NewCounter("zalign_probes_total",
		"Total probe measurements per point")
	am.ProbeFaults = NewCounter("zalign_probe_faults_total",
		"Total failed probe measurements")
	am.ProbeTime = NewHistogram("zalign_probe_time_seconds",
		"Time to complete a probe measurement", []float64{0.5, 1, 2, 5, 10, 30})
	am.ProbedHeight = NewGauge("zalign_probed_height_mm",
		"Last measured height per probe point")

	// Motion and actuator metrics
	am.MovesTotal = NewCounter("zalign_moves_total",
		"Total motion commands per axis")
	am.HomingAttempts = NewCounter("zalign_homing_attempts_total",
		"Total homing attempts per axis")
	am.ActuatorLocked = NewGauge("zalign_actuator_locked",
		"Actuator lock state (1=locked, 0=free)")

	// Board communication metrics
	am.BoardConnected = NewGauge("zalign_board_connected",
		"Board connection state (1=connected, 0=disconnected)")
	am.BoardTimeouts = NewCounter("zalign_board_timeouts_total",
		"Total board command timeouts")
	am.BoardLatency = NewHistogram("zalign_board_latency_seconds",
		"Board command round-trip latency", []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1})
	am.BoardFramesSent = NewCounter("zalign_board_frames_sent_total",
		"Total frames sent to the board")
	am.BoardFramesReceived = NewCounter("zalign_board_frames_received_total",
		"Total frames received from the board")
	am.BoardResyncs = NewCounter("zalign_board_resyncs_total",
		"Total stream resyncs after malformed frames")

	// Command surface metrics
	am.CommandsTotal = NewCounter("zalign_commands_total",
		"Total commands processed by name")
	am.CommandTime = NewHistogram("zalign_command_execution_seconds",
		"Command execution time", DefaultBuckets())

	// System metrics
	am.HostUptime = NewCounter("zalign_host_uptime_seconds_total",
		"Total host uptime in seconds")
	am.GoGoroutines = NewGauge("zalign_go_goroutines",
		"Number of active goroutines")
	am.GoMemoryHeap = NewGauge("zalign_go_memory_heap_bytes",
		"Go heap memory in use")
	am.GoMemoryAlloc = NewGauge("zalign_go_memory_alloc_bytes",
		"Go total memory allocated")
	am.GoGCCycles = NewCounter("zalign_go_gc_cycles_total",
		"Total Go garbage collection cycles")

	// Error metrics
	am.ErrorsTotal = NewCounter("zalign_errors_total",
		"Total errors by type")
	am.WarningsTotal = NewCounter("zalign_warnings_total",
		"Total warnings by type")
	am.ShutdownEvents = NewCounter("zalign_shutdown_events_total",
		"Total emergency shutdown events")

	// Register all metrics
	am.registerAll()

	return am
}

// registerAll registers all metrics with the internal registry
func (am *AlignMetrics) registerAll() {
	metrics := []Metric{
		am.RunActive, am.RunsTotal, am.RunIterations, am.RunDuration,
		am.HeightRange, am.LastCorrection, am.EffectiveGain,
		am.ProbesTotal, am.ProbeFaults, am.ProbeTime, am.ProbedHeight,
		am.MovesTotal, am.HomingAttempts, am.ActuatorLocked,
		am.BoardConnected, am.BoardTimeouts, am.BoardLatency,
		am.BoardFramesSent, am.BoardFramesReceived, am.BoardResyncs,
		am.CommandsTotal, am.CommandTime,
		am.HostUptime, am.GoGoroutines, am.GoMemoryHeap, am.GoMemoryAlloc,
		am.GoGCCycles,
		am.ErrorsTotal, am.WarningsTotal, am.ShutdownEvents,
	}
	for _, m := range metrics {
		am.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics updates Go runtime metrics
func (am *AlignMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	am.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	am.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	am.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	am.GoGCCycles.Add(nil, uint64(m.NumGC)-am.GoGCCycles.Get(nil))
	am.HostUptime.Add(nil, uint64(time.Since(am.startTime).Seconds()))
}

// RecordRun records a finished alignment run
func (am *AlignMetrics) RecordRun(status string, iterations int, duration time.Duration) {
	am.RunsTotal.Inc(Labels{"status": status})
	am.RunIterations.Observe(nil, float64(iterations))
	am.RunDuration.Observe(nil, duration.Seconds())
	am.RunActive.Set(nil, 0)
}

// SetRunActive marks an alignment run as started or finished
func (am *AlignMetrics) SetRunActive(active bool) {
	v := float64(0)
	if active {
		v = 1
	}
	am.RunActive.Set(nil, v)
}

// SetHeightRange updates the latest iteration's height range
func (am *AlignMetrics) SetHeightRange(rangeMM float64) {
	am.HeightRange.Set(nil, rangeMM)
}

// RecordCorrection records the correction applied to one actuator
func (am *AlignMetrics) RecordCorrection(actuator string, magnitude, gain float64) {
	am.LastCorrection.Set(Labels{"actuator": actuator}, magnitude)
	am.EffectiveGain.Set(nil, gain)
}

// RecordProbe records a completed probe measurement
func (am *AlignMetrics) RecordProbe(point string, height float64, duration time.Duration) {
	am.ProbesTotal.Inc(Labels{"point": point})
	am.ProbeTime.Observe(nil, duration.Seconds())
	am.ProbedHeight.Set(Labels{"point": point}, height)
}

// RecordProbeFault records a failed probe measurement
func (am *AlignMetrics) RecordProbeFault(point string) {
	am.ProbeFaults.Inc(Labels{"point": point})
}

// RecordMove records a motion command
func (am *AlignMetrics) RecordMove(axis string) {
	am.MovesTotal.Inc(Labels{"axis": axis})
}

// RecordHoming records a homing attempt
func (am *AlignMetrics) RecordHoming(axis string) {
	am.HomingAttempts.Inc(Labels{"axis": axis})
}

// SetActuatorLocked updates an actuator's lock state
func (am *AlignMetrics) SetActuatorLocked(actuator string, locked bool) {
	v := float64(0)
	if locked {
		v = 1
	}
	am.ActuatorLocked.Set(Labels{"actuator": actuator}, v)
}

// SetBoardConnected updates the board connection state
func (am *AlignMetrics) SetBoardConnected(connected bool) {
	v := float64(0)
	if connected {
		v = 1
	}
	am.BoardConnected.Set(nil, v)
}

// RecordBoardLatency records board command round-trip latency
func (am *AlignMetrics) RecordBoardLatency(latency time.Duration) {
	am.BoardLatency.Observe(nil, latency.Seconds())
}

// IncrementBoardFrames increments the board frame counters
func (am *AlignMetrics) IncrementBoardFrames(sent, received uint64) {
	if sent > 0 {
		am.BoardFramesSent.Add(nil, sent)
	}
	if received > 0 {
		am.BoardFramesReceived.Add(nil, received)
	}
}

// RecordBoardResync records a stream resync after a malformed frame
func (am *AlignMetrics) RecordBoardResync() {
	am.BoardResyncs.Inc(nil)
}

// RecordBoardTimeout records a board command timeout
func (am *AlignMetrics) RecordBoardTimeout() {
	am.BoardTimeouts.Inc(nil)
}

// RecordCommand records a command execution
func (am *AlignMetrics) RecordCommand(name string, duration time.Duration) {
	am.CommandsTotal.Inc(Labels{"name": name})
	am.CommandTime.Observe(Labels{"name": name}, duration.Seconds())
}

// RecordError records an error
func (am *AlignMetrics) RecordError(errorType string) {
	am.ErrorsTotal.Inc(Labels{"type": errorType})
}

// RecordWarning records a warning
func (am *AlignMetrics) RecordWarning(warningType string) {
	am.WarningsTotal.Inc(Labels{"type": warningType})
}

// RecordShutdown records an emergency shutdown event
func (am *AlignMetrics) RecordShutdown(reason string) {
	am.ShutdownEvents.Inc(Labels{"reason": reason})
}

// Gather returns all metrics in Prometheus text format
func (am *AlignMetrics) Gather() string {
	am.UpdateSystemMetrics()
	return am.registry.Gather()
}

// Registry returns the internal registry
func (am *AlignMetrics) Registry() *Registry {
	return am.registry
}

// Global metrics instance
var globalMetrics *AlignMetrics
var globalMetricsOnce sync.Once

// GlobalMetrics returns the global zalign metrics instance
func GlobalMetrics() *AlignMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewAlignMetrics()
	})
	return globalMetrics
}
