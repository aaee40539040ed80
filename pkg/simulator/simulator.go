// In-process simulated machine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package simulator provides an in-process machine for hardware-free
// runs and tests. The model is a flat bed at height zero under a gantry
// carried by one actuator per probe point: the commanded Z coordinate
// always advances with a move, but only unlocked actuators follow it,
// which is exactly how isolated corrections shift individual actuators
// on the real machine. Probing returns the trigger coordinate for the
// point's corner, optionally with seeded Gaussian noise, and scheduled
// faults make individual measurements fail.
package simulator

import (
	"fmt"
	"math/rand"
	"sync"

	"zalign/pkg/align"
	"zalign/pkg/log"
	"zalign/pkg/scenario"
)

// homeHeight is the commanded Z after homing.
const homeHeight = 10.0

type faultKey struct {
	iteration int
	point     int
}

// Simulator implements every align machine collaborator against the
// bed model. All methods are safe for concurrent use.
type Simulator struct {
	logger *log.Logger

	mu sync.Mutex

	points []align.Point

	// actuatorZ is each actuator's absolute height over the bed;
	// commandedZ is the coordinate the motion commands address.
	actuatorZ  []float64
	commandedZ float64

	locked []bool

	noise *rand.Rand
	sigma float64

	faults      map[faultKey]bool
	timesProbed []int

	posKnown bool
	stowed   bool
	tool     int
	compOn   bool

	trace []string
}

// New builds a simulator with a level gantry over the given probe
// points. The machine starts homed with the sensor stowed.
func New(points []align.Point) *Simulator {
	n := len(points)
	s := &Simulator{
		logger:      log.GetLogger("simulator"),
		points:      append([]align.Point(nil), points...),
		actuatorZ:   make([]float64, n),
		commandedZ:  homeHeight,
		locked:      make([]bool, n),
		faults:      make(map[faultKey]bool),
		timesProbed: make([]int, n),
		posKnown:    true,
		stowed:      true,
	}
	for i := range s.actuatorZ {
		s.actuatorZ[i] = homeHeight
	}
	return s
}

// FromScenario builds a simulator with the scenario's points, initial
// deviations, noise model, and scheduled faults applied.
func FromScenario(sc *scenario.Scenario) *Simulator {
	s := New(sc.Machine.AlignPoints())
	s.SetDeviations(sc.Machine.InitialDeviations())
	if sc.Machine.Noise > 0 {
		s.SetNoise(sc.Machine.Noise, sc.Machine.Seed)
	}
	for _, f := range sc.Faults {
		s.ScheduleFault(f.Iteration, f.Point)
	}
	return s
}

// Machine groups the simulator behind the align collaborator
// interfaces.
func (s *Simulator) Machine() align.Machine {
	return align.Machine{
		Motion: s, Sensor: s, Locks: s, Tools: s, BedComp: s, Homing: s,
	}
}

// SetDeviations offsets each actuator from level by the given amount.
func (s *Simulator) SetDeviations(devs []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actuatorZ {
		s.actuatorZ[i] = s.commandedZ
		if i < len(devs) {
			s.actuatorZ[i] += devs[i]
		}
	}
}

// SetNoise adds seeded Gaussian noise with the given standard deviation
// to every measurement.
func (s *Simulator) SetNoise(sigma float64, seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigma = sigma
	s.noise = rand.New(rand.NewSource(seed))
}

// ScheduleFault makes the measurement of the given point fail during
// the given 1-based iteration.
func (s *Simulator) ScheduleFault(iteration, point int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[faultKey{iteration: iteration, point: point}] = true
}

// Deviations returns each actuator's height relative to the lowest one.
func (s *Simulator) Deviations() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	low := s.actuatorZ[0]
	for _, z := range s.actuatorZ[1:] {
		if z < low {
			low = z
		}
	}
	devs := make([]float64, len(s.actuatorZ))
	for i, z := range s.actuatorZ {
		devs[i] = z - low
	}
	return devs
}

// LevelRange returns the spread between the highest and lowest
// actuator, the physical levelness of the gantry.
func (s *Simulator) LevelRange() float64 {
	var spread float64
	for _, d := range s.Deviations() {
		if d > spread {
			spread = d
		}
	}
	return spread
}

// Trace returns a copy of the recorded event trace.
func (s *Simulator) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

// ResetTrace clears the event trace.
func (s *Simulator) ResetTrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = nil
}

func (s *Simulator) record(format string, args ...interface{}) {
	event := fmt.Sprintf(format, args...)
	s.trace = append(s.trace, event)
	s.logger.Debug(event)
}

// applyMove advances the commanded coordinate; only unlocked actuators
// follow.
func (s *Simulator) applyMove(delta float64) {
	for i, l := range s.locked {
		if !l {
			s.actuatorZ[i] += delta
		}
	}
	s.commandedZ += delta
}

func (s *Simulator) unlockedCount() int {
	n := 0
	for _, l := range s.locked {
		if !l {
			n++
		}
	}
	return n
}

// MoveToZ implements align.MotionExecutor.
func (s *Simulator) MoveToZ(height float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.posKnown {
		return fmt.Errorf("move rejected: position unknown")
	}
	s.record("move_z %.3f", height)
	s.applyMove(height - s.commandedZ)
	return nil
}

// MoveBy implements align.MotionExecutor.
func (s *Simulator) MoveBy(axis align.Axis, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if axis != align.AxisZ {
		return fmt.Errorf("axis %s has no independent actuators", axis)
	}
	if !s.posKnown {
		return fmt.Errorf("move rejected: position unknown")
	}
	s.record("move_by %.3f unlocked=%d", delta, s.unlockedCount())
	s.applyMove(delta)
	return nil
}

// Barrier implements align.MotionExecutor. The simulator has no motion
// queue, so settling is immediate.
func (s *Simulator) Barrier() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("barrier")
	return nil
}

// MeasureAt implements align.DistanceSensor. The reported height is the
// trigger coordinate for the corner above the requested point: a high
// actuator probes low and vice versa.
func (s *Simulator) MeasureAt(x, y float64, stowAfter bool) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.posKnown {
		return 0, fmt.Errorf("probe rejected: position unknown")
	}

	id := -1
	for i, p := range s.points {
		if p.X == x && p.Y == y {
			id = i
			break
		}
	}
	if id < 0 {
		return 0, fmt.Errorf("no probe point at (%.3f, %.3f)", x, y)
	}

	if s.stowed {
		s.record("deploy")
		s.stowed = false
	}

	s.timesProbed[id]++
	iteration := s.timesProbed[id]
	if s.faults[faultKey{iteration: iteration, point: id}] {
		s.record("probe_fault %d", id)
		return 0, fmt.Errorf("probe did not trigger at point %d", id)
	}

	height := s.commandedZ - s.actuatorZ[id]
	if s.noise != nil {
		height += s.noise.NormFloat64() * s.sigma
	}
	s.record("probe %d %.4f", id, height)

	if stowAfter {
		s.record("stow")
		s.stowed = true
	}
	return height, nil
}

// Stow implements align.DistanceSensor.
func (s *Simulator) Stow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stowed {
		s.record("stow")
		s.stowed = true
	}
	return nil
}

// SetLock implements align.LockController.
func (s *Simulator) SetLock(id int, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.locked) {
		return fmt.Errorf("no actuator %d", id)
	}
	s.record("lock %d %v", id, locked)
	s.locked[id] = locked
	return nil
}

// SetAllLocked implements align.LockController.
func (s *Simulator) SetAllLocked(locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("lock_all %v", locked)
	for i := range s.locked {
		s.locked[i] = locked
	}
	return nil
}

// ActiveTool implements align.ToolManager.
func (s *Simulator) ActiveTool() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// SelectTool implements align.ToolManager.
func (s *Simulator) SelectTool(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 {
		return fmt.Errorf("no tool %d", id)
	}
	s.record("tool %d", id)
	s.tool = id
	return nil
}

// Enabled implements align.BedCompensation.
func (s *Simulator) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compOn
}

// SetEnabled implements align.BedCompensation.
func (s *Simulator) SetEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("compensation %v", on)
	s.compOn = on
	return nil
}

// PositionKnown implements align.HomingControl.
func (s *Simulator) PositionKnown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posKnown
}

// HomeAll implements align.HomingControl.
func (s *Simulator) HomeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("home_all")
	s.rehome()
	return nil
}

// InvalidateZ implements align.HomingControl.
func (s *Simulator) InvalidateZ() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("invalidate_z")
	s.posKnown = false
}

// HomeZ implements align.HomingControl.
func (s *Simulator) HomeZ() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("home_z")
	s.rehome()
	return nil
}

// rehome re-references the commanded coordinate at the home height with
// a coordinated move, so actuator deviations survive homing.
func (s *Simulator) rehome() {
	wasLocked := append([]bool(nil), s.locked...)
	for i := range s.locked {
		s.locked[i] = false
	}
	s.applyMove(homeHeight - s.commandedZ)
	copy(s.locked, wasLocked)
	s.posKnown = true
}

// GetStatus reports the simulator state for the status surfaces.
func (s *Simulator) GetStatus() map[string]interface{} {
	devs := s.Deviations()
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"commanded_z": s.commandedZ,
		"deviations":  devs,
		"level_range": maxOf(devs),
		"homed":       s.posKnown,
		"stowed":      s.stowed,
	}
}

func maxOf(vals []float64) float64 {
	var m float64
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
