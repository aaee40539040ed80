// Simulated machine scenario definitions
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package scenario defines the YAML description of a simulated machine
// and the expected outcome of an alignment run against it: bed geometry,
// per-actuator deviations, probe noise, scheduled faults, run parameter
// overrides, and the status/iteration/accuracy expectations the golden
// runner checks.
package scenario

import (
	"fmt"
	"strings"

	"zalign/pkg/align"
)

// Scenario is one simulated-bed test case.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Machine     MachineSpec `yaml:"machine"`
	Faults      []FaultSpec `yaml:"faults,omitempty"`
	Params      ParamSpec   `yaml:"params,omitempty"`
	Expect      Expectation `yaml:"expect"`
}

// MachineSpec describes the simulated machine: travel limits, probe
// points (one per actuator), the initial actuator deviations, and the
// measurement noise model.
type MachineSpec struct {
	XMin float64 `yaml:"x_min,omitempty"`
	XMax float64 `yaml:"x_max"`
	YMin float64 `yaml:"y_min,omitempty"`
	YMax float64 `yaml:"y_max"`

	Points []PointSpec `yaml:"points"`

	// Deviations are the initial per-actuator Z offsets in mm,
	// index-matched to Points. Missing means a perfectly level start.
	Deviations []float64 `yaml:"deviations,omitempty"`

	// Noise is the standard deviation of the probe measurement noise
	// in mm; zero disables it.
	Noise float64 `yaml:"noise,omitempty"`

	// Seed makes the noise sequence reproducible.
	Seed int64 `yaml:"seed,omitempty"`
}

// PointSpec is a probe point coordinate.
type PointSpec struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// FaultSpec schedules a probe failure: the measurement of the given
// point during the given 1-based iteration errors instead of returning
// a height.
type FaultSpec struct {
	Iteration int `yaml:"iteration"`
	Point     int `yaml:"point"`
}

// ParamSpec overrides individual run parameters; nil fields keep the
// defaults.
type ParamSpec struct {
	Iterations *int     `yaml:"iterations,omitempty"`
	Accuracy   *float64 `yaml:"accuracy,omitempty"`
	Gain       *float64 `yaml:"gain,omitempty"`
	StowProbe  *bool    `yaml:"stow_probe,omitempty"`
}

// Expectation is what the run's report must satisfy. Zero-valued fields
// are not checked.
type Expectation struct {
	// Status is the required terminal status name.
	Status string `yaml:"status"`

	// Iterations requires the exact executed iteration count.
	Iterations int `yaml:"iterations,omitempty"`

	// MaxIterations bounds the executed iteration count from above.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// Accuracy bounds the achieved accuracy from above.
	Accuracy float64 `yaml:"accuracy,omitempty"`
}

func (s *Scenario) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Description = strings.TrimSpace(s.Description)
	s.Expect.Status = strings.TrimSpace(s.Expect.Status)
}

// Validate checks the scenario for internal consistency. The returned
// error names the scenario where possible.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario: name is required")
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("scenario %s: %s", s.Name, fmt.Sprintf(format, args...))
	}

	m := s.Machine
	if m.XMax <= m.XMin {
		return fail("machine: x_max must be greater than x_min")
	}
	if m.YMax <= m.YMin {
		return fail("machine: y_max must be greater than y_min")
	}
	n := len(m.Points)
	if n < align.MinActuators || n > align.MaxActuators {
		return fail("machine: need %d to %d points, got %d",
			align.MinActuators, align.MaxActuators, n)
	}
	limits := m.Limits()
	for i, p := range m.AlignPoints() {
		if err := limits.CheckPoint(p); err != nil {
			return fail("machine: point %d: %v", i, err)
		}
	}
	if len(m.Deviations) != 0 && len(m.Deviations) != n {
		return fail("machine: %d deviations for %d points", len(m.Deviations), n)
	}
	if m.Noise < 0 {
		return fail("machine: noise must not be negative")
	}

	for i, f := range s.Faults {
		if f.Iteration < 1 {
			return fail("fault %d: iteration must be at least 1", i)
		}
		if f.Point < 0 || f.Point >= n {
			return fail("fault %d: point %d out of range", i, f.Point)
		}
	}

	if err := s.RunParams().Validate(); err != nil {
		return fail("params: %v", err)
	}

	if s.Expect.Status != "" {
		status, ok := align.ParseStatus(s.Expect.Status)
		if !ok {
			return fail("expect: unknown status %q", s.Expect.Status)
		}
		if !status.Terminal() {
			return fail("expect: status %q is not terminal", s.Expect.Status)
		}
	}
	if s.Expect.Iterations < 0 || s.Expect.MaxIterations < 0 {
		return fail("expect: iteration counts must not be negative")
	}
	if s.Expect.Iterations > 0 && s.Expect.MaxIterations > 0 {
		return fail("expect: iterations and max_iterations are exclusive")
	}
	return nil
}

// AlignPoints converts the point specs to probe points.
func (m MachineSpec) AlignPoints() []align.Point {
	points := make([]align.Point, len(m.Points))
	for i, p := range m.Points {
		points[i] = align.Point{X: p.X, Y: p.Y}
	}
	return points
}

// Limits returns the travel limits.
func (m MachineSpec) Limits() align.Limits {
	return align.Limits{XMin: m.XMin, XMax: m.XMax, YMin: m.YMin, YMax: m.YMax}
}

// InitialDeviations returns the per-actuator starting offsets, zeros
// when the scenario omits them.
func (m MachineSpec) InitialDeviations() []float64 {
	devs := make([]float64, len(m.Points))
	copy(devs, m.Deviations)
	return devs
}

// RunParams merges the scenario's overrides over the standard defaults.
func (s *Scenario) RunParams() align.Params {
	p := align.Params{
		Iterations: align.DefaultIterations,
		Accuracy:   align.DefaultAccuracy,
		Gain:       align.DefaultGain,
	}
	if s.Params.Iterations != nil {
		p.Iterations = *s.Params.Iterations
	}
	if s.Params.Accuracy != nil {
		p.Accuracy = *s.Params.Accuracy
	}
	if s.Params.Gain != nil {
		p.Gain = *s.Params.Gain
	}
	if s.Params.StowProbe != nil {
		p.StowProbe = *s.Params.StowProbe
	}
	return p
}

// Check compares a run report against the expectation and returns a
// descriptive error on the first mismatch.
func (e Expectation) Check(r align.Report) error {
	if e.Status != "" && r.Status.String() != e.Status {
		return fmt.Errorf("status %s, want %s", r.Status, e.Status)
	}
	if e.Iterations > 0 && r.Iterations != e.Iterations {
		return fmt.Errorf("%d iterations, want %d", r.Iterations, e.Iterations)
	}
	if e.MaxIterations > 0 && r.Iterations > e.MaxIterations {
		return fmt.Errorf("%d iterations, want at most %d", r.Iterations, e.MaxIterations)
	}
	if e.Accuracy > 0 && r.AchievedAccuracy > e.Accuracy {
		return fmt.Errorf("achieved accuracy %.4f, want at most %.4f",
			r.AchievedAccuracy, e.Accuracy)
	}
	return nil
}
