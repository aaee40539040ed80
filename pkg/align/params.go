// Run parameters, their bounds, and config loading
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package align

import (
	"fmt"
	"math"

	"zalign/pkg/config"
	"zalign/pkg/errors"
)

// Parameter bounds for an alignment run.
const (
	MinIterations = 1
	MaxIterations = 30

	MinAccuracy = 0.01
	MaxAccuracy = 1.0

	// Gain bounds apply to the magnitude; the sign is free.
	MinGainMagnitude = 0.5
	MaxGainMagnitude = 2.0
)

// Built-in defaults, used when the config file does not override them.
const (
	DefaultIterations = 5
	DefaultAccuracy   = 0.02
	DefaultGain       = 1.0

	// DefaultClearance is the basic safety clearance above the bed for
	// travel between probe points. The same value is the margin added
	// to every stored measurement.
	DefaultClearance = 5.0

	// DefaultMaxGrade is the worst bed tilt (percent grade) the
	// initial clearance height must clear before any measurement
	// exists.
	DefaultMaxGrade = 5.0
)

// Params are the tunables of one alignment run.
type Params struct {
	// Iterations is the maximum number of probe/correct iterations.
	Iterations int

	// Accuracy is the target maximum deviation between actuators, in
	// the same units as measured heights.
	Accuracy float64

	// Gain scales each correction move. Signed; only the magnitude is
	// bounds-checked.
	Gain float64

	// StowProbe stows the sensor after every measurement instead of
	// keeping it deployed for the whole run.
	StowProbe bool
}

// Validate range-checks the parameters and returns a distinct invalid
// parameter error for the first one out of bounds.
func (p Params) Validate() error {
	if p.Iterations < MinIterations || p.Iterations > MaxIterations {
		return errors.InvalidParameterError(
			"iterations", float64(p.Iterations), MinIterations, MaxIterations)
	}
	if p.Accuracy < MinAccuracy || p.Accuracy > MaxAccuracy {
		return errors.InvalidParameterError(
			"accuracy", p.Accuracy, MinAccuracy, MaxAccuracy)
	}
	if g := math.Abs(p.Gain); g < MinGainMagnitude || g > MaxGainMagnitude {
		return errors.InvalidParameterError(
			"gain", p.Gain, MinGainMagnitude, MaxGainMagnitude)
	}
	return nil
}

// Settings configure the alignment controller: the actuator geometry
// from [z_align] and the travel limits from [machine].
type Settings struct {
	// Steppers is the number of independently driven Z actuators.
	Steppers int

	// Points are the configured default probe positions, one per
	// actuator in id order.
	Points []Point

	// Defaults are the run parameters used when a command supplies
	// none.
	Defaults Params

	// Clearance is the basic safety clearance in mm.
	Clearance float64

	// MaxGrade is the worst assumed bed tilt in percent.
	MaxGrade float64

	// Limits bound the probe point coordinates.
	Limits Limits
}

// LoadSettings reads the [machine] and [z_align] sections.
func LoadSettings(cfg *config.Config) (*Settings, error) {
	mach, err := cfg.GetSection("machine")
	if err != nil {
		return nil, err
	}
	limits, err := loadLimits(mach)
	if err != nil {
		return nil, err
	}

	sec, err := cfg.GetSection("z_align")
	if err != nil {
		return nil, err
	}

	pairs, err := sec.GetXYList("points")
	if err != nil {
		return nil, err
	}
	if len(pairs) < MinActuators || len(pairs) > MaxActuators {
		return nil, errors.ConfigValidationError("z_align", "points", fmt.Sprintf(
			"need %d to %d probe points, got %d", MinActuators, MaxActuators, len(pairs)))
	}
	points := make([]Point, len(pairs))
	for i, xy := range pairs {
		points[i] = Point{X: xy[0], Y: xy[1]}
	}
	for _, pt := range points {
		if err := limits.CheckPoint(pt); err != nil {
			return nil, err
		}
	}

	// The points list defines the actuator count; an explicit steppers
	// option is accepted as a consistency check.
	steppers, err := sec.GetInt("steppers", len(points))
	if err != nil {
		return nil, err
	}
	if steppers != len(points) {
		return nil, errors.ConfigValidationError("z_align", "steppers", fmt.Sprintf(
			"%d steppers but %d probe points", steppers, len(points)))
	}

	minIter, maxIter := MinIterations, MaxIterations
	iterations, err := sec.GetIntWithBounds("iterations", &minIter, &maxIter, DefaultIterations)
	if err != nil {
		return nil, err
	}

	minAcc, maxAcc := MinAccuracy, MaxAccuracy
	accuracy, err := sec.GetFloatWithBounds("accuracy",
		config.FloatBounds{MinVal: &minAcc, MaxVal: &maxAcc}, DefaultAccuracy)
	if err != nil {
		return nil, err
	}

	gain, err := sec.GetFloat("gain", DefaultGain)
	if err != nil {
		return nil, err
	}

	stow, err := sec.GetBool("stow_probe", false)
	if err != nil {
		return nil, err
	}

	zero := 0.0
	clearance, err := sec.GetFloatWithBounds("clearance",
		config.FloatBounds{Above: &zero}, DefaultClearance)
	if err != nil {
		return nil, err
	}

	maxGrade, err := sec.GetFloatWithBounds("max_grade",
		config.FloatBounds{MinVal: &zero}, DefaultMaxGrade)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		Steppers: len(points),
		Points:   points,
		Defaults: Params{
			Iterations: iterations,
			Accuracy:   accuracy,
			Gain:       gain,
			StowProbe:  stow,
		},
		Clearance: clearance,
		MaxGrade:  maxGrade,
		Limits:    limits,
	}

	// The bounds getters already cover iterations and accuracy; this
	// catches a configured gain magnitude out of range.
	if err := s.Defaults.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadLimits(sec *config.Section) (Limits, error) {
	var lim Limits
	var err error
	if lim.XMin, err = sec.GetFloat("x_min", 0); err != nil {
		return lim, err
	}
	if lim.XMax, err = sec.GetFloat("x_max"); err != nil {
		return lim, err
	}
	if lim.YMin, err = sec.GetFloat("y_min", 0); err != nil {
		return lim, err
	}
	if lim.YMax, err = sec.GetFloat("y_max"); err != nil {
		return lim, err
	}
	if lim.XMax <= lim.XMin {
		return lim, errors.ConfigValidationError("machine", "x_max", "must be greater than x_min")
	}
	if lim.YMax <= lim.YMin {
		return lim, errors.ConfigValidationError("machine", "y_max", "must be greater than y_min")
	}
	return lim, nil
}
