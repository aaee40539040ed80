// Probe point table
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package align

import (
	"fmt"
	"math"
	"sync"

	"zalign/pkg/errors"
)

// The supported actuator counts. Two or three independently driven
// lead screws; more would need a different correction model.
const (
	MinActuators = 2
	MaxActuators = 3
)

// Point is an XY probe position for one actuator.
type Point struct {
	X float64
	Y float64
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", p.X, p.Y)
}

// Limits are the machine's XY travel bounds, used to validate probe
// points before they are stored.
type Limits struct {
	XMin, XMax float64
	YMin, YMax float64
}

// CheckPoint validates a point against the travel bounds.
func (l Limits) CheckPoint(p Point) error {
	if p.X < l.XMin || p.X > l.XMax {
		return errors.PointBoundsError("X", p.X, l.XMin, l.XMax)
	}
	if p.Y < l.YMin || p.Y > l.YMax {
		return errors.PointBoundsError("Y", p.Y, l.YMin, l.YMax)
	}
	return nil
}

// PointStore holds the per-actuator probe positions. Reads and writes
// are guarded so the status surfaces can read the table while a setter
// runs; the controller snapshots it once per run and never sees a
// mid-run change.
type PointStore struct {
	mu       sync.RWMutex
	points   []Point
	defaults []Point
	limits   Limits
}

// NewPointStore seeds the table from the configured default points.
// Every default must lie within the travel bounds.
func NewPointStore(defaults []Point, limits Limits) (*PointStore, error) {
	if len(defaults) < MinActuators || len(defaults) > MaxActuators {
		return nil, errors.InternalError(fmt.Sprintf(
			"point table needs %d to %d entries, got %d",
			MinActuators, MaxActuators, len(defaults)))
	}
	for _, p := range defaults {
		if err := limits.CheckPoint(p); err != nil {
			return nil, err
		}
	}
	ps := &PointStore{
		points:   make([]Point, len(defaults)),
		defaults: make([]Point, len(defaults)),
		limits:   limits,
	}
	copy(ps.points, defaults)
	copy(ps.defaults, defaults)
	return ps, nil
}

// Count returns the number of actuators.
func (ps *PointStore) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.points)
}

// Get returns the probe point for one actuator.
func (ps *PointStore) Get(id int) (Point, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if id < 0 || id >= len(ps.points) {
		return Point{}, errors.InvalidParameterError(
			"actuator", float64(id), 0, float64(len(ps.points)-1))
	}
	return ps.points[id], nil
}

// Set replaces the probe point for one actuator. An out-of-bounds
// coordinate leaves the stored value unchanged.
func (ps *PointStore) Set(id int, p Point) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if id < 0 || id >= len(ps.points) {
		return errors.InvalidParameterError(
			"actuator", float64(id), 0, float64(len(ps.points)-1))
	}
	if err := ps.limits.CheckPoint(p); err != nil {
		return err
	}
	ps.points[id] = p
	return nil
}

// All returns a copy of the current point table.
func (ps *PointStore) All() []Point {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Point, len(ps.points))
	copy(out, ps.points)
	return out
}

// Reset restores the configured default points.
func (ps *PointStore) Reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	copy(ps.points, ps.defaults)
}

// Limits returns the travel bounds the table validates against.
func (ps *PointStore) Limits() Limits {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.limits
}

// maxPairwiseDistance returns the largest horizontal distance between
// any two points. With two points this is their separation; with three
// it is the longest triangle side.
func maxPairwiseDistance(points []Point) float64 {
	maxDist := 0.0
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			d := math.Hypot(points[i].X-points[j].X, points[i].Y-points[j].Y)
			if d > maxDist {
				maxDist = d
			}
		}
	}
	return maxDist
}
