// Machine collaborator interfaces for the alignment controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package align

import (
	"zalign/pkg/errors"
)

// Axis identifies a machine axis for relative moves.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// String returns the axis letter.
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	}
	return "?"
}

// MotionExecutor issues motion to the board. MoveToZ and MoveBy may
// block until the motion physically completes; Barrier blocks until
// all previously queued motion is physically done.
type MotionExecutor interface {
	MoveToZ(height float64) error
	MoveBy(axis Axis, delta float64) error
	Barrier() error
}

// DistanceSensor measures the distance to the build surface. MeasureAt
// travels to the XY position, probes, and returns the measured height;
// any error is a probe fault. Stow returns the sensor to its safe
// retracted state.
type DistanceSensor interface {
	MeasureAt(x, y float64, stowAfter bool) (float64, error)
	Stow() error
}

// LockController holds individual Z actuators still. A locked actuator
// ignores Z motion commands; with every actuator unlocked the axis
// moves as one coordinated unit.
type LockController interface {
	SetLock(id int, locked bool) error
	SetAllLocked(locked bool) error
}

// ToolManager selects the active tool on multi-tool machines.
type ToolManager interface {
	ActiveTool() int
	SelectTool(id int) error
}

// BedCompensation is the bed mesh / leveling compensation layer.
type BedCompensation interface {
	Enabled() bool
	SetEnabled(on bool) error
}

// HomingControl tracks and re-establishes the machine's absolute
// position reference.
type HomingControl interface {
	PositionKnown() bool
	HomeAll() error
	InvalidateZ()
	HomeZ() error
}

// Machine bundles the collaborators the controller drives. Motion,
// Sensor, Locks, and Homing are required; Tools and BedComp may be nil
// on machines without those subsystems.
type Machine struct {
	Motion  MotionExecutor
	Sensor  DistanceSensor
	Locks   LockController
	Tools   ToolManager
	BedComp BedCompensation
	Homing  HomingControl
}

// check verifies the required collaborators are present.
func (m *Machine) check() error {
	switch {
	case m.Motion == nil:
		return errors.InternalError("machine has no motion executor")
	case m.Sensor == nil:
		return errors.InternalError("machine has no distance sensor")
	case m.Locks == nil:
		return errors.InternalError("machine has no lock controller")
	case m.Homing == nil:
		return errors.InternalError("machine has no homing control")
	}
	return nil
}
