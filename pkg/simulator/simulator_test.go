// Unit and loop-integration tests for the simulated machine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package simulator

import (
	"context"
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"zalign/pkg/align"
	"zalign/pkg/log"
	"zalign/pkg/scenario"
)

func TestMain(m *testing.M) {
	silent := log.New("test")
	silent.SetWriter(io.Discard)
	log.SetDefaultLogger(silent)
	os.Exit(m.Run())
}

var simPoints = []align.Point{{X: 20, Y: 200}, {X: 200, Y: 200}, {X: 110, Y: 20}}

func newSimController(t *testing.T, sim *Simulator, points []align.Point) *align.Controller {
	t.Helper()
	settings := &align.Settings{
		Steppers:  len(points),
		Points:    points,
		Defaults:  align.Params{Iterations: 5, Accuracy: 0.02, Gain: 1.0},
		Clearance: 5.0,
		MaxGrade:  5.0,
		Limits:    align.Limits{XMin: 0, XMax: 250, YMin: 0, YMax: 250},
	}
	c, err := align.NewController(settings, sim.Machine())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func TestAlignLevelsTiltedGantry(t *testing.T) {
	sim := New(simPoints)
	sim.SetDeviations([]float64{0.5, 0.0, 0.25})
	c := newSimController(t, sim, simPoints)

	if got := sim.LevelRange(); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("initial level range = %v, want 0.5", got)
	}

	report, err := c.AlignDefaults(context.Background())
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if report.Status != align.StatusConverged {
		t.Fatalf("status = %v, want converged", report.Status)
	}
	if report.Iterations != 2 {
		t.Errorf("iterations = %d, want 2 (correct, then verify)", report.Iterations)
	}
	if got := sim.LevelRange(); got > 0.02 {
		t.Errorf("level range after alignment = %v, want within 0.02", got)
	}
}

func TestIsolatedMoveShiftsOneActuator(t *testing.T) {
	sim := New(simPoints)

	if err := sim.SetAllLocked(true); err != nil {
		t.Fatal(err)
	}
	if err := sim.SetLock(1, false); err != nil {
		t.Fatal(err)
	}
	if err := sim.MoveBy(align.AxisZ, 0.3); err != nil {
		t.Fatal(err)
	}
	if err := sim.SetAllLocked(false); err != nil {
		t.Fatal(err)
	}

	devs := sim.Deviations()
	if math.Abs(devs[1]-0.3) > 1e-9 || devs[0] != 0 || devs[2] != 0 {
		t.Errorf("deviations after isolated move = %v, want only actuator 1 at 0.3", devs)
	}
}

func TestCoordinatedMovePreservesDeviations(t *testing.T) {
	sim := New(simPoints)
	sim.SetDeviations([]float64{0.4, 0.0, 0.1})

	if err := sim.MoveToZ(25); err != nil {
		t.Fatal(err)
	}
	if err := sim.MoveBy(align.AxisZ, -3); err != nil {
		t.Fatal(err)
	}

	devs := sim.Deviations()
	if math.Abs(devs[0]-0.4) > 1e-9 || devs[1] != 0 || math.Abs(devs[2]-0.1) > 1e-9 {
		t.Errorf("deviations after coordinated moves = %v, want unchanged", devs)
	}
}

func TestHomingPreservesDeviations(t *testing.T) {
	sim := New(simPoints)
	sim.SetDeviations([]float64{0.2, 0.0, 0.0})

	sim.InvalidateZ()
	if sim.PositionKnown() {
		t.Error("position still known after invalidation")
	}
	if err := sim.MoveToZ(15); err == nil {
		t.Error("move accepted with position unknown")
	}
	if err := sim.HomeZ(); err != nil {
		t.Fatal(err)
	}
	if !sim.PositionKnown() {
		t.Error("position unknown after homing")
	}
	if got := sim.LevelRange(); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("level range after homing = %v, want 0.2", got)
	}
}

func TestScheduledFaultAbortsRun(t *testing.T) {
	sim := New(simPoints)
	sim.SetDeviations([]float64{0.5, 0.0, 0.25})
	sim.ScheduleFault(2, 1)
	c := newSimController(t, sim, simPoints)

	report, err := c.AlignDefaults(context.Background())
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if report.Status != align.StatusAbortedProbeFault {
		t.Errorf("status = %v, want aborted_probe_fault", report.Status)
	}
	if report.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", report.Iterations)
	}
}

func TestNegativeGainDiverges(t *testing.T) {
	points := []align.Point{{X: 20, Y: 110}, {X: 200, Y: 110}}
	sim := New(points)
	sim.SetDeviations([]float64{1.2, 0.0})
	c := newSimController(t, sim, points)
	p := c.Defaults()
	p.Gain = -1.0

	report, err := c.Align(context.Background(), p)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if report.Status != align.StatusAbortedDiverging {
		t.Errorf("status = %v, want aborted_diverging", report.Status)
	}
	if report.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", report.Iterations)
	}
	// The wrong-signed correction pushed the free actuator away from
	// level before the divergence check caught it.
	if got := sim.LevelRange(); got <= 1.2 {
		t.Errorf("level range = %v, want worse than the initial 1.2", got)
	}
}

func TestWeakGainRunsOutOfIterations(t *testing.T) {
	points := []align.Point{{X: 20, Y: 110}, {X: 200, Y: 110}}
	sim := New(points)
	sim.SetDeviations([]float64{0.5, 0.0})
	c := newSimController(t, sim, points)
	p := c.Defaults()
	p.Gain = 0.5
	p.Iterations = 3

	report, err := c.Align(context.Background(), p)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if report.Status != align.StatusIterationsExhausted {
		t.Errorf("status = %v, want iterations_exhausted", report.Status)
	}
	if report.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", report.Iterations)
	}
}

func TestNoiseIsSeeded(t *testing.T) {
	measure := func(seed int64) []float64 {
		sim := New(simPoints)
		sim.SetNoise(0.01, seed)
		var out []float64
		for i := 0; i < 3; i++ {
			h, err := sim.MeasureAt(simPoints[0].X, simPoints[0].Y, false)
			if err != nil {
				t.Fatalf("MeasureAt: %v", err)
			}
			out = append(out, h)
		}
		return out
	}

	a, b := measure(7), measure(7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different measurements: %v vs %v", a, b)
		}
	}
	c := measure(8)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Error("different seeds produced identical measurements")
	}
}

func TestMeasureAtUnknownPoint(t *testing.T) {
	sim := New(simPoints)
	if _, err := sim.MeasureAt(1, 2, false); err == nil {
		t.Fatal("measurement accepted for an unconfigured point")
	}
}

func TestTraceShowsIsolatedCorrections(t *testing.T) {
	sim := New(simPoints)
	sim.SetDeviations([]float64{0.5, 0.0, 0.25})
	c := newSimController(t, sim, simPoints)

	if _, err := c.AlignDefaults(context.Background()); err != nil {
		t.Fatalf("Align: %v", err)
	}

	moves := 0
	for _, event := range sim.Trace() {
		if !strings.HasPrefix(event, "move_by") {
			continue
		}
		moves++
		if !strings.HasSuffix(event, "unlocked=1") {
			t.Errorf("correction move without isolation: %q", event)
		}
	}
	if moves == 0 {
		t.Error("no correction moves in trace")
	}
}

func TestFromScenario(t *testing.T) {
	sc := &scenario.Scenario{
		Name: "inline",
		Machine: scenario.MachineSpec{
			XMax: 250, YMax: 250,
			Points: []scenario.PointSpec{
				{X: 20, Y: 200}, {X: 200, Y: 200}, {X: 110, Y: 20},
			},
			Deviations: []float64{0.5, 0.0, 0.25},
		},
		Expect: scenario.Expectation{Status: "converged", MaxIterations: 3},
	}
	if err := sc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	sim := FromScenario(sc)
	c := newSimController(t, sim, sc.Machine.AlignPoints())

	report, err := c.Align(context.Background(), sc.RunParams())
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if err := sc.Expect.Check(report); err != nil {
		t.Errorf("expectation not met: %v", err)
	}
	if got := sim.LevelRange(); got > 0.02 {
		t.Errorf("level range = %v, want level", got)
	}
}
