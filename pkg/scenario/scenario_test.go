// Unit tests for scenario parsing and validation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package scenario

import (
	"path/filepath"
	"strings"
	"testing"

	"zalign/pkg/align"
)

const minimalScenario = `
name: minimal
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
expect:
  status: converged
`

func TestParseFull(t *testing.T) {
	sc, err := Parse([]byte(`
name: full
description: everything set
machine:
  x_min: 5.0
  x_max: 235.0
  y_min: 5.0
  y_max: 230.0
  points:
    - {x: 20.0, y: 200.0}
    - {x: 200.0, y: 200.0}
    - {x: 110.0, y: 20.0}
  deviations: [0.5, 0.0, 0.25]
  noise: 0.002
  seed: 42
faults:
  - {iteration: 3, point: 1}
params:
  iterations: 10
  accuracy: 0.05
  gain: -1.0
  stow_probe: true
expect:
  status: aborted_probe_fault
  iterations: 3
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if sc.Name != "full" {
		t.Errorf("name = %q", sc.Name)
	}
	if got := sc.Machine.Limits(); got != (align.Limits{XMin: 5, XMax: 235, YMin: 5, YMax: 230}) {
		t.Errorf("limits = %+v", got)
	}
	points := sc.Machine.AlignPoints()
	if len(points) != 3 || points[2] != (align.Point{X: 110, Y: 20}) {
		t.Errorf("points = %v", points)
	}
	devs := sc.Machine.InitialDeviations()
	if len(devs) != 3 || devs[0] != 0.5 || devs[2] != 0.25 {
		t.Errorf("deviations = %v", devs)
	}
	if sc.Machine.Noise != 0.002 || sc.Machine.Seed != 42 {
		t.Errorf("noise/seed = %v/%v", sc.Machine.Noise, sc.Machine.Seed)
	}
	if len(sc.Faults) != 1 || sc.Faults[0] != (FaultSpec{Iteration: 3, Point: 1}) {
		t.Errorf("faults = %v", sc.Faults)
	}

	want := align.Params{Iterations: 10, Accuracy: 0.05, Gain: -1.0, StowProbe: true}
	if got := sc.RunParams(); got != want {
		t.Errorf("RunParams = %+v, want %+v", got, want)
	}
	if sc.Expect.Status != "aborted_probe_fault" || sc.Expect.Iterations != 3 {
		t.Errorf("expect = %+v", sc.Expect)
	}
}

func TestParseMinimalDefaults(t *testing.T) {
	sc, err := Parse([]byte(minimalScenario))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := align.Params{
		Iterations: align.DefaultIterations,
		Accuracy:   align.DefaultAccuracy,
		Gain:       align.DefaultGain,
	}
	if got := sc.RunParams(); got != want {
		t.Errorf("RunParams = %+v, want defaults %+v", got, want)
	}
	devs := sc.Machine.InitialDeviations()
	if len(devs) != 2 || devs[0] != 0 || devs[1] != 0 {
		t.Errorf("deviations = %v, want zeros", devs)
	}
	if lim := sc.Machine.Limits(); lim.XMin != 0 || lim.YMin != 0 {
		t.Errorf("limits = %+v, want zero minimums", lim)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty payload", "   \n", "empty"},
		{"not yaml", "{{{", "decode"},
		{
			"missing name",
			`
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
`,
			"name is required",
		},
		{
			"one point",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
`,
			"points",
		},
		{
			"four points",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 20.0}
    - {x: 20.0, y: 200.0}
    - {x: 200.0, y: 200.0}
    - {x: 200.0, y: 20.0}
`,
			"points",
		},
		{
			"point outside travel",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 500.0, y: 110.0}
`,
			"point 1",
		},
		{
			"deviation count mismatch",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
  deviations: [0.5]
`,
			"deviations",
		},
		{
			"negative noise",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  noise: -0.1
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
`,
			"noise",
		},
		{
			"fault before first iteration",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
faults:
  - {iteration: 0, point: 0}
`,
			"iteration",
		},
		{
			"fault point out of range",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
faults:
  - {iteration: 1, point: 2}
`,
			"point 2",
		},
		{
			"gain override out of range",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
params:
  gain: 0.3
`,
			"gain",
		},
		{
			"unknown status",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
expect:
  status: perfect
`,
			"unknown status",
		},
		{
			"non-terminal status",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
expect:
  status: running
`,
			"not terminal",
		},
		{
			"exclusive iteration checks",
			`
name: bad
machine:
  x_max: 220.0
  y_max: 220.0
  points:
    - {x: 20.0, y: 110.0}
    - {x: 200.0, y: 110.0}
expect:
  status: converged
  iterations: 2
  max_iterations: 3
`,
			"exclusive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Parse accepted a bad scenario")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestExpectationCheck(t *testing.T) {
	report := align.Report{
		Status:           align.StatusConverged,
		Iterations:       2,
		AchievedAccuracy: 0.015,
	}

	good := []Expectation{
		{},
		{Status: "converged"},
		{Status: "converged", Iterations: 2},
		{Status: "converged", MaxIterations: 2},
		{Status: "converged", MaxIterations: 5, Accuracy: 0.02},
	}
	for _, e := range good {
		if err := e.Check(report); err != nil {
			t.Errorf("Check(%+v) = %v, want nil", e, err)
		}
	}

	bad := []struct {
		e    Expectation
		want string
	}{
		{Expectation{Status: "cancelled"}, "status"},
		{Expectation{Iterations: 3}, "iterations"},
		{Expectation{MaxIterations: 1}, "at most"},
		{Expectation{Accuracy: 0.01}, "accuracy"},
	}
	for _, tt := range bad {
		err := tt.e.Check(report)
		if err == nil {
			t.Errorf("Check(%+v) = nil, want error", tt.e)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Check(%+v) = %v, want mention of %q", tt.e, err, tt.want)
		}
	}
}

func TestLoadDir(t *testing.T) {
	scenarios, err := LoadDir("testdata")
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(scenarios) != 2 {
		t.Fatalf("loaded %d scenarios, want 2", len(scenarios))
	}
	if scenarios[0].Name != "three-point-converge" {
		t.Errorf("first scenario = %q, want three-point-converge", scenarios[0].Name)
	}
	if scenarios[1].Name != "probe-fault-second-iteration" {
		t.Errorf("second scenario = %q", scenarios[1].Name)
	}
	if len(scenarios[1].Faults) != 1 {
		t.Errorf("faults = %v", scenarios[1].Faults)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join("testdata", "does-not-exist.yaml")); err == nil {
		t.Fatal("LoadFile succeeded on a missing file")
	}
}
