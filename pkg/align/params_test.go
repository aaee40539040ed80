// Unit tests for run parameters and settings loading
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package align

import (
	"strings"
	"testing"

	"zalign/pkg/config"
	"zalign/pkg/errors"
)

func TestParamsValidate(t *testing.T) {
	valid := []Params{
		{Iterations: 5, Accuracy: 0.02, Gain: 1.0},
		{Iterations: 1, Accuracy: 0.01, Gain: 0.5},
		{Iterations: 30, Accuracy: 1.0, Gain: 2.0},
		{Iterations: 5, Accuracy: 0.02, Gain: -2.0},
		{Iterations: 5, Accuracy: 0.02, Gain: -0.5},
	}
	for _, p := range valid {
		if err := p.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", p, err)
		}
	}

	invalid := []struct {
		p      Params
		option string
	}{
		{Params{Iterations: 0, Accuracy: 0.02, Gain: 1.0}, "iterations"},
		{Params{Iterations: 31, Accuracy: 0.02, Gain: 1.0}, "iterations"},
		{Params{Iterations: 5, Accuracy: 0.009, Gain: 1.0}, "accuracy"},
		{Params{Iterations: 5, Accuracy: 1.01, Gain: 1.0}, "accuracy"},
		{Params{Iterations: 5, Accuracy: 0.02, Gain: 0.49}, "gain"},
		{Params{Iterations: 5, Accuracy: 0.02, Gain: 2.01}, "gain"},
		{Params{Iterations: 5, Accuracy: 0.02, Gain: -0.49}, "gain"},
		{Params{Iterations: 5, Accuracy: 0.02, Gain: 0}, "gain"},
	}
	for _, tt := range invalid {
		err := tt.p.Validate()
		if !errors.Is(err, errors.ErrInvalidParameter) {
			t.Errorf("Validate(%+v) = %v, want %s", tt.p, err, errors.ErrInvalidParameter)
			continue
		}
		if hostErr := err.(*errors.HostError); hostErr.Option != tt.option {
			t.Errorf("Validate(%+v) rejected %q, want %q", tt.p, hostErr.Option, tt.option)
		}
	}
}

func loadTestSettings(t *testing.T, data string) (*Settings, error) {
	t.Helper()
	cfg, err := config.LoadString(data)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	return LoadSettings(cfg)
}

func TestLoadSettingsFull(t *testing.T) {
	settings, err := loadTestSettings(t, `[machine]
x_min: 0.0
x_max: 235.0
y_min: 0.0
y_max: 230.0

[z_align]
points:
    20.0, 200.0
    200.0, 200.0
    110.0, 20.0
steppers: 3
iterations: 8
accuracy: 0.05
gain: -1.5
stow_probe: true
clearance: 4.0
max_grade: 10.0
`)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	if settings.Steppers != 3 || len(settings.Points) != 3 {
		t.Errorf("steppers=%d points=%d, want 3 each", settings.Steppers, len(settings.Points))
	}
	if settings.Points[2] != (Point{X: 110, Y: 20}) {
		t.Errorf("point 2 = %v, want (110.000, 20.000)", settings.Points[2])
	}
	want := Params{Iterations: 8, Accuracy: 0.05, Gain: -1.5, StowProbe: true}
	if settings.Defaults != want {
		t.Errorf("defaults = %+v, want %+v", settings.Defaults, want)
	}
	if settings.Clearance != 4.0 || settings.MaxGrade != 10.0 {
		t.Errorf("clearance=%v maxGrade=%v, want 4 and 10", settings.Clearance, settings.MaxGrade)
	}
	if settings.Limits != (Limits{XMin: 0, XMax: 235, YMin: 0, YMax: 230}) {
		t.Errorf("limits = %+v", settings.Limits)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := loadTestSettings(t, `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
points:
    20.0, 200.0
    200.0, 200.0
`)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	if settings.Steppers != 2 {
		t.Errorf("steppers = %d, want 2 from the points list", settings.Steppers)
	}
	want := Params{Iterations: DefaultIterations, Accuracy: DefaultAccuracy, Gain: DefaultGain}
	if settings.Defaults != want {
		t.Errorf("defaults = %+v, want %+v", settings.Defaults, want)
	}
	if settings.Clearance != DefaultClearance || settings.MaxGrade != DefaultMaxGrade {
		t.Errorf("clearance=%v maxGrade=%v, want defaults", settings.Clearance, settings.MaxGrade)
	}
	if settings.Limits.XMin != 0 || settings.Limits.YMin != 0 {
		t.Errorf("limits = %+v, want zero minimums", settings.Limits)
	}
}

func TestLoadSettingsRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "one point",
			data: `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
points:
    20.0, 200.0
`,
			want: "probe points",
		},
		{
			name: "four points",
			data: `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
points:
    20.0, 20.0
    20.0, 200.0
    200.0, 200.0
    200.0, 20.0
`,
			want: "probe points",
		},
		{
			name: "stepper count mismatch",
			data: `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
steppers: 2
points:
    20.0, 200.0
    200.0, 200.0
    110.0, 20.0
`,
			want: "steppers",
		},
		{
			name: "point outside travel",
			data: `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
points:
    20.0, 200.0
    500.0, 200.0
`,
			want: "out of bounds",
		},
		{
			name: "missing machine section",
			data: `[z_align]
points:
    20.0, 200.0
    200.0, 200.0
`,
			want: "machine",
		},
		{
			name: "missing y_max",
			data: `[machine]
x_max: 220.0

[z_align]
points:
    20.0, 200.0
    200.0, 200.0
`,
			want: "y_max",
		},
		{
			name: "swapped travel limits",
			data: `[machine]
x_min: 220.0
x_max: 10.0
y_max: 220.0

[z_align]
points:
    20.0, 200.0
    200.0, 200.0
`,
			want: "x_max",
		},
		{
			name: "iterations above cap",
			data: `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
iterations: 99
points:
    20.0, 200.0
    200.0, 200.0
`,
			want: "iterations",
		},
		{
			name: "malformed point pair",
			data: `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
points:
    20.0, 200.0, 7.0
    200.0, 200.0
`,
			want: "points",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadTestSettings(t, tt.data)
			if err == nil {
				t.Fatal("LoadSettings accepted a bad config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadSettingsGainOutOfRange(t *testing.T) {
	_, err := loadTestSettings(t, `[machine]
x_max: 220.0
y_max: 220.0

[z_align]
gain: 0.3
points:
    20.0, 200.0
    200.0, 200.0
`)
	if !errors.Is(err, errors.ErrInvalidParameter) {
		t.Fatalf("err = %v, want %s", err, errors.ErrInvalidParameter)
	}
}
