// Unit tests for the probe point table
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package align

import (
	"math"
	"testing"

	"zalign/pkg/errors"
)

var testLimits = Limits{XMin: 0, XMax: 220, YMin: 0, YMax: 220}

func newTestStore(t *testing.T) *PointStore {
	t.Helper()
	store, err := NewPointStore(testPoints, testLimits)
	if err != nil {
		t.Fatalf("NewPointStore: %v", err)
	}
	return store
}

func TestPointStoreSetGet(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set(1, Point{X: 55.5, Y: 66.25}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.X != 55.5 || got.Y != 66.25 {
		t.Errorf("Get(1) = %v, want (55.500, 66.250)", got)
	}

	// Setting the same value again is fine and stable.
	if err := store.Set(1, got); err != nil {
		t.Fatalf("repeat Set: %v", err)
	}
	again, _ := store.Get(1)
	if again != got {
		t.Errorf("repeat Set changed value: %v != %v", again, got)
	}

	// Other entries are untouched.
	other, _ := store.Get(0)
	if other != testPoints[0] {
		t.Errorf("Get(0) = %v, want %v", other, testPoints[0])
	}
}

func TestPointStoreRejectsOutOfBounds(t *testing.T) {
	store := newTestStore(t)
	before, _ := store.Get(0)

	tests := []Point{
		{X: -5, Y: 100},
		{X: 225, Y: 100},
		{X: 100, Y: -1},
		{X: 100, Y: 220.5},
	}
	for _, p := range tests {
		err := store.Set(0, p)
		if !errors.Is(err, errors.ErrPointBounds) {
			t.Errorf("Set(0, %v) err = %v, want %s", p, err, errors.ErrPointBounds)
		}
	}

	after, _ := store.Get(0)
	if after != before {
		t.Errorf("rejected Set changed stored point: %v -> %v", before, after)
	}
}

func TestPointStoreRejectsBadID(t *testing.T) {
	store := newTestStore(t)
	p := Point{X: 100, Y: 100}

	for _, id := range []int{-1, 3, 99} {
		if err := store.Set(id, p); !errors.Is(err, errors.ErrInvalidParameter) {
			t.Errorf("Set(%d) err = %v, want %s", id, err, errors.ErrInvalidParameter)
		}
		if _, err := store.Get(id); !errors.Is(err, errors.ErrInvalidParameter) {
			t.Errorf("Get(%d) err = %v, want %s", id, err, errors.ErrInvalidParameter)
		}
	}
}

func TestPointStoreReset(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set(0, Point{X: 10, Y: 10}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(2, Point{X: 30, Y: 30}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	store.Reset()
	for i, want := range testPoints {
		got, _ := store.Get(i)
		if got != want {
			t.Errorf("after Reset, Get(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestPointStoreAllReturnsCopy(t *testing.T) {
	store := newTestStore(t)

	all := store.All()
	all[0] = Point{X: 1, Y: 1}

	got, _ := store.Get(0)
	if got != testPoints[0] {
		t.Errorf("mutating All() result changed the store: %v", got)
	}
}

func TestNewPointStoreValidation(t *testing.T) {
	two := []Point{{X: 10, Y: 100}, {X: 200, Y: 100}}
	if _, err := NewPointStore(two, testLimits); err != nil {
		t.Errorf("two points rejected: %v", err)
	}

	one := []Point{{X: 10, Y: 100}}
	if _, err := NewPointStore(one, testLimits); err == nil {
		t.Error("single point accepted")
	}

	four := []Point{{X: 10, Y: 10}, {X: 10, Y: 200}, {X: 200, Y: 200}, {X: 200, Y: 10}}
	if _, err := NewPointStore(four, testLimits); err == nil {
		t.Error("four points accepted")
	}

	outside := []Point{{X: 10, Y: 100}, {X: 500, Y: 100}}
	if _, err := NewPointStore(outside, testLimits); !errors.Is(err, errors.ErrPointBounds) {
		t.Errorf("out-of-travel default accepted: %v", err)
	}
}

func TestLimitsCheckPoint(t *testing.T) {
	limits := Limits{XMin: 10, XMax: 200, YMin: 20, YMax: 180}

	good := []Point{{X: 10, Y: 20}, {X: 200, Y: 180}, {X: 100, Y: 100}}
	for _, p := range good {
		if err := limits.CheckPoint(p); err != nil {
			t.Errorf("CheckPoint(%v) = %v, want nil", p, err)
		}
	}

	bad := []Point{{X: 9.99, Y: 100}, {X: 200.01, Y: 100}, {X: 100, Y: 19}, {X: 100, Y: 181}}
	for _, p := range bad {
		if err := limits.CheckPoint(p); !errors.Is(err, errors.ErrPointBounds) {
			t.Errorf("CheckPoint(%v) = %v, want %s", p, err, errors.ErrPointBounds)
		}
	}
}

func TestMaxPairwiseDistance(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		want   float64
	}{
		{
			name:   "right triangle",
			points: []Point{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 0, Y: 4}},
			want:   5,
		},
		{
			name:   "two points",
			points: []Point{{X: 10, Y: 10}, {X: 10, Y: 110}},
			want:   100,
		},
		{
			name:   "single point",
			points: []Point{{X: 50, Y: 50}},
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxPairwiseDistance(tt.points); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("maxPairwiseDistance = %v, want %v", got, tt.want)
			}
		})
	}
}
