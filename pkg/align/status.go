// Run status and report types
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package align

import "fmt"

// Status is the state of an alignment run.
type Status int

const (
	// StatusRunning means the run has not reached a terminal state.
	StatusRunning Status = iota

	// StatusConverged means every actuator reached the accuracy target.
	StatusConverged

	// StatusIterationsExhausted means the iteration limit was reached
	// before the accuracy target.
	StatusIterationsExhausted

	// StatusAbortedProbeFault means a measurement could not be
	// obtained and the run stopped without applying corrections for
	// that iteration.
	StatusAbortedProbeFault

	// StatusAbortedDiverging means an actuator's deviation grew
	// between iterations instead of shrinking.
	StatusAbortedDiverging

	// StatusCancelled means the caller cancelled the run between
	// iterations.
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusRunning:             "running",
	StatusConverged:           "converged",
	StatusIterationsExhausted: "iterations_exhausted",
	StatusAbortedProbeFault:   "aborted_probe_fault",
	StatusAbortedDiverging:    "aborted_diverging",
	StatusCancelled:           "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, bool) {
	for status, n := range statusNames {
		if n == name {
			return status, true
		}
	}
	return StatusRunning, false
}

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Succeeded reports whether the gantry was levelled within target.
func (s Status) Succeeded() bool {
	return s == StatusConverged
}

// Report summarizes a finished alignment run.
type Report struct {
	// Status is the terminal run status.
	Status Status

	// Iterations is the number of iterations actually executed. A
	// partially executed final iteration counts.
	Iterations int

	// AchievedAccuracy is the maximum pairwise difference across the
	// last complete set of measurements, zero when no iteration
	// finished its probing phase.
	AchievedAccuracy float64
}

func (r Report) String() string {
	return fmt.Sprintf("%s after %s, accuracy %.4f",
		r.Status, plural(r.Iterations, "iteration"), r.AchievedAccuracy)
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
