// Multi-motor Z gantry auto-alignment control loop
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package align implements the host-side control loop that levels a
// multi-motor Z gantry. Each independently driven lead screw has one
// probe point; the controller measures all of them, corrects each
// actuator toward the lowest point with every other actuator locked,
// and iterates until the deviations fall within an accuracy target or
// a stop condition (divergence, probe fault, iteration limit,
// cancellation) ends the run.
package align

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"zalign/pkg/errors"
	"zalign/pkg/log"
	"zalign/pkg/metrics"
)

const (
	// correctionSentinel seeds the per-actuator correction history so
	// the first divergence check never trips.
	correctionSentinel = 10000.0

	// divergenceSlack is how much a correction magnitude may exceed
	// the previous one before the run is declared diverging.
	divergenceSlack = 1.0

	// gainAutotuneMax caps the auto-tuned gain on the second
	// iteration.
	gainAutotuneMax = 2.0
)

// Controller owns the alignment loop for one machine. Runs are
// exclusive: a second Align call while one is in progress is rejected
// as busy.
type Controller struct {
	machine        Machine
	points         *PointStore
	defaults       Params
	basicClearance float64
	maxGrade       float64

	logger  *log.Logger
	metrics *metrics.AlignMetrics

	mu         sync.Mutex
	running    bool
	lastReport *Report
}

// NewController builds a controller from the loaded settings and the
// machine collaborators.
func NewController(settings *Settings, machine Machine) (*Controller, error) {
	if err := machine.check(); err != nil {
		return nil, err
	}
	points, err := NewPointStore(settings.Points, settings.Limits)
	if err != nil {
		return nil, err
	}
	return &Controller{
		machine:        machine,
		points:         points,
		defaults:       settings.Defaults,
		basicClearance: settings.Clearance,
		maxGrade:       settings.MaxGrade,
		logger:         log.GetLogger("align"),
		metrics:        metrics.GlobalMetrics(),
	}, nil
}

// Points returns the probe point table.
func (c *Controller) Points() *PointStore {
	return c.points
}

// Defaults returns the configured default run parameters.
func (c *Controller) Defaults() Params {
	return c.defaults
}

// Busy reports whether a run is in progress.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastReport returns the most recent completed run's report, or nil
// when no run has completed.
func (c *Controller) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReport == nil {
		return nil
	}
	r := *c.lastReport
	return &r
}

// GetStatus reports the controller state for the status surfaces.
func (c *Controller) GetStatus() map[string]any {
	pts := c.points.All()
	coords := make([][2]float64, len(pts))
	for i, p := range pts {
		coords[i] = [2]float64{p.X, p.Y}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	status := map[string]any{
		"busy":   c.running,
		"points": coords,
	}
	if c.lastReport != nil {
		status["last_status"] = c.lastReport.Status.String()
		status["last_iterations"] = c.lastReport.Iterations
		status["last_accuracy"] = c.lastReport.AchievedAccuracy
	}
	return status
}

// alignmentRun is the transient state of one alignment invocation. It
// is created by Align and never outlives the call.
type alignmentRun struct {
	params Params

	// points is the table snapshot the run probes; a concurrent setter
	// call affects only the next run.
	points []Point

	// measured holds this iteration's heights, margin included.
	measured []float64

	// lastMagnitude holds the previous iteration's correction
	// magnitudes, seeded with a sentinel so the first divergence check
	// never trips.
	lastMagnitude []float64

	// effectiveGain is the gain actually applied. The second iteration
	// may auto-tune it from the first iteration's result; a zero
	// correction leaves the previous value in place.
	effectiveGain float64

	// clearanceHeight is the travel height between probe points,
	// raised every iteration to clear the worst terrain seen so far.
	clearanceHeight float64

	// maxDiff is the maximum pairwise measurement difference of the
	// latest completed probing phase.
	maxDiff float64

	status     Status
	iterations int
}

func newRun(p Params, points []Point) *alignmentRun {
	run := &alignmentRun{
		params:        p,
		points:        points,
		measured:      make([]float64, len(points)),
		lastMagnitude: make([]float64, len(points)),
		effectiveGain: p.Gain,
		status:        StatusRunning,
	}
	for i := range run.lastMagnitude {
		run.lastMagnitude[i] = correctionSentinel
	}
	return run
}

func (run *alignmentRun) report() Report {
	return Report{
		Status:           run.status,
		Iterations:       run.iterations,
		AchievedAccuracy: run.maxDiff,
	}
}

// priorState remembers machine state mutated during preparation so the
// restoration step can put it back.
type priorState struct {
	compensationOn      bool
	compensationChanged bool
	tool                int
	toolChanged         bool
}

// Align runs one alignment with the given parameters. Probe faults,
// divergence, exhaustion, and cancellation end the run with a terminal
// status and a nil error. A non-nil error means a collaborator failed
// (motion, locks, board link); the report is then partial and its
// status not meaningful. ctx is honored cooperatively: it is checked
// only between iterations, never while an actuator is isolated.
func (c *Controller) Align(ctx context.Context, p Params) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{}, err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Report{}, errors.BusyError()
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.metrics.SetRunActive(true)
	start := time.Now()

	run := newRun(p, c.points.All())
	c.logger.WithFields(log.Fields{
		"iterations": p.Iterations,
		"accuracy":   p.Accuracy,
		"gain":       p.Gain,
		"actuators":  len(run.points),
	}).Info("starting alignment")

	prior, err := c.prepare(run)
	if err == nil {
		err = c.iterate(ctx, run)
	}

	// The single restoration path: every run that began mutating
	// machine state passes through here, whatever its outcome.
	if rerr := c.restore(prior); rerr != nil && err == nil {
		err = rerr
	}

	report := run.report()
	if err != nil {
		c.metrics.RecordRun("error", report.Iterations, time.Since(start))
		c.logger.WithError(err).Error("alignment failed")
		return report, err
	}

	c.metrics.RecordRun(report.Status.String(), report.Iterations, time.Since(start))
	c.logger.WithFields(log.Fields{
		"status":     report.Status.String(),
		"iterations": report.Iterations,
		"accuracy":   report.AchievedAccuracy,
	}).Info("alignment finished")

	c.mu.Lock()
	c.lastReport = &report
	c.mu.Unlock()
	return report, nil
}

// AlignDefaults runs one alignment with the configured defaults.
func (c *Controller) AlignDefaults(ctx context.Context) (Report, error) {
	return c.Align(ctx, c.defaults)
}

// prepare runs the pre-iteration sequence: motion barrier, bed
// compensation off, reference tool selected, position known, initial
// clearance height derived from the point geometry. The returned state
// records what was changed so restore can undo exactly that, even
// when preparation itself fails partway.
func (c *Controller) prepare(run *alignmentRun) (*priorState, error) {
	prior := &priorState{}

	if err := c.machine.Motion.Barrier(); err != nil {
		return prior, err
	}

	if comp := c.machine.BedComp; comp != nil {
		prior.compensationOn = comp.Enabled()
		prior.compensationChanged = true
		if err := comp.SetEnabled(false); err != nil {
			return prior, err
		}
	}

	if tools := c.machine.Tools; tools != nil {
		prior.tool = tools.ActiveTool()
		prior.toolChanged = true
		if err := tools.SelectTool(0); err != nil {
			return prior, err
		}
	}

	if !c.machine.Homing.PositionKnown() {
		c.logger.Info("position unknown, homing all axes")
		c.metrics.RecordHoming("all")
		if err := c.machine.Homing.HomeAll(); err != nil {
			return prior, err
		}
	}

	// Worst plausible tilt before any measurement exists: the longest
	// span between probe points at the configured maximum grade.
	span := maxPairwiseDistance(run.points)
	run.clearanceHeight = c.basicClearance + span*c.maxGrade*0.01
	c.logger.WithFields(log.Fields{
		"span":      span,
		"clearance": run.clearanceHeight,
	}).Debug("initial clearance height")

	return prior, nil
}

// iterate runs the probe/correct loop until a terminal status is
// reached. Collaborator failures return as errors; control outcomes
// set run.status and return nil.
func (c *Controller) iterate(ctx context.Context, run *alignmentRun) error {
	for k := 0; k < run.params.Iterations; k++ {
		// Cancellation is honored only here, between iterations, so it
		// can never fire while an actuator is isolated.
		if ctx.Err() != nil {
			run.status = StatusCancelled
			c.logger.Info("alignment cancelled")
			return nil
		}

		run.iterations = k + 1
		order := probeOrder(len(run.points), k)
		c.logger.WithField("iteration", k+1).Info("probing all positions")

		faulted, err := c.probeAll(run, order, k)
		if err != nil {
			return err
		}
		if faulted {
			run.status = StatusAbortedProbeFault
			return nil
		}

		// Raise the clearance so the next pass clears the worst
		// remaining tilt: highest measurement plus largest spread.
		maxMeasured := maxFloat(run.measured)
		run.maxDiff = maxMeasured - minFloat(run.measured)
		run.clearanceHeight = c.basicClearance + maxMeasured + run.maxDiff
		c.metrics.SetHeightRange(run.maxDiff)

		terminal, err := c.correctAll(run, order, k)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
	}

	run.status = StatusIterationsExhausted
	return nil
}

// probeAll measures every actuator's point in the given order. The
// clearance move is skipped for the first point of the first
// iteration, which is already positioned. A measurement fault ends the
// run and discards the iteration's partial results.
func (c *Controller) probeAll(run *alignmentRun, order []int, k int) (faulted bool, err error) {
	for idx, id := range order {
		if k > 0 || idx > 0 {
			if err := c.machine.Motion.MoveToZ(run.clearanceHeight); err != nil {
				return false, err
			}
			c.metrics.RecordMove("Z")
		}

		pt := run.points[id]
		probeStart := time.Now()
		height, ferr := c.machine.Sensor.MeasureAt(pt.X, pt.Y, run.params.StowProbe)
		if ferr != nil {
			c.metrics.RecordProbeFault(strconv.Itoa(id))
			c.logger.WithFields(log.Fields{
				"actuator": id,
				"x":        pt.X,
				"y":        pt.Y,
			}).WithError(ferr).Warn("probing failed")
			return true, nil
		}

		// The margin biases the next clearance upward and keeps the
		// stored values comparable across actuators.
		run.measured[id] = height + c.basicClearance
		c.metrics.RecordProbe(strconv.Itoa(id), height, time.Since(probeStart))
		c.logger.WithFields(log.Fields{
			"actuator": id,
			"measured": run.measured[id],
		}).Debug("probed")
	}
	return false, nil
}

// correctAll applies the per-actuator corrections for iteration k in
// probe order. The actuator with the minimum measurement is the
// zero-correction reference; every other actuator moves toward it. It
// returns true when the run reached a terminal status (diverged or
// converged).
func (c *Controller) correctAll(run *alignmentRun, order []int, k int) (terminal bool, err error) {
	minMeasured := minFloat(run.measured)

	// Coordinated motion returns on every exit path, divergence
	// included.
	defer func() {
		if lerr := c.machine.Locks.SetAllLocked(false); lerr != nil && err == nil {
			err = lerr
		}
	}()

	withinTarget := true
	for _, id := range order {
		delta := run.measured[id] - minMeasured
		magnitude := math.Abs(delta)

		// The first iteration shows how far off the configured gain
		// was; the second corrects with the measured ratio. A zero
		// magnitude leaves the previous effective gain in place.
		if magnitude > 0 {
			if k == 1 {
				run.effectiveGain = math.Min(run.lastMagnitude[id]/magnitude, gainAutotuneMax)
			} else {
				run.effectiveGain = run.params.Gain
			}
		}

		if run.lastMagnitude[id] < magnitude-divergenceSlack {
			run.status = StatusAbortedDiverging
			c.logger.WithFields(log.Fields{
				"actuator":  id,
				"magnitude": magnitude,
				"previous":  run.lastMagnitude[id],
			}).Warn("decreasing accuracy detected")
			return true, nil
		}

		run.lastMagnitude[id] = magnitude
		if magnitude > run.params.Accuracy {
			withinTarget = false
		}

		c.metrics.RecordCorrection(strconv.Itoa(id), magnitude, run.effectiveGain)
		c.logger.WithFields(log.Fields{
			"actuator":   id,
			"correction": delta,
			"gain":       run.effectiveGain,
		}).Debug("correcting")

		if merr := c.moveIsolated(id, run.effectiveGain*delta); merr != nil {
			return false, merr
		}
	}

	if withinTarget {
		run.status = StatusConverged
		c.logger.Info("target accuracy achieved")
		return true, nil
	}
	return false, nil
}

// moveIsolated applies a relative Z move with only actuator id free to
// follow it. The unlock is scoped: the actuator is re-locked on every
// exit path, so at no instant is more than one actuator unlocked.
func (c *Controller) moveIsolated(id int, delta float64) (err error) {
	if lerr := c.machine.Locks.SetAllLocked(true); lerr != nil {
		return lerr
	}
	if lerr := c.machine.Locks.SetLock(id, false); lerr != nil {
		return lerr
	}
	c.metrics.SetActuatorLocked(strconv.Itoa(id), false)
	defer func() {
		if lerr := c.machine.Locks.SetLock(id, true); lerr != nil && err == nil {
			err = lerr
		}
		c.metrics.SetActuatorLocked(strconv.Itoa(id), true)
	}()

	c.metrics.RecordMove("Z")
	return c.machine.Motion.MoveBy(AxisZ, delta)
}

// restore is the single restoration path every terminated run passes
// through: prior tool back, prior compensation state back, Z reference
// invalidated, sensor stowed, Z rehomed. Best effort; every step runs
// and the first error is returned.
func (c *Controller) restore(prior *priorState) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if tools := c.machine.Tools; tools != nil && prior.toolChanged {
		keep(tools.SelectTool(prior.tool))
	}
	if comp := c.machine.BedComp; comp != nil && prior.compensationChanged {
		keep(comp.SetEnabled(prior.compensationOn))
	}

	// The probing moves perturbed the Z reference on purpose; it must
	// be re-established before any further motion is accepted.
	c.machine.Homing.InvalidateZ()
	keep(c.machine.Sensor.Stow())
	c.metrics.RecordHoming("Z")
	keep(c.machine.Homing.HomeZ())

	if firstErr != nil {
		c.logger.WithError(firstErr).Warn("restoration incomplete")
	}
	return firstErr
}

// probeOrder returns actuator ids in probing order for iteration k:
// ascending on even iterations, descending on odd, so no actuator is
// systematically probed first while the machine settles.
func probeOrder(n, k int) []int {
	order := make([]int, n)
	for i := range order {
		if k%2 == 1 {
			order[i] = n - 1 - i
		} else {
			order[i] = i
		}
	}
	return order
}

func maxFloat(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

func minFloat(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
