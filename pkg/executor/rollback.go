package executor

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/telemetry"
)

// PairRollback maps every rollback step of d to the forward step it
// compensates. A rollback step naming a step in Undoes pairs with it. The
// remaining rollback steps are read as undoing the remaining forward steps
// in reverse: with m of each paired positionally, rollback[j] pairs with the
// m-1-j'th unclaimed forward step, so trailing forward steps without a
// counterpart (checks, waits) are the ones left unpaired. Rollback steps
// beyond that map to -1 and run as unconditional cleanup.
func PairRollback(d *engine.Descriptor) []int {
	index := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		index[s.Name] = i
	}
	pairs := make([]int, len(d.Rollback))
	claimed := make(map[int]bool)
	var positional []int
	for i, rb := range d.Rollback {
		if k, ok := index[rb.Undoes]; ok && rb.Undoes != "" {
			pairs[i] = k
			claimed[k] = true
			continue
		}
		pairs[i] = -1
		if rb.Undoes == "" {
			positional = append(positional, i)
		}
	}

	var open []int
	for k := range d.Steps {
		if !claimed[k] {
			open = append(open, k)
		}
	}
	m := min(len(positional), len(open))
	for j := 0; j < m; j++ {
		pairs[positional[j]] = open[m-1-j]
	}
	return pairs
}

// Uncompensated returns the names of completed steps in attempted that no
// rollback step of d pairs with.
func Uncompensated(d *engine.Descriptor, attempted []StepOutcome) []string {
	paired := make(map[int]bool)
	for _, k := range PairRollback(d) {
		if k >= 0 {
			paired[k] = true
		}
	}
	var out []string
	for _, o := range attempted {
		if o.Status.Completed() && !paired[o.Index] {
			out = append(out, o.Name)
		}
	}
	return out
}

// Rollback compensates the attempted forward steps of op, most recent
// first. Steps that were never attempted are never rolled back. The
// rollback of an attempted step that did not complete is recorded as
// skipped unless RollbackFailedSteps is set. Cleanup steps run last. A
// failing rollback step never stops the others; all failures are returned
// together as ROLLBACK_PARTIAL_FAILURE. The operation status is left to
// the caller.
func (e *Executor) Rollback(ctx context.Context, op *engine.Operation, d *engine.Descriptor, attempted []StepOutcome) error {
	_, err := e.rollback(ctx, op, d, attempted)
	return err
}

func (e *Executor) rollback(ctx context.Context, op *engine.Operation, d *engine.Descriptor, attempted []StepOutcome) ([]StepOutcome, error) {
	logger := e.logger.WithOperationID(op.ID).WithDescriptorID(d.ID)
	pairs := PairRollback(d)

	byForward := make(map[int][]int)
	var cleanup []int
	for i, k := range pairs {
		if k < 0 {
			cleanup = append(cleanup, i)
			continue
		}
		byForward[k] = append(byForward[k], i)
	}

	e.appendLog(ctx, op.ID, engine.LogWarn, "rollback started", map[string]interface{}{
		"attempted_steps": len(attempted),
	})
	if left := Uncompensated(d, attempted); len(left) > 0 {
		logger.WithField("steps", left).Warn("Completed steps have no rollback step")
		e.appendLog(ctx, op.ID, engine.LogWarn, "completed steps have no rollback step", map[string]interface{}{
			"steps": left,
		})
	}

	var outcomes []StepOutcome
	var result *multierror.Error
	for j := len(attempted) - 1; j >= 0; j-- {
		fwd := attempted[j]
		for _, i := range byForward[fwd.Index] {
			if !fwd.Status.Completed() && !e.rollbackFailed {
				o := e.skipRollback(ctx, op.ID, i, d.Rollback[i], fwd, logger)
				outcomes = append(outcomes, o)
				continue
			}
			o := e.runRollback(ctx, d, op.ID, i, d.Rollback[i], fwd.Index, logger)
			if o.Err != nil {
				result = multierror.Append(result, o.Err)
			}
			outcomes = append(outcomes, o)
		}
	}
	for _, i := range cleanup {
		o := e.runRollback(ctx, d, op.ID, i, d.Rollback[i], -1, logger)
		if o.Err != nil {
			result = multierror.Append(result, o.Err)
		}
		outcomes = append(outcomes, o)
	}

	if err := result.ErrorOrNil(); err != nil {
		e.metrics.RecordRollback("partial")
		e.appendLog(ctx, op.ID, engine.LogError, "rollback finished with failures", map[string]interface{}{
			"failures": len(result.Errors),
		})
		return outcomes, engine.NewPermanentError(
			fmt.Sprintf("%d rollback step(s) failed", len(result.Errors)), err,
		).WithCode(engine.ErrCodeRollbackPartialFailure).WithOperation(op.ID)
	}

	e.metrics.RecordRollback("clean")
	e.appendLog(ctx, op.ID, engine.LogInfo, "rollback finished", nil)
	return outcomes, nil
}

func (e *Executor) skipRollback(ctx context.Context, opID string, index int, step engine.Step, fwd StepOutcome, logger *telemetry.Logger) StepOutcome {
	now := e.clock()
	o := StepOutcome{
		Phase:   engine.PhaseRollback,
		Index:   index,
		Name:    step.Name,
		Command: step.Command,
		Status:  engine.StepSkipped,
		Pairs:   fwd.Index,
	}
	msg := fmt.Sprintf("rollback step %s skipped: step %s did not complete", step.Name, fwd.Name)
	logger.WithStep(string(engine.PhaseRollback), step.Name).Info("Rollback step skipped")
	e.recordStep(ctx, opID, o, now, now, logger)
	e.metrics.RecordStep(string(engine.PhaseRollback), string(o.Status), 0)
	e.appendLog(ctx, opID, engine.LogInfo, msg, map[string]interface{}{"step": step.Name})
	return o
}

// runRollback runs one rollback step. Rollback steps are never healed.
func (e *Executor) runRollback(ctx context.Context, d *engine.Descriptor, opID string, index int, step engine.Step, pairs int, logger *telemetry.Logger) StepOutcome {
	logger = logger.WithStep(string(engine.PhaseRollback), step.Name)
	ctx, span := e.tracer.StartStepSpan(ctx, string(engine.PhaseRollback), index, step.Name)
	started := e.clock()

	o := StepOutcome{
		Phase:    engine.PhaseRollback,
		Index:    index,
		Name:     step.Name,
		Command:  step.Command,
		Attempts: 1,
		Pairs:    pairs,
	}
	output, exitCode, err := e.dispatch(ctx, step.Command, d.StepTimeout(step, e.stepTimeout))
	o.Output, o.ExitCode = output, exitCode
	switch {
	case err == nil:
		o.Status = engine.StepSucceeded
	case engine.CodeOf(err) == engine.ErrCodeStepTimeout:
		o.Status = engine.StepTimedOut
	default:
		o.Status = engine.StepFailed
	}
	if err != nil {
		o.Err = fmt.Errorf("rollback step %s: %w", step.Name, err)
		logger.WithError(err).Error("Rollback step failed")
	} else {
		logger.Info("Rollback step succeeded")
	}

	ended := e.clock()
	o.Duration = ended.Sub(started)
	e.recordStep(ctx, opID, o, started, ended, logger)
	e.metrics.RecordStep(string(engine.PhaseRollback), string(o.Status), o.Duration)
	telemetry.EndSpan(span, o.Err)

	level, msg := engine.LogInfo, fmt.Sprintf("rollback step %s succeeded", step.Name)
	if o.Err != nil {
		level, msg = engine.LogError, o.Err.Error()
	}
	e.appendLog(ctx, opID, level, msg, map[string]interface{}{"step": step.Name, "exit_code": exitCode})
	return o
}
