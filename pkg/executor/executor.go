package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/resolver"
	"github.com/capstan-io/capstan/pkg/telemetry"
)

// DefaultStepTimeout applies when neither the step nor the descriptor sets one.
const DefaultStepTimeout = 30 * time.Minute

// Admitter decides whether a descriptor may run. It returns non-fatal
// warnings alongside an error matching engine.ErrPolicyDenied on refusal.
type Admitter interface {
	Admit(ctx context.Context, d *engine.Descriptor) (warnings []string, err error)
}

// Options configures an Executor. Store and Runner are required.
type Options struct {
	Store   engine.ResourceStore
	Runner  engine.StepRunner
	Querier engine.ProviderQuerier

	// Resolver re-derives the dependency edges of a target after it changes.
	Resolver *resolver.Resolver

	Admission Admitter
	Healer    *Healer

	// RollbackFailedSteps also runs the rollback of a step that was
	// attempted but did not complete. By default those are recorded as skipped.
	RollbackFailedSteps bool

	DefaultStepTimeout time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Executor runs operation descriptors one step at a time, rolling back on
// failure. One Executor may run several operations concurrently; each has
// its own Operation record.
type Executor struct {
	store    engine.ResourceStore
	runner   engine.StepRunner
	querier  engine.ProviderQuerier
	resolver *resolver.Resolver
	admit    Admitter
	healer   *Healer

	rollbackFailed bool
	stepTimeout    time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	clock   func() time.Time
}

// New creates an executor.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("executor requires a store")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("executor requires a step runner")
	}

	e := &Executor{
		store:          opts.Store,
		runner:         opts.Runner,
		querier:        opts.Querier,
		resolver:       opts.Resolver,
		admit:          opts.Admission,
		healer:         opts.Healer,
		rollbackFailed: opts.RollbackFailedSteps,
		stepTimeout:    opts.DefaultStepTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		clock:          opts.Clock,
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = DefaultStepTimeout
	}
	if e.logger == nil {
		e.logger = telemetry.Nop()
	}
	e.logger = e.logger.NewComponentLogger("executor")
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// ExecOptions are per-call execution switches.
type ExecOptions struct {
	// Force skips prerequisite validation.
	Force bool

	// DryRun returns the plan without running anything or writing to the store.
	DryRun bool
}

// StepOutcome is the result of one forward or rollback step.
type StepOutcome struct {
	Phase      engine.StepPhase  `json:"phase"`
	Index      int               `json:"index"`
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Status     engine.StepStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	ExitCode   int               `json:"exit_code"`
	Output     string            `json:"output,omitempty"`
	FixApplied string            `json:"fix_applied,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Err        error             `json:"-"`

	// Pairs is the forward step index a rollback step compensates, or -1
	// for unconditional cleanup.
	Pairs int `json:"pairs"`
}

// OperationResult summarises one Execute call.
type OperationResult struct {
	OperationID  string                 `json:"operation_id,omitempty"`
	DescriptorID string                 `json:"descriptor_id"`
	Status       engine.OperationStatus `json:"status"`
	Steps        []StepOutcome          `json:"steps"`
	Rollback     []StepOutcome          `json:"rollback,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Err          error                  `json:"-"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at"`

	// Plan is set for dry runs.
	Plan *Plan `json:"plan,omitempty"`
}

// Execute runs d with vars substituted. Descriptor and substitution errors
// return before any operation record is written. Otherwise the operation
// always reaches a terminal status, which the result carries alongside the
// error that caused it.
func (e *Executor) Execute(ctx context.Context, d *engine.Descriptor, vars map[string]string, opts ExecOptions) (*OperationResult, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sub, err := Substitute(d, vars)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if e.admit != nil {
		w, err := e.admit.Admit(ctx, sub)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}

	if opts.DryRun {
		plan := e.plan(sub)
		plan.Warnings = append(plan.Warnings, warnings...)
		now := e.clock()
		return &OperationResult{
			DescriptorID: d.ID,
			Status:       engine.OperationStatusPending,
			Warnings:     plan.Warnings,
			StartedAt:    now,
			EndedAt:      now,
			Plan:         plan,
		}, nil
	}

	return e.run(ctx, sub, opts, warnings)
}

// run drives the operation state machine.
func (e *Executor) run(ctx context.Context, d *engine.Descriptor, opts ExecOptions, warnings []string) (*OperationResult, error) {
	op := &engine.Operation{
		ID:           uuid.New().String(),
		DescriptorID: d.ID,
		Capability:   d.Capability,
		Name:         d.Name,
		Kind:         d.Kind,
		Status:       engine.OperationStatusPending,
		Force:        opts.Force,
		TotalSteps:   len(d.Steps),
	}
	if d.Target != nil {
		op.Target = d.Target.Key()
	}
	if err := e.store.RecordOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to record operation: %w", err)
	}

	logger := e.logger.WithOperationID(op.ID).WithDescriptorID(d.ID)
	ctx, span := e.tracer.StartOperationSpan(ctx, op.ID, d.ID, string(d.Kind))

	result := &OperationResult{
		OperationID:  op.ID,
		DescriptorID: d.ID,
		Status:       engine.OperationStatusPending,
		Warnings:     warnings,
		StartedAt:    e.clock(),
	}
	e.metrics.RecordOperationStarted(d.Capability, string(d.Kind))
	for _, w := range warnings {
		e.appendLog(ctx, op.ID, engine.LogWarn, w, nil)
	}

	err := e.drive(ctx, d, op, result, opts, logger)

	result.EndedAt = e.clock()
	result.Err = err
	if len(result.Warnings) > 0 {
		if werr := e.store.SetOperationWarning(context.WithoutCancel(ctx), op.ID, strings.Join(result.Warnings, "; ")); werr != nil {
			logger.WithError(werr).Warn("Failed to persist operation warning")
		}
	}
	e.metrics.RecordOperationFinished(string(result.Status), result.EndedAt.Sub(result.StartedAt))
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			e.metrics.RecordError(string(ee.Class), ee.Code)
		}
	}
	telemetry.EndSpan(span, err)

	logger.WithField("status", result.Status).Info("Operation finished")
	return result, err
}

func (e *Executor) drive(ctx context.Context, d *engine.Descriptor, op *engine.Operation, result *OperationResult, opts ExecOptions, logger *telemetry.Logger) error {
	if err := e.transition(ctx, op.ID, engine.OperationStatusRunning, ""); err != nil {
		return err
	}
	result.Status = engine.OperationStatusRunning
	logger.Info("Operation started")
	e.appendLog(ctx, op.ID, engine.LogInfo, "operation started", map[string]interface{}{
		"descriptor_id": d.ID,
		"total_steps":   len(d.Steps),
		"force":         opts.Force,
	})

	if err := e.ValidatePrerequisites(ctx, d, opts.Force); err != nil {
		e.appendLog(ctx, op.ID, engine.LogError, err.Error(), nil)
		e.fail(ctx, op.ID, result, err)
		return err
	}

	for i, step := range d.Steps {
		outcome := e.runForward(ctx, d, op, i, step, logger)
		result.Steps = append(result.Steps, outcome)

		if outcome.Status.Completed() {
			if err := e.store.UpdateOperationProgress(ctx, op.ID, i+1); err != nil {
				logger.WithError(err).Warn("Failed to update progress")
			}
			e.invalidateTarget(ctx, d, logger)
			continue
		}

		if step.ContinueOnError {
			msg := fmt.Sprintf("step %s failed and was ignored: %v", step.Name, outcome.Err)
			result.Warnings = append(result.Warnings, msg)
			e.appendLog(ctx, op.ID, engine.LogWarn, msg, nil)
			continue
		}

		stepErr := outcome.Err
		e.fail(ctx, op.ID, result, stepErr)

		if errors.Is(stepErr, engine.ErrDestructiveRetryBlocked) {
			msg := "rollback not attempted after a blocked destructive retry"
			result.Warnings = append(result.Warnings, msg)
			e.appendLog(ctx, op.ID, engine.LogWarn, msg, nil)
			return stepErr
		}
		if len(d.Rollback) == 0 {
			return stepErr
		}

		// Rollback must run to completion even when the caller gave up.
		rbCtx := context.WithoutCancel(ctx)
		rbOutcomes, rbErr := e.rollback(rbCtx, op, d, result.Steps)
		result.Rollback = rbOutcomes
		if rbErr != nil {
			result.Warnings = append(result.Warnings, rbErr.Error())
		}
		if left := Uncompensated(d, result.Steps); len(left) > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("completed steps without a rollback step: %s", strings.Join(left, ", ")))
		}
		if err := e.transition(rbCtx, op.ID, engine.OperationStatusRolledBack, ""); err != nil {
			return err
		}
		result.Status = engine.OperationStatusRolledBack
		return stepErr
	}

	if err := e.transition(ctx, op.ID, engine.OperationStatusCompleted, ""); err != nil {
		return err
	}
	result.Status = engine.OperationStatusCompleted
	e.appendLog(ctx, op.ID, engine.LogInfo, "operation completed", nil)

	if w := e.refreshTarget(ctx, d, op, logger); w != "" {
		result.Warnings = append(result.Warnings, w)
	}
	return nil
}

// runForward executes one forward step with timeout and self-healing.
func (e *Executor) runForward(ctx context.Context, d *engine.Descriptor, op *engine.Operation, index int, step engine.Step, logger *telemetry.Logger) StepOutcome {
	logger = logger.WithStep(string(engine.PhaseForward), step.Name)
	ctx, span := e.tracer.StartStepSpan(ctx, string(engine.PhaseForward), index, step.Name)
	timeout := d.StepTimeout(step, e.stepTimeout)
	started := e.clock()

	outcome := StepOutcome{
		Phase:   engine.PhaseForward,
		Index:   index,
		Name:    step.Name,
		Command: step.Command,
		Pairs:   -1,
	}

	target := ""
	if d.Target != nil {
		target = d.Target.Name
	}

	command := step.Command
	maxAttempts := e.healer.maxAttempts()
	var failureIDs []int64
	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt
		outcome.Command = command
		logger.WithField("attempt", attempt).Debug("Running step")

		output, exitCode, err := e.dispatch(ctx, command, timeout)
		outcome.Output, outcome.ExitCode = output, exitCode
		if err == nil {
			outcome.Status = engine.StepSucceeded
			outcome.Err = nil
			break
		}

		outcome.Status = engine.StepFailed
		if errors.Is(err, engine.ErrStepTimeout) {
			outcome.Status = engine.StepTimedOut
		}
		outcome.Err = engine.NewTransientError(fmt.Sprintf("step %s failed", step.Name), err).
			WithCode(engine.CodeOf(err)).
			WithOperation(op.ID).
			WithDetail("step", step.Name).
			WithDetail("exit_code", exitCode)
		logger.WithError(err).WithField("attempt", attempt).Warn("Step failed")

		if e.healer == nil {
			break
		}
		if id, rerr := e.recordFailure(ctx, d, op, step, output); rerr == nil {
			failureIDs = append(failureIDs, id)
		} else {
			logger.WithError(rerr).Warn("Failed to record failure")
		}

		if attempt >= maxAttempts {
			if attempt > 1 {
				outcome.Err = engine.NewPermanentError(
					fmt.Sprintf("step %s failed after %d attempts", step.Name, attempt), err,
				).WithCode(engine.ErrCodeMaxRetriesExceeded).WithOperation(op.ID)
				e.metrics.RecordHealing("exhausted")
			}
			break
		}

		fix, serr := e.healer.Select(ctx, e.store, d.ID, step.Name, output)
		if serr != nil {
			logger.WithError(serr).Warn("Fix selection failed")
			break
		}
		if fix == nil {
			break
		}
		patched, perr := fix.Apply(command, output)
		if perr != nil {
			logger.WithError(perr).Warn("Fix could not be applied")
			break
		}
		if IsDestructive(patched, target) {
			outcome.Err = engine.NewPermanentError(
				fmt.Sprintf("retry of step %s blocked: command is destructive for %q", step.Name, target), nil,
			).WithCode(engine.ErrCodeDestructiveRetryBlocked).
				WithOperation(op.ID).
				WithDetail("fix", fix.Name).
				WithDetail("command", patched)
			e.metrics.RecordHealing("blocked")
			logger.WithField("fix", fix.Name).Error("Destructive retry blocked")
			break
		}

		outcome.FixApplied = fix.Name
		command = patched
		e.metrics.RecordHealing("retried")
		e.appendLog(ctx, op.ID, engine.LogWarn, fmt.Sprintf("retrying step %s with fix %s", step.Name, fix.Name),
			map[string]interface{}{"attempt": attempt + 1})

		if delay := e.healer.backoff(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	if outcome.Status.Completed() && outcome.FixApplied != "" {
		e.metrics.RecordHealing("healed")
		for _, id := range failureIDs {
			if err := e.store.ResolveFailure(ctx, id, outcome.FixApplied); err != nil {
				logger.WithError(err).Warn("Failed to resolve failure record")
			}
		}
	}

	ended := e.clock()
	outcome.Duration = ended.Sub(started)
	e.recordStep(ctx, op.ID, outcome, started, ended, logger)
	e.metrics.RecordStep(string(engine.PhaseForward), string(outcome.Status), outcome.Duration)
	telemetry.EndSpan(span, outcome.Err)

	level, msg := engine.LogInfo, fmt.Sprintf("step %s succeeded", step.Name)
	if !outcome.Status.Completed() {
		level, msg = engine.LogError, fmt.Sprintf("step %s %s: %v", step.Name, outcome.Status, outcome.Err)
	}
	e.appendLog(ctx, op.ID, level, msg, map[string]interface{}{
		"step":      step.Name,
		"index":     index,
		"attempts":  outcome.Attempts,
		"exit_code": outcome.ExitCode,
	})
	return outcome
}

type runResult struct {
	output   string
	exitCode int
	err      error
}

// dispatch runs command with a deadline. A runner that ignores its context
// keeps running in the background after the deadline; its result is dropped.
// A non-zero exit code without an error is reported as STEP_FAILED.
func (e *Executor) dispatch(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		out, code, err := e.runner.Run(stepCtx, command)
		done <- runResult{out, code, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return r.output, r.exitCode, timeoutError(timeout)
			}
			return r.output, r.exitCode, engine.NewTransientError("step runner error", r.err).
				WithCode(engine.ErrCodeStepFailed)
		}
		if r.exitCode != 0 {
			return r.output, r.exitCode, engine.NewTransientError(
				fmt.Sprintf("command exited with code %d", r.exitCode), nil,
			).WithCode(engine.ErrCodeStepFailed)
		}
		return r.output, r.exitCode, nil
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return "", -1, engine.NewTransientError("operation cancelled", ctx.Err()).
				WithCode(engine.ErrCodeStepFailed)
		}
		return "", -1, timeoutError(timeout)
	}
}

func timeoutError(timeout time.Duration) error {
	return engine.NewTransientError(fmt.Sprintf("step exceeded its %s timeout", timeout), nil).
		WithCode(engine.ErrCodeStepTimeout)
}

// transition moves the operation to status, persisting it.
func (e *Executor) transition(ctx context.Context, id string, status engine.OperationStatus, errMsg string) error {
	if err := e.store.UpdateOperationStatus(ctx, id, status, errMsg); err != nil {
		return fmt.Errorf("failed to move operation %s to %s: %w", id, status, err)
	}
	return nil
}

// fail moves the operation to Failed with cause as its error.
func (e *Executor) fail(ctx context.Context, id string, result *OperationResult, cause error) {
	if err := e.transition(context.WithoutCancel(ctx), id, engine.OperationStatusFailed, cause.Error()); err != nil {
		e.logger.WithOperationID(id).WithError(err).Error("Failed to record failure status")
	}
	result.Status = engine.OperationStatusFailed
}

// invalidateTarget expires the cached view of the target after a mutating
// step so that concurrent readers do not see stale state as fresh.
func (e *Executor) invalidateTarget(ctx context.Context, d *engine.Descriptor, logger *telemetry.Logger) {
	if d.Target == nil || !d.Kind.IsMutating() {
		return
	}
	if _, err := e.store.Invalidate(ctx, d.Target.Key()); err != nil {
		logger.WithError(err).Warn("Failed to invalidate target cache")
	}
}

// refreshTarget re-reads the target after success and records lineage.
// Problems are returned as a warning: the operation itself already completed.
func (e *Executor) refreshTarget(ctx context.Context, d *engine.Descriptor, op *engine.Operation, logger *telemetry.Logger) string {
	if d.Target == nil {
		return ""
	}
	ref := *d.Target

	if d.Kind == engine.KindDelete {
		existing, found, _, err := e.store.Get(ctx, ref.Type, ref.Name, ref.Group)
		if err != nil {
			return fmt.Sprintf("failed to read deleted target %s: %v", ref, err)
		}
		if !found {
			return ""
		}
		if err := e.store.SoftDelete(ctx, existing.ID); err != nil {
			return fmt.Sprintf("failed to soft-delete target %s: %v", ref, err)
		}
		if err := e.store.SetOperationTarget(ctx, op.ID, existing.ID); err != nil {
			logger.WithError(err).Warn("Failed to link target")
		}
		return ""
	}

	if e.querier == nil {
		return ""
	}
	live, err := e.query(ctx, ref)
	if err != nil {
		return fmt.Sprintf("failed to refresh target %s: %v", ref, err)
	}
	if err := e.store.Upsert(ctx, live); err != nil {
		return fmt.Sprintf("failed to cache target %s: %v", ref, err)
	}
	mark := e.store.MarkManaged
	if d.Kind == engine.KindCreate {
		mark = e.store.MarkCreated
	}
	if err := mark(ctx, live.ID); err != nil {
		return fmt.Sprintf("failed to mark target %s: %v", ref, err)
	}
	if err := e.store.SetOperationTarget(ctx, op.ID, live.ID); err != nil {
		logger.WithError(err).Warn("Failed to link target")
	}
	if e.resolver != nil {
		if _, err := e.resolver.Analyze(ctx, []*engine.Resource{live}); err != nil {
			return fmt.Sprintf("failed to analyse dependencies of %s: %v", ref, err)
		}
	}
	logger.WithResourceID(live.ID).Info("Target refreshed")
	return ""
}

func (e *Executor) recordFailure(ctx context.Context, d *engine.Descriptor, op *engine.Operation, step engine.Step, output string) (int64, error) {
	rec := &engine.FailureRecord{
		DescriptorID: d.ID,
		StepName:     step.Name,
		OperationID:  op.ID,
		Output:       output,
	}
	if err := e.store.RecordFailure(ctx, rec); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (e *Executor) recordStep(ctx context.Context, opID string, o StepOutcome, started, ended time.Time, logger *telemetry.Logger) {
	rec := &engine.StepRecord{
		OperationID: opID,
		Phase:       o.Phase,
		Index:       o.Index,
		Name:        o.Name,
		Command:     o.Command,
		Status:      o.Status,
		Attempts:    o.Attempts,
		ExitCode:    o.ExitCode,
		Output:      o.Output,
		FixApplied:  o.FixApplied,
		StartedAt:   started,
		EndedAt:     ended,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if err := e.store.RecordStep(context.WithoutCancel(ctx), rec); err != nil {
		logger.WithError(err).Warn("Failed to record step")
	}
}

func (e *Executor) appendLog(ctx context.Context, opID string, level engine.LogLevel, msg string, details map[string]interface{}) {
	entry := &engine.LogEntry{
		OperationID: opID,
		Level:       level,
		Message:     msg,
		Details:     details,
		Timestamp:   e.clock(),
	}
	if err := e.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.WithOperationID(opID).WithError(err).Warn("Failed to append operation log")
	}
}
