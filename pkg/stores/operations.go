package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capstan-io/capstan/pkg/engine"
)

const operationColumns = `id, descriptor_id, capability, name, kind, target, target_resource_id, status, force,
	current_step, total_steps, error, warning, started_at, ended_at, duration_ms, created_at, updated_at`

// RecordOperation creates a new operation record. An empty ID is filled in.
func (s *SQLiteStore) RecordOperation(ctx context.Context, op *engine.Operation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Status == "" {
		op.Status = engine.OperationStatusPending
	}
	if err := op.Status.Validate(); err != nil {
		return err
	}
	now := s.now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	return insertOperation(ctx, s.db, op)
}

func insertOperation(ctx context.Context, ex execer, op *engine.Operation) error {
	query := `
		INSERT INTO operations (` + operationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		op.ID,
		op.DescriptorID,
		op.Capability,
		op.Name,
		op.Kind,
		op.Target,
		op.TargetResourceID,
		op.Status,
		op.Force,
		op.CurrentStep,
		op.TotalSteps,
		op.Error,
		op.Warning,
		op.StartedAt,
		op.EndedAt,
		op.Duration.Milliseconds(),
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}

	return nil
}

// UpdateOperationStatus moves an operation forward. Backward or repeated
// transitions are rejected with an INVALID_TRANSITION conflict.
func (s *SQLiteStore) UpdateOperationStatus(ctx context.Context, id string, status engine.OperationStatus, errMsg string) error {
	if err := status.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current engine.OperationStatus
		var startedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT status, started_at FROM operations WHERE id = ?`, id,
		).Scan(&current, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NotFoundf("operation not found: %s", id).WithOperation(id)
		}
		if err != nil {
			return fmt.Errorf("failed to read operation: %w", err)
		}
		if !engine.CanTransition(current, status) {
			return engine.NewConflictError(fmt.Sprintf("cannot move operation from %s to %s", current, status), nil).
				WithCode(engine.ErrCodeInvalidTransition).
				WithOperation(id)
		}

		now := s.now()
		started := startedAt.Time
		if !startedAt.Valid {
			started = now
		}

		switch {
		case status == engine.OperationStatusRunning:
			_, err = tx.ExecContext(ctx,
				`UPDATE operations SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
				status, started, now, id)
		case status.IsTerminal():
			_, err = tx.ExecContext(ctx, `
				UPDATE operations
				SET status = ?, error = CASE WHEN ? = '' THEN error ELSE ? END,
				    started_at = ?, ended_at = ?, duration_ms = ?, updated_at = ?
				WHERE id = ?
			`, status, errMsg, errMsg, started, now, now.Sub(started).Milliseconds(), now, id)
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE operations SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
		}
		if err != nil {
			return fmt.Errorf("failed to update operation status: %w", err)
		}
		return nil
	})
}

// UpdateOperationProgress records the step currently being dispatched.
func (s *SQLiteStore) UpdateOperationProgress(ctx context.Context, id string, currentStep int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET current_step = ?, updated_at = ? WHERE id = ?`, currentStep, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update operation progress: %w", err)
	}
	return requireRow(result, "operation", id)
}

// SetOperationWarning attaches a non-fatal warning to an operation.
func (s *SQLiteStore) SetOperationWarning(ctx context.Context, id string, warning string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET warning = ?, updated_at = ? WHERE id = ?`, warning, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set operation warning: %w", err)
	}
	return requireRow(result, "operation", id)
}

// SetOperationTarget records the provider ID of the operation's target.
func (s *SQLiteStore) SetOperationTarget(ctx context.Context, id string, resourceID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET target_resource_id = ?, updated_at = ? WHERE id = ?`, resourceID, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set operation target: %w", err)
	}
	return requireRow(result, "operation", id)
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*engine.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundf("operation not found: %s", id).WithOperation(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// ListOperations lists operations newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter engine.OperationFilter) ([]*engine.Operation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE (? = '' OR descriptor_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.DescriptorID, filter.DescriptorID,
		filter.Status, filter.Status,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

func scanOperation(row rowScanner) (*engine.Operation, error) {
	op := &engine.Operation{}
	var startedAt, endedAt sql.NullTime
	var durationMS int64
	err := row.Scan(
		&op.ID,
		&op.DescriptorID,
		&op.Capability,
		&op.Name,
		&op.Kind,
		&op.Target,
		&op.TargetResourceID,
		&op.Status,
		&op.Force,
		&op.CurrentStep,
		&op.TotalSteps,
		&op.Error,
		&op.Warning,
		&startedAt,
		&endedAt,
		&durationMS,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		op.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		op.EndedAt = &t
	}
	op.Duration = time.Duration(durationMS) * time.Millisecond
	return op, nil
}

// AppendLog appends an entry to an operation's log.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *engine.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Level == "" {
		entry.Level = engine.LogInfo
	}
	return insertLog(ctx, s.db, entry, false)
}

func insertLog(ctx context.Context, ex execer, entry *engine.LogEntry, withID bool) error {
	var details *string
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal log details: %w", err)
		}
		details = strPtr(string(b))
	}

	var result sql.Result
	var err error
	if withID {
		result, err = ex.ExecContext(ctx, `
			INSERT OR REPLACE INTO operation_logs (id, operation_id, level, message, details, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.OperationID, entry.Level, entry.Message, details, entry.Timestamp)
	} else {
		result, err = ex.ExecContext(ctx, `
			INSERT INTO operation_logs (operation_id, level, message, details, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, entry.OperationID, entry.Level, entry.Message, details, entry.Timestamp)
	}
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	if !withID {
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get log ID: %w", err)
		}
		entry.ID = id
	}
	return nil
}

// ListLogs returns an operation's log in append order.
func (s *SQLiteStore) ListLogs(ctx context.Context, operationID string) ([]*engine.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, level, message, details, timestamp
		FROM operation_logs
		WHERE (? = '' OR operation_id = ?)
		ORDER BY id
	`, operationID, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	entries := []*engine.LogEntry{}
	for rows.Next() {
		entry := &engine.LogEntry{}
		var details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.OperationID, &entry.Level, &entry.Message, &details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode log details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}

	return entries, nil
}

// RecordStep appends one step or rollback-step outcome to the history.
func (s *SQLiteStore) RecordStep(ctx context.Context, rec *engine.StepRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = rec.StartedAt
	}
	return insertStep(ctx, s.db, rec, false)
}

func insertStep(ctx context.Context, ex execer, rec *engine.StepRecord, withID bool) error {
	cols := `operation_id, phase, step_index, name, command, status, attempts, exit_code,
		output, error, fix_applied, started_at, ended_at`
	args := []interface{}{
		rec.OperationID, rec.Phase, rec.Index, rec.Name, rec.Command, rec.Status, rec.Attempts,
		rec.ExitCode, rec.Output, rec.Error, rec.FixApplied, rec.StartedAt, rec.EndedAt,
	}
	query := `INSERT INTO operation_steps (` + cols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if withID {
		query = `INSERT OR REPLACE INTO operation_steps (id, ` + cols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = append([]interface{}{rec.ID}, args...)
	}

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	if !withID {
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get step ID: %w", err)
		}
		rec.ID = id
	}
	return nil
}

// ListSteps returns an operation's step history: forward steps, then rollback steps, in dispatch order.
func (s *SQLiteStore) ListSteps(ctx context.Context, operationID string) ([]*engine.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, phase, step_index, name, command, status, attempts, exit_code,
		       output, error, fix_applied, started_at, ended_at
		FROM operation_steps
		WHERE (? = '' OR operation_id = ?)
		ORDER BY id
	`, operationID, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	records := []*engine.StepRecord{}
	for rows.Next() {
		rec := &engine.StepRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.OperationID,
			&rec.Phase,
			&rec.Index,
			&rec.Name,
			&rec.Command,
			&rec.Status,
			&rec.Attempts,
			&rec.ExitCode,
			&rec.Output,
			&rec.Error,
			&rec.FixApplied,
			&rec.StartedAt,
			&rec.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return records, nil
}

// RecordFailure stores a failed step attempt for later fix reuse.
func (s *SQLiteStore) RecordFailure(ctx context.Context, rec *engine.FailureRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	return insertFailure(ctx, s.db, rec, false)
}

func insertFailure(ctx context.Context, ex execer, rec *engine.FailureRecord, withID bool) error {
	cols := `descriptor_id, step_name, operation_id, output, fix_name, resolved, recorded_at`
	args := []interface{}{
		rec.DescriptorID, rec.StepName, rec.OperationID, rec.Output, rec.FixName, rec.Resolved, rec.RecordedAt,
	}
	query := `INSERT INTO step_failures (` + cols + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if withID {
		query = `INSERT OR REPLACE INTO step_failures (id, ` + cols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		args = append([]interface{}{rec.ID}, args...)
	}

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if !withID {
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get failure ID: %w", err)
		}
		rec.ID = id
	}
	return nil
}

// ResolveFailure marks a failure as fixed by the named fix.
func (s *SQLiteStore) ResolveFailure(ctx context.Context, id int64, fixName string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE step_failures SET resolved = 1, fix_name = ? WHERE id = ?`, fixName, id)
	if err != nil {
		return fmt.Errorf("failed to resolve failure: %w", err)
	}
	return requireRow(result, "failure", fmt.Sprint(id))
}

// ListFailures returns recorded failures of a descriptor, newest first.
// An empty stepName matches every step.
func (s *SQLiteStore) ListFailures(ctx context.Context, descriptorID, stepName string) ([]*engine.FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, descriptor_id, step_name, operation_id, output, fix_name, resolved, recorded_at
		FROM step_failures
		WHERE (? = '' OR descriptor_id = ?)
		  AND (? = '' OR step_name = ?)
		ORDER BY id DESC
	`, descriptorID, descriptorID, stepName, stepName)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	records := []*engine.FailureRecord{}
	for rows.Next() {
		rec := &engine.FailureRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.DescriptorID,
			&rec.StepName,
			&rec.OperationID,
			&rec.Output,
			&rec.FixName,
			&rec.Resolved,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}

	return records, nil
}
