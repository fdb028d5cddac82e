package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
)

func (t *Tx) CreateFlowRun(ctx context.Context, r *domain.FlowRun) error {
	var maxDelaySeconds any
	if r.MaxDelay != nil {
		maxDelaySeconds = int64(r.MaxDelay.Seconds())
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO flow_run (id, flow_id, schedule_id, schedule_datetime, max_delay_seconds,
			is_manual, status, created_at, modified_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FlowID, r.ScheduleID, formatTimePtr(r.ScheduleDatetime), maxDelaySeconds,
		boolToInt(r.IsManual), int(r.Status), formatTime(r.CreatedAt), formatTime(r.ModifiedAt),
		formatTimePtr(r.StartedAt))
	if err != nil {
		return mapConstraintErr(err)
	}
	t.queueFlowRunMirror(r)
	return nil
}

func (t *Tx) queueFlowRunMirror(r *domain.FlowRun) {
	t.queue("flow_run", r.ID, map[string]any{
		"flow_id": r.FlowID, "status": r.Status.String(),
	}, r.ModifiedAt)
}

// SetFlowRunStatus enforces the monotonicity rule (spec §4.4) before
// writing the new status, stamping started_at on entry to RUNNING and
// cascading SCHEDULED/PENDING task-runs to CANCELED on entry to a canceled
// state.
func (t *Tx) SetFlowRunStatus(ctx context.Context, r *domain.FlowRun, next domain.FlowRunStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: flow run %s: %s -> %s", domain.ErrInvalidTransition, r.ID, r.Status, next)
	}

	r.Status = next
	r.ModifiedAt = now
	if next == domain.FlowRunStatusRunning {
		r.StartedAt = &now
	}

	var maxDelaySeconds any
	if r.MaxDelay != nil {
		maxDelaySeconds = int64(r.MaxDelay.Seconds())
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE flow_run SET status = ?, modified_at = ?, started_at = ?, max_delay_seconds = ?
		WHERE id = ?`,
		int(r.Status), formatTime(r.ModifiedAt), formatTimePtr(r.StartedAt), maxDelaySeconds, r.ID)
	if err != nil {
		return mapStoreErr(err)
	}
	t.queueFlowRunMirror(r)

	if next == domain.FlowRunStatusCanceled || next == domain.FlowRunStatusCanceledByUser {
		if err := t.cascadeCancelTaskRuns(ctx, r.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) cascadeCancelTaskRuns(ctx context.Context, flowRunID string, now time.Time) error {
	return t.cascadeTaskRunsToStatus(ctx, flowRunID, domain.TaskRunStatusCanceled, now)
}

func (s *Store) GetFlowRunByID(ctx context.Context, id string) (*domain.FlowRun, error) {
	row := s.db.Op.QueryRowContext(ctx, flowRunSelect+` WHERE id = ?`, id)
	return scanFlowRun(row)
}

// GetFlowRunByScheduleID returns the (at most one) flow-run bound to a
// schedule, used by the admission rules of spec §4.2 to inspect what a
// flow's existing schedule is waiting on.
func (s *Store) GetFlowRunByScheduleID(ctx context.Context, scheduleID string) (*domain.FlowRun, error) {
	row := s.db.Op.QueryRowContext(ctx, flowRunSelect+` WHERE schedule_id = ?`, scheduleID)
	return scanFlowRun(row)
}

// TimeoutFlowRun advances a flow-run and its non-terminal task-runs to next
// (FAILED_TIMEOUT_DELAY or FAILED_TIMEOUT_RUN) in one step, for the tick's
// delay/run timeout handling (spec §4.2 admission rules, §5 cancellation).
// The run is also unbound from its schedule, which the timeout consumes.
func (t *Tx) TimeoutFlowRun(ctx context.Context, r *domain.FlowRun, next domain.FlowRunStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: flow run %s: %s -> %s", domain.ErrInvalidTransition, r.ID, r.Status, next)
	}
	r.Status = next
	r.ModifiedAt = now
	r.ScheduleID = nil
	_, err := t.tx.ExecContext(ctx,
		`UPDATE flow_run SET status = ?, modified_at = ?, schedule_id = NULL WHERE id = ?`,
		int(r.Status), formatTime(r.ModifiedAt), r.ID)
	if err != nil {
		return mapStoreErr(err)
	}
	t.queueFlowRunMirror(r)

	taskStatus := domain.TaskRunStatusFailedTimeoutDelay
	if next == domain.FlowRunStatusFailedTimeoutRun {
		taskStatus = domain.TaskRunStatusFailedTimeoutRun
	}
	return t.cascadeTaskRunsToStatus(ctx, r.ID, taskStatus, now)
}

func (t *Tx) cascadeTaskRunsToStatus(ctx context.Context, flowRunID string, next domain.TaskRunStatus, now time.Time) error {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, status FROM task_run WHERE flow_run_id = ?`, flowRunID)
	if err != nil {
		return mapStoreErr(err)
	}
	type idStatus struct {
		id     string
		status domain.TaskRunStatus
	}
	var targets []idStatus
	for rows.Next() {
		var is idStatus
		var status int
		if err := rows.Scan(&is.id, &status); err != nil {
			rows.Close()
			return err
		}
		is.status = domain.TaskRunStatus(status)
		targets = append(targets, is)
	}
	rows.Close()

	for _, tg := range targets {
		if tg.status.IsTerminal() {
			continue
		}
		// A cascade to CANCELED only claims SCHEDULED/PENDING task-runs
		// (spec §4.4); a cascade to a terminal timeout status claims any
		// non-terminal task-run, including one already RUNNING.
		if next == domain.TaskRunStatusCanceled && tg.status != domain.TaskRunStatusScheduled && tg.status != domain.TaskRunStatusPending {
			continue
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE task_run SET status = ?, modified_at = ? WHERE id = ?`,
			int(next), formatTime(now), tg.id); err != nil {
			return mapStoreErr(err)
		}
		t.queue("task_run", tg.id, map[string]any{"status": next.String()}, now)
	}
	return nil
}

// ListDueFlowRuns returns flow-runs whose bound schedule has fired, plus
// unbound runs still in a non-terminal state — the tick's harvest step
// (spec §4.2 step 4).
func (s *Store) ListDueFlowRuns(ctx context.Context, now time.Time) ([]*domain.FlowRun, error) {
	nonTerminal := []domain.FlowRunStatus{
		domain.FlowRunStatusScheduled, domain.FlowRunStatusScheduledByUser, domain.FlowRunStatusRunning,
	}
	query := flowRunSelect + `
		WHERE (schedule_id IS NOT NULL AND schedule_datetime <= ? AND status IN (?, ?, ?))
		   OR (schedule_id IS NULL AND status IN (?, ?, ?))`
	args := []any{formatTime(now)}
	for _, st := range nonTerminal {
		args = append(args, int(st))
	}
	for _, st := range nonTerminal {
		args = append(args, int(st))
	}
	rows, err := s.db.Op.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var out []*domain.FlowRun
	for rows.Next() {
		r, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListFlowRunsByFlowID returns every run ever created for a flow, most
// recent first, for `flows status`/`flow status`.
func (s *Store) ListFlowRunsByFlowID(ctx context.Context, flowID string) ([]*domain.FlowRun, error) {
	rows, err := s.db.Op.QueryContext(ctx, flowRunSelect+` WHERE flow_id = ? ORDER BY created_at DESC`, flowID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var out []*domain.FlowRun
	for rows.Next() {
		r, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const flowRunSelect = `
	SELECT id, flow_id, schedule_id, schedule_datetime, max_delay_seconds,
	       is_manual, status, created_at, modified_at, started_at
	FROM flow_run`

func scanFlowRun(row rowScanner) (*domain.FlowRun, error) {
	var r domain.FlowRun
	var scheduleID sql.NullString
	var scheduleDatetime, startedAt sql.NullString
	var maxDelaySeconds sql.NullInt64
	var isManual, status int
	var createdAt, modifiedAt string

	err := row.Scan(&r.ID, &r.FlowID, &scheduleID, &scheduleDatetime, &maxDelaySeconds,
		&isManual, &status, &createdAt, &modifiedAt, &startedAt)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if scheduleID.Valid {
		r.ScheduleID = &scheduleID.String
	}
	r.IsManual = isManual != 0
	r.Status = domain.FlowRunStatus(status)
	if maxDelaySeconds.Valid {
		d := time.Duration(maxDelaySeconds.Int64) * time.Second
		r.MaxDelay = &d
	}
	if r.ScheduleDatetime, err = parseTimePtr(scheduleDatetime); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) CreateTaskRun(ctx context.Context, tr *domain.TaskRun) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_run (id, flow_run_id, task_id, attempt, retry_max, retry_delay_seconds,
			status, created_at, modified_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.FlowRunID, tr.TaskID, tr.Attempt, tr.RetryMax,
		int64(tr.RetryDelay.Seconds()), int(tr.Status), formatTime(tr.CreatedAt),
		formatTime(tr.ModifiedAt), formatTimePtr(tr.StartedAt))
	if err != nil {
		return mapConstraintErr(err)
	}
	t.queueTaskRunMirror(tr)
	return nil
}

func (t *Tx) queueTaskRunMirror(tr *domain.TaskRun) {
	t.queue("task_run", tr.ID, map[string]any{
		"flow_run_id": tr.FlowRunID, "task_id": tr.TaskID, "attempt": tr.Attempt, "status": tr.Status.String(),
	}, tr.ModifiedAt)
}

func (t *Tx) SetTaskRunStatus(ctx context.Context, tr *domain.TaskRun, next domain.TaskRunStatus, now time.Time) error {
	if !tr.Status.CanTransition(next) {
		return fmt.Errorf("%w: task run %s: %s -> %s", domain.ErrInvalidTransition, tr.ID, tr.Status, next)
	}
	tr.Status = next
	tr.ModifiedAt = now
	if next == domain.TaskRunStatusRunning {
		tr.StartedAt = &now
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE task_run SET status = ?, modified_at = ?, started_at = ? WHERE id = ?`,
		int(tr.Status), formatTime(tr.ModifiedAt), formatTimePtr(tr.StartedAt), tr.ID)
	if err != nil {
		return mapStoreErr(err)
	}
	t.queueTaskRunMirror(tr)
	return nil
}

func (s *Store) ListTaskRunsByFlowRunID(ctx context.Context, flowRunID string) ([]*domain.TaskRun, error) {
	rows, err := s.db.Op.QueryContext(ctx, taskRunSelect+` WHERE flow_run_id = ? ORDER BY created_at`, flowRunID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var out []*domain.TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// LatestTaskRunByTaskID returns the most recent attempt's row for a task
// within a flow-run.
func (s *Store) LatestTaskRunByTaskID(ctx context.Context, flowRunID, taskID string) (*domain.TaskRun, error) {
	row := s.db.Op.QueryRowContext(ctx,
		taskRunSelect+` WHERE flow_run_id = ? AND task_id = ? ORDER BY attempt DESC LIMIT 1`,
		flowRunID, taskID)
	return scanTaskRun(row)
}

const taskRunSelect = `
	SELECT id, flow_run_id, task_id, attempt, retry_max, retry_delay_seconds,
	       status, created_at, modified_at, started_at
	FROM task_run`

func scanTaskRun(row rowScanner) (*domain.TaskRun, error) {
	var tr domain.TaskRun
	var retryDelaySeconds int64
	var status int
	var createdAt, modifiedAt string
	var startedAt sql.NullString

	err := row.Scan(&tr.ID, &tr.FlowRunID, &tr.TaskID, &tr.Attempt, &tr.RetryMax,
		&retryDelaySeconds, &status, &createdAt, &modifiedAt, &startedAt)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	tr.RetryDelay = time.Duration(retryDelaySeconds) * time.Second
	tr.Status = domain.TaskRunStatus(status)
	if tr.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if tr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tr.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return &tr, nil
}
