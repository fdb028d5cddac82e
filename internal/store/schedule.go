package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
)

// CreateFlowSchedule inserts a new pending fire-time. At most one schedule
// should exist per flow; callers enforce that invariant via the admission
// rules before calling this (spec §4.2).
func (t *Tx) CreateFlowSchedule(ctx context.Context, sc *domain.FlowSchedule) error {
	var maxDelaySeconds any
	if sc.MaxDelay != nil {
		maxDelaySeconds = int64(sc.MaxDelay.Seconds())
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO flow_schedule (id, flow_id, schedule_datetime, max_delay_seconds, is_manual, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.FlowID, formatTime(sc.ScheduleDatetime), maxDelaySeconds,
		boolToInt(sc.IsManual), formatTime(sc.CreatedAt))
	if err != nil {
		return mapConstraintErr(err)
	}
	t.queue("flow_schedule", sc.ID, map[string]any{"flow_id": sc.FlowID, "schedule_datetime": sc.ScheduleDatetime}, sc.CreatedAt)
	return nil
}

func (t *Tx) DeleteFlowSchedule(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM flow_schedule WHERE id = ?`, id)
	if err != nil {
		return mapStoreErr(err)
	}
	t.queue("flow_schedule", id, map[string]any{"deleted": true}, time.Time{})
	return nil
}

func (s *Store) GetFlowScheduleByFlowID(ctx context.Context, flowID string) (*domain.FlowSchedule, error) {
	row := s.db.Op.QueryRowContext(ctx, `
		SELECT id, flow_id, schedule_datetime, max_delay_seconds, is_manual, created_at
		FROM flow_schedule WHERE flow_id = ?`, flowID)
	return scanFlowSchedule(row)
}

// ListOrphanSchedules returns schedules not referenced by any non-terminal
// flow-run, for the tick's cleanup step. An empty terminalStatuses means
// every terminal FlowRunStatus.
func (s *Store) ListOrphanSchedules(ctx context.Context, terminalStatuses []domain.FlowRunStatus) ([]*domain.FlowSchedule, error) {
	if len(terminalStatuses) == 0 {
		terminalStatuses = []domain.FlowRunStatus{domain.FlowRunStatusDone, domain.FlowRunStatusFailed,
			domain.FlowRunStatusFailedTimeoutDelay, domain.FlowRunStatusFailedTimeoutRun,
			domain.FlowRunStatusCanceled, domain.FlowRunStatusCanceledByUser}
	}
	placeholders := "?"
	args := []any{int(terminalStatuses[0])}
	for _, st := range terminalStatuses[1:] {
		placeholders += ", ?"
		args = append(args, int(st))
	}
	rows, err := s.db.Op.QueryContext(ctx, `
		SELECT fs.id, fs.flow_id, fs.schedule_datetime, fs.max_delay_seconds, fs.is_manual, fs.created_at
		FROM flow_schedule fs
		WHERE NOT EXISTS (
			SELECT 1 FROM flow_run fr
			WHERE fr.schedule_id = fs.id AND fr.status NOT IN (`+placeholders+`))`, args...)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var out []*domain.FlowSchedule
	for rows.Next() {
		sc, err := scanFlowSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanFlowSchedule(row rowScanner) (*domain.FlowSchedule, error) {
	var sc domain.FlowSchedule
	var scheduleDatetime, createdAt string
	var maxDelaySeconds sql.NullInt64
	var isManual int

	err := row.Scan(&sc.ID, &sc.FlowID, &scheduleDatetime, &maxDelaySeconds, &isManual, &createdAt)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	sc.IsManual = isManual != 0
	if maxDelaySeconds.Valid {
		d := time.Duration(maxDelaySeconds.Int64) * time.Second
		sc.MaxDelay = &d
	}
	if sc.ScheduleDatetime, err = parseTime(scheduleDatetime); err != nil {
		return nil, err
	}
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &sc, nil
}
