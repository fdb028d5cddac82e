package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
)

type flowMirror struct {
	f *domain.Flow
}

func (m flowMirror) mirrorEntity() string  { return "flow" }
func (m flowMirror) mirrorRefID() string   { return m.f.ID }
func (m flowMirror) mirrorModTime() time.Time { return m.f.ModifiedAt }
func (m flowMirror) mirrorAttrs() map[string]any {
	return map[string]any{
		"path": m.f.Path, "name": m.f.Name, "description": m.f.Description,
		"cron_exprs": m.f.CronExprs, "checksum": m.f.Checksum, "active": m.f.Active,
	}
}

// UpsertFlow creates the flow if id is unset, or updates an existing row
// identified by (path, name), within tx.
func (t *Tx) UpsertFlow(ctx context.Context, f *domain.Flow) error {
	cronJSON, err := json.Marshal(f.CronExprs)
	if err != nil {
		return fmt.Errorf("marshal cron exprs: %w", err)
	}

	var maxDelaySeconds any
	if f.MaxDelay != nil {
		maxDelaySeconds = int64(f.MaxDelay.Seconds())
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO flow (id, path, name, description, cron_exprs, start_at, end_at,
			max_delay_seconds, checksum, active, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, name) DO UPDATE SET
			description = excluded.description,
			cron_exprs = excluded.cron_exprs,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			max_delay_seconds = excluded.max_delay_seconds,
			checksum = excluded.checksum,
			active = excluded.active,
			modified_at = excluded.modified_at`,
		f.ID, f.Path, f.Name, f.Description, string(cronJSON),
		formatTimePtr(f.StartAt), formatTimePtr(f.EndAt), maxDelaySeconds,
		f.Checksum, boolToInt(f.Active), formatTime(f.CreatedAt), formatTime(f.ModifiedAt))
	if err != nil {
		return mapConstraintErr(err)
	}
	t.queueMirror(flowMirror{f})
	return nil
}

// DeleteFlow removes a flow (and, via ON DELETE CASCADE, its tasks, edges,
// schedules, runs) when its source file has disappeared from disk.
func (t *Tx) DeleteFlow(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM flow WHERE id = ?`, id)
	if err != nil {
		return mapStoreErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	t.queue("flow", id, map[string]any{"deleted": true}, time.Time{})
	return nil
}

func (s *Store) GetFlowByID(ctx context.Context, id string) (*domain.Flow, error) {
	row := s.db.Op.QueryRowContext(ctx, flowSelect+` WHERE id = ?`, id)
	return scanFlow(row)
}

func (s *Store) GetFlowByPathAndName(ctx context.Context, path, name string) (*domain.Flow, error) {
	row := s.db.Op.QueryRowContext(ctx, flowSelect+` WHERE path = ? AND name = ?`, path, name)
	return scanFlow(row)
}

// GetFlowByName returns the flow registered under name, which spec.md §3
// requires to be unique within the project regardless of path. Used by the
// CLI to resolve a flow from a single human-friendly identifier.
func (s *Store) GetFlowByName(ctx context.Context, name string) (*domain.Flow, error) {
	row := s.db.Op.QueryRowContext(ctx, flowSelect+` WHERE name = ?`, name)
	return scanFlow(row)
}

// GetFlowByPath returns the (at most one) flow indexed at path, used by the
// CLI when the caller names a flow by its source file rather than its name.
func (s *Store) GetFlowByPath(ctx context.Context, path string) (*domain.Flow, error) {
	row := s.db.Op.QueryRowContext(ctx, flowSelect+` WHERE path = ? ORDER BY name LIMIT 1`, path)
	return scanFlow(row)
}

// ListFlows returns every indexed flow, optionally filtered to active ones.
func (s *Store) ListFlows(ctx context.Context, activeOnly bool) ([]*domain.Flow, error) {
	query := flowSelect
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.db.Op.QueryContext(ctx, query+` ORDER BY path, name`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var flows []*domain.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// ListFlowPaths returns the distinct on-disk paths currently indexed, used
// by the rediscovery step to detect flows whose file has disappeared.
func (s *Store) ListFlowPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.Op.QueryContext(ctx, `SELECT DISTINCT path FROM flow`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

const flowSelect = `
	SELECT id, path, name, description, cron_exprs, start_at, end_at,
	       max_delay_seconds, checksum, active, created_at, modified_at
	FROM flow`

func scanFlow(row rowScanner) (*domain.Flow, error) {
	var f domain.Flow
	var cronJSON, createdAt, modifiedAt string
	var startAt, endAt sql.NullString
	var maxDelaySeconds sql.NullInt64
	var active int

	err := row.Scan(&f.ID, &f.Path, &f.Name, &f.Description, &cronJSON, &startAt, &endAt,
		&maxDelaySeconds, &f.Checksum, &active, &createdAt, &modifiedAt)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if err := json.Unmarshal([]byte(cronJSON), &f.CronExprs); err != nil {
		return nil, fmt.Errorf("unmarshal cron exprs: %w", err)
	}
	f.Active = active != 0

	if f.StartAt, err = parseTimePtr(startAt); err != nil {
		return nil, err
	}
	if f.EndAt, err = parseTimePtr(endAt); err != nil {
		return nil, err
	}
	if maxDelaySeconds.Valid {
		d := time.Duration(maxDelaySeconds.Int64) * time.Second
		f.MaxDelay = &d
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertTask creates or replaces a task row by (flow_id, name).
func (t *Tx) UpsertTask(ctx context.Context, task *domain.Task) error {
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO task (id, flow_id, name, retry_max, retry_delay_seconds, config)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id, name) DO UPDATE SET
			retry_max = excluded.retry_max,
			retry_delay_seconds = excluded.retry_delay_seconds,
			config = excluded.config`,
		task.ID, task.FlowID, task.Name, task.RetryMax,
		int64(task.RetryDelay.Seconds()), string(configJSON))
	if err != nil {
		return mapConstraintErr(err)
	}
	t.queue("task", task.ID, map[string]any{"flow_id": task.FlowID, "name": task.Name}, time.Time{})
	return nil
}

// DeleteTasksNotIn removes every task of flowID whose id is not in keep,
// used when reindexing drops renamed or removed tasks.
func (t *Tx) DeleteTasksNotIn(ctx context.Context, flowID string, keep []string) error {
	rows, err := t.tx.QueryContext(ctx, `SELECT id FROM task WHERE flow_id = ?`, flowID)
	if err != nil {
		return mapStoreErr(err)
	}
	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, id)
	}
	rows.Close()

	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	for _, id := range existing {
		if keepSet[id] {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM task WHERE id = ?`, id); err != nil {
			return mapStoreErr(err)
		}
		t.queue("task", id, map[string]any{"deleted": true}, time.Time{})
	}
	return nil
}

func (s *Store) ListTasksByFlowID(ctx context.Context, flowID string) ([]*domain.Task, error) {
	rows, err := s.db.Op.QueryContext(ctx,
		`SELECT id, flow_id, name, retry_max, retry_delay_seconds, config FROM task WHERE flow_id = ? ORDER BY name`,
		flowID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var configJSON string
	var retryDelaySeconds int64
	if err := row.Scan(&task.ID, &task.FlowID, &task.Name, &task.RetryMax, &retryDelaySeconds, &configJSON); err != nil {
		return nil, mapStoreErr(err)
	}
	task.RetryDelay = time.Duration(retryDelaySeconds) * time.Second
	if err := json.Unmarshal([]byte(configJSON), &task.Config); err != nil {
		return nil, fmt.Errorf("unmarshal task config: %w", err)
	}
	return &task, nil
}

// UpsertTaskEdge creates the edge if absent; edges are immutable otherwise.
func (t *Tx) UpsertTaskEdge(ctx context.Context, edge *domain.TaskEdge) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_edge (id, source_id, downstream_id) VALUES (?, ?, ?)
		ON CONFLICT(source_id, downstream_id) DO NOTHING`,
		edge.ID, edge.SourceID, edge.DownstreamID)
	if err != nil {
		return mapConstraintErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.queue("task_edge", edge.ID, map[string]any{"source_id": edge.SourceID, "downstream_id": edge.DownstreamID}, time.Time{})
	}
	return nil
}

// DeleteTaskEdgesNotIn removes every edge among flowID's tasks whose
// (source, downstream) pair is not in keep, used when reindexing drops a
// `.Requires(...)` call that a prior version of the flow declared (spec
// §4.6 step 3's "delete its Tasks and Edges" applies to an edge dropped
// without either endpoint task being dropped, not just a removed task's
// cascaded edges).
func (t *Tx) DeleteTaskEdgesNotIn(ctx context.Context, flowID string, keep [][2]string) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT e.id, e.source_id, e.downstream_id
		FROM task_edge e
		JOIN task t ON t.id = e.source_id
		WHERE t.flow_id = ?`, flowID)
	if err != nil {
		return mapStoreErr(err)
	}
	type edgeRow struct {
		id, source, downstream string
	}
	var existing []edgeRow
	for rows.Next() {
		var e edgeRow
		if err := rows.Scan(&e.id, &e.source, &e.downstream); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, e)
	}
	rows.Close()

	keepSet := make(map[[2]string]bool, len(keep))
	for _, pair := range keep {
		keepSet[pair] = true
	}
	for _, e := range existing {
		if keepSet[[2]string{e.source, e.downstream}] {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM task_edge WHERE id = ?`, e.id); err != nil {
			return mapStoreErr(err)
		}
		t.queue("task_edge", e.id, map[string]any{"deleted": true}, time.Time{})
	}
	return nil
}

func (s *Store) ListTaskEdgesByFlowID(ctx context.Context, flowID string) ([]*domain.TaskEdge, error) {
	rows, err := s.db.Op.QueryContext(ctx, `
		SELECT e.id, e.source_id, e.downstream_id
		FROM task_edge e
		JOIN task t ON t.id = e.source_id
		WHERE t.flow_id = ?`, flowID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var edges []*domain.TaskEdge
	for rows.Next() {
		var e domain.TaskEdge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.DownstreamID); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	// modernc.org/sqlite reports UNIQUE constraint violations as a plain
	// *sqlite.Error whose text contains "UNIQUE constraint failed"; string
	// matching is the idiomatic way to classify it since the driver does
	// not expose a typed SQLSTATE-equivalent the way pgx does.
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return mapStoreErr(err)
}
