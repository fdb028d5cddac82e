package store

import (
	"context"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
)

// CreateSchedulerSession stamps the supervisor loop's identity for the
// records it will write (spec §4.2 start()).
func (t *Tx) CreateSchedulerSession(ctx context.Context, sess *domain.SchedulerSession) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO scheduler_session (id, heartbeat_seconds, workers, log_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Heartbeat.Seconds(), sess.Workers, sess.LogPath, formatTime(sess.CreatedAt))
	if err != nil {
		return mapConstraintErr(err)
	}
	t.queue("scheduler_session", sess.ID, map[string]any{"workers": sess.Workers}, sess.CreatedAt)
	return nil
}

func (s *Store) GetSchedulerSessionByID(ctx context.Context, id string) (*domain.SchedulerSession, error) {
	row := s.db.Op.QueryRowContext(ctx,
		`SELECT id, heartbeat_seconds, workers, log_path, created_at FROM scheduler_session WHERE id = ?`, id)
	return scanSchedulerSession(row)
}

func scanSchedulerSession(row rowScanner) (*domain.SchedulerSession, error) {
	var sess domain.SchedulerSession
	var heartbeatSeconds float64
	var createdAt string
	if err := row.Scan(&sess.ID, &heartbeatSeconds, &sess.Workers, &sess.LogPath, &createdAt); err != nil {
		return nil, mapStoreErr(err)
	}
	sess.Heartbeat = time.Duration(heartbeatSeconds * float64(time.Second))
	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &sess, nil
}
