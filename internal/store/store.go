package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
)

// Store is the transactional, two-database persistence layer described in
// spec §4.1. Every mutating method runs inside a *Tx obtained from Begin;
// read methods are called directly against Store.
type Store struct {
	db    *DB
	clock clock.Clock
}

func New(db *DB, c clock.Clock) *Store {
	if c == nil {
		c = clock.System{}
	}
	return &Store{db: db, clock: c}
}

// Init creates a new project directory with both databases and a seeded
// Project row. If the directory already holds a database and replace is
// false, it refuses; if replace is true, the existing directory contents
// are renamed aside to a timestamped backup first (spec §4.1).
func Init(ctx context.Context, projectDir, name, databaseName, logDatabaseName string, replace bool, now time.Time) (*Store, error) {
	if databaseName == "" {
		databaseName = DefaultDatabaseName
	}
	opPath := filepath.Join(projectDir, databaseName)

	if _, err := os.Stat(opPath); err == nil {
		if !replace {
			return nil, fmt.Errorf("%w: %s already exists; pass replace to overwrite", ErrConflict, opPath)
		}
		backup := fmt.Sprintf("%s.%s.bak", projectDir, now.UTC().Format("20060102T150405Z"))
		if err := os.Rename(projectDir, backup); err != nil {
			return nil, fmt.Errorf("back up existing project dir: %w", err)
		}
	}

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	db, err := OpenProject(ctx, projectDir, databaseName, logDatabaseName)
	if err != nil {
		return nil, err
	}

	s := New(db, clock.System{})
	if err := s.seedProject(ctx, name, now); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) seedProject(ctx context.Context, name string, now time.Time) error {
	_, err := s.db.Op.ExecContext(ctx,
		`INSERT INTO project (name, description, active, created_at, modified_at) VALUES (?, '', 1, ?, ?)`,
		name, formatTime(now), formatTime(now))
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// DB exposes the underlying two-database handle, e.g. so internal/health
// can check the operational and log databases as independent dependencies.
func (s *Store) DB() *DB { return s.db }

// Tx is a logical transactional unit over the operational database. All
// writes made through a Tx are mirrored to the log database on Commit.
type Tx struct {
	store   *Store
	tx      *sql.Tx
	clock   clock.Clock
	pending []mirrorRecord
}

type mirrorRecord struct {
	entity  string
	refID   string
	attrs   map[string]any
	modTime time.Time
}

// Begin opens a new transactional unit (spec §4.1 begin()).
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.Op.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	return &Tx{store: s, tx: tx, clock: s.clock}, nil
}

// queue records a row for mirroring once the transaction commits.
func (t *Tx) queue(entity, refID string, attrs map[string]any, modTime time.Time) {
	t.pending = append(t.pending, mirrorRecord{entity: entity, refID: refID, attrs: attrs, modTime: modTime})
}

// Commit commits the operational transaction, then mirrors every queued
// row to the log database. A mirroring failure is reported to the caller
// but does not roll back the operational commit, which has already
// succeeded (spec §4.1: "the operational write is kept; the log loss is
// reported").
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	if err := t.mirror(ctx); err != nil {
		return fmt.Errorf("operational commit succeeded but mirroring failed: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("%w: rollback: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *Tx) mirror(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	logTx, err := t.store.db.Log.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, rec := range t.pending {
		attrsJSON, err := json.Marshal(rec.attrs)
		if err != nil {
			logTx.Rollback()
			return fmt.Errorf("marshal mirror attrs: %w", err)
		}
		createdAt := rec.modTime
		if createdAt.IsZero() {
			createdAt = t.clock.Now()
		}
		_, err = logTx.ExecContext(ctx,
			`INSERT INTO log_record (id, entity, ref_id, attrs, created_datetime) VALUES (?, ?, ?, ?, ?)`,
			clock.NewID(), rec.entity, rec.refID, string(attrsJSON), formatTime(createdAt))
		if err != nil {
			logTx.Rollback()
			return err
		}
	}
	return logTx.Commit()
}

// mirrorable renders an entity as a plain map for mirroring. Each entity file
// provides its own conversion so the mirror format tracks its columns.
type mirrorable interface {
	mirrorEntity() string
	mirrorRefID() string
	mirrorAttrs() map[string]any
	mirrorModTime() time.Time
}

func (t *Tx) queueMirror(m mirrorable) {
	t.queue(m.mirrorEntity(), m.mirrorRefID(), m.mirrorAttrs(), m.mirrorModTime())
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
