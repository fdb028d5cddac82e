// Package store persists the run-state model to two embedded SQLite
// databases under the project directory: an operational database holding
// current state, and an append-only log database mirroring every write
// (spec §3, §4.1). The teacher's repository package spoke pgx/Postgres
// over a network; here the on-disk layout the spec requires is served by
// modernc.org/sqlite, a pure-Go driver needing no cgo toolchain.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DefaultDatabaseName    = "operational.db"
	DefaultLogDatabaseName = "log.db"
)

// Open opens a single SQLite file with the pragmas the scheduler needs:
// WAL so readers don't block the writer, a busy timeout so concurrent
// writers queue instead of erroring, and foreign keys on.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY storms under WAL with multiple writer goroutines.
	db.SetMaxOpenConns(1)
	return db, nil
}

// DB bundles the operational and log handles the rest of the package
// operates over.
type DB struct {
	Op  *sql.DB
	Log *sql.DB
}

// OpenProject opens (creating any missing file) both databases under
// projectDir and ensures their schemas are current.
func OpenProject(ctx context.Context, projectDir, databaseName, logDatabaseName string) (*DB, error) {
	if databaseName == "" {
		databaseName = DefaultDatabaseName
	}
	if logDatabaseName == "" {
		logDatabaseName = DefaultLogDatabaseName
	}

	op, err := Open(filepath.Join(projectDir, databaseName))
	if err != nil {
		return nil, err
	}
	if err := migrateOperational(ctx, op); err != nil {
		op.Close()
		return nil, fmt.Errorf("migrate operational db: %w", err)
	}

	logDB, err := Open(filepath.Join(projectDir, logDatabaseName))
	if err != nil {
		op.Close()
		return nil, err
	}
	if err := migrateLog(ctx, logDB); err != nil {
		op.Close()
		logDB.Close()
		return nil, fmt.Errorf("migrate log db: %w", err)
	}

	return &DB{Op: op, Log: logDB}, nil
}

func (d *DB) Close() error {
	errOp := d.Op.Close()
	errLog := d.Log.Close()
	if errOp != nil {
		return errOp
	}
	return errLog
}

// Ping satisfies health.Pinger, checking both handles.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.PingOperational(ctx); err != nil {
		return err
	}
	return d.PingLog(ctx)
}

// PingOperational checks the operational database alone.
func (d *DB) PingOperational(ctx context.Context) error {
	if err := d.Op.PingContext(ctx); err != nil {
		return fmt.Errorf("ping operational db: %w", err)
	}
	return nil
}

// PingLog checks the log database alone.
func (d *DB) PingLog(ctx context.Context) error {
	if err := d.Log.PingContext(ctx); err != nil {
		return fmt.Errorf("ping log db: %w", err)
	}
	return nil
}

// operationalPinger and logPinger adapt DB's split pings to health.Pinger.
type operationalPinger struct{ db *DB }

func (p operationalPinger) Ping(ctx context.Context) error { return p.db.PingOperational(ctx) }

type logPinger struct{ db *DB }

func (p logPinger) Ping(ctx context.Context) error { return p.db.PingLog(ctx) }

// OperationalPinger and LogPinger expose the two stores as independent
// health.Pinger dependencies (spec §6's two on-disk databases).
func (d *DB) OperationalPinger() interface{ Ping(context.Context) error } {
	return operationalPinger{db: d}
}

func (d *DB) LogPinger() interface{ Ping(context.Context) error } {
	return logPinger{db: d}
}

const operationalSchema = `
CREATE TABLE IF NOT EXISTS project (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	modified_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flow (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	cron_exprs TEXT NOT NULL DEFAULT '[]',
	start_at TEXT,
	end_at TEXT,
	max_delay_seconds INTEGER,
	checksum TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	modified_at TEXT NOT NULL,
	UNIQUE (path, name)
);

CREATE TABLE IF NOT EXISTS task (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL REFERENCES flow(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	retry_max INTEGER NOT NULL DEFAULT 0,
	retry_delay_seconds INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL DEFAULT '{}',
	UNIQUE (flow_id, name)
);

CREATE TABLE IF NOT EXISTS task_edge (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES task(id) ON DELETE CASCADE,
	downstream_id TEXT NOT NULL REFERENCES task(id) ON DELETE CASCADE,
	UNIQUE (source_id, downstream_id)
);

CREATE TABLE IF NOT EXISTS flow_schedule (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL REFERENCES flow(id) ON DELETE CASCADE,
	schedule_datetime TEXT NOT NULL,
	max_delay_seconds INTEGER,
	is_manual INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flow_schedule_flow_id ON flow_schedule(flow_id);

CREATE TABLE IF NOT EXISTS flow_run (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL REFERENCES flow(id) ON DELETE CASCADE,
	schedule_id TEXT,
	schedule_datetime TEXT,
	max_delay_seconds INTEGER,
	is_manual INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	modified_at TEXT NOT NULL,
	started_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_flow_run_flow_id ON flow_run(flow_id);
CREATE INDEX IF NOT EXISTS idx_flow_run_status ON flow_run(status);

CREATE TABLE IF NOT EXISTS task_run (
	id TEXT PRIMARY KEY,
	flow_run_id TEXT NOT NULL REFERENCES flow_run(id) ON DELETE CASCADE,
	task_id TEXT NOT NULL REFERENCES task(id) ON DELETE CASCADE,
	attempt INTEGER NOT NULL DEFAULT 1,
	retry_max INTEGER NOT NULL DEFAULT 0,
	retry_delay_seconds INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	modified_at TEXT NOT NULL,
	started_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_run_flow_run_id ON task_run(flow_run_id);
CREATE INDEX IF NOT EXISTS idx_task_run_task_id ON task_run(task_id);

CREATE TABLE IF NOT EXISTS scheduler_session (
	id TEXT PRIMARY KEY,
	heartbeat_seconds REAL NOT NULL,
	workers INTEGER NOT NULL,
	log_path TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

const logSchema = `
CREATE TABLE IF NOT EXISTS log_record (
	id TEXT PRIMARY KEY,
	entity TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	attrs TEXT NOT NULL,
	created_datetime TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_record_entity_ref ON log_record(entity, ref_id);
`

func migrateOperational(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, operationalSchema)
	return err
}

func migrateLog(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, logSchema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
