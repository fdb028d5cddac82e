package domain

import "time"

// Project is the single project-metadata row every store holds exactly one
// of (spec §3).
type Project struct {
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// Flow is the indexed, on-disk definition of a DAG: its schedule set, delay
// tolerance, and content checksum.
type Flow struct {
	ID          string
	Path        string // relative to the project root
	Name        string
	Description string
	CronExprs   []string
	StartAt     *time.Time
	EndAt       *time.Time
	MaxDelay    *time.Duration
	Checksum    string
	Active      bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// Dirty reports whether a freshly computed checksum diverges from the
// indexed one, i.e. the flow must be reindexed before it can run or be
// scheduled (spec §3, §4.2 admission rules).
func (f *Flow) Dirty(currentChecksum string) bool {
	return f.Checksum != currentChecksum
}

// Task is one DAG node: a unit of work with a retry policy.
type Task struct {
	ID         string
	FlowID     string
	Name       string
	RetryMax   int
	RetryDelay time.Duration
	Config     map[string]any
}

// TaskEdge is one directed edge of the flow's task DAG.
type TaskEdge struct {
	ID         string
	SourceID   string
	DownstreamID string
}

// FlowSchedule is a pending fire-time for a flow. At most one active
// schedule exists per flow (spec §3).
type FlowSchedule struct {
	ID               string
	FlowID           string
	ScheduleDatetime time.Time
	MaxDelay         *time.Duration
	IsManual         bool
	CreatedAt        time.Time
}

// FlowRun is one execution instance of a flow.
type FlowRun struct {
	ID               string
	FlowID           string
	ScheduleID       *string
	ScheduleDatetime *time.Time
	MaxDelay         *time.Duration
	IsManual         bool
	Status           FlowRunStatus
	CreatedAt        time.Time
	ModifiedAt       time.Time
	StartedAt        *time.Time
}

// TaskRun is one attempt of one task within a flow-run.
type TaskRun struct {
	ID         string
	FlowRunID  string
	TaskID     string
	Attempt    int
	RetryMax   int
	RetryDelay time.Duration
	Status     TaskRunStatus
	CreatedAt  time.Time
	ModifiedAt time.Time
	StartedAt  *time.Time
}

// SchedulerSession stamps every record written while a supervisor loop is
// active.
type SchedulerSession struct {
	ID        string
	Heartbeat time.Duration
	Workers   int
	LogPath   string
	CreatedAt time.Time
}

// LogRecord is one append-only mirror row. Entity names the operational
// table it mirrors; Attrs holds the source row's attribute values at write
// time, serialized as the store implementation sees fit.
type LogRecord struct {
	ID              string
	Entity          string
	RefID           string
	Attrs           map[string]any
	CreatedDatetime time.Time
}
