package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := OpenProject(context.Background(), dir, "", "")
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func TestInit_RefusesExistingWithoutReplace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s, err := Init(context.Background(), dir, "demo", "", "", false, now)
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	s.Close()

	if _, err := Init(context.Background(), dir, "demo", "", "", false, now); err == nil {
		t.Fatal("expected refusal on second Init without replace")
	}
}

func TestInit_SeedsProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s, err := Init(context.Background(), dir, "demo", "", "", false, now)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer s.Close()

	p, err := s.GetProject(context.Background())
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.Name != "demo" || !p.Active {
		t.Errorf("project = %+v, want name=demo active=true", p)
	}
}

func TestInit_ReplaceBacksUpExisting(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s, err := Init(context.Background(), dir, "demo", "", "", false, now)
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	s.Close()

	s2, err := Init(context.Background(), dir, "demo2", "", "", true, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("replace Init: %v", err)
	}
	defer s2.Close()

	entries, _ := os.ReadDir(filepath.Dir(dir))
	var foundBackup bool
	for _, e := range entries {
		if e.Name() != filepath.Base(dir) {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("expected a backup directory alongside the replaced project")
	}
}

func TestUpsertFlow_CreateThenMirror(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	flow := &domain.Flow{
		ID: clock.NewID(), Path: "flows/a.go", Name: "alpha",
		CronExprs: []string{"0 * * * *"}, Checksum: "abc123", Active: true,
		CreatedAt: now, ModifiedAt: now,
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.UpsertFlow(ctx, flow); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.GetFlowByPathAndName(ctx, "flows/a.go", "alpha")
	if err != nil {
		t.Fatalf("GetFlowByPathAndName: %v", err)
	}
	if got.Checksum != "abc123" || len(got.CronExprs) != 1 {
		t.Errorf("got flow = %+v", got)
	}

	var mirrorCount int
	row := s.db.Log.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_record WHERE entity = 'flow' AND ref_id = ?`, flow.ID)
	if err := row.Scan(&mirrorCount); err != nil {
		t.Fatalf("scan mirror count: %v", err)
	}
	if mirrorCount != 1 {
		t.Errorf("mirror count = %d, want 1", mirrorCount)
	}
}

func TestSetFlowRunStatus_EnforcesMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	flow := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "alpha", Checksum: "x", Active: true, CreatedAt: now, ModifiedAt: now}
	run := &domain.FlowRun{ID: clock.NewID(), FlowID: flow.ID, Status: domain.FlowRunStatusScheduled, CreatedAt: now, ModifiedAt: now}

	tx, _ := s.Begin(ctx)
	if err := tx.UpsertFlow(ctx, flow); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}
	if err := tx.CreateFlowRun(ctx, run); err != nil {
		t.Fatalf("CreateFlowRun: %v", err)
	}
	tx.Commit(ctx)

	tx2, _ := s.Begin(ctx)
	if err := tx2.SetFlowRunStatus(ctx, run, domain.FlowRunStatusPending, now.Add(time.Minute)); err != nil {
		t.Fatalf("SCHEDULED->PENDING: %v", err)
	}
	tx2.Commit(ctx)

	tx3, _ := s.Begin(ctx)
	err := tx3.SetFlowRunStatus(ctx, run, domain.FlowRunStatusScheduled, now.Add(2*time.Minute))
	tx3.Rollback()
	if err == nil {
		t.Fatal("expected backward transition PENDING->SCHEDULED to be refused")
	}
}

func TestSetFlowRunStatus_CancelCascadesTaskRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	flow := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "alpha", Checksum: "x", Active: true, CreatedAt: now, ModifiedAt: now}
	task := &domain.Task{ID: clock.NewID(), FlowID: flow.ID, Name: "t1"}
	run := &domain.FlowRun{ID: clock.NewID(), FlowID: flow.ID, Status: domain.FlowRunStatusScheduled, CreatedAt: now, ModifiedAt: now}
	taskRun := &domain.TaskRun{ID: clock.NewID(), FlowRunID: run.ID, TaskID: task.ID, Attempt: 1, Status: domain.TaskRunStatusPending, CreatedAt: now, ModifiedAt: now}

	tx, _ := s.Begin(ctx)
	if err := tx.UpsertFlow(ctx, flow); err != nil {
		t.Fatal(err)
	}
	if err := tx.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := tx.CreateFlowRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := tx.CreateTaskRun(ctx, taskRun); err != nil {
		t.Fatal(err)
	}
	tx.Commit(ctx)

	tx2, _ := s.Begin(ctx)
	if err := tx2.SetFlowRunStatus(ctx, run, domain.FlowRunStatusCanceledByUser, now.Add(time.Minute)); err != nil {
		t.Fatalf("SetFlowRunStatus: %v", err)
	}
	tx2.Commit(ctx)

	runs, err := s.ListTaskRunsByFlowRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListTaskRunsByFlowRunID: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != domain.TaskRunStatusCanceled {
		t.Errorf("task runs = %+v, want single CANCELED row", runs)
	}
}
