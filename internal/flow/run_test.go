package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenProject(context.Background(), dir, "", "")
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func seedFlowAndTasks(t *testing.T, st *store.Store, f *Flow) (flowID string, run *domain.FlowRun) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	fl := &domain.Flow{ID: clock.NewID(), Path: "flows/x.go", Name: f.Name, Checksum: "c1", Active: true, CreatedAt: now, ModifiedAt: now}
	fr := &domain.FlowRun{ID: clock.NewID(), FlowID: fl.ID, Status: domain.FlowRunStatusScheduled, CreatedAt: now, ModifiedAt: now}

	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.UpsertFlow(ctx, fl); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}
	for _, n := range f.nodes {
		task := &domain.Task{ID: clock.NewID(), FlowID: fl.ID, Name: n.name, RetryMax: n.retryMax, RetryDelay: n.retryDelay, Config: n.config}
		if err := tx.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask(%s): %v", n.name, err)
		}
	}
	if err := tx.CreateFlowRun(ctx, fr); err != nil {
		t.Fatalf("CreateFlowRun: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return fl.ID, fr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_Execute_AllSucceed(t *testing.T) {
	f := New("pipeline")
	a := f.Task("a", TaskFunc(func(ctx context.Context, rc RunContext) (Output, error) {
		return ObjectOutput{Value: "a-out"}, nil
	}))
	f.Task("b", TaskFunc(func(ctx context.Context, rc RunContext) (Output, error) {
		up, ok := rc.Upstream("a")
		if !ok {
			t.Fatal("expected upstream output from a")
		}
		if up.(ObjectOutput).Value != "a-out" {
			t.Errorf("upstream value = %v", up)
		}
		return ObjectOutput{}, nil
	})).Requires(a)

	st := newTestStore(t)
	flowID, run := seedFlowAndTasks(t, st, f)

	runner := NewRunner(st, f, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, testLogger())
	status, err := runner.Execute(context.Background(), flowID, run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != domain.FlowRunStatusDone {
		t.Errorf("status = %v, want DONE", status)
	}
}

func TestRunner_Execute_FailurePropagatesUpstream(t *testing.T) {
	f := New("pipeline")
	a := f.Task("a", TaskFunc(func(ctx context.Context, rc RunContext) (Output, error) {
		return nil, errors.New("boom")
	}))
	f.Task("b", noopTask()).Requires(a)
	c := f.Task("c", noopTask())
	_ = c

	st := newTestStore(t)
	flowID, run := seedFlowAndTasks(t, st, f)

	runner := NewRunner(st, f, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, testLogger())
	status, err := runner.Execute(context.Background(), flowID, run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != domain.FlowRunStatusFailed {
		t.Errorf("status = %v, want FAILED", status)
	}

	runs, err := st.ListTaskRunsByFlowRunID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListTaskRunsByFlowRunID: %v", err)
	}
	byName := map[string]domain.TaskRunStatus{}
	flowTasks, _ := st.ListTasksByFlowID(context.Background(), flowID)
	idToName := map[string]string{}
	for _, task := range flowTasks {
		idToName[task.ID] = task.Name
	}
	latest := map[string]int{}
	for _, tr := range runs {
		// Keep only the latest attempt per task.
		name := idToName[tr.TaskID]
		if tr.Attempt >= latest[name] {
			latest[name] = tr.Attempt
			byName[name] = tr.Status
		}
	}

	if !byName["b"].IsFailure() {
		t.Errorf("b status = %v, want a failure status (FAILED_UPSTREAM)", byName["b"])
	}
	if byName["c"].IsFailure() {
		t.Errorf("c status = %v, want unaffected (sibling of the failing branch)", byName["c"])
	}
}

func TestRunner_Execute_SkipCascadesCanceled(t *testing.T) {
	f := New("pipeline")
	a := f.Task("a", TaskFunc(func(ctx context.Context, rc RunContext) (Output, error) {
		return nil, ErrSkip
	}))
	f.Task("b", noopTask()).Requires(a)

	st := newTestStore(t)
	flowID, run := seedFlowAndTasks(t, st, f)

	runner := NewRunner(st, f, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, testLogger())
	if _, err := runner.Execute(context.Background(), flowID, run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	runs, _ := st.ListTaskRunsByFlowRunID(context.Background(), run.ID)
	flowTasks, _ := st.ListTasksByFlowID(context.Background(), flowID)
	idToName := map[string]string{}
	for _, task := range flowTasks {
		idToName[task.ID] = task.Name
	}
	for _, tr := range runs {
		if idToName[tr.TaskID] == "b" && tr.Status != domain.TaskRunStatusCanceled {
			t.Errorf("b status = %v, want CANCELED", tr.Status)
		}
	}
}

func TestRunner_Execute_EmptyTaskSetRefused(t *testing.T) {
	f := New("empty")

	st := newTestStore(t)
	flowID, run := seedFlowAndTasks(t, st, f)

	runner := NewRunner(st, f, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, testLogger())
	status, err := runner.Execute(context.Background(), flowID, run.ID)
	if !errors.Is(err, domain.ErrEmptyTaskSet) {
		t.Fatalf("err = %v, want ErrEmptyTaskSet", err)
	}
	if status != domain.FlowRunStatusUnknown {
		t.Errorf("status = %v, want UNKNOWN", status)
	}

	runs, err := st.ListTaskRunsByFlowRunID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListTaskRunsByFlowRunID: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no task-runs created for an empty flow, got %d", len(runs))
	}
}

func TestRunner_Execute_RetriesUntilSuccess(t *testing.T) {
	f := New("pipeline")
	attempts := 0
	f.Task("flaky", TaskFunc(func(ctx context.Context, rc RunContext) (Output, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient")
		}
		return ObjectOutput{}, nil
	}), WithRetry(2, time.Millisecond))

	st := newTestStore(t)
	flowID, run := seedFlowAndTasks(t, st, f)

	runner := NewRunner(st, f, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, testLogger())
	status, err := runner.Execute(context.Background(), flowID, run.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != domain.FlowRunStatusDone {
		t.Errorf("status = %v, want DONE after retry succeeds", status)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
