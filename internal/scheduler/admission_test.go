package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, c clock.Clock) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenProject(context.Background(), dir, "", "")
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	st := store.New(db, c)
	exec := NewExecutor(filepath.Join(dir, "flowctl"), dir, c, testLogger())
	e := NewEngine(st, nil, exec, c, testLogger(), nil, Config{ProjectDir: dir, Workers: 1, Heartbeat: time.Second})
	return e, st
}

func seedFlow(t *testing.T, st *store.Store, f *domain.Flow) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.UpsertFlow(context.Background(), f); err != nil {
		t.Fatalf("UpsertFlow: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestPlaceSchedule_InactiveFlowRefused(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, st := newTestEngine(t, fixedClock{now})

	f := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "a", CronExprs: []string{"* * * * *"}, Active: false, CreatedAt: now, ModifiedAt: now}
	seedFlow(t, st, f)

	err := e.placeSchedule(context.Background(), f, false, false)
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Status != domain.FlowScheduleStatusNoSchedule {
		t.Fatalf("err = %v, want NoSchedule admission error", err)
	}
}

func TestPlaceSchedule_DirtyFlowRefused(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, st := newTestEngine(t, fixedClock{now})

	f := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "a", CronExprs: []string{"* * * * *"}, Active: true, CreatedAt: now, ModifiedAt: now}
	seedFlow(t, st, f)

	err := e.placeSchedule(context.Background(), f, false, true)
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Status != domain.FlowScheduleStatusFailed {
		t.Fatalf("err = %v, want Failed admission error", err)
	}
	if !errors.Is(err, domain.ErrChecksumMismatch) {
		t.Errorf("expected wrapped ErrChecksumMismatch, got %v", err)
	}
}

func TestPlaceSchedule_CreatesScheduleAndRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, st := newTestEngine(t, fixedClock{now})

	f := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "a", CronExprs: []string{"*/5 * * * *"}, Active: true, CreatedAt: now, ModifiedAt: now}
	seedFlow(t, st, f)

	if err := e.placeSchedule(context.Background(), f, false, false); err != nil {
		t.Fatalf("placeSchedule: %v", err)
	}

	sc, err := st.GetFlowScheduleByFlowID(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetFlowScheduleByFlowID: %v", err)
	}
	want := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	if !sc.ScheduleDatetime.Equal(want) {
		t.Errorf("schedule_datetime = %v, want %v", sc.ScheduleDatetime, want)
	}

	run, err := st.GetFlowRunByScheduleID(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("GetFlowRunByScheduleID: %v", err)
	}
	if run.Status != domain.FlowRunStatusScheduled {
		t.Errorf("run.Status = %v, want SCHEDULED", run.Status)
	}
}

func TestPlaceSchedule_ExistingNonTerminalRefusedWithoutForce(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, st := newTestEngine(t, fixedClock{now})

	f := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "a", CronExprs: []string{"*/5 * * * *"}, Active: true, CreatedAt: now, ModifiedAt: now}
	seedFlow(t, st, f)

	if err := e.placeSchedule(context.Background(), f, false, false); err != nil {
		t.Fatalf("first placeSchedule: %v", err)
	}

	err := e.placeSchedule(context.Background(), f, false, false)
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Status != domain.FlowScheduleStatusFailedScheduleExists {
		t.Fatalf("err = %v, want FailedScheduleExists", err)
	}
}

func TestPlaceSchedule_ElapsedMaxDelayTimesOutAndReschedules(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, st := newTestEngine(t, fixedClock{now})

	maxDelay := 60 * time.Second
	f := &domain.Flow{ID: clock.NewID(), Path: "a.go", Name: "a", CronExprs: []string{"*/5 * * * *"}, MaxDelay: &maxDelay, Active: true, CreatedAt: now, ModifiedAt: now}
	seedFlow(t, st, f)

	if err := e.placeSchedule(context.Background(), f, false, false); err != nil {
		t.Fatalf("first placeSchedule: %v", err)
	}
	firstSchedule, err := st.GetFlowScheduleByFlowID(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetFlowScheduleByFlowID: %v", err)
	}

	// Advance the clock past schedule_datetime + max_delay.
	e2, _ := newTestEngine(t, fixedClock{firstSchedule.ScheduleDatetime.Add(2 * time.Minute)})
	e2.store = st

	if err := e2.placeSchedule(context.Background(), f, false, false); err != nil {
		t.Fatalf("second placeSchedule: %v", err)
	}

	oldRun, err := st.GetFlowRunByScheduleID(context.Background(), firstSchedule.ID)
	if err == nil {
		t.Fatalf("expected old schedule to be deleted, found run %v", oldRun)
	}

	newSchedule, err := st.GetFlowScheduleByFlowID(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetFlowScheduleByFlowID after timeout: %v", err)
	}
	if newSchedule.ID == firstSchedule.ID {
		t.Error("expected a fresh schedule to replace the timed-out one")
	}
}
