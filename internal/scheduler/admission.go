package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/cron"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

// PlaceSchedule applies the §4.2 admission rules to f on demand, for a
// manual `flow schedule` invocation outside the tick loop. It never treats
// f as dirty — a manual caller has already run `flow index` first if it
// needed to.
func (e *Engine) PlaceSchedule(ctx context.Context, f *domain.Flow, force bool) error {
	return e.placeSchedule(ctx, f, force, false)
}

// placeSchedule applies the §4.2 admission rules to f and, if they pass,
// creates a new FlowSchedule + paired FlowRun at the resolver's next fire
// time. dirty reports whether the reconcile step left f unindexed at its
// current on-disk checksum (the reindex that should have cleared it
// failed). force bypasses the "existing non-terminal schedule" refusal,
// the same escape hatch a manual `flow schedule --force` uses.
func (e *Engine) placeSchedule(ctx context.Context, f *domain.Flow, force, dirty bool) error {
	if !f.Active {
		return &AdmissionError{Status: domain.FlowScheduleStatusNoSchedule}
	}
	if dirty {
		return &AdmissionError{Status: domain.FlowScheduleStatusFailed, Err: domain.ErrChecksumMismatch}
	}

	now := e.clock.Now()

	existing, err := e.store.GetFlowScheduleByFlowID(ctx, f.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if existing != nil {
		run, runErr := e.store.GetFlowRunByScheduleID(ctx, existing.ID)
		if runErr != nil && !errors.Is(runErr, store.ErrNotFound) {
			return runErr
		}

		switch {
		case run == nil || run.Status.IsTerminal():
			if err := e.clearSchedule(ctx, existing.ID); err != nil {
				return err
			}
		case scheduleDeadline(existing).Before(now):
			if err := e.timeoutSchedule(ctx, run, existing.ID, now); err != nil {
				return err
			}
		case !force:
			return &AdmissionError{Status: domain.FlowScheduleStatusFailedScheduleExists}
		default:
			if err := e.clearSchedule(ctx, existing.ID); err != nil {
				return err
			}
		}
	}

	next, err := cron.NextAfter(f.CronExprs, now, f.StartAt, f.EndAt)
	if err != nil {
		if errors.Is(err, cron.ErrNoFutureFire) {
			e.metrics.CronMiss()
			return nil
		}
		return err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}

	sc := &domain.FlowSchedule{
		ID: clock.NewID(), FlowID: f.ID, ScheduleDatetime: *next,
		MaxDelay: f.MaxDelay, CreatedAt: now,
	}
	if err := tx.CreateFlowSchedule(ctx, sc); err != nil {
		tx.Rollback()
		return err
	}

	run := &domain.FlowRun{
		ID: clock.NewID(), FlowID: f.ID, ScheduleID: &sc.ID, ScheduleDatetime: next,
		MaxDelay: f.MaxDelay, Status: domain.FlowRunStatusScheduled, CreatedAt: now, ModifiedAt: now,
	}
	if err := tx.CreateFlowRun(ctx, run); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit(ctx)
}

// PlaceManualSchedule applies the §4.2 admission rules for a user-requested
// `flow schedule --datetime`/`--now` invocation: same refusal conditions as
// the tick's automatic placement, except the fire time is the caller's `at`
// rather than the resolver's next cron occurrence, and the resulting
// FlowSchedule/FlowRun are flagged is_manual (spec.md §4.2 "manual schedules
// placed by users arrive via the external interface of §6; admission rules
// are the same").
func (e *Engine) PlaceManualSchedule(ctx context.Context, f *domain.Flow, at time.Time, force bool) error {
	if !f.Active {
		return &AdmissionError{Status: domain.FlowScheduleStatusNoSchedule}
	}

	now := e.clock.Now()

	existing, err := e.store.GetFlowScheduleByFlowID(ctx, f.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if existing != nil {
		run, runErr := e.store.GetFlowRunByScheduleID(ctx, existing.ID)
		if runErr != nil && !errors.Is(runErr, store.ErrNotFound) {
			return runErr
		}

		switch {
		case run == nil || run.Status.IsTerminal():
			if err := e.clearSchedule(ctx, existing.ID); err != nil {
				return err
			}
		case scheduleDeadline(existing).Before(now):
			if err := e.timeoutSchedule(ctx, run, existing.ID, now); err != nil {
				return err
			}
		case !force:
			return &AdmissionError{Status: domain.FlowScheduleStatusFailedScheduleExists}
		default:
			if err := e.clearSchedule(ctx, existing.ID); err != nil {
				return err
			}
		}
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}

	sc := &domain.FlowSchedule{
		ID: clock.NewID(), FlowID: f.ID, ScheduleDatetime: at,
		MaxDelay: f.MaxDelay, IsManual: true, CreatedAt: now,
	}
	if err := tx.CreateFlowSchedule(ctx, sc); err != nil {
		tx.Rollback()
		return err
	}

	run := &domain.FlowRun{
		ID: clock.NewID(), FlowID: f.ID, ScheduleID: &sc.ID, ScheduleDatetime: &at,
		MaxDelay: f.MaxDelay, IsManual: true, Status: domain.FlowRunStatusScheduledByUser,
		CreatedAt: now, ModifiedAt: now,
	}
	if err := tx.CreateFlowRun(ctx, run); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit(ctx)
}

func scheduleDeadline(sc *domain.FlowSchedule) time.Time {
	maxDelay := time.Duration(0)
	if sc.MaxDelay != nil {
		maxDelay = *sc.MaxDelay
	}
	return sc.ScheduleDatetime.Add(maxDelay)
}

func (e *Engine) clearSchedule(ctx context.Context, scheduleID string) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.DeleteFlowSchedule(ctx, scheduleID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// timeoutSchedule marks the run bound to a schedule whose max-delay has
// elapsed before it ever reached RUNNING as FAILED_TIMEOUT_DELAY, cascades
// its task-runs the same way, and removes the now-consumed schedule so a
// fresh one can be placed (spec §4.2 admission rules, last bullet).
func (e *Engine) timeoutSchedule(ctx context.Context, run *domain.FlowRun, scheduleID string, now time.Time) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.TimeoutFlowRun(ctx, run, domain.FlowRunStatusFailedTimeoutDelay, now); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.DeleteFlowSchedule(ctx, scheduleID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}
