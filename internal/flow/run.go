package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

// Runner executes one flow-run's DAG inside the child process (spec §4.4).
type Runner struct {
	store  *store.Store
	flow   *Flow
	clock  clock.Clock
	logger *slog.Logger

	// taskByIdx is populated at the start of Execute and read by the
	// cascade helpers, which only have a node index to work from.
	taskByIdx map[int]*domain.Task
}

func NewRunner(st *store.Store, f *Flow, c clock.Clock, logger *slog.Logger) *Runner {
	if c == nil {
		c = clock.System{}
	}
	return &Runner{store: st, flow: f, clock: c, logger: logger}
}

// Execute runs flowRunID's DAG to completion and returns the flow-run's
// terminal status. It is the entire body of `flow run --run-id`.
func (r *Runner) Execute(ctx context.Context, flowID, flowRunID string) (domain.FlowRunStatus, error) {
	if len(r.flow.nodes) == 0 {
		return domain.FlowRunStatusUnknown, domain.ErrEmptyTaskSet
	}

	order, err := r.flow.TopoOrder()
	if err != nil {
		return domain.FlowRunStatusFailed, err
	}

	run, err := r.store.GetFlowRunByID(ctx, flowRunID)
	if err != nil {
		return domain.FlowRunStatusFailed, err
	}

	taskRows, err := r.loadTasks(ctx, flowID)
	if err != nil {
		return domain.FlowRunStatusFailed, err
	}
	r.taskByIdx = taskRows

	taskRuns, err := r.ensureTaskRuns(ctx, run, order, taskRows)
	if err != nil {
		return domain.FlowRunStatusFailed, err
	}

	if err := r.transitionFlowRun(ctx, run, domain.FlowRunStatusRunning); err != nil {
		return domain.FlowRunStatusFailed, err
	}

	outputs := make(map[int]Output)
	failed := make(map[int]bool)
	canceled := make(map[int]bool)

	for _, idx := range order {
		n := r.flow.nodes[idx]
		tr := taskRuns[idx]
		// A cascade from an earlier task may have moved this task-run on.
		if latest, err := r.store.LatestTaskRunByTaskID(ctx, run.ID, taskRows[idx].ID); err == nil {
			tr = latest
		}

		if tr.Status != domain.TaskRunStatusScheduled && tr.Status != domain.TaskRunStatusPending {
			continue
		}

		out, finalStatus, skipped, runErr := r.attempt(ctx, run, taskRows[idx], n, tr, outputs)
		if skipped {
			canceled[idx] = true
			if err := r.cascadeCanceled(ctx, run, idx); err != nil {
				return domain.FlowRunStatusFailed, err
			}
			continue
		}
		if runErr != nil && finalStatus.IsFailure() {
			failed[idx] = true
			if err := r.cascadeUpstreamFailure(ctx, run, idx); err != nil {
				return domain.FlowRunStatusFailed, err
			}
			continue
		}
		outputs[idx] = out
	}

	final := domain.FlowRunStatusDone
	if len(failed) > 0 {
		final = domain.FlowRunStatusFailed
	}
	if err := r.transitionFlowRun(ctx, run, final); err != nil {
		return domain.FlowRunStatusFailed, err
	}

	if run.ScheduleID != nil {
		if err := r.deleteSchedule(ctx, *run.ScheduleID); err != nil {
			r.logger.Warn("delete consumed schedule", "schedule_id", *run.ScheduleID, "error", err)
		}
	}

	return final, nil
}

func (r *Runner) loadTasks(ctx context.Context, flowID string) (map[int]*domain.Task, error) {
	rows, err := r.store.ListTasksByFlowID(ctx, flowID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*domain.Task, len(rows))
	for _, t := range rows {
		byName[t.Name] = t
	}
	out := make(map[int]*domain.Task, len(r.flow.nodes))
	for i, n := range r.flow.nodes {
		t, ok := byName[n.name]
		if !ok {
			return nil, errors.New("flow: task " + n.name + " not indexed in store")
		}
		out[i] = t
	}
	return out, nil
}

// ensureTaskRuns creates task-run rows for any task that doesn't have one
// yet in this flow-run, defaulting to PENDING (spec §4.4 step 2).
func (r *Runner) ensureTaskRuns(ctx context.Context, run *domain.FlowRun, order []int, tasks map[int]*domain.Task) (map[int]*domain.TaskRun, error) {
	out := make(map[int]*domain.TaskRun, len(order))
	for _, idx := range order {
		existing, err := r.store.LatestTaskRunByTaskID(ctx, run.ID, tasks[idx].ID)
		if err == nil {
			out[idx] = existing
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		now := r.clock.Now()
		tr := &domain.TaskRun{
			ID: clock.NewID(), FlowRunID: run.ID, TaskID: tasks[idx].ID, Attempt: 1,
			RetryMax: tasks[idx].RetryMax, RetryDelay: tasks[idx].RetryDelay,
			Status: domain.TaskRunStatusPending, CreatedAt: now, ModifiedAt: now,
		}
		tx, err := r.store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		if err := tx.CreateTaskRun(ctx, tr); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		out[idx] = tr
	}
	return out, nil
}

func (r *Runner) transitionFlowRun(ctx context.Context, run *domain.FlowRun, next domain.FlowRunStatus) error {
	if run.Status == next {
		return nil
	}
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.SetFlowRunStatus(ctx, run, next, r.clock.Now()); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// attempt runs task idx through its retry loop (spec §4.4 step 3). It
// returns the task's output on success, its terminal TaskRunStatus, and
// whether the task signaled a deliberate skip via ErrSkip.
func (r *Runner) attempt(ctx context.Context, run *domain.FlowRun, task *domain.Task, n *node, tr *domain.TaskRun, outputs map[int]Output) (Output, domain.TaskRunStatus, bool, error) {
	rc := &runContext{config: n.config, upstream: make(map[string]Output, len(n.upstream))}
	for _, upIdx := range n.upstream {
		if out, ok := outputs[upIdx]; ok {
			rc.upstream[r.flow.nodes[upIdx].name] = out
		}
	}

	for {
		if err := r.setTaskRunStatus(ctx, tr, domain.TaskRunStatusRunning); err != nil {
			return nil, tr.Status, false, err
		}

		out, runErr := n.task.Run(ctx, rc)

		if runErr == nil {
			if err := r.setTaskRunStatus(ctx, tr, domain.TaskRunStatusDone); err != nil {
				return nil, tr.Status, false, err
			}
			return out, tr.Status, false, nil
		}

		if errors.Is(runErr, ErrSkip) {
			if err := r.setTaskRunStatus(ctx, tr, domain.TaskRunStatusCanceled); err != nil {
				return nil, tr.Status, false, err
			}
			return nil, tr.Status, true, nil
		}

		if err := r.setTaskRunStatus(ctx, tr, domain.TaskRunStatusFailed); err != nil {
			return nil, tr.Status, false, err
		}

		if tr.Attempt > tr.RetryMax {
			return nil, tr.Status, false, runErr
		}

		select {
		case <-ctx.Done():
			return nil, tr.Status, false, ctx.Err()
		case <-time.After(tr.RetryDelay):
		}

		next := &domain.TaskRun{
			ID: clock.NewID(), FlowRunID: run.ID, TaskID: task.ID, Attempt: tr.Attempt + 1,
			RetryMax: tr.RetryMax, RetryDelay: tr.RetryDelay, Status: domain.TaskRunStatusPending,
			CreatedAt: r.clock.Now(), ModifiedAt: r.clock.Now(),
		}
		tx, err := r.store.Begin(ctx)
		if err != nil {
			return nil, tr.Status, false, err
		}
		if err := tx.CreateTaskRun(ctx, next); err != nil {
			tx.Rollback()
			return nil, tr.Status, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, tr.Status, false, err
		}
		tr = next
	}
}

func (r *Runner) setTaskRunStatus(ctx context.Context, tr *domain.TaskRun, next domain.TaskRunStatus) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.SetTaskRunStatus(ctx, tr, next, r.clock.Now()); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// cascadeUpstreamFailure marks every descendant of idx FAILED_UPSTREAM
// (spec §4.4 step 3, final bullet) without aborting the rest of the DAG.
func (r *Runner) cascadeUpstreamFailure(ctx context.Context, run *domain.FlowRun, idx int) error {
	return r.cascadeDescendants(ctx, run, idx, domain.TaskRunStatusFailedUpstream)
}

// cascadeCanceled mirrors the same walk for a deliberate skip (spec §4.4
// failure semantics): descendants become CANCELED, not FAILED_UPSTREAM.
func (r *Runner) cascadeCanceled(ctx context.Context, run *domain.FlowRun, idx int) error {
	return r.cascadeDescendants(ctx, run, idx, domain.TaskRunStatusCanceled)
}

func (r *Runner) cascadeDescendants(ctx context.Context, run *domain.FlowRun, idx int, status domain.TaskRunStatus) error {
	for _, dIdx := range r.flow.Descendants(idx) {
		task := r.taskByIdx[dIdx]
		tr, err := r.store.LatestTaskRunByTaskID(ctx, run.ID, task.ID)
		if err != nil {
			continue
		}
		if tr.Status.IsTerminal() {
			continue
		}
		if err := r.setTaskRunStatus(ctx, tr, status); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) deleteSchedule(ctx context.Context, scheduleID string) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.DeleteFlowSchedule(ctx, scheduleID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}
