// Package scheduler implements the supervisor loop of spec §4.2: the tick
// that rediscovers flows, reconciles the index, places schedules, harvests
// due runs, and cleans up orphaned schedules, plus the run executor of
// spec §4.3 that launches each flow-run as a child process. Grounded on
// the teacher's internal/scheduler/dispatcher.go (tick loop shape) and
// internal/scheduler/reaper.go (the stale/timeout sweep), fused into one
// Engine.Tick because this system's heartbeat performs both roles.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/ctxlog"
	"github.com/flowctl/flowctl/internal/discover"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/indexer"
	"github.com/flowctl/flowctl/internal/store"
)

// Config holds the supervisor's startup parameters (spec §6 env vars
// WORKER/HEARTBEAT plus the project layout the rest of the system needs).
type Config struct {
	ProjectDir string
	FlowsDir   string
	Workers    int
	Heartbeat  time.Duration
}

// Engine is the supervisor loop described in spec §4.2.
type Engine struct {
	store    *store.Store
	scanner  *discover.Scanner
	executor *Executor
	clock    clock.Clock
	logger   *slog.Logger
	metrics  Recorder
	cfg      Config

	sem chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewEngine(st *store.Store, scanner *discover.Scanner, exec *Executor, c clock.Clock, logger *slog.Logger, metrics Recorder, cfg Config) *Engine {
	if c == nil {
		c = clock.System{}
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FlowsDir == "" {
		cfg.FlowsDir = cfg.ProjectDir
	}
	return &Engine{
		store: st, scanner: scanner, executor: exec, clock: c,
		logger: logger, metrics: metrics, cfg: cfg,
		sem:     make(chan struct{}, cfg.Workers),
		running: make(map[string]context.CancelFunc),
	}
}

// Start opens a SchedulerSession and runs tick() every Heartbeat seconds
// until ctx is cancelled (spec §4.2 start()). An initial tick runs before
// the first sleep, the same "reconcile immediately" behavior the teacher's
// dispatcher/reaper pair gives at startup.
func (e *Engine) Start(ctx context.Context) error {
	now := e.clock.Now()
	sess := &domain.SchedulerSession{
		ID: clock.NewID(), Heartbeat: e.cfg.Heartbeat, Workers: e.cfg.Workers,
		LogPath: e.cfg.ProjectDir, CreatedAt: now,
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.CreateSchedulerSession(ctx, sess); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	ctx = ctxlog.WithSessionID(ctx, sess.ID)
	e.logger.InfoContext(ctx, "scheduler session started", "heartbeat", e.cfg.Heartbeat, "workers", e.cfg.Workers)

	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				e.logger.ErrorContext(ctx, "scheduler: store unavailable, shutting down", "error", err)
				return err
			}
			e.logger.ErrorContext(ctx, "scheduler: tick error", "error", err)
		}
		e.logger.InfoContext(ctx, "ALIVE")

		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "scheduler session shut down")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one heartbeat iteration of the five-step algorithm (spec §4.2),
// exposed directly for tests.
func (e *Engine) Tick(ctx context.Context) error {
	start := e.clock.Now()
	defer func() { e.metrics.TickDuration(e.clock.Now().Sub(start)) }()

	candidates, dirtyPaths, err := e.reconcileIndex(ctx)
	if err != nil {
		return err
	}

	if err := e.placeSchedules(ctx, dirtyPaths); err != nil {
		return err
	}

	if err := e.harvest(ctx); err != nil {
		return err
	}

	if err := e.cleanupOrphanSchedules(ctx); err != nil {
		return err
	}

	_ = candidates
	return nil
}

// reconcileIndex performs tick steps 1-2: rediscover candidate files,
// delete flows whose file disappeared, and reindex any new or changed one.
// It returns the set of relative paths the reindexer could not clear, so
// placeSchedules can refuse to schedule a still-dirty flow.
func (e *Engine) reconcileIndex(ctx context.Context) ([]discover.Candidate, map[string]bool, error) {
	var candidates []discover.Candidate
	var err error
	if e.scanner != nil {
		candidates, err = e.scanner.Scan()
	} else {
		candidates, err = discover.Walk(e.cfg.FlowsDir)
	}
	if err != nil {
		return nil, nil, err
	}

	onDisk := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		onDisk[c.RelPath] = true
	}

	existingPaths, err := e.store.ListFlowPaths(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range existingPaths {
		if onDisk[p] {
			continue
		}
		if err := e.deleteFlowsAtPath(ctx, p); err != nil {
			e.logger.ErrorContext(ctx, "scheduler: delete removed flow failed", "path", p, "error", err)
		}
	}

	dirty := make(map[string]bool)
	now := e.clock.Now()
	for _, c := range candidates {
		result, err := indexer.Reindex(ctx, e.store, e.cfg.FlowsDir, c.RelPath, false, now)
		if err != nil {
			e.logger.ErrorContext(ctx, "scheduler: reindex failed", "path", c.RelPath, "error", err)
			dirty[c.RelPath] = true
			continue
		}
		if result.Status == domain.FlowIndexStatusFailed {
			dirty[c.RelPath] = true
		}
	}

	return candidates, dirty, nil
}

func (e *Engine) deleteFlowsAtPath(ctx context.Context, path string) error {
	flows, err := e.store.ListFlows(ctx, false)
	if err != nil {
		return err
	}
	for _, f := range flows {
		if f.Path != path {
			continue
		}
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := tx.DeleteFlow(ctx, f.ID); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// placeSchedules is tick step 3: every active flow with no current
// schedule (or one that's stale enough to clear) gets its next fire time
// placed. Per-flow admission refusals are logged, never fatal.
func (e *Engine) placeSchedules(ctx context.Context, dirtyPaths map[string]bool) error {
	flows, err := e.store.ListFlows(ctx, true)
	if err != nil {
		return err
	}
	for _, f := range flows {
		err := e.placeSchedule(ctx, f, false, dirtyPaths[f.Path])
		if err == nil {
			continue
		}
		var admErr *AdmissionError
		if errors.As(err, &admErr) {
			e.metrics.AdmissionRefused(admErr.Status.String())
			if admErr.Status != domain.FlowScheduleStatusNoSchedule {
				e.logger.WarnContext(ctx, "scheduler: admission refused", "flow_id", f.ID, "flow", f.Name, "status", admErr.Status)
			}
			continue
		}
		e.logger.ErrorContext(ctx, "scheduler: place schedule failed", "flow_id", f.ID, "flow", f.Name, "error", err)
	}
	return nil
}

// harvest is tick step 4: due or unfinished runs move to PENDING and are
// submitted to the worker pool, and any run that has exceeded its
// started+max_delay budget is force-timed-out (spec §5 cancellation).
func (e *Engine) harvest(ctx context.Context) error {
	now := e.clock.Now()
	runs, err := e.store.ListDueFlowRuns(ctx, now)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if run.Status == domain.FlowRunStatusRunning {
			if run.StartedAt != nil && run.MaxDelay != nil && run.StartedAt.Add(*run.MaxDelay).Before(now) {
				e.cancelRunning(run.ID)
				if err := e.timeoutRunning(ctx, run, now); err != nil {
					e.logger.ErrorContext(ctx, "scheduler: timeout running flow-run failed", "flow_run_id", run.ID, "error", err)
				}
			}
			continue
		}

		tx, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetFlowRunStatus(ctx, run, domain.FlowRunStatusPending, now); err != nil {
			tx.Rollback()
			e.logger.ErrorContext(ctx, "scheduler: advance to PENDING failed", "flow_run_id", run.ID, "error", err)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			e.logger.ErrorContext(ctx, "scheduler: commit PENDING failed", "flow_run_id", run.ID, "error", err)
			continue
		}

		e.dispatch(ctx, run)
	}
	return nil
}

func (e *Engine) timeoutRunning(ctx context.Context, run *domain.FlowRun, now time.Time) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.TimeoutFlowRun(ctx, run, domain.FlowRunStatusFailedTimeoutRun, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// dispatch acquires a worker slot and runs the flow-run's child process in
// a goroutine, then places the flow's next schedule once it returns,
// mirroring the executor's post-run reschedule contract (spec §4.3).
func (e *Engine) dispatch(ctx context.Context, run *domain.FlowRun) {
	e.metrics.RunDispatched()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[run.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, run.ID)
			e.mu.Unlock()
			<-e.sem
		}()

		status := e.executor.Execute(runCtx, e.store, ctxlog.SessionID(ctx), run.FlowID, run.ID)
		e.logger.InfoContext(ctx, "scheduler: flow run finished", "flow_run_id", run.ID, "status", status)

		f, err := e.store.GetFlowByID(ctx, run.FlowID)
		if err != nil {
			e.logger.ErrorContext(ctx, "scheduler: reschedule lookup failed", "flow_id", run.FlowID, "error", err)
			return
		}
		if err := e.placeSchedule(ctx, f, false, false); err != nil {
			var admErr *AdmissionError
			if !errors.As(err, &admErr) {
				e.logger.ErrorContext(ctx, "scheduler: post-run reschedule failed", "flow_id", f.ID, "error", err)
			}
		}
	}()
}

func (e *Engine) cancelRunning(flowRunID string) {
	e.mu.Lock()
	cancel, ok := e.running[flowRunID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// cleanupOrphanSchedules is tick step 5: delete any FlowSchedule no longer
// referenced by a non-terminal run.
func (e *Engine) cleanupOrphanSchedules(ctx context.Context) error {
	orphans, err := e.store.ListOrphanSchedules(ctx, nil)
	if err != nil {
		return err
	}
	for _, sc := range orphans {
		if err := e.clearSchedule(ctx, sc.ID); err != nil {
			e.logger.ErrorContext(ctx, "scheduler: cleanup orphan schedule failed", "schedule_id", sc.ID, "error", err)
		}
	}
	return nil
}
