package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

// Executor launches a flow-run as a child process and maps its outcome to
// a terminal FlowRunStatus (spec §4.3). Grounded on the teacher's
// Executor.Run (an HTTP round trip), generalized to the self-exec pattern:
// the same compiled binary, re-invoked with a different subcommand, gives
// a statically linked Go program per-run process isolation without a
// scripting runtime.
type Executor struct {
	binary string
	logDir string
	clock  clock.Clock
	logger *slog.Logger
}

func NewExecutor(binary, logDir string, c clock.Clock, logger *slog.Logger) *Executor {
	if c == nil {
		c = clock.System{}
	}
	return &Executor{binary: binary, logDir: logDir, clock: c, logger: logger.With("component", "executor")}
}

// Execute runs flowID/flowRunID's child to completion and returns the
// run's terminal status. The child is trusted to advance the flow-run
// itself; if it exits abnormally while the store still shows a
// non-terminal status, the executor forces FAILED (spec §4.3).
func (e *Executor) Execute(ctx context.Context, st *store.Store, sessionID, flowID, flowRunID string) domain.FlowRunStatus {
	logPath := filepath.Join(e.logDir, "flow_runs", flowID, flowRunID+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		e.logger.ErrorContext(ctx, "executor: create log dir failed", "flow_run_id", flowRunID, "error", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		e.logger.ErrorContext(ctx, "executor: open run log failed", "flow_run_id", flowRunID, "error", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	cmd := exec.CommandContext(ctx, e.binary, "flow", "run",
		"--run-id", flowRunID, "--scheduler-session-id", sessionID)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	start := e.clock.Now()
	e.logger.InfoContext(ctx, "executor: launching flow run", "flow_run_id", flowRunID, "binary", e.binary)
	runErr := cmd.Run()
	duration := e.clock.Now().Sub(start)

	run, getErr := st.GetFlowRunByID(context.Background(), flowRunID)
	if getErr != nil {
		e.logger.ErrorContext(ctx, "executor: lookup flow run after exit failed", "flow_run_id", flowRunID, "error", getErr)
		return domain.FlowRunStatusFailed
	}

	if run.Status.IsTerminal() {
		e.logger.InfoContext(ctx, "executor: flow run child exited", "flow_run_id", flowRunID, "status", run.Status, "duration", duration)
		return run.Status
	}

	// The child died (or was killed by a run timeout) without reaching a
	// terminal status itself; the executor is the backstop (spec §4.3).
	childErr := &ErrChildProcessFailed{FlowRunID: flowRunID, Err: runErr}
	if runErr == nil {
		childErr.Err = errors.New("child exited without advancing flow run to a terminal status")
	}
	e.logger.ErrorContext(ctx, "executor: forcing FAILED", "flow_run_id", flowRunID, "error", childErr)

	tx, err := st.Begin(context.Background())
	if err != nil {
		e.logger.ErrorContext(ctx, "executor: begin tx to force FAILED failed", "flow_run_id", flowRunID, "error", err)
		return domain.FlowRunStatusFailed
	}
	if err := tx.SetFlowRunStatus(context.Background(), run, domain.FlowRunStatusFailed, e.clock.Now()); err != nil {
		tx.Rollback()
		e.logger.ErrorContext(ctx, "executor: force FAILED transition rejected", "flow_run_id", flowRunID, "error", err)
		return run.Status
	}
	if err := tx.Commit(context.Background()); err != nil {
		e.logger.ErrorContext(ctx, "executor: commit force FAILED failed", "flow_run_id", flowRunID, "error", err)
	}
	return domain.FlowRunStatusFailed
}
