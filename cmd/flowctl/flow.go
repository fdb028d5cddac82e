package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/flow"
	"github.com/flowctl/flowctl/internal/indexer"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/scheduler"
	"github.com/flowctl/flowctl/internal/store"
)

// newFlowCmd is the per-flow surface (spec §6): the commands a flow script
// exposed directly in the original, here addressed by name or path against
// the one flowctl binary every flow's task bodies are linked into.
func newFlowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Operate on a single flow",
	}
	cmd.AddCommand(
		newFlowInfoCmd(),
		newFlowIndexCmd(),
		newFlowRunCmd(),
		newFlowScheduleCmd(),
		newFlowStatusCmd(),
		newFlowLogCmd(),
	)
	return cmd
}

func newFlowInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <flow>",
		Short: "Print one flow's indexed definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			f, err := resolveFlow(ctx, st, args[0])
			if err != nil {
				return failUnknown(cmd, "resolve flow %q: %v", args[0], err)
			}
			tasks, err := st.ListTasksByFlowID(ctx, f.ID)
			if err != nil {
				return failUnknown(cmd, "list tasks: %v", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:        %s\n", f.Name)
			fmt.Fprintf(out, "path:        %s\n", f.Path)
			fmt.Fprintf(out, "description: %s\n", f.Description)
			fmt.Fprintf(out, "cron exprs:  %v\n", f.CronExprs)
			fmt.Fprintf(out, "active:      %v\n", f.Active)
			fmt.Fprintf(out, "checksum:    %s\n", f.Checksum)
			fmt.Fprintf(out, "tasks:\n")
			for _, t := range tasks {
				fmt.Fprintf(out, "  - %s (retry_max=%d retry_delay=%s)\n", t.Name, t.RetryMax, t.RetryDelay)
			}
			return nil
		},
	}
}

func newFlowIndexCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Parse and (re)index a flow file relative to the flows directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			result, err := indexer.Reindex(ctx, st, flowsDir(), args[0], force, time.Now())
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.Status)
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			os.Exit(int(result.Status))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reindex even if the checksum is unchanged")
	return cmd
}

func newFlowRunCmd() *cobra.Command {
	var runID, sessionID, ident string
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a flow-run's DAG (internal entry point, or ad hoc with --flow)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			if runID != "" {
				return runFlowRunByID(cmd, st, runID)
			}
			if ident == "" {
				return failUnknown(cmd, "flow run: either --run-id or --flow is required")
			}
			return runFlowAdHoc(cmd, st, ident, force)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "flow-run id to execute (the executor's internal invocation)")
	cmd.Flags().StringVar(&sessionID, "scheduler-session-id", "", "scheduler session id this run belongs to")
	cmd.Flags().StringVar(&ident, "flow", "", "flow name or path to run ad hoc, outside the schedule")
	cmd.Flags().BoolVar(&force, "force", false, "run even if the flow's checksum is stale")
	return cmd
}

// runFlowRunByID is what the executor's self-exec child actually runs: load
// the already-created FlowRun, find its compiled-in Flow, and execute the
// DAG (spec §4.4), exiting with the contract's FlowRunStatus code.
func runFlowRunByID(cmd *cobra.Command, st *store.Store, runID string) error {
	ctx := cmd.Context()
	run, err := st.GetFlowRunByID(ctx, runID)
	if err != nil {
		return failUnknown(cmd, "get flow run %s: %v", runID, err)
	}
	f, err := st.GetFlowByID(ctx, run.FlowID)
	if err != nil {
		return failUnknown(cmd, "get flow %s: %v", run.FlowID, err)
	}
	registered, ok := flow.Lookup(f.Path)
	if !ok {
		return failUnknown(cmd, "flow run: no flow compiled in at path %q", f.Path)
	}

	runner := flow.NewRunner(st, registered, clock.System{}, logger)
	status, err := runner.Execute(ctx, f.ID, runID)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
	}
	os.Exit(status.ExitCode())
	return nil
}

// runFlowAdHoc creates a manual, unscheduled FlowRun and launches it through
// the same self-exec Executor the supervisor uses, so an operator-triggered
// run gets identical process isolation and log capture (spec §4.3).
func runFlowAdHoc(cmd *cobra.Command, st *store.Store, ident string, force bool) error {
	ctx := cmd.Context()
	f, err := resolveFlow(ctx, st, ident)
	if err != nil {
		return failUnknown(cmd, "resolve flow %q: %v", ident, err)
	}
	if !force {
		if err := checkDirty(f); err != nil {
			return failUnknown(cmd, "flow %s: %v", f.Name, err)
		}
	}
	if err := checkEmptyTaskSet(f); err != nil {
		return failUnknown(cmd, "flow %s: %v", f.Name, err)
	}

	now := time.Now()
	run := &domain.FlowRun{
		ID: clock.NewID(), FlowID: f.ID, MaxDelay: f.MaxDelay, IsManual: true,
		Status: domain.FlowRunStatusPending, CreatedAt: now, ModifiedAt: now,
	}
	tx, err := st.Begin(ctx)
	if err != nil {
		return failUnknown(cmd, "begin: %v", err)
	}
	if err := tx.CreateFlowRun(ctx, run); err != nil {
		tx.Rollback()
		return failUnknown(cmd, "create flow run: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return failUnknown(cmd, "commit: %v", err)
	}

	binary, err := os.Executable()
	if err != nil {
		binary = os.Args[0]
	}
	exec := scheduler.NewExecutor(binary, logDir(), clock.System{}, logger)
	status := exec.Execute(ctx, st, "", f.ID, run.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "flow run %s: %s\n", run.ID, status)
	os.Exit(status.ExitCode())
	return nil
}

func newFlowScheduleCmd() *cobra.Command {
	var datetime string
	var now, force bool
	cmd := &cobra.Command{
		Use:   "schedule <flow>",
		Short: "Place a schedule for a flow, at its next cron fire time or a chosen one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			f, err := resolveFlow(ctx, st, args[0])
			if err != nil {
				return failUnknown(cmd, "resolve flow %q: %v", args[0], err)
			}
			if err := checkDirty(f); err != nil {
				return failUnknown(cmd, "flow %s: %v", f.Name, err)
			}

			eng := newCLIEngine(st)
			switch {
			case now:
				err = eng.PlaceManualSchedule(ctx, f, time.Now(), force)
			case datetime != "":
				at, parseErr := time.Parse(time.RFC3339, datetime)
				if parseErr != nil {
					return failUnknown(cmd, "parse --datetime: %v", parseErr)
				}
				err = eng.PlaceManualSchedule(ctx, f, at, force)
			default:
				err = eng.PlaceSchedule(ctx, f, force)
			}

			var admErr *scheduler.AdmissionError
			if errors.As(err, &admErr) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", admErr.Status)
				os.Exit(int(admErr.Status))
			}
			if err != nil {
				return failUnknown(cmd, "place schedule: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", domain.FlowScheduleStatusScheduled)
			return nil
		},
	}
	cmd.Flags().StringVar(&datetime, "datetime", "", "RFC3339 timestamp to schedule the run at, instead of the next cron fire")
	cmd.Flags().BoolVar(&now, "now", false, "schedule the run to fire immediately")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing non-terminal schedule")
	return cmd
}

func newFlowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <flow>",
		Short: "List a flow's runs, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			f, err := resolveFlow(ctx, st, args[0])
			if err != nil {
				return failUnknown(cmd, "resolve flow %q: %v", args[0], err)
			}
			runs, err := st.ListFlowRunsByFlowID(ctx, f.ID)
			if err != nil {
				return failUnknown(cmd, "list flow runs: %v", err)
			}
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s  created=%s\n", r.ID, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newFlowLogCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "log <flow>",
		Short: "Print a flow-run's captured stdout/stderr (defaults to the latest run)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			f, err := resolveFlow(ctx, st, args[0])
			if err != nil {
				return failUnknown(cmd, "resolve flow %q: %v", args[0], err)
			}

			id := runID
			if id == "" {
				runs, err := st.ListFlowRunsByFlowID(ctx, f.ID)
				if err != nil {
					return failUnknown(cmd, "list flow runs: %v", err)
				}
				if len(runs) == 0 {
					return failUnknown(cmd, "flow %s has no runs yet", f.Name)
				}
				id = runs[0].ID
			}

			path := filepath.Join(logDir(), "flow_runs", f.ID, id+".log")
			b, err := os.ReadFile(path)
			if err != nil {
				return failUnknown(cmd, "read log %s: %v", path, err)
			}
			cmd.OutOrStdout().Write(b)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "flow-run id to show (defaults to the most recent)")
	return cmd
}

// newCLIEngine builds a scheduler.Engine with no scanner or executor, for
// commands that only need the admission-rule methods (PlaceSchedule,
// PlaceManualSchedule) and never call Start/Tick/dispatch.
func newCLIEngine(st *store.Store) *scheduler.Engine {
	return scheduler.NewEngine(st, nil, nil, clock.System{}, logger, metrics.Recorder{}, scheduler.Config{
		ProjectDir: cfg.ProjectDir,
		FlowsDir:   flowsDir(),
		Workers:    cfg.Worker,
		Heartbeat:  cfg.HeartbeatInterval(),
	})
}
