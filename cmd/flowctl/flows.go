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
	"github.com/flowctl/flowctl/internal/scheduler"
)

// newFlowsCmd is the project-wide surface (spec §6): bulk variants of the
// per-flow commands in flow.go, operating over every indexed flow rather
// than one named on the command line.
func newFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Operate on every flow in the project",
	}
	cmd.AddCommand(
		newFlowsListCmd(),
		newFlowsLogCmd(),
		newFlowsRunCmd(),
		newFlowsScheduleCmd(),
		newFlowsStatusCmd(),
	)
	return cmd
}

func newFlowsListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every indexed flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			flows, err := st.ListFlows(ctx, activeOnly)
			if err != nil {
				return failUnknown(cmd, "list flows: %v", err)
			}
			for _, f := range flows {
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-40s active=%v %v\n", f.Name, f.Path, f.Active, f.CronExprs)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only list active flows")
	return cmd
}

func newFlowsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print every flow's most recent run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			flows, err := st.ListFlows(ctx, false)
			if err != nil {
				return failUnknown(cmd, "list flows: %v", err)
			}
			for _, f := range flows {
				runs, err := st.ListFlowRunsByFlowID(ctx, f.ID)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", f.Name, err)
					continue
				}
				if len(runs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%-30s (no runs)\n", f.Name)
					continue
				}
				r := runs[0]
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-20s created=%s\n", f.Name, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newFlowsScheduleCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Place a schedule for every active flow that doesn't already have one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			flows, err := st.ListFlows(ctx, true)
			if err != nil {
				return failUnknown(cmd, "list flows: %v", err)
			}
			eng := newCLIEngine(st)
			for _, f := range flows {
				err := eng.PlaceSchedule(ctx, f, force)
				var admErr *scheduler.AdmissionError
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", f.Name, domain.FlowScheduleStatusScheduled)
				case errors.As(err, &admErr):
					fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", f.Name, admErr.Status)
				default:
					fmt.Fprintf(cmd.ErrOrStderr(), "%-30s FAILED: %v\n", f.Name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing non-terminal schedule")
	return cmd
}

func newFlowsRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every active flow once, ad hoc, outside its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			flows, err := st.ListFlows(ctx, true)
			if err != nil {
				return failUnknown(cmd, "list flows: %v", err)
			}

			binary, err := os.Executable()
			if err != nil {
				binary = os.Args[0]
			}
			exec := scheduler.NewExecutor(binary, logDir(), clock.System{}, logger)

			for _, f := range flows {
				if !force {
					if err := checkDirty(f); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%-30s SKIPPED: %v\n", f.Name, err)
						continue
					}
				}
				if err := checkEmptyTaskSet(f); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-30s SKIPPED: %v\n", f.Name, err)
					continue
				}
				now := time.Now()
				run := &domain.FlowRun{
					ID: clock.NewID(), FlowID: f.ID, MaxDelay: f.MaxDelay, IsManual: true,
					Status: domain.FlowRunStatusPending, CreatedAt: now, ModifiedAt: now,
				}
				tx, err := st.Begin(ctx)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-30s FAILED: %v\n", f.Name, err)
					continue
				}
				if err := tx.CreateFlowRun(ctx, run); err != nil {
					tx.Rollback()
					fmt.Fprintf(cmd.ErrOrStderr(), "%-30s FAILED: %v\n", f.Name, err)
					continue
				}
				if err := tx.Commit(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-30s FAILED: %v\n", f.Name, err)
					continue
				}

				status := exec.Execute(ctx, st, "", f.ID, run.ID)
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", f.Name, status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even flows whose checksum is stale")
	return cmd
}

func newFlowsLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Print the path of every flow's most recent run log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			flows, err := st.ListFlows(ctx, false)
			if err != nil {
				return failUnknown(cmd, "list flows: %v", err)
			}
			for _, f := range flows {
				runs, err := st.ListFlowRunsByFlowID(ctx, f.ID)
				if err != nil || len(runs) == 0 {
					continue
				}
				path := filepath.Join(logDir(), "flow_runs", f.ID, runs[0].ID+".log")
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", f.Name, path)
			}
			return nil
		},
	}
}
