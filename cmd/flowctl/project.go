package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/discover"
	"github.com/flowctl/flowctl/internal/health"
	"github.com/flowctl/flowctl/internal/indexer"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/scheduler"
	"github.com/flowctl/flowctl/internal/store"
)

func newInitCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new project in the current (or PROJECT_DIR) directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			now := time.Now()
			name := cfg.ProjectDir
			st, err := store.Init(ctx, metaDir(), name, cfg.DatabaseName, cfg.LogDatabaseName, replace, now)
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					return failUnknown(cmd, "project already initialized: %v", err)
				}
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "initialized project at %s\n", metaDir())
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "back up and replace an existing project store")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the project's metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			p, err := st.GetProject(ctx)
			if err != nil {
				return failUnknown(cmd, "get project: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "name:        %s\n", p.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "description: %s\n", p.Description)
			fmt.Fprintf(cmd.OutOrStdout(), "active:      %v\n", p.Active)
			fmt.Fprintf(cmd.OutOrStdout(), "created:     %s\n", p.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(cmd.OutOrStdout(), "modified:    %s\n", p.ModifiedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// newDiscoverCmd runs the tick's rediscover+reconcile steps (spec §4.2
// steps 1-2) once, without starting the supervisor loop, so an operator
// can see what the next `scheduler` tick would index.
func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Walk the flows directory and reindex any new or changed flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return failUnknown(cmd, "open store: %v", err)
			}
			defer st.Close()

			candidates, err := discover.Walk(flowsDir())
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no candidate flow files found")
				return nil
			}

			now := time.Now()
			for _, c := range candidates {
				result, err := indexer.Reindex(ctx, st, flowsDir(), c.RelPath, false, now)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: FAILED: %v\n", c.RelPath, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", c.RelPath, result.Status)
			}
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the supervisor loop (tick, dispatch, reschedule) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context())
		},
	}
}

func runScheduler(ctx context.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := os.MkdirAll(logDir(), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cacheDir(), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	metrics.Register()
	checker := health.NewChecker(map[string]health.Pinger{
		"operational": st.DB().OperationalPinger(),
		"log":         st.DB().LogPinger(),
	}, logger, prometheus.DefaultRegisterer)

	binary, err := os.Executable()
	if err != nil {
		binary = os.Args[0]
	}

	scanner := discover.NewScanner(flowsDir(), logger)
	defer scanner.Close()

	exec := scheduler.NewExecutor(binary, logDir(), clock.System{}, logger)
	engine := scheduler.NewEngine(st, scanner, exec, clock.System{}, logger, metrics.Recorder{}, scheduler.Config{
		ProjectDir: cfg.ProjectDir,
		FlowsDir:   flowsDir(),
		Workers:    cfg.Worker,
		Heartbeat:  cfg.HeartbeatInterval(),
	})

	httpSrv := metrics.NewServer(fmt.Sprintf(":%d", 9090))
	if mux, ok := httpSrv.Handler.(*http.ServeMux); ok {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			result := checker.Readiness(r.Context())
			if result.Status != "up" {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			fmt.Fprintf(w, "%s\n", result.Status)
		})
	}

	go func() {
		logger.Info("metrics/health server started", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics/health server", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	err = engine.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
