// Command flowctl is the project-level CLI and supervisor binary (spec
// §6): `init`, `info`, `discover`, `scheduler`, `flows {list,log,run,
// schedule,status}` at the project level, plus the per-flow `flow
// {info,index,run,schedule,status,log}` surface a flow script exposes in
// the original. Because Go links a flow's task bodies into the binary
// that runs them (internal/flow/registry.go), flowctl is that one binary,
// re-invoked as its own child process by the executor (spec §4.3) and by
// itself for ad hoc `flow` commands, rather than one script per flow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/flowctl/flowctl/config"
	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/ctxlog"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/flow"
	"github.com/flowctl/flowctl/internal/indexer"
	"github.com/flowctl/flowctl/internal/store"
)

// metadataDirName is the concrete "<metadata-dir>" spec.md §6 leaves as a
// placeholder; SPEC_FULL.md §8 fixes it to ".flowctl".
const metadataDirName = ".flowctl"

var (
	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(int(domain.FlowRunStatusUnknown))
	}
	if cfg.ProjectDir == "" {
		if cfg.ProjectDir, err = os.Getwd(); err != nil {
			fmt.Fprintln(os.Stderr, "getwd:", err)
			os.Exit(int(domain.FlowRunStatusUnknown))
		}
	}
	logger = newLogger(cfg)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(int(domain.FlowRunStatusUnknown))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Cron-driven DAG workflow scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newInitCmd(),
		newInfoCmd(),
		newDiscoverCmd(),
		newSchedulerCmd(),
		newFlowsCmd(),
		newFlowCmd(),
	)
	return root
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	var inner slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		inner = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewHandler(inner))
}

// flowsDir is the directory internal/discover walks (spec §6 FLOWS_DIRNAME,
// default the project root).
func flowsDir() string {
	if cfg.FlowsDirname == "" {
		return cfg.ProjectDir
	}
	return filepath.Join(cfg.ProjectDir, cfg.FlowsDirname)
}

func metaDir() string      { return filepath.Join(cfg.ProjectDir, metadataDirName) }
func logDir() string       { return filepath.Join(metaDir(), "log") }
func cacheDir() string     { return filepath.Join(metaDir(), "__cache__") }
func localLogDir() string  { return filepath.Join(logDir(), "local") }

// openStore opens the project's two-database handle under .flowctl. Every
// command that touches the Store calls this and defers Close.
func openStore(ctx context.Context) (*store.Store, error) {
	db, err := store.OpenProject(ctx, metaDir(), cfg.DatabaseName, cfg.LogDatabaseName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return store.New(db, clock.System{}), nil
}

// resolveFlow finds a flow by the identifier a command line gave: first as
// an exact name match (spec.md §3: name is unique within the project),
// falling back to a path match so `--flow <relative/path.go>` also works.
func resolveFlow(ctx context.Context, st *store.Store, ident string) (*domain.Flow, error) {
	f, err := st.GetFlowByName(ctx, ident)
	if err == nil {
		return f, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return st.GetFlowByPath(ctx, ident)
}

// checkDirty recomputes f's checksum against its indexed value,
// surfacing spec.md §7's ErrChecksumMismatch the way `run`/`schedule`
// refuse a flow that hasn't been reindexed since it was last edited
// (spec.md §8 scenario 6).
func checkDirty(f *domain.Flow) error {
	abs := filepath.Join(flowsDir(), f.Path)
	sum, err := indexer.Checksum(abs)
	if err != nil {
		return err
	}
	if f.Dirty(sum) {
		return domain.ErrChecksumMismatch
	}
	return nil
}

// checkEmptyTaskSet refuses to run f if it has no tasks (spec.md §8: "Flow
// with empty task set cannot be run (refused; exit UNKNOWN)"), checked
// against the compiled-in Flow rather than the indexed row since task
// count isn't itself a store column.
func checkEmptyTaskSet(f *domain.Flow) error {
	registered, ok := flow.Lookup(f.Path)
	if !ok || len(registered.TaskNames()) == 0 {
		return domain.ErrEmptyTaskSet
	}
	return nil
}

func failUnknown(cmd *cobra.Command, format string, args ...any) error {
	fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	os.Exit(int(domain.FlowRunStatusUnknown))
	return nil
}
