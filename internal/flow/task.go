package flow

import (
	"context"
	"errors"
)

// ErrCyclicGraph is returned by TopoOrder when the registered edges form a
// cycle.
var ErrCyclicGraph = errors.New("flow: task graph has a cycle")

// ErrSkip is returned by a Task's Run method to signal deliberate skip
// semantics (spec §4.4): the task-run is reported CANCELED rather than
// FAILED, and its descendants cascade to CANCELED rather than
// FAILED_UPSTREAM.
var ErrSkip = errors.New("flow: task skipped")

// Task is the opaque callable a flow author implements for one DAG node.
// Run receives the node's own config and a view onto its upstream
// task-runs' outputs, and returns the value available to its own
// downstream tasks as Output.
type Task interface {
	Run(ctx context.Context, rc RunContext) (Output, error)
}

// TaskFunc adapts a plain function to Task, the way the teacher's
// repositories are occasionally stood up from a function value in tests.
type TaskFunc func(ctx context.Context, rc RunContext) (Output, error)

func (f TaskFunc) Run(ctx context.Context, rc RunContext) (Output, error) { return f(ctx, rc) }

// RunContext is passed to every task invocation.
type RunContext interface {
	// Config returns the task's own declared attrs.
	Config() map[string]any
	// Upstream returns the output of the named upstream task-run. ok is
	// false if name is not a direct upstream of the running task.
	Upstream(name string) (Output, bool)
}

// Output is the value a task hands its downstream tasks. The two concrete
// shapes mirror the original's FileTaskOutput/ObjectTaskOutput split:
// either a path to something written to disk, or an in-memory value
// shared directly (only meaningful within one child process's memory, so
// cross-process flows should prefer FileOutput).
type Output interface {
	isFlowOutput()
}

// ObjectOutput carries an arbitrary in-memory value.
type ObjectOutput struct {
	Value any
}

func (ObjectOutput) isFlowOutput() {}

// FileOutput carries a path to a file the task wrote its result to.
type FileOutput struct {
	Path string
}

func (FileOutput) isFlowOutput() {}

type runContext struct {
	config   map[string]any
	upstream map[string]Output
}

func (c *runContext) Config() map[string]any { return c.config }

func (c *runContext) Upstream(name string) (Output, bool) {
	out, ok := c.upstream[name]
	return out, ok
}
