// Package flow defines the DSL flow authors use to declare a DAG of tasks,
// and the runtime that executes one flow-run's DAG to completion. The
// arena-and-index representation (tasks as integers into a per-flow slice,
// edges as index pairs) mirrors the deterministic graph layout used for
// task-runner DAG execution, generalized here to retries and upstream-
// failure cascading rather than cache-aware build execution.
package flow

import (
	"fmt"
	"sort"
	"time"
)

// node is one arena slot: a task plus its adjacency, referenced everywhere
// else in the package by its index into Flow.nodes.
type node struct {
	name       string
	task       Task
	retryMax   int
	retryDelay time.Duration
	config     map[string]any
	upstream   []int
	downstream []int
}

// Flow is a builder for one DAG plus its schedule metadata. Flow authors
// construct one via New, register tasks with Task, and wire edges with
// Requires; the zero value is not usable.
type Flow struct {
	Name        string
	Description string
	CronExprs   []string
	StartAt     *time.Time
	EndAt       *time.Time
	MaxDelay    *time.Duration
	Active      bool

	nodes       []*node
	indexByName map[string]int
}

// Option configures a Flow at construction time.
type Option func(*Flow)

func WithDescription(d string) Option { return func(f *Flow) { f.Description = d } }
func WithCron(exprs ...string) Option { return func(f *Flow) { f.CronExprs = exprs } }
func WithWindow(start, end *time.Time) Option {
	return func(f *Flow) { f.StartAt = start; f.EndAt = end }
}
func WithMaxDelay(d time.Duration) Option { return func(f *Flow) { f.MaxDelay = &d } }
func WithActive(active bool) Option       { return func(f *Flow) { f.Active = active } }

// New declares a flow. The constructed Flow is what the indexer's AST leaf
// rule looks for: a file that both imports this package and calls New.
func New(name string, opts ...Option) *Flow {
	f := &Flow{
		Name:        name,
		Active:      true,
		indexByName: make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// TaskOption configures a single task registration.
type TaskOption func(*node)

func WithRetry(max int, delay time.Duration) TaskOption {
	return func(n *node) { n.retryMax = max; n.retryDelay = delay }
}
func WithConfig(cfg map[string]any) TaskOption {
	return func(n *node) { n.config = cfg }
}

// TaskHandle is the reference Requires wires edges against; it carries the
// node's index into the owning Flow's arena rather than a pointer so the
// arena can be a plain slice.
type TaskHandle struct {
	flow *Flow
	idx  int
}

// Task registers a task under name. It panics on a duplicate name within
// the same flow — a DAG authoring error the indexer should never let
// reach a running flow, matching the original's ValueError-on-register
// behavior translated to Go's "impossible at runtime" idiom for programmer
// errors in declarative construction code.
func (f *Flow) Task(name string, t Task, opts ...TaskOption) *TaskHandle {
	if _, exists := f.indexByName[name]; exists {
		panic(fmt.Sprintf("flow %q: task %q already registered", f.Name, name))
	}
	n := &node{name: name, task: t}
	for _, opt := range opts {
		opt(n)
	}
	idx := len(f.nodes)
	f.nodes = append(f.nodes, n)
	f.indexByName[name] = idx
	return &TaskHandle{flow: f, idx: idx}
}

// Requires wires h as a downstream of each of ups, so h only becomes
// eligible to run once every one of ups has reached a terminal state.
func (h *TaskHandle) Requires(ups ...*TaskHandle) *TaskHandle {
	for _, up := range ups {
		if up.flow != h.flow {
			panic("flow: Requires across two different flows")
		}
		h.flow.nodes[up.idx].downstream = append(h.flow.nodes[up.idx].downstream, h.idx)
		h.flow.nodes[h.idx].upstream = append(h.flow.nodes[h.idx].upstream, up.idx)
	}
	return h
}

func (h *TaskHandle) Name() string { return h.flow.nodes[h.idx].name }

// TaskNames returns every registered task name, in arena order.
func (f *Flow) TaskNames() []string {
	names := make([]string, len(f.nodes))
	for i, n := range f.nodes {
		names[i] = n.name
	}
	return names
}

// TopoOrder returns the arena indices of every task in a topological order
// with a deterministic tie-break by task name (spec §4.4 step 1): Kahn's
// algorithm, popping the lexicographically smallest name among the ready
// set at each step instead of an arbitrary one.
func (f *Flow) TopoOrder() ([]int, error) {
	indegree := make([]int, len(f.nodes))
	for _, n := range f.nodes {
		for _, d := range n.downstream {
			indegree[d]++
		}
	}

	var ready []int
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, len(f.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return f.nodes[ready[a]].name < f.nodes[ready[b]].name })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, d := range f.nodes[next].downstream {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(f.nodes) {
		return nil, ErrCyclicGraph
	}
	return order, nil
}

// Descendants returns every index transitively reachable downstream of
// idx, excluding idx itself.
func (f *Flow) Descendants(idx int) []int {
	var out []int
	visited := map[int]bool{idx: true}
	var walk func(int)
	walk = func(i int) {
		for _, d := range f.nodes[i].downstream {
			if visited[d] {
				continue
			}
			visited[d] = true
			out = append(out, d)
			walk(d)
		}
	}
	walk(idx)
	return out
}
