package flow

import (
	"context"
	"testing"
)

func noopTask() Task {
	return TaskFunc(func(ctx context.Context, rc RunContext) (Output, error) {
		return ObjectOutput{}, nil
	})
}

func TestTopoOrder_RespectsEdgesAndBreaksTiesByName(t *testing.T) {
	f := New("pipeline")
	c := f.Task("c", noopTask())
	b := f.Task("b", noopTask())
	a := f.Task("a", noopTask())
	d := f.Task("d", noopTask())

	// a and b both feed d; c is independent. Ready set at step 1 is {a,b,c}
	// (tie-break picks a), then {b,c} (picks b), then {c,d} (picks c), then {d}.
	d.Requires(a, b)
	_ = c

	order, err := f.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder: %v", err)
	}

	names := make([]string, len(order))
	for i, idx := range order {
		names[i] = f.nodes[idx].name
	}

	want := []string{"a", "b", "c", "d"}
	if len(names) != len(want) {
		t.Fatalf("order = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full: %v)", i, names[i], want[i], names)
		}
	}
}

func TestTopoOrder_DetectsCycle(t *testing.T) {
	f := New("cyclic")
	a := f.Task("a", noopTask())
	b := f.Task("b", noopTask())
	b.Requires(a)
	a.Requires(b)

	if _, err := f.TopoOrder(); err != ErrCyclicGraph {
		t.Fatalf("err = %v, want ErrCyclicGraph", err)
	}
}

func TestDescendants_TransitiveClosure(t *testing.T) {
	f := New("pipeline")
	a := f.Task("a", noopTask())
	b := f.Task("b", noopTask())
	c := f.Task("c", noopTask())
	b.Requires(a)
	c.Requires(b)

	idxA := f.indexByName["a"]
	descendants := f.Descendants(idxA)

	names := map[string]bool{}
	for _, idx := range descendants {
		names[f.nodes[idx].name] = true
	}
	if !names["b"] || !names["c"] || len(names) != 2 {
		t.Errorf("descendants of a = %v, want {b, c}", names)
	}
}

func TestTask_DuplicateNamePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate task name")
		}
	}()
	f := New("dup")
	f.Task("x", noopTask())
	f.Task("x", noopTask())
}
