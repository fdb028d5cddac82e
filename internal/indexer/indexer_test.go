package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestReindex_CreatesFlowAndTasks(t *testing.T) {
	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, "flow.go"), []byte(sampleFlow), 0o644); err != nil {
		t.Fatalf("write flow file: %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st, err := store.Init(context.Background(), filepath.Join(projectDir, ".flowctl"), "demo", "", "", false, now)
	if err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	defer st.Close()

	result, err := Reindex(context.Background(), st, projectDir, "flow.go", false, now)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if result.Status != domain.FlowIndexStatusUpdated {
		t.Errorf("status = %v, want UPDATED", result.Status)
	}

	fl, err := st.GetFlowByID(context.Background(), result.FlowID)
	if err != nil {
		t.Fatalf("GetFlowByID: %v", err)
	}
	if fl.Name != "etl" || fl.Checksum == "" {
		t.Errorf("flow = %+v", fl)
	}

	tasks, err := st.ListTasksByFlowID(context.Background(), result.FlowID)
	if err != nil {
		t.Fatalf("ListTasksByFlowID: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %v, want 2", tasks)
	}

	edges, err := st.ListTaskEdgesByFlowID(context.Background(), result.FlowID)
	if err != nil {
		t.Fatalf("ListTaskEdgesByFlowID: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges = %v, want 1", edges)
	}
}

func TestReindex_UnchangedWhenChecksumMatches(t *testing.T) {
	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, "flow.go"), []byte(sampleFlow), 0o644); err != nil {
		t.Fatalf("write flow file: %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st, err := store.Init(context.Background(), filepath.Join(projectDir, ".flowctl"), "demo", "", "", false, now)
	if err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	defer st.Close()

	if _, err := Reindex(context.Background(), st, projectDir, "flow.go", false, now); err != nil {
		t.Fatalf("first Reindex: %v", err)
	}

	result, err := Reindex(context.Background(), st, projectDir, "flow.go", false, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Reindex: %v", err)
	}
	if result.Status != domain.FlowIndexStatusUnchanged {
		t.Errorf("status = %v, want UNCHANGED", result.Status)
	}
}

func TestChecksum_ChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.go")
	os.WriteFile(path, []byte(sampleFlow), 0o644)

	sum1, err := Checksum(path)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}

	os.WriteFile(path, []byte(sampleFlow+"\n// changed"), 0o644)
	sum2, err := Checksum(path)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}

	if sum1 == sum2 {
		t.Error("expected checksum to change with content")
	}
}
