package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleFlow = `package flows

import (
	"context"
	"time"

	"github.com/flowctl/flowctl/internal/flow"
)

func Define() *flow.Flow {
	f := flow.New("etl",
		flow.WithDescription("nightly ETL"),
		flow.WithCron("0 2 * * *"),
		flow.WithMaxDelay(10*time.Minute),
	)

	extract := f.Task("extract", nil, flow.WithRetry(2, 5*time.Second))
	transform := f.Task("transform", nil)
	transform.Requires(extract)

	_ = context.Background
	return f
}
`

const notAFlow = `package flows

func Define() int {
	return 42
}
`

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.go")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestIsCandidate_True(t *testing.T) {
	path := writeTempFile(t, sampleFlow)
	ok, err := IsCandidate(path)
	if err != nil {
		t.Fatalf("IsCandidate: %v", err)
	}
	if !ok {
		t.Error("expected sampleFlow to be a candidate")
	}
}

func TestIsCandidate_False(t *testing.T) {
	path := writeTempFile(t, notAFlow)
	ok, err := IsCandidate(path)
	if err != nil {
		t.Fatalf("IsCandidate: %v", err)
	}
	if ok {
		t.Error("expected notAFlow to not be a candidate")
	}
}

func TestParse_ExtractsFlowNameAndOptions(t *testing.T) {
	path := writeTempFile(t, sampleFlow)
	def, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if def.Name != "etl" {
		t.Errorf("Name = %q, want etl", def.Name)
	}
	if def.Description != "nightly ETL" {
		t.Errorf("Description = %q", def.Description)
	}
	if len(def.CronExprs) != 1 || def.CronExprs[0] != "0 2 * * *" {
		t.Errorf("CronExprs = %v", def.CronExprs)
	}
	if def.MaxDelay == nil || *def.MaxDelay != 10*time.Minute {
		t.Errorf("MaxDelay = %v, want 10m", def.MaxDelay)
	}
}

func TestParse_ExtractsTasksAndEdges(t *testing.T) {
	path := writeTempFile(t, sampleFlow)
	def, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(def.Tasks) != 2 {
		t.Fatalf("Tasks = %v, want 2", def.Tasks)
	}
	byName := map[string]TaskDef{}
	for _, td := range def.Tasks {
		byName[td.Name] = td
	}
	extract, ok := byName["extract"]
	if !ok {
		t.Fatal("missing extract task")
	}
	if extract.RetryMax != 2 || extract.RetryDelay != 5*time.Second {
		t.Errorf("extract = %+v", extract)
	}
	if _, ok := byName["transform"]; !ok {
		t.Fatal("missing transform task")
	}

	if len(def.Edges) != 1 || def.Edges[0].From != "extract" || def.Edges[0].To != "transform" {
		t.Errorf("Edges = %v, want [extract->transform]", def.Edges)
	}
}
