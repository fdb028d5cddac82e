package discover

import (
	"os"
	"path/filepath"
	"testing"
)

const flowSource = `package flows

import "github.com/flowctl/flowctl/internal/flow"

func Define() *flow.Flow {
	f := flow.New("etl")
	f.Task("extract", nil)
	return f
}
`

const plainSource = `package flows

func Helper() int {
	return 1
}
`

func TestWalk_FindsOnlyFlowFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "etl.go"), []byte(flowSource), 0o644); err != nil {
		t.Fatalf("write flow file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "helper.go"), []byte(plainSource), 0o644); err != nil {
		t.Fatalf("write helper file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "etl_test.go"), []byte(flowSource), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	subdir := filepath.Join(dir, ".git")
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(subdir, "ignored.go"), []byte(flowSource), 0o644); err != nil {
		t.Fatalf("write ignored file: %v", err)
	}

	candidates, err := Walk(dir)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %v, want 1", candidates)
	}
	if candidates[0].RelPath != "etl.go" {
		t.Errorf("RelPath = %q, want etl.go", candidates[0].RelPath)
	}
	if candidates[0].Checksum == "" {
		t.Error("expected non-empty checksum")
	}
}

func TestWalk_EmptyDirYieldsNoCandidates(t *testing.T) {
	dir := t.TempDir()
	candidates, err := Walk(dir)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("candidates = %v, want none", candidates)
	}
}

func TestScanner_SecondScanWithoutWatcherAlwaysWalks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "etl.go"), []byte(flowSource), 0o644); err != nil {
		t.Fatalf("write flow file: %v", err)
	}

	s := &Scanner{root: dir}
	first, err := s.Scan()
	if err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first scan candidates = %v, want 1", first)
	}

	if err := os.Remove(filepath.Join(dir, "etl.go")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	second, err := s.Scan()
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second scan candidates = %v, want 0 after file removal", second)
	}
}
