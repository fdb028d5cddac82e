package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker != 1 {
		t.Errorf("Worker = %d, want 1", cfg.Worker)
	}
	if cfg.Heartbeat != 30 {
		t.Errorf("Heartbeat = %d, want 30", cfg.Heartbeat)
	}
	if cfg.DatabaseName != "operational.db" || cfg.LogDatabaseName != "log.db" {
		t.Errorf("unexpected database names: %q / %q", cfg.DatabaseName, cfg.LogDatabaseName)
	}
	if got, want := cfg.HeartbeatInterval(), 30*time.Second; got != want {
		t.Errorf("HeartbeatInterval() = %v, want %v", got, want)
	}
}

func TestLoad_RejectsZeroWorker(t *testing.T) {
	t.Setenv("WORKER", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for WORKER=0")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		debug, quiet bool
		want         string
	}{
		{false, false, "INFO"},
		{true, false, "DEBUG"},
		{false, true, "ERROR"},
	}
	for _, tc := range cases {
		c := &Config{LogDebug: tc.debug, LogQuiet: tc.quiet}
		if got := c.SlogLevel().String(); got != tc.want {
			t.Errorf("LogDebug=%v LogQuiet=%v: SlogLevel() = %s, want %s", tc.debug, tc.quiet, got, tc.want)
		}
	}
}
