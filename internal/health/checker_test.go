package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/flowctl/flowctl/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(deps map[string]health.Pinger) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(deps, logger, reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(map[string]health.Pinger{"operational": &mockPinger{err: errors.New("db down")}})

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_AllUp(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{
		"operational": &mockPinger{},
		"log":         &mockPinger{},
	})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	for _, name := range []string{"operational", "log"} {
		check, ok := result.Checks[name]
		if !ok {
			t.Fatalf("missing %s check", name)
		}
		if check.Status != "up" {
			t.Fatalf("expected %s up, got %s", name, check.Status)
		}
		if got := testGauge(t, reg, "flowctl_health_check_up", name); got != 1 {
			t.Fatalf("expected gauge 1 for %s, got %f", name, got)
		}
	}
}

func TestReadiness_OneDownMarksOverallDown(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{
		"operational": &mockPinger{},
		"log":         &mockPinger{err: errors.New("connection refused")},
	})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	if result.Checks["operational"].Status != "up" {
		t.Fatalf("expected operational still up, got %s", result.Checks["operational"].Status)
	}
	logCheck := result.Checks["log"]
	if logCheck.Status != "down" || logCheck.Error == "" {
		t.Fatalf("expected log down with an error message, got %+v", logCheck)
	}

	if got := testGauge(t, reg, "flowctl_health_check_up", "log"); got != 0 {
		t.Fatalf("expected gauge 0 for log, got %f", got)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
