package cron

import (
	"testing"
	"time"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

func TestNextAfter_SingleExpr(t *testing.T) {
	anchor := mustParseTime(t, "2026-01-01T00:00:00Z")

	next, err := NextAfter([]string{"0 * * * *"}, anchor, nil, nil)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}

	want := mustParseTime(t, "2026-01-01T01:00:00Z")
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextAfter_PicksEarliestAcrossExprs(t *testing.T) {
	anchor := mustParseTime(t, "2026-01-01T00:00:00Z")

	next, err := NextAfter([]string{"30 2 * * *", "0 * * * *"}, anchor, nil, nil)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}

	want := mustParseTime(t, "2026-01-01T01:00:00Z")
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextAfter_RespectsStartWindow(t *testing.T) {
	anchor := mustParseTime(t, "2026-01-01T00:00:00Z")
	start := mustParseTime(t, "2026-01-02T00:00:00Z")

	next, err := NextAfter([]string{"0 0 * * *"}, anchor, &start, nil)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}

	want := mustParseTime(t, "2026-01-02T00:00:00Z")
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextAfter_EndWindowExcludesFire(t *testing.T) {
	anchor := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2026-01-01T00:30:00Z")

	_, err := NextAfter([]string{"0 * * * *"}, anchor, nil, &end)
	if err != ErrNoFutureFire {
		t.Fatalf("err = %v, want ErrNoFutureFire", err)
	}
}

func TestNextAfter_InvalidExpr(t *testing.T) {
	anchor := mustParseTime(t, "2026-01-01T00:00:00Z")

	_, err := NextAfter([]string{"not a cron expr"}, anchor, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestNextAfter_NoExpressions(t *testing.T) {
	anchor := mustParseTime(t, "2026-01-01T00:00:00Z")

	_, err := NextAfter(nil, anchor, nil, nil)
	if err == nil {
		t.Fatal("expected error for empty expression set")
	}
}
