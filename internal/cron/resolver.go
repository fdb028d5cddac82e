// Package cron resolves a flow's cron expression set to its next fire time
// within a window, generalizing the teacher's Dispatcher.computeNext from a
// single expression to the multi-expression, windowed, catch-up-free model
// the scheduler needs (spec §4.5).
package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoFutureFire is returned when every expression's next occurrence after
// anchor falls outside [start, end) or there is no candidate at all.
var ErrNoFutureFire = errors.New("cron: no future fire time within window")

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Parse validates a single cron expression, returning a descriptive error
// if it cannot be parsed (used at index time, so bad expressions are caught
// before a flow is ever scheduled).
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextAfter computes the earliest next occurrence across all exprs that is
// strictly after anchor and falls within [start, end) (either bound may be
// nil, meaning unbounded). It never "catches up" past anchor: exactly one
// fire time is returned, the soonest one, matching the at-most-one-pending-
// schedule-per-flow invariant (spec §3, §4.2).
func NextAfter(exprs []string, anchor time.Time, start, end *time.Time) (*time.Time, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("cron: no expressions given")
	}

	var best *time.Time
	for _, expr := range exprs {
		sched, err := Parse(expr)
		if err != nil {
			return nil, err
		}

		from := anchor
		if start != nil && start.After(from) {
			// Step back one instant so a fire exactly at start is kept.
			from = start.Add(-time.Nanosecond)
		}

		next := sched.Next(from)
		if next.Equal(from) {
			// cron.Schedule.Next is strictly-after, so this branch is a
			// defensive guard only; it never runs with the robfig parser.
			next = sched.Next(next)
		}

		if end != nil && !next.Before(*end) {
			continue
		}
		if best == nil || next.Before(*best) {
			best = &next
		}
	}

	if best == nil {
		return nil, ErrNoFutureFire
	}
	return best, nil
}
