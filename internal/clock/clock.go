// Package clock provides the monotonic wall-clock reader and opaque run-id
// generator the rest of the system depends on (spec §2 component 2), so
// that tests can substitute a fake without touching call sites.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so the engine and tests can control it.
type Clock interface {
	Now() time.Time
}

// System is the real clock, backed by time.Now (which on every supported Go
// platform already reads the monotonic clock reading alongside the wall
// clock reading baked into time.Time).
type System struct{}

func (System) Now() time.Time { return time.Now() }

// NewID returns an opaque, globally unique identifier suitable for flow,
// run, and session ids.
func NewID() string {
	return uuid.NewString()
}
