package store

import "errors"

var (
	// ErrUnavailable means the database could not be opened or reached; it
	// is fatal at the supervisor (spec §8).
	ErrUnavailable = errors.New("store: unavailable")

	ErrNotFound       = errors.New("store: not found")
	ErrUniqueViolation = errors.New("store: unique violation")
	ErrConflict       = errors.New("store: conflict")
)
