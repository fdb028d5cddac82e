package domain

import "errors"

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrFlowNotFound     = errors.New("flow not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrFlowRunNotFound  = errors.New("flow run not found")
	ErrTaskRunNotFound  = errors.New("task run not found")

	ErrFlowNameConflict = errors.New("flow with this (path, name) already exists")
	ErrTaskNameConflict = errors.New("task with this name already exists in the flow")

	// ErrChecksumMismatch is returned when a command is invoked against a
	// flow whose on-disk checksum no longer matches the indexed one.
	ErrChecksumMismatch = errors.New("flow is dirty: reindex before running or scheduling it")

	// ErrInvalidTransition is returned by the status setters when the
	// requested transition does not strictly advance the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrEmptyTaskSet = errors.New("flow has no tasks")
	ErrCyclicGraph  = errors.New("flow task graph has a cycle")
)
