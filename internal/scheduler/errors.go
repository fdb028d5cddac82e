package scheduler

import (
	"fmt"

	"github.com/flowctl/flowctl/internal/domain"
)

// AdmissionError is returned by placeSchedule when the §4.2 admission
// rules refuse to (re)schedule a flow. Status is the FlowScheduleStatus
// exit code the command surface reports for the refusal.
type AdmissionError struct {
	Status domain.FlowScheduleStatus
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission refused (%s): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("admission refused (%s)", e.Status)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// ErrChildProcessFailed wraps an abnormal exit of a flow-run child process
// (spec §4.3, §7).
type ErrChildProcessFailed struct {
	FlowRunID string
	Err       error
}

func (e *ErrChildProcessFailed) Error() string {
	return fmt.Sprintf("flow run %s: child process failed: %v", e.FlowRunID, e.Err)
}

func (e *ErrChildProcessFailed) Unwrap() error { return e.Err }
