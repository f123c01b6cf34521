package checkable

import (
	"fmt"
	"time"
)

// CheckResult is the outcome of a single check execution.
//
// Only State drives the state machine. The timestamps and the payload are passed through untouched
// to the subscribers of the requested alerts.
type CheckResult struct {
	State          ServiceState
	ScheduleStart  time.Time
	ScheduleEnd    time.Time
	ExecutionStart time.Time
	ExecutionEnd   time.Time

	Output          string
	PerformanceData string
}

// ExecutionTime returns how long the check took to execute.
func (cr *CheckResult) ExecutionTime() time.Duration {
	return cr.ExecutionEnd.Sub(cr.ExecutionStart)
}

// Latency returns the scheduling overhead of the check.
func (cr *CheckResult) Latency() time.Duration {
	latency := cr.ScheduleEnd.Sub(cr.ScheduleStart) - cr.ExecutionTime()
	if latency < 0 {
		return 0
	}

	return latency
}

// Validate returns a *ValidationError if cr can't be processed.
func (cr *CheckResult) Validate() error {
	if cr == nil {
		return &ValidationError{Field: "check_result", Reason: "missing"}
	}

	if !cr.State.Valid() {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("invalid value %d", uint8(cr.State))}
	}

	if !cr.ExecutionStart.IsZero() && cr.ExecutionEnd.Before(cr.ExecutionStart) {
		return &ValidationError{Field: "execution_end", Reason: "before execution_start"}
	}

	return nil
}

// ValidationError is returned for malformed check results and downtimes.
// The checkable is left unchanged in that case.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Assert interface compliance.
var _ error = (*ValidationError)(nil)
