package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrSagaNotFound is returned by stores when no record exists for an id.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrAlreadyExists is returned by Store.Create for a duplicate saga id.
	ErrAlreadyExists = errors.New("saga already exists")
	// ErrVersionConflict is returned by Store.Update when the stored version
	// no longer matches the version the caller read.
	ErrVersionConflict = errors.New("saga record version conflict")
	// ErrStoreUnavailable wraps transport level store failures.
	ErrStoreUnavailable = errors.New("saga store unavailable")

	ErrUnknownSagaType   = errors.New("unknown saga type")
	ErrDuplicateStep     = errors.New("duplicate step name")
	ErrInvalidTransition = errors.New("invalid saga status transition")

	// ErrSuperseded means another worker advanced the record this driver was
	// working on; the driver stopped without touching it further.
	ErrSuperseded = errors.New("saga advanced by another worker")
	// ErrClaimLost means a claim on a stale record lost its race.
	ErrClaimLost = errors.New("saga claim lost")

	ErrStepTimeout      = errors.New("step timed out")
	ErrContextReadOnly  = errors.New("saga context is read-only")
	ErrKeyNotFound      = errors.New("saga context key not found")
	ErrStepPanicked     = errors.New("step panicked")
	ErrCancelledByUser  = errors.New("saga cancelled by operator")
	ErrDefinitionNotSet = errors.New("saga definition is required")
)

// StepError is the terminal failure of a step's execute after retries.
type StepError struct {
	Step     StepName
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationError is the terminal failure of a step's compensation.
type CompensationError struct {
	Step     StepName
	Attempts int
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	error
}

func (e *PermanentError) Unwrap() error { return e.error }

// Permanent wraps err so the orchestrator gives up on the current step (or
// compensation) without spending the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// FailureError is the reason carried by a FAILED Outcome.
type FailureError struct {
	SagaID  string
	Step    StepName
	Message string
	// Partial is set when one or more compensations could not complete and
	// the saga needs operator remediation.
	Partial bool
}

func (e *FailureError) Error() string {
	msg := fmt.Sprintf("saga %s failed", e.SagaID)
	if e.Step != "" {
		msg += fmt.Sprintf(" at step %s", e.Step)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Partial {
		msg += " (partial compensation)"
	}
	return msg
}
