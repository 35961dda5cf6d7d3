package saga

import (
	"context"
	"errors"
)

// StepName identifies a step within a Definition.
type StepName string

// Step is one local transaction of a saga together with its compensation.
//
// Both operations must be idempotent. Compensate must tolerate being called
// when Execute never ran or failed part way, and it may only rely on data that
// Execute itself wrote into the Context.
type Step interface {
	Name() StepName
	Execute(ctx context.Context, sc *Context) StepResult
	Compensate(ctx context.Context, sc *Context) CompensationResult
}

var errUnspecifiedFailure = errors.New("failed without diagnostic")

// StepResult is the typed outcome of Step.Execute.
type StepResult struct {
	Err error
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Err == nil }

// Success is the StepResult of a successful execute.
func Success() StepResult { return StepResult{} }

// Failure is the StepResult of a failed execute. Wrap err with Permanent to
// skip the remaining retry attempts.
func Failure(err error) StepResult {
	if err == nil {
		err = errUnspecifiedFailure
	}
	return StepResult{Err: err}
}

// CompensationResult is the typed outcome of Step.Compensate.
type CompensationResult struct {
	Err error
}

func (r CompensationResult) OK() bool { return r.Err == nil }

func Compensated() CompensationResult { return CompensationResult{} }

func CompensationFailed(err error) CompensationResult {
	if err == nil {
		err = errUnspecifiedFailure
	}
	return CompensationResult{Err: err}
}
