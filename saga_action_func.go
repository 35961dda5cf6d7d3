package saga

import (
	"context"
	"fmt"
)

type ExecuteFunc func(ctx context.Context, sc *Context) error
type CompensateFunc func(ctx context.Context, sc *Context) error

// StepFunc is an implementation of Step that uses ordinary functions.
type StepFunc struct {
	name       StepName
	execute    ExecuteFunc
	compensate CompensateFunc
}

// NewStep constructs a new StepFunc from a pair of functions.
func NewStep(name StepName, execute ExecuteFunc, compensate CompensateFunc) *StepFunc {
	if compensate == nil {
		compensate = NoOpCompensation
	}
	return &StepFunc{
		name:       name,
		execute:    execute,
		compensate: compensate,
	}
}

func NoOpCompensation(_ context.Context, _ *Context) error {
	return nil
}

// NewStepWithNoOpCompensation constructs a StepFunc whose forward action has
// nothing to undo, such as a read or a notification.
func NewStepWithNoOpCompensation(name StepName, execute ExecuteFunc) *StepFunc {
	return NewStep(name, execute, NoOpCompensation)
}

// Execute implements the Step interface for StepFunc.
func (sf *StepFunc) Execute(ctx context.Context, sc *Context) StepResult {
	if err := sf.execute(ctx, sc); err != nil {
		return Failure(err)
	}
	return Success()
}

// Compensate implements the Step interface for StepFunc.
func (sf *StepFunc) Compensate(ctx context.Context, sc *Context) CompensationResult {
	if err := sf.compensate(ctx, sc); err != nil {
		return CompensationFailed(err)
	}
	return Compensated()
}

// Name implements the Step interface for StepFunc.
func (sf *StepFunc) Name() StepName {
	return sf.name
}

// String implements the fmt.Stringer interface for StepFunc.
func (sf *StepFunc) String() string {
	return fmt.Sprintf("StepFunc[%s]", sf.name)
}
