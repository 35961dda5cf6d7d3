package saga

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerComplete     trigger = "complete"
	triggerStepFailed   trigger = "step_failed"
	triggerCancel       trigger = "cancel"
	triggerRollbackDone trigger = "rollback_done"
)

// recordMachine wires the saga status graph onto rec.Status:
//
//	RUNNING      --complete-->      COMPLETED
//	RUNNING      --step_failed-->   COMPENSATING
//	RUNNING      --cancel-->        COMPENSATING
//	COMPENSATING --rollback_done--> FAILED
//
// COMPLETED and FAILED have no outgoing edges. A crash-recovery resume keeps
// the persisted status and therefore needs no trigger.
func recordMachine(rec *Record) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return rec.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			rec.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerStepFailed, StatusCompensating).
		Permit(triggerCancel, StatusCompensating)
	sm.Configure(StatusCompensating).
		Permit(triggerRollbackDone, StatusFailed)
	sm.Configure(StatusCompleted)
	sm.Configure(StatusFailed)
	return sm
}

// fire moves rec along the status graph or fails with ErrInvalidTransition.
func fire(rec *Record, t trigger) error {
	if err := recordMachine(rec).Fire(t); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, t, rec.Status, err)
	}
	return nil
}
