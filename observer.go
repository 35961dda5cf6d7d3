package saga

import "time"

// Observer receives lifecycle notifications from an Orchestrator.
//
// Calls are made synchronously from the driving goroutine. The record passed
// in is owned by the orchestrator; implementations must not retain or modify
// it.
type Observer interface {
	SagaStarted(rec *Record)
	StepExecuted(rec *Record, step StepName, attempt int, err error, elapsed time.Duration)
	StepCompensated(rec *Record, step StepName, attempt int, err error, elapsed time.Duration)
	SagaFinished(rec *Record)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) SagaStarted(*Record)                                          {}
func (NopObserver) StepExecuted(*Record, StepName, int, error, time.Duration)    {}
func (NopObserver) StepCompensated(*Record, StepName, int, error, time.Duration) {}
func (NopObserver) SagaFinished(*Record)                                         {}

// observers fans a notification out to several observers.
type observers []Observer

func (os observers) SagaStarted(rec *Record) {
	for _, o := range os {
		o.SagaStarted(rec)
	}
}

func (os observers) StepExecuted(rec *Record, step StepName, attempt int, err error, elapsed time.Duration) {
	for _, o := range os {
		o.StepExecuted(rec, step, attempt, err, elapsed)
	}
}

func (os observers) StepCompensated(rec *Record, step StepName, attempt int, err error, elapsed time.Duration) {
	for _, o := range os {
		o.StepCompensated(rec, step, attempt, err, elapsed)
	}
}

func (os observers) SagaFinished(rec *Record) {
	for _, o := range os {
		o.SagaFinished(rec)
	}
}
