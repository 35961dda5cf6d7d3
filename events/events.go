// Package events publishes saga lifecycle transitions to a message bus so
// other services can react to them. The Emitter is a saga.Observer; the
// publishers carry the JSON encoded Event to Kafka, a Redis stream or memory.
package events

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	SagaStarted            Kind = "saga.started"
	SagaCompleted          Kind = "saga.completed"
	SagaFailed             Kind = "saga.failed"
	StepSucceeded          Kind = "step.succeeded"
	StepFailed             Kind = "step.failed"
	StepCompensated        Kind = "step.compensated"
	StepCompensationFailed Kind = "step.compensation_failed"
)

// Event is one lifecycle transition of a saga instance.
type Event struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	SagaID   string    `json:"saga_id"`
	SagaType string    `json:"saga_type"`
	Step     string    `json:"step,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Status   string    `json:"status"`
	Partial  bool      `json:"partial_compensation,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
