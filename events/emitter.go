package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fortressi/saga"
)

const defaultPublishTimeout = 2 * time.Second

// Emitter turns orchestrator notifications into published events. Publish
// failures are logged and never affect the saga.
type Emitter struct {
	pub     Publisher
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

type EmitterOption func(*Emitter)

func WithLogger(l zerolog.Logger) EmitterOption {
	return func(e *Emitter) { e.log = l }
}

func WithPublishTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) { e.timeout = d }
}

func NewEmitter(pub Publisher, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		pub:     pub,
		log:     zerolog.Nop(),
		timeout: defaultPublishTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) SagaStarted(rec *saga.Record) {
	e.emit(e.event(rec, SagaStarted, "", 0, nil))
}

func (e *Emitter) StepExecuted(rec *saga.Record, step saga.StepName, attempt int, err error, _ time.Duration) {
	kind := StepSucceeded
	if err != nil {
		kind = StepFailed
	}
	e.emit(e.event(rec, kind, step, attempt, err))
}

func (e *Emitter) StepCompensated(rec *saga.Record, step saga.StepName, attempt int, err error, _ time.Duration) {
	kind := StepCompensated
	if err != nil {
		kind = StepCompensationFailed
	}
	e.emit(e.event(rec, kind, step, attempt, err))
}

func (e *Emitter) SagaFinished(rec *saga.Record) {
	kind := SagaFailed
	if rec.Status == saga.StatusCompleted {
		kind = SagaCompleted
	}
	ev := e.event(rec, kind, rec.FailedStep, 0, nil)
	ev.Error = rec.LastError
	e.emit(ev)
}

func (e *Emitter) event(rec *saga.Record, kind Kind, step saga.StepName, attempt int, err error) Event {
	ev := Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		SagaID:   rec.ID,
		SagaType: string(rec.Type),
		Step:     string(step),
		Attempt:  attempt,
		Status:   string(rec.Status),
		Partial:  rec.PartialCompensation,
		At:       e.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (e *Emitter) emit(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).
			Str("saga_id", ev.SagaID).
			Str("kind", string(ev.Kind)).
			Msg("publish saga event")
	}
}

var _ saga.Observer = (*Emitter)(nil)
