package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// conflictError carries the record that won a version race.
type conflictError struct {
	fresh *Record
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("%v: saga %s now at version %d", ErrVersionConflict, e.fresh.ID, e.fresh.Version)
}

func (e *conflictError) Unwrap() error { return ErrVersionConflict }

// driver walks one record through its definition. It is owned by a single
// goroutine and keeps rec equal to the last state it persisted.
type driver struct {
	o       *Orchestrator
	def     *Definition
	rec     *Record
	sc      *Context
	journal *Journal
	log     zerolog.Logger
}

func (o *Orchestrator) newDriver(def *Definition, rec *Record) (*driver, error) {
	d := &driver{
		o:   o,
		def: def,
		log: o.log.With().Str("saga_id", rec.ID).Str("saga_type", string(rec.Type)).Logger(),
	}
	if err := d.adopt(rec); err != nil {
		return nil, err
	}
	return d, nil
}

// adopt makes rec the driver's persisted state, discarding anything that was
// not written yet.
func (d *driver) adopt(rec *Record) error {
	sc, err := rec.DecodeContext()
	if err != nil {
		return err
	}
	j, err := ReplayJournal(rec.Journal)
	if err != nil {
		return fmt.Errorf("saga %s: %w", rec.ID, err)
	}
	d.rec, d.sc, d.journal = rec, sc, j
	return nil
}

func (d *driver) run(ctx context.Context) error {
	for {
		var err error
		switch d.rec.Status {
		case StatusRunning:
			err = d.forward(ctx)
		case StatusCompensating:
			err = d.backward(ctx)
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// forward executes steps from CurrentStepIndex until the record leaves
// RUNNING.
func (d *driver) forward(ctx context.Context) error {
	for d.rec.Status == StatusRunning {
		idx := d.rec.CurrentStepIndex
		if idx >= d.def.Len() {
			return d.complete(ctx)
		}
		if err := d.checkpoint(ctx); err != nil {
			return err
		}
		if d.rec.Status != StatusRunning {
			return nil
		}

		step := d.def.Step(idx)
		next, attempts, err := d.execute(ctx, step)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// nothing was committed for this step; a resume runs it again
			return ctxErr
		}
		if err != nil {
			err = d.commitFailure(ctx, idx, step, attempts, err)
		} else {
			err = d.commitSuccess(ctx, idx, step, attempts, next)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// execute runs step with retries against a private copy of the context. The
// copy is returned only when an attempt succeeds.
func (d *driver) execute(ctx context.Context, step Step) (*Context, int, error) {
	name := step.Name()
	attempt := d.rec.AttemptCounts[name]
	var next *Context

	err := retry.Do(ctx, d.o.retry.Backoff(), func(ctx context.Context) error {
		attempt++
		d.note(name, EventStepStarted, attempt, nil)
		scratch := d.sc.Clone()
		start := d.o.now()
		err := d.o.invoke(ctx, spanExecute, d.rec, name, attempt, func(c context.Context) error {
			return step.Execute(c, scratch).Err
		})
		d.o.observer.StepExecuted(d.rec, name, attempt, err, d.o.now().Sub(start))
		if err == nil {
			d.note(name, EventStepSucceeded, attempt, nil)
			next = scratch
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		d.note(name, EventStepFailed, attempt, err)
		if IsPermanent(err) {
			return err
		}
		d.log.Warn().Err(err).Str("step", string(name)).Int("attempt", attempt).Msg("step attempt failed")
		return retry.RetryableError(err)
	})
	return next, attempt, err
}

// checkpoint rereads the record before a new forward step so that a cancel
// or a competing claim stops the walk before another side effect.
func (d *driver) checkpoint(ctx context.Context) error {
	fresh, err := d.o.store.Find(ctx, d.rec.ID)
	if err != nil {
		return err
	}
	if fresh.Version == d.rec.Version {
		return nil
	}
	return d.resolve(ctx, fresh, nil, nil)
}

func (d *driver) commitSuccess(ctx context.Context, idx int, step Step, attempts int, next *Context) error {
	name := step.Name()
	last := idx+1 == d.def.Len()
	raw, err := next.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode context after %s: %w", name, err)
	}

	// the last step and COMPLETED share one write
	err = d.commit(ctx, func(r *Record) error {
		r.CompletedSteps = append(r.CompletedSteps, name)
		r.CurrentStepIndex = idx + 1
		r.AttemptCounts[name] = attempts
		r.Context = raw
		if last {
			return fire(r, triggerComplete)
		}
		return nil
	})
	var conflict *conflictError
	if errors.As(err, &conflict) {
		return d.resolve(ctx, conflict.fresh, step, next)
	}
	if err != nil {
		return err
	}

	d.sc = next
	d.log.Debug().Str("step", string(name)).Int("attempt", attempts).Msg("step committed")
	if last {
		d.finished()
	}
	return nil
}

func (d *driver) commitFailure(ctx context.Context, idx int, step Step, attempts int, cause error) error {
	name := step.Name()
	stepErr := &StepError{Step: name, Attempts: attempts, Err: cause}

	err := d.commit(ctx, func(r *Record) error {
		r.AttemptCounts[name] = attempts
		r.LastError = stepErr.Error()
		r.FailedStep = name
		return fire(r, triggerStepFailed)
	})
	var conflict *conflictError
	if errors.As(err, &conflict) {
		return d.resolve(ctx, conflict.fresh, nil, nil)
	}
	if err != nil {
		return err
	}
	d.log.Error().Err(cause).Str("step", string(name)).Int("attempt", attempts).
		Int("step_index", idx).Msg("step failed terminally, compensating")
	return nil
}

func (d *driver) complete(ctx context.Context) error {
	err := d.commit(ctx, func(r *Record) error {
		return fire(r, triggerComplete)
	})
	var conflict *conflictError
	if errors.As(err, &conflict) {
		return d.resolve(ctx, conflict.fresh, nil, nil)
	}
	if err != nil {
		return err
	}
	d.finished()
	return nil
}

// resolve decides what to do after fresh won a version race against this
// driver. An operator cancel taken at our position hands the rollback to us,
// including the compensation of a step whose success we could not commit.
// Anything else means another worker advanced the record.
func (d *driver) resolve(ctx context.Context, fresh *Record, uncommitted Step, uncommittedCtx *Context) error {
	if !d.cancelledUnder(fresh) {
		d.log.Debug().Int64("version", fresh.Version).Str("status", string(fresh.Status)).
			Str("owner", fresh.Owner).Msg("record advanced by another worker, stopping")
		return ErrSuperseded
	}
	d.log.Info().Int("completed", len(fresh.CompletedSteps)).Msg("cancel observed, rolling back")
	if err := d.adopt(fresh); err != nil {
		return err
	}
	if uncommitted == nil {
		return nil
	}
	return d.compensate(ctx, uncommitted, uncommittedCtx)
}

func (d *driver) cancelledUnder(fresh *Record) bool {
	return d.rec.Status == StatusRunning &&
		fresh.Status == StatusCompensating &&
		fresh.CancelRequested &&
		fresh.Owner == d.rec.Owner &&
		fresh.CurrentStepIndex == d.rec.CurrentStepIndex &&
		len(fresh.CompletedSteps) == len(d.rec.CompletedSteps) &&
		len(fresh.CompensatedSteps) == 0 &&
		len(fresh.FailedCompensations) == 0
}

// backward compensates CompletedSteps in reverse order, skipping steps whose
// compensation already has a recorded outcome, then closes the record.
func (d *driver) backward(ctx context.Context) error {
	settled := d.rec.settledCompensations()
	for i := len(d.rec.CompletedSteps) - 1; i >= 0; i-- {
		name := d.rec.CompletedSteps[i]
		if settled.Contains(name) {
			continue
		}
		step, _, ok := d.def.Lookup(name)
		if !ok {
			cause := fmt.Errorf("step %s is not part of saga type %s", name, d.def.Type())
			d.log.Error().Err(cause).Str("step", string(name)).Msg("cannot compensate step")
			if err := d.recordCompensation(ctx, name, 0, cause); err != nil {
				return err
			}
			continue
		}
		if err := d.compensate(ctx, step, d.sc); err != nil {
			return err
		}
	}
	return d.finishRollback(ctx)
}

// compensate runs one step's compensation with retries and persists its
// outcome. A terminal failure is recorded and does not stop the rollback.
func (d *driver) compensate(ctx context.Context, step Step, sc *Context) error {
	name := step.Name()
	attempt := d.rec.CompensationAttempts[name]

	err := retry.Do(ctx, d.o.compensation.Backoff(), func(ctx context.Context) error {
		attempt++
		d.note(name, EventCompensationStarted, attempt, nil)
		view := sc.View()
		start := d.o.now()
		err := d.o.invoke(ctx, spanCompensate, d.rec, name, attempt, func(c context.Context) error {
			return step.Compensate(c, view).Err
		})
		d.o.observer.StepCompensated(d.rec, name, attempt, err, d.o.now().Sub(start))
		if err == nil {
			d.note(name, EventCompensationSucceeded, attempt, nil)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		d.note(name, EventCompensationFailed, attempt, err)
		if IsPermanent(err) {
			return err
		}
		d.log.Warn().Err(err).Str("step", string(name)).Int("attempt", attempt).Msg("compensation attempt failed")
		return retry.RetryableError(err)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var cause error
	if err != nil {
		cause = &CompensationError{Step: name, Attempts: attempt, Err: err}
		d.log.Error().Err(err).Str("step", string(name)).Int("attempt", attempt).Msg("compensation failed terminally")
	}
	return d.recordCompensation(ctx, name, attempt, cause)
}

// recordCompensation is the one durable write made per compensated step.
func (d *driver) recordCompensation(ctx context.Context, name StepName, attempts int, cause error) error {
	err := d.commit(ctx, func(r *Record) error {
		r.CompensationAttempts[name] = attempts
		if cause == nil {
			r.CompensatedSteps = append(r.CompensatedSteps, name)
		} else {
			r.FailedCompensations = append(r.FailedCompensations, CompensationFailure{Step: name, Error: cause.Error()})
		}
		return nil
	})
	return d.superseded(err)
}

func (d *driver) finishRollback(ctx context.Context) error {
	err := d.commit(ctx, func(r *Record) error {
		r.PartialCompensation = len(r.FailedCompensations) > 0
		return fire(r, triggerRollbackDone)
	})
	if err := d.superseded(err); err != nil {
		return err
	}
	if d.rec.PartialCompensation {
		failed := make([]string, len(d.rec.FailedCompensations))
		for i, f := range d.rec.FailedCompensations {
			failed[i] = string(f.Step)
		}
		d.log.Error().Strs("failed_compensations", failed).Str("status", string(d.rec.Status)).
			Msg("saga failed with partial compensation, operator action required")
	}
	d.finished()
	return nil
}

func (d *driver) finished() {
	d.log.Info().Str("status", string(d.rec.Status)).Bool("partial", d.rec.PartialCompensation).
		Int("completed", len(d.rec.CompletedSteps)).Msg("saga finished")
	d.o.observer.SagaFinished(d.rec)
}

// commit applies mutate to a copy of the persisted record and writes it. On a
// version conflict it returns a *conflictError holding the stored record.
func (d *driver) commit(ctx context.Context, mutate func(*Record) error) error {
	next := d.rec.Clone()
	if next.AttemptCounts == nil {
		next.AttemptCounts = map[StepName]int{}
	}
	if next.CompensationAttempts == nil {
		next.CompensationAttempts = map[StepName]int{}
	}
	if err := mutate(next); err != nil {
		return err
	}
	next.Journal = d.journal.Entries()

	if err := d.o.persist(ctx, next); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		fresh, ferr := d.o.store.Find(ctx, d.rec.ID)
		if ferr != nil {
			return ferr
		}
		return &conflictError{fresh: fresh}
	}
	d.rec = next
	return nil
}

func (d *driver) superseded(err error) error {
	var conflict *conflictError
	if errors.As(err, &conflict) {
		d.log.Debug().Int64("version", conflict.fresh.Version).Msg("record advanced by another worker, stopping")
		return ErrSuperseded
	}
	return err
}

func (d *driver) note(step StepName, ev JournalEvent, attempt int, err error) {
	e := JournalEntry{Step: step, Event: ev, Attempt: attempt, At: d.o.now().UTC()}
	if err != nil {
		e.Error = err.Error()
	}
	if jerr := d.journal.Record(e); jerr != nil {
		d.log.Warn().Err(jerr).Str("step", string(step)).Msg("journal rejected event")
	}
}
