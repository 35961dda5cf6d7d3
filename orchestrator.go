package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fortressi/saga"

// DefaultClaimAfter is how long a record owned by another worker must go
// unwritten before it counts as abandoned.
const DefaultClaimAfter = 2 * time.Minute

// Orchestrator drives saga records forward through their steps and, on
// failure or cancellation, backward through compensation.
//
// The Store is the only source of truth. The in-flight table kept by an
// Orchestrator only wakes local waiters and stops the same process from
// driving one record twice; losing it loses nothing.
type Orchestrator struct {
	store    Store
	registry *Registry

	log      zerolog.Logger
	tracer   trace.Tracer
	observer Observer

	retry        RetryPolicy
	compensation RetryPolicy
	storeRetry   RetryPolicy
	stepTimeout  time.Duration
	pollInterval time.Duration
	claimAfter   time.Duration
	workerID     string
	now          func() time.Time

	inflight *xsync.MapOf[string, chan struct{}]
	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithObserver adds lifecycle observers such as metrics or event emitters.
func WithObserver(obs ...Observer) Option {
	return func(o *Orchestrator) {
		all := observers{o.observer}
		if existing, ok := o.observer.(observers); ok {
			all = existing
		}
		o.observer = append(all, obs...)
	}
}

// WithRetryPolicy sets the retry policy of step execution.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithCompensationPolicy sets the retry policy of each compensation.
func WithCompensationPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.compensation = p }
}

// WithStoreRetryPolicy sets how long a transition write is retried while the
// store reports ErrStoreUnavailable.
func WithStoreRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.storeRetry = p }
}

// WithStepTimeout bounds every execute and compensate attempt. Zero disables
// the timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithWorkerID names this orchestrator in record claims and logs.
func WithWorkerID(id string) Option {
	return func(o *Orchestrator) { o.workerID = id }
}

// WithAwaitPollInterval sets how often AwaitOutcome polls the store for
// sagas driven by other workers.
func WithAwaitPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithClaimAfter sets how long a record owned by another worker must go
// without a write before Resume or Compensate may claim it. Zero lets them
// claim any non-terminal record.
func WithClaimAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.claimAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over store. Saga types that may be started by
// type or resumed must be present in registry.
func New(store Store, registry *Registry, opts ...Option) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	o := &Orchestrator{
		store:        store,
		registry:     registry,
		log:          zerolog.Nop(),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		observer:     NopObserver{},
		retry:        DefaultRetryPolicy(),
		compensation: DefaultCompensationPolicy(),
		storeRetry:   defaultStorePolicy(),
		stepTimeout:  30 * time.Second,
		pollInterval: 250 * time.Millisecond,
		claimAfter:   DefaultClaimAfter,
		workerID:     uuid.NewString(),
		now:          time.Now,
		inflight:     xsync.NewMapOf[string, chan struct{}](),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("worker_id", o.workerID).Logger()
	o.lifetime, o.stop = context.WithCancel(context.Background())
	return o
}

func (o *Orchestrator) WorkerID() string { return o.workerID }

func (o *Orchestrator) Registry() *Registry { return o.registry }

func (o *Orchestrator) Store() Store { return o.store }

// Run creates a record for def and drives it to a terminal state in the
// calling goroutine. If ctx ends first the record is left as persisted, for
// a later Resume or recovery sweep.
func (o *Orchestrator) Run(ctx context.Context, def *Definition, initial *Context) (*Outcome, error) {
	if def == nil {
		return nil, ErrDefinitionNotSet
	}
	rec, err := o.create(ctx, def.Type(), initial)
	if err != nil {
		return nil, err
	}
	release, _ := o.track(rec.ID)
	out, err := o.drive(ctx, def, rec)
	release()
	if errors.Is(err, ErrSuperseded) {
		return o.AwaitOutcome(ctx, rec.ID)
	}
	return out, err
}

// Start creates a record for the registered saga type t and drives it in the
// background. The record is durable when Start returns.
func (o *Orchestrator) Start(ctx context.Context, t SagaType, initial *Context) (string, error) {
	def, err := o.registry.Get(t)
	if err != nil {
		return "", err
	}
	rec, err := o.create(ctx, t, initial)
	if err != nil {
		return "", err
	}
	release, _ := o.track(rec.ID)
	o.spawn(func(ctx context.Context) {
		defer release()
		_, err := o.drive(ctx, def, rec)
		o.logDriveError(rec, err)
	})
	return rec.ID, nil
}

// AwaitOutcome blocks until the saga reaches COMPLETED or FAILED, or ctx
// ends. Sagas driven by this Orchestrator wake the waiter directly; others
// are polled.
func (o *Orchestrator) AwaitOutcome(ctx context.Context, sagaID string) (*Outcome, error) {
	for {
		rec, err := o.store.Find(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return newOutcome(rec)
		}

		var wake <-chan struct{}
		if done, ok := o.inflight.Load(sagaID); ok {
			wake = done
		}
		timer := time.NewTimer(o.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Resume claims a non-terminal record and drives it from its persisted
// state: RUNNING continues at CurrentStepIndex, COMPENSATING continues the
// rollback. Steps already in CompletedSteps are never executed again.
//
// A record owned by another worker is only claimed once it has gone
// unwritten for the claim-after period; before that Resume returns
// ErrClaimLost and leaves the record to its owner.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (*Outcome, error) {
	return o.resumeByID(ctx, sagaID, false)
}

// Takeover is Resume without the ownership check. It is for operators who
// know the owning worker is gone.
func (o *Orchestrator) Takeover(ctx context.Context, sagaID string) (*Outcome, error) {
	return o.resumeByID(ctx, sagaID, true)
}

func (o *Orchestrator) resumeByID(ctx context.Context, sagaID string, force bool) (*Outcome, error) {
	if o.driving(sagaID) {
		return o.AwaitOutcome(ctx, sagaID)
	}
	rec, err := o.store.Find(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if !force {
		if err := o.claimable(rec); err != nil {
			return nil, err
		}
	}
	out, err := o.resume(ctx, rec)
	if errors.Is(err, ErrSuperseded) {
		return o.AwaitOutcome(ctx, sagaID)
	}
	return out, err
}

// Compensate drives a COMPENSATING record's rollback to completion. On a
// FAILED record it is a no-op that returns the recorded outcome.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) (*Outcome, error) {
	rec, err := o.store.Find(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusFailed:
		return newOutcome(rec)
	case StatusCompleted, StatusRunning:
		return nil, fmt.Errorf("%w: compensate a %s saga", ErrInvalidTransition, rec.Status)
	}
	if o.driving(sagaID) {
		return o.AwaitOutcome(ctx, sagaID)
	}
	if err := o.claimable(rec); err != nil {
		return nil, err
	}
	out, err := o.resume(ctx, rec)
	if errors.Is(err, ErrSuperseded) {
		return o.AwaitOutcome(ctx, sagaID)
	}
	return out, err
}

// claimable refuses records that another worker wrote within claimAfter.
func (o *Orchestrator) claimable(rec *Record) error {
	if o.claimAfter <= 0 || rec.Status.Terminal() || rec.Owner == "" || rec.Owner == o.workerID {
		return nil
	}
	if idle := o.now().Sub(rec.UpdatedAt); idle < o.claimAfter {
		return fmt.Errorf("%w: %s is owned by %s, last written %s ago",
			ErrClaimLost, rec.ID, rec.Owner, idle.Round(time.Millisecond))
	}
	return nil
}

// Cancel moves a RUNNING saga to COMPENSATING at its current CompletedSteps.
// No further forward step is started. Cancelling a saga that is already
// compensating or failed is a no-op; a COMPLETED saga cannot be cancelled.
//
// The driver that owns the record notices the cancel on its next write and
// rolls back. If the record is owned by this worker and nothing drives it
// locally, Cancel starts the rollback in the background.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := o.store.Find(ctx, sagaID)
		if err != nil {
			return err
		}
		switch rec.Status {
		case StatusCompensating, StatusFailed:
			return nil
		case StatusCompleted:
			return fmt.Errorf("%w: cancel a completed saga", ErrInvalidTransition)
		}

		next := rec.Clone()
		next.CancelRequested = true
		next.LastError = ErrCancelledByUser.Error()
		if err := fire(next, triggerCancel); err != nil {
			return err
		}
		err = o.persist(ctx, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		o.log.Info().Str("saga_id", sagaID).Str("saga_type", string(next.Type)).
			Int("completed", len(next.CompletedSteps)).Msg("saga cancelled")

		if next.Owner == "" || next.Owner == o.workerID {
			o.rollbackInBackground(next)
		}
		return nil
	}
}

func (o *Orchestrator) rollbackInBackground(rec *Record) {
	release, ok := o.track(rec.ID)
	if !ok {
		// a local driver owns it and will see the cancel on its next write
		return
	}
	def, err := o.registry.Get(rec.Type)
	if err != nil {
		release()
		o.log.Error().Err(err).Str("saga_id", rec.ID).Msg("cannot roll back cancelled saga")
		return
	}
	o.spawn(func(ctx context.Context) {
		defer release()
		_, err := o.drive(ctx, def, rec)
		o.logDriveError(rec, err)
	})
}

// Shutdown stops background drivers and waits for them to return. Records
// they were driving stay as persisted and are picked up by recovery.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) create(ctx context.Context, t SagaType, initial *Context) (*Record, error) {
	if initial == nil {
		initial = NewContext()
	}
	raw, err := initial.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode initial context: %w", err)
	}
	now := o.now().UTC()
	rec := &Record{
		ID:                   uuid.NewString(),
		Type:                 t,
		Status:               StatusRunning,
		CompletedSteps:       []StepName{},
		Context:              raw,
		AttemptCounts:        map[StepName]int{},
		CompensationAttempts: map[StepName]int{},
		Owner:                o.workerID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err = retry.Do(ctx, o.storeRetry.Backoff(), func(ctx context.Context) error {
		err := o.store.Create(ctx, rec)
		if errors.Is(err, ErrStoreUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create saga record: %w", err)
	}
	o.log.Info().Str("saga_id", rec.ID).Str("saga_type", string(t)).Msg("saga started")
	o.observer.SagaStarted(rec)
	return rec, nil
}

// resume claims rec by stamping this worker as owner with an OCC write, then
// drives it. Exactly one of several workers racing on the same version wins
// the claim; the others get ErrClaimLost without touching any step.
func (o *Orchestrator) resume(ctx context.Context, rec *Record) (*Outcome, error) {
	if rec.Status.Terminal() {
		return newOutcome(rec)
	}
	def, err := o.registry.Get(rec.Type)
	if err != nil {
		return nil, err
	}
	release, ok := o.track(rec.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is driven by this worker", ErrClaimLost, rec.ID)
	}
	defer release()

	claimed := rec.Clone()
	claimed.Owner = o.workerID
	if err := o.persist(ctx, claimed); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %s", ErrClaimLost, rec.ID)
		}
		return nil, err
	}
	o.log.Info().Str("saga_id", rec.ID).Str("saga_type", string(rec.Type)).
		Str("status", string(rec.Status)).Int("step_index", rec.CurrentStepIndex).
		Str("previous_owner", rec.Owner).Msg("saga claimed for resume")
	return o.drive(ctx, def, claimed)
}

func (o *Orchestrator) drive(ctx context.Context, def *Definition, rec *Record) (*Outcome, error) {
	d, err := o.newDriver(def, rec)
	if err != nil {
		return nil, err
	}
	if err := d.run(ctx); err != nil {
		return nil, err
	}
	return newOutcome(d.rec)
}

// persist writes rec, retrying while the store is unavailable. Version
// conflicts are returned immediately.
func (o *Orchestrator) persist(ctx context.Context, rec *Record) error {
	return retry.Do(ctx, o.storeRetry.Backoff(), func(ctx context.Context) error {
		err := o.store.Update(ctx, rec)
		if errors.Is(err, ErrStoreUnavailable) {
			o.log.Warn().Err(err).Str("saga_id", rec.ID).Msg("store unavailable, retrying write")
			return retry.RetryableError(err)
		}
		return err
	})
}

// track registers a local driver for sagaID. It returns false when one is
// already registered.
func (o *Orchestrator) track(sagaID string) (release func(), ok bool) {
	done := make(chan struct{})
	if _, loaded := o.inflight.LoadOrStore(sagaID, done); loaded {
		return func() {}, false
	}
	return func() {
		o.inflight.Delete(sagaID)
		close(done)
	}, true
}

func (o *Orchestrator) driving(sagaID string) bool {
	_, ok := o.inflight.Load(sagaID)
	return ok
}

// InFlight returns the number of sagas driven by this Orchestrator.
func (o *Orchestrator) InFlight() int { return o.inflight.Size() }

func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.lifetime)
	}()
}

func (o *Orchestrator) logDriveError(rec *Record, err error) {
	if err == nil {
		return
	}
	ev := o.log.Error()
	switch {
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrClaimLost):
		ev = o.log.Debug()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ev = o.log.Info()
	}
	ev.Err(err).Str("saga_id", rec.ID).Str("saga_type", string(rec.Type)).Msg("saga driver stopped before a terminal state")
}
