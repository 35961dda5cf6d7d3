package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy bounds the attempts made for one step, one compensation or one
// store write. Backoff grows exponentially from InitialBackoff and is capped
// at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterPercent  uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterPercent:  10,
	}
}

func DefaultCompensationPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterPercent:  10,
	}
}

func defaultStorePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Attempts is MaxAttempts, with anything below one treated as one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns a fresh go-retry backoff for one retried operation.
// Backoffs are stateful and must not be shared between operations.
func (p RetryPolicy) Backoff() retry.Backoff {
	base := p.InitialBackoff
	if base <= 0 {
		base = time.Nanosecond
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	return retry.WithMaxRetries(uint64(p.Attempts()-1), b)
}

const (
	spanExecute    = "saga.step.execute"
	spanCompensate = "saga.step.compensate"
)

// invoke runs one attempt of a step operation inside a span.
func (o *Orchestrator) invoke(ctx context.Context, spanName string, rec *Record, step StepName, attempt int, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("saga.id", rec.ID),
		attribute.String("saga.type", string(rec.Type)),
		attribute.String("saga.step", string(step)),
		attribute.Int("saga.attempt", attempt),
	))
	defer span.End()

	err := o.call(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// call runs fn under the per-step timeout. A panic in fn is turned into an
// error, and a call that outlives its deadline is reported as ErrStepTimeout
// while its goroutine is left to finish on its own.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.stepTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrStepPanicked, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrStepTimeout, o.stepTimeout)
	}
}
