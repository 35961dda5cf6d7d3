package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// callLog records step invocations across goroutines in call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(s string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == s {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")

// fakeStep is a recording step whose behaviour is set per test.
type fakeStep struct {
	name StepName
	log  *callLog

	failTimes     int // execute fails this many times, then succeeds
	failAlways    bool
	permanent     bool
	compFailTimes int
	compAlways    bool
	hang          bool
	panics        bool

	// started and gate let a test pause a step mid-execute.
	started chan struct{}
	gate    chan struct{}

	execs atomic.Int32
	comps atomic.Int32
}

func (s *fakeStep) Name() StepName { return s.name }

func (s *fakeStep) Execute(ctx context.Context, sc *Context) StepResult {
	n := int(s.execs.Add(1))
	s.log.add("exec:" + string(s.name))

	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return Failure(ctx.Err())
		}
	}
	if s.panics {
		panic("step exploded")
	}
	if s.hang {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Success()
	}
	if s.failAlways || n <= s.failTimes {
		err := fmt.Errorf("%s: %w", s.name, errBoom)
		if s.permanent {
			err = Permanent(err)
		}
		return Failure(err)
	}
	if err := sc.Set(string(s.name)+"_id", fmt.Sprintf("%s-%d", s.name, n)); err != nil {
		return Failure(err)
	}
	return Success()
}

func (s *fakeStep) Compensate(_ context.Context, sc *Context) CompensationResult {
	n := int(s.comps.Add(1))
	s.log.add("comp:" + string(s.name))
	if !sc.ReadOnly() {
		return CompensationFailed(errors.New("compensation got a writable context"))
	}
	if s.compAlways || n <= s.compFailTimes {
		return CompensationFailed(fmt.Errorf("undo %s: %w", s.name, errBoom))
	}
	return Compensated()
}

func newSteps(log *callLog, names ...StepName) []*fakeStep {
	steps := make([]*fakeStep, len(names))
	for i, n := range names {
		steps[i] = &fakeStep{name: n, log: log}
	}
	return steps
}

func definitionOf(t *testing.T, typ SagaType, steps []*fakeStep) *Definition {
	t.Helper()
	generic := make([]Step, len(steps))
	for i, s := range steps {
		generic[i] = s
	}
	def, err := NewDefinition(typ, generic...)
	require.NoError(t, err)
	return def
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestOrchestrator(t *testing.T, store Store, reg *Registry, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithRetryPolicy(fastPolicy(3)),
		WithCompensationPolicy(fastPolicy(3)),
		WithStoreRetryPolicy(fastPolicy(5)),
		WithStepTimeout(2 * time.Second),
		WithAwaitPollInterval(5 * time.Millisecond),
	}
	o := New(store, reg, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// flakyStore fails Update with ErrStoreUnavailable while failUpdates > 0.
type flakyStore struct {
	Store
	mu          sync.Mutex
	failUpdates int
	updates     int
}

func (f *flakyStore) Update(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	f.updates++
	if f.failUpdates != 0 {
		if f.failUpdates > 0 {
			f.failUpdates--
		}
		f.mu.Unlock()
		return fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
	}
	f.mu.Unlock()
	return f.Store.Update(ctx, rec)
}

// seedRecord stores rec as a previous worker would have left it.
func seedRecord(t *testing.T, store Store, rec *Record) *Record {
	t.Helper()
	if rec.AttemptCounts == nil {
		rec.AttemptCounts = map[StepName]int{}
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

func contextJSON(t *testing.T, values map[string]any) []byte {
	t.Helper()
	sc, err := ContextFrom(values)
	require.NoError(t, err)
	raw, err := sc.MarshalJSON()
	require.NoError(t, err)
	return raw
}
