// Package storetest holds the conformance suite every saga.Store
// implementation is expected to pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) saga.Store

// NewRecord returns a RUNNING record that has not been created yet.
func NewRecord(t saga.SagaType) *saga.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &saga.Record{
		ID:             uuid.NewString(),
		Type:           t,
		Status:         saga.StatusRunning,
		CompletedSteps: []saga.StepName{},
		Context:        []byte(`{"order_id":"o-1"}`),
		AttemptCounts:  map[saga.StepName]int{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("FindMissing", func(t *testing.T) { testFindMissing(t, newStore(t)) })
	t.Run("UpdateBumpsVersion", func(t *testing.T) { testUpdateBumpsVersion(t, newStore(t)) })
	t.Run("UpdateStaleVersion", func(t *testing.T) { testUpdateStaleVersion(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("ConcurrentUpdateOneWinner", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("FindByStatus", func(t *testing.T) { testFindByStatus(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
}

func testCreateAndFind(t *testing.T, s saga.Store) {
	ctx := context.Background()
	rec := NewRecord("order")
	rec.CompletedSteps = []saga.StepName{"CreateOrder"}
	rec.AttemptCounts["CreateOrder"] = 2

	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	got, err := s.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, saga.SagaType("order"), got.Type)
	assert.Equal(t, saga.StatusRunning, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []saga.StepName{"CreateOrder"}, got.CompletedSteps)
	assert.Equal(t, 2, got.AttemptCounts["CreateOrder"])
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(got.Context))
}

func testCreateDuplicate(t *testing.T, s saga.Store) {
	ctx := context.Background()
	rec := NewRecord("order")
	require.NoError(t, s.Create(ctx, rec))

	dup := NewRecord("order")
	dup.ID = rec.ID
	err := s.Create(ctx, dup)
	assert.ErrorIs(t, err, saga.ErrAlreadyExists)
}

func testFindMissing(t *testing.T, s saga.Store) {
	_, err := s.Find(context.Background(), "missing")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func testUpdateBumpsVersion(t *testing.T, s saga.Store) {
	ctx := context.Background()
	rec := NewRecord("order")
	require.NoError(t, s.Create(ctx, rec))

	rec.Status = saga.StatusCompensating
	rec.LastError = "payment declined"
	require.NoError(t, s.Update(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	got, err := s.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, saga.StatusCompensating, got.Status)
	assert.Equal(t, "payment declined", got.LastError)
}

func testUpdateStaleVersion(t *testing.T, s saga.Store) {
	ctx := context.Background()
	rec := NewRecord("order")
	require.NoError(t, s.Create(ctx, rec))

	stale := rec.Clone()
	rec.CurrentStepIndex = 1
	require.NoError(t, s.Update(ctx, rec))

	stale.CurrentStepIndex = 5
	err := s.Update(ctx, stale)
	assert.ErrorIs(t, err, saga.ErrVersionConflict)
	assert.Equal(t, int64(1), stale.Version, "failed update must not touch the caller's record")

	got, err := s.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStepIndex)
}

func testUpdateMissing(t *testing.T, s saga.Store) {
	rec := NewRecord("order")
	rec.Version = 1
	err := s.Update(context.Background(), rec)
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func testConcurrentUpdate(t *testing.T, s saga.Store) {
	ctx := context.Background()
	rec := NewRecord("order")
	require.NoError(t, s.Create(ctx, rec))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		attempt := rec.Clone()
		attempt.Owner = fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, attempt)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, saga.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)

	got, err := s.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testFindByStatus(t *testing.T, s saga.Store) {
	ctx := context.Background()
	running := NewRecord("order")
	compensating := NewRecord("order")
	compensating.Status = saga.StatusCompensating
	require.NoError(t, s.Create(ctx, running))
	require.NoError(t, s.Create(ctx, compensating))

	got, err := s.FindByStatus(ctx, saga.StatusCompensating)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, compensating.ID, got[0].ID)

	got, err = s.FindByStatus(ctx, saga.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testListFilters(t *testing.T, s saga.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	mk := func(i int, typ saga.SagaType, status saga.Status, partial bool) *saga.Record {
		rec := NewRecord(typ)
		rec.Status = status
		rec.PartialCompensation = partial
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		require.NoError(t, s.Create(ctx, rec))
		return rec
	}
	a := mk(0, "order", saga.StatusCompleted, false)
	b := mk(1, "order", saga.StatusFailed, true)
	c := mk(2, "refund", saga.StatusFailed, false)
	d := mk(3, "order", saga.StatusRunning, false)

	ids := func(recs []*saga.Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	all, err := s.List(ctx, saga.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, c.ID, d.ID}, ids(all))

	failed, err := s.List(ctx, saga.Filter{Statuses: []saga.Status{saga.StatusFailed}})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, c.ID}, ids(failed))

	orders, err := s.List(ctx, saga.Filter{Type: "order"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, d.ID}, ids(orders))

	partial, err := s.List(ctx, saga.Filter{Partial: saga.BoolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(partial))

	paged, err := s.List(ctx, saga.Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, c.ID}, ids(paged))

	mixed, err := s.List(ctx, saga.Filter{
		Statuses: []saga.Status{saga.StatusFailed, saga.StatusRunning},
		Type:     "order",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, d.ID}, ids(mixed))
}
