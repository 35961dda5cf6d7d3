package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
)

type fixture struct {
	router  *gin.Engine
	o       *saga.Orchestrator
	store   *saga.MemoryStore
	created atomic.Int32
	gate    chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{store: saga.NewMemoryStore(), gate: make(chan struct{})}
	close(f.gate)

	reg := saga.NewRegistry()
	reg.MustRegister(saga.MustDefinition("order",
		saga.NewStepWithNoOpCompensation("CreateOrder", func(_ context.Context, sc *saga.Context) error {
			f.created.Add(1)
			return sc.Set("order_id", "o-1")
		}),
		saga.NewStepWithNoOpCompensation("ChargePayment", func(ctx context.Context, sc *saga.Context) error {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
			if sc.Has("decline") {
				return saga.Permanent(errors.New("card declined"))
			}
			return nil
		}),
	))
	f.o = saga.New(f.store, reg, saga.WithAwaitPollInterval(5*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.o.Shutdown(ctx)
	})
	f.router = NewRouter(f.o)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestGetTypes(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/types", "")
	require.Equal(t, http.StatusOK, w.Code)

	types := decode[[]TypeInfo](t, w)
	require.Len(t, types, 1)
	assert.Equal(t, "order", types[0].Type)
	assert.Equal(t, []saga.StepName{"CreateOrder", "ChargePayment"}, types[0].Steps)
}

func TestStartAndAwaitOutcome(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/sagas", `{"type":"order","context":{"customer":"c-9"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[StartResponse](t, w)
	require.NotEmpty(t, started.SagaID)

	w = f.do(t, http.MethodGet, "/sagas/"+started.SagaID+"/outcome?timeout=2s", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Status         string            `json:"status"`
		CompletedSteps []string          `json:"completed_steps"`
		Context        map[string]string `json:"context"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "COMPLETED", out.Status)
	assert.Equal(t, []string{"CreateOrder", "ChargePayment"}, out.CompletedSteps)
	assert.Equal(t, "o-1", out.Context["order_id"])
	assert.Equal(t, "c-9", out.Context["customer"])
}

func TestFailedOutcomeCarriesReason(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/sagas", `{"type":"order","context":{"decline":true}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[StartResponse](t, w).SagaID

	w = f.do(t, http.MethodGet, "/sagas/"+id+"/outcome?timeout=2s", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[OutcomeResponse](t, w)
	assert.Equal(t, "FAILED", out.Status)
	assert.Contains(t, out.Error, "card declined")
	assert.Equal(t, []saga.StepName{"CreateOrder"}, out.CompensatedSteps)
}

func TestPostSagasRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/sagas", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrInvalidJSON, decode[ErrorResponse](t, w).Error)

	w = f.do(t, http.MethodPost, "/sagas", `{"type":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrMissingType, decode[ErrorResponse](t, w).Error)

	w = f.do(t, http.MethodPost, "/sagas", `{"type":"refund"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrUnknownType, decode[ErrorResponse](t, w).Error)
}

func TestGetSagaNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/sagas/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrNotFound, decode[ErrorResponse](t, w).Error)
}

func TestListSagasFilters(t *testing.T) {
	f := newFixture(t)
	ok := f.run(t, `{"type":"order"}`)
	failed := f.run(t, `{"type":"order","context":{"decline":true}}`)

	w := f.do(t, http.MethodGet, "/sagas?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ListResponse](t, w)
	require.Len(t, list.Sagas, 1)
	assert.Equal(t, failed, list.Sagas[0].SagaID)

	w = f.do(t, http.MethodGet, "/sagas?status=COMPLETED,FAILED&type=order&partial=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ListResponse](t, w).Sagas, 2)

	w = f.do(t, http.MethodGet, "/sagas?status=COMPLETED", "")
	list = decode[ListResponse](t, w)
	require.Len(t, list.Sagas, 1)
	assert.Equal(t, ok, list.Sagas[0].SagaID)

	for _, q := range []string{"status=DONE", "partial=maybe", "limit=-1", "updated_before=yesterday"} {
		w = f.do(t, http.MethodGet, "/sagas?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func (f *fixture) run(t *testing.T, body string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sagas", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[StartResponse](t, w).SagaID
	w = f.do(t, http.MethodGet, "/sagas/"+id+"/outcome?timeout=2s", "")
	require.Equal(t, http.StatusOK, w.Code)
	return id
}

func TestOutcomeTimeoutReturnsCurrentState(t *testing.T) {
	f := newFixture(t)
	f.gate = make(chan struct{})
	defer close(f.gate)

	w := f.do(t, http.MethodPost, "/sagas", `{"type":"order"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[StartResponse](t, w).SagaID

	w = f.do(t, http.MethodGet, "/sagas/"+id+"/outcome?timeout=30ms", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "RUNNING", decode[SagaSummary](t, w).Status)

	w = f.do(t, http.MethodGet, "/sagas/"+id+"/outcome?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelCompletedIsConflict(t *testing.T) {
	f := newFixture(t)
	id := f.run(t, `{"type":"order"}`)

	w := f.do(t, http.MethodPost, "/sagas/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrInvalidState, decode[ErrorResponse](t, w).Error)

	w = f.do(t, http.MethodPost, "/sagas/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRunningSaga(t *testing.T) {
	f := newFixture(t)
	f.gate = make(chan struct{})

	w := f.do(t, http.MethodPost, "/sagas", `{"type":"order"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[StartResponse](t, w).SagaID

	w = f.do(t, http.MethodPost, "/sagas/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	close(f.gate)

	w = f.do(t, http.MethodGet, "/sagas/"+id+"/outcome?timeout=2s", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[OutcomeResponse](t, w)
	assert.Equal(t, "FAILED", out.Status)
	assert.Contains(t, out.Error, saga.ErrCancelledByUser.Error())
}

func seedOwned(t *testing.T, f *fixture, id string, idle time.Duration) {
	t.Helper()
	written := time.Now().UTC().Add(-idle)
	require.NoError(t, f.store.Create(context.Background(), &saga.Record{
		ID:               id,
		Type:             "order",
		Status:           saga.StatusRunning,
		CurrentStepIndex: 1,
		CompletedSteps:   []saga.StepName{"CreateOrder"},
		Context:          json.RawMessage(`{"order_id":"o-7"}`),
		AttemptCounts:    map[saga.StepName]int{"CreateOrder": 1},
		Owner:            "other-worker",
		CreatedAt:        written,
		UpdatedAt:        written,
	}))
}

func TestResumeStaleRecord(t *testing.T) {
	f := newFixture(t)
	seedOwned(t, f, "stale-1", time.Hour)

	w := f.do(t, http.MethodPost, "/sagas/stale-1/resume", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[OutcomeResponse](t, w)
	assert.Equal(t, "COMPLETED", out.Status)
	assert.Equal(t, int32(0), f.created.Load())
}

func TestResumeRecordOwnedByLiveWorker(t *testing.T) {
	f := newFixture(t)
	seedOwned(t, f, "live-1", 0)

	w := f.do(t, http.MethodPost, "/sagas/live-1/resume", "")
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, ErrOwned, decode[ErrorResponse](t, w).Error)

	rec, err := f.store.Find(context.Background(), "live-1")
	require.NoError(t, err)
	assert.Equal(t, "other-worker", rec.Owner)
	assert.Equal(t, saga.StatusRunning, rec.Status)

	w = f.do(t, http.MethodPost, "/sagas/live-1/resume?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/sagas/live-1/resume?force=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decode[OutcomeResponse](t, w).Status)
}

func TestGetGraph(t *testing.T) {
	f := newFixture(t)
	id := f.run(t, `{"type":"order"}`)

	w := f.do(t, http.MethodGet, "/sagas/"+id+"/graph", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/vnd.graphviz"))
	assert.Contains(t, w.Body.String(), "digraph")
	assert.Contains(t, w.Body.String(), "CreateOrder")
}
