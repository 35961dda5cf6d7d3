// Package httpapi is the operator and entry-point HTTP interface of the saga
// daemon.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/dag"
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 5 * time.Minute
	maxListLimit        = 500
)

type Handler struct {
	o *saga.Orchestrator
}

func NewHandler(o *saga.Orchestrator) *Handler {
	return &Handler{o: o}
}

func NewRouter(o *saga.Orchestrator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h := NewHandler(o)
	r.GET("/types", h.GetTypes)
	r.POST("/sagas", h.PostSagas)
	r.GET("/sagas", h.ListSagas)
	r.GET("/sagas/:id", h.GetSaga)
	r.GET("/sagas/:id/outcome", h.GetOutcome)
	r.GET("/sagas/:id/graph", h.GetGraph)
	r.POST("/sagas/:id/cancel", h.PostCancel)
	r.POST("/sagas/:id/resume", h.PostResume)
	return r
}

func (h *Handler) GetTypes(c *gin.Context) {
	reg := h.o.Registry()
	types := []TypeInfo{}
	for _, t := range reg.Types() {
		def, err := reg.Get(t)
		if err != nil {
			continue
		}
		types = append(types, TypeInfo{Type: string(t), Steps: def.StepNames()})
	}
	c.JSON(http.StatusOK, types)
}

func (h *Handler) PostSagas(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingType})
		return
	}

	initial := saga.NewContext()
	for k, v := range req.Context {
		if err := initial.Set(k, v); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON, Detail: err.Error()})
			return
		}
	}

	id, err := h.o.Start(c.Request.Context(), saga.SagaType(req.Type), initial)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StartResponse{SagaID: id, Status: string(saga.StatusRunning)})
}

func (h *Handler) ListSagas(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidQuery, Detail: err.Error()})
		return
	}
	recs, err := h.o.Store().List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := ListResponse{Sagas: make([]SagaSummary, 0, len(recs))}
	for _, rec := range recs {
		resp.Sagas = append(resp.Sagas, summarize(rec))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetSaga(c *gin.Context) {
	rec, err := h.o.Store().Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetOutcome waits up to ?timeout= for a terminal state. When the wait
// expires the saga's current status is returned with 202.
func (h *Handler) GetOutcome(c *gin.Context) {
	timeout := defaultAwaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidQuery, Detail: "timeout"})
			return
		}
		timeout = min(d, maxAwaitTimeout)
	}
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	out, err := h.o.AwaitOutcome(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		rec, ferr := h.o.Store().Find(c.Request.Context(), id)
		if ferr != nil {
			writeError(c, ferr)
			return
		}
		c.JSON(http.StatusAccepted, summarize(rec))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

func (h *Handler) PostCancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.o.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.o.Store().Find(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, summarize(rec))
}

// PostResume drives a stale saga to its end within the request. A saga
// still owned by a live worker is refused with 409 unless force=true.
func (h *Handler) PostResume(c *gin.Context) {
	resume := h.o.Resume
	if raw := c.Query("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidQuery, Detail: "force must be a boolean"})
			return
		}
		if force {
			resume = h.o.Takeover
		}
	}
	out, err := resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

// GetGraph renders the saga's definition with its progress as Graphviz DOT.
func (h *Handler) GetGraph(c *gin.Context) {
	rec, err := h.o.Store().Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	def, err := h.o.Registry().Get(rec.Type)
	if err != nil {
		writeError(c, err)
		return
	}
	g := dag.FromDefinition(def)
	g.Overlay(rec)
	out, err := g.ExportToDot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrGraph, Detail: err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(out))
}

func parseFilter(c *gin.Context) (saga.Filter, error) {
	var f saga.Filter
	for _, raw := range c.QueryArray("status") {
		for _, v := range strings.Split(raw, ",") {
			s, err := saga.ParseStatus(strings.ToUpper(strings.TrimSpace(v)))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	f.Type = saga.SagaType(c.Query("type"))
	if raw := c.Query("partial"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errors.New("partial must be a boolean")
		}
		f.Partial = saga.BoolPtr(v)
	}
	if raw := c.Query("updated_before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("updated_before must be RFC3339")
		}
		f.UpdatedBefore = ts
	}
	var err error
	if f.Limit, err = intQuery(c, "limit"); err != nil {
		return f, err
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset, err = intQuery(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrNotFound})
	case errors.Is(err, saga.ErrUnknownSagaType):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrUnknownType, Detail: err.Error()})
	case errors.Is(err, saga.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: ErrInvalidState, Detail: err.Error()})
	case errors.Is(err, saga.ErrClaimLost):
		c.JSON(http.StatusConflict, ErrorResponse{Error: ErrOwned, Detail: err.Error()})
	case errors.Is(err, saga.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrStoreDown})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore, Detail: err.Error()})
	}
}
