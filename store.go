package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fortressi/saga/internal/set"
)

// Store persists saga records.
//
// Update is a full overwrite guarded by optimistic concurrency: it succeeds
// only while the stored Version equals rec.Version, and on success it bumps
// rec.Version and stamps rec.UpdatedAt. A successful Update must be durable
// before it returns. On any error rec is left untouched.
type Store interface {
	// Create persists a new record with Version 1.
	Create(ctx context.Context, rec *Record) error

	// Update overwrites a record, failing with ErrVersionConflict when the
	// stored version moved on since rec was read.
	Update(ctx context.Context, rec *Record) error

	// Find retrieves a record by id, or ErrSagaNotFound.
	Find(ctx context.Context, sagaID string) (*Record, error)

	// FindByStatus returns every record currently in status.
	FindByStatus(ctx context.Context, status Status) ([]*Record, error)

	// List returns the records matching f, oldest first.
	List(ctx context.Context, f Filter) ([]*Record, error)
}

// Status is the lifecycle state of a saga record.
type Status string

// Saga status constants
const (
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts the canonical upper-case names.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusRunning, StatusCompensating, StatusCompleted, StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown saga status %q", v)
}

// CompensationFailure records a compensation that could not succeed.
type CompensationFailure struct {
	Step  StepName `json:"step"`
	Error string   `json:"error"`
}

// Record is the durable, authoritative state of one saga instance.
type Record struct {
	ID               string     `json:"saga_id"`
	Type             SagaType   `json:"saga_type"`
	Status           Status     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	CompletedSteps   []StepName `json:"completed_steps"`
	// CompensatedSteps lists, in the order they ran, the compensations that
	// succeeded.
	CompensatedSteps    []StepName            `json:"compensated_steps,omitempty"`
	FailedCompensations []CompensationFailure `json:"failed_compensations,omitempty"`
	PartialCompensation bool                  `json:"partial_compensation"`

	Context              json.RawMessage  `json:"context"`
	AttemptCounts        map[StepName]int `json:"attempt_counts"`
	CompensationAttempts map[StepName]int `json:"compensation_attempts,omitempty"`

	LastError       string   `json:"last_error,omitempty"`
	FailedStep      StepName `json:"failed_step,omitempty"`
	CancelRequested bool     `json:"cancel_requested,omitempty"`
	// Owner is the worker currently driving the record.
	Owner string `json:"owner,omitempty"`

	Journal []JournalEntry `json:"journal,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.CompletedSteps = append([]StepName(nil), r.CompletedSteps...)
	c.CompensatedSteps = append([]StepName(nil), r.CompensatedSteps...)
	c.FailedCompensations = append([]CompensationFailure(nil), r.FailedCompensations...)
	c.Context = append(json.RawMessage(nil), r.Context...)
	c.AttemptCounts = cloneCounts(r.AttemptCounts)
	c.CompensationAttempts = cloneCounts(r.CompensationAttempts)
	c.Journal = append([]JournalEntry(nil), r.Journal...)
	return &c
}

func cloneCounts(m map[StepName]int) map[StepName]int {
	if m == nil {
		return nil
	}
	out := make(map[StepName]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Completed reports whether name is in CompletedSteps.
func (r *Record) Completed(name StepName) bool {
	return containsStep(r.CompletedSteps, name)
}

// settledCompensations returns the steps whose compensation already has a
// recorded outcome, successful or not.
func (r *Record) settledCompensations() set.Set[StepName] {
	settled := set.Of(r.CompensatedSteps...)
	for _, f := range r.FailedCompensations {
		settled.Insert(f.Step)
	}
	return settled
}

// DecodeContext returns the context snapshot held by the record.
func (r *Record) DecodeContext() (*Context, error) {
	return decodeContext(r.Context)
}

func containsStep(steps []StepName, name StepName) bool {
	for _, s := range steps {
		if s == name {
			return true
		}
	}
	return false
}

// Filter selects records for the operator query interface. Zero fields match
// everything.
type Filter struct {
	Statuses []Status
	Type     SagaType
	// Partial, when set, matches the partial-compensation flag.
	Partial *bool
	// UpdatedBefore, when non-zero, matches records last written before it.
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// Match reports whether rec satisfies every set field of f.
func (f Filter) Match(rec *Record) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Partial != nil && rec.PartialCompensation != *f.Partial {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Apply filters, orders and pages recs. Stores that cannot push the filter
// down to their backend use it on the candidate set.
func (f Filter) Apply(recs []*Record) []*Record {
	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	SortRecords(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Record{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortRecords orders records by creation time, then id.
func SortRecords(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// BoolPtr is a helper for Filter.Partial.
func BoolPtr(v bool) *bool { return &v }
