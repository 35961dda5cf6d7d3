package httpapi

import (
	"encoding/json"
	"time"

	"github.com/fortressi/saga"
)

const (
	ErrInvalidJSON  = "invalid_json"
	ErrMissingType  = "missing_saga_type"
	ErrUnknownType  = "unknown_saga_type"
	ErrInvalidQuery = "invalid_query"
	ErrNotFound     = "saga_not_found"
	ErrInvalidState = "invalid_transition"
	ErrOwned        = "saga_owned"
	ErrStore        = "store_error"
	ErrStoreDown    = "store_unavailable"
	ErrGraph        = "graph_error"
)

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type StartRequest struct {
	Type    string                     `json:"type"`
	Context map[string]json.RawMessage `json:"context"`
}

type StartResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

// SagaSummary is the row shape of the list endpoint.
type SagaSummary struct {
	SagaID              string          `json:"saga_id"`
	Type                string          `json:"saga_type"`
	Status              string          `json:"status"`
	CurrentStepIndex    int             `json:"current_step_index"`
	CompletedSteps      []saga.StepName `json:"completed_steps"`
	PartialCompensation bool            `json:"partial_compensation"`
	LastError           string          `json:"last_error,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type ListResponse struct {
	Sagas []SagaSummary `json:"sagas"`
}

type OutcomeResponse struct {
	SagaID              string                     `json:"saga_id"`
	Type                string                     `json:"saga_type"`
	Status              string                     `json:"status"`
	Context             *saga.Context              `json:"context,omitempty"`
	Error               string                     `json:"error,omitempty"`
	CompletedSteps      []saga.StepName            `json:"completed_steps"`
	CompensatedSteps    []saga.StepName            `json:"compensated_steps,omitempty"`
	PartialCompensation bool                       `json:"partial_compensation"`
	FailedCompensations []saga.CompensationFailure `json:"failed_compensations,omitempty"`
}

type TypeInfo struct {
	Type  string          `json:"type"`
	Steps []saga.StepName `json:"steps"`
}

func summarize(rec *saga.Record) SagaSummary {
	return SagaSummary{
		SagaID:              rec.ID,
		Type:                string(rec.Type),
		Status:              string(rec.Status),
		CurrentStepIndex:    rec.CurrentStepIndex,
		CompletedSteps:      rec.CompletedSteps,
		PartialCompensation: rec.PartialCompensation,
		LastError:           rec.LastError,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func outcomeResponse(out *saga.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		SagaID:              out.SagaID,
		Type:                string(out.Type),
		Status:              string(out.Status),
		Context:             out.Context,
		CompletedSteps:      out.CompletedSteps,
		CompensatedSteps:    out.CompensatedSteps,
		PartialCompensation: out.PartialCompensation,
		FailedCompensations: out.FailedCompensations,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}
