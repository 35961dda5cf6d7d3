package saga

// Outcome is the terminal result of a saga as seen by callers.
type Outcome struct {
	SagaID  string
	Type    SagaType
	Status  Status
	Context *Context
	// Err is a *FailureError when Status is FAILED, nil otherwise.
	Err error

	CompletedSteps      []StepName
	CompensatedSteps    []StepName
	PartialCompensation bool
	FailedCompensations []CompensationFailure
}

// Completed reports whether the business operation happened.
func (o *Outcome) Completed() bool { return o.Status == StatusCompleted }

func newOutcome(rec *Record) (*Outcome, error) {
	sc, err := rec.DecodeContext()
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		SagaID:              rec.ID,
		Type:                rec.Type,
		Status:              rec.Status,
		Context:             sc,
		CompletedSteps:      append([]StepName(nil), rec.CompletedSteps...),
		CompensatedSteps:    append([]StepName(nil), rec.CompensatedSteps...),
		PartialCompensation: rec.PartialCompensation,
		FailedCompensations: append([]CompensationFailure(nil), rec.FailedCompensations...),
	}
	if rec.Status == StatusFailed {
		out.Err = &FailureError{
			SagaID:  rec.ID,
			Step:    rec.FailedStep,
			Message: rec.LastError,
			Partial: rec.PartialCompensation,
		}
	}
	return out, nil
}
