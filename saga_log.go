package saga

import (
	"fmt"
	"strings"
	"time"
)

// JournalEvent is the kind of a journal entry.
type JournalEvent string

const (
	EventStepStarted           JournalEvent = "step_started"
	EventStepSucceeded         JournalEvent = "step_succeeded"
	EventStepFailed            JournalEvent = "step_failed"
	EventCompensationStarted   JournalEvent = "compensation_started"
	EventCompensationSucceeded JournalEvent = "compensation_succeeded"
	EventCompensationFailed    JournalEvent = "compensation_failed"
)

// JournalEntry is one event in a record's step journal.
type JournalEntry struct {
	Step    StepName     `json:"step"`
	Event   JournalEvent `json:"event"`
	Attempt int          `json:"attempt"`
	Error   string       `json:"error,omitempty"`
	At      time.Time    `json:"at"`
}

// String implements the fmt.Stringer interface for JournalEntry.
func (e JournalEntry) String() string {
	s := fmt.Sprintf("%-18s %-24s #%d", e.Step, e.Event, e.Attempt)
	if e.Error != "" {
		s += " " + e.Error
	}
	return s
}

// stepPhase is the per-step status derived from the journal.
type stepPhase int

const (
	phaseNeverStarted stepPhase = iota
	phaseStarted
	phaseSucceeded
	phaseFailed
	phaseCompensating
	phaseCompensated
	phaseCompensationFailed
)

// next returns the phase of a step after recording ev.
func (p stepPhase) next(ev JournalEvent) (stepPhase, error) {
	switch ev {
	case EventStepStarted:
		// a retry starts again after a failure; a resumed driver may start a
		// step whose earlier attempt was never settled
		if p == phaseNeverStarted || p == phaseStarted || p == phaseFailed {
			return phaseStarted, nil
		}
	case EventStepSucceeded:
		if p == phaseStarted {
			return phaseSucceeded, nil
		}
	case EventStepFailed:
		if p == phaseStarted {
			return phaseFailed, nil
		}
	case EventCompensationStarted:
		switch p {
		case phaseNeverStarted, phaseSucceeded, phaseCompensating, phaseCompensationFailed:
			return phaseCompensating, nil
		}
	case EventCompensationSucceeded:
		if p == phaseCompensating {
			return phaseCompensated, nil
		}
	case EventCompensationFailed:
		if p == phaseCompensating {
			return phaseCompensationFailed, nil
		}
	}
	return p, fmt.Errorf("illegal journal event %s in phase %d", ev, p)
}

// Journal is the ordered log of step events of one saga. It is not safe for
// concurrent use; each driver owns its own Journal.
type Journal struct {
	entries   []JournalEntry
	phases    map[StepName]stepPhase
	unwinding bool
}

// NewJournal creates a new, empty Journal.
func NewJournal() *Journal {
	return &Journal{phases: make(map[StepName]stepPhase)}
}

// ReplayJournal rebuilds a Journal from persisted entries, validating every
// transition on the way.
func ReplayJournal(entries []JournalEntry) (*Journal, error) {
	j := NewJournal()
	for i, e := range entries {
		if err := j.Record(e); err != nil {
			return nil, fmt.Errorf("replay journal entry %d: %w", i, err)
		}
	}
	return j, nil
}

// Record appends e after checking it is legal for its step.
func (j *Journal) Record(e JournalEntry) error {
	next, err := j.phases[e.Step].next(e.Event)
	if err != nil {
		return fmt.Errorf("step %s: %w", e.Step, err)
	}
	switch e.Event {
	case EventCompensationStarted, EventCompensationSucceeded, EventCompensationFailed:
		j.unwinding = true
	}
	j.phases[e.Step] = next
	j.entries = append(j.entries, e)
	return nil
}

// Unwinding reports whether any compensation has been journaled.
func (j *Journal) Unwinding() bool { return j.unwinding }

// Entries returns a copy of the journal.
func (j *Journal) Entries() []JournalEntry {
	return append([]JournalEntry(nil), j.entries...)
}

// Len returns the number of entries.
func (j *Journal) Len() int { return len(j.entries) }

// CompensationOrder lists the steps in the order their first compensation
// attempt started.
func CompensationOrder(entries []JournalEntry) []StepName {
	var order []StepName
	seen := make(map[StepName]bool)
	for _, e := range entries {
		if e.Event == EventCompensationStarted && !seen[e.Step] {
			seen[e.Step] = true
			order = append(order, e.Step)
		}
	}
	return order
}

// FormatJournal renders entries one per line for logs and the CLI.
func FormatJournal(sagaID string, entries []JournalEntry) string {
	var sb strings.Builder
	sb.WriteString("SAGA JOURNAL:\n")
	sb.WriteString(fmt.Sprintf("saga id: %s\n", sagaID))
	sb.WriteString(fmt.Sprintf("events (%d total):\n\n", len(entries)))
	for i, e := range entries {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, e.String()))
	}
	return sb.String()
}
