package saga

import (
	"errors"
	"fmt"
)

// SagaType names a Definition. Records refer to their Definition by type so
// that a restarted process can find the steps again.
type SagaType string

// Definition is a named, static, ordered list of steps.
type Definition struct {
	sagaType SagaType
	steps    []Step
	index    map[StepName]int
}

// NewDefinition validates and returns a Definition. Step names must be
// non-empty and unique; a Definition without steps is valid and completes
// immediately.
func NewDefinition(t SagaType, steps ...Step) (*Definition, error) {
	if t == "" {
		return nil, errors.New("saga type must not be empty")
	}
	d := &Definition{
		sagaType: t,
		steps:    make([]Step, 0, len(steps)),
		index:    make(map[StepName]int, len(steps)),
	}
	for i, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("saga %s: step %d is nil", t, i)
		}
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("saga %s: step %d has an empty name", t, i)
		}
		if _, dup := d.index[name]; dup {
			return nil, fmt.Errorf("saga %s: %w: %s", t, ErrDuplicateStep, name)
		}
		d.index[name] = i
		d.steps = append(d.steps, s)
	}
	return d, nil
}

// MustDefinition is like NewDefinition but panics on error. Intended for
// package level saga declarations.
func MustDefinition(t SagaType, steps ...Step) *Definition {
	d, err := NewDefinition(t, steps...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Definition) Type() SagaType { return d.sagaType }

func (d *Definition) Len() int { return len(d.steps) }

// Step returns the step at position i.
func (d *Definition) Step(i int) Step { return d.steps[i] }

// Steps returns a copy of the ordered step list.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}

// Lookup finds a step by name and returns its position.
func (d *Definition) Lookup(name StepName) (Step, int, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, -1, false
	}
	return d.steps[i], i, true
}

func (d *Definition) StepNames() []StepName {
	names := make([]StepName, len(d.steps))
	for i, s := range d.steps {
		names[i] = s.Name()
	}
	return names
}
