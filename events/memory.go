package events

import (
	"context"
	"sync"
)

// MemoryPublisher keeps events in memory. It backs tests and the "none"
// sink of the daemon when events should still be inspectable.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Kinds lists the event kinds published for sagaID, in order.
func (p *MemoryPublisher) Kinds(sagaID string) []Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []Kind
	for _, e := range p.events {
		if e.SagaID == sagaID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}
