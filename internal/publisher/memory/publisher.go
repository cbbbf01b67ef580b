// Package memory records completion events in process memory,
// standing in for Pub/Sub in development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event is one recorded completion event.
type Event struct {
	Name    string
	Payload any
}

// Publisher implements archive.Publisher by keeping every event
// addressable for later inspection instead of sending it anywhere.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a sequence-numbered pseudo ID.
func (p *Publisher) Publish(_ context.Context, name string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Name: name, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded events in publish order.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
