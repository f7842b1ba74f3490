// Package events announces completed exchanges to collaborators over a
// topic exchange. Publishing happens after the audit row is written and
// never changes the outcome of the exchange it describes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types double as the leading part of the routing key.
const (
	InboundCompleted  = "inbound.completed"
	OutboundCompleted = "outbound.completed"
)

// Event describes one completed exchange. It carries identifiers only,
// never clinical attributes.
type Event struct {
	ID            uuid.UUID   `json:"id"`
	Type          string      `json:"type"`
	OccurredAt    time.Time   `json:"occurred_at"`
	System        string      `json:"system"`
	CorrelationID uuid.UUID   `json:"correlation_id"`
	MessageID     *uuid.UUID  `json:"message_id,omitempty"`
	Attempt       int         `json:"attempt,omitempty"`
	Kind          string      `json:"kind,omitempty"`
	EntityIDs     []uuid.UUID `json:"entity_ids,omitempty"`
	ResourceType  string      `json:"resource_type,omitempty"`
	ResourceID    string      `json:"resource_id,omitempty"`
}

// RoutingKey is "<type>.<system>", e.g. inbound.completed.lab.
func (e Event) RoutingKey() string {
	return e.Type + "." + e.System
}

// Publisher hands events to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory keeps published events for inspection.
type Memory struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Counted reports every publish result to observe.
func Counted(p Publisher, observe func(ok bool)) Publisher {
	return &counted{Publisher: p, observe: observe}
}

type counted struct {
	Publisher
	observe func(ok bool)
}

func (c *counted) Publish(ctx context.Context, e Event) error {
	err := c.Publisher.Publish(ctx, e)
	c.observe(err == nil)
	return err
}
