package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestEvent_RoutingKey(t *testing.T) {
	e := Event{Type: InboundCompleted, System: "lab"}
	if got := e.RoutingKey(); got != "inbound.completed.lab" {
		t.Errorf("unexpected routing key %q", got)
	}
}

func TestMemory_Publish(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 3; i++ {
		if err := m.Publish(context.Background(), Event{ID: uuid.New(), Type: OutboundCompleted}); err != nil {
			t.Fatal(err)
		}
	}
	got := m.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	got[0].Type = "changed"
	if m.Events()[0].Type != OutboundCompleted {
		t.Error("Events returned shared storage")
	}
}

func TestCounted(t *testing.T) {
	m := NewMemory()
	var results []bool
	p := Counted(m, func(ok bool) { results = append(results, ok) })

	_ = p.Publish(context.Background(), Event{})
	m.Err = errors.New("broker down")
	if err := p.Publish(context.Background(), Event{}); err == nil {
		t.Error("expected error to pass through")
	}
	if len(results) != 2 || !results[0] || results[1] {
		t.Errorf("unexpected observations %v", results)
	}
}
