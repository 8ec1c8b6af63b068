package events

import (
	"testing"
	"time"

	"github.com/pingsantohq/cellguard/pkg/types"
)

type captureRecorder struct {
	events []types.Event
}

func (c *captureRecorder) Record(event types.Event) {
	c.events = append(c.events, event)
}

func TestMultiFansOutAndSkipsNil(t *testing.T) {
	a := &captureRecorder{}
	b := &captureRecorder{}
	m := NewMulti(a, nil, b)

	m.Record(New(types.EventDataStall, 1, time.Unix(10, 0), nil))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both recorders to receive the event, got %d and %d", len(a.events), len(b.events))
	}
}

func TestNewStampsIDAndUTC(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	ev := New(types.EventHandover, 2, time.Date(2024, 1, 1, 12, 0, 0, 0, loc), map[string]string{"k": "v"})
	if ev.ID == "" {
		t.Fatalf("expected event id")
	}
	if ev.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp got %v", ev.Timestamp.Location())
	}
	if ev.RadioID != 2 || ev.Type != types.EventHandover {
		t.Fatalf("unexpected event %+v", ev)
	}
	other := New(types.EventHandover, 2, time.Time{}, nil)
	if other.ID == ev.ID {
		t.Fatalf("expected unique ids")
	}
	if other.Timestamp.IsZero() {
		t.Fatalf("expected zero timestamp to be replaced")
	}
}
