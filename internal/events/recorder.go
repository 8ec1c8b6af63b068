package events

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/pkg/types"
)

// Recorder accepts events without blocking the caller materially.
type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes every event to a structured logger.
type LogRecorder struct {
	Logger *zap.Logger
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	r.Logger.Info("event recorded",
		zap.String("event", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.Int("radio_id", int(event.RadioID)),
		zap.Any("labels", event.Labels),
		zap.Any("details", event.Details),
	)
}

// New stamps an event with a fresh id and the given time.
func New(eventType types.EventType, radio types.RadioID, ts time.Time, labels map[string]string) types.Event {
	if ts.IsZero() {
		ts = time.Now()
	}
	return types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: ts.UTC(),
		RadioID:   radio,
		Labels:    labels,
	}
}
