// Package journal holds the destinations events are flushed to.
package journal

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/pkg/types"
)

// Sink persists or forwards a batch of events.
type Sink interface {
	Send(ctx context.Context, events []types.Event) error
}

// LogSink writes each event to a structured logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, events []types.Event) error {
	if s.Logger == nil {
		return nil
	}
	for _, ev := range events {
		s.Logger.Info("journal event",
			zap.String("event", string(ev.Type)),
			zap.String("event_id", ev.ID),
			zap.Int("radio_id", int(ev.RadioID)),
			zap.Time("ts", ev.Timestamp),
			zap.Any("labels", ev.Labels),
			zap.Any("details", ev.Details),
		)
	}
	return nil
}

// MultiSink fans a batch out to every sink. All sinks are attempted; their
// errors are joined.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, events []types.Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Send(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
