package transmit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/internal/queue"
	"github.com/pingsantohq/cellguard/pkg/types"
)

var (
	ErrQueueNil = errors.New("transmitter queue is nil")
	ErrSinkNil  = errors.New("transmitter sink is nil")
)

// Sink defines the downstream consumer for events (e.g. a journal).
type Sink interface {
	Send(ctx context.Context, events []types.Event) error
}

// FlushObserver is told about every flush attempt, including idle ones.
type FlushObserver func(ts time.Time, err error)

// Option configures a Transmitter instance.
type Option func(*Transmitter)

// WithBatchSize overrides the number of events flushed per send.
func WithBatchSize(size int) Option {
	return func(t *Transmitter) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

// WithIdleSleep caps how long the transmitter waits for new events.
func WithIdleSleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.idleSleep = d
		}
	}
}

// WithRetrySleep customises the backoff applied after a failed send attempt.
func WithRetrySleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.retrySleep = d
		}
	}
}

func WithFlushObserver(fn FlushObserver) Option {
	return func(t *Transmitter) {
		t.observe = fn
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transmitter) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transmitter drains events from the in-memory queue and hands them to a
// downstream sink. Failed batches go back to the head of the queue.
type Transmitter struct {
	queue      *queue.EventQueue
	sink       Sink
	batchSize  int
	idleSleep  time.Duration
	retrySleep time.Duration
	observe    FlushObserver
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs a Transmitter. The queue and sink are required.
func New(queue *queue.EventQueue, sink Sink, opts ...Option) *Transmitter {
	t := &Transmitter{
		queue:      queue,
		sink:       sink,
		batchSize:  256,
		idleSleep:  time.Second,
		retrySleep: 500 * time.Millisecond,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until the context is cancelled. Remaining events are flushed
// once more on the way out, using a short detached deadline.
func (t *Transmitter) Run(ctx context.Context) error {
	if t.queue == nil {
		return ErrQueueNil
	}
	if t.sink == nil {
		return ErrSinkNil
	}

	for {
		if err := ctx.Err(); err != nil {
			t.drainOnExit()
			return err
		}

		if t.flushQueue(ctx) {
			continue
		}
		t.report(nil)

		timer := time.NewTimer(t.idleSleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.drainOnExit()
			return ctx.Err()
		case <-t.queue.Ready():
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (t *Transmitter) flushQueue(ctx context.Context) bool {
	batch := t.queue.Drain(t.batchSize)
	if len(batch) == 0 {
		return false
	}

	if err := t.sink.Send(ctx, batch); err != nil {
		t.queue.Requeue(batch)
		t.report(err)
		t.logger.Warn("journal send failed", zap.Int("events", len(batch)), zap.Error(err))
		t.sleep(ctx, t.retrySleep)
		return true
	}
	t.report(nil)
	return true
}

func (t *Transmitter) drainOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		batch := t.queue.Drain(t.batchSize)
		if len(batch) == 0 {
			return
		}
		if err := t.sink.Send(ctx, batch); err != nil {
			t.logger.Warn("final journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
			return
		}
	}
}

func (t *Transmitter) report(err error) {
	if t.observe != nil {
		t.observe(t.now(), err)
	}
}

func (t *Transmitter) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
