package queue

import (
	"sync"

	"github.com/pingsantohq/cellguard/pkg/types"
)

// DepthRecorder receives queue depth and drop updates.
type DepthRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
}

// EventQueue buffers events between producers and the journal
// transmitter. When full, the oldest event is discarded.
type EventQueue struct {
	mu       sync.Mutex
	capacity int
	items    []types.Event
	dropped  uint64
	metrics  DepthRecorder
	notify   chan struct{}
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventQueue{
		capacity: capacity,
		items:    make([]types.Event, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

func (q *EventQueue) SetMetricsRecorder(rec DepthRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

// Record implements events.Recorder.
func (q *EventQueue) Record(event types.Event) {
	q.Enqueue(event)
}

func (q *EventQueue) Enqueue(event types.Event) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items[0] = types.Event{}
		q.items = q.items[1:]
		q.dropped++
		dropped = true
		if q.metrics != nil {
			q.metrics.IncQueueDrops()
		}
	}
	q.items = append(q.items, event)
	q.observeDepthLocked()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Ready is signalled after an enqueue. A single signal may cover many events.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.notify
}

func (q *EventQueue) Drain(max int) []types.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Event, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.observeDepthLocked()
	return drained
}

// Requeue puts events back at the head after a failed delivery. Events
// that no longer fit are dropped, oldest first.
func (q *EventQueue) Requeue(batch []types.Event) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]types.Event, 0, len(batch)+len(q.items))
	merged = append(merged, batch...)
	merged = append(merged, q.items...)
	if over := len(merged) - q.capacity; over > 0 {
		merged = merged[over:]
		q.dropped += uint64(over)
		if q.metrics != nil {
			for i := 0; i < over; i++ {
				q.metrics.IncQueueDrops()
			}
		}
	}
	q.items = merged
	q.observeDepthLocked()
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *EventQueue) Capacity() int { return q.capacity }

type Stats struct {
	Len     int
	Dropped uint64
}

func (q *EventQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: len(q.items), Dropped: q.dropped}
}

func (q *EventQueue) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveQueueDepth(len(q.items))
}
