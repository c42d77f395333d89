// Package bus carries order lifecycle events from the coordinator to the
// perf tracker, the archive store, and agent observers.
package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"main/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Event is the unit passed through the in-memory bus.
type Event struct {
	Header  schema.EventHeader
	Payload []byte
}

// Queue is a bounded, non-blocking event queue. Publishers on the execution
// hot path never wait for consumers; a full queue drops the event and the
// drop is counted here and surfaced through Stats.
type Queue struct {
	ch        chan Event
	closed    uint32
	published atomic.Uint64
	dropped   atomic.Uint64
}

// QueueStats is a point-in-time view of queue traffic.
type QueueStats struct {
	Published uint64
	Dropped   uint64
	Depth     int
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		q.published.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new events. Events already queued
// are still delivered to Run.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed and
// drained.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

// Stats reports traffic counters and the current backlog.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Published: q.published.Load(),
		Dropped:   q.dropped.Load(),
		Depth:     len(q.ch),
	}
}
