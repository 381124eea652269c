package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketcore/internal/events"
	"marketcore/internal/metrics"
	"marketcore/logger"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// DefaultControlReserve is the headroom above capacity that Offer may use.
const DefaultControlReserve = 16

// Queue is the bounded, ordered hand-off between the provider worker and the
// dispatcher. When it is full a producer waits up to the block timeout; after
// that the oldest STATUS event is evicted to make room. State-carrying events
// are never evicted, so their producer keeps waiting, while an incoming STATUS
// that still finds no room is dropped.
type Queue struct {
	mu       sync.Mutex
	items    []events.Event
	capacity int
	reserve  int
	block    time.Duration
	changed  chan struct{}
	closed   bool
	log      *logger.Log
}

func NewQueue(capacity int, block time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if block < 0 {
		block = 0
	}
	return &Queue{
		items:    make([]events.Event, 0, capacity),
		capacity: capacity,
		reserve:  DefaultControlReserve,
		block:    block,
		changed:  make(chan struct{}),
		log:      logger.GetLogger(),
	}
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
	metrics.SetQueueDepth(len(q.items))
}

// Push enqueues ev under the backpressure policy.
func (q *Queue) Push(ctx context.Context, ev events.Event) error {
	var (
		timer   *time.Timer
		expired <-chan time.Time
		waited  bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, ev)
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		if waited {
			if q.evictOldestStatus() {
				q.items = append(q.items, ev)
				q.broadcast()
				q.mu.Unlock()
				return nil
			}
			if !ev.StateCarrying() {
				q.mu.Unlock()
				metrics.EmitDropMetric(q.log, metrics.DropStatusShed, ev.Symbol, "incoming")
				return ErrQueueFull
			}
		}
		wake := q.changed
		q.mu.Unlock()

		if timer == nil && !waited {
			timer = time.NewTimer(q.block)
			expired = timer.C
		}
		select {
		case <-wake:
		case <-expired:
			waited = true
			expired = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Offer enqueues ev without blocking, using the control reserve above capacity.
func (q *Queue) Offer(ev events.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity+q.reserve {
		return ErrQueueFull
	}
	q.items = append(q.items, ev)
	q.broadcast()
	return nil
}

// evictOldestStatus removes the oldest STATUS event. Callers hold q.mu.
func (q *Queue) evictOldestStatus() bool {
	for i, ev := range q.items {
		if ev.StateCarrying() {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = events.Event{}
		q.items = q.items[:len(q.items)-1]
		metrics.EmitDropMetric(q.log, metrics.DropStatusShed, ev.Symbol, "queued")
		return true
	}
	return false
}

// Pop blocks until an event is available. After Close it drains what is left
// and then returns ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (events.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.pop()
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return events.Event{}, ErrQueueClosed
		}
		wake := q.changed
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		}
	}
}

// TryPop returns the next event without waiting.
func (q *Queue) TryPop() (events.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return events.Event{}, false
	}
	return q.pop(), true
}

func (q *Queue) pop() events.Event {
	ev := q.items[0]
	q.items[0] = events.Event{}
	q.items = q.items[1:]
	if len(q.items) == 0 && cap(q.items) < q.capacity {
		q.items = make([]events.Event, 0, q.capacity)
	}
	q.broadcast()
	return ev
}

// DropBefore removes events tagged with an epoch older than epoch and reports
// how many were removed. Control events keep their place.
func (q *Queue) DropBefore(epoch uint64, keep func(events.Event) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	dropped := 0
	for _, ev := range q.items {
		if ev.Epoch >= epoch || (keep != nil && keep(ev)) {
			kept = append(kept, ev)
			continue
		}
		dropped++
		metrics.EmitDropMetric(q.log, metrics.DropStaleEpoch, ev.Symbol, "queue")
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = events.Event{}
	}
	q.items = kept
	if dropped > 0 {
		q.broadcast()
	}
	return dropped
}

// Close stops accepting events. Queued events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func (q *Queue) Name() string { return "engine_queue" }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Cap() int { return q.capacity }
