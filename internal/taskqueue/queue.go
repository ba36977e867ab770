// Package taskqueue holds trackers waiting for capacity, one lock-free FIFO
// per priority level.
package taskqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/taskd/internal/tracker"
)

type node struct {
	value *tracker.Tracker
	next  atomic.Pointer[node]
}

// Queue is a multi-producer multi-consumer FIFO (Michael-Scott linked queue).
type Queue struct {
	priority int

	head atomic.Pointer[node]
	tail atomic.Pointer[node]

	count    atomic.Int64
	enqueued atomic.Uint64
	dequeued atomic.Uint64

	rateMu       sync.Mutex
	rateAt       time.Time
	rateEnqueued uint64
	arrivalRate  float64
}

// New returns an empty queue for priority.
func New(priority int) *Queue {
	q := &Queue{priority: priority}
	sentinel := &node{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Priority returns the level this queue serves.
func (q *Queue) Priority() int { return q.priority }

// Enqueue appends t at the tail.
func (q *Queue) Enqueue(t *tracker.Tracker) {
	n := &node{value: t}
	// Count before linking so a racing dequeue can never drive it negative.
	q.count.Add(1)
	q.enqueued.Add(1)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

// TryDequeue removes the head element. It returns false when empty.
func (q *Queue) TryDequeue() (*tracker.Tracker, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return nil, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		value := next.value
		if q.head.CompareAndSwap(head, next) {
			q.count.Add(-1)
			q.dequeued.Add(1)
			return value, true
		}
	}
}

// Peek returns the head element without removing it.
func (q *Queue) Peek() (*tracker.Tracker, bool) {
	next := q.head.Load().next.Load()
	if next == nil {
		return nil, false
	}
	return next.value, true
}

// IsEmpty reports whether no element is linked.
func (q *Queue) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}

// Count returns the number of queued elements.
func (q *Queue) Count() int64 {
	return q.count.Load()
}

// Sample folds the enqueue count since the previous sample into the arrival
// rate EWMA. The task manager calls it once per scheduling tick.
func (q *Queue) Sample(now time.Time) {
	const alpha = 0.3
	total := q.enqueued.Load()
	q.rateMu.Lock()
	defer q.rateMu.Unlock()
	if q.rateAt.IsZero() {
		q.rateAt = now
		q.rateEnqueued = total
		return
	}
	elapsed := now.Sub(q.rateAt).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(total-q.rateEnqueued) / elapsed
	if q.arrivalRate == 0 {
		q.arrivalRate = instant
	} else {
		q.arrivalRate += (instant - q.arrivalRate) * alpha
	}
	q.rateAt = now
	q.rateEnqueued = total
}

// Statistics is a read-only snapshot of one queue.
type Statistics struct {
	Priority    int           `json:"priority"`
	Depth       int64         `json:"depth"`
	Enqueued    uint64        `json:"enqueued"`
	Dequeued    uint64        `json:"dequeued"`
	ArrivalRate float64       `json:"arrival_rate"`
	OldestAge   time.Duration `json:"oldest_age"`
}

// Statistics returns a snapshot of the queue at now.
func (q *Queue) Statistics(now time.Time) Statistics {
	q.rateMu.Lock()
	rate := q.arrivalRate
	q.rateMu.Unlock()
	stats := Statistics{
		Priority:    q.priority,
		Depth:       q.count.Load(),
		Enqueued:    q.enqueued.Load(),
		Dequeued:    q.dequeued.Load(),
		ArrivalRate: rate,
	}
	if head, ok := q.Peek(); ok {
		if queuedAt := head.Info().QueuedAt; !queuedAt.IsZero() && now.After(queuedAt) {
			stats.OldestAge = now.Sub(queuedAt)
		}
	}
	return stats
}
