package taskqueue

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/taskd/internal/tracker"
)

// ErrInvalidPriority is returned when a tracker names a level outside the set.
var ErrInvalidPriority = errors.New("taskqueue: invalid priority")

// Set groups one queue per priority level.
type Set struct {
	queues []*Queue
}

// NewSet returns a set with levels queues (priorities 0..levels-1).
func NewSet(levels int) *Set {
	if levels < 1 {
		levels = 1
	}
	s := &Set{queues: make([]*Queue, levels)}
	for i := range s.queues {
		s.queues[i] = New(i)
	}
	return s
}

// Levels returns the number of priority levels.
func (s *Set) Levels() int { return len(s.queues) }

// Queue returns the queue for priority.
func (s *Set) Queue(priority int) (*Queue, error) {
	if priority < 0 || priority >= len(s.queues) {
		return nil, fmt.Errorf("%w: %d (levels=%d)", ErrInvalidPriority, priority, len(s.queues))
	}
	return s.queues[priority], nil
}

// Enqueue routes t to the queue matching its priority.
func (s *Set) Enqueue(t *tracker.Tracker) error {
	q, err := s.Queue(t.Priority())
	if err != nil {
		return err
	}
	q.Enqueue(t)
	return nil
}

// EmptyFrom reports whether every queue at priority or above is empty.
func (s *Set) EmptyFrom(priority int) bool {
	for i := max(priority, 0); i < len(s.queues); i++ {
		if !s.queues[i].IsEmpty() {
			return false
		}
	}
	return true
}

// Len returns the total number of queued trackers.
func (s *Set) Len() int64 {
	var total int64
	for _, q := range s.queues {
		total += q.Count()
	}
	return total
}

// Sample advances every queue's arrival rate estimate.
func (s *Set) Sample(now time.Time) {
	for _, q := range s.queues {
		q.Sample(now)
	}
}

// Statistics returns per-level snapshots ordered by priority.
func (s *Set) Statistics(now time.Time) []Statistics {
	out := make([]Statistics, len(s.queues))
	for i, q := range s.queues {
		out[i] = q.Statistics(now)
	}
	return out
}

// Drain removes every queued tracker, highest priority first.
func (s *Set) Drain() []*tracker.Tracker {
	var out []*tracker.Tracker
	for i := len(s.queues) - 1; i >= 0; i-- {
		for {
			t, ok := s.queues[i].TryDequeue()
			if !ok {
				break
			}
			out = append(out, t)
		}
	}
	return out
}

// DequeueHighest offers the head of each level to accept, highest priority
// first, and removes the first head accept takes. Trackers that already
// reached a terminal status are discarded on the way. It must only be called
// from a single consumer so that the peeked head is the one removed.
func (s *Set) DequeueHighest(accept func(*tracker.Tracker) bool) (*tracker.Tracker, bool) {
	for i := len(s.queues) - 1; i >= 0; i-- {
		q := s.queues[i]
		for {
			head, ok := q.Peek()
			if !ok {
				break
			}
			if head.Status().Terminal() {
				q.TryDequeue()
				continue
			}
			if !accept(head) {
				break
			}
			t, _ := q.TryDequeue()
			return t, true
		}
	}
	return nil, false
}
