package tracker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pkt.systems/taskd/internal/ids"
)

// Func is the work delegate executed for a tracker. Implementations must
// observe ctx and return promptly once it is cancelled.
type Func func(ctx context.Context, t *Tracker) error

// CompletionFunc receives a tracker once it reaches a terminal status. It
// is invoked exactly once per tracker and must not block.
type CompletionFunc func(t *Tracker)

// Options configures a new tracker.
type Options struct {
	// Name labels the tracker in logs and statistics.
	Name string
	// Priority selects the queue level; 0 is batch, higher is more urgent.
	Priority int
	// LongRunning exempts the tracker from the timeout sweep.
	LongRunning bool
	// Timeout is the expected duration. Zero defers to the manager default.
	Timeout time.Duration
	// Payload carries caller data (e.g. the inbound message).
	Payload any
	// Attempt is the delivery attempt this tracker represents (1-based).
	Attempt int
	// OnComplete fires once the tracker is terminal.
	OnComplete CompletionFunc
}

var (
	// ErrTimedOut is recorded on trackers cancelled by the timeout sweep.
	ErrTimedOut = errors.New("tracker: timed out")
	// ErrKilled is recorded on trackers that ignored cancellation past the
	// kill grace period.
	ErrKilled = errors.New("tracker: killed")
	// ErrAbandoned is recorded on queued trackers dropped at shutdown.
	ErrAbandoned = errors.New("tracker: abandoned at shutdown")
)

// PanicError wraps a value recovered from a panicking work function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tracker: work panicked: %v", e.Value)
}

// Tracker is one unit of work moving through the task manager.
type Tracker struct {
	id          uuid.UUID
	priority    int
	name        string
	longRunning bool
	timeout     time.Duration
	payload     any
	attempt     int
	execute     Func
	onComplete  CompletionFunc

	status   atomic.Int32
	released atomic.Bool
	notified atomic.Bool

	mu              sync.Mutex
	queuedAt        time.Time
	submittedAt     time.Time
	startedAt       time.Time
	killRequestedAt time.Time
	finishedAt      time.Time
	err             error
	cancel          context.CancelFunc
}

// New constructs a queued tracker around fn.
func New(fn Func, opts Options) *Tracker {
	attempt := opts.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	t := &Tracker{
		id:          ids.NewTracker(),
		priority:    opts.Priority,
		name:        opts.Name,
		longRunning: opts.LongRunning,
		timeout:     opts.Timeout,
		payload:     opts.Payload,
		attempt:     attempt,
		execute:     fn,
		onComplete:  opts.OnComplete,
	}
	t.status.Store(int32(StatusQueued))
	return t
}

// ID returns the tracker id.
func (t *Tracker) ID() uuid.UUID { return t.id }

// ReservationID returns the key used for availability reservations.
func (t *Tracker) ReservationID() string { return t.id.String() }

// Priority returns the immutable priority level.
func (t *Tracker) Priority() int { return t.priority }

// Name returns the tracker label.
func (t *Tracker) Name() string { return t.name }

// IsLongRunning reports whether the tracker is exempt from timeout kills.
func (t *Tracker) IsLongRunning() bool { return t.longRunning }

// Timeout returns the configured expected duration (zero when unset).
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Payload returns the caller supplied payload.
func (t *Tracker) Payload() any { return t.payload }

// Attempt returns the 1-based delivery attempt.
func (t *Tracker) Attempt() int { return t.attempt }

// Status returns the current status.
func (t *Tracker) Status() Status {
	return Status(t.status.Load())
}

// Transition moves the tracker to next when legal, stamping the matching
// timestamp with now. It returns false when another actor already moved the
// tracker elsewhere or the move would regress.
func (t *Tracker) Transition(next Status, now time.Time) bool {
	for {
		cur := Status(t.status.Load())
		if !cur.CanTransition(next) {
			return false
		}
		if t.status.CompareAndSwap(int32(cur), int32(next)) {
			t.stamp(next, now)
			return true
		}
	}
}

// Finish moves the tracker to a terminal status and records err.
func (t *Tracker) Finish(status Status, err error, now time.Time) bool {
	if !status.Terminal() {
		return false
	}
	if !t.Transition(status, now) {
		return false
	}
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	return true
}

func (t *Tracker) stamp(status Status, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch status {
	case StatusSubmitted:
		t.submittedAt = now
	case StatusRunning:
		t.startedAt = now
	case StatusKillRequested:
		t.killRequestedAt = now
	case StatusCompleted, StatusCancelled, StatusKilled:
		t.finishedAt = now
	}
}

// MarkQueued records the admission time. Only the first call has effect.
func (t *Tracker) MarkQueued(now time.Time) {
	t.mu.Lock()
	if t.queuedAt.IsZero() {
		t.queuedAt = now
	}
	t.mu.Unlock()
}

// Bind derives the execution context for the work function and retains
// its cancel func so the manager can request cancellation later.
func (t *Tracker) Bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	return ctx
}

// Cancel signals the work function to stop. It is safe to call at any time.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the work function, converting panics into *PanicError.
func (t *Tracker) Run(ctx context.Context) (err error) {
	if t.execute == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.execute(ctx, t)
}

// MarkReleased returns true exactly once; callers release the tracker's
// reservation only when it does.
func (t *Tracker) MarkReleased() bool {
	return t.released.CompareAndSwap(false, true)
}

// Released reports whether the reservation has been released.
func (t *Tracker) Released() bool {
	return t.released.Load()
}

// Notify invokes the completion callback at most once.
func (t *Tracker) Notify() {
	if !t.notified.CompareAndSwap(false, true) {
		return
	}
	if t.onComplete != nil {
		t.onComplete(t)
	}
}

// Err returns the error recorded when the tracker finished.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Failed reports whether the tracker ended unsuccessfully.
func (t *Tracker) Failed() bool {
	switch t.Status() {
	case StatusCompleted:
		return t.Err() != nil
	case StatusCancelled, StatusKilled:
		return true
	default:
		return false
	}
}

// Overdue reports whether a running tracker has exceeded timeout (or its own
// timeout when set) at now. Long-running trackers are never overdue.
func (t *Tracker) Overdue(now time.Time, fallback time.Duration) bool {
	if t.longRunning || t.Status() != StatusRunning {
		return false
	}
	limit := t.timeout
	if limit <= 0 {
		limit = fallback
	}
	if limit <= 0 {
		return false
	}
	t.mu.Lock()
	started := t.startedAt
	t.mu.Unlock()
	return !started.IsZero() && now.Sub(started) > limit
}

// KillDue reports whether a kill-requested tracker has outlived grace.
func (t *Tracker) KillDue(now time.Time, grace time.Duration) bool {
	if t.Status() != StatusKillRequested {
		return false
	}
	t.mu.Lock()
	requested := t.killRequestedAt
	t.mu.Unlock()
	return !requested.IsZero() && now.Sub(requested) >= grace
}

// Info is a point-in-time copy of tracker state.
type Info struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Priority        int           `json:"priority"`
	Status          string        `json:"status"`
	LongRunning     bool          `json:"long_running,omitempty"`
	Attempt         int           `json:"attempt"`
	QueuedAt        time.Time     `json:"queued_at,omitzero"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	KillRequestedAt time.Time     `json:"kill_requested_at,omitzero"`
	FinishedAt      time.Time     `json:"finished_at,omitzero"`
	Wait            time.Duration `json:"wait"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// Info returns a snapshot of the tracker.
func (t *Tracker) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:              t.id.String(),
		Name:            t.name,
		Priority:        t.priority,
		Status:          t.Status().String(),
		LongRunning:     t.longRunning,
		Attempt:         t.attempt,
		QueuedAt:        t.queuedAt,
		StartedAt:       t.startedAt,
		KillRequestedAt: t.killRequestedAt,
		FinishedAt:      t.finishedAt,
	}
	if !t.queuedAt.IsZero() && !t.startedAt.IsZero() {
		info.Wait = t.startedAt.Sub(t.queuedAt)
	}
	if !t.startedAt.IsZero() && !t.finishedAt.IsZero() {
		info.Duration = t.finishedAt.Sub(t.startedAt)
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}
