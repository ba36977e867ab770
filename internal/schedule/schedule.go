// Package schedule submits recurring work to the task manager.
//
// The Scheduler is a taskmgr.Process: on every loop tick it submits a
// tracker for each schedule that is due. A schedule never overlaps itself,
// master-only schedules fire only while this instance holds the master role,
// and batch (priority 0) schedules are deferred while the load controller is
// engaged.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/availability"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/loggingutil"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/tracker"
)

// ErrDuplicateSchedule is returned when a schedule name is reused.
var ErrDuplicateSchedule = errors.New("schedule: duplicate name")

// Schedule describes one recurring job.
type Schedule struct {
	Name        string
	InitialWait time.Duration
	Interval    time.Duration
	Priority    int
	MasterOnly  bool
	Timeout     time.Duration
	LongRunning bool
	Run         tracker.Func
	// NextInterval, when set, overrides Interval each time the schedule
	// is rescheduled. Non-positive results fall back to Interval.
	NextInterval func() time.Duration
}

// Submitter accepts trackers.
type Submitter interface {
	Submit(t *tracker.Tracker) error
}

// Leadership reports whether this instance currently holds the master role.
type Leadership interface {
	IsActive() bool
}

// Config wires a Scheduler.
type Config struct {
	Name      string
	Submitter Submitter
	Leader    Leadership
	QRF       *qrf.Controller
	Clock     clock.Clock
	Logger    pslog.Logger
}

type entry struct {
	sched   Schedule
	next    time.Time
	running atomic.Bool

	mu       sync.Mutex
	runs     uint64
	failures uint64
	overlaps uint64
	deferred uint64
	gated    uint64
	lastRun  time.Time
	lastErr  error
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	entries []*entry
}

// New returns an empty scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("schedule: submitter required")
	}
	if cfg.Name == "" {
		cfg.Name = "schedules"
	}
	return &Scheduler{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "core.schedule"),
		clock:  clock.Ensure(cfg.Clock),
	}, nil
}

// Add registers s. Its first firing is InitialWait from now.
func (s *Scheduler) Add(sched Schedule) error {
	switch {
	case sched.Name == "":
		return errors.New("schedule: name required")
	case sched.Run == nil:
		return fmt.Errorf("schedule: %s has no run func", sched.Name)
	case sched.Interval <= 0:
		return fmt.Errorf("schedule: %s interval must be positive", sched.Name)
	case sched.InitialWait < 0:
		return fmt.Errorf("schedule: %s initial wait is negative", sched.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.sched.Name == sched.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateSchedule, sched.Name)
		}
	}
	s.entries = append(s.entries, &entry{sched: sched, next: s.clock.Now().Add(sched.InitialWait)})
	return nil
}

// Name implements taskmgr.Process.
func (s *Scheduler) Name() string { return s.cfg.Name }

// CanProcess implements taskmgr.Process.
func (s *Scheduler) CanProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) > 0
}

// SelfThrottled implements taskmgr.SelfThrottled: the scheduler defers its
// own batch schedules, so the manager polls it even while polls are skipped.
func (s *Scheduler) SelfThrottled() bool { return true }

// Process submits every due schedule. The capacity view is not consulted:
// schedule trackers queue like any other submission.
func (s *Scheduler) Process(ctx context.Context, _ availability.View) {
	now := s.clock.Now()
	s.mu.Lock()
	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}
	var decision *qrf.Decision
	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if e.sched.MasterOnly && (s.cfg.Leader == nil || !s.cfg.Leader.IsActive()) {
			s.advance(e, now, func() { e.gated++ })
			continue
		}
		if e.running.Load() {
			s.advance(e, now, func() { e.overlaps++ })
			continue
		}
		if e.sched.Priority == 0 {
			if decision == nil {
				d := s.cfg.QRF.Decide(qrf.KindSchedule)
				decision = &d
			}
			if decision.Skip {
				e.mu.Lock()
				e.deferred++
				e.mu.Unlock()
				continue
			}
		}
		s.fire(e, now)
	}
}

func (s *Scheduler) advance(e *entry, now time.Time, count func()) {
	interval := e.sched.Interval
	if e.sched.NextInterval != nil {
		if d := e.sched.NextInterval(); d > 0 {
			interval = d
		}
	}
	s.mu.Lock()
	e.next = now.Add(interval)
	s.mu.Unlock()
	e.mu.Lock()
	count()
	e.mu.Unlock()
}

func (s *Scheduler) fire(e *entry, now time.Time) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	t := tracker.New(e.sched.Run, tracker.Options{
		Name:        e.sched.Name,
		Priority:    e.sched.Priority,
		LongRunning: e.sched.LongRunning,
		Timeout:     e.sched.Timeout,
		OnComplete: func(t *tracker.Tracker) {
			e.mu.Lock()
			if t.Failed() {
				e.failures++
				e.lastErr = t.Err()
			} else {
				e.lastErr = nil
			}
			e.mu.Unlock()
			e.running.Store(false)
		},
	})
	if err := s.cfg.Submitter.Submit(t); err != nil {
		e.running.Store(false)
		s.logger.Warn("schedule.submit.failed", "schedule", e.sched.Name, "error", err)
		return
	}
	s.advance(e, now, func() {
		e.runs++
		e.lastRun = now
	})
	s.logger.Trace("schedule.fired", "schedule", e.sched.Name, "priority", e.sched.Priority)
}

// EntryStatistics describes one schedule.
type EntryStatistics struct {
	Name       string    `json:"name"`
	Priority   int       `json:"priority"`
	MasterOnly bool      `json:"master_only,omitempty"`
	Running    bool      `json:"running"`
	Next       time.Time `json:"next"`
	LastRun    time.Time `json:"last_run,omitzero"`
	Runs       uint64    `json:"runs"`
	Failures   uint64    `json:"failures"`
	Overlaps   uint64    `json:"overlaps"`
	Deferred   uint64    `json:"deferred"`
	Gated      uint64    `json:"gated"`
	LastError  string    `json:"last_error,omitempty"`
}

// Statistics returns one entry per schedule in registration order.
func (s *Scheduler) Statistics() []EntryStatistics {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	nexts := make([]time.Time, len(entries))
	for i, e := range entries {
		nexts[i] = e.next
	}
	s.mu.Unlock()
	out := make([]EntryStatistics, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		out[i] = EntryStatistics{
			Name:       e.sched.Name,
			Priority:   e.sched.Priority,
			MasterOnly: e.sched.MasterOnly,
			Running:    e.running.Load(),
			Next:       nexts[i],
			LastRun:    e.lastRun,
			Runs:       e.runs,
			Failures:   e.failures,
			Overlaps:   e.overlaps,
			Deferred:   e.deferred,
			Gated:      e.gated,
		}
		if e.lastErr != nil {
			out[i].LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
	}
	return out
}
