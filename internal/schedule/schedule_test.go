package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/tracker"
)

// heldSubmitter records trackers; tests finish them explicitly.
type heldSubmitter struct {
	mu   sync.Mutex
	held []*tracker.Tracker
}

func (h *heldSubmitter) Submit(t *tracker.Tracker) error {
	h.mu.Lock()
	h.held = append(h.held, t)
	h.mu.Unlock()
	return nil
}

func (h *heldSubmitter) finishAll(err error) {
	h.mu.Lock()
	held := h.held
	h.held = nil
	h.mu.Unlock()
	for _, t := range held {
		now := time.Now()
		t.Transition(tracker.StatusSubmitted, now)
		t.Transition(tracker.StatusRunning, now)
		t.Finish(tracker.StatusCompleted, err, now)
		t.Notify()
	}
}

func (h *heldSubmitter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}

type leader struct{ active atomic.Bool }

func (l *leader) IsActive() bool { return l.active.Load() }

func noop(context.Context, *tracker.Tracker) error { return nil }

func newScheduler(t *testing.T, clk clock.Clock, sub Submitter, ld Leadership, ctrl *qrf.Controller) *Scheduler {
	t.Helper()
	s, err := New(Config{Submitter: sub, Leader: ld, QRF: ctrl, Clock: clk, Logger: pslog.NoopLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestAddValidates(t *testing.T) {
	s := newScheduler(t, nil, &heldSubmitter{}, nil, nil)
	bad := []Schedule{
		{Run: noop, Interval: time.Second},
		{Name: "x", Interval: time.Second},
		{Name: "x", Run: noop},
		{Name: "x", Run: noop, Interval: time.Second, InitialWait: -1},
	}
	for i, sched := range bad {
		if err := s.Add(sched); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := s.Add(Schedule{Name: "x", Run: noop, Interval: time.Second}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(Schedule{Name: "x", Run: noop, Interval: time.Second}); !errors.Is(err, ErrDuplicateSchedule) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestScheduleFiresOnIntervalWithoutOverlap(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sub := &heldSubmitter{}
	s := newScheduler(t, clk, sub, nil, nil)
	if err := s.Add(Schedule{Name: "tick", Run: noop, InitialWait: time.Second, Interval: 5 * time.Second, Priority: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()

	s.Process(ctx, nil)
	if sub.count() != 0 {
		t.Fatal("schedule fired before its initial wait")
	}
	clk.Advance(time.Second)
	s.Process(ctx, nil)
	if sub.count() != 1 {
		t.Fatalf("expected first firing, got %d", sub.count())
	}

	clk.Advance(5 * time.Second)
	s.Process(ctx, nil)
	if sub.count() != 1 {
		t.Fatal("a running schedule must not overlap itself")
	}

	sub.finishAll(nil)
	clk.Advance(5 * time.Second)
	s.Process(ctx, nil)
	if sub.count() != 1 {
		t.Fatalf("expected the schedule to fire again after completion, got %d", sub.count())
	}
	stats := s.Statistics()[0]
	if stats.Runs != 2 || stats.Overlaps != 1 || !stats.Running {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}

func TestMasterOnlyScheduleRequiresLeadership(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sub := &heldSubmitter{}
	ld := &leader{}
	s := newScheduler(t, clk, sub, ld, nil)
	_ = s.Add(Schedule{Name: "report", Run: noop, Interval: time.Second, MasterOnly: true, Priority: 2})

	s.Process(context.Background(), nil)
	if sub.count() != 0 {
		t.Fatal("master-only schedule fired on a standby")
	}
	ld.active.Store(true)
	clk.Advance(time.Second)
	s.Process(context.Background(), nil)
	if sub.count() != 1 {
		t.Fatal("expected master-only schedule to fire on the master")
	}
	if s.Statistics()[0].Gated != 1 {
		t.Fatalf("unexpected statistics %+v", s.Statistics()[0])
	}
}

func TestBatchSchedulesDeferredWhileEngaged(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	ctrl := qrf.NewController(qrf.Config{Enabled: true, QueueSoftLimit: 1, QueueHardLimit: 2, RecoverySamples: 1})
	ctrl.Observe(qrf.Snapshot{TasksQueued: 5})
	sub := &heldSubmitter{}
	s := newScheduler(t, clk, sub, nil, ctrl)
	_ = s.Add(Schedule{Name: "batch", Run: noop, Interval: time.Minute})
	_ = s.Add(Schedule{Name: "urgent", Run: noop, Interval: time.Minute, Priority: 3})

	s.Process(context.Background(), nil)
	if sub.count() != 1 {
		t.Fatalf("expected only the urgent schedule to fire, got %d", sub.count())
	}
	ctrl.Observe(qrf.Snapshot{})
	ctrl.Observe(qrf.Snapshot{})
	s.Process(context.Background(), nil)
	if sub.count() != 2 {
		t.Fatal("deferred batch schedule must fire once the controller disengages")
	}
	if s.Statistics()[0].Deferred != 1 {
		t.Fatalf("unexpected statistics %+v", s.Statistics()[0])
	}
}

func TestFailuresAreRecorded(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sub := &heldSubmitter{}
	s := newScheduler(t, clk, sub, nil, nil)
	_ = s.Add(Schedule{Name: "flaky", Run: noop, Interval: time.Second})
	s.Process(context.Background(), nil)
	sub.finishAll(errors.New("boom"))
	stats := s.Statistics()[0]
	if stats.Failures != 1 || stats.LastError != "boom" || stats.Running {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}

func TestNextIntervalOverridesCadence(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManual(start)
	sub := &heldSubmitter{}
	s := newScheduler(t, clk, sub, nil, nil)
	var next atomic.Int64
	next.Store(int64(4 * time.Second))
	_ = s.Add(Schedule{
		Name:         "negotiate",
		Run:          noop,
		Interval:     time.Second,
		Priority:     3,
		NextInterval: func() time.Duration { return time.Duration(next.Load()) },
	})

	s.Process(context.Background(), nil)
	sub.finishAll(nil)
	if got := s.Statistics()[0].Next; !got.Equal(start.UTC().Add(4 * time.Second)) {
		t.Fatalf("expected next firing after the overridden interval, got %s", got)
	}
	clk.Advance(time.Second)
	s.Process(context.Background(), nil)
	if sub.count() != 0 {
		t.Fatal("schedule fired on its base interval despite the override")
	}

	next.Store(0)
	clk.Advance(3 * time.Second)
	s.Process(context.Background(), nil)
	sub.finishAll(nil)
	if got := s.Statistics()[0].Next; !got.Equal(clk.Now().Add(time.Second)) {
		t.Fatalf("expected non-positive override to fall back to the interval, got %s", got)
	}
}
