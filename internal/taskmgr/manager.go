// Package taskmgr runs trackers with bounded concurrency.
//
// A Manager admits trackers through Submit, reserves a slot per tracker in
// an availability table, and queues trackers that cannot start yet in one
// FIFO per priority. A single scheduling goroutine promotes queued trackers
// as slots free up, polls registered processes for more work, and sweeps
// running trackers for timeouts.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/availability"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/loggingutil"
	"pkt.systems/taskd/internal/lsf"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/service"
	"pkt.systems/taskd/internal/taskqueue"
	"pkt.systems/taskd/internal/tracker"
)

var (
	// ErrNotRunning is returned by Submit outside the Running state.
	ErrNotRunning = errors.New("taskmgr: manager not running")
	// ErrInvalidPriority is returned for trackers outside the configured levels.
	ErrInvalidPriority = taskqueue.ErrInvalidPriority
	// ErrDuplicateProcess is returned when a process name is registered twice.
	ErrDuplicateProcess = errors.New("taskmgr: process already registered")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("taskmgr: manager already started")
)

// Process is a source of work polled by the scheduling loop. Process
// receives the current capacity view and must not block the loop; sources
// that fetch remotely do so on their own goroutines and call Submit.
type Process interface {
	Name() string
	CanProcess() bool
	Process(ctx context.Context, view availability.View)
}

// SelfThrottled is implemented by processes that apply load decisions
// themselves. When SelfThrottled returns true the process is polled with the
// full capacity view even while the load controller skips or halves polls.
type SelfThrottled interface {
	SelfThrottled() bool
}

// Manager owns admission, execution and reclamation of trackers.
type Manager struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	tracer trace.Tracer

	avail  *availability.Availability
	queues *taskqueue.Set

	lc      service.Lifecycle
	admitMu sync.RWMutex

	procMu    sync.RWMutex
	processes []Process

	running sync.Map // reservation id -> *tracker.Tracker
	active  atomic.Int64
	workers sync.WaitGroup

	wake       chan struct{}
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	taskCtx    context.Context
	taskCancel context.CancelFunc

	lastSweep    time.Time
	lastLoopNano atomic.Int64
	lastSweepAt  atomic.Int64

	pollInflight atomic.Int64
	counters     counters
	metrics      *managerMetrics
}

type counters struct {
	submitted      atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	cancelled      atomic.Uint64
	killRequested  atomic.Uint64
	killed         atomic.Uint64
	panicked       atomic.Uint64
	polls          atomic.Uint64
	pollsSkipped   atomic.Uint64
	pollsThrottled atomic.Uint64
	pollPanics     atomic.Uint64
}

// New constructs a manager in the Created state.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	avail, err := availability.New(availability.Config{
		LevelMax: cfg.ConcurrentMax,
		LevelMin: cfg.LevelMin,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("taskmgr: %w", err)
	}
	m := &Manager{
		cfg:      cfg,
		logger:   loggingutil.WithSubsystem(logger, "core.taskmgr"),
		clock:    cfg.Clock,
		tracer:   otel.Tracer("pkt.systems/taskd/taskmgr"),
		avail:    avail,
		queues:   taskqueue.NewSet(cfg.Levels),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	m.taskCtx, m.taskCancel = context.WithCancel(context.Background())
	m.metrics = newManagerMetrics(logger, m)
	return m, nil
}

// Availability exposes the reservation table (read-mostly; used by listeners
// and statistics).
func (m *Manager) Availability() *availability.Availability { return m.avail }

// Levels returns the number of priority levels.
func (m *Manager) Levels() int { return m.cfg.Levels }

// Status returns the lifecycle status.
func (m *Manager) Status() service.Status { return m.lc.Load() }

// Register adds a polling process. Names must be unique.
func (m *Manager) Register(p Process) error {
	if p == nil {
		return errors.New("taskmgr: nil process")
	}
	m.procMu.Lock()
	defer m.procMu.Unlock()
	for _, existing := range m.processes {
		if existing.Name() == p.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateProcess, p.Name())
		}
	}
	m.processes = append(m.processes, p)
	m.logger.Debug("taskmgr.process.registered", "process", p.Name())
	return nil
}

// Unregister removes the named process and reports whether it was present.
func (m *Manager) Unregister(name string) bool {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	for i, p := range m.processes {
		if p.Name() == name {
			m.processes = slices.Delete(m.processes, i, i+1)
			m.logger.Debug("taskmgr.process.unregistered", "process", name)
			return true
		}
	}
	return false
}

// Start launches the scheduling loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.lc.Transition(service.StatusCreated, service.StatusStarting) {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.loopCancel = cancel
	m.lastSweep = m.clock.Now()
	go m.loop(loopCtx)
	m.lc.Set(service.StatusRunning)
	m.logger.Info("taskmgr.started",
		"levels", m.cfg.Levels,
		"concurrent_max", m.cfg.ConcurrentMax,
		"loop_interval", m.cfg.LoopInterval,
	)
	return nil
}

// Submit admits t. It never blocks on capacity: the tracker either starts
// immediately or waits in its priority queue. The tracker is queued whenever
// its own or any higher priority queue holds work, so FIFO order inside a
// priority holds and a freed slot goes to the promotion loop first.
func (m *Manager) Submit(t *tracker.Tracker) error {
	if t == nil {
		return errors.New("taskmgr: nil tracker")
	}
	m.admitMu.RLock()
	defer m.admitMu.RUnlock()
	if !m.lc.Running() {
		return ErrNotRunning
	}
	q, err := m.queues.Queue(t.Priority())
	if err != nil {
		return err
	}
	if t.Status() != tracker.StatusQueued {
		return fmt.Errorf("taskmgr: tracker %s already %s", t.ID(), t.Status())
	}
	t.MarkQueued(m.clock.Now())
	m.counters.submitted.Add(1)
	if m.queues.EmptyFrom(t.Priority()) && m.avail.ReservationMake(t.ReservationID(), t.Priority(), 1) {
		m.dispatch(t)
		return nil
	}
	q.Enqueue(t)
	m.wakeLoop()
	return nil
}

// Running returns a snapshot of every tracker currently holding a slot.
func (m *Manager) Running() []tracker.Info {
	var out []tracker.Info
	m.running.Range(func(_, v any) bool {
		out = append(out, v.(*tracker.Tracker).Info())
		return true
	})
	return out
}

// TaskLoad reports the manager side of a load sample.
func (m *Manager) TaskLoad() lsf.TaskLoad {
	return lsf.TaskLoad{
		Active:       m.active.Load(),
		Queued:       m.queues.Len(),
		Capacity:     int64(m.cfg.ConcurrentMax),
		PollInflight: m.pollInflight.Load(),
	}
}

// dispatch starts t on its own goroutine. The caller holds t's reservation.
func (m *Manager) dispatch(t *tracker.Tracker) {
	if !t.Transition(tracker.StatusSubmitted, m.clock.Now()) {
		m.avail.ReservationRelease(t.ReservationID())
		return
	}
	m.running.Store(t.ReservationID(), t)
	m.active.Add(1)
	m.workers.Add(1)
	go m.execute(t)
}

func (m *Manager) execute(t *tracker.Tracker) {
	defer m.workers.Done()
	ctx := t.Bind(m.taskCtx)
	if !t.Transition(tracker.StatusRunning, m.clock.Now()) {
		m.release(t, true)
		return
	}
	ctx, span := m.tracer.Start(ctx, "taskmgr.task",
		trace.WithAttributes(
			attribute.String("taskd.task.id", t.ReservationID()),
			attribute.String("taskd.task.name", t.Name()),
			attribute.Int("taskd.task.priority", t.Priority()),
			attribute.Int("taskd.task.attempt", t.Attempt()),
		),
	)
	err := t.Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	m.complete(t, err)
}

// complete records the outcome of a work function that returned.
func (m *Manager) complete(t *tracker.Tracker, err error) {
	now := m.clock.Now()
	status := tracker.StatusCompleted
	switch {
	case t.Status() == tracker.StatusKillRequested:
		status = tracker.StatusCancelled
		if err == nil || errors.Is(err, context.Canceled) {
			err = tracker.ErrTimedOut
		} else {
			err = fmt.Errorf("%w: %w", tracker.ErrTimedOut, err)
		}
	case !m.lc.Running() && errors.Is(err, context.Canceled):
		status = tracker.StatusCancelled
	}
	if t.Finish(status, err, now) {
		m.record(t, status, err)
	}
	m.release(t, true)
}

func (m *Manager) record(t *tracker.Tracker, status tracker.Status, err error) {
	info := t.Info()
	var panicErr *tracker.PanicError
	switch {
	case errors.As(err, &panicErr):
		m.counters.panicked.Add(1)
		m.counters.failed.Add(1)
		m.logger.Error("taskmgr.task.panic",
			"task_id", info.ID,
			"task", info.Name,
			"panic", fmt.Sprint(panicErr.Value),
			"stack", string(panicErr.Stack),
		)
	case status == tracker.StatusCancelled:
		m.counters.cancelled.Add(1)
		m.logger.Debug("taskmgr.task.cancelled", "task_id", info.ID, "task", info.Name, "error", err)
	case err != nil:
		m.counters.failed.Add(1)
		m.logger.Warn("taskmgr.task.failed",
			"task_id", info.ID,
			"task", info.Name,
			"priority", info.Priority,
			"attempt", info.Attempt,
			"duration", info.Duration,
			"error", err,
		)
	default:
		m.counters.completed.Add(1)
		m.logger.Trace("taskmgr.task.completed", "task_id", info.ID, "task", info.Name, "duration", info.Duration)
	}
	m.metrics.recordFinished(context.Background(), t.Priority(), status, err != nil, info.Duration)
}

// release frees the tracker's slot once and fires its callbacks.
func (m *Manager) release(t *tracker.Tracker, reserved bool) {
	if !t.MarkReleased() {
		return
	}
	if reserved {
		m.running.Delete(t.ReservationID())
		m.avail.ReservationRelease(t.ReservationID())
		m.active.Add(-1)
	}
	m.notify(t)
	m.wakeLoop()
}

func (m *Manager) notify(t *tracker.Tracker) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("taskmgr.callback.panic", "task_id", t.ReservationID(), "panic", fmt.Sprint(r))
		}
	}()
	t.Notify()
	if m.cfg.OnComplete != nil {
		m.cfg.OnComplete(t)
	}
}

func (m *Manager) wakeLoop() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.loopDone)
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-m.clock.After(m.cfg.LoopInterval):
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	started := m.clock.Now()
	m.promote()
	m.queues.Sample(started)
	if ctx.Err() == nil {
		m.poll(ctx)
	}
	if started.Sub(m.lastSweep) >= m.cfg.FrequencyTasksTimeout {
		m.sweep(started)
		m.lastSweep = started
	}
	m.lastLoopNano.Store(int64(clock.Since(m.clock, started)))
}

// promote moves queued trackers into execution, highest priority first.
func (m *Manager) promote() int {
	promoted := 0
	for {
		t, ok := m.queues.DequeueHighest(func(t *tracker.Tracker) bool {
			return m.avail.ReservationMake(t.ReservationID(), t.Priority(), 1)
		})
		if !ok {
			return promoted
		}
		m.dispatch(t)
		promoted++
	}
}

func (m *Manager) poll(ctx context.Context) {
	m.procMu.RLock()
	procs := slices.Clone(m.processes)
	m.procMu.RUnlock()
	if len(procs) == 0 {
		return
	}
	decision := m.cfg.QRF.Decide(qrf.KindPoll)
	if decision.Skip {
		m.counters.pollsSkipped.Add(1)
	} else if decision.Divisor > 1 {
		m.counters.pollsThrottled.Add(1)
	}
	for _, p := range procs {
		if st, ok := p.(SelfThrottled); ok && st.SelfThrottled() {
			m.pollOne(ctx, p, m.avail)
			continue
		}
		switch {
		case decision.Skip:
		case decision.Divisor > 1:
			m.pollOne(ctx, p, availability.Scaled(m.avail, decision.Divisor))
		default:
			m.pollOne(ctx, p, m.avail)
		}
	}
}

func (m *Manager) pollOne(ctx context.Context, p Process, view availability.View) {
	m.pollInflight.Add(1)
	defer m.pollInflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			m.counters.pollPanics.Add(1)
			m.logger.Error("taskmgr.process.panic", "process", p.Name(), "panic", fmt.Sprint(r))
		}
	}()
	if !p.CanProcess() {
		return
	}
	m.counters.polls.Add(1)
	p.Process(ctx, view)
}

// sweep requests cancellation of overdue trackers and reclaims trackers
// that outlived the kill grace period.
func (m *Manager) sweep(now time.Time) {
	m.lastSweepAt.Store(now.UnixNano())
	m.running.Range(func(_, v any) bool {
		t := v.(*tracker.Tracker)
		switch {
		case t.Overdue(now, m.cfg.DefaultTimeout):
			if t.Transition(tracker.StatusKillRequested, now) {
				m.counters.killRequested.Add(1)
				t.Cancel()
				m.logger.Warn("taskmgr.task.kill_requested",
					"task_id", t.ReservationID(),
					"task", t.Name(),
					"timeout", m.timeoutFor(t),
				)
			}
		case t.KillDue(now, m.cfg.ProcessKillOverrunGracePeriod):
			m.kill(t, now)
		}
		return true
	})
}

func (m *Manager) kill(t *tracker.Tracker, now time.Time) {
	if !t.Finish(tracker.StatusKilled, tracker.ErrKilled, now) {
		return
	}
	m.counters.killed.Add(1)
	m.metrics.recordFinished(context.Background(), t.Priority(), tracker.StatusKilled, true, 0)
	m.logger.Error("taskmgr.task.killed",
		"task_id", t.ReservationID(),
		"task", t.Name(),
		"grace", m.cfg.ProcessKillOverrunGracePeriod,
	)
	if !t.MarkReleased() {
		return
	}
	m.running.Delete(t.ReservationID())
	m.avail.ReservationRelease(t.ReservationID())
	m.active.Add(-1)
	m.wakeLoop()
	go m.notify(t)
}

func (m *Manager) timeoutFor(t *tracker.Tracker) time.Duration {
	if t.Timeout() > 0 {
		return t.Timeout()
	}
	return m.cfg.DefaultTimeout
}

// Stop halts admission, waits for running trackers until ctx is done,
// cancels the stragglers and abandons everything still queued.
func (m *Manager) Stop(ctx context.Context) error {
	m.admitMu.Lock()
	switch m.lc.Load() {
	case service.StatusCreated:
		m.lc.Set(service.StatusStopped)
		m.admitMu.Unlock()
		m.taskCancel()
		return nil
	case service.StatusRunning:
		m.lc.Set(service.StatusStopping)
		m.admitMu.Unlock()
	default:
		m.admitMu.Unlock()
		return nil
	}
	m.logger.Info("taskmgr.stopping", "active", m.active.Load(), "queued", m.queues.Len())

	m.loopCancel()
	<-m.loopDone

	var stopErr error
	if !waitGroup(&m.workers, ctx.Done()) {
		stopErr = ctx.Err()
		m.taskCancel()
		grace := m.clock.After(m.cfg.ProcessKillOverrunGracePeriod)
		if !waitGroup(&m.workers, grace) {
			now := m.clock.Now()
			m.running.Range(func(_, v any) bool {
				m.kill(v.(*tracker.Tracker), now)
				return true
			})
		}
	}
	m.taskCancel()

	now := m.clock.Now()
	abandoned := 0
	for _, t := range m.queues.Drain() {
		if t.Finish(tracker.StatusCancelled, tracker.ErrAbandoned, now) {
			m.counters.cancelled.Add(1)
			abandoned++
		}
		m.release(t, false)
	}
	m.lc.Set(service.StatusStopped)
	m.logger.Info("taskmgr.stopped", "abandoned", abandoned, "error", stopErr)
	return stopErr
}

func waitGroup[T any](wg *sync.WaitGroup, deadline <-chan T) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

// TrackPoll marks a remote poll in flight until the returned func runs.
// Listeners that fetch on their own goroutines use it so load samples see
// outstanding polls.
func (m *Manager) TrackPoll() (done func()) {
	m.pollInflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { m.pollInflight.Add(-1) })
	}
}
