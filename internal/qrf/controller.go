// Package qrf implements the quick reaction force: a throttle controller that
// turns load samples into admission and polling decisions for the task
// manager.
package qrf

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/loggingutil"
)

// Kind identifies the type of operation under evaluation.
type Kind int

const (
	// KindSubmit marks task admission (dispatcher deliveries, direct submits).
	KindSubmit Kind = iota
	// KindPoll marks listener polling driven by the task manager loop.
	KindPoll
	// KindSchedule marks recurring schedule firings.
	KindSchedule
)

// State represents the current posture of the quick reaction force.
type State int

const (
	// StateDisengaged indicates the QRF is idle.
	StateDisengaged State = iota
	// StateSoftArm denotes that a soft limit was crossed and light throttling applies.
	StateSoftArm
	// StateEngaged signals that aggressive throttling is in effect.
	StateEngaged
	// StateRecovery denotes the system is recovering and throttling is easing.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures controller thresholds and throttle timings.
type Config struct {
	Enabled bool

	// QueueSoftLimit and QueueHardLimit bound the number of queued trackers.
	QueueSoftLimit int64
	QueueHardLimit int64
	// UtilizationSoftPercent and UtilizationHardPercent bound active/capacity.
	UtilizationSoftPercent float64
	UtilizationHardPercent float64
	// PollSoftLimit and PollHardLimit bound concurrently running polls.
	PollSoftLimit int64
	PollHardLimit int64

	MemorySoftLimitBytes        uint64
	MemoryHardLimitBytes        uint64
	MemorySoftLimitPercent      float64
	MemoryHardLimitPercent      float64
	MemoryStrictHeadroomPercent float64
	SwapSoftLimitBytes          uint64
	SwapHardLimitBytes          uint64
	SwapSoftLimitPercent        float64
	SwapHardLimitPercent        float64

	CPUPercentSoftLimit float64
	CPUPercentHardLimit float64

	LoadSoftLimitMultiplier float64
	LoadHardLimitMultiplier float64

	RecoverySamples int

	SoftDelay     time.Duration
	EngagedDelay  time.Duration
	RecoveryDelay time.Duration
	MaxWait       time.Duration

	Logger pslog.Logger
}

// Snapshot captures the instantaneous metrics observed by the LSF.
type Snapshot struct {
	TasksActive                     int64     `json:"tasks_active"`
	TasksQueued                     int64     `json:"tasks_queued"`
	TaskCapacity                    int64     `json:"task_capacity"`
	PollInflight                    int64     `json:"poll_inflight"`
	RSSBytes                        uint64    `json:"rss_bytes"`
	SwapBytes                       uint64    `json:"swap_bytes"`
	SystemMemoryUsedPercent         float64   `json:"system_memory_used_percent"`
	SystemMemoryIncludesReclaimable bool      `json:"system_memory_includes_reclaimable"`
	SystemSwapUsedPercent           float64   `json:"system_swap_used_percent"`
	SystemCPUPercent                float64   `json:"system_cpu_percent"`
	SystemLoad1                     float64   `json:"system_load1"`
	SystemLoad5                     float64   `json:"system_load5"`
	SystemLoad15                    float64   `json:"system_load15"`
	Load1Baseline                   float64   `json:"load1_baseline"`
	Load5Baseline                   float64   `json:"load5_baseline"`
	Load15Baseline                  float64   `json:"load15_baseline"`
	Load1Multiplier                 float64   `json:"load1_multiplier"`
	Load5Multiplier                 float64   `json:"load5_multiplier"`
	Load15Multiplier                float64   `json:"load15_multiplier"`
	Goroutines                      int       `json:"goroutines"`
	CollectedAt                     time.Time `json:"collected_at,omitzero"`
}

// UtilizationPercent returns active/capacity as a percentage.
func (s Snapshot) UtilizationPercent() float64 {
	if s.TaskCapacity <= 0 {
		return 0
	}
	return float64(s.TasksActive) * 100 / float64(s.TaskCapacity)
}

// Status reports the current controller state and snapshot.
type Status struct {
	State    State    `json:"state"`
	Reason   string   `json:"reason,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

// Decision reports whether an operation should be throttled.
type Decision struct {
	Throttle bool
	// Skip asks the caller to drop the operation for this cycle.
	Skip bool
	// Divisor scales a poll budget down (1 = full budget).
	Divisor int
	Delay   time.Duration
	State   State
	Reason  string
}

// WaitError is returned when the throttle delay exceeds the configured max wait.
type WaitError struct {
	Delay  time.Duration
	Reason string
}

func (e *WaitError) Error() string {
	return "throttled: task admission paused (" + e.Reason + ")"
}

// Controller manages the QRF state machine.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *qrfMetrics

	mu                 sync.RWMutex
	state              State
	lastReason         string
	lastSnapshot       Snapshot
	consecutiveHealthy int
}

// NewController constructs a QRF controller using the supplied configuration.
func NewController(cfg Config) *Controller {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 1
	}
	controller := &Controller{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "control.qrf.controller"),
		state:  StateDisengaged,
	}
	controller.metrics = newQRFMetrics(logger, controller)
	return controller
}

// Enabled reports whether the controller evaluates samples at all.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Observe ingests a new snapshot from the LSF and updates the QRF posture.
func (c *Controller) Observe(snapshot Snapshot) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSnapshot = snapshot

	prev := c.state
	next := prev

	hard, hardReason := c.hardBreach(snapshot)
	soft, softReason := c.softBreach(snapshot)
	healthy := c.isHealthy(snapshot)

	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.lastReason = hardReason
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
			c.lastReason = softReason
		}
		c.consecutiveHealthy = 0
	default:
		if healthy {
			c.consecutiveHealthy++
		} else {
			c.consecutiveHealthy = 0
		}
		recovered := healthy && c.consecutiveHealthy >= c.cfg.RecoverySamples
		switch prev {
		case StateEngaged:
			if recovered {
				next = StateRecovery
				c.consecutiveHealthy = 0
				c.lastReason = "metrics recovering"
			}
		case StateRecovery, StateSoftArm:
			if recovered {
				next = StateDisengaged
				c.consecutiveHealthy = 0
				c.lastReason = "metrics stabilised"
			}
		}
	}

	if next != prev {
		c.state = next
		c.logTransition(prev, next, c.lastReason, snapshot)
		c.metrics.recordTransition(context.Background(), prev, next, c.lastReason)
	}
}

// Decide reports whether an operation of the given kind should be throttled.
//
// Polls are halved while soft-armed or recovering and skipped while engaged;
// running work drains and frees capacity before more is pulled in. Submits
// are delayed while the queue is over its soft limit or the controller is
// engaged. Schedules are deferred only while engaged.
func (c *Controller) Decide(kind Kind) Decision {
	if !c.Enabled() {
		return Decision{Divisor: 1, State: StateDisengaged}
	}

	c.mu.RLock()
	state := c.state
	reason := c.lastReason
	snapshot := c.lastSnapshot
	c.mu.RUnlock()

	queuePressure := c.queueSoftExceeded(snapshot) || c.queueHardExceeded(snapshot)
	delay := baseDelayForState(c.cfg, state)

	decision := Decision{Divisor: 1, State: state}
	switch state {
	case StateDisengaged:
	case StateSoftArm, StateRecovery:
		switch kind {
		case KindPoll:
			decision = Decision{Throttle: true, Divisor: 2, State: state, Reason: reason}
		case KindSubmit:
			if queuePressure {
				decision = Decision{Throttle: true, Divisor: 1, Delay: delay, State: state, Reason: reason}
			}
		}
	case StateEngaged:
		switch kind {
		case KindPoll:
			decision = Decision{Throttle: true, Skip: true, Divisor: 1, State: state, Reason: reason}
		case KindSubmit:
			decision = Decision{Throttle: true, Divisor: 1, Delay: delay, State: state, Reason: reason}
		case KindSchedule:
			decision = Decision{Throttle: true, Skip: true, Divisor: 1, State: state, Reason: reason}
		}
	}
	return c.recordDecision(kind, decision)
}

// Wait applies throttling by sleeping for a computed duration when pressure is detected.
// It returns a WaitError only if the computed delay exceeds the configured max wait.
func (c *Controller) Wait(ctx context.Context, kind Kind) error {
	if !c.Enabled() {
		return nil
	}
	decision := c.Decide(kind)
	if !decision.Throttle {
		return nil
	}
	delay := c.delayForDecision(decision)
	if delay <= 0 {
		return nil
	}
	maxWait := c.cfg.MaxWait
	if maxWait <= 0 {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	waitFor := min(delay, maxWait)
	if ctx == nil {
		ctx = context.Background()
	}
	ctxDeadlineSoon := false
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		if remaining < delay {
			ctxDeadlineSoon = true
		}
		waitFor = min(waitFor, remaining)
	}
	if err := sleepWithContext(ctx, waitFor); err != nil {
		return err
	}
	if ctxDeadlineSoon {
		return context.DeadlineExceeded
	}
	if delay > maxWait {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	return nil
}

// State returns the current QRF posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the last metrics snapshot observed by the controller.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}

// Status returns the current state, reason, and snapshot without mutating controller state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Reason: c.lastReason, Snapshot: c.lastSnapshot}
}

func (c *Controller) recordDecision(kind Kind, decision Decision) Decision {
	c.metrics.recordDecision(context.Background(), kind, decision)
	return decision
}

type breach struct {
	hit    bool
	reason string
}

func (c *Controller) hardBreach(s Snapshot) (bool, string) {
	memPercent := c.effectiveMemoryPercent(s)
	for _, b := range []breach{
		{c.queueHardExceeded(s), "queue_depth_hard"},
		{c.cfg.UtilizationHardPercent > 0 && s.UtilizationPercent() >= c.cfg.UtilizationHardPercent, "utilization_hard"},
		{c.cfg.PollHardLimit > 0 && s.PollInflight >= c.cfg.PollHardLimit, "poll_inflight_hard"},
		{c.cfg.MemoryHardLimitPercent > 0 && memPercent >= c.cfg.MemoryHardLimitPercent, "memory_hard"},
		{c.cfg.MemoryHardLimitBytes > 0 && s.RSSBytes >= c.cfg.MemoryHardLimitBytes, "memory_hard"},
		{c.cfg.SwapHardLimitPercent > 0 && s.SystemSwapUsedPercent >= c.cfg.SwapHardLimitPercent, "swap_hard"},
		{c.cfg.SwapHardLimitBytes > 0 && s.SwapBytes >= c.cfg.SwapHardLimitBytes, "swap_hard"},
		{c.cfg.CPUPercentHardLimit > 0 && s.SystemCPUPercent >= c.cfg.CPUPercentHardLimit, "cpu_hard"},
		{c.cfg.LoadHardLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadHardLimitMultiplier, "load_hard"},
	} {
		if b.hit {
			return true, b.reason
		}
	}
	return false, ""
}

func (c *Controller) softBreach(s Snapshot) (bool, string) {
	memPercent := c.effectiveMemoryPercent(s)
	for _, b := range []breach{
		{c.queueSoftExceeded(s), "queue_depth_soft"},
		{c.cfg.UtilizationSoftPercent > 0 && s.UtilizationPercent() >= c.cfg.UtilizationSoftPercent, "utilization_soft"},
		{c.cfg.PollSoftLimit > 0 && s.PollInflight >= c.cfg.PollSoftLimit, "poll_inflight_soft"},
		{c.cfg.MemorySoftLimitPercent > 0 && memPercent >= c.cfg.MemorySoftLimitPercent, "memory_soft"},
		{c.cfg.MemorySoftLimitBytes > 0 && s.RSSBytes >= c.cfg.MemorySoftLimitBytes, "memory_soft"},
		{c.cfg.SwapSoftLimitPercent > 0 && s.SystemSwapUsedPercent >= c.cfg.SwapSoftLimitPercent, "swap_soft"},
		{c.cfg.SwapSoftLimitBytes > 0 && s.SwapBytes >= c.cfg.SwapSoftLimitBytes, "swap_soft"},
		{c.cfg.CPUPercentSoftLimit > 0 && s.SystemCPUPercent >= c.cfg.CPUPercentSoftLimit, "cpu_soft"},
		{c.cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadSoftLimitMultiplier, "load_soft"},
	} {
		if b.hit {
			return true, b.reason
		}
	}
	return false, ""
}

func (c *Controller) isHealthy(s Snapshot) bool {
	memPercent := c.effectiveMemoryPercent(s)
	queueHealthy := c.cfg.QueueSoftLimit == 0 || s.TasksQueued <= maxInt64(1, c.cfg.QueueSoftLimit/2)
	utilHealthy := c.cfg.UtilizationSoftPercent == 0 || s.UtilizationPercent() <= percentRecoveryTarget(c.cfg.UtilizationSoftPercent)
	pollHealthy := c.cfg.PollSoftLimit == 0 || s.PollInflight <= maxInt64(1, c.cfg.PollSoftLimit/2)
	memHealthy := (c.cfg.MemorySoftLimitPercent == 0 || memPercent <= percentRecoveryTarget(c.cfg.MemorySoftLimitPercent)) && (c.cfg.MemorySoftLimitBytes == 0 || s.RSSBytes <= c.cfg.MemorySoftLimitBytes/2)
	swapHealthy := (c.cfg.SwapSoftLimitPercent == 0 || s.SystemSwapUsedPercent <= percentRecoveryTarget(c.cfg.SwapSoftLimitPercent)) && (c.cfg.SwapSoftLimitBytes == 0 || s.SwapBytes <= c.cfg.SwapSoftLimitBytes/2)
	cpuHealthy := c.cfg.CPUPercentSoftLimit == 0 || s.SystemCPUPercent <= percentRecoveryTarget(c.cfg.CPUPercentSoftLimit)
	loadHealthy := c.cfg.LoadSoftLimitMultiplier == 0 || s.Load1Multiplier <= multiplierRecoveryTarget(c.cfg.LoadSoftLimitMultiplier)
	return queueHealthy && utilHealthy && pollHealthy && memHealthy && swapHealthy && cpuHealthy && loadHealthy
}

func (c *Controller) logTransition(prev, next State, reason string, snapshot Snapshot) {
	fields := []any{
		"previous_state", prev.String(),
		"reason", reason,
		"tasks_active", snapshot.TasksActive,
		"tasks_queued", snapshot.TasksQueued,
		"task_capacity", snapshot.TaskCapacity,
		"poll_inflight", snapshot.PollInflight,
		"rss_bytes", snapshot.RSSBytes,
		"swap_bytes", snapshot.SwapBytes,
		"system_memory_percent", snapshot.SystemMemoryUsedPercent,
		"system_memory_percent_effective", c.effectiveMemoryPercent(snapshot),
		"system_swap_percent", snapshot.SystemSwapUsedPercent,
		"system_cpu_percent", snapshot.SystemCPUPercent,
		"system_load1", snapshot.SystemLoad1,
		"load1_multiplier", snapshot.Load1Multiplier,
		"goroutines", snapshot.Goroutines,
	}
	switch next {
	case StateEngaged:
		c.logger.Warn("taskd.qrf.engaged", fields...)
	case StateSoftArm:
		c.logger.Info("taskd.qrf.soft_arm", fields...)
	case StateRecovery:
		c.logger.Info("taskd.qrf.recovery", fields...)
	case StateDisengaged:
		c.logger.Info("taskd.qrf.disengaged", fields...)
	}
}

func nonZero(d time.Duration, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (c *Controller) effectiveMemoryPercent(s Snapshot) float64 {
	percent := s.SystemMemoryUsedPercent
	if s.SystemMemoryIncludesReclaimable {
		return percent
	}
	headroom := c.cfg.MemoryStrictHeadroomPercent
	if headroom <= 0 {
		return percent
	}
	return math.Max(0, percent-headroom)
}

func percentRecoveryTarget(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Max(0, limit-10)
}

func multiplierRecoveryTarget(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	if limit <= 1 {
		return 1
	}
	return math.Max(1, limit*0.5)
}

func (c *Controller) queueSoftExceeded(s Snapshot) bool {
	return c.cfg.QueueSoftLimit > 0 && s.TasksQueued >= c.cfg.QueueSoftLimit
}

func (c *Controller) queueHardExceeded(s Snapshot) bool {
	return c.cfg.QueueHardLimit > 0 && s.TasksQueued >= c.cfg.QueueHardLimit
}

func baseDelayForState(cfg Config, state State) time.Duration {
	switch state {
	case StateSoftArm:
		return nonZero(cfg.SoftDelay, 50*time.Millisecond)
	case StateEngaged:
		return nonZero(cfg.EngagedDelay, 500*time.Millisecond)
	case StateRecovery:
		return nonZero(cfg.RecoveryDelay, 200*time.Millisecond)
	default:
		return 0
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) delayForDecision(decision Decision) time.Duration {
	base := decision.Delay
	if base <= 0 {
		base = baseDelayForState(c.cfg, decision.State)
	}
	if base <= 0 {
		return 0
	}
	pressure := c.pressureForReason(decision.Reason)
	pressure = math.Min(1, math.Max(0.1, pressure))
	minDelay := minDelayForState(decision.State, base)
	scaled := time.Duration(float64(base) * pressure)
	if scaled < minDelay {
		scaled = minDelay
	}
	return min(scaled, base)
}

func minDelayForState(state State, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	floor := 2 * time.Millisecond
	switch state {
	case StateEngaged:
		floor = 10 * time.Millisecond
	case StateRecovery:
		floor = 5 * time.Millisecond
	}
	return min(max(base/10, floor), base)
}

func (c *Controller) pressureForReason(reason string) float64 {
	s := c.Snapshot()
	switch reason {
	case "queue_depth_soft", "queue_depth_hard":
		return ratio(float64(s.TasksQueued), float64(c.cfg.QueueSoftLimit), float64(c.cfg.QueueHardLimit))
	case "utilization_soft", "utilization_hard":
		return ratio(s.UtilizationPercent(), c.cfg.UtilizationSoftPercent, c.cfg.UtilizationHardPercent)
	case "poll_inflight_soft", "poll_inflight_hard":
		return ratio(float64(s.PollInflight), float64(c.cfg.PollSoftLimit), float64(c.cfg.PollHardLimit))
	case "memory_soft", "memory_hard":
		if c.cfg.MemorySoftLimitPercent > 0 || c.cfg.MemoryHardLimitPercent > 0 {
			return ratio(c.effectiveMemoryPercent(s), c.cfg.MemorySoftLimitPercent, c.cfg.MemoryHardLimitPercent)
		}
		return ratio(float64(s.RSSBytes), float64(c.cfg.MemorySoftLimitBytes), float64(c.cfg.MemoryHardLimitBytes))
	case "swap_soft", "swap_hard":
		if c.cfg.SwapSoftLimitPercent > 0 || c.cfg.SwapHardLimitPercent > 0 {
			return ratio(s.SystemSwapUsedPercent, c.cfg.SwapSoftLimitPercent, c.cfg.SwapHardLimitPercent)
		}
		return ratio(float64(s.SwapBytes), float64(c.cfg.SwapSoftLimitBytes), float64(c.cfg.SwapHardLimitBytes))
	case "cpu_soft", "cpu_hard":
		return ratio(s.SystemCPUPercent, c.cfg.CPUPercentSoftLimit, c.cfg.CPUPercentHardLimit)
	case "load_soft", "load_hard":
		return ratio(s.Load1Multiplier, c.cfg.LoadSoftLimitMultiplier, c.cfg.LoadHardLimitMultiplier)
	default:
		return 1
	}
}

func ratio(value, soft, hard float64) float64 {
	if soft <= 0 && hard <= 0 {
		return 1
	}
	if soft <= 0 && hard > 0 {
		soft = hard / 2
	}
	if hard <= soft {
		hard = soft * 2
	}
	if value <= soft {
		return 0
	}
	return math.Max(0, math.Min(1, (value-soft)/(hard-soft)))
}
