// Package pollslot decides how many items each polling client may pull per
// cycle so that free capacity is shared fairly among many input queues.
package pollslot

import (
	"math"
	"time"
)

// Default algorithm tuning.
const (
	DefaultQueueLengthWeight      = 10
	DefaultAdditiveIncrease       = 10
	DefaultMultiplicativeDecrease = 0.5
	DefaultCapacityFloor          = 10
)

// Algorithm computes per-client poll budgets. Implementations are stateless;
// everything they need lives on the Metrics passed in.
type Algorithm interface {
	CalculateSlots(available int, m *Metrics) int
	ShouldSkip(m *Metrics, now time.Time) bool
	PriorityRecalculate(queueLength *int64, m *Metrics, tick uint64, now time.Time) int64
	CapacityPercentageRecalculate(m *Metrics)
	SkipCountRecalculate(success bool, m *Metrics)
	PastDueCalculate(m *Metrics, now time.Time) bool
	SupportPassDueScan() bool
}

// AlgorithmConfig tunes the default algorithm.
type AlgorithmConfig struct {
	// QueueLengthWeight is the number of milliseconds of wait one queued
	// item is worth when scoring.
	QueueLengthWeight int64
	// AdditiveIncrease is added to the capacity percentage on saturated or
	// growing polls.
	AdditiveIncrease int
	// MultiplicativeDecrease scales the capacity percentage on empty or
	// failed polls.
	MultiplicativeDecrease float64
	// CapacityFloor is the lowest capacity percentage a client decays to.
	CapacityFloor int
	// DisablePassDueScan turns off the past-due pre-pass.
	DisablePassDueScan bool
}

func (c AlgorithmConfig) withDefaults() AlgorithmConfig {
	if c.QueueLengthWeight <= 0 {
		c.QueueLengthWeight = DefaultQueueLengthWeight
	}
	if c.AdditiveIncrease <= 0 {
		c.AdditiveIncrease = DefaultAdditiveIncrease
	}
	if c.MultiplicativeDecrease <= 0 || c.MultiplicativeDecrease >= 1 {
		c.MultiplicativeDecrease = DefaultMultiplicativeDecrease
	}
	if c.CapacityFloor <= 0 || c.CapacityFloor > 100 {
		c.CapacityFloor = DefaultCapacityFloor
	}
	return c
}

// DefaultAlgorithm is the AIMD slot allocator.
type DefaultAlgorithm struct {
	cfg AlgorithmConfig
}

// NewAlgorithm returns the default algorithm with cfg applied.
func NewAlgorithm(cfg AlgorithmConfig) *DefaultAlgorithm {
	return &DefaultAlgorithm{cfg: cfg.withDefaults()}
}

// Config returns the effective tuning.
func (a *DefaultAlgorithm) Config() AlgorithmConfig { return a.cfg }

// CalculateSlots returns the number of items the client may pull given
// available free slots. The result never exceeds available+AllowedOverage.
func (a *DefaultAlgorithm) CalculateSlots(available int, m *Metrics) int {
	overage := m.AllowedOverage
	if overage < 0 {
		overage = 0
	}
	if available <= 0 {
		if overage == 0 || !(m.IsPastDue || m.LastReturned > 0) {
			return 0
		}
		return clampSlots(overage, m.MaxSlots)
	}
	capacity := m.CapacityPercentage
	if m.IsPastDue {
		capacity = 100
	}
	slots := int(math.Ceil(float64(available) * float64(capacity) / 100))
	if slots < 1 {
		slots = 1
	}
	if capacity >= 100 && m.saturated() {
		slots = available + overage
	}
	if slots > available+overage {
		slots = available + overage
	}
	return clampSlots(slots, m.MaxSlots)
}

func clampSlots(slots, max int) int {
	if max > 0 && slots > max {
		return max
	}
	return slots
}

// ShouldSkip reports whether the client is still backing off after empty
// polls. It never skips once MaxWait has elapsed since the last poll.
func (a *DefaultAlgorithm) ShouldSkip(m *Metrics, now time.Time) bool {
	if m.LastPoll.IsZero() || m.SkipCount <= 0 {
		return false
	}
	since := now.Sub(m.LastPoll)
	if m.MaxWait > 0 && since >= m.MaxWait {
		return false
	}
	return since < backoff(m.MinWait, m.MaxWait, m.SkipCount)
}

func backoff(min, max time.Duration, skips int) time.Duration {
	if min <= 0 {
		return 0
	}
	wait := min
	for i := 1; i < skips; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// PriorityRecalculate refreshes the client's score at most once per tick.
// The score grows with time since the last poll and with queue length and
// is scaled by the channel priority. A nil queueLength keeps the last sample.
func (a *DefaultAlgorithm) PriorityRecalculate(queueLength *int64, m *Metrics, tick uint64, now time.Time) int64 {
	if m.scoreValid && m.PriorityTick == tick {
		return m.PriorityScore
	}
	if queueLength != nil {
		m.PrevQueueLength = m.LastQueueLength
		m.LastQueueLength = *queueLength
	}
	wait := m.MaxWait
	if !m.LastPoll.IsZero() {
		wait = now.Sub(m.LastPoll)
	}
	if wait < 0 {
		wait = 0
	}
	queued := m.LastQueueLength
	if queued < 0 {
		queued = 0
	}
	score := int64(m.Priority+1) * (wait.Milliseconds() + queued*a.cfg.QueueLengthWeight)
	m.PriorityScore = score
	m.PriorityTick = tick
	m.scoreValid = true
	return score
}

// CapacityPercentageRecalculate applies AIMD to the capacity percentage based
// on the outcome of the last poll.
func (a *DefaultAlgorithm) CapacityPercentageRecalculate(m *Metrics) {
	switch {
	case m.LastPollFailed || m.LastReturned == 0:
		m.CapacityPercentage = int(float64(m.CapacityPercentage) * a.cfg.MultiplicativeDecrease)
	case m.saturated() || m.LastQueueLength > m.PrevQueueLength:
		m.CapacityPercentage += a.cfg.AdditiveIncrease
	}
	if m.CapacityPercentage < a.cfg.CapacityFloor {
		m.CapacityPercentage = a.cfg.CapacityFloor
	}
	if m.CapacityPercentage > 100 {
		m.CapacityPercentage = 100
	}
}

// SkipCountRecalculate resets the skip counter after a productive poll and
// increments it otherwise.
func (a *DefaultAlgorithm) SkipCountRecalculate(success bool, m *Metrics) {
	if success {
		m.SkipCount = 0
		return
	}
	m.SkipCount++
}

// PastDueCalculate marks clients that have waited MaxWait (or were never
// polled) and may have work.
func (a *DefaultAlgorithm) PastDueCalculate(m *Metrics, now time.Time) bool {
	due := false
	if m.MaxWait > 0 {
		switch {
		case m.LastPoll.IsZero():
			due = true
		case now.Sub(m.LastPoll) >= m.MaxWait:
			due = m.LastQueueLength > 0
		}
	}
	m.IsPastDue = due
	return due
}

// SupportPassDueScan reports whether Allocate runs the past-due pre-pass.
func (a *DefaultAlgorithm) SupportPassDueScan() bool { return !a.cfg.DisablePassDueScan }
