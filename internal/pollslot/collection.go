package pollslot

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/loggingutil"
)

// ErrDuplicateClient is returned when a client id is registered twice.
var ErrDuplicateClient = errors.New("pollslot: client already registered")

// ClientConfig describes one polling client.
type ClientConfig struct {
	ID             string
	Priority       int
	AllowedOverage int
	// MaxSlots caps a single poll. Zero means unbounded.
	MaxSlots int
	// MinWait is the first back-off step after an empty poll.
	MinWait time.Duration
	// MaxWait bounds the time between polls of an idle client.
	MaxWait time.Duration
}

// Holder owns a client's metrics. Only the poll that claimed the holder in
// Allocate may touch them until Complete or Abandon is called.
type Holder struct {
	coll     *Collection
	inflight atomic.Bool

	mu sync.Mutex
	m  Metrics
}

// ID returns the client id.
func (h *Holder) ID() string {
	return h.m.ClientID
}

// Priority returns the client's channel priority.
func (h *Holder) Priority() int {
	return h.m.Priority
}

// Inflight reports whether a poll currently owns the holder.
func (h *Holder) Inflight() bool { return h.inflight.Load() }

// Complete records the result of a poll and hands ownership back.
// queueLength is the remaining backlog reported by the source, nil when the
// source does not know it.
func (h *Holder) Complete(requested, returned int, queueLength *int64, err error, now time.Time) {
	alg := h.coll.alg
	h.mu.Lock()
	m := &h.m
	m.LastPoll = now
	m.LastRequested = requested
	m.LastReturned = returned
	m.LastPollFailed = err != nil
	m.PollsAttempted++
	switch {
	case err != nil:
		m.PollsFailed++
	case returned == 0:
		m.PollsEmpty++
	default:
		m.PollsSucceeded++
	}
	if returned > 0 {
		m.ItemsReturned += uint64(returned)
	}
	if queueLength != nil {
		m.PrevQueueLength = m.LastQueueLength
		m.LastQueueLength = *queueLength
	}
	alg.CapacityPercentageRecalculate(m)
	alg.SkipCountRecalculate(err == nil && returned > 0, m)
	m.IsPastDue = false
	m.scoreValid = false
	h.mu.Unlock()
	h.inflight.Store(false)
}

// Abandon releases a claimed holder without recording a poll.
func (h *Holder) Abandon() {
	h.inflight.Store(false)
}

// Snapshot returns a copy of the holder's metrics.
func (h *Holder) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.m
	return Snapshot{
		ClientID:           m.ClientID,
		Priority:           m.Priority,
		Score:              m.PriorityScore,
		QueueLength:        m.LastQueueLength,
		CapacityPercentage: m.CapacityPercentage,
		SkipCount:          m.SkipCount,
		PastDue:            m.IsPastDue,
		Inflight:           h.inflight.Load(),
		LastPoll:           m.LastPoll,
		MaxWait:            m.MaxWait,
		PollsAttempted:     m.PollsAttempted,
		PollsSucceeded:     m.PollsSucceeded,
		PollsFailed:        m.PollsFailed,
		PollsEmpty:         m.PollsEmpty,
		ItemsReturned:      m.ItemsReturned,
		Skipped:            m.Skipped,
	}
}

// Grant is the budget handed to one client for one poll. The receiver must
// call Holder.Complete (or Holder.Abandon) when the poll finishes.
type Grant struct {
	Holder  *Holder
	Slots   int
	PastDue bool
}

// Collection is the client registry of one listener.
type Collection struct {
	alg    Algorithm
	logger pslog.Logger
	tick   atomic.Uint64

	mu      sync.RWMutex
	holders []*Holder
	byID    map[string]*Holder
}

// NewCollection returns an empty registry. A nil alg selects the default
// algorithm.
func NewCollection(alg Algorithm, logger pslog.Logger) *Collection {
	if alg == nil {
		alg = NewAlgorithm(AlgorithmConfig{})
	}
	return &Collection{
		alg:    alg,
		logger: loggingutil.WithSubsystem(logger, "core.pollslot"),
		byID:   make(map[string]*Holder),
	}
}

// Register adds a client.
func (c *Collection) Register(cfg ClientConfig) (*Holder, error) {
	if cfg.ID == "" {
		return nil, errors.New("pollslot: client id required")
	}
	if cfg.MinWait > 0 && cfg.MaxWait > 0 && cfg.MinWait > cfg.MaxWait {
		return nil, fmt.Errorf("pollslot: client %s: min wait %s exceeds max wait %s", cfg.ID, cfg.MinWait, cfg.MaxWait)
	}
	h := &Holder{coll: c}
	h.m = Metrics{
		ClientID:           cfg.ID,
		Priority:           cfg.Priority,
		AllowedOverage:     cfg.AllowedOverage,
		MaxSlots:           cfg.MaxSlots,
		MinWait:            cfg.MinWait,
		MaxWait:            cfg.MaxWait,
		CapacityPercentage: 100,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, cfg.ID)
	}
	c.byID[cfg.ID] = h
	c.holders = append(c.holders, h)
	c.logger.Debug("pollslot.client.registered", "client", cfg.ID, "priority", cfg.Priority)
	return h, nil
}

// Unregister removes a client. An in-flight poll still completes normally.
func (c *Collection) Unregister(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byID[id]
	if !ok {
		return false
	}
	delete(c.byID, id)
	c.holders = slices.DeleteFunc(c.holders, func(x *Holder) bool { return x == h })
	return true
}

// Get returns the holder for id.
func (c *Collection) Get(id string) (*Holder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byID[id]
	return h, ok
}

// Len returns the number of registered clients.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.holders)
}

type candidate struct {
	h       *Holder
	score   int64
	pastDue bool
	skip    bool
	order   int
}

// Allocate splits available slots across idle clients. Past-due clients are
// served first when the algorithm supports it, then the rest in descending
// score. Every grant is subtracted from the budget; once the budget is
// exhausted, remaining clients are marked skipped. A single grant may
// overcommit by the client's AllowedOverage.
func (c *Collection) Allocate(available int, now time.Time) []Grant {
	tick := c.tick.Add(1)
	c.mu.RLock()
	holders := slices.Clone(c.holders)
	c.mu.RUnlock()

	cands := make([]candidate, 0, len(holders))
	for i, h := range holders {
		if h.inflight.Load() {
			continue
		}
		h.mu.Lock()
		pastDue := c.alg.PastDueCalculate(&h.m, now)
		score := c.alg.PriorityRecalculate(nil, &h.m, tick, now)
		skip := !pastDue && c.alg.ShouldSkip(&h.m, now)
		h.mu.Unlock()
		cands = append(cands, candidate{h: h, score: score, pastDue: pastDue, skip: skip, order: i})
	}
	prePass := c.alg.SupportPassDueScan()
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if prePass && a.pastDue != b.pastDue {
			if a.pastDue {
				return -1
			}
			return 1
		}
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return a.order - b.order
	})

	budget := available
	var grants []Grant
	for _, cand := range cands {
		h := cand.h
		h.mu.Lock()
		slots := 0
		if !cand.skip && budget >= 0 {
			slots = c.alg.CalculateSlots(budget, &h.m)
		}
		if slots <= 0 {
			h.m.Skipped++
			h.mu.Unlock()
			continue
		}
		h.mu.Unlock()
		if !h.inflight.CompareAndSwap(false, true) {
			continue
		}
		budget -= slots
		if budget == 0 {
			// Exhausted exactly: no overage beyond this point.
			budget = -1
		}
		grants = append(grants, Grant{Holder: h, Slots: slots, PastDue: cand.pastDue})
	}
	return grants
}

// Snapshot returns per-client metrics in registration order.
func (c *Collection) Snapshot() []Snapshot {
	c.mu.RLock()
	holders := slices.Clone(c.holders)
	c.mu.RUnlock()
	out := make([]Snapshot, len(holders))
	for i, h := range holders {
		out[i] = h.Snapshot()
	}
	return out
}
