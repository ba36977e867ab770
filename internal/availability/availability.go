// Package availability accounts for concurrency slots per priority level.
//
// Every level q has an effective occupancy of max(active[q], min[q]): a level
// with a guaranteed minimum is treated as holding at least that many slots
// even while idle. The free estimate for level p is therefore
//
//	free(p) = max - active[p] - sum over q != p of max(active[q], min[q])
//
// clipped at zero. A burst on one level can never eat into another level's
// unused guarantee, and the sum of active reservations never exceeds max.
package availability

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/loggingutil"
)

// View is the capacity surface handed to polling sources.
type View interface {
	Levels() int
	Level(priority int) int
	ReservationMake(id string, priority, amount int) bool
	ReservationRelease(id string) bool
}

// Config configures the slot bounds.
type Config struct {
	// LevelMax bounds the number of concurrently active slots.
	LevelMax int
	// LevelMin holds the per-priority guaranteed minimum, indexed by priority.
	// Its length defines the number of levels.
	LevelMin []int
	Logger   pslog.Logger
}

// Validate checks the bounds. A configuration error here is fatal at startup.
func (c Config) Validate() error {
	if c.LevelMax <= 0 {
		return fmt.Errorf("availability: level max must be positive (got %d)", c.LevelMax)
	}
	if len(c.LevelMin) == 0 {
		return errors.New("availability: at least one priority level is required")
	}
	sum := 0
	for i, v := range c.LevelMin {
		if v < 0 {
			return fmt.Errorf("availability: level min for priority %d is negative (%d)", i, v)
		}
		sum += v
	}
	if sum > c.LevelMax {
		return fmt.Errorf("availability: sum of level minimums (%d) exceeds level max (%d)", sum, c.LevelMax)
	}
	return nil
}

type levels struct {
	active []int64
	total  int64
}

func (l *levels) free(priority int, max int64, mins []int64) int64 {
	used := l.active[priority]
	for q, active := range l.active {
		if q == priority {
			continue
		}
		used += maxInt64(active, mins[q])
	}
	free := max - used
	if free < 0 {
		return 0
	}
	return free
}

func (l *levels) with(priority int, delta int64) *levels {
	next := &levels{active: make([]int64, len(l.active)), total: l.total + delta}
	copy(next.active, l.active)
	next.active[priority] += delta
	return next
}

type reservation struct {
	priority int
	amount   int64
}

// Availability tracks reservations against the configured bounds.
type Availability struct {
	max    int64
	mins   []int64
	logger pslog.Logger

	state        atomic.Pointer[levels]
	reservations sync.Map

	made     atomic.Uint64
	released atomic.Uint64
	rejected atomic.Uint64
	unknown  atomic.Uint64
}

// New validates cfg and returns an empty table.
func New(cfg Config) (*Availability, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Availability{
		max:    int64(cfg.LevelMax),
		mins:   make([]int64, len(cfg.LevelMin)),
		logger: loggingutil.WithSubsystem(cfg.Logger, "core.availability"),
	}
	for i, v := range cfg.LevelMin {
		a.mins[i] = int64(v)
	}
	a.state.Store(&levels{active: make([]int64, len(cfg.LevelMin))})
	return a, nil
}

// Levels returns the number of priority levels.
func (a *Availability) Levels() int { return len(a.mins) }

// Max returns the concurrent slot bound.
func (a *Availability) Max() int { return int(a.max) }

// Level returns the free-slot estimate for priority.
func (a *Availability) Level(priority int) int {
	if !a.valid(priority) {
		return 0
	}
	return int(a.state.Load().free(priority, a.max, a.mins))
}

// Active returns the reserved slot count at priority.
func (a *Availability) Active(priority int) int {
	if !a.valid(priority) {
		return 0
	}
	return int(a.state.Load().active[priority])
}

// Total returns the reserved slot count across all levels.
func (a *Availability) Total() int {
	return int(a.state.Load().total)
}

// ReservationMake reserves amount slots at priority under id. It returns
// false, leaving no trace, when capacity is insufficient or id is in use.
func (a *Availability) ReservationMake(id string, priority, amount int) bool {
	if id == "" || amount <= 0 || !a.valid(priority) {
		return false
	}
	if _, exists := a.reservations.Load(id); exists {
		return false
	}
	delta := int64(amount)
	for {
		cur := a.state.Load()
		if cur.free(priority, a.max, a.mins) < delta {
			a.rejected.Add(1)
			return false
		}
		if a.state.CompareAndSwap(cur, cur.with(priority, delta)) {
			break
		}
	}
	if _, loaded := a.reservations.LoadOrStore(id, reservation{priority: priority, amount: delta}); loaded {
		a.adjust(priority, -delta)
		return false
	}
	a.made.Add(1)
	return true
}

// ReservationRelease frees the reservation stored under id. Unknown ids
// (already released or never made) return false and are logged.
func (a *Availability) ReservationRelease(id string) bool {
	v, ok := a.reservations.LoadAndDelete(id)
	if !ok {
		a.unknown.Add(1)
		a.logger.Debug("availability.release.unknown", "reservation", id)
		return false
	}
	res := v.(reservation)
	a.adjust(res.priority, -res.amount)
	a.released.Add(1)
	return true
}

func (a *Availability) adjust(priority int, delta int64) {
	for {
		cur := a.state.Load()
		if a.state.CompareAndSwap(cur, cur.with(priority, delta)) {
			return
		}
	}
}

func (a *Availability) valid(priority int) bool {
	return priority >= 0 && priority < len(a.mins)
}

// LevelSnapshot describes one priority level.
type LevelSnapshot struct {
	Priority int `json:"priority"`
	Active   int `json:"active"`
	Min      int `json:"min"`
	Free     int `json:"free"`
}

// Snapshot is a read-only view of the reservation table.
type Snapshot struct {
	Max          int             `json:"max"`
	Active       int             `json:"active"`
	Levels       []LevelSnapshot `json:"levels"`
	Outstanding  int             `json:"outstanding"`
	Made         uint64          `json:"made"`
	Released     uint64          `json:"released"`
	Rejected     uint64          `json:"rejected"`
	UnknownFreed uint64          `json:"unknown_released"`
}

// Snapshot returns a consistent copy of the level table plus counters.
func (a *Availability) Snapshot() Snapshot {
	cur := a.state.Load()
	snap := Snapshot{
		Max:          int(a.max),
		Active:       int(cur.total),
		Levels:       make([]LevelSnapshot, len(cur.active)),
		Made:         a.made.Load(),
		Released:     a.released.Load(),
		Rejected:     a.rejected.Load(),
		UnknownFreed: a.unknown.Load(),
	}
	for p := range cur.active {
		snap.Levels[p] = LevelSnapshot{
			Priority: p,
			Active:   int(cur.active[p]),
			Min:      int(a.mins[p]),
			Free:     int(cur.free(p, a.max, a.mins)),
		}
	}
	a.reservations.Range(func(_, _ any) bool {
		snap.Outstanding++
		return true
	})
	return snap
}

// Scaled wraps a view so that Level reports free capacity divided by
// divisor (rounded down, at least 1 while any capacity remains). The task
// manager uses it to damp polling when the load controller is soft-armed.
func Scaled(v View, divisor int) View {
	if divisor <= 1 {
		return v
	}
	return scaledView{View: v, divisor: divisor}
}

type scaledView struct {
	View
	divisor int
}

func (s scaledView) Level(priority int) int {
	free := s.View.Level(priority)
	if free <= 0 {
		return free
	}
	scaled := free / s.divisor
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
