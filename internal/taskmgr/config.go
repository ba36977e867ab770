package taskmgr

import (
	"fmt"
	"runtime"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/tracker"
)

const (
	// DefaultLevels is the number of priority levels (0 is batch).
	DefaultLevels = 4
	// DefaultLoopInterval is the idle cadence of the scheduling loop.
	DefaultLoopInterval = 100 * time.Millisecond
	// DefaultFrequencyTasksTimeout is how often the timeout sweep runs.
	DefaultFrequencyTasksTimeout = time.Second
	// DefaultTaskTimeout applies to trackers without their own timeout.
	DefaultTaskTimeout = 30 * time.Second
	// DefaultKillGracePeriod is how long a kill-requested tracker may keep
	// running before it is reclaimed.
	DefaultKillGracePeriod = 5 * time.Second
)

// DefaultConcurrentMax sizes the manager when no explicit limit is given.
func DefaultConcurrentMax() int {
	return runtime.GOMAXPROCS(0) * 4
}

// Config configures a Manager.
type Config struct {
	// Levels is the number of priority levels. Defaults to DefaultLevels.
	Levels int
	// ConcurrentMax bounds concurrently executing trackers.
	ConcurrentMax int
	// LevelMin reserves capacity per priority. Shorter slices are padded with
	// zeros.
	LevelMin []int

	LoopInterval                  time.Duration
	FrequencyTasksTimeout         time.Duration
	DefaultTimeout                time.Duration
	ProcessKillOverrunGracePeriod time.Duration

	// QRF gates polling. Nil disables throttling.
	QRF *qrf.Controller
	// Clock drives the loop and the sweep. Defaults to the wall clock.
	Clock clock.Clock
	// Logger receives manager events. Defaults to a noop logger.
	Logger pslog.Logger
	// OnComplete fires once for every tracker that reaches a terminal status,
	// after the tracker's own callback.
	OnComplete tracker.CompletionFunc
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Levels == 0 {
		c.Levels = DefaultLevels
	}
	if c.Levels < 0 {
		return fmt.Errorf("taskmgr: levels must be positive (got %d)", c.Levels)
	}
	if c.ConcurrentMax == 0 {
		c.ConcurrentMax = DefaultConcurrentMax()
	}
	if c.ConcurrentMax < 0 {
		return fmt.Errorf("taskmgr: concurrent max must be positive (got %d)", c.ConcurrentMax)
	}
	if len(c.LevelMin) > c.Levels {
		return fmt.Errorf("taskmgr: %d level minimums configured for %d levels", len(c.LevelMin), c.Levels)
	}
	if len(c.LevelMin) < c.Levels {
		mins := make([]int, c.Levels)
		copy(mins, c.LevelMin)
		c.LevelMin = mins
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.FrequencyTasksTimeout <= 0 {
		c.FrequencyTasksTimeout = DefaultFrequencyTasksTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTaskTimeout
	}
	if c.ProcessKillOverrunGracePeriod <= 0 {
		c.ProcessKillOverrunGracePeriod = DefaultKillGracePeriod
	}
	c.Clock = clock.Ensure(c.Clock)
	return nil
}
