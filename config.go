package taskd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/taskd/internal/dispatcher"
	"pkt.systems/taskd/internal/listener"
	"pkt.systems/taskd/internal/masterjob"
	"pkt.systems/taskd/internal/pollslot"
	"pkt.systems/taskd/internal/taskmgr"
)

const (
	// DefaultConfigFileName is the config file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultAdminListen is the admin endpoint (metrics, statistics, pprof).
	// Empty disables the listener.
	DefaultAdminListen = ""
	// DefaultLevels is the number of priority levels.
	DefaultLevels = taskmgr.DefaultLevels
	// DefaultLoopInterval is the scheduling loop cadence.
	DefaultLoopInterval = taskmgr.DefaultLoopInterval
	// DefaultFrequencyTasksTimeout is how often the kill sweep runs.
	DefaultFrequencyTasksTimeout = taskmgr.DefaultFrequencyTasksTimeout
	// DefaultTaskTimeout applies to trackers that do not carry their own.
	DefaultTaskTimeout = taskmgr.DefaultTaskTimeout
	// DefaultKillGracePeriod is the overrun tolerated after a kill request.
	DefaultKillGracePeriod = taskmgr.DefaultKillGracePeriod
	// DefaultFetchTimeout bounds a single listener fetch.
	DefaultFetchTimeout = listener.DefaultFetchTimeout
	// DefaultMasterJobTopic is the broadcast topic for leader negotiation.
	DefaultMasterJobTopic = masterjob.DefaultTopic
	// DefaultMasterJobInterval is the negotiation poll cadence.
	DefaultMasterJobInterval = masterjob.DefaultInterval
	// DefaultMasterJobHeartbeatMisses is how many silent intervals a standby tolerates.
	DefaultMasterJobHeartbeatMisses = masterjob.DefaultHeartbeatMisses
	// DefaultMasterJobFailureLimit is how many missed echoes the master tolerates.
	DefaultMasterJobFailureLimit = masterjob.DefaultFailureLimit
	// DefaultMaxAttempts bounds deliveries of a failing message.
	DefaultMaxAttempts = dispatcher.DefaultMaxAttempts
	// DefaultRetryRate is the requeue rate for failed messages (per second).
	DefaultRetryRate = float64(dispatcher.DefaultRetryRate)
	// DefaultRetryBurst is the requeue burst.
	DefaultRetryBurst = dispatcher.DefaultRetryBurst
	// DefaultShutdownTimeout bounds a graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultChannelMaxWait bounds the time between polls of an idle channel.
	DefaultChannelMaxWait = 5 * time.Second
	// DefaultChannelMinWait is the first back-off step after an empty poll.
	DefaultChannelMinWait = 50 * time.Millisecond
)

const (
	// DefaultLSFSampleInterval controls how often the load sensing function samples.
	DefaultLSFSampleInterval = 200 * time.Millisecond
	// DefaultLSFLogInterval controls how often LSF samples are logged (0 disables).
	DefaultLSFLogInterval = 15 * time.Second
	// DefaultQRFQueueSoftLimit arms the controller when this many trackers wait.
	DefaultQRFQueueSoftLimit = 512
	// DefaultQRFQueueHardLimit engages the controller.
	DefaultQRFQueueHardLimit = 2048
	// DefaultQRFMemorySoftLimitPercent arms the controller on host memory.
	DefaultQRFMemorySoftLimitPercent = 80.0
	// DefaultQRFMemoryHardLimitPercent engages the controller on host memory.
	DefaultQRFMemoryHardLimitPercent = 90.0
	// DefaultQRFMemoryStrictHeadroomPercent offsets memory percentages when
	// reclaimable cache cannot be excluded.
	DefaultQRFMemoryStrictHeadroomPercent = 15.0
	// DefaultQRFLoadSoftLimitMultiplier arms the controller on load average vs baseline.
	DefaultQRFLoadSoftLimitMultiplier = 4.0
	// DefaultQRFLoadHardLimitMultiplier engages the controller on load average vs baseline.
	DefaultQRFLoadHardLimitMultiplier = 8.0
	// DefaultQRFRecoverySamples is how many healthy samples end an engagement.
	DefaultQRFRecoverySamples = 5
	// DefaultQRFSoftDelay is the admission delay while soft armed.
	DefaultQRFSoftDelay = 50 * time.Millisecond
	// DefaultQRFEngagedDelay is the admission delay while engaged.
	DefaultQRFEngagedDelay = 250 * time.Millisecond
	// DefaultQRFRecoveryDelay is the admission delay while recovering.
	DefaultQRFRecoveryDelay = 100 * time.Millisecond
	// DefaultQRFMaxWait caps a single admission wait.
	DefaultQRFMaxWait = 5 * time.Second
)

// ChannelConfig describes one polled fabric channel.
type ChannelConfig struct {
	// Name is the fabric channel id.
	Name string `yaml:"name"`
	// Priority selects the task manager level the channel fetches into.
	Priority int `yaml:"priority"`
	// AllowedOverage lets a busy channel fetch past its share.
	AllowedOverage int `yaml:"allowed-overage,omitempty"`
	// MaxSlots caps a single fetch (0 = unbounded).
	MaxSlots int           `yaml:"max-slots,omitempty"`
	MinWait  time.Duration `yaml:"min-wait,omitempty"`
	MaxWait  time.Duration `yaml:"max-wait,omitempty"`
}

// Config captures the tunables of a taskd runtime.
type Config struct {
	// OriginatorID identifies this instance in leader negotiation. Empty
	// generates one from the host name.
	OriginatorID string
	// AdminListen is the admin HTTP bind address; empty disables it.
	AdminListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to /metrics.
	EnableProfilingMetrics bool

	// Levels is the number of task priorities (0 = lowest).
	Levels int
	// ConcurrentMax is the total number of concurrently running trackers.
	ConcurrentMax int
	// LevelMin reserves capacity per priority (index = priority).
	LevelMin []int
	// LoopInterval is the scheduling loop cadence.
	LoopInterval time.Duration
	// FrequencyTasksTimeout is how often overdue trackers are swept.
	FrequencyTasksTimeout time.Duration
	// DefaultTaskTimeout applies to trackers without a timeout of their own.
	DefaultTaskTimeout time.Duration
	// KillGracePeriod is the overrun tolerated after cancellation before a
	// tracker is force-released.
	KillGracePeriod time.Duration

	// Channels are polled from the fabric and dispatched to handlers.
	Channels []ChannelConfig
	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration
	// PollQueueLengthWeight, PollAdditiveIncrease, PollMultiplicativeDecrease
	// and PollCapacityFloor tune the poll slot algorithm.
	PollQueueLengthWeight      int64
	PollAdditiveIncrease       int
	PollMultiplicativeDecrease float64
	PollCapacityFloor          int
	// PollDisablePassDueScan turns off the past-due pre-pass.
	PollDisablePassDueScan bool

	// MaxAttempts bounds deliveries of a failing message before deadlettering.
	MaxAttempts int
	// RetryRate paces requeues of failed messages (per second).
	RetryRate float64
	// RetryBurst is the requeue burst.
	RetryBurst int

	// MasterJobDisabled turns leader negotiation off; master-only schedules never fire.
	MasterJobDisabled        bool
	MasterJobTopic           string
	MasterJobInterval        time.Duration
	MasterJobInitialWait     time.Duration
	MasterJobHeartbeatMisses int
	MasterJobFailureLimit    int
	// MasterJobStandbyInterval is the negotiation cadence while following a
	// live master. Zero derives (MasterJobHeartbeatMisses-1) intervals.
	MasterJobStandbyInterval time.Duration

	// QRFDisabled turns off load feedback throttling and LSF sampling.
	QRFDisabled                    bool
	QRFQueueSoftLimit              int64
	QRFQueueHardLimit              int64
	QRFUtilizationSoftPercent      float64
	QRFUtilizationHardPercent      float64
	QRFPollSoftLimit               int64
	QRFPollHardLimit               int64
	QRFMemorySoftLimitBytes        uint64
	QRFMemoryHardLimitBytes        uint64
	QRFMemorySoftLimitPercent      float64
	QRFMemoryHardLimitPercent      float64
	QRFMemoryStrictHeadroomPercent float64
	QRFSwapSoftLimitBytes          uint64
	QRFSwapHardLimitBytes          uint64
	QRFSwapSoftLimitPercent        float64
	QRFSwapHardLimitPercent        float64
	QRFCPUPercentSoftLimit         float64
	QRFCPUPercentHardLimit         float64
	QRFLoadSoftLimitMultiplier     float64
	QRFLoadHardLimitMultiplier     float64
	QRFRecoverySamples             int
	QRFSoftDelay                   time.Duration
	QRFEngagedDelay                time.Duration
	QRFRecoveryDelay               time.Duration
	QRFMaxWait                     time.Duration
	// LSFSampleInterval controls how often the LSF samples load.
	LSFSampleInterval time.Duration
	// LSFLogInterval controls how often samples are logged (0 disables).
	LSFLogInterval time.Duration
	// LSFLogIntervalSet reports whether LSFLogInterval was explicitly set.
	LSFLogIntervalSet bool

	// ShutdownTimeout bounds a graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	c.AdminListen = strings.TrimSpace(c.AdminListen)
	if c.EnableProfilingMetrics && c.AdminListen == "" {
		return fmt.Errorf("config: profiling metrics require admin-listen")
	}
	if c.Levels == 0 {
		c.Levels = DefaultLevels
	}
	if c.Levels < 0 {
		return fmt.Errorf("config: levels must be > 0")
	}
	if c.ConcurrentMax == 0 {
		c.ConcurrentMax = taskmgr.DefaultConcurrentMax()
	}
	if c.ConcurrentMax < 0 {
		return fmt.Errorf("config: concurrent max must be > 0")
	}
	if len(c.LevelMin) > c.Levels {
		return fmt.Errorf("config: %d level minimums for %d levels", len(c.LevelMin), c.Levels)
	}
	sum := 0
	for p, v := range c.LevelMin {
		if v < 0 {
			return fmt.Errorf("config: level %d minimum must be >= 0", p)
		}
		sum += v
	}
	if sum > c.ConcurrentMax {
		return fmt.Errorf("config: level minimums (%d) exceed concurrent max (%d)", sum, c.ConcurrentMax)
	}
	durations := []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"loop interval", &c.LoopInterval, DefaultLoopInterval},
		{"frequency tasks timeout", &c.FrequencyTasksTimeout, DefaultFrequencyTasksTimeout},
		{"default task timeout", &c.DefaultTaskTimeout, DefaultTaskTimeout},
		{"kill grace period", &c.KillGracePeriod, DefaultKillGracePeriod},
		{"fetch timeout", &c.FetchTimeout, DefaultFetchTimeout},
		{"masterjob interval", &c.MasterJobInterval, DefaultMasterJobInterval},
		{"lsf sample interval", &c.LSFSampleInterval, DefaultLSFSampleInterval},
		{"shutdown timeout", &c.ShutdownTimeout, DefaultShutdownTimeout},
		{"qrf soft delay", &c.QRFSoftDelay, DefaultQRFSoftDelay},
		{"qrf engaged delay", &c.QRFEngagedDelay, DefaultQRFEngagedDelay},
		{"qrf recovery delay", &c.QRFRecoveryDelay, DefaultQRFRecoveryDelay},
		{"qrf max wait", &c.QRFMaxWait, DefaultQRFMaxWait},
	}
	for _, d := range durations {
		if *d.val == 0 {
			*d.val = d.def
		} else if *d.val < 0 {
			return fmt.Errorf("config: %s must be >= 0", d.name)
		}
	}
	if c.MasterJobInitialWait < 0 {
		return fmt.Errorf("config: masterjob initial wait must be >= 0")
	}
	if c.MasterJobStandbyInterval < 0 {
		return fmt.Errorf("config: masterjob standby interval must be >= 0")
	}
	if !c.LSFLogIntervalSet && c.LSFLogInterval == 0 {
		c.LSFLogInterval = DefaultLSFLogInterval
	}
	if c.LSFLogInterval < 0 {
		return fmt.Errorf("config: lsf log interval must be >= 0")
	}
	if c.MasterJobTopic == "" {
		c.MasterJobTopic = DefaultMasterJobTopic
	}
	if c.MasterJobHeartbeatMisses == 0 {
		c.MasterJobHeartbeatMisses = DefaultMasterJobHeartbeatMisses
	}
	if c.MasterJobFailureLimit == 0 {
		c.MasterJobFailureLimit = DefaultMasterJobFailureLimit
	}
	if c.MasterJobHeartbeatMisses < 0 || c.MasterJobFailureLimit < 0 {
		return fmt.Errorf("config: masterjob heartbeat misses and failure limit must be > 0")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryRate == 0 {
		c.RetryRate = DefaultRetryRate
	}
	if c.RetryBurst == 0 {
		c.RetryBurst = DefaultRetryBurst
	}
	if c.MaxAttempts < 0 || c.RetryRate < 0 || c.RetryBurst < 0 {
		return fmt.Errorf("config: retry settings must be > 0")
	}
	if c.PollMultiplicativeDecrease < 0 || c.PollMultiplicativeDecrease >= 1 {
		return fmt.Errorf("config: poll multiplicative decrease must be within [0,1)")
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	if err := c.validateQRF(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateChannels() error {
	seen := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		ch.Name = strings.TrimSpace(ch.Name)
		if ch.Name == "" {
			return fmt.Errorf("config: channel %d: name required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("config: duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Priority < 0 || ch.Priority >= c.Levels {
			return fmt.Errorf("config: channel %q: priority %d out of range [0,%d)", ch.Name, ch.Priority, c.Levels)
		}
		if ch.AllowedOverage < 0 || ch.MaxSlots < 0 {
			return fmt.Errorf("config: channel %q: overage and max slots must be >= 0", ch.Name)
		}
		if ch.MinWait == 0 {
			ch.MinWait = DefaultChannelMinWait
		}
		if ch.MaxWait == 0 {
			ch.MaxWait = DefaultChannelMaxWait
		}
		if ch.MinWait < 0 || ch.MaxWait < 0 || ch.MinWait > ch.MaxWait {
			return fmt.Errorf("config: channel %q: invalid wait bounds %s..%s", ch.Name, ch.MinWait, ch.MaxWait)
		}
	}
	return nil
}

func (c *Config) validateQRF() error {
	if c.QRFQueueSoftLimit == 0 {
		c.QRFQueueSoftLimit = DefaultQRFQueueSoftLimit
	}
	if c.QRFQueueHardLimit == 0 {
		c.QRFQueueHardLimit = DefaultQRFQueueHardLimit
	}
	if c.QRFQueueHardLimit > 0 && c.QRFQueueSoftLimit > c.QRFQueueHardLimit {
		return fmt.Errorf("config: qrf queue soft limit exceeds hard limit")
	}
	if c.QRFMemorySoftLimitPercent == 0 {
		c.QRFMemorySoftLimitPercent = DefaultQRFMemorySoftLimitPercent
	}
	if c.QRFMemoryHardLimitPercent == 0 {
		c.QRFMemoryHardLimitPercent = DefaultQRFMemoryHardLimitPercent
	}
	if c.QRFMemoryStrictHeadroomPercent == 0 {
		c.QRFMemoryStrictHeadroomPercent = DefaultQRFMemoryStrictHeadroomPercent
	}
	if c.QRFLoadSoftLimitMultiplier == 0 {
		c.QRFLoadSoftLimitMultiplier = DefaultQRFLoadSoftLimitMultiplier
	}
	if c.QRFLoadHardLimitMultiplier == 0 {
		c.QRFLoadHardLimitMultiplier = DefaultQRFLoadHardLimitMultiplier
	}
	if c.QRFRecoverySamples == 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	percents := []float64{
		c.QRFUtilizationSoftPercent, c.QRFUtilizationHardPercent,
		c.QRFMemorySoftLimitPercent, c.QRFMemoryHardLimitPercent, c.QRFMemoryStrictHeadroomPercent,
		c.QRFSwapSoftLimitPercent, c.QRFSwapHardLimitPercent,
		c.QRFCPUPercentSoftLimit, c.QRFCPUPercentHardLimit,
	}
	if slices.ContainsFunc(percents, func(p float64) bool { return p < 0 || p > 100 }) {
		return fmt.Errorf("config: qrf percentages must be within [0,100]")
	}
	if c.QRFRecoverySamples < 0 || c.QRFPollSoftLimit < 0 || c.QRFPollHardLimit < 0 {
		return fmt.Errorf("config: qrf limits must be >= 0")
	}
	return nil
}

// AlgorithmConfig returns the poll slot tuning carried by c.
func (c Config) AlgorithmConfig() pollslot.AlgorithmConfig {
	return pollslot.AlgorithmConfig{
		QueueLengthWeight:      c.PollQueueLengthWeight,
		AdditiveIncrease:       c.PollAdditiveIncrease,
		MultiplicativeDecrease: c.PollMultiplicativeDecrease,
		CapacityFloor:          c.PollCapacityFloor,
		DisablePassDueScan:     c.PollDisablePassDueScan,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.taskd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TASKD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".taskd"), nil
}
