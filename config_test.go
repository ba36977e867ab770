package taskd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Levels != DefaultLevels {
		t.Fatalf("expected levels default %d, got %d", DefaultLevels, cfg.Levels)
	}
	if cfg.ConcurrentMax <= 0 {
		t.Fatal("expected concurrent max default")
	}
	if cfg.LoopInterval != DefaultLoopInterval || cfg.FrequencyTasksTimeout != DefaultFrequencyTasksTimeout {
		t.Fatalf("expected loop defaults, got %s/%s", cfg.LoopInterval, cfg.FrequencyTasksTimeout)
	}
	if cfg.DefaultTaskTimeout != DefaultTaskTimeout || cfg.KillGracePeriod != DefaultKillGracePeriod {
		t.Fatal("expected task timeout defaults")
	}
	if cfg.MasterJobTopic != DefaultMasterJobTopic || cfg.MasterJobInterval != DefaultMasterJobInterval {
		t.Fatalf("expected masterjob defaults, got %q/%s", cfg.MasterJobTopic, cfg.MasterJobInterval)
	}
	if cfg.MasterJobHeartbeatMisses != DefaultMasterJobHeartbeatMisses || cfg.MasterJobFailureLimit != DefaultMasterJobFailureLimit {
		t.Fatal("expected masterjob miss defaults")
	}
	if cfg.MaxAttempts != DefaultMaxAttempts || cfg.RetryRate != DefaultRetryRate || cfg.RetryBurst != DefaultRetryBurst {
		t.Fatal("expected retry defaults")
	}
	if cfg.QRFQueueSoftLimit != DefaultQRFQueueSoftLimit || cfg.QRFQueueHardLimit != DefaultQRFQueueHardLimit {
		t.Fatal("expected qrf queue defaults")
	}
	if cfg.QRFUtilizationSoftPercent != 0 || cfg.QRFUtilizationHardPercent != 0 {
		t.Fatal("utilization thresholds must stay disabled by default")
	}
	if cfg.LSFLogInterval != DefaultLSFLogInterval {
		t.Fatalf("expected lsf log interval default, got %s", cfg.LSFLogInterval)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout default, got %s", cfg.ShutdownTimeout)
	}
}

func TestConfigLSFLogIntervalZeroWhenSet(t *testing.T) {
	cfg := Config{LSFLogIntervalSet: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LSFLogInterval != 0 {
		t.Fatalf("expected explicit zero log interval to stick, got %s", cfg.LSFLogInterval)
	}
}

func TestConfigChannelDefaults(t *testing.T) {
	cfg := Config{Channels: []ChannelConfig{{Name: "  orders ", Priority: 2}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ch := cfg.Channels[0]
	if ch.Name != "orders" {
		t.Fatalf("expected trimmed name, got %q", ch.Name)
	}
	if ch.MinWait != DefaultChannelMinWait || ch.MaxWait != DefaultChannelMaxWait {
		t.Fatalf("expected wait defaults, got %s..%s", ch.MinWait, ch.MaxWait)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]struct {
		cfg  Config
		want string
	}{
		"profiling without admin":  {Config{EnableProfilingMetrics: true}, "admin-listen"},
		"negative levels":          {Config{Levels: -1}, "levels"},
		"negative concurrent max":  {Config{ConcurrentMax: -2}, "concurrent max"},
		"too many minimums":        {Config{Levels: 2, LevelMin: []int{1, 1, 1}}, "level minimums"},
		"negative minimum":         {Config{LevelMin: []int{-1}}, "minimum"},
		"minimums over capacity":   {Config{ConcurrentMax: 2, LevelMin: []int{1, 2}}, "exceed"},
		"negative loop interval":   {Config{LoopInterval: -time.Second}, "loop interval"},
		"negative initial wait":    {Config{MasterJobInitialWait: -time.Second}, "initial wait"},
		"negative failure limit":   {Config{MasterJobFailureLimit: -1}, "failure limit"},
		"negative retry burst":     {Config{RetryBurst: -1}, "retry"},
		"decrease out of range":    {Config{PollMultiplicativeDecrease: 1}, "multiplicative decrease"},
		"unnamed channel":          {Config{Channels: []ChannelConfig{{}}}, "name required"},
		"duplicate channel":        {Config{Channels: []ChannelConfig{{Name: "a"}, {Name: "a"}}}, "duplicate"},
		"channel priority":         {Config{Levels: 2, Channels: []ChannelConfig{{Name: "a", Priority: 2}}}, "out of range"},
		"channel wait bounds":      {Config{Channels: []ChannelConfig{{Name: "a", MinWait: time.Second, MaxWait: time.Millisecond}}}, "wait bounds"},
		"channel negative overage": {Config{Channels: []ChannelConfig{{Name: "a", AllowedOverage: -1}}}, "overage"},
		"qrf soft over hard":       {Config{QRFQueueSoftLimit: 10, QRFQueueHardLimit: 5}, "soft limit"},
		"qrf percent":              {Config{QRFCPUPercentHardLimit: 120}, "percentages"},
		"negative lsf log":         {Config{LSFLogInterval: -time.Second}, "lsf log"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigAlgorithmConfig(t *testing.T) {
	cfg := Config{
		PollQueueLengthWeight:      3,
		PollAdditiveIncrease:       2,
		PollMultiplicativeDecrease: 0.25,
		PollCapacityFloor:          4,
		PollDisablePassDueScan:     true,
	}
	alg := cfg.AlgorithmConfig()
	if alg.QueueLengthWeight != 3 || alg.AdditiveIncrease != 2 || alg.MultiplicativeDecrease != 0.25 || alg.CapacityFloor != 4 || !alg.DisablePassDueScan {
		t.Fatalf("unexpected algorithm config %+v", alg)
	}
}

func TestDefaultConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected override %s, got %s", dir, got)
	}

	t.Setenv("TASKD_CONFIG_DIR", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != filepath.Join(home, ".taskd") {
		t.Fatalf("expected ~/.taskd, got %s", got)
	}
	if _, err := os.Stat(got); !os.IsNotExist(err) {
		t.Fatal("DefaultConfigDir must not create the directory")
	}
}
