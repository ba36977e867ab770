package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/taskd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage taskd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.taskd/config.yaml"
	if dir, err := taskd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, taskd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default taskd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := taskd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, taskd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; keys are the flag names.
type configDefaults struct {
	OriginatorID               string   `yaml:"originator-id"`
	AdminListen                string   `yaml:"admin-listen"`
	OTLPEndpoint               string   `yaml:"otlp-endpoint"`
	EnableProfilingMetrics     bool     `yaml:"enable-profiling-metrics"`
	Levels                     int      `yaml:"levels"`
	ConcurrentMax              int      `yaml:"concurrent-max"`
	LevelMin                   []int    `yaml:"level-min"`
	LoopInterval               string   `yaml:"loop-interval"`
	FrequencyTasksTimeout      string   `yaml:"frequency-tasks-timeout"`
	DefaultTaskTimeout         string   `yaml:"default-task-timeout"`
	KillGracePeriod            string   `yaml:"kill-grace-period"`
	Channels                   []string `yaml:"channel"`
	FetchTimeout               string   `yaml:"fetch-timeout"`
	MaxAttempts                int      `yaml:"max-attempts"`
	RetryRate                  float64  `yaml:"retry-rate"`
	RetryBurst                 int      `yaml:"retry-burst"`
	MasterJobDisabled          bool     `yaml:"masterjob-disabled"`
	MasterJobTopic             string   `yaml:"masterjob-topic"`
	MasterJobInterval          string   `yaml:"masterjob-interval"`
	MasterJobInitialWait       string   `yaml:"masterjob-initial-wait"`
	MasterJobHeartbeatMisses   int      `yaml:"masterjob-heartbeat-misses"`
	MasterJobFailureLimit      int      `yaml:"masterjob-failure-limit"`
	MasterJobStandbyInterval   string   `yaml:"masterjob-standby-interval"`
	LSFSampleInterval          string   `yaml:"lsf-sample-interval"`
	LSFLogInterval             string   `yaml:"lsf-log-interval"`
	QRFDisabled                bool     `yaml:"qrf-disabled"`
	QRFQueueSoftLimit          int64    `yaml:"qrf-queue-soft-limit"`
	QRFQueueHardLimit          int64    `yaml:"qrf-queue-hard-limit"`
	QRFMemorySoftLimit         string   `yaml:"qrf-memory-soft-limit"`
	QRFMemoryHardLimit         string   `yaml:"qrf-memory-hard-limit"`
	QRFMemorySoftLimitPercent  float64  `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardLimitPercent  float64  `yaml:"qrf-memory-hard-limit-percent"`
	QRFLoadSoftLimitMultiplier float64  `yaml:"qrf-load-soft-limit-multiplier"`
	QRFLoadHardLimitMultiplier float64  `yaml:"qrf-load-hard-limit-multiplier"`
	QRFRecoverySamples         int      `yaml:"qrf-recovery-samples"`
	ShutdownTimeout            string   `yaml:"shutdown-timeout"`
	LogLevel                   string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		AdminListen:                taskd.DefaultAdminListen,
		Levels:                     taskd.DefaultLevels,
		LoopInterval:               taskd.DefaultLoopInterval.String(),
		FrequencyTasksTimeout:      taskd.DefaultFrequencyTasksTimeout.String(),
		DefaultTaskTimeout:         taskd.DefaultTaskTimeout.String(),
		KillGracePeriod:            taskd.DefaultKillGracePeriod.String(),
		Channels:                   []string{"default:0"},
		FetchTimeout:               taskd.DefaultFetchTimeout.String(),
		MaxAttempts:                taskd.DefaultMaxAttempts,
		RetryRate:                  taskd.DefaultRetryRate,
		RetryBurst:                 taskd.DefaultRetryBurst,
		MasterJobTopic:             taskd.DefaultMasterJobTopic,
		MasterJobInterval:          taskd.DefaultMasterJobInterval.String(),
		MasterJobInitialWait:       "0s",
		MasterJobHeartbeatMisses:   taskd.DefaultMasterJobHeartbeatMisses,
		MasterJobFailureLimit:      taskd.DefaultMasterJobFailureLimit,
		MasterJobStandbyInterval:   "0s",
		LSFSampleInterval:          taskd.DefaultLSFSampleInterval.String(),
		LSFLogInterval:             taskd.DefaultLSFLogInterval.String(),
		QRFQueueSoftLimit:          taskd.DefaultQRFQueueSoftLimit,
		QRFQueueHardLimit:          taskd.DefaultQRFQueueHardLimit,
		QRFMemorySoftLimitPercent:  taskd.DefaultQRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent:  taskd.DefaultQRFMemoryHardLimitPercent,
		QRFLoadSoftLimitMultiplier: taskd.DefaultQRFLoadSoftLimitMultiplier,
		QRFLoadHardLimitMultiplier: taskd.DefaultQRFLoadHardLimitMultiplier,
		QRFRecoverySamples:         taskd.DefaultQRFRecoverySamples,
		ShutdownTimeout:            taskd.DefaultShutdownTimeout.String(),
		LogLevel:                   "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
