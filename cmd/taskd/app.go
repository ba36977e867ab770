package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/taskd"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TASKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "taskd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon itself
// rather than a subcommand. Root failures are logged, subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(long, short string) *pflag.Flag {
		for _, fs := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
			if long != "" {
				if f := fs.Lookup(long); f != nil {
					return f
				}
			} else if f := fs.ShorthandLookup(short); f != nil {
				return f
			}
		}
		return nil
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), "")
			if flag == nil {
				return !hasSubcommand(args[i+1:])
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			shorts := strings.TrimPrefix(arg, "-")
			for idx, ch := range shorts {
				flag := lookup("", string(ch))
				if flag == nil {
					return !hasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(shorts)-1 {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := taskd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, taskd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg taskd.Config

	cmd := &cobra.Command{
		Use:           "taskd",
		Short:         "taskd runs prioritised tasks fed from message channels, with leader negotiation between instances",
		SilenceErrors: true,
		Example: `
  # Two channels, orders at the highest of four priorities
  taskd --channel orders:3 --channel reports:0:4

  # Admin endpoint with /metrics, /statistics, /healthz and pprof
  taskd --channel orders:3 --admin-listen 127.0.0.1:9380

  # Single instance without leader negotiation or load feedback
  TASKD_MASTERJOB_DISABLED=true TASKD_QRF_DISABLED=true taskd --channel jobs:0
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(baseLogger, "runtime.lifecycle.init").Info(
				"welcome to taskd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			cfg.LSFLogIntervalSet = cmd.Flags().Changed("lsf-log-interval") || viper.InConfig("lsf-log-interval") || envSet("TASKD_LSF_LOG_INTERVAL")

			level, ok := pslog.ParseLevel(logLevelSetting())
			if !ok {
				level = pslog.InfoLevel
			}
			levels, logger := loggingutil.NewLevelSwitch(baseLogger, level)
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				levelPinned := cmd.Flags().Changed("log-level") || envSet("TASKD_LOG_LEVEL")
				if !levelPinned {
					watchLogger := loggingutil.WithSubsystem(logger, "cli.config.watch")
					if err := watchConfigFile(ctx, configFile, watchLogger, func() {
						reloadLogLevel(configFile, levels, watchLogger)
					}); err != nil {
						cliLogger.Warn("config watch unavailable", "path", configFile, "error", err)
					}
				}
			}

			opts := []taskd.Option{taskd.WithLogger(logger)}
			for _, ch := range cfg.Channels {
				opts = append(opts, taskd.WithHandler(ch.Name+"/**", sinkHandler(loggingutil.WithSubsystem(logger, "cli.sink"))))
			}
			rt, err := taskd.NewRuntime(cfg, opts...)
			if err != nil {
				return err
			}
			return rt.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.taskd/"+taskd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("originator-id", "", "instance identity used in leader negotiation (generated when empty)")
	flags.String("admin-listen", taskd.DefaultAdminListen, "admin HTTP address serving /metrics, /statistics, /healthz and /debug/pprof (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on /metrics (requires --admin-listen)")
	flags.Int("levels", taskd.DefaultLevels, "number of task priority levels")
	flags.Int("concurrent-max", 0, "concurrently running tasks across all priorities (4 x GOMAXPROCS when 0)")
	flags.IntSlice("level-min", nil, "reserved slots per priority, lowest priority first (e.g. 1,1,2,4)")
	flags.Duration("loop-interval", taskd.DefaultLoopInterval, "scheduling loop cadence")
	flags.Duration("frequency-tasks-timeout", taskd.DefaultFrequencyTasksTimeout, "how often overdue tasks are swept")
	flags.Duration("default-task-timeout", taskd.DefaultTaskTimeout, "timeout for tasks that carry none of their own")
	flags.Duration("kill-grace-period", taskd.DefaultKillGracePeriod, "overrun tolerated after cancellation before a task is force-released")
	flags.StringSlice("channel", nil, "polled channel as name:priority[:allowed-overage[:max-slots]] (repeatable)")
	flags.Duration("fetch-timeout", taskd.DefaultFetchTimeout, "bound on a single channel fetch")
	flags.Int64("poll-queue-length-weight", 0, "weight of the observed queue length in slot allocation (default when 0)")
	flags.Int("poll-additive-increase", 0, "slots added to a channel after a full fetch (default when 0)")
	flags.Float64("poll-multiplicative-decrease", 0, "share kept after an empty fetch, within [0,1) (default when 0)")
	flags.Int("poll-capacity-floor", 0, "minimum slots offered to a past-due channel (default when 0)")
	flags.Bool("poll-disable-pass-due-scan", false, "skip the past-due pre-pass during slot allocation")
	flags.Int("max-attempts", taskd.DefaultMaxAttempts, "deliveries of a failing message before it is deadlettered")
	flags.Float64("retry-rate", taskd.DefaultRetryRate, "requeues of failed messages per second")
	flags.Int("retry-burst", taskd.DefaultRetryBurst, "requeue burst")
	flags.Bool("masterjob-disabled", false, "disable leader negotiation (master-only schedules never run)")
	flags.String("masterjob-topic", taskd.DefaultMasterJobTopic, "broadcast topic for leader negotiation")
	flags.Duration("masterjob-interval", taskd.DefaultMasterJobInterval, "leader negotiation poll interval")
	flags.Duration("masterjob-initial-wait", 0, "delay before the first negotiation poll")
	flags.Int("masterjob-heartbeat-misses", taskd.DefaultMasterJobHeartbeatMisses, "silent intervals a standby tolerates before renegotiating")
	flags.Int("masterjob-failure-limit", taskd.DefaultMasterJobFailureLimit, "missed echoes after which the master steps down")
	flags.Duration("masterjob-standby-interval", 0, "negotiation poll interval while following a live master (0 derives heartbeat-misses minus one intervals)")
	flags.Duration("lsf-sample-interval", taskd.DefaultLSFSampleInterval, "sampling interval for the load sensing function (LSF)")
	flags.Duration("lsf-log-interval", taskd.DefaultLSFLogInterval, "interval between LSF telemetry logs (set 0 to disable)")
	flags.Bool("qrf-disabled", false, "disable load feedback throttling (QRF)")
	flags.Int64("qrf-queue-soft-limit", taskd.DefaultQRFQueueSoftLimit, "queued tasks that soft-arm the QRF")
	flags.Int64("qrf-queue-hard-limit", taskd.DefaultQRFQueueHardLimit, "queued tasks that fully engage the QRF")
	flags.Float64("qrf-utilization-soft-percent", 0, "slot utilisation percentage that soft-arms the QRF (0 disables)")
	flags.Float64("qrf-utilization-hard-percent", 0, "slot utilisation percentage that fully engages the QRF (0 disables)")
	flags.Int64("qrf-poll-soft-limit", 0, "concurrent channel polls that soft-arm the QRF (0 disables)")
	flags.Int64("qrf-poll-hard-limit", 0, "concurrent channel polls that fully engage the QRF (0 disables)")
	flags.String("qrf-memory-soft-limit", "", "approximate RSS soft limit before QRF engages (blank disables)")
	flags.String("qrf-memory-hard-limit", "", "approximate RSS hard limit triggering immediate QRF engagement (blank disables)")
	flags.Float64("qrf-memory-soft-limit-percent", taskd.DefaultQRFMemorySoftLimitPercent, "system memory usage percentage that soft-arms the QRF")
	flags.Float64("qrf-memory-hard-limit-percent", taskd.DefaultQRFMemoryHardLimitPercent, "system memory usage percentage that fully engages the QRF")
	flags.Float64("qrf-memory-strict-headroom-percent", taskd.DefaultQRFMemoryStrictHeadroomPercent, "headroom to subtract from system memory usage when reclaimable cache is unknown")
	flags.String("qrf-swap-soft-limit", "", "swap usage soft limit before QRF engages (e.g. 256MB; blank disables)")
	flags.String("qrf-swap-hard-limit", "", "swap usage hard limit that fully engages the QRF (blank disables)")
	flags.Float64("qrf-swap-soft-limit-percent", 0, "swap utilisation percentage that soft-arms the QRF (0 disables)")
	flags.Float64("qrf-swap-hard-limit-percent", 0, "swap utilisation percentage that fully engages the QRF (0 disables)")
	flags.Float64("qrf-cpu-soft-limit", 0, "system CPU utilisation percentage that soft-arms the QRF (0 disables)")
	flags.Float64("qrf-cpu-hard-limit", 0, "system CPU utilisation percentage that fully engages the QRF (0 disables)")
	flags.Float64("qrf-load-soft-limit-multiplier", taskd.DefaultQRFLoadSoftLimitMultiplier, "load average multiplier (relative to LSF baseline) that soft-arms the QRF")
	flags.Float64("qrf-load-hard-limit-multiplier", taskd.DefaultQRFLoadHardLimitMultiplier, "load average multiplier (relative to LSF baseline) that fully engages the QRF")
	flags.Int("qrf-recovery-samples", taskd.DefaultQRFRecoverySamples, "number of consecutive healthy samples before QRF disengages")
	flags.Duration("qrf-soft-delay", taskd.DefaultQRFSoftDelay, "base delay used when QRF is soft-armed")
	flags.Duration("qrf-engaged-delay", taskd.DefaultQRFEngagedDelay, "base delay used when QRF is fully engaged")
	flags.Duration("qrf-recovery-delay", taskd.DefaultQRFRecoveryDelay, "base delay used while QRF is recovering")
	flags.Duration("qrf-max-wait", taskd.DefaultQRFMaxWait, "maximum delay applied by QRF pacing")
	flags.Duration("shutdown-timeout", taskd.DefaultShutdownTimeout, "bound on graceful shutdown")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("TASKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, fs := range []*pflag.FlagSet{persistentFlags, flags} {
		fs.VisitAll(func(f *pflag.Flag) { bindFlag(f.Name) })
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newSimulateCommand(baseLogger))
	return cmd
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func logLevelSetting() string {
	level := strings.TrimSpace(viper.GetString("log-level"))
	if level == "" {
		return "info"
	}
	return level
}

// sinkHandler acknowledges every message it receives. It backs the channels
// of the stand-alone daemon, where handlers are not compiled in.
func sinkHandler(logger pslog.Logger) func(context.Context, *fabric.Delivery) error {
	return func(_ context.Context, msg *fabric.Delivery) error {
		logger.Debug("sink.message", "channel", msg.ChannelID, "key", msg.Key(), "message_id", msg.ID, "bytes", humanize.Bytes(uint64(len(msg.Body))))
		return nil
	}
}

// parseChannel reads name:priority[:allowed-overage[:max-slots]].
func parseChannel(raw string) (taskd.ChannelConfig, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" {
		return taskd.ChannelConfig{}, fmt.Errorf("channel %q: want name:priority[:allowed-overage[:max-slots]]", raw)
	}
	ch := taskd.ChannelConfig{Name: parts[0]}
	fields := []*int{&ch.Priority, &ch.AllowedOverage, &ch.MaxSlots}
	for i, part := range parts[1:] {
		n, err := strconv.Atoi(part)
		if err != nil {
			return taskd.ChannelConfig{}, fmt.Errorf("channel %q: %w", raw, err)
		}
		*fields[i] = n
	}
	return ch, nil
}

func parseBytes(name string) (uint64, error) {
	raw := strings.TrimSpace(viper.GetString(name))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func bindConfig(cfg *taskd.Config) error {
	cfg.OriginatorID = strings.TrimSpace(viper.GetString("originator-id"))
	cfg.AdminListen = viper.GetString("admin-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Levels = viper.GetInt("levels")
	cfg.ConcurrentMax = viper.GetInt("concurrent-max")
	cfg.LevelMin = viper.GetIntSlice("level-min")
	cfg.LoopInterval = viper.GetDuration("loop-interval")
	cfg.FrequencyTasksTimeout = viper.GetDuration("frequency-tasks-timeout")
	cfg.DefaultTaskTimeout = viper.GetDuration("default-task-timeout")
	cfg.KillGracePeriod = viper.GetDuration("kill-grace-period")
	cfg.Channels = nil
	for _, raw := range viper.GetStringSlice("channel") {
		ch, err := parseChannel(raw)
		if err != nil {
			return err
		}
		cfg.Channels = append(cfg.Channels, ch)
	}
	cfg.FetchTimeout = viper.GetDuration("fetch-timeout")
	cfg.PollQueueLengthWeight = viper.GetInt64("poll-queue-length-weight")
	cfg.PollAdditiveIncrease = viper.GetInt("poll-additive-increase")
	cfg.PollMultiplicativeDecrease = viper.GetFloat64("poll-multiplicative-decrease")
	cfg.PollCapacityFloor = viper.GetInt("poll-capacity-floor")
	cfg.PollDisablePassDueScan = viper.GetBool("poll-disable-pass-due-scan")
	cfg.MaxAttempts = viper.GetInt("max-attempts")
	cfg.RetryRate = viper.GetFloat64("retry-rate")
	cfg.RetryBurst = viper.GetInt("retry-burst")
	cfg.MasterJobDisabled = viper.GetBool("masterjob-disabled")
	cfg.MasterJobTopic = viper.GetString("masterjob-topic")
	cfg.MasterJobInterval = viper.GetDuration("masterjob-interval")
	cfg.MasterJobInitialWait = viper.GetDuration("masterjob-initial-wait")
	cfg.MasterJobHeartbeatMisses = viper.GetInt("masterjob-heartbeat-misses")
	cfg.MasterJobFailureLimit = viper.GetInt("masterjob-failure-limit")
	cfg.MasterJobStandbyInterval = viper.GetDuration("masterjob-standby-interval")
	cfg.LSFSampleInterval = viper.GetDuration("lsf-sample-interval")
	cfg.LSFLogInterval = viper.GetDuration("lsf-log-interval")
	cfg.QRFDisabled = viper.GetBool("qrf-disabled")
	cfg.QRFQueueSoftLimit = viper.GetInt64("qrf-queue-soft-limit")
	cfg.QRFQueueHardLimit = viper.GetInt64("qrf-queue-hard-limit")
	cfg.QRFUtilizationSoftPercent = viper.GetFloat64("qrf-utilization-soft-percent")
	cfg.QRFUtilizationHardPercent = viper.GetFloat64("qrf-utilization-hard-percent")
	cfg.QRFPollSoftLimit = viper.GetInt64("qrf-poll-soft-limit")
	cfg.QRFPollHardLimit = viper.GetInt64("qrf-poll-hard-limit")
	var err error
	if cfg.QRFMemorySoftLimitBytes, err = parseBytes("qrf-memory-soft-limit"); err != nil {
		return err
	}
	if cfg.QRFMemoryHardLimitBytes, err = parseBytes("qrf-memory-hard-limit"); err != nil {
		return err
	}
	cfg.QRFMemorySoftLimitPercent = viper.GetFloat64("qrf-memory-soft-limit-percent")
	cfg.QRFMemoryHardLimitPercent = viper.GetFloat64("qrf-memory-hard-limit-percent")
	cfg.QRFMemoryStrictHeadroomPercent = viper.GetFloat64("qrf-memory-strict-headroom-percent")
	if cfg.QRFSwapSoftLimitBytes, err = parseBytes("qrf-swap-soft-limit"); err != nil {
		return err
	}
	if cfg.QRFSwapHardLimitBytes, err = parseBytes("qrf-swap-hard-limit"); err != nil {
		return err
	}
	cfg.QRFSwapSoftLimitPercent = viper.GetFloat64("qrf-swap-soft-limit-percent")
	cfg.QRFSwapHardLimitPercent = viper.GetFloat64("qrf-swap-hard-limit-percent")
	cfg.QRFCPUPercentSoftLimit = viper.GetFloat64("qrf-cpu-soft-limit")
	cfg.QRFCPUPercentHardLimit = viper.GetFloat64("qrf-cpu-hard-limit")
	cfg.QRFLoadSoftLimitMultiplier = viper.GetFloat64("qrf-load-soft-limit-multiplier")
	cfg.QRFLoadHardLimitMultiplier = viper.GetFloat64("qrf-load-hard-limit-multiplier")
	cfg.QRFRecoverySamples = viper.GetInt("qrf-recovery-samples")
	cfg.QRFSoftDelay = viper.GetDuration("qrf-soft-delay")
	cfg.QRFEngagedDelay = viper.GetDuration("qrf-engaged-delay")
	cfg.QRFRecoveryDelay = viper.GetDuration("qrf-recovery-delay")
	cfg.QRFMaxWait = viper.GetDuration("qrf-max-wait")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
