package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/taskd"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/loggingutil"
)

type simulateOptions struct {
	Instances     int
	Channels      int
	Levels        int
	ConcurrentMax int
	Duration      time.Duration
	Drain         time.Duration
	Rate          float64
	Work          time.Duration
	FailRatio     float64
	BodyBytes     int
	Seed          uint64
	EnableQRF     bool
}

// simulationReport is the YAML document printed by the simulate command.
type simulationReport struct {
	Duration  string           `yaml:"duration"`
	Published int64            `yaml:"published"`
	Rate      string           `yaml:"rate"`
	Masters   []string         `yaml:"masters"`
	Instances []instanceReport `yaml:"instances"`
	Channels  []channelReport  `yaml:"channels"`
}

type instanceReport struct {
	Originator   string `yaml:"originator"`
	Master       bool   `yaml:"master"`
	Submitted    uint64 `yaml:"submitted"`
	Completed    uint64 `yaml:"completed"`
	Failed       uint64 `yaml:"failed"`
	Cancelled    uint64 `yaml:"cancelled"`
	Acked        uint64 `yaml:"acked"`
	Retried      uint64 `yaml:"retried"`
	Deadlettered uint64 `yaml:"deadlettered"`
	Polls        uint64 `yaml:"polls"`
	QRF          string `yaml:"qrf"`
}

type channelReport struct {
	Channel      string `yaml:"channel"`
	Published    string `yaml:"published"`
	Acked        string `yaml:"acked"`
	Requeued     uint64 `yaml:"requeued"`
	Deadlettered uint64 `yaml:"deadlettered"`
	Ready        int    `yaml:"ready"`
}

func newSimulateCommand(baseLogger pslog.Logger) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run several in-process instances against synthetic load and print statistics as YAML",
		Example: `
  # Three instances, five channels, 500 msg/s for ten seconds
  taskd simulate --instances 3 --channels 5 --rate 500 --duration 10s
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(logLevelSetting()); ok {
				logger = logger.LogLevel(level)
			}
			report, err := runSimulation(cmd.Context(), opts, loggingutil.WithSubsystem(logger, "cli.simulate"))
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(report)
			if err != nil {
				return fmt.Errorf("marshal report: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.Instances, "instances", 2, "runtimes sharing one fabric")
	flags.IntVar(&opts.Channels, "channels", 3, "channels, spread over the priority levels")
	flags.IntVar(&opts.Levels, "levels", taskd.DefaultLevels, "priority levels per instance")
	flags.IntVar(&opts.ConcurrentMax, "concurrent-max", 16, "concurrent tasks per instance")
	flags.DurationVar(&opts.Duration, "duration", 5*time.Second, "how long messages are published")
	flags.DurationVar(&opts.Drain, "drain", 5*time.Second, "how long to wait for queued messages after publishing stops")
	flags.Float64Var(&opts.Rate, "rate", 200, "published messages per second across all channels")
	flags.DurationVar(&opts.Work, "work", 5*time.Millisecond, "simulated handler work per message")
	flags.Float64Var(&opts.FailRatio, "fail-ratio", 0.02, "share of handler invocations that fail")
	flags.IntVar(&opts.BodyBytes, "body-bytes", 256, "message body size")
	flags.Uint64Var(&opts.Seed, "seed", 1, "random seed for channel choice and failures")
	flags.BoolVar(&opts.EnableQRF, "qrf", false, "enable load feedback throttling")
	return cmd
}

func (o simulateOptions) validate() error {
	switch {
	case o.Instances < 1:
		return errors.New("simulate: --instances must be >= 1")
	case o.Channels < 1:
		return errors.New("simulate: --channels must be >= 1")
	case o.Rate <= 0:
		return errors.New("simulate: --rate must be > 0")
	case o.FailRatio < 0 || o.FailRatio > 1:
		return errors.New("simulate: --fail-ratio must be within [0,1]")
	case o.Duration <= 0:
		return errors.New("simulate: --duration must be > 0")
	}
	return nil
}

func runSimulation(ctx context.Context, opts simulateOptions, logger pslog.Logger) (simulationReport, error) {
	if err := opts.validate(); err != nil {
		return simulationReport{}, err
	}
	if opts.Levels <= 0 {
		opts.Levels = taskd.DefaultLevels
	}
	shared := fabric.New(fabric.WithLogger(logger))
	defer shared.Close()

	channels := make([]taskd.ChannelConfig, opts.Channels)
	for i := range channels {
		channels[i] = taskd.ChannelConfig{
			Name:           fmt.Sprintf("sim-%d", i),
			Priority:       i % opts.Levels,
			AllowedOverage: 2,
			MinWait:        time.Millisecond,
			MaxWait:        50 * time.Millisecond,
		}
	}

	var rngMu sync.Mutex
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	failNext := func() bool {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.Float64() < opts.FailRatio
	}
	handler := func(ctx context.Context, _ *fabric.Delivery) error {
		if opts.Work > 0 {
			timer := time.NewTimer(opts.Work)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if failNext() {
			return errors.New("simulated failure")
		}
		return nil
	}

	runtimes := make([]*taskd.Runtime, 0, opts.Instances)
	stopAll := func() error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		var errs []error
		for _, rt := range runtimes {
			errs = append(errs, rt.Stop(stopCtx))
		}
		return errors.Join(errs...)
	}
	for i := range opts.Instances {
		cfg := taskd.Config{
			OriginatorID:      fmt.Sprintf("sim-%02d", i),
			Levels:            opts.Levels,
			ConcurrentMax:     opts.ConcurrentMax,
			LoopInterval:      5 * time.Millisecond,
			Channels:          append([]taskd.ChannelConfig(nil), channels...),
			MasterJobInterval: 250 * time.Millisecond,
			QRFDisabled:       !opts.EnableQRF,
			RetryRate:         100,
			RetryBurst:        10,
		}
		rt, err := taskd.NewRuntime(cfg,
			taskd.WithLogger(logger.With("instance", cfg.OriginatorID)),
			taskd.WithFabric(shared),
			taskd.WithHandler("sim-*/**", handler),
		)
		if err != nil {
			_ = stopAll()
			return simulationReport{}, err
		}
		if err := rt.Start(ctx); err != nil {
			_ = stopAll()
			return simulationReport{}, err
		}
		runtimes = append(runtimes, rt)
	}

	body := make([]byte, max(opts.BodyBytes, 0))
	limiter := rate.NewLimiter(rate.Limit(opts.Rate), max(1, int(opts.Rate/10)))
	pubCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()
	started := time.Now()
	var published int64
	for {
		if err := limiter.Wait(pubCtx); err != nil {
			break
		}
		rngMu.Lock()
		ch := channels[rng.IntN(len(channels))]
		rngMu.Unlock()
		err := shared.Publish(pubCtx, fabric.Envelope{
			ChannelID:   ch.Name,
			MessageType: "sim",
			ActionType:  "work",
			Priority:    ch.Priority,
			Body:        body,
		})
		if err != nil {
			break
		}
		published++
	}
	elapsed := time.Since(started)

	drainUntil := time.Now().Add(opts.Drain)
	for time.Now().Before(drainUntil) && ctx.Err() == nil && pending(shared, channels) > 0 {
		time.Sleep(20 * time.Millisecond)
	}

	report := simulationReport{
		Duration:  elapsed.Round(time.Millisecond).String(),
		Published: published,
		Rate:      humanize.CommafWithDigits(float64(published)/elapsed.Seconds(), 1) + "/s",
	}
	for _, rt := range runtimes {
		stats := rt.Statistics()
		if stats.Master {
			report.Masters = append(report.Masters, stats.OriginatorID)
		}
		report.Instances = append(report.Instances, instanceReport{
			Originator:   stats.OriginatorID,
			Master:       stats.Master,
			Submitted:    stats.Manager.Submitted,
			Completed:    stats.Manager.Completed,
			Failed:       stats.Manager.Failed,
			Cancelled:    stats.Manager.Cancelled,
			Acked:        stats.Dispatcher.Acked,
			Retried:      stats.Dispatcher.Retried,
			Deadlettered: stats.Dispatcher.Deadlettered,
			Polls:        stats.Manager.Polls,
			QRF:          stats.QRF.State.String(),
		})
	}
	for _, cs := range shared.Statistics() {
		report.Channels = append(report.Channels, channelReport{
			Channel:      cs.Channel,
			Published:    humanize.Comma(int64(cs.Published)),
			Acked:        humanize.Comma(int64(cs.Acked)),
			Requeued:     cs.Requeued,
			Deadlettered: cs.Deadlettered,
			Ready:        cs.Ready,
		})
	}
	logger.Info("simulate.finished",
		"published", published,
		"elapsed", elapsed,
		"instances", len(runtimes),
		"masters", len(report.Masters),
	)
	if err := stopAll(); err != nil {
		return report, err
	}
	return report, nil
}

func pending(f *fabric.Fabric, channels []taskd.ChannelConfig) int64 {
	var n int64
	for _, ch := range channels {
		n += f.Length(ch.Name)
	}
	for _, cs := range f.Statistics() {
		n += int64(cs.Inflight)
	}
	return n
}
