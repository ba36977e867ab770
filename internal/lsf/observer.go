// Package lsf is the load sensing function: it samples task manager load and
// host pressure and forwards each snapshot to the QRF controller.
package lsf

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/loggingutil"
	"pkt.systems/taskd/internal/qrf"
)

// Config controls the LSF sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	LogInterval    time.Duration
}

// TaskLoad is the task manager side of a sample.
type TaskLoad struct {
	Active       int64
	Queued       int64
	Capacity     int64
	PollInflight int64
}

// LoadSource reports current task manager load.
type LoadSource interface {
	TaskLoad() TaskLoad
}

// HostSample is the host side of a sample.
type HostSample struct {
	RSSBytes                  uint64
	SwapBytes                 uint64
	MemoryUsedPercent         float64
	MemoryIncludesReclaimable bool
	SwapUsedPercent           float64
	CPUPercent                float64
	Load1                     float64
	Load5                     float64
	Load15                    float64
}

// Sampler collects host metrics.
type Sampler interface {
	Sample(ctx context.Context) HostSample
}

// Observer tracks task load plus host metrics and forwards them to the QRF.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	source  LoadSource
	sampler Sampler
	logger  pslog.Logger
	metrics *lsfMetrics
	running atomic.Bool

	lastLogTime time.Time

	wg sync.WaitGroup

	loadBaseline1   float64
	loadBaseline5   float64
	loadBaseline15  float64
	loadBaselineSet bool
}

// Option customises an Observer.
type Option func(*Observer)

// WithSampler replaces the host sampler (tests use a fixed sampler).
func WithSampler(s Sampler) Option {
	return func(o *Observer) {
		if s != nil {
			o.sampler = s
		}
	}
}

// NewObserver constructs an LSF observer.
func NewObserver(cfg Config, controller *qrf.Controller, source LoadSource, logger pslog.Logger, opts ...Option) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 200 * time.Millisecond
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	logger = loggingutil.EnsureLogger(logger)
	o := &Observer{
		cfg:     cfg,
		qrf:     controller,
		source:  source,
		sampler: newHostSampler(),
		logger:  loggingutil.WithSubsystem(logger, "control.lsf.observer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Enabled {
		o.metrics = newLSFMetrics(logger)
	}
	return o
}

// Start launches the sampling loop. Safe to call multiple times; only the first call starts the loop.
func (o *Observer) Start(ctx context.Context) {
	if !o.cfg.Enabled || o.qrf == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	o.wg.Wait()
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(ctx, now)
		}
	}
}

func (o *Observer) sample(ctx context.Context, ts time.Time) {
	if o.qrf == nil {
		return
	}
	var load TaskLoad
	if o.source != nil {
		load = o.source.TaskLoad()
	}
	host := o.sampler.Sample(ctx)
	if host.RSSBytes == 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		host.RSSBytes = mem.Sys
	}

	loadBase1, loadBase5, loadBase15, loadMult1, loadMult5, loadMult15 := o.updateLoadBaselines(host.Load1, host.Load5, host.Load15)

	snapshot := qrf.Snapshot{
		TasksActive:                     load.Active,
		TasksQueued:                     load.Queued,
		TaskCapacity:                    load.Capacity,
		PollInflight:                    load.PollInflight,
		RSSBytes:                        host.RSSBytes,
		SwapBytes:                       host.SwapBytes,
		SystemMemoryUsedPercent:         host.MemoryUsedPercent,
		SystemMemoryIncludesReclaimable: host.MemoryIncludesReclaimable,
		SystemSwapUsedPercent:           host.SwapUsedPercent,
		SystemCPUPercent:                host.CPUPercent,
		SystemLoad1:                     host.Load1,
		SystemLoad5:                     host.Load5,
		SystemLoad15:                    host.Load15,
		Load1Baseline:                   loadBase1,
		Load5Baseline:                   loadBase5,
		Load15Baseline:                  loadBase15,
		Load1Multiplier:                 loadMult1,
		Load5Multiplier:                 loadMult5,
		Load15Multiplier:                loadMult15,
		Goroutines:                      runtime.NumGoroutine(),
		CollectedAt:                     ts,
	}
	if o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval) {
		o.logger.Debug("taskd.lsf.sample",
			"tasks_active", snapshot.TasksActive,
			"tasks_queued", snapshot.TasksQueued,
			"task_capacity", snapshot.TaskCapacity,
			"poll_inflight", snapshot.PollInflight,
			"rss_bytes", snapshot.RSSBytes,
			"swap_bytes", snapshot.SwapBytes,
			"system_memory_percent", snapshot.SystemMemoryUsedPercent,
			"system_swap_percent", snapshot.SystemSwapUsedPercent,
			"system_cpu_percent", snapshot.SystemCPUPercent,
			"system_load1", snapshot.SystemLoad1,
			"load1_baseline", snapshot.Load1Baseline,
			"load1_multiplier", snapshot.Load1Multiplier,
			"goroutines", snapshot.Goroutines,
		)
		o.lastLogTime = ts
	}
	o.metrics.recordSample(ctx, snapshot)
	o.qrf.Observe(snapshot)
}

func (o *Observer) updateLoadBaselines(load1, load5, load15 float64) (float64, float64, float64, float64, float64, float64) {
	const alpha = 0.05
	if !o.loadBaselineSet {
		o.loadBaseline1 = initialBaseline(load1)
		o.loadBaseline5 = initialBaseline(load5)
		o.loadBaseline15 = initialBaseline(load15)
		o.loadBaselineSet = true
	}
	o.loadBaseline1 = ewma(o.loadBaseline1, load1, alpha)
	o.loadBaseline5 = ewma(o.loadBaseline5, load5, alpha)
	o.loadBaseline15 = ewma(o.loadBaseline15, load15, alpha)

	return o.loadBaseline1, o.loadBaseline5, o.loadBaseline15,
		ratio(load1, o.loadBaseline1),
		ratio(load5, o.loadBaseline5),
		ratio(load15, o.loadBaseline15)
}

func initialBaseline(load float64) float64 {
	if load <= 0 {
		return 0.1
	}
	return load
}

func ewma(current, value, alpha float64) float64 {
	if current <= 0 {
		return value
	}
	return current + (value-current)*alpha
}

func ratio(value, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return value / baseline
}
