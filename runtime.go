package taskd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/dispatcher"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/ids"
	"pkt.systems/taskd/internal/listener"
	"pkt.systems/taskd/internal/loggingutil"
	"pkt.systems/taskd/internal/lsf"
	"pkt.systems/taskd/internal/masterjob"
	"pkt.systems/taskd/internal/pollslot"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/schedule"
	"pkt.systems/taskd/internal/service"
	"pkt.systems/taskd/internal/taskmgr"
	"pkt.systems/taskd/internal/tracker"
)

// MasterJobScheduleName names the schedule that drives leader negotiation.
const MasterJobScheduleName = "masterjob"

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("taskd: runtime already started")
	// ErrNotRunning is returned when an operation needs a running runtime.
	ErrNotRunning = errors.New("taskd: runtime not running")
)

var _ service.Startable = (*Runtime)(nil)

// Runtime composes the task manager, the dispatcher, the channel listeners,
// the schedules and leader negotiation over one message fabric.
type Runtime struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	telemetry *telemetryBundle

	fabric     *fabric.Fabric
	ownsFabric bool
	qrf        *qrf.Controller
	lsf        *lsf.Observer
	manager    *taskmgr.Manager
	dispatcher *dispatcher.Dispatcher
	listeners  []*listener.Listener
	scheduler  *schedule.Scheduler
	negotiator *masterjob.Negotiator

	lc        service.Lifecycle
	mu        sync.Mutex
	lsfCancel context.CancelFunc
	admin     *http.Server
	adminLn   net.Listener
}

// Option configures a Runtime.
type Option func(*options)

type route struct {
	pattern string
	handler dispatcher.Handler
	opts    []dispatcher.RouteOption
}

type options struct {
	logger       pslog.Logger
	clock        clock.Clock
	fabric       *fabric.Fabric
	routes       []route
	schedules    []schedule.Schedule
	otlpEndpoint string
	sampler      lsf.Sampler
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock injects a clock (tests use clock.Manual).
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithFabric shares an existing fabric, letting several runtimes negotiate
// and exchange messages in one process. The caller owns its lifecycle.
func WithFabric(f *fabric.Fabric) Option {
	return func(o *options) {
		o.fabric = f
	}
}

// WithHandler registers a message handler for a header key or pattern
// ("channel/messagetype/action").
func WithHandler(pattern string, h dispatcher.Handler, opts ...dispatcher.RouteOption) Option {
	return func(o *options) {
		o.routes = append(o.routes, route{pattern: pattern, handler: h, opts: opts})
	}
}

// WithSchedule adds a recurring job.
func WithSchedule(s schedule.Schedule) Option {
	return func(o *options) {
		o.schedules = append(o.schedules, s)
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.otlpEndpoint = endpoint
	}
}

// WithLSFSampler replaces the host sampler of the load sensing function.
func WithLSFSampler(s lsf.Sampler) Option {
	return func(o *options) {
		o.sampler = s
	}
}

// NewRuntime validates cfg and wires every component. Nothing runs until
// Start.
// Example:
//
//	rt, err := taskd.NewRuntime(taskd.Config{
//	    Channels: []taskd.ChannelConfig{{Name: "orders", Priority: 2}},
//	}, taskd.WithHandler("orders/**", handleOrder))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OriginatorID == "" {
		cfg.OriginatorID = ids.NewOriginator()
	}
	logger := loggingutil.EnsureLogger(o.logger)
	endpoint := cfg.OTLPEndpoint
	if o.otlpEndpoint != "" {
		endpoint = o.otlpEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), endpoint, cfg.AdminListen != "", cfg.EnableProfilingMetrics, loggingutil.WithSubsystem(logger, "runtime.telemetry"))
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "runtime").With("originator", cfg.OriginatorID),
		clock:     clock.Ensure(o.clock),
		telemetry: telemetry,
		fabric:    o.fabric,
	}
	if err := r.build(logger, o); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
		if r.ownsFabric {
			r.fabric.Close()
		}
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(logger pslog.Logger, o options) error {
	cfg := r.cfg
	r.qrf = qrf.NewController(qrf.Config{
		Enabled:                     !cfg.QRFDisabled,
		QueueSoftLimit:              cfg.QRFQueueSoftLimit,
		QueueHardLimit:              cfg.QRFQueueHardLimit,
		UtilizationSoftPercent:      cfg.QRFUtilizationSoftPercent,
		UtilizationHardPercent:      cfg.QRFUtilizationHardPercent,
		PollSoftLimit:               cfg.QRFPollSoftLimit,
		PollHardLimit:               cfg.QRFPollHardLimit,
		MemorySoftLimitBytes:        cfg.QRFMemorySoftLimitBytes,
		MemoryHardLimitBytes:        cfg.QRFMemoryHardLimitBytes,
		MemorySoftLimitPercent:      cfg.QRFMemorySoftLimitPercent,
		MemoryHardLimitPercent:      cfg.QRFMemoryHardLimitPercent,
		MemoryStrictHeadroomPercent: cfg.QRFMemoryStrictHeadroomPercent,
		SwapSoftLimitBytes:          cfg.QRFSwapSoftLimitBytes,
		SwapHardLimitBytes:          cfg.QRFSwapHardLimitBytes,
		SwapSoftLimitPercent:        cfg.QRFSwapSoftLimitPercent,
		SwapHardLimitPercent:        cfg.QRFSwapHardLimitPercent,
		CPUPercentSoftLimit:         cfg.QRFCPUPercentSoftLimit,
		CPUPercentHardLimit:         cfg.QRFCPUPercentHardLimit,
		LoadSoftLimitMultiplier:     cfg.QRFLoadSoftLimitMultiplier,
		LoadHardLimitMultiplier:     cfg.QRFLoadHardLimitMultiplier,
		RecoverySamples:             cfg.QRFRecoverySamples,
		SoftDelay:                   cfg.QRFSoftDelay,
		EngagedDelay:                cfg.QRFEngagedDelay,
		RecoveryDelay:               cfg.QRFRecoveryDelay,
		MaxWait:                     cfg.QRFMaxWait,
		Logger:                      logger,
	})

	manager, err := taskmgr.New(taskmgr.Config{
		Levels:                        cfg.Levels,
		ConcurrentMax:                 cfg.ConcurrentMax,
		LevelMin:                      slices.Clone(cfg.LevelMin),
		LoopInterval:                  cfg.LoopInterval,
		FrequencyTasksTimeout:         cfg.FrequencyTasksTimeout,
		DefaultTimeout:                cfg.DefaultTaskTimeout,
		ProcessKillOverrunGracePeriod: cfg.KillGracePeriod,
		QRF:                           r.qrf,
		Clock:                         r.clock,
		Logger:                        logger,
	})
	if err != nil {
		return err
	}
	r.manager = manager

	if !cfg.QRFDisabled {
		var lsfOpts []lsf.Option
		if o.sampler != nil {
			lsfOpts = append(lsfOpts, lsf.WithSampler(o.sampler))
		}
		r.lsf = lsf.NewObserver(lsf.Config{
			Enabled:        true,
			SampleInterval: cfg.LSFSampleInterval,
			LogInterval:    cfg.LSFLogInterval,
		}, r.qrf, manager, logger, lsfOpts...)
	}

	if r.fabric == nil {
		r.fabric = fabric.New(fabric.WithClock(r.clock), fabric.WithLogger(logger))
		r.ownsFabric = true
	}

	builder := dispatcher.NewBuilder()
	for _, rt := range o.routes {
		builder.Handle(rt.pattern, rt.handler, rt.opts...)
	}
	r.dispatcher, err = builder.Build(dispatcher.Config{
		Submitter:   manager,
		QRF:         r.qrf,
		MaxAttempts: cfg.MaxAttempts,
		RetryRate:   rate.Limit(cfg.RetryRate),
		RetryBurst:  cfg.RetryBurst,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if err := r.buildListeners(logger); err != nil {
		return err
	}

	var leader schedule.Leadership
	if !cfg.MasterJobDisabled {
		n, err := masterjob.New(masterjob.Config{
			OriginatorID:    cfg.OriginatorID,
			Topic:           cfg.MasterJobTopic,
			Interval:        cfg.MasterJobInterval,
			InitialWait:     cfg.MasterJobInitialWait,
			HeartbeatMisses: cfg.MasterJobHeartbeatMisses,
			FailureLimit:    cfg.MasterJobFailureLimit,
			StandbyInterval: cfg.MasterJobStandbyInterval,
			Priority:        cfg.Levels - 1,
			Clock:           r.clock,
			Logger:          logger,
		}, r.fabric)
		if err != nil {
			return err
		}
		r.negotiator = n
		leader = n
	}
	r.scheduler, err = schedule.New(schedule.Config{
		Submitter: manager,
		Leader:    leader,
		QRF:       r.qrf,
		Clock:     r.clock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if r.negotiator != nil {
		n := r.negotiator
		err := r.scheduler.Add(schedule.Schedule{
			Name:         MasterJobScheduleName,
			InitialWait:  n.InitialWait(),
			Interval:     n.Interval(),
			NextInterval: n.NextInterval,
			Priority:     cfg.Levels - 1,
			Timeout:      n.Interval(),
			Run: func(ctx context.Context, _ *tracker.Tracker) error {
				if err := n.Poll(ctx); err != nil && !errors.Is(err, masterjob.ErrStopped) {
					return err
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	for _, s := range o.schedules {
		if err := r.scheduler.Add(s); err != nil {
			return err
		}
	}
	return manager.Register(r.scheduler)
}

// buildListeners creates one listener per priority that has channels.
func (r *Runtime) buildListeners(logger pslog.Logger) error {
	byPriority := make(map[int][]ChannelConfig)
	for _, ch := range r.cfg.Channels {
		byPriority[ch.Priority] = append(byPriority[ch.Priority], ch)
	}
	for p := r.cfg.Levels - 1; p >= 0; p-- {
		channels := byPriority[p]
		if len(channels) == 0 {
			continue
		}
		l, err := listener.New(listener.Config{
			Name:         fmt.Sprintf("listener.p%d", p),
			Priority:     p,
			Deliverer:    r.dispatcher,
			Algorithm:    pollslot.NewAlgorithm(r.cfg.AlgorithmConfig()),
			FetchTimeout: r.cfg.FetchTimeout,
			TrackPoll:    r.manager.TrackPoll,
			Clock:        r.clock,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		for _, ch := range channels {
			cc := pollslot.ClientConfig{
				ID:             ch.Name,
				Priority:       ch.Priority,
				AllowedOverage: ch.AllowedOverage,
				MaxSlots:       ch.MaxSlots,
				MinWait:        ch.MinWait,
				MaxWait:        ch.MaxWait,
			}
			if err := l.Add(cc, listener.FabricClient{Fabric: r.fabric, Channel: ch.Name}); err != nil {
				return err
			}
		}
		if err := r.manager.Register(l); err != nil {
			return err
		}
		r.listeners = append(r.listeners, l)
	}
	return nil
}

// Start launches the admin listener, the task manager, load sampling and
// negotiation. It does not block.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.lc.Transition(service.StatusCreated, service.StatusStarting) {
		return ErrAlreadyStarted
	}
	if r.cfg.AdminListen != "" {
		srv, ln, err := startAdminServer(r.cfg.AdminListen, r.AdminHandler(), r.logger)
		if err != nil {
			r.lc.Set(service.StatusStopped)
			return err
		}
		r.mu.Lock()
		r.admin, r.adminLn = srv, ln
		r.mu.Unlock()
		r.logger.Info("runtime.admin.listening", "address", ln.Addr().String())
	}
	if err := r.manager.Start(ctx); err != nil {
		r.lc.Set(service.StatusStopped)
		r.shutdownAdmin(context.Background())
		return err
	}
	if r.lsf != nil {
		lsfCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.mu.Lock()
		r.lsfCancel = cancel
		r.mu.Unlock()
		r.lsf.Start(lsfCtx)
	}
	if r.negotiator != nil {
		r.negotiator.Start()
	}
	r.lc.Set(service.StatusRunning)
	r.logger.Info("runtime.started",
		"levels", r.cfg.Levels,
		"concurrent_max", r.cfg.ConcurrentMax,
		"channels", len(r.cfg.Channels),
		"listeners", len(r.listeners),
		"masterjob", r.negotiator != nil,
		"qrf", r.qrf.Enabled(),
	)
	return nil
}

// Run starts the runtime, blocks until ctx is done and then shuts down within
// Config.ShutdownTimeout.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout)
	defer cancel()
	return r.Stop(shutdownCtx)
}

// Stop steps down from mastership, stops polling, drains running work within
// ctx and releases listeners and telemetry. Safe to call more than once.
func (r *Runtime) Stop(ctx context.Context) error {
	switch r.lc.Load() {
	case service.StatusCreated:
		r.lc.Set(service.StatusStopped)
		r.closeOwned(ctx)
		return nil
	case service.StatusStopping, service.StatusStopped:
		return nil
	}
	r.lc.Set(service.StatusStopping)
	r.logger.Info("runtime.stopping")
	var errs []error
	if r.negotiator != nil {
		if err := r.negotiator.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("masterjob stop: %w", err))
		}
	}
	for _, l := range r.listeners {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s stop: %w", l.Name(), err))
		}
	}
	if err := r.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task manager stop: %w", err))
	}
	r.mu.Lock()
	cancel := r.lsfCancel
	r.lsfCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.lsf.Wait()
	}
	r.shutdownAdmin(ctx)
	r.closeOwned(ctx)
	r.lc.Set(service.StatusStopped)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.logger.Warn("runtime.stopped", "error", err)
		return err
	}
	r.logger.Info("runtime.stopped")
	return nil
}

func (r *Runtime) shutdownAdmin(ctx context.Context) {
	r.mu.Lock()
	srv, ln := r.admin, r.adminLn
	r.admin, r.adminLn = nil, nil
	r.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Warn("runtime.admin.shutdown_failed", "error", err)
	}
	_ = ln.Close()
}

func (r *Runtime) closeOwned(ctx context.Context) {
	if r.ownsFabric {
		r.fabric.Close()
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := r.telemetry.Shutdown(telemetryCtx); err != nil {
		r.logger.Warn("runtime.telemetry.shutdown_failed", "error", err)
	}
}

// Status reports the runtime lifecycle stage.
func (r *Runtime) Status() service.Status { return r.lc.Load() }

// OriginatorID returns the instance identity used in negotiation.
func (r *Runtime) OriginatorID() string { return r.cfg.OriginatorID }

// IsMaster reports whether this instance currently holds the master role.
func (r *Runtime) IsMaster() bool {
	return r.negotiator != nil && r.negotiator.IsActive()
}

// Manager exposes the task manager (for direct Submit).
func (r *Runtime) Manager() *taskmgr.Manager { return r.manager }

// Fabric exposes the message fabric.
func (r *Runtime) Fabric() *fabric.Fabric { return r.fabric }

// Negotiator returns the leader negotiator, or nil when disabled.
func (r *Runtime) Negotiator() *masterjob.Negotiator { return r.negotiator }

// QRF exposes the load feedback controller.
func (r *Runtime) QRF() *qrf.Controller { return r.qrf }

// Submit hands t to the task manager.
func (r *Runtime) Submit(t *tracker.Tracker) error {
	if !r.lc.Running() {
		return ErrNotRunning
	}
	return r.manager.Submit(t)
}

// Publish enqueues env on its channel of the fabric.
func (r *Runtime) Publish(ctx context.Context, env fabric.Envelope) error {
	return r.fabric.Publish(ctx, env)
}

// AdminAddr returns the bound admin address once listening.
func (r *Runtime) AdminAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adminLn == nil {
		return nil
	}
	return r.adminLn.Addr()
}
