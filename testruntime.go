package taskd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// TestRuntime wraps a started Runtime with convenient handles for tests.
type TestRuntime struct {
	Runtime *Runtime
	Config  Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(context.Background(), writer).LogLevel(level).With("app", "testruntime")
}

// Stop shuts the runtime down using ctx.
func (tr *TestRuntime) Stop(ctx context.Context) error {
	if tr == nil || tr.stop == nil {
		return nil
	}
	return tr.stop(ctx)
}

// WaitForMaster blocks until the runtime holds the master role or ctx ends.
func (tr *TestRuntime) WaitForMaster(ctx context.Context) error {
	return tr.waitFor(ctx, tr.Runtime.IsMaster)
}

// WaitForStandby blocks until the runtime follows another master or ctx ends.
func (tr *TestRuntime) WaitForStandby(ctx context.Context) error {
	return tr.waitFor(ctx, func() bool {
		n := tr.Runtime.Negotiator()
		if n == nil {
			return false
		}
		stats := n.Statistics()
		return !n.IsActive() && stats.MasterID != "" && stats.MasterID != tr.Runtime.OriginatorID()
	})
}

func (tr *TestRuntime) waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type testRuntimeOptions struct {
	cfg          Config
	mutators     []func(*Config)
	opts         []Option
	logger       pslog.Logger
	testTB       testing.TB
	testLogLevel pslog.Level
	logLevelSet  bool
}

// TestRuntimeOption customises NewTestRuntime/StartTestRuntime behaviour.
type TestRuntimeOption func(*testRuntimeOptions)

// WithTestConfig provides an explicit Config. Missing fields are defaulted
// during validation.
func WithTestConfig(cfg Config) TestRuntimeOption {
	return func(o *testRuntimeOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestRuntimeOption {
	return func(o *testRuntimeOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestChannel adds a polled channel at priority.
func WithTestChannel(name string, priority int) TestRuntimeOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Channels = append(cfg.Channels, ChannelConfig{
			Name:     name,
			Priority: priority,
			MinWait:  time.Millisecond,
			MaxWait:  20 * time.Millisecond,
		})
	})
}

// WithTestOptions appends runtime options (handlers, schedules, a shared fabric).
func WithTestOptions(opts ...Option) TestRuntimeOption {
	return func(o *testRuntimeOptions) {
		o.opts = append(o.opts, opts...)
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestRuntimeOption {
	return func(o *testRuntimeOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes runtime logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestRuntimeOption {
	return func(o *testRuntimeOptions) {
		o.testTB = t
		o.testLogLevel = level
		o.logLevelSet = true
	}
}

// NewTestRuntime builds and starts a runtime tuned for fast tests: short loop
// and negotiation intervals and no load feedback unless the config asks for
// it.
func NewTestRuntime(ctx context.Context, opts ...TestRuntimeOption) (*TestRuntime, error) {
	o := testRuntimeOptions{
		cfg: Config{
			ConcurrentMax:         8,
			LoopInterval:          2 * time.Millisecond,
			FrequencyTasksTimeout: 10 * time.Millisecond,
			MasterJobInterval:     50 * time.Millisecond,
			RetryRate:             1000,
			RetryBurst:            100,
			QRFDisabled:           true,
			ShutdownTimeout:       5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	for _, mutate := range o.mutators {
		mutate(&cfg)
	}
	logger := o.logger
	if logger == nil && o.logLevelSet && o.testTB != nil {
		logger = NewTestingLogger(o.testTB, o.testLogLevel)
	}
	runtimeOpts := append([]Option{WithLogger(logger)}, o.opts...)
	rt, err := NewRuntime(cfg, runtimeOpts...)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Stop(context.Background())
		return nil, err
	}
	return &TestRuntime{Runtime: rt, Config: rt.cfg, stop: rt.Stop}, nil
}

// StartTestRuntime starts a runtime and registers cleanup with t.
func StartTestRuntime(t testing.TB, opts ...TestRuntimeOption) *TestRuntime {
	t.Helper()
	tr, err := NewTestRuntime(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test runtime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tr.Stop(ctx); err != nil {
			t.Logf("stop test runtime: %v", err)
		}
	})
	return tr
}
