package taskd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/taskd/internal/dispatcher"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/schedule"
	"pkt.systems/taskd/internal/service"
	"pkt.systems/taskd/internal/tracker"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func channelStats(rt *Runtime, name string) fabric.ChannelStatistics {
	for _, cs := range rt.Fabric().Statistics() {
		if cs.Channel == name {
			return cs
		}
	}
	return fabric.ChannelStatistics{}
}

func TestRuntimeDispatchesChannelMessages(t *testing.T) {
	var handled atomic.Int64
	tr := StartTestRuntime(t,
		WithTestChannel("orders", 1),
		WithTestConfigFunc(func(cfg *Config) { cfg.MasterJobDisabled = true }),
		WithTestOptions(WithHandler("orders/**", func(ctx context.Context, msg *fabric.Delivery) error {
			if msg.ChannelID != "orders" {
				return errors.New("wrong channel")
			}
			handled.Add(1)
			return nil
		}, dispatcher.WithName("orders"))),
	)
	rt := tr.Runtime
	const total = 25
	for i := range total {
		err := rt.Publish(context.Background(), fabric.Envelope{
			ChannelID:   "orders",
			MessageType: "order",
			ActionType:  "create",
			Priority:    i % 3,
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	eventually(t, 5*time.Second, func() bool { return handled.Load() == total }, "handled %d of %d messages", handled.Load(), total)
	eventually(t, 5*time.Second, func() bool { return channelStats(rt, "orders").Acked == total }, "expected %d acks, got %+v", total, channelStats(rt, "orders"))

	stats := rt.Statistics()
	if stats.Dispatcher.Acked != total || stats.Dispatcher.Deadlettered != 0 {
		t.Fatalf("unexpected dispatcher statistics %+v", stats.Dispatcher)
	}
	if len(stats.Listeners) != 1 {
		t.Fatalf("expected one listener, got %d", len(stats.Listeners))
	}
	if stats.MasterJob != nil || stats.Master {
		t.Fatal("masterjob disabled but reported")
	}
	if stats.Manager.Completed < total {
		t.Fatalf("expected at least %d completed trackers, got %d", total, stats.Manager.Completed)
	}
}

func TestRuntimeDeadlettersFailingAndUnresolvedMessages(t *testing.T) {
	var attempts atomic.Int64
	tr := StartTestRuntime(t,
		WithTestChannel("jobs", 0),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.MasterJobDisabled = true
			cfg.MaxAttempts = 3
		}),
		WithTestOptions(WithHandler("jobs/job/run", func(context.Context, *fabric.Delivery) error {
			attempts.Add(1)
			return errors.New("boom")
		})),
	)
	rt := tr.Runtime
	ctx := context.Background()
	if err := rt.Publish(ctx, fabric.Envelope{ChannelID: "jobs", MessageType: "job", ActionType: "run"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rt.Publish(ctx, fabric.Envelope{ChannelID: "jobs", MessageType: "job", ActionType: "unknown"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadletter := "jobs" + fabric.DeadletterSuffix
	eventually(t, 5*time.Second, func() bool { return rt.Fabric().Length(deadletter) == 2 }, "expected two deadlettered messages, got %d", rt.Fabric().Length(deadletter))
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts before deadlettering, got %d", got)
	}
	stats := rt.Statistics().Dispatcher
	if stats.Unresolved != 1 || stats.Deadlettered != 1 || stats.Retried != 2 {
		t.Fatalf("unexpected dispatcher statistics %+v", stats)
	}
}

func TestRuntimeBecomesMasterAndRunsMasterOnlySchedules(t *testing.T) {
	var runs, everywhere atomic.Int64
	tr := StartTestRuntime(t, WithTestOptions(
		WithSchedule(schedule.Schedule{
			Name:       "compaction",
			Interval:   10 * time.Millisecond,
			Priority:   1,
			MasterOnly: true,
			Run: func(context.Context, *tracker.Tracker) error {
				runs.Add(1)
				return nil
			},
		}),
		WithSchedule(schedule.Schedule{
			Name:     "heartbeat",
			Interval: 10 * time.Millisecond,
			Run: func(context.Context, *tracker.Tracker) error {
				everywhere.Add(1)
				return nil
			},
		}),
	))
	eventually(t, 5*time.Second, func() bool { return everywhere.Load() > 0 }, "non master schedule never ran")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitForMaster(ctx); err != nil {
		t.Fatalf("wait for master: %v", err)
	}
	eventually(t, 5*time.Second, func() bool { return runs.Load() > 0 }, "master-only schedule never ran on the master")
	stats := tr.Runtime.Statistics()
	if stats.MasterJob == nil || stats.MasterJob.MasterID != tr.Runtime.OriginatorID() {
		t.Fatalf("unexpected masterjob statistics %+v", stats.MasterJob)
	}
}

func TestMasterOnlySchedulesNeverFireWithoutNegotiation(t *testing.T) {
	var runs, everywhere atomic.Int64
	StartTestRuntime(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.MasterJobDisabled = true }),
		WithTestOptions(
			WithSchedule(schedule.Schedule{
				Name:       "master",
				Interval:   5 * time.Millisecond,
				MasterOnly: true,
				Run: func(context.Context, *tracker.Tracker) error {
					runs.Add(1)
					return nil
				},
			}),
			WithSchedule(schedule.Schedule{
				Name:     "all",
				Interval: 5 * time.Millisecond,
				Run: func(context.Context, *tracker.Tracker) error {
					everywhere.Add(1)
					return nil
				},
			}),
		),
	)
	eventually(t, 5*time.Second, func() bool { return everywhere.Load() >= 5 }, "schedule did not run")
	if runs.Load() != 0 {
		t.Fatalf("master-only schedule ran %d times without negotiation", runs.Load())
	}
}

func TestRuntimesSharingFabricElectSingleMaster(t *testing.T) {
	shared := fabric.New()
	t.Cleanup(shared.Close)
	a := StartTestRuntime(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.OriginatorID = "node-a" }),
		WithTestOptions(WithFabric(shared)),
	)
	b := StartTestRuntime(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.OriginatorID = "node-b" }),
		WithTestOptions(WithFabric(shared)),
	)
	masters := func() int {
		n := 0
		for _, rt := range []*Runtime{a.Runtime, b.Runtime} {
			if rt.IsMaster() {
				n++
			}
		}
		return n
	}
	eventually(t, 10*time.Second, func() bool { return masters() == 1 }, "expected exactly one master")

	master, standby := a, b
	if b.Runtime.IsMaster() {
		master, standby = b, a
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := standby.WaitForStandby(ctx); err != nil {
		t.Fatalf("standby never followed the master: %v", err)
	}
	if err := master.Stop(ctx); err != nil {
		t.Fatalf("stop master: %v", err)
	}
	if err := standby.WaitForMaster(ctx); err != nil {
		t.Fatalf("standby did not take over: %v", err)
	}
}

func TestRuntimeLifecycle(t *testing.T) {
	rt, err := NewRuntime(Config{MasterJobDisabled: true, QRFDisabled: true, LoopInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if rt.Status() != service.StatusCreated {
		t.Fatalf("expected created, got %s", rt.Status())
	}
	if rt.OriginatorID() == "" {
		t.Fatal("expected generated originator id")
	}
	if err := rt.Submit(tracker.New(func(context.Context, *tracker.Tracker) error { return nil }, tracker.Options{})); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	done := make(chan struct{})
	if err := rt.Submit(tracker.New(func(context.Context, *tracker.Tracker) error {
		close(done)
		return nil
	}, tracker.Options{Name: "direct"})); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted tracker never ran")
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if rt.Status() != service.StatusStopped {
		t.Fatalf("expected stopped, got %s", rt.Status())
	}
}

func TestRuntimeStopBeforeStart(t *testing.T) {
	rt, err := NewRuntime(Config{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := rt.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected a stopped runtime to refuse Start, got %v", err)
	}
}

func TestRuntimeRunStopsOnCancel(t *testing.T) {
	rt, err := NewRuntime(Config{MasterJobDisabled: true, QRFDisabled: true})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()
	eventually(t, 5*time.Second, func() bool { return rt.Status() == service.StatusRunning }, "runtime never started")
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if rt.Status() != service.StatusStopped {
		t.Fatalf("expected stopped, got %s", rt.Status())
	}
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	if _, err := NewRuntime(Config{Levels: -1}); err == nil {
		t.Fatal("expected invalid config to fail")
	}
	_, err := NewRuntime(Config{}, WithSchedule(schedule.Schedule{Name: "x", Interval: time.Second}))
	if err == nil {
		t.Fatal("expected schedule without run func to fail")
	}
}

func TestAdminHandler(t *testing.T) {
	tr := StartTestRuntime(t, WithTestConfigFunc(func(cfg *Config) { cfg.MasterJobDisabled = true }))
	srv := httptest.NewServer(tr.Runtime.AdminHandler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["status"] != "running" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, health)
	}
	if health["originator"] != tr.Runtime.OriginatorID() {
		t.Fatalf("unexpected originator %v", health["originator"])
	}

	resp, err = http.Get(srv.URL + "/statistics")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	var stats struct {
		Status  string `json:"status"`
		Manager struct {
			Status string `json:"status"`
		} `json:"manager"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
	resp.Body.Close()
	if stats.Status != "running" || stats.Manager.Status != "running" {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	resp, err = http.Get(srv.URL + "/debug/pprof/")
	if err != nil {
		t.Fatalf("pprof: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected pprof index, got %d", resp.StatusCode)
	}

	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %d", resp.StatusCode)
	}
}

func TestAdminListenerServesMetrics(t *testing.T) {
	tr := StartTestRuntime(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MasterJobDisabled = true
		cfg.AdminListen = "127.0.0.1:0"
	}))
	addr := tr.Runtime.AdminAddr()
	if addr == nil {
		t.Fatal("expected admin listener address")
	}
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", resp.StatusCode)
	}
}
