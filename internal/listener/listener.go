// Package listener turns polled message sources into task manager work.
//
// A Listener is a taskmgr.Process for one priority group. On every loop tick
// it asks the poll slot collection how many items each registered client may
// fetch, given the free capacity at its priority, and fetches on one
// goroutine per granted client. Fetched messages are handed to the
// dispatcher, which submits them as trackers.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/availability"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/loggingutil"
	"pkt.systems/taskd/internal/pollslot"
)

// DefaultFetchTimeout bounds a single fetch call.
const DefaultFetchTimeout = 5 * time.Second

// Client fetches up to limit messages and reports how many remain queued at
// the source (negative when unknown).
type Client interface {
	Fetch(ctx context.Context, limit int) ([]*fabric.Delivery, int64, error)
}

// Deliverer accepts fetched messages (implemented by *dispatcher.Dispatcher).
type Deliverer interface {
	Deliver(ctx context.Context, msg *fabric.Delivery) error
}

// FabricClient pulls from one fabric channel.
type FabricClient struct {
	Fabric  *fabric.Fabric
	Channel string
}

// Fetch implements Client.
func (c FabricClient) Fetch(ctx context.Context, limit int) ([]*fabric.Delivery, int64, error) {
	return c.Fabric.Receive(ctx, c.Channel, limit)
}

// Config configures a Listener.
type Config struct {
	// Name identifies the listener as a task manager process.
	Name string
	// Priority is the availability level whose free slots bound fetches.
	Priority  int
	Deliverer Deliverer
	Algorithm pollslot.Algorithm
	// FetchTimeout bounds each fetch. Defaults to DefaultFetchTimeout.
	FetchTimeout time.Duration
	// TrackPoll, when set, is called at the start of every fetch and the
	// returned func when it ends (taskmgr.Manager.TrackPoll).
	TrackPoll func() func()
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Listener is safe for concurrent use.
type Listener struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	coll   *pollslot.Collection

	mu      sync.RWMutex
	clients map[string]Client
	wg      sync.WaitGroup
	stopped atomic.Bool

	fetches       atomic.Uint64
	fetchErrors   atomic.Uint64
	fetched       atomic.Uint64
	deliverErrors atomic.Uint64
}

// New constructs a listener.
func New(cfg Config) (*Listener, error) {
	if cfg.Name == "" {
		return nil, errors.New("listener: name required")
	}
	if cfg.Deliverer == nil {
		return nil, errors.New("listener: deliverer required")
	}
	if cfg.Priority < 0 {
		return nil, fmt.Errorf("listener: negative priority %d", cfg.Priority)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "core.listener")
	return &Listener{
		cfg:     cfg,
		logger:  logger.With("listener", cfg.Name),
		clock:   clock.Ensure(cfg.Clock),
		coll:    pollslot.NewCollection(cfg.Algorithm, cfg.Logger),
		clients: make(map[string]Client),
	}, nil
}

// Add registers a client under cc.ID.
func (l *Listener) Add(cc pollslot.ClientConfig, c Client) error {
	if c == nil {
		return errors.New("listener: nil client")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.coll.Register(cc); err != nil {
		return err
	}
	l.clients[cc.ID] = c
	return nil
}

// Remove unregisters a client.
func (l *Listener) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, id)
	return l.coll.Unregister(id)
}

// Name implements taskmgr.Process.
func (l *Listener) Name() string { return l.cfg.Name }

// CanProcess implements taskmgr.Process.
func (l *Listener) CanProcess() bool {
	return !l.stopped.Load() && l.coll.Len() > 0
}

// Process allocates poll slots from the free capacity at the listener's
// priority and starts one fetch per grant.
func (l *Listener) Process(ctx context.Context, view availability.View) {
	if l.stopped.Load() {
		return
	}
	available := 0
	if l.cfg.Priority < view.Levels() {
		available = view.Level(l.cfg.Priority)
	}
	grants := l.coll.Allocate(available, l.clock.Now())
	for _, g := range grants {
		l.mu.RLock()
		client, ok := l.clients[g.Holder.ID()]
		l.mu.RUnlock()
		if !ok {
			g.Holder.Abandon()
			continue
		}
		l.wg.Add(1)
		go l.fetch(ctx, g, client)
	}
}

func (l *Listener) fetch(ctx context.Context, g pollslot.Grant, client Client) {
	defer l.wg.Done()
	if l.cfg.TrackPoll != nil {
		done := l.cfg.TrackPoll()
		defer done()
	}
	l.fetches.Add(1)
	fctx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
	items, remaining, err := client.Fetch(fctx, g.Slots)
	cancel()
	if err != nil {
		l.fetchErrors.Add(1)
		l.logger.Warn("listener.fetch.failed", "client", g.Holder.ID(), "slots", g.Slots, "error", err)
	}
	for _, item := range items {
		l.fetched.Add(1)
		if derr := l.cfg.Deliverer.Deliver(ctx, item); derr != nil {
			l.deliverErrors.Add(1)
			l.logger.Debug("listener.deliver.failed", "client", g.Holder.ID(), "message_id", item.ID, "error", derr)
		}
	}
	var queueLength *int64
	if err == nil && remaining >= 0 {
		queueLength = &remaining
	}
	g.Holder.Complete(g.Slots, len(items), queueLength, err, l.clock.Now())
	l.logger.Trace("listener.fetch.done",
		"client", g.Holder.ID(),
		"slots", g.Slots,
		"returned", len(items),
		"remaining", remaining,
		"past_due", g.PastDue,
	)
}

// Stop rejects further polls and waits for in-flight fetches until ctx ends.
func (l *Listener) Stop(ctx context.Context) error {
	l.stopped.Store(true)
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statistics is a snapshot of listener activity.
type Statistics struct {
	Name          string              `json:"name"`
	Priority      int                 `json:"priority"`
	Fetches       uint64              `json:"fetches"`
	FetchErrors   uint64              `json:"fetch_errors"`
	Fetched       uint64              `json:"fetched"`
	DeliverErrors uint64              `json:"deliver_errors"`
	Clients       []pollslot.Snapshot `json:"clients"`
}

// Statistics returns the listener counters and per-client poll metrics.
func (l *Listener) Statistics() Statistics {
	return Statistics{
		Name:          l.cfg.Name,
		Priority:      l.cfg.Priority,
		Fetches:       l.fetches.Load(),
		FetchErrors:   l.fetchErrors.Load(),
		Fetched:       l.fetched.Load(),
		DeliverErrors: l.deliverErrors.Load(),
		Clients:       l.coll.Snapshot(),
	}
}
