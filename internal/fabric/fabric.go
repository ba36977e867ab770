// Package fabric is an in-memory message transport. It provides pull queues
// with ack/nack/deadletter settlement and broadcast topics, and is used as the
// loopback transport by the CLI runtime and by tests.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/correlation"
	"pkt.systems/taskd/internal/ids"
	"pkt.systems/taskd/internal/loggingutil"
)

// DeadletterSuffix is appended to a channel id to name its deadletter channel.
const DeadletterSuffix = ".deadletter"

var (
	// ErrClosed is returned once the fabric has been closed.
	ErrClosed = errors.New("fabric: closed")
	// ErrUnknownDelivery is returned when settling a delivery twice or after
	// its channel was purged.
	ErrUnknownDelivery = errors.New("fabric: unknown delivery")
	// ErrMissingChannel is returned when publishing without a channel id.
	ErrMissingChannel = errors.New("fabric: channel id required")
)

// Envelope is the common message frame. Key() is the dispatch header key.
type Envelope struct {
	ID            string            `json:"id"`
	ChannelID     string            `json:"channel_id"`
	MessageType   string            `json:"message_type"`
	ActionType    string            `json:"action_type"`
	OriginatorID  string            `json:"originator_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Priority      int               `json:"priority"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	DeliveryCount int               `json:"delivery_count"`
}

// Key returns "channel/messagetype/action".
func (e Envelope) Key() string {
	return e.ChannelID + "/" + e.MessageType + "/" + e.ActionType
}

// Delivery is a received envelope awaiting settlement.
type Delivery struct {
	Envelope
	fabric *Fabric
	token  uint64
}

// Ack removes the message from its channel.
func (d *Delivery) Ack() error { return d.fabric.settle(d, settleAck, "") }

// Nack returns the message to the tail of its channel when requeue is set and
// drops it otherwise.
func (d *Delivery) Nack(requeue bool) error {
	if requeue {
		return d.fabric.settle(d, settleRequeue, "")
	}
	return d.fabric.settle(d, settleDrop, "")
}

// Deadletter moves the message to the channel's deadletter channel.
func (d *Delivery) Deadletter(reason string) error {
	return d.fabric.settle(d, settleDeadletter, reason)
}

type settleKind int

const (
	settleAck settleKind = iota
	settleRequeue
	settleDrop
	settleDeadletter
)

type channel struct {
	ready    []Envelope
	inflight map[uint64]Envelope
	stats    ChannelStatistics
}

// ChannelStatistics counts traffic on one channel.
type ChannelStatistics struct {
	Channel      string `json:"channel"`
	Ready        int    `json:"ready"`
	Inflight     int    `json:"inflight"`
	Published    uint64 `json:"published"`
	Delivered    uint64 `json:"delivered"`
	Acked        uint64 `json:"acked"`
	Requeued     uint64 `json:"requeued"`
	Dropped      uint64 `json:"dropped"`
	Deadlettered uint64 `json:"deadlettered"`
}

// Fabric is safe for concurrent use.
type Fabric struct {
	clock  clock.Clock
	logger pslog.Logger

	mu          sync.Mutex
	closed      bool
	nextToken   uint64
	channels    map[string]*channel
	topics      map[string]map[*Subscription]struct{}
	partitioned map[string]bool
}

// Option customises a Fabric.
type Option func(*Fabric)

// WithClock sets the clock used for enqueue timestamps.
func WithClock(c clock.Clock) Option {
	return func(f *Fabric) { f.clock = clock.Ensure(c) }
}

// WithLogger sets the fabric logger.
func WithLogger(l pslog.Logger) Option {
	return func(f *Fabric) { f.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(l), "transport.fabric") }
}

// New returns an empty fabric.
func New(opts ...Option) *Fabric {
	f := &Fabric{
		clock:       clock.Real{},
		logger:      loggingutil.NoopLogger(),
		channels:    make(map[string]*channel),
		topics:      make(map[string]map[*Subscription]struct{}),
		partitioned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fabric) channelLocked(id string) *channel {
	ch, ok := f.channels[id]
	if !ok {
		ch = &channel{inflight: make(map[uint64]Envelope)}
		ch.stats.Channel = id
		f.channels[id] = ch
	}
	return ch
}

// Publish appends env to its channel. Missing ids and timestamps are filled;
// the correlation id falls back to the one carried by ctx.
func (f *Fabric) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.ChannelID == "" {
		return ErrMissingChannel
	}
	if env.ID == "" {
		env.ID = ids.NewMessage()
	}
	env.CorrelationID = correlation.Resolve(ctx, env.CorrelationID)
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = f.clock.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	ch := f.channelLocked(env.ChannelID)
	ch.ready = append(ch.ready, env)
	ch.stats.Published++
	return nil
}

// Receive pulls up to limit ready messages from channelID without blocking and
// reports how many remain ready afterwards.
func (f *Fabric) Receive(ctx context.Context, channelID string, limit int) ([]*Delivery, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, 0, ErrClosed
	}
	ch, ok := f.channels[channelID]
	if !ok || limit <= 0 {
		if ok {
			return nil, int64(len(ch.ready)), nil
		}
		return nil, 0, nil
	}
	n := min(limit, len(ch.ready))
	out := make([]*Delivery, 0, n)
	for _, env := range ch.ready[:n] {
		env.DeliveryCount++
		f.nextToken++
		ch.inflight[f.nextToken] = env
		out = append(out, &Delivery{Envelope: env, fabric: f, token: f.nextToken})
	}
	ch.ready = append(ch.ready[:0:0], ch.ready[n:]...)
	ch.stats.Delivered += uint64(n)
	return out, int64(len(ch.ready)), nil
}

func (f *Fabric) settle(d *Delivery, kind settleKind, reason string) error {
	if d == nil || d.fabric == nil {
		return ErrUnknownDelivery
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[d.ChannelID]
	if !ok {
		return ErrUnknownDelivery
	}
	env, ok := ch.inflight[d.token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	delete(ch.inflight, d.token)
	switch kind {
	case settleAck:
		ch.stats.Acked++
	case settleRequeue:
		ch.ready = append(ch.ready, env)
		ch.stats.Requeued++
	case settleDrop:
		ch.stats.Dropped++
	case settleDeadletter:
		ch.stats.Deadlettered++
		dead := env
		dead.ChannelID = d.ChannelID + DeadletterSuffix
		if reason != "" {
			headers := make(map[string]string, len(env.Headers)+1)
			for k, v := range env.Headers {
				headers[k] = v
			}
			headers["deadletter-reason"] = reason
			dead.Headers = headers
		}
		dl := f.channelLocked(dead.ChannelID)
		dl.ready = append(dl.ready, dead)
		dl.stats.Published++
		f.logger.Debug("fabric.message.deadlettered", "channel", d.ChannelID, "message_id", env.ID, "reason", reason)
	}
	return nil
}

// Length reports ready messages on channelID.
func (f *Fabric) Length(channelID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[channelID]; ok {
		return int64(len(ch.ready))
	}
	return 0
}

// Statistics returns per-channel counters sorted by channel id.
func (f *Fabric) Statistics() []ChannelStatistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChannelStatistics, 0, len(f.channels))
	for _, ch := range f.channels {
		s := ch.stats
		s.Ready = len(ch.ready)
		s.Inflight = len(ch.inflight)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Subscription receives broadcasts on one topic for one node.
type Subscription struct {
	fabric *Fabric
	topic  string
	node   string

	mu    sync.Mutex
	inbox []Envelope
}

// Node returns the subscriber's node id.
func (s *Subscription) Node() string { return s.node }

// Drain returns and clears every envelope received since the last call.
func (s *Subscription) Drain() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.fabric.mu.Lock()
	defer s.fabric.mu.Unlock()
	if subs, ok := s.fabric.topics[s.topic]; ok {
		delete(subs, s)
	}
}

func (s *Subscription) push(env Envelope) {
	s.mu.Lock()
	s.inbox = append(s.inbox, env)
	s.mu.Unlock()
}

// Subscribe attaches nodeID to topic. Subscribers receive every broadcast,
// including their own.
func (f *Fabric) Subscribe(topic, nodeID string) *Subscription {
	sub := &Subscription{fabric: f, topic: topic, node: nodeID}
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		f.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Broadcast fans env out to every subscriber of topic. Envelopes sent by a
// partitioned node are dropped and partitioned nodes receive nothing.
func (f *Fabric) Broadcast(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.ID == "" {
		env.ID = ids.NewMessage()
	}
	if env.ChannelID == "" {
		env.ChannelID = topic
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = f.clock.Now()
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.partitioned[env.OriginatorID] {
		f.mu.Unlock()
		return nil
	}
	targets := make([]*Subscription, 0, len(f.topics[topic]))
	for sub := range f.topics[topic] {
		if !f.partitioned[sub.node] {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()
	for _, sub := range targets {
		sub.push(env)
	}
	return nil
}

// Partition isolates (or reconnects) nodeID from every topic.
func (f *Fabric) Partition(nodeID string, isolated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if isolated {
		f.partitioned[nodeID] = true
	} else {
		delete(f.partitioned, nodeID)
	}
	f.logger.Info("fabric.partition", "node", nodeID, "isolated", isolated)
}

// Close rejects further traffic.
func (f *Fabric) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
