// Package masterjob elects a single active instance over the message fabric.
//
// Each instance runs a Negotiator whose Poll is driven by a recurring
// schedule. Instances exchange negotiation tokens on a broadcast topic:
// an instance first verifies that it can hear its own WHOISMASTER, then
// announces REQUESTINGCONTROL1, REQUESTINGCONTROL2 and TAKINGCONTROL on
// successive polls before declaring IAMMASTER. Competing requests are
// resolved by the lowest originator id. The active instance heartbeats
// IAMMASTER every poll and steps down when it stops hearing its own
// heartbeat; standbys renegotiate once the heartbeat has been silent for
// HeartbeatMisses intervals.
//
// Under a partition the protocol prefers safety: an isolated master steps
// down after FailureLimit silent polls. A master claim also lapses on its own
// once no heartbeat echo has been verified for the claim lease (see
// Config.lease), so a master whose polls stall stops reporting IsActive
// before a standby can finish renegotiating.
//
// A standby polls at StandbyInterval and returns to Interval as soon as it
// renegotiates.
package masterjob

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/loggingutil"
)

const (
	// DefaultTopic is the broadcast topic for negotiation traffic.
	DefaultTopic = "taskd.masterjob"
	// DefaultInterval is the poll cadence.
	DefaultInterval = 2 * time.Second
	// DefaultHeartbeatMisses is how many silent intervals a standby tolerates.
	DefaultHeartbeatMisses = 3
	// DefaultFailureLimit is how many polls the master tolerates without its
	// own heartbeat echo.
	DefaultFailureLimit = 3
)

// ErrStopped is returned by Poll after Stop.
var ErrStopped = errors.New("masterjob: stopped")

// Bus is the broadcast surface (implemented by *fabric.Fabric).
type Bus interface {
	Broadcast(ctx context.Context, topic string, env fabric.Envelope) error
	Subscribe(topic, nodeID string) *fabric.Subscription
}

// Config configures a Negotiator.
type Config struct {
	OriginatorID    string
	Topic           string
	Interval        time.Duration
	InitialWait     time.Duration
	HeartbeatMisses int
	FailureLimit    int
	// StandbyInterval is the poll cadence while following a live master.
	// Defaults to (HeartbeatMisses-1) intervals, never less than Interval.
	StandbyInterval time.Duration
	// Priority is stamped on negotiation envelopes.
	Priority      int
	OnStateChange func(from, to State)
	Clock         clock.Clock
	Logger        pslog.Logger
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.OriginatorID == "" {
		return errors.New("masterjob: originator id required")
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = DefaultFailureLimit
	}
	if c.InitialWait < 0 {
		return errors.New("masterjob: initial wait must not be negative")
	}
	standbyMax := max(c.Interval, time.Duration(c.HeartbeatMisses-1)*c.Interval)
	switch {
	case c.StandbyInterval == 0:
		c.StandbyInterval = standbyMax
	case c.StandbyInterval < c.Interval:
		return fmt.Errorf("masterjob: standby interval %s is shorter than the interval %s", c.StandbyInterval, c.Interval)
	case c.StandbyInterval > standbyMax:
		return fmt.Errorf("masterjob: standby interval %s exceeds %s, the heartbeat window less one interval", c.StandbyInterval, standbyMax)
	}
	c.Clock = clock.Ensure(c.Clock)
	return nil
}

// lease is how long a master claim stays valid without a verified heartbeat
// echo: min(FailureLimit, HeartbeatMisses) intervals, at least two. After
// its detection window a standby still needs four more polls to take over.
func (c Config) lease() time.Duration {
	return time.Duration(max(min(c.FailureLimit, c.HeartbeatMisses), 2)) * c.Interval
}

type transition struct{ from, to State }

// Negotiator is safe for concurrent use; Poll calls must not overlap.
type Negotiator struct {
	cfg     Config
	bus     Bus
	inbox   *fabric.Subscription
	logger  pslog.Logger
	metrics *negotiatorMetrics

	mu             sync.Mutex
	state          State
	stopped        bool
	iteration      uint64
	masterID       string
	lastMasterSeen time.Time
	lastTransition time.Time
	lastOriginator string
	whoEcho        bool
	heartbeatEcho  bool
	lastEcho       time.Time
	missedEchoes   int
	commsFailures  int
	transitions    uint64
	standbys       map[string]time.Time
	pending        []transition
}

// New subscribes to the negotiation topic and returns a Disabled negotiator.
func New(cfg Config, bus Bus) (*Negotiator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, errors.New("masterjob: bus required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "core.masterjob")
	n := &Negotiator{
		cfg:      cfg,
		bus:      bus,
		inbox:    bus.Subscribe(cfg.Topic, cfg.OriginatorID),
		logger:   logger.With("originator", cfg.OriginatorID),
		state:    StateDisabled,
		standbys: make(map[string]time.Time),
	}
	n.metrics = newNegotiatorMetrics(logger, n)
	return n, nil
}

// Start moves a Disabled negotiator to Starting. A stopped negotiator cannot
// be restarted.
func (n *Negotiator) Start() {
	n.mu.Lock()
	if !n.stopped && n.state == StateDisabled {
		n.setLocked(StateStarting)
	}
	n.mu.Unlock()
	n.flush()
}

// State returns the current state. A lapsed master claim is stepped down
// first.
func (n *Negotiator) State() State {
	n.mu.Lock()
	n.expireLocked(n.cfg.Clock.Now())
	state := n.state
	n.mu.Unlock()
	n.flush()
	return state
}

// IsActive reports whether this instance holds a master claim whose
// heartbeat was verified within the claim lease.
func (n *Negotiator) IsActive() bool { return n.State() == StateActive }

// NextInterval is the delay until the next poll: StandbyInterval while
// following a live master, Interval otherwise.
func (n *Negotiator) NextInterval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateInactive && n.masterFreshLocked(n.cfg.Clock.Now()) {
		return n.cfg.StandbyInterval
	}
	return n.cfg.Interval
}

// OriginatorID returns this instance's id.
func (n *Negotiator) OriginatorID() string { return n.cfg.OriginatorID }

// Interval returns the configured poll cadence.
func (n *Negotiator) Interval() time.Duration { return n.cfg.Interval }

// InitialWait returns the delay before the first poll.
func (n *Negotiator) InitialWait() time.Duration { return n.cfg.InitialWait }

// Poll consumes every negotiation message received since the last poll and
// then advances the state machine by one step.
func (n *Negotiator) Poll(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}
	n.expireLocked(n.cfg.Clock.Now())
	for _, env := range n.inbox.Drain() {
		n.handleLocked(ctx, env)
	}
	err := n.stepLocked(ctx)
	n.mu.Unlock()
	n.flush()
	return err
}

// Handle applies a single negotiation message outside of a poll.
func (n *Negotiator) Handle(ctx context.Context, env fabric.Envelope) {
	n.mu.Lock()
	if !n.stopped {
		n.handleLocked(ctx, env)
	}
	n.mu.Unlock()
	n.flush()
}

// Resync hands over mastership: an active instance announces RESYNCMASTER
// and steps down so every instance renegotiates.
func (n *Negotiator) Resync(ctx context.Context) error {
	n.mu.Lock()
	err := n.resyncLocked(ctx)
	n.mu.Unlock()
	n.flush()
	return err
}

// Stop steps down (announcing RESYNCMASTER when active) and halts polling.
func (n *Negotiator) Stop(ctx context.Context) error {
	n.mu.Lock()
	err := n.resyncLocked(ctx)
	if n.state != StateInactive && n.state != StateDisabled {
		n.setLocked(StateInactive)
	}
	n.stopped = true
	n.mu.Unlock()
	n.flush()
	n.inbox.Close()
	return err
}

func (n *Negotiator) resyncLocked(ctx context.Context) error {
	if n.state != StateActive {
		return nil
	}
	err := n.broadcastLocked(ctx, ActionResyncMaster)
	n.forgetMasterLocked()
	n.setLocked(StateInactive)
	n.logger.Info("masterjob.resync", "iteration", n.iteration)
	return err
}

// expireLocked steps down an active instance whose last verified heartbeat
// echo is older than the claim lease.
func (n *Negotiator) expireLocked(now time.Time) {
	if n.state != StateActive || now.Sub(n.lastEcho) < n.cfg.lease() {
		return
	}
	n.logger.Warn("masterjob.stepdown", "reason", "claim_lapsed", "last_echo", n.lastEcho)
	n.forgetMasterLocked()
	n.setLocked(StateInactive)
}

func (n *Negotiator) stepLocked(ctx context.Context) error {
	now := n.cfg.Clock.Now()
	switch n.state {
	case StateDisabled:
		return nil
	case StateStarting:
		n.setLocked(StateInactive)
		return nil
	case StateInactive:
		if n.masterFreshLocked(now) {
			return nil
		}
		if n.masterID != "" {
			n.logger.Warn("masterjob.master.lost", "master", n.masterID, "last_seen", n.lastMasterSeen)
			n.forgetMasterLocked()
		}
		n.iteration++
		n.whoEcho = false
		n.commsFailures = 0
		n.setLocked(StateVerifyingComms)
		return n.broadcastLocked(ctx, ActionWhoIsMaster)
	case StateVerifyingComms:
		if n.whoEcho {
			n.setLocked(StateRequesting1)
			return n.broadcastLocked(ctx, ActionRequestingControl1)
		}
		n.commsFailures++
		if n.commsFailures == n.cfg.FailureLimit {
			n.logger.Warn("masterjob.comms.unverified", "failures", n.commsFailures)
		}
		return n.broadcastLocked(ctx, ActionWhoIsMaster)
	case StateRequesting1:
		n.setLocked(StateRequesting2)
		return n.broadcastLocked(ctx, ActionRequestingControl2)
	case StateRequesting2:
		n.setLocked(StateTakingControl)
		return n.broadcastLocked(ctx, ActionTakingControl)
	case StateTakingControl:
		n.heartbeatEcho = false
		n.missedEchoes = 0
		n.lastEcho = now
		n.masterID = n.cfg.OriginatorID
		n.setLocked(StateActive)
		n.logger.Info("masterjob.active", "iteration", n.iteration)
		return n.broadcastLocked(ctx, ActionIAmMaster)
	case StateActive:
		if n.heartbeatEcho {
			n.missedEchoes = 0
		} else {
			n.missedEchoes++
		}
		n.heartbeatEcho = false
		if n.missedEchoes >= n.cfg.FailureLimit {
			n.logger.Warn("masterjob.stepdown", "reason", "heartbeat_echo_missing", "missed", n.missedEchoes)
			n.forgetMasterLocked()
			n.setLocked(StateInactive)
			return nil
		}
		return n.broadcastLocked(ctx, ActionIAmMaster)
	}
	return nil
}

func (n *Negotiator) handleLocked(ctx context.Context, env fabric.Envelope) {
	if env.MessageType != MessageType {
		return
	}
	b, err := decodeBody(env.Body)
	if err != nil {
		n.logger.Debug("masterjob.message.invalid", "action", env.ActionType, "error", err)
		return
	}
	from := b.Originator
	self := from == n.cfg.OriginatorID
	now := n.cfg.Clock.Now()
	if !self {
		n.lastOriginator = from
	}

	switch env.ActionType {
	case ActionWhoIsMaster:
		if self {
			if n.state == StateVerifyingComms {
				n.whoEcho = true
			}
			return
		}
		switch {
		case n.state == StateActive:
			n.reply(ctx, ActionIAmMaster)
		case n.state == StateInactive && n.masterFreshLocked(now):
			n.reply(ctx, ActionIAmStandby)
		}
	case ActionIAmMaster:
		if self {
			if n.state == StateActive {
				n.heartbeatEcho = true
				n.lastEcho = now
			}
			return
		}
		if n.state == StateActive {
			if !wins(from, n.cfg.OriginatorID) {
				return
			}
			n.logger.Warn("masterjob.stepdown", "reason", "competing_master", "master", from)
		}
		n.seeMasterLocked(from, now)
		if n.state == StateActive || n.state.negotiating() {
			n.setLocked(StateInactive)
		}
	case ActionIAmStandby:
		if !self {
			n.standbys[from] = now
		}
	case ActionRequestingControl1, ActionRequestingControl2:
		if self {
			return
		}
		switch {
		case n.state == StateActive:
			n.reply(ctx, ActionIAmMaster)
		case n.state.negotiating() && wins(from, n.cfg.OriginatorID):
			n.seeMasterLocked(from, now)
			n.setLocked(StateInactive)
		case n.state == StateInactive && n.masterID == "":
			n.seeMasterLocked(from, now)
		}
	case ActionTakingControl:
		if self {
			return
		}
		switch n.state {
		case StateActive:
			if wins(from, n.cfg.OriginatorID) {
				n.logger.Warn("masterjob.stepdown", "reason", "competing_claim", "claimant", from)
				n.seeMasterLocked(from, now)
				n.setLocked(StateInactive)
			} else {
				n.reply(ctx, ActionIAmMaster)
			}
		case StateTakingControl:
			if wins(from, n.cfg.OriginatorID) {
				n.seeMasterLocked(from, now)
				n.setLocked(StateInactive)
			}
		default:
			n.seeMasterLocked(from, now)
			if n.state.negotiating() {
				n.setLocked(StateInactive)
			}
		}
	case ActionResyncMaster:
		if self {
			return
		}
		if n.masterID == from || n.masterID == "" {
			n.forgetMasterLocked()
		}
	default:
		n.logger.Debug("masterjob.message.unknown_action", "action", env.ActionType, "from", from)
	}
}

func (n *Negotiator) reply(ctx context.Context, action string) {
	if err := n.broadcastLocked(ctx, action); err != nil {
		n.logger.Warn("masterjob.reply.failed", "action", action, "error", err)
	}
}

func (n *Negotiator) seeMasterLocked(id string, now time.Time) {
	n.masterID = id
	n.lastMasterSeen = now
}

func (n *Negotiator) forgetMasterLocked() {
	n.masterID = ""
	n.lastMasterSeen = time.Time{}
}

func (n *Negotiator) masterFreshLocked(now time.Time) bool {
	if n.masterID == "" || n.masterID == n.cfg.OriginatorID || n.lastMasterSeen.IsZero() {
		return false
	}
	window := time.Duration(n.cfg.HeartbeatMisses) * n.cfg.Interval
	return now.Sub(n.lastMasterSeen) < window
}

func (n *Negotiator) broadcastLocked(ctx context.Context, action string) error {
	raw, err := encodeBody(body{
		Originator: n.cfg.OriginatorID,
		Iteration:  n.iteration,
		State:      n.state.String(),
	})
	if err != nil {
		return err
	}
	return n.bus.Broadcast(ctx, n.cfg.Topic, fabric.Envelope{
		ChannelID:    n.cfg.Topic,
		MessageType:  MessageType,
		ActionType:   action,
		OriginatorID: n.cfg.OriginatorID,
		Priority:     n.cfg.Priority,
		Body:         raw,
	})
}

func (n *Negotiator) setLocked(next State) {
	if next == n.state {
		return
	}
	prev := n.state
	n.state = next
	n.lastTransition = n.cfg.Clock.Now()
	n.transitions++
	n.pending = append(n.pending, transition{from: prev, to: next})
	n.logger.Debug("masterjob.transition", "from", prev.String(), "to", next.String(), "iteration", n.iteration)
}

// flush reports queued transitions outside the lock.
func (n *Negotiator) flush() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, tr := range pending {
		n.metrics.recordTransition(context.Background(), tr.from, tr.to)
		if n.cfg.OnStateChange != nil {
			n.cfg.OnStateChange(tr.from, tr.to)
		}
	}
}

// Statistics is a snapshot of negotiation state.
type Statistics struct {
	OriginatorID   string    `json:"originator_id"`
	State          State     `json:"state"`
	Iteration      uint64    `json:"iteration"`
	MasterID       string    `json:"master_id,omitempty"`
	LastMasterSeen time.Time `json:"last_master_seen,omitzero"`
	LastTransition time.Time `json:"last_transition,omitzero"`
	LastOriginator string    `json:"last_originator,omitempty"`
	Transitions    uint64    `json:"transitions"`
	MissedEchoes   int       `json:"missed_echoes"`
	Standbys       []string  `json:"standbys,omitempty"`
}

// Statistics returns a snapshot.
func (n *Negotiator) Statistics() Statistics {
	n.State()
	n.mu.Lock()
	defer n.mu.Unlock()
	stats := Statistics{
		OriginatorID:   n.cfg.OriginatorID,
		State:          n.state,
		Iteration:      n.iteration,
		MasterID:       n.masterID,
		LastMasterSeen: n.lastMasterSeen,
		LastTransition: n.lastTransition,
		LastOriginator: n.lastOriginator,
		Transitions:    n.transitions,
		MissedEchoes:   n.missedEchoes,
	}
	for id := range n.standbys {
		stats.Standbys = append(stats.Standbys, id)
	}
	slices.Sort(stats.Standbys)
	return stats
}
