// Package dispatcher is the boundary between transports and the task
// manager. It resolves a handler for every inbound message by its header key
// ("channel/messagetype/action"), wraps the message in a tracker and submits
// it, and settles the message at the transport once the tracker finishes:
// ack on success, paced requeue on failure until MaxAttempts, deadletter
// after that. Messages without a handler are deadlettered at once.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/correlation"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/loggingutil"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/tracker"
)

const (
	// DefaultMaxAttempts bounds deliveries of a failing message.
	DefaultMaxAttempts = 5
	// DefaultRetryRate paces requeues of failed messages.
	DefaultRetryRate = rate.Limit(20)
	// DefaultRetryBurst is the requeue burst size.
	DefaultRetryBurst = 5
)

var (
	// ErrUnresolved is returned when no handler matches a message key.
	ErrUnresolved = errors.New("dispatcher: no handler for message")
	// ErrInvalidRoute is returned by Build for malformed registrations.
	ErrInvalidRoute = errors.New("dispatcher: invalid route")
)

// Handler processes one message. Returning an error fails the attempt.
type Handler func(ctx context.Context, msg *fabric.Delivery) error

// Submitter accepts trackers (implemented by *taskmgr.Manager).
type Submitter interface {
	Submit(t *tracker.Tracker) error
	Levels() int
}

// settler is the settlement surface of a received message. *fabric.Delivery
// implements it.
type settler interface {
	Ack() error
	Nack(requeue bool) error
	Deadletter(reason string) error
}

type route struct {
	pattern     string
	glob        bool
	name        string
	handler     Handler
	priority    int
	hasPriority bool
	timeout     time.Duration
	longRunning bool
}

// RouteOption tunes one registration.
type RouteOption func(*route)

// WithName labels trackers created for the route.
func WithName(name string) RouteOption {
	return func(r *route) { r.name = name }
}

// WithPriority pins the tracker priority instead of using the message's.
func WithPriority(p int) RouteOption {
	return func(r *route) { r.priority, r.hasPriority = p, true }
}

// WithTimeout sets the expected handler duration.
func WithTimeout(d time.Duration) RouteOption {
	return func(r *route) { r.timeout = d }
}

// WithLongRunning exempts the route's trackers from the timeout sweep.
func WithLongRunning() RouteOption {
	return func(r *route) { r.longRunning = true }
}

// Builder collects routes; Build validates them once.
type Builder struct {
	routes []*route
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Handle registers h for pattern. Patterns without glob metacharacters match
// keys exactly; others follow doublestar semantics with "/" as separator.
func (b *Builder) Handle(pattern string, h Handler, opts ...RouteOption) *Builder {
	r := &route{pattern: pattern, name: pattern, handler: h}
	r.glob = strings.ContainsAny(pattern, `*?[{\`)
	for _, opt := range opts {
		opt(r)
	}
	b.routes = append(b.routes, r)
	return b
}

// Config wires the dispatcher.
type Config struct {
	Submitter   Submitter
	QRF         *qrf.Controller
	MaxAttempts int
	RetryRate   rate.Limit
	RetryBurst  int
	Logger      pslog.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	logger   pslog.Logger
	exact    map[string]*route
	patterns []*route
	limiter  *rate.Limiter
	metrics  *dispatchMetrics

	delivered    atomic.Uint64
	unresolved   atomic.Uint64
	throttled    atomic.Uint64
	acked        atomic.Uint64
	retried      atomic.Uint64
	requeued     atomic.Uint64
	deadlettered atomic.Uint64
	settleErrors atomic.Uint64
}

// Build validates every route and returns a dispatcher.
func (b *Builder) Build(cfg Config) (*Dispatcher, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("dispatcher: submitter required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryRate <= 0 {
		cfg.RetryRate = DefaultRetryRate
	}
	if cfg.RetryBurst <= 0 {
		cfg.RetryBurst = DefaultRetryBurst
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	d := &Dispatcher{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, "core.dispatcher"),
		exact:   make(map[string]*route),
		limiter: rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst),
	}
	levels := cfg.Submitter.Levels()
	seen := make(map[string]bool, len(b.routes))
	for _, r := range b.routes {
		switch {
		case r.pattern == "":
			return nil, fmt.Errorf("%w: empty pattern", ErrInvalidRoute)
		case r.handler == nil:
			return nil, fmt.Errorf("%w: nil handler for %q", ErrInvalidRoute, r.pattern)
		case seen[r.pattern]:
			return nil, fmt.Errorf("%w: duplicate pattern %q", ErrInvalidRoute, r.pattern)
		case r.hasPriority && (r.priority < 0 || r.priority >= levels):
			return nil, fmt.Errorf("%w: priority %d out of range for %q", ErrInvalidRoute, r.priority, r.pattern)
		case r.glob && !doublestar.ValidatePattern(r.pattern):
			return nil, fmt.Errorf("%w: malformed pattern %q", ErrInvalidRoute, r.pattern)
		}
		seen[r.pattern] = true
		if r.glob {
			d.patterns = append(d.patterns, r)
		} else {
			d.exact[r.pattern] = r
		}
	}
	d.metrics = newDispatchMetrics(logger)
	return d, nil
}

// Resolve reports the route name registered for key. Exact routes win over
// patterns; patterns are tried in registration order.
func (d *Dispatcher) Resolve(key string) (string, bool) {
	r := d.resolve(key)
	if r == nil {
		return "", false
	}
	return r.name, true
}

func (d *Dispatcher) resolve(key string) *route {
	if r, ok := d.exact[key]; ok {
		return r
	}
	for _, r := range d.patterns {
		if ok, err := doublestar.Match(r.pattern, key); err == nil && ok {
			return r
		}
	}
	return nil
}

// Deliver hands msg to the task manager. The message is settled later by
// the tracker's completion; Deliver only settles it itself when it cannot be
// submitted (deadletter when unresolved, requeue when throttled or rejected).
func (d *Dispatcher) Deliver(ctx context.Context, msg *fabric.Delivery) error {
	key := msg.Key()
	r := d.resolve(key)
	if r == nil {
		d.unresolved.Add(1)
		d.metrics.record(ctx, outcomeUnresolved)
		d.logger.Warn("dispatcher.message.unresolved", "key", key, "message_id", msg.ID)
		d.settle(msg, func(s settler) error { return s.Deadletter("unresolved: " + key) })
		return fmt.Errorf("%w: %s", ErrUnresolved, key)
	}
	if err := d.cfg.QRF.Wait(ctx, qrf.KindSubmit); err != nil {
		d.throttled.Add(1)
		d.metrics.record(ctx, outcomeThrottled)
		d.logger.Debug("dispatcher.message.throttled", "key", key, "message_id", msg.ID, "error", err)
		d.settle(msg, func(s settler) error { return s.Nack(true) })
		return err
	}
	t := tracker.New(func(ctx context.Context, _ *tracker.Tracker) error {
		return r.handler(correlation.With(ctx, msg.CorrelationID), msg)
	}, tracker.Options{
		Name:        r.name,
		Priority:    d.priorityFor(r, msg),
		LongRunning: r.longRunning,
		Timeout:     r.timeout,
		Payload:     msg,
		Attempt:     msg.DeliveryCount,
		OnComplete:  d.complete,
	})
	if err := d.cfg.Submitter.Submit(t); err != nil {
		d.settle(msg, func(s settler) error { return s.Nack(true) })
		return fmt.Errorf("dispatcher: submit %s: %w", key, err)
	}
	d.delivered.Add(1)
	return nil
}

func (d *Dispatcher) priorityFor(r *route, msg *fabric.Delivery) int {
	if r.hasPriority {
		return r.priority
	}
	p := msg.Priority
	if p < 0 {
		return 0
	}
	if top := d.cfg.Submitter.Levels() - 1; p > top {
		return top
	}
	return p
}

// complete settles the message behind t. It runs as a completion callback
// and never blocks: delayed requeues are scheduled with time.AfterFunc.
func (d *Dispatcher) complete(t *tracker.Tracker) {
	msg, ok := t.Payload().(*fabric.Delivery)
	if !ok {
		return
	}
	err := t.Err()
	switch {
	case t.Status() == tracker.StatusCompleted && err == nil:
		d.acked.Add(1)
		d.metrics.record(context.Background(), outcomeAcked)
		d.settle(msg, settler.Ack)
	case t.Status() == tracker.StatusCancelled && !errors.Is(err, tracker.ErrTimedOut):
		d.requeued.Add(1)
		d.metrics.record(context.Background(), outcomeRequeued)
		d.settle(msg, func(s settler) error { return s.Nack(true) })
	default:
		d.retry(msg, t, err)
	}
}

func (d *Dispatcher) retry(msg *fabric.Delivery, t *tracker.Tracker, cause error) {
	if msg.DeliveryCount >= d.cfg.MaxAttempts {
		d.deadlettered.Add(1)
		d.metrics.record(context.Background(), outcomeDeadlettered)
		d.logger.Warn("dispatcher.message.deadlettered",
			"key", msg.Key(),
			"message_id", msg.ID,
			"correlation_id", msg.CorrelationID,
			"attempts", msg.DeliveryCount,
			"status", t.Status().String(),
			"error", cause,
		)
		reason := fmt.Sprintf("max attempts (%d) reached: %v", msg.DeliveryCount, cause)
		d.settle(msg, func(s settler) error { return s.Deadletter(reason) })
		return
	}
	d.retried.Add(1)
	d.metrics.record(context.Background(), outcomeRetried)
	delay := d.limiter.Reserve().Delay()
	d.logger.Debug("dispatcher.message.retry",
		"key", msg.Key(),
		"message_id", msg.ID,
		"attempt", msg.DeliveryCount,
		"delay", delay,
		"error", cause,
	)
	requeue := func() { d.settle(msg, func(s settler) error { return s.Nack(true) }) }
	if delay <= 0 {
		requeue()
		return
	}
	time.AfterFunc(delay, requeue)
}

func (d *Dispatcher) settle(msg settler, fn func(settler) error) {
	if err := fn(msg); err != nil {
		d.settleErrors.Add(1)
		d.logger.Warn("dispatcher.settle.failed", "error", err)
	}
}

// Statistics counts dispatcher outcomes.
type Statistics struct {
	Routes       int    `json:"routes"`
	Delivered    uint64 `json:"delivered"`
	Unresolved   uint64 `json:"unresolved"`
	Throttled    uint64 `json:"throttled"`
	Acked        uint64 `json:"acked"`
	Retried      uint64 `json:"retried"`
	Requeued     uint64 `json:"requeued"`
	Deadlettered uint64 `json:"deadlettered"`
	SettleErrors uint64 `json:"settle_errors"`
}

// Statistics returns a snapshot of the counters.
func (d *Dispatcher) Statistics() Statistics {
	return Statistics{
		Routes:       len(d.exact) + len(d.patterns),
		Delivered:    d.delivered.Load(),
		Unresolved:   d.unresolved.Load(),
		Throttled:    d.throttled.Load(),
		Acked:        d.acked.Load(),
		Retried:      d.retried.Load(),
		Requeued:     d.requeued.Load(),
		Deadlettered: d.deadlettered.Load(),
		SettleErrors: d.settleErrors.Load(),
	}
}
