package masterjob

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/fabric"
)

const testInterval = time.Second

type cluster struct {
	t     *testing.T
	fab   *fabric.Fabric
	clk   *clock.Manual
	nodes []*Negotiator
}

func newCluster(t *testing.T, ids []string, mutate func(*Config)) *cluster {
	t.Helper()
	c := &cluster{t: t, fab: fabric.New(), clk: clock.NewManual(time.Unix(1_700_000_000, 0))}
	for _, id := range ids {
		cfg := Config{
			OriginatorID: id,
			Interval:     testInterval,
			Clock:        c.clk,
			Logger:       pslog.NoopLogger(),
		}
		if mutate != nil {
			mutate(&cfg)
		}
		n, err := New(cfg, c.fab)
		if err != nil {
			t.Fatalf("new negotiator %s: %v", id, err)
		}
		n.Start()
		c.nodes = append(c.nodes, n)
	}
	return c
}

// round polls every node once in order and then advances the clock by one
// interval.
func (c *cluster) round(order []int) {
	c.t.Helper()
	for _, i := range order {
		if err := c.nodes[i].Poll(context.Background()); err != nil {
			c.t.Fatalf("poll %s: %v", c.nodes[i].OriginatorID(), err)
		}
	}
	c.clk.Advance(testInterval)
}

func (c *cluster) actives() []string {
	var out []string
	for _, n := range c.nodes {
		if n.IsActive() {
			out = append(out, n.OriginatorID())
		}
	}
	return out
}

func (c *cluster) node(id string) *Negotiator {
	for _, n := range c.nodes {
		if n.OriginatorID() == id {
			return n
		}
	}
	c.t.Fatalf("unknown node %s", id)
	return nil
}

func inOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// converge runs rounds until exactly one node is active, failing if two are
// ever active at once or if maxRounds pass without a master.
func (c *cluster) converge(maxRounds int, order func() []int) string {
	c.t.Helper()
	for r := 0; r < maxRounds; r++ {
		c.round(order())
		switch active := c.actives(); len(active) {
		case 0:
		case 1:
			return active[0]
		default:
			c.t.Fatalf("round %d: multiple masters %v", r, active)
		}
	}
	c.t.Fatalf("no master after %d rounds", maxRounds)
	return ""
}

func TestTwoInstancesConvergeToSingleMaster(t *testing.T) {
	orders := map[string][]int{"a-first": {0, 1}, "b-first": {1, 0}}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			c := newCluster(t, []string{"a", "b"}, nil)
			master := c.converge(9, func() []int { return order })
			if master != "a" {
				t.Fatalf("expected the lowest originator id to win a concurrent start, got %s", master)
			}
			for range 10 {
				c.round(order)
				if active := c.actives(); len(active) != 1 || active[0] != master {
					t.Fatalf("mastership changed under normal conditions: %v", active)
				}
			}
			standby := c.node("b")
			stats := standby.Statistics()
			if stats.State != StateInactive || stats.MasterID != "a" {
				t.Fatalf("expected b to be a standby of a, got %+v", stats)
			}
			if len(c.node("a").Statistics().Standbys) != 0 {
				t.Fatal("standby replies are only sent in answer to WHOISMASTER")
			}
		})
	}
}

func TestShuffledPollOrdersConverge(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7919))
		c := newCluster(t, []string{"n1", "n2", "n3"}, nil)
		shuffled := func() []int {
			order := inOrder(len(c.nodes))
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			return order
		}
		master := c.converge(9, shuffled)
		for range 10 {
			c.round(shuffled())
			if active := c.actives(); len(active) != 1 || active[0] != master {
				t.Fatalf("seed %d: mastership unstable: %v", seed, active)
			}
		}
	}
}

func TestLateJoinerBecomesStandby(t *testing.T) {
	c := newCluster(t, []string{"b"}, nil)
	master := c.converge(9, func() []int { return inOrder(len(c.nodes)) })
	if master != "b" {
		t.Fatalf("expected sole node to become master, got %s", master)
	}

	late, err := New(Config{OriginatorID: "a", Interval: testInterval, Clock: c.clk, Logger: pslog.NoopLogger()}, c.fab)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	late.Start()
	c.nodes = append(c.nodes, late)
	for range 10 {
		c.round(inOrder(len(c.nodes)))
		if active := c.actives(); len(active) != 1 || active[0] != "b" {
			t.Fatalf("a late joiner must not unseat an established master: %v", active)
		}
	}
	if stats := late.Statistics(); stats.MasterID != "b" {
		t.Fatalf("expected late joiner to follow b, got %+v", stats)
	}
	if standbys := c.node("b").Statistics().Standbys; len(standbys) != 0 {
		t.Fatalf("unexpected standby list %v", standbys)
	}
}

func TestPartitionedMasterStepsDownBeforeStandbyTakesOver(t *testing.T) {
	c := newCluster(t, []string{"a", "b"}, nil)
	order := func() []int { return []int{0, 1} }
	master := c.converge(9, order)
	standby := "b"
	if master == "b" {
		standby = "a"
	}

	c.fab.Partition(master, true)
	steppedDownAt, takeoverAt := -1, -1
	for r := 0; r < 15; r++ {
		c.round(order())
		active := c.actives()
		if len(active) > 1 {
			t.Fatalf("round %d: split brain %v", r, active)
		}
		if steppedDownAt < 0 && !c.node(master).IsActive() {
			steppedDownAt = r
		}
		if takeoverAt < 0 && c.node(standby).IsActive() {
			takeoverAt = r
		}
	}
	if steppedDownAt < 0 || steppedDownAt > DefaultFailureLimit {
		t.Fatalf("isolated master must step down within %d rounds, stepped down at %d", DefaultFailureLimit, steppedDownAt)
	}
	if takeoverAt < 0 {
		t.Fatal("standby never took over")
	}
	if c.node(master).State() == StateActive {
		t.Fatal("isolated node must not regain mastership")
	}

	c.fab.Partition(master, false)
	for range 6 {
		c.round(order())
	}
	if active := c.actives(); len(active) != 1 || active[0] != standby {
		t.Fatalf("expected %s to remain master after heal, got %v", standby, active)
	}
	if stats := c.node(master).Statistics(); stats.State != StateInactive || stats.MasterID != standby {
		t.Fatalf("expected healed node to follow %s, got %+v", standby, stats)
	}
}

// A failure limit longer than the standby detection window does not extend
// the master claim: it lapses after HeartbeatMisses silent intervals, before
// the other side can elect a new master.
func TestLongFailureLimitDoesNotOutliveClaim(t *testing.T) {
	const failureLimit = 10
	c := newCluster(t, []string{"a", "b"}, func(cfg *Config) { cfg.FailureLimit = failureLimit })
	order := func() []int { return []int{0, 1} }
	if master := c.converge(9, order); master != "a" {
		t.Fatalf("expected a to win, got %s", master)
	}

	c.fab.Partition("a", true)
	lapsedAt, takeoverAt := -1, -1
	for r := 0; r < failureLimit+2; r++ {
		c.round(order())
		if active := c.actives(); len(active) > 1 {
			t.Fatalf("round %d: split brain %v", r, active)
		}
		if lapsedAt < 0 && !c.node("a").IsActive() {
			lapsedAt = r
		}
		if takeoverAt < 0 && c.node("b").IsActive() {
			takeoverAt = r
		}
	}
	if lapsedAt < 0 || lapsedAt >= DefaultHeartbeatMisses {
		t.Fatalf("claim must lapse within %d rounds, lapsed at %d", DefaultHeartbeatMisses, lapsedAt)
	}
	if takeoverAt <= lapsedAt {
		t.Fatalf("standby took over at round %d before the claim lapsed at %d", takeoverAt, lapsedAt)
	}

	c.fab.Partition("a", false)
	for range 6 {
		c.round(order())
		if active := c.actives(); len(active) > 1 {
			t.Fatalf("split brain after heal %v", active)
		}
	}
	if active := c.actives(); len(active) != 1 || active[0] != "b" {
		t.Fatalf("expected b to remain master after heal, got %v", active)
	}
}

// A master whose polls stop running must not keep reporting IsActive while a
// standby renegotiates.
func TestStalledMasterClaimLapses(t *testing.T) {
	c := newCluster(t, []string{"a", "b"}, nil)
	if master := c.converge(9, func() []int { return []int{0, 1} }); master != "a" {
		t.Fatalf("expected a to win, got %s", master)
	}

	takeoverAt := -1
	for r := 0; r < 10; r++ {
		c.round([]int{1})
		active := c.actives()
		if len(active) > 1 {
			t.Fatalf("round %d: stalled master still active alongside %v", r, active)
		}
		if takeoverAt < 0 && c.node("b").IsActive() {
			takeoverAt = r
		}
	}
	if takeoverAt < 0 {
		t.Fatal("standby never took over from the stalled master")
	}
	if state := c.node("a").State(); state != StateInactive {
		t.Fatalf("expected the stalled master to step down, got %s", state)
	}

	for range 3 {
		c.round([]int{0, 1})
	}
	if active := c.actives(); len(active) != 1 || active[0] != "b" {
		t.Fatalf("resumed node must follow b, got %v", active)
	}
	if stats := c.node("a").Statistics(); stats.MasterID != "b" {
		t.Fatalf("expected a to follow b, got %+v", stats)
	}
}

func TestStandbyPollsAtReducedCadence(t *testing.T) {
	c := newCluster(t, []string{"a", "b"}, nil)
	if master := c.converge(9, func() []int { return []int{0, 1} }); master != "a" {
		t.Fatalf("expected a to win, got %s", master)
	}
	c.round([]int{0, 1})
	a, b := c.node("a"), c.node("b")
	standby := time.Duration(DefaultHeartbeatMisses-1) * testInterval
	if got := b.NextInterval(); got != standby {
		t.Fatalf("expected standby cadence %s, got %s", standby, got)
	}
	if got := a.NextInterval(); got != testInterval {
		t.Fatalf("master must poll every interval, got %s", got)
	}

	iteration := b.Statistics().Iteration
	for r := 0; r < 8; r++ {
		order := []int{0}
		if r%2 == 1 {
			order = append(order, 1)
		}
		c.round(order)
		if active := c.actives(); len(active) != 1 || active[0] != "a" {
			t.Fatalf("round %d: expected a to stay master, got %v", r, active)
		}
	}
	if stats := b.Statistics(); stats.State != StateInactive || stats.Iteration != iteration {
		t.Fatalf("standby polling at %s must not renegotiate, got %+v", standby, stats)
	}

	if err := a.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	c.round([]int{1})
	if got := b.NextInterval(); got != testInterval {
		t.Fatalf("renegotiating standby must return to the interval, got %s", got)
	}
	c.converge(9, func() []int { return []int{0, 1} })

	c.round([]int{0, 1})
	follower := b
	if b.IsActive() {
		follower = a
	}
	if follower.NextInterval() != standby {
		t.Fatalf("expected standby cadence after re-election, got %s", follower.NextInterval())
	}
	c.clk.Advance(time.Duration(DefaultHeartbeatMisses) * testInterval)
	if got := follower.NextInterval(); got != testInterval {
		t.Fatalf("standby with a silent master must return to the interval, got %s", got)
	}
}

func TestResyncHandsOverMastership(t *testing.T) {
	c := newCluster(t, []string{"a", "b"}, nil)
	order := func() []int { return []int{0, 1} }
	master := c.converge(9, order)
	if err := c.node(master).Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if c.node(master).IsActive() {
		t.Fatal("resync must step down")
	}
	if got := c.converge(9, order); got == "" {
		t.Fatal("expected a new master after resync")
	}
	for _, n := range c.nodes {
		if n.Statistics().Iteration < 2 {
			t.Fatalf("node %s did not renegotiate", n.OriginatorID())
		}
	}
}

func TestStopStepsDownAndHaltsPolling(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	c := newCluster(t, []string{"a"}, func(cfg *Config) {
		cfg.OnStateChange = func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		}
	})
	c.converge(9, func() []int { return []int{0} })
	n := c.nodes[0]
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n.State() != StateInactive {
		t.Fatalf("expected inactive after stop, got %s", n.State())
	}
	if err := n.Poll(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	want := []State{
		StateStarting, StateInactive, StateVerifyingComms, StateRequesting1,
		StateRequesting2, StateTakingControl, StateActive, StateInactive,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("unexpected transitions %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, seen)
		}
	}
}

func TestInvalidMessagesAreIgnored(t *testing.T) {
	c := newCluster(t, []string{"a"}, nil)
	n := c.nodes[0]
	before := n.State()
	n.Handle(context.Background(), fabric.Envelope{MessageType: MessageType, ActionType: ActionTakingControl, Body: []byte("garbage")})
	n.Handle(context.Background(), fabric.Envelope{MessageType: "other", ActionType: ActionTakingControl})
	if n.State() != before {
		t.Fatalf("state changed on invalid input: %s", n.State())
	}

	raw, err := encodeBody(body{Originator: "z", Iteration: 7, State: "active"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeBody(raw)
	if err != nil || decoded.Originator != "z" || decoded.Iteration != 7 {
		t.Fatalf("unexpected decoded body %+v (%v)", decoded, err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing originator to fail")
	}
	cfg = Config{OriginatorID: "x"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Topic != DefaultTopic || cfg.Interval != DefaultInterval || cfg.FailureLimit != DefaultFailureLimit {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.StandbyInterval != 2*DefaultInterval {
		t.Fatalf("expected standby interval of two intervals, got %s", cfg.StandbyInterval)
	}
	single := Config{OriginatorID: "x", Interval: time.Second, HeartbeatMisses: 1}
	if err := single.Validate(); err != nil || single.StandbyInterval != time.Second {
		t.Fatalf("standby interval must not drop below the interval: %v %s", err, single.StandbyInterval)
	}
	for _, d := range []time.Duration{500 * time.Millisecond, 3 * time.Second} {
		bad := Config{OriginatorID: "x", Interval: time.Second, StandbyInterval: d}
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected standby interval %s to fail", d)
		}
	}
	if !wins("a", "b") || wins("b", "a") {
		t.Fatal("lowest originator id must win")
	}
}
