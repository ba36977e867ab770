package pollslot

import "time"

// Metrics is the per-client state the algorithm reads and updates. A
// Metrics value is owned by at most one poll at a time (see Holder).
type Metrics struct {
	ClientID       string
	Priority       int
	AllowedOverage int
	MaxSlots       int
	MinWait        time.Duration
	MaxWait        time.Duration

	PriorityScore int64
	PriorityTick  uint64
	scoreValid    bool

	LastQueueLength int64
	PrevQueueLength int64

	CapacityPercentage int
	SkipCount          int
	IsPastDue          bool
	LastPoll           time.Time

	LastRequested  int
	LastReturned   int
	LastPollFailed bool

	PollsAttempted uint64
	PollsSucceeded uint64
	PollsFailed    uint64
	PollsEmpty     uint64
	ItemsReturned  uint64
	Skipped        uint64
}

func (m *Metrics) saturated() bool {
	return m.LastRequested > 0 && m.LastReturned >= m.LastRequested
}

// Snapshot is a read-only copy of a client's metrics.
type Snapshot struct {
	ClientID           string        `json:"client_id"`
	Priority           int           `json:"priority"`
	Score              int64         `json:"score"`
	QueueLength        int64         `json:"queue_length"`
	CapacityPercentage int           `json:"capacity_percentage"`
	SkipCount          int           `json:"skip_count"`
	PastDue            bool          `json:"past_due"`
	Inflight           bool          `json:"inflight"`
	LastPoll           time.Time     `json:"last_poll,omitzero"`
	MaxWait            time.Duration `json:"max_wait"`
	PollsAttempted     uint64        `json:"polls_attempted"`
	PollsSucceeded     uint64        `json:"polls_succeeded"`
	PollsFailed        uint64        `json:"polls_failed"`
	PollsEmpty         uint64        `json:"polls_empty"`
	ItemsReturned      uint64        `json:"items_returned"`
	Skipped            uint64        `json:"skipped"`
}
