package taskmgr

import (
	"time"

	"pkt.systems/taskd/internal/availability"
	"pkt.systems/taskd/internal/service"
	"pkt.systems/taskd/internal/taskqueue"
)

// Statistics is a read-only snapshot of the manager.
type Statistics struct {
	Status           service.Status         `json:"status"`
	Active           int64                  `json:"active"`
	Queued           int64                  `json:"queued"`
	Queues           []taskqueue.Statistics `json:"queues"`
	Availability     availability.Snapshot  `json:"availability"`
	Submitted        uint64                 `json:"submitted"`
	Completed        uint64                 `json:"completed"`
	Failed           uint64                 `json:"failed"`
	Cancelled        uint64                 `json:"cancelled"`
	KillRequested    uint64                 `json:"kill_requested"`
	Killed           uint64                 `json:"killed"`
	Panicked         uint64                 `json:"panicked"`
	Processes        []string               `json:"processes,omitempty"`
	Polls            uint64                 `json:"polls"`
	PollsSkipped     uint64                 `json:"polls_skipped"`
	PollsThrottled   uint64                 `json:"polls_throttled"`
	PollPanics       uint64                 `json:"poll_panics"`
	PollInflight     int64                  `json:"poll_inflight"`
	LastLoopDuration time.Duration          `json:"last_loop_duration"`
	LastSweepAt      time.Time              `json:"last_sweep_at,omitzero"`
	CollectedAt      time.Time              `json:"collected_at"`
}

// Finished returns the number of trackers that reached a terminal status.
func (s Statistics) Finished() uint64 {
	return s.Completed + s.Failed + s.Cancelled + s.Killed
}

// Statistics returns a snapshot without mutating manager state.
func (m *Manager) Statistics() Statistics {
	now := m.clock.Now()
	m.procMu.RLock()
	names := make([]string, 0, len(m.processes))
	for _, p := range m.processes {
		names = append(names, p.Name())
	}
	m.procMu.RUnlock()

	stats := Statistics{
		Status:           m.lc.Load(),
		Active:           m.active.Load(),
		Queued:           m.queues.Len(),
		Queues:           m.queues.Statistics(now),
		Availability:     m.avail.Snapshot(),
		Submitted:        m.counters.submitted.Load(),
		Completed:        m.counters.completed.Load(),
		Failed:           m.counters.failed.Load(),
		Cancelled:        m.counters.cancelled.Load(),
		KillRequested:    m.counters.killRequested.Load(),
		Killed:           m.counters.killed.Load(),
		Panicked:         m.counters.panicked.Load(),
		Processes:        names,
		Polls:            m.counters.polls.Load(),
		PollsSkipped:     m.counters.pollsSkipped.Load(),
		PollsThrottled:   m.counters.pollsThrottled.Load(),
		PollPanics:       m.counters.pollPanics.Load(),
		PollInflight:     m.pollInflight.Load(),
		LastLoopDuration: time.Duration(m.lastLoopNano.Load()),
		CollectedAt:      now,
	}
	if ns := m.lastSweepAt.Load(); ns != 0 {
		stats.LastSweepAt = time.Unix(0, ns).UTC()
	}
	return stats
}
