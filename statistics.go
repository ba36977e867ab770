package taskd

import (
	"time"

	"pkt.systems/taskd/internal/dispatcher"
	"pkt.systems/taskd/internal/fabric"
	"pkt.systems/taskd/internal/listener"
	"pkt.systems/taskd/internal/masterjob"
	"pkt.systems/taskd/internal/qrf"
	"pkt.systems/taskd/internal/schedule"
	"pkt.systems/taskd/internal/service"
	"pkt.systems/taskd/internal/taskmgr"
	"pkt.systems/taskd/internal/version"
)

// Statistics is a read-only snapshot of every runtime component.
type Statistics struct {
	Status       service.Status             `json:"status"`
	OriginatorID string                     `json:"originator_id"`
	Build        version.Info               `json:"build"`
	Master       bool                       `json:"master"`
	Manager      taskmgr.Statistics         `json:"manager"`
	Dispatcher   dispatcher.Statistics      `json:"dispatcher"`
	Listeners    []listener.Statistics      `json:"listeners,omitempty"`
	Schedules    []schedule.EntryStatistics `json:"schedules,omitempty"`
	MasterJob    *masterjob.Statistics      `json:"masterjob,omitempty"`
	Channels     []fabric.ChannelStatistics `json:"channels,omitempty"`
	QRF          qrf.Status                 `json:"qrf"`
	CollectedAt  time.Time                  `json:"collected_at"`
}

// Statistics collects a snapshot. It never blocks on running work.
func (r *Runtime) Statistics() Statistics {
	stats := Statistics{
		Status:       r.lc.Load(),
		OriginatorID: r.cfg.OriginatorID,
		Build:        version.Build(),
		Master:       r.IsMaster(),
		Manager:      r.manager.Statistics(),
		Dispatcher:   r.dispatcher.Statistics(),
		Schedules:    r.scheduler.Statistics(),
		Channels:     r.fabric.Statistics(),
		QRF:          r.qrf.Status(),
		CollectedAt:  r.clock.Now(),
	}
	for _, l := range r.listeners {
		stats.Listeners = append(stats.Listeners, l.Statistics())
	}
	if r.negotiator != nil {
		mj := r.negotiator.Statistics()
		stats.MasterJob = &mj
	}
	return stats
}
