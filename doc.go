// Package taskd is the runtime core of a microservice: a priority based task
// manager, fair poll slot allocation across message channels, a dispatcher
// that routes messages to handlers and leader negotiation (the master job)
// among the instances that share a message fabric.
//
// # Running a runtime
//
// A Runtime is built from a Config and a set of options. Handlers are
// registered against the header key "channel/messagetype/action", either
// verbatim or as a doublestar pattern.
//
//	rt, err := taskd.NewRuntime(taskd.Config{
//	    Channels: []taskd.ChannelConfig{
//	        {Name: "orders", Priority: 2},
//	        {Name: "reports", Priority: 0, AllowedOverage: 4},
//	    },
//	}, taskd.WithHandler("orders/order/*", handleOrder),
//	    taskd.WithSchedule(schedule.Schedule{
//	        Name:       "compaction",
//	        Interval:   time.Minute,
//	        MasterOnly: true,
//	        Run:        compact,
//	    }))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Start is non-blocking; Run blocks until its context ends and then performs
// a graceful Stop bounded by Config.ShutdownTimeout.
//
// # Scheduling
//
// The task manager owns Config.ConcurrentMax slots split across
// Config.Levels priorities. Config.LevelMin reserves slots for a priority;
// the remaining slots are shared. Every loop iteration starts queued
// trackers from the highest priority downwards and then offers the
// remaining availability to the registered processes (listeners and the
// scheduler), which fetch work in proportion to it.
//
// # Poll slots
//
// Each listener polls a group of channels that share a priority. Slots are
// split by the poll slot algorithm: channels that are past due are served
// first, the rest by observed queue length, and channels that received
// messages may borrow up to AllowedOverage extra slots.
//
// # Master job
//
// When several runtimes share one fabric (WithFabric, or a broker behind
// the same Bus contract), exactly one of them holds the master role.
// Master-only schedules run only there. Disable negotiation with
// Config.MasterJobDisabled; master-only schedules then never fire.
//
// # Load feedback
//
// The QRF controller watches queue depth, poll concurrency and host
// pressure (sampled by the LSF observer) and throttles submissions and polls
// when the process is overloaded.
//
// # Admin endpoint
//
// Setting Config.AdminListen serves /healthz, /statistics, /metrics
// (Prometheus) and /debug/pprof from one router. Runtime.AdminHandler
// returns the same router for embedding.
//
// # Testing
//
// StartTestRuntime starts a runtime tuned for fast tests and stops it when
// the test ends:
//
//	tr := taskd.StartTestRuntime(t,
//	    taskd.WithTestChannel("orders", 1),
//	    taskd.WithTestOptions(taskd.WithHandler("orders/**", h)),
//	)
//	_ = tr.Runtime.Publish(ctx, fabric.Envelope{ChannelID: "orders", MessageType: "order", ActionType: "create"})
package taskd
