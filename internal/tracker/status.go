package tracker

// Status is the lifecycle position of a tracker. Values are ordered so that
// every legal transition moves to a strictly greater value.
type Status int32

const (
	// StatusQueued marks a tracker waiting in a priority queue for capacity.
	StatusQueued Status = iota
	// StatusSubmitted marks a tracker holding a reservation, about to start.
	StatusSubmitted
	// StatusRunning marks a tracker whose work function is executing.
	StatusRunning
	// StatusKillRequested marks a running tracker that overran its timeout
	// and has had its context cancelled.
	StatusKillRequested
	// StatusCompleted is terminal: the work function returned (with or
	// without error).
	StatusCompleted
	// StatusCancelled is terminal: the tracker was abandoned before or while
	// running, typically during shutdown.
	StatusCancelled
	// StatusKilled is terminal: the tracker ignored cancellation past the
	// kill grace period and its bookkeeping was reclaimed.
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSubmitted:
		return "submitted"
	case StatusRunning:
		return "running"
	case StatusKillRequested:
		return "kill_requested"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusKilled
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusSubmitted || next == StatusCancelled
	case StatusSubmitted:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusCancelled || next == StatusKillRequested
	case StatusKillRequested:
		return next == StatusCompleted || next == StatusCancelled || next == StatusKilled
	default:
		return false
	}
}
