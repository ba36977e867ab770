package masterjob

// State is the negotiation position of one instance.
type State int32

const (
	StateDisabled State = iota
	StateInactive
	StateVerifyingComms
	StateStarting
	StateRequesting1
	StateRequesting2
	StateTakingControl
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInactive:
		return "inactive"
	case StateVerifyingComms:
		return "verifying_comms"
	case StateStarting:
		return "starting"
	case StateRequesting1:
		return "requesting1"
	case StateRequesting2:
		return "requesting2"
	case StateTakingControl:
		return "taking_control"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// negotiating reports whether s is part of an election round.
func (s State) negotiating() bool {
	switch s {
	case StateVerifyingComms, StateRequesting1, StateRequesting2, StateTakingControl:
		return true
	default:
		return false
	}
}

// Action tokens carried in the envelope action field.
const (
	ActionWhoIsMaster        = "WHOISMASTER"
	ActionRequestingControl1 = "REQUESTINGCONTROL1"
	ActionRequestingControl2 = "REQUESTINGCONTROL2"
	ActionTakingControl      = "TAKINGCONTROL"
	ActionIAmMaster          = "IAMMASTER"
	ActionIAmStandby         = "IAMSTANDBY"
	ActionResyncMaster       = "RESYNCMASTER"
)

// MessageType is the envelope message type of negotiation traffic.
const MessageType = "masterjob"

// wins reports whether candidate beats other under the tie-break: the
// lexicographically lowest originator id wins.
func wins(candidate, other string) bool {
	return candidate < other
}
