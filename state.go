package leaudio

// ConnState is the profile-level connection state of a peer. Transitions
// are driven by the per-peer state machine in the profile package.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateDisconnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// BondState mirrors the stack's pairing state for a peer. The core never
// initiates pairing; it only consults this for admission decisions.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

// Reason qualifies why a profile event happened. Closed enumeration; new
// values require a matching update in every fanout consumer.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonLocalApp
	ReasonLocalStack
	ReasonRemote
	ReasonSystemPolicy
)

func (r Reason) String() string {
	switch r {
	case ReasonLocalApp:
		return "local app request"
	case ReasonLocalStack:
		return "local stack request"
	case ReasonRemote:
		return "remote request"
	case ReasonSystemPolicy:
		return "system policy"
	default:
		return "unknown"
	}
}

// Status is the result code reported through asynchronous operation
// callbacks and transaction-completed events.
type Status int

const (
	StatusOK Status = iota
	StatusErrUnknown
	StatusTimeout
	StatusInvalidGroup
	StatusLockedByOther
	StatusInProgress
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErrUnknown:
		return "unknown error"
	case StatusTimeout:
		return "timeout"
	case StatusInvalidGroup:
		return "invalid group"
	case StatusLockedByOther:
		return "locked by other"
	case StatusInProgress:
		return "operation in progress"
	default:
		return "unknown"
	}
}
