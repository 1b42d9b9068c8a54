package profile

import (
	"github.com/coordset/leaudio"
)

// StackEvent is an event originating from the native stack or transport,
// routed into a registry through Dispatch.
type StackEvent interface {
	Peer() leaudio.Addr
}

// ConnectionStateEvent reports a link-level connection state change.
type ConnectionStateEvent struct {
	Addr  leaudio.Addr
	State leaudio.ConnState
}

func (e ConnectionStateEvent) Peer() leaudio.Addr { return e.Addr }

// TransactionCompletedEvent reports completion of an outstanding write or
// read issued by the peer's machine.
type TransactionCompletedEvent struct {
	Addr   leaudio.Addr
	Status leaudio.Status
}

func (e TransactionCompletedEvent) Peer() leaudio.Addr { return e.Addr }

// CharacteristicEvent carries a characteristic notification or read result.
// Value is whatever the transport glue decoded for the profile; the machine
// passes it through to the protocol layer untouched.
type CharacteristicEvent struct {
	Addr           leaudio.Addr
	Characteristic uint16
	Value          interface{}
}

func (e CharacteristicEvent) Peer() leaudio.Addr { return e.Addr }

// Operation is a profile-specific request executed on the owning peer's
// task queue while the peer is connected. Implementations live in the
// profile packages (bass); the engine only sequences them.
type Operation interface {
	// Name describes the operation for logs.
	Name() string

	// Fail reports a terminal failure to the requester. Called at most once,
	// always from the peer's task queue.
	Fail(status leaudio.Status)
}

// message is the machine's internal mailbox element.
type message interface {
	isMessage()
}

type connectMsg struct{}
type disconnectMsg struct{}

type stackConnMsg struct {
	state leaudio.ConnState
}

type stackTxnMsg struct {
	status leaudio.Status
}

type stackCharMsg struct {
	characteristic uint16
	value          interface{}
}

type opMsg struct {
	op Operation
}

type timeoutMsg struct {
	gen uint64
}

type txnTimeoutMsg struct {
	gen uint64
}

func (connectMsg) isMessage()    {}
func (disconnectMsg) isMessage() {}
func (stackConnMsg) isMessage()  {}
func (stackTxnMsg) isMessage()   {}
func (stackCharMsg) isMessage()  {}
func (opMsg) isMessage()         {}
func (timeoutMsg) isMessage()    {}
func (txnTimeoutMsg) isMessage() {}

func describe(msg message) string {
	switch m := msg.(type) {
	case connectMsg:
		return "connect"
	case disconnectMsg:
		return "disconnect"
	case stackConnMsg:
		return "stack " + m.state.String()
	case stackTxnMsg:
		return "transaction " + m.status.String()
	case stackCharMsg:
		return "characteristic changed"
	case opMsg:
		return m.op.Name()
	case timeoutMsg:
		return "connect timeout"
	case txnTimeoutMsg:
		return "transaction timeout"
	default:
		return "unknown"
	}
}
