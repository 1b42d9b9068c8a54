package leaudio

// Transport drives the GATT link to remote peers. Implementations wrap the
// native stack; the profile core only ever issues these calls from a peer's
// own task queue, so a transport sees at most one outstanding write or read
// per peer at a time.
//
// Open and Close report synchronous acceptance only. Connection progress,
// write/read completion and characteristic notifications all come back
// asynchronously as stack events dispatched into the owning registry.
type Transport interface {
	// Open asks the stack to establish the profile link to the peer.
	Open(p Addr) error

	// Close asks the stack to tear the link down.
	Close(p Addr) error

	// Write issues a single characteristic write. Completion is reported
	// through a transaction-completed stack event for the peer.
	Write(p Addr, opcode byte, payload []byte) error

	// Read issues a characteristic read. The value arrives through a
	// characteristic-changed stack event for the peer. Completion must also
	// be reported through a transaction-completed event, exactly as for
	// Write; that event is what frees the peer's transaction slot, and
	// without it every read stalls the queue for the transaction timeout.
	Read(p Addr, characteristic uint16) error
}

// ControlPointChecker is an optional Transport capability. When implemented,
// the broadcast assistant refuses control-point operations for peers whose
// control characteristic has not been discovered yet.
type ControlPointChecker interface {
	HasControlPoint(p Addr) bool
}
