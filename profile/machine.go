package profile

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/coordset/leaudio"
)

// Protocol layers profile-specific behavior on top of the baseline machine.
// Every method runs on the owning machine's task queue, so implementations
// need no locking for state the machine alone touches.
type Protocol interface {
	// Connected is invoked after the machine enters Connected.
	Connected()

	// Disconnected is invoked after the machine enters Disconnected.
	Disconnected()

	// Operation executes a profile operation. Only called while Connected
	// and not Busy; the machine defers operations arriving while Busy.
	Operation(op Operation)

	// Characteristic handles a notification or read result.
	Characteristic(characteristic uint16, value interface{})

	// TransactionCompleted resolves the outstanding transaction.
	TransactionCompleted(status leaudio.Status)

	// TransactionTimeout resolves the outstanding transaction after the
	// transaction timer fired.
	TransactionTimeout()

	// Busy reports whether a control-point transaction is outstanding.
	Busy() bool
}

// nopProtocol serves profiles with no sub-protocol (CSIP).
type nopProtocol struct{}

func (nopProtocol) Connected()                          {}
func (nopProtocol) Disconnected()                       {}
func (nopProtocol) Operation(op Operation)              { op.Fail(leaudio.StatusErrUnknown) }
func (nopProtocol) Characteristic(uint16, interface{})  {}
func (nopProtocol) TransactionCompleted(leaudio.Status) {}
func (nopProtocol) TransactionTimeout()                 {}
func (nopProtocol) Busy() bool                          { return false }

// Machine owns the profile connection lifecycle for a single peer. All of
// its mutable state is confined to one goroutine fed by an ordered mailbox;
// timers post back into the same mailbox, so their firing is ordered like
// any other message for this peer.
type Machine struct {
	peer   leaudio.Addr
	cfg    *Config
	log    leaudio.Logger
	tr     leaudio.Transport
	fanout *Fanout
	proto  Protocol

	// onStateChange is the registry hook, invoked on this machine's queue.
	onStateChange func(m *Machine, prev, next leaudio.ConnState)

	// state is written only on the machine's queue but readable anywhere.
	state     *atomic.Int32
	lastState leaudio.ConnState

	mbox     chan message
	replay   []message
	deferred []message

	timerGen uint64
	timer    *time.Timer
	txnGen   uint64
	txnTimer *time.Timer

	removeOnDisconnect atomic.Bool

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newMachine(peer leaudio.Addr, tr leaudio.Transport, fanout *Fanout, cfg *Config,
	onStateChange func(*Machine, leaudio.ConnState, leaudio.ConnState),
	protoFactory func(*Machine) Protocol) *Machine {

	m := buildMachine(peer, tr, fanout, cfg, onStateChange, protoFactory)
	go m.run()
	return m
}

// buildMachine assembles a machine without starting its task queue; tests
// drive handle directly.
func buildMachine(peer leaudio.Addr, tr leaudio.Transport, fanout *Fanout, cfg *Config,
	onStateChange func(*Machine, leaudio.ConnState, leaudio.ConnState),
	protoFactory func(*Machine) Protocol) *Machine {

	m := &Machine{
		peer:          peer,
		cfg:           cfg,
		tr:            tr,
		fanout:        fanout,
		onStateChange: onStateChange,
		state:         atomic.NewInt32(int32(leaudio.StateDisconnected)),
		lastState:     leaudio.StateDisconnected,
		mbox:          make(chan message, cfg.MailboxDepth),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	m.log = cfg.Logger.ChildLogger(map[string]interface{}{
		"peer":    peer.String(),
		"profile": cfg.Profile.String(),
	})

	m.proto = Protocol(nopProtocol{})
	if protoFactory != nil {
		m.proto = protoFactory(m)
	}

	return m
}

// Peer returns the peer identity this machine serves.
func (m *Machine) Peer() leaudio.Addr { return m.peer }

// State returns the current connection state. Safe from any goroutine.
func (m *Machine) State() leaudio.ConnState {
	return leaudio.ConnState(m.state.Load())
}

// Logger returns the machine's child logger for use by its protocol.
func (m *Machine) Logger() leaudio.Logger { return m.log }

// Fanout returns the event fanout shared with the owning registry.
func (m *Machine) Fanout() *Fanout { return m.fanout }

// post enqueues a message for the machine's queue. Returns false if the
// machine has quit; the message is dropped in that case.
func (m *Machine) post(msg message) bool {
	select {
	case <-m.quit:
		return false
	case m.mbox <- msg:
		return true
	}
}

// inject queues a synthesized event ahead of anything else pending, so a
// timeout-driven teardown runs through the same path as a genuine remote
// disconnect before any newer messages are seen.
func (m *Machine) inject(msg message) {
	m.replay = append([]message{msg}, m.replay...)
}

// EnqueueOperation queues an operation behind whatever the machine is
// already processing. Protocol use only; call only from the machine's task
// queue (posting from there could deadlock on a full mailbox, the replay
// queue cannot).
func (m *Machine) EnqueueOperation(op Operation) {
	m.replay = append(m.replay, opMsg{op: op})
}

// deferMsg parks a message until the machine returns to an idle state.
// Replay preserves arrival order.
func (m *Machine) deferMsg(msg message) {
	m.log.Debugf("deferring %s in state %s", describe(msg), m.State())
	m.deferred = append(m.deferred, msg)
}

// replayDeferred moves the deferred queue onto the replay queue. Deferred
// messages run after any already-injected synthetic events, in their
// original arrival order.
func (m *Machine) replayDeferred() {
	if len(m.deferred) == 0 {
		return
	}
	m.replay = append(m.replay, m.deferred...)
	m.deferred = nil
}

// purgeDeferred drops deferred messages the predicate matches.
func (m *Machine) purgeDeferred(drop func(message) bool) {
	kept := m.deferred[:0]
	for _, msg := range m.deferred {
		if !drop(msg) {
			kept = append(kept, msg)
		}
	}
	m.deferred = kept
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.cancelTimer()
			m.cancelTxnTimer()
			return
		default:
		}

		var msg message
		if len(m.replay) > 0 {
			msg, m.replay = m.replay[0], m.replay[1:]
		} else {
			select {
			case <-m.quit:
				m.cancelTimer()
				m.cancelTxnTimer()
				return
			case msg = <-m.mbox:
			}
		}
		m.handle(msg)
	}
}

func (m *Machine) stop() {
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Machine) handle(msg message) {
	// A timer canceled on state exit must have no observable effect even if
	// its firing already landed in the mailbox.
	switch t := msg.(type) {
	case timeoutMsg:
		if t.gen != m.timerGen {
			m.log.Debug("stale connect timer fired, ignored")
			return
		}
	case txnTimeoutMsg:
		if t.gen != m.txnGen {
			m.log.Debug("stale transaction timer fired, ignored")
			return
		}
	}

	switch m.State() {
	case leaudio.StateDisconnected:
		m.handleDisconnected(msg)
	case leaudio.StateConnecting:
		m.handleConnecting(msg)
	case leaudio.StateDisconnecting:
		m.handleDisconnecting(msg)
	case leaudio.StateConnected:
		m.handleConnected(msg)
	}
}

// transition drives the state change: exit actions for the old state, then
// enter actions for the new one. lastState always holds the previous stable
// state by the time enter actions run.
func (m *Machine) transition(next leaudio.ConnState) {
	prev := m.State()
	m.exitState(prev)
	m.lastState = prev
	m.state.Store(int32(next))
	m.enterState(next)
}

func (m *Machine) exitState(s leaudio.ConnState) {
	switch s {
	case leaudio.StateConnecting, leaudio.StateDisconnecting:
		m.cancelTimer()
	case leaudio.StateConnected:
		m.cancelTxnTimer()
	}
}

func (m *Machine) enterState(s leaudio.ConnState) {
	switch s {
	case leaudio.StateDisconnected:
		// A disconnect intent queued in a previous cycle is meaningless now.
		m.purgeDeferred(func(msg message) bool {
			_, ok := msg.(disconnectMsg)
			return ok
		})
		m.notifyState()
		m.proto.Disconnected()
		m.replayDeferred()

	case leaudio.StateConnecting:
		m.armTimer(m.cfg.ConnectTimeout)
		m.notifyState()

	case leaudio.StateDisconnecting:
		m.armTimer(m.cfg.ConnectTimeout)
		m.notifyState()

	case leaudio.StateConnected:
		// A connect intent queued while connecting is moot now.
		m.purgeDeferred(func(msg message) bool {
			_, ok := msg.(connectMsg)
			return ok
		})
		m.notifyState()
		m.proto.Connected()
		m.replayDeferred()
	}
}

// notifyState publishes the from->to transition, suppressing no-op
// broadcasts such as Connected->Connected.
func (m *Machine) notifyState() {
	prev, cur := m.lastState, m.State()
	if prev == cur {
		return
	}
	m.log.Infof("connection state %s -> %s", prev, cur)
	m.fanout.Publish(TopicConnectionState, ConnectionStateChanged{Peer: m.peer, Prev: prev, New: cur})
	if m.onStateChange != nil {
		m.onStateChange(m, prev, cur)
	}
}

func (m *Machine) armTimer(d time.Duration) {
	m.cancelTimer()
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.post(timeoutMsg{gen: gen})
	})
}

func (m *Machine) cancelTimer() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ArmTransactionTimer schedules the control-point transaction timeout.
// Protocol use only; call only from the machine's task queue.
func (m *Machine) ArmTransactionTimer() {
	m.cancelTxnTimer()
	gen := m.txnGen
	m.txnTimer = time.AfterFunc(m.cfg.TransactionTimeout, func() {
		m.post(txnTimeoutMsg{gen: gen})
	})
}

// CancelTransactionTimer stops a pending transaction timeout.
func (m *Machine) CancelTransactionTimer() {
	m.cancelTxnTimer()
}

func (m *Machine) cancelTxnTimer() {
	m.txnGen++
	if m.txnTimer != nil {
		m.txnTimer.Stop()
		m.txnTimer = nil
	}
}

// okToConnect is the admission policy: the peer must be bonded, its
// connection policy must not be forbidden, and quiet mode must be off.
// Re-run on every inbound transition, not just local connects.
func (m *Machine) okToConnect() bool {
	if m.cfg.QuietMode() {
		m.log.Warn("connect refused: quiet mode")
		return false
	}
	if bs := m.cfg.bondState(m.peer); bs != leaudio.BondBonded {
		m.log.Warnf("connect refused: bond state %v", bs)
		return false
	}
	if m.cfg.connectionPolicy(m.peer) == leaudio.PolicyForbidden {
		m.log.Warn("connect refused: policy forbidden")
		return false
	}
	return true
}

// rejectInbound tells the transport to drop an inbound connection the
// admission policy refused.
func (m *Machine) rejectInbound() {
	if err := m.tr.Close(m.peer); err != nil {
		m.log.Errorf("transport close after admission reject: %v", err)
	}
}

func (m *Machine) handleDisconnected(msg message) {
	switch msg := msg.(type) {
	case connectMsg:
		if err := m.tr.Open(m.peer); err != nil {
			m.log.Errorf("transport open failed: %v", err)
			m.fanout.Publish(TopicConnectFailed, ConnectFailed{Peer: m.peer, Status: leaudio.StatusErrUnknown})
			return
		}
		if !m.okToConnect() {
			m.rejectInbound()
			m.fanout.Publish(TopicConnectFailed, ConnectFailed{Peer: m.peer, Status: leaudio.StatusErrUnknown})
			return
		}
		m.transition(leaudio.StateConnecting)

	case disconnectMsg:
		// already disconnected

	case stackConnMsg:
		switch msg.state {
		case leaudio.StateConnecting:
			if m.okToConnect() {
				m.transition(leaudio.StateConnecting)
			} else {
				m.rejectInbound()
			}
		case leaudio.StateConnected:
			if m.okToConnect() {
				m.transition(leaudio.StateConnected)
			} else {
				m.rejectInbound()
			}
		default:
			// remote teardown of a link we no longer track
		}

	case opMsg:
		msg.op.Fail(leaudio.StatusErrUnknown)

	default:
		m.log.Debugf("ignoring %s in disconnected", describe(msg))
	}
}

func (m *Machine) handleConnecting(msg message) {
	switch msg := msg.(type) {
	case connectMsg:
		m.deferMsg(msg)

	case disconnectMsg:
		// Cancel the attempt; no disconnecting detour. In-flight transport
		// callbacks for the abandoned attempt are handled by the
		// disconnected state's event table.
		if err := m.tr.Close(m.peer); err != nil {
			m.log.Errorf("transport close while connecting: %v", err)
		}
		m.transition(leaudio.StateDisconnected)

	case stackConnMsg:
		switch msg.state {
		case leaudio.StateConnected:
			m.transition(leaudio.StateConnected)
		case leaudio.StateDisconnected:
			m.transition(leaudio.StateDisconnected)
		case leaudio.StateDisconnecting:
			m.transition(leaudio.StateDisconnecting)
		default:
			// progress report, stay
		}

	case timeoutMsg:
		m.log.Warn("connect attempt timed out")
		if err := m.tr.Close(m.peer); err != nil {
			m.log.Errorf("transport close on connect timeout: %v", err)
		}
		m.inject(stackConnMsg{state: leaudio.StateDisconnected})

	case opMsg:
		m.deferMsg(msg)

	default:
		m.log.Debugf("ignoring %s in connecting", describe(msg))
	}
}

func (m *Machine) handleDisconnecting(msg message) {
	switch msg := msg.(type) {
	case connectMsg:
		// handled after the disconnect completes, supporting rapid reconnect
		m.deferMsg(msg)

	case disconnectMsg:
		// idempotent, already on the way down
		m.deferMsg(msg)

	case stackConnMsg:
		switch msg.state {
		case leaudio.StateDisconnected:
			m.transition(leaudio.StateDisconnected)
		case leaudio.StateConnected:
			// the disconnect was superseded remotely
			if m.okToConnect() {
				m.transition(leaudio.StateConnected)
			} else {
				m.rejectInbound()
			}
		case leaudio.StateConnecting:
			if m.okToConnect() {
				m.transition(leaudio.StateConnecting)
			} else {
				m.rejectInbound()
			}
		default:
			// still disconnecting
		}

	case timeoutMsg:
		m.log.Warn("disconnect timed out")
		if err := m.tr.Close(m.peer); err != nil {
			m.log.Errorf("transport close on disconnect timeout: %v", err)
		}
		m.inject(stackConnMsg{state: leaudio.StateDisconnected})

	case opMsg:
		m.deferMsg(msg)

	default:
		m.log.Debugf("ignoring %s in disconnecting", describe(msg))
	}
}

func (m *Machine) handleConnected(msg message) {
	switch msg := msg.(type) {
	case connectMsg:
		// already connected

	case disconnectMsg:
		if err := m.tr.Close(m.peer); err != nil {
			// transport refused the close; assume the link is already down
			m.log.Errorf("transport close failed, assuming link down: %v", err)
			m.transition(leaudio.StateDisconnected)
			return
		}
		m.transition(leaudio.StateDisconnecting)

	case stackConnMsg:
		switch msg.state {
		case leaudio.StateDisconnected:
			m.transition(leaudio.StateDisconnected)
		case leaudio.StateDisconnecting:
			m.transition(leaudio.StateDisconnecting)
		default:
			m.log.Debugf("ignoring stack %s while connected", msg.state)
		}

	case opMsg:
		if m.proto.Busy() {
			m.deferMsg(msg)
			return
		}
		m.proto.Operation(msg.op)

	case stackTxnMsg:
		m.cancelTxnTimer()
		m.proto.TransactionCompleted(msg.status)
		if !m.proto.Busy() {
			m.replayDeferred()
		}

	case txnTimeoutMsg:
		m.proto.TransactionTimeout()
		if !m.proto.Busy() {
			m.replayDeferred()
		}

	case stackCharMsg:
		m.proto.Characteristic(msg.characteristic, msg.value)

	default:
		m.log.Debugf("ignoring %s in connected", describe(msg))
	}
}
