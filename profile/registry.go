package profile

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/coordset/leaudio"
)

var (
	// ErrStopped is returned once the registry has been shut down.
	ErrStopped = errors.New("registry stopped")

	// ErrInvalidPeer is returned for requests naming no usable peer.
	ErrInvalidPeer = errors.New("invalid peer address")

	// ErrPolicyForbidden is returned when the stored connection policy
	// forbids connecting the peer.
	ErrPolicyForbidden = errors.New("connection policy forbidden")

	// ErrUnknownPeer is returned for requests requiring an existing machine.
	ErrUnknownPeer = errors.New("no connection for peer")
)

// Registry owns the peer -> machine map for one profile. It serializes
// machine creation and teardown, routes stack events and application
// requests to the right machine, and is the only structure shared across
// machines; everything else lives on a single machine's task queue.
type Registry struct {
	cfg    *Config
	log    leaudio.Logger
	tr     leaudio.Transport
	fanout *Fanout

	protoFactory func(*Machine) Protocol

	// StateListener, when set before any machine exists, observes every
	// machine transition. It runs on machine goroutines and must not block.
	StateListener func(p leaudio.Addr, prev, next leaudio.ConnState)

	mu       sync.Mutex
	machines map[string]*Machine

	stopped atomic.Bool
}

// NewRegistry builds a registry over the given transport. protoFactory may
// be nil for profiles with no sub-protocol.
func NewRegistry(tr leaudio.Transport, fanout *Fanout, cfg *Config, protoFactory func(*Machine) Protocol) *Registry {
	return &Registry{
		cfg:          cfg,
		log:          cfg.Logger.ChildLogger(map[string]interface{}{"profile": cfg.Profile.String()}),
		tr:           tr,
		fanout:       fanout,
		protoFactory: protoFactory,
		machines:     make(map[string]*Machine),
	}
}

// Connect accepts a local connect request for processing. A nil return
// means the request was queued, not that the connection succeeded.
func (r *Registry) Connect(p leaudio.Addr) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	if p == nil || p.String() == "" {
		return ErrInvalidPeer
	}
	if r.cfg.connectionPolicy(p) == leaudio.PolicyForbidden {
		return ErrPolicyForbidden
	}

	m := r.getOrCreate(p)
	if !m.post(connectMsg{}) {
		return ErrStopped
	}
	return nil
}

// Disconnect accepts a local disconnect request for processing.
func (r *Registry) Disconnect(p leaudio.Addr) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	if p == nil || p.String() == "" {
		return ErrInvalidPeer
	}

	m := r.getOrCreate(p)
	if !m.post(disconnectMsg{}) {
		return ErrStopped
	}
	return nil
}

// Post routes a profile operation to the peer's machine. Requests for peers
// with no machine fail immediately; operations never create machines.
func (r *Registry) Post(p leaudio.Addr, op Operation) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	m := r.lookup(p)
	if m == nil {
		return ErrUnknownPeer
	}
	if !m.post(opMsg{op: op}) {
		return ErrStopped
	}
	return nil
}

// Dispatch routes an inbound stack event. Connection-state events may
// create a machine, but only for an inbound connecting/connected
// indication; a disconnect for an unknown peer is dropped with a log line,
// since there is no requester to notify.
func (r *Registry) Dispatch(ev StackEvent) {
	if r.stopped.Load() || ev == nil {
		return
	}

	switch ev := ev.(type) {
	case ConnectionStateEvent:
		m := r.lookup(ev.Addr)
		if m == nil {
			if ev.State != leaudio.StateConnecting && ev.State != leaudio.StateConnected {
				r.log.Errorf("dropping %s event for unknown peer %s", ev.State, ev.Addr)
				return
			}
			m = r.getOrCreate(ev.Addr)
		}
		m.post(stackConnMsg{state: ev.State})

	case TransactionCompletedEvent:
		m := r.lookup(ev.Addr)
		if m == nil {
			r.log.Errorf("dropping transaction event for unknown peer %s", ev.Addr)
			return
		}
		m.post(stackTxnMsg{status: ev.Status})

	case CharacteristicEvent:
		m := r.lookup(ev.Addr)
		if m == nil {
			r.log.Errorf("dropping characteristic event for unknown peer %s", ev.Addr)
			return
		}
		m.post(stackCharMsg{characteristic: ev.Characteristic, value: ev.Value})

	default:
		r.log.Errorf("dropping unknown stack event %T", ev)
	}
}

// BondStateChanged handles bond bookkeeping. Losing the bond tears the
// machine down: disconnect first if the peer isn't already disconnected,
// and remove the machine only once it reaches Disconnected.
func (r *Registry) BondStateChanged(p leaudio.Addr, state leaudio.BondState) {
	if r.stopped.Load() || state != leaudio.BondNone {
		return
	}

	m := r.lookup(p)
	if m == nil {
		return
	}
	if m.State() == leaudio.StateDisconnected {
		r.Remove(p)
		return
	}
	m.removeOnDisconnect.Store(true)
	m.post(disconnectMsg{})
}

// ConnectionState reports the peer's current state; unknown peers are
// disconnected by definition.
func (r *Registry) ConnectionState(p leaudio.Addr) leaudio.ConnState {
	m := r.lookup(p)
	if m == nil {
		return leaudio.StateDisconnected
	}
	return m.State()
}

// ConnectedPeers snapshots the peers currently in Connected.
func (r *Registry) ConnectedPeers() []leaudio.Addr {
	return r.PeersMatchingStates(leaudio.StateConnected)
}

// PeersMatchingStates snapshots peers in any of the given states. The whole
// iteration holds the peer-map guard.
func (r *Registry) PeersMatchingStates(states ...leaudio.ConnState) []leaudio.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []leaudio.Addr
	for _, m := range r.machines {
		s := m.State()
		for _, want := range states {
			if s == want {
				out = append(out, m.Peer())
				break
			}
		}
	}
	return out
}

// Remove drops the peer's machine and stops it. Safe to call from machine
// goroutines; the stop itself happens off-queue.
func (r *Registry) Remove(p leaudio.Addr) {
	r.mu.Lock()
	m := r.machines[p.String()]
	delete(r.machines, p.String())
	r.mu.Unlock()

	if m != nil {
		go m.stop()
	}
}

// SetQuietMode toggles connect suppression for subsequent admissions.
func (r *Registry) SetQuietMode(quiet bool) {
	r.cfg.quiet.Store(quiet)
}

// Stop quits every machine and clears the map. Idempotent.
func (r *Registry) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	ms := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		ms = append(ms, m)
	}
	r.machines = make(map[string]*Machine)
	r.mu.Unlock()

	for _, m := range ms {
		m.stop()
	}
}

func (r *Registry) lookup(p leaudio.Addr) *Machine {
	if p == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machines[p.String()]
}

// getOrCreate is idempotent: at most one machine per peer identity.
func (r *Registry) getOrCreate(p leaudio.Addr) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.machines[p.String()]; ok {
		return m
	}
	m := newMachine(p, r.tr, r.fanout, r.cfg, r.machineStateChanged, r.protoFactory)
	r.machines[p.String()] = m
	return m
}

// machineStateChanged runs on the machine's queue for every transition.
func (r *Registry) machineStateChanged(m *Machine, prev, next leaudio.ConnState) {
	if r.StateListener != nil {
		r.StateListener(m.Peer(), prev, next)
	}
	if next == leaudio.StateDisconnected && m.removeOnDisconnect.Load() {
		r.Remove(m.Peer())
	}
}
