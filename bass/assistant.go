package bass

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/coordset/leaudio"
	"github.com/coordset/leaudio/profile"
)

// ErrNoMetadata is returned for add/switch requests missing source metadata.
var ErrNoMetadata = errors.New("no source metadata")

// Assistant is the broadcast-audio-scan assistant service. It owns one
// connection machine per peer and exposes the broadcast-source management
// surface; every operation is serialized through the owning peer's single
// control-point transaction slot.
type Assistant struct {
	cfg    *profile.Config
	log    leaudio.Logger
	tr     leaudio.Transport
	reg    *profile.Registry
	fanout *profile.Fanout

	protos *xsync.MapOf[string, *proto]
}

// New builds the assistant over the given transport.
func New(tr leaudio.Transport, opts ...leaudio.Option) (*Assistant, error) {
	cfg, err := profile.NewConfig(leaudio.ProfileBassClient, opts...)
	if err != nil {
		return nil, err
	}

	a := &Assistant{
		cfg:    cfg,
		log:    cfg.Logger.ChildLogger(map[string]interface{}{"service": "bass"}),
		tr:     tr,
		fanout: profile.NewFanout(),
		protos: xsync.NewMapOf[string, *proto](),
	}

	a.reg = profile.NewRegistry(tr, a.fanout, cfg, func(m *profile.Machine) profile.Protocol {
		p := newProto(m, tr)
		a.protos.Store(m.Peer().String(), p)
		return p
	})

	return a, nil
}

// Fanout exposes the event stream for application subscribers.
func (a *Assistant) Fanout() *profile.Fanout { return a.fanout }

// Connect accepts a connect request for the peer.
func (a *Assistant) Connect(p leaudio.Addr) error { return a.reg.Connect(p) }

// Disconnect accepts a disconnect request for the peer.
func (a *Assistant) Disconnect(p leaudio.Addr) error { return a.reg.Disconnect(p) }

// ConnectionState reports the peer's current profile state.
func (a *Assistant) ConnectionState(p leaudio.Addr) leaudio.ConnState {
	return a.reg.ConnectionState(p)
}

// ConnectedPeers snapshots the connected peers.
func (a *Assistant) ConnectedPeers() []leaudio.Addr { return a.reg.ConnectedPeers() }

// SetQuietMode toggles connect suppression.
func (a *Assistant) SetQuietMode(quiet bool) { a.reg.SetQuietMode(quiet) }

// Dispatch routes an inbound stack event to the owning machine.
func (a *Assistant) Dispatch(ev profile.StackEvent) { a.reg.Dispatch(ev) }

// BondStateChanged forwards bond bookkeeping to the registry and drops the
// per-peer protocol entry once the bond is gone.
func (a *Assistant) BondStateChanged(p leaudio.Addr, state leaudio.BondState) {
	a.reg.BondStateChanged(p, state)
	if state == leaudio.BondNone {
		a.protos.Delete(p.String())
	}
}

// AddSource directs the peer to synchronize to a broadcast source.
func (a *Assistant) AddSource(p leaudio.Addr, meta *SourceMetadata, done ResultFunc) error {
	if meta == nil {
		return ErrNoMetadata
	}
	return a.reg.Post(p, &operation{kind: opAddSource, broadcastID: meta.BroadcastID, meta: meta, done: done})
}

// ModifySource updates the synchronization parameters of a tracked source.
func (a *Assistant) ModifySource(p leaudio.Addr, sourceID int, meta *SourceMetadata, done ResultFunc) error {
	return a.reg.Post(p, &operation{kind: opModifySource, sourceID: sourceID, meta: meta, done: done})
}

// RemoveSource asks the peer to forget a tracked source. A source still
// PA-synced is first desynchronized; the remove goes out on sync loss.
func (a *Assistant) RemoveSource(p leaudio.Addr, sourceID int, done ResultFunc) error {
	return a.reg.Post(p, &operation{kind: opRemoveSource, sourceID: sourceID, done: done})
}

// SwitchSource replaces a tracked source with a new one: the old slot is
// removed and the queued add for the replacement goes out as soon as the
// slot is free.
func (a *Assistant) SwitchSource(p leaudio.Addr, sourceID int, meta *SourceMetadata, done ResultFunc) error {
	if meta == nil {
		return ErrNoMetadata
	}
	return a.reg.Post(p, &operation{kind: opSwitchSource, sourceID: sourceID, broadcastID: meta.BroadcastID, meta: meta, done: done})
}

// SetBroadcastCode delivers the encryption code for a tracked source.
func (a *Assistant) SetBroadcastCode(p leaudio.Addr, sourceID int, code []byte, done ResultFunc) error {
	return a.reg.Post(p, &operation{kind: opSetBroadcastCode, sourceID: sourceID, code: code, done: done})
}

// StartScanOffload informs the peer that the assistant is scanning on its
// behalf.
func (a *Assistant) StartScanOffload(p leaudio.Addr, done ResultFunc) error {
	return a.reg.Post(p, &operation{kind: opStartScanOffload, done: done})
}

// StopScanOffload informs the peer that offloaded scanning stopped.
func (a *Assistant) StopScanOffload(p leaudio.Addr, done ResultFunc) error {
	return a.reg.Post(p, &operation{kind: opStopScanOffload, done: done})
}

// ReadRemoteState re-reads the peer's receive-state characteristics. Like
// any other operation it waits its turn behind the in-flight transaction.
func (a *Assistant) ReadRemoteState(p leaudio.Addr, done ResultFunc) error {
	return a.reg.Post(p, &operation{kind: opReadStates, done: done})
}

// Sources snapshots the broadcast sources currently tracked for the peer,
// ordered by source id.
func (a *Assistant) Sources(p leaudio.Addr) []ReceiveState {
	pr, ok := a.protos.Load(p.String())
	if !ok {
		return nil
	}

	var out []ReceiveState
	pr.sources.Range(func(_ int, st *ReceiveState) bool {
		out = append(out, *st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Stop tears the service down.
func (a *Assistant) Stop() {
	a.reg.Stop()
	a.protos.Clear()
	a.fanout.Close()
}
