package bass

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/coordset/leaudio"
	"github.com/coordset/leaudio/profile"
)

// proto is the per-peer BASS protocol layered on the connection machine.
// Everything here runs on the machine's task queue; the xsync maps exist so
// the assistant can answer source queries without stopping the queue.
type proto struct {
	m    *profile.Machine
	tr   leaudio.Transport
	peer leaudio.Addr
	log  leaudio.Logger

	// pending is the single outstanding control-point transaction. pending
	// and pendingMeta are always cleared together.
	pending     *operation
	pendingMeta *SourceMetadata

	sources *xsync.MapOf[int, *ReceiveState]
	stats   *xsync.MapOf[int, *syncStats]

	// pendingRemove holds remove/switch requests for sources that were
	// still PA-synced when asked; the actual remove goes out on sync loss.
	pendingRemove map[int]*operation

	// pendingSwitch maps a slot being vacated to the replacement source.
	pendingSwitch map[int]*SourceMetadata

	codes       map[int][]byte // broadcastID -> broadcast code
	codeQueued  map[int]bool   // sourceID already has a code-set scheduled
	pendingCode []int          // sourceIDs waiting behind the in-flight code-set
	codePending bool
}

func newProto(m *profile.Machine, tr leaudio.Transport) *proto {
	return &proto{
		m:             m,
		tr:            tr,
		peer:          m.Peer(),
		log:           m.Logger(),
		sources:       xsync.NewMapOf[int, *ReceiveState](),
		stats:         xsync.NewMapOf[int, *syncStats](),
		pendingRemove: make(map[int]*operation),
		pendingSwitch: make(map[int]*SourceMetadata),
		codes:         make(map[int][]byte),
		codeQueued:    make(map[int]bool),
	}
}

func (p *proto) Busy() bool { return p.pending != nil }

func (p *proto) Connected() {
	// refresh the remote receive states before serving operations
	p.m.EnqueueOperation(&operation{kind: opReadStates})
}

func (p *proto) Disconnected() {
	if op := p.pending; op != nil {
		p.pending, p.pendingMeta = nil, nil
		op.finish(leaudio.StatusErrUnknown)
	}
	for id, op := range p.pendingRemove {
		delete(p.pendingRemove, id)
		op.finish(leaudio.StatusErrUnknown)
	}

	p.flushAllStats("peer disconnected")
	p.sources.Clear()
	p.pendingSwitch = make(map[int]*SourceMetadata)
	p.codes = make(map[int][]byte)
	p.codeQueued = make(map[int]bool)
	p.pendingCode = nil
	p.codePending = false
}

func (p *proto) Operation(o profile.Operation) {
	bop, ok := o.(*operation)
	if !ok {
		o.Fail(leaudio.StatusErrUnknown)
		return
	}

	if checker, ok := p.tr.(leaudio.ControlPointChecker); ok && !checker.HasControlPoint(p.peer) {
		p.log.Errorf("%s rejected: control point unavailable", bop.Name())
		bop.finish(leaudio.StatusErrUnknown)
		return
	}

	switch bop.kind {
	case opReadStates:
		if err := p.tr.Read(p.peer, CharReceiveState); err != nil {
			p.log.Errorf("receive state read failed: %v", err)
			bop.finish(leaudio.StatusErrUnknown)
			return
		}
		p.begin(bop, nil)

	case opAddSource:
		if bop.meta == nil {
			bop.finish(leaudio.StatusErrUnknown)
			return
		}
		opcode, payload := encodeOp(bop)
		if err := p.tr.Write(p.peer, opcode, payload); err != nil {
			p.log.Errorf("add source write failed: %v", err)
			bop.finish(leaudio.StatusErrUnknown)
			return
		}
		if len(bop.meta.BroadcastCode) > 0 {
			p.codes[bop.meta.BroadcastID] = bop.meta.BroadcastCode
		}
		p.stats.Store(bop.meta.BroadcastID, newSyncStats())
		p.begin(bop, bop.meta)

	case opSwitchSource:
		if _, ok := p.sources.Load(bop.sourceID); !ok {
			bop.finish(leaudio.StatusErrUnknown)
			return
		}
		p.pendingSwitch[bop.sourceID] = bop.meta
		p.removeOrDefer(bop)

	case opRemoveSource:
		p.removeOrDefer(bop)

	default:
		opcode, payload := encodeOp(bop)
		if err := p.tr.Write(p.peer, opcode, payload); err != nil {
			p.log.Errorf("%s write failed: %v", bop.Name(), err)
			if bop.kind == opSetBroadcastCode {
				p.codePending = false
				delete(p.codeQueued, bop.sourceID)
			}
			bop.finish(leaudio.StatusErrUnknown)
			return
		}
		p.begin(bop, nil)
	}
}

// begin records the in-flight transaction and arms its timeout.
func (p *proto) begin(bop *operation, meta *SourceMetadata) {
	p.pending = bop
	p.pendingMeta = meta
	p.m.ArmTransactionTimer()
}

// removeOrDefer never removes a source that is still PA-synced: it first
// asks the peer to drop sync and parks the remove until sync loss shows up
// in the receive state.
func (p *proto) removeOrDefer(bop *operation) {
	if st, ok := p.sources.Load(bop.sourceID); ok && st.PaSync == PaSynced {
		p.pendingRemove[bop.sourceID] = bop
		if err := p.tr.Write(p.peer, OpcodeModifySource, paOffPayload(bop.sourceID)); err != nil {
			p.log.Errorf("pa sync stop write failed: %v", err)
			delete(p.pendingRemove, bop.sourceID)
			delete(p.pendingSwitch, bop.sourceID)
			bop.finish(leaudio.StatusErrUnknown)
			return
		}
		p.begin(&operation{kind: opModifySource, sourceID: bop.sourceID, paOff: true}, nil)
		return
	}

	opcode, payload := encodeOp(bop)
	if err := p.tr.Write(p.peer, opcode, payload); err != nil {
		p.log.Errorf("%s write failed: %v", bop.Name(), err)
		delete(p.pendingSwitch, bop.sourceID)
		bop.finish(leaudio.StatusErrUnknown)
		return
	}
	p.begin(bop, nil)
}

func (p *proto) TransactionCompleted(status leaudio.Status) {
	op, meta := p.pending, p.pendingMeta
	p.pending, p.pendingMeta = nil, nil
	if op == nil {
		p.log.Debug("transaction completed with nothing pending")
		return
	}

	if status != leaudio.StatusOK {
		p.log.Warnf("%s failed: %s", op.Name(), status)
		if op.kind == opAddSource && meta != nil {
			p.flushStats(meta.BroadcastID, "transaction failed")
		}
		if op.paOff {
			p.failParkedRemove(op.sourceID, status)
		}
	}

	op.finish(status)

	if op.kind == opSetBroadcastCode {
		p.codePending = false
		delete(p.codeQueued, op.sourceID)
		p.deliverNextCode()
	}
}

func (p *proto) TransactionTimeout() {
	// pending operation and metadata are cleared together so neither can
	// leak onto the next operation
	op, meta := p.pending, p.pendingMeta
	p.pending, p.pendingMeta = nil, nil
	if op == nil {
		return
	}

	p.log.Warnf("%s timed out", op.Name())
	if op.kind == opAddSource && meta != nil {
		p.flushStats(meta.BroadcastID, "transaction timeout")
	}
	if op.paOff {
		p.failParkedRemove(op.sourceID, leaudio.StatusErrUnknown)
	}
	if op.kind == opSetBroadcastCode {
		p.codePending = false
		delete(p.codeQueued, op.sourceID)
		p.deliverNextCode()
	}

	op.finish(leaudio.StatusErrUnknown)
}

// failParkedRemove resolves a remove/switch parked behind a pa-sync-off
// request that did not go through. The requester gets the failure; a queued
// switch replacement is dropped with it.
func (p *proto) failParkedRemove(sourceID int, status leaudio.Status) {
	parked, ok := p.pendingRemove[sourceID]
	if !ok {
		return
	}
	delete(p.pendingRemove, sourceID)
	delete(p.pendingSwitch, sourceID)
	p.log.Warnf("pa sync stop for source %d failed, failing parked %s", sourceID, parked.Name())
	parked.finish(status)
}

func (p *proto) Characteristic(characteristic uint16, value interface{}) {
	if characteristic != CharReceiveState {
		p.log.Debugf("notification for characteristic %04x ignored", characteristic)
		return
	}
	upd, ok := value.(*ReceiveStateUpdate)
	if !ok {
		p.log.Errorf("undecodable receive state notification %T", value)
		return
	}
	p.applyReceiveState(upd)
}

func (p *proto) applyReceiveState(upd *ReceiveStateUpdate) {
	old, had := p.sources.Load(upd.SourceID)

	if upd.State == nil {
		// slot emptied
		if !had {
			return
		}
		p.sources.Delete(upd.SourceID)
		p.flushStats(old.BroadcastID, "source removed")

		if op, ok := p.pendingRemove[upd.SourceID]; ok {
			// removed remotely before our deferred remove went out
			delete(p.pendingRemove, upd.SourceID)
			op.finish(leaudio.StatusOK)
		}

		if meta := p.pendingSwitch[upd.SourceID]; meta != nil {
			delete(p.pendingSwitch, upd.SourceID)
			p.log.Infof("source %d gone, issuing queued switch to broadcast %d", upd.SourceID, meta.BroadcastID)
			p.m.EnqueueOperation(&operation{kind: opAddSource, broadcastID: meta.BroadcastID, meta: meta})
			p.publishSource(upd.SourceID, profile.SourceRemoved, leaudio.ReasonLocalApp)
			return
		}

		p.publishSource(upd.SourceID, profile.SourceRemoved, leaudio.ReasonRemote)
		return
	}

	st := upd.State
	p.sources.Store(upd.SourceID, st)
	p.recordSync(st)

	if !had {
		p.publishSource(upd.SourceID, profile.SourceAdded, leaudio.ReasonRemote)
		p.maybeScheduleCode(st)
		return
	}

	p.publishSource(upd.SourceID, profile.SourceModified, leaudio.ReasonRemote)
	p.maybeScheduleCode(st)

	if op, ok := p.pendingRemove[upd.SourceID]; ok && st.PaSync != PaSynced {
		// sync lost; the deferred remove can go out now
		delete(p.pendingRemove, upd.SourceID)
		p.m.EnqueueOperation(op)
	}
}

// maybeScheduleCode delivers the broadcast code once the peer reports it
// needs one. A code-set already in flight defers the next one; racing two
// code-set operations confuses sinks.
func (p *proto) maybeScheduleCode(st *ReceiveState) {
	if st.Encrypt != EncryptCodeRequired {
		return
	}
	code := p.codes[st.BroadcastID]
	if len(code) == 0 {
		p.log.Warnf("peer requires code for broadcast %d but none is known", st.BroadcastID)
		return
	}
	if p.codeQueued[st.SourceID] {
		return
	}
	p.codeQueued[st.SourceID] = true

	if p.codePending {
		p.pendingCode = append(p.pendingCode, st.SourceID)
		return
	}
	p.sendCode(st.SourceID, code)
}

func (p *proto) sendCode(sourceID int, code []byte) {
	p.codePending = true
	p.m.EnqueueOperation(&operation{kind: opSetBroadcastCode, sourceID: sourceID, code: code})
}

func (p *proto) deliverNextCode() {
	for len(p.pendingCode) > 0 {
		id := p.pendingCode[0]
		p.pendingCode = p.pendingCode[1:]

		st, ok := p.sources.Load(id)
		if !ok {
			delete(p.codeQueued, id)
			continue
		}
		code := p.codes[st.BroadcastID]
		if len(code) == 0 {
			delete(p.codeQueued, id)
			continue
		}
		p.sendCode(id, code)
		return
	}
}

func (p *proto) publishSource(sourceID int, change profile.SourceChange, reason leaudio.Reason) {
	p.m.Fanout().Publish(profile.TopicSource, profile.SourceChanged{
		Peer:     p.peer,
		SourceID: sourceID,
		Change:   change,
		Reason:   reason,
	})
}
