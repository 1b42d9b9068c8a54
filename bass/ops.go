package bass

import (
	"github.com/coordset/leaudio"
)

type opKind int

const (
	opAddSource opKind = iota
	opModifySource
	opRemoveSource
	opSwitchSource
	opSetBroadcastCode
	opStartScanOffload
	opStopScanOffload
	opReadStates
)

func (k opKind) String() string {
	switch k {
	case opAddSource:
		return "add source"
	case opModifySource:
		return "modify source"
	case opRemoveSource:
		return "remove source"
	case opSwitchSource:
		return "switch source"
	case opSetBroadcastCode:
		return "set broadcast code"
	case opStartScanOffload:
		return "start scan offload"
	case opStopScanOffload:
		return "stop scan offload"
	case opReadStates:
		return "read receive states"
	default:
		return "unknown"
	}
}

// operation is the assistant's profile.Operation. At most one is in flight
// per peer; the machine defers the rest in FIFO order.
type operation struct {
	kind        opKind
	sourceID    int
	broadcastID int
	meta        *SourceMetadata
	code        []byte
	done        ResultFunc

	// paOff marks the synthetic modify that stops PA sync ahead of a
	// parked remove; its outcome decides that remove's fate.
	paOff bool
}

func (o *operation) Name() string { return o.kind.String() }

func (o *operation) Fail(status leaudio.Status) { o.finish(status) }

// finish delivers the terminal status at most once.
func (o *operation) finish(status leaudio.Status) {
	if o.done == nil {
		return
	}
	cb := o.done
	o.done = nil
	cb(status)
}

// encodeOp produces the control-point command for an operation. The exact
// byte layout is transport territory; the state machine only relies on the
// opcode identity and the single-flight discipline around the write.
func encodeOp(o *operation) (byte, []byte) {
	switch o.kind {
	case opAddSource:
		payload := []byte{byte(o.broadcastID >> 16), byte(o.broadcastID >> 8), byte(o.broadcastID)}
		if o.meta != nil {
			payload = append(payload, o.meta.AdvSID)
		}
		return OpcodeAddSource, payload
	case opModifySource:
		return OpcodeModifySource, []byte{byte(o.sourceID)}
	case opRemoveSource, opSwitchSource:
		return OpcodeRemoveSource, []byte{byte(o.sourceID)}
	case opSetBroadcastCode:
		return OpcodeSetBroadcastCode, append([]byte{byte(o.sourceID)}, o.code...)
	case opStartScanOffload:
		return OpcodeRemoteScanStarted, nil
	case opStopScanOffload:
		return OpcodeRemoteScanStopped, nil
	default:
		return 0xff, nil
	}
}

// paOffPayload asks the peer to drop PA sync for a source, the precursor to
// removing a source that is still synchronized.
func paOffPayload(sourceID int) []byte {
	return []byte{byte(sourceID), byte(PaNotSynced)}
}
