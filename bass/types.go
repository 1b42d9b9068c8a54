// Package bass implements the Broadcast Audio Scan Service client side
// (the "broadcast assistant"): it drives per-peer connection machines and
// manages the broadcast sources a peer is directed to synchronize to,
// serialized through the peer's single control point.
package bass

import (
	"github.com/coordset/leaudio"
)

// Broadcast Audio Scan Service characteristics.
const (
	CharScanControlPoint uint16 = 0x2BC7
	CharReceiveState     uint16 = 0x2BC8
)

// Control point opcodes [BASS 1.0, 3.1].
const (
	OpcodeRemoteScanStopped byte = 0x00
	OpcodeRemoteScanStarted byte = 0x01
	OpcodeAddSource         byte = 0x02
	OpcodeModifySource      byte = 0x03
	OpcodeSetBroadcastCode  byte = 0x04
	OpcodeRemoveSource      byte = 0x05
)

// PaSyncState is the periodic-advertising sync state a peer reports for a
// broadcast source.
type PaSyncState int

const (
	PaNotSynced PaSyncState = iota
	PaSyncInfoRequest
	PaSynced
	PaSyncFailed
	PaNoPast
)

func (s PaSyncState) String() string {
	switch s {
	case PaNotSynced:
		return "not synced"
	case PaSyncInfoRequest:
		return "syncinfo request"
	case PaSynced:
		return "synced"
	case PaSyncFailed:
		return "sync failed"
	case PaNoPast:
		return "no past"
	default:
		return "unknown"
	}
}

// EncryptState is the peer's view of broadcast stream encryption.
type EncryptState int

const (
	EncryptNone EncryptState = iota
	EncryptCodeRequired
	EncryptDecrypting
	EncryptBadCode
)

// SourceMetadata describes a broadcast source to add to a peer.
type SourceMetadata struct {
	BroadcastID int
	SourceAddr  leaudio.Addr
	AdvSID      uint8
	PaInterval  uint16

	// BisSync is the requested BIS synchronization bitmask.
	BisSync uint32

	// BroadcastCode decrypts an encrypted broadcast; empty for clear ones.
	BroadcastCode []byte
}

// ReceiveState is one decoded Broadcast Receive State slot on a peer,
// identified by the scanner-assigned source id.
type ReceiveState struct {
	SourceID    int
	BroadcastID int
	SourceAddr  leaudio.Addr
	AdvSID      uint8
	PaSync      PaSyncState
	BisSync     uint32
	Encrypt     EncryptState
}

// ReceiveStateUpdate is what the transport glue decodes a receive-state
// notification into. A nil State means the slot was emptied; source ids are
// taken verbatim from the remote, never allocated locally.
type ReceiveStateUpdate struct {
	SourceID int
	State    *ReceiveState
}

// ResultFunc receives the terminal status of an assistant operation. It is
// invoked on the peer's task queue and must not block.
type ResultFunc func(status leaudio.Status)
