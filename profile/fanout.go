package profile

import (
	"github.com/cskr/pubsub/v2"

	"github.com/coordset/leaudio"
)

// Fanout topics. Subscribers pick the topics they care about; events for a
// topic are delivered to every live subscription of that topic.
const (
	TopicConnectionState uint = iota + 1
	TopicConnectFailed
	TopicSource
	TopicLock
	TopicMember
)

// Event is the union of everything published through a Fanout.
type Event interface {
	isEvent()
}

// ConnectionStateChanged reports a peer's profile connection transition.
// Prev is the last stable state; Prev == New is never published.
type ConnectionStateChanged struct {
	Peer leaudio.Addr
	Prev leaudio.ConnState
	New  leaudio.ConnState
}

// ConnectFailed reports a locally-initiated connect attempt that could not
// proceed (transport refused or admission policy rejected it). No state
// transition accompanies it.
type ConnectFailed struct {
	Peer   leaudio.Addr
	Status leaudio.Status
}

// SourceChange distinguishes broadcast-source receive-state transitions.
type SourceChange int

const (
	SourceAdded SourceChange = iota
	SourceModified
	SourceRemoved
)

// SourceChanged reports a broadcast-source transition on a peer.
type SourceChanged struct {
	Peer     leaudio.Addr
	SourceID int
	Change   SourceChange
	Reason   leaudio.Reason
}

// LockResult reports the outcome of a group lock or unlock request.
type LockResult struct {
	GroupID int
	Status  leaudio.Status
	Locked  bool
}

// MemberAvailable reports that a peer has been identified as a member of a
// coordinated set.
type MemberAvailable struct {
	Peer    leaudio.Addr
	GroupID int
}

func (ConnectionStateChanged) isEvent() {}
func (ConnectFailed) isEvent()          {}
func (SourceChanged) isEvent()          {}
func (LockResult) isEvent()             {}
func (MemberAvailable) isEvent()        {}

const fanoutCapacity = 16

// Fanout delivers profile events to registered application listeners.
// Publishing never blocks; a subscriber that stops draining its channel
// misses events rather than stalling the machines.
type Fanout struct {
	ps *pubsub.PubSub[uint, Event]
}

// Subscription is a live event subscription. Cancel releases it; a canceled
// subscription's channel is closed, so a subscriber that disappears gets
// exactly the same cleanup as one that unsubscribes explicitly.
type Subscription struct {
	C      chan Event
	f      *Fanout
	topics []uint
}

func NewFanout() *Fanout {
	return &Fanout{ps: pubsub.New[uint, Event](fanoutCapacity)}
}

// Subscribe registers for the given topics.
func (f *Fanout) Subscribe(topics ...uint) Subscription {
	return Subscription{
		C:      f.ps.Sub(topics...),
		f:      f,
		topics: topics,
	}
}

// Publish delivers an event to current subscribers of the topic.
func (f *Fanout) Publish(topic uint, ev Event) {
	f.ps.TryPub(ev, topic)
}

// Close shuts the fanout down and closes all subscriber channels.
func (f *Fanout) Close() {
	f.ps.Shutdown()
}

// Cancel tears the subscription down.
func (s Subscription) Cancel() {
	if s.f == nil {
		return
	}
	go s.f.ps.Unsub(s.C, s.topics...)
}
