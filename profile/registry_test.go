package profile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordset/leaudio"
)

// syncTransport is a goroutine-safe fake for the async registry tests.
type syncTransport struct {
	mu     sync.Mutex
	opens  int
	closes int
}

func (f *syncTransport) Open(leaudio.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *syncTransport) Close(leaudio.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *syncTransport) Write(leaudio.Addr, byte, []byte) error { return nil }
func (f *syncTransport) Read(leaudio.Addr, uint16) error        { return nil }

func (f *syncTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func newTestRegistry(t *testing.T) (*Registry, *syncTransport, *Fanout) {
	t.Helper()

	cfg, err := NewConfig(leaudio.ProfileCSIPSetCoordinator)
	require.NoError(t, err)

	tr := &syncTransport{}
	fanout := NewFanout()
	r := NewRegistry(tr, fanout, cfg, nil)
	t.Cleanup(r.Stop)
	return r, tr, fanout
}

func waitEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitState(t *testing.T, sub Subscription, want leaudio.ConnState) {
	t.Helper()
	for {
		ev := waitEvent(t, sub)
		if sc, ok := ev.(ConnectionStateChanged); ok && sc.New == want {
			return
		}
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistryCreateIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	peer := leaudio.NewAddr("aa:bb:cc:dd:ee:01")

	require.NoError(t, r.Connect(peer))
	require.NoError(t, r.Connect(peer))

	r.mu.Lock()
	n := len(r.machines)
	r.mu.Unlock()
	assert.Equal(t, 1, n, "one machine per peer identity")
}

func TestRegistryRejectsInvalidPeer(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.Equal(t, ErrInvalidPeer, r.Connect(nil))
	assert.Equal(t, ErrInvalidPeer, r.Connect(leaudio.NewAddr("")))
}

func TestRegistryConnectPolicyForbidden(t *testing.T) {
	cfg, err := NewConfig(leaudio.ProfileCSIPSetCoordinator, leaudio.OptPolicyStore(forbidAll{}))
	require.NoError(t, err)
	r := NewRegistry(&syncTransport{}, NewFanout(), cfg, nil)
	t.Cleanup(r.Stop)

	assert.Equal(t, ErrPolicyForbidden, r.Connect(leaudio.NewAddr("aa:bb:cc:dd:ee:02")))
}

func TestDispatchCreatesOnlyForInboundConnect(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	peer := leaudio.NewAddr("aa:bb:cc:dd:ee:03")

	// a disconnect for an unknown peer must not create a machine
	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateDisconnected})
	assert.Nil(t, r.lookup(peer))

	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateConnecting})
	assert.NotNil(t, r.lookup(peer))
}

func TestDispatchDropsOrphanTransactionEvents(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	peer := leaudio.NewAddr("aa:bb:cc:dd:ee:04")

	// log-only drop; nothing to assert beyond "no machine appears"
	r.Dispatch(TransactionCompletedEvent{Addr: peer, Status: leaudio.StatusOK})
	r.Dispatch(CharacteristicEvent{Addr: peer, Characteristic: 0x2BC8})
	assert.Nil(t, r.lookup(peer))
}

func TestInboundConnectLifecycle(t *testing.T) {
	r, _, fanout := newTestRegistry(t)
	peer := leaudio.NewAddr("aa:bb:cc:dd:ee:05")
	sub := fanout.Subscribe(TopicConnectionState)
	defer sub.Cancel()

	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateConnecting})
	waitState(t, sub, leaudio.StateConnecting)

	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateConnected})
	waitState(t, sub, leaudio.StateConnected)

	assert.Equal(t, leaudio.StateConnected, r.ConnectionState(peer))
	require.Len(t, r.ConnectedPeers(), 1)
	assert.Equal(t, peer.String(), r.ConnectedPeers()[0].String())
}

func TestBondLossDisconnectsBeforeRemoval(t *testing.T) {
	r, tr, fanout := newTestRegistry(t)
	peer := leaudio.NewAddr("aa:bb:cc:dd:ee:06")
	sub := fanout.Subscribe(TopicConnectionState)
	defer sub.Cancel()

	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateConnected})
	waitState(t, sub, leaudio.StateConnected)

	r.BondStateChanged(peer, leaudio.BondNone)

	// disconnect first, then removal once disconnected
	waitState(t, sub, leaudio.StateDisconnecting)
	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateDisconnected})
	waitState(t, sub, leaudio.StateDisconnected)

	eventually(t, func() bool { return r.lookup(peer) == nil }, "machine removal")
	assert.Equal(t, 1, tr.closeCount())
}

func TestBondLossWhileDisconnectedRemovesImmediately(t *testing.T) {
	r, _, fanout := newTestRegistry(t)
	peer := leaudio.NewAddr("aa:bb:cc:dd:ee:07")
	sub := fanout.Subscribe(TopicConnectionState)
	defer sub.Cancel()

	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateConnecting})
	waitState(t, sub, leaudio.StateConnecting)
	r.Dispatch(ConnectionStateEvent{Addr: peer, State: leaudio.StateDisconnected})
	waitState(t, sub, leaudio.StateDisconnected)

	r.BondStateChanged(peer, leaudio.BondNone)
	eventually(t, func() bool { return r.lookup(peer) == nil }, "machine removal")
}

func TestStopQuitsEverything(t *testing.T) {
	r, _, fanout := newTestRegistry(t)
	sub := fanout.Subscribe(TopicConnectionState)
	defer sub.Cancel()

	a := leaudio.NewAddr("aa:bb:cc:dd:ee:08")
	b := leaudio.NewAddr("aa:bb:cc:dd:ee:09")
	r.Dispatch(ConnectionStateEvent{Addr: a, State: leaudio.StateConnected})
	r.Dispatch(ConnectionStateEvent{Addr: b, State: leaudio.StateConnected})
	waitState(t, sub, leaudio.StateConnected)

	r.Stop()

	assert.Equal(t, ErrStopped, r.Connect(a))
	assert.Empty(t, r.ConnectedPeers())
}
