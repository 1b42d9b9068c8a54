package profile

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordset/leaudio"
)

type writeRec struct {
	opcode  byte
	payload []byte
}

type fakeTransport struct {
	openErr  error
	closeErr error
	writeErr error

	opens  int
	closes int
	writes []writeRec
	reads  []uint16
}

func (f *fakeTransport) Open(p leaudio.Addr) error { f.opens++; return f.openErr }
func (f *fakeTransport) Close(p leaudio.Addr) error {
	f.closes++
	return f.closeErr
}
func (f *fakeTransport) Write(p leaudio.Addr, opcode byte, payload []byte) error {
	f.writes = append(f.writes, writeRec{opcode: opcode, payload: payload})
	return f.writeErr
}
func (f *fakeTransport) Read(p leaudio.Addr, characteristic uint16) error {
	f.reads = append(f.reads, characteristic)
	return nil
}

type fixture struct {
	m   *Machine
	tr  *fakeTransport
	cfg *Config
	sub Subscription
}

func newFixture(t *testing.T, opts ...leaudio.Option) *fixture {
	t.Helper()

	cfg, err := NewConfig(leaudio.ProfileCSIPSetCoordinator, opts...)
	require.NoError(t, err)

	tr := &fakeTransport{}
	fanout := NewFanout()
	m := buildMachine(leaudio.NewAddr("11:22:33:44:55:66"), tr, fanout, cfg, nil, nil)

	return &fixture{
		m:   m,
		tr:  tr,
		cfg: cfg,
		sub: fanout.Subscribe(TopicConnectionState, TopicConnectFailed),
	}
}

// drive feeds one message and services the replay queue the way the run
// loop would.
func (fx *fixture) drive(msg message) {
	fx.m.handle(msg)
	for len(fx.m.replay) > 0 {
		var next message
		next, fx.m.replay = fx.m.replay[0], fx.m.replay[1:]
		fx.m.handle(next)
	}
}

// nextEvent blocks for the next published event; the fanout delivers on its
// own goroutine, so even events from synchronous drive calls arrive
// asynchronously.
func (fx *fixture) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-fx.sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func (fx *fixture) requireNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-fx.sub.C:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// reach walks the machine into the given state through stack events and
// consumes the transition events that walk publishes.
func (fx *fixture) reach(t *testing.T, s leaudio.ConnState) {
	t.Helper()
	transitions := 1
	switch s {
	case leaudio.StateConnecting:
		fx.drive(stackConnMsg{state: leaudio.StateConnecting})
	case leaudio.StateConnected:
		fx.drive(stackConnMsg{state: leaudio.StateConnected})
	case leaudio.StateDisconnecting:
		fx.drive(stackConnMsg{state: leaudio.StateConnected})
		fx.drive(stackConnMsg{state: leaudio.StateDisconnecting})
		transitions = 2
	}
	require.Equal(t, s, fx.m.State())
	for i := 0; i < transitions; i++ {
		fx.nextEvent(t)
	}
}

func TestLocalConnect(t *testing.T) {
	fx := newFixture(t)

	fx.drive(connectMsg{})

	assert.Equal(t, leaudio.StateConnecting, fx.m.State())
	assert.Equal(t, 1, fx.tr.opens)
	assert.NotNil(t, fx.m.timer, "connect timer must be armed")

	ev := fx.nextEvent(t).(ConnectionStateChanged)
	assert.Equal(t, leaudio.StateDisconnected, ev.Prev)
	assert.Equal(t, leaudio.StateConnecting, ev.New)
}

func TestLocalConnectOpenFails(t *testing.T) {
	fx := newFixture(t)
	fx.tr.openErr = errors.New("no resources")

	fx.drive(connectMsg{})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	ev := fx.nextEvent(t).(ConnectFailed)
	assert.Equal(t, leaudio.StatusErrUnknown, ev.Status)
}

func TestLocalConnectPolicyForbidden(t *testing.T) {
	fx := newFixture(t, leaudio.OptPolicyStore(forbidAll{}))

	fx.drive(connectMsg{})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Equal(t, 1, fx.tr.opens, "transport opened before admission")
	assert.Equal(t, 1, fx.tr.closes, "rejected attempt must close the transport")
	_, ok := fx.nextEvent(t).(ConnectFailed)
	assert.True(t, ok)
}

func TestInboundConnectingAdmitted(t *testing.T) {
	fx := newFixture(t)

	fx.drive(stackConnMsg{state: leaudio.StateConnecting})

	assert.Equal(t, leaudio.StateConnecting, fx.m.State())
	assert.NotNil(t, fx.m.timer)
	ev := fx.nextEvent(t).(ConnectionStateChanged)
	assert.Equal(t, leaudio.StateDisconnected, ev.Prev)
	assert.Equal(t, leaudio.StateConnecting, ev.New)
}

func TestInboundConnectedRejectedByPolicy(t *testing.T) {
	fx := newFixture(t, leaudio.OptPolicyStore(forbidAll{}))

	fx.drive(stackConnMsg{state: leaudio.StateConnected})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Equal(t, 1, fx.tr.closes, "machine must force-disconnect a forbidden inbound")
	fx.requireNoEvent(t)
}

func TestInboundRejectedWhenNotBonded(t *testing.T) {
	fx := newFixture(t, leaudio.OptBondLookup(func(leaudio.Addr) leaudio.BondState {
		return leaudio.BondNone
	}))

	fx.drive(stackConnMsg{state: leaudio.StateConnecting})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Equal(t, 1, fx.tr.closes)
}

func TestQuietModeBlocksConnect(t *testing.T) {
	fx := newFixture(t, leaudio.OptQuietMode(true))

	fx.drive(connectMsg{})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
}

func TestConnectTimeoutSynthesizesDisconnect(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnecting)

	fx.drive(timeoutMsg{gen: fx.m.timerGen})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Equal(t, 1, fx.tr.closes)
	ev := fx.nextEvent(t).(ConnectionStateChanged)
	assert.Equal(t, leaudio.StateConnecting, ev.Prev)
	assert.Equal(t, leaudio.StateDisconnected, ev.New)
}

func TestStaleTimerHasNoEffect(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnecting)
	staleGen := fx.m.timerGen

	fx.drive(stackConnMsg{state: leaudio.StateConnected})
	require.Equal(t, leaudio.StateConnected, fx.m.State())
	closesBefore := fx.tr.closes

	fx.drive(timeoutMsg{gen: staleGen})

	assert.Equal(t, leaudio.StateConnected, fx.m.State())
	assert.Equal(t, closesBefore, fx.tr.closes)
}

func TestTimerCanceledOnEveryExit(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnecting)
	require.NotNil(t, fx.m.timer)

	fx.drive(stackConnMsg{state: leaudio.StateDisconnected})
	assert.Nil(t, fx.m.timer, "timer must not survive state exit")
}

func TestDisconnectWhileConnectingCancelsAttempt(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnecting)

	fx.drive(disconnectMsg{})

	// no disconnecting detour
	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Equal(t, 1, fx.tr.closes)
}

func TestConnectDeferredWhileConnecting(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnecting)

	fx.drive(connectMsg{})
	assert.Len(t, fx.m.deferred, 1, "connect while connecting is deferred, not dropped")

	// the deferred connect is moot once connected and must be purged
	fx.drive(stackConnMsg{state: leaudio.StateConnected})
	assert.Empty(t, fx.m.deferred)
}

func TestIdempotentDisconnect(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnected)

	fx.drive(disconnectMsg{})
	fx.drive(disconnectMsg{})
	require.Equal(t, leaudio.StateDisconnecting, fx.m.State())

	fx.drive(stackConnMsg{state: leaudio.StateDisconnected})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Equal(t, 1, fx.tr.closes, "double disconnect must close the transport once")

	ev := fx.nextEvent(t).(ConnectionStateChanged)
	assert.Equal(t, leaudio.StateDisconnecting, ev.New)
	ev = fx.nextEvent(t).(ConnectionStateChanged)
	assert.Equal(t, leaudio.StateDisconnected, ev.New)
	fx.requireNoEvent(t)
}

func TestRapidReconnect(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnected)

	fx.drive(disconnectMsg{})
	require.Equal(t, leaudio.StateDisconnecting, fx.m.State())

	// connect during teardown is handled once the disconnect completes
	fx.drive(connectMsg{})
	assert.Len(t, fx.m.deferred, 1)

	fx.drive(stackConnMsg{state: leaudio.StateDisconnected})

	assert.Equal(t, leaudio.StateConnecting, fx.m.State())
	assert.Equal(t, 1, fx.tr.opens)
}

func TestConnectedCloseFailureAssumesLinkDown(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnected)
	fx.tr.closeErr = errors.New("stack gone")

	fx.drive(disconnectMsg{})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
}

func TestDisconnectingSupersededByRemoteConnect(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateDisconnecting)

	fx.drive(stackConnMsg{state: leaudio.StateConnected})

	assert.Equal(t, leaudio.StateConnected, fx.m.State())
}

func TestDeferredFIFOOrder(t *testing.T) {
	fx := newFixture(t)
	fx.reach(t, leaudio.StateConnecting)

	first := &recordingOp{name: "first"}
	second := &recordingOp{name: "second"}
	fx.drive(opMsg{op: first})
	fx.drive(opMsg{op: second})
	require.Len(t, fx.m.deferred, 2)

	// operations fail on entry to disconnected, in arrival order
	fx.drive(stackConnMsg{state: leaudio.StateDisconnected})

	assert.True(t, first.failed)
	assert.True(t, second.failed)
	assert.Less(t, first.order, second.order)
}

var opSeq int

type recordingOp struct {
	name   string
	failed bool
	order  int
}

func (o *recordingOp) Name() string { return o.name }
func (o *recordingOp) Fail(status leaudio.Status) {
	o.failed = true
	opSeq++
	o.order = opSeq
}

type forbidAll struct{}

func (forbidAll) ConnectionPolicy(leaudio.Addr, leaudio.ProfileID) leaudio.Policy {
	return leaudio.PolicyForbidden
}
func (forbidAll) SetConnectionPolicy(leaudio.Addr, leaudio.ProfileID, leaudio.Policy) error {
	return nil
}

func TestUnexpectedEventsIgnored(t *testing.T) {
	fx := newFixture(t)

	fx.drive(stackTxnMsg{status: leaudio.StatusOK})
	fx.drive(stackCharMsg{characteristic: 0x2BC8})
	fx.drive(stackConnMsg{state: leaudio.StateDisconnecting})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	fx.requireNoEvent(t)
}

func TestDisconnectWhileDisconnectedIsNoop(t *testing.T) {
	fx := newFixture(t)

	fx.drive(disconnectMsg{})

	assert.Equal(t, leaudio.StateDisconnected, fx.m.State())
	assert.Zero(t, fx.tr.closes)
	fx.requireNoEvent(t)
}
