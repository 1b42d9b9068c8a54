// Package csip implements the Coordinated Set Identification Profile set
// coordinator: it tracks coordinated-set membership and ranks, drives the
// per-member connection machines, and arbitrates exclusive set locks.
package csip

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coordset/leaudio"
	"github.com/coordset/leaudio/profile"
)

var (
	// ErrUnknownGroup is returned for lock requests naming a group no
	// device-available event ever announced.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrGroupLocked is returned when the group already has an outstanding
	// lock held under a different token.
	ErrGroupLocked = errors.New("group locked by other")

	// ErrUnknownToken is returned when unlocking with a token that matches
	// no outstanding lock.
	ErrUnknownToken = errors.New("unknown lock token")
)

// GroupOps is the transport-level command surface for set locks. Lock
// confirmations arrive asynchronously through OnGroupLockChanged.
type GroupOps interface {
	SetGroupLock(groupID int, lock bool) error
}

// LockCallback reports the asynchronous outcome of a lock or unlock.
// Invoked off the caller's goroutine; must not block.
type LockCallback func(groupID int, status leaudio.Status, locked bool)

type groupInfo struct {
	setUUID   uuid.UUID
	size      int
	connected map[string]struct{}

	// policyEnforced gates the cross-profile policy check so it fires
	// exactly once per group completion.
	policyEnforced bool
}

type lockEntry struct {
	token uuid.UUID
	cb    LockCallback
}

// Coordinator is the CSIP set coordinator service.
type Coordinator struct {
	cfg    *profile.Config
	log    leaudio.Logger
	reg    *profile.Registry
	fanout *profile.Fanout
	ops    GroupOps

	// mu guards groups and ranks. The lock table is updated from machine
	// goroutines too and keeps its own guard.
	mu     sync.Mutex
	groups map[int]*groupInfo
	ranks  map[string]map[int]int

	lockMu sync.Mutex
	locks  map[int]*lockEntry
	tokens map[uuid.UUID]int
}

// New builds the coordinator over the given transport. ops may be nil when
// the embedder never locks groups.
func New(tr leaudio.Transport, ops GroupOps, opts ...leaudio.Option) (*Coordinator, error) {
	cfg, err := profile.NewConfig(leaudio.ProfileCSIPSetCoordinator, opts...)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		log:    cfg.Logger.ChildLogger(map[string]interface{}{"service": "csip"}),
		fanout: profile.NewFanout(),
		ops:    ops,
		groups: make(map[int]*groupInfo),
		ranks:  make(map[string]map[int]int),
		locks:  make(map[int]*lockEntry),
		tokens: make(map[uuid.UUID]int),
	}

	c.reg = profile.NewRegistry(tr, c.fanout, cfg, nil)
	c.reg.StateListener = c.onPeerState
	return c, nil
}

// Fanout exposes the event stream for application subscribers.
func (c *Coordinator) Fanout() *profile.Fanout { return c.fanout }

// Connect accepts a connect request for the peer.
func (c *Coordinator) Connect(p leaudio.Addr) error { return c.reg.Connect(p) }

// Disconnect accepts a disconnect request for the peer.
func (c *Coordinator) Disconnect(p leaudio.Addr) error { return c.reg.Disconnect(p) }

// ConnectionState reports the peer's current profile state.
func (c *Coordinator) ConnectionState(p leaudio.Addr) leaudio.ConnState {
	return c.reg.ConnectionState(p)
}

// ConnectedPeers snapshots the connected set members.
func (c *Coordinator) ConnectedPeers() []leaudio.Addr { return c.reg.ConnectedPeers() }

// SetQuietMode toggles connect suppression.
func (c *Coordinator) SetQuietMode(quiet bool) { c.reg.SetQuietMode(quiet) }

// Dispatch routes an inbound stack event to the owning machine.
func (c *Coordinator) Dispatch(ev profile.StackEvent) { c.reg.Dispatch(ev) }

// Stop tears the service down: every machine quits and all bookkeeping is
// dropped.
func (c *Coordinator) Stop() {
	c.reg.Stop()

	c.mu.Lock()
	c.groups = make(map[int]*groupInfo)
	c.ranks = make(map[string]map[int]int)
	c.mu.Unlock()

	c.lockMu.Lock()
	c.locks = make(map[int]*lockEntry)
	c.tokens = make(map[uuid.UUID]int)
	c.lockMu.Unlock()

	c.fanout.Close()
}

// DeviceAvailable records that the stack resolved a peer as a member of a
// coordinated set. A peer belongs to a group only after this supplies its
// rank.
func (c *Coordinator) DeviceAvailable(p leaudio.Addr, groupID, rank, size int, setUUID uuid.UUID) {
	if p == nil || p.String() == "" {
		return
	}

	c.mu.Lock()
	g := c.groups[groupID]
	if g == nil {
		g = &groupInfo{setUUID: setUUID, size: size, connected: make(map[string]struct{})}
		c.groups[groupID] = g
	} else {
		g.setUUID = setUUID
		g.size = size
	}

	byGroup := c.ranks[p.String()]
	if byGroup == nil {
		byGroup = make(map[int]int)
		c.ranks[p.String()] = byGroup
	}
	byGroup[groupID] = rank

	if c.reg.ConnectionState(p) == leaudio.StateConnected {
		g.connected[p.String()] = struct{}{}
	}
	c.mu.Unlock()

	c.log.Debugf("set member %s available: group %d rank %d size %d", p, groupID, rank, size)
	c.fanout.Publish(profile.TopicMember, profile.MemberAvailable{Peer: p, GroupID: groupID})

	c.checkGroupComplete(groupID)
}

// BondStateChanged clears group bookkeeping when the bond is lost and lets
// the registry tear the machine down (disconnect first if connected).
func (c *Coordinator) BondStateChanged(p leaudio.Addr, state leaudio.BondState) {
	if state == leaudio.BondNone {
		c.mu.Lock()
		for groupID := range c.ranks[p.String()] {
			if g := c.groups[groupID]; g != nil {
				delete(g.connected, p.String())
				if len(g.connected) < g.size {
					g.policyEnforced = false
				}
			}
		}
		delete(c.ranks, p.String())
		c.mu.Unlock()
	}

	c.reg.BondStateChanged(p, state)
}

// GroupOf returns the first group the peer is known to belong to, or -1.
func (c *Coordinator) GroupOf(p leaudio.Addr) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for groupID := range c.ranks[p.String()] {
		return groupID
	}
	return -1
}

// OrderedSetMembers lists the group's known members sorted by rank, for
// callers that connect a set in rank order.
func (c *Coordinator) OrderedSetMembers(groupID int) []leaudio.Addr {
	c.mu.Lock()
	type member struct {
		addr string
		rank int
	}
	var members []member
	for addrStr, byGroup := range c.ranks {
		if rank, ok := byGroup[groupID]; ok {
			members = append(members, member{addr: addrStr, rank: rank})
		}
	}
	c.mu.Unlock()

	sort.Slice(members, func(i, j int) bool { return members[i].rank < members[j].rank })

	out := make([]leaudio.Addr, 0, len(members))
	for _, m := range members {
		out = append(out, leaudio.NewAddr(m.addr))
	}
	return out
}

// LockGroup requests exclusive access to a coordinated set. It fails fast,
// with no transport I/O, if the group is unknown or already locked. On
// success the returned token is the only handle that can unlock the group.
func (c *Coordinator) LockGroup(groupID int, cb LockCallback) (uuid.UUID, error) {
	c.mu.Lock()
	_, known := c.groups[groupID]
	c.mu.Unlock()
	if !known {
		return uuid.Nil, ErrUnknownGroup
	}

	c.lockMu.Lock()
	if _, locked := c.locks[groupID]; locked {
		c.lockMu.Unlock()
		return uuid.Nil, ErrGroupLocked
	}
	token := uuid.New()
	c.locks[groupID] = &lockEntry{token: token, cb: cb}
	c.tokens[token] = groupID
	c.lockMu.Unlock()

	if c.ops == nil {
		c.dropLock(groupID)
		return uuid.Nil, errors.New("no group operations available")
	}
	if err := c.ops.SetGroupLock(groupID, true); err != nil {
		c.dropLock(groupID)
		return uuid.Nil, errors.Wrap(err, "lock command failed")
	}

	return token, nil
}

// UnlockGroup releases a lock by token; callers only ever hold the token,
// not the group id. The bookkeeping entry is removed only after the
// transport confirms the unlock, so a crash mid-unlock leaves the group
// visibly locked, which is the safe direction to fail.
func (c *Coordinator) UnlockGroup(token uuid.UUID) error {
	c.lockMu.Lock()
	groupID, ok := c.tokens[token]
	c.lockMu.Unlock()
	if !ok {
		return ErrUnknownToken
	}

	if c.ops == nil {
		return errors.New("no group operations available")
	}
	if err := c.ops.SetGroupLock(groupID, false); err != nil {
		return errors.Wrap(err, "unlock command failed")
	}
	return nil
}

// OnGroupLockChanged is the transport's lock confirmation callback.
func (c *Coordinator) OnGroupLockChanged(groupID int, status leaudio.Status, locked bool) {
	c.lockMu.Lock()
	entry := c.locks[groupID]
	if entry != nil && (!locked || status != leaudio.StatusOK) {
		// unlock confirmed, or the lock attempt failed
		delete(c.locks, groupID)
		delete(c.tokens, entry.token)
	}
	c.lockMu.Unlock()

	if entry == nil {
		c.log.Errorf("lock confirmation for group %d with no outstanding request", groupID)
		return
	}

	if entry.cb != nil {
		entry.cb(groupID, status, locked)
	}
	c.fanout.Publish(profile.TopicLock, profile.LockResult{GroupID: groupID, Status: status, Locked: locked})
}

// onPeerState runs on machine goroutines for every transition.
func (c *Coordinator) onPeerState(p leaudio.Addr, prev, next leaudio.ConnState) {
	var complete []int

	c.mu.Lock()
	for groupID := range c.ranks[p.String()] {
		g := c.groups[groupID]
		if g == nil {
			continue
		}
		switch next {
		case leaudio.StateConnected:
			g.connected[p.String()] = struct{}{}
			if len(g.connected) == g.size && !g.policyEnforced {
				g.policyEnforced = true
				complete = append(complete, groupID)
			}
		case leaudio.StateDisconnected:
			delete(g.connected, p.String())
			if len(g.connected) < g.size {
				g.policyEnforced = false
			}
		}
	}
	c.mu.Unlock()

	// enforcement posts disconnects, which must not run on the machine
	// goroutine that delivered this transition
	for _, groupID := range complete {
		go c.enforceGroupPolicy(groupID)
	}
}

func (c *Coordinator) checkGroupComplete(groupID int) {
	c.mu.Lock()
	g := c.groups[groupID]
	fire := g != nil && g.size > 0 && len(g.connected) == g.size && !g.policyEnforced
	if fire {
		g.policyEnforced = true
	}
	c.mu.Unlock()

	if fire {
		c.enforceGroupPolicy(groupID)
	}
}

// enforceGroupPolicy runs once per group completion: any member whose
// LE-audio policy forbids the connection while the coordinator policy still
// allows it gets the coordinator profile disabled and disconnected.
func (c *Coordinator) enforceGroupPolicy(groupID int) {
	if c.cfg.Policy == nil {
		return
	}

	members := c.OrderedSetMembers(groupID)
	for _, p := range members {
		if c.cfg.Policy.ConnectionPolicy(p, leaudio.ProfileLEAudio) != leaudio.PolicyForbidden {
			continue
		}
		if c.cfg.Policy.ConnectionPolicy(p, leaudio.ProfileCSIPSetCoordinator) != leaudio.PolicyAllowed {
			continue
		}

		c.log.Warnf("group %d complete but %s forbids le audio, disabling coordinator profile", groupID, p)
		if err := c.cfg.Policy.SetConnectionPolicy(p, leaudio.ProfileCSIPSetCoordinator, leaudio.PolicyForbidden); err != nil {
			c.log.Errorf("policy update for %s failed: %v", p, err)
		}
		if err := c.reg.Disconnect(p); err != nil {
			c.log.Errorf("policy disconnect for %s failed: %v", p, err)
		}
	}
}

func (c *Coordinator) dropLock(groupID int) {
	c.lockMu.Lock()
	if entry := c.locks[groupID]; entry != nil {
		delete(c.tokens, entry.token)
	}
	delete(c.locks, groupID)
	c.lockMu.Unlock()
}
