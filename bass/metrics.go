package bass

import (
	"time"
)

// syncStats tracks time-to-sync for one broadcast, from add-time through
// first successful sync or definitive failure. Records are flushed (logged,
// discarded) when the source disappears, the transaction fails terminally,
// or the peer disconnects, so no record outlives its source.
type syncStats struct {
	addedAt     time.Time
	paSyncedAt  time.Time
	bisSyncedAt time.Time
}

func newSyncStats() *syncStats {
	return &syncStats{addedAt: time.Now()}
}

// recordSync updates latency marks from a receive-state report. Runs on the
// peer's task queue only.
func (p *proto) recordSync(st *ReceiveState) {
	s, ok := p.stats.Load(st.BroadcastID)
	if !ok {
		return
	}

	now := time.Now()
	if st.PaSync == PaSynced && s.paSyncedAt.IsZero() {
		s.paSyncedAt = now
		p.log.Infof("broadcast %d pa synced after %v", st.BroadcastID, now.Sub(s.addedAt))
	}
	if st.PaSync == PaSyncFailed {
		p.flushStats(st.BroadcastID, "pa sync failed")
		return
	}
	if st.BisSync != 0 && s.bisSyncedAt.IsZero() {
		s.bisSyncedAt = now
		p.log.Infof("broadcast %d bis synced after %v", st.BroadcastID, now.Sub(s.addedAt))
	}
}

func (p *proto) flushStats(broadcastID int, reason string) {
	s, ok := p.stats.LoadAndDelete(broadcastID)
	if !ok {
		return
	}

	pa, bis := "never", "never"
	if !s.paSyncedAt.IsZero() {
		pa = s.paSyncedAt.Sub(s.addedAt).String()
	}
	if !s.bisSyncedAt.IsZero() {
		bis = s.bisSyncedAt.Sub(s.addedAt).String()
	}
	p.log.Infof("broadcast %d sync stats flushed (%s): pa=%s bis=%s", broadcastID, reason, pa, bis)
}

func (p *proto) flushAllStats(reason string) {
	var ids []int
	p.stats.Range(func(id int, _ *syncStats) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		p.flushStats(id, reason)
	}
}
