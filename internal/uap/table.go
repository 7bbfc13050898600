package uap

import (
	"net"
	"sync"
	"time"
)

// closedTTL is how long a closed session's id is remembered so a stale,
// racing datagram from the sweeper or a duplicate GOODBYE does not recreate
// or re-close it. See spec.md §4.3 "Closed-session memory" and §9
// "closed_sessions list".
const closedTTL = 5 * time.Second

// sessionRecord is the server's view of one open UAP session.
type sessionRecord struct {
	peerAddr    net.Addr
	lastActive  time.Time
	expectedSeq uint32
}

// sessionTable is the server's session store. A session is present in the
// table iff it is open; every mutation is made under mu so the packet
// handler, the timeout sweeper, and the shutdown broadcaster never race
// (spec.md §5 "Ordering guarantees" / §9 "Race between sweeper and
// handler").
type sessionTable struct {
	mu             sync.Mutex
	sessions       map[uint32]*sessionRecord
	recentlyClosed map[uint32]time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions:       make(map[uint32]*sessionRecord),
		recentlyClosed: make(map[uint32]time.Time),
	}
}

// withLock runs fn while holding the table's mutex. All table access must
// go through this (or one of the convenience helpers below) to preserve
// the single-mutex discipline the spec requires.
func (t *sessionTable) withLock(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (t *sessionTable) get(id uint32) (*sessionRecord, bool) {
	var (
		rec *sessionRecord
		ok  bool
	)
	t.withLock(func() {
		rec, ok = t.sessions[id]
	})
	return rec, ok
}

func (t *sessionTable) create(id uint32, addr net.Addr, seq uint32, now time.Time) {
	t.withLock(func() {
		t.sessions[id] = &sessionRecord{peerAddr: addr, lastActive: now, expectedSeq: seq}
		delete(t.recentlyClosed, id)
	})
}

func (t *sessionTable) wasRecentlyClosed(id uint32, now time.Time) bool {
	var recent bool
	t.withLock(func() {
		closedAt, ok := t.recentlyClosed[id]
		recent = ok && now.Sub(closedAt) < closedTTL
	})
	return recent
}

// close removes a session and records it in recentlyClosed so a delayed
// duplicate GOODBYE or a sweeper race does not act on it again.
func (t *sessionTable) close(id uint32, now time.Time) {
	t.withLock(func() {
		delete(t.sessions, id)
		t.recentlyClosed[id] = now
	})
}

// sweepExpired removes and returns every session whose lastActive predates
// now by more than inactive, deleting each under the same lock that read
// it so no concurrent handler can observe a half-removed session.
func (t *sessionTable) sweepExpired(now time.Time, inactive time.Duration) map[uint32]*sessionRecord {
	expired := make(map[uint32]*sessionRecord)
	t.withLock(func() {
		for id, rec := range t.sessions {
			if now.Sub(rec.lastActive) > inactive {
				expired[id] = rec
				delete(t.sessions, id)
				t.recentlyClosed[id] = now
			}
		}
	})
	return expired
}

// drainAll empties the table and returns everything that was in it, for
// the shutdown broadcast (spec.md §5 "Cancellation").
func (t *sessionTable) drainAll(now time.Time) map[uint32]*sessionRecord {
	all := make(map[uint32]*sessionRecord)
	t.withLock(func() {
		for id, rec := range t.sessions {
			all[id] = rec
			t.recentlyClosed[id] = now
		}
		t.sessions = make(map[uint32]*sessionRecord)
	})
	return all
}
