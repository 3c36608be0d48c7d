package senka

import (
	"sync"

	"github.com/unkn0wn-root/senka/transport"
)

// wakeable is a one-shot notification: fired once, never regresses.
// fire must be called with the owning mutex held.
type wakeable struct {
	ch    chan struct{}
	fired bool
}

func newWakeable() *wakeable {
	return &wakeable{ch: make(chan struct{})}
}

func (w *wakeable) fire() {
	if !w.fired {
		w.fired = true
		close(w.ch)
	}
}

type verKey struct {
	peer transport.PeerID
	ver  uint64
}

// peerVersions tracks, per peer, the highest change version observed in
// metadata pushes, plus the waiters blocked until a given (peer, version)
// is reached. Entries in latest exist only once something was observed.
type peerVersions struct {
	mu      sync.Mutex
	latest  map[transport.PeerID]uint64
	waiters map[verKey][]*wakeable
}

func newPeerVersions() *peerVersions {
	return &peerVersions{
		latest:  make(map[transport.PeerID]uint64),
		waiters: make(map[verKey][]*wakeable),
	}
}

// observe records a change version from peer (max-merged, so transport
// reordering cannot regress it) and wakes every waiter for that peer with
// a target at or below it. Waiter entries stay in the map; their owners
// remove them when they unwind.
func (p *peerVersions) observe(peer transport.PeerID, ver uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.latest[peer]; !ok || ver > cur {
		p.latest[peer] = ver
	}
	for key, ws := range p.waiters {
		if key.peer != peer || key.ver > ver {
			continue
		}
		for _, w := range ws {
			w.fire()
		}
	}
}

func (p *peerVersions) latestSeen(peer transport.PeerID) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.latest[peer]
	return v, ok
}

// satisfied reports whether peer has already been observed at ver or
// beyond.
func (p *peerVersions) satisfied(peer transport.PeerID, ver uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.latest[peer]
	return ok && v >= ver
}

// addWaiter registers a wakeable for (peer, ver), unless already
// satisfied (nil return). The caller must dropWaiter it when done.
func (p *peerVersions) addWaiter(peer transport.PeerID, ver uint64) *wakeable {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.latest[peer]; ok && v >= ver {
		return nil
	}
	w := newWakeable()
	key := verKey{peer: peer, ver: ver}
	p.waiters[key] = append(p.waiters[key], w)
	return w
}

// dropWaiter is the unwind half of addWaiter.
func (p *peerVersions) dropWaiter(peer transport.PeerID, ver uint64, w *wakeable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := verKey{peer: peer, ver: ver}
	ws := p.waiters[key]
	for i, cand := range ws {
		if cand == w {
			ws[i] = ws[len(ws)-1]
			ws = ws[:len(ws)-1]
			break
		}
	}
	if len(ws) == 0 {
		delete(p.waiters, key)
	} else {
		p.waiters[key] = ws
	}
}

// waiterCount is used by tests to assert leak-freedom.
func (p *peerVersions) waiterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ws := range p.waiters {
		n += len(ws)
	}
	return n
}

// syncFromWaiter is the one-shot promise of the remote version carried by
// a sync-from reply.
type syncFromWaiter struct {
	ch    chan uint64 // buffered(1); receives at most one value
	fired bool
}

// syncTables correlates outstanding sync queries with their replies. Two
// independent id counters, one per protocol; ids are meaningful only
// within this manager.
type syncTables struct {
	mu       sync.Mutex
	nextFrom uint64
	nextTo   uint64
	from     map[uint64]*syncFromWaiter
	to       map[uint64]*wakeable
}

func newSyncTables() *syncTables {
	return &syncTables{
		from: make(map[uint64]*syncFromWaiter),
		to:   make(map[uint64]*wakeable),
	}
}

func (t *syncTables) registerFrom() (uint64, *syncFromWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextFrom++
	w := &syncFromWaiter{ch: make(chan uint64, 1)}
	t.from[t.nextFrom] = w
	return t.nextFrom, w
}

func (t *syncTables) dropFrom(id uint64) {
	t.mu.Lock()
	delete(t.from, id)
	t.mu.Unlock()
}

// resolveFrom delivers a sync-from reply. Returns false when the query is
// unknown or already resolved (duplicate).
func (t *syncTables) resolveFrom(id uint64, ver uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.from[id]
	if !ok || w.fired {
		return false
	}
	w.fired = true
	w.ch <- ver
	return true
}

func (t *syncTables) registerTo() (uint64, *wakeable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextTo++
	w := newWakeable()
	t.to[t.nextTo] = w
	return t.nextTo, w
}

func (t *syncTables) dropTo(id uint64) {
	t.mu.Lock()
	delete(t.to, id)
	t.mu.Unlock()
}

// resolveTo fires a sync-to waiter. Returns false when the query is
// unknown or already fired.
func (t *syncTables) resolveTo(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.to[id]
	if !ok || w.fired {
		return false
	}
	w.fire()
	return true
}

func (t *syncTables) pending() (from, to int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.from), len(t.to)
}
