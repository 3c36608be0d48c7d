package senka

import "sync"

// metaStore holds the authoritative metadata value and the local version
// counter. The counter moves by exactly one per local contribution and
// never for remote ones; the value moves for both.
type metaStore[M any] struct {
	mu      sync.RWMutex
	join    JoinFunc[M]
	value   M
	version uint64

	subMu sync.Mutex
	subs  []func()
}

func newMetaStore[M any](initial M, join JoinFunc[M]) *metaStore[M] {
	return &metaStore[M]{join: join, value: initial}
}

func (s *metaStore[M]) Snapshot() M {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *metaStore[M]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SnapshotVersioned reads value and version under one lock hold, so the
// pair is consistent for bootstrap pushes.
func (s *metaStore[M]) SnapshotVersioned() (M, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.version
}

// ApplyLocal merges a local contribution, bumps the version, and fires
// subscribers. Returns the post-bump version.
func (s *metaStore[M]) ApplyLocal(delta M) uint64 {
	s.mu.Lock()
	s.version++
	ver := s.version
	s.value = s.join(s.value, delta)
	s.mu.Unlock()
	s.notify()
	return ver
}

// ApplyRemote merges a contribution received from a peer. The local
// version does not move.
func (s *metaStore[M]) ApplyRemote(delta M) {
	s.mu.Lock()
	s.value = s.join(s.value, delta)
	s.mu.Unlock()
	s.notify()
}

// Subscribe registers f to run after every applied join, local or remote.
// Subscribers run on the applying goroutine with no store lock held, so
// re-reading the value (or submitting another join) from f is safe.
func (s *metaStore[M]) Subscribe(f func()) {
	s.subMu.Lock()
	s.subs = append(s.subs, f)
	s.subMu.Unlock()
}

func (s *metaStore[M]) notify() {
	s.subMu.Lock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()
	for _, f := range subs {
		f()
	}
}
