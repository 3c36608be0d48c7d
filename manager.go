// Package senka keeps a join-semilattice metadata value eventually
// consistent across the peers of a cluster. Any peer may submit a local
// contribution; the manager merges it, fans it out to every connected
// peer, and pushes full state to peers on (re)connection. Two
// synchronization protocols (SyncFrom / SyncTo) let callers establish
// causal checkpoints against a named peer despite asynchronous delivery.
package senka

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/senka/transport"
)

// Manager binds the replication core to a cluster transport under one
// message tag. All mutation of the shared state goes through short
// internal mutexes; callers interact through root views.
type Manager[M any] struct {
	cfg   Config
	tr    transport.Transport
	join  JoinFunc[M]
	codec Codec[M]
	wire  wireCodec

	store *metaStore[M]
	pv    *peerVersions
	st    *syncTables

	connMu sync.Mutex
	conns  map[*transport.Conn]*transport.Lease

	permits chan struct{}

	drain     chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	unwatch   func()

	// taskMu gates spawn against Close: spawns hold it shared, Close
	// takes it exclusively after flagging closed, so no task can be
	// added once the drain has begun.
	taskMu sync.RWMutex
	tasks  sync.WaitGroup
}

// New binds a manager to tr under cfg.Tag with the given initial value.
// It must be called before the transport has any connections and panics
// otherwise: connections established earlier would never receive their
// bootstrap push.
func New[M any](tr transport.Transport, cfg Config, initial M, join JoinFunc[M], codec Codec[M]) *Manager[M] {
	cfg.FillDefaults()
	wire, err := newWireCodec(cfg.WireVersion)
	if err != nil {
		panic("senka: " + err.Error())
	}
	if len(tr.Peers()) != 0 {
		panic("senka: transport already has connections")
	}

	m := &Manager[M]{
		cfg:     cfg,
		tr:      tr,
		join:    join,
		codec:   codec,
		wire:    wire,
		store:   newMetaStore(initial, join),
		pv:      newPeerVersions(),
		st:      newSyncTables(),
		conns:   make(map[*transport.Conn]*transport.Lease),
		permits: make(chan struct{}, cfg.OutboundPermits),
		drain:   make(chan struct{}),
	}
	tr.Attach(cfg.Tag, m.handleInbound)
	m.unwatch = tr.Watch(m.trackConnections)
	return m
}

// RootView returns a handle for callers. Views stay valid after Close
// but every operation on them fails with ErrManagerGone.
func (m *Manager[M]) RootView() *RootView[M] {
	return &RootView[M]{m: m}
}

// LatestSeen reports the highest change version observed from peer, and
// whether anything has been observed at all.
func (m *Manager[M]) LatestSeen(peer transport.PeerID) (uint64, bool) {
	return m.pv.latestSeen(peer)
}

// Close fires the shutdown drain, stops watching the transport, waits
// for every outstanding task to finish, and releases all connection
// leases. Idempotent.
func (m *Manager[M]) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.drain)
		m.unwatch()
		m.tr.Detach(m.cfg.Tag)

		// exclusive hold: no spawn can pass the closed check once
		// acquired, so the wait below sees the final task set
		m.taskMu.Lock()
		m.tasks.Wait()
		m.taskMu.Unlock()

		m.connMu.Lock()
		for c, l := range m.conns {
			delete(m.conns, c)
			l.Release()
		}
		m.connMu.Unlock()
	})
}

// spawn runs fn as a manager task holding a manager keepalive: Close
// waits for it. Returns false once the manager is draining.
func (m *Manager[M]) spawn(fn func()) bool {
	m.taskMu.RLock()
	defer m.taskMu.RUnlock()
	if m.closed.Load() {
		return false
	}
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		fn()
	}()
	return true
}
