package senka

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/unkn0wn-root/senka/transport"
)

// trackConnections reconciles the tracked connection set against the
// transport's snapshot. Tracking is by connection identity, not peer id:
// a reconnect produces a new *Conn whose predecessor is dropped here
// once the transport stops listing it, and the stale drain cleans up its
// own waiters.
func (m *Manager[M]) trackConnections(peers map[transport.PeerID]*transport.Conn) {
	if m.closed.Load() {
		return
	}

	live := make(map[*transport.Conn]bool, len(peers))
	var fresh []*transport.Lease

	m.connMu.Lock()
	for _, conn := range peers {
		live[conn] = true
		if _, tracked := m.conns[conn]; tracked {
			continue
		}
		held, ok := conn.Lease()
		if !ok {
			continue // closed between snapshot and here
		}
		m.conns[conn] = held
		if bl, ok := conn.Lease(); ok {
			fresh = append(fresh, bl)
		}
	}
	for conn, held := range m.conns {
		if !live[conn] {
			delete(m.conns, conn)
			held.Release()
		}
	}
	m.connMu.Unlock()

	// every newly-observed connection gets the full current state:
	// idempotent joins make over-sending safe, and the peer may have
	// missed arbitrary deltas while disconnected
	for _, bl := range fresh {
		bl := bl
		if !m.spawn(func() {
			defer bl.Release()
			m.bootstrap(bl.Conn())
		}) {
			bl.Release()
		}
	}
}

// bootstrap pushes the full current value and version to one connection.
func (m *Manager[M]) bootstrap(conn *transport.Conn) {
	value, ver := m.store.SnapshotVersioned()
	body, err := m.codec.Encode(value)
	if err != nil {
		glog.Errorf("senka: encode bootstrap state for %s: %v", conn.Peer(), err)
		return
	}
	frame, err := m.wire.encode(mcMetadata, metadataMsg{Delta: body, Ver: ver})
	if err != nil {
		glog.Errorf("senka: encode bootstrap message for %s: %v", conn.Peer(), err)
		return
	}
	if glog.V(1) {
		glog.Infof("senka: bootstrap push to %s ver=%d digest=%016x", conn.Peer(), ver, xxhash.Sum64(body))
	}
	_ = m.sendFrame(context.Background(), conn, frame)
}

// trackedConnCount is used by tests to check agreement with the
// transport at quiescence.
func (m *Manager[M]) trackedConnCount() int {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return len(m.conns)
}
