package senka

import (
	"context"

	"github.com/unkn0wn-root/senka/transport"
)

// syncFrom implements the caller side of the sync-from protocol: ask the
// peer for its current version, then wait until that version has been
// observed locally.
func (m *Manager[M]) syncFrom(ctx context.Context, peer transport.PeerID) error {
	conn, lease, ok := m.tr.Lookup(peer)
	if !ok {
		return ErrSyncFailed
	}
	defer lease.Release()

	qid, w := m.st.registerFrom()
	defer m.st.dropFrom(qid)

	frame, err := m.wire.encode(mcSyncFromReq, syncFromReq{ID: qid})
	if err != nil {
		return err
	}
	if err := m.sendFrame(ctx, conn, frame); err != nil {
		return err
	}

	select {
	case vpeer := <-w.ch:
		return m.waitForVersionFromPeer(ctx, peer, vpeer, conn.Done())
	case <-conn.Done():
		return ErrSyncFailed
	case <-ctx.Done():
		return ctx.Err()
	case <-m.drain:
		return ErrManagerGone
	}
}

// syncTo implements the caller side of the sync-to protocol: tell the
// peer the local version as of now and wait for its acknowledgement that
// it has observed it.
func (m *Manager[M]) syncTo(ctx context.Context, peer transport.PeerID) error {
	conn, lease, ok := m.tr.Lookup(peer)
	if !ok {
		return ErrSyncFailed
	}
	defer lease.Release()

	vLocal := m.store.Version()

	qid, w := m.st.registerTo()
	defer m.st.dropTo(qid)

	frame, err := m.wire.encode(mcSyncToReq, syncToReq{ID: qid, Ver: vLocal})
	if err != nil {
		return err
	}
	if err := m.sendFrame(ctx, conn, frame); err != nil {
		return err
	}

	select {
	case <-w.ch:
		return nil
	case <-conn.Done():
		return ErrSyncFailed
	case <-ctx.Done():
		return ctx.Err()
	case <-m.drain:
		return ErrManagerGone
	}
}

// waitForVersionFromPeer blocks until the manager has observed peer at
// version ver or beyond. connDone is the drain of the connection the
// caller is operating on; the waiter additionally confirms a live
// connection of its own, since the wake can only ever come over one.
func (m *Manager[M]) waitForVersionFromPeer(ctx context.Context, peer transport.PeerID, ver uint64, connDone <-chan struct{}) error {
	if m.pv.satisfied(peer, ver) {
		return nil
	}

	conn, lease, ok := m.tr.Lookup(peer)
	if !ok {
		return ErrSyncFailed
	}
	defer lease.Release()

	// registration re-checks under the peer-version mutex, so an
	// observation racing the check above cannot be missed
	w := m.pv.addWaiter(peer, ver)
	if w == nil {
		return nil
	}
	defer m.pv.dropWaiter(peer, ver, w)

	select {
	case <-w.ch:
		return nil
	case <-connDone:
		return ErrSyncFailed
	case <-conn.Done():
		return ErrSyncFailed
	case <-ctx.Done():
		return ctx.Err()
	case <-m.drain:
		return ErrManagerGone
	}
}
