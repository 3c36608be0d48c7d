package senka

import (
	"context"

	"github.com/golang/glog"
	"github.com/unkn0wn-root/senka/transport"
)

// acquirePermit takes one slot from the bounded outbound semaphore,
// racing the caller's context, the target connection's drain, and the
// manager drain. The permit is the one resource intentionally held
// across a suspension point (the transport send).
func (m *Manager[M]) acquirePermit(ctx context.Context, connDone <-chan struct{}) error {
	select {
	case m.permits <- struct{}{}:
		return nil
	case <-connDone:
		return ErrSyncFailed
	case <-ctx.Done():
		return ctx.Err()
	case <-m.drain:
		return ErrManagerGone
	}
}

func (m *Manager[M]) releasePermit() { <-m.permits }

// sendFrame sends one encoded frame under an outbound permit. A
// transport send failure is silent by design: the message is dropped and
// the peer recovers through the reconnect bootstrap. The returned error
// reports only cancellation or drain while waiting for the permit.
func (m *Manager[M]) sendFrame(ctx context.Context, conn *transport.Conn, frame []byte) error {
	if err := m.acquirePermit(ctx, conn.Done()); err != nil {
		return err
	}
	defer m.releasePermit()
	if err := conn.Send(ctx, m.cfg.Tag, frame); err != nil {
		glog.V(2).Infof("senka: send to %s dropped: %v", conn.Peer(), err)
	}
	return nil
}

// fanOut schedules an independent best-effort send of frame to every
// presently-tracked connection. Each task holds its own connection lease
// and a manager keepalive.
func (m *Manager[M]) fanOut(frame []byte) {
	m.connMu.Lock()
	leases := make([]*transport.Lease, 0, len(m.conns))
	for conn := range m.conns {
		if l, ok := conn.Lease(); ok {
			leases = append(leases, l)
		}
	}
	m.connMu.Unlock()

	for _, l := range leases {
		l := l
		if !m.spawn(func() {
			defer l.Release()
			_ = m.sendFrame(context.Background(), l.Conn(), frame)
		}) {
			l.Release()
		}
	}
}
