package senka

import (
	"context"

	"github.com/golang/glog"
	"github.com/unkn0wn-root/senka/transport"
)

// handleInbound dispatches one frame by its leading code byte. It runs
// on the transport's receive goroutine; anything long-running (sync-to
// waits, reply sends) moves to a manager task.
//
// Wire integrity is the transport's responsibility, so an undecodable
// payload or an unknown code is a fatal protocol violation, not a
// recoverable condition.
func (m *Manager[M]) handleInbound(from transport.PeerID, payload []byte) {
	if m.closed.Load() {
		return
	}
	if len(payload) == 0 {
		glog.Fatalf("senka: empty frame from %s", from)
	}
	code, body := msgCode(payload[0]), payload[1:]
	switch code {
	case mcMetadata:
		m.handleMetadata(from, body)
	case mcSyncFromReq:
		m.handleSyncFromReq(from, body)
	case mcSyncFromResp:
		m.handleSyncFromResp(from, body)
	case mcSyncToReq:
		m.handleSyncToReq(from, body)
	case mcSyncToResp:
		m.handleSyncToResp(from, body)
	default:
		glog.Fatalf("senka: unknown message code %q from %s", byte(code), from)
	}
}

func (m *Manager[M]) mustDecode(from transport.PeerID, code msgCode, body []byte, into any) {
	if err := m.wire.decode(body, into); err != nil {
		glog.Fatalf("senka: undecodable %q payload from %s: %v", byte(code), from, err)
	}
}

// handleMetadata merges a pushed contribution and records the sender's
// change version. The max-merge in observe makes transport reordering of
// pushes from one peer harmless.
func (m *Manager[M]) handleMetadata(from transport.PeerID, body []byte) {
	var msg metadataMsg
	m.mustDecode(from, mcMetadata, body, &msg)
	delta, err := m.codec.Decode(msg.Delta)
	if err != nil {
		glog.Fatalf("senka: undecodable metadata delta from %s: %v", from, err)
	}

	m.store.ApplyRemote(delta)
	m.pv.observe(from, msg.Ver)
}

// handleSyncFromReq answers with this peer's version as of right now. No
// waiting on the receiver side of sync-from.
func (m *Manager[M]) handleSyncFromReq(from transport.PeerID, body []byte) {
	var req syncFromReq
	m.mustDecode(from, mcSyncFromReq, body, &req)

	ver := m.store.Version()
	frame, err := m.wire.encode(mcSyncFromResp, syncFromResp{ID: req.ID, Ver: ver})
	if err != nil {
		glog.Errorf("senka: encode sync-from reply for %s: %v", from, err)
		return
	}

	conn, lease, ok := m.tr.Lookup(from)
	if !ok {
		return // sender gone; it will observe its own drain
	}
	if !m.spawn(func() {
		defer lease.Release()
		_ = m.sendFrame(context.Background(), conn, frame)
	}) {
		lease.Release()
	}
}

func (m *Manager[M]) handleSyncFromResp(from transport.PeerID, body []byte) {
	var resp syncFromResp
	m.mustDecode(from, mcSyncFromResp, body, &resp)
	if !m.st.resolveFrom(resp.ID, resp.Ver) {
		// at most one reply per query is legal; a second hints at wire
		// corruption the transport failed to catch
		glog.Warningf("senka: duplicate or stale sync-from reply qid=%d ver=%d from %s", resp.ID, resp.Ver, from)
	}
}

// handleSyncToReq waits until this peer has observed the requester's
// stated version, then acknowledges. The wait is bounded by the
// requester's connection drain and the manager drain; on either, the
// reply is silently abandoned and the requester fails through its own
// drain race.
func (m *Manager[M]) handleSyncToReq(from transport.PeerID, body []byte) {
	var req syncToReq
	m.mustDecode(from, mcSyncToReq, body, &req)

	conn, lease, ok := m.tr.Lookup(from)
	if !ok {
		return
	}
	if !m.spawn(func() {
		defer lease.Release()
		if err := m.waitForVersionFromPeer(context.Background(), from, req.Ver, conn.Done()); err != nil {
			return
		}
		frame, err := m.wire.encode(mcSyncToResp, syncToResp{ID: req.ID})
		if err != nil {
			glog.Errorf("senka: encode sync-to reply for %s: %v", from, err)
			return
		}
		_ = m.sendFrame(context.Background(), conn, frame)
	}) {
		lease.Release()
	}
}

func (m *Manager[M]) handleSyncToResp(from transport.PeerID, body []byte) {
	var resp syncToResp
	m.mustDecode(from, mcSyncToResp, body, &resp)
	if !m.st.resolveTo(resp.ID) {
		// unknown ids are silently dropped: the waiter may have been
		// cancelled and unwound before the reply landed
		glog.V(1).Infof("senka: sync-to reply for unknown qid=%d from %s", resp.ID, from)
	}
}
