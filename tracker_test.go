package senka

import (
	"testing"

	"github.com/unkn0wn-root/senka/transport"
)

func TestBootstrapPushOnConnect(t *testing.T) {
	hub := transport.NewHub()
	peers := newTestPeers(t, hub, "a", "b")

	// state accumulated before b was ever reachable
	_ = peers["a"].v.Join(NewSet(1))
	_ = peers["a"].v.Join(NewSet(2))

	connectAll(t, hub, "a", "b")

	// no further joins: convergence must come from the bootstrap alone
	waitUntil(t, "b to receive the bootstrap state", func() bool { return peers["b"].has(1, 2) })
	waitUntil(t, "b's observed version of a to reach 2", func() bool {
		v, ok := peers["b"].m.LatestSeen("a")
		return ok && v >= 2
	})
}

func TestTrackerFollowsTransportSet(t *testing.T) {
	hub := transport.NewHub()
	peers := newTestPeers(t, hub, "a", "b", "c")

	connectAll(t, hub, "a", "b", "c")
	waitUntil(t, "a to track both links", func() bool { return peers["a"].m.trackedConnCount() == 2 })

	hub.Disconnect("a", "b")
	waitUntil(t, "a to drop the b link", func() bool { return peers["a"].m.trackedConnCount() == 1 })

	hub.Disconnect("a", "c")
	waitUntil(t, "a to track nothing", func() bool { return peers["a"].m.trackedConnCount() == 0 })
}

func TestReconnectIsANewIncarnation(t *testing.T) {
	hub := transport.NewHub()
	peers := newTestPeers(t, hub, "a", "b")

	connectAll(t, hub, "a", "b")
	firstPeers := peers["a"].tr.Peers()
	first := firstPeers["b"]
	if first == nil {
		t.Fatalf("no connection to b after connect")
	}

	hub.Disconnect("a", "b")
	waitUntil(t, "tracker to drop the old link", func() bool { return peers["a"].m.trackedConnCount() == 0 })

	if err := hub.Connect("a", "b"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitUntil(t, "tracker to adopt the new link", func() bool { return peers["a"].m.trackedConnCount() == 1 })

	second := peers["a"].tr.Peers()["b"]
	if second == nil || second == first {
		t.Fatalf("reconnect reused the old connection object")
	}
	if !first.Closed() {
		t.Fatalf("old incarnation's drain never fired")
	}
}

func TestCloseReleasesTrackedConnections(t *testing.T) {
	hub := transport.NewHub()
	tr := hub.NewTransport("a")
	_ = hub.NewTransport("b")
	m := New(tr, Config{}, NewSet[int](), Union[int], SetCodec[int]{})

	if err := hub.Connect("a", "b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitUntil(t, "link to be tracked", func() bool { return m.trackedConnCount() == 1 })

	m.Close()
	if m.trackedConnCount() != 0 {
		t.Fatalf("close left %d tracked connections", m.trackedConnCount())
	}
}

func TestNewPanicsOnNonEmptyTransport(t *testing.T) {
	hub := transport.NewHub()
	ta := hub.NewTransport("a")
	_ = hub.NewTransport("b")
	if err := hub.Connect("a", "b"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for transport with existing connections")
		}
	}()
	New(ta, Config{}, NewSet[int](), Union[int], SetCodec[int]{})
}
