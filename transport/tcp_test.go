package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTCPPair(t *testing.T, token string) (*TCPTransport, *TCPTransport) {
	t.Helper()
	ta, err := NewTCP(TCPConfig{ID: "a", BindAddr: "127.0.0.1:0", AuthToken: token})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	t.Cleanup(ta.Close)
	tb, err := NewTCP(TCPConfig{ID: "b", BindAddr: "127.0.0.1:0", AuthToken: token})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	t.Cleanup(tb.Close)
	return ta, tb
}

func TestTCPHelloAndDelivery(t *testing.T) {
	ta, tb := newTCPPair(t, "s3cr3t")

	var mu sync.Mutex
	var got []byte
	tb.Attach("x", func(from PeerID, payload []byte) {
		if from != "a" {
			t.Errorf("frame from %s, want a", from)
		}
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
	})

	pid, err := ta.Dial(tb.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if pid != "b" {
		t.Fatalf("dial returned peer %q", pid)
	}

	// both sides see the link
	waitFor(t, "both ends to register the link", func() bool {
		_, la, oka := ta.Lookup("b")
		_, lb, okb := tb.Lookup("a")
		if oka {
			la.Release()
		}
		if okb {
			lb.Release()
		}
		return oka && okb
	})

	conn, lease, ok := ta.Lookup("b")
	if !ok {
		t.Fatalf("no link to b")
	}
	defer lease.Release()
	if err := conn.Send(context.Background(), "x", []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "frame to arrive", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "ping"
	})
}

func TestTCPRejectsBadToken(t *testing.T) {
	ta, err := NewTCP(TCPConfig{ID: "a", BindAddr: "127.0.0.1:0", AuthToken: "right"})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	t.Cleanup(ta.Close)
	tb, err := NewTCP(TCPConfig{ID: "b", BindAddr: "127.0.0.1:0", AuthToken: "wrong"})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	t.Cleanup(tb.Close)

	if _, err := tb.Dial(ta.Addr().String()); err == nil {
		t.Fatalf("dial with wrong token accepted")
	}
	if len(ta.Peers()) != 0 {
		t.Fatalf("rejected peer registered anyway")
	}
}

func TestTCPCloseDrainsLinks(t *testing.T) {
	ta, tb := newTCPPair(t, "")

	if _, err := ta.Dial(tb.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn, lease, ok := ta.Lookup("b")
	if !ok {
		t.Fatalf("no link to b")
	}
	defer lease.Release()

	var mu sync.Mutex
	var lastSize = -1
	tb.Watch(func(peers map[PeerID]*Conn) {
		mu.Lock()
		lastSize = len(peers)
		mu.Unlock()
	})

	ta.Close()

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("local drain did not fire on close")
	}
	// the remote side notices the broken stream and drops the link
	waitFor(t, "remote side to drop the link", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastSize == 0
	})
}

func TestTCPRedialReplacesLink(t *testing.T) {
	ta, tb := newTCPPair(t, "")

	if _, err := ta.Dial(tb.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	firstConn, firstLease, ok := ta.Lookup("b")
	if !ok {
		t.Fatalf("no link to b")
	}
	defer firstLease.Release()

	if _, err := ta.Dial(tb.Addr().String()); err != nil {
		t.Fatalf("redial: %v", err)
	}

	select {
	case <-firstConn.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("displaced link's drain did not fire")
	}

	second, lease, ok := ta.Lookup("b")
	if !ok {
		t.Fatalf("no link after redial")
	}
	defer lease.Release()
	if second == firstConn {
		t.Fatalf("redial reused the old connection object")
	}
}
