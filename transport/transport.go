package transport

import (
	"context"
	"errors"
	"sync"
)

// A Transport gives the replication core a view of the cluster: a set of
// live connections keyed by peer, change notifications for that set, and
// tagged fire-and-forget frame delivery. Implementations must guarantee
// frame integrity and framing; they make no ordering promises across
// connections and may reorder frames relative to other tags.
type Transport interface {
	// Attach registers the handler invoked for every inbound frame
	// carrying tag. A second Attach for the same tag replaces the first.
	Attach(tag string, h Handler)

	// Detach removes the handler for tag. Frames arriving afterwards
	// are dropped.
	Detach(tag string)

	// Peers returns a snapshot of the current connection set.
	Peers() map[PeerID]*Conn

	// Watch registers fn to be called with a fresh snapshot after every
	// change to the connection set. The returned cancel unregisters it.
	Watch(fn func(map[PeerID]*Conn)) (cancel func())

	// Lookup returns the live connection to peer together with a held
	// keepalive lease. The caller must release the lease.
	Lookup(peer PeerID) (*Conn, *Lease, bool)
}

// PeerID identifies a peer for the lifetime of the cluster. Reconnects
// keep the PeerID but produce a distinct *Conn.
type PeerID string

// Handler receives one inbound frame. It runs on the transport's receive
// goroutine; implementations expect it not to block for long.
type Handler func(from PeerID, payload []byte)

var ErrConnClosed = errors.New("connection closed")

// Conn is one live connection to a peer. Identity is pointer identity:
// a reconnect to the same peer yields a new *Conn and the old one's Done
// channel fires. Keepalive leases keep the connection object (and any
// implementation resources behind it) valid until the last one is
// released after close.
type Conn struct {
	peer PeerID
	send func(ctx context.Context, tag string, payload []byte) error

	done     chan struct{}
	doneOnce sync.Once

	mu   sync.Mutex
	refs int
	reap func(*Conn)
}

// NewConn is used by Transport implementations. send performs the actual
// delivery; reap (optional) runs once the connection is closed and the
// last lease has been released.
func NewConn(peer PeerID, send func(ctx context.Context, tag string, payload []byte) error, reap func(*Conn)) *Conn {
	return &Conn{
		peer: peer,
		send: send,
		done: make(chan struct{}),
		reap: reap,
	}
}

func (c *Conn) Peer() PeerID { return c.peer }

// Done fires when the connection is torn down. Waiters racing on it see
// the drain exactly once; it never un-fires.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send delivers one tagged frame. Delivery is fire-and-forget: a nil
// return means the frame was handed to the connection, not that the peer
// received it.
func (c *Conn) Send(ctx context.Context, tag string, payload []byte) error {
	if c.Closed() {
		return ErrConnClosed
	}
	return c.send(ctx, tag, payload)
}

// Lease acquires a keepalive credit against the connection. Returns
// false when the connection is already closed.
func (c *Conn) Lease() (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return nil, false
	}
	c.refs++
	return &Lease{c: c}, true
}

// Close fires Done and, once all leases are back, reaps the connection.
// Safe to call more than once.
func (c *Conn) Close() {
	c.doneOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	c.maybeReapLocked()
	c.mu.Unlock()
}

func (c *Conn) maybeReapLocked() {
	if c.refs == 0 && c.Closed() && c.reap != nil {
		r := c.reap
		c.reap = nil
		go r(c)
	}
}

// Lease is a scoped keepalive credit. Release is idempotent.
type Lease struct {
	c    *Conn
	once sync.Once
}

func (l *Lease) Conn() *Conn { return l.c }

func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.mu.Lock()
		l.c.refs--
		l.c.maybeReapLocked()
		l.c.mu.Unlock()
	})
}
