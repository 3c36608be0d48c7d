package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// Hub wires any number of in-process transports together. Frames cross
// a buffered queue per connection direction and are dispatched on a
// dedicated goroutine per receiving side, so per-pair ordering holds but
// delivery is asynchronous relative to the sender, like a real network.
// Used by tests and single-process deployments.
type Hub struct {
	mu    sync.Mutex
	nodes map[PeerID]*MemTransport
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[PeerID]*MemTransport)}
}

// NewTransport registers a new endpoint on the hub. An empty id gets a
// generated one.
func (h *Hub) NewTransport(id PeerID) *MemTransport {
	if id == "" {
		id = PeerID(uuid.NewString())
	}
	t := &MemTransport{
		hub:      h,
		id:       id,
		handlers: make(map[string]Handler),
		conns:    make(map[PeerID]*Conn),
		watchers: make(map[int]func(map[PeerID]*Conn)),
	}
	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

type memFrame struct {
	tag     string
	payload []byte
}

// Connect establishes a bidirectional connection between two registered
// endpoints. Connecting an already-connected pair is an error; reconnect
// by Disconnect first (the new attempt yields fresh *Conn values).
func (h *Hub) Connect(a, b PeerID) error {
	h.mu.Lock()
	ta, tb := h.nodes[a], h.nodes[b]
	h.mu.Unlock()
	if ta == nil || tb == nil {
		return fmt.Errorf("unknown endpoint %q", pickMissing(a, b, ta == nil))
	}
	if a == b {
		return fmt.Errorf("cannot self-connect %q", a)
	}

	ab := make(chan memFrame, 256)
	ba := make(chan memFrame, 256)
	ca := ta.newConn(b, ab)
	cb := tb.newConn(a, ba)

	if err := ta.register(b, ca); err != nil {
		ca.Close()
		cb.Close()
		return err
	}
	if err := tb.register(a, cb); err != nil {
		ta.deregister(b, ca)
		ca.Close()
		cb.Close()
		return err
	}

	go tb.deliver(a, ab, cb)
	go ta.deliver(b, ba, ca)

	ta.notifyWatchers()
	tb.notifyWatchers()
	return nil
}

// Disconnect tears down the a<->b connection, firing both drains.
func (h *Hub) Disconnect(a, b PeerID) {
	h.mu.Lock()
	ta, tb := h.nodes[a], h.nodes[b]
	h.mu.Unlock()
	if ta != nil {
		ta.drop(b)
	}
	if tb != nil {
		tb.drop(a)
	}
}

func pickMissing(a, b PeerID, aMissing bool) PeerID {
	if aMissing {
		return a
	}
	return b
}

// MemTransport is one endpoint on a Hub.
type MemTransport struct {
	hub *Hub
	id  PeerID

	mu          sync.Mutex
	handlers    map[string]Handler
	conns       map[PeerID]*Conn
	watchers    map[int]func(map[PeerID]*Conn)
	nextWatch   int
	interceptor func(local, remote PeerID, tag string, payload []byte) error
}

func (t *MemTransport) ID() PeerID { return t.id }

// SetInterceptor installs a hook run synchronously inside every outbound
// Send before the frame is queued. A non-nil return fails the send.
// Tests use it to observe and throttle in-flight sends.
func (t *MemTransport) SetInterceptor(fn func(local, remote PeerID, tag string, payload []byte) error) {
	t.mu.Lock()
	t.interceptor = fn
	t.mu.Unlock()
}

func (t *MemTransport) Attach(tag string, h Handler) {
	t.mu.Lock()
	t.handlers[tag] = h
	t.mu.Unlock()
}

func (t *MemTransport) Detach(tag string) {
	t.mu.Lock()
	delete(t.handlers, tag)
	t.mu.Unlock()
}

func (t *MemTransport) Peers() map[PeerID]*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.conns)
}

func (t *MemTransport) Watch(fn func(map[PeerID]*Conn)) (cancel func()) {
	t.mu.Lock()
	id := t.nextWatch
	t.nextWatch++
	t.watchers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

func (t *MemTransport) Lookup(peer PeerID) (*Conn, *Lease, bool) {
	t.mu.Lock()
	c := t.conns[peer]
	t.mu.Unlock()
	if c == nil {
		return nil, nil, false
	}
	l, ok := c.Lease()
	if !ok {
		return nil, nil, false
	}
	return c, l, true
}

func (t *MemTransport) newConn(remote PeerID, out chan<- memFrame) *Conn {
	var c *Conn
	c = NewConn(remote, func(ctx context.Context, tag string, payload []byte) error {
		t.mu.Lock()
		icpt := t.interceptor
		t.mu.Unlock()
		if icpt != nil {
			if err := icpt(t.id, remote, tag, payload); err != nil {
				return err
			}
		}
		cp := append([]byte(nil), payload...)
		select {
		case out <- memFrame{tag: tag, payload: cp}:
			return nil
		case <-c.Done():
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)
	return c
}

func (t *MemTransport) register(remote PeerID, c *Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.conns[remote]; exists {
		return fmt.Errorf("%q already connected to %q", t.id, remote)
	}
	t.conns[remote] = c
	return nil
}

func (t *MemTransport) deregister(remote PeerID, c *Conn) {
	t.mu.Lock()
	if t.conns[remote] == c {
		delete(t.conns, remote)
	}
	t.mu.Unlock()
}

func (t *MemTransport) drop(remote PeerID) {
	t.mu.Lock()
	c := t.conns[remote]
	delete(t.conns, remote)
	t.mu.Unlock()
	if c == nil {
		return
	}
	c.Close()
	t.notifyWatchers()
}

// deliver drains one inbound direction until the local conn closes.
// Frames still queued at close time are dropped, as a network would.
func (t *MemTransport) deliver(from PeerID, in <-chan memFrame, local *Conn) {
	for {
		select {
		case fr := <-in:
			t.dispatch(from, fr)
		case <-local.Done():
			return
		}
	}
}

func (t *MemTransport) dispatch(from PeerID, fr memFrame) {
	t.mu.Lock()
	h := t.handlers[fr.tag]
	t.mu.Unlock()
	if h != nil {
		h(from, fr.payload)
	}
}

func (t *MemTransport) notifyWatchers() {
	t.mu.Lock()
	fns := maps.Values(t.watchers)
	snap := maps.Clone(t.conns)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
