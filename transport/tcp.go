package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

var (
	tcpEnc cbor.EncMode
	tcpDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	tcpEnc, tcpDec = em, dm
}

var tcpReadBufPool = newBufPool([]int{
	1 << 10,  // 1 KiB
	4 << 10,  // 4 KiB
	16 << 10, // 16 KiB
	64 << 10, // 64 KiB
})

type TCPConfig struct {
	ID           PeerID
	BindAddr     string
	AuthToken    string
	MaxFrameSize int
	ReadBufSize  int
	WriteBufSize int
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	TLSServer    *tls.Config
	TLSClient    *tls.Config
}

func (c *TCPConfig) FillDefaults() {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 4 << 20
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = 64 << 10
	}
	if c.WriteBufSize <= 0 {
		c.WriteBufSize = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// handshake frames exchanged before tagged traffic flows.
type tcpHello struct {
	From  string `cbor:"f"`
	Token string `cbor:"tok"`
}

type tcpHelloResp struct {
	OK   bool   `cbor:"ok"`
	From string `cbor:"f"`
	Err  string `cbor:"err,omitempty"`
}

// tcpEnv wraps every post-handshake frame with its tag.
type tcpEnv struct {
	Tag  string `cbor:"t"`
	Body []byte `cbor:"b"`
}

// TCPTransport carries tagged frames over length-prefixed TCP (optionally
// TLS) streams. The dialing side sends a hello carrying its peer id and
// auth token, and the accepting side answers with its own peer id (or a
// rejection); a redial for a peer that already has a link replaces it, so
// pointer identity of *Conn distinguishes connection incarnations.
type TCPTransport struct {
	cfg TCPConfig
	ln  net.Listener

	mu        sync.Mutex
	handlers  map[string]Handler
	links     map[PeerID]*tcpLink
	watchers  map[int]func(map[PeerID]*Conn)
	nextWatch int

	stop     chan struct{}
	stopOnce sync.Once
}

type tcpLink struct {
	t    *TCPTransport
	peer PeerID
	nc   net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	wmu  sync.Mutex
	conn *Conn
}

func NewTCP(cfg TCPConfig) (*TCPTransport, error) {
	cfg.FillDefaults()
	if cfg.ID == "" {
		return nil, errors.New("tcp transport: empty peer id")
	}

	var ln net.Listener
	var err error
	if cfg.TLSServer != nil {
		ln, err = tls.Listen("tcp", cfg.BindAddr, cfg.TLSServer)
	} else {
		ln, err = net.Listen("tcp", cfg.BindAddr)
	}
	if err != nil {
		return nil, err
	}

	t := &TCPTransport{
		cfg:      cfg,
		ln:       ln,
		handlers: make(map[string]Handler),
		links:    make(map[PeerID]*tcpLink),
		watchers: make(map[int]func(map[PeerID]*Conn)),
		stop:     make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) ID() PeerID     { return t.cfg.ID }
func (t *TCPTransport) Addr() net.Addr { return t.ln.Addr() }

func (t *TCPTransport) Close() {
	t.stopOnce.Do(func() {
		close(t.stop)
		_ = t.ln.Close()
		t.mu.Lock()
		links := maps.Values(t.links)
		t.links = make(map[PeerID]*tcpLink)
		t.mu.Unlock()
		for _, l := range links {
			l.conn.Close()
			_ = l.nc.Close()
		}
	})
}

func (t *TCPTransport) Attach(tag string, h Handler) {
	t.mu.Lock()
	t.handlers[tag] = h
	t.mu.Unlock()
}

func (t *TCPTransport) Detach(tag string) {
	t.mu.Lock()
	delete(t.handlers, tag)
	t.mu.Unlock()
}

func (t *TCPTransport) Peers() map[PeerID]*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[PeerID]*Conn, len(t.links))
	for id, l := range t.links {
		out[id] = l.conn
	}
	return out
}

func (t *TCPTransport) Watch(fn func(map[PeerID]*Conn)) (cancel func()) {
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

func (t *TCPTransport) Lookup(peer PeerID) (*Conn, *Lease, bool) {
	t.mu.Lock()
	l := t.links[peer]
	t.mu.Unlock()
	if l == nil {
		return nil, nil, false
	}
	lease, ok := l.conn.Lease()
	if !ok {
		return nil, nil, false
	}
	return l.conn, lease, true
}

// Dial connects to addr, performs the hello exchange, and adopts the
// link. Returns the remote's peer id.
func (t *TCPTransport) Dial(addr string) (PeerID, error) {
	d := &net.Dialer{Timeout: t.cfg.DialTimeout, KeepAlive: 45 * time.Second}

	var nc net.Conn
	var err error
	if t.cfg.TLSClient != nil {
		nc, err = tls.DialWithDialer(d, "tcp", addr, t.cfg.TLSClient)
	} else {
		nc, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return "", err
	}

	hello, err := tcpEnc.Marshal(&tcpHello{From: string(t.cfg.ID), Token: t.cfg.AuthToken})
	if err != nil {
		_ = nc.Close()
		return "", err
	}
	_ = nc.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	if err := writeFrame(nc, hello); err != nil {
		_ = nc.Close()
		return "", err
	}
	raw, err := readFrame(nc, t.cfg.MaxFrameSize)
	if err != nil {
		_ = nc.Close()
		return "", err
	}
	_ = nc.SetDeadline(time.Time{})

	var resp tcpHelloResp
	if err := tcpDec.Unmarshal(raw, &resp); err != nil {
		_ = nc.Close()
		return "", err
	}
	if !resp.OK {
		_ = nc.Close()
		if resp.Err == "" {
			resp.Err = "unauthorized"
		}
		return "", errors.New(resp.Err)
	}
	if resp.From == "" {
		_ = nc.Close()
		return "", errors.New("hello resp missing peer id")
	}

	peer := PeerID(resp.From)
	t.adopt(peer, nc)
	return peer, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		nc, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			glog.V(1).Infof("tcp transport %s: accept: %v", t.cfg.ID, err)
			continue
		}
		go t.serveIncoming(nc)
	}
}

func (t *TCPTransport) serveIncoming(nc net.Conn) {
	_ = nc.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	raw, err := readFrame(nc, t.cfg.MaxFrameSize)
	if err != nil {
		_ = nc.Close()
		return
	}
	var hello tcpHello
	if err := tcpDec.Unmarshal(raw, &hello); err != nil || hello.From == "" {
		_ = nc.Close()
		return
	}

	resp := tcpHelloResp{OK: true, From: string(t.cfg.ID)}
	if t.cfg.AuthToken != "" && hello.Token != t.cfg.AuthToken {
		resp = tcpHelloResp{OK: false, Err: "unauthorized"}
	}
	out, err := tcpEnc.Marshal(&resp)
	if err != nil {
		_ = nc.Close()
		return
	}
	if err := writeFrame(nc, out); err != nil || !resp.OK {
		_ = nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})

	t.adopt(PeerID(hello.From), nc)
}

// adopt installs a fresh link for peer, displacing any previous incarnation.
func (t *TCPTransport) adopt(peer PeerID, nc net.Conn) {
	l := &tcpLink{
		t:    t,
		peer: peer,
		nc:   nc,
		r:    bufio.NewReaderSize(nc, t.cfg.ReadBufSize),
		w:    bufio.NewWriterSize(nc, t.cfg.WriteBufSize),
	}
	l.conn = NewConn(peer, l.send, nil)

	t.mu.Lock()
	old := t.links[peer]
	t.links[peer] = l
	t.mu.Unlock()

	if old != nil {
		old.conn.Close()
		_ = old.nc.Close()
	}
	t.notifyWatchers()
	go l.readLoop()
}

// teardown removes the link if it is still current and fires its drain.
func (t *TCPTransport) teardown(l *tcpLink) {
	t.mu.Lock()
	current := t.links[l.peer] == l
	if current {
		delete(t.links, l.peer)
	}
	t.mu.Unlock()

	l.conn.Close()
	_ = l.nc.Close()
	if current {
		t.notifyWatchers()
	}
}

func (t *TCPTransport) notifyWatchers() {
	t.mu.Lock()
	fns := maps.Values(t.watchers)
	snap := make(map[PeerID]*Conn, len(t.links))
	for id, l := range t.links {
		snap[id] = l.conn
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (t *TCPTransport) dispatch(from PeerID, env *tcpEnv) {
	t.mu.Lock()
	h := t.handlers[env.Tag]
	t.mu.Unlock()
	if h != nil {
		h(from, env.Body)
	}
}

func (l *tcpLink) send(ctx context.Context, tag string, payload []byte) error {
	raw, err := tcpEnc.Marshal(&tcpEnv{Tag: tag, Body: payload})
	if err != nil {
		return err
	}

	l.wmu.Lock()
	_ = l.nc.SetWriteDeadline(time.Now().Add(l.t.cfg.WriteTimeout))
	err = writeFrame(l.w, raw)
	if err == nil {
		err = l.w.Flush()
	}
	l.wmu.Unlock()

	if err != nil && isFatalStream(err) {
		l.t.teardown(l)
	}
	return err
}

func (l *tcpLink) readLoop() {
	for {
		buf, err := readFramePooled(l.r, l.t.cfg.MaxFrameSize)
		if err != nil {
			l.t.teardown(l)
			return
		}
		var env tcpEnv
		err = tcpDec.Unmarshal(buf, &env)
		tcpReadBufPool.put(buf)
		if err != nil {
			// broken stream, not just a bad message
			glog.Warningf("tcp transport %s: undecodable frame from %s: %v", l.t.cfg.ID, l.peer, err)
			l.t.teardown(l)
			return
		}
		l.t.dispatch(l.peer, &env)
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxFrame int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if maxFrame > 0 && n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, maxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFramePooled is readFrame with pooled buffers; callers must return the
// slice via tcpReadBufPool.put once decoded.
func readFramePooled(r io.Reader, maxFrame int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if maxFrame > 0 && n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, maxFrame)
	}
	buf := tcpReadBufPool.get(n)
	if _, err := io.ReadFull(r, buf); err != nil {
		tcpReadBufPool.put(buf)
		return nil, err
	}
	return buf, nil
}
