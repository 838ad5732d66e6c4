package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cluster-rpc/codec"
	"cluster-rpc/discovery"
	"cluster-rpc/message"
	"cluster-rpc/protocol"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	// ListenAddr is where the data plane listens, e.g. ":7946" or "127.0.0.1:0".
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr is the routable address other nodes dial; it doubles as
	// the node identifier. Defaults to the listener's address.
	AdvertiseAddr     string        `yaml:"advertise_addr"`
	Codec             string        `yaml:"codec"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	// MaxPeers bounds the cached outbound connections; the least recently
	// used one is closed when the cache is full, unless endpoints of its node
	// are still watched.
	MaxPeers int `yaml:"max_peers"`

	Logger *zap.Logger `yaml:"-"`
}

func (c *TCPConfig) withDefaults() TCPConfig {
	cfg := *c
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.Codec == "" {
		cfg.Codec = "json"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// TCP announces endpoints through a discovery backend and carries envelopes
// over framed TCP connections. Each node dials every peer it talks to once:
// requests and responses for that peer share the connection.
type TCP struct {
	cfg   TCPConfig
	disc  discovery.Discovery
	codec codec.Codec
	log   *zap.Logger
	node  string
	ln    net.Listener

	recv    atomic.Pointer[receiverRef]
	peers   *lru.Cache[string, *peer]
	dials   singleflight.Group
	watches *watchSet

	mu        sync.Mutex
	announced map[string]message.Endpoint // endpoint ID -> endpoint
	inbound   map[net.Conn]struct{}
	pinned    map[string]*peer // evicted but still watched, node -> peer
	closed    bool

	wg sync.WaitGroup
}

var _ Transport = (*TCP)(nil)

// NewTCP starts listening and returns the transport. The transport owns disc
// and closes it on Close.
func NewTCP(c TCPConfig, disc discovery.Discovery) (*TCP, error) {
	cfg := c.withDefaults()

	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, err
	}
	cdc, err := codec.GetCodec(ct)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.ListenAddr, err)
	}
	node := cfg.AdvertiseAddr
	if node == "" {
		node = ln.Addr().String()
	}

	t := &TCP{
		cfg:       cfg,
		disc:      disc,
		codec:     cdc,
		log:       cfg.Logger.Named("tcp").With(zap.String("node", node)),
		node:      node,
		ln:        ln,
		watches:   newWatchSet(),
		announced: make(map[string]message.Endpoint),
		inbound:   make(map[net.Conn]struct{}),
		pinned:    make(map[string]*peer),
	}
	t.peers, err = lru.NewWithEvict[string, *peer](cfg.MaxPeers, t.evicted)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) Node() string { return t.node }

func (t *TCP) Bind(r Receiver) {
	t.recv.Store(&receiverRef{r: r})
}

func (t *TCP) Announce(ctx context.Context, ep message.Endpoint) error {
	if ep.Node != t.node {
		return fmt.Errorf("transport: %s is not hosted on %s", ep, t.node)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.announced[ep.ID] = ep
	t.mu.Unlock()

	if err := t.disc.Register(ctx, ep); err != nil {
		t.mu.Lock()
		delete(t.announced, ep.ID)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *TCP) Withdraw(ctx context.Context, ep message.Endpoint) error {
	t.mu.Lock()
	_, ok := t.announced[ep.ID]
	delete(t.announced, ep.ID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	err := t.disc.Deregister(ctx, ep)
	t.watches.fire(ep)
	return err
}

func (t *TCP) Subscribe(ctx context.Context, path string) (<-chan []message.Endpoint, error) {
	return t.disc.Watch(ctx, path)
}

// Watch on a local endpoint fires when it is withdrawn. Watch on a remote
// endpoint opens (or reuses) the connection to its node and fires when that
// connection fails.
func (t *TCP) Watch(ctx context.Context, ep message.Endpoint) (<-chan struct{}, error) {
	if ep.Node == t.node {
		if !t.hosts(ep) {
			return fired(), nil
		}
		ch := t.watches.add(ctx, ep)
		if !t.hosts(ep) {
			t.watches.fire(ep)
		}
		return ch, nil
	}

	// registered before dialing, so an eviction in between pins the peer
	ch := t.watches.add(ctx, ep)
	p, err := t.peer(ctx, ep.Node)
	if err != nil {
		t.log.Debug("watch target unreachable", zap.Stringer("endpoint", ep), zap.Error(err))
		t.watches.fire(ep)
		return ch, nil
	}
	if p.closed.Load() {
		t.watches.fire(ep)
	}
	return ch, nil
}

func (t *TCP) Send(ctx context.Context, ep message.Endpoint, req *message.Request) error {
	if ep.Node == t.node {
		return t.dispatch(func(r Receiver) { r.HandleRequest(req) })
	}
	return t.sendTo(ctx, ep.Node, protocol.MsgTypeRequest, req)
}

func (t *TCP) Reply(ctx context.Context, node string, resp *message.Response) error {
	if node == t.node {
		return t.dispatch(func(r Receiver) { r.HandleResponse(resp) })
	}
	return t.sendTo(ctx, node, protocol.MsgTypeResponse, resp)
}

// Close stops accepting, drops every connection, fires every pending watch
// and closes the discovery backend.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	inbound := t.inbound
	t.inbound = make(map[net.Conn]struct{})
	t.announced = make(map[string]message.Endpoint)
	pinned := t.pinned
	t.pinned = make(map[string]*peer)
	t.mu.Unlock()

	err := t.ln.Close()
	for conn := range inbound {
		err = multierr.Append(err, conn.Close())
	}
	t.peers.Purge()
	for _, p := range pinned {
		p.close()
	}
	t.watches.fireAll()
	t.wg.Wait()

	return multierr.Append(err, t.disc.Close())
}

func (t *TCP) hosts(ep message.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.announced[ep.ID]
	return ok
}

func (t *TCP) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TCP) dispatch(fn func(Receiver)) error {
	if t.isClosed() {
		return ErrClosed
	}
	ref := t.recv.Load()
	if ref == nil {
		return errors.New("transport: no receiver bound")
	}
	go fn(ref.r)
	return nil
}

func (t *TCP) sendTo(ctx context.Context, node string, mt protocol.MsgType, v any) error {
	p, err := t.peer(ctx, node)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, node, err)
	}
	if err := p.send(ctx, mt, v); err != nil {
		p.down(err)
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, node, err)
	}
	return nil
}

// peer returns the cached connection to node, dialing it at most once at a time.
func (t *TCP) peer(ctx context.Context, node string) (*peer, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	if p, ok := t.peers.Get(node); ok && !p.closed.Load() {
		return p, nil
	}
	if p := t.unpin(node); p != nil {
		t.peers.Add(node, p)
		return p, nil
	}

	v, err, _ := t.dials.Do(node, func() (any, error) {
		if p, ok := t.peers.Get(node); ok && !p.closed.Load() {
			return p, nil
		}
		p, err := dialPeer(ctx, node, t.codec, t.cfg.DialTimeout, t.log, t.peerDown)
		if err != nil {
			return nil, err
		}
		p.start(t.cfg.HeartbeatInterval)
		t.peers.Add(node, p)
		if t.isClosed() {
			t.peers.Remove(node)
			return nil, ErrClosed
		}
		t.log.Debug("peer connected", zap.String("peer", node))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*peer), nil
}

func (t *TCP) peerDown(p *peer, err error) {
	if cur, ok := t.peers.Peek(p.node); ok && cur == p {
		t.peers.Remove(p.node)
	}
	t.mu.Lock()
	if t.pinned[p.node] == p {
		delete(t.pinned, p.node)
	}
	t.mu.Unlock()
	t.watches.fireNode(p.node)
}

// evicted runs when a peer leaves the cache. A live peer whose node is still
// watched stays connected so its failure keeps firing those watches. Pinned
// peers nobody watches any more are closed here.
func (t *TCP) evicted(node string, p *peer) {
	var release []*peer
	keep := !p.closed.Load() && t.watches.watchingNode(node)

	t.mu.Lock()
	if t.closed {
		keep = false
	}
	for n, q := range t.pinned {
		if n != node && !t.watches.watchingNode(n) {
			delete(t.pinned, n)
			release = append(release, q)
		}
	}
	if keep {
		t.pinned[node] = p
	}
	t.mu.Unlock()

	if !keep {
		p.close()
	}
	for _, q := range release {
		q.close()
	}
}

// unpin takes back a live pinned peer of node, if any.
func (t *TCP) unpin(node string) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pinned[node]
	if !ok {
		return nil
	}
	delete(t.pinned, node)
	if p.closed.Load() {
		return nil
	}
	return p
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.Error("accept failed", zap.Error(err))
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// handleConn reads frames from one inbound connection. Reads stay on this
// goroutine so frame boundaries are preserved; heartbeats are echoed back.
func (t *TCP) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !t.isClosed() {
				t.log.Debug("inbound connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			writeMu.Lock()
			err = protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case protocol.MsgTypeRequest:
			req := new(message.Request)
			if err := t.decode(header, body, req); err != nil {
				t.log.Warn("dropping undecodable request", zap.Error(err))
				continue
			}
			t.deliver(func(r Receiver) { r.HandleRequest(req) })
		case protocol.MsgTypeResponse:
			resp := new(message.Response)
			if err := t.decode(header, body, resp); err != nil {
				t.log.Warn("dropping undecodable response", zap.Error(err))
				continue
			}
			t.deliver(func(r Receiver) { r.HandleResponse(resp) })
		}
	}
}

func (t *TCP) decode(h *protocol.Header, body []byte, v any) error {
	c, err := codec.GetCodec(codec.CodecType(h.CodecType))
	if err != nil {
		return err
	}
	return c.Decode(body, v)
}

func (t *TCP) deliver(fn func(Receiver)) {
	ref := t.recv.Load()
	if ref == nil {
		t.log.Warn("no receiver bound, dropping envelope")
		return
	}
	fn(ref.r)
}
