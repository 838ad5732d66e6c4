package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"cluster-rpc/discovery"
	"cluster-rpc/message"

	"go.uber.org/zap"
)

const localInboxSize = 1024

// Hub connects Local transports inside one process. Announcements live in a
// shared discovery.Memory; envelopes are handed over by pointer.
type Hub struct {
	disc    *discovery.Memory
	watches *watchSet
	log     *zap.Logger

	mu    sync.Mutex
	nodes map[string]*Local
}

func NewHub() *Hub {
	return NewHubWithLogger(zap.NewNop())
}

func NewHubWithLogger(log *zap.Logger) *Hub {
	return &Hub{
		disc:    discovery.NewMemory(),
		watches: newWatchSet(),
		log:     log.Named("hub"),
		nodes:   make(map[string]*Local),
	}
}

// Join returns the transport of node, creating it if the node is not live.
func (h *Hub) Join(node string) *Local {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.nodes[node]; ok && !l.dead.Load() {
		return l
	}
	l := &Local{
		hub:       h,
		node:      node,
		inbox:     make(chan func(), localInboxSize),
		announced: make(map[string]message.Endpoint),
		done:      make(chan struct{}),
	}
	h.nodes[node] = l
	go l.drain()
	return l
}

// Kill simulates a crash of node: its announcements vanish, every watch on
// its endpoints fires and envelopes addressed to it fail with ErrUnreachable.
func (h *Hub) Kill(node string) {
	h.mu.Lock()
	l, ok := h.nodes[node]
	delete(h.nodes, node)
	h.mu.Unlock()
	if !ok {
		return
	}
	l.shutdown()
}

// Close kills every node and closes the shared discovery.
func (h *Hub) Close() error {
	h.mu.Lock()
	nodes := h.nodes
	h.nodes = make(map[string]*Local)
	h.mu.Unlock()
	for _, l := range nodes {
		l.shutdown()
	}
	return h.disc.Close()
}

func (h *Hub) lookup(node string) (*Local, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.nodes[node]
	if !ok || l.dead.Load() {
		return nil, false
	}
	return l, true
}

// Local is one node of a Hub.
type Local struct {
	hub  *Hub
	node string
	recv atomic.Pointer[receiverRef]

	inbox chan func()
	dead  atomic.Bool
	done  chan struct{}

	mu        sync.Mutex
	announced map[string]message.Endpoint // endpoint ID -> endpoint
}

var _ Transport = (*Local)(nil)

func (l *Local) Node() string { return l.node }

func (l *Local) Bind(r Receiver) {
	l.recv.Store(&receiverRef{r: r})
}

func (l *Local) Announce(ctx context.Context, ep message.Endpoint) error {
	if l.dead.Load() {
		return ErrClosed
	}
	if ep.Node != l.node {
		return fmt.Errorf("transport: %s is not hosted on %s", ep, l.node)
	}
	l.mu.Lock()
	l.announced[ep.ID] = ep
	l.mu.Unlock()
	return l.hub.disc.Register(ctx, ep)
}

func (l *Local) Withdraw(ctx context.Context, ep message.Endpoint) error {
	l.mu.Lock()
	_, ok := l.announced[ep.ID]
	delete(l.announced, ep.ID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	err := l.hub.disc.Deregister(ctx, ep)
	l.hub.watches.fire(ep)
	return err
}

func (l *Local) Subscribe(ctx context.Context, path string) (<-chan []message.Endpoint, error) {
	if l.dead.Load() {
		return nil, ErrClosed
	}
	return l.hub.disc.Watch(ctx, path)
}

func (l *Local) Watch(ctx context.Context, ep message.Endpoint) (<-chan struct{}, error) {
	if l.dead.Load() {
		return nil, ErrClosed
	}
	host, ok := l.hub.lookup(ep.Node)
	if !ok || !host.hosts(ep) {
		return fired(), nil
	}
	ch := l.hub.watches.add(ctx, ep)
	// the host may have died or withdrawn ep between the check and the add
	if !host.hosts(ep) {
		l.hub.watches.fire(ep)
	}
	return ch, nil
}

func (l *Local) Send(ctx context.Context, ep message.Endpoint, req *message.Request) error {
	return l.deliver(ctx, ep.Node, func(r Receiver) { r.HandleRequest(req) })
}

func (l *Local) Reply(ctx context.Context, node string, resp *message.Response) error {
	return l.deliver(ctx, node, func(r Receiver) { r.HandleResponse(resp) })
}

// Close takes the node out of the hub the same way Kill does.
func (l *Local) Close() error {
	h := l.hub
	h.mu.Lock()
	if h.nodes[l.node] == l {
		delete(h.nodes, l.node)
	}
	h.mu.Unlock()
	l.shutdown()
	return nil
}

func (l *Local) deliver(ctx context.Context, node string, fn func(Receiver)) error {
	if l.dead.Load() {
		return ErrClosed
	}
	target, ok := l.hub.lookup(node)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, node)
	}
	select {
	case target.inbox <- func() {
		if ref := target.recv.Load(); ref != nil {
			fn(ref.r)
		} else {
			l.hub.log.Warn("no receiver bound, dropping envelope", zap.String("node", target.node))
		}
	}:
		return nil
	case <-target.done:
		return fmt.Errorf("%w: %s", ErrUnreachable, node)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) drain() {
	for {
		select {
		case fn := <-l.inbox:
			fn()
		case <-l.done:
			return
		}
	}
}

func (l *Local) hosts(ep message.Endpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.announced[ep.ID]
	return ok && !l.dead.Load()
}

func (l *Local) shutdown() {
	if l.dead.Swap(true) {
		return
	}
	close(l.done)

	l.mu.Lock()
	announced := l.announced
	l.announced = make(map[string]message.Endpoint)
	l.mu.Unlock()

	for _, ep := range announced {
		_ = l.hub.disc.Deregister(context.Background(), ep)
	}
	l.hub.watches.fireNode(l.node)
}
