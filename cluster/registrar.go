package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cluster-rpc/loadbalance"
	"cluster-rpc/message"
	"cluster-rpc/server"
	"cluster-rpc/transport"

	"go.uber.org/zap"
)

// registrar is the single writer of a node's routing state. Every field in
// the "loop-owned" group is touched only by the run goroutine; the rest of
// the node talks to it through events.
type registrar struct {
	node      string
	tr        transport.Transport
	log       *zap.Logger
	metrics   *metrics
	entryOpts server.EntryOptions

	events chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onAnnounce  func(path string, ep message.Endpoint)
	onTerminate func(path string, ep message.Endpoint)

	// entries maps endpoint ID to the local entry serving it. The loop adds
	// to it; inbound delivery reads it from transport goroutines.
	entries sync.Map

	// loop-owned
	tables     map[string]*loadbalance.RouteTable
	owners     map[message.Endpoint]string // endpoint -> path it serves
	subscribed map[string]*subscription
	watching   map[message.Endpoint]context.CancelFunc
	local      map[string]*localReg
	waiters    map[string][]chan struct{}
}

// localReg is this node's registration of a path. Announcement runs off the
// loop; announced is closed when it is over, with err holding its outcome.
type localReg struct {
	path      string
	entry     *server.Entry
	announced chan struct{}
	err       error
}

func newRegistrar(tr transport.Transport, queueSize int, entryOpts server.EntryOptions, log *zap.Logger, m *metrics) *registrar {
	ctx, cancel := context.WithCancel(context.Background())
	return &registrar{
		node:       tr.Node(),
		tr:         tr,
		log:        log,
		metrics:    m,
		entryOpts:  entryOpts,
		events:     make(chan any, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		tables:     make(map[string]*loadbalance.RouteTable),
		owners:     make(map[message.Endpoint]string),
		subscribed: make(map[string]*subscription),
		watching:   make(map[message.Endpoint]context.CancelFunc),
		local:      make(map[string]*localReg),
		waiters:    make(map[string][]chan struct{}),
	}
}

func (r *registrar) start() {
	go r.run()
}

// stop ends the loop and waits for it until ctx ends. Subscriptions and
// watches die with its context.
func (r *registrar) stop(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues a control event, waiting for room.
func (r *registrar) submit(ctx context.Context, ev any) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}

// offer queues an event without waiting; a full queue sheds it.
func (r *registrar) offer(ev any) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case r.events <- ev:
		return nil
	default:
		return fmt.Errorf("%w: registrar queue full", ErrOverloaded)
	}
}

func (r *registrar) run() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		case <-r.ctx.Done():
			r.drainRequests()
			return
		}
	}
}

// drainRequests fails calls still queued when the loop stops.
func (r *registrar) drainRequests() {
	for {
		select {
		case ev := <-r.events:
			if e, ok := ev.(requestEvent); ok {
				e.fail(ErrClosed)
			}
		default:
			return
		}
	}
}

func (r *registrar) dispatch(ev any) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("event handler panicked",
				zap.String("event", fmt.Sprintf("%T", ev)),
				zap.Any("panic", p),
				zap.StackSkip("stack", 2))
			if e, ok := ev.(requestEvent); ok {
				e.fail(fmt.Errorf("cluster: routing failed: panic: %v", p))
			}
		}
	}()

	switch e := ev.(type) {
	case registrationEvent:
		e.reply <- r.registration(e.path, e.handler)
	case deregistrationEvent:
		e.reply <- r.deregistration(e.ep)
	case discoveryEvent:
		r.discoveryUpdate(e.path, e.set)
	case subscriptionLostEvent:
		r.subscriptionLost(e.path, e.sub)
	case requestEvent:
		r.request(e)
	case terminatedEvent:
		r.terminated(e.ep)
	case routesEvent:
		e.reply <- r.routesQuery(e.path)
	case awaitEvent:
		r.await(e.path, e.ready)
	default:
		r.log.Warn("unknown event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

// registration binds handler to path. A path already registered on this node
// keeps its endpoint and entry and only swaps the handler, so the route table
// never sees a second local endpoint for it.
func (r *registrar) registration(path string, handler server.Handler) *localReg {
	if lr, ok := r.local[path]; ok {
		lr.entry.SetHandler(handler)
		r.log.Debug("re-registered", zap.String("path", path), zap.Stringer("endpoint", lr.entry.Endpoint()))
		return lr
	}

	ep := message.NewEndpoint(r.node, path)
	lr := &localReg{
		path:      path,
		entry:     server.NewEntry(ep, handler, r.tr, r.entryOpts),
		announced: make(chan struct{}),
	}
	r.local[path] = lr
	r.entries.Store(ep.ID, lr.entry)
	r.ensureSubscribed(path)

	go func() {
		defer close(lr.announced)
		if err := r.tr.Announce(r.ctx, ep); err != nil {
			lr.err = fmt.Errorf("cluster: announce %s: %w", ep, err)
			r.log.Warn("announce failed", zap.Stringer("endpoint", ep), zap.Error(err))
			return
		}
		r.log.Debug("announced", zap.Stringer("endpoint", ep))
	}()
	return lr
}

// deregistration forgets the local registration behind ep. Stopping the
// entry is left to the caller.
func (r *registrar) deregistration(ep message.Endpoint) *localReg {
	lr, ok := r.local[ep.Path]
	if !ok || lr.entry.Endpoint() != ep {
		return nil
	}
	delete(r.local, ep.Path)
	return lr
}

// ensureSubscribed starts following path's endpoint set, once per path.
func (r *registrar) ensureSubscribed(path string) {
	if _, ok := r.subscribed[path]; ok {
		return
	}
	if _, ok := r.tables[path]; !ok {
		r.tables[path] = loadbalance.NewRouteTable(path)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	sub := &subscription{cancel: cancel}
	r.subscribed[path] = sub

	go func() {
		defer func() {
			// let a later request subscribe again
			_ = r.submit(r.ctx, subscriptionLostEvent{path: path, sub: sub})
		}()
		updates, err := r.tr.Subscribe(ctx, path)
		if err != nil {
			r.log.Warn("subscribe failed", zap.String("path", path), zap.Error(err))
			return
		}
		for set := range updates {
			if err := r.submit(ctx, discoveryEvent{path: path, set: set}); err != nil {
				return
			}
		}
	}()
}

func (r *registrar) subscriptionLost(path string, sub *subscription) {
	sub.cancel()
	if r.subscribed[path] == sub {
		delete(r.subscribed, path)
	}
}

// discoveryUpdate installs set as the truth for path. Endpoints new to the
// table are announced to listeners and watched; endpoints that left it are
// cleaned up as terminated.
func (r *registrar) discoveryUpdate(path string, set []message.Endpoint) {
	table, ok := r.tables[path]
	if !ok {
		table = loadbalance.NewRouteTable(path)
		r.tables[path] = table
	}

	before := table.Snapshot()
	added := table.Replace(set)

	for _, ep := range before {
		if !table.Contains(ep) {
			r.forget(path, ep)
		}
	}
	for _, ep := range added {
		r.owners[ep] = path
		r.watch(ep)
		if r.onAnnounce != nil {
			r.onAnnounce(path, ep)
		}
	}

	if table.Len() > 0 {
		for _, ch := range r.waiters[path] {
			close(ch)
		}
		delete(r.waiters, path)
	}
	r.metrics.routeSize(path, table.Len())
	r.log.Debug("discovery update", zap.String("path", path), zap.Int("endpoints", table.Len()), zap.Int("added", len(added)))
}

// watch starts the termination watch of ep unless one is running.
func (r *registrar) watch(ep message.Endpoint) {
	if _, ok := r.watching[ep]; ok {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.watching[ep] = cancel

	go func() {
		fired, err := r.tr.Watch(ctx, ep)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("watch failed", zap.Stringer("endpoint", ep), zap.Error(err))
			}
			return
		}
		select {
		case <-fired:
			_ = r.submit(ctx, terminatedEvent{ep: ep})
		case <-ctx.Done():
		}
	}()
}

// terminated removes ep from the table of the path it served.
func (r *registrar) terminated(ep message.Endpoint) {
	path, ok := r.owners[ep]
	if !ok {
		return
	}
	table := r.tables[path]
	table.Remove(ep)
	r.forget(path, ep)
	r.metrics.routeSize(path, table.Len())
	r.log.Debug("endpoint terminated", zap.Stringer("endpoint", ep))
}

// forget drops the bookkeeping of an endpoint that left path's table.
func (r *registrar) forget(path string, ep message.Endpoint) {
	if _, ok := r.owners[ep]; !ok {
		return
	}
	delete(r.owners, ep)
	if cancel, ok := r.watching[ep]; ok {
		cancel()
		delete(r.watching, ep)
	}
	if r.onTerminate != nil {
		r.onTerminate(path, ep)
	}
}

// request routes one call: round robin over path's table, then local
// delivery or a transport send off the loop.
func (r *registrar) request(e requestEvent) {
	path := e.req.Path
	table := r.tables[path]
	if table == nil || table.Len() == 0 {
		r.ensureSubscribed(path)
		e.fail(fmt.Errorf("%w: no route for %q", ErrServiceUnavailable, path))
		return
	}

	ep, err := table.Next()
	if err != nil {
		e.fail(fmt.Errorf("%w: %v", ErrServiceUnavailable, err))
		return
	}
	r.metrics.routedTo(path)
	req := e.req.WithTarget(ep)

	if ep.Node == r.node {
		if err := r.deliverLocal(req); err != nil {
			e.fail(err)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithDeadline(r.ctx, e.deadline)
		defer cancel()
		if err := r.tr.Send(ctx, ep, req); err != nil {
			e.fail(fmt.Errorf("%w: send to %s: %v", ErrTransport, ep, err))
		}
	}()
}

// deliverLocal hands req to the local entry it targets.
func (r *registrar) deliverLocal(req *message.Request) error {
	v, ok := r.entries.Load(req.Target.ID)
	if !ok {
		return fmt.Errorf("%w: %s is not served here", ErrServiceUnavailable, req.Target)
	}
	err := v.(*server.Entry).Deliver(req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, server.ErrEntryBusy):
		return fmt.Errorf("%w: %s: %v", ErrOverloaded, req.Target, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, req.Target, err)
	}
}

func (r *registrar) routesQuery(path string) []message.Endpoint {
	table, ok := r.tables[path]
	r.ensureSubscribed(path)
	if !ok {
		return []message.Endpoint{}
	}
	return table.Snapshot()
}

func (r *registrar) await(path string, ready chan struct{}) {
	if table, ok := r.tables[path]; ok && table.Len() > 0 {
		close(ready)
		return
	}
	r.ensureSubscribed(path)
	r.waiters[path] = append(r.waiters[path], ready)
}
