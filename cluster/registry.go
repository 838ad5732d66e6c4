// Package cluster is the service registry and call dispatch layer of a node.
//
// A Registry owns one registrar: a goroutine that holds every route table of
// the node and handles registrations, discovery updates, endpoint
// terminations and call routing one event at a time. Application code never
// touches that state directly; it talks to the Registry, which turns each
// operation into an event.
//
//	Register ──► registrar ──► Entry (local handler)
//	                 ▲  │
//	   discovery ────┘  └──► Transport.Send ──► remote node ──► Entry
//
// Calls are asynchronous. Route and the Async adapter return a Future that is
// resolved by the first of: the response, the call's timeout, or a routing
// failure. A call that timed out is not cancelled on the remote side; its late
// response is dropped.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"cluster-rpc/message"
	"cluster-rpc/middleware"
	"cluster-rpc/server"
	"cluster-rpc/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener observes route changes. Listeners run on the registrar goroutine
// and must return quickly.
type Listener func(path string, ep message.Endpoint)

type lifecycle int

const (
	created lifecycle = iota
	running
	closed
)

// Registry is the node-local entry point of the cluster. It does not own the
// transport: close the Registry first, then the transport.
type Registry struct {
	cfg     Config
	tr      transport.Transport
	log     *zap.Logger
	metrics *metrics
	pending *pending
	reg     *registrar

	mu    sync.Mutex
	state lifecycle

	lmu                sync.RWMutex
	announceListeners  []Listener
	terminateListeners []Listener
}

var _ transport.Receiver = (*Registry)(nil)

// New builds a Registry on top of tr. Call Start before using it.
func New(cfg Config, tr transport.Transport) (*Registry, error) {
	if tr == nil {
		return nil, errors.New("cluster: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger.With(zap.String("node", tr.Node()))

	m, err := newMetrics(cfg.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("cluster: register metrics: %w", err)
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log.Named("entry"))}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	entryOpts := server.EntryOptions{
		QueueSize:   cfg.EntryQueueSize,
		Middlewares: mws,
		Logger:      log.Named("entry"),
	}

	r := &Registry{
		cfg:     cfg,
		tr:      tr,
		log:     log,
		metrics: m,
		pending: newPending(cfg.Clock, m),
	}
	r.reg = newRegistrar(tr, cfg.QueueSize, entryOpts, log.Named("registrar"), m)
	r.reg.onAnnounce = r.announced
	r.reg.onTerminate = r.terminated
	return r, nil
}

// Node returns the transport identity of this node.
func (r *Registry) Node() string {
	return r.tr.Node()
}

// Start binds the Registry to its transport and starts the registrar.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case running:
		return nil
	case closed:
		return ErrClosed
	}
	r.tr.Bind(r)
	r.reg.start()
	r.state = running
	r.log.Info("registry started")
	return nil
}

// Close stops routing, withdraws and stops every local entry, then fails the
// calls still pending with ErrClosed. Entries get until ctx ends to drain.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	prev := r.state
	r.state = closed
	r.mu.Unlock()

	switch prev {
	case closed:
		return nil
	case created:
		r.reg.cancel()
		return nil
	}

	if err := r.reg.stop(ctx); err != nil {
		// the loop is stuck in an event; its entries cannot be reached safely
		r.pending.failAll(ErrClosed)
		r.log.Warn("registrar did not stop", zap.Error(err))
		return fmt.Errorf("cluster: stop registrar: %w", err)
	}

	// the loop has exited; its state is ours now
	regs := make([]*localReg, 0, len(r.reg.local))
	for _, lr := range r.reg.local {
		regs = append(regs, lr)
	}

	var g errgroup.Group
	errs := make([]error, len(regs))
	for i, lr := range regs {
		g.Go(func() error {
			errs[i] = r.stopLocal(ctx, lr)
			return nil
		})
	}
	_ = g.Wait()

	r.pending.failAll(ErrClosed)
	err := multierr.Combine(errs...)
	if err != nil {
		r.log.Warn("registry closed with errors", zap.Error(err))
	} else {
		r.log.Info("registry closed", zap.Int("entries", len(regs)))
	}
	return err
}

func (r *Registry) checkRunning() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case created:
		return ErrNotStarted
	case closed:
		return ErrClosed
	}
	return nil
}

// stopLocal withdraws lr's announcement and stops its entry.
func (r *Registry) stopLocal(ctx context.Context, lr *localReg) error {
	ep := lr.entry.Endpoint()

	announced := false
	select {
	case <-lr.announced:
		announced = lr.err == nil
	case <-ctx.Done():
	}

	var withdraw func(context.Context) error
	if announced {
		withdraw = func(ctx context.Context) error {
			return r.tr.Withdraw(ctx, ep)
		}
	}
	err := lr.entry.Stop(ctx, withdraw)
	r.reg.entries.Delete(ep.ID)
	if err != nil {
		return fmt.Errorf("cluster: stop %s: %w", ep, err)
	}
	return nil
}

// Handle is a local registration.
type Handle struct {
	r  *Registry
	lr *localReg
}

func (h *Handle) Endpoint() message.Endpoint {
	return h.lr.entry.Endpoint()
}

func (h *Handle) Path() string {
	return h.lr.path
}

// Wait blocks until the endpoint's announcement has been published, and
// returns its outcome. Remote nodes learn about it some time later.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.lr.announced:
		return h.lr.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deregister withdraws the endpoint and stops its entry after the queued
// requests are answered. Handles returned by re-registering the same path
// share the endpoint; deregistering any of them removes it.
func (h *Handle) Deregister(ctx context.Context) error {
	reply := make(chan *localReg, 1)
	if err := h.r.reg.submit(ctx, deregistrationEvent{ep: h.Endpoint(), reply: reply}); err != nil {
		return err
	}
	lr, err := awaitReply(ctx, h.r.reg, reply)
	if err != nil {
		return err
	}
	if lr == nil {
		return nil
	}
	return h.r.stopLocal(ctx, lr)
}

// Register binds handler to path on this node. It returns once the registrar
// has created the local endpoint; use Handle.Wait to wait for the
// announcement. Registering a path again keeps the existing endpoint and
// replaces its handler.
func (r *Registry) Register(ctx context.Context, path string, handler server.Handler) (*Handle, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRegistration)
	}
	if isNil(handler) {
		return nil, fmt.Errorf("%w: nil handler for %q", ErrInvalidRegistration, path)
	}
	if err := r.checkRunning(); err != nil {
		return nil, err
	}

	reply := make(chan *localReg, 1)
	if err := r.reg.submit(ctx, registrationEvent{path: path, handler: handler, reply: reply}); err != nil {
		return nil, err
	}
	lr, err := awaitReply(ctx, r.reg, reply)
	if err != nil {
		return nil, err
	}
	return &Handle{r: r, lr: lr}, nil
}

// RegisterFunc registers a plain function as the handler of path. See
// server.Func for the accepted signatures.
func (r *Registry) RegisterFunc(ctx context.Context, path string, fn any) (*Handle, error) {
	h, err := server.Func(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return r.Register(ctx, path, h)
}

// RegisterService registers every exported method of impl with an accepted
// signature under Path(qualifier, method).
func (r *Registry) RegisterService(ctx context.Context, qualifier string, impl any) ([]*Handle, error) {
	svc, err := server.NewService(impl, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return r.registerService(ctx, qualifier, svc)
}

// RegisterAs registers the methods of interface U, implemented by impl,
// under Path(qualifier, method).
func RegisterAs[U any](ctx context.Context, r *Registry, qualifier string, impl U) ([]*Handle, error) {
	iface := reflect.TypeOf((*U)(nil)).Elem()
	svc, err := server.NewService(impl, iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return r.registerService(ctx, qualifier, svc)
}

func (r *Registry) registerService(ctx context.Context, qualifier string, svc *server.Service) ([]*Handle, error) {
	if qualifier == "" {
		return nil, fmt.Errorf("%w: empty qualifier", ErrInvalidRegistration)
	}
	handles := make([]*Handle, 0, len(svc.Methods()))
	for _, method := range svc.Methods() {
		h, _ := svc.Handler(method)
		handle, err := r.Register(ctx, Path(qualifier, method), h)
		if err != nil {
			for _, done := range handles {
				err = multierr.Append(err, done.Deregister(ctx))
			}
			return nil, err
		}
		handles = append(handles, handle)
	}
	r.log.Debug("service registered",
		zap.String("service", svc.Name()),
		zap.String("qualifier", qualifier),
		zap.Strings("methods", svc.Methods()))
	return handles, nil
}

// Path is the route of method on the service registered as qualifier.
func Path(qualifier, method string) string {
	return qualifier + "@" + method
}

// Invoker calls one path with a fixed timeout.
type Invoker struct {
	r       *Registry
	path    string
	timeout time.Duration
}

// Route returns an Invoker for path. A zero timeout means the configured
// DefaultTimeout.
func (r *Registry) Route(path string, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	return &Invoker{r: r, path: path, timeout: timeout}
}

func (i *Invoker) Path() string {
	return i.path
}

func (i *Invoker) Timeout() time.Duration {
	return i.timeout
}

// Apply sends one call with args, each encoded as JSON, to a live endpoint
// of the path. It never blocks.
func (i *Invoker) Apply(args ...any) *Future[*message.Response] {
	return i.r.call(i.path, "", i.timeout, args)
}

func (r *Registry) call(path, method string, timeout time.Duration, args []any) *Future[*message.Response] {
	if err := r.checkRunning(); err != nil {
		return failedFuture[*message.Response](err)
	}

	id, fut := r.pending.add(path, timeout)
	req, err := message.NewRequest(id, path, method, r.tr.Node(), args...)
	if err != nil {
		r.pending.fail(id, err)
		return fut
	}

	ev := requestEvent{
		req:      req,
		// transport contexts run on wall time, whatever clock times the call
		deadline: time.Now().Add(timeout),
		fail: func(err error) {
			r.pending.fail(id, err)
		},
	}
	if err := r.reg.offer(ev); err != nil {
		r.pending.fail(id, err)
	}
	return fut
}

// Routes returns a snapshot of the endpoints currently known for path. The
// first query of a path starts following it, so it may come back empty for
// a path that is served elsewhere; see AwaitRoute.
func (r *Registry) Routes(ctx context.Context, path string) ([]message.Endpoint, error) {
	if err := r.checkRunning(); err != nil {
		return nil, err
	}
	reply := make(chan []message.Endpoint, 1)
	if err := r.reg.submit(ctx, routesEvent{path: path, reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(ctx, r.reg, reply)
}

// awaitReply waits for the registrar to answer a control event. Events still
// queued when the loop stops are never answered: those fail with ErrClosed.
func awaitReply[T any](ctx context.Context, reg *registrar, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-reg.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// AwaitRoute blocks until at least one endpoint of path is known.
func (r *Registry) AwaitRoute(ctx context.Context, path string) error {
	if err := r.checkRunning(); err != nil {
		return err
	}
	ready := make(chan struct{})
	if err := r.reg.submit(ctx, awaitEvent{path: path, ready: ready}); err != nil {
		return err
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.reg.done:
		return ErrClosed
	}
}

// OnAnnouncement registers l to be told of every endpoint added to a route
// table of this node.
func (r *Registry) OnAnnouncement(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.announceListeners = append(r.announceListeners, l)
}

// OnTermination registers l to be told of every endpoint removed from a
// route table of this node.
func (r *Registry) OnTermination(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.terminateListeners = append(r.terminateListeners, l)
}

func (r *Registry) announced(path string, ep message.Endpoint) {
	r.lmu.RLock()
	ls := r.announceListeners
	r.lmu.RUnlock()
	r.notify(ls, path, ep)
}

func (r *Registry) terminated(path string, ep message.Endpoint) {
	r.lmu.RLock()
	ls := r.terminateListeners
	r.lmu.RUnlock()
	r.notify(ls, path, ep)
}

func (r *Registry) notify(ls []Listener, path string, ep message.Endpoint) {
	for _, l := range ls {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("listener panicked", zap.String("path", path), zap.Any("panic", p))
				}
			}()
			l(path, ep)
		}()
	}
}

// HandleRequest delivers a request routed here by another node.
func (r *Registry) HandleRequest(req *message.Request) {
	var fail *message.Response
	v, ok := r.reg.entries.Load(req.Target.ID)
	if !ok {
		fail = message.Fail(message.FailureUnavailable, "%s is not served by %s", req.Target, r.tr.Node())
	} else if err := v.(*server.Entry).Deliver(req); err != nil {
		if errors.Is(err, server.ErrEntryBusy) {
			fail = message.Fail(message.FailureOverloaded, "%s: %v", req.Target, err)
		} else {
			fail = message.Fail(message.FailureUnavailable, "%s: %v", req.Target, err)
		}
	}
	if fail == nil || req.ReplyTo == "" {
		return
	}

	fail.ID = req.ID
	fail.Responder = req.Target
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DefaultTimeout)
		defer cancel()
		if err := r.tr.Reply(ctx, req.ReplyTo, fail); err != nil {
			r.log.Warn("failure reply not delivered",
				zap.Uint64("id", req.ID),
				zap.String("reply_to", req.ReplyTo),
				zap.Error(err))
		}
	}()
}

// HandleResponse resolves the pending call answered by resp.
func (r *Registry) HandleResponse(resp *message.Response) {
	if !r.pending.resolve(resp) {
		r.log.Debug("late response dropped",
			zap.Uint64("id", resp.ID),
			zap.Stringer("responder", resp.Responder))
	}
}

func isNil(h server.Handler) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}
