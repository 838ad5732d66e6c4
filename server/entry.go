// Package server runs locally registered service instances.
//
// An Entry is the worker behind one registered endpoint. It owns a bounded
// inbox and a single goroutine, so its handler never runs concurrently with
// itself:
//
//	Deliver → inbox → run loop → middleware chain → Handler → Reply
//
// Handler errors and panics are turned into failure Responses; nothing a
// handler does can reach the goroutine that delivered the request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"cluster-rpc/message"
	"cluster-rpc/middleware"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrEntryBusy    = errors.New("server: entry inbox full")
	ErrEntryStopped = errors.New("server: entry stopped")
)

// Handler serves requests for one path. The returned value is JSON encoded
// into the Response; a non-nil error becomes a handler failure.
type Handler interface {
	ServeRequest(ctx context.Context, req *message.Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

func (f HandlerFunc) ServeRequest(ctx context.Context, req *message.Request) (any, error) {
	return f(ctx, req)
}

// Replier sends a Response back to the node that issued the request.
type Replier interface {
	Reply(ctx context.Context, node string, resp *message.Response) error
}

type EntryOptions struct {
	QueueSize   int
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

type Entry struct {
	ep      message.Endpoint
	handler atomic.Pointer[handlerRef]
	out     Replier
	serve   middleware.HandlerFunc
	log     *zap.Logger

	mu      sync.RWMutex
	stopped bool
	inbox   chan *message.Request

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type handlerRef struct {
	h Handler
}

// NewEntry starts the worker for ep. Responses go out through out.
func NewEntry(ep message.Endpoint, h Handler, out Replier, opts EntryOptions) *Entry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.Stringer("endpoint", ep))

	ctx, cancel := context.WithCancel(context.Background())
	e := &Entry{
		ep:     ep,
		out:    out,
		log:    log,
		inbox:  make(chan *message.Request, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.handler.Store(&handlerRef{h: h})

	mws := append(append([]middleware.Middleware(nil), opts.Middlewares...), middleware.RecoverMiddleware(log))
	e.serve = middleware.Chain(mws...)(e.invoke)

	go e.run()
	return e
}

func (e *Entry) Endpoint() message.Endpoint {
	return e.ep
}

// SetHandler swaps the handler used for requests that start after the call.
func (e *Entry) SetHandler(h Handler) {
	e.handler.Store(&handlerRef{h: h})
}

// Deliver queues req without blocking.
func (e *Entry) Deliver(req *message.Request) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrEntryStopped
	}
	select {
	case e.inbox <- req:
		return nil
	default:
		return ErrEntryBusy
	}
}

// Stop withdraws the endpoint's announcement through withdraw (if non-nil),
// then refuses new requests and waits until the queued ones are answered.
// If ctx ends first, handlers still running see their context cancelled.
func (e *Entry) Stop(ctx context.Context, withdraw func(context.Context) error) error {
	var err error
	if withdraw != nil {
		err = withdraw(ctx)
		if err != nil {
			e.log.Warn("withdraw failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.inbox)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return err
	case <-ctx.Done():
		e.cancel()
		return multierr.Append(err, ctx.Err())
	}
}

// Done is closed once the run loop has exited.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

func (e *Entry) run() {
	defer close(e.done)
	defer e.cancel()

	for req := range e.inbox {
		resp := e.serve(e.ctx, req)
		if resp == nil {
			resp = &message.Response{}
		}
		resp.ID = req.ID
		resp.Responder = e.ep

		if req.ReplyTo == "" {
			continue
		}
		if err := e.out.Reply(e.ctx, req.ReplyTo, resp); err != nil {
			e.log.Warn("reply failed",
				zap.Uint64("id", req.ID),
				zap.String("reply_to", req.ReplyTo),
				zap.Error(err))
		}
	}
	e.log.Debug("entry stopped")
}

func (e *Entry) invoke(ctx context.Context, req *message.Request) *message.Response {
	v, err := e.handler.Load().h.ServeRequest(ctx, req)
	if err != nil {
		return message.Fail(message.FailureHandler, "%s", err.Error())
	}
	if v == nil {
		return &message.Response{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return message.Fail(message.FailureHandler, "encode result: %v", err)
	}
	return &message.Response{Value: raw}
}
