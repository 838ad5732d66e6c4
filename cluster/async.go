package cluster

import (
	"fmt"
	"reflect"
	"time"

	"cluster-rpc/message"
)

// Caller records the call made through a stub. A stub is a small type that
// implements a service interface by forwarding each method to Call:
//
//	type greeterStub struct{ c cluster.Caller }
//
//	func (s greeterStub) Greet(name string) string {
//		s.c.Call("Greet", name)
//		return ""
//	}
//
// The value a stub method returns is never the remote result. It is
// discarded; the result arrives through the Future of the adapter call.
type Caller interface {
	Call(method string, args ...any)
	fmt.Stringer
}

// Async turns calls made against interface U into routed requests. Each
// method M of the service registered as qualifier is served on
// Path(qualifier, M). An Async value holds no per-call state, but the
// function passed to Apply, Accept or Ask must make exactly one stub call.
type Async[U any] struct {
	reg       *Registry
	qualifier string
	timeout   time.Duration
	stub      func(Caller) U
}

// NewAsync returns an adapter calling the service registered as qualifier.
// stub builds a U whose methods report to the given Caller. A zero timeout
// means the registry's DefaultTimeout.
func NewAsync[U any](reg *Registry, qualifier string, timeout time.Duration, stub func(Caller) U) *Async[U] {
	if timeout <= 0 {
		timeout = reg.cfg.DefaultTimeout
	}
	return &Async[U]{reg: reg, qualifier: qualifier, timeout: timeout, stub: stub}
}

// Apply calls the method f invokes on its argument and decodes the remote
// result into R.
func Apply[U, R any](a *Async[U], f func(U) R) *Future[R] {
	resp := a.Ask(func(u U) { f(u) })
	return then(resp, func(resp *message.Response) (R, error) {
		var v R
		if err := resp.Decode(&v); err != nil {
			return v, fmt.Errorf("cluster: decode result of %s: %w", a.qualifier, err)
		}
		return v, nil
	})
}

// Accept calls the method f invokes and reports only success or failure.
func (a *Async[U]) Accept(f func(U)) *Future[struct{}] {
	return then(a.Ask(f), func(*message.Response) (struct{}, error) {
		return struct{}{}, nil
	})
}

// Ask calls the method f invokes and yields the whole Response, including
// the endpoint that served it.
func (a *Async[U]) Ask(f func(U)) *Future[*message.Response] {
	c, err := a.capture(f)
	if err != nil {
		return failedFuture[*message.Response](err)
	}
	return a.reg.call(Path(a.qualifier, c.method), c.method, a.timeout, c.args)
}

func (a *Async[U]) Qualifier() string {
	return a.qualifier
}

func (a *Async[U]) Timeout() time.Duration {
	return a.timeout
}

func (a *Async[U]) String() string {
	return fmt.Sprintf("Async[%s](%s, %s)", reflect.TypeOf((*U)(nil)).Elem(), a.qualifier, a.timeout)
}

// Equal reports whether b calls the same service the same way as a.
func (a *Async[U]) Equal(b *Async[U]) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.reg == b.reg && a.qualifier == b.qualifier && a.timeout == b.timeout
}

type capturedCall struct {
	method string
	args   []any
}

// recorder is the Caller handed to stubs. Identity questions are answered by
// the adapter itself.
type recorder struct {
	owner fmt.Stringer
	calls []capturedCall
}

func (r *recorder) Call(method string, args ...any) {
	r.calls = append(r.calls, capturedCall{method: method, args: args})
}

func (r *recorder) String() string {
	return r.owner.String()
}

func (a *Async[U]) capture(f func(U)) (capturedCall, error) {
	rec := &recorder{owner: a}
	f(a.stub(rec))
	switch len(rec.calls) {
	case 0:
		return capturedCall{}, fmt.Errorf("%w on %s", ErrNoCapturedCall, a)
	case 1:
		return rec.calls[0], nil
	default:
		methods := make([]string, len(rec.calls))
		for i, c := range rec.calls {
			methods[i] = c.method
		}
		return capturedCall{}, fmt.Errorf("%w on %s: %v", ErrMultipleCalls, a, methods)
	}
}
