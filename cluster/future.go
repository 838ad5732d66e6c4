package cluster

import (
	"context"
	"sync/atomic"
)

// Future is the result slot of an asynchronous call. It is completed exactly
// once; later completions are ignored.
type Future[T any] struct {
	done      chan struct{}
	completed atomic.Bool
	val       T
	err       error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// complete stores the result and reports whether this call won.
func (f *Future[T]) complete(v T, err error) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}
	f.val, f.err = v, err
	close(f.done)
	return true
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the result is available.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// then derives a Future by transforming a successful result of f.
func then[T, R any](f *Future[T], fn func(T) (R, error)) *Future[R] {
	out := newFuture[R]()
	go func() {
		<-f.done
		if f.err != nil {
			var zero R
			out.complete(zero, f.err)
			return
		}
		out.complete(fn(f.val))
	}()
	return out
}
