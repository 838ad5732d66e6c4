package middleware

import (
	"context"
	"time"

	"cluster-rpc/message"
)

// TimeOutMiddleware replies with a timeout failure when the handler has not
// answered within timeout. The handler is not aborted: it keeps running and
// its result is dropped. Invocations stay serial, so the next request waits
// for an abandoned handler to return (still bounded by its own timeout).
// The handler runs on its own goroutine: chain RecoverMiddleware inside it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		running := make(chan struct{}, 1)
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			select {
			case running <- struct{}{}:
			case <-ctx.Done():
				return message.Fail(message.FailureTimeout, "request timed out")
			}

			done := make(chan *message.Response, 1)
			go func() {
				defer func() { <-running }()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Fail(message.FailureTimeout, "request timed out")
			}
		}
	}
}
