// Package middleware wraps entry handlers with cross-cutting behavior.
//
// Middlewares run on the entry's goroutine, outermost first, and always
// produce a Response: failures are reported as failure Responses, never as
// panics or Go errors.
package middleware

import (
	"context"

	"cluster-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
