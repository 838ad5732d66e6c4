package middleware

import (
	"context"

	"cluster-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware sheds requests above r per second (token bucket, burst
// burst) with an overloaded failure.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Fail(message.FailureOverloaded, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
