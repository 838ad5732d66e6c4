package middleware

import (
	"context"

	"cluster-rpc/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a handler panic into a handler failure Response.
func RecoverMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked",
						zap.String("path", req.Path),
						zap.Any("panic", r),
						zap.StackSkip("stack", 2))
					resp = message.Fail(message.FailureHandler, "panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
