package middleware

import (
	"context"
	"time"

	"cluster-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("path", req.Path),
				zap.String("method", req.Method),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Failure != nil {
				log.Info("request failed", append(fields,
					zap.Stringer("kind", resp.Failure.Kind),
					zap.String("error", resp.Failure.Message))...)
				return resp
			}
			log.Debug("request served", fields...)
			return resp
		}
	}
}
