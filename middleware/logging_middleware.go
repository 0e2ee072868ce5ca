package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/status"
)

// LoggingMiddleware logs every request with its duration and resulting status.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Uint32("channel", req.ChannelID),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("status", status.Code(err)),
			}
			if err != nil {
				logger.Warn("Request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Request handled", fields...)
			}
			return resp, err
		}
	}
}
