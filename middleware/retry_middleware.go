package middleware

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retryable reports whether a handler error is transient.
func Retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// RetryMiddleware re-runs a handler that failed with a transient status, up to
// maxRetries extra times with exponential backoff starting at baseDelay.
func RetryMiddleware(logger *zap.Logger, maxRetries uint, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			return retry.DoWithData(func() ([]byte, error) {
				return next(ctx, req)
			},
				retry.Context(ctx),
				retry.Attempts(maxRetries+1),
				retry.Delay(baseDelay),
				retry.DelayType(retry.BackOffDelay),
				retry.RetryIf(Retryable),
				retry.LastErrorOnly(true),
				retry.OnRetry(func(n uint, err error) {
					logger.Debug("Retrying request",
						zap.String("method", req.ServiceMethod),
						zap.Uint("attempt", n+1),
						zap.Error(err))
				}),
			)
		}
	}
}
