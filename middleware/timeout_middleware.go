package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type result struct {
	resp []byte
	err  error
}

// TimeOutMiddleware fails a request with DeadlineExceeded when the handler does not
// return within timeout. The handler's context is cancelled at the same time.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, status.Errorf(codes.DeadlineExceeded, "request timed out after %s", timeout)
				}
				return nil, status.FromContextError(ctx.Err()).Err()
			}
		}
	}
}
