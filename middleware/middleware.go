// Package middleware wraps the unary handlers of the reference server.
//
// Middlewares compose in onion order: Chain(A, B, C)(h) runs A.before, B.before,
// C.before, h, C.after, B.after, A.after.
package middleware

import "context"

// Request is one decoded unary request.
type Request struct {
	ChannelID     uint32
	ServiceMethod string
	Payload       []byte
}

// HandlerFunc handles a unary request. A returned error carries its status as a
// google.golang.org/grpc/status error; any other error is reported as Unknown.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. The first middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
