package server

import (
	"context"
	"encoding/json"

	"callback-rpc/middleware"
	"callback-rpc/protocol"
	"callback-rpc/rpc"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServerStreamHandler answers one request with any number of responses sent through w.
type ServerStreamHandler func(ctx context.Context, req *middleware.Request, w *ResponseWriter) error

// ClientStreamHandler reads every request from requests, which is closed when the client
// finishes its stream, and returns one response.
type ClientStreamHandler func(ctx context.Context, requests <-chan []byte) ([]byte, error)

// BidirectionalHandler reads requests and sends responses independently.
type BidirectionalHandler func(ctx context.Context, requests <-chan []byte, w *ResponseWriter) error

type methodHandler struct {
	typ           rpc.MethodType
	unary         middleware.HandlerFunc
	serverStream  ServerStreamHandler
	clientStream  ClientStreamHandler
	bidirectional BidirectionalHandler
}

// ResponseWriter sends streamed responses of one call.
type ResponseWriter struct {
	conn *conn
	call *serverCall
}

// Send encodes v (see Marshal) and sends it as one streamed response. It fails once the
// call is cancelled.
func (w *ResponseWriter) Send(v any) error {
	if err := w.call.ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return w.conn.reply(w.call, protocol.MsgTypeServerStream, codes.OK, "", payload)
}

// Marshal encodes a response payload. Byte slices are sent as they are, everything
// else as JSON.
func Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return payload, nil
}

// Unmarshal decodes a request payload into v. A malformed payload is an
// InvalidArgument error.
func Unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}
