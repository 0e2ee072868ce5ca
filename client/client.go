// Package client is the callback-based invocation engine. It turns a packet-oriented
// Dispatcher into the four call shapes (unary, server streaming, client streaming and
// bidirectional streaming), each usable synchronously or with callbacks.
//
// Synchronous calls block the calling goroutine:
//
//	unary, _ := c.Unary(rpc.Channel{ID: 1}, sayMethod)
//	resp, err := unary.Call(ctx, &SayRequest{Text: "hi"})
//
//	stream, _ := c.ServerStreaming(rpc.Channel{ID: 1}, countMethod)
//	responses, err := stream.Call(ctx, &CountRequest{N: 3})
//	for v, err := range responses.Responses(ctx) { ... }
//
// Asynchronous calls register callbacks that run on the dispatcher's delivery goroutine:
//
//	call, err := unary.Invoke(req, rpc.Callbacks{OnResponse: onResponse})
//	defer call.Close()
//
// A failing callback never reaches the dispatcher: the Client recovers it, logs it and,
// when a response callback failed, cancels the call.
package client

import (
	"fmt"
	"io"
	"time"

	"callback-rpc/rpc"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// Dispatcher owns the transport and the per-identity call table.
type Dispatcher interface {
	// Attach binds the handler that receives inbound notifications.
	Attach(h rpc.Handler)
	// SendRequest registers cb for id and transmits request. It fails with
	// rpc.ErrPending when id is occupied and overridePending is false.
	SendRequest(id rpc.Identity, request any, cb rpc.Callbacks, overridePending, keepOpen bool) (rpc.CallID, error)
	// SendCancel ends the call occupying id, if it is call (or rpc.AnyCall). It
	// reports whether a call was cancelled.
	SendCancel(id rpc.Identity, call rpc.CallID) bool
	SendClientStream(id rpc.Identity, call rpc.CallID, chunk any) error
	SendClientStreamEnd(id rpc.Identity, call rpc.CallID) error
}

const (
	DefaultUnaryTimeout  = time.Second
	DefaultStreamTimeout = time.Second
)

// NoTimeout makes a call block until a terminal notification arrives.
const NoTimeout time.Duration = -1

// Client creates method clients over one Dispatcher and routes the dispatcher's
// notifications to the callbacks of each call.
type Client struct {
	logger        *zap.Logger
	dispatcher    Dispatcher
	defaults      rpc.Callbacks
	unaryTimeout  time.Duration
	streamTimeout time.Duration
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDefaultUnaryTimeout sets the timeout of unary and client streaming calls.
// Use NoTimeout to wait indefinitely.
func WithDefaultUnaryTimeout(d time.Duration) Option {
	return func(c *Client) { c.unaryTimeout = d }
}

// WithDefaultStreamTimeout sets the per-response timeout of server streaming calls and
// the timeout of bidirectional calls. Use NoTimeout to wait indefinitely.
func WithDefaultStreamTimeout(d time.Duration) Option {
	return func(c *Client) { c.streamTimeout = d }
}

// WithDefaultCallbacks replaces the logging callbacks used by Invoke when a callback is
// left unset.
func WithDefaultCallbacks(cb rpc.Callbacks) Option {
	return func(c *Client) { c.defaults = cb }
}

// New creates a Client and attaches it to d.
func New(d Dispatcher, opts ...Option) *Client {
	c := &Client{
		logger:        zap.NewNop(),
		dispatcher:    d,
		unaryTimeout:  DefaultUnaryTimeout,
		streamTimeout: DefaultStreamTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.defaults = withDefaults(c.defaults, DefaultCallbacks(c.logger))
	d.Attach(c)
	return c
}

// DefaultUnaryTimeout returns the timeout applied to unary and client streaming calls.
func (c *Client) DefaultUnaryTimeout() time.Duration {
	return c.unaryTimeout
}

// DefaultStreamTimeout returns the timeout applied to server and bidirectional streams.
func (c *Client) DefaultStreamTimeout() time.Duration {
	return c.streamTimeout
}

// MethodClient returns the method client matching the call shape of method.
func (c *Client) MethodClient(channel rpc.Channel, method *rpc.Method) (Invocable, error) {
	switch method.Type {
	case rpc.Unary:
		return c.Unary(channel, method)
	case rpc.ServerStreaming:
		return c.ServerStreaming(channel, method)
	case rpc.ClientStreaming:
		return c.ClientStreaming(channel, method)
	case rpc.BidirectionalStreaming:
		return c.BidirectionalStreaming(channel, method)
	default:
		return nil, fmt.Errorf("unknown method type %s", method.Type)
	}
}

func (c *Client) newMethodClient(channel rpc.Channel, method *rpc.Method, want rpc.MethodType, timeout time.Duration) (methodClient, error) {
	if method.Type != want {
		return methodClient{}, fmt.Errorf("%s is a %s RPC, not %s: %w",
			method.FullName(), method.Type.SentenceName(), want.SentenceName(), ErrWrongMethodType)
	}
	return methodClient{
		client:         c,
		id:             rpc.NewIdentity(channel, method),
		defaultTimeout: timeout,
	}, nil
}

func (c *Client) Unary(channel rpc.Channel, method *rpc.Method) (*UnaryMethod, error) {
	m, err := c.newMethodClient(channel, method, rpc.Unary, c.unaryTimeout)
	if err != nil {
		return nil, err
	}
	return &UnaryMethod{methodClient: m}, nil
}

func (c *Client) ServerStreaming(channel rpc.Channel, method *rpc.Method) (*ServerStreamingMethod, error) {
	m, err := c.newMethodClient(channel, method, rpc.ServerStreaming, c.streamTimeout)
	if err != nil {
		return nil, err
	}
	return &ServerStreamingMethod{methodClient: m}, nil
}

func (c *Client) ClientStreaming(channel rpc.Channel, method *rpc.Method) (*ClientStreamingMethod, error) {
	m, err := c.newMethodClient(channel, method, rpc.ClientStreaming, c.unaryTimeout)
	if err != nil {
		return nil, err
	}
	return &ClientStreamingMethod{methodClient: m}, nil
}

func (c *Client) BidirectionalStreaming(channel rpc.Channel, method *rpc.Method) (*BidirectionalStreamingMethod, error) {
	m, err := c.newMethodClient(channel, method, rpc.BidirectionalStreaming, c.streamTimeout)
	if err != nil {
		return nil, err
	}
	return &BidirectionalStreamingMethod{methodClient: m}, nil
}

// Dispatcher returns the dispatcher the client sends through.
func (c *Client) Dispatcher() Dispatcher {
	return c.dispatcher
}

// Close closes the dispatcher if it can be closed.
func (c *Client) Close() error {
	if closer, ok := c.dispatcher.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var _ rpc.Handler = (*Client)(nil)

// HandleResponse invokes the response callback of call. A failing callback leaves the
// call in an unknown state, so the call is cancelled.
func (c *Client) HandleResponse(call *rpc.PendingCall, payload any, args ...any) {
	fn := call.Callbacks.OnResponse
	if fn == nil {
		return
	}
	err := invokeCallback(func() error {
		return fn(call.Identity, payload, args...)
	})
	if err != nil {
		c.dispatcher.SendCancel(call.Identity, call.ID)
		c.logger.Error("Response callback raised an error", zap.Stringer("rpc", call.Identity), zap.Error(err))
	}
}

func (c *Client) HandleCompletion(call *rpc.PendingCall, status codes.Code, args ...any) {
	fn := call.Callbacks.OnCompletion
	if fn == nil {
		return
	}
	err := invokeCallback(func() error {
		return fn(call.Identity, status, args...)
	})
	if err != nil {
		c.logger.Error("Completion callback raised an error", zap.Stringer("rpc", call.Identity), zap.Error(err))
	}
}

func (c *Client) HandleError(call *rpc.PendingCall, status codes.Code, args ...any) {
	fn := call.Callbacks.OnError
	if fn == nil {
		return
	}
	err := invokeCallback(func() error {
		return fn(call.Identity, status, args...)
	})
	if err != nil {
		c.logger.Error("Error callback raised an error", zap.Stringer("rpc", call.Identity), zap.Error(err))
	}
}
