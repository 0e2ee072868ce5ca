package client

import (
	"context"
	"errors"
	"sync"

	"callback-rpc/rpc"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ClientStreamingMethod invokes a client streaming RPC.
type ClientStreamingMethod struct {
	methodClient
}

// Open starts the call. The timeout option applies to FinishAndWait; WithOverridePending
// and WithKeepOpen apply to the initial request.
func (m *ClientStreamingMethod) Open(opts ...CallOption) (*ClientStream, error) {
	s := newClientStream(m.methodClient, m.options(opts))
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// ResponseHandler is called for every response of a bidirectional stream, in delivery
// order. Returning an error, or panicking, cancels the call and fails the stream with
// a Canceled RPC error.
type ResponseHandler func(stream *BidirectionalStream, response any) error

// BidirectionalStreamingMethod invokes a bidirectional streaming RPC.
type BidirectionalStreamingMethod struct {
	methodClient
}

// Open starts the call. A nil handler logs each response.
func (m *BidirectionalStreamingMethod) Open(handler ResponseHandler, opts ...CallOption) (*BidirectionalStream, error) {
	if handler == nil {
		logger := m.client.logger
		handler = func(stream *BidirectionalStream, response any) error {
			logger.Info("RPC response", zap.Stringer("rpc", stream.id), zap.Any("response", response))
			return nil
		}
	}

	s := &BidirectionalStream{handler: handler}
	s.ClientStream = newClientStream(m.methodClient, m.options(opts))
	s.ClientStream.onResponseHook = s.onResponse
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

type streamState int

const (
	streamOpen streamState = iota
	streamFinishedOK
	streamFinishedError
)

// ClientStream tracks an open client streaming call.
type ClientStream struct {
	method         methodClient
	id             rpc.Identity
	opts           callOptions
	onResponseHook func(response any) error

	// opened is closed once the initial request went out. Responses may arrive
	// before that, so handlers calling Send must wait for it.
	opened chan struct{}

	mu        sync.Mutex
	call      *AsyncCall
	state     streamState
	status    codes.Code
	response  any
	err       error
	finishing bool
	done      chan struct{}
}

func newClientStream(m methodClient, o callOptions) *ClientStream {
	return &ClientStream{
		method: m,
		id:     m.id,
		opts:   o,
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// open sends the initial request, which carries no payload.
func (s *ClientStream) open() error {
	defer close(s.opened)
	call, err := s.method.invoke(nil, rpc.Callbacks{
		OnResponse:   s.onResponse,
		OnCompletion: s.onCompletion,
		OnError:      s.onError,
	}, s.opts)
	if err != nil {
		s.finish(streamFinishedError, codes.Unknown, err)
		return err
	}

	s.mu.Lock()
	s.call = call
	s.mu.Unlock()
	return nil
}

// handle returns the call handle, or nil if the initial request failed.
func (s *ClientStream) handle() *AsyncCall {
	<-s.opened
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *ClientStream) Identity() rpc.Identity {
	return s.id
}

// Completed reports whether the stream reached a terminal state.
func (s *ClientStream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != streamOpen
}

// Done is closed once the stream reaches a terminal state.
func (s *ClientStream) Done() <-chan struct{} {
	return s.done
}

// Status returns the final status if the stream completed successfully.
func (s *ClientStream) Status() (codes.Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.state == streamFinishedOK
}

// Response returns the most recent response.
func (s *ClientStream) Response() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// Err returns the error the stream failed with, if any.
func (s *ClientStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send sends one request to the server. It fails with ErrStreamClosed once the stream
// is finished or FinishAndWait was called.
func (s *ClientStream) Send(request any) error {
	call := s.handle()
	s.mu.Lock()
	if call == nil || s.state != streamOpen || s.finishing {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	err := s.method.sendClientStream(call.call, request)
	if errors.Is(err, rpc.ErrNotPending) {
		return ErrStreamClosed
	}
	return err
}

// FinishAndWait ends the client stream and waits for the server's final response.
// If the call already failed, the stored error is returned and the end of the stream
// is not sent. On timeout the call is cancelled.
func (s *ClientStream) FinishAndWait(ctx context.Context, opts ...CallOption) (UnaryResponse, error) {
	o := callOptions{timeout: s.opts.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	call := s.handle()

	s.mu.Lock()
	if s.finishing {
		s.mu.Unlock()
		return UnaryResponse{}, ErrAlreadyFinished
	}
	s.finishing = true
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return UnaryResponse{}, err
	}
	open := s.state == streamOpen
	s.mu.Unlock()

	if open {
		err := s.method.sendClientStreamEnd(call.call)
		if err != nil && !errors.Is(err, rpc.ErrNotPending) {
			call.Cancel()
			s.finish(streamFinishedError, codes.Unknown, err)
		}
	}

	if err := wait(ctx, s.done, o.timeout); err != nil {
		call.Cancel()
		if errors.Is(err, errTimedOut) {
			err = &TimeoutError{ID: s.id, Timeout: o.timeout}
		}
		s.finish(streamFinishedError, codes.Unknown, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return UnaryResponse{}, s.err
	}
	return UnaryResponse{Status: s.status, Response: s.response}, nil
}

// Cancel cancels the call. On success the stream fails locally with a Canceled error,
// so a later FinishAndWait returns without a round trip. It returns false if the stream
// is already finished or the dispatcher refused the cancel.
func (s *ClientStream) Cancel() bool {
	call := s.handle()
	s.mu.Lock()
	open := s.state == streamOpen
	s.mu.Unlock()

	if call == nil || !open || !call.Cancel() {
		return false
	}
	s.finish(streamFinishedError, codes.Canceled, newRPCError(s.id, codes.Canceled))
	return true
}

// finish records the terminal state. The first caller wins.
func (s *ClientStream) finish(state streamState, status codes.Code, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamOpen {
		return false
	}
	s.state = state
	s.status = status
	s.err = err
	close(s.done)
	return true
}

func (s *ClientStream) onResponse(_ rpc.Identity, response any, _ ...any) error {
	s.mu.Lock()
	if s.state != streamOpen {
		s.mu.Unlock()
		return nil
	}
	s.response = response
	s.mu.Unlock()

	if s.onResponseHook == nil {
		return nil
	}
	// A failed hook ends the stream here; the caller cancels the call.
	err := invokeCallback(func() error {
		return s.onResponseHook(response)
	})
	if err != nil {
		s.finish(streamFinishedError, codes.Canceled, newRPCError(s.id, codes.Canceled))
	}
	return err
}

func (s *ClientStream) onCompletion(_ rpc.Identity, status codes.Code, _ ...any) error {
	s.finish(streamFinishedOK, status, nil)
	return nil
}

func (s *ClientStream) onError(id rpc.Identity, status codes.Code, _ ...any) error {
	s.finish(streamFinishedError, status, newRPCError(id, status))
	return nil
}

func (s *ClientStream) String() string {
	return "ClientStream(" + s.id.Method.FullName() + ")"
}

// BidirectionalStream is a ClientStream that also keeps every response it receives.
type BidirectionalStream struct {
	*ClientStream
	handler ResponseHandler

	historyMu sync.Mutex
	// TODO: cap the history for long-lived streams such as log subscriptions.
	history []any
}

func (s *BidirectionalStream) onResponse(response any) error {
	s.historyMu.Lock()
	s.history = append(s.history, response)
	s.historyMu.Unlock()

	return s.handler(s, response)
}

// Responses returns every response received so far, in delivery order.
func (s *BidirectionalStream) Responses() []any {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]any(nil), s.history...)
}

func (s *BidirectionalStream) String() string {
	return "BidirectionalStream(" + s.id.Method.FullName() + ")"
}
