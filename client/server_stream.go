package client

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"callback-rpc/rpc"

	"google.golang.org/grpc/codes"
)

// ServerStreamingMethod invokes a server streaming RPC.
type ServerStreamingMethod struct {
	methodClient
}

// Call sends request and returns the stream of responses. The timeout applies to each
// pull from the stream, not to the stream as a whole.
func (m *ServerStreamingMethod) Call(ctx context.Context, request any, opts ...CallOption) (*ServerStream, error) {
	o := m.options(opts)
	s := &ServerStream{
		id:      m.id,
		queue:   newQueue[streamItem](),
		timeout: o.timeout,
	}

	call, err := m.invoke(request, s.callbacks(), o)
	if err != nil {
		return nil, err
	}
	s.call = call
	return s, nil
}

type itemKind int

const (
	itemResponse itemKind = iota
	itemStatus
	itemError
)

type streamItem struct {
	kind     itemKind
	response any
	status   codes.Code
}

// ServerStream is a lazy, single-pass sequence of responses.
type ServerStream struct {
	id      rpc.Identity
	call    *AsyncCall
	queue   *queue[streamItem]
	timeout time.Duration

	mu       sync.Mutex
	status   codes.Code
	finished bool
	err      error // returned by every pull once the stream is finished
}

func (s *ServerStream) callbacks() rpc.Callbacks {
	return rpc.Callbacks{
		OnResponse: func(_ rpc.Identity, response any, _ ...any) error {
			s.queue.push(streamItem{kind: itemResponse, response: response})
			return nil
		},
		OnCompletion: func(_ rpc.Identity, status codes.Code, _ ...any) error {
			s.queue.push(streamItem{kind: itemStatus, status: status})
			return nil
		},
		OnError: func(_ rpc.Identity, status codes.Code, _ ...any) error {
			s.queue.push(streamItem{kind: itemError, status: status})
			return nil
		},
	}
}

func (s *ServerStream) Identity() rpc.Identity {
	return s.id
}

// Status returns the final status once the stream ended normally.
func (s *ServerStream) Status() (codes.Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.finished && s.err == io.EOF
}

// Cancel ends the call early. Pending pulls observe a Canceled RPC error.
func (s *ServerStream) Cancel() bool {
	if !s.call.Cancel() {
		return false
	}
	s.queue.push(streamItem{kind: itemError, status: codes.Canceled})
	return true
}

// Next returns the next response. It returns io.EOF once the server completed the call,
// an *RPCError if the call failed and a *TimeoutError if nothing arrived within the
// timeout. WithTimeout overrides the stream's timeout for this pull only. A timeout or
// the end of ctx cancels the call.
func (s *ServerStream) Next(ctx context.Context, opts ...CallOption) (any, error) {
	o := callOptions{timeout: s.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.finished {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	item, err := s.queue.pop(ctx, o.timeout)
	if err != nil {
		s.call.Cancel()
		if errors.Is(err, errTimedOut) {
			err = &TimeoutError{ID: s.id, Timeout: o.timeout}
		}
		return nil, s.finish(codes.Unknown, err)
	}

	switch item.kind {
	case itemStatus:
		return nil, s.finish(item.status, io.EOF)
	case itemError:
		return nil, s.finish(item.status, newRPCError(s.id, item.status))
	default:
		return item.response, nil
	}
}

func (s *ServerStream) finish(status codes.Code, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		s.status = status
		s.err = err
	}
	return s.err
}

// Responses iterates over the remaining responses, passing opts to every pull. The
// iteration stops after the first error; a normal end of stream yields no error.
// Leaving the loop early, by break, return or panic, cancels the call.
func (s *ServerStream) Responses(ctx context.Context, opts ...CallOption) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer s.cancelUnfinished()
		for {
			response, err := s.Next(ctx, opts...)
			if err == io.EOF {
				return
			}
			if !yield(response, err) || err != nil {
				return
			}
		}
	}
}

// cancelUnfinished cancels the call unless a pull already saw the end of the stream.
func (s *ServerStream) cancelUnfinished() {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if !finished {
		s.Cancel()
	}
}

// All drains the stream into a slice.
func (s *ServerStream) All(ctx context.Context, opts ...CallOption) ([]any, error) {
	var responses []any
	for response, err := range s.Responses(ctx, opts...) {
		if err != nil {
			return responses, err
		}
		responses = append(responses, response)
	}
	return responses, nil
}

func (s *ServerStream) String() string {
	return "ServerStream(" + s.id.Method.FullName() + ")"
}

// queue is an unbounded FIFO with a single consumer. push never blocks, so the
// delivery goroutine cannot stall on a slow consumer.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *queue[T]) pop(ctx context.Context, timeout time.Duration) (T, error) {
	var expired <-chan time.Time
	if timeout != NoTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-expired:
			if item, ok := q.tryPop(); ok {
				return item, nil
			}
			var zero T
			return zero, errTimedOut
		}
	}
}
