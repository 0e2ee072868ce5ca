package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callback-rpc/rpc"

	"google.golang.org/grpc/codes"
)

// UnaryResponse is the result of a unary or client streaming call.
type UnaryResponse struct {
	Status   codes.Code
	Response any
}

func (r UnaryResponse) String() string {
	return fmt.Sprintf("(%s, %v)", r.Status, r.Response)
}

// UnaryMethod invokes a unary RPC.
type UnaryMethod struct {
	methodClient
}

// Call sends request and blocks until the call finishes, ctx ends or the timeout
// elapses. On timeout or cancellation of ctx the call is cancelled.
func (m *UnaryMethod) Call(ctx context.Context, request any, opts ...CallOption) (UnaryResponse, error) {
	o := m.options(opts)
	h := newUnaryHandler(m.id)

	call, err := m.invoke(request, h.callbacks(), o)
	if err != nil {
		return UnaryResponse{}, err
	}

	if err := wait(ctx, h.done, o.timeout); err != nil {
		call.Cancel()
		if errors.Is(err, errTimedOut) {
			return UnaryResponse{}, &TimeoutError{ID: m.id, Timeout: o.timeout}
		}
		return UnaryResponse{}, err
	}
	return h.result()
}

// unaryHandler tracks the state of one synchronous unary call.
type unaryHandler struct {
	id rpc.Identity

	mu       sync.Mutex
	response any
	status   codes.Code
	err      error
	finished bool
	done     chan struct{}
}

func newUnaryHandler(id rpc.Identity) *unaryHandler {
	return &unaryHandler{
		id:   id,
		done: make(chan struct{}),
	}
}

func (h *unaryHandler) callbacks() rpc.Callbacks {
	return rpc.Callbacks{
		OnResponse:   h.onResponse,
		OnCompletion: h.onCompletion,
		OnError:      h.onError,
	}
}

func (h *unaryHandler) onResponse(_ rpc.Identity, response any, _ ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		h.response = response
	}
	return nil
}

func (h *unaryHandler) onCompletion(_ rpc.Identity, status codes.Code, _ ...any) error {
	h.finish(status, nil)
	return nil
}

func (h *unaryHandler) onError(_ rpc.Identity, status codes.Code, _ ...any) error {
	h.finish(status, newRPCError(h.id, status))
	return nil
}

func (h *unaryHandler) finish(status codes.Code, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	h.status = status
	h.err = err
	close(h.done)
}

func (h *unaryHandler) result() (UnaryResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return UnaryResponse{}, h.err
	}
	return UnaryResponse{Status: h.status, Response: h.response}, nil
}
