package client

import (
	"context"
	"time"

	"callback-rpc/rpc"

	"go.uber.org/atomic"
)

// Invocable is implemented by the method client of every call shape.
type Invocable interface {
	Identity() rpc.Identity
	Type() rpc.MethodType
	// Invoke starts the call and returns immediately. Unset callbacks fall back to
	// the Client's defaults.
	Invoke(request any, cb rpc.Callbacks, opts ...CallOption) (*AsyncCall, error)
	Help() string
}

var (
	_ Invocable = (*UnaryMethod)(nil)
	_ Invocable = (*ServerStreamingMethod)(nil)
	_ Invocable = (*ClientStreamingMethod)(nil)
	_ Invocable = (*BidirectionalStreamingMethod)(nil)
)

type callOptions struct {
	timeout         time.Duration
	timeoutSet      bool
	overridePending bool
	keepOpen        bool
}

type CallOption func(*callOptions)

// WithTimeout overrides the method's default timeout. Zero fails immediately unless a
// result is already available; NoTimeout waits indefinitely.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithOverridePending controls whether a call replaces a pending call on the same
// identity (the default) or fails with rpc.ErrPending.
func WithOverridePending(override bool) CallOption {
	return func(o *callOptions) { o.overridePending = override }
}

// WithKeepOpen keeps the call registered after its completion so the server may keep
// sending responses on it.
func WithKeepOpen(keepOpen bool) CallOption {
	return func(o *callOptions) { o.keepOpen = keepOpen }
}

// methodClient is shared by the per-shape method clients.
type methodClient struct {
	client         *Client
	id             rpc.Identity
	defaultTimeout time.Duration
}

func (m *methodClient) options(opts []CallOption) callOptions {
	o := callOptions{
		timeout:         m.defaultTimeout,
		overridePending: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (m *methodClient) Identity() rpc.Identity {
	return m.id
}

func (m *methodClient) Type() rpc.MethodType {
	return m.id.Method.Type
}

func (m *methodClient) Channel() rpc.Channel {
	return m.id.Channel
}

func (m *methodClient) Method() *rpc.Method {
	return m.id.Method
}

// DefaultTimeout returns the timeout used when a call does not set one.
func (m *methodClient) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

func (m *methodClient) Help() string {
	return m.id.Method.Help()
}

func (m *methodClient) String() string {
	return m.id.Method.FullName()
}

func (m *methodClient) Invoke(request any, cb rpc.Callbacks, opts ...CallOption) (*AsyncCall, error) {
	return m.invoke(request, withDefaults(cb, m.client.defaults), m.options(opts))
}

func (m *methodClient) invoke(request any, cb rpc.Callbacks, o callOptions) (*AsyncCall, error) {
	d := m.client.dispatcher
	callID, err := d.SendRequest(m.id, request, cb, o.overridePending, o.keepOpen)
	if err != nil {
		return nil, err
	}
	return &AsyncCall{
		dispatcher: d,
		id:         m.id,
		call:       callID,
		cancelled:  atomic.NewBool(false),
	}, nil
}

func (m *methodClient) sendClientStream(call rpc.CallID, chunk any) error {
	return m.client.dispatcher.SendClientStream(m.id, call, chunk)
}

func (m *methodClient) sendClientStreamEnd(call rpc.CallID) error {
	return m.client.dispatcher.SendClientStreamEnd(m.id, call)
}

// AsyncCall is the capability to cancel one in-flight call.
type AsyncCall struct {
	dispatcher Dispatcher
	id         rpc.Identity
	call       rpc.CallID
	cancelled  *atomic.Bool
}

func (a *AsyncCall) Identity() rpc.Identity {
	return a.id
}

// Cancel asks the dispatcher to end the call. It returns false if the call was already
// cancelled or is no longer active.
func (a *AsyncCall) Cancel() bool {
	if !a.cancelled.CompareAndSwap(false, true) {
		return false
	}
	return a.dispatcher.SendCancel(a.id, a.call)
}

// Close cancels the call, so an AsyncCall can be scoped with defer.
func (a *AsyncCall) Close() error {
	a.Cancel()
	return nil
}

// wait blocks until done is closed, ctx ends or timeout elapses. A result that is ready
// when the timeout fires wins over the timeout.
func wait(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout != NoTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		select {
		case <-done:
			return nil
		default:
			return errTimedOut
		}
	}
}
