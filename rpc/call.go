package rpc

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
)

var (
	// ErrPending is returned when an identity is occupied and the caller did not ask
	// to override the pending call.
	ErrPending = errors.New("an RPC is already pending for this identity")
	// ErrNotPending is returned for stream operations on a call that is no longer active.
	ErrNotPending = errors.New("the RPC is not pending")
)

// Identity selects one logical call: at most one call per identity is active at a time.
type Identity struct {
	Channel Channel
	Service *Service
	Method  *Method
}

// NewIdentity builds the identity of method on channel.
func NewIdentity(channel Channel, method *Method) Identity {
	return Identity{Channel: channel, Service: method.Service, Method: method}
}

// Key returns the call-table key of the identity.
func (id Identity) Key() string {
	return Key(id.Channel.ID, id.Method.FullName())
}

func (id Identity) String() string {
	return fmt.Sprintf("PendingRPC(channel=%d, method=%s)", id.Channel.ID, id.Method.FullName())
}

// Key builds a call-table key from its wire components.
func Key(channelID uint32, serviceMethod string) string {
	return fmt.Sprintf("%d/%s", channelID, serviceMethod)
}

// CallID distinguishes successive calls that share one identity.
type CallID uint32

// AnyCall matches whichever call currently occupies an identity.
const AnyCall CallID = 0

type (
	// ResponseCallback receives one response payload. Extra args are forwarded from
	// the dispatcher unchanged.
	ResponseCallback func(id Identity, response any, args ...any) error
	// CompletionCallback receives the final status of a call that completed.
	CompletionCallback func(id Identity, status codes.Code, args ...any) error
	// ErrorCallback receives the status of a call that failed.
	ErrorCallback func(id Identity, status codes.Code, args ...any) error
)

// Callbacks is the bundle bound to one invocation.
type Callbacks struct {
	OnResponse   ResponseCallback
	OnCompletion CompletionCallback
	OnError      ErrorCallback
}

// PendingCall is one invocation registered with a dispatcher. Its exported fields are
// immutable once registered.
type PendingCall struct {
	Identity  Identity
	ID        CallID
	Callbacks Callbacks
	KeepOpen  bool

	retired atomic.Bool
}

// Retire marks the call as finished. It reports whether the call was still live, so
// exactly one caller observes true.
func (c *PendingCall) Retire() bool {
	return c.retired.CompareAndSwap(false, true)
}

// Retired reports whether the call received its terminal notification or was
// cancelled. A retired call gets no further notifications.
func (c *PendingCall) Retired() bool {
	return c.retired.Load()
}

// Handler receives the inbound notifications of a dispatcher. Notifications for one
// identity are delivered sequentially.
type Handler interface {
	HandleResponse(call *PendingCall, payload any, args ...any)
	HandleCompletion(call *PendingCall, status codes.Code, args ...any)
	HandleError(call *PendingCall, status codes.Code, args ...any)
}
