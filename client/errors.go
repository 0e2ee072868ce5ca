package client

import (
	"errors"
	"fmt"
	"time"

	"callback-rpc/rpc"

	"google.golang.org/grpc/codes"
)

var (
	ErrStreamClosed    = errors.New("stream is already finished")
	ErrAlreadyFinished = errors.New("FinishAndWait was already called on this stream")
	ErrWrongMethodType = errors.New("method has a different call shape")

	// errTimedOut is the internal signal of an elapsed wait; callers see *TimeoutError.
	errTimedOut = errors.New("timed out")
)

// RPCError is returned when the dispatcher delivers an error notification.
type RPCError struct {
	ID     rpc.Identity
	Status codes.Code
}

func newRPCError(id rpc.Identity, status codes.Code) *RPCError {
	return &RPCError{ID: id, Status: status}
}

func (e *RPCError) Error() string {
	msg := ""
	if e.Status == codes.NotFound {
		msg = ": the RPC server does not support this RPC"
	}
	return fmt.Sprintf("%s failed with error %s%s", e.ID.Method.FullName(), e.Status, msg)
}

// Is matches another *RPCError with the same status, so callers can test for a
// status without unpacking the identity.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	return ok && t.Status == e.Status
}

// TimeoutError is returned when no terminal notification arrived in time.
type TimeoutError struct {
	ID      rpc.Identity
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response received for %s after %s", e.ID.Method.FullName(), e.Timeout)
}

// IsStatus reports whether err is an RPC error carrying status.
func IsStatus(err error, status codes.Code) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Status == status
}
