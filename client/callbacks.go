package client

import (
	"fmt"

	"callback-rpc/rpc"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// DefaultCallbacks returns the bundle used when an invocation does not supply its own:
// responses and completions are logged at info level, errors at error level.
func DefaultCallbacks(logger *zap.Logger) rpc.Callbacks {
	return rpc.Callbacks{
		OnResponse: func(id rpc.Identity, response any, _ ...any) error {
			logger.Info("RPC response", zap.Stringer("rpc", id), zap.Any("response", response))
			return nil
		},
		OnCompletion: func(id rpc.Identity, status codes.Code, _ ...any) error {
			logger.Info("RPC finished", zap.Stringer("rpc", id), zap.Stringer("status", status))
			return nil
		},
		OnError: func(id rpc.Identity, status codes.Code, _ ...any) error {
			logger.Error("RPC error", zap.Stringer("rpc", id), zap.Stringer("status", status))
			return nil
		},
	}
}

// withDefaults fills the unset members of cb from defaults.
func withDefaults(cb rpc.Callbacks, defaults rpc.Callbacks) rpc.Callbacks {
	if cb.OnResponse == nil {
		cb.OnResponse = defaults.OnResponse
	}
	if cb.OnCompletion == nil {
		cb.OnCompletion = defaults.OnCompletion
	}
	if cb.OnError == nil {
		cb.OnError = defaults.OnError
	}
	return cb
}

// invokeCallback runs a user callback, converting a panic into an error.
func invokeCallback(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panicked: %v", p)
		}
	}()
	return fn()
}
