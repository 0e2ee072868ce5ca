package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// DialConfig controls how Dial retries a failing connect.
type DialConfig struct {
	Attempts uint
	Delay    time.Duration
	Timeout  time.Duration // per attempt
}

var DefaultDialConfig = DialConfig{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Timeout:  3 * time.Second,
}

// Dial connects to addr over TCP and returns a Dispatcher on the connection. Failed
// attempts are retried with backoff until cfg.Attempts is reached or ctx ends.
func Dial(ctx context.Context, addr string, cfg DialConfig, opts ...Option) (*Dispatcher, error) {
	logger := zap.NewNop()
	optioned := &Dispatcher{logger: logger}
	for _, opt := range opts {
		opt(optioned)
	}
	logger = optioned.logger

	conn, err := retry.DoWithData(func() (net.Conn, error) {
		dialer := net.Dialer{Timeout: cfg.Timeout}
		return dialer.DialContext(ctx, "tcp", addr)
	},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("Retrying dial", zap.String("addr", addr), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewDispatcher(conn, opts...), nil
}
