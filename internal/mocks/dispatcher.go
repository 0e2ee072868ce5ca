package mocks

import (
	"sync"

	"callback-rpc/rpc"

	"github.com/stretchr/testify/mock"
)

// Dispatcher is a testify mock of client.Dispatcher. Attach is not mocked: the handler
// is kept so tests can play the role of the delivery goroutine.
type Dispatcher struct {
	mock.Mock

	mu      sync.Mutex
	handler rpc.Handler
}

func (d *Dispatcher) Attach(h rpc.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *Dispatcher) Handler() rpc.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

func (d *Dispatcher) SendRequest(id rpc.Identity, request any, cb rpc.Callbacks, overridePending, keepOpen bool) (rpc.CallID, error) {
	args := d.Called(id, request, cb, overridePending, keepOpen)
	e := args.Error(1)
	if e != nil {
		return 0, e
	}
	return args.Get(0).(rpc.CallID), nil
}

func (d *Dispatcher) SendCancel(id rpc.Identity, call rpc.CallID) bool {
	args := d.Called(id, call)
	return args.Bool(0)
}

func (d *Dispatcher) SendClientStream(id rpc.Identity, call rpc.CallID, chunk any) error {
	args := d.Called(id, call, chunk)
	return args.Error(0)
}

func (d *Dispatcher) SendClientStreamEnd(id rpc.Identity, call rpc.CallID) error {
	args := d.Called(id, call)
	return args.Error(0)
}
