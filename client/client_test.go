package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"callback-rpc/internal/mocks"
	"callback-rpc/rpc"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testService = &rpc.Service{Name: "Echo"}
	testChannel = rpc.Channel{ID: 1}

	sayMethod   = &rpc.Method{Service: testService, Name: "Say", Type: rpc.Unary, RequestFields: []string{"text"}}
	countMethod = &rpc.Method{Service: testService, Name: "Count", Type: rpc.ServerStreaming}
	sumMethod   = &rpc.Method{Service: testService, Name: "Sum", Type: rpc.ClientStreaming}
	chatMethod  = &rpc.Method{Service: testService, Name: "Chat", Type: rpc.BidirectionalStreaming}
)

func newTestClient(t *testing.T, opts ...Option) (*mocks.Dispatcher, *Client) {
	d := new(mocks.Dispatcher)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c := New(d, opts...)
	t.Cleanup(func() {
		d.AssertExpectations(t)
	})
	return d, c
}

func identity(m *rpc.Method) rpc.Identity {
	return rpc.NewIdentity(testChannel, m)
}

// expectRequest accepts the next request for m as callID and publishes the registered
// call, so the test can act as the delivery goroutine.
func expectRequest(d *mocks.Dispatcher, m *rpc.Method, callID rpc.CallID) <-chan *rpc.PendingCall {
	calls := make(chan *rpc.PendingCall, 1)
	d.On("SendRequest", identity(m), mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(callID, nil).
		Once().
		Run(func(args mock.Arguments) {
			calls <- &rpc.PendingCall{
				Identity:  args.Get(0).(rpc.Identity),
				ID:        callID,
				Callbacks: args.Get(2).(rpc.Callbacks),
				KeepOpen:  args.Bool(4),
			}
		})
	return calls
}

func TestUnaryCall(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, sayMethod, 7)

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)

	go func() {
		call := <-calls
		d.Handler().HandleResponse(call, "hello")
		d.Handler().HandleCompletion(call, codes.OK)
	}()

	resp, err := unary.Call(context.Background(), "hi")
	as.NoError(err)
	as.Equal(UnaryResponse{Status: codes.OK, Response: "hello"}, resp)
	as.Equal("(OK, hello)", resp.String())
}

func TestUnaryCallNotFound(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, sayMethod, 1)

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)

	go func() {
		d.Handler().HandleError(<-calls, codes.NotFound)
	}()

	_, err = unary.Call(context.Background(), "hi")
	as.Error(err)
	as.True(IsStatus(err, codes.NotFound))
	as.ErrorIs(err, &RPCError{Status: codes.NotFound})
	as.Contains(err.Error(), "Echo.Say")
	as.Contains(err.Error(), "the RPC server does not support this RPC")
}

func TestUnaryCallTimeoutCancels(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, sayMethod, 3)
	d.On("SendCancel", identity(sayMethod), rpc.CallID(3)).Return(true).Once()

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)

	_, err = unary.Call(context.Background(), "hi", WithTimeout(20*time.Millisecond))
	var timeoutErr *TimeoutError
	as.ErrorAs(err, &timeoutErr)
	as.Equal(20*time.Millisecond, timeoutErr.Timeout)
	as.Equal(identity(sayMethod), timeoutErr.ID)
}

func TestUnaryCallContextCanceled(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, sayMethod, 4)
	d.On("SendCancel", identity(sayMethod), rpc.CallID(4)).Return(true).Once()

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = unary.Call(ctx, "hi")
	as.ErrorIs(err, context.Canceled)
}

func TestUnaryCallPending(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	d.On("SendRequest", identity(sayMethod), "hi", mock.Anything, false, false).
		Return(rpc.CallID(0), rpc.ErrPending).
		Once()

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)

	_, err = unary.Call(context.Background(), "hi", WithOverridePending(false))
	as.ErrorIs(err, rpc.ErrPending)
}

func TestMethodClientShapes(t *testing.T) {
	as := require.New(t)
	_, c := newTestClient(t)

	_, err := c.Unary(testChannel, countMethod)
	as.ErrorIs(err, ErrWrongMethodType)
	as.Contains(err.Error(), "server streaming")

	_, err = c.BidirectionalStreaming(testChannel, sumMethod)
	as.ErrorIs(err, ErrWrongMethodType)

	for _, tc := range []struct {
		method *rpc.Method
		want   Invocable
	}{
		{sayMethod, &UnaryMethod{}},
		{countMethod, &ServerStreamingMethod{}},
		{sumMethod, &ClientStreamingMethod{}},
		{chatMethod, &BidirectionalStreamingMethod{}},
	} {
		inv, err := c.MethodClient(testChannel, tc.method)
		as.NoError(err)
		as.IsType(tc.want, inv)
		as.Equal(tc.method.Type, inv.Type())
		as.Equal(identity(tc.method), inv.Identity())
		as.Equal(tc.method.Help(), inv.Help())
	}
}

func TestDefaultTimeouts(t *testing.T) {
	as := require.New(t)
	_, c := newTestClient(t, WithDefaultStreamTimeout(NoTimeout))

	as.Equal(DefaultUnaryTimeout, c.DefaultUnaryTimeout())
	as.Equal(NoTimeout, c.DefaultStreamTimeout())

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)
	as.Equal(DefaultUnaryTimeout, unary.DefaultTimeout())

	sum, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)
	as.Equal(DefaultUnaryTimeout, sum.DefaultTimeout())

	chat, err := c.BidirectionalStreaming(testChannel, chatMethod)
	as.NoError(err)
	as.Equal(NoTimeout, chat.DefaultTimeout())

	as.NoError(c.Close())
}

func TestServerStream(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, countMethod, 2)

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)

	stream, err := m.Call(context.Background(), "count")
	as.NoError(err)

	call := <-calls
	d.Handler().HandleResponse(call, "a")
	d.Handler().HandleResponse(call, "b")
	d.Handler().HandleCompletion(call, codes.OK)

	responses, err := stream.All(context.Background())
	as.NoError(err)
	as.Equal([]any{"a", "b"}, responses)

	status, ok := stream.Status()
	as.True(ok)
	as.Equal(codes.OK, status)

	_, err = stream.Next(context.Background())
	as.ErrorIs(err, io.EOF)
}

func TestServerStreamError(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, countMethod, 2)

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)

	stream, err := m.Call(context.Background(), "count")
	as.NoError(err)

	call := <-calls
	d.Handler().HandleResponse(call, "a")
	d.Handler().HandleError(call, codes.Internal)

	responses, err := stream.All(context.Background())
	as.Equal([]any{"a"}, responses)
	as.True(IsStatus(err, codes.Internal))

	_, ok := stream.Status()
	as.False(ok)
}

func TestServerStreamTimeoutCancelsOnce(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, countMethod, 5)
	d.On("SendCancel", identity(countMethod), rpc.CallID(5)).Return(true).Once()

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)

	stream, err := m.Call(context.Background(), "count", WithTimeout(50*time.Millisecond))
	as.NoError(err)

	_, err = stream.Next(context.Background())
	var timeoutErr *TimeoutError
	as.ErrorAs(err, &timeoutErr)

	_, again := stream.Next(context.Background())
	as.Equal(err, again)
	d.AssertNumberOfCalls(t, "SendCancel", 1)
}

func TestServerStreamCancel(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, countMethod, 6)
	d.On("SendCancel", identity(countMethod), rpc.CallID(6)).Return(true).Once()

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)

	stream, err := m.Call(context.Background(), "count", WithTimeout(NoTimeout))
	as.NoError(err)

	as.True(stream.Cancel())
	as.False(stream.Cancel())

	_, err = stream.Next(context.Background())
	as.True(IsStatus(err, codes.Canceled))
}

func TestServerStreamBreakCancels(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, countMethod, 16)
	d.On("SendCancel", identity(countMethod), rpc.CallID(16)).Return(true).Once()

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)
	stream, err := m.Call(context.Background(), "count", WithTimeout(NoTimeout))
	as.NoError(err)

	d.Handler().HandleResponse(<-calls, "a")
	for response, err := range stream.Responses(context.Background()) {
		as.NoError(err)
		as.Equal("a", response)
		break
	}
	d.AssertNumberOfCalls(t, "SendCancel", 1)

	_, err = stream.Next(context.Background())
	as.True(IsStatus(err, codes.Canceled))
}

func TestServerStreamPanicInLoopCancels(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, countMethod, 17)
	d.On("SendCancel", identity(countMethod), rpc.CallID(17)).Return(true).Once()

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)
	stream, err := m.Call(context.Background(), "count", WithTimeout(NoTimeout))
	as.NoError(err)

	d.Handler().HandleResponse(<-calls, "a")
	as.PanicsWithValue("boom", func() {
		for range stream.Responses(context.Background()) {
			panic("boom")
		}
	})
	d.AssertNumberOfCalls(t, "SendCancel", 1)
}

func TestServerStreamPerPullTimeout(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, countMethod, 18)
	d.On("SendCancel", identity(countMethod), rpc.CallID(18)).Return(true).Once()

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)
	stream, err := m.Call(context.Background(), "count", WithTimeout(NoTimeout))
	as.NoError(err)

	d.Handler().HandleResponse(<-calls, "a")
	response, err := stream.Next(context.Background(), WithTimeout(0))
	as.NoError(err)
	as.Equal("a", response)

	_, err = stream.Next(context.Background(), WithTimeout(20*time.Millisecond))
	var timeoutErr *TimeoutError
	as.ErrorAs(err, &timeoutErr)
	as.Equal(20*time.Millisecond, timeoutErr.Timeout)
	d.AssertNumberOfCalls(t, "SendCancel", 1)
}

func TestClientStream(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, sumMethod, 8)
	id := identity(sumMethod)

	m, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)

	stream, err := m.Open()
	as.NoError(err)
	call := <-calls

	d.On("SendClientStream", id, rpc.CallID(8), 1).Return(nil).Once()
	d.On("SendClientStream", id, rpc.CallID(8), 2).Return(nil).Once()
	d.On("SendClientStreamEnd", id, rpc.CallID(8)).Return(nil).Once().Run(func(mock.Arguments) {
		d.Handler().HandleResponse(call, 3)
		d.Handler().HandleCompletion(call, codes.OK)
	})

	as.NoError(stream.Send(1))
	as.NoError(stream.Send(2))

	resp, err := stream.FinishAndWait(context.Background())
	as.NoError(err)
	as.Equal(UnaryResponse{Status: codes.OK, Response: 3}, resp)
	as.True(stream.Completed())

	as.ErrorIs(stream.Send(4), ErrStreamClosed)
	_, err = stream.FinishAndWait(context.Background())
	as.ErrorIs(err, ErrAlreadyFinished)
}

func TestClientStreamErrorBeforeFinish(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, sumMethod, 8)

	m, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)

	stream, err := m.Open()
	as.NoError(err)
	d.Handler().HandleError(<-calls, codes.Unavailable)

	as.ErrorIs(stream.Send(1), ErrStreamClosed)

	_, err = stream.FinishAndWait(context.Background())
	as.True(IsStatus(err, codes.Unavailable))
	d.AssertNotCalled(t, "SendClientStreamEnd", mock.Anything, mock.Anything)
}

func TestClientStreamSendAfterRetirement(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, sumMethod, 8)
	d.On("SendClientStream", identity(sumMethod), rpc.CallID(8), 1).Return(rpc.ErrNotPending).Once()

	m, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)

	stream, err := m.Open()
	as.NoError(err)
	as.ErrorIs(stream.Send(1), ErrStreamClosed)
}

func TestClientStreamFinishTimeout(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, sumMethod, 8)
	id := identity(sumMethod)
	d.On("SendClientStreamEnd", id, rpc.CallID(8)).Return(nil).Once()
	d.On("SendCancel", id, rpc.CallID(8)).Return(true).Once()

	m, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)

	stream, err := m.Open()
	as.NoError(err)

	_, err = stream.FinishAndWait(context.Background(), WithTimeout(20*time.Millisecond))
	var timeoutErr *TimeoutError
	as.ErrorAs(err, &timeoutErr)
	as.True(stream.Completed())
	as.Equal(err, stream.Err())
}

func TestClientStreamCancel(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	expectRequest(d, sumMethod, 8)
	d.On("SendCancel", identity(sumMethod), rpc.CallID(8)).Return(true).Once()

	m, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)

	stream, err := m.Open()
	as.NoError(err)

	as.True(stream.Cancel())
	as.False(stream.Cancel())

	_, err = stream.FinishAndWait(context.Background())
	as.True(IsStatus(err, codes.Canceled))
	d.AssertNotCalled(t, "SendClientStreamEnd", mock.Anything, mock.Anything)
}

func TestCancelRacesCompletion(t *testing.T) {
	for i := 0; i < 50; i++ {
		d, c := newTestClient(t)
		calls := expectRequest(d, sumMethod, 8)
		d.On("SendCancel", identity(sumMethod), rpc.CallID(8)).Return(true).Maybe()

		m, err := c.ClientStreaming(testChannel, sumMethod)
		require.NoError(t, err)
		stream, err := m.Open()
		require.NoError(t, err)
		call := <-calls

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			stream.Cancel()
		}()
		go func() {
			defer wg.Done()
			d.Handler().HandleCompletion(call, codes.OK)
		}()
		wg.Wait()

		<-stream.Done()
		status, ok := stream.Status()
		if ok {
			require.Equal(t, codes.OK, status)
			require.NoError(t, stream.Err())
		} else {
			require.True(t, IsStatus(stream.Err(), codes.Canceled))
		}
	}
}

func TestBidirectionalStream(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, chatMethod, 9)
	id := identity(chatMethod)

	m, err := c.BidirectionalStreaming(testChannel, chatMethod)
	as.NoError(err)

	var seen []any
	stream, err := m.Open(func(s *BidirectionalStream, response any) error {
		seen = append(seen, response)
		return s.Send("ack")
	})
	as.NoError(err)
	call := <-calls

	d.On("SendClientStream", id, rpc.CallID(9), "ack").Return(nil).Twice()

	d.Handler().HandleResponse(call, "r1")
	d.Handler().HandleResponse(call, "r2")
	as.Equal([]any{"r1", "r2"}, seen)
	as.Equal([]any{"r1", "r2"}, stream.Responses())
	as.Equal("r2", stream.Response())

	d.Handler().HandleCompletion(call, codes.OK)
	as.True(stream.Completed())
	as.False(stream.Cancel())
	d.AssertNotCalled(t, "SendCancel", mock.Anything, mock.Anything)
}

func TestBidirectionalHandlerErrorCancels(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, chatMethod, 9)
	d.On("SendCancel", identity(chatMethod), rpc.CallID(9)).Return(true).Once()

	m, err := c.BidirectionalStreaming(testChannel, chatMethod)
	as.NoError(err)

	stream, err := m.Open(func(*BidirectionalStream, any) error {
		return errors.New("unexpected response")
	})
	as.NoError(err)

	d.Handler().HandleResponse(<-calls, "r1")
	as.True(stream.Completed())
	as.True(IsStatus(stream.Err(), codes.Canceled))
	as.False(stream.Cancel())

	_, err = stream.FinishAndWait(context.Background(), WithTimeout(0))
	as.True(IsStatus(err, codes.Canceled))
	d.AssertNotCalled(t, "SendClientStreamEnd", mock.Anything, mock.Anything)
	d.AssertNumberOfCalls(t, "SendCancel", 1)
}

func TestBidirectionalHandlerPanicCancels(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	calls := expectRequest(d, chatMethod, 10)
	d.On("SendCancel", identity(chatMethod), rpc.CallID(10)).Return(true).Once()

	m, err := c.BidirectionalStreaming(testChannel, chatMethod)
	as.NoError(err)

	stream, err := m.Open(func(*BidirectionalStream, any) error {
		panic("boom")
	})
	as.NoError(err)

	as.NotPanics(func() {
		d.Handler().HandleResponse(<-calls, "r1")
	})
	select {
	case <-stream.Done():
	default:
		t.Fatal("stream still open after a panicking handler")
	}
	as.True(IsStatus(stream.Err(), codes.Canceled))
	as.Equal([]any{"r1"}, stream.Responses())
}

func TestStreamOpenPassesCallOptions(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	d.On("SendRequest", identity(sumMethod), nil, mock.Anything, true, false).Return(rpc.CallID(13), nil).Once()
	d.On("SendRequest", identity(sumMethod), nil, mock.Anything, false, true).Return(rpc.CallID(14), nil).Once()
	d.On("SendRequest", identity(chatMethod), nil, mock.Anything, false, true).Return(rpc.CallID(15), nil).Once()

	sum, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)
	_, err = sum.Open()
	as.NoError(err)
	_, err = sum.Open(WithOverridePending(false), WithKeepOpen(true))
	as.NoError(err)

	chat, err := c.BidirectionalStreaming(testChannel, chatMethod)
	as.NoError(err)
	_, err = chat.Open(nil, WithOverridePending(false), WithKeepOpen(true))
	as.NoError(err)
}

func TestStreamOpenRefusedWhilePending(t *testing.T) {
	as := require.New(t)
	d, c := newTestClient(t)
	d.On("SendRequest", identity(sumMethod), nil, mock.Anything, false, false).Return(rpc.CallID(0), rpc.ErrPending).Once()

	sum, err := c.ClientStreaming(testChannel, sumMethod)
	as.NoError(err)
	_, err = sum.Open(WithOverridePending(false))
	as.ErrorIs(err, rpc.ErrPending)
}

func TestCallbackFaultsAreIsolated(t *testing.T) {
	as := require.New(t)
	core, logs := observer.New(zap.InfoLevel)
	d, c := newTestClient(t, WithLogger(zap.New(core)))
	calls := expectRequest(d, sayMethod, 11)
	d.On("SendCancel", identity(sayMethod), rpc.CallID(11)).Return(true).Once()

	unary, err := c.Unary(testChannel, sayMethod)
	as.NoError(err)

	_, err = unary.Invoke("hi", rpc.Callbacks{
		OnResponse: func(rpc.Identity, any, ...any) error {
			panic("boom")
		},
		OnCompletion: func(rpc.Identity, codes.Code, ...any) error {
			return errors.New("completion failed")
		},
	})
	as.NoError(err)
	call := <-calls

	as.NotPanics(func() {
		d.Handler().HandleResponse(call, "hello")
	})
	d.Handler().HandleCompletion(call, codes.OK)
	d.Handler().HandleError(call, codes.Aborted)

	as.Equal(1, logs.FilterMessage("Response callback raised an error").Len())
	as.Equal(1, logs.FilterMessage("Completion callback raised an error").Len())
	// The unset error callback falls back to the logging default.
	as.Equal(1, logs.FilterMessage("RPC error").Len())
	d.AssertNumberOfCalls(t, "SendCancel", 1)
}

func TestInvokeUsesDefaultCallbacks(t *testing.T) {
	as := require.New(t)
	var completed []codes.Code
	d, c := newTestClient(t, WithDefaultCallbacks(rpc.Callbacks{
		OnCompletion: func(_ rpc.Identity, status codes.Code, _ ...any) error {
			completed = append(completed, status)
			return nil
		},
	}))
	d.On("SendRequest", identity(countMethod), "req", mock.Anything, false, true).
		Return(rpc.CallID(12), nil).
		Once().
		Run(func(args mock.Arguments) {
			cb := args.Get(2).(rpc.Callbacks)
			as.NotNil(cb.OnResponse)
			as.NotNil(cb.OnError)
			as.NoError(cb.OnCompletion(identity(countMethod), codes.OK))
		})
	d.On("SendCancel", identity(countMethod), rpc.CallID(12)).Return(true).Once()

	m, err := c.ServerStreaming(testChannel, countMethod)
	as.NoError(err)

	call, err := m.Invoke("req", rpc.Callbacks{}, WithOverridePending(false), WithKeepOpen(true))
	as.NoError(err)
	as.Equal([]codes.Code{codes.OK}, completed)
	as.Equal(identity(countMethod), call.Identity())

	as.True(call.Cancel())
	as.False(call.Cancel())
	as.NoError(call.Close())
}
