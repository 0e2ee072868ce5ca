package main

import (
	"context"
	"strings"
	"time"

	"callback-rpc/middleware"
	"callback-rpc/rpc"
	"callback-rpc/server"
)

const echoServiceName = "Echo"

type textMessage struct {
	Text string `json:"text"`
}

type countRequest struct {
	N        int           `json:"n"`
	Interval time.Duration `json:"interval"`
}

type countReply struct {
	Value int `json:"value"`
}

type sumReply struct {
	Sum int `json:"sum"`
}

var (
	echoService = &rpc.Service{Name: echoServiceName}

	sayMethod = &rpc.Method{
		Service:       echoService,
		Name:          "Say",
		Type:          rpc.Unary,
		Doc:           "Returns the request unchanged.",
		RequestFields: []string{"text"},
		NewResponse:   func() any { return new(textMessage) },
	}
	countMethod = &rpc.Method{
		Service:       echoService,
		Name:          "Count",
		Type:          rpc.ServerStreaming,
		Doc:           "Streams the numbers 0 to n-1, one every interval.",
		RequestFields: []string{"n", "interval"},
		NewResponse:   func() any { return new(countReply) },
	}
	sumMethod = &rpc.Method{
		Service:     echoService,
		Name:        "Sum",
		Type:        rpc.ClientStreaming,
		Doc:         "Adds every streamed number and returns the total.",
		NewResponse: func() any { return new(sumReply) },
	}
	chatMethod = &rpc.Method{
		Service:       echoService,
		Name:          "Chat",
		Type:          rpc.BidirectionalStreaming,
		Doc:           "Answers every message with its upper case form.",
		RequestFields: []string{"text"},
		NewResponse:   func() any { return new(textMessage) },
	}

	echoMethods = []*rpc.Method{sayMethod, countMethod, sumMethod, chatMethod}
)

func registerEcho(s *server.Server) error {
	if err := s.RegisterUnary(sayMethod.FullName(), say); err != nil {
		return err
	}
	if err := s.RegisterServerStream(countMethod.FullName(), count); err != nil {
		return err
	}
	if err := s.RegisterClientStream(sumMethod.FullName(), sum); err != nil {
		return err
	}
	return s.RegisterBidirectional(chatMethod.FullName(), chat)
}

func say(_ context.Context, req *middleware.Request) ([]byte, error) {
	var msg textMessage
	if err := server.Unmarshal(req.Payload, &msg); err != nil {
		return nil, err
	}
	return server.Marshal(msg)
}

func count(ctx context.Context, req *middleware.Request, w *server.ResponseWriter) error {
	var r countRequest
	if err := server.Unmarshal(req.Payload, &r); err != nil {
		return err
	}
	for i := 0; i < r.N; i++ {
		if i > 0 && r.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Interval):
			}
		}
		if err := w.Send(countReply{Value: i}); err != nil {
			return err
		}
	}
	return nil
}

func sum(ctx context.Context, requests <-chan []byte) ([]byte, error) {
	total := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case payload, ok := <-requests:
			if !ok {
				return server.Marshal(sumReply{Sum: total})
			}
			var v int
			if err := server.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			total += v
		}
	}
}

func chat(ctx context.Context, requests <-chan []byte, w *server.ResponseWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-requests:
			if !ok {
				return nil
			}
			var msg textMessage
			if err := server.Unmarshal(payload, &msg); err != nil {
				return err
			}
			if err := w.Send(textMessage{Text: strings.ToUpper(msg.Text)}); err != nil {
				return err
			}
		}
	}
}
