// Package server implements the reference RPC server: a peer speaking the frame protocol
// for all four call shapes, with a middleware chain for unary handlers, cancellation and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (single goroutine reads frames)
//	  → Request: go runCall (one goroutine per call)
//	    → unary:     Middleware Chain → handler → Response
//	    → streaming: handler(ctx, requests, ResponseWriter) → ServerStream... → Response
//	  → ClientStream / ClientStreamEnd: fed to the call's request channel
//	  → Cancel: cancels the call's context, nothing more is sent for it
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"callback-rpc/middleware"
	"callback-rpc/registry"
	"callback-rpc/rpc"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultRegisterTTL is the lease of registry entries written by Serve.
const DefaultRegisterTTL = 10 * time.Second

var ErrServerClosed = errors.New("server: closed")

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server serves registered handlers over the frame protocol.
type Server struct {
	logger      *zap.Logger
	handlers    *skipmap.StringMap[*methodHandler] // "Service.Method" → handler
	middlewares []middleware.Middleware
	unary       middleware.HandlerFunc // middleware(middleware(...(dispatchUnary)))

	mu            sync.Mutex
	listener      net.Listener
	conns         map[*conn]struct{}
	registry      registry.Registry
	advertiseAddr string

	calls    sync.WaitGroup // in-flight calls
	connWG   sync.WaitGroup // connection read loops
	shutdown *atomic.Bool
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		handlers: skipmap.NewString[*methodHandler](),
		conns:    make(map[*conn]struct{}),
		shutdown: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unary = s.dispatchUnary
	return s
}

// Use registers a middleware for unary handlers. Middlewares run in the order they are
// added. Use must be called before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) register(serviceMethod string, h *methodHandler) error {
	if _, _, err := rpc.SplitServiceMethod(serviceMethod); err != nil {
		return err
	}
	if _, loaded := s.handlers.LoadOrStore(serviceMethod, h); loaded {
		return fmt.Errorf("server: %s is already registered", serviceMethod)
	}
	return nil
}

func (s *Server) RegisterUnary(serviceMethod string, h middleware.HandlerFunc) error {
	return s.register(serviceMethod, &methodHandler{typ: rpc.Unary, unary: h})
}

func (s *Server) RegisterServerStream(serviceMethod string, h ServerStreamHandler) error {
	return s.register(serviceMethod, &methodHandler{typ: rpc.ServerStreaming, serverStream: h})
}

func (s *Server) RegisterClientStream(serviceMethod string, h ClientStreamHandler) error {
	return s.register(serviceMethod, &methodHandler{typ: rpc.ClientStreaming, clientStream: h})
}

func (s *Server) RegisterBidirectional(serviceMethod string, h BidirectionalHandler) error {
	return s.register(serviceMethod, &methodHandler{typ: rpc.BidirectionalStreaming, bidirectional: h})
}

// Services returns the names of every service with at least one registered method.
func (s *Server) Services() []string {
	var services []string
	seen := map[string]bool{}
	s.handlers.Range(func(serviceMethod string, _ *methodHandler) bool {
		svc, _, _ := rpc.SplitServiceMethod(serviceMethod)
		if !seen[svc] {
			seen[svc] = true
			services = append(services, svc)
		}
		return true
	})
	return services
}

// Serve listens on address and serves until Shutdown. See ServeListener.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves connections accepted on listener until Shutdown, after which it
// returns nil.
//
// advertiseAddr is the address published to reg. It differs from the listen address
// because ":8080" is not routable from other hosts. A nil reg skips registration.
func (s *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	// Build the middleware chain once, not per request.
	s.unary = middleware.Chain(s.middlewares...)(s.dispatchUnary)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.registry = reg
	s.advertiseAddr = advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		for _, svc := range s.Services() {
			err := reg.Register(context.Background(), svc, registry.ServiceInstance{
				Addr:   advertiseAddr,
				Weight: 1,
			}, DefaultRegisterTTL)
			if err != nil {
				return fmt.Errorf("registering %s: %w", svc, err)
			}
		}
	}

	s.logger.Info("Serving", zap.Stringer("addr", listener.Addr()), zap.Strings("services", s.Services()))
	for {
		nc, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; the flag tells the two errors apart.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}

		c := newConn(s, nc)
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.connWG.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.connWG.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry, so clients stop picking this server
//  2. Close the listener
//  3. Wait up to timeout for in-flight calls
//  4. Close every connection, which cancels the calls still running
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	listener, reg, addr := s.listener, s.registry, s.advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		for _, svc := range s.Services() {
			if err := reg.Deregister(context.Background(), svc, addr); err != nil {
				s.logger.Warn("Failed to deregister", zap.String("service", svc), zap.Error(err))
			}
		}
	}
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.connWG.Wait()
	return err
}

// dispatchUnary is the innermost unary handler, wrapped by the middleware chain.
func (s *Server) dispatchUnary(ctx context.Context, req *middleware.Request) ([]byte, error) {
	h, ok := s.handlers.Load(req.ServiceMethod)
	if !ok || h.typ != rpc.Unary {
		return nil, status.Errorf(codes.NotFound, "unknown method %s", req.ServiceMethod)
	}
	return h.unary(ctx, req)
}
