package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"callback-rpc/codec"
	"callback-rpc/message"
	"callback-rpc/middleware"
	"callback-rpc/protocol"
	"callback-rpc/rpc"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// requestBuffer is how many client stream requests may wait for a handler before the
// connection stops reading.
const requestBuffer = 16

type callKey struct {
	channel uint32
	method  string
}

// serverCall is one call in progress on a connection.
type serverCall struct {
	key   callKey
	id    uint32
	codec byte

	ctx    context.Context
	cancel context.CancelFunc

	requests chan []byte // nil unless the client streams
	ended    bool        // requests closed; only touched by the read loop
}

func (sc *serverCall) endRequests() {
	if sc.requests != nil && !sc.ended {
		sc.ended = true
		close(sc.requests)
	}
}

// conn serves one client connection. Frames are read by a single goroutine; each call
// runs on its own goroutine and writes through the shared write lock.
type conn struct {
	srv    *Server
	nc     net.Conn
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu    sync.Mutex
	calls map[callKey]*serverCall
}

func newConn(s *Server, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:    s,
		nc:     nc,
		logger: s.logger.With(zap.Stringer("remote", nc.RemoteAddr())),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[callKey]*serverCall),
	}
}

func (c *conn) close() {
	c.cancel()
	c.nc.Close()
}

func (c *conn) serve() {
	defer c.close()
	for {
		header, body, err := protocol.Decode(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				c.logger.Debug("Connection read error", zap.Error(err))
			}
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var pkt message.Packet
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &pkt); err != nil {
			c.logger.Warn("Dropping undecodable packet", zap.Stringer("type", header.MsgType), zap.Error(err))
			continue
		}
		key := callKey{channel: header.ChannelID, method: pkt.ServiceMethod}

		switch header.MsgType {
		case protocol.MsgTypeRequest:
			c.startCall(header, key, &pkt)
		case protocol.MsgTypeClientStream:
			c.feed(key, header.CallID, pkt.Payload)
		case protocol.MsgTypeClientStreamEnd:
			if call := c.lookup(key, header.CallID); call != nil {
				call.endRequests()
			}
		case protocol.MsgTypeCancel:
			if call := c.remove(key, header.CallID); call != nil {
				call.cancel()
			}
		default:
			c.logger.Warn("Unexpected packet from client", zap.Stringer("type", header.MsgType))
		}
	}
}

func (c *conn) startCall(header *protocol.Header, key callKey, pkt *message.Packet) {
	h, ok := c.srv.handlers.Load(pkt.ServiceMethod)
	if !ok {
		c.logger.Debug("Unknown method", zap.String("method", pkt.ServiceMethod))
		c.fail(&serverCall{key: key, id: header.CallID, codec: header.CodecType},
			status.Errorf(codes.NotFound, "unknown method %s", pkt.ServiceMethod))
		return
	}

	c.srv.mu.Lock()
	if c.srv.shutdown.Load() {
		c.srv.mu.Unlock()
		c.fail(&serverCall{key: key, id: header.CallID, codec: header.CodecType},
			status.Error(codes.Unavailable, "server is shutting down"))
		return
	}
	c.srv.calls.Add(1)
	c.srv.mu.Unlock()

	ctx, cancel := context.WithCancel(c.ctx)
	call := &serverCall{
		key:    key,
		id:     header.CallID,
		codec:  header.CodecType,
		ctx:    ctx,
		cancel: cancel,
	}
	if h.typ.ClientSendsStream() {
		call.requests = make(chan []byte, requestBuffer)
	}

	c.mu.Lock()
	prev := c.calls[key]
	c.calls[key] = call
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	req := &middleware.Request{
		ChannelID:     key.channel,
		ServiceMethod: pkt.ServiceMethod,
		Payload:       pkt.Payload,
	}
	go c.runCall(call, h, req)
}

func (c *conn) feed(key callKey, id uint32, payload []byte) {
	call := c.lookup(key, id)
	if call == nil || call.requests == nil || call.ended {
		return
	}
	select {
	case call.requests <- payload:
	case <-call.ctx.Done():
	}
}

func (c *conn) lookup(key callKey, id uint32) *serverCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call := c.calls[key]; call != nil && call.id == id {
		return call
	}
	return nil
}

// remove drops the call from the table if it is still the one registered under key.
func (c *conn) remove(key callKey, id uint32) *serverCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.calls[key]
	if call == nil || call.id != id {
		return nil
	}
	delete(c.calls, key)
	return call
}

func (c *conn) runCall(call *serverCall, h *methodHandler, req *middleware.Request) {
	defer c.srv.calls.Done()
	defer call.cancel()
	defer c.remove(call.key, call.id)

	w := &ResponseWriter{conn: c, call: call}
	var (
		payload []byte
		err     error
	)
	switch h.typ {
	case rpc.Unary:
		payload, err = c.srv.unary(call.ctx, req)
	case rpc.ServerStreaming:
		err = h.serverStream(call.ctx, req, w)
	case rpc.ClientStreaming:
		payload, err = h.clientStream(call.ctx, call.requests)
	case rpc.BidirectionalStreaming:
		err = h.bidirectional(call.ctx, call.requests, w)
	}

	// A cancelled call was retired by the client or lost with the connection.
	if call.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.fail(call, err)
		return
	}
	if werr := c.reply(call, protocol.MsgTypeResponse, codes.OK, "", payload); werr != nil {
		c.logger.Debug("Failed to send response", zap.String("method", req.ServiceMethod), zap.Error(werr))
	}
}

// fail reports err to the client with its status code.
func (c *conn) fail(call *serverCall, err error) {
	st := status.Convert(err)
	if werr := c.reply(call, protocol.MsgTypeServerError, st.Code(), st.Message(), nil); werr != nil {
		c.logger.Debug("Failed to send error", zap.String("method", call.key.method), zap.Error(werr))
	}
}

func (c *conn) reply(call *serverCall, msgType protocol.MsgType, code codes.Code, msg string, payload []byte) error {
	body, err := codec.GetCodec(codec.CodecType(call.codec)).Encode(&message.Packet{
		ServiceMethod: call.key.method,
		Status:        uint32(code),
		Error:         msg,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: call.codec,
		MsgType:   msgType,
		ChannelID: call.key.channel,
		CallID:    call.id,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.nc, &header, body)
}
