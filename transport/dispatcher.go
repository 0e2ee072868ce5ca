// Package transport implements client.Dispatcher over a single multiplexed connection.
//
// Every call is registered in a table keyed by its identity (channel and method) and
// tagged with a call ID that travels in the frame header. One goroutine (recvLoop) reads
// frames and resolves the call they belong to; a second one (deliverLoop) notifies the
// attached rpc.Handler in the order the notifications were queued:
//
//	goroutine-1 ──Request(ch=1, Echo.Say, id=1)──┐
//	goroutine-2 ──Request(ch=1, Echo.Count, id=2)┼──→ single conn ──→ Server
//	goroutine-3 ──ClientStream(ch=1, Echo.Sum)───┘
//
//	recvLoop: ←── ServerStream(ch=1, Echo.Count, id=2) → calls["1/Echo.Count"] → queue
//	deliverLoop: queue → HandleResponse
//
// Frames whose call ID no longer matches the table entry belong to a cancelled or
// superseded call and are dropped. Notifications queued for a call that was retired in
// the meantime are dropped by deliverLoop.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"callback-rpc/codec"
	"callback-rpc/message"
	"callback-rpc/protocol"
	"callback-rpc/rpc"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

var ErrClosed = errors.New("dispatcher is closed")

const DefaultHeartbeatInterval = 30 * time.Second

type Option func(*Dispatcher)

// WithCodec selects the envelope codec of outgoing frames. Inbound frames are decoded
// with the codec named in their header.
func WithCodec(t codec.CodecType) Option {
	return func(d *Dispatcher) { d.codec = t }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(d *Dispatcher) { d.heartbeat = interval }
}

// Dispatcher multiplexes calls over one connection.
type Dispatcher struct {
	conn      net.Conn
	codec     codec.CodecType
	logger    *zap.Logger
	heartbeat time.Duration

	handlerMu sync.RWMutex
	handler   rpc.Handler

	calls   sync.Map // map[string]*rpc.PendingCall, keyed by rpc.Identity.Key
	nextID  *atomic.Uint32
	sending sync.Mutex // one frame at a time, header and body together

	notifications *notifyQueue

	closed    *atomic.Bool
	closeOnce sync.Once
	done      chan struct{} // closed by shutdown
	drained   chan struct{} // closed when deliverLoop has exited
}

// NewDispatcher starts the receive loop and the heartbeat loop on conn.
func NewDispatcher(conn net.Conn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:      conn,
		codec:     codec.CodecTypeJSON,
		logger:    zap.NewNop(),
		heartbeat: DefaultHeartbeatInterval,
		nextID:    atomic.NewUint32(0),
		closed:    atomic.NewBool(false),
		done:      make(chan struct{}),
		drained:   make(chan struct{}),

		notifications: newNotifyQueue(),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.recvLoop()
	go d.deliverLoop()
	if d.heartbeat > 0 {
		go d.heartbeatLoop(d.heartbeat)
	}
	return d
}

func (d *Dispatcher) Attach(h rpc.Handler) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.handler = h
}

func (d *Dispatcher) getHandler() rpc.Handler {
	d.handlerMu.RLock()
	defer d.handlerMu.RUnlock()
	return d.handler
}

// RemoteAddr returns the address of the peer.
func (d *Dispatcher) RemoteAddr() net.Addr {
	return d.conn.RemoteAddr()
}

// Done is closed once the connection is gone and every pending call was notified.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.drained
}

func (d *Dispatcher) newCallID() rpc.CallID {
	for {
		if id := rpc.CallID(d.nextID.Inc()); id != rpc.AnyCall {
			return id
		}
	}
}

// SendRequest registers a call for id and transmits the opening request. With
// overridePending, a call already occupying id is retired: the server is told to cancel
// it and its callbacks receive a Canceled error.
func (d *Dispatcher) SendRequest(id rpc.Identity, request any, cb rpc.Callbacks, overridePending, keepOpen bool) (rpc.CallID, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}

	payload, err := encodePayload(request)
	if err != nil {
		return 0, fmt.Errorf("encoding request for %s: %w", id.Method.FullName(), err)
	}

	call := &rpc.PendingCall{
		Identity:  id,
		ID:        d.newCallID(),
		Callbacks: cb,
		KeepOpen:  keepOpen,
	}
	key := id.Key()

	var prev *rpc.PendingCall
	if overridePending {
		if v, loaded := d.calls.Swap(key, call); loaded {
			prev = v.(*rpc.PendingCall)
		}
	} else if _, loaded := d.calls.LoadOrStore(key, call); loaded {
		return 0, rpc.ErrPending
	}

	err = d.write(protocol.MsgTypeRequest, call, &message.Packet{
		ServiceMethod: id.Method.FullName(),
		Payload:       payload,
	})
	if err != nil {
		d.calls.CompareAndDelete(key, call)
		if prev != nil {
			// prev is out of the table either way; stop it on the server if the
			// connection still carries frames.
			d.sendCancelFrame(prev)
			d.notifyError(prev, codes.Unavailable)
		}
		return 0, err
	}

	if prev != nil {
		d.logger.Debug("Overriding pending call", zap.Stringer("rpc", id), zap.Uint32("call", uint32(prev.ID)))
		d.sendCancelFrame(prev)
		d.notifyError(prev, codes.Canceled)
	}
	return call.ID, nil
}

// SendCancel retires the call occupying id if it is call, or any call with rpc.AnyCall,
// and asks the server to abort it. No callback is invoked for the cancelled call.
func (d *Dispatcher) SendCancel(id rpc.Identity, call rpc.CallID) bool {
	pending, ok := d.active(id, call)
	if !ok || !d.calls.CompareAndDelete(id.Key(), pending) {
		return false
	}
	// Notifications already queued for the call are dropped from here on.
	pending.Retire()
	d.sendCancelFrame(pending)
	return true
}

func (d *Dispatcher) SendClientStream(id rpc.Identity, call rpc.CallID, chunk any) error {
	pending, ok := d.active(id, call)
	if !ok {
		return rpc.ErrNotPending
	}
	payload, err := encodePayload(chunk)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", id.Method.FullName(), err)
	}
	return d.write(protocol.MsgTypeClientStream, pending, &message.Packet{
		ServiceMethod: id.Method.FullName(),
		Payload:       payload,
	})
}

func (d *Dispatcher) SendClientStreamEnd(id rpc.Identity, call rpc.CallID) error {
	pending, ok := d.active(id, call)
	if !ok {
		return rpc.ErrNotPending
	}
	return d.write(protocol.MsgTypeClientStreamEnd, pending, &message.Packet{
		ServiceMethod: id.Method.FullName(),
	})
}

// active returns the call occupying id if it matches call.
func (d *Dispatcher) active(id rpc.Identity, call rpc.CallID) (*rpc.PendingCall, bool) {
	v, ok := d.calls.Load(id.Key())
	if !ok {
		return nil, false
	}
	pending := v.(*rpc.PendingCall)
	if call != rpc.AnyCall && pending.ID != call {
		return nil, false
	}
	return pending, true
}

func (d *Dispatcher) sendCancelFrame(call *rpc.PendingCall) {
	err := d.write(protocol.MsgTypeCancel, call, &message.Packet{
		ServiceMethod: call.Identity.Method.FullName(),
		Status:        uint32(codes.Canceled),
	})
	if err != nil {
		d.logger.Debug("Failed to send cancel", zap.Stringer("rpc", call.Identity), zap.Error(err))
	}
}

func (d *Dispatcher) write(msgType protocol.MsgType, call *rpc.PendingCall, pkt *message.Packet) error {
	body, err := codec.GetCodec(d.codec).Encode(pkt)
	if err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: byte(d.codec),
		MsgType:   msgType,
		ChannelID: call.Identity.Channel.ID,
		CallID:    uint32(call.ID),
	}

	d.sending.Lock()
	defer d.sending.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	if err := protocol.Encode(d.conn, &header, body); err != nil {
		return fmt.Errorf("writing %s frame: %w", msgType, err)
	}
	return nil
}

// recvLoop is the only reader of the connection. It queues notifications and never
// calls the handler itself.
func (d *Dispatcher) recvLoop() {
	defer d.notifications.close()
	for {
		header, body, err := protocol.Decode(d.conn)
		if err != nil {
			if !d.closed.Load() {
				d.logger.Error("Dispatcher receive error", zap.Error(err))
			}
			d.shutdown()
			d.failAll(codes.Unavailable)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var pkt message.Packet
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &pkt); err != nil {
			d.logger.Warn("Dropping undecodable packet", zap.Stringer("type", header.MsgType), zap.Error(err))
			continue
		}
		d.handlePacket(header, &pkt)
	}
}

func (d *Dispatcher) handlePacket(header *protocol.Header, pkt *message.Packet) {
	key := rpc.Key(header.ChannelID, pkt.ServiceMethod)
	v, ok := d.calls.Load(key)
	if !ok || v.(*rpc.PendingCall).ID != rpc.CallID(header.CallID) {
		d.logger.Debug("Dropping packet for inactive call",
			zap.String("key", key),
			zap.Uint32("call", header.CallID),
			zap.Stringer("type", header.MsgType))
		return
	}
	call := v.(*rpc.PendingCall)

	switch header.MsgType {
	case protocol.MsgTypeResponse:
		if len(pkt.Payload) > 0 && !call.Identity.Method.Type.ServerSendsStream() {
			if !d.deliverPayload(call, pkt.Payload) {
				return
			}
		}
		if !call.KeepOpen && !d.calls.CompareAndDelete(key, call) {
			return
		}
		d.notify(notification{kind: kindCompletion, call: call, status: pkt.Code()})

	case protocol.MsgTypeServerStream:
		d.deliverPayload(call, pkt.Payload)

	case protocol.MsgTypeServerError:
		if d.calls.CompareAndDelete(key, call) {
			d.notifyError(call, pkt.Code())
		}

	default:
		d.logger.Warn("Unexpected packet from server", zap.Stringer("type", header.MsgType), zap.String("key", key))
	}
}

// deliverPayload decodes one response and queues it for the handler. A payload that
// does not decode fails the call with DataLoss.
func (d *Dispatcher) deliverPayload(call *rpc.PendingCall, payload []byte) bool {
	response, err := decodePayload(call.Identity.Method, payload)
	if err != nil {
		d.logger.Warn("Failed to decode response", zap.Stringer("rpc", call.Identity), zap.Error(err))
		if d.calls.CompareAndDelete(call.Identity.Key(), call) {
			d.sendCancelFrame(call)
			d.notifyError(call, codes.DataLoss)
		}
		return false
	}
	d.notify(notification{kind: kindResponse, call: call, payload: response})
	return true
}

func (d *Dispatcher) notifyError(call *rpc.PendingCall, status codes.Code) {
	d.notify(notification{kind: kindError, call: call, status: status})
}

// notify queues n for deliverLoop. Once deliverLoop has returned, n is delivered on the
// calling goroutine instead.
func (d *Dispatcher) notify(n notification) {
	if !d.notifications.push(n) {
		d.deliver(n)
	}
}

// deliverLoop is the only goroutine calling the handler while the dispatcher is live, so
// the notifications of one call never overlap.
func (d *Dispatcher) deliverLoop() {
	defer close(d.drained)
	for {
		n, ok := d.notifications.pop()
		if !ok {
			return
		}
		d.deliver(n)
	}
}

// deliver hands n to the handler unless its call was retired. Terminal notifications
// retire the call, so nothing reaches it afterwards.
func (d *Dispatcher) deliver(n notification) {
	switch {
	case n.kind == kindError, n.kind == kindCompletion && !n.call.KeepOpen:
		if !n.call.Retire() {
			return
		}
	case n.call.Retired():
		return
	}

	h := d.getHandler()
	if h == nil {
		return
	}
	switch n.kind {
	case kindResponse:
		h.HandleResponse(n.call, n.payload)
	case kindCompletion:
		h.HandleCompletion(n.call, n.status)
	case kindError:
		h.HandleError(n.call, n.status)
	}
}

// failAll retires every pending call with status. Used when the connection is lost.
func (d *Dispatcher) failAll(status codes.Code) {
	d.calls.Range(func(key, value any) bool {
		call := value.(*rpc.PendingCall)
		if d.calls.CompareAndDelete(key, call) {
			d.notifyError(call, status)
		}
		return true
	})
}

func (d *Dispatcher) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(d.codec)}
		d.sending.Lock()
		err := protocol.Encode(d.conn, header, nil)
		d.sending.Unlock()
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.conn.Close()
	})
}

// Close closes the connection. Pending calls fail with Unavailable from the receive
// loop; use Done to wait for that.
func (d *Dispatcher) Close() error {
	d.shutdown()
	return nil
}

// encodePayload serializes a request. Byte slices are sent as they are.
func encodePayload(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func decodePayload(m *rpc.Method, payload []byte) (any, error) {
	if m.NewResponse == nil {
		return payload, nil
	}
	v := m.NewResponse()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}
