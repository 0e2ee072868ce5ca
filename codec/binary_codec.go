package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"callback-rpc/message"
)

// BinaryCodec lays a packet out as length-prefixed fields:
//
//	methodLen u16 | method | status u32 | payloadLen u32 | payload | errLen u16 | err
type BinaryCodec struct{}

var errShortPacket = errors.New("BinaryCodec: packet truncated")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Packet)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Packet")
	}
	if len(msg.ServiceMethod) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: field too long")
	}

	total := 2 + len(msg.ServiceMethod) + 4 + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.ServiceMethod)))
	offset += 2
	offset += copy(buf[offset:], msg.ServiceMethod)

	binary.BigEndian.PutUint32(buf[offset:], msg.Status)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Packet)
	if !ok {
		return errors.New("BinaryCodec: v must be *Packet")
	}

	r := reader{data: data}
	msg.ServiceMethod = string(r.bytes(int(r.u16())))
	msg.Status = r.u32()
	if n := int(r.u32()); n > 0 {
		msg.Payload = make([]byte, n)
		copy(msg.Payload, r.bytes(n))
	} else {
		msg.Payload = nil
	}
	msg.Error = string(r.bytes(int(r.u16())))

	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a packet body, latching the first out-of-bounds read.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.offset+n > len(r.data) {
		r.err = errShortPacket
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
