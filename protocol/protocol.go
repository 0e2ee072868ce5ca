// Package protocol implements the binary frame protocol spoken between a dispatcher and
// an RPC server.
//
// Every frame is a fixed-size 18-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly that many
// bytes.
//
// Frame format:
//
//	0      3  4  5  6          10         14         18
//	┌──────┬──┬──┬──┬──────────┬──────────┬──────────┬───────────────┐
//	│magic │v │ct│pt│ channel  │  callID  │ bodyLen  │    body ...    │
//	│ crp  │02│  │  │  uint32  │  uint32  │  uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──────────┴──────────┴──────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 18 // 3 (magic) + 1 (version) + 1 (codec) + 1 (type) + 4 (channel) + 4 (callID) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body.
	MaxBodySize uint32 = 16 << 20
)

// MsgType is the packet type carried in a frame.
type MsgType byte

const (
	MsgTypeRequest         MsgType = 0 // client → server: opens a call
	MsgTypeResponse        MsgType = 1 // server → client: final packet, status and optional payload
	MsgTypeHeartbeat       MsgType = 2 // keepalive, no body
	MsgTypeServerStream    MsgType = 3 // server → client: one streamed response
	MsgTypeClientStream    MsgType = 4 // client → server: one streamed request
	MsgTypeClientStreamEnd MsgType = 5 // client → server: no more requests
	MsgTypeCancel          MsgType = 6 // client → server: abort the call
	MsgTypeServerError     MsgType = 7 // server → client: call failed with a status
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "REQUEST"
	case MsgTypeResponse:
		return "RESPONSE"
	case MsgTypeHeartbeat:
		return "HEARTBEAT"
	case MsgTypeServerStream:
		return "SERVER_STREAM"
	case MsgTypeClientStream:
		return "CLIENT_STREAM"
	case MsgTypeClientStreamEnd:
		return "CLIENT_STREAM_END"
	case MsgTypeCancel:
		return "CANCEL"
	case MsgTypeServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte    // Serialization format of the body: 0=JSON, 1=Binary
	MsgType   MsgType // Packet type
	ChannelID uint32  // Logical channel the call runs on
	CallID    uint32  // Distinguishes successive calls on the same channel and method
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers sharing w, or frames will interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.ChannelID)
	binary.BigEndian.PutUint32(buf[10:14], h.CallID)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame so a failed write never leaves half a header on the wire.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type and packet type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeServerError {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		ChannelID: binary.BigEndian.Uint32(headerBuf[6:10]),
		CallID:    binary.BigEndian.Uint32(headerBuf[10:14]),
		BodyLen:   bodyLen,
	}, body, nil
}
