package codec

import (
	"encoding/json"
	"errors"

	"callback-rpc/message"
)

// JSONCodec encodes packets with encoding/json. Payload bytes are base64 encoded by
// encoding/json, which keeps the envelope valid JSON whatever the payload holds.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Packet)
	if !ok {
		return nil, errors.New("JSONCodec: v must be *Packet")
	}
	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Packet)
	if !ok {
		return errors.New("JSONCodec: v must be *Packet")
	}
	return json.Unmarshal(data, msg)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
