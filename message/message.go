// Package message defines the packet envelope exchanged between a dispatcher and a server.
//
// Packet is serialized by the codec layer and wrapped in a protocol frame for
// transmission. The frame header carries the packet type, channel and call ID; the
// envelope carries everything else.
package message

import "google.golang.org/grpc/codes"

// Packet carries the body of one frame.
//
//   - Request / ClientStream: ServiceMethod and Payload are set.
//   - ServerStream: Payload holds one streamed response.
//   - Response: Status is final; Payload is set for unary and client streaming methods.
//   - ServerError / Cancel: Status is the failure status, Error an optional detail.
type Packet struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Echo.Say"
	Status        uint32 // codes.Code of a final packet
	Error         string // Human-readable detail accompanying a failure status
	Payload       []byte // JSON-encoded request or response
}

// Code returns the packet status as a codes.Code.
func (p *Packet) Code() codes.Code {
	return codes.Code(p.Status)
}
