// Package rpc defines the descriptors shared by the call engine, the dispatcher and the
// reference server: channels, services, methods and their call shape.
//
// A Method carries everything a tool needs to describe it (documentation and request
// field names) as plain data, so one method client type per call shape is enough.
package rpc

import (
	"fmt"
	"strings"
)

// MethodType is the call shape of a method.
type MethodType int

const (
	Unary MethodType = iota
	ServerStreaming
	ClientStreaming
	BidirectionalStreaming
)

func (t MethodType) String() string {
	switch t {
	case Unary:
		return "Unary"
	case ServerStreaming:
		return "ServerStreaming"
	case ClientStreaming:
		return "ClientStreaming"
	case BidirectionalStreaming:
		return "BidirectionalStreaming"
	default:
		return fmt.Sprintf("MethodType(%d)", int(t))
	}
}

// SentenceName returns the lower-case name used in help text, e.g. "server streaming".
func (t MethodType) SentenceName() string {
	switch t {
	case Unary:
		return "unary"
	case ServerStreaming:
		return "server streaming"
	case ClientStreaming:
		return "client streaming"
	case BidirectionalStreaming:
		return "bidirectional streaming"
	default:
		return "unknown"
	}
}

// ClientSendsStream reports whether the client sends a stream of requests.
func (t MethodType) ClientSendsStream() bool {
	return t == ClientStreaming || t == BidirectionalStreaming
}

// ServerSendsStream reports whether the server replies with a stream of responses.
func (t MethodType) ServerSendsStream() bool {
	return t == ServerStreaming || t == BidirectionalStreaming
}

// Channel is a logical link to one RPC endpoint.
type Channel struct {
	ID uint32
}

func (c Channel) String() string {
	return fmt.Sprintf("Channel(%d)", c.ID)
}

// Service groups methods under one name.
type Service struct {
	Name string
}

func (s *Service) String() string {
	return s.Name
}

// Method describes one RPC method.
type Method struct {
	Service *Service
	Name    string
	Type    MethodType

	// Doc is a free-form description shown by Help.
	Doc string
	// RequestFields lists the request's field names, in declaration order.
	RequestFields []string
	// NewResponse allocates the value a response payload is decoded into. When nil,
	// responses are delivered as raw []byte.
	NewResponse func() any
}

// FullName returns "Service.Method", the form used on the wire.
func (m *Method) FullName() string {
	return m.Service.Name + "." + m.Name
}

func (m *Method) String() string {
	return m.FullName()
}

// Help returns a help message about this method, listing its request fields.
func (m *Method) Help() string {
	call := m.FullName() + "("
	sep := ",\n" + strings.Repeat(" ", len(call))

	var b strings.Builder
	b.WriteString(call)
	b.WriteString(strings.Join(m.RequestFields, sep))
	b.WriteString(")\n\n")
	fmt.Fprintf(&b, "  Invokes the %s %s RPC.\n", m.FullName(), m.Type.SentenceName())
	if m.Doc != "" {
		b.WriteString("\n")
		for _, line := range strings.Split(strings.TrimSpace(m.Doc), "\n") {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

// SplitServiceMethod splits "Service.Method" into its two parts.
func SplitServiceMethod(serviceMethod string) (string, string, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", "", fmt.Errorf("invalid serviceMethod format: %q", serviceMethod)
	}
	return split[0], split[1], nil
}
