package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var echoService = &Service{Name: "Echo"}

func TestMethodTypeShapes(t *testing.T) {
	as := require.New(t)

	as.False(Unary.ClientSendsStream())
	as.False(Unary.ServerSendsStream())
	as.True(ServerStreaming.ServerSendsStream())
	as.False(ServerStreaming.ClientSendsStream())
	as.True(ClientStreaming.ClientSendsStream())
	as.True(BidirectionalStreaming.ClientSendsStream())
	as.True(BidirectionalStreaming.ServerSendsStream())

	as.Equal("server streaming", ServerStreaming.SentenceName())
	as.Equal("BidirectionalStreaming", BidirectionalStreaming.String())
	as.Equal("MethodType(9)", MethodType(9).String())
}

func TestMethodHelp(t *testing.T) {
	m := &Method{
		Service:       echoService,
		Name:          "Say",
		Type:          Unary,
		Doc:           "Echoes the text back.",
		RequestFields: []string{"text", "repeat"},
	}

	want := "Echo.Say(text,\n" +
		"         repeat)\n\n" +
		"  Invokes the Echo.Say unary RPC.\n\n" +
		"  Echoes the text back.\n"
	require.Equal(t, want, m.Help())
}

func TestMethodHelpWithoutDoc(t *testing.T) {
	m := &Method{Service: echoService, Name: "Ping", Type: ServerStreaming}
	require.Equal(t, "Echo.Ping()\n\n  Invokes the Echo.Ping server streaming RPC.\n", m.Help())
}

func TestIdentity(t *testing.T) {
	as := require.New(t)
	m := &Method{Service: echoService, Name: "Say", Type: Unary}

	a := NewIdentity(Channel{ID: 1}, m)
	b := NewIdentity(Channel{ID: 1}, m)
	c := NewIdentity(Channel{ID: 2}, m)

	as.Equal(a, b)
	as.NotEqual(a.Key(), c.Key())
	as.Equal(echoService, a.Service)
	as.Equal("1/Echo.Say", a.Key())
	as.Equal("PendingRPC(channel=1, method=Echo.Say)", a.String())
}

func TestSplitServiceMethod(t *testing.T) {
	svc, method, err := SplitServiceMethod("Echo.Say")
	require.NoError(t, err)
	require.Equal(t, "Echo", svc)
	require.Equal(t, "Say", method)

	for _, bad := range []string{"", "Echo", "Echo.", ".Say", "a.b.c"} {
		_, _, err := SplitServiceMethod(bad)
		require.Error(t, err, bad)
	}
}
