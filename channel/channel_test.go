// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package channel_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/channel"
)

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *parley.Frame
	}{
		{"ping", &parley.Frame{Type: parley.FramePing}},
		{"message", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 1, Payload: parley.Message("greet", []byte("hello")),
		}}},
		{"empty-body", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 2, Payload: parley.Message("poke", nil),
		}}},
		{"response", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 3, ResponseTo: 1, Payload: parley.Message("greet", []byte("hi yourself")),
		}}},
		{"forwarded", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 4, Origin: &parley.Addr{Owner: 7, Seq: 9},
			Payload: parley.Message("relay", []byte("via")),
		}}},
		{"error", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 5, ResponseTo: 2, Payload: parley.ErrorMessage(17, "no such thing"),
		}}},
		{"error-empty", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 6, ResponseTo: 3, Payload: parley.ErrorMessage(0, ""),
		}}},
		{"end-stream", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 7, ResponseTo: 4, Payload: parley.EndOfStream(),
		}}},
		{"long-type", &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
			ID: 8, Payload: parley.Message(strings.Repeat("x", 300), []byte("body")),
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := channel.Decode(channel.Encode(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.frame, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad-frame-type", []byte{0x7f}},
		{"short-header", []byte{byte(parley.FrameEnvelope), 0, 0, 1}},
		{"short-origin", append([]byte{byte(parley.FrameEnvelope)},
			0, 0, 0, 1, 0, 0, 0, 0, 1, /* origin flag, no address */)},
		{"missing-kind", append([]byte{byte(parley.FrameEnvelope)},
			0, 0, 0, 1, 0, 0, 0, 0, 0)},
		{"bad-kind", append([]byte{byte(parley.FrameEnvelope)},
			0, 0, 0, 1, 0, 0, 0, 0, 0, 0x7f)},
		{"short-error", append([]byte{byte(parley.FrameEnvelope)},
			0, 0, 0, 1, 0, 0, 0, 0, 0, byte(parley.KindError), 0, 0)},
		{"truncated-type", append([]byte{byte(parley.FrameEnvelope)},
			0, 0, 0, 1, 0, 0, 0, 0, 0, byte(parley.KindMessage), 5, 'a', 'b')},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fr, err := channel.Decode(tc.data)
			assert.Error(t, err, "decoded %v from invalid input", fr)
		})
	}
}

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	fr := &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
		ID: 1, Payload: parley.Message("hi", nil),
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := b.Recv()
		assert.NoError(t, err)
		assert.Same(t, fr, got, "direct channels pass frames without copying")
	}()
	require.NoError(t, a.Send(fr))
	<-done

	require.NoError(t, a.Close())
	_, err := b.Recv()
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.ErrorIs(t, a.Send(fr), net.ErrClosed)
	assert.ErrorIs(t, a.Close(), net.ErrClosed)
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := net.Pipe()
	a := channel.IO(cli, cli)
	b := channel.IO(srv, srv)

	fr := &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
		ID:      1,
		Origin:  &parley.Addr{Owner: 2, Seq: 5},
		Payload: parley.Message("bulk", []byte(strings.Repeat("data", 1000))),
	}}
	go func() {
		if err := a.Send(fr); err != nil {
			t.Errorf("Send: unexpected error: %v", err)
		}
	}()
	got, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, fr, got)

	// Closing one side fails the other side's pending read.
	errc := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		errc <- err
	}()
	require.NoError(t, a.Close())
	assert.Error(t, <-errc)
	require.NoError(t, b.Close())
}

func TestWebsocket(t *testing.T) {
	defer leaktest.Check(t)()

	var up websocket.Upgrader
	ready := make(chan parley.Stream, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: unexpected error: %v", err)
			return
		}
		ready <- channel.Websocket(conn)
	}))
	defer hs.Close()

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, rsp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if rsp != nil && rsp.Body != nil {
		rsp.Body.Close()
	}
	cli := channel.Websocket(conn)
	srv := <-ready
	defer srv.Close()

	fr := &parley.Frame{Type: parley.FrameEnvelope, Env: parley.Envelope{
		ID: 1, Payload: parley.Message("over-ws", []byte("payload")),
	}}
	require.NoError(t, cli.Send(fr))
	got, err := srv.Recv()
	require.NoError(t, err)
	assert.Equal(t, fr, got)

	back := &parley.Frame{Type: parley.FramePing}
	require.NoError(t, srv.Send(back))
	got, err = cli.Recv()
	require.NoError(t, err)
	assert.Equal(t, back, got)

	require.NoError(t, cli.Close())
}
