// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package peers_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/peers"
)

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	lp := peers.NewLocal(nil)
	go func() {
		for msg := range lp.BInbound {
			lp.B.Respond(msg.Receipt(), msg.Env.Payload)
		}
	}()
	go func() {
		for range lp.AInbound {
		}
	}()

	rsp, err := lp.A.Request(context.Background(), lp.AConn, parley.Message("echo", []byte("abc")))
	if err != nil {
		t.Fatalf("Request: unexpected error: %v", err)
	}
	if got := string(rsp.Env.Payload.Data); got != "abc" {
		t.Errorf("Response: got %q, want %q", got, "abc")
	}
	if err := lp.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := parley.NewPeer(100)
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- peers.Loop(ctx, peers.NetAccepter(lst), server, nil,
			func(_ context.Context, _ parley.ConnectionID, inbound <-chan *parley.Inbound) {
				for msg := range inbound {
					server.Respond(msg.Receipt(), msg.Env.Payload)
				}
			})
	}()

	client := parley.NewPeer(200)
	id, run, inbound, err := peers.Dial(ctx, client, "tcp", lst.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- run(ctx) }()
	go func() {
		for range inbound {
		}
	}()

	rsp, err := client.Request(ctx, id, parley.Message("echo", []byte("over tcp")))
	if err != nil {
		t.Fatalf("Request: unexpected error: %v", err)
	}
	if got := string(rsp.Env.Payload.Data); got != "over tcp" {
		t.Errorf("Response: got %q, want %q", got, "over tcp")
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Errorf("Client pump: unexpected error: %v", err)
	}
	select {
	case err := <-loopDone:
		if err != nil {
			t.Errorf("Loop: unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not return after cancellation")
	}
}

// A nil serve callback must still drain inbound traffic so the remote side
// does not stall.
func TestLoopNilServe(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := parley.NewPeer(100)
	loopDone := make(chan error, 1)
	go func() { loopDone <- peers.Loop(ctx, peers.NetAccepter(lst), server, nil, nil) }()

	client := parley.NewPeer(200)
	id, run, inbound, err := peers.Dial(ctx, client, "tcp", lst.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- run(ctx) }()
	go func() {
		for range inbound {
		}
	}()

	for i := 0; i < 10; i++ {
		if err := client.Send(id, parley.Message("note", nil)); err != nil {
			t.Fatalf("Send %d: unexpected error: %v", i, err)
		}
	}

	cancel()
	<-runDone
	if err := <-loopDone; err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}
