// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package peers provides support code for running and testing peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"

	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/channel"
)

// Local is a pair of in-memory connected peers, suitable for testing. Each
// side holds one connection to the other; the pumps run in background
// goroutines owned by the Local value.
type Local struct {
	A, B         *parley.Peer
	AConn, BConn parley.ConnectionID

	// Messages arriving at each side that are not responses.
	AInbound, BInbound <-chan *parley.Inbound

	cancel context.CancelFunc
	g      *taskgroup.Group
}

// NewLocal creates a pair of in-memory connected peers that communicate via
// a direct channel without encoding. Side A runs under epoch 1 and side B
// under epoch 2. Options apply to both connections; opts == nil uses the
// defaults.
func NewLocal(opts *parley.ConnOptions) *Local {
	a2b, b2a := channel.Direct()
	lp := &Local{A: parley.NewPeer(1), B: parley.NewPeer(2)}

	var aRun, bRun parley.RunFunc
	lp.AConn, aRun, lp.AInbound = lp.A.AddConnection(a2b, opts)
	lp.BConn, bRun, lp.BInbound = lp.B.AddConnection(b2a, opts)

	ctx, cancel := context.WithCancel(context.Background())
	lp.cancel = cancel
	lp.g = taskgroup.New(nil)
	lp.g.Go(func() error { return aRun(ctx) })
	lp.g.Go(func() error { return bRun(ctx) })
	return lp
}

// Stop shuts down both peers and blocks until both pumps have exited.
func (lp *Local) Stop() error {
	lp.cancel()
	return lp.g.Wait()
}

// An Accepter produces streams from incoming connection attempts.
type Accepter interface {
	Accept(context.Context) (parley.Stream, error)
}

// Loop accepts connections from acc, registers each with peer, and runs its
// pump in a goroutine. The serve callback receives each connection's ID and
// inbound channel; it must drain the channel. A nil serve discards inbound
// traffic. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are shut down. When acc
// closes, the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, peer *parley.Peer, opts *parley.ConnOptions,
	serve func(ctx context.Context, conn parley.ConnectionID, inbound <-chan *parley.Inbound)) error {
	g := taskgroup.New(nil)
	for {
		stream, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		id, run, inbound := peer.AddConnection(stream, opts)
		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			if serve == nil {
				go func() {
					for range inbound {
					}
				}()
			} else {
				go serve(sctx, id, inbound)
			}
			return run(sctx)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// connections carry length-prefixed binary frames.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (parley.Stream, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// Dial connects to addr on the given network and registers the resulting
// stream with peer. It returns the connection ID, the pump to run, and the
// inbound channel, as from [parley.Peer.AddConnection].
func Dial(ctx context.Context, peer *parley.Peer, network, addr string, opts *parley.ConnOptions) (parley.ConnectionID, parley.RunFunc, <-chan *parley.Inbound, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return parley.ConnectionID{}, nil, nil, err
	}
	id, run, inbound := peer.AddConnection(channel.IO(conn, conn), opts)
	return id, run, inbound, nil
}
