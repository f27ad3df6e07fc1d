// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package parley multiplexes concurrent request/response and
// request/stream exchanges over duplex framed transports.
//
// A [Peer] is a registry of logical connections. Each connection wraps a
// [Stream], any reliable ordered duplex frame transport such as a WebSocket,
// a length-prefixed TCP stream, or an in-memory pipe, and correlates the
// envelopes exchanged on it by message ID, so that any
// number of requests can be in flight at once while the connection stays
// alive and memory stays bounded under slow consumers.
//
// # Connections
//
// Adding a connection registers its state and hands back the IO pump for
// the caller to run:
//
//	p := parley.NewPeer(1)
//	id, run, inbound := p.AddConnection(stream, nil)
//	go func() { log.Print(run(ctx)) }()
//
// The pump owns the stream: it drains the outbound queue, writes a
// keepalive ping when outbound traffic idles, tears the connection down
// when inbound traffic stops, and dispatches decoded envelopes. It returns
// when the connection fails or is shut down with [Peer.Disconnect],
// [Peer.Teardown], or cancellation of ctx. Failures are fatal to one
// connection only; pending requests on it fail with [ErrConnectionClosed].
//
// # Requests and responses
//
// [Peer.Request] sends a message and blocks until the matching response
// arrives:
//
//	rsp, err := p.Request(ctx, id, parley.Message("ping", nil))
//
// The remote application receives the request on its own inbound channel
// and answers with [Peer.Respond] (or [Peer.RespondError],
// [Peer.RespondUnhandled]) using the receipt attached to the message:
//
//	msg := <-inbound
//	err := p.Respond(msg.Receipt(), parley.Message("ack", nil))
//
// [Peer.RequestStream] opens an exchange whose response is a stream of
// envelopes, produced remotely with repeated [Peer.Respond] calls and
// finished with [Peer.EndStream] or [Peer.RespondError].
//
// # Ordering
//
// Within one connection, delivery to the application is wire-ordered: the
// dispatcher does not advance past an envelope until its consumer has
// claimed it, whether that consumer is a pending request, a stream, or the
// inbound channel. Across connections there is no ordering relationship.
//
// # Timers
//
// Keepalive and timeout scheduling run on the clock supplied in
// [ConnOptions], so production code uses real time while tests substitute
// a simulated clock and drive it explicitly.
package parley
