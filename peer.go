// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Default tolerances for a connection. These trade detection latency against
// false positives on high-latency links; override them in [ConnOptions] when
// the defaults do not fit the link.
const (
	DefaultKeepaliveInterval = 1 * time.Second
	DefaultWriteTimeout      = 2 * time.Second
	DefaultReceiveTimeout    = 10 * time.Second
	DefaultInboundBuffer     = 64
)

// outboxSize is the capacity of a connection's outbound queue. Producers
// block when the queue is full, applying backpressure to callers rather
// than growing memory without bound.
const outboxSize = 128

// ConnOptions carry the per-connection tunables supplied to
// [Peer.AddConnection]. A nil *ConnOptions provides defaults: a real clock,
// the Default* tolerances above, and a production-sized inbound buffer.
type ConnOptions struct {
	// Clock is the timer factory used for keepalive and timeout scheduling.
	// Production code leaves it nil for the real clock; tests inject
	// clock.NewMock for a simulated one.
	Clock clock.Clock

	// KeepaliveInterval is the span of outbound silence after which a ping
	// frame is written. Any outbound traffic resets it.
	KeepaliveInterval time.Duration

	// WriteTimeout bounds a single write to the transport. A write that
	// exceeds it is fatal to the connection.
	WriteTimeout time.Duration

	// ReceiveTimeout is the span of inbound silence (including pings) after
	// which the connection is torn down.
	ReceiveTimeout time.Duration

	// InboundBuffer is the capacity of the hand-off queue between the
	// transport reader and the dispatcher. It is bounded so that a slow
	// consumer applies backpressure to the remote sender. Tests set it to 1
	// to make ordering deterministic.
	InboundBuffer int
}

func (o *ConnOptions) clock() clock.Clock {
	if o == nil || o.Clock == nil {
		return clock.New()
	}
	return o.Clock
}

func (o *ConnOptions) keepalive() time.Duration {
	if o == nil || o.KeepaliveInterval <= 0 {
		return DefaultKeepaliveInterval
	}
	return o.KeepaliveInterval
}

func (o *ConnOptions) writeTimeout() time.Duration {
	if o == nil || o.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return o.WriteTimeout
}

func (o *ConnOptions) receiveTimeout() time.Duration {
	if o == nil || o.ReceiveTimeout <= 0 {
		return DefaultReceiveTimeout
	}
	return o.ReceiveTimeout
}

func (o *ConnOptions) inboundBuffer() int {
	if o == nil || o.InboundBuffer <= 0 {
		return DefaultInboundBuffer
	}
	return o.InboundBuffer
}

// A Peer is a registry of live connections and the public surface for
// issuing request, send, and respond operations over them. A Peer never
// spawns goroutines of its own: AddConnection returns the IO pump as a
// function the caller must run to completion, so the Peer stays agnostic to
// the execution model.
//
// All methods are safe for concurrent use by multiple goroutines.
type Peer struct {
	log       *zap.Logger
	logFrames FrameLogger

	μ       sync.RWMutex
	epoch   uint32
	nextSeq uint32
	conns   map[ConnectionID]*connState
}

// NewPeer constructs an empty peer registry for the given epoch. The epoch
// becomes the Owner field of every connection ID the registry allocates.
func NewPeer(epoch uint32) *Peer {
	return &Peer{
		log:   zap.NewNop(),
		epoch: epoch,
		conns: make(map[ConnectionID]*connState),
	}
}

// WithLogger sets the logger used for connection lifecycle and protocol
// diagnostics. A nil logger disables logging. It returns p to permit
// chaining.
func (p *Peer) WithLogger(log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	p.log = log
	return p
}

// LogFrames registers a callback invoked for each frame exchanged on any of
// p's connections, prior to sending or dispatching it. Passing nil disables
// frame logging. It returns p to permit chaining.
func (p *Peer) LogFrames(f FrameLogger) *Peer { p.logFrames = f; return p }

// A RunFunc is a connection's IO pump. The caller runs it, typically in a
// goroutine of its choosing; it returns when the connection is torn down.
// Cancelling ctx shuts the connection down cleanly.
type RunFunc func(ctx context.Context) error

// An Inbound is a decoded envelope received from a remote peer that is not a
// response to an outstanding request: a request or notification addressed to
// the application.
type Inbound struct {
	Conn     ConnectionID
	Env      Envelope
	Received time.Time
}

// Receipt returns the receipt the application uses to respond to this
// message.
func (m *Inbound) Receipt() Receipt { return Receipt{Conn: m.Conn, MessageID: m.Env.ID} }

// A Receipt names an inbound request so a response can be correlated to it.
// The correlation table lives on the original requester's connection, so
// responding requires no bookkeeping on this side.
type Receipt struct {
	Conn      ConnectionID
	MessageID uint32
}

// A Response is a successful reply to a request, together with the local
// time at which it was received from the transport.
type Response struct {
	Env      Envelope
	Received time.Time
}

// AddConnection allocates a connection ID for stream, registers its state,
// and returns the ID, the IO pump the caller must run, and the channel on
// which decoded inbound messages are delivered.
//
// The inbound channel is unbuffered: each message must be received by the
// application before the dispatcher moves on, which makes delivery order
// identical to wire order. The channel is closed when the connection is
// torn down.
func (p *Peer) AddConnection(stream Stream, opts *ConnOptions) (ConnectionID, RunFunc, <-chan *Inbound) {
	p.μ.Lock()
	p.nextSeq++
	id := ConnectionID{Owner: p.epoch, Seq: p.nextSeq}
	cs := newConnState(id)
	p.conns[id] = cs
	p.μ.Unlock()

	p.log.Debug("connection added", zap.Stringer("conn", id))
	inbound := make(chan *Inbound)
	return id, p.pump(cs, stream, opts, inbound), inbound
}

// Disconnect initiates teardown of the identified connection and reports
// whether it was present. It does not wait for the connection's pump to
// exit.
func (p *Peer) Disconnect(id ConnectionID) bool {
	p.μ.RLock()
	cs, ok := p.conns[id]
	p.μ.RUnlock()
	if ok {
		cs.stop()
	}
	return ok
}

// Teardown initiates teardown of every connection in the registry. Like
// Disconnect it does not wait for the pumps to exit.
func (p *Peer) Teardown() {
	p.μ.RLock()
	states := make([]*connState, 0, len(p.conns))
	for _, cs := range p.conns {
		states = append(states, cs)
	}
	p.μ.RUnlock()
	for _, cs := range states {
		cs.stop()
	}
}

// Reset tears down all connections and restarts the ID counter under a new
// epoch, simulating a fresh incarnation of the peer. It is intended for
// test harnesses.
func (p *Peer) Reset(epoch uint32) {
	p.Teardown()
	p.μ.Lock()
	defer p.μ.Unlock()
	p.epoch = epoch
	p.nextSeq = 0
}

// connection looks up the shared state handles for id. The registry lock is
// held only for the lookup, never across a blocking operation.
func (p *Peer) connection(id ConnectionID) (*connState, error) {
	p.μ.RLock()
	cs, ok := p.conns[id]
	p.μ.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %v: %w", id, ErrUnknownConnection)
	}
	return cs, nil
}

func (p *Peer) removeConnection(id ConnectionID) {
	p.μ.Lock()
	defer p.μ.Unlock()
	delete(p.conns, id)
}

// Request sends an application message on the identified connection and
// blocks until the response arrives, ctx ends, or the connection is torn
// down. If the remote peer answers with a generic error payload, Request
// reports it as a *CallError carrying the request's payload type name.
//
// Abandoning a request (cancelling ctx) does not notify the remote peer; a
// response that arrives afterward is silently discarded.
func (p *Peer) Request(ctx context.Context, conn ConnectionID, pl Payload) (*Response, error) {
	return p.RequestEnvelope(ctx, conn, Envelope{Payload: pl})
}

// ForwardRequest is Request with the envelope stamped as originating from a
// third party, so the receiver can attribute it to from rather than to this
// peer.
func (p *Peer) ForwardRequest(ctx context.Context, from Addr, conn ConnectionID, pl Payload) (*Response, error) {
	return p.RequestEnvelope(ctx, conn, Envelope{Origin: &from, Payload: pl})
}

// RequestEnvelope is the type-erased form of Request: the caller supplies
// the whole envelope apart from its message ID, which is allocated here.
func (p *Peer) RequestEnvelope(ctx context.Context, conn ConnectionID, env Envelope) (*Response, error) {
	cs, err := p.connection(conn)
	if err != nil {
		return nil, err
	}
	env.ID = cs.nextMessageID()

	slot := make(chan delivered, 1)
	if err := cs.calls.insert(env.ID, slot); err != nil {
		return nil, err
	}
	peerMetrics.requestsPending.Add(1)
	defer peerMetrics.requestsPending.Add(-1)

	if err := cs.enqueue(&env); err != nil {
		cs.calls.remove(env.ID)
		return nil, err
	}

	select {
	case d, ok := <-slot:
		if !ok {
			return nil, ErrConnectionClosed
		}
		d.ack()
		if d.env.Payload.Kind == KindError {
			return nil, remoteError(env.Payload.Type, d.env.Payload)
		}
		return &Response{Env: d.env, Received: d.at}, nil

	case <-ctx.Done():
		if _, ok := cs.calls.remove(env.ID); !ok {
			// A delivery is already in flight, or the table was closed.
			// Claim it so the dispatcher is not left waiting on the
			// rendezvous.
			if d, ok := <-slot; ok {
				d.ack()
			}
		}
		return nil, ctx.Err()
	}
}

// RequestStream sends an application message whose response is a stream of
// envelopes. It returns once the request is enqueued; items are consumed
// from the returned RemoteStream.
func (p *Peer) RequestStream(conn ConnectionID, pl Payload) (*RemoteStream, error) {
	cs, err := p.connection(conn)
	if err != nil {
		return nil, err
	}
	env := Envelope{ID: cs.nextMessageID(), Payload: pl}

	e := newStreamEntry()
	if err := cs.streams.insert(env.ID, e); err != nil {
		return nil, err
	}
	peerMetrics.streamsOpened.Add(1)

	if err := cs.enqueue(&env); err != nil {
		cs.streams.remove(env.ID)
		return nil, err
	}
	return &RemoteStream{id: env.ID, reqType: pl.Type, entry: e, table: cs.streams}, nil
}

// Send enqueues an application message on the identified connection with no
// reply bookkeeping.
func (p *Peer) Send(conn ConnectionID, pl Payload) error {
	return p.SendEnvelope(conn, Envelope{Payload: pl})
}

// ForwardSend is Send with the envelope stamped as originating from from.
func (p *Peer) ForwardSend(from Addr, conn ConnectionID, pl Payload) error {
	return p.SendEnvelope(conn, Envelope{Origin: &from, Payload: pl})
}

// SendEnvelope is the type-erased form of Send.
func (p *Peer) SendEnvelope(conn ConnectionID, env Envelope) error {
	cs, err := p.connection(conn)
	if err != nil {
		return err
	}
	env.ID = cs.nextMessageID()
	return cs.enqueue(&env)
}

// Respond sends pl as the response to the request named by rcpt.
func (p *Peer) Respond(rcpt Receipt, pl Payload) error {
	cs, err := p.connection(rcpt.Conn)
	if err != nil {
		return err
	}
	env := Envelope{ID: cs.nextMessageID(), ResponseTo: rcpt.MessageID, Payload: pl}
	return cs.enqueue(&env)
}

// RespondError reports a protocol-level failure to the requester named by
// rcpt. For a streaming request this also terminates the stream.
func (p *Peer) RespondError(rcpt Receipt, werr *WireError) error {
	return p.Respond(rcpt, Payload{Kind: KindError, Err: werr})
}

// RespondUnhandled reports a structured "no handler for this message type"
// error to the requester named by rcpt, preserving request/response symmetry
// for operations the application does not support.
func (p *Peer) RespondUnhandled(rcpt Receipt, typeName string) error {
	return p.RespondError(rcpt, &WireError{
		Code:    CodeUnhandledMessage,
		Message: "no handler registered for " + typeName,
	})
}

// EndStream terminates the stream opened by the request named by rcpt,
// after any items already sent with Respond.
func (p *Peer) EndStream(rcpt Receipt) error {
	return p.Respond(rcpt, EndOfStream())
}

// connState is the per-connection mutable state shared between the registry,
// the IO pump, and every outstanding request on the connection. The handles
// are reference-shared: any party dropping its reference does not invalidate
// the others.
type connState struct {
	id       ConnectionID
	outbox   chan *Envelope
	stopped  chan struct{}
	stopOnce sync.Once
	nextID   atomic.Uint32
	calls    *callTable
	streams  *streamTable
}

func newConnState(id ConnectionID) *connState {
	return &connState{
		id:      id,
		outbox:  make(chan *Envelope, outboxSize),
		stopped: make(chan struct{}),
		calls:   newCallTable(),
		streams: newStreamTable(),
	}
}

// stop signals the connection's pump to shut down. Safe to call repeatedly.
func (c *connState) stop() { c.stopOnce.Do(func() { close(c.stopped) }) }

// nextMessageID allocates the next outbound message ID. IDs start at 1 and
// are never reused within the connection's lifetime.
func (c *connState) nextMessageID() uint32 { return c.nextID.Add(1) }

// enqueue places env on the outbound queue, blocking while the queue is
// full. It fails fast with ErrConnectionClosed once the connection has been
// stopped.
func (c *connState) enqueue(env *Envelope) error {
	select {
	case <-c.stopped:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbox <- env:
		return nil
	case <-c.stopped:
		return ErrConnectionClosed
	}
}

// A RemoteStream consumes the streamed responses to a request issued with
// [Peer.RequestStream]. It is not safe for concurrent use by multiple
// goroutines.
type RemoteStream struct {
	id      uint32
	reqType string
	entry   *streamEntry
	table   *streamTable

	closeOnce sync.Once
	done      bool
}

// Next blocks until the next streamed response arrives, ctx ends, or the
// stream terminates. A generic error payload ends the stream with a
// *CallError; an end-of-stream sentinel ends it with io.EOF; teardown of the
// connection ends it with ErrConnectionClosed.
func (s *RemoteStream) Next(ctx context.Context) (*Response, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case d, ok := <-s.entry.ch:
		if !ok {
			s.done = true
			return nil, ErrConnectionClosed
		}
		d.ack()
		switch d.env.Payload.Kind {
		case KindError:
			s.done = true
			return nil, remoteError(s.reqType, d.env.Payload)
		case KindEndStream:
			s.done = true
			return nil, io.EOF
		}
		return &Response{Env: d.env, Received: d.at}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close abandons the stream. The remote peer is not notified; items that
// arrive afterward are discarded without blocking the connection's inbound
// pump. Close is a no-op after the stream has terminated.
func (s *RemoteStream) Close() {
	s.closeOnce.Do(func() {
		close(s.entry.done)
		s.table.remove(s.id)
		// Drain a delivery that may already be buffered so the dispatcher's
		// rendezvous cannot hang.
		select {
		case d, ok := <-s.entry.ch:
			if ok {
				d.ack()
			}
		default:
		}
	})
}
