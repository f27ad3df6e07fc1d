// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/mds/value"
)

// An Addr is the routable form of a connection identity, as it appears in
// envelopes exchanged on the wire. It is convertible to and from a
// [ConnectionID] without loss.
type Addr struct {
	Owner uint32 // epoch of the peer that owns the connection
	Seq   uint32 // per-epoch connection sequence number
}

// ID converts a to the equivalent connection ID.
func (a Addr) ID() ConnectionID { return ConnectionID(a) }

func (a Addr) String() string { return fmt.Sprintf("%d/%d", a.Owner, a.Seq) }

// A ConnectionID identifies one logical connection in a [Peer] registry.  The
// Owner field is the epoch of the peer that allocated the connection, bumped
// on process restart so that stale IDs from a prior incarnation can never
// collide; Seq increases monotonically within an epoch.
type ConnectionID struct {
	Owner uint32
	Seq   uint32
}

// Addr converts c to the equivalent routable address.
func (c ConnectionID) Addr() Addr { return Addr(c) }

// Compare orders connection IDs by epoch, then by sequence number.
func (c ConnectionID) Compare(o ConnectionID) int {
	if c.Owner != o.Owner {
		return value.Cond(c.Owner < o.Owner, -1, 1)
	}
	switch {
	case c.Seq < o.Seq:
		return -1
	case c.Seq > o.Seq:
		return 1
	}
	return 0
}

func (c ConnectionID) String() string { return fmt.Sprintf("%d/%d", c.Owner, c.Seq) }

// A PayloadKind discriminates the variants of a [Payload].
type PayloadKind byte

const (
	KindMessage   PayloadKind = 0 // an application message
	KindError     PayloadKind = 1 // a generic protocol-level error
	KindEndStream PayloadKind = 2 // end-of-stream sentinel for streaming responses
)

func (k PayloadKind) String() string {
	switch k {
	case KindMessage:
		return "MESSAGE"
	case KindError:
		return "ERROR"
	case KindEndStream:
		return "END_STREAM"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// A WireError is the generic error variant of a payload. It is what a remote
// peer reports when a request fails at the protocol level.
type WireError struct {
	Code    uint32
	Message string
}

// Error satisfies the error interface, allowing a WireError to be used
// directly as an error value.
func (e *WireError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Error codes carried by a [WireError]. Code 0 is a generic failure.
const (
	CodeGeneric          uint32 = 0 // unspecified failure
	CodeUnhandledMessage uint32 = 1 // no handler registered for the message type
)

// A Payload is the body of an envelope. For the purposes of this package a
// payload is one of three variants: an application message (an opaque type
// name plus data, decoded outside this package), a generic error, or an
// end-of-stream sentinel.
type Payload struct {
	Kind PayloadKind

	Type string // application message type name (KindMessage only)
	Data []byte // application message body (KindMessage only)

	Err *WireError // error details (KindError only)
}

// Message constructs an application message payload with the given type name
// and body.
func Message(typeName string, data []byte) Payload {
	return Payload{Kind: KindMessage, Type: typeName, Data: data}
}

// ErrorMessage constructs a generic error payload.
func ErrorMessage(code uint32, msg string) Payload {
	return Payload{Kind: KindError, Err: &WireError{Code: code, Message: msg}}
}

// EndOfStream constructs an end-of-stream sentinel payload.
func EndOfStream() Payload { return Payload{Kind: KindEndStream} }

func (p Payload) String() string {
	switch p.Kind {
	case KindError:
		if p.Err != nil {
			return fmt.Sprintf("Error(%v)", p.Err)
		}
		return "Error(?)"
	case KindEndStream:
		return "EndStream"
	default:
		return fmt.Sprintf("Message(%s, [%d bytes])", p.Type, len(p.Data))
	}
}

// An Envelope is the unit of correlation between peers. ID is unique per
// sending connection for the lifetime of that connection; ResponseTo, when
// nonzero, names the message ID this envelope responds to. Message IDs are
// allocated starting at 1 so that zero can stand for "not a response".
type Envelope struct {
	ID         uint32
	ResponseTo uint32
	Origin     *Addr // set when the message is forwarded on behalf of a third party
	Payload    Payload
}

func (e *Envelope) String() string {
	tag := ""
	if e.ResponseTo != 0 {
		tag = fmt.Sprintf(", ResponseTo=%d", e.ResponseTo)
	}
	if e.Origin != nil {
		tag += fmt.Sprintf(", Origin=%v", *e.Origin)
	}
	return fmt.Sprintf("Envelope(ID=%d%s, %v)", e.ID, tag, e.Payload)
}

// A FrameType describes the structure of a frame exchanged on a stream.
type FrameType byte

const (
	FrameEnvelope FrameType = 1 // the frame carries an envelope
	FramePing     FrameType = 2 // a keepalive probe; carries nothing
)

func (t FrameType) String() string {
	switch t {
	case FrameEnvelope:
		return "ENVELOPE"
	case FramePing:
		return "PING"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// A Frame is the unit a [Stream] sends and receives: either an envelope or a
// keepalive ping. Received is stamped by the IO pump when the frame arrives
// from the transport; it is ignored on send.
type Frame struct {
	Type     FrameType
	Env      Envelope  // valid only when Type == FrameEnvelope
	Received time.Time // local receipt time, set by the receiver
}

func (f *Frame) String() string {
	if f.Type == FrameEnvelope {
		return f.Env.String()
	}
	return f.Type.String()
}

// A Stream is a reliable ordered duplex stream of frames shared by two peers.
// Any framed transport works: a WebSocket, a length-prefixed TCP stream, or
// an in-memory test pipe.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver. Close must cause pending Send and Recv calls to
// terminate with an error.
type Stream interface {
	// Send the frame to the remote peer.
	Send(*Frame) error

	// Recv the next available frame from the remote peer.
	Recv() (*Frame, error)

	// Close the stream. After a stream is closed, all further operations on
	// it must report an error.
	Close() error
}

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	*Frame      // the frame being logged
	Sent   bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%s %v", value.Cond(f.Sent, "send", "recv"), f.Frame)
}

// A FrameLogger logs a frame exchanged with a remote peer.
type FrameLogger func(FrameInfo)

// ErrConnectionClosed is reported to every caller waiting on a request or
// stream when the underlying connection is torn down, and by operations on a
// connection that has already been removed from its registry.
var ErrConnectionClosed = errors.New("connection was closed")

// ErrUnknownConnection is reported by operations naming a connection ID that
// is not present in the registry.
var ErrUnknownConnection = errors.New("unknown connection")

// A CallError reports a protocol-level error returned by the remote peer in
// response to a request. The connection remains open; the error belongs to
// the one caller that issued the request.
type CallError struct {
	Type    string // payload type name of the originating request
	Code    uint32
	Message string
}

// Error satisfies the error interface.
func (e *CallError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("remote error: %v", &WireError{Code: e.Code, Message: e.Message})
	}
	return fmt.Sprintf("request %s: remote error: %v", e.Type, &WireError{Code: e.Code, Message: e.Message})
}

// remoteError converts an error payload into a CallError attributed to a
// request with the given payload type name.
func remoteError(reqType string, p Payload) *CallError {
	ce := &CallError{Type: reqType}
	if p.Err != nil {
		ce.Code = p.Err.Code
		ce.Message = p.Err.Message
	} else {
		ce.Message = "unspecified remote error"
	}
	return ce
}
