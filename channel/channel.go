// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package channel provides implementations of the parley.Stream interface,
// together with the binary frame encoding they share.
package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/multiformats/go-varint"

	"github.com/parleyproto/parley"
)

// maxFrameSize bounds the size of a single encoded frame accepted from a
// byte stream, guarding against a corrupt or hostile length prefix.
const maxFrameSize = 16 << 20

const flagOrigin = 1 // envelope carries an origin address

// Encode encodes fr in binary format. The layout is a frame-type byte
// followed, for envelope frames, by the message ID, the responding-to ID
// (zero when absent), a flag byte, the optional origin address, and the
// payload. Ping frames have no body.
func Encode(fr *parley.Frame) []byte {
	buf := []byte{byte(fr.Type)}
	if fr.Type != parley.FrameEnvelope {
		return buf
	}
	env := &fr.Env
	buf = binary.BigEndian.AppendUint32(buf, env.ID)
	buf = binary.BigEndian.AppendUint32(buf, env.ResponseTo)

	var flags byte
	if env.Origin != nil {
		flags |= flagOrigin
	}
	buf = append(buf, flags)
	if env.Origin != nil {
		buf = binary.BigEndian.AppendUint32(buf, env.Origin.Owner)
		buf = binary.BigEndian.AppendUint32(buf, env.Origin.Seq)
	}

	buf = append(buf, byte(env.Payload.Kind))
	switch env.Payload.Kind {
	case parley.KindError:
		var werr parley.WireError
		if env.Payload.Err != nil {
			werr = *env.Payload.Err
		}
		buf = binary.BigEndian.AppendUint32(buf, werr.Code)
		buf = append(buf, werr.Message...)
	case parley.KindEndStream:
		// no body
	default:
		buf = append(buf, varint.ToUvarint(uint64(len(env.Payload.Type)))...)
		buf = append(buf, env.Payload.Type...)
		buf = append(buf, env.Payload.Data...)
	}
	return buf
}

// Decode decodes a frame from its binary format.
func Decode(data []byte) (*parley.Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	fr := &parley.Frame{Type: parley.FrameType(data[0])}
	switch fr.Type {
	case parley.FramePing:
		return fr, nil
	case parley.FrameEnvelope:
		// fall through to the envelope body
	default:
		return nil, fmt.Errorf("invalid frame type %d", data[0])
	}

	rest := data[1:]
	if len(rest) < 9 { // 4 id, 4 responseTo, 1 flags
		return nil, fmt.Errorf("short envelope header (%d bytes)", len(rest))
	}
	env := &fr.Env
	env.ID = binary.BigEndian.Uint32(rest[0:])
	env.ResponseTo = binary.BigEndian.Uint32(rest[4:])
	flags := rest[8]
	rest = rest[9:]

	if flags&flagOrigin != 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("short origin address (%d bytes)", len(rest))
		}
		env.Origin = &parley.Addr{
			Owner: binary.BigEndian.Uint32(rest[0:]),
			Seq:   binary.BigEndian.Uint32(rest[4:]),
		}
		rest = rest[8:]
	}

	if len(rest) == 0 {
		return nil, fmt.Errorf("missing payload kind")
	}
	kind := parley.PayloadKind(rest[0])
	rest = rest[1:]
	switch kind {
	case parley.KindError:
		if len(rest) < 4 {
			return nil, fmt.Errorf("short error payload (%d bytes)", len(rest))
		}
		env.Payload = parley.ErrorMessage(binary.BigEndian.Uint32(rest[0:]), string(rest[4:]))
	case parley.KindEndStream:
		env.Payload = parley.EndOfStream()
	case parley.KindMessage:
		tlen, n, err := varint.FromUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid type length: %w", err)
		}
		rest = rest[n:]
		if uint64(len(rest)) < tlen {
			return nil, fmt.Errorf("type name truncated (%d < %d bytes)", len(rest), tlen)
		}
		var body []byte
		if len(rest[tlen:]) > 0 {
			body = rest[tlen:]
		}
		env.Payload = parley.Message(string(rest[:tlen]), body)
	default:
		return nil, fmt.Errorf("invalid payload kind %d", byte(kind))
	}
	return fr, nil
}

// Direct constructs a connected pair of in-memory streams that pass frames
// directly without encoding. Frames sent to A are received by B and vice
// versa.
func Direct() (A, B parley.Stream) {
	a2b := make(chan *parley.Frame)
	b2a := make(chan *parley.Frame)
	A = direct{out: a2b, in: b2a}
	B = direct{out: b2a, in: a2b}
	return
}

type direct struct {
	out chan<- *parley.Frame
	in  <-chan *parley.Frame
}

// Send implements a method of the [parley.Stream] interface.
func (d direct) Send(fr *parley.Frame) (err error) {
	defer safeClose(&err)
	d.out <- fr
	return nil
}

// Recv implements a method of the [parley.Stream] interface.
func (d direct) Recv() (*parley.Frame, error) {
	fr, ok := <-d.in
	if !ok {
		return nil, net.ErrClosed
	}
	return fr, nil
}

// Close implements a method of the [parley.Stream] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.out)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a stream that receives from r and sends to wc, carrying
// each encoded frame behind an unsigned varint length prefix.
func IO(r io.Reader, wc io.WriteCloser) IOStream {
	return IOStream{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOStream sends and receives length-prefixed frames on a reader and a
// writer.
type IOStream struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [parley.Stream] interface.
func (s IOStream) Send(fr *parley.Frame) error {
	data := Encode(fr)
	if _, err := s.w.Write(varint.ToUvarint(uint64(len(data)))); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	return s.w.Flush()
}

// Recv implements a method of the [parley.Stream] interface.
func (s IOStream) Recv() (*parley.Frame, error) {
	size, err := varint.ReadUvarint(s.r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large (%d > %d bytes)", size, maxFrameSize)
	}
	data := make([]byte, int(size))
	if _, err := io.ReadFull(s.r, data); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return Decode(data)
}

// Close implements a method of the [parley.Stream] interface.
func (s IOStream) Close() error { return s.c.Close() }

// Websocket constructs a stream that exchanges frames as binary messages on
// a websocket connection. The websocket's own message boundaries provide
// the framing, so no length prefix is used.
func Websocket(conn *websocket.Conn) WSStream { return WSStream{conn: conn} }

// A WSStream sends and receives frames on a websocket connection.
type WSStream struct {
	conn *websocket.Conn
}

// Send implements a method of the [parley.Stream] interface.
func (s WSStream) Send(fr *parley.Frame) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, Encode(fr))
}

// Recv implements a method of the [parley.Stream] interface.
func (s WSStream) Recv() (*parley.Frame, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue // ignore text and control payloads
		}
		return Decode(data)
	}
}

// Close implements a method of the [parley.Stream] interface.
func (s WSStream) Close() error { return s.conn.Close() }
