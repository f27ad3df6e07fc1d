// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package handler provides a dispatch service that routes inbound messages
// to named handlers, and adapters for handler functions with other
// signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"github.com/parleyproto/parley"
)

// A Request is one inbound message presented to a handler.
type Request struct {
	Peer *parley.Peer
	Msg  *parley.Inbound
}

// Type returns the payload type name of the request.
func (r *Request) Type() string { return r.Msg.Env.Payload.Type }

// Data returns the payload body of the request.
func (r *Request) Data() []byte { return r.Msg.Env.Payload.Data }

// A Func handles one request and returns the response body. A nil body with
// a nil error produces an empty (but successful) response.
type Func func(ctx context.Context, req *Request) ([]byte, error)

// A Service routes inbound messages to handlers by payload type name and
// sends the handler's result back as the response. Messages with no
// registered handler are answered with an unhandled-message error, so the
// requester fails fast instead of waiting out its context.
type Service struct {
	peer *parley.Peer
	log  *zap.Logger

	μ        sync.Mutex
	handlers map[string]Func
}

// New constructs a service that responds via peer.
func New(peer *parley.Peer) *Service {
	return &Service{peer: peer, log: zap.NewNop(), handlers: make(map[string]Func)}
}

// WithLogger sets the logger for dispatch diagnostics. A nil logger disables
// logging. It returns s to permit chaining.
func (s *Service) WithLogger(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s.log = log
	return s
}

// Handle registers h for messages whose payload type name is typeName,
// replacing any previous registration. It returns s to permit chaining.
func (s *Service) Handle(typeName string, h Func) *Service {
	s.μ.Lock()
	defer s.μ.Unlock()
	if h == nil {
		delete(s.handlers, typeName)
	} else {
		s.handlers[typeName] = h
	}
	return s
}

func (s *Service) lookup(typeName string) (Func, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	h, ok := s.handlers[typeName]
	return h, ok
}

// Serve consumes inbound until the channel closes or ctx ends, dispatching
// each message to its handler in a separate goroutine. Receiving promptly
// here is what lets the connection's dispatcher keep up; only the handlers
// themselves run concurrently. Serve returns after all running handlers
// have finished.
func (s *Service) Serve(ctx context.Context, inbound <-chan *parley.Inbound) error {
	g := taskgroup.New(nil)
	defer g.Wait()
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			s.dispatch(ctx, g, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) dispatch(ctx context.Context, g *taskgroup.Group, msg *parley.Inbound) {
	pl := msg.Env.Payload
	if pl.Kind != parley.KindMessage {
		s.log.Warn("ignoring non-message inbound payload",
			zap.Stringer("conn", msg.Conn), zap.Stringer("payload", pl))
		return
	}
	h, ok := s.lookup(pl.Type)
	if !ok {
		s.log.Debug("no handler for message",
			zap.Stringer("conn", msg.Conn), zap.String("type", pl.Type))
		if err := s.peer.RespondUnhandled(msg.Receipt(), pl.Type); err != nil {
			s.log.Warn("respond failed", zap.Stringer("conn", msg.Conn), zap.Error(err))
		}
		return
	}
	g.Go(func() error {
		data, err := h(ctx, &Request{Peer: s.peer, Msg: msg})
		if err != nil {
			rerr := s.peer.RespondError(msg.Receipt(), &parley.WireError{
				Code: parley.CodeGeneric, Message: err.Error(),
			})
			if rerr != nil {
				s.log.Warn("respond failed", zap.Stringer("conn", msg.Conn), zap.Error(rerr))
			}
			return nil
		}
		if err := s.peer.Respond(msg.Receipt(), parley.Message(pl.Type, data)); err != nil {
			s.log.Warn("respond failed", zap.Stringer("conn", msg.Conn), zap.Error(err))
		}
		return nil
	})
}

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by one of the adapters below will have this value.
func ContextRequest(ctx context.Context) *Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a Func.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) Func {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data(), &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a Func.
func ParamResult[P, R any](f func(context.Context, P) R) Func {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data(), &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and
// returns an error with no result, to a Func.
func ParamError[P any](f func(context.Context, P) error) Func {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data(), &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a Func.
func ResultError[R any](f func(context.Context) (R, error)) Func {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface. If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result
// is nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
