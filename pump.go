// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// treatErrorAsSuccess reports whether err is an ordinary end-of-connection
// condition rather than a failure worth reporting from the pump.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// pump builds the IO loop for one connection. The returned RunFunc owns the
// stream: it drains the outbound queue, injects keepalive pings, enforces
// the receive timeout, and feeds decoded inbound frames through a bounded
// hand-off queue into the dispatcher. On any failure or clean shutdown it
// closes the reply tables (failing every pending request and stream),
// removes the connection from the registry, and closes the inbound channel.
func (p *Peer) pump(cs *connState, stream Stream, opts *ConnOptions, inbound chan *Inbound) RunFunc {
	return func(ctx context.Context) error {
		peerMetrics.connectionsActive.Add(1)
		defer peerMetrics.connectionsActive.Add(-1)

		clk := opts.clock()
		rawIn := make(chan *Frame, opts.inboundBuffer())

		// The first failure wins; everything after it is fallout from the
		// stream being closed underneath the other loops.
		var failOnce sync.Once
		var failErr error
		fail := func(err error) {
			failOnce.Do(func() {
				failErr = err
				cs.stop()
			})
		}

		g := taskgroup.New(nil)

		// Shutdown watcher: translate ctx cancellation into a stop signal,
		// and close the stream once stopping so that blocked Send and Recv
		// calls terminate.
		g.Go(func() error {
			select {
			case <-ctx.Done():
				cs.stop()
			case <-cs.stopped:
			}
			stream.Close()
			return nil
		})

		// Write loop: drain the outbound queue, pinging when it idles
		// longer than the keepalive interval. Real traffic resets the
		// keepalive timer so pings and traffic never redundantly stack.
		g.Go(func() error {
			keepalive := clk.Timer(opts.keepalive())
			defer keepalive.Stop()
			for {
				// Prefer pending traffic over a concurrently expired timer.
				select {
				case env := <-cs.outbox:
					if err := p.writeFrame(stream, clk, opts, &Frame{Type: FrameEnvelope, Env: *env}); err != nil {
						fail(err)
						return nil
					}
					keepalive.Reset(opts.keepalive())
					continue
				default:
				}
				select {
				case env := <-cs.outbox:
					if err := p.writeFrame(stream, clk, opts, &Frame{Type: FrameEnvelope, Env: *env}); err != nil {
						fail(err)
						return nil
					}
					keepalive.Reset(opts.keepalive())
				case <-keepalive.C:
					if err := p.writeFrame(stream, clk, opts, &Frame{Type: FramePing}); err != nil {
						fail(err)
						return nil
					}
					keepalive.Reset(opts.keepalive())
				case <-cs.stopped:
					return nil
				}
			}
		})

		// Read loop: move frames from the transport into the bounded
		// hand-off queue. The queue's capacity bounds inbound memory: a slow
		// dispatcher blocks this loop, which in turn blocks the remote
		// sender.
		g.Go(func() error {
			for {
				fr, err := stream.Recv()
				if err != nil {
					select {
					case <-cs.stopped: // already shutting down
					default:
						fail(fmt.Errorf("read: %w", err))
					}
					return nil
				}
				fr.Received = clk.Now()
				select {
				case rawIn <- fr:
				case <-cs.stopped:
					return nil
				}
			}
		})

		// Dispatch loop: serially route each inbound frame, and enforce the
		// receive timeout. Any inbound traffic, pings included, resets the
		// timeout.
		g.Go(func() error {
			recv := clk.Timer(opts.receiveTimeout())
			defer recv.Stop()
			for {
				select {
				case fr := <-rawIn:
					recv.Reset(opts.receiveTimeout())
					if p.logFrames != nil {
						p.logFrames(FrameInfo{Frame: fr, Sent: false})
					}
					if fr.Type == FramePing {
						peerMetrics.pingsReceived.Add(1)
						continue
					}
					peerMetrics.messagesReceived.Add(1)
					p.dispatch(cs, fr, inbound)
				case <-recv.C:
					fail(fmt.Errorf("receive timeout: no messages within %v", opts.receiveTimeout()))
					return nil
				case <-cs.stopped:
					return nil
				}
			}
		})

		g.Wait()

		// Teardown: fail everything pending, then drop the connection.
		cs.calls.close()
		cs.streams.close()
		p.removeConnection(cs.id)
		close(inbound)

		if failErr != nil && !treatErrorAsSuccess(failErr) {
			p.log.Warn("connection failed",
				zap.Stringer("conn", cs.id), zap.Error(failErr))
			return failErr
		}
		p.log.Debug("connection closed", zap.Stringer("conn", cs.id))
		return nil
	}
}

// writeFrame writes one frame to the stream under the write timeout. The
// watchdog closes the stream if the write overruns, which forces the
// blocked Send to return.
func (p *Peer) writeFrame(stream Stream, clk clock.Clock, opts *ConnOptions, fr *Frame) error {
	if p.logFrames != nil {
		p.logFrames(FrameInfo{Frame: fr, Sent: true})
	}
	watchdog := clk.AfterFunc(opts.writeTimeout(), func() { stream.Close() })
	err := stream.Send(fr)
	if !watchdog.Stop() {
		// A fired watchdog has closed the stream, so the connection is
		// unusable even if this frame made it out before the deadline.
		return fmt.Errorf("write timed out after %v", opts.writeTimeout())
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if fr.Type == FramePing {
		peerMetrics.pingsSent.Add(1)
	} else {
		peerMetrics.messagesSent.Add(1)
	}
	return nil
}

// dispatch routes one decoded envelope. Responses resolve the matching
// reply slot or stream queue, waiting on the rendezvous so that no later
// frame is dispatched before the current one has been claimed; everything
// else is handed to the application in wire order.
func (p *Peer) dispatch(cs *connState, fr *Frame, inbound chan<- *Inbound) {
	env := &fr.Env
	if env.ResponseTo == 0 {
		msg := &Inbound{Conn: cs.id, Env: fr.Env, Received: fr.Received}
		select {
		case inbound <- msg:
			peerMetrics.inboundDelivered.Add(1)
		case <-cs.stopped:
		}
		return
	}

	if slot, ok := cs.calls.remove(env.ResponseTo); ok {
		rdv := make(chan struct{})
		slot <- delivered{env: fr.Env, at: fr.Received, rdv: rdv}
		<-rdv
		return
	}

	if e, ok := cs.streams.lookup(env.ResponseTo); ok {
		// Teardown must always win: a consumer holding the stream without
		// polling it would otherwise park this loop past the stop signal.
		rdv := make(chan struct{})
		select {
		case e.ch <- delivered{env: fr.Env, at: fr.Received, rdv: rdv}:
			select {
			case <-rdv:
			case <-e.done: // consumer gave up; do not block the pump
			case <-cs.stopped:
			}
		case <-e.done:
		case <-cs.stopped:
		}
		if env.Payload.Kind == KindError || env.Payload.Kind == KindEndStream {
			cs.streams.remove(env.ResponseTo)
		}
		return
	}

	// Either a very late response after the caller gave up (benign), or a
	// protocol bug in the remote peer.
	peerMetrics.responsesDropped.Add(1)
	p.log.Warn("dropping response for unknown message",
		zap.Stringer("conn", cs.id),
		zap.Uint32("respondingTo", env.ResponseTo),
		zap.Stringer("payload", env.Payload))
}
