// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"errors"
	"testing"
	"time"
)

func TestCallTable(t *testing.T) {
	tab := newCallTable()

	slot := make(chan delivered, 1)
	if err := tab.insert(7, slot); err != nil {
		t.Fatalf("insert(7): unexpected error: %v", err)
	}
	if n := tab.pending(); n != 1 {
		t.Errorf("pending: got %d, want 1", n)
	}

	got, ok := tab.remove(7)
	if !ok || got != slot {
		t.Errorf("remove(7): got (%v, %v), want the registered slot", got, ok)
	}
	if _, ok := tab.remove(7); ok {
		t.Error("remove(7) a second time unexpectedly succeeded")
	}

	// Closing fails all registered waiters by closing their slots.
	s1, s2 := make(chan delivered, 1), make(chan delivered, 1)
	tab.insert(1, s1)
	tab.insert(2, s2)
	tab.close()
	for i, s := range []chan delivered{s1, s2} {
		select {
		case _, ok := <-s:
			if ok {
				t.Errorf("slot %d: got a value, want closure", i+1)
			}
		default:
			t.Errorf("slot %d was not closed", i+1)
		}
	}
	if n := tab.pending(); n != 0 {
		t.Errorf("pending after close: got %d, want 0", n)
	}
	if err := tab.insert(3, make(chan delivered, 1)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("insert after close: got %v, want %v", err, ErrConnectionClosed)
	}
	tab.close() // safe to repeat
}

func TestStreamTable(t *testing.T) {
	tab := newStreamTable()

	e := newStreamEntry()
	if err := tab.insert(4, e); err != nil {
		t.Fatalf("insert(4): unexpected error: %v", err)
	}
	if got, ok := tab.lookup(4); !ok || got != e {
		t.Errorf("lookup(4): got (%v, %v), want the registered entry", got, ok)
	}
	if got, ok := tab.lookup(5); ok {
		t.Errorf("lookup(5): got (%v, %v), want absent", got, ok)
	}
	if got, ok := tab.remove(4); !ok || got != e {
		t.Errorf("remove(4): got (%v, %v), want the registered entry", got, ok)
	}
	if _, ok := tab.lookup(4); ok {
		t.Error("lookup(4) after remove unexpectedly succeeded")
	}

	e2 := newStreamEntry()
	tab.insert(6, e2)
	tab.close()
	select {
	case _, ok := <-e2.ch:
		if ok {
			t.Error("stream queue: got a value, want closure")
		}
	default:
		t.Error("stream queue was not closed")
	}
	if err := tab.insert(8, newStreamEntry()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("insert after close: got %v, want %v", err, ErrConnectionClosed)
	}
}

func TestMessageIDAllocation(t *testing.T) {
	cs := newConnState(ConnectionID{Owner: 1, Seq: 1})
	for want := uint32(1); want <= 5; want++ {
		if got := cs.nextMessageID(); got != want {
			t.Errorf("nextMessageID: got %d, want %d", got, want)
		}
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	cs := newConnState(ConnectionID{Owner: 1, Seq: 1})
	if err := cs.enqueue(&Envelope{ID: 1}); err != nil {
		t.Fatalf("enqueue: unexpected error: %v", err)
	}
	cs.stop()
	cs.stop() // safe to repeat
	if err := cs.enqueue(&Envelope{ID: 2}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("enqueue after stop: got %v, want %v", err, ErrConnectionClosed)
	}
}

func TestConnOptionsDefaults(t *testing.T) {
	var opts *ConnOptions // nil receiver provides defaults
	if got := opts.keepalive(); got != DefaultKeepaliveInterval {
		t.Errorf("keepalive: got %v, want %v", got, DefaultKeepaliveInterval)
	}
	if got := opts.writeTimeout(); got != DefaultWriteTimeout {
		t.Errorf("writeTimeout: got %v, want %v", got, DefaultWriteTimeout)
	}
	if got := opts.receiveTimeout(); got != DefaultReceiveTimeout {
		t.Errorf("receiveTimeout: got %v, want %v", got, DefaultReceiveTimeout)
	}
	if got := opts.inboundBuffer(); got != DefaultInboundBuffer {
		t.Errorf("inboundBuffer: got %v, want %v", got, DefaultInboundBuffer)
	}
	if opts.clock() == nil {
		t.Error("clock: got nil, want the real clock")
	}

	custom := &ConnOptions{KeepaliveInterval: 50 * time.Millisecond}
	if got := custom.keepalive(); got != 50*time.Millisecond {
		t.Errorf("custom keepalive: got %v, want 50ms", got)
	}
	if got := custom.receiveTimeout(); got != DefaultReceiveTimeout {
		t.Errorf("custom receiveTimeout: got %v, want the default %v", got, DefaultReceiveTimeout)
	}
}

func TestConnectionIDCompare(t *testing.T) {
	tests := []struct {
		a, b ConnectionID
		want int
	}{
		{ConnectionID{1, 1}, ConnectionID{1, 1}, 0},
		{ConnectionID{1, 1}, ConnectionID{1, 2}, -1},
		{ConnectionID{1, 2}, ConnectionID{1, 1}, 1},
		{ConnectionID{1, 9}, ConnectionID{2, 1}, -1},
		{ConnectionID{3, 1}, ConnectionID{2, 9}, 1},
	}
	for _, tc := range tests {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Errorf("Compare(%v, %v): got %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRemoteError(t *testing.T) {
	ce := remoteError("fetch", ErrorMessage(4, "boom"))
	if ce.Type != "fetch" || ce.Code != 4 || ce.Message != "boom" {
		t.Errorf("remoteError: got %+v, want fetch/4/boom", ce)
	}
	ce = remoteError("fetch", Payload{Kind: KindError}) // missing error detail
	if ce.Message != "unspecified remote error" {
		t.Errorf("remoteError without detail: got %q", ce.Message)
	}
}
