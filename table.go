// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"sync"
	"time"
)

// A delivered value is one response envelope handed off to a waiting caller.
// The receiver must call ack immediately after copying the value out; the
// dispatcher blocks on the rendezvous until then, which is what keeps
// inbound delivery wire-ordered within a connection.
type delivered struct {
	env Envelope
	at  time.Time
	rdv chan struct{}
}

func (d delivered) ack() { close(d.rdv) }

// A callTable maps in-flight request IDs to single-use reply slots. The
// table has an explicit closed state distinct from empty: once closed it
// accepts no further entries, and closing fails every registered waiter by
// closing its slot. This is how in-flight requests learn the connection
// died.
type callTable struct {
	μ      sync.Mutex
	slots  map[uint32]chan delivered
	closed bool
}

func newCallTable() *callTable {
	return &callTable{slots: make(map[uint32]chan delivered)}
}

// insert registers a reply slot for id. It reports ErrConnectionClosed if
// the table has been closed.
func (t *callTable) insert(id uint32, slot chan delivered) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}
	t.slots[id] = slot
	return nil
}

// remove takes the reply slot for id out of the table, reporting whether an
// entry was present. The caller becomes the sole owner of the slot.
func (t *callTable) remove(id uint32) (chan delivered, bool) {
	t.μ.Lock()
	defer t.μ.Unlock()
	slot, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	return slot, ok
}

// close marks the table closed and fails all remaining waiters.
// It is safe to call close multiple times.
func (t *callTable) close() {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, slot := range t.slots {
		delete(t.slots, id)
		close(slot)
	}
}

// pending reports the number of registered waiters. Test support.
func (t *callTable) pending() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.slots)
}

// A streamEntry is the multi-use reply queue for one in-flight streaming
// request. The done channel is closed when the consumer gives up, so that a
// dispatch in flight can skip its rendezvous instead of blocking forever.
type streamEntry struct {
	ch   chan delivered
	done chan struct{}
}

func newStreamEntry() *streamEntry {
	return &streamEntry{ch: make(chan delivered, 1), done: make(chan struct{})}
}

// A streamTable maps in-flight streaming-request IDs to their reply queues.
// Entries persist across deliveries until a terminal payload arrives or the
// consumer closes the stream; like callTable it has an explicit closed
// state used to fail all outstanding streams on teardown.
type streamTable struct {
	μ       sync.Mutex
	entries map[uint32]*streamEntry
	closed  bool
}

func newStreamTable() *streamTable {
	return &streamTable{entries: make(map[uint32]*streamEntry)}
}

func (t *streamTable) insert(id uint32, e *streamEntry) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}
	t.entries[id] = e
	return nil
}

// lookup returns the entry for id without removing it.
func (t *streamTable) lookup(id uint32) (*streamEntry, bool) {
	t.μ.Lock()
	defer t.μ.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *streamTable) remove(id uint32) (*streamEntry, bool) {
	t.μ.Lock()
	defer t.μ.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// close marks the table closed. Each outstanding stream receives closure of
// its queue, which the consumer observes as one final connection-closed
// error.
func (t *streamTable) close() {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, e := range t.entries {
		delete(t.entries, id)
		close(e.ch)
	}
}

func (t *streamTable) pending() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.entries)
}
