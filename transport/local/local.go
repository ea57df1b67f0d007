// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package local provides an in-process transport.Transport that
// delivers messages between units living in the same Go process over
// buffered channels. It exists for testing and for simulating a small
// SPMD collective without a real network — exactly the role
// bigmachine's testsystem plays for bigslice's exec tests.
package local

import (
	"strconv"
	"sync"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/transport"
)

// message is the union of the three wire message kinds, tagged by
// kind so a single channel can carry all of them in send order —
// ordering across message kinds from the same sender matters (a
// release must not overtake the data dependency it answers).
type message struct {
	kind byte // 'd' data dep, 'r' release, 'x' direct dep
	data transport.DataDepMessage
	rel  transport.ReleaseMessage
	dir  transport.DirectDepMessage
}

// Network is a shared registry of units communicating over in-memory
// channels. Create one Network per simulated collective and a
// *Transport per unit via Join.
type Network struct {
	mu    sync.Mutex
	boxes map[gptr.UnitID]chan message
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{boxes: make(map[gptr.UnitID]chan message)}
}

// Join creates a Transport for unit id on n. Join must be called once
// per unit before any Transport.Init.
func (n *Network) Join(id gptr.UnitID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	box := make(chan message, 4096)
	n.boxes[id] = box
	return &Transport{net: n, self: id, inbox: box}
}

func (n *Network) deliver(to gptr.UnitID, m message) error {
	n.mu.Lock()
	box, ok := n.boxes[to]
	n.mu.Unlock()
	if !ok {
		return errUnknownUnit(to)
	}
	box <- m
	return nil
}

type errUnknownUnit gptr.UnitID

func (e errUnknownUnit) Error() string {
	return "local transport: unknown unit " + strconv.FormatUint(uint64(e), 10)
}

// Transport is a Network-backed transport.Transport for a single unit.
type Transport struct {
	net   *Network
	self  gptr.UnitID
	inbox chan message

	h transport.Handler
}

var _ transport.Transport = (*Transport)(nil)

// Init implements transport.Transport.
func (t *Transport) Init(self gptr.UnitID, h transport.Handler) error {
	t.self = self
	t.h = h
	return nil
}

// Fini implements transport.Transport. It drops any unread messages;
// callers are expected to have already quiesced via ProgressBlocking.
func (t *Transport) Fini() error {
	return nil
}

// Self implements transport.Transport.
func (t *Transport) Self() gptr.UnitID { return t.self }

// Progress implements transport.Transport: it drains every message
// currently queued without blocking for more to arrive.
func (t *Transport) Progress() error {
	for {
		select {
		case m := <-t.inbox:
			t.dispatch(m)
		default:
			return nil
		}
	}
}

// ProgressBlocking implements transport.Transport. Because delivery in
// this transport is synchronous with Send (the channel send
// completes once the message is queued), a single non-blocking drain
// already observes everything sent before the call returned; there is
// no asynchronous network buffer to wait out.
func (t *Transport) ProgressBlocking() error {
	return t.Progress()
}

func (t *Transport) dispatch(m message) {
	switch m.kind {
	case 'd':
		t.h.HandleRemoteTask(m.data)
	case 'r':
		t.h.HandleRelease(m.rel)
	case 'x':
		t.h.HandleDirectDep(m.dir)
	}
}

// DataDep implements transport.Transport.
func (t *Transport) DataDep(to gptr.UnitID, msg transport.DataDepMessage) error {
	msg.Task.Unit = t.self
	return t.net.deliver(to, message{kind: 'd', data: msg})
}

// Release implements transport.Transport.
func (t *Transport) Release(to gptr.UnitID, msg transport.ReleaseMessage) error {
	return t.net.deliver(to, message{kind: 'r', rel: msg})
}

// DirectDep implements transport.Transport. Unlike DataDep, neither
// RemoteTask embedded in msg necessarily belongs to this unit (the
// Successor token belongs to the receiver), so nothing is auto-filled
// here: the caller must fully populate both fields.
func (t *Transport) DirectDep(to gptr.UnitID, msg transport.DirectDepMessage) error {
	return t.net.deliver(to, message{kind: 'x', dir: msg})
}
