// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tcp implements transport.Transport over plain TCP
// connections, framing messages with encoding/gob the way
// bigmachine's RPC layer frames its own wire messages
// (bufio.Writer + gob.Encoder over a persistent connection per peer).
// It is the "real" transport; transport/local is for tests.
package tcp

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/transport"
)

// retryPolicy governs reconnect attempts after a dial failure,
// mirroring exec/bigmachine.go's retryPolicy for machine RPCs.
var retryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

func init() {
	gob.Register(transport.DataDepMessage{})
	gob.Register(transport.ReleaseMessage{})
	gob.Register(transport.DirectDepMessage{})
}

// envelope is the wire frame: exactly one of the three payloads is
// non-nil-ish (selected by Kind).
type envelope struct {
	Kind byte
	Data transport.DataDepMessage
	Rel  transport.ReleaseMessage
	Dir  transport.DirectDepMessage
}

// Peer is the address at which a unit's Transport listens.
type Peer struct {
	Unit gptr.UnitID
	Addr string
}

// Transport is a transport.Transport backed by one TCP connection per
// peer unit. Connections are dialed lazily on first send and
// redialed with backoff if a send fails.
type Transport struct {
	self  gptr.UnitID
	ln    net.Listener
	peers map[gptr.UnitID]string

	mu    sync.Mutex
	conns map[gptr.UnitID]*bufio.Writer
	encs  map[gptr.UnitID]*gob.Encoder
	raw   map[gptr.UnitID]net.Conn

	h transport.Handler

	incoming chan envelope
	closed   chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New returns a Transport listening on listenAddr, with peers
// addressable as given. The returned Transport is not yet started;
// call Init to bind a Handler and begin accepting connections.
func New(listenAddr string, peers []Peer) (*Transport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.E(errors.Fatal, err, "tasking/transport/tcp: listen")
	}
	addrs := make(map[gptr.UnitID]string, len(peers))
	for _, p := range peers {
		addrs[p.Unit] = p.Addr
	}
	return &Transport{
		ln:       ln,
		peers:    addrs,
		conns:    make(map[gptr.UnitID]*bufio.Writer),
		encs:     make(map[gptr.UnitID]*gob.Encoder),
		raw:      make(map[gptr.UnitID]net.Conn),
		incoming: make(chan envelope, 1024),
		closed:   make(chan struct{}),
	}, nil
}

// Init implements transport.Transport.
func (t *Transport) Init(self gptr.UnitID, h transport.Handler) error {
	t.self = self
	t.h = h
	go t.accept()
	return nil
}

func (t *Transport) accept() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				log.Error.Printf("tasking/transport/tcp: accept: %v", err)
				return
			}
		}
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	dec := gob.NewDecoder(bufio.NewReader(conn))
	for {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			log.Debug.Printf("tasking/transport/tcp: connection closed: %v", err)
			return
		}
		select {
		case t.incoming <- e:
		case <-t.closed:
			return
		}
	}
}

// Fini implements transport.Transport.
func (t *Transport) Fini() error {
	close(t.closed)
	t.ln.Close()
	t.mu.Lock()
	for _, c := range t.raw {
		c.Close()
	}
	t.mu.Unlock()
	return nil
}

// Self implements transport.Transport.
func (t *Transport) Self() gptr.UnitID { return t.self }

// Progress implements transport.Transport: drains everything already
// decoded from the network without waiting for more.
func (t *Transport) Progress() error {
	for {
		select {
		case e := <-t.incoming:
			t.dispatch(e)
		default:
			return nil
		}
	}
}

// ProgressBlocking implements transport.Transport. It drains the
// decoded queue and then gives in-flight reads a short grace window
// to land, repeating until a full window passes with nothing new —
// there is no way to observe TCP/gob buffering state directly, so we
// poll.
func (t *Transport) ProgressBlocking() error {
	for {
		dispatched := false
		for {
			select {
			case e := <-t.incoming:
				t.dispatch(e)
				dispatched = true
			default:
				goto drained
			}
		}
	drained:
		if !dispatched {
			select {
			case e := <-t.incoming:
				t.dispatch(e)
			case <-time.After(5 * time.Millisecond):
				return nil
			}
		}
	}
}

func (t *Transport) dispatch(e envelope) {
	switch e.Kind {
	case 'd':
		t.h.HandleRemoteTask(e.Data)
	case 'r':
		t.h.HandleRelease(e.Rel)
	case 'x':
		t.h.HandleDirectDep(e.Dir)
	}
}

func (t *Transport) send(to gptr.UnitID, e envelope) error {
	enc, err := t.encoderFor(to)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := enc.Encode(e); err != nil {
		t.dropLocked(to)
		return errors.E(errors.Fatal, err, "tasking/transport/tcp: send")
	}
	if err := t.conns[to].Flush(); err != nil {
		t.dropLocked(to)
		return errors.E(errors.Fatal, err, "tasking/transport/tcp: send")
	}
	return nil
}

// encoderFor dials (with retry) and caches a connection to to,
// reusing any live one.
func (t *Transport) encoderFor(to gptr.UnitID) (*gob.Encoder, error) {
	t.mu.Lock()
	if enc, ok := t.encs[to]; ok {
		t.mu.Unlock()
		return enc, nil
	}
	t.mu.Unlock()

	addr, ok := t.peers[to]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tasking/transport/tcp: unknown unit %d", to))
	}
	var (
		conn  net.Conn
		err   error
		tries int
	)
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		if werr := retry.Wait(context.Background(), retryPolicy, tries); werr != nil {
			return nil, errors.E(errors.Fatal, err, "tasking/transport/tcp: dial", addr)
		}
		tries++
	}
	w := bufio.NewWriter(conn)
	enc := gob.NewEncoder(w)

	t.mu.Lock()
	t.raw[to] = conn
	t.conns[to] = w
	t.encs[to] = enc
	t.mu.Unlock()
	return enc, nil
}

func (t *Transport) dropLocked(to gptr.UnitID) {
	if c, ok := t.raw[to]; ok {
		c.Close()
	}
	delete(t.raw, to)
	delete(t.conns, to)
	delete(t.encs, to)
}

// DataDep implements transport.Transport.
func (t *Transport) DataDep(to gptr.UnitID, msg transport.DataDepMessage) error {
	msg.Task.Unit = t.self
	return t.send(to, envelope{Kind: 'd', Data: msg})
}

// Release implements transport.Transport.
func (t *Transport) Release(to gptr.UnitID, msg transport.ReleaseMessage) error {
	return t.send(to, envelope{Kind: 'r', Rel: msg})
}

// DirectDep implements transport.Transport. Neither RemoteTask
// embedded in msg is necessarily local to this unit (the Successor
// token belongs to the receiver), so nothing is auto-filled: the
// caller must fully populate both fields before calling DirectDep.
func (t *Transport) DirectDep(to gptr.UnitID, msg transport.DirectDepMessage) error {
	return t.send(to, envelope{Kind: 'x', Dir: msg})
}
