// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport defines the active-message transport contract the
// tasking engine relies on to coordinate dependency resolution across
// units. Per the engine's scope, the transport itself — dialing peers,
// framing messages, retrying a dropped connection — is an external
// collaborator; this package only fixes the shape of the three message
// kinds the engine exchanges and the handler interface it is delivered
// through. Concrete transports live in subpackages (transport/local for
// same-process simulation and testing, transport/tcp for a real
// unit-to-unit network).
package transport

import "github.com/taskmesh/tasking/gptr"

// RemoteTask is an opaque reference to a task owned by some unit. A
// unit mints its own tokens for tasks it exports to peers; a token is
// only ever interpreted by the unit named in Unit, which echoes it back
// unexamined in subsequent messages (the transport equivalent of DART's
// taskref union).
type RemoteTask struct {
	Unit  gptr.UnitID
	Token uint64
}

// DataDepMessage announces an incoming remote dependency: Task (on
// Unit) requires Ptr in phase Phase, per Type. Type is always
// gptr.DepIn on the wire — the engine only ever exports IN
// dependencies on remote GPtrs, mirroring DART's restriction that
// dart_tasking_datadeps_handle_remote_task only accepts DART_DEP_IN.
type DataDepMessage struct {
	Phase uint64
	Type  gptr.DepType
	Ptr   gptr.GPtr
	Task  RemoteTask
}

// ReleaseMessage tells the unit that owns Task that one of its
// dependencies (Ptr, Type) has been satisfied and Task's
// unresolved-dependency count may be decremented.
type ReleaseMessage struct {
	Task RemoteTask
	Type gptr.DepType
	Ptr  gptr.GPtr
}

// DirectDepMessage establishes an anti-dependency between a task on
// the sender and a task on the receiver: Predecessor (a task on the
// unit that sent this message) must not run until Successor (a task
// owned by the receiving unit) finishes. The
// receiver pushes Predecessor onto Successor's remote-successor chain
// and, once Successor finishes, sends a ReleaseMessage addressed to
// Predecessor.
type DirectDepMessage struct {
	Predecessor RemoteTask
	Successor   RemoteTask
}

// Handler receives messages delivered by a Transport's progress tick.
// Implementations must be safe to call from whatever goroutine the
// Transport uses to drive delivery; the engine calls Progress from
// every worker goroutine (master and spawned workers alike), so its
// handlers may run on any of them. Every message carries enough
// addressing information (via RemoteTask.Unit) that handlers don't
// need a separate origin parameter.
type Handler interface {
	// HandleRemoteTask registers an incoming remote IN dependency.
	// Matching against local producers is batched, not performed
	// inline.
	HandleRemoteTask(msg DataDepMessage)
	// HandleRelease applies an incoming release to the named local
	// task, decrementing its unresolved-dependency count (subject to
	// the phase-bound deferral rule).
	HandleRelease(msg ReleaseMessage)
	// HandleDirectDep registers msg.Predecessor as a remote successor
	// of the local task named by msg.Successor.
	HandleDirectDep(msg DirectDepMessage)
}

// Transport is the active-message collaborator required by §6 of the
// spec: ordered, reliable, unit-to-unit delivery with handlers invoked
// on the local unit's progress tick.
type Transport interface {
	// Init binds the transport to self and registers h to receive
	// incoming messages. Init is called once, before any Send call.
	Init(self gptr.UnitID, h Handler) error
	// Fini tears the transport down. No further Send calls are made
	// after Fini returns.
	Fini() error
	// Progress polls for incoming messages without blocking,
	// invoking Handler methods for anything that arrived.
	Progress() error
	// ProgressBlocking polls until no more messages are
	// immediately available — used at phase boundaries to ensure
	// every message sent before the boundary has been observed.
	ProgressBlocking() error
	// Self returns the unit id this transport was initialized with.
	Self() gptr.UnitID

	// DataDep sends msg to unit to, to be delivered to to's Handler
	// as HandleRemoteTask.
	DataDep(to gptr.UnitID, msg DataDepMessage) error
	// Release sends msg to unit to, to be delivered as HandleRelease.
	Release(to gptr.UnitID, msg ReleaseMessage) error
	// DirectDep sends msg to unit to, to be delivered as
	// HandleDirectDep.
	DirectDep(to gptr.UnitID, msg DirectDepMessage) error
}
