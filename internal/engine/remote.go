// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/transport"
)

// tokenRegistry maps locally-minted tokens to the *Task they name, so
// a later message from a peer (a release, or a direct-dep naming this
// task as Successor) can be resolved back to the task object. Tokens
// are meaningless to anyone but the unit that minted them — this is
// the Go-side stand-in for DART's pointer-as-taskref trick, made
// explicit because Go pointers can't be handed across the wire.
type tokenRegistry struct {
	mu      sync.Mutex
	next    uint64
	byToken map[uint64]*Task
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{byToken: make(map[uint64]*Task)}
}

// token returns t's token, minting one on first use.
func (r *tokenRegistry) token(t *Task) uint64 {
	if tok := atomic.LoadUint64(&t.token); tok != 0 {
		return tok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.token != 0 {
		return t.token
	}
	r.next++
	tok := r.next
	t.token = tok
	r.byToken[tok] = t
	return tok
}

func (r *tokenRegistry) resolve(tok uint64) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byToken[tok]
	return t, ok
}

func (r *tokenRegistry) forget(tok uint64) {
	r.mu.Lock()
	delete(r.byToken, tok)
	r.mu.Unlock()
}

// remoteState holds everything component D needs beyond the local
// dependency hash: the pending lists of remote dependencies that
// haven't yet been matched against a local producer, deferred
// releases that arrived for a phase beyond the current bound, and the
// token registry used to address this unit's exported tasks.
type remoteState struct {
	tokens *tokenRegistry

	mu              sync.Mutex
	unhandledRemote *depRecord
	deferred        *depRecord
}

func newRemoteState() *remoteState {
	return &remoteState{tokens: newTokenRegistry()}
}

// HandleRemoteTask implements transport.Handler: it registers an
// incoming remote IN dependency for later matching by
// ReleaseUnhandledRemote. Matching happens out of line, batched at
// the next release sweep, exactly as dart_tasking_datadeps_handle_remote_task
// only queues onto unhandled_remote_deps and defers the hash walk.
func (rt *Runtime) HandleRemoteTask(msg transport.DataDepMessage) {
	rec := rt.deps.pool.allocate()
	rec.typ = msg.Type
	rec.ptr = msg.Ptr
	rec.phase = msg.Phase
	rec.remote = msg.Task
	rec.isRemote = true

	rt.remote.mu.Lock()
	rec.next = rt.remote.unhandledRemote
	rt.remote.unhandledRemote = rec
	rt.remote.mu.Unlock()

	log.Debug.Printf("tasking: queued remote dep from unit %d token %d on %s phase %d", msg.Task.Unit, msg.Task.Token, msg.Ptr, msg.Phase)
}

// HandleRelease implements transport.Handler. A release naming a local
// task whose phase is beyond this unit's phase bound is put on the
// deferred-release list rather than applied immediately;
// ReleaseUnhandledRemote applies it later (it is the cross-phase
// deferred-release protocol of spec §4.D).
func (rt *Runtime) HandleRelease(msg transport.ReleaseMessage) {
	t, ok := rt.remote.tokens.resolve(msg.Task.Token)
	if !ok {
		log.Error.Printf("tasking: release for unknown local token %d", msg.Task.Token)
		return
	}
	if t.Phase() > atomic.LoadUint64(&rt.phaseBound) {
		rec := rt.deps.pool.allocate()
		rec.typ = msg.Type
		rec.ptr = msg.Ptr
		rec.local = t
		rt.remote.mu.Lock()
		rec.next = rt.remote.deferred
		rt.remote.deferred = rec
		rt.remote.mu.Unlock()
		return
	}
	rt.applyRelease(t)
}

// applyRelease decrements t's unresolved-dependency count and
// enqueues it if the count reaches zero.
func (rt *Runtime) applyRelease(t *Task) {
	n := t.decUnresolved()
	assertf(n >= 0, "tasking: unresolved dependency count went negative for %s", t)
	if n == 0 {
		rt.enqueue(t)
	}
}

// HandleDirectDep implements transport.Handler. msg.Successor names a
// task local to this unit; msg.Predecessor must be held onto and
// released once Successor finishes. If Successor has already
// finished by the time this arrives, the release is sent immediately
// instead of being queued onto a dead task.
func (rt *Runtime) HandleDirectDep(msg transport.DirectDepMessage) {
	t, ok := rt.remote.tokens.resolve(msg.Successor.Token)
	if !ok {
		log.Error.Printf("tasking: direct dep for unknown local token %d", msg.Successor.Token)
		return
	}
	t.Lock()
	finished := t.state == StateFinished || t.state == StateDestroyed
	if !finished {
		rec := rt.deps.pool.allocate()
		rec.typ = gptr.DepDirect
		rec.remote = msg.Predecessor
		rec.isRemote = true
		rec.next = t.remoteSuccessor
		t.remoteSuccessor = rec
	}
	t.Unlock()
	if finished {
		rt.sendRelease(msg.Predecessor, gptr.DepDirect, gptr.GPtr{})
	}
}

// sendDataDep exports task (newly created with an IN dependency on a
// remote gptr) to ptr.Unit, minting a token for task if it doesn't
// have one yet.
func (rt *Runtime) sendDataDep(task *Task, d Dep) {
	tok := rt.remote.tokens.token(task)
	err := rt.transport.DataDep(d.Ptr.Unit, transport.DataDepMessage{
		Phase: task.Phase(),
		Type:  gptr.DepIn,
		Ptr:   d.Ptr,
		Task:  transport.RemoteTask{Unit: rt.self, Token: tok},
	})
	if err != nil {
		log.Error.Printf("tasking: sendDataDep to unit %d: %v", d.Ptr.Unit, err)
	}
}

func (rt *Runtime) sendRelease(to transport.RemoteTask, typ gptr.DepType, ptr gptr.GPtr) {
	err := rt.transport.Release(to.Unit, transport.ReleaseMessage{Task: to, Type: typ, Ptr: ptr})
	if err != nil {
		log.Error.Printf("tasking: sendRelease to unit %d: %v", to.Unit, err)
	}
}

// ReleaseUnhandledRemote drains the unhandled-remote list accumulated
// since the last call, matching each entry against this unit's local
// dependency hash, then unconditionally flushes the deferred-release
// list before returning — both steps happen regardless of whether
// anything was found, mirroring release_unhandled_remote's unconditional
// trailing flush in the source.
//
// For each remote IN dependency, the bucket for its gptr is scanned
// for local entries on the same key:
//   - the lowest-phase active OUT/INOUT entry with phase >= the
//     remote dep's phase becomes a direct-dep candidate: that local
//     task must not run until the remote reader is done, so we raise
//     its unresolved count, mint it a token and send a
//     DirectDepMessage naming it Predecessor.
//   - absent such a candidate, the highest-phase OUT/INOUT entry with
//     phase < the remote dep's phase is a fulfillment candidate: the
//     remote dep is pushed onto its remoteSuccessor chain and released
//     when that local task finishes.
//   - absent both, the remote dependency is already satisfied (no
//     unfinished local OUT/INOUT producer holds the key), so a release
//     is sent back immediately.
//
// The scan only looks at entries keyed to the remote dependency's own
// gptr; no broader sweep for cross-phase direct anti-dependencies is
// made.
func (rt *Runtime) ReleaseUnhandledRemote() {
	rt.remote.mu.Lock()
	pending := rt.remote.unhandledRemote
	rt.remote.unhandledRemote = nil
	rt.remote.mu.Unlock()

	for pending != nil {
		next := pending.next
		rt.matchUnhandledRemote(pending)
		pending = next
	}

	rt.remote.mu.Lock()
	deferred := rt.remote.deferred
	rt.remote.deferred = nil
	rt.remote.mu.Unlock()

	for deferred != nil {
		next := deferred.next
		rt.applyRelease(deferred.local)
		rt.deps.pool.recycle(deferred)
		deferred = next
	}
}

func (rt *Runtime) matchUnhandledRemote(rdep *depRecord) {
	var (
		directCandidate  *Task
		directPhase      uint64
		fulfillCandidate *Task
		fulfillPhase     uint64
	)

	rt.deps.scanBucket(rdep.ptr, func(e *depRecord) {
		if e.isRemote || !e.typ.IsOut() {
			return
		}
		e.local.Lock()
		active := e.local.state != StateFinished && e.local.state != StateDestroyed
		e.local.Unlock()
		if !active {
			return
		}
		switch {
		case e.phase >= rdep.phase:
			if directCandidate == nil || e.phase < directPhase {
				directCandidate, directPhase = e.local, e.phase
			}
		default:
			if fulfillCandidate == nil || e.phase > fulfillPhase {
				fulfillCandidate, fulfillPhase = e.local, e.phase
			}
		}
	})

	switch {
	case directCandidate != nil:
		tok := rt.remote.tokens.token(directCandidate)
		directCandidate.incUnresolved()
		err := rt.transport.DirectDep(rdep.remote.Unit, transport.DirectDepMessage{
			Predecessor: transport.RemoteTask{Unit: rt.self, Token: tok},
			Successor:   rdep.remote,
		})
		if err != nil {
			log.Error.Printf("tasking: sendDirectDep to unit %d: %v", rdep.remote.Unit, err)
		}
		rt.deps.pool.recycle(rdep)
	case fulfillCandidate != nil:
		fulfillCandidate.Lock()
		rdep.next = fulfillCandidate.remoteSuccessor
		fulfillCandidate.remoteSuccessor = rdep
		fulfillCandidate.Unlock()
	default:
		rt.sendRelease(rdep.remote, rdep.typ, rdep.ptr)
		rt.deps.pool.recycle(rdep)
	}
}

// releaseLocalTask walks t's successor lists — local and remote — and
// releases every dependent, recycling list nodes and dependency
// records as it goes. The caller must hold t.Lock() across this call
// and across the StateTeardown/StateFinished transitions bracketing
// it, so that a concurrent DepHash.Insert or matchUnhandledRemote
// sees either the pre-teardown successor list or StateFinished, never
// a gap where the list has been cleared but the state still reads as
// active — exactly the atomicity dart_tasking_pthreads.c's comment on
// holding task->mutex across this span describes.
func (rt *Runtime) releaseLocalTask(t *Task) {
	local := t.successor
	t.successor = nil
	remote := t.remoteSuccessor
	t.remoteSuccessor = nil

	for local != nil {
		next := local.next
		rt.applyRelease(local.task)
		rt.lists.deallocate(local)
		local = next
	}

	for remote != nil {
		next := remote.next
		rt.sendRelease(remote.remote, remote.typ, remote.ptr)
		rt.deps.pool.recycle(remote)
		remote = next
	}

	if t.token != 0 {
		rt.remote.tokens.forget(t.token)
	}
}
