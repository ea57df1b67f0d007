// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"sync"

	"github.com/grailbio/base/log"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/transport"
)

// depHashBuckets is the fixed bucket count mandated by spec §4.C.
const depHashBuckets = 1024

// depRecord is a dependency-hash entry. It plays three roles in the
// source (dart_dephash_elem_t): a bucket-chain entry in the local
// hash, a link in unhandledRemote/deferredReleases, and a link in a
// task's remoteSuccessor chain — all three draw from the same
// freelist.
type depRecord struct {
	next  *depRecord
	typ   gptr.DepType
	ptr   gptr.GPtr
	phase uint64

	// Exactly one of local/remote identifies the record's task.
	local    *Task
	remote   transport.RemoteTask
	isRemote bool
}

// depPool is the freelist backing every depRecord allocation in a
// Runtime, corresponding to dephash_allocate_elem/dephash_recycle_elem.
type depPool struct {
	mu   sync.Mutex
	free *depRecord
}

func (p *depPool) allocate() *depRecord {
	if p.free == nil {
		return &depRecord{}
	}
	p.mu.Lock()
	e := p.free
	if e != nil {
		p.free = e.next
	}
	p.mu.Unlock()
	if e == nil {
		return &depRecord{}
	}
	*e = depRecord{}
	return e
}

func (p *depPool) recycle(e *depRecord) {
	*e = depRecord{}
	p.mu.Lock()
	e.next = p.free
	p.free = e
	p.mu.Unlock()
}

// hashGPtr computes the bucket for g. The offset's low 3 bits are
// dropped (8-byte alignment) and folded via XOR-shifts of 7, 11, 17 —
// the Marsaglia-style fold spec §4.C mandates. Per spec §9's hazard
// note ("using the absolute offset alone... works if segment
// boundaries never alias"), we additionally fold in the segment id so
// two segments that happen to share offsets don't collide.
func hashGPtr(g gptr.GPtr) int {
	offset := g.Offset >> 3
	offset ^= uint64(g.Segment) * 0x9E3779B97F4A7C15 // golden-ratio fold of the segment id
	h := offset ^ (offset >> 7) ^ (offset >> 11) ^ (offset >> 17)
	return int(h % depHashBuckets)
}

// DepHash is the local dependency hash: component C. It only ever
// holds entries for gptrs local to the owning unit; remote gptrs are
// forwarded to the remote-dependency protocol instead of being
// inserted here.
type DepHash struct {
	mu      sync.Mutex
	buckets [depHashBuckets]*depRecord
	pool    *depPool
	lists   *listPool
}

func newDepHash(pool *depPool, lists *listPool) *DepHash {
	return &DepHash{pool: pool, lists: lists}
}

// Insert links task's dependency on d against every earlier local
// task with a conflicting dependency on the same key, then records
// task's own dependency at the head of the bucket. It implements
// spec §4.C's Insert algorithm, including the OUT/INOUT barrier that
// stops the walk early.
//
// Insert must only be called for dependencies whose GPtr is local to
// this unit (dep.Type != DepDirect and dep.Ptr.Unit == self); the
// scheduler routes remote and direct dependencies elsewhere before
// ever calling Insert.
func (h *DepHash) Insert(task *Task, d Dep) {
	slot := hashGPtr(d.Ptr)
	h.mu.Lock()
	defer h.mu.Unlock()

	for e := h.buckets[slot]; e != nil; e = e.next {
		if e.ptr != d.Ptr {
			continue
		}
		assertf(e.local != task, "tasking: task %s already present in dependency hash for %s", task, d.Ptr)
		e.local.Lock()
		active := e.local.state != StateFinished && e.local.state != StateDestroyed
		if active && (d.Type.IsOut() || (d.Type == gptr.DepIn && e.typ.IsOut())) {
			h.lists.prepend(&e.local.successor, task)
			n := task.incUnresolved()
			log.Debug.Printf("tasking: task %s now depends on %s via %s (unresolved=%d)", task, e.local, d.Ptr, n)
		}
		e.local.Unlock()
		if e.typ.IsOut() {
			// An OUT/INOUT writer is a barrier: nothing older than
			// it on this key can still be relevant.
			break
		}
	}

	rec := h.pool.allocate()
	rec.local = task
	rec.typ = d.Type
	rec.ptr = d.Ptr
	rec.phase = task.phase
	rec.next = h.buckets[slot]
	h.buckets[slot] = rec
}

// scanBucket calls visit for every entry in p's bucket whose key equals
// p. Used by the remote-dependency protocol to find
// candidates without duplicating the hash function.
func (h *DepHash) scanBucket(p gptr.GPtr, visit func(*depRecord)) {
	slot := hashGPtr(p)
	h.mu.Lock()
	defer h.mu.Unlock()
	for e := h.buckets[slot]; e != nil; e = e.next {
		if e.ptr == p {
			visit(e)
		}
	}
}

// Reset recycles every entry in the table, as spec §4.C's end-of-
// collective Reset requires.
func (h *DepHash) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buckets {
		e := h.buckets[i]
		for e != nil {
			next := e.next
			h.pool.recycle(e)
			e = next
		}
		h.buckets[i] = nil
	}
}
