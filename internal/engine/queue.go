// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import "sync"

// Queue is a double-ended FIFO of runnable tasks: push and pop at the
// head (LIFO, for producer affinity — a worker keeps executing the
// task it just made runnable while it's still hot), popBack at the
// tail (FIFO relative to push order, the victim side of work
// stealing, which preserves locality between a parent and its oldest
// children rather than its newest).
//
// Tasks are linked in place via their own qnext/qprev fields
// (component B has no node type of its own to freelist — DART's
// dart_task_t carries the queue's prev/next pointers directly).
type Queue struct {
	mu   sync.Mutex
	head *Task
	tail *Task
}

// Push inserts t at the head of q.
func (q *Queue) Push(t *Task) {
	q.mu.Lock()
	t.qprev = nil
	t.qnext = q.head
	if q.head != nil {
		q.head.qprev = t
	}
	q.head = t
	if q.tail == nil {
		q.tail = t
	}
	q.mu.Unlock()
}

// Pop removes and returns the task at the head of q, or nil if q is
// empty.
func (q *Queue) Pop() *Task {
	q.mu.Lock()
	t := q.head
	if t != nil {
		q.unlink(t)
	}
	q.mu.Unlock()
	return t
}

// PopBack removes and returns the task at the tail of q, or nil if q
// is empty. This is the steal path.
func (q *Queue) PopBack() *Task {
	q.mu.Lock()
	t := q.tail
	if t != nil {
		q.unlink(t)
	}
	q.mu.Unlock()
	return t
}

// unlink removes t from q. The caller must hold q.mu and t must
// currently be linked into q.
func (q *Queue) unlink(t *Task) {
	if t.qprev != nil {
		t.qprev.qnext = t.qnext
	} else {
		q.head = t.qnext
	}
	if t.qnext != nil {
		t.qnext.qprev = t.qprev
	} else {
		q.tail = t.qprev
	}
	t.qnext, t.qprev = nil, nil
}

// Move splices src's entire list onto the head of q, emptying src.
// Used to promote a worker's deferred queue once the phase bound
// advances past it.
func (q *Queue) Move(src *Queue) {
	src.mu.Lock()
	shead, stail := src.head, src.tail
	src.head, src.tail = nil, nil
	src.mu.Unlock()
	if shead == nil {
		return
	}
	q.mu.Lock()
	stail.qnext = q.head
	if q.head != nil {
		q.head.qprev = stail
	}
	q.head = shead
	if q.tail == nil {
		q.tail = stail
	}
	q.mu.Unlock()
}

// IsEmpty reports whether q currently has no tasks. Per spec §4.B,
// this is an observation only — it is not authoritative without
// holding q's lock, since a concurrent Push/Pop can race with it.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	empty := q.head == nil
	q.mu.Unlock()
	return empty
}
