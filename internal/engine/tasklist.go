// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import "sync"

// listNode is a successor-list element: a task pointer plus a next
// link. It corresponds exactly to DART's task_list_t, and listPool to
// dart_tasking_tasklist.c's process-wide freelist.
type listNode struct {
	task *Task
	next *listNode
}

// listPool is a freelist of listNode values, shared by every Task's
// successor chain in a Runtime. A single mutex guards the freelist
// itself; it says nothing about the chains the nodes are linked into
// once allocated (those are guarded by the owning task's Mutex).
type listPool struct {
	mu   sync.Mutex
	free *listNode
}

// allocate pops a node off the freelist, or allocates a fresh one if
// it's empty. The double-checked read of free mirrors the source's
// unguarded peek before locking: safe because an allocation that
// raced past it just falls through to a fresh heap allocation.
func (p *listPool) allocate() *listNode {
	if p.free == nil {
		return &listNode{}
	}
	p.mu.Lock()
	n := p.free
	if n != nil {
		p.free = n.next
	}
	p.mu.Unlock()
	if n == nil {
		return &listNode{}
	}
	n.next = nil
	return n
}

// deallocate clears n and returns it to the freelist.
func (p *listPool) deallocate(n *listNode) {
	n.task = nil
	p.mu.Lock()
	n.next = p.free
	p.free = n
	p.mu.Unlock()
}

// prepend allocates a node for task and links it at *head. The
// caller must hold whatever lock protects *head — for Task.successor
// that is the task's own Mutex.
func (p *listPool) prepend(head **listNode, task *Task) {
	n := p.allocate()
	n.task = task
	n.next = *head
	*head = n
}
