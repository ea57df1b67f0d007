// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine implements the tasking runtime's core: task lifecycle,
// the local dependency hash, the work-stealing scheduler, and the
// remote-dependency protocol. It corresponds to DART's tasking/
// subsystem, where these concerns lived in separate .c files under one
// library; here they live in separate .go files under one package,
// since they share state too tightly coupled to separate cleanly
// (the dependency hash reaches into task state under the task's own
// lock, and the scheduler reaches into both).
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"

	"github.com/taskmesh/tasking/gptr"
)

// Func is the body of a task: it runs to completion on whichever
// worker started it, with its own private or borrowed data buffer. w
// is the worker running it, the idiomatic substitute for the
// source's thread-local "current task" lookup: a task body creates
// children or recurses into waits through w rather than through a
// package-level current-thread pointer.
type Func func(w *Worker, data []byte)

// State is a task's position in its lifecycle. Values are ordered so
// that state only ever increases, mirroring DART's dart_task_state_t.
type State int32

const (
	// StateCreated is the initial state: linked into the dependency
	// hash, not yet runnable or already runnable but not yet picked
	// up by a worker.
	StateCreated State = iota
	// StateRunning is set while a worker is inside the task's Func.
	StateRunning
	// StateTeardown is set once Func has returned and the task is
	// releasing its dependents, before StateFinished.
	StateTeardown
	// StateFinished is terminal for a completed task; its result (if
	// any) is available to dependents.
	StateFinished
	// StateDestroyed marks a task that has been recycled onto the
	// freelist; any further reference to it is a use-after-free bug.
	StateDestroyed
	// StateRoot is the permanent state of each Runtime's root task.
	StateRoot
)

var stateNames = [...]string{
	StateCreated:   "CREATED",
	StateRunning:   "RUNNING",
	StateTeardown:  "TEARDOWN",
	StateFinished:  "FINISHED",
	StateDestroyed: "DESTROYED",
	StateRoot:      "ROOT",
}

// String returns the state's upper-case name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Dep is a single dependency declaration, supplied in order to
// CreateTask. Exactly one of Ptr (for DepIn/DepOut/DepInout/DepIgnore)
// or Pred (for DepDirect) is meaningful, selected by Type.
type Dep struct {
	Type gptr.DepType
	Ptr  gptr.GPtr
	Pred *Task // predecessor task, valid only when Type == gptr.DepDirect
}

// Task is a single unit of work in the dependency graph. It embeds a
// mutex that guards state transitions and the linkage of its
// successor lists, exactly as exec.Task does in the teacher: locking
// discipline is "lock the task, not the structure it's ultimately
// hanging off of."
type Task struct {
	sync.Mutex
	cond *ctxsync.Cond

	fn    Func
	data  []byte
	owned bool // true if data is a private copy this task must not alias

	parent *Task
	phase  uint64

	// unresolvedDeps and numChildren are accessed atomically outside
	// the task's lock — decrements that reach zero are the signal to
	// enqueue, and must be observable without contending on Mutex
	// from arbitrary dependency-releasing goroutines.
	unresolvedDeps int32
	numChildren    int32

	// successor is this task's local dependent list (component A:
	// tasklist nodes), walked and extended only while the task's
	// Mutex is held.
	successor *listNode

	// remoteSuccessor is the chain of remote tasks (and direct
	// anti-dependencies) to release once this task finishes,
	// allocated from the dependency-hash freelist (component C).
	remoteSuccessor *depRecord

	hasRef bool
	state  State
	err    error

	// token is non-zero once this task has been exported to a peer
	// unit (as a DataDep's local predecessor, or as a direct-dep
	// candidate), so that a later release or direct-dep message can
	// name it.
	token uint64

	// qnext/qprev are the intrusive links used by Queue (component
	// B). A task is linked into at most one queue at a time.
	qnext, qprev *Task

	// freeNext links a destroyed task into the Runtime's task
	// freelist. Distinct from qnext/qprev since a task is never on
	// both a queue and the freelist at once, but kept separate for
	// clarity.
	freeNext *Task

	// Status reports this task's state to anything rendering the
	// runtime's status.Status tree, mirroring exec.Task.Status.
	Status *status.Task
}

// newTask returns a zeroed task with its sync primitives initialized.
// Used both for fresh allocation and to re-initialize a recycled one.
func newTask() *Task {
	t := &Task{}
	t.cond = ctxsync.NewCond(&t.Mutex)
	return t
}

// reset clears a task's fields before it is returned to the freelist,
// mirroring destroy_task in the source: the Mutex and cond survive
// (recycling must not allocate new sync state every time).
func (t *Task) reset() {
	t.fn = nil
	t.data = nil
	t.owned = false
	t.parent = nil
	t.phase = 0
	t.unresolvedDeps = 0
	t.numChildren = 0
	t.successor = nil
	t.remoteSuccessor = nil
	t.hasRef = false
	t.err = nil
	t.token = 0
	t.qnext, t.qprev = nil, nil
	t.state = StateDestroyed
	t.Status = nil
}

// Phase returns the phase this task was created in.
func (t *Task) Phase() uint64 {
	t.Lock()
	p := t.phase
	t.Unlock()
	return p
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.Lock()
	s := t.state
	t.Unlock()
	return s
}

// Err returns the error the task failed with, if any.
func (t *Task) Err() error {
	t.Lock()
	defer t.Unlock()
	return t.err
}

// setState sets the task's state and wakes anything waiting on its
// condition variable. The caller must hold t.Mutex.
func (t *Task) setState(s State) {
	t.state = s
	t.cond.Broadcast()
}

// incUnresolved atomically increments the task's unresolved
// dependency count. Called while some other task's lock is held (the
// predecessor being linked against), never the task's own.
func (t *Task) incUnresolved() int32 {
	return atomic.AddInt32(&t.unresolvedDeps, 1)
}

// decUnresolved atomically decrements the task's unresolved
// dependency count, returning the new value. Property (3) of spec §8
// requires this never go negative; applyRelease asserts on the returned
// value and panics when it does.
func (t *Task) decUnresolved() int32 {
	return atomic.AddInt32(&t.unresolvedDeps, -1)
}

func (t *Task) loadUnresolved() int32 {
	return atomic.LoadInt32(&t.unresolvedDeps)
}

func (t *Task) incChildren() int32 {
	return atomic.AddInt32(&t.numChildren, 1)
}

func (t *Task) decChildren() int32 {
	return atomic.AddInt32(&t.numChildren, -1)
}

func (t *Task) loadChildren() int32 {
	return atomic.LoadInt32(&t.numChildren)
}

// String returns a short debug string, safe to call without holding
// the task's lock (reads phase/state racily, as exec.Task.String does).
func (t *Task) String() string {
	return fmt.Sprintf("task[%p] phase=%d state=%s", t, t.phase, t.state)
}
