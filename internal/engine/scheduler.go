// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/transport"
)

// Runtime is one unit's tasking engine: the root task, the local
// dependency hash, the remote-dependency protocol state, the freelist
// pools, and the pool of workers that drain them. Component E of
// spec §4 ties A-D together; Runtime is that tie.
//
// Unlike the source's single process-global runtime, Runtime is an
// ordinary value so a test process can instantiate several —
// simulating a multi-unit collective in one address space, wired
// together by transport/local.
type Runtime struct {
	self      gptr.UnitID
	transport transport.Transport

	deps  *DepHash
	lists *listPool
	remote *remoteState

	taskPool sync.Mutex
	taskFree *Task

	root *Task

	phaseBound uint64 // atomic; the frontier below which remote releases apply immediately

	workers []*Worker
	parallel int32 // atomic bool; 0 once Fini begins shutdown

	condMu sync.Mutex
	cond   *ctxsync.Cond

	nextQueue uint64 // atomic round-robin counter for queue selection outside worker context

	Status *status.Group

	g    *errgroup.Group
	gctx context.Context
}

// Worker is one OS-thread-equivalent goroutine's scheduling context:
// its own run queue, its own deferred queue (for tasks created in a
// phase beyond phaseBound), and whichever task it is currently
// executing. Task bodies receive their own executing Worker so they
// can create children or wait on them without any thread-local
// lookup — the idiomatic Go substitute for the source's
// thread-local "current task" pointer.
type Worker struct {
	id  int
	rt  *Runtime
	queue         Queue
	deferredQueue Queue
	current       *Task
}

// ID returns the worker's index in [0, NumThreads). Worker 0 is
// always the master: the goroutine that called Init.
func (w *Worker) ID() int { return w.id }

// NumThreads returns the size of the worker pool.
func (w *Worker) NumThreads() int { return len(w.rt.workers) }

// ThreadNum is an alias for ID, named after spec §6's thread_num.
func (w *Worker) ThreadNum() int { return w.id }

// CurrentTask returns the task this worker is currently executing,
// or the runtime's root task if it isn't inside one.
func (w *Worker) CurrentTask() *Task {
	if w.current != nil {
		return w.current
	}
	return w.rt.root
}

// New constructs a Runtime for unit self, bound to the given
// transport, and returns the master Worker (worker 0) the caller
// should use for all top-level scheduling calls. It does not touch
// the transport or spawn any workers: callers must call tp.Init with
// the master's Handler, then call Start, in that order — mirroring
// dart_init's ordering of remote_init before the thread pool starts.
func New(self gptr.UnitID, tp transport.Transport, numWorkers int) *Worker {
	if numWorkers < 1 {
		numWorkers = 1
	}
	rt := &Runtime{
		self:      self,
		transport: tp,
		lists:     &listPool{},
		Status:    new(status.Status).Group("tasking"),
	}
	rt.deps = newDepHash(&depPool{}, rt.lists)
	rt.remote = newRemoteState()
	rt.cond = ctxsync.NewCond(&rt.condMu)
	atomic.StoreInt32(&rt.parallel, 1)

	rt.root = newTask()
	rt.root.state = StateRoot
	rt.root.hasRef = true

	rt.workers = make([]*Worker, numWorkers)
	for i := range rt.workers {
		rt.workers[i] = &Worker{id: i, rt: rt, current: nil}
	}
	rt.g, rt.gctx = errgroup.WithContext(context.Background())

	return rt.workers[0]
}

// Handler returns the transport.Handler the caller must register with
// its transport.Transport (via Init) before calling Start. Splitting
// construction, handler registration, and worker start into three
// steps avoids a race where a spawned worker's first Progress call
// reaches a transport with no handler registered yet.
func (w *Worker) Handler() transport.Handler { return w.rt }

// Start spawns workers 1..NumThreads()-1 as goroutines running the
// idle loop. The caller (worker 0, the master) drives its own
// scheduling inline through TaskComplete/TaskWait/CreateTask and
// never runs a dedicated loop of its own.
func (master *Worker) Start() {
	rt := master.rt
	for i := 1; i < len(rt.workers); i++ {
		w := rt.workers[i]
		rt.g.Go(func() error {
			w.idleLoop()
			return nil
		})
	}
}

// Fini stops the worker pool, waits for spawned workers to notice,
// and tears down the transport. No further scheduling calls are
// valid on master after Fini returns.
func (master *Worker) Fini() error {
	rt := master.rt
	atomic.StoreInt32(&rt.parallel, 0)
	rt.broadcastTaskAvailable()
	if err := rt.g.Wait(); err != nil {
		log.Error.Printf("tasking: worker pool shutdown: %v", err)
	}
	if err := rt.transport.Fini(); err != nil {
		return errFatal(err, "tasking: transport fini")
	}
	return nil
}

func (rt *Runtime) broadcastTaskAvailable() {
	rt.condMu.Lock()
	rt.cond.Broadcast()
	rt.condMu.Unlock()
}

// waitForWork blocks w until a task becomes available or the runtime
// begins shutdown, re-testing the wait predicate (w's own queue, the
// steal candidates nextTask scans, and the root's outstanding
// children) under condMu before calling Wait. Checking the predicate
// and entering the wait must be one atomic step: if they weren't, a
// broadcastTaskAvailable landing in the gap between idleLoop's
// lock-free checks and this call would be lost (ctxsync.Cond.Broadcast
// on a nil waitc is a no-op), leaving w asleep until some unrelated
// future broadcast — and Fini only ever broadcasts once, so a worker
// that misses it hangs forever and g.Wait never returns.
func (w *Worker) waitForWork() *Task {
	rt := w.rt
	rt.condMu.Lock()
	defer rt.condMu.Unlock()
	for atomic.LoadInt32(&rt.parallel) != 0 {
		if t := w.nextTask(); t != nil {
			return t
		}
		if rt.root.loadChildren() != 0 {
			return nil
		}
		if err := rt.cond.Wait(rt.gctx); err != nil {
			return nil
		}
	}
	return nil
}

// idleLoop is the body of every spawned (non-master) worker: spec
// §4.E's worker loop. The master never runs this directly — its
// equivalent idling happens inside TaskComplete/TaskWait's own
// polling loops, since the master's goroutine must also be free to
// return control to the caller between tasks.
func (w *Worker) idleLoop() {
	highest := w.id == len(w.rt.workers)-1
	for atomic.LoadInt32(&w.rt.parallel) != 0 {
		if err := w.rt.transport.Progress(); err != nil {
			log.Error.Printf("tasking: transport progress: %v", err)
		}
		if t := w.nextTask(); t != nil {
			w.rt.handleTask(w, t)
			continue
		}
		if w.rt.root.loadChildren() == 0 {
			if highest {
				if err := w.rt.transport.Progress(); err != nil {
					log.Error.Printf("tasking: transport progress: %v", err)
				}
			} else if t := w.waitForWork(); t != nil {
				w.rt.handleTask(w, t)
			}
		}
	}
}

// nextTask implements spec §4.E's next_task: pop the worker's own
// queue, else steal from the tail of the first non-empty peer queue
// found scanning round-robin starting at (self+1) mod N.
func (w *Worker) nextTask() *Task {
	if t := w.queue.Pop(); t != nil {
		return t
	}
	n := len(w.rt.workers)
	for i := 1; i < n; i++ {
		peer := w.rt.workers[(w.id+i)%n]
		if peer == w {
			continue
		}
		if t := peer.queue.PopBack(); t != nil {
			return t
		}
	}
	return nil
}

// allocateTask pops a task off the freelist or allocates a fresh one,
// per the double-checked-freelist pattern design note §9 describes.
func (rt *Runtime) allocateTask() *Task {
	if rt.taskFree == nil {
		return newTask()
	}
	rt.taskPool.Lock()
	t := rt.taskFree
	if t != nil {
		rt.taskFree = t.freeNext
	}
	rt.taskPool.Unlock()
	if t == nil {
		return newTask()
	}
	t.freeNext = nil
	return t
}

// destroyTask resets t and returns it to the freelist.
func (rt *Runtime) destroyTask(t *Task) {
	if t.Status != nil {
		t.Status.Done()
	}
	t.reset()
	rt.taskPool.Lock()
	t.freeNext = rt.taskFree
	rt.taskFree = t
	rt.taskPool.Unlock()
}

// enqueue pushes t onto a runnable or deferred queue chosen by
// round-robin, used when the enqueuing context has no worker of its
// own (a release arriving off the transport's progress tick, for
// instance). Locality doesn't matter for correctness — work stealing
// already balances load — so any worker is as good as another.
func (rt *Runtime) enqueue(t *Task) {
	n := uint64(len(rt.workers))
	idx := atomic.AddUint64(&rt.nextQueue, 1) % n
	w := rt.workers[idx]
	if t.Phase() <= atomic.LoadUint64(&rt.phaseBound) {
		w.queue.Push(t)
	} else {
		w.deferredQueue.Push(t)
	}
	rt.broadcastTaskAvailable()
}

// enqueueLocal pushes t onto w's own queue (producer affinity) or its
// deferred queue, used by CreateTask where a worker context exists.
func (w *Worker) enqueueLocal(t *Task) {
	if t.Phase() <= atomic.LoadUint64(&w.rt.phaseBound) {
		w.queue.Push(t)
	} else {
		w.deferredQueue.Push(t)
	}
	w.rt.broadcastTaskAvailable()
}

// handleTask implements spec §4.E's handle_task: run t to completion
// on w, release its dependents, and recycle it unless the user
// retains a handle.
func (rt *Runtime) handleTask(w *Worker, t *Task) {
	prev := w.current
	w.current = t

	t.Lock()
	t.setState(StateRunning)
	t.Unlock()

	t.fn(w, t.data)

	if err := w.TaskComplete(); err != nil {
		log.Error.Printf("tasking: implicit task_complete for %s: %v", t, err)
	}

	// StateTeardown, releaseLocalTask, and StateFinished happen under
	// one continuous hold of t's lock: a concurrent DepHash.Insert or
	// matchUnhandledRemote locking t must observe either the task
	// still active with its successor lists intact, or StateFinished
	// with both lists already drained — never a window where the
	// lists are gone but the state still reads as active, which would
	// let a new dependent queue onto a successor chain nobody will
	// ever release.
	t.Lock()
	t.setState(StateTeardown)
	rt.releaseLocalTask(t)
	t.setState(StateFinished)
	hasRef := t.hasRef
	t.Unlock()

	if t.parent != nil {
		t.parent.decChildren()
	}

	if !hasRef {
		rt.destroyTask(t)
	}

	w.current = prev
}

// CreateTask implements spec §6's create_task: fn runs on whichever
// worker eventually dequeues the new task, once every
// dependency in deps is satisfied.
func (w *Worker) CreateTask(fn Func, data []byte, deps []Dep) error {
	_, err := w.createTask(fn, data, deps, false)
	return err
}

// CreateTaskHandle is CreateTask, but retains a strong reference: the
// caller must eventually pass the returned *Task to TaskWait.
func (w *Worker) CreateTaskHandle(fn Func, data []byte, deps []Dep) (*Task, error) {
	return w.createTask(fn, data, deps, true)
}

func (w *Worker) createTask(fn Func, data []byte, deps []Dep, handle bool) (*Task, error) {
	if fn == nil {
		return nil, errInvalid("create_task: nil task function")
	}
	parent := w.CurrentTask()

	t := w.rt.allocateTask()
	t.fn = fn
	if len(data) > 0 {
		buf := make([]byte, len(data))
		copy(buf, data)
		t.data = buf
		t.owned = true
	}
	t.parent = parent
	t.phase = parent.Phase()
	t.state = StateCreated
	t.hasRef = handle
	t.Status = w.rt.Status.Start(fmt.Sprintf("task phase=%d", t.phase))

	parent.incChildren()

	w.rt.linkDeps(t, deps)

	if t.loadUnresolved() == 0 {
		w.enqueueLocal(t)
	}

	if handle {
		return t, nil
	}
	return nil, nil
}

// linkDeps routes each dependency in deps to the local hash, the
// remote-dependency protocol, or a local direct anti-dependency,
// exactly as datadeps.handle_task dispatches in the source.
func (rt *Runtime) linkDeps(t *Task, deps []Dep) {
	for _, d := range deps {
		switch d.Type {
		case gptr.DepIgnore:
			continue
		case gptr.DepDirect:
			rt.linkLocalDirect(t, d)
		default:
			if d.Ptr.Unit == rt.self {
				rt.deps.Insert(t, d)
			} else if t.parent == rt.root {
				t.incUnresolved()
				rt.sendDataDep(t, d)
			} else {
				log.Error.Printf("tasking: nested remote dependency on %s ignored (only root-parented tasks may depend on remote gptrs)", d.Ptr)
			}
		}
	}
}

// linkLocalDirect wires a DIRECT dependency on a task local to this
// unit: t must not run until d.Pred finishes.
func (rt *Runtime) linkLocalDirect(t *Task, d Dep) {
	if d.Pred == nil {
		log.Error.Printf("tasking: DIRECT dependency with nil predecessor ignored")
		return
	}
	d.Pred.Lock()
	active := d.Pred.state != StateFinished && d.Pred.state != StateDestroyed
	if active {
		rt.lists.prepend(&d.Pred.successor, t)
		t.incUnresolved()
	}
	d.Pred.Unlock()
}

// TaskComplete implements spec §6's task_complete: an implicit
// barrier over w's current task's children. Called on the root task
// (current == nil resolves to root), it additionally advances
// phaseBound and drains the remote-dependency protocol's batched
// work — and may only be done by the master worker.
func (w *Worker) TaskComplete() error {
	cur := w.current
	if cur == nil {
		cur = w.rt.root
	}
	if cur == w.rt.root && w.id != 0 {
		return errInvalid("task_complete: root scope may only be completed by the master worker")
	}

	if cur == w.rt.root {
		if err := w.rt.transport.ProgressBlocking(); err != nil {
			return errFatal(err, "tasking: transport progress_blocking")
		}
		w.rt.ReleaseUnhandledRemote()
		atomic.StoreUint64(&w.rt.phaseBound, cur.Phase())
		w.movePhaseDeferred()
	}

	w.rt.broadcastTaskAvailable()

	for cur.loadChildren() > 0 {
		if err := w.rt.transport.Progress(); err != nil {
			log.Error.Printf("tasking: transport progress: %v", err)
		}
		if t := w.nextTask(); t != nil {
			w.rt.handleTask(w, t)
		}
	}

	if cur == w.rt.root {
		w.rt.deps.Reset()
	}
	return nil
}

// movePhaseDeferred splices every worker's deferred queue onto its
// own runnable queue, per supplemented feature (4): the deferred
// queue is per-worker, not a single global list.
func (w *Worker) movePhaseDeferred() {
	for _, peer := range w.rt.workers {
		peer.queue.Move(&peer.deferredQueue)
	}
}

// TaskWait implements spec §6's task_wait: block (cooperatively) on
// *ref reaching StateFinished, then destroy it and null the handle.
func (w *Worker) TaskWait(ref **Task) error {
	if ref == nil || *ref == nil {
		return errInvalid("task_wait: nil task handle")
	}
	t := *ref
	if t.State() == StateDestroyed {
		return errInvalid("task_wait: handle already destroyed")
	}
	for t.State() != StateFinished {
		if err := w.rt.transport.Progress(); err != nil {
			log.Error.Printf("tasking: transport progress: %v", err)
		}
		if nt := w.nextTask(); nt != nil {
			w.rt.handleTask(w, nt)
		}
	}
	w.rt.destroyTask(t)
	*ref = nil
	return nil
}

// Phase implements spec §6's phase: master-only advance of the root
// task's phase, after ticking the transport and notifying the
// dependency subsystem of the boundary.
func (w *Worker) Phase() error {
	if w.id != 0 {
		return errInvalid("phase: may only be advanced by the master worker")
	}
	if err := w.rt.transport.Progress(); err != nil {
		return errFatal(err, "tasking: transport progress")
	}
	w.rt.EndPhase()
	w.rt.root.Lock()
	w.rt.root.phase++
	w.rt.root.Unlock()
	return nil
}

// EndPhase notifies the dependency subsystem that a phase boundary
// has passed. Per supplemented feature (3), the source's
// dart_tasking_datadeps_end_phase is a documented no-op; this is kept
// as a call site for symmetry with the source's structure, not
// because it currently does anything.
func (rt *Runtime) EndPhase() {}
