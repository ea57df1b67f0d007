// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tasking

import (
	"sync"

	"github.com/grailbio/base/errors"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/internal/engine"
	"github.com/taskmesh/tasking/internal/hwinfo"
	"github.com/taskmesh/tasking/transport"
)

// Re-exported value types: gptr and the dependency-graph types are
// part of the public surface, but their implementations live in
// internal packages so the API this package presents is exactly the
// one spec §6 describes.
type (
	GPtr      = gptr.GPtr
	UnitID    = gptr.UnitID
	SegmentID = gptr.SegmentID
	DepType   = gptr.DepType

	// Dep is a single dependency declaration passed to CreateTask.
	Dep = engine.Dep
	// Task is a handle to a submitted task, returned by
	// CreateTaskHandle and consumed by TaskWait.
	Task = engine.Task
	// Worker is the scheduling context a TaskFunc runs with; task
	// bodies use it to create children or wait on them instead of
	// reaching for global state.
	Worker = engine.Worker
	// TaskFunc is the body of a task.
	TaskFunc = engine.Func
)

// Dependency type tags, per spec §6.
const (
	In     = gptr.DepIn
	Out    = gptr.DepOut
	Inout  = gptr.DepInout
	Direct = gptr.DepDirect
	Ignore = gptr.DepIgnore
)

var (
	mu     sync.Mutex
	master *Worker
)

// Init bootstraps the runtime for unit self, deriving the
// worker-thread count from the local hardware probe and binding tp as
// the active-message transport. Init is one-shot per process; calling
// it twice without an intervening Fini returns an errors.Invalid
// error, per spec §7's INVAL taxonomy for double-init.
func Init(self UnitID, tp transport.Transport) error {
	mu.Lock()
	defer mu.Unlock()
	if master != nil {
		return errors.E(errors.Invalid, "tasking: already initialized")
	}
	w := engine.New(self, tp, hwinfo.NumWorkers())
	if err := tp.Init(self, w.Handler()); err != nil {
		return errors.E(errors.Fatal, err, "tasking: transport init")
	}
	w.Start()
	master = w
	return nil
}

// Fini tears the runtime down: stops the worker pool and closes the
// transport. Fini is one-shot; calling it before Init returns
// errors.Invalid.
func Fini() error {
	mu.Lock()
	defer mu.Unlock()
	if master == nil {
		return errors.E(errors.Invalid, "tasking: not initialized")
	}
	err := master.Fini()
	master = nil
	return err
}

func current() (*Worker, error) {
	mu.Lock()
	w := master
	mu.Unlock()
	if w == nil {
		return nil, errors.E(errors.Invalid, "tasking: not initialized")
	}
	return w, nil
}

// CreateTask submits fn as a new task, parented to the calling
// goroutine's current task (the root task, for calls made outside any
// task body), runnable once every dependency in deps is satisfied.
func CreateTask(fn TaskFunc, data []byte, deps []Dep) error {
	w, err := current()
	if err != nil {
		return err
	}
	return w.CreateTask(fn, data, deps)
}

// CreateTaskHandle is CreateTask, but returns a *Task the caller must
// eventually pass to TaskWait.
func CreateTaskHandle(fn TaskFunc, data []byte, deps []Dep) (*Task, error) {
	w, err := current()
	if err != nil {
		return nil, err
	}
	return w.CreateTaskHandle(fn, data, deps)
}

// TaskWait blocks (cooperatively — the calling goroutine keeps
// executing other runnable tasks) until *ref finishes, then destroys
// it and nils the handle.
func TaskWait(ref **Task) error {
	w, err := current()
	if err != nil {
		return err
	}
	return w.TaskWait(ref)
}

// TaskComplete is an implicit barrier over the calling goroutine's
// current task's children. Called from outside any task body, it
// completes the root task's current generation of children and (as
// master only) advances phaseBound and drains the remote-dependency
// protocol.
func TaskComplete() error {
	w, err := current()
	if err != nil {
		return err
	}
	return w.TaskComplete()
}

// Phase advances the root task's phase. Only the master (the
// goroutine that called Init) may call Phase.
func Phase() error {
	w, err := current()
	if err != nil {
		return err
	}
	return w.Phase()
}

// CurrentTask returns the task the calling goroutine is running, if
// any calling goroutine outside a task body gets the root task.
func CurrentTask() (*Task, error) {
	w, err := current()
	if err != nil {
		return nil, err
	}
	return w.CurrentTask(), nil
}

// NumThreads returns the size of the worker pool.
func NumThreads() (int, error) {
	w, err := current()
	if err != nil {
		return 0, err
	}
	return w.NumThreads(), nil
}

// ThreadNum returns 0, since only the master (worker 0) goroutine can
// call a package-level function outside of a TaskFunc body; a
// TaskFunc reports its own worker id via its Worker argument's
// ThreadNum method.
func ThreadNum() (int, error) {
	w, err := current()
	if err != nil {
		return 0, err
	}
	return w.ThreadNum(), nil
}
