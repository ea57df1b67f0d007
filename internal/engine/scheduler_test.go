// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskmesh/tasking/gptr"
	"github.com/taskmesh/tasking/transport/local"
)

func newTestRuntime(t *testing.T, self gptr.UnitID, numWorkers int) (*Worker, func()) {
	t.Helper()
	net := local.NewNetwork()
	tp := net.Join(self)
	w := New(self, tp, numWorkers)
	if err := tp.Init(self, w.Handler()); err != nil {
		t.Fatalf("transport init: %v", err)
	}
	w.Start()
	return w, func() {
		if err := w.Fini(); err != nil {
			t.Errorf("Fini: %v", err)
		}
	}
}

// TestSingleScalarChain is spec scenario 1: 100 tasks each reading and
// writing the same gptr must execute strictly in creation order.
func TestSingleScalarChain(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 4)
	defer cleanup()

	const n = 100
	g := gptr.GPtr{Unit: 0, Segment: 0, Offset: 0x1000}

	var (
		mu   sync.Mutex
		seen []int
		acc  int
	)
	for i := 0; i < n; i++ {
		i := i
		err := w.CreateTask(func(cw *Worker, data []byte) {
			mu.Lock()
			seen = append(seen, i)
			acc++
			mu.Unlock()
		}, nil, []Dep{{Type: gptr.DepInout, Ptr: g}})
		if err != nil {
			t.Fatalf("CreateTask(%d): %v", i, err)
		}
	}
	if err := w.TaskComplete(); err != nil {
		t.Fatalf("TaskComplete: %v", err)
	}

	if acc != n {
		t.Fatalf("accumulator = %d, want %d", acc, n)
	}
	if len(seen) != n {
		t.Fatalf("executed %d tasks, want %d", len(seen), n)
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("execution order[%d] = %d, want %d (chain must run in creation order)", i, v, i)
		}
	}
}

// TestFanOutFanIn is spec scenario 2: one producer, 64 concurrent
// consumers, one finalizer, all keyed on the same gptr.
func TestFanOutFanIn(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 8)
	defer cleanup()

	const numConsumers = 64
	g := gptr.GPtr{Unit: 0, Segment: 0, Offset: 0x2000}

	var (
		mu               sync.Mutex
		producerRan      bool
		consumersAfter   int
		finalizerAfter   int32
		consumersRan     int32
		finalizerRanOnce bool
	)

	err := w.CreateTask(func(cw *Worker, data []byte) {
		mu.Lock()
		producerRan = true
		mu.Unlock()
	}, nil, []Dep{{Type: gptr.DepOut, Ptr: g}})
	if err != nil {
		t.Fatalf("producer CreateTask: %v", err)
	}

	for i := 0; i < numConsumers; i++ {
		err := w.CreateTask(func(cw *Worker, data []byte) {
			mu.Lock()
			if producerRan {
				consumersAfter++
			}
			mu.Unlock()
			atomic.AddInt32(&consumersRan, 1)
		}, nil, []Dep{{Type: gptr.DepIn, Ptr: g}})
		if err != nil {
			t.Fatalf("consumer CreateTask(%d): %v", i, err)
		}
	}

	err = w.CreateTask(func(cw *Worker, data []byte) {
		mu.Lock()
		finalizerRanOnce = true
		mu.Unlock()
		atomic.StoreInt32(&finalizerAfter, atomic.LoadInt32(&consumersRan))
	}, nil, []Dep{{Type: gptr.DepOut, Ptr: g}})
	if err != nil {
		t.Fatalf("finalizer CreateTask: %v", err)
	}

	if err := w.TaskComplete(); err != nil {
		t.Fatalf("TaskComplete: %v", err)
	}

	if !producerRan {
		t.Fatalf("producer never ran")
	}
	if consumersAfter != numConsumers {
		t.Fatalf("only %d/%d consumers observed the producer's write", consumersAfter, numConsumers)
	}
	if !finalizerRanOnce {
		t.Fatalf("finalizer never ran")
	}
	if got := atomic.LoadInt32(&finalizerAfter); got != numConsumers {
		t.Fatalf("finalizer ran after %d/%d consumers, want all", got, numConsumers)
	}
}

// TestWorkSteal is spec scenario 3: enough independent no-op tasks
// that more than one worker must pick some up via stealing.
func TestWorkSteal(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 8)
	defer cleanup()

	const n = 10000
	var mu sync.Mutex
	byWorker := make(map[int]int)

	for i := 0; i < n; i++ {
		err := w.CreateTask(func(cw *Worker, data []byte) {
			mu.Lock()
			byWorker[cw.ID()]++
			mu.Unlock()
		}, nil, nil)
		if err != nil {
			t.Fatalf("CreateTask(%d): %v", i, err)
		}
	}

	if err := w.TaskComplete(); err != nil {
		t.Fatalf("TaskComplete: %v", err)
	}

	total := 0
	for _, c := range byWorker {
		total += c
	}
	if total != n {
		t.Fatalf("executed %d tasks, want %d", total, n)
	}
	if len(byWorker) < 2 {
		t.Fatalf("only worker(s) %v ran tasks; expected stealing across at least 2 workers", byWorker)
	}
}

// TestPhaseBarrierDefersNewPhaseTasks is spec scenario 4: tasks
// created in a phase beyond the current phase bound must not run
// until a TaskComplete on root advances the bound and moves the
// deferred queue.
func TestPhaseBarrierDefersNewPhaseTasks(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 4)
	defer cleanup()

	if err := w.CreateTask(func(cw *Worker, data []byte) {}, nil, nil); err != nil {
		t.Fatalf("phase-0 CreateTask: %v", err)
	}
	if err := w.TaskComplete(); err != nil {
		t.Fatalf("TaskComplete (phase 0): %v", err)
	}

	if err := w.Phase(); err != nil {
		t.Fatalf("Phase: %v", err)
	}

	var executed int32
	err := w.CreateTask(func(cw *Worker, data []byte) {
		atomic.AddInt32(&executed, 1)
	}, nil, nil)
	if err != nil {
		t.Fatalf("phase-1 CreateTask: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&executed); got != 0 {
		t.Fatalf("phase-1 task ran before phaseBound advanced (executed=%d)", got)
	}

	if err := w.TaskComplete(); err != nil {
		t.Fatalf("TaskComplete (phase 1): %v", err)
	}
	if got := atomic.LoadInt32(&executed); got != 1 {
		t.Fatalf("phase-1 task did not run after phaseBound advanced (executed=%d)", got)
	}
}

func TestPhaseOnlyMaster(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 2)
	defer cleanup()

	nonMaster := &Worker{id: 1, rt: w.rt}
	if err := nonMaster.Phase(); err == nil {
		t.Fatalf("Phase() from a non-master worker should return an error")
	}
}

func TestTaskWaitDestroysHandle(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 2)
	defer cleanup()

	var ran int32
	ref, err := w.CreateTaskHandle(func(cw *Worker, data []byte) {
		atomic.AddInt32(&ran, 1)
	}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTaskHandle: %v", err)
	}

	if err := w.TaskWait(&ref); err != nil {
		t.Fatalf("TaskWait: %v", err)
	}
	if ref != nil {
		t.Fatalf("TaskWait did not nil the handle")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("awaited task did not run")
	}
}

func TestTaskWaitRejectsNilHandle(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 2)
	defer cleanup()

	var ref *Task
	if err := w.TaskWait(&ref); err == nil {
		t.Fatalf("TaskWait(nil handle) should return an error")
	}
}

func TestCreateTaskChildParentAccounting(t *testing.T) {
	w, cleanup := newTestRuntime(t, 0, 4)
	defer cleanup()

	root := w.rt.root
	if got := root.loadChildren(); got != 0 {
		t.Fatalf("root.numChildren = %d before any task, want 0", got)
	}

	for i := 0; i < 5; i++ {
		if err := w.CreateTask(func(cw *Worker, data []byte) {}, nil, nil); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := w.TaskComplete(); err != nil {
		t.Fatalf("TaskComplete: %v", err)
	}
	if got := root.loadChildren(); got != 0 {
		t.Fatalf("root.numChildren = %d after TaskComplete, want 0 (property 4)", got)
	}
}
