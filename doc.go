// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package tasking implements a distributed task-parallel runtime for
bulk-synchronous SPMD programs. Each process ("unit") runs a fixed
pool of worker goroutines that cooperatively execute a dynamic graph
of tasks carrying data dependencies on global pointers (gptr.GPtr).
Dependencies that live on the local unit are resolved against a local
dependency hash; dependencies on a remote unit's memory are resolved
by exchanging active messages with that unit through a
transport.Transport, coordinated by a phase model that separates
epochs of work.

A typical program calls Init once per unit, submits a graph of tasks
with CreateTask/CreateTaskHandle, uses Phase to mark epoch boundaries,
and calls TaskComplete to implicitly wait for all of the current
task's children before proceeding. Fini tears the runtime down.

The package-level CreateTask, TaskComplete, TaskWait, Phase,
CurrentTask, NumThreads and ThreadNum functions all operate on the
master worker (the goroutine that called Init) and must only be
called from that goroutine. A TaskFunc runs on whatever worker
dequeued it, which is usually not the master; task bodies that need
to create children or wait must do so through the *Worker argument
their TaskFunc is called with, not through these package-level
functions.

transport/local's Network connects several units inside one process,
including their remote-gptr dependencies, to simulate a multi-unit
collective for testing; transport/tcp implements the real
unit-to-unit case.
*/
package tasking
