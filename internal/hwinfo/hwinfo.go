// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package hwinfo probes the local hardware for a worker-thread count,
// standing in for the hardware-topology collaborator spec §6 leaves
// external to the tasking engine. There is no portable way in Go to
// distinguish physical cores from hardware threads, so unlike the
// cores × threads-per-core formula the spec describes, this probe
// only has runtime.NumCPU() to go on; NumCPU already reports logical
// CPUs (i.e., cores × threads-per-core on any platform Go's runtime
// detects hyperthreading for), so no further multiplication is
// applied.
package hwinfo

import "runtime"

// defaultThreadsPerCore is used only when the probe can't determine a
// CPU count at all, which in practice never happens under the Go
// runtime — NumCPU always returns at least 1 — but is kept as the
// documented fallback spec §4.E calls for.
const defaultThreadsPerCore = 2

// NumWorkers returns the worker-thread count the scheduler should
// size its pool to.
func NumWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return defaultThreadsPerCore
}
