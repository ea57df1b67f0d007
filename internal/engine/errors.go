// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// errInvalid wraps errors.Invalid for the OK/INVAL taxonomy of spec
// §7: bad arguments, calling from the wrong thread, double-init, and
// similar caller misuse all report errors.Invalid rather than
// panicking.
func errInvalid(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// errFatal wraps errors.Fatal for transport and other collaborator
// failures, which spec §7 treats as fatal for the whole collective —
// there is no retry at this layer.
func errFatal(err error, format string, args ...interface{}) error {
	return errors.E(errors.Fatal, err, fmt.Sprintf(format, args...))
}

// assertf panics if cond is false. Internal invariant violations
// (negative unresolved_deps, duplicate hash insertion) are
// assertions per spec §7, not recoverable errors.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
