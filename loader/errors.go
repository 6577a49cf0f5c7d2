// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"errors"
	"fmt"
)

// Failure kinds. Errors returned by this package wrap exactly one of
// these, so callers should test them with errors.Is.
var (
	ErrNotExecutable      = errors.New("not an executable")
	ErrBadData            = errors.New("bad data")
	ErrIO                 = errors.New("I/O error")
	ErrNoMemory           = errors.New("out of memory")
	ErrMissingLinkingInfo = errors.New("missing linking information")
	ErrMissingSymbol      = errors.New("missing symbol")
	ErrBadValue           = errors.New("bad value")
	ErrBadImageID         = errors.New("bad image ID")
)

func badData(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrBadData}, args...)...)
}

func notExecutable(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotExecutable}, args...)...)
}

// vmError wraps an error from the AddressSpace. If err already carries
// a failure kind it is kept; otherwise it is reported as ErrNoMemory.
func vmError(op string, err error) error {
	if kindOf(err) != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNoMemory, err)
}

// ioError wraps an error from a File the same way.
func ioError(op string, err error) error {
	if kindOf(err) != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

var kinds = []error{
	ErrNotExecutable, ErrBadData, ErrIO, ErrNoMemory,
	ErrMissingLinkingInfo, ErrMissingSymbol, ErrBadValue, ErrBadImageID,
}

func kindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
