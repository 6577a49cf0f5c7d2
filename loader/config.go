// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/aclements/go-elfload/arch"
	"github.com/xyproto/env/v2"
)

// Config holds the tunable limits of a Loader.
type Config struct {
	// Arch is the architecture images must be built for.
	Arch *arch.Arch

	// PageSize is the mapping granularity. It must be a power of two.
	PageSize uint64

	// MaxProgramHeaders bounds e_phnum.
	MaxProgramHeaders int

	// MaxHeaderTable bounds the byte size of the program and section
	// header tables.
	MaxHeaderTable uint64

	// LayoutSlack is how far the reserved span of an image may exceed
	// the sum of its page-rounded segment sizes.
	LayoutSlack uint64

	// DebugSymbols enables loading .symtab/.strtab from kernel add-ons.
	DebugSymbols bool

	// MaxDebugTable bounds the size of each debug symbol table.
	MaxDebugTable uint64

	// envErr records malformed ELFLOAD_* variables for validate.
	envErr error
}

// DefaultConfig returns the default configuration for a.
func DefaultConfig(a *arch.Arch) Config {
	return Config{
		Arch:              a,
		PageSize:          a.PageSize,
		MaxProgramHeaders: 256,
		MaxHeaderTable:    64 << 10,
		LayoutSlack:       8 << 10,
		DebugSymbols:      true,
		MaxDebugTable:     16 << 20,
	}
}

// ConfigFromEnv returns DefaultConfig(a) with overrides from the
// ELFLOAD_* environment variables. Numbers may be decimal or 0x hex.
// Malformed or negative values are reported when the config is passed
// to New.
func ConfigFromEnv(a *arch.Arch) Config {
	c := DefaultConfig(a)
	var errs []error
	c.PageSize = envUint("ELFLOAD_PAGE_SIZE", c.PageSize, 1<<30, &errs)
	c.MaxProgramHeaders = int(envUint("ELFLOAD_MAX_PHDRS", uint64(c.MaxProgramHeaders), maxPhnum, &errs))
	c.MaxHeaderTable = envUint("ELFLOAD_MAX_HEADER_TABLE", c.MaxHeaderTable, math.MaxUint32, &errs)
	c.LayoutSlack = envUint("ELFLOAD_LAYOUT_SLACK", c.LayoutSlack, math.MaxUint64, &errs)
	c.MaxDebugTable = envUint("ELFLOAD_MAX_DEBUG_TABLE", c.MaxDebugTable, math.MaxUint32, &errs)
	if env.Has("ELFLOAD_DEBUG_SYMBOLS") {
		c.DebugSymbols = env.Bool("ELFLOAD_DEBUG_SYMBOLS")
	}
	c.envErr = errors.Join(errs...)
	return c
}

// maxPhnum is the largest e_phnum that is a real count.
const maxPhnum = 0xfffe

// envUint returns the value of the named variable, or def if it is
// unset. Values that do not parse or exceed limit are appended to errs.
func envUint(name string, def, limit uint64, errs *[]error) uint64 {
	s := env.Str(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil || v > limit {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a number in [0, %#x]", ErrBadValue, name, s, limit))
		return def
	}
	return v
}

func (c *Config) validate() error {
	if c.envErr != nil {
		return c.envErr
	}
	if c.Arch == nil {
		return fmt.Errorf("%w: no architecture configured", ErrBadValue)
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %#x is not a power of two", ErrBadValue, c.PageSize)
	}
	if c.MaxProgramHeaders <= 0 || c.MaxProgramHeaders > maxPhnum {
		return fmt.Errorf("%w: program header limit %d", ErrBadValue, c.MaxProgramHeaders)
	}
	if c.MaxHeaderTable == 0 {
		return fmt.Errorf("%w: header table limit is zero", ErrBadValue)
	}
	if c.DebugSymbols && c.MaxDebugTable == 0 {
		return fmt.Errorf("%w: debug symbols enabled with a zero table limit", ErrBadValue)
	}
	return nil
}

func (c *Config) pageOffset(addr uint64) uint64 {
	return addr & (c.PageSize - 1)
}

func (c *Config) pageDown(addr uint64) uint64 {
	return addr &^ (c.PageSize - 1)
}

// pageUp rounds v up to a page multiple. ok is false if the result
// would exceed limit.
func (c *Config) pageUp(v, limit uint64) (r uint64, ok bool) {
	if v > limit-(c.PageSize-1) {
		return 0, false
	}
	return (v + c.PageSize - 1) &^ (c.PageSize - 1), true
}
