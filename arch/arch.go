// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch provides basic descriptions of the CPU architectures
// the loader can map and relocate images for.
package arch

import "debug/elf"

// An Arch describes a CPU architecture.
type Arch struct {
	// Layout is the byte order and word size of this architecture.
	Layout Layout

	// GoArch is the GOARCH value for this architecture.
	GoArch string

	// Machine is the ELF e_machine value of images built for this
	// architecture.
	Machine elf.Machine

	// Class is the ELF class (word size) of images built for this
	// architecture.
	Class elf.Class

	// PageSize is the default VM page size. A loader configuration
	// may override it.
	PageSize uint64
}

var (
	AMD64 = &Arch{Layout{0, 8}, "amd64", elf.EM_X86_64, elf.ELFCLASS64, 4096}
	I386  = &Arch{Layout{0, 4}, "386", elf.EM_386, elf.ELFCLASS32, 4096}
	ARM64 = &Arch{Layout{0, 8}, "arm64", elf.EM_AARCH64, elf.ELFCLASS64, 4096}
)

var all = []*Arch{AMD64, I386, ARM64}

// ForGoArch returns the Arch with the given GOARCH value, or nil.
func ForGoArch(goarch string) *Arch {
	for _, a := range all {
		if a.GoArch == goarch {
			return a
		}
	}
	return nil
}

// ForMachine returns the Arch for an ELF machine and class, or nil if
// the combination is not supported.
func ForMachine(m elf.Machine, c elf.Class) *Arch {
	for _, a := range all {
		if a.Machine == m && a.Class == c {
			return a
		}
	}
	return nil
}

// String returns the GOARCH value of a.
func (a *Arch) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.GoArch
}
