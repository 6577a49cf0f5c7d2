// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"fmt"
	"io"
	"strings"
)

// A FileSystem opens image files by path.
type FileSystem interface {
	Open(path string) (File, error)
}

// A File is an open image file.
//
// Offsets are 64-bit so large files cannot be silently truncated.
type File interface {
	io.ReaderAt
	Stat() (FileStat, error)
	Close() error
}

// FileStat is the subset of file metadata the loader needs.
type FileStat struct {
	Size int64
	// Vnode identifies the underlying file. Two opens of the same file
	// must report the same Vnode.
	Vnode VnodeID
}

// A VnodeID identifies a file independent of the path used to open it.
type VnodeID uint64

// An AreaID identifies a memory area in an AddressSpace.
type AreaID int64

// Placement selects how an AddressSpace places a new mapping.
type Placement uint8

const (
	// AnyAddress lets the address space pick any free address.
	AnyAddress Placement = iota
	// ExactAddress maps at exactly the requested address.
	ExactAddress
	// RandomizedBase picks a randomized free address.
	RandomizedBase
)

func (p Placement) String() string {
	switch p {
	case AnyAddress:
		return "any"
	case ExactAddress:
		return "exact"
	case RandomizedBase:
		return "randomized"
	}
	return fmt.Sprintf("Placement(%d)", uint8(p))
}

// Protection is a set of memory access permissions.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Protection
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// An Area is a mapping created in an AddressSpace.
type Area struct {
	ID   AreaID
	Base uint64
	Size uint64
}

// An AddressSpace creates and manipulates memory mappings on behalf of
// the loader.
type AddressSpace interface {
	// ReserveRange reserves size bytes of address space near hint and
	// returns the base of the reservation. Mappings may then be
	// created inside the reservation with ExactAddress.
	ReserveRange(size, hint uint64) (base uint64, err error)

	// UnreserveRange releases the parts of a reservation that are not
	// covered by areas.
	UnreserveRange(base, size uint64) error

	// MapFile maps length bytes of f starting at offset. offset is page
	// aligned. Bytes past the end of f read as zero.
	MapFile(name string, f File, offset int64, length uint64, placement Placement, addr uint64, prot Protection) (Area, error)

	// CreateAnonymous creates a zero-filled area.
	CreateAnonymous(name string, placement Placement, addr, size uint64, prot Protection) (Area, error)

	SetProtection(id AreaID, prot Protection) error
	DeleteArea(id AreaID) error

	// Memory returns a view of size bytes of mapped memory at addr.
	// Writes to the view are writes to the mapping.
	Memory(addr, size uint64) ([]byte, error)
}

// An ImageID identifies a registered image.
type ImageID int32

// ImageInfo describes a loaded image to a Registrar.
type ImageInfo struct {
	ID     ImageID
	Name   string
	Kernel bool
	Text   Region
	Data   Region
	Entry  uint64
	Vnode  VnodeID
	SOName string
}

// A Registrar assigns image IDs and publishes images to the rest of
// the system.
type Registrar interface {
	RegisterImage(info ImageInfo) (ImageID, error)
	UnregisterImage(id ImageID) error
}

// A DebugNotifier is an optional interface of a Registrar. If
// implemented, ImageLoaded is called after a user image is registered.
type DebugNotifier interface {
	ImageLoaded(info ImageInfo)
}

// A RelocationApplier applies one architecture's relocations.
//
// The loader calls ApplyRel or ApplyRela for each relocation table of
// an image. Implementations read entries from table, resolve symbols
// with table.Resolve, and write through img.Memory.
type RelocationApplier interface {
	ApplyRel(img, resolve *Image, table *Table) error
	ApplyRela(img, resolve *Image, table *Table) error
}
