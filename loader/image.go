// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"debug/elf"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/aclements/go-elfload/arch"
	"github.com/aclements/go-elfload/symtab"
	"k8s.io/klog/v2"
)

// A Region is a span of an image's memory.
//
// Start is page aligned and Size is a page multiple. Delta is the load
// bias: Start minus the address the file asked for.
type Region struct {
	AreaID AreaID
	Start  uint64
	Size   uint64
	Delta  uint64
}

// End returns the address just past r.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr is in r.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x,%#x) area %d delta %#x", r.Start, r.End(), r.AreaID, r.Delta)
}

// mapping is one area created for an image.
type mapping struct {
	Region
	name  string
	prot  Protection // current
	final Protection // after relocation
}

// An Image is a loaded ELF image.
//
// An Image is private to the goroutine loading it until it is inserted
// into a Registry. After that its exported state is immutable.
type Image struct {
	id     ImageID
	name   string
	kernel bool
	arch   *arch.Arch
	space  AddressSpace

	vnode VnodeID
	file  File

	// Text is the first non-writable PT_LOAD segment and Data the first
	// writable one.
	Text, Data Region
	mappings   []mapping
	reserved   Region // live only during mapping
	hasReserve bool
	delta      uint64

	entry uint64

	dynamicAddr, dynamicSize uint64
	hash                     hashTable
	syms                     symTable
	strtab                   strTable
	rel, rela, pltrel        []byte
	pltrelKind               elf.DynTag
	versyms                  []byte
	verdef, verneed          []byte
	verdefNum, verneedNum    uint64
	versions                 []VersionInfo
	needed                   []string
	soname                   string
	symbolic                 bool

	debugSyms *symtab.Table

	refs atomic.Int32
}

func newImage(name string, space AddressSpace, a *arch.Arch, kernel bool) *Image {
	return &Image{
		id:     -1,
		name:   name,
		kernel: kernel,
		arch:   a,
		space:  space,
	}
}

// ID returns the registered ID of img, or -1 if it is not registered.
func (img *Image) ID() ImageID { return img.id }

// Name returns the path img was loaded from.
func (img *Image) Name() string { return img.name }

// Kernel reports whether img lives in the kernel address space.
func (img *Image) Kernel() bool { return img.kernel }

// Arch returns the architecture of img.
func (img *Image) Arch() *arch.Arch { return img.arch }

// Layout returns the byte order and word size of img.
func (img *Image) Layout() arch.Layout { return img.arch.Layout }

// Class returns the ELF class of img.
func (img *Image) Class() elf.Class { return img.arch.Class }

// Entry returns the run-time entry point of img.
func (img *Image) Entry() uint64 { return img.entry }

// Delta returns the load bias of img. All segments of an image share
// one bias.
func (img *Image) Delta() uint64 { return img.delta }

// Needed returns the DT_NEEDED names of img.
func (img *Image) Needed() []string { return img.needed }

// SOName returns the DT_SONAME of img, or "".
func (img *Image) SOName() string { return img.soname }

// Symbolic reports whether img resolves its own symbols first.
func (img *Image) Symbolic() bool { return img.symbolic }

// Versions returns the version table of img, indexed by version index.
// Slots not named by any definition or requirement are zero.
func (img *Image) Versions() []VersionInfo { return img.versions }

// Regions returns every mapped region of img in address order.
func (img *Image) Regions() []Region {
	out := make([]Region, len(img.mappings))
	for i := range img.mappings {
		out[i] = img.mappings[i].Region
	}
	return out
}

// DebugSymbols returns the table of debug symbols, or nil if none were
// loaded.
func (img *Image) DebugSymbols() *symtab.Table { return img.debugSyms }

// Refs returns the current reference count of img.
func (img *Image) Refs() int32 { return img.refs.Load() }

// Acquire adds a reference to img.
func (img *Image) Acquire() {
	img.refs.Add(1)
}

// release drops a reference and reports whether it was the last.
func (img *Image) release() bool {
	n := img.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("image %s released too many times", img.name))
	}
	return n == 0
}

func (img *Image) info() ImageInfo {
	return ImageInfo{
		ID:     img.id,
		Name:   img.name,
		Kernel: img.kernel,
		Text:   img.Text,
		Data:   img.Data,
		Entry:  img.entry,
		Vnode:  img.vnode,
		SOName: img.soname,
	}
}

// Contains reports whether addr lies in one of img's mappings.
func (img *Image) Contains(addr uint64) bool {
	for i := range img.mappings {
		if img.mappings[i].Contains(addr) {
			return true
		}
	}
	return false
}

// findMapping returns the mapping that contains all of [addr,
// addr+size), or nil.
func (img *Image) findMapping(addr, size uint64) *mapping {
	for i := range img.mappings {
		m := &img.mappings[i]
		if addr < m.Start {
			continue
		}
		off := addr - m.Start
		if off > m.Size || size > m.Size-off {
			continue
		}
		return m
	}
	return nil
}

// Memory returns a view of size bytes of img's memory at addr. The
// whole range must lie within one of img's mappings.
func (img *Image) Memory(addr, size uint64) ([]byte, error) {
	if _, carry := bits.Add64(addr, size, 0); carry != 0 {
		return nil, badData("range %#x+%#x overflows", addr, size)
	}
	if img.findMapping(addr, size) == nil {
		return nil, badData("range [%#x,+%#x) is outside image %s", addr, size, img.name)
	}
	b, err := img.space.Memory(addr, size)
	if err != nil {
		return nil, vmError(fmt.Sprintf("accessing [%#x,+%#x)", addr, size), err)
	}
	return b, nil
}

// memoryToEnd returns a view from addr to the end of the mapping that
// contains it.
func (img *Image) memoryToEnd(addr uint64) ([]byte, error) {
	for i := range img.mappings {
		m := &img.mappings[i]
		if m.Contains(addr) {
			return img.Memory(addr, m.End()-addr)
		}
	}
	return nil, badData("address %#x is outside image %s", addr, img.name)
}

// teardown releases everything img holds in reverse order of
// acquisition. It is safe to call on a partially constructed image and
// more than once.
func (img *Image) teardown() {
	img.debugSyms = nil
	img.hash = hashTable{}
	img.syms = symTable{}
	img.strtab = strTable{}
	img.rel, img.rela, img.pltrel = nil, nil, nil
	img.versyms, img.verdef, img.verneed = nil, nil, nil

	for i := len(img.mappings) - 1; i >= 0; i-- {
		m := &img.mappings[i]
		if err := img.space.DeleteArea(m.AreaID); err != nil {
			klog.Warningf("%s: deleting area %d: %v", img.name, m.AreaID, err)
		}
	}
	img.mappings = nil
	img.unreserve()

	if img.file != nil {
		if err := img.file.Close(); err != nil {
			klog.Warningf("%s: closing: %v", img.name, err)
		}
		img.file = nil
	}
}
