// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elftest builds small synthetic ELF images for tests.
//
// An image has a read-only text segment that starts at file offset 0
// and holds the headers, code and dynamic linking tables, and a
// writable data segment that holds the dynamic section followed by
// caller-supplied data and BSS.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// DynamicSpace is the space reserved for the dynamic section at the
// start of the data segment.
const DynamicSpace = 0x200

// Defined is a section index for defined symbols.
const Defined elf.SectionIndex = 1

// A Symbol is a dynamic or debug symbol.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex // 0 for undefined
}

// A Reloc is a relocation entry. Addend is ignored for REL tables.
type Reloc struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// A VersionDef is a DT_VERDEF entry.
type VersionDef struct {
	Index uint16
	Flags uint16
	Name  string
}

// A VersionNeed is a DT_VERNEED entry.
type VersionNeed struct {
	File     string
	Versions []VersionDef
}

// A Phdr is an extra program header.
type Phdr struct {
	Type                      elf.ProgType
	Flags                     elf.ProgFlag
	Off, Vaddr, Filesz, Memsz uint64
}

// A Builder describes an image to build. The zero value builds an
// empty 64-bit little-endian x86-64 shared object.
type Builder struct {
	Class   elf.Class   // default ELFCLASS64
	Machine elf.Machine // default EM_X86_64
	Order   binary.ByteOrder
	Type    elf.Type // default ET_DYN

	TextAddr  uint64 // default 0
	PageSize  uint64 // default 0x1000
	TextPages uint64 // default 2

	Code []byte
	Data []byte
	BSS  uint64

	// NoDynamic omits PT_DYNAMIC and all linking tables.
	NoDynamic bool
	// Rela selects DT_RELA for Relocs and PLTRelocs. Otherwise DT_REL
	// is used.
	Rela      bool
	Relocs    []Reloc
	PLTRelocs []Reloc

	// Symbols are the dynamic symbols, starting at index 1.
	Symbols  []Symbol
	Needed   []string
	SOName   string
	Symbolic bool
	// NoHash, NoSymtab and NoStrtab omit the corresponding tag.
	NoHash, NoSymtab, NoStrtab bool

	// SymbolVersions gives the DT_VERSYM entry of each symbol,
	// including the null symbol at index 0.
	SymbolVersions []uint16
	VersionDefs    []VersionDef
	VersionNeeds   []VersionNeed
	// VersionRevision overrides the revision of version tables.
	VersionRevision uint16

	// DebugSymbols are emitted as a .symtab section.
	DebugSymbols []Symbol

	ExtraPhdrs []Phdr
}

// Image is a built image.
type Image struct {
	Bytes []byte

	TextAddr uint64
	TextSize uint64
	DataAddr uint64 // address of Builder.Data
	Entry    uint64

	PhdrOff    int
	HashOff    int
	DynamicOff int
	SymtabOff  int // file offset of .symtab, if any
}

// ElfHash is the SysV symbol hash.
func ElfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

func (b *Builder) defaults() {
	if b.Class == elf.ELFCLASSNONE {
		b.Class = elf.ELFCLASS64
	}
	if b.Machine == elf.EM_NONE {
		b.Machine = elf.EM_X86_64
	}
	if b.Order == nil {
		b.Order = binary.LittleEndian
	}
	if b.Type == elf.ET_NONE {
		b.Type = elf.ET_DYN
	}
	if b.PageSize == 0 {
		b.PageSize = 0x1000
	}
	if b.TextPages == 0 {
		b.TextPages = 2
	}
}

// DataAddr returns the address Builder.Data will be loaded at, before
// any load bias.
func (b *Builder) DataAddr() uint64 {
	b.defaults()
	return b.TextAddr + b.TextPages*b.PageSize + DynamicSpace
}

func (b *Builder) is64() bool { return b.Class == elf.ELFCLASS64 }

// buf is a bytes.Buffer that writes in one byte order.
type buf struct {
	bytes.Buffer
	order binary.ByteOrder
	is64  bool
}

func (w *buf) u8(v uint8)   { w.WriteByte(v) }
func (w *buf) u16(v uint16) { binary.Write(w, w.order, v) }
func (w *buf) u32(v uint32) { binary.Write(w, w.order, v) }
func (w *buf) u64(v uint64) { binary.Write(w, w.order, v) }

// word writes an address-sized value.
func (w *buf) word(v uint64) {
	if w.is64 {
		w.u64(v)
	} else {
		w.u32(uint32(v))
	}
}

func (w *buf) align(n int) {
	for w.Len()%n != 0 {
		w.WriteByte(0)
	}
}

func (w *buf) pad(n int) {
	if w.Len() > n {
		panic(fmt.Sprintf("elftest: content %#x overflows %#x", w.Len(), n))
	}
	for w.Len() < n {
		w.WriteByte(0)
	}
}

// strtab accumulates a string table.
type strtab struct {
	data []byte
	off  map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, off: map[string]uint32{"": 0}}
}

func (s *strtab) add(str string) uint32 {
	if off, ok := s.off[str]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, str...)
	s.data = append(s.data, 0)
	s.off[str] = off
	return off
}

func (w *buf) sym(s Symbol, name uint32) {
	info := byte(s.Bind)<<4 | byte(s.Type)&0xf
	if w.is64 {
		w.u32(name)
		w.u8(info)
		w.u8(0)
		w.u16(uint16(s.Section))
		w.u64(s.Value)
		w.u64(s.Size)
	} else {
		w.u32(name)
		w.u32(uint32(s.Value))
		w.u32(uint32(s.Size))
		w.u8(info)
		w.u8(0)
		w.u16(uint16(s.Section))
	}
}

func (w *buf) reloc(r Reloc, rela bool) {
	if w.is64 {
		w.u64(r.Offset)
		w.u64(uint64(r.Sym)<<32 | uint64(r.Type))
		if rela {
			w.u64(uint64(r.Addend))
		}
	} else {
		w.u32(uint32(r.Offset))
		w.u32(r.Sym<<8 | r.Type&0xff)
		if rela {
			w.u32(uint32(r.Addend))
		}
	}
}

type phdr struct {
	typ           elf.ProgType
	flags         elf.ProgFlag
	off, vaddr    uint64
	filesz, memsz uint64
	align         uint64
}

func (w *buf) phdr(p phdr) {
	if w.is64 {
		w.u32(uint32(p.typ))
		w.u32(uint32(p.flags))
		w.u64(p.off)
		w.u64(p.vaddr)
		w.u64(p.vaddr)
		w.u64(p.filesz)
		w.u64(p.memsz)
		w.u64(p.align)
	} else {
		w.u32(uint32(p.typ))
		w.u32(uint32(p.off))
		w.u32(uint32(p.vaddr))
		w.u32(uint32(p.vaddr))
		w.u32(uint32(p.filesz))
		w.u32(uint32(p.memsz))
		w.u32(uint32(p.flags))
		w.u32(uint32(p.align))
	}
}
