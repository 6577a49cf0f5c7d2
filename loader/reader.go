// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/aclements/go-elfload/arch"
)

// classSizes gives the on-disk sizes of ELF structures for one class.
type classSizes struct {
	ehdr, phdr, shdr, sym, dyn, rel, rela uint64
}

var (
	sizes32 = classSizes{ehdr: 52, phdr: 32, shdr: 40, sym: 16, dyn: 8, rel: 8, rela: 12}
	sizes64 = classSizes{ehdr: 64, phdr: 56, shdr: 64, sym: 24, dyn: 16, rel: 16, rela: 24}
)

func sizesFor(c elf.Class) *classSizes {
	if c == elf.ELFCLASS32 {
		return &sizes32
	}
	return &sizes64
}

// allocTable allocates the buffer for a header or debug table read
// from a file. It is a variable so tests can observe allocation sizes.
var allocTable = func(n uint64) []byte {
	return make([]byte, n)
}

// elfHeader is the decoded ELF file header.
type elfHeader struct {
	class   elf.Class
	layout  arch.Layout
	typ     elf.Type
	machine elf.Machine
	entry   uint64

	phoff, shoff     uint64
	phentsize, phnum uint16
	shentsize, shnum uint16
	shstrndx         uint16
}

// progHeader is one decoded program header entry.
type progHeader struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

// sectHeader is one decoded section header entry.
type sectHeader struct {
	typ     elf.SectionType
	off     uint64
	size    uint64
	link    uint32
	entsize uint64
}

// fileRangeOK reports whether [off, off+size) lies within a file of
// fileSize bytes.
func fileRangeOK(off, size uint64, fileSize int64) bool {
	if fileSize < 0 || off > math.MaxInt64 {
		return false
	}
	end, carry := bits.Add64(off, size, 0)
	return carry == 0 && end <= uint64(fileSize)
}

// readFull reads exactly len(buf) bytes at off. A short read is an I/O
// failure.
func readFull(f File, buf []byte, off uint64, what string) error {
	n, err := f.ReadAt(buf, int64(off))
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read of %s: got %d of %d bytes at offset %#x", ErrIO, what, n, len(buf), off)
	}
	return ioError(fmt.Sprintf("reading %s at offset %#x", what, off), err)
}

// readHeader reads and verifies the ELF header at the start of f.
func readHeader(f File, cfg *Config) (*elfHeader, error) {
	size := sizesFor(cfg.Arch.Class).ehdr
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, 0)
	if n != len(buf) {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, ioError("reading ELF header", err)
		}
		return nil, notExecutable("short ELF header: %d of %d bytes", n, size)
	}
	return verifyHeader(buf, cfg)
}

// verifyHeader decodes an ELF header from buf and checks that it
// describes a loadable image for cfg's architecture.
func verifyHeader(buf []byte, cfg *Config) (*elfHeader, error) {
	if len(buf) < elf.EI_NIDENT || !bytes.Equal(buf[:4], []byte(elf.ELFMAG)) {
		return nil, notExecutable("bad ELF magic")
	}
	a := cfg.Arch
	if class := elf.Class(buf[elf.EI_CLASS]); class != a.Class {
		return nil, notExecutable("ELF class %s, want %s", class, a.Class)
	}
	want := elf.ELFDATA2LSB
	if a.Layout.BigEndian() {
		want = elf.ELFDATA2MSB
	}
	if data := elf.Data(buf[elf.EI_DATA]); data != want {
		return nil, notExecutable("ELF data encoding %s, want %s", data, want)
	}
	if v := elf.Version(buf[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, notExecutable("ELF version %d", v)
	}
	sizes := sizesFor(a.Class)
	if uint64(len(buf)) < sizes.ehdr {
		return nil, notExecutable("short ELF header")
	}

	l := a.Layout
	h := &elfHeader{class: a.Class, layout: l}
	h.typ = elf.Type(l.Uint16(buf[16:]))
	h.machine = elf.Machine(l.Uint16(buf[18:]))
	if a.Class == elf.ELFCLASS64 {
		h.entry = l.Uint64(buf[24:])
		h.phoff = l.Uint64(buf[32:])
		h.shoff = l.Uint64(buf[40:])
		h.phentsize = l.Uint16(buf[54:])
		h.phnum = l.Uint16(buf[56:])
		h.shentsize = l.Uint16(buf[58:])
		h.shnum = l.Uint16(buf[60:])
		h.shstrndx = l.Uint16(buf[62:])
	} else {
		h.entry = uint64(l.Uint32(buf[24:]))
		h.phoff = uint64(l.Uint32(buf[28:]))
		h.shoff = uint64(l.Uint32(buf[32:]))
		h.phentsize = l.Uint16(buf[42:])
		h.phnum = l.Uint16(buf[44:])
		h.shentsize = l.Uint16(buf[46:])
		h.shnum = l.Uint16(buf[48:])
		h.shstrndx = l.Uint16(buf[50:])
	}

	if h.machine != a.Machine {
		return nil, notExecutable("machine %s, want %s", h.machine, a.Machine)
	}
	if h.typ != elf.ET_EXEC && h.typ != elf.ET_DYN {
		return nil, notExecutable("ELF type %s is not loadable", h.typ)
	}
	if h.phoff == 0 {
		return nil, notExecutable("no program header table")
	}
	if uint64(h.phentsize) < sizes.phdr {
		return nil, notExecutable("program header entry size %d < %d", h.phentsize, sizes.phdr)
	}
	return h, nil
}

// checkTable validates the geometry of a header table before anything
// sized by it is allocated, and returns its byte size.
func checkTable(what string, off uint64, num, entsize uint16, minEnt uint64, maxNum int, maxBytes uint64, fileSize int64) (uint64, error) {
	if int(num) > maxNum {
		return 0, badData("%s count %d exceeds limit %d", what, num, maxNum)
	}
	if num > 0 && uint64(entsize) > 4*minEnt {
		return 0, badData("%s entry size %d is unreasonably large (struct is %d bytes)", what, entsize, minEnt)
	}
	hi, size := bits.Mul64(uint64(num), uint64(entsize))
	if hi != 0 || size > maxBytes {
		return 0, badData("%s table size %d*%d exceeds limit %d", what, num, entsize, maxBytes)
	}
	if !fileRangeOK(off, size, fileSize) {
		return 0, badData("%s table [%#x,+%#x) exceeds file size %#x", what, off, size, fileSize)
	}
	return size, nil
}

// readProgramHeaders reads and decodes the program header table.
func readProgramHeaders(f File, h *elfHeader, fileSize int64, cfg *Config) ([]progHeader, error) {
	sizes := sizesFor(h.class)
	size, err := checkTable("program header", h.phoff, h.phnum, h.phentsize, sizes.phdr, cfg.MaxProgramHeaders, cfg.MaxHeaderTable, fileSize)
	if err != nil {
		return nil, err
	}
	buf := allocTable(size)
	if err := readFull(f, buf, h.phoff, "program headers"); err != nil {
		return nil, err
	}

	l := h.layout
	phdrs := make([]progHeader, h.phnum)
	for i := range phdrs {
		b := buf[i*int(h.phentsize):]
		p := &phdrs[i]
		p.typ = elf.ProgType(l.Uint32(b))
		if h.class == elf.ELFCLASS64 {
			p.flags = elf.ProgFlag(l.Uint32(b[4:]))
			p.off = l.Uint64(b[8:])
			p.vaddr = l.Uint64(b[16:])
			p.filesz = l.Uint64(b[32:])
			p.memsz = l.Uint64(b[40:])
			p.align = l.Uint64(b[48:])
		} else {
			p.off = uint64(l.Uint32(b[4:]))
			p.vaddr = uint64(l.Uint32(b[8:]))
			p.filesz = uint64(l.Uint32(b[16:]))
			p.memsz = uint64(l.Uint32(b[20:]))
			p.flags = elf.ProgFlag(l.Uint32(b[24:]))
			p.align = uint64(l.Uint32(b[28:]))
		}
	}
	return phdrs, nil
}

// readSectionHeaders reads and decodes the section header table. An
// image without section headers yields an empty slice.
func readSectionHeaders(f File, h *elfHeader, fileSize int64, cfg *Config) ([]sectHeader, error) {
	if h.shoff == 0 || h.shnum == 0 {
		return nil, nil
	}
	sizes := sizesFor(h.class)
	if uint64(h.shentsize) < sizes.shdr {
		return nil, badData("section header entry size %d < %d", h.shentsize, sizes.shdr)
	}
	// Section tables are routinely larger than program header tables,
	// so bound the count by the byte limit alone.
	maxNum := int(cfg.MaxHeaderTable / sizes.shdr)
	size, err := checkTable("section header", h.shoff, h.shnum, h.shentsize, sizes.shdr, maxNum, cfg.MaxHeaderTable, fileSize)
	if err != nil {
		return nil, err
	}
	buf := allocTable(size)
	if err := readFull(f, buf, h.shoff, "section headers"); err != nil {
		return nil, err
	}

	l := h.layout
	shdrs := make([]sectHeader, h.shnum)
	for i := range shdrs {
		b := buf[i*int(h.shentsize):]
		s := &shdrs[i]
		s.typ = elf.SectionType(l.Uint32(b[4:]))
		if h.class == elf.ELFCLASS64 {
			s.off = l.Uint64(b[24:])
			s.size = l.Uint64(b[32:])
			s.link = l.Uint32(b[40:])
			s.entsize = l.Uint64(b[56:])
		} else {
			s.off = uint64(l.Uint32(b[16:]))
			s.size = uint64(l.Uint32(b[20:]))
			s.link = l.Uint32(b[24:])
			s.entsize = uint64(l.Uint32(b[36:]))
		}
	}
	return shdrs, nil
}

// readSymbolAndStringTables locates the SHT_SYMTAB section and its
// linked string table and reads both. It returns ok == false if the
// image has no symbol table.
func readSymbolAndStringTables(f File, h *elfHeader, shdrs []sectHeader, fileSize int64, cfg *Config) (symData, strData []byte, ok bool, err error) {
	symIdx := -1
	for i := range shdrs {
		if shdrs[i].typ == elf.SHT_SYMTAB {
			symIdx = i
			break
		}
	}
	if symIdx < 0 {
		return nil, nil, false, nil
	}
	sym := &shdrs[symIdx]
	if uint64(sym.link) >= uint64(len(shdrs)) {
		return nil, nil, false, badData("symbol table links to section %d of %d", sym.link, len(shdrs))
	}
	str := &shdrs[sym.link]
	if str.typ != elf.SHT_STRTAB {
		return nil, nil, false, badData("symbol table links to section %d of type %s, want SHT_STRTAB", sym.link, str.typ)
	}

	symSize := sizesFor(h.class).sym
	if sym.size > cfg.MaxDebugTable || str.size > cfg.MaxDebugTable {
		return nil, nil, false, badData("debug table sizes %#x/%#x exceed limit %#x", sym.size, str.size, cfg.MaxDebugTable)
	}
	if sym.size%symSize != 0 {
		return nil, nil, false, badData("symbol table size %#x is not a multiple of %d", sym.size, symSize)
	}
	if !fileRangeOK(sym.off, sym.size, fileSize) {
		return nil, nil, false, badData("symbol table [%#x,+%#x) exceeds file size %#x", sym.off, sym.size, fileSize)
	}
	if !fileRangeOK(str.off, str.size, fileSize) {
		return nil, nil, false, badData("string table [%#x,+%#x) exceeds file size %#x", str.off, str.size, fileSize)
	}

	symData = allocTable(sym.size)
	if err := readFull(f, symData, sym.off, "symbol table"); err != nil {
		return nil, nil, false, err
	}
	strData = allocTable(str.size)
	if err := readFull(f, strData, str.off, "string table"); err != nil {
		return nil, nil, false, err
	}
	return symData, strData, true, nil
}
