// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"debug/elf"

	"github.com/aclements/go-elfload/arch"
)

// elfSym is one decoded symbol table entry.
type elfSym struct {
	index uint32
	name  uint32
	info  uint8
	other uint8
	shndx elf.SectionIndex
	value uint64
	size  uint64
}

func (s *elfSym) bind() elf.SymBind { return elf.ST_BIND(s.info) }
func (s *elfSym) typ() elf.SymType  { return elf.ST_TYPE(s.info) }

// symTable is a bounds-checked view of a symbol table in image memory
// or in a buffer read from the file.
type symTable struct {
	data   []byte
	layout arch.Layout
	class  elf.Class
	n      uint32
}

func newSymTable(data []byte, layout arch.Layout, class elf.Class) symTable {
	n := uint64(len(data)) / sizesFor(class).sym
	if n > 1<<32-1 {
		n = 1<<32 - 1
	}
	return symTable{data, layout, class, uint32(n)}
}

// Len returns the number of symbols in t.
func (t *symTable) Len() uint32 { return t.n }

// sym decodes symbol i. ok is false if i is out of range.
func (t *symTable) sym(i uint32) (s elfSym, ok bool) {
	if i >= t.n {
		return elfSym{}, false
	}
	l := t.layout
	s.index = i
	if t.class == elf.ELFCLASS64 {
		b := t.data[uint64(i)*24:][:24]
		s.name = l.Uint32(b)
		s.info = b[4]
		s.other = b[5]
		s.shndx = elf.SectionIndex(l.Uint16(b[6:]))
		s.value = l.Uint64(b[8:])
		s.size = l.Uint64(b[16:])
	} else {
		b := t.data[uint64(i)*16:][:16]
		s.name = l.Uint32(b)
		s.value = uint64(l.Uint32(b[4:]))
		s.size = uint64(l.Uint32(b[8:]))
		s.info = b[12]
		s.other = b[13]
		s.shndx = elf.SectionIndex(l.Uint16(b[14:]))
	}
	return s, true
}

// strTable is a bounds-checked view of a string table.
type strTable struct {
	data []byte
}

// str returns the NUL-terminated string at off. ok is false if off is
// out of range or the string is unterminated.
func (t strTable) str(off uint32) (string, bool) {
	if uint64(off) >= uint64(len(t.data)) {
		return "", false
	}
	s := t.data[off:]
	n := bytes.IndexByte(s, 0)
	if n < 0 {
		return "", false
	}
	return string(s[:n]), true
}

// equal reports whether the string at off is name, without allocating.
func (t strTable) equal(off uint32, name string) bool {
	if uint64(off) >= uint64(len(t.data)) {
		return false
	}
	s := t.data[off:]
	if len(s) <= len(name) || s[len(name)] != 0 {
		return false
	}
	return string(s[:len(name)]) == name
}

// hashTable is a view of a SysV DT_HASH table:
//
//	nbucket, nchain, bucket[nbucket], chain[nchain]
//
// All words are 32 bits. The contents are untrusted.
type hashTable struct {
	layout  arch.Layout
	nbucket uint32
	nchain  uint32
	buckets []byte
	chains  []byte
}

func (h *hashTable) valid() bool { return h.nbucket != 0 }

func (h *hashTable) bucket(i uint32) uint32 {
	return h.layout.Uint32(h.buckets[uint64(i)*4:])
}

// chain returns chain[i]. ok is false if i is out of range.
func (h *hashTable) chain(i uint32) (uint32, bool) {
	if i >= h.nchain {
		return 0, false
	}
	return h.layout.Uint32(h.chains[uint64(i)*4:]), true
}

// elfHash is the SysV ELF symbol name hash.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}
