// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// Build lays out and encodes the image. It panics if the text tables
// do not fit in TextPages pages.
func (b *Builder) Build() *Image {
	b.defaults()
	is64 := b.is64()
	ehsize, phentsize, shentsize := 52, 32, 40
	symsize, relsize, relasize := 16, 8, 12
	if is64 {
		ehsize, phentsize, shentsize = 64, 56, 64
		symsize, relsize, relasize = 24, 16, 24
	}
	textSize := b.TextPages * b.PageSize
	dataSeg := b.TextAddr + textSize
	img := &Image{
		TextAddr: b.TextAddr,
		TextSize: textSize,
		DataAddr: dataSeg + DynamicSpace,
		PhdrOff:  ehsize,
	}

	nphdr := 2 + len(b.ExtraPhdrs)
	if !b.NoDynamic {
		nphdr++
	}
	w := &buf{order: b.Order, is64: is64}
	w.pad(ehsize + nphdr*phentsize)
	w.align(16)
	img.Entry = b.TextAddr + uint64(w.Len())
	w.Write(b.Code)

	var dyn []dynEntry
	if !b.NoDynamic {
		dyn = b.writeTables(w, img, symsize, relsize, relasize)
	}
	textUsed := w.Len()
	w.pad(int(textSize))

	// Data segment: dynamic section, then data.
	img.DynamicOff = w.Len()
	for _, d := range dyn {
		if is64 {
			w.u64(uint64(d.tag))
		} else {
			w.u32(uint32(d.tag))
		}
		w.word(d.val)
	}
	dynSize := w.Len() - img.DynamicOff
	w.pad(int(textSize) + DynamicSpace)
	w.Write(b.Data)
	dataFilesz := uint64(DynamicSpace + len(b.Data))

	// Debug symbols and section headers.
	var shoff uint64
	var shnum int
	if b.DebugSymbols != nil {
		strs := newStrtab()
		names := make([]uint32, len(b.DebugSymbols))
		for i, s := range b.DebugSymbols {
			names[i] = strs.add(s.Name)
		}
		w.align(8)
		img.SymtabOff = w.Len()
		w.sym(Symbol{}, 0)
		for i, s := range b.DebugSymbols {
			w.sym(s, names[i])
		}
		symtabSize := w.Len() - img.SymtabOff
		strOff := w.Len()
		w.Write(strs.data)
		w.align(8)
		shoff = uint64(w.Len())
		shnum = 3
		w.pad(w.Len() + shentsize) // null section
		w.shdr(elf.SHT_SYMTAB, uint64(img.SymtabOff), uint64(symtabSize), 2, uint64(symsize))
		w.shdr(elf.SHT_STRTAB, uint64(strOff), uint64(len(strs.data)), 0, 0)
	}

	out := w.Bytes()

	// Headers.
	h := &buf{order: b.Order, is64: is64}
	data := byte(elf.ELFDATA2LSB)
	if b.Order == binary.BigEndian {
		data = byte(elf.ELFDATA2MSB)
	}
	h.WriteString(elf.ELFMAG)
	h.u8(byte(b.Class))
	h.u8(data)
	h.u8(byte(elf.EV_CURRENT))
	h.pad(elf.EI_NIDENT)
	h.u16(uint16(b.Type))
	h.u16(uint16(b.Machine))
	h.u32(uint32(elf.EV_CURRENT))
	h.word(img.Entry)
	h.word(uint64(ehsize))
	h.word(shoff)
	h.u32(0)
	h.u16(uint16(ehsize))
	h.u16(uint16(phentsize))
	h.u16(uint16(nphdr))
	h.u16(uint16(shentsize))
	h.u16(uint16(shnum))
	h.u16(0)

	h.phdr(phdr{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: 0, vaddr: b.TextAddr,
		filesz: uint64(textUsed), memsz: uint64(textUsed), align: b.PageSize})
	h.phdr(phdr{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, off: textSize, vaddr: dataSeg,
		filesz: dataFilesz, memsz: dataFilesz + b.BSS, align: b.PageSize})
	if !b.NoDynamic {
		h.phdr(phdr{typ: elf.PT_DYNAMIC, flags: elf.PF_R | elf.PF_W, off: textSize, vaddr: dataSeg,
			filesz: uint64(dynSize), memsz: uint64(dynSize), align: 8})
	}
	for _, p := range b.ExtraPhdrs {
		h.phdr(phdr{typ: p.Type, flags: p.Flags, off: p.Off, vaddr: p.Vaddr, filesz: p.Filesz, memsz: p.Memsz})
	}
	copy(out, h.Bytes())

	img.Bytes = out
	return img
}

// writeTables writes the dynamic linking tables into the text segment
// and returns the dynamic section entries that describe them.
func (b *Builder) writeTables(w *buf, img *Image, symsize, relsize, relasize int) []dynEntry {
	addr := func() uint64 { return b.TextAddr + uint64(w.Len()) }
	rev := b.VersionRevision
	if rev == 0 {
		rev = 1
	}

	strs := newStrtab()
	symNames := make([]uint32, len(b.Symbols))
	for i, s := range b.Symbols {
		symNames[i] = strs.add(s.Name)
	}
	var dyn []dynEntry
	for _, n := range b.Needed {
		dyn = append(dyn, dynEntry{elf.DT_NEEDED, uint64(strs.add(n))})
	}
	if b.SOName != "" {
		dyn = append(dyn, dynEntry{elf.DT_SONAME, uint64(strs.add(b.SOName))})
	}
	for _, d := range b.VersionDefs {
		strs.add(d.Name)
	}
	for _, n := range b.VersionNeeds {
		strs.add(n.File)
		for _, v := range n.Versions {
			strs.add(v.Name)
		}
	}

	// Hash table.
	nsym := uint32(len(b.Symbols) + 1)
	nbucket := uint32(len(b.Symbols)/2 + 1)
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nsym)
	for i := nsym - 1; i >= 1; i-- {
		h := ElfHash(b.Symbols[i-1].Name) % nbucket
		chains[i] = buckets[h]
		buckets[h] = i
	}
	w.align(8)
	img.HashOff = w.Len()
	hashAddr := addr()
	w.u32(nbucket)
	w.u32(nsym)
	for _, v := range buckets {
		w.u32(v)
	}
	for _, v := range chains {
		w.u32(v)
	}

	// Symbols and strings.
	w.align(8)
	symAddr := addr()
	w.sym(Symbol{}, 0)
	for i, s := range b.Symbols {
		w.sym(s, symNames[i])
	}
	strAddr := addr()
	w.Write(strs.data)

	if !b.NoHash {
		dyn = append(dyn, dynEntry{elf.DT_HASH, hashAddr})
	}
	if !b.NoStrtab {
		dyn = append(dyn, dynEntry{elf.DT_STRTAB, strAddr}, dynEntry{elf.DT_STRSZ, uint64(len(strs.data))})
	}
	if !b.NoSymtab {
		dyn = append(dyn, dynEntry{elf.DT_SYMTAB, symAddr}, dynEntry{elf.DT_SYMENT, uint64(symsize)})
	}

	// Version tables.
	if b.SymbolVersions != nil {
		w.align(2)
		dyn = append(dyn, dynEntry{elf.DT_VERSYM, addr()})
		for i := uint32(0); i < nsym; i++ {
			var v uint16
			if int(i) < len(b.SymbolVersions) {
				v = b.SymbolVersions[i]
			}
			w.u16(v)
		}
	}
	if len(b.VersionDefs) > 0 {
		w.align(4)
		dyn = append(dyn, dynEntry{elf.DT_VERDEF, addr()}, dynEntry{elf.DT_VERDEFNUM, uint64(len(b.VersionDefs))})
		for i, d := range b.VersionDefs {
			next := uint32(28)
			if i == len(b.VersionDefs)-1 {
				next = 0
			}
			w.u16(rev)
			w.u16(d.Flags)
			w.u16(d.Index)
			w.u16(1)
			w.u32(ElfHash(d.Name))
			w.u32(20)
			w.u32(next)
			w.u32(strs.add(d.Name))
			w.u32(0)
		}
	}
	if len(b.VersionNeeds) > 0 {
		w.align(4)
		dyn = append(dyn, dynEntry{elf.DT_VERNEED, addr()}, dynEntry{elf.DT_VERNEEDNUM, uint64(len(b.VersionNeeds))})
		for i, n := range b.VersionNeeds {
			next := uint32(16 + 16*len(n.Versions))
			if i == len(b.VersionNeeds)-1 {
				next = 0
			}
			w.u16(rev)
			w.u16(uint16(len(n.Versions)))
			w.u32(strs.add(n.File))
			w.u32(16)
			w.u32(next)
			for j, v := range n.Versions {
				anext := uint32(16)
				if j == len(n.Versions)-1 {
					anext = 0
				}
				w.u32(ElfHash(v.Name))
				w.u16(v.Flags)
				w.u16(v.Index)
				w.u32(strs.add(v.Name))
				w.u32(anext)
			}
		}
	}

	// Relocations.
	relTag, relszTag, relentTag, ent := elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT, relsize
	if b.Rela {
		relTag, relszTag, relentTag, ent = elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT, relasize
	}
	if len(b.Relocs) > 0 {
		w.align(8)
		dyn = append(dyn, dynEntry{relTag, addr()},
			dynEntry{relszTag, uint64(len(b.Relocs) * ent)},
			dynEntry{relentTag, uint64(ent)})
		for _, r := range b.Relocs {
			w.reloc(r, b.Rela)
		}
	}
	if len(b.PLTRelocs) > 0 {
		w.align(8)
		dyn = append(dyn, dynEntry{elf.DT_JMPREL, addr()},
			dynEntry{elf.DT_PLTRELSZ, uint64(len(b.PLTRelocs) * ent)},
			dynEntry{elf.DT_PLTREL, uint64(relTag)})
		for _, r := range b.PLTRelocs {
			w.reloc(r, b.Rela)
		}
	}

	if b.Symbolic {
		dyn = append(dyn, dynEntry{elf.DT_SYMBOLIC, 0})
	}
	dyn = append(dyn, dynEntry{elf.DT_NULL, 0})
	if len(dyn)*2*wordSize(w) > DynamicSpace {
		panic(fmt.Sprintf("elftest: %d dynamic entries do not fit", len(dyn)))
	}
	return dyn
}

func wordSize(w *buf) int {
	if w.is64 {
		return 8
	}
	return 4
}

func (w *buf) shdr(typ elf.SectionType, off, size uint64, link uint32, entsize uint64) {
	if w.is64 {
		w.u32(0) // name
		w.u32(uint32(typ))
		w.u64(0) // flags
		w.u64(0) // addr
		w.u64(off)
		w.u64(size)
		w.u32(link)
		w.u32(0) // info
		w.u64(8)
		w.u64(entsize)
	} else {
		w.u32(0)
		w.u32(uint32(typ))
		w.u32(0)
		w.u32(0)
		w.u32(uint32(off))
		w.u32(uint32(size))
		w.u32(link)
		w.u32(0)
		w.u32(4)
		w.u32(uint32(entsize))
	}
}
