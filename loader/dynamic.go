// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"debug/elf"
	"fmt"
)

// dynamicTags collects the raw values of the dynamic section. Pointers
// are already biased by the image delta.
type dynamicTags struct {
	hash, strtab, symtab    uint64
	rel, rela, jmprel       uint64
	versym, verdef, verneed uint64

	strsz, syment         uint64
	relsz, relent         uint64
	relasz, relaent       uint64
	pltrelsz, pltrel      uint64
	verdefNum, verneedNum uint64

	needed   []uint64
	soname   uint64
	haveName bool
	symbolic bool
}

// parseDynamicSection reads PT_DYNAMIC and builds img's linking views.
// Every table is resolved to a view that lies within img's mappings.
func (img *Image) parseDynamicSection() error {
	if img.dynamicSize == 0 {
		return fmt.Errorf("%w: %s has no dynamic section", ErrMissingLinkingInfo, img.name)
	}
	sizes := sizesFor(img.Class())
	l := img.Layout()
	dyn, err := img.Memory(img.dynamicAddr, img.dynamicSize)
	if err != nil {
		return fmt.Errorf("dynamic section: %w", err)
	}

	var d dynamicTags
	delta := img.delta
loop:
	for off := uint64(0); off+sizes.dyn <= uint64(len(dyn)); off += sizes.dyn {
		var tag elf.DynTag
		var val uint64
		if b := dyn[off:]; img.Class() == elf.ELFCLASS64 {
			tag, val = elf.DynTag(int64(l.Uint64(b))), l.Uint64(b[8:])
		} else {
			tag, val = elf.DynTag(int32(l.Uint32(b))), uint64(l.Uint32(b[4:]))
		}
		switch tag {
		case elf.DT_NULL:
			break loop
		case elf.DT_NEEDED:
			d.needed = append(d.needed, val)
		case elf.DT_HASH:
			d.hash = val + delta
		case elf.DT_STRTAB:
			d.strtab = val + delta
		case elf.DT_SYMTAB:
			d.symtab = val + delta
		case elf.DT_REL:
			d.rel = val + delta
		case elf.DT_RELA:
			d.rela = val + delta
		case elf.DT_JMPREL:
			d.jmprel = val + delta
		case elf.DT_VERSYM:
			d.versym = val + delta
		case elf.DT_VERDEF:
			d.verdef = val + delta
		case elf.DT_VERNEED:
			d.verneed = val + delta
		case elf.DT_STRSZ:
			d.strsz = val
		case elf.DT_SYMENT:
			d.syment = val
		case elf.DT_RELSZ:
			d.relsz = val
		case elf.DT_RELENT:
			d.relent = val
		case elf.DT_RELASZ:
			d.relasz = val
		case elf.DT_RELAENT:
			d.relaent = val
		case elf.DT_PLTRELSZ:
			d.pltrelsz = val
		case elf.DT_PLTREL:
			d.pltrel = val
		case elf.DT_VERDEFNUM:
			d.verdefNum = val
		case elf.DT_VERNEEDNUM:
			d.verneedNum = val
		case elf.DT_SONAME:
			d.soname, d.haveName = val, true
		case elf.DT_SYMBOLIC:
			d.symbolic = true
		case elf.DT_FLAGS:
			if elf.DynFlag(val)&elf.DF_SYMBOLIC != 0 {
				d.symbolic = true
			}
		}
	}

	if d.hash == 0 || d.symtab == 0 || d.strtab == 0 {
		return fmt.Errorf("%w: %s lacks DT_HASH, DT_SYMTAB or DT_STRTAB", ErrMissingLinkingInfo, img.name)
	}
	img.symbolic = d.symbolic
	return img.buildViews(&d)
}

func (img *Image) buildViews(d *dynamicTags) error {
	sizes := sizesFor(img.Class())
	l := img.Layout()

	// Hash table. nchain is the number of symbols.
	hdr, err := img.Memory(d.hash, 8)
	if err != nil {
		return fmt.Errorf("hash table: %w", err)
	}
	nbucket, nchain := l.Uint32(hdr), l.Uint32(hdr[4:])
	if nbucket == 0 {
		return badData("hash table has no buckets")
	}
	hsize := 8 + 4*(uint64(nbucket)+uint64(nchain))
	hb, err := img.Memory(d.hash, hsize)
	if err != nil {
		return fmt.Errorf("hash table with %d buckets and %d chains: %w", nbucket, nchain, err)
	}
	img.hash = hashTable{
		layout:  l,
		nbucket: nbucket,
		nchain:  nchain,
		buckets: hb[8 : 8+4*uint64(nbucket)],
		chains:  hb[8+4*uint64(nbucket):],
	}

	// Symbol table.
	if d.syment != 0 && d.syment != sizes.sym {
		return badData("symbol entry size %d, want %d", d.syment, sizes.sym)
	}
	sb, err := img.Memory(d.symtab, uint64(nchain)*sizes.sym)
	if err != nil {
		return fmt.Errorf("symbol table of %d entries: %w", nchain, err)
	}
	img.syms = newSymTable(sb, l, img.Class())

	// String table.
	var strb []byte
	if d.strsz != 0 {
		strb, err = img.Memory(d.strtab, d.strsz)
	} else {
		strb, err = img.memoryToEnd(d.strtab)
	}
	if err != nil {
		return fmt.Errorf("string table: %w", err)
	}
	img.strtab = strTable{strb}

	// Relocation tables.
	if img.rel, err = img.relocTable("DT_REL", d.rel, d.relsz, d.relent, sizes.rel); err != nil {
		return err
	}
	if img.rela, err = img.relocTable("DT_RELA", d.rela, d.relasz, d.relaent, sizes.rela); err != nil {
		return err
	}
	if d.jmprel != 0 && d.pltrelsz != 0 {
		img.pltrelKind = elf.DynTag(d.pltrel)
		var ent uint64
		switch img.pltrelKind {
		case elf.DT_REL:
			ent = sizes.rel
		case elf.DT_RELA:
			ent = sizes.rela
		default:
			return badData("DT_PLTREL %d is neither DT_REL nor DT_RELA", d.pltrel)
		}
		if img.pltrel, err = img.relocTable("DT_JMPREL", d.jmprel, d.pltrelsz, 0, ent); err != nil {
			return err
		}
	}

	// Version tables.
	if d.versym != 0 {
		if img.versyms, err = img.Memory(d.versym, 2*uint64(nchain)); err != nil {
			return fmt.Errorf("version symbol table: %w", err)
		}
	}
	if d.verdef != 0 {
		if img.verdef, err = img.memoryToEnd(d.verdef); err != nil {
			return fmt.Errorf("version definitions: %w", err)
		}
		img.verdefNum = d.verdefNum
	}
	if d.verneed != 0 {
		if img.verneed, err = img.memoryToEnd(d.verneed); err != nil {
			return fmt.Errorf("version requirements: %w", err)
		}
		img.verneedNum = d.verneedNum
	}

	// Names can only be resolved once the string table is known.
	for _, off := range d.needed {
		if off > 1<<32-1 {
			return badData("DT_NEEDED string offset %#x out of range", off)
		}
		name, ok := img.strtab.str(uint32(off))
		if !ok {
			return badData("DT_NEEDED string offset %#x out of range", off)
		}
		img.needed = append(img.needed, name)
	}
	if d.haveName {
		name, ok := img.strtab.str(uint32(d.soname))
		if !ok || d.soname > 1<<32-1 {
			return badData("DT_SONAME string offset %#x out of range", d.soname)
		}
		img.soname = name
	}
	return nil
}

// relocTable returns a view of a relocation table, or nil if the image
// has none.
func (img *Image) relocTable(what string, addr, size, entsize, want uint64) ([]byte, error) {
	if addr == 0 || size == 0 {
		return nil, nil
	}
	if entsize != 0 && entsize != want {
		return nil, badData("%s entry size %d, want %d", what, entsize, want)
	}
	if size%want != 0 {
		return nil, badData("%s size %#x is not a multiple of %d", what, size, want)
	}
	b, err := img.Memory(addr, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return b, nil
}
