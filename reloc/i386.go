// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/aclements/go-elfload/loader"
)

// I386 applies x86 relocations. The addend of a REL entry is the
// current contents of the target word.
type I386 struct{}

func (I386) ApplyRel(img, resolve *loader.Image, t *loader.Table) error {
	return applyAll(t, func(i int, r loader.Reloc) error {
		typ := elf.R_386(r.Type)
		if typ == elf.R_386_NONE {
			return nil
		}
		s := newSite(img, r)
		a, err := s.read32()
		if err != nil {
			return fmt.Errorf("relocation %d (%s) at %#x: %w", i, typ, s.addr, err)
		}
		return apply386(i, typ, s, t, r.Sym, a)
	})
}

func (I386) ApplyRela(img, resolve *loader.Image, t *loader.Table) error {
	return applyAll(t, func(i int, r loader.Reloc) error {
		typ := elf.R_386(r.Type)
		if typ == elf.R_386_NONE {
			return nil
		}
		return apply386(i, typ, newSite(img, r), t, r.Sym, r.Addend)
	})
}

func apply386(i int, typ elf.R_386, s site, t *loader.Table, symIndex uint32, addend int64) error {
	var sym uint64
	switch typ {
	case elf.R_386_32, elf.R_386_PC32, elf.R_386_GLOB_DAT, elf.R_386_JMP_SLOT:
		var err error
		if sym, err = t.Resolve(symIndex); err != nil {
			return fmt.Errorf("relocation %d (%s): %w", i, typ, err)
		}
	}
	a := uint32(addend)
	var v uint32
	switch typ {
	case elf.R_386_32:
		v = uint32(sym) + a
	case elf.R_386_PC32:
		v = uint32(sym) + a - uint32(s.addr)
	case elf.R_386_GLOB_DAT, elf.R_386_JMP_SLOT:
		v = uint32(sym)
	case elf.R_386_RELATIVE:
		v = uint32(s.img.Delta()) + a
	default:
		return unsupported(typ.String(), i)
	}
	if err := s.put32(v); err != nil {
		return fmt.Errorf("relocation %d (%s) at %#x: %w", i, typ, s.addr, err)
	}
	return nil
}
