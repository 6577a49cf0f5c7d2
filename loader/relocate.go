// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"debug/elf"
	"fmt"
)

// A Reloc is one decoded relocation entry.
type Reloc struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	// Addend is the explicit addend of a RELA entry. It is 0 for REL
	// entries, whose addend is stored at the target.
	Addend int64
}

// A Table is a relocation table of an image, bound to the symbol
// resolution order of one relocation pass.
type Table struct {
	Kind  elf.DynTag // DT_REL or DT_RELA
	data  []byte
	ent   uint64
	order resolutionOrder
}

func newTable(kind elf.DynTag, data []byte, order resolutionOrder) *Table {
	sizes := sizesFor(order.img.Class())
	ent := sizes.rel
	if kind == elf.DT_RELA {
		ent = sizes.rela
	}
	return &Table{Kind: kind, data: data, ent: ent, order: order}
}

// Len returns the number of entries in t.
func (t *Table) Len() int {
	return int(uint64(len(t.data)) / t.ent)
}

// Entry decodes entry i of t.
func (t *Table) Entry(i int) Reloc {
	img := t.order.img
	l := img.Layout()
	b := t.data[uint64(i)*t.ent:][:t.ent]
	var r Reloc
	if img.Class() == elf.ELFCLASS64 {
		r.Offset = l.Uint64(b)
		info := l.Uint64(b[8:])
		r.Sym, r.Type = elf.R_SYM64(info), elf.R_TYPE64(info)
		if t.Kind == elf.DT_RELA {
			r.Addend = l.Int64(b[16:])
		}
	} else {
		r.Offset = uint64(l.Uint32(b))
		info := l.Uint32(b[4:])
		r.Sym, r.Type = elf.R_SYM32(info), elf.R_TYPE32(info)
		if t.Kind == elf.DT_RELA {
			r.Addend = int64(l.Int32(b[8:]))
		}
	}
	return r
}

// Resolve returns the address symbol index sym of the image being
// relocated binds to. Index 0 resolves to 0.
func (t *Table) Resolve(sym uint32) (uint64, error) {
	if sym == stnUndef {
		return 0, nil
	}
	s, ok := t.order.img.syms.sym(sym)
	if !ok {
		return 0, badData("relocation symbol index %d out of range (%d symbols)", sym, t.order.img.syms.Len())
	}
	return t.order.resolveSymbol(&s)
}

// relocate applies img's relocation tables against resolve, in the
// order REL, PLT, RELA. The first failure aborts.
func relocate(img, resolve *Image, applier RelocationApplier) error {
	order := newResolutionOrder(img, resolve)
	apply := func(kind elf.DynTag, data []byte, what string) error {
		if len(data) == 0 {
			return nil
		}
		t := newTable(kind, data, order)
		var err error
		if kind == elf.DT_RELA {
			err = applier.ApplyRela(img, resolve, t)
		} else {
			err = applier.ApplyRel(img, resolve, t)
		}
		if err != nil {
			return fmt.Errorf("applying %s relocations: %w", what, err)
		}
		return nil
	}
	if err := apply(elf.DT_REL, img.rel, "DT_REL"); err != nil {
		return err
	}
	if err := apply(img.pltrelKind, img.pltrel, "PLT"); err != nil {
		return err
	}
	return apply(elf.DT_RELA, img.rela, "DT_RELA")
}
