// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/aclements/go-elfload/loader"
)

// AMD64 applies x86-64 relocations. x86-64 images only use RELA.
type AMD64 struct{}

func (AMD64) ApplyRel(img, resolve *loader.Image, t *loader.Table) error {
	return fmt.Errorf("%w: x86-64 does not use REL relocations", loader.ErrBadData)
}

func (AMD64) ApplyRela(img, resolve *loader.Image, t *loader.Table) error {
	return applyAll(t, func(i int, r loader.Reloc) error {
		typ := elf.R_X86_64(r.Type)
		if typ == elf.R_X86_64_NONE {
			return nil
		}
		s := newSite(img, r)
		b := img.Delta()
		a := uint64(r.Addend)
		var sym uint64
		switch typ {
		case elf.R_X86_64_64, elf.R_X86_64_PC32, elf.R_X86_64_32, elf.R_X86_64_32S,
			elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT, elf.R_X86_64_PC64:
			var err error
			if sym, err = t.Resolve(r.Sym); err != nil {
				return fmt.Errorf("relocation %d (%s): %w", i, typ, err)
			}
		}

		var err error
		switch typ {
		case elf.R_X86_64_64:
			err = s.put64(sym + a)
		case elf.R_X86_64_PC64:
			err = s.put64(sym + a - s.addr)
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			err = s.put64(sym)
		case elf.R_X86_64_RELATIVE:
			err = s.put64(b + a)
		case elf.R_X86_64_PC32:
			v := int64(sym + a - s.addr)
			if !fits32(v) {
				return fmt.Errorf("%w: relocation %d (%s): value %#x overflows", loader.ErrBadData, i, typ, v)
			}
			err = s.put32(uint32(v))
		case elf.R_X86_64_32:
			v := sym + a
			if v > 1<<32-1 {
				return fmt.Errorf("%w: relocation %d (%s): value %#x overflows", loader.ErrBadData, i, typ, v)
			}
			err = s.put32(uint32(v))
		case elf.R_X86_64_32S:
			v := int64(sym + a)
			if !fits32(v) {
				return fmt.Errorf("%w: relocation %d (%s): value %#x overflows", loader.ErrBadData, i, typ, v)
			}
			err = s.put32(uint32(v))
		default:
			return unsupported(typ.String(), i)
		}
		if err != nil {
			return fmt.Errorf("relocation %d (%s) at %#x: %w", i, typ, s.addr, err)
		}
		return nil
	})
}
