// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/aclements/go-elfload/loader"
)

// ARM64 applies AArch64 dynamic relocations.
type ARM64 struct{}

func (ARM64) ApplyRel(img, resolve *loader.Image, t *loader.Table) error {
	return fmt.Errorf("%w: arm64 does not use REL relocations", loader.ErrBadData)
}

func (ARM64) ApplyRela(img, resolve *loader.Image, t *loader.Table) error {
	return applyAll(t, func(i int, r loader.Reloc) error {
		typ := elf.R_AARCH64(r.Type)
		if typ == elf.R_AARCH64_NONE {
			return nil
		}
		s := newSite(img, r)
		a := uint64(r.Addend)
		var v uint64
		switch typ {
		case elf.R_AARCH64_ABS64, elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
			sym, err := t.Resolve(r.Sym)
			if err != nil {
				return fmt.Errorf("relocation %d (%s): %w", i, typ, err)
			}
			v = sym + a
		case elf.R_AARCH64_RELATIVE:
			v = img.Delta() + a
		default:
			return unsupported(typ.String(), i)
		}
		if err := s.put64(v); err != nil {
			return fmt.Errorf("relocation %d (%s) at %#x: %w", i, typ, s.addr, err)
		}
		return nil
	})
}
