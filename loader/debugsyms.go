// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"debug/elf"

	"github.com/aclements/go-elfload/symtab"
)

// loadDebugSymbols reads the static symbol table of img's file and
// builds an address index over it. Images without one get no table.
func (img *Image) loadDebugSymbols(f File, h *elfHeader, fileSize int64, cfg *Config) error {
	shdrs, err := readSectionHeaders(f, h, fileSize, cfg)
	if err != nil {
		return err
	}
	symData, strData, ok, err := readSymbolAndStringTables(f, h, shdrs, fileSize, cfg)
	if err != nil || !ok {
		return err
	}

	tab := newSymTable(symData, h.layout, h.class)
	strs := strTable{strData}
	var syms []symtab.Sym
	var end uint64
	for i := range img.mappings {
		end = max(end, img.mappings[i].End())
	}
	// Symbol 0 is the reserved null symbol.
	for i := uint32(1); i < tab.Len(); i++ {
		s, _ := tab.sym(i)
		switch s.typ() {
		case elf.STT_SECTION, elf.STT_FILE, elf.STT_TLS:
			continue
		}
		if s.shndx == elf.SHN_UNDEF {
			continue
		}
		name, ok := strs.str(s.name)
		if !ok {
			return badData("debug symbol %d name offset %#x out of range", i, s.name)
		}
		if name == "" {
			continue
		}
		syms = append(syms, symtab.Sym{
			Name:  name,
			Value: symbolAddress(img, &s),
			Size:  s.size,
			Local: s.bind() == elf.STB_LOCAL,
		})
	}
	symtab.SynthesizeSizes(syms, end)
	img.debugSyms = symtab.NewTable(syms)
	return nil
}
