// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"debug/elf"
	"fmt"
)

// findSymbol looks up a definition of name in img's dynamic symbol
// table. If version is non-nil, only definitions of that version (or
// the public base version, unless lookupDefault is set) match. Without
// a version, a base version definition is preferred and otherwise a
// unique non-hidden versioned definition is accepted.
//
// The hash table is untrusted: the chain walk takes at most nchain
// steps and every index is range checked.
func findSymbol(img *Image, name string, version *VersionInfo, lookupDefault bool) (elfSym, bool) {
	if !img.hash.valid() {
		return elfSym{}, false
	}
	h := &img.hash
	bucket := elfHash(name) % h.nbucket

	var versioned elfSym
	nVersioned := 0
	i := h.bucket(bucket)
	for steps := uint32(0); i != stnUndef && steps <= h.nchain; steps++ {
		sym, ok := img.syms.sym(i)
		if !ok {
			break
		}
		next, ok := h.chain(i)
		if !ok {
			break
		}
		cur := i
		i = next

		if sym.shndx == elf.SHN_UNDEF {
			continue
		}
		if b := sym.bind(); b != elf.STB_GLOBAL && b != elf.STB_WEAK {
			continue
		}
		if !img.strtab.equal(sym.name, name) {
			continue
		}

		vid, ok := img.symbolVersion(cur)
		if !ok {
			// No version information. This only satisfies
			// unversioned lookups.
			if version == nil {
				return sym, true
			}
			return elfSym{}, false
		}
		idx := verNdx(vid)
		if idx == verNdxLocal {
			continue
		}

		if version != nil {
			if v, ok := img.version(idx); ok && v.Hash == version.Hash && v.Name == version.Name {
				return sym, true
			}
			// The public base version also satisfies a versioned
			// lookup, unless the default is being looked up.
			if vid&verNdxFlagHidden == 0 && idx == verNdxGlobal && !lookupDefault {
				return sym, true
			}
			continue
		}

		if idx == verNdxGlobal || (!lookupDefault && idx == verNdxInitial) {
			return sym, true
		}
		if vid&verNdxFlagHidden == 0 {
			nVersioned++
			versioned = sym
		}
	}
	if nVersioned == 1 {
		return versioned, true
	}
	return elfSym{}, false
}

// resolutionOrder is the pair of images a relocation searches, in
// order.
type resolutionOrder struct {
	img           *Image // image being relocated
	first, second *Image
}

// newResolutionOrder returns the search order for relocating img
// against resolve. Normally resolve is searched first. DT_SYMBOLIC
// images search themselves first.
func newResolutionOrder(img, resolve *Image) resolutionOrder {
	if img.symbolic {
		return resolutionOrder{img, img, resolve}
	}
	return resolutionOrder{img, resolve, img}
}

// symbolAddress returns the run-time address of sym defined in img.
func symbolAddress(img *Image, sym *elfSym) uint64 {
	if sym.shndx == elf.SHN_ABS {
		return sym.value
	}
	return sym.value + img.delta
}

// resolveSymbol returns the address a reference to sym from o.img
// binds to.
func (o resolutionOrder) resolveSymbol(sym *elfSym) (uint64, error) {
	img := o.img
	switch sym.bind() {
	case elf.STB_LOCAL:
		return sym.value + img.delta, nil
	case elf.STB_GLOBAL, elf.STB_WEAK:
	default:
		return 0, badData("symbol %d has unsupported binding %s", sym.index, sym.bind())
	}
	name, ok := img.strtab.str(sym.name)
	if !ok {
		return 0, badData("symbol %d name offset %#x out of range", sym.index, sym.name)
	}

	var version *VersionInfo
	if vid, ok := img.symbolVersion(sym.index); ok {
		if idx := verNdx(vid); idx >= verNdxInitial {
			if version, ok = img.version(idx); !ok {
				return 0, badData("symbol %s has version index %d of %d", name, idx, len(img.versions))
			}
		}
	}

	found, foundImg := o.lookup(name, version)
	if found == nil {
		if sym.bind() == elf.STB_WEAK {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s (needed by %s) not found in %s or %s", ErrMissingSymbol, name, img.name, o.first.name, o.second.name)
	}
	if found.typ() != sym.typ() {
		return 0, fmt.Errorf("%w: %s found in %s (needed by %s) with type %s, want %s", ErrMissingSymbol, name, foundImg.name, img.name, found.typ(), sym.typ())
	}
	return symbolAddress(foundImg, found), nil
}

// lookup searches first and then second. A weak definition in first is
// overridden by a strong one in second.
func (o resolutionOrder) lookup(name string, version *VersionInfo) (*elfSym, *Image) {
	sym, ok := findSymbol(o.first, name, version, false)
	if ok && sym.bind() != elf.STB_WEAK {
		return &sym, o.first
	}
	if o.second != o.first {
		if sym2, ok2 := findSymbol(o.second, name, version, false); ok2 && (!ok || sym2.bind() != elf.STB_WEAK) {
			return &sym2, o.second
		}
	}
	if ok {
		return &sym, o.first
	}
	return nil, nil
}

// LookupSymbol returns the address of the public default version of
// the named symbol in img.
func (img *Image) LookupSymbol(name string) (uint64, bool) {
	sym, ok := findSymbol(img, name, nil, true)
	if !ok {
		return 0, false
	}
	return symbolAddress(img, &sym), true
}

// LookupSymbolAddress returns the name and start address of the symbol
// containing addr, preferring debug symbols over the dynamic symbol
// table. For dynamic symbols without a size the nearest preceding
// symbol is reported.
func (img *Image) LookupSymbolAddress(addr uint64) (name string, base uint64, ok bool) {
	if !img.Contains(addr) {
		return "", 0, false
	}
	if t := img.debugSyms; t != nil {
		if id := t.Addr(addr); id >= 0 {
			s := &t.Syms()[id]
			return s.Name, s.Value, true
		}
	}

	var best elfSym
	var bestAddr uint64
	found := false
	for i := uint32(0); i < img.syms.Len(); i++ {
		sym, _ := img.syms.sym(i)
		if sym.shndx == elf.SHN_UNDEF || sym.shndx == elf.SHN_ABS {
			continue
		}
		if t := sym.typ(); t != elf.STT_FUNC && t != elf.STT_OBJECT {
			continue
		}
		start := sym.value + img.delta
		if start > addr {
			continue
		}
		if sym.size != 0 && addr-start >= sym.size {
			continue
		}
		if !found || start > bestAddr {
			best, bestAddr, found = sym, start, true
		}
	}
	if !found {
		return "", 0, false
	}
	name, ok = img.strtab.str(best.name)
	return name, bestAddr, ok
}
