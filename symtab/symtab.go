// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab implements symbol lookup by name and address over the
// symbols of a loaded image.
package symtab

import (
	"sort"
	"strconv"
)

// A Sym is a symbol of a loaded image. Value is a run-time address.
type Sym struct {
	Name  string
	Value uint64
	// Size is the size of the symbol in bytes, or 0 if unknown.
	Size uint64
	// Local indicates the symbol's name is only meaningful within its
	// defining compilation unit.
	Local bool
	// Synthesized indicates Size was computed by SynthesizeSizes.
	Synthesized bool
}

// An ID is an index into the symbol slice a Table was built from.
type ID int32

// NoSym indicates "no symbol".
const NoSym ID = -1

func (id ID) String() string {
	if id == NoSym {
		return "NoSym"
	}
	return strconv.Itoa(int(id))
}

// Table facilitates fast symbol lookup by name and address.
type Table struct {
	// syms is the original syms slice, by ID.
	syms []Sym

	// addr contains boundaries of symbols in syms, ordered by address.
	// The boundary from symbol to NoSym is not explicitly represented,
	// since lookup can check the size of the symbol.
	//
	// If symbols overlap, this may contain the same symbol multiple
	// times. E.g., given one symbol strictly nested in another, the
	// outer symbol will appear both at its beginning address and at the
	// end address of the inner symbol.
	addr []symAddr

	// name indexes non-local symbols by name.
	name map[string]ID
}

type symAddr struct {
	// addr is the address of this symbol boundary. Usually this is
	// beginning of the symbol, except in the case of overlapping
	// symbols.
	addr uint64
	id   ID
}

// NewTable creates a new table for syms.
//
// NewTable uses sizes as they appear in syms, so the caller may wish to
// first call SynthesizeSizes.
func NewTable(syms []Sym) *Table {
	name := make(map[string]ID)
	var ids []ID
	for i, s := range syms {
		if !s.Local {
			if _, dup := name[s.Name]; !dup {
				name[s.Name] = ID(i)
			}
		}
		// We omit symbols of size 0 because they can't be the result
		// of a lookup and mess up the algorithm that computes the
		// index.
		if s.Size != 0 {
			ids = append(ids, ID(i))
		}
	}
	return &Table{syms, makeAddrIndex(syms, ids), name}
}

func makeAddrIndex(syms []Sym, ids []ID) []symAddr {
	// Sort by starting address then priority, with low priority symbols
	// before higher priority so the higher priority ones override the
	// lower priority as we loop over the slice.
	sort.Slice(ids, func(i, j int) bool {
		si, sj := &syms[ids[i]], &syms[ids[j]]
		if si.Value != sj.Value {
			return si.Value < sj.Value
		}
		// Then size, preferring smaller symbols.
		if si.Size != sj.Size {
			return si.Size > sj.Size
		}
		// Then by index, preferring earlier symbols.
		return ids[i] > ids[j]
	})

	// Iterate through each symbol boundary (beginning and end) and keep
	// a stack of symbols at the current address (lowest end address at
	// top of stack). Typically this stack is very shallow.
	var out []symAddr
	stack := make([]symAddr, 0, 8) // addr is *end* address
	drainStack := func(addr uint64) {
		for len(stack) > 0 {
			endAddr := stack[len(stack)-1].addr
			if endAddr > addr {
				return
			}
			// Pop all of the symbols that end at the next boundary.
			for len(stack) > 0 && stack[len(stack)-1].addr == endAddr {
				stack = stack[:len(stack)-1]
			}
			// At endAddr, we drop to the symbol at top of stack, or to
			// NoSym, which doesn't have an explicit marker.
			if len(stack) > 0 {
				out = append(out, symAddr{endAddr, stack[len(stack)-1].id})
			}
		}
	}
	for _, id := range ids {
		sym := syms[id]
		if len(stack) == 1 {
			if stack[0].addr <= sym.Value {
				stack = stack[:0]
			}
		} else if len(stack) > 0 {
			drainStack(sym.Value)
		}
		start := symAddr{sym.Value, id}
		if len(out) > 0 && out[len(out)-1].addr == sym.Value {
			out[len(out)-1] = start
		} else {
			out = append(out, start)
		}
		end := sym.Value + sym.Size
		if end < sym.Value {
			// Sizes come from image data. Clamp rather than wrap.
			end = ^uint64(0)
		}
		stack = append(stack, symAddr{end, id})
		for i := len(stack) - 1; i >= 1 && stack[i].addr > stack[i-1].addr; i-- {
			stack[i], stack[i-1] = stack[i-1], stack[i]
		}
	}
	drainStack(^uint64(0))

	return out
}

// Syms returns all symbols in Table. The returned slice can be
// indexed by ID. The caller must not modify the returned slice.
func (t *Table) Syms() []Sym {
	return t.syms
}

// Name returns the first non-local symbol with the given name, or
// NoSym.
func (t *Table) Name(name string) ID {
	if i, ok := t.name[name]; ok {
		return i
	}
	return NoSym
}

// Addr returns the symbol containing addr, or NoSym.
//
// If several symbols contain addr, Addr prioritizes the symbol with the
// latest starting address, followed by the symbol with the smallest
// size.
func (t *Table) Addr(addr uint64) ID {
	i := sort.Search(len(t.addr), func(i int) bool {
		return addr < t.addr[i].addr
	}) - 1
	if i < 0 {
		return NoSym
	}
	id := t.addr[i].id
	sym := &t.syms[id]
	if addr-sym.Value >= sym.Size {
		// The symbol ends before addr.
		return NoSym
	}
	return id
}

// SynthesizeSizes assigns sizes to zero-sized symbols using the
// distance to the next symbol, capped at end. Symbols at or past end
// are left alone.
func SynthesizeSizes(syms []Sym, end uint64) {
	var todo []int
	for i := range syms {
		if syms[i].Value >= end {
			continue
		}
		todo = append(todo, i)
	}
	sort.SliceStable(todo, func(i, j int) bool {
		return syms[todo[i]].Value < syms[todo[j]].Value
	})

	for len(todo) != 0 {
		// Collect symbols that have the same value. There are often
		// multiple names for the same address.
		s1 := &syms[todo[0]]
		group := 1
		anyZero := s1.Size == 0
		for group < len(todo) {
			s2 := &syms[todo[group]]
			if s1.Value != s2.Value {
				break
			}
			if s2.Size == 0 {
				anyZero = true
			}
			group++
		}
		if !anyZero {
			todo = todo[group:]
			continue
		}

		size := end - s1.Value
		if group < len(todo) {
			size = syms[todo[group]].Value - s1.Value
		}
		for _, i := range todo[:group] {
			if syms[i].Size == 0 {
				syms[i].Size = size
				syms[i].Synthesized = true
			}
		}
		todo = todo[group:]
	}
}
