// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kdebug answers kernel debugger queries about loaded kernel
// images.
//
// Queries read the registry's published snapshot and never take the
// registry lock, so they are safe to run while a load is in progress.
package kdebug

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/aclements/go-elfload/asm"
	"github.com/aclements/go-elfload/loader"
	"github.com/aclements/go-elfload/symtab"
)

// maxInstLen is the longest instruction of any supported architecture.
const maxInstLen = 15

// A Debugger inspects the kernel images of a registry.
type Debugger struct {
	reg *loader.Registry
}

func New(reg *loader.Registry) *Debugger {
	return &Debugger{reg}
}

// A Location names an address in a loaded image.
type Location struct {
	Addr  uint64
	Image *loader.Image
	// Symbol is the symbol containing Addr, or "" if none is known.
	Symbol string
	Base   uint64
}

// String formats l as image`symbol+offset.
func (l Location) String() string {
	if l.Image == nil {
		return fmt.Sprintf("%#x", l.Addr)
	}
	name := baseName(l.Image.Name())
	if l.Symbol == "" {
		return fmt.Sprintf("%s+%#x", name, l.Addr-l.Image.Text.Start)
	}
	if l.Addr == l.Base {
		return name + "`" + l.Symbol
	}
	return fmt.Sprintf("%s`%s+%#x", name, l.Symbol, l.Addr-l.Base)
}

// Lookup returns the location of addr. ok is false if no kernel image
// maps addr.
func (d *Debugger) Lookup(addr uint64) (loc Location, ok bool) {
	loc.Addr = addr
	img := d.reg.LookupAtAddress(addr)
	if img == nil {
		return loc, false
	}
	loc.Image = img
	loc.Symbol, loc.Base, _ = img.LookupSymbolAddress(addr)
	return loc, true
}

// SymName returns the symbol containing addr in the form asm expects.
func (d *Debugger) SymName(addr uint64) (string, uint64) {
	loc, ok := d.Lookup(addr)
	if !ok || loc.Symbol == "" {
		return "", 0
	}
	return loc.Symbol, loc.Base
}

// SymbolAddress returns the address of the named non-local symbol in
// img. Debug symbols are searched before the dynamic symbol table.
func SymbolAddress(img *loader.Image, name string) (uint64, bool) {
	if t := img.DebugSymbols(); t != nil {
		if id := t.Name(name); id != symtab.NoSym {
			return t.Syms()[id].Value, true
		}
	}
	return img.LookupSymbol(name)
}

// Symbol returns the location of a symbol given as "name" or
// "image`name". Without an image the kernel images are searched in ID
// order.
func (d *Debugger) Symbol(expr string) (Location, error) {
	image, name, scoped := strings.Cut(expr, "`")
	if !scoped {
		image, name = "", expr
	}
	for _, img := range d.reg.Images() {
		if !img.Kernel() || (scoped && baseName(img.Name()) != image) {
			continue
		}
		if addr, ok := SymbolAddress(img, name); ok {
			return Location{Addr: addr, Image: img, Symbol: name, Base: addr}, nil
		}
	}
	return Location{}, fmt.Errorf("%w: %s", loader.ErrMissingSymbol, expr)
}

func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ListImages writes a table of the registered images to w.
func (d *Debugger) ListImages(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tTEXT\tDATA\tREFS\n")
	for _, img := range d.reg.Images() {
		kind := ""
		if !img.Kernel() {
			kind = " (user)"
		}
		fmt.Fprintf(tw, "%d\t%s%s\t%#x-%#x\t%#x-%#x\t%d\n", img.ID(), img.Name(), kind,
			img.Text.Start, img.Text.End(), img.Data.Start, img.Data.End(), img.Refs())
	}
	return tw.Flush()
}

// Disassemble returns a listing of up to n instructions starting at
// addr, with symbolized operands. The listing stops at the end of the
// mapping containing addr.
func (d *Debugger) Disassemble(addr uint64, n int) (string, error) {
	img := d.reg.LookupAtAddress(addr)
	if img == nil {
		return "", fmt.Errorf("%#x is not in a kernel image", addr)
	}
	return Disassemble(img, addr, n, d.SymName)
}

// Disassemble disassembles up to n instructions of img starting at addr.
// symName may be nil.
func Disassemble(img *loader.Image, addr uint64, n int, symName asm.SymName) (string, error) {
	var avail uint64
	for _, r := range img.Regions() {
		if r.Contains(addr) {
			avail = r.End() - addr
			break
		}
	}
	if avail == 0 {
		return "", fmt.Errorf("%#x is not mapped by %s", addr, img.Name())
	}
	text, err := img.Memory(addr, min(avail, uint64(n)*maxInstLen))
	if err != nil {
		return "", err
	}
	seq, err := asm.Disasm(img.Arch(), text, addr)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	asm.Format(&b, firstN{seq, n}, symName)
	return b.String(), nil
}

// firstN is the first n instructions of a Seq.
type firstN struct {
	asm.Seq
	n int
}

func (s firstN) Len() int {
	return min(s.n, s.Seq.Len())
}
