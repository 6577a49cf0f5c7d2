// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader_test

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aclements/go-elfload/arch"
	"github.com/aclements/go-elfload/internal/elftest"
	"github.com/aclements/go-elfload/internal/memspace"
	"github.com/aclements/go-elfload/loader"
	"github.com/aclements/go-elfload/reloc"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

// dataAddr is the link-time address of Builder.Data with the default
// layout.
const dataAddr = 2*0x1000 + elftest.DynamicSpace

const (
	verFlgBase = 1
	verFlgWeak = 2
)

var le = binary.LittleEndian

func global(name string, value, size uint64, typ elf.SymType) elftest.Symbol {
	return elftest.Symbol{Name: name, Value: value, Size: size, Bind: elf.STB_GLOBAL, Type: typ, Section: elftest.Defined}
}

func undef(name string, bind elf.SymBind, typ elf.SymType) elftest.Symbol {
	return elftest.Symbol{Name: name, Bind: bind, Type: typ}
}

// kernelBuilder describes a kernel with versioned symbols:
//
//	1 kernel_func  KERNEL_1
//	2 kernel_data  base
//	3 weak_func    base, weak
//	4 vfunc        KERNEL_0, hidden
//	5 vfunc        KERNEL_1
func kernelBuilder() *elftest.Builder {
	return &elftest.Builder{
		Code: make([]byte, 0x40),
		Data: make([]byte, 0x20),
		Symbols: []elftest.Symbol{
			global("kernel_func", 0x100, 0x10, elf.STT_FUNC),
			global("kernel_data", dataAddr, 8, elf.STT_OBJECT),
			{Name: "weak_func", Value: 0x110, Size: 4, Bind: elf.STB_WEAK, Type: elf.STT_FUNC, Section: elftest.Defined},
			global("vfunc", 0x114, 4, elf.STT_FUNC),
			global("vfunc", 0x118, 4, elf.STT_FUNC),
		},
		SymbolVersions: []uint16{0, 2, 1, 1, 0x8003, 2},
		VersionDefs: []elftest.VersionDef{
			{Index: 1, Flags: verFlgBase, Name: "kernel_x86_64"},
			{Index: 2, Name: "KERNEL_1"},
			{Index: 3, Name: "KERNEL_0"},
		},
		SOName: "kernel_x86_64",
	}
}

// addOnBuilder describes an add-on that imports kernel_func, refers to
// a missing weak symbol, and calls its own addon_init through the PLT.
func addOnBuilder() *elftest.Builder {
	return &elftest.Builder{
		Rela: true,
		Code: make([]byte, 0x40),
		Data: make([]byte, 0x20),
		BSS:  0x1800,
		Symbols: []elftest.Symbol{
			undef("kernel_func", elf.STB_GLOBAL, elf.STT_FUNC),
			undef("missing_weak", elf.STB_WEAK, elf.STT_FUNC),
			global("addon_init", 0x100, 0x10, elf.STT_FUNC),
		},
		Relocs: []elftest.Reloc{
			{Offset: dataAddr, Type: uint32(elf.R_X86_64_GLOB_DAT), Sym: 1},
			{Offset: dataAddr + 8, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x100},
			{Offset: dataAddr + 16, Type: uint32(elf.R_X86_64_64), Sym: 2},
		},
		PLTRelocs: []elftest.Reloc{
			{Offset: dataAddr + 24, Type: uint32(elf.R_X86_64_JMP_SLOT), Sym: 3},
		},
		Needed: []string{"kernel_x86_64"},
	}
}

// recorder is a Registrar that tracks live registrations and user
// image load notifications.
type recorder struct {
	loader.SequentialRegistrar

	mu     sync.Mutex
	live   map[loader.ImageID]loader.ImageInfo
	loaded []loader.ImageInfo
}

func (r *recorder) RegisterImage(info loader.ImageInfo) (loader.ImageID, error) {
	id, err := r.SequentialRegistrar.RegisterImage(info)
	if err != nil {
		return id, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == nil {
		r.live = make(map[loader.ImageID]loader.ImageInfo)
	}
	info.ID = id
	r.live[id] = info
	return id, nil
}

func (r *recorder) UnregisterImage(id loader.ImageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return fmt.Errorf("image %d is not registered", id)
	}
	delete(r.live, id)
	return nil
}

func (r *recorder) ImageLoaded(info loader.ImageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, info)
}

func (r *recorder) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

type testEnv struct {
	t      *testing.T
	fs     *memspace.FS
	kspace *memspace.Space
	reg    *recorder
	l      *loader.Loader
}

// newEnv returns a loader with the kernel from kernelBuilder
// bootstrapped.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		t:      t,
		fs:     memspace.NewFS(),
		kspace: memspace.New(0xffff800000000000, 0x1000),
		reg:    &recorder{},
	}
	applier, err := reloc.ForArch(arch.AMD64)
	if err != nil {
		t.Fatal(err)
	}
	e.l, err = loader.New(loader.DefaultConfig(arch.AMD64), e.fs, e.kspace, applier, e.reg)
	if err != nil {
		t.Fatal(err)
	}
	e.fs.Add("/boot/kernel", kernelBuilder().Build().Bytes)
	if _, err := e.l.BootstrapKernel("/boot/kernel"); err != nil {
		t.Fatalf("bootstrapping kernel: %v", err)
	}
	return e
}

type usage struct {
	areas, reservations, files, registered int
}

func (e *testEnv) usage() usage {
	return usage{e.kspace.Areas(), e.kspace.Reservations(), e.fs.OpenFiles(), e.reg.liveCount()}
}

func (e *testEnv) checkUsage(label string, want usage) {
	e.t.Helper()
	if got := e.usage(); got != want {
		e.t.Errorf("%s: resources %+v, want %+v", label, got, want)
	}
}

func (e *testEnv) image(id loader.ImageID) *loader.Image {
	e.t.Helper()
	img, ok := e.l.Registry().Lookup(id)
	if !ok {
		e.t.Fatalf("image %d not registered", id)
	}
	return img
}

// words reads n words of img's memory at link-time address addr.
func words(t *testing.T, img *loader.Image, addr uint64, n int) []uint64 {
	t.Helper()
	mem, err := img.Memory(img.Delta()+addr, uint64(8*n))
	if err != nil {
		t.Fatal(err)
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = le.Uint64(mem[8*i:])
	}
	return out
}

func TestBootstrapKernel(t *testing.T) {
	e := newEnv(t)
	k := e.l.KernelImage()
	if k == nil || !k.Kernel() || k.ID() != 1 {
		t.Fatalf("bad kernel image %v", k)
	}
	if k.SOName() != "kernel_x86_64" {
		t.Errorf("soname %q", k.SOName())
	}
	if k.Delta() != k.Text.Start || k.Data.Start != k.Text.Start+0x2000 {
		t.Errorf("text %v data %v delta %#x", k.Text, k.Data, k.Delta())
	}
	want := []loader.VersionInfo{{}, {Hash: elftest.ElfHash("kernel_x86_64"), Name: "kernel_x86_64"}, {Hash: elftest.ElfHash("KERNEL_1"), Name: "KERNEL_1"}, {Hash: elftest.ElfHash("KERNEL_0"), Name: "KERNEL_0"}}
	if diff := cmp.Diff(want, k.Versions()); diff != "" {
		t.Errorf("versions (-want +got):\n%s", diff)
	}
	if _, err := e.l.BootstrapKernel("/boot/kernel"); !errors.Is(err, loader.ErrBadValue) {
		t.Errorf("second bootstrap: want ErrBadValue, got %v", err)
	}
	e.checkUsage("after bootstrap", usage{areas: 2, files: 1, registered: 1})
}

func TestImageSymbol(t *testing.T) {
	e := newEnv(t)
	k := e.l.KernelImage()
	for _, test := range []struct {
		name string
		want uint64
		ok   bool
	}{
		{"kernel_func", 0x100, true}, // unique versioned definition
		{"kernel_data", dataAddr, true},
		{"weak_func", 0x110, true},
		{"vfunc", 0x118, true}, // the hidden definition is ignored
		{"nonexistent", 0, false},
	} {
		got, err := e.l.ImageSymbol(k.ID(), test.name)
		if !test.ok {
			if !errors.Is(err, loader.ErrMissingSymbol) {
				t.Errorf("%s: want ErrMissingSymbol, got %#x, %v", test.name, got, err)
			}
			continue
		}
		if err != nil || got != k.Delta()+test.want {
			t.Errorf("%s: got %#x, %v; want %#x", test.name, got, err, k.Delta()+test.want)
		}
	}
	if _, err := e.l.ImageSymbol(99, "kernel_func"); !errors.Is(err, loader.ErrBadImageID) {
		t.Errorf("unknown image: want ErrBadImageID, got %v", err)
	}
}

func TestKernelAddOn(t *testing.T) {
	e := newEnv(t)
	base := e.usage()
	k := e.l.KernelImage()

	e.fs.Add("/add-ons/bus", addOnBuilder().Build().Bytes)
	id, err := e.l.LoadKernelAddOn("/add-ons/bus")
	if err != nil {
		t.Fatal(err)
	}
	img := e.image(id)
	if img.Refs() != 1 || img.Name() != "/add-ons/bus" {
		t.Errorf("image %s has %d references", img.Name(), img.Refs())
	}
	if diff := cmp.Diff([]string{"kernel_x86_64"}, img.Needed()); diff != "" {
		t.Errorf("needed (-want +got):\n%s", diff)
	}

	want := []uint64{k.Delta() + 0x100, img.Delta() + 0x100, 0, img.Delta() + 0x100}
	if diff := cmp.Diff(want, words(t, img, dataAddr, 4)); diff != "" {
		t.Errorf("relocated data (-want +got):\n%s", diff)
	}

	// Final protections.
	for _, r := range img.Regions() {
		a, ok := e.kspace.Area(r.AreaID)
		if !ok {
			t.Fatalf("region %v has no area", r)
		}
		wantProt := loader.ProtRead | loader.ProtWrite
		if r.Start == img.Text.Start {
			wantProt = loader.ProtRead | loader.ProtExec
		}
		if a.Prot != wantProt {
			t.Errorf("area %s: protection %v, want %v", a.Name, a.Prot, wantProt)
		}
	}
	if n := len(img.Regions()); n != 3 {
		t.Errorf("want text, data and bss areas, got %d", n)
	}

	reg := e.l.Registry()
	if got := reg.LookupAtAddress(img.Text.Start + 4); got != img {
		t.Errorf("LookupAtAddress(add-on text) = %v", got)
	}
	if got := reg.LookupAtAddress(img.Data.End() - 1); got != img {
		t.Errorf("LookupAtAddress(add-on bss) = %v", got)
	}
	if got := reg.LookupAtAddress(k.Text.Start); got != k {
		t.Errorf("LookupAtAddress(kernel text) = %v", got)
	}
	if imgs := reg.Images(); len(imgs) != 2 || imgs[0] != k || imgs[1] != img {
		t.Errorf("Images() = %v", imgs)
	}

	if addr, err := e.l.ImageSymbol(id, "addon_init"); err != nil || addr != img.Delta()+0x100 {
		t.Errorf("addon_init: got %#x, %v", addr, err)
	}
	// Undefined references are not definitions.
	if _, err := e.l.ImageSymbol(id, "kernel_func"); !errors.Is(err, loader.ErrMissingSymbol) {
		t.Errorf("undefined kernel_func: want ErrMissingSymbol, got %v", err)
	}

	if err := e.l.UnloadKernelAddOn(id); err != nil {
		t.Fatal(err)
	}
	e.checkUsage("after unload", base)
	if _, ok := reg.Lookup(id); ok {
		t.Errorf("image %d still registered", id)
	}
	if got := reg.LookupAtAddress(img.Text.Start); got != nil {
		t.Errorf("LookupAtAddress after unload = %v", got)
	}
	if err := e.l.UnloadKernelAddOn(id); !errors.Is(err, loader.ErrBadImageID) {
		t.Errorf("second unload: want ErrBadImageID, got %v", err)
	}
	if err := e.l.UnloadKernelAddOn(k.ID()); !errors.Is(err, loader.ErrBadImageID) {
		t.Errorf("unloading the kernel: want ErrBadImageID, got %v", err)
	}
}

func TestAddOnReferenceCount(t *testing.T) {
	e := newEnv(t)
	base := e.usage()
	e.fs.Add("/add-ons/a", addOnBuilder().Build().Bytes)
	if err := e.fs.Link("/add-ons/a", "/add-ons/b"); err != nil {
		t.Fatal(err)
	}

	id1, err := e.l.LoadKernelAddOn("/add-ons/a")
	if err != nil {
		t.Fatal(err)
	}
	areas := e.kspace.Areas()
	id2, err := e.l.LoadKernelAddOn("/add-ons/b")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("same file loaded twice as %d and %d", id1, id2)
	}
	img := e.image(id1)
	if img.Refs() != 2 {
		t.Errorf("refs = %d, want 2", img.Refs())
	}
	if e.kspace.Areas() != areas || e.fs.OpenFiles() != base.files+1 {
		t.Errorf("second load mapped or kept open new resources")
	}

	if err := e.l.UnloadKernelAddOn(id1); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.l.Registry().Lookup(id1); !ok || img.Refs() != 1 {
		t.Errorf("image unloaded with a reference left")
	}
	if err := e.l.UnloadKernelAddOn(id1); err != nil {
		t.Fatal(err)
	}
	e.checkUsage("after last unload", base)
}

func TestAddOnVersions(t *testing.T) {
	for _, test := range []struct {
		name   string
		need   []elftest.VersionDef
		versym []uint16
		rev    uint16
		want   error
	}{
		{"defined", []elftest.VersionDef{{Index: 2, Name: "KERNEL_1"}}, []uint16{0, 2, 0, 1}, 0, nil},
		{"missing", []elftest.VersionDef{{Index: 2, Name: "KERNEL_9"}}, nil, 0, loader.ErrMissingSymbol},
		{"missing weak", []elftest.VersionDef{{Index: 2, Flags: verFlgWeak, Name: "KERNEL_9"}}, nil, 0, nil},
		{"base version", []elftest.VersionDef{{Index: 2, Name: "kernel_x86_64"}}, nil, 0, loader.ErrMissingSymbol},
		{"bad revision", []elftest.VersionDef{{Index: 2, Name: "KERNEL_1"}}, nil, 2, loader.ErrBadValue},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			base := e.usage()
			b := addOnBuilder()
			b.VersionNeeds = []elftest.VersionNeed{{File: "kernel_x86_64", Versions: test.need}}
			b.SymbolVersions = test.versym
			b.VersionRevision = test.rev
			e.fs.Add("/add-on", b.Build().Bytes)
			id, err := e.l.LoadKernelAddOn("/add-on")
			if test.want != nil {
				if !errors.Is(err, test.want) {
					t.Fatalf("want %v, got %v", test.want, err)
				}
				e.checkUsage("after failed load", base)
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			img := e.image(id)
			if v := img.Versions(); len(v) != 3 || v[2].Name != test.need[0].Name || v[2].FileName != "kernel_x86_64" {
				t.Errorf("versions %v", v)
			}
		})
	}
}

func TestVersionedResolution(t *testing.T) {
	e := newEnv(t)
	k := e.l.KernelImage()
	b := addOnBuilder()
	b.Symbols = append(b.Symbols, undef("vfunc", elf.STB_GLOBAL, elf.STT_FUNC))
	b.Relocs = append(b.Relocs, elftest.Reloc{Offset: dataAddr + 16, Type: uint32(elf.R_X86_64_64), Sym: 4, Addend: 2})
	b.VersionNeeds = []elftest.VersionNeed{{File: "kernel_x86_64", Versions: []elftest.VersionDef{
		{Index: 2, Name: "KERNEL_1"},
		{Index: 3, Name: "KERNEL_0"},
	}}}
	b.SymbolVersions = []uint16{0, 2, 0, 1, 3}
	e.fs.Add("/add-on", b.Build().Bytes)
	id, err := e.l.LoadKernelAddOn("/add-on")
	if err != nil {
		t.Fatal(err)
	}
	// vfunc@KERNEL_0 binds to the hidden definition.
	if got, want := words(t, e.image(id), dataAddr+16, 1)[0], k.Delta()+0x114+2; got != want {
		t.Errorf("vfunc@KERNEL_0 = %#x, want %#x", got, want)
	}
}

func TestResolutionOrder(t *testing.T) {
	// The add-on defines its own kernel_func and weak_func.
	build := func(symbolic bool) *elftest.Builder {
		b := addOnBuilder()
		b.Symbolic = symbolic
		b.Symbols[0] = global("kernel_func", 0x120, 4, elf.STT_FUNC)
		b.Symbols = append(b.Symbols, global("weak_func", 0x124, 4, elf.STT_FUNC))
		b.Relocs = append(b.Relocs, elftest.Reloc{Offset: dataAddr + 16, Type: uint32(elf.R_X86_64_64), Sym: 4})
		return b
	}
	for _, symbolic := range []bool{false, true} {
		e := newEnv(t)
		k := e.l.KernelImage()
		e.fs.Add("/add-on", build(symbolic).Build().Bytes)
		id, err := e.l.LoadKernelAddOn("/add-on")
		if err != nil {
			t.Fatalf("symbolic=%v: %v", symbolic, err)
		}
		img := e.image(id)
		if img.Symbolic() != symbolic {
			t.Errorf("Symbolic() = %v, want %v", img.Symbolic(), symbolic)
		}
		got := words(t, img, dataAddr, 3)
		wantFunc := k.Delta() + 0x100
		if symbolic {
			wantFunc = img.Delta() + 0x120
		}
		if got[0] != wantFunc {
			t.Errorf("symbolic=%v: kernel_func bound to %#x, want %#x", symbolic, got[0], wantFunc)
		}
		// A strong definition overrides the kernel's weak one either way.
		if want := img.Delta() + 0x124; got[2] != want {
			t.Errorf("symbolic=%v: weak_func bound to %#x, want %#x", symbolic, got[2], want)
		}
	}
}

func TestAddOnFailures(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(b *elftest.Builder)
		raw    []byte
		want   error
	}{
		{name: "missing symbol", want: loader.ErrMissingSymbol, mutate: func(b *elftest.Builder) {
			b.Symbols[1].Bind = elf.STB_GLOBAL
		}},
		{name: "type mismatch", want: loader.ErrMissingSymbol, mutate: func(b *elftest.Builder) {
			b.Symbols[0] = undef("kernel_data", elf.STB_GLOBAL, elf.STT_FUNC)
		}},
		{name: "no hash", want: loader.ErrMissingLinkingInfo, mutate: func(b *elftest.Builder) { b.NoHash = true }},
		{name: "no symtab", want: loader.ErrMissingLinkingInfo, mutate: func(b *elftest.Builder) { b.NoSymtab = true }},
		{name: "no strtab", want: loader.ErrMissingLinkingInfo, mutate: func(b *elftest.Builder) { b.NoStrtab = true }},
		{name: "no dynamic section", want: loader.ErrMissingLinkingInfo, mutate: func(b *elftest.Builder) {
			*b = elftest.Builder{Code: []byte{0xc3}, NoDynamic: true}
		}},
		{name: "relocation outside image", want: loader.ErrBadData, mutate: func(b *elftest.Builder) {
			b.Relocs[1].Offset = 0x100000
		}},
		{name: "unsupported relocation", want: loader.ErrBadData, mutate: func(b *elftest.Builder) {
			b.Relocs[1].Type = uint32(elf.R_X86_64_GOTPCREL)
		}},
		{name: "symbol index out of range", want: loader.ErrBadData, mutate: func(b *elftest.Builder) {
			b.Relocs[0].Sym = 50
		}},
		{name: "REL on x86-64", want: loader.ErrBadData, mutate: func(b *elftest.Builder) { b.Rela = false }},
		{name: "wrong machine", want: loader.ErrNotExecutable, mutate: func(b *elftest.Builder) { b.Machine = elf.EM_AARCH64 }},
		{name: "object file", want: loader.ErrNotExecutable, mutate: func(b *elftest.Builder) { b.Type = elf.ET_REL }},
		{name: "two text segments", want: loader.ErrBadData, mutate: func(b *elftest.Builder) {
			b.ExtraPhdrs = []elftest.Phdr{{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x4000, Memsz: 0x10}}
		}},
		{name: "not ELF", want: loader.ErrNotExecutable, raw: []byte("#!/bin/sh\necho hello\n")},
		{name: "empty", want: loader.ErrNotExecutable, raw: []byte{}},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			base := e.usage()
			data := test.raw
			if data == nil {
				b := addOnBuilder()
				test.mutate(b)
				data = b.Build().Bytes
			}
			e.fs.Add("/add-on", data)
			if _, err := e.l.LoadKernelAddOn("/add-on"); !errors.Is(err, test.want) {
				t.Fatalf("want %v, got %v", test.want, err)
			}
			e.checkUsage("after failed load", base)
			if n := len(e.l.Registry().Images()); n != 1 {
				t.Errorf("%d images registered, want 1", n)
			}
		})
	}

	e := newEnv(t)
	if _, err := e.l.LoadKernelAddOn("/nonexistent"); !errors.Is(err, loader.ErrIO) {
		t.Errorf("missing file: want ErrIO, got %v", err)
	}
	e.fs.Add("/add-on", addOnBuilder().Build().Bytes)
	e.fs.FailStat(errors.New("stale handle"))
	if _, err := e.l.LoadKernelAddOn("/add-on"); !errors.Is(err, loader.ErrIO) {
		t.Errorf("stat failure: want ErrIO, got %v", err)
	}
	if n := e.fs.OpenFiles(); n != 1 {
		t.Errorf("%d files open after stat failure, want 1", n)
	}
}

func TestAddOnFaultCleanup(t *testing.T) {
	image := addOnBuilder().Build().Bytes
	for _, op := range []memspace.Op{memspace.OpReserve, memspace.OpMapFile, memspace.OpCreateAnonymous, memspace.OpSetProtection, memspace.OpMemory} {
		for skip := 0; ; skip++ {
			e := newEnv(t)
			base := e.usage()
			e.fs.Add("/add-on", image)
			before := e.kspace.Calls(op)
			e.kspace.FailAfter(op, skip, nil)
			id, err := e.l.LoadKernelAddOn("/add-on")
			triggered := e.kspace.Calls(op)-before > skip
			if !triggered {
				if err != nil {
					t.Fatalf("%v fault never fired but load failed: %v", op, err)
				}
				if err := e.l.UnloadKernelAddOn(id); err != nil {
					t.Fatal(err)
				}
				e.checkUsage(fmt.Sprintf("%v, no fault", op), base)
				break
			}
			if !errors.Is(err, loader.ErrNoMemory) {
				t.Errorf("%v fault after %d calls: want ErrNoMemory, got %v", op, skip, err)
			}
			e.checkUsage(fmt.Sprintf("%v fault after %d calls", op, skip), base)
		}
	}
}

func TestAddOnReadFaultCleanup(t *testing.T) {
	image := addOnBuilder().Build().Bytes
	for skip := 0; ; skip++ {
		e := newEnv(t)
		base := e.usage()
		e.fs.Add("/add-on", image)
		before := e.fs.Reads()
		e.fs.FailReadAfter(skip, nil)
		id, err := e.l.LoadKernelAddOn("/add-on")
		if e.fs.Reads()-before <= skip {
			if err != nil {
				t.Fatalf("read fault never fired but load failed: %v", err)
			}
			if err := e.l.UnloadKernelAddOn(id); err != nil {
				t.Fatal(err)
			}
			e.checkUsage("no fault", base)
			break
		}
		if err == nil {
			t.Fatalf("read fault after %d reads: load succeeded", skip)
		}
		e.checkUsage(fmt.Sprintf("read fault after %d reads", skip), base)
	}
}

func TestDebugSymbols(t *testing.T) {
	e := newEnv(t)
	b := addOnBuilder()
	b.DebugSymbols = []elftest.Symbol{
		{Name: "local_helper", Value: 0x120, Size: 4, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC, Section: elftest.Defined},
		{Name: "no_size", Value: 0x128, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC, Section: elftest.Defined},
		{Name: "imported", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
	}
	e.fs.Add("/add-on", b.Build().Bytes)
	id, err := e.l.LoadKernelAddOn("/add-on")
	if err != nil {
		t.Fatal(err)
	}
	img := e.image(id)
	if img.DebugSymbols() == nil {
		t.Fatal("no debug symbols loaded")
	}
	if n := len(img.DebugSymbols().Syms()); n != 2 {
		t.Errorf("%d debug symbols, want 2", n)
	}

	d := img.Delta()
	for _, test := range []struct {
		addr uint64
		name string
		base uint64
	}{
		{d + 0x122, "local_helper", d + 0x120},
		{d + 0x12c, "no_size", d + 0x128},
		{d + 0x104, "addon_init", d + 0x100}, // from the dynamic symbol table
	} {
		name, base, ok := img.LookupSymbolAddress(test.addr)
		if !ok || name != test.name || base != test.base {
			t.Errorf("LookupSymbolAddress(%#x) = %q, %#x, %v; want %q, %#x", test.addr, name, base, ok, test.name, test.base)
		}
	}
	if _, _, ok := img.LookupSymbolAddress(0); ok {
		t.Errorf("LookupSymbolAddress(0) succeeded")
	}
}

func TestHashChainCycle(t *testing.T) {
	e := newEnv(t)
	b := addOnBuilder()
	b.Relocs, b.PLTRelocs = nil, nil
	built := b.Build()
	// Point every chain entry at itself.
	h := built.Bytes[built.HashOff:]
	nbucket, nchain := le.Uint32(h), le.Uint32(h[4:])
	for i := uint32(1); i < nchain; i++ {
		le.PutUint32(h[8+4*nbucket+4*i:], i)
	}
	e.fs.Add("/add-on", built.Bytes)
	id, err := e.l.LoadKernelAddOn("/add-on")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.l.ImageSymbol(id, "not_there"); !errors.Is(err, loader.ErrMissingSymbol) {
		t.Errorf("want ErrMissingSymbol, got %v", err)
	}
}

func TestLoadUserImage(t *testing.T) {
	e := newEnv(t)
	base := e.usage()
	space := memspace.New(0x10000000, 0x1000)
	b := &elftest.Builder{
		Rela: true,
		Code: make([]byte, 0x40),
		Data: make([]byte, 0x10),
		Symbols: []elftest.Symbol{
			global("main", 0x100, 0x10, elf.STT_FUNC),
			global("environ", dataAddr+8, 8, elf.STT_OBJECT),
		},
		Relocs: []elftest.Reloc{
			{Offset: dataAddr, Type: uint32(elf.R_X86_64_GLOB_DAT), Sym: 2},
			{Offset: dataAddr + 8, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x100},
		},
	}
	built := b.Build()
	e.fs.Add("/bin/app", built.Bytes)

	id, entry, err := e.l.LoadUserImage(space, "/bin/app")
	if err != nil {
		t.Fatal(err)
	}
	img := e.image(id)
	if img.Kernel() || img.Delta() == 0 {
		t.Errorf("kernel=%v delta=%#x", img.Kernel(), img.Delta())
	}
	if entry != built.Entry+img.Delta() || entry != img.Entry() {
		t.Errorf("entry %#x, want %#x", entry, built.Entry+img.Delta())
	}
	want := []uint64{img.Delta() + dataAddr + 8, img.Delta() + 0x100}
	if diff := cmp.Diff(want, words(t, img, dataAddr, 2)); diff != "" {
		t.Errorf("relocated data (-want +got):\n%s", diff)
	}
	if n := e.fs.OpenFiles(); n != base.files {
		t.Errorf("%d files open, want %d", n, base.files)
	}
	if len(e.reg.loaded) != 1 || e.reg.loaded[0].ID != id || e.reg.loaded[0].Entry != entry {
		t.Errorf("debugger notifications %+v", e.reg.loaded)
	}
	if got := e.l.Registry().LookupAtAddress(img.Text.Start); got != nil {
		t.Errorf("user image visible to kernel address lookup")
	}
	if n := space.Reservations(); n != 0 {
		t.Errorf("%d reservations left after load", n)
	}
	if err := e.l.UnloadKernelAddOn(id); !errors.Is(err, loader.ErrBadImageID) {
		t.Errorf("unloading user image as add-on: want ErrBadImageID, got %v", err)
	}

	if err := e.l.UnloadUserImage(id); err != nil {
		t.Fatal(err)
	}
	if n := space.Areas(); n != 0 {
		t.Errorf("%d areas left in user space", n)
	}
	e.checkUsage("after unload", base)
	if err := e.l.UnloadUserImage(id); !errors.Is(err, loader.ErrBadImageID) {
		t.Errorf("second unload: want ErrBadImageID, got %v", err)
	}
}

func TestLoadUserImagePacked(t *testing.T) {
	e := newEnv(t)
	space := memspace.NewTopDown(0x7fff00000000, 0x1000)
	// The image's first segment lands directly below the stack, where
	// its later segments cannot follow unless the span is reserved.
	stack, err := space.CreateAnonymous("stack", loader.AnyAddress, 0, 0x4000, loader.ProtRead|loader.ProtWrite)
	if err != nil {
		t.Fatal(err)
	}
	built := (&elftest.Builder{
		Rela:    true,
		Code:    make([]byte, 0x40),
		Data:    make([]byte, 0x10),
		BSS:     0x1800,
		Symbols: []elftest.Symbol{global("main", 0x100, 0x10, elf.STT_FUNC)},
		Relocs:  []elftest.Reloc{{Offset: dataAddr, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x100}},
	}).Build()

	var imgs []*loader.Image
	for _, path := range []string{"/bin/app", "/bin/app2"} {
		e.fs.Add(path, built.Bytes)
		id, _, err := e.l.LoadUserImage(space, path)
		if err != nil {
			t.Fatalf("loading %s: %v", path, err)
		}
		img := e.image(id)
		if got, want := words(t, img, dataAddr, 1)[0], img.Delta()+0x100; got != want {
			t.Errorf("%s: relocated word %#x, want %#x", path, got, want)
		}
		imgs = append(imgs, img)
	}
	if n := space.Reservations(); n != 0 {
		t.Errorf("%d reservations left", n)
	}
	var regions []loader.Region
	for _, img := range imgs {
		regions = append(regions, img.Regions()...)
	}
	regions = append(regions, loader.Region{Start: stack.Base, Size: stack.Size})
	for i, a := range regions {
		for _, b := range regions[i+1:] {
			if a.Start < b.End() && b.Start < a.End() {
				t.Errorf("regions %v and %v overlap", a, b)
			}
		}
	}

	for _, img := range imgs {
		if err := e.l.UnloadUserImage(img.ID()); err != nil {
			t.Fatal(err)
		}
	}
	if n := space.Areas(); n != 1 {
		t.Errorf("%d areas left, want only the stack", n)
	}
}

func TestLoadStaticImage(t *testing.T) {
	e := newEnv(t)
	base := e.usage()
	space := memspace.New(0x10000000, 0x1000)
	built := (&elftest.Builder{NoDynamic: true, Code: []byte{0xc3}, Data: []byte("static"), BSS: 0x100}).Build()
	e.fs.Add("/bin/static", built.Bytes)

	id, entry, err := e.l.LoadUserImage(space, "/bin/static")
	if err != nil {
		t.Fatal(err)
	}
	img := e.image(id)
	if entry != built.Entry+img.Delta() {
		t.Errorf("entry %#x, want %#x", entry, built.Entry+img.Delta())
	}
	mem, err := img.Memory(img.Delta()+built.DataAddr, 6)
	if err != nil {
		t.Fatal(err)
	}
	if string(mem) != "static" {
		t.Errorf("data %q, want %q", mem, "static")
	}

	if err := e.l.UnloadUserImage(id); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.l.Registry().Lookup(id); ok {
		t.Errorf("image %d still registered after unload", id)
	}
	if n, r := space.Areas(), space.Reservations(); n != 0 || r != 0 {
		t.Errorf("%d areas and %d reservations left in user space", n, r)
	}
	e.checkUsage("after unload", base)
	if err := e.l.UnloadUserImage(id); !errors.Is(err, loader.ErrBadImageID) {
		t.Errorf("second unload: want ErrBadImageID, got %v", err)
	}
}

func TestLoadUserExecutable(t *testing.T) {
	e := newEnv(t)
	space := memspace.New(0x10000000, 0x1000)
	built := (&elftest.Builder{Type: elf.ET_EXEC, TextAddr: 0x400000, Code: []byte{0xc3}}).Build()
	e.fs.Add("/bin/exec", built.Bytes)
	id, entry, err := e.l.LoadUserImage(space, "/bin/exec")
	if err != nil {
		t.Fatal(err)
	}
	img := e.image(id)
	if img.Delta() != 0 || img.Text.Start != 0x400000 || entry != built.Entry {
		t.Errorf("text %v delta %#x entry %#x", img.Text, img.Delta(), entry)
	}

	// A second copy cannot be placed at the same address.
	e.fs.Add("/bin/exec2", built.Bytes)
	if _, _, err := e.l.LoadUserImage(space, "/bin/exec2"); !errors.Is(err, loader.ErrNoMemory) {
		t.Errorf("overlapping executable: want ErrNoMemory, got %v", err)
	}
	if n := len(space.AreaList()); n != len(img.Regions()) {
		t.Errorf("%d areas, want %d", n, len(img.Regions()))
	}
}

// unalignedImage returns an executable whose only segment has a file
// offset that is not congruent to its address modulo the page size.
func unalignedImage() []byte {
	b := make([]byte, 0x1000)
	for i := 0x78; i < len(b); i++ {
		b[i] = byte(i)
	}
	copy(b, elf.ELFMAG)
	b[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(b[16:], uint16(elf.ET_EXEC))
	le.PutUint16(b[18:], uint16(elf.EM_X86_64))
	le.PutUint32(b[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(b[24:], 0x1000) // entry
	le.PutUint64(b[32:], 64)     // phoff
	le.PutUint16(b[52:], 64)     // ehsize
	le.PutUint16(b[54:], 56)     // phentsize
	le.PutUint16(b[56:], 1)      // phnum

	ph := b[64:]
	le.PutUint32(ph, uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_W))
	le.PutUint64(ph[8:], 0x78)    // offset
	le.PutUint64(ph[16:], 0x1000) // vaddr
	le.PutUint64(ph[24:], 0x1000) // paddr
	le.PutUint64(ph[32:], 0x500)  // filesz
	le.PutUint64(ph[40:], 0x2000) // memsz
	le.PutUint64(ph[48:], 0x1000) // align
	return b
}

func TestLoadUnalignedSegment(t *testing.T) {
	e := newEnv(t)
	space := memspace.New(0x10000000, 0x1000)
	file := unalignedImage()
	e.fs.Add("/bin/odd", file)
	if _, _, err := e.l.LoadUserImage(space, "/bin/odd"); err != nil {
		t.Fatal(err)
	}

	areas := space.AreaList()
	if len(areas) != 2 {
		t.Fatalf("want data and bss areas, got %d", len(areas))
	}
	data, bss := areas[0], areas[1]
	if data.Name != "odd_data" || data.Base != 0x1000 || len(data.Data) != 0x1000 {
		t.Errorf("bad data area %s at %#x, %#x bytes", data.Name, data.Base, len(data.Data))
	}
	if bss.Name != "odd_bss" || bss.Base != 0x2000 || len(bss.Data) != 0x1000 {
		t.Errorf("bad bss area %s at %#x, %#x bytes", bss.Name, bss.Base, len(bss.Data))
	}
	if diff := cmp.Diff(file[0x78:0x578], data.Data[:0x500]); diff != "" {
		t.Errorf("segment contents (-want +got):\n%s", diff)
	}
	for i, c := range data.Data[0x500:] {
		if c != 0 {
			t.Fatalf("byte %#x past the file contents is %#x, want 0", 0x500+i, c)
		}
	}
}

// fixedRegistrar hands out the same ID every time.
type fixedRegistrar struct {
	registered, unregistered []loader.ImageID
}

func (r *fixedRegistrar) RegisterImage(info loader.ImageInfo) (loader.ImageID, error) {
	r.registered = append(r.registered, 7)
	return 7, nil
}

func (r *fixedRegistrar) UnregisterImage(id loader.ImageID) error {
	r.unregistered = append(r.unregistered, id)
	return nil
}

func TestDuplicateImageID(t *testing.T) {
	fs := memspace.NewFS()
	kspace := memspace.New(0xffff800000000000, 0x1000)
	applier, err := reloc.ForArch(arch.AMD64)
	if err != nil {
		t.Fatal(err)
	}
	reg := &fixedRegistrar{}
	l, err := loader.New(loader.DefaultConfig(arch.AMD64), fs, kspace, applier, reg)
	if err != nil {
		t.Fatal(err)
	}
	fs.Add("/boot/kernel", kernelBuilder().Build().Bytes)
	if _, err := l.BootstrapKernel("/boot/kernel"); err != nil {
		t.Fatal(err)
	}
	areas := kspace.Areas()

	fs.Add("/add-on", addOnBuilder().Build().Bytes)
	if _, err := l.LoadKernelAddOn("/add-on"); !errors.Is(err, loader.ErrBadImageID) {
		t.Fatalf("want ErrBadImageID, got %v", err)
	}
	if diff := cmp.Diff([]loader.ImageID{7, 7}, reg.registered); diff != "" {
		t.Errorf("registrations (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]loader.ImageID{7}, reg.unregistered); diff != "" {
		t.Errorf("rejected image was not unregistered (-want +got):\n%s", diff)
	}
	if got := l.Registry().Images(); len(got) != 1 || got[0] != l.KernelImage() {
		t.Errorf("registered images %v, want only the kernel", got)
	}
	if n := kspace.Areas(); n != areas {
		t.Errorf("%d areas after failed load, want %d", n, areas)
	}
	if n := kspace.Reservations(); n != 0 {
		t.Errorf("%d reservations after failed load", n)
	}
	if n := fs.OpenFiles(); n != 1 {
		t.Errorf("%d files open, want only the kernel", n)
	}
}

func TestLookupAtAddressConcurrent(t *testing.T) {
	e := newEnv(t)
	k := e.l.KernelImage()
	e.fs.Add("/add-on", addOnBuilder().Build().Bytes)
	reg := e.l.Registry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if got := reg.LookupAtAddress(k.Text.Start); got != k {
					return fmt.Errorf("LookupAtAddress(kernel) = %v", got)
				}
				for _, img := range reg.Images() {
					_ = img.Name()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		for i := 0; i < 50; i++ {
			id, err := e.l.LoadKernelAddOn("/add-on")
			if err != nil {
				return err
			}
			if err := e.l.UnloadKernelAddOn(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
