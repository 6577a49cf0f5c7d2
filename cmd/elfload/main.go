// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command elfload loads an ELF image the way the kernel would and dumps
// the result.
//
// Usage:
//
//	elfload [flags] PATH
//
// By default PATH is loaded as a user executable into the host process
// (Linux only). With -addon, PATH is loaded as a kernel add-on and
// linked against the image given by -kernel. With -sim, images are read
// into memory and mapped into a simulated address space, which works on
// any host and for any supported architecture.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aclements/go-elfload/arch"
	"github.com/aclements/go-elfload/internal/memspace"
	"github.com/aclements/go-elfload/kdebug"
	"github.com/aclements/go-elfload/loader"
	"github.com/aclements/go-elfload/reloc"
	"k8s.io/klog/v2"
)

var (
	sim    = flag.Bool("sim", false, "load into a simulated address space")
	kernel = flag.String("kernel", "", "kernel image to bootstrap first")
	addon  = flag.Bool("addon", false, "load PATH as a kernel add-on; requires -kernel")
	disasm = flag.Int("disasm", 8, "number of instructions to disassemble")
	at     = flag.String("at", "", "disassemble at `symbol` instead of the entry point")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] PATH\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)
	if *addon && *kernel == "" {
		klog.Exitf("-addon requires -kernel")
	}

	a, err := archOf(path)
	if err != nil {
		klog.Exitf("%v", err)
	}
	cfg := loader.ConfigFromEnv(a)
	applier, err := reloc.ForArch(a)
	if err != nil {
		klog.Exitf("%v", err)
	}

	var fsys loader.FileSystem
	var kspace, uspace loader.AddressSpace
	if *sim {
		fsys, kspace, uspace, err = simSpaces(a, cfg.PageSize, path, *kernel)
	} else {
		fsys, kspace, uspace, err = hostSpaces(cfg.PageSize)
	}
	if err != nil {
		klog.Exitf("%v", err)
	}

	l, err := loader.New(cfg, fsys, kspace, applier, &loader.SequentialRegistrar{})
	if err != nil {
		klog.Exitf("%v", err)
	}
	if *kernel != "" {
		if _, err := l.BootstrapKernel(*kernel); err != nil {
			klog.Exitf("bootstrapping kernel: %v", err)
		}
	}

	var id loader.ImageID
	if *addon {
		id, err = l.LoadKernelAddOn(path)
	} else {
		id, _, err = l.LoadUserImage(uspace, path)
	}
	if err != nil {
		klog.Exitf("%v", err)
	}
	img, _ := l.Registry().Lookup(id)
	if err := dump(os.Stdout, kdebug.New(l.Registry()), img, *disasm, *at); err != nil {
		klog.Exitf("%v", err)
	}
}

// archOf returns the architecture path is built for.
func archOf(path string) (*arch.Arch, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	a := arch.ForMachine(f.Machine, f.Class)
	if a == nil {
		return nil, fmt.Errorf("%s: unsupported machine %v (%v)", path, f.Machine, f.Class)
	}
	return a, nil
}

// simSpaces reads paths into an in-memory file system and returns
// simulated kernel and user address spaces.
func simSpaces(a *arch.Arch, pageSize uint64, paths ...string) (loader.FileSystem, loader.AddressSpace, loader.AddressSpace, error) {
	fsys := memspace.NewFS()
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, nil, err
		}
		fsys.Add(p, data)
	}
	kbase := uint64(0xffffffff80000000)
	if a.Class == elf.ELFCLASS32 {
		kbase = 0x80000000
	}
	return fsys, memspace.New(kbase, pageSize), memspace.New(0x10000000, pageSize), nil
}

// dump describes img and disassembles n instructions of it, starting at
// the symbol at or at the entry point.
func dump(w io.Writer, d *kdebug.Debugger, img *loader.Image, n int, at string) error {
	fmt.Fprintf(w, "image %d: %s\n", img.ID(), img.Name())
	if img.SOName() != "" {
		fmt.Fprintf(w, "soname: %s\n", img.SOName())
	}
	fmt.Fprintf(w, "entry: %#x\n", img.Entry())
	fmt.Fprintf(w, "delta: %#x\n", img.Delta())
	if len(img.Needed()) > 0 {
		fmt.Fprintf(w, "needed: %s\n", strings.Join(img.Needed(), " "))
	}
	var versions []string
	for _, v := range img.Versions() {
		if v.Name != "" {
			versions = append(versions, v.String())
		}
	}
	if len(versions) > 0 {
		fmt.Fprintf(w, "versions: %s\n", strings.Join(versions, ", "))
	}
	fmt.Fprintf(w, "regions:\n")
	for _, r := range img.Regions() {
		fmt.Fprintf(w, "  %v\n", r)
	}

	fmt.Fprintf(w, "\n")
	if err := d.ListImages(w); err != nil {
		return err
	}

	start := img.Entry()
	if at != "" {
		addr, ok := kdebug.SymbolAddress(img, at)
		if !ok {
			return fmt.Errorf("%w: %s in %s", loader.ErrMissingSymbol, at, img.Name())
		}
		start = addr
	}
	if n <= 0 || !img.Contains(start) {
		return nil
	}
	symName := func(addr uint64) (string, uint64) {
		name, base, _ := img.LookupSymbolAddress(addr)
		return name, base
	}
	if img.Kernel() {
		symName = d.SymName
	}
	listing, err := kdebug.Disassemble(img, start, n, symName)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s", listing)
	return nil
}
