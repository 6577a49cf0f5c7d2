// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loader loads ELF executables and kernel add-ons into an
// address space, links them against a resolve image, and keeps track of
// the loaded images.
//
// Image files are untrusted. Every size, offset and address taken from
// a file is validated before it is used to allocate, map, read or write
// memory.
package loader

import (
	"debug/elf"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// A Loader loads images into a kernel address space and into user
// address spaces.
type Loader struct {
	cfg         Config
	fs          FileSystem
	kernelSpace AddressSpace
	applier     RelocationApplier
	registry    *Registry

	// loadMu serializes kernel image loads and unloads. It is acquired
	// before the registry lock.
	loadMu sync.Mutex
	kernel *Image
}

// New returns a Loader that reads images from fs, maps kernel images
// into kernelSpace, applies relocations with applier, and registers
// images with r.
func New(cfg Config, fs FileSystem, kernelSpace AddressSpace, applier RelocationApplier, r Registrar) (*Loader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Loader{
		cfg:         cfg,
		fs:          fs,
		kernelSpace: kernelSpace,
		applier:     applier,
		registry:    NewRegistry(r),
	}, nil
}

// Registry returns the registry of l's images.
func (l *Loader) Registry() *Registry {
	return l.registry
}

// KernelImage returns the image loaded by BootstrapKernel, or nil.
func (l *Loader) KernelImage() *Image {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	return l.kernel
}

// loaded carries the parts of a load that outlive the mapping phase.
type loaded struct {
	img    *Image
	header *elfHeader
	size   int64
}

// load reads, validates and maps the image in f, and parses its dynamic
// section if it has one. On failure everything is released, including
// f.
func (l *Loader) load(space AddressSpace, path string, f File, st FileStat, kernel bool) (ld *loaded, err error) {
	img := newImage(path, space, l.cfg.Arch, kernel)
	img.file = f
	img.vnode = st.Vnode
	defer func() {
		if err != nil {
			img.teardown()
		}
	}()

	h, err := readHeader(f, &l.cfg)
	if err != nil {
		return nil, err
	}
	phdrs, err := readProgramHeaders(f, h, st.Size, &l.cfg)
	if err != nil {
		return nil, err
	}
	plan, err := planSegments(phdrs, st.Size, h.class, kernel, &l.cfg)
	if err != nil {
		return nil, err
	}
	if err := img.mapSegments(f, plan, h.typ == elf.ET_EXEC, &l.cfg); err != nil {
		return nil, err
	}
	img.entry = h.entry + img.delta
	if plan.dynamicSize != 0 {
		img.dynamicAddr = plan.dynamicAddr + img.delta
		img.dynamicSize = plan.dynamicSize
	}

	if kernel || img.dynamicSize != 0 {
		if err := img.parseDynamicSection(); err != nil {
			return nil, err
		}
		if err := img.initVersionInfos(); err != nil {
			return nil, err
		}
	}
	return &loaded{img, h, st.Size}, nil
}

func (l *Loader) open(path string) (File, FileStat, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return nil, FileStat{}, ioError("opening "+path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, FileStat{}, ioError("stat "+path, err)
	}
	return f, st, nil
}

// finish relocates a loaded image against resolve and makes its memory
// final.
func (l *Loader) finish(ld *loaded, resolve *Image) error {
	img := ld.img
	if img.dynamicSize != 0 {
		if resolve != img {
			if err := checkNeededVersions(img, resolve); err != nil {
				return err
			}
		}
		if err := relocate(img, resolve, l.applier); err != nil {
			return err
		}
	}
	if err := img.setFinalProtections(); err != nil {
		return err
	}
	if img.kernel && l.cfg.DebugSymbols {
		if err := img.loadDebugSymbols(img.file, ld.header, ld.size, &l.cfg); err != nil {
			klog.V(1).Infof("%s: no debug symbols: %v", img.name, err)
		}
	}
	return nil
}

// BootstrapKernel loads the kernel image from path into the kernel
// address space. The kernel relocates against itself and is the
// resolve image of every kernel add-on.
func (l *Loader) BootstrapKernel(path string) (id ImageID, err error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	defer func() {
		if err != nil {
			klog.Warningf("loading kernel %s: %v", path, err)
		}
	}()
	if l.kernel != nil {
		return -1, fmt.Errorf("%w: kernel %s already loaded", ErrBadValue, l.kernel.name)
	}

	f, st, err := l.open(path)
	if err != nil {
		return -1, err
	}
	ld, err := l.load(l.kernelSpace, path, f, st, true)
	if err != nil {
		return -1, err
	}
	img := ld.img
	if err := l.finish(ld, img); err != nil {
		img.teardown()
		return -1, err
	}
	if id, err = l.registry.Insert(img); err != nil {
		img.teardown()
		return -1, err
	}
	l.kernel = img
	return id, nil
}

// LoadKernelAddOn loads the kernel add-on at path and links it against
// the kernel. If the file is already loaded, its existing ID is
// returned and its reference count incremented.
func (l *Loader) LoadKernelAddOn(path string) (id ImageID, err error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	defer func() {
		if err != nil {
			klog.Warningf("loading kernel add-on %s: %v", path, err)
		}
	}()
	if l.kernel == nil {
		return -1, fmt.Errorf("%w: no kernel image to link against", ErrBadValue)
	}

	f, st, err := l.open(path)
	if err != nil {
		return -1, err
	}
	if img := l.registry.acquireByVnode(st.Vnode); img != nil {
		f.Close()
		klog.V(1).Infof("%s: already loaded as image %d, %d references", path, img.id, img.Refs())
		return img.id, nil
	}

	ld, err := l.load(l.kernelSpace, path, f, st, true)
	if err != nil {
		return -1, err
	}
	img := ld.img
	if err := l.finish(ld, l.kernel); err != nil {
		img.teardown()
		return -1, err
	}
	if id, err = l.registry.Insert(img); err != nil {
		img.teardown()
		return -1, err
	}
	return id, nil
}

// UnloadKernelAddOn drops a reference to a kernel add-on and unloads it
// when the last reference goes away.
func (l *Loader) UnloadKernelAddOn(id ImageID) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	if l.kernel != nil && id == l.kernel.id {
		return fmt.Errorf("%w: cannot unload the kernel", ErrBadImageID)
	}
	img, last, err := l.registry.release(id, true)
	if err != nil {
		return err
	}
	if last {
		img.teardown()
	}
	return nil
}

// LoadUserImage loads the executable at path into space, relocates it
// against itself, and returns its ID and entry point.
func (l *Loader) LoadUserImage(space AddressSpace, path string) (id ImageID, entry uint64, err error) {
	defer func() {
		if err != nil {
			klog.Warningf("loading %s: %v", path, err)
		}
	}()
	f, st, err := l.open(path)
	if err != nil {
		return -1, 0, err
	}
	ld, err := l.load(space, path, f, st, false)
	if err != nil {
		return -1, 0, err
	}
	img := ld.img
	if err := l.finish(ld, img); err != nil {
		img.teardown()
		return -1, 0, err
	}
	// The mappings keep what they need of the file.
	if err := img.file.Close(); err != nil {
		klog.Warningf("%s: closing: %v", path, err)
	}
	img.file = nil

	if id, err = l.registry.Insert(img); err != nil {
		img.teardown()
		return -1, 0, err
	}
	if n, ok := l.registry.registrar.(DebugNotifier); ok {
		n.ImageLoaded(img.info())
	}
	return id, img.entry, nil
}

// UnloadUserImage unloads a user image.
func (l *Loader) UnloadUserImage(id ImageID) error {
	img, last, err := l.registry.release(id, false)
	if err != nil {
		return err
	}
	if last {
		img.teardown()
	}
	return nil
}

// ImageSymbol returns the address of the named symbol in a registered
// image.
func (l *Loader) ImageSymbol(id ImageID, name string) (uint64, error) {
	img, ok := l.registry.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrBadImageID, id)
	}
	addr, ok := img.LookupSymbol(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrMissingSymbol, name, img.name)
	}
	return addr, nil
}
