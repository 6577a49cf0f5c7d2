// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package hostvm implements the loader's address space and file system
// on the host operating system.
//
// Areas are real mappings in the calling process. Nothing loaded this
// way is ever executed; the mappings exist so images can be inspected
// and relocated in place.
package hostvm

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"unsafe"

	"github.com/aclements/go-elfload/loader"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

type area struct {
	name string
	mem  []byte
	prot loader.Protection
}

func (a *area) base() uint64 { return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))) }
func (a *area) end() uint64  { return a.base() + uint64(len(a.mem)) }

type span struct {
	base, size uint64
}

func (s span) end() uint64 { return s.base + s.size }

// Space is an address space made of mappings in the current process.
type Space struct {
	pageSize uint64

	mu           sync.Mutex
	nextID       loader.AreaID
	areas        map[loader.AreaID]*area
	reservations []span
}

// New returns an empty address space.
func New() *Space {
	return &Space{
		pageSize: uint64(unix.Getpagesize()),
		nextID:   1,
		areas:    make(map[loader.AreaID]*area),
	}
}

// PageSize returns the host page size.
func (s *Space) PageSize() uint64 { return s.pageSize }

func (s *Space) pageUp(v uint64) uint64 {
	return (v + s.pageSize - 1) &^ (s.pageSize - 1)
}

func unixProt(p loader.Protection) int {
	prot := unix.PROT_NONE
	if p&loader.ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&loader.ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&loader.ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// reserved returns the reservation containing [base, base+size), if
// any.
func (s *Space) reserved(base, size uint64) (span, bool) {
	for _, r := range s.reservations {
		if base >= r.base && size <= r.size && base-r.base <= r.size-size {
			return r, true
		}
	}
	return span{}, false
}

// mmap creates an anonymous mapping of size bytes according to
// placement. An exact mapping may only replace pages of a reservation.
func (s *Space) mmap(placement loader.Placement, addr, size uint64, prot int) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("empty mapping at %#x", addr)
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	var hint unsafe.Pointer
	if placement == loader.ExactAddress {
		if addr%s.pageSize != 0 {
			return nil, fmt.Errorf("address %#x is not page aligned", addr)
		}
		if _, ok := s.reserved(addr, size); ok {
			flags |= unix.MAP_FIXED
		} else {
			flags |= unix.MAP_FIXED_NOREPLACE
		}
		hint = addrPtr(addr)
	}
	// The kernel randomizes non-fixed placements when ASLR is enabled.
	p, err := unix.MmapPtr(-1, 0, hint, uintptr(size), prot, flags)
	if err != nil {
		return nil, err
	}
	mem := unsafe.Slice((*byte)(p), size)
	if placement == loader.ExactAddress && uint64(uintptr(p)) != addr {
		// Old kernels treat MAP_FIXED_NOREPLACE as a hint.
		unix.MunmapPtr(p, uintptr(size))
		return nil, fmt.Errorf("[%#x,+%#x) is in use", addr, size)
	}
	return mem, nil
}

// unmap releases mem. Areas are not Go-allocated, so they are unmapped
// by address rather than through unix.Munmap's slice bookkeeping.
func unmap(mem []byte) error {
	return unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(mem)), uintptr(len(mem)))
}

// addrPtr converts a raw address outside the Go heap, such as an mmap
// hint, to a pointer. go vet's unsafeptr check flags these conversions;
// they are sound because nothing here points into Go-managed memory.
func addrPtr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func (s *Space) add(name string, mem []byte, prot loader.Protection) loader.Area {
	a := &area{name: name, mem: mem, prot: prot}
	id := s.nextID
	s.nextID++
	s.areas[id] = a
	klog.V(2).Infof("hostvm: area %d %s [%#x,+%#x) %v", id, name, a.base(), len(mem), prot)
	return loader.Area{ID: id, Base: a.base(), Size: uint64(len(mem))}
}

func (s *Space) ReserveRange(size, hint uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size = s.pageUp(size)
	p, err := unix.MmapPtr(-1, 0, addrPtr(hint&^(s.pageSize-1)), uintptr(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, err
	}
	base := uint64(uintptr(p))
	s.reservations = append(s.reservations, span{base, size})
	return base, nil
}

// UnreserveRange drops the reservation and unmaps the pages of it that
// no area covers.
func (s *Space) UnreserveRange(base, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	size = s.pageUp(size)
	i := slices.Index(s.reservations, span{base, size})
	if i < 0 {
		return fmt.Errorf("no reservation [%#x,+%#x)", base, size)
	}
	s.reservations = append(s.reservations[:i], s.reservations[i+1:]...)

	var covered []span
	for _, a := range s.areas {
		if a.end() > base && a.base() < base+size {
			covered = append(covered, span{a.base(), uint64(len(a.mem))})
		}
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i].base < covered[j].base })
	var errs []error
	pos := base
	release := func(end uint64) {
		if end > pos {
			errs = append(errs, unix.MunmapPtr(addrPtr(pos), uintptr(end-pos)))
		}
	}
	for _, c := range covered {
		release(c.base)
		if c.end() > pos {
			pos = c.end()
		}
	}
	release(base + size)
	return errors.Join(errs...)
}

// fder is implemented by files backed by a file descriptor.
type fder interface {
	Fd() uintptr
}

// MapFile maps a private copy-on-write view of f. Pages past the end of
// the file are anonymous. Files without a descriptor are read into an
// anonymous area instead.
func (s *Space) MapFile(name string, f loader.File, offset int64, length uint64, placement loader.Placement, addr uint64, prot loader.Protection) (loader.Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || uint64(offset)%s.pageSize != 0 {
		return loader.Area{}, fmt.Errorf("file offset %#x is not page aligned", offset)
	}
	st, err := f.Stat()
	if err != nil {
		return loader.Area{}, err
	}
	var fileLen uint64
	if st.Size > offset {
		fileLen = min(length, s.pageUp(uint64(st.Size-offset)))
	}

	// Place the whole area first, then overlay the file pages.
	mem, err := s.mmap(placement, addr, length, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return loader.Area{}, err
	}
	fail := func(err error) (loader.Area, error) {
		unmap(mem)
		return loader.Area{}, err
	}
	if fd, ok := f.(fder); ok && fileLen > 0 {
		_, err := unix.MmapPtr(int(fd.Fd()), offset, unsafe.Pointer(unsafe.SliceData(mem)), uintptr(fileLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_FIXED)
		if err != nil {
			return fail(err)
		}
	} else if fileLen > 0 {
		n := min(fileLen, uint64(st.Size-offset))
		if _, err := f.ReadAt(mem[:n], offset); err != nil && !errors.Is(err, io.EOF) {
			return fail(err)
		}
	}
	if err := unix.Mprotect(mem, unixProt(prot)); err != nil {
		return fail(err)
	}
	return s.add(name, mem, prot), nil
}

func (s *Space) CreateAnonymous(name string, placement loader.Placement, addr, size uint64, prot loader.Protection) (loader.Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.mmap(placement, addr, size, unixProt(prot))
	if err != nil {
		return loader.Area{}, err
	}
	return s.add(name, mem, prot), nil
}

func (s *Space) SetProtection(id loader.AreaID, prot loader.Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.areas[id]
	if !ok {
		return fmt.Errorf("no area %d", id)
	}
	if err := unix.Mprotect(a.mem, unixProt(prot)); err != nil {
		return err
	}
	a.prot = prot
	return nil
}

// DeleteArea unmaps an area. Pages of a held reservation go back to
// being reserved.
func (s *Space) DeleteArea(id loader.AreaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.areas[id]
	if !ok {
		return fmt.Errorf("no area %d", id)
	}
	delete(s.areas, id)
	if _, ok := s.reserved(a.base(), uint64(len(a.mem))); ok {
		_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(unsafe.SliceData(a.mem)), uintptr(len(a.mem)), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)
		return err
	}
	return unmap(a.mem)
}

// Memory returns a view of mapped memory. The view honors the current
// protection of the area: writing to a read-only area faults.
func (s *Space) Memory(addr, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.areas {
		base := a.base()
		if addr >= base && addr-base <= uint64(len(a.mem)) && size <= uint64(len(a.mem))-(addr-base) {
			off := addr - base
			return a.mem[off : off+size : off+size], nil
		}
	}
	return nil, fmt.Errorf("range [%#x,+%#x) is not mapped", addr, size)
}

// Close unmaps every area and reservation.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, a := range s.areas {
		errs = append(errs, unmap(a.mem))
		delete(s.areas, id)
	}
	for _, r := range s.reservations {
		errs = append(errs, unix.MunmapPtr(addrPtr(r.base), uintptr(r.size)))
	}
	s.reservations = nil
	return errors.Join(errs...)
}
