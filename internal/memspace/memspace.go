// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memspace implements a simulated loader.AddressSpace and an
// in-memory loader.FileSystem. Both count the resources they hand out
// and can be told to fail specific operations.
package memspace

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aclements/go-elfload/loader"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// An Op names an AddressSpace operation for fault injection.
type Op int

const (
	OpReserve Op = iota
	OpUnreserve
	OpMapFile
	OpCreateAnonymous
	OpSetProtection
	OpDeleteArea
	OpMemory
	numOps
)

var opNames = [...]string{"reserve", "unreserve", "map file", "create anonymous", "set protection", "delete area", "memory"}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// fault fails the call after skipping n calls.
type fault struct {
	skip int
	err  error
}

// An Area is a simulated memory area.
type Area struct {
	ID   loader.AreaID
	Name string
	Base uint64
	Prot loader.Protection
	Data []byte
}

func (a *Area) end() uint64 { return a.Base + uint64(len(a.Data)) }

type span struct {
	base, size uint64
}

// Space is a simulated address space. Memory returned by Memory is
// backed by ordinary byte slices and is not protection checked.
//
// The zero value is not usable; use New.
type Space struct {
	pageSize uint64

	mu           sync.Mutex
	next         uint64 // next free address for non-exact placement
	topDown      bool   // place downward from next with no guard pages
	nextID       loader.AreaID
	areas        map[loader.AreaID]*Area
	reservations []span
	faults       [numOps]*fault
	calls        [numOps]int
}

// New returns an empty address space that places mappings starting at
// base.
func New(base, pageSize uint64) *Space {
	return &Space{
		pageSize: pageSize,
		next:     base,
		nextID:   1,
		areas:    make(map[loader.AreaID]*Area),
	}
}

// NewTopDown returns an empty address space that packs mappings
// downward from top, each one directly below the last. No guard pages
// separate them, so the pages around a fresh area are usually taken.
func NewTopDown(top, pageSize uint64) *Space {
	s := New(top, pageSize)
	s.topDown = true
	return s
}

// FailAfter makes the call to op after the next skip calls fail with
// err. A nil err means ErrInjected.
func (s *Space) FailAfter(op Op, skip int, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{skip, err}
}

// Calls returns how many times op has been called.
func (s *Space) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Areas returns the number of live areas.
func (s *Space) Areas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.areas)
}

// Reservations returns the number of live reservations.
func (s *Space) Reservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

// Area returns a copy of the metadata of area id.
func (s *Space) Area(id loader.AreaID) (Area, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.areas[id]
	if !ok {
		return Area{}, false
	}
	return *a, true
}

// AreaList returns all live areas in address order.
func (s *Space) AreaList() []Area {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Area, 0, len(s.areas))
	for _, a := range s.areas {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// enter records a call to op and returns an injected fault, if any.
// s.mu must be held.
func (s *Space) enter(op Op) error {
	s.calls[op]++
	f := s.faults[op]
	if f == nil {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	s.faults[op] = nil
	return f.err
}

func (s *Space) pageUp(v uint64) uint64 {
	return (v + s.pageSize - 1) &^ (s.pageSize - 1)
}

// overlaps reports whether [base, base+size) overlaps a live area.
func (s *Space) overlaps(base, size uint64) bool {
	for _, a := range s.areas {
		if base < a.end() && a.Base < base+size {
			return true
		}
	}
	return false
}

// inUse is like overlaps but also counts reservations.
func (s *Space) inUse(base, size uint64) bool {
	for _, r := range s.reservations {
		if base < r.base+r.size && r.base < base+size {
			return true
		}
	}
	return s.overlaps(base, size)
}

// place picks the address of a new mapping. s.mu must be held.
func (s *Space) place(placement loader.Placement, addr, size uint64) (uint64, error) {
	if size == 0 || size%s.pageSize != 0 {
		return 0, fmt.Errorf("size %#x is not a positive page multiple", size)
	}
	switch placement {
	case loader.ExactAddress:
		if addr%s.pageSize != 0 {
			return 0, fmt.Errorf("address %#x is not page aligned", addr)
		}
		if addr+size < addr {
			return 0, fmt.Errorf("range %#x+%#x wraps", addr, size)
		}
		if s.overlaps(addr, size) {
			return 0, fmt.Errorf("range [%#x,+%#x) is in use", addr, size)
		}
	case loader.AnyAddress, loader.RandomizedBase:
		return s.free(size)
	default:
		return 0, fmt.Errorf("unknown placement %v", placement)
	}
	s.bump(addr + size)
	return addr, nil
}

// free picks a free range of size bytes for a non-exact placement and
// moves the allocation pointer past it. s.mu must be held.
func (s *Space) free(size uint64) (uint64, error) {
	if !s.topDown {
		addr := s.next
		for s.inUse(addr, size) {
			addr += s.pageSize
		}
		s.bump(addr + size)
		return addr, nil
	}
	if size > s.next {
		return 0, fmt.Errorf("no room for %#x bytes", size)
	}
	addr := s.next - size
	for s.inUse(addr, size) {
		if addr < s.pageSize {
			return 0, fmt.Errorf("no room for %#x bytes", size)
		}
		addr -= s.pageSize
	}
	s.next = addr
	return addr, nil
}

// bump moves the allocation pointer past end, leaving a guard page.
// Top-down spaces only move the pointer in free.
func (s *Space) bump(end uint64) {
	if !s.topDown && end+s.pageSize > s.next {
		s.next = end + s.pageSize
	}
}

func (s *Space) add(name string, base uint64, data []byte, prot loader.Protection) loader.Area {
	a := &Area{ID: s.nextID, Name: name, Base: base, Prot: prot, Data: data}
	s.nextID++
	s.areas[a.ID] = a
	return loader.Area{ID: a.ID, Base: a.Base, Size: uint64(len(data))}
}

func (s *Space) ReserveRange(size, hint uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpReserve); err != nil {
		return 0, err
	}
	size = s.pageUp(size)
	if size == 0 {
		return 0, fmt.Errorf("empty reservation")
	}
	// A free, aligned hint is taken as is and leaves the allocation
	// pointer alone.
	base := hint
	if hint == 0 || hint%s.pageSize != 0 || hint+size < hint || s.inUse(hint, size) {
		var err error
		if base, err = s.free(size); err != nil {
			return 0, err
		}
	}
	s.reservations = append(s.reservations, span{base, size})
	return base, nil
}

func (s *Space) UnreserveRange(base, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUnreserve); err != nil {
		return err
	}
	size = s.pageUp(size)
	for i, r := range s.reservations {
		if r.base == base && r.size == size {
			s.reservations = append(s.reservations[:i], s.reservations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no reservation [%#x,+%#x)", base, size)
}

func (s *Space) MapFile(name string, f loader.File, offset int64, length uint64, placement loader.Placement, addr uint64, prot loader.Protection) (loader.Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMapFile); err != nil {
		return loader.Area{}, err
	}
	if offset < 0 || uint64(offset)%s.pageSize != 0 {
		return loader.Area{}, fmt.Errorf("file offset %#x is not page aligned", offset)
	}
	base, err := s.place(placement, addr, length)
	if err != nil {
		return loader.Area{}, err
	}
	data := make([]byte, length)
	if _, err := f.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return loader.Area{}, err
	}
	return s.add(name, base, data, prot), nil
}

func (s *Space) CreateAnonymous(name string, placement loader.Placement, addr, size uint64, prot loader.Protection) (loader.Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateAnonymous); err != nil {
		return loader.Area{}, err
	}
	base, err := s.place(placement, addr, size)
	if err != nil {
		return loader.Area{}, err
	}
	return s.add(name, base, make([]byte, size), prot), nil
}

func (s *Space) SetProtection(id loader.AreaID, prot loader.Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpSetProtection); err != nil {
		return err
	}
	a, ok := s.areas[id]
	if !ok {
		return fmt.Errorf("no area %d", id)
	}
	a.Prot = prot
	return nil
}

func (s *Space) DeleteArea(id loader.AreaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteArea); err != nil {
		return err
	}
	if _, ok := s.areas[id]; !ok {
		return fmt.Errorf("no area %d", id)
	}
	delete(s.areas, id)
	return nil
}

func (s *Space) Memory(addr, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMemory); err != nil {
		return nil, err
	}
	for _, a := range s.areas {
		if addr >= a.Base && addr-a.Base <= uint64(len(a.Data)) && size <= uint64(len(a.Data))-(addr-a.Base) {
			off := addr - a.Base
			return a.Data[off : off+size : off+size], nil
		}
	}
	return nil, fmt.Errorf("range [%#x,+%#x) is not mapped", addr, size)
}
