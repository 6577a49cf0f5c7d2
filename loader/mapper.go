// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"fmt"
	"path"

	"k8s.io/klog/v2"
)

func (img *Image) areaName(kind string) string {
	return path.Base(img.name) + "_" + kind
}

// mapSegments reserves one range spanning the whole plan and maps each
// segment at its offset inside it. If fixed is set the image must be
// placed at the addresses it asks for.
//
// Reserving first keeps the gaps between segments away from other
// mappings until every segment is in place.
func (img *Image) mapSegments(f File, plan *segmentPlan, fixed bool, cfg *Config) error {
	base, err := img.space.ReserveRange(plan.span, plan.start)
	if err != nil {
		return vmError(fmt.Sprintf("reserving %#x bytes", plan.span), err)
	}
	img.reserved = Region{Start: base, Size: plan.span}
	img.hasReserve = true
	defer img.unreserve()

	if cfg.pageOffset(base) != 0 {
		return fmt.Errorf("%w: reservation at unaligned address %#x", ErrNoMemory, base)
	}
	if fixed && base != plan.start {
		if img.kernel {
			return badData("fixed-address image wants %#x but was reserved at %#x", plan.start, base)
		}
		// Another image already holds the executable's addresses.
		return fmt.Errorf("%w: [%#x,+%#x) is in use", ErrNoMemory, plan.start, plan.span)
	}
	img.delta = base - plan.start
	for i := range plan.segments {
		seg := &plan.segments[i]
		if _, err := img.mapSegment(f, seg, ExactAddress, seg.start+img.delta, cfg); err != nil {
			return err
		}
	}
	return nil
}

// unreserve releases the reservation made by mapSegments, if it is
// still held.
func (img *Image) unreserve() {
	if !img.hasReserve {
		return
	}
	img.hasReserve = false
	if err := img.space.UnreserveRange(img.reserved.Start, img.reserved.Size); err != nil {
		klog.Warningf("%s: unreserving [%#x,+%#x): %v", img.name, img.reserved.Start, img.reserved.Size, err)
	}
}

// addMapping records a newly created area. The area is recorded before
// it is checked so teardown releases it either way.
func (img *Image) addMapping(name string, a Area, placement Placement, addr, size uint64, final Protection, cfg *Config) (*mapping, error) {
	img.mappings = append(img.mappings, mapping{
		Region: Region{AreaID: a.ID, Start: a.Base, Size: size},
		name:   name,
		prot:   ProtRead | ProtWrite,
		final:  final,
	})
	m := &img.mappings[len(img.mappings)-1]
	if placement == ExactAddress && a.Base != addr {
		return nil, fmt.Errorf("%w: %s placed at %#x, want %#x", ErrNoMemory, name, a.Base, addr)
	}
	if cfg.pageOffset(a.Base) != 0 || a.Size < size {
		return nil, fmt.Errorf("%w: %s area [%#x,+%#x) does not fit %#x bytes", ErrNoMemory, name, a.Base, a.Size, size)
	}
	return m, nil
}

// mapSegment creates the areas of one segment. All areas are created
// read-write so relocations can be applied; setFinalProtections
// tightens them afterwards.
//
// A writable segment maps only its file-backed pages and gets an
// anonymous area for the rest. A read-only segment is mapped from the
// file in full.
func (img *Image) mapSegment(f File, seg *segment, placement Placement, addr uint64, cfg *Config) (Region, error) {
	kind := "text"
	if seg.writable {
		kind = "data"
	}
	final := seg.protection()
	const rw = ProtRead | ProtWrite

	var fileLen uint64
	if seg.phdr.filesz > 0 {
		fileLen = seg.size
		if seg.writable {
			fileLen = seg.fileLen(cfg)
		}
	}

	var first Region
	if fileLen > 0 {
		name := img.areaName(kind)
		var a Area
		var err error
		if seg.copyIn {
			a, err = img.space.CreateAnonymous(name, placement, addr, fileLen, rw)
		} else {
			a, err = img.space.MapFile(name, f, int64(seg.fileOffset), fileLen, placement, addr, rw)
		}
		if err != nil {
			return Region{}, vmError(fmt.Sprintf("mapping %s at %#x", name, addr), err)
		}
		m, err := img.addMapping(name, a, placement, addr, fileLen, final, cfg)
		if err != nil {
			return Region{}, err
		}
		first = m.Region

		contentStart := first.Start + seg.pageOffset
		if seg.copyIn {
			mem, err := img.Memory(contentStart, seg.phdr.filesz)
			if err != nil {
				return Region{}, err
			}
			if err := readFull(f, mem, seg.phdr.off, kind+" segment"); err != nil {
				return Region{}, err
			}
		}
		// The last file page holds whatever follows the segment in the
		// file. Clear it.
		contentEnd := contentStart + seg.phdr.filesz
		if tail := first.End() - contentEnd; tail > 0 {
			mem, err := img.Memory(contentEnd, tail)
			if err != nil {
				return Region{}, err
			}
			clear(mem)
		}
		placement, addr = ExactAddress, first.End()
	}

	if fileLen < seg.size {
		name := img.areaName("bss")
		a, err := img.space.CreateAnonymous(name, placement, addr, seg.size-fileLen, rw)
		if err != nil {
			return Region{}, vmError(fmt.Sprintf("creating %s at %#x", name, addr), err)
		}
		m, err := img.addMapping(name, a, placement, addr, seg.size-fileLen, final, cfg)
		if err != nil {
			return Region{}, err
		}
		if fileLen == 0 {
			first = m.Region
		}
	}

	r := Region{AreaID: first.AreaID, Start: first.Start, Size: seg.size, Delta: first.Start - seg.start}
	for i := range img.mappings {
		if img.mappings[i].Start >= r.Start && img.mappings[i].Start < r.End() {
			img.mappings[i].Delta = r.Delta
		}
	}
	if seg.writable {
		if img.Data.Size == 0 {
			img.Data = r
		}
	} else if img.Text.Size == 0 {
		img.Text = r
	}
	return r, nil
}

// setFinalProtections replaces the temporary write access of every
// area with the protection its segment declares.
func (img *Image) setFinalProtections() error {
	for i := range img.mappings {
		m := &img.mappings[i]
		if m.prot == m.final {
			continue
		}
		if err := img.space.SetProtection(m.AreaID, m.final); err != nil {
			return vmError(fmt.Sprintf("protecting %s", m.name), err)
		}
		m.prot = m.final
	}
	return nil
}
