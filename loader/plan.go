// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"debug/elf"
	"math"

	"k8s.io/klog/v2"
)

// ptRISCVAttributes is PT_RISCV_ATTRIBUTES, which debug/elf does not
// define.
const ptRISCVAttributes elf.ProgType = 0x70000003

// stnUndef is the undefined symbol index, STN_UNDEF.
const stnUndef = 0

// segment is a PT_LOAD entry that passed validation.
type segment struct {
	phdr       progHeader
	pageOffset uint64 // vaddr % page size
	start      uint64 // page-aligned intended address
	size       uint64 // page-rounded memory size
	fileOffset uint64 // page-aligned file offset
	writable   bool
	// copyIn is set if the file offset and address of the segment
	// differ modulo the page size, so the file cannot be mapped
	// directly and its contents must be read into anonymous memory.
	copyIn bool
}

// fileLen returns the page-rounded length of the file-backed part of
// s.
func (s *segment) fileLen(cfg *Config) uint64 {
	if s.phdr.filesz == 0 {
		return 0
	}
	// Cannot overflow: pageOffset+filesz <= pageOffset+memsz <= size.
	n, _ := cfg.pageUp(s.pageOffset+s.phdr.filesz, math.MaxUint64)
	return n
}

func (s *segment) protection() Protection {
	var p Protection
	if s.phdr.flags&elf.PF_R != 0 {
		p |= ProtRead
	}
	if s.phdr.flags&elf.PF_W != 0 {
		p |= ProtWrite
	}
	if s.phdr.flags&elf.PF_X != 0 {
		p |= ProtExec
	}
	return p
}

// segmentPlan is the validated memory layout of an image.
type segmentPlan struct {
	segments []segment
	start    uint64 // page-aligned lowest intended address
	span     uint64 // bytes from start to the end of the last segment

	dynamicAddr, dynamicSize uint64
}

// maxAddr returns the largest address of class c.
func maxAddr(c elf.Class) uint64 {
	if c == elf.ELFCLASS32 {
		return math.MaxUint32
	}
	return math.MaxUint64
}

// planSegments validates the program headers of an image and computes
// its memory layout. Every size and address is checked for overflow
// before it is used.
func planSegments(phdrs []progHeader, fileSize int64, class elf.Class, kernel bool, cfg *Config) (*segmentPlan, error) {
	plan := &segmentPlan{}
	limit := maxAddr(class)
	var total uint64 // sum of segment sizes
	var end uint64
	var text, data int

	for i := range phdrs {
		p := &phdrs[i]
		switch p.typ {
		case elf.PT_LOAD:
			// Handled below.
		case elf.PT_DYNAMIC:
			plan.dynamicAddr = p.vaddr
			plan.dynamicSize = p.memsz
			continue
		case elf.PT_NULL, elf.PT_INTERP, elf.PT_PHDR, elf.PT_NOTE, elf.PT_TLS,
			elf.PT_GNU_STACK, elf.PT_GNU_EH_FRAME, elf.PT_GNU_RELRO,
			elf.PT_ARM_EXIDX, ptRISCVAttributes:
			continue
		default:
			klog.V(2).Infof("ignoring program header %d of type %#x", i, uint32(p.typ))
			continue
		}

		if p.filesz > p.memsz {
			return nil, badData("segment %d: file size %#x exceeds memory size %#x", i, p.filesz, p.memsz)
		}
		if p.memsz == 0 {
			klog.V(2).Infof("skipping empty segment %d", i)
			continue
		}
		pageOffset := cfg.pageOffset(p.vaddr)
		if p.memsz > limit-pageOffset {
			return nil, badData("segment %d: memory size %#x overflows at page offset %#x", i, p.memsz, pageOffset)
		}
		rawSize := p.memsz + pageOffset
		size, ok := cfg.pageUp(rawSize, limit)
		if !ok || size == 0 {
			return nil, badData("segment %d: size %#x overflows when page rounded", i, rawSize)
		}
		if p.filesz > 0 {
			if p.off > math.MaxInt64 || !fileRangeOK(p.off, p.filesz, fileSize) {
				return nil, badData("segment %d: file range [%#x,+%#x) exceeds file size %#x", i, p.off, p.filesz, fileSize)
			}
		}
		start := p.vaddr - pageOffset
		if start > limit-size {
			return nil, badData("segment %d: range [%#x,+%#x) wraps the address space", i, start, size)
		}
		if len(plan.segments) > 0 && start < end {
			return nil, badData("segment %d at %#x overlaps or precedes previous segment ending at %#x", i, start, end)
		}

		writable := p.flags&elf.PF_W != 0
		if writable {
			data++
		} else {
			text++
		}
		if kernel && (text > 1 || data > 1) {
			return nil, badData("segment %d: kernel images may have one text and one data segment", i)
		}

		if len(plan.segments) == 0 {
			plan.start = start
		}
		end = start + size
		total += size
		plan.segments = append(plan.segments, segment{
			phdr:       *p,
			pageOffset: pageOffset,
			start:      start,
			size:       size,
			fileOffset: p.off - cfg.pageOffset(p.off),
			writable:   writable,
			copyIn:     p.filesz > 0 && cfg.pageOffset(p.off) != pageOffset,
		})
	}

	if len(plan.segments) == 0 {
		return nil, badData("no loadable segments")
	}
	plan.span = end - plan.start
	// Segments are ordered and disjoint, so total <= span and the sum
	// cannot overflow.
	if plan.span-total > cfg.LayoutSlack {
		return nil, badData("segments span %#x bytes but only %#x are used (slack limit %#x)", plan.span, total, cfg.LayoutSlack)
	}
	return plan, nil
}
