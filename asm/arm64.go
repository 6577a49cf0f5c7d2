// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"io"

	"golang.org/x/arch/arm64/arm64asm"
)

func disasmARM64(text []byte, pc uint64) Seq {
	seq := arm64Seq{text: textReader{text, pc}}
	for len(text) >= 4 {
		inst, err := arm64asm.Decode(text)
		if err != nil || inst.Op == 0 {
			inst = arm64asm.Inst{}
		}
		seq.insts = append(seq.insts, arm64Inst{inst, pc, &seq.text})

		const size = 4
		text = text[size:]
		pc += uint64(size)
	}
	return &seq
}

// textReader reads text by run-time address, for PC-relative literal
// loads.
type textReader struct {
	text []byte
	base uint64
}

func (r *textReader) ReadAt(p []byte, addr int64) (int, error) {
	off := uint64(addr) - r.base
	if uint64(addr) < r.base || off >= uint64(len(r.text)) {
		return 0, io.EOF
	}
	n := copy(p, r.text[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type arm64Seq struct {
	insts []arm64Inst
	text  textReader
}

func (s *arm64Seq) Len() int {
	return len(s.insts)
}

func (s *arm64Seq) Get(i int) Inst {
	return &s.insts[i]
}

type arm64Inst struct {
	arm64asm.Inst
	pc   uint64
	text *textReader
}

func (i *arm64Inst) GoSyntax(symName SymName) string {
	if i.Op == 0 {
		return "?"
	}
	var fn func(uint64) (string, uint64)
	if symName != nil {
		fn = symName
	}
	return arm64asm.GoSyntax(i.Inst, i.pc, fn, i.text)
}

func (i *arm64Inst) PC() uint64 {
	return i.pc
}

func (i *arm64Inst) Len() int { return 4 }

func (i *arm64Inst) Control() Control {
	c := Control{TargetPC: NoTarget}

	switch i.Op {
	case arm64asm.B, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		c.Type = ControlJump
	case arm64asm.BR:
		c.Type = ControlJumpUnknown
	case arm64asm.BL, arm64asm.BLR, arm64asm.SVC:
		c.Type = ControlCall
	case arm64asm.RET, arm64asm.ERET:
		c.Type = ControlRet
	case arm64asm.BRK, arm64asm.HLT:
		c.Type = ControlExit
	default:
		return c
	}

	switch i.Op {
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		c.Conditional = true
	}
	for _, arg := range i.Args {
		switch arg := arg.(type) {
		case arm64asm.Cond:
			c.Conditional = true
		case arm64asm.PCRel:
			c.TargetPC = uint64(int64(i.pc) + int64(arg))
			c.Target = arg
		}
	}
	return c
}
