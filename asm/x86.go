// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"golang.org/x/arch/x86/x86asm"
)

func disasmX86(text []byte, pc uint64, bits int) Seq {
	var out x86Seq
	for len(text) > 0 {
		inst, err := x86asm.Decode(text, bits)
		size := inst.Len
		if err != nil || size == 0 || inst.Op == 0 {
			inst = x86asm.Inst{}
			size = 1
		}
		out = append(out, x86Inst{inst, pc, size})

		text = text[size:]
		pc += uint64(size)
	}
	return out
}

type x86Seq []x86Inst

func (s x86Seq) Len() int {
	return len(s)
}

func (s x86Seq) Get(i int) Inst {
	return &s[i]
}

type x86Inst struct {
	x86asm.Inst
	pc   uint64
	size int
}

func (i *x86Inst) GoSyntax(symName SymName) string {
	if i.Op == 0 {
		return "?"
	}
	var fn func(uint64) (string, uint64)
	if symName != nil {
		fn = symName
	}
	return x86asm.GoSyntax(i.Inst, i.pc, fn)
}

func (i *x86Inst) PC() uint64 {
	return i.pc
}

// Len returns the decoded length, or 1 for an undecodable byte.
func (i *x86Inst) Len() int {
	return i.size
}

func (i *x86Inst) Control() Control {
	c := Control{TargetPC: NoTarget}

	// REP-prefixed instructions loop on themselves.
	for _, pfx := range i.Inst.Prefix {
		if pfx == 0 {
			break
		}
		if pfx == x86asm.PrefixREP || pfx == x86asm.PrefixREPN {
			c.Type = ControlJump
			c.Conditional = true
			c.TargetPC = i.pc
			return c
		}
	}

	switch i.Op {
	default:
		return c
	case x86asm.CALL, x86asm.LCALL, x86asm.SYSCALL, x86asm.SYSENTER:
		c.Type = ControlCall
	case x86asm.RET, x86asm.LRET, x86asm.SYSRET, x86asm.SYSEXIT, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		c.Type = ControlRet
		return c
	case x86asm.UD1, x86asm.UD2, x86asm.HLT:
		c.Type = ControlExit
		return c
	case x86asm.JMP, x86asm.LJMP:
		c.Type = ControlJump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.XBEGIN:
		c.Type = ControlJump
		c.Conditional = true
	}
	// SYSCALL and friends have no operand.
	if i.Args[0] == nil {
		return c
	}
	c.Target = i.Args[0]
	switch arg := i.Args[0].(type) {
	case x86asm.Rel:
		c.TargetPC = uint64(int64(i.pc) + int64(i.size) + int64(arg))
	case x86asm.Reg, x86asm.Mem:
		if c.Type == ControlJump {
			c.Type = ControlJumpUnknown
		}
	}
	return c
}
