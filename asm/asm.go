// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm disassembles the text of loaded images.
package asm

import (
	"fmt"
	"strings"

	"github.com/aclements/go-elfload/arch"
)

// Disasm disassembles machine code for the given architecture. pc is
// the run-time address at which text begins.
func Disasm(a *arch.Arch, text []byte, pc uint64) (Seq, error) {
	switch a.GoArch {
	case "amd64":
		return disasmX86(text, pc, 64), nil
	case "386":
		return disasmX86(text, pc, 32), nil
	case "arm64":
		return disasmARM64(text, pc), nil
	}
	return nil, fmt.Errorf("unsupported assembly architecture: %s", a)
}

// Seq is a sequence of instructions.
type Seq interface {
	Len() int
	Get(i int) Inst
}

// A SymName returns the name and base of the symbol containing addr,
// or "" if there is none.
type SymName func(addr uint64) (name string, base uint64)

// Inst is a single machine instruction.
type Inst interface {
	// GoSyntax returns the Go assembler syntax of this instruction.
	// symName may be nil.
	GoSyntax(symName SymName) string

	// PC returns the address of this instruction.
	PC() uint64

	// Len returns the length of this instruction in bytes.
	Len() int

	// Control returns the control-flow effects of this instruction.
	Control() Control
}

// Control captures control-flow effects of an instruction.
type Control struct {
	Type        ControlType
	Conditional bool
	// TargetPC is the destination of a direct jump or call, or
	// NoTarget.
	TargetPC uint64
	Target   Arg
}

// NoTarget is the TargetPC of an instruction without a known target.
const NoTarget = ^uint64(0)

type ControlType uint8

const (
	ControlNone ControlType = iota
	ControlJump
	ControlCall
	ControlRet

	// ControlJumpUnknown is a jump with an unknown target.
	ControlJumpUnknown

	// ControlExit is like a call that never returns.
	ControlExit
)

// Arg is an argument to an instruction.
type Arg interface {
}

// Format writes one line per instruction of seq to b, each prefixed
// with its address and, at symbol boundaries, the symbol name.
func Format(b *strings.Builder, seq Seq, symName SymName) {
	var last string
	for i := 0; i < seq.Len(); i++ {
		inst := seq.Get(i)
		if symName != nil {
			if name, base := symName(inst.PC()); name != "" && (name != last || base == inst.PC()) {
				if base == inst.PC() {
					fmt.Fprintf(b, "%s:\n", name)
				} else {
					fmt.Fprintf(b, "%s+%#x:\n", name, inst.PC()-base)
				}
				last = name
			}
		}
		fmt.Fprintf(b, "  %#x\t%s\n", inst.PC(), inst.GoSyntax(symName))
	}
}
