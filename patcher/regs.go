// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patcher

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-dbi/x86memcheck/tracee"
)

// regValue reads the current value of one of the 16 general-purpose
// 64-bit registers out of a ptrace register snapshot, used to resolve an
// indirect branch's real target at a TagIndirectMiss trap. It reports
// false for anything not a bare 64-bit GP register (segment registers,
// RIP, sub-registers): those never appear as an indirect branch's target
// operand.
func regValue(regs *tracee.Regs, r x86asm.Reg) (uint64, bool) {
	switch r {
	case x86asm.RAX:
		return regs.Rax, true
	case x86asm.RCX:
		return regs.Rcx, true
	case x86asm.RDX:
		return regs.Rdx, true
	case x86asm.RBX:
		return regs.Rbx, true
	case x86asm.RSP:
		return regs.Rsp, true
	case x86asm.RBP:
		return regs.Rbp, true
	case x86asm.RSI:
		return regs.Rsi, true
	case x86asm.RDI:
		return regs.Rdi, true
	case x86asm.R8:
		return regs.R8, true
	case x86asm.R9:
		return regs.R9, true
	case x86asm.R10:
		return regs.R10, true
	case x86asm.R11:
		return regs.R11, true
	case x86asm.R12:
		return regs.R12, true
	case x86asm.R13:
		return regs.R13, true
	case x86asm.R14:
		return regs.R14, true
	case x86asm.R15:
		return regs.R15, true
	default:
		return 0, false
	}
}
