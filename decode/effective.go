// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import "golang.org/x/arch/x86/x86asm"

// IndirectOperandAddr computes the memory address a memory-operand
// indirect JMP/CALL reads its target from (e.g. the address of the 8-byte
// slot in "jmp [rax+rcx*8+16]"), given a callback that resolves a GP
// register to its current value. It returns false if the instruction is
// not an indirect branch, or addresses its target through a bare register
// rather than memory (see IndirectTargetReg for that case), or uses a
// segment override or addressing mode this module does not model.
//
// gp is supplied by the caller (package patcher) rather than threading a
// concrete register-file type through this package, keeping decode free of
// a dependency on tracee.Regs.
func (i Inst) IndirectOperandAddr(gp func(x86asm.Reg) (uint64, bool)) (uintptr, bool) {
	if i.Kind() != IndirectJump && i.Kind() != IndirectCall {
		return 0, false
	}
	for _, a := range i.xi.Args {
		mem, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Segment != 0 {
			return 0, false
		}
		var addr uint64
		if mem.Base == x86asm.RIP {
			// RIP-relative: disp is relative to the address of the
			// following instruction in the ORIGINAL address space, not
			// wherever this stub happens to execute from.
			addr = uint64(i.Addr) + uint64(i.Len) + uint64(mem.Disp)
			return uintptr(addr), true
		}
		if mem.Base != 0 {
			v, ok := gp(mem.Base)
			if !ok {
				return 0, false
			}
			addr += v
		}
		if mem.Index != 0 {
			v, ok := gp(mem.Index)
			if !ok {
				return 0, false
			}
			addr += v * uint64(mem.Scale)
		}
		addr += uint64(mem.Disp)
		return uintptr(addr), true
	}
	return 0, false
}
