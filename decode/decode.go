// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode wraps golang.org/x/arch/x86/x86asm to classify and relocate
// x86-64 instructions read out of a tracee. Block discovery, the Terminator
// family, and the single-step resolution path all go through here rather
// than calling x86asm directly, so that classification (branch kind,
// relocatability) lives in one place.
package decode

import (
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

// BranchKind classifies the control-transfer shape of an instruction, if
// any. Block discovery stops a block at any instruction with a BranchKind
// other than NotBranch, and the terminator package picks the Terminator
// subclass to synthesize from this value.
type BranchKind int

const (
	NotBranch BranchKind = iota
	DirectJump
	DirectJcc
	DirectCall
	IndirectJump
	IndirectCall
	Return
)

func (k BranchKind) String() string {
	switch k {
	case NotBranch:
		return "not-branch"
	case DirectJump:
		return "direct-jump"
	case DirectJcc:
		return "direct-jcc"
	case DirectCall:
		return "direct-call"
	case IndirectJump:
		return "indirect-jump"
	case IndirectCall:
		return "indirect-call"
	case Return:
		return "return"
	default:
		return "unknown"
	}
}

// Inst is a decoded instruction together with the original address it was
// read from; everything downstream addresses instructions by OA, never by
// a raw byte offset, so Addr travels with the decode result.
type Inst struct {
	xi    x86asm.Inst
	Addr  uintptr // original address (OA) this instruction was decoded at
	Len   int
	Bytes []byte // raw encoding, exactly Len bytes; used when relocating into the code cache
}

// Decode decodes exactly one instruction from code, which must begin at
// addr in the tracee's original address space.
func Decode(code []byte, addr uintptr) (Inst, error) {
	xi, err := x86asm.Decode(code, 64)
	if err != nil {
		return Inst{}, fmt.Errorf("decode: %#x: %w", addr, err)
	}
	raw := make([]byte, xi.Len)
	copy(raw, code[:xi.Len])
	return Inst{xi: xi, Addr: addr, Len: xi.Len, Bytes: raw}, nil
}

// String returns the instruction in GNU assembler syntax; the raw
// encoding is in the Bytes field.
func (i Inst) String() string { return x86asm.GNUSyntax(i.xi, uint64(i.Addr), nil) }

// Op returns the x86asm opcode, used by the terminator package's
// prediction tables (which are keyed by instruction class/form).
func (i Inst) Op() x86asm.Op { return i.xi.Op }

// IClass collapses the many Jcc opcodes into one "class" bucket, matching
// the iclass/iform split the prediction tables are keyed on: iclass is
// coarse (e.g. "any Jcc"), iform is exact (e.g. "JE" vs "JNE").
func (i Inst) IClass() string {
	switch i.xi.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ:
		return "jcc"
	case x86asm.JMP:
		return "jmp"
	case x86asm.CALL:
		return "call"
	case x86asm.RET:
		return "ret"
	default:
		return "other"
	}
}

// IForm returns the exact mnemonic, e.g. "JE", used as the finer-grained
// prediction table key.
func (i Inst) IForm() string { return i.xi.Op.String() }

// Kind classifies the instruction's control-transfer shape.
func (i Inst) Kind() BranchKind {
	switch i.xi.Op {
	case x86asm.JMP:
		if isDirect(i.xi) {
			return DirectJump
		}
		return IndirectJump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ:
		return DirectJcc
	case x86asm.CALL:
		if isDirect(i.xi) {
			return DirectCall
		}
		return IndirectCall
	case x86asm.RET:
		return Return
	default:
		return NotBranch
	}
}

// isDirect reports whether a JMP/CALL's target operand is a PC-relative
// immediate (direct) rather than a register/memory operand (indirect).
func isDirect(xi x86asm.Inst) bool {
	for _, a := range xi.Args {
		if a == nil {
			continue
		}
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

// BranchTarget returns the resolved original address a direct branch (Jcc,
// JMP, or CALL with a Rel operand) transfers control to. It panics if Kind
// is not one of DirectJump, DirectJcc, or DirectCall; callers must check
// Kind first.
func (i Inst) BranchTarget() uintptr {
	for _, a := range i.xi.Args {
		rel, ok := a.(x86asm.Rel)
		if !ok {
			continue
		}
		return uintptr(int64(i.Addr) + int64(i.Len) + int64(rel))
	}
	panic(fmt.Sprintf("decode: BranchTarget called on non-direct-branch instruction at %#x", i.Addr))
}

// IndirectTargetReg returns the bare 64-bit register an indirect JMP/CALL
// reads its target from (e.g. "jmp rax"), and false if the instruction
// addresses its target through memory instead (e.g. "jmp [rax+8]") or is
// not an indirect branch at all. The terminator package gives register-
// operand indirect branches the full inline-cache treatment and falls
// back to an always-trap stub for the memory-operand form.
func (i Inst) IndirectTargetReg() (x86asm.Reg, bool) {
	if i.Kind() != IndirectJump && i.Kind() != IndirectCall {
		return 0, false
	}
	for _, a := range i.xi.Args {
		if a == nil {
			continue
		}
		if r, ok := a.(x86asm.Reg); ok {
			return r, true
		}
	}
	return 0, false
}

// FallThrough returns the address immediately following this instruction,
// used as a Jcc's not-taken target and as a CALL's return address.
func (i Inst) FallThrough() uintptr { return i.Addr + uintptr(i.Len) }

// IsRIPRelative reports whether the instruction addresses memory via a
// RIP-relative operand, which must be re-based when the instruction is
// relocated into the code cache (spec.md §4.1's relocation case 3).
func (i Inst) IsRIPRelative() bool {
	for _, a := range i.xi.Args {
		mem, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// Relocate returns the instruction's bytes rewritten to execute correctly
// from newAddr instead of its original address. Plain instructions copy
// verbatim: their encoding carries no absolute addressing. A RIP-relative
// instruction's displacement is recomputed so it still reaches the same
// absolute target (spec.md §4.1's relocation case 3).
func (i Inst) Relocate(newAddr uintptr) ([]byte, error) {
	if i.xi.PCRel == 0 {
		out := make([]byte, i.Len)
		copy(out, i.Bytes)
		return out, nil
	}
	oldTarget := int64(i.Addr) + int64(i.Len) + int64(i.readDisp())
	return i.reencode(newAddr, oldTarget)
}

// Redirect returns the instruction's bytes rewritten so that, placed at
// newAddr, it transfers control to newTarget instead of its original
// target. The terminator package uses this to re-point a relocated direct
// branch's own displacement at a freshly allocated stub rather than at its
// original (OA) destination; this is the only case where a branch's
// target, not merely its host address, changes.
func (i Inst) Redirect(newAddr, newTarget uintptr) ([]byte, error) {
	if i.xi.PCRel == 0 {
		return nil, fmt.Errorf("decode: Redirect: instruction at %#x has no PC-relative operand", i.Addr)
	}
	return i.reencode(newAddr, int64(newTarget))
}

func (i Inst) reencode(newAddr uintptr, absTarget int64) ([]byte, error) {
	out := make([]byte, i.Len)
	copy(out, i.Bytes)

	newDisp := absTarget - (int64(newAddr) + int64(i.Len))
	switch i.xi.PCRel {
	case 1:
		if newDisp > 127 || newDisp < -128 {
			return nil, fmt.Errorf("decode: displacement %d out of rel8 range at %#x", newDisp, i.Addr)
		}
		out[i.xi.PCRelOff] = byte(int8(newDisp))
	case 4:
		if newDisp > math.MaxInt32 || newDisp < math.MinInt32 {
			return nil, fmt.Errorf("decode: displacement %d out of rel32 range at %#x", newDisp, i.Addr)
		}
		writeRel32(out[i.xi.PCRelOff:], int32(newDisp))
	default:
		return nil, fmt.Errorf("decode: unsupported PC-relative field width %d at %#x", i.xi.PCRel, i.Addr)
	}
	return out, nil
}

func (i Inst) readDisp() int64 {
	if i.xi.PCRel == 1 {
		return int64(int8(i.Bytes[i.xi.PCRelOff]))
	}
	return int64(readRel32(i.Bytes[i.xi.PCRelOff:]))
}

func readRel32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func writeRel32(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}

// IsSequencePoint reports whether executing this instruction can observe or
// affect state outside the differential-execution sandbox, in which case
// memcheck must treat it as a synchronization point between subrounds
// (SYSCALL, LOCK-prefixed RMW, RDTSC/RDTSCP, and XBEGIN/XEND for RTM).
func (i Inst) IsSequencePoint() bool {
	switch i.xi.Op {
	case x86asm.SYSCALL, x86asm.RDTSC, x86asm.RDTSCP, x86asm.XBEGIN, x86asm.XEND:
		return true
	}
	for _, p := range i.xi.Prefix {
		if p == 0 {
			break
		}
		if p&0x0FFF == x86asm.PrefixLOCK {
			return true
		}
	}
	return false
}
