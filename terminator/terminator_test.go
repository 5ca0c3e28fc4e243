// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terminator

import (
	"testing"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/decode"
	"github.com/go-dbi/x86memcheck/internal/ptracetest"
	"github.com/go-dbi/x86memcheck/rsb"
	"github.com/go-dbi/x86memcheck/tracee"
)

// nopBlock builds a two-nop-body Block whose terminator is the decoded
// instruction found in termBytes, as if Discover had stopped there.
func nopBlock(t *testing.T, tr *tracee.Tracee, oa uintptr, termBytes []byte) *block.Block {
	t.Helper()
	nop, err := decode.Decode([]byte{0x90, 0x90}, oa)
	if err != nil {
		t.Fatalf("decoding nop: %v", err)
	}
	termAddr := oa + uintptr(nop.Len)
	padded := append(append([]byte{}, termBytes...), make([]byte, 16)...)
	term, err := decode.Decode(padded, termAddr)
	if err != nil {
		t.Fatalf("decoding terminator: %v", err)
	}
	return &block.Block{OA: oa, Insts: []decode.Inst{nop}, Terminator: term}
}

func startPool(t *testing.T) (*tracee.Tracee, *codecache.Pool, func()) {
	t.Helper()
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	pool := codecache.NewPool(tr)
	return tr, pool, func() {
		pool.Close()
		cleanup()
	}
}

func TestCompileDirectJump(t *testing.T) {
	tr, pool, cleanup := startPool(t)
	defer cleanup()

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	b := nopBlock(t, tr, pc, []byte{0xeb, 0x05}) // jmp +5

	c, err := CompileDirectJump(pool, b)
	if err != nil {
		t.Fatalf("CompileDirectJump: %v", err)
	}
	if len(c.Stubs) != 1 || c.Stubs[0].Tag != TagBranch {
		t.Fatalf("stubs = %+v, want one TagBranch stub", c.Stubs)
	}
	wantTarget := b.Terminator.BranchTarget()
	if c.Stubs[0].TargetOA != wantTarget {
		t.Errorf("TargetOA = %#x, want %#x", c.Stubs[0].TargetOA, wantTarget)
	}

	if err := ResolveStub(pool, c.Stubs[0], c.Entry); err != nil {
		t.Fatalf("ResolveStub: %v", err)
	}
}

func TestCompileDirectJcc(t *testing.T) {
	tr, pool, cleanup := startPool(t)
	defer cleanup()

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	b := nopBlock(t, tr, pc, []byte{0x74, 0x02}) // je +2

	accumAddr, err := AllocAccumulator(pool)
	if err != nil {
		t.Fatalf("AllocAccumulator: %v", err)
	}

	c, err := CompileDirectJcc(pool, b, accumAddr)
	if err != nil {
		t.Fatalf("CompileDirectJcc: %v", err)
	}
	if len(c.Stubs) != 2 {
		t.Fatalf("stubs = %+v, want two", c.Stubs)
	}
	if c.Stubs[0].Tag != TagBranch || c.Stubs[1].Tag != TagFallthrough {
		t.Errorf("tags = %v, %v, want branch, fallthrough", c.Stubs[0].Tag, c.Stubs[1].Tag)
	}
	if c.Stubs[1].TargetOA != b.Terminator.FallThrough() {
		t.Errorf("fallthrough TargetOA = %#x, want %#x", c.Stubs[1].TargetOA, b.Terminator.FallThrough())
	}
}

func TestCompileReturnHasOneReturnMissStub(t *testing.T) {
	tr, pool, cleanup := startPool(t)
	defer cleanup()

	buf, err := rsb.New(pool, 4)
	if err != nil {
		t.Fatalf("rsb.New: %v", err)
	}

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	b := nopBlock(t, tr, pc, []byte{0xc3}) // ret

	c, err := CompileReturn(pool, b, buf)
	if err != nil {
		t.Fatalf("CompileReturn: %v", err)
	}
	if len(c.Stubs) != 1 || c.Stubs[0].Tag != TagReturnMiss {
		t.Fatalf("stubs = %+v, want one TagReturnMiss stub", c.Stubs)
	}
}

func TestCompileDirectCallWithRSB(t *testing.T) {
	tr, pool, cleanup := startPool(t)
	defer cleanup()

	buf, err := rsb.New(pool, 4)
	if err != nil {
		t.Fatalf("rsb.New: %v", err)
	}

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	b := nopBlock(t, tr, pc, []byte{0xe8, 0x00, 0x00, 0x00, 0x00}) // call +0

	c, err := CompileDirectCallWithRSB(pool, b, buf)
	if err != nil {
		t.Fatalf("CompileDirectCallWithRSB: %v", err)
	}
	if len(c.Stubs) != 1 || c.Stubs[0].Tag != TagCallTarget {
		t.Fatalf("stubs = %+v, want one TagCallTarget stub", c.Stubs)
	}
}

func TestCompileIndirectJumpRegisterForm(t *testing.T) {
	tr, pool, cleanup := startPool(t)
	defer cleanup()

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	b := nopBlock(t, tr, pc, []byte{0xff, 0xe0}) // jmp rax

	reg, ok := b.Terminator.IndirectTargetReg()
	if !ok {
		t.Fatal("IndirectTargetReg: ok = false, want true for jmp rax")
	}
	if _, known := gpRegs[reg]; !known {
		t.Fatalf("gpRegs missing entry for %v", reg)
	}

	c, err := CompileIndirectJump(pool, b)
	if err != nil {
		t.Fatalf("CompileIndirectJump: %v", err)
	}
	if len(c.Stubs) != 1 || c.Stubs[0].Tag != TagIndirectMiss {
		t.Fatalf("stubs = %+v, want one TagIndirectMiss stub", c.Stubs)
	}
}

func TestCompileIndirectJumpMemoryForm(t *testing.T) {
	tr, pool, cleanup := startPool(t)
	defer cleanup()

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	b := nopBlock(t, tr, pc, []byte{0xff, 0x20}) // jmp [rax]

	if _, ok := b.Terminator.IndirectTargetReg(); ok {
		t.Fatal("IndirectTargetReg: ok = true, want false for jmp [rax]")
	}

	c, err := CompileIndirectJump(pool, b)
	if err != nil {
		t.Fatalf("CompileIndirectJump: %v", err)
	}
	if len(c.Stubs) != 1 || c.Stubs[0].Tag != TagIndirectMiss {
		t.Fatalf("stubs = %+v, want one TagIndirectMiss stub", c.Stubs)
	}
}
