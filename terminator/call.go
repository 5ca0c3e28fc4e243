// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terminator

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/decode"
	"github.com/go-dbi/x86memcheck/rsb"
)

// CompileDirectCallWithRSB compiles a block ending in a direct CALL,
// pushing a return-address prediction onto buf before transferring
// control. The pushed entry's OA half is the real return address, a
// compile-time constant; its PA half is written as 0 (never a valid pool
// address) because the return site has not been compiled yet when the
// call site is. CompileReturn's epilogue treats a stored PA of 0 as a miss,
// and the patcher then backfills the PA into the top RSB slot (see
// patcher.Patcher.handleReturnMiss), where a later return to the same OA
// that finds that slot on top uses it. Every execution of this prologue
// stores a PA of 0 again.
func CompileDirectCallWithRSB(pool *codecache.Pool, b *block.Block, buf *rsb.RSB) (*Compiled, error) {
	if b.Terminator.Kind() != decode.DirectCall {
		return nil, fmt.Errorf("terminator: CompileDirectCallWithRSB: block at %#x does not end in a direct call", b.OA)
	}

	returnOA := b.Terminator.FallThrough()
	prologue, err := assembleCallPrologue(buf, uint64(returnOA))
	if err != nil {
		return nil, err
	}
	stub := buildStub(TagCallTarget)

	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	total := bodyLen + len(prologue) + b.Terminator.Len + len(stub)

	entry, err := pool.Reserve(total)
	if err != nil {
		return nil, fmt.Errorf("terminator: Reserve: %w", err)
	}

	body, err := relocateBody(b, entry)
	if err != nil {
		return nil, err
	}

	callAddr := uintptr(entry) + uintptr(bodyLen+len(prologue))
	stubAddr := entry + codecache.PoolAddr(bodyLen+len(prologue)+b.Terminator.Len)
	callBytes, err := b.Terminator.Redirect(callAddr, uintptr(stubAddr))
	if err != nil {
		return nil, fmt.Errorf("terminator: redirecting call at %#x: %w", b.Terminator.Addr, err)
	}

	full := append(append(body, prologue...), callBytes...)
	full = append(full, stub...)
	if err := pool.WriteAt(entry, full); err != nil {
		return nil, err
	}

	return &Compiled{
		OA:    b.OA,
		Entry: entry,
		Stubs: []Stub{{Addr: stubAddr, Tag: TagCallTarget, TargetOA: b.Terminator.BranchTarget()}},
	}, nil
}

// assembleCallPrologue builds the RSB push performed immediately before a
// predicted call: advance the circular index, store (returnOA, 0) at the
// new slot. Position independent, like assembleReturnEpilogue.
func assembleCallPrologue(buf *rsb.RSB, returnOA uint64) ([]byte, error) {
	builder, err := asm.NewBuilder("amd64", 16)
	if err != nil {
		return nil, err
	}

	binary := func(as obj.As, toReg int16, toType obj.AddrType, toOff int64, fromReg int16, fromType obj.AddrType, fromOff int64) {
		p := builder.NewProg()
		p.As = as
		p.To.Type = toType
		p.To.Reg = toReg
		p.To.Offset = toOff
		p.From.Type = fromType
		p.From.Reg = fromReg
		p.From.Offset = fromOff
		builder.AddInstruction(p)
	}
	unary := func(as obj.As, reg int16) {
		p := builder.NewProg()
		p.As = as
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
		builder.AddInstruction(p)
	}

	unary(x86.APUSHQ, x86.REG_AX)
	unary(x86.APUSHQ, x86.REG_CX)

	// movq rax, $indexAddr ; movq rcx, [rax] ; (rcx = current index)
	binary(x86.AMOVQ, x86.REG_AX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, int64(buf.IndexAddr()))
	binary(x86.AMOVQ, x86.REG_CX, obj.TYPE_REG, 0, x86.REG_AX, obj.TYPE_MEM, 0)

	mask, err := capacityMask(buf.Capacity())
	if err != nil {
		return nil, err
	}

	// entryBase + rcx*16 computed via lea into rax, reusing rax now that
	// the index address constant has been consumed.
	binary(x86.AMOVQ, x86.REG_AX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, int64(buf.EntryAddr(0)))
	lea := builder.NewProg()
	lea.As = x86.ALEAQ
	lea.To.Type = obj.TYPE_REG
	lea.To.Reg = x86.REG_AX
	lea.From.Type = obj.TYPE_MEM
	lea.From.Reg = x86.REG_AX
	lea.From.Scale = 16
	lea.From.Index = x86.REG_CX
	builder.AddInstruction(lea)

	// movq [rax], $returnOA ; movq [rax+8], $0
	storeOA := builder.NewProg()
	storeOA.As = x86.AMOVQ
	storeOA.To.Type = obj.TYPE_MEM
	storeOA.To.Reg = x86.REG_AX
	storeOA.From.Type = obj.TYPE_CONST
	storeOA.From.Offset = int64(returnOA)
	builder.AddInstruction(storeOA)

	storePA := builder.NewProg()
	storePA.As = x86.AMOVQ
	storePA.To.Type = obj.TYPE_MEM
	storePA.To.Reg = x86.REG_AX
	storePA.To.Offset = 8
	storePA.From.Type = obj.TYPE_CONST
	storePA.From.Offset = 0
	builder.AddInstruction(storePA)

	// advance and wrap the index: movq rax, $indexAddr ; movq rcx,[rax] ;
	// incq rcx ; andq rcx,$mask ; movq [rax], rcx
	binary(x86.AMOVQ, x86.REG_AX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, int64(buf.IndexAddr()))
	binary(x86.AMOVQ, x86.REG_CX, obj.TYPE_REG, 0, x86.REG_AX, obj.TYPE_MEM, 0)
	unary(x86.AINCQ, x86.REG_CX)
	binary(x86.AANDQ, x86.REG_CX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, mask)
	store := builder.NewProg()
	store.As = x86.AMOVQ
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_AX
	store.From.Type = obj.TYPE_REG
	store.From.Reg = x86.REG_CX
	builder.AddInstruction(store)

	unary(x86.APOPQ, x86.REG_CX)
	unary(x86.APOPQ, x86.REG_AX)

	return builder.Assemble(), nil
}
