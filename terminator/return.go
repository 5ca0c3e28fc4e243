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

// CompileReturn compiles a block whose terminator is RET. In place of the
// original RET, the generated code peeks the real return address off the
// stack and checks it against the Return-Stack Buffer's most recent
// prediction; on a match it pops that entry and jumps straight to the
// predicted pool address, skipping both translation lookup and the trip
// through the patcher. On a miss -- buf is empty, the predicted OA doesn't
// match, or the entry's PA is still 0 -- it leaves the entry in place and falls
// through to a breakpoint stub with the real return address left on top
// of the stack, exactly where a plain RET would have found it, so the
// patcher's fault handler can read and resolve it normally.
func CompileReturn(pool *codecache.Pool, b *block.Block, buf *rsb.RSB) (*Compiled, error) {
	if b.Terminator.Kind() != decode.Return {
		return nil, fmt.Errorf("terminator: CompileReturn: block at %#x does not end in a return", b.OA)
	}

	epilogue, err := assembleReturnEpilogue(buf)
	if err != nil {
		return nil, err
	}
	stub := buildStub(TagReturnMiss)

	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	total := bodyLen + len(epilogue) + len(stub)

	entry, err := pool.Reserve(total)
	if err != nil {
		return nil, fmt.Errorf("terminator: Reserve: %w", err)
	}

	body, err := relocateBody(b, entry)
	if err != nil {
		return nil, err
	}

	stubAddr := entry + codecache.PoolAddr(bodyLen+len(epilogue))
	full := append(append(body, epilogue...), stub...)
	if err := pool.WriteAt(entry, full); err != nil {
		return nil, err
	}

	return &Compiled{
		OA:    b.OA,
		Entry: entry,
		Stubs: []Stub{{Addr: stubAddr, Tag: TagReturnMiss}},
	}, nil
}

// assembleReturnEpilogue builds the RSB-predicted-return sequence
// described above. It is position independent: every address it touches
// is an absolute constant (the RSB's fixed home in the pool), so it
// assembles identically no matter where it ends up living.
func assembleReturnEpilogue(buf *rsb.RSB) ([]byte, error) {
	builder, err := asm.NewBuilder("amd64", 32)
	if err != nil {
		return nil, err
	}

	emit := func(as obj.As, toReg int16, toType obj.AddrType, toOff int64, fromReg int16, fromType obj.AddrType, fromOff int64, scale int16, index int16) *obj.Prog {
		p := builder.NewProg()
		p.As = as
		p.To.Type = toType
		p.To.Reg = toReg
		p.To.Offset = toOff
		p.From.Type = fromType
		p.From.Reg = fromReg
		p.From.Offset = fromOff
		p.From.Scale = scale
		p.From.Index = index
		builder.AddInstruction(p)
		return p
	}

	// unary emits a single-operand instruction (PUSHQ, POPQ, DECQ), whose
	// sole operand is classified through Prog.From with To left as
	// TYPE_NONE, per this assembler's convention for one-operand forms.
	unary := func(as obj.As, reg int16) *obj.Prog {
		p := builder.NewProg()
		p.As = as
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
		builder.AddInstruction(p)
		return p
	}

	// push rax; push rcx; push rdx
	unary(x86.APUSHQ, x86.REG_AX)
	unary(x86.APUSHQ, x86.REG_CX)
	unary(x86.APUSHQ, x86.REG_DX)

	// movq rax, [rsp+24]   ; peek the real return address below our 3 pushes
	emit(x86.AMOVQ, x86.REG_AX, obj.TYPE_REG, 0, x86.REG_SP, obj.TYPE_MEM, 24, 0, 0)

	// movq rcx, $indexAddr ; movq rcx, [rcx]
	emit(x86.AMOVQ, x86.REG_CX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, int64(buf.IndexAddr()), 0, 0)
	emit(x86.AMOVQ, x86.REG_CX, obj.TYPE_REG, 0, x86.REG_CX, obj.TYPE_MEM, 0, 0, 0)

	// decq rcx; andq rcx, $(capacity-1)
	unary(x86.ADECQ, x86.REG_CX)
	mask, err := capacityMask(buf.Capacity())
	if err != nil {
		return nil, err
	}
	emit(x86.AANDQ, x86.REG_CX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, mask, 0, 0)

	// movq rdx, $entryBase ; leaq rdx, [rdx+rcx*16]
	emit(x86.AMOVQ, x86.REG_DX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, int64(buf.EntryAddr(0)), 0, 0)
	emit(x86.ALEAQ, x86.REG_DX, obj.TYPE_REG, 0, x86.REG_DX, obj.TYPE_MEM, 0, 16, x86.REG_CX)

	// cmpq [rdx], rax
	cmp := builder.NewProg()
	cmp.As = x86.ACMPQ
	cmp.From.Type = obj.TYPE_MEM
	cmp.From.Reg = x86.REG_DX
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = x86.REG_AX
	builder.AddInstruction(cmp)

	miss := builder.NewProg()
	miss.As = obj.ANOP

	jne := builder.NewProg()
	jne.As = x86.AJNE
	jne.To.Type = obj.TYPE_BRANCH
	jne.To.Val = miss
	builder.AddInstruction(jne)

	// hit path: movq rax, [rdx+8] ; testq rax, rax ; je miss (PA 0: never backfilled)
	emit(x86.AMOVQ, x86.REG_AX, obj.TYPE_REG, 0, x86.REG_DX, obj.TYPE_MEM, 8, 0, 0)
	emit(x86.ATESTQ, x86.REG_AX, obj.TYPE_REG, 0, x86.REG_AX, obj.TYPE_REG, 0, 0, 0)
	jz := builder.NewProg()
	jz.As = x86.AJEQ
	jz.To.Type = obj.TYPE_BRANCH
	jz.To.Val = miss
	builder.AddInstruction(jz)

	// pop the entry: movq rdx, $indexAddr ; movq [rdx], rcx
	emit(x86.AMOVQ, x86.REG_DX, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, int64(buf.IndexAddr()), 0, 0)
	emit(x86.AMOVQ, x86.REG_DX, obj.TYPE_MEM, 0, x86.REG_CX, obj.TYPE_REG, 0, 0, 0)

	// pop rdx; pop rcx; addq rsp, 16; jmp rax
	unary(x86.APOPQ, x86.REG_DX)
	unary(x86.APOPQ, x86.REG_CX)
	emit(x86.AADDQ, x86.REG_SP, obj.TYPE_REG, 0, 0, obj.TYPE_CONST, 16, 0, 0)

	jmp := builder.NewProg()
	jmp.As = obj.AJMP
	jmp.To.Type = obj.TYPE_REG
	jmp.To.Reg = x86.REG_AX
	builder.AddInstruction(jmp)

	// miss path: pop rdx; pop rcx; pop rax (real return address left on top)
	builder.AddInstruction(miss)
	unary(x86.APOPQ, x86.REG_DX)
	unary(x86.APOPQ, x86.REG_CX)
	unary(x86.APOPQ, x86.REG_AX)

	return builder.Assemble(), nil
}

func capacityMask(capacity int) (int64, error) {
	if capacity&(capacity-1) != 0 {
		return 0, fmt.Errorf("terminator: RSB capacity %d is not a power of two", capacity)
	}
	return int64(capacity - 1), nil
}
