// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terminator

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/decode"
)

// CacheLen is the number of (OA, PA) entries an indirect jump's inline
// cache holds before the oldest is evicted on a miss.
const CacheLen = 4

// cacheEntrySize mirrors rsb's entrySize: an 8-byte OA tag and 8-byte PA.
const cacheEntrySize = 16

var gpRegs = map[x86asm.Reg]int16{
	x86asm.RAX: x86.REG_AX, x86asm.RCX: x86.REG_CX, x86asm.RDX: x86.REG_DX,
	x86asm.RBX: x86.REG_BX, x86asm.RSP: x86.REG_SP, x86asm.RBP: x86.REG_BP,
	x86asm.RSI: x86.REG_SI, x86asm.RDI: x86.REG_DI,
	x86asm.R8: x86.REG_R8, x86asm.R9: x86.REG_R9, x86asm.R10: x86.REG_R10,
	x86asm.R11: x86.REG_R11, x86asm.R12: x86.REG_R12, x86asm.R13: x86.REG_R13,
	x86asm.R14: x86.REG_R14, x86asm.R15: x86.REG_R15,
}

// CompileIndirectJump compiles a block ending in an indirect JMP. When the
// jump's target is a bare register, the compiled block carries a CacheLen-
// entry inline cache keyed on the runtime target OA: a hit jumps straight
// to the cached PA, a miss falls through to a breakpoint stub so the
// patcher can translate the new target and insert it, evicting the oldest
// entry (FIFO). When the target is computed through memory instead, this
// module does not attempt to cache it and always traps to the patcher.
func CompileIndirectJump(pool *codecache.Pool, b *block.Block) (*Compiled, error) {
	if b.Terminator.Kind() != decode.IndirectJump {
		return nil, fmt.Errorf("terminator: CompileIndirectJump: block at %#x is not an indirect jump", b.OA)
	}
	reg, ok := b.Terminator.IndirectTargetReg()
	if !ok {
		return compileUncachedIndirect(pool, b)
	}
	objReg, ok := gpRegs[reg]
	if !ok {
		return compileUncachedIndirect(pool, b)
	}
	return compileCachedIndirect(pool, b, objReg, reg)
}

// compileUncachedIndirect always traps: body, INT3+tag, padding. The
// original instruction is discarded; the patcher derives the real target
// by re-reading the tracee's registers/memory at the trap site.
func compileUncachedIndirect(pool *codecache.Pool, b *block.Block) (*Compiled, error) {
	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	stub := buildStub(TagIndirectMiss)
	entry, err := pool.Reserve(bodyLen + len(stub))
	if err != nil {
		return nil, err
	}
	body, err := relocateBody(b, entry)
	if err != nil {
		return nil, err
	}
	stubAddr := entry + codecache.PoolAddr(bodyLen)
	if err := pool.WriteAt(entry, append(body, stub...)); err != nil {
		return nil, err
	}
	return &Compiled{OA: b.OA, Entry: entry, Stubs: []Stub{{Addr: stubAddr, Tag: TagIndirectMiss}}}, nil
}

// compileCachedIndirect builds: body, then for each of CacheLen entries
// "cmp reg, [cacheTag_i]; je hit_i", then a jmp past the hit blocks, then
// each hit_i: "jmp [cachePA_i]", then the INT3+tag+padding stub that the
// no-match jmp lands on. The cache table itself is a separate
// CacheLen*16-byte region allocated once per call site.
func compileCachedIndirect(pool *codecache.Pool, b *block.Block, targetReg int16, sourceReg x86asm.Reg) (*Compiled, error) {
	cache := make([]byte, CacheLen*cacheEntrySize)
	for i := 0; i < CacheLen; i++ {
		// tag = all-ones sentinel so an empty slot never matches OA 0
		for j := 0; j < 8; j++ {
			cache[i*cacheEntrySize+j] = 0xff
		}
	}
	cacheAddr, err := pool.Alloc(cache)
	if err != nil {
		return nil, fmt.Errorf("terminator: allocating inline cache: %w", err)
	}

	epilogue, err := assembleIndirectEpilogue(targetReg, cacheAddr)
	if err != nil {
		return nil, err
	}
	stub := buildStub(TagIndirectMiss)

	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	total := bodyLen + len(epilogue) + len(stub)
	entry, err := pool.Reserve(total)
	if err != nil {
		return nil, err
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
	return &Compiled{OA: b.OA, Entry: entry, Stubs: []Stub{{
		Addr: stubAddr, Tag: TagIndirectMiss,
		CacheAddr: cacheAddr, CacheReg: sourceReg,
	}}}, nil
}

// InsertCacheEntry writes a newly resolved (oa, pa) pair into slot of the
// inline cache at cacheAddr, used by the patcher on a TagIndirectMiss
// breakpoint to populate the entry the miss handler chose to evict (FIFO
// order tracked by the patcher itself; the cache table has no index cell
// of its own, unlike the RSB).
func InsertCacheEntry(pool *codecache.Pool, cacheAddr codecache.PoolAddr, slot int, oa uintptr, pa codecache.PoolAddr) error {
	if slot < 0 || slot >= CacheLen {
		return fmt.Errorf("terminator: InsertCacheEntry: slot %d out of range", slot)
	}
	entry := make([]byte, cacheEntrySize)
	for i := 0; i < 8; i++ {
		entry[i] = byte(uint64(oa) >> (8 * i))
		entry[8+i] = byte(uint64(pa) >> (8 * i))
	}
	return pool.WriteAt(cacheAddr+codecache.PoolAddr(slot*cacheEntrySize), entry)
}

// assembleIndirectEpilogue emits: for each cache slot, compare targetReg
// against the slot's stored tag; on a match jump through the slot's
// stored PA. No match falls through to the miss stub appended by the
// caller. Position independent: cacheAddr is an absolute constant.
func assembleIndirectEpilogue(targetReg int16, cacheAddr codecache.PoolAddr) ([]byte, error) {
	builder, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, err
	}

	scratch := x86.REG_R15
	if targetReg == x86.REG_R15 {
		scratch = x86.REG_R14
	}

	hits := make([]*obj.Prog, CacheLen)
	for i := 0; i < CacheLen; i++ {
		slotAddr := int64(cacheAddr) + int64(i*cacheEntrySize)

		movTag := builder.NewProg()
		movTag.As = x86.AMOVQ
		movTag.To.Type = obj.TYPE_REG
		movTag.To.Reg = scratch
		movTag.From.Type = obj.TYPE_CONST
		movTag.From.Offset = slotAddr
		builder.AddInstruction(movTag)

		cmp := builder.NewProg()
		cmp.As = x86.ACMPQ
		cmp.From.Type = obj.TYPE_MEM
		cmp.From.Reg = scratch
		cmp.To.Type = obj.TYPE_REG
		cmp.To.Reg = targetReg
		builder.AddInstruction(cmp)

		hit := builder.NewProg()
		hit.As = obj.ANOP
		hits[i] = hit

		je := builder.NewProg()
		je.As = x86.AJEQ
		je.To.Type = obj.TYPE_BRANCH
		je.To.Val = hit
		builder.AddInstruction(je)
	}

	// no match: jump past the hit blocks straight into the caller-appended
	// miss stub, which immediately follows the last hit block in the cache.
	afterHits := builder.NewProg()
	afterHits.As = obj.ANOP

	skipHits := builder.NewProg()
	skipHits.As = obj.AJMP
	skipHits.To.Type = obj.TYPE_BRANCH
	skipHits.To.Val = afterHits
	builder.AddInstruction(skipHits)

	for i := 0; i < CacheLen; i++ {
		builder.AddInstruction(hits[i])
		slotAddr := int64(cacheAddr) + int64(i*cacheEntrySize) + 8

		movPA := builder.NewProg()
		movPA.As = x86.AMOVQ
		movPA.To.Type = obj.TYPE_REG
		movPA.To.Reg = scratch
		movPA.From.Type = obj.TYPE_CONST
		movPA.From.Offset = slotAddr
		builder.AddInstruction(movPA)

		loadPA := builder.NewProg()
		loadPA.As = x86.AMOVQ
		loadPA.To.Type = obj.TYPE_REG
		loadPA.To.Reg = scratch
		loadPA.From.Type = obj.TYPE_MEM
		loadPA.From.Reg = scratch
		builder.AddInstruction(loadPA)

		jmp := builder.NewProg()
		jmp.As = obj.AJMP
		jmp.To.Type = obj.TYPE_REG
		jmp.To.Reg = scratch
		builder.AddInstruction(jmp)
	}

	builder.AddInstruction(afterHits)

	return builder.Assemble(), nil
}
