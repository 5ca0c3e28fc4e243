// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patcher

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/decode"
	"github.com/go-dbi/x86memcheck/terminator"
	"github.com/go-dbi/x86memcheck/tracee"
)

// handleDirectMiss satisfies a TagBranch/TagFallthrough/TagCallTarget stub:
// the target OA is a compile-time constant (Stub.TargetOA), so this is the
// only Tag family ResolveStub's permanent five-byte patch applies to. The
// patch only takes effect for the *next* time this stub is hit -- the trap
// that is currently live must still be redirected by hand.
func (p *Patcher) handleDirectMiss(stub terminator.Stub) error {
	pa, err := p.LookupBlock(stub.TargetOA)
	if err != nil {
		return FatalError{Err: err}
	}
	if err := terminator.ResolveStub(p.pool, stub, pa); err != nil {
		return FatalError{Err: err}
	}
	return p.redirectPC(pa)
}

// handleReturnMiss satisfies a TagReturnMiss stub. Unlike a direct branch,
// a RET's target depends on which call reached it, so this Tag is never
// resolved with ResolveStub: the shared RET block's stub stays armed
// forever, and every miss backfills whichever RSB slot the epilogue just
// found empty (PA == 0, because CompileDirectCallWithRSB can never know
// the return site's PA at call-compile time) or stale.
func (p *Patcher) handleReturnMiss(stub terminator.Stub) error {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return FatalError{Err: err}
	}
	sp := uintptr(regs.Rsp)
	var buf [8]byte
	if err := p.tr.ReadMem(sp, buf[:]); err != nil {
		return FatalError{Err: fmt.Errorf("patcher: handleReturnMiss: reading return address: %w", err)}
	}
	returnOA := uintptr(le64(buf[:]))
	if p.curChecksum != nil {
		p.curChecksum.Observe(returnOA)
	}

	pa, err := p.LookupBlock(returnOA)
	if err != nil {
		return FatalError{Err: err}
	}

	if err := p.backfillRSB(pa); err != nil {
		p.log.Debugf("patcher: handleReturnMiss: backfilling RSB: %v", err)
	}

	regs.Rsp = uint64(sp + 8)
	regs.SetPC(uint64(pa))
	if err := p.tr.SetRegs(&regs); err != nil {
		return FatalError{Err: err}
	}
	return nil
}

// backfillRSB writes pa into the RSB slot the epilogue's DECQ/ANDQ just
// computed as the most-recently-pushed entry, so a later return that finds
// this slot on top with a matching OA is predicted; the next call that
// reuses the slot stores a PA of 0 there again.
func (p *Patcher) backfillRSB(pa codecache.PoolAddr) error {
	var idxBuf [8]byte
	if err := p.tr.ReadMem(uintptr(p.rsbuf.IndexAddr()), idxBuf[:]); err != nil {
		return err
	}
	index := le64(idxBuf[:])
	mask := uint64(p.rsbuf.Capacity() - 1)
	slot := (index - 1) & mask

	entryAddr := p.rsbuf.EntryAddr(int(slot))
	var paBuf [8]byte
	putLE64(paBuf[:], uint64(pa))
	return p.tr.WriteMem(uintptr(entryAddr)+8, paBuf[:])
}

// handleIndirectMiss satisfies a TagIndirectMiss stub, covering both an
// indirect jump (cached or uncached) and an indirect call (always
// uncached). The real target OA is re-derived from either the register
// the branch addressed (Stub.CacheReg) or, for a memory operand, from the
// original decode.Inst kept alongside the compiled unit. The compiled unit
// of an indirect call does not execute the CALL itself, so for one this
// handler pushes the call's return OA onto the tracee stack.
func (p *Patcher) handleIndirectMiss(tr *translated, stub terminator.Stub) error {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return FatalError{Err: err}
	}

	targetOA, err := p.resolveIndirectTarget(tr, stub, &regs)
	if err != nil {
		return FatalError{Err: err}
	}
	if p.curChecksum != nil {
		p.curChecksum.Observe(targetOA)
	}

	pa, err := p.LookupBlock(targetOA)
	if err != nil {
		return FatalError{Err: err}
	}

	if stub.CacheAddr != 0 {
		slot := p.nextCacheSlot(stub.CacheAddr)
		if err := terminator.InsertCacheEntry(p.pool, stub.CacheAddr, slot, targetOA, pa); err != nil {
			p.log.Debugf("patcher: handleIndirectMiss: inserting cache entry: %v", err)
		}
	}

	if tr.term.Kind() == decode.IndirectCall {
		var ra [8]byte
		putLE64(ra[:], uint64(tr.term.FallThrough()))
		regs.Rsp -= 8
		if err := p.tr.WriteMem(uintptr(regs.Rsp), ra[:]); err != nil {
			return FatalError{Err: fmt.Errorf("patcher: handleIndirectMiss: pushing return address: %w", err)}
		}
	}

	regs.SetPC(uint64(pa))
	return p.tr.SetRegs(&regs)
}

// resolveIndirectTarget recovers the real branch target from the trapped
// tracee's current register state.
func (p *Patcher) resolveIndirectTarget(tr *translated, stub terminator.Stub, regs *tracee.Regs) (uintptr, error) {
	gp := func(r x86asm.Reg) (uint64, bool) { return regValue(regs, r) }

	if stub.CacheReg != 0 {
		v, ok := gp(stub.CacheReg)
		if !ok {
			return 0, fmt.Errorf("patcher: resolveIndirectTarget: unmapped register %v", stub.CacheReg)
		}
		return uintptr(v), nil
	}

	slotAddr, ok := tr.term.IndirectOperandAddr(gp)
	if !ok {
		return 0, fmt.Errorf("patcher: resolveIndirectTarget: could not compute operand address for branch at %#x", tr.term.Addr)
	}
	var buf [8]byte
	if err := p.tr.ReadMem(slotAddr, buf[:]); err != nil {
		return 0, fmt.Errorf("patcher: resolveIndirectTarget: reading target slot %#x: %w", slotAddr, err)
	}
	return uintptr(le64(buf[:])), nil
}

// nextCacheSlot returns the next FIFO slot to overwrite for cacheAddr's
// inline cache table, since the table itself (unlike the RSB) carries no
// index cell of its own.
func (p *Patcher) nextCacheSlot(cacheAddr codecache.PoolAddr) int {
	slot := p.cacheSlot[cacheAddr]
	p.cacheSlot[cacheAddr] = (slot + 1) % terminator.CacheLen
	return slot
}

// redirectPC sets the tracee's instruction pointer to pa, used after
// satisfying a breakpoint whose stub has already (or will never be)
// permanently patched.
func (p *Patcher) redirectPC(pa codecache.PoolAddr) error {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return err
	}
	regs.SetPC(uint64(pa))
	return p.tr.SetRegs(&regs)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
