// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patcher

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/memcheck"
	"github.com/go-dbi/x86memcheck/snapshot"
	"github.com/go-dbi/x86memcheck/syscallcheck"
	"github.com/go-dbi/x86memcheck/terminator"
)

// rebalanceTargetUnlocked bounds how many private read-write pages are
// left RWUnlocked (checked only by the differential snapshot taken at the
// next round boundary, not by a page fault) after every round: the rest
// are locked RWLocked so a touch traps and closes its round immediately,
// per spec.md §4.7's hot-page policy. Kept small since each locked page a
// round actually touches costs one SIGSEGV round-trip.
const rebalanceTargetUnlocked = 4

// handleSeqPointBreak is the breakpoint callback for a TagSeqPoint stub.
// It closes the round that ran up to this instruction, validates a
// syscall's arguments against the taint that round just computed, lets
// the real instruction execute exactly once at its original address, and
// arms the next round before handing control back into the code cache.
func (p *Patcher) handleSeqPointBreak(tr *translated, stub terminator.Stub) error {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return FatalError{Err: err}
	}
	sp := uintptr(regs.Rsp)

	if err := p.closeRound(tr.seqPtOA, tr.seqKind, stub.Addr); err != nil {
		return FatalError{Err: err}
	}

	if tr.seqKind == memcheck.SeqSyscall && p.lastTaint != nil {
		// At this int3 stop the syscall has not been entered yet, so its
		// number is in rax (orig_rax is -1); Check reads Orig_rax.
		chk := regs
		chk.Orig_rax = regs.Rax
		if err := syscallcheck.Check(p.lastTaint, &chk, p.tr, sp); err != nil {
			if p.cfg.AbortOnTaint {
				return FatalError{Err: err}
			}
			p.log.Debugf("patcher: syscall argument taint: %v", err)
		}
	}

	nr := int64(-1)
	if tr.seqKind == memcheck.SeqSyscall {
		nr = int64(regs.Rax)
	}

	regs.SetPC(uint64(tr.seqPtOA))
	if err := p.tr.SetRegs(&regs); err != nil {
		return FatalError{Err: err}
	}
	if err := p.tr.SingleStep(); err != nil {
		return FatalError{Err: err}
	}
	if _, err := p.tr.Wait(); err != nil {
		return FatalError{Err: err}
	}

	if isMappingSyscall(nr) {
		if err := p.pages.Rescan(); err != nil {
			p.log.Debugf("patcher: rescanning mappings after syscall %d: %v", nr, err)
		}
	}

	newRegs, err := p.tr.GetRegs()
	if err != nil {
		return FatalError{Err: err}
	}
	newOA := uintptr(newRegs.PC())

	if err := p.armRound(newOA, tr.seqKind); err != nil {
		return FatalError{Err: err}
	}

	pa, err := p.LookupBlock(newOA)
	if err != nil {
		return FatalError{Err: err}
	}
	newRegs.SetPC(uint64(pa))
	return p.tr.SetRegs(&newRegs)
}

func isMappingSyscall(nr int64) bool {
	switch nr {
	case unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MREMAP, unix.SYS_BRK:
		return true
	default:
		return false
	}
}

// armRound begins the round that covers the interval starting at oa,
// whose preceding sequence point (if any) was of the given kind.
func (p *Patcher) armRound(oa uintptr, kind memcheck.SequencePointKind) error {
	pageAddrs := p.nextPageAddrs()
	round, err := memcheck.NewRound(p.cfg, p.tr, pageAddrs)
	if err != nil {
		return fmt.Errorf("patcher: armRound: %w", err)
	}
	p.round = round
	p.roundKind = kind
	p.roundStartOA = oa
	p.roundStartPA = 0
	p.curChecksum = memcheck.NewChecksum()
	return p.resetAccum()
}

// armRoundFromPool is armRound's variant for a round that must restart
// from a pool address directly rather than an OA LookupBlock can
// translate, used when the preceding sequence point was a PROT_SHARED
// fault that landed mid-block.
func (p *Patcher) armRoundFromPool(pa codecache.PoolAddr, kind memcheck.SequencePointKind) error {
	pageAddrs := p.nextPageAddrs()
	round, err := memcheck.NewRound(p.cfg, p.tr, pageAddrs)
	if err != nil {
		return fmt.Errorf("patcher: armRoundFromPool: %w", err)
	}
	p.round = round
	p.roundKind = kind
	p.roundStartOA = 0
	p.roundStartPA = pa
	p.curChecksum = memcheck.NewChecksum()
	return p.resetAccum()
}

// nextPageAddrs picks the page set the next round snapshots: the live
// stack region, plus -- when cfg.ChangePreState carries taint forward --
// every page the previous round found tainted, so a byte memcheck has
// already flagged keeps being tracked across round boundaries instead of
// silently reverting to "clean" the moment a new round starts.
func (p *Patcher) nextPageAddrs() []uintptr {
	addrs := p.stackPageAddrs()
	if !p.cfg.ChangePreState || p.lastTaint == nil {
		return addrs
	}
	seen := make(map[uintptr]bool, len(addrs))
	for _, a := range addrs {
		seen[a] = true
	}
	for _, a := range p.lastTaint.Snapshot.PageAddrs() {
		if !seen[a] {
			addrs = append(addrs, a)
			seen[a] = true
		}
	}
	return addrs
}

// closeRound finalizes the round in progress (if any): subround 0 is
// simply the real execution that just reached oa, already reflected in
// the tracee's current state; subrounds 1..N-1 are replayed by seeding a
// different fill pattern, resetting PC to the round's start, and driving
// the tracee back to the same sequence-point stub through the normal code
// cache. replayTarget is that stub's pool address.
func (p *Patcher) closeRound(oa uintptr, kind memcheck.SequencePointKind, replayTarget codecache.PoolAddr) error {
	if p.round == nil {
		return nil
	}
	pageAddrs := p.round.PreState().Snapshot.PageAddrs()

	real := snapshot.NewState()
	if err := real.Save(p.tr, pageAddrs); err != nil {
		return fmt.Errorf("patcher: closeRound: capturing real post-state: %w", err)
	}
	if err := p.foldAccum(); err != nil {
		return fmt.Errorf("patcher: closeRound: folding branch checksum: %w", err)
	}
	if err := p.round.CompleteSubround(0, p.tr, pageAddrs, p.curChecksum); err != nil {
		return fmt.Errorf("patcher: closeRound: %w", err)
	}

	if kind == memcheck.SeqProtShared {
		p.segvReplayTarget = replayTarget
		defer func() { p.segvReplayTarget = 0 }()
	}

	for i := 1; i < p.round.Subrounds(); i++ {
		if err := p.round.SeedSubround(i, p.tr); err != nil {
			return fmt.Errorf("patcher: closeRound: seeding subround %d: %w", i, err)
		}

		entryPA := p.roundStartPA
		if entryPA == 0 {
			var err error
			entryPA, err = p.LookupBlock(p.roundStartOA)
			if err != nil {
				return fmt.Errorf("patcher: closeRound: %w", err)
			}
		}
		regs, err := p.tr.GetRegs()
		if err != nil {
			return err
		}
		regs.SetPC(uint64(entryPA))
		if err := p.tr.SetRegs(&regs); err != nil {
			return err
		}

		p.curChecksum = memcheck.NewChecksum()
		if err := p.resetAccum(); err != nil {
			return fmt.Errorf("patcher: closeRound: resetting branch checksum: %w", err)
		}
		if err := p.driveToStub(replayTarget); err != nil {
			return fmt.Errorf("patcher: closeRound: replaying subround %d: %w", i, err)
		}
		if err := p.foldAccum(); err != nil {
			return fmt.Errorf("patcher: closeRound: folding branch checksum: %w", err)
		}

		if err := p.round.CompleteSubround(i, p.tr, pageAddrs, p.curChecksum); err != nil {
			return fmt.Errorf("patcher: closeRound: %w", err)
		}
	}

	lo, hi := p.stackRange()
	taint, err := p.round.Finalize(kind, lo, hi)
	if err != nil {
		if p.cfg.AbortOnTaint {
			return err
		}
		p.log.Debugf("patcher: closeRound: %v", err)
		p.lastTaint = nil
	} else {
		p.lastTaint = taint
	}

	if err := real.Restore(p.tr); err != nil {
		return err
	}

	if err := p.rebalancePages(rebalanceTargetUnlocked); err != nil {
		p.log.Debugf("patcher: closeRound: rebalancing pages: %v", err)
	}
	return nil
}
