// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patcher

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/memcheck"
)

// sigsegvAddr recovers si_addr from a siginfo_t snapshot. golang.org/x/sys/
// unix models Siginfo as a fixed 16-byte header (si_signo, si_errno,
// si_code, padding) followed by an opaque union it does not decode; for a
// SIGSEGV/SIGBUS, the union's first 8 bytes on amd64 Linux are si_addr, so
// this reads that offset directly the same way snapshot.xorStruct walks a
// C-layout struct by raw offset elsewhere in this module.
func sigsegvAddr(info *unix.Siginfo) uintptr {
	return uintptr(*(*uint64)(unsafe.Pointer(uintptr(unsafe.Pointer(info)) + 16)))
}

// handleSegv services a SIGSEGV delivered to the tracee. A fault on a
// page the Page Tracker has locked to RWLocked (PROT_NONE) is the
// PROT_SHARED sequence point of spec.md §4.7: it closes out the current
// round exactly like a syscall or LOCK-prefixed instruction would, then
// restores the page's real protection so the faulting access can retry.
// A fault on any other page is a genuine tracee crash and is fatal.
func (p *Patcher) handleSegv() error {
	info, err := p.tr.GetSigInfo()
	if err != nil {
		return FatalError{Err: err}
	}
	addr := sigsegvAddr(&info)

	page, ok := p.pages.Lookup(addr)
	if !ok || page.CurProt != 0 {
		return FatalError{Err: fmt.Errorf("patcher: handleSegv: unexpected SIGSEGV at %#x", addr)}
	}

	p.pages.RecordFault(addr)

	regs, err := p.tr.GetRegs()
	if err != nil {
		return FatalError{Err: err}
	}
	faultPA := codecache.PoolAddr(regs.PC())

	if err := p.closeRound(addr, memcheck.SeqProtShared, faultPA); err != nil {
		return FatalError{Err: err}
	}

	if _, err := p.tr.InjectSyscall(unix.SYS_MPROTECT, uint64(page.Start), uint64(page.End-page.Start), uint64(page.OrigProt)); err != nil {
		return FatalError{Err: fmt.Errorf("patcher: handleSegv: restoring protection on %#x: %w", page.Start, err)}
	}
	page.CurProt = page.OrigProt

	if err := p.armRoundFromPool(faultPA, memcheck.SeqProtShared); err != nil {
		return FatalError{Err: err}
	}
	return nil
}

// rebalancePages applies pagetracker.Tracker.Rebalance's decisions to the
// real tracee: Rebalance only updates its own in-memory model of which
// pages should be locked, it never issues the mprotect(2) syscalls
// itself, so this is the write-back step the patcher must perform after
// every round boundary.
func (p *Patcher) rebalancePages(targetUnlocked int) error {
	changed := p.pages.Rebalance(nil, targetUnlocked)
	for _, page := range changed {
		if _, err := p.tr.InjectSyscall(unix.SYS_MPROTECT, uint64(page.Start), uint64(page.End-page.Start), uint64(page.CurProt)); err != nil {
			return fmt.Errorf("patcher: rebalancePages: mprotect %#x: %w", page.Start, err)
		}
	}
	return nil
}
