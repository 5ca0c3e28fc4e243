// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patcher

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-dbi/x86memcheck/codecache"
)

// Run drives the tracee to completion, dispatching every breakpoint trap
// and page fault through the translator until it exits.
func (p *Patcher) Run() error {
	for {
		done, _, err := p.stepOnce()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// driveToStub resumes the tracee until it traps at target (a stub address
// already seen once before) or exits. It is the mechanism memcheck's
// subround replay uses to re-drive the tracee from a round's start back
// to the same sequence point, reusing exactly the same code cache,
// breakpoint map, and inline caches the real pass built. A replay that
// takes a Jcc side the real pass already resolved away runs at full cache
// speed with no trap, but is still observed: every Jcc's compiled code
// carries an in-core probe (terminator.buildAccumProbe) that bumps the
// shared branch-checksum accumulator regardless of resolution state, and
// p.foldAccum reads it back into p.curChecksum once this subround reaches
// its sequence point.
func (p *Patcher) driveToStub(target codecache.PoolAddr) error {
	for {
		done, hit, err := p.stepOnce()
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("patcher: driveToStub: tracee exited while replaying a subround")
		}
		if hit == target {
			return nil
		}
	}
}

// stepOnce resumes the tracee once and dispatches whatever stop follows:
// a page fault, a breakpoint trap, or process exit. hitAddr is the pool
// address a breakpoint fired from, valid only when a SIGTRAP was handled.
func (p *Patcher) stepOnce() (done bool, hitAddr codecache.PoolAddr, err error) {
	var sig unix.Signal
resume:
	if err := p.tr.Cont(sig); err != nil {
		return false, 0, fmt.Errorf("patcher: stepOnce: Cont: %w", err)
	}
	ws, err := p.tr.Wait()
	if err != nil {
		return false, 0, fmt.Errorf("patcher: stepOnce: Wait: %w", err)
	}
	if ws.Exited() {
		p.exitStatus = ws.ExitStatus()
		return true, 0, nil
	}
	if !ws.Stopped() {
		return false, 0, nil
	}

	switch ws.StopSignal() {
	case unix.SIGSEGV:
		if p.segvReplayTarget != 0 {
			pc, err := p.tr.GetPC()
			if err != nil {
				return false, 0, err
			}
			if hit := codecache.PoolAddr(pc); hit == p.segvReplayTarget {
				return false, hit, nil
			}
		}
		if err := p.handleSegv(); err != nil {
			return false, 0, err
		}
		return false, 0, nil
	case unix.SIGTRAP:
		pc, err := p.tr.GetPC()
		if err != nil {
			return false, 0, err
		}
		stubAddr := codecache.PoolAddr(pc - 1) // INT3 leaves PC one past the trap byte
		fn, ok := p.breakpoints[stubAddr]
		if !ok {
			return false, 0, fmt.Errorf("patcher: stepOnce: unexpected trap at %#x", pc)
		}
		if err := fn(); err != nil {
			return false, 0, err
		}
		return false, stubAddr, nil
	default:
		// Pass the signal on with the resume above and keep waiting, so
		// the tracee is resumed exactly once per stop.
		sig = ws.StopSignal()
		goto resume
	}
}
