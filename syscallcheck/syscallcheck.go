// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syscallcheck implements the soundness check of spec.md §4.6
// (property P7): immediately before a syscall is allowed to actually
// execute, every argument the kernel will read -- the register holding it
// and, for pointer arguments, the bytes it points at -- must be free of
// taint. taint here is the Memcheck driver's accumulated
// post_states[0]^post_states[i] diff (spec.md §4.5): a nonzero register or
// memory byte means the two differently-seeded replays disagreed there,
// i.e. the tracee derived that value from uninitialized memory.
package syscallcheck

import (
	"fmt"

	"github.com/go-dbi/x86memcheck/snapshot"
	"github.com/go-dbi/x86memcheck/syscalltab"
	"github.com/go-dbi/x86memcheck/tracee"
)

// stackGuard is how far above sp a pointer argument is still considered
// part of the "live stack region" that spec.md §4.5 calls out as always
// forced tainted going into a round, even if the Page Tracker never
// captured that exact page (e.g. a just-pushed red zone write the
// snapshot machinery hasn't caught up with yet). Addresses in
// [sp, sp+stackGuard) fail closed rather than being treated as untainted
// by omission.
const stackGuard = 256

// Check validates every argument of the syscall encoded in regs against
// taint, per the per-syscall signature in syscalltab.Table -- resolving
// any argument whose real size is carried in another register at call
// time (syscalltab.Arg.SizeArg; e.g. write(2)'s buffer length in rdx)
// before checking it. read is used to scan String arguments for their NUL
// terminator. sp is the tracee's current stack pointer, establishing the
// forced-tainted live-stack guard range above. The syscall number is read
// from regs.Orig_rax. Check returns the first violation found; its caller,
// the patcher's handleSeqPointBreak, treats a non-nil result as fatal when
// config.Config.AbortOnTaint is set and otherwise logs it and lets the
// syscall run.
func Check(taint *snapshot.State, regs *tracee.Regs, read tracee.MemReader, sp uintptr) error {
	nr := int64(regs.Orig_rax)
	sig, known := syscalltab.Lookup(nr)

	argVals := [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}
	taintVals := [6]uint64{
		taint.Regs.Rdi, taint.Regs.Rsi, taint.Regs.Rdx,
		taint.Regs.R10, taint.Regs.R8, taint.Regs.R9,
	}

	for i, a := range sig {
		if a.Kind == syscalltab.None && taintVals[i] == 0 {
			continue
		}
		if taintVals[i] != 0 {
			return fmt.Errorf("syscallcheck: syscall %d (known=%v): argument %d register is tainted (diff %#x)", nr, known, i, taintVals[i])
		}
		size := argSize(a, argVals)
		switch a.Kind {
		case syscalltab.None:
			// scalar, register already checked above.
		case syscalltab.Read, syscalltab.Struct:
			if err := checkRange(taint, uintptr(argVals[i]), size, sp, i); err != nil {
				return fmt.Errorf("syscallcheck: syscall %d: %w", nr, err)
			}
		case syscalltab.Write:
			// write destinations are not checked, and nothing clears
			// their taint after the syscall.
		case syscalltab.String:
			n, err := stringLen(read, uintptr(argVals[i]))
			if err != nil {
				return fmt.Errorf("syscallcheck: syscall %d: argument %d: %w", nr, i, err)
			}
			if err := checkRange(taint, uintptr(argVals[i]), uintptr(n+1), sp, i); err != nil {
				return fmt.Errorf("syscallcheck: syscall %d: %w", nr, err)
			}
		}
	}
	return nil
}

// argSize resolves a's real byte length for this call: a.Size, unless
// a.SizeArg names another argument register (1-indexed) carrying the
// actual length at call time -- e.g. read(2)/write(2)'s count in rdx --
// in which case that register's value wins.
func argSize(a syscalltab.Arg, argVals [6]uint64) uintptr {
	if a.SizeArg <= 0 || a.SizeArg > len(argVals) {
		return a.Size
	}
	return uintptr(argVals[a.SizeArg-1])
}

// checkRange fails if any byte in [addr, addr+size) is tainted, or if the
// range overlaps the forced-tainted live-stack guard above sp and the
// taint snapshot has no captured page to prove otherwise.
func checkRange(taint *snapshot.State, addr, size, sp uintptr, argIdx int) error {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	if err := taint.Snapshot.Read(addr, buf); err != nil {
		if addr+size > sp && addr < sp+stackGuard {
			return fmt.Errorf("argument %d: range %#x..%#x falls in the live-stack guard with no taint snapshot: %w", argIdx, addr, addr+size, err)
		}
		return fmt.Errorf("argument %d: no taint snapshot covers %#x..%#x: %w", argIdx, addr, addr+size, err)
	}
	for _, b := range buf {
		if b != 0 {
			return fmt.Errorf("argument %d: tainted byte in range %#x..%#x", argIdx, addr, addr+size)
		}
	}
	return nil
}

// stringLen scans the tracee's memory at addr for the first NUL byte,
// returning the string length excluding the terminator.
func stringLen(read tracee.MemReader, addr uintptr) (int, error) {
	const chunk = 64
	buf := make([]byte, chunk)
	for n := 0; n < 1<<20; n += chunk {
		if err := read.ReadMem(addr+uintptr(n), buf); err != nil {
			return 0, fmt.Errorf("reading string at %#x: %w", addr+uintptr(n), err)
		}
		for i, b := range buf {
			if b == 0 {
				return n + i, nil
			}
		}
	}
	return 0, fmt.Errorf("string at %#x exceeds scan limit without a NUL terminator", addr)
}
