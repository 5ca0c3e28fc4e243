// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracee

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallInstr is the 2-byte x86-64 SYSCALL instruction.
var syscallInstr = []byte{0x0f, 0x05}

// InjectSyscall executes a single syscall in the tracee's context without
// disturbing its register or memory state: it saves the registers and two
// bytes at the current PC, overwrites them with a SYSCALL instruction and
// the requested number/args, single-steps past it, captures the return
// value, and restores everything. This is the "syscall-in-tracee" primitive
// spec.md assumes is available from the ptrace wrapper; codecache uses it
// to mmap the code cache and the patcher uses it to mprotect tracked pages.
func (t *Tracee) InjectSyscall(nr uint64, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("tracee: InjectSyscall: too many arguments (%d)", len(args))
	}

	savedRegs, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	pc := uintptr(savedRegs.PC())

	var savedCode [2]byte
	if err := t.ReadMem(pc, savedCode[:]); err != nil {
		return 0, err
	}
	defer t.WriteMem(pc, savedCode[:])

	if err := t.WriteMem(pc, syscallInstr); err != nil {
		return 0, err
	}

	callRegs := savedRegs
	callRegs.Rax = nr
	argRegs := []*uint64{&callRegs.Rdi, &callRegs.Rsi, &callRegs.Rdx, &callRegs.R10, &callRegs.R8, &callRegs.R9}
	for i, a := range args {
		*argRegs[i] = a
	}
	callRegs.SetPC(uint64(pc))
	if err := t.SetRegs(&callRegs); err != nil {
		return 0, err
	}

	if err := t.SingleStep(); err != nil {
		return 0, err
	}
	if _, err := t.Wait(); err != nil {
		return 0, err
	}

	resultRegs, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	ret := resultRegs.Rax

	if err := t.SetRegs(&savedRegs); err != nil {
		return 0, err
	}
	return ret, nil
}

// InjectFork executes fork(2) in the tracee via InjectSyscall. It is
// provided because spec.md names "fork-in-tracee" as an assumed ptrace
// wrapper capability; this module's checkpoint/replay strategy uses
// byte-level Snapshot/State instead of process forking, so InjectFork has
// no caller in the Memcheck driver today. It is retained as part of the
// ptrace wrapper's surface for the benefit of future checkpoint strategies
// (e.g. a fork-based fast path for PROT_SHARED-tier pages); no test in
// this module calls it.
func (t *Tracee) InjectFork() (childPID int, err error) {
	ret, err := t.InjectSyscall(unix.SYS_FORK)
	if err != nil {
		return 0, err
	}
	return int(int64(ret)), nil
}
