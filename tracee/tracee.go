// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracee wraps the Linux ptrace(2) interface used to control a
// traced child process: attaching, reading/writing its memory and register
// state, single-stepping it, and injecting syscalls into it. Every other
// package in this module that needs to touch the traced process goes
// through here; nothing else calls golang.org/x/sys/unix's Ptrace* family
// directly.
package tracee

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Regs is the general-purpose register file of the tracee, as returned by
// PTRACE_GETREGS. It is a defined type over unix.PtraceRegs, not a plain
// alias, so this package can hang the PC()/SetPC() convenience accessors
// off it that the rest of the module uses instead of poking .Rip directly.
type Regs unix.PtraceRegs

// PC returns the instruction pointer.
func (r *Regs) PC() uint64 { return r.Rip }

// SetPC sets the instruction pointer.
func (r *Regs) SetPC(pc uint64) { r.Rip = pc }

// MemReader is the read half of the tracee's memory interface; snapshot.Save
// and codecache's readback paths depend only on this, not the full Tracee,
// so a unit test can substitute a fake.
type MemReader interface {
	ReadMem(addr uintptr, buf []byte) error
}

// MemWriter is the write half, used by snapshot.Restore.
type MemWriter interface {
	WriteMem(addr uintptr, buf []byte) error
}

// Tracer is the register-file subset of Tracee that package snapshot needs
// to save and restore a State.
type Tracer interface {
	MemReader
	MemWriter
	GetRegs() (Regs, error)
	SetRegs(regs *Regs) error
	GetFPRegs() (FPRegs, error)
	SetFPRegs(fp *FPRegs) error
}

// Tracee is a ptrace-attached child process.
type Tracee struct {
	pid  int
	mem  *os.File // /proc/<pid>/mem, opened lazily for bulk transfers
	path string   // the executable path, kept for diagnostics
}

// Linux ptrace fpregs request, not exported by golang.org/x/sys/unix under a
// typed wrapper; the numeric value is stable ABI on every Linux arch.
const ptraceGetFPRegs = 14
const ptraceSetFPRegs = 15

// FPRegs mirrors struct user_fpregs_struct on x86-64 (fxsave layout).
type FPRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [64]uint32
	Padding  [24]uint32
}

// New wraps an already-forked child that called PTRACE_TRACEME and is
// stopped on its own SIGTRAP-on-exec. path is retained only for diagnostics.
func New(pid int, path string) *Tracee {
	return &Tracee{pid: pid, path: path}
}

// Pid returns the tracee's process id.
func (t *Tracee) Pid() int { return t.pid }

// Path returns the executable path the tracee was started from.
func (t *Tracee) Path() string { return t.path }

// Wait blocks for the next ptrace-stop and returns the raw wait status.
func (t *Tracee) Wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(t.pid, &ws, 0, nil)
	return ws, err
}

// Cont resumes the tracee, optionally delivering sig.
func (t *Tracee) Cont(sig unix.Signal) error {
	return unix.PtraceCont(t.pid, int(sig))
}

// SingleStep resumes the tracee for exactly one instruction.
func (t *Tracee) SingleStep() error {
	return unix.PtraceSingleStep(t.pid)
}

// Syscall resumes the tracee until the next syscall entry or exit stop.
func (t *Tracee) Syscall() error {
	return unix.PtraceSyscall(t.pid, 0)
}

// SetOptions configures PTRACE_O_* options (e.g. PTRACE_O_TRACESYSGOOD so
// syscall-stops are distinguishable from SIGTRAP breakpoint stops).
func (t *Tracee) SetOptions(opts int) error {
	return unix.PtraceSetOptions(t.pid, opts)
}

// GetRegs reads the tracee's general-purpose registers.
func (t *Tracee) GetRegs() (Regs, error) {
	var regs Regs
	if err := unix.PtraceGetRegs(t.pid, (*unix.PtraceRegs)(&regs)); err != nil {
		return Regs{}, fmt.Errorf("tracee: GETREGS: %w", err)
	}
	return regs, nil
}

// SetRegs writes the tracee's general-purpose registers.
func (t *Tracee) SetRegs(regs *Regs) error {
	if err := unix.PtraceSetRegs(t.pid, (*unix.PtraceRegs)(regs)); err != nil {
		return fmt.Errorf("tracee: SETREGS: %w", err)
	}
	return nil
}

// GetFPRegs reads the tracee's x87/SSE register file.
func (t *Tracee) GetFPRegs() (FPRegs, error) {
	var fp FPRegs
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetFPRegs, uintptr(t.pid), 0, uintptr(unsafe.Pointer(&fp)), 0, 0)
	if errno != 0 {
		return FPRegs{}, fmt.Errorf("tracee: GETFPREGS: %w", errno)
	}
	return fp, nil
}

// SetFPRegs writes the tracee's x87/SSE register file.
func (t *Tracee) SetFPRegs(fp *FPRegs) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceSetFPRegs, uintptr(t.pid), 0, uintptr(unsafe.Pointer(fp)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("tracee: SETFPREGS: %w", errno)
	}
	return nil
}

// GetPC is a convenience wrapper over GetRegs for callers that only need PC.
func (t *Tracee) GetPC() (uintptr, error) {
	regs, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	return uintptr(regs.PC()), nil
}

// SetPC writes only the instruction pointer, leaving other registers
// unchanged.
func (t *Tracee) SetPC(pc uintptr) error {
	regs, err := t.GetRegs()
	if err != nil {
		return err
	}
	regs.SetPC(uint64(pc))
	return t.SetRegs(&regs)
}

// openMem lazily opens /proc/<pid>/mem for bulk transfers.
func (t *Tracee) openMem() (*os.File, error) {
	if t.mem != nil {
		return t.mem, nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", t.pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tracee: open /proc/%d/mem: %w", t.pid, err)
	}
	t.mem = f
	return f, nil
}

// peekPokeThreshold is the size above which bulk transfers go through
// /proc/<pid>/mem instead of word-at-a-time PEEKDATA/POKEDATA, per spec.md
// §6's "large" transfer rule.
const peekPokeThreshold = 64

// ReadMem reads len(buf) bytes from the tracee starting at addr.
func (t *Tracee) ReadMem(addr uintptr, buf []byte) error {
	if len(buf) > peekPokeThreshold {
		f, err := t.openMem()
		if err != nil {
			return err
		}
		_, err = f.ReadAt(buf, int64(addr))
		return err
	}
	for i := 0; i < len(buf); i += 8 {
		if _, err := unix.PtracePeekData(t.pid, addr+uintptr(i), buf[i:min(i+8, len(buf))]); err != nil {
			return fmt.Errorf("tracee: PEEKDATA at %#x: %w", addr+uintptr(i), err)
		}
	}
	return nil
}

// WriteMem writes buf into the tracee starting at addr.
func (t *Tracee) WriteMem(addr uintptr, buf []byte) error {
	if len(buf) > peekPokeThreshold {
		f, err := t.openMem()
		if err != nil {
			return err
		}
		_, err = f.WriteAt(buf, int64(addr))
		return err
	}
	if _, err := unix.PtracePokeData(t.pid, addr, buf); err != nil {
		return fmt.Errorf("tracee: POKEDATA at %#x: %w", addr, err)
	}
	return nil
}

// Detach releases the tracee, letting it run freely.
func (t *Tracee) Detach() error {
	if t.mem != nil {
		t.mem.Close()
	}
	return unix.PtraceDetach(t.pid)
}

// Kill sends SIGKILL to the tracee; used when the harness aborts.
func (t *Tracee) Kill() error {
	return syscall.Kill(t.pid, syscall.SIGKILL)
}

// GetSigInfo reads the siginfo_t for the signal that last stopped the
// tracee, used to distinguish segfault causes (e.g. which address faulted).
func (t *Tracee) GetSigInfo() (unix.Siginfo, error) {
	var info unix.Siginfo
	if err := unix.PtraceGetSigInfo(t.pid, &info); err != nil {
		return unix.Siginfo{}, fmt.Errorf("tracee: GETSIGINFO: %w", err)
	}
	return info, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
