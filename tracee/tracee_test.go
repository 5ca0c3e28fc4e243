// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracee_test

import (
	"testing"

	"github.com/go-dbi/x86memcheck/internal/ptracetest"
	"github.com/go-dbi/x86memcheck/tracee"
)

func TestGetRegsReportsLivePC(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	regs, err := tr.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	if regs.PC() == 0 {
		t.Fatal("GetRegs: PC is zero, want the tracee's entry point")
	}

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}
	if uint64(pc) != regs.PC() {
		t.Fatalf("GetPC = %#x, want %#x (from GetRegs)", pc, regs.PC())
	}
}

func TestSetPCChangesOnlyPC(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	before, err := tr.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if err := tr.SetPC(before.PC() + 1); err != nil {
		t.Fatalf("SetPC: %v", err)
	}

	after, err := tr.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	if after.PC() != before.PC()+1 {
		t.Errorf("SetPC: PC = %#x, want %#x", after.PC(), before.PC()+1)
	}
	if after.Rsp != before.Rsp {
		t.Errorf("SetPC perturbed Rsp: got %#x, want %#x", after.Rsp, before.Rsp)
	}
}

func TestReadWriteMemRoundTrip(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}

	var orig [8]byte
	if err := tr.ReadMem(pc, orig[:]); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := tr.WriteMem(pc, want); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}

	var got [8]byte
	if err := tr.ReadMem(pc, got[:]); err != nil {
		t.Fatalf("ReadMem after WriteMem: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadMem after WriteMem = %v, want %v", got, want)
		}
	}

	// Restore the original bytes; cleanup kills the tracee, so they are
	// never executed either way.
	if err := tr.WriteMem(pc, orig[:]); err != nil {
		t.Fatalf("restoring original bytes: %v", err)
	}
}

func TestReadMemOverBulkThreshold(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	pc, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}

	// Larger than peekPokeThreshold, exercising the /proc/<pid>/mem path
	// rather than word-at-a-time PEEKDATA.
	buf := make([]byte, 256)
	if err := tr.ReadMem(pc, buf); err != nil {
		t.Fatalf("ReadMem (bulk): %v", err)
	}
}

func TestSingleStepAdvancesPC(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	before, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC: %v", err)
	}

	if err := tr.SingleStep(); err != nil {
		t.Fatalf("SingleStep: %v", err)
	}
	if _, err := tr.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	after, err := tr.GetPC()
	if err != nil {
		t.Fatalf("GetPC after step: %v", err)
	}
	if after == before {
		t.Error("SingleStep: PC did not advance")
	}
}

var _ tracee.Tracer = (*tracee.Tracee)(nil)
