// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memcheck

import (
	"testing"

	"github.com/go-dbi/x86memcheck/config"
	"github.com/go-dbi/x86memcheck/snapshot"
	"github.com/go-dbi/x86memcheck/tracee"
)

// fakeTracer implements tracee.Tracer over a single in-memory page plus a
// register file, standing in for a real ptrace-attached process in tests.
type fakeTracer struct {
	base uintptr
	mem  []byte
	regs tracee.Regs
	fp   tracee.FPRegs
}

func newFakeTracer(base uintptr) *fakeTracer {
	return &fakeTracer{base: base, mem: make([]byte, snapshot.PageSize)}
}

func (f *fakeTracer) ReadMem(addr uintptr, buf []byte) error {
	off := int(addr - f.base)
	copy(buf, f.mem[off:off+len(buf)])
	return nil
}

func (f *fakeTracer) WriteMem(addr uintptr, buf []byte) error {
	off := int(addr - f.base)
	copy(f.mem[off:off+len(buf)], buf)
	return nil
}

func (f *fakeTracer) GetRegs() (tracee.Regs, error)     { return f.regs, nil }
func (f *fakeTracer) SetRegs(r *tracee.Regs) error      { f.regs = *r; return nil }
func (f *fakeTracer) GetFPRegs() (tracee.FPRegs, error) { return f.fp, nil }
func (f *fakeTracer) SetFPRegs(fp *tracee.FPRegs) error { f.fp = *fp; return nil }

func TestNewRoundRejectsTooFewFillPatterns(t *testing.T) {
	tr := newFakeTracer(0x1000)
	cfg := config.Config{FillPatterns: []byte{0x00}}
	if _, err := NewRound(cfg, tr, []uintptr{0x1000}); err == nil {
		t.Fatal("NewRound: want error for a single fill pattern")
	}
}

func TestSeedSubroundAppliesFillPattern(t *testing.T) {
	tr := newFakeTracer(0x1000)
	tr.mem[0] = 0x42     // pre-existing content, should be wiped by the fill.
	tr.regs.Rsp = 0x2000 // SP at the page's top: every byte lies below it.

	cfg := config.Config{FillPatterns: []byte{0x00, 0xff}}
	round, err := NewRound(cfg, tr, []uintptr{0x1000})
	if err != nil {
		t.Fatalf("NewRound: %v", err)
	}
	if err := round.SeedSubround(1, tr); err != nil {
		t.Fatalf("SeedSubround: %v", err)
	}
	for i, b := range tr.mem {
		if b != 0xff {
			t.Fatalf("mem[%d] = %#x, want 0xff after seeding fill pattern 1", i, b)
		}
	}
}

// TestFinalizeFindsTaintedByte drives a full round/subround cycle by hand.
// The fake's SP is 0, so SeedSubround fills nothing; each subround instead
// writes its own fill byte to offset 8, as if the tracee had copied an
// uninitialized byte there. Subround 0 leaves 0x00 and subround 1 leaves
// 0xff, so byte 8 reads tainted (0x00 XOR 0xff), while byte 0, which no
// subround writes, reads clean.
func TestFinalizeFindsTaintedByte(t *testing.T) {
	tr := newFakeTracer(0x1000)
	cfg := config.Config{FillPatterns: []byte{0x00, 0xff}}
	round, err := NewRound(cfg, tr, []uintptr{0x1000})
	if err != nil {
		t.Fatalf("NewRound: %v", err)
	}

	for i := range cfg.FillPatterns {
		if err := round.SeedSubround(i, tr); err != nil {
			t.Fatalf("SeedSubround(%d): %v", i, err)
		}
		// Simulate the tracee copying an uninitialized byte to offset 8.
		tr.mem[8] = cfg.FillPatterns[i]

		chk := NewChecksum()
		chk.Observe(0xdeadbeef) // identical control flow in both subrounds.
		if err := round.CompleteSubround(i, tr, []uintptr{0x1000}, chk); err != nil {
			t.Fatalf("CompleteSubround(%d): %v", i, err)
		}
	}

	taint, err := round.Finalize(SeqSyscall, 0, 0)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var got [1]byte
	if err := taint.Snapshot.Read(0x1008, got[:]); err != nil {
		t.Fatalf("reading taint byte: %v", err)
	}
	if got[0] == 0 {
		t.Fatal("Finalize: byte 8 should be tainted (it carried the fill pattern through)")
	}
	var clean [1]byte
	if err := taint.Snapshot.Read(0x1000, clean[:]); err != nil {
		t.Fatalf("reading clean byte: %v", err)
	}
	if clean[0] != 0 {
		t.Fatalf("Finalize: byte 0 untouched by the tracee should read untainted, got %#x", clean[0])
	}
}

func TestFinalizeForcesStackRangeTainted(t *testing.T) {
	tr := newFakeTracer(0x1000)
	cfg := config.Config{FillPatterns: []byte{0x00, 0xff}}
	round, err := NewRound(cfg, tr, []uintptr{0x1000})
	if err != nil {
		t.Fatalf("NewRound: %v", err)
	}
	for i := range cfg.FillPatterns {
		if err := round.SeedSubround(i, tr); err != nil {
			t.Fatalf("SeedSubround(%d): %v", i, err)
		}
		chk := NewChecksum()
		chk.Observe(1)
		if err := round.CompleteSubround(i, tr, []uintptr{0x1000}, chk); err != nil {
			t.Fatalf("CompleteSubround(%d): %v", i, err)
		}
	}

	taint, err := round.Finalize(SeqSyscall, 0x1000, 0x1010)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var got [16]byte
	if err := taint.Snapshot.Read(0x1000, got[:]); err != nil {
		t.Fatalf("reading forced-taint range: %v", err)
	}
	for i, b := range got {
		if b == 0 {
			t.Fatalf("byte %d in forced-tainted stack range reads untainted", i)
		}
	}
}

func TestFinalizeRejectsChecksumMismatch(t *testing.T) {
	tr := newFakeTracer(0x1000)
	cfg := config.Config{FillPatterns: []byte{0x00, 0xff}}
	round, err := NewRound(cfg, tr, []uintptr{0x1000})
	if err != nil {
		t.Fatalf("NewRound: %v", err)
	}
	for i := range cfg.FillPatterns {
		if err := round.SeedSubround(i, tr); err != nil {
			t.Fatalf("SeedSubround(%d): %v", i, err)
		}
		chk := NewChecksum()
		chk.Observe(uintptr(i)) // deliberately divergent control flow.
		if err := round.CompleteSubround(i, tr, []uintptr{0x1000}, chk); err != nil {
			t.Fatalf("CompleteSubround(%d): %v", i, err)
		}
	}

	if _, err := round.Finalize(SeqSyscall, 0, 0); err == nil {
		t.Fatal("Finalize: want error on checksum mismatch between subrounds")
	}
}

func TestFinalizeRejectsIncompleteRound(t *testing.T) {
	tr := newFakeTracer(0x1000)
	cfg := config.Config{FillPatterns: []byte{0x00, 0xff}}
	round, err := NewRound(cfg, tr, []uintptr{0x1000})
	if err != nil {
		t.Fatalf("NewRound: %v", err)
	}
	if _, err := round.Finalize(SeqSyscall, 0, 0); err == nil {
		t.Fatal("Finalize: want error when no subrounds have completed")
	}
}
