// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"testing"

	"github.com/go-dbi/x86memcheck/internal/ptracetest"
)

func TestPoolAllocAndReadback(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	p := NewPool(tr)
	defer p.Close()

	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	addr, err := p.Alloc(code)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr == 0 {
		t.Fatal("Alloc returned null address")
	}

	readback := make([]byte, len(code))
	if err := tr.ReadMem(uintptr(addr), readback); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	for i := range code {
		if readback[i] != code[i] {
			t.Fatalf("readback[%d] = %#x, want %#x", i, readback[i], code[i])
		}
	}
}

func TestPoolPatchInPlace(t *testing.T) {
	if !ptracetest.Supported() {
		t.Skip("ptrace integration test requires linux/amd64")
	}
	tr, cleanup, err := ptracetest.Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("ptracetest.Start: %v", err)
	}
	defer cleanup()

	p := NewPool(tr)
	defer p.Close()

	addr, err := p.Alloc([]byte{0x90, 0x90})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Patch(addr, []byte{0xcc, 0xcc}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	readback := make([]byte, 2)
	if err := tr.ReadMem(uintptr(addr), readback); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if readback[0] != 0xcc || readback[1] != 0xcc {
		t.Fatalf("readback = %#x, want [cc cc]", readback)
	}
}
