// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import "testing"

func TestDecodeDirectJump(t *testing.T) {
	// eb 05 : jmp +5
	code := []byte{0xeb, 0x05}
	inst, err := Decode(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Kind(), DirectJump; got != want {
		t.Fatalf("Kind = %v, want %v", got, want)
	}
	if got, want := inst.BranchTarget(), uintptr(0x1007); got != want {
		t.Errorf("BranchTarget = %#x, want %#x", got, want)
	}
	if got, want := inst.FallThrough(), uintptr(0x1002); got != want {
		t.Errorf("FallThrough = %#x, want %#x", got, want)
	}
}

func TestDecodeDirectJcc(t *testing.T) {
	// 74 02 : je +2
	code := []byte{0x74, 0x02}
	inst, err := Decode(code, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Kind(), DirectJcc; got != want {
		t.Fatalf("Kind = %v, want %v", got, want)
	}
	if got, want := inst.IClass(), "jcc"; got != want {
		t.Errorf("IClass = %q, want %q", got, want)
	}
	if got, want := inst.IForm(), "JE"; got != want {
		t.Errorf("IForm = %q, want %q", got, want)
	}
}

func TestDecodeIndirectJump(t *testing.T) {
	// ff e0 : jmp rax
	code := []byte{0xff, 0xe0}
	inst, err := Decode(code, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Kind(), IndirectJump; got != want {
		t.Fatalf("Kind = %v, want %v", got, want)
	}
}

func TestDecodeReturn(t *testing.T) {
	// c3 : ret
	code := []byte{0xc3}
	inst, err := Decode(code, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Kind(), Return; got != want {
		t.Fatalf("Kind = %v, want %v", got, want)
	}
}

func TestDecodeDirectCall(t *testing.T) {
	// e8 00 00 00 00 : call +0
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00}
	inst, err := Decode(code, 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Kind(), DirectCall; got != want {
		t.Fatalf("Kind = %v, want %v", got, want)
	}
	if got, want := inst.BranchTarget(), uintptr(0x5005); got != want {
		t.Errorf("BranchTarget = %#x, want %#x", got, want)
	}
}

func TestDecodeRIPRelative(t *testing.T) {
	// 48 8b 05 10 00 00 00 : mov rax, [rip+0x10]
	code := []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}
	inst, err := Decode(code, 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	if !inst.IsRIPRelative() {
		t.Errorf("IsRIPRelative = false, want true")
	}
}

func TestDecodeSequencePoints(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		want bool
	}{
		{"syscall", []byte{0x0f, 0x05}, true},
		{"lock-xadd", []byte{0xf0, 0x0f, 0xc1, 0x00}, true},
		{"plain-add", []byte{0x01, 0xd8}, false},
	}
	for _, c := range cases {
		inst, err := Decode(c.code, 0x7000)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got := inst.IsSequencePoint(); got != c.want {
			t.Errorf("%s: IsSequencePoint = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRelocateRIPRelative(t *testing.T) {
	// 48 8b 05 10 00 00 00 : mov rax, [rip+0x10], at 0x6000, targets 0x6017.
	code := []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}
	inst, err := Decode(code, 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	relocated, err := inst.Relocate(0x9000)
	if err != nil {
		t.Fatal(err)
	}
	reDecoded, err := Decode(relocated, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	wantTarget := int64(0x6000) + 7 + 0x10
	gotTarget := int64(0x9000) + 7 + int64(readRel32(reDecoded.Bytes[3:]))
	if gotTarget != wantTarget {
		t.Errorf("relocated target = %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestRelocatePlainInstructionUnchanged(t *testing.T) {
	code := []byte{0x01, 0xd8} // add eax, ebx
	inst, err := Decode(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	relocated, err := inst.Relocate(0x9000)
	if err != nil {
		t.Fatal(err)
	}
	if string(relocated) != string(code) {
		t.Errorf("Relocate changed a non-RIP-relative instruction: %x, want %x", relocated, code)
	}
}

func TestRedirectDirectJump(t *testing.T) {
	// eb 05 : jmp +5, originally targeting 0x1007 from 0x1000.
	code := []byte{0xeb, 0x05}
	inst, err := Decode(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	redirected, err := inst.Redirect(0x5000, 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	reDecoded, err := Decode(redirected, 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := reDecoded.BranchTarget(), uintptr(0x6000); got != want {
		t.Errorf("redirected BranchTarget = %#x, want %#x", got, want)
	}
}

func TestDecodeNotBranch(t *testing.T) {
	// 90 : nop
	code := []byte{0x90}
	inst, err := Decode(code, 0x8000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Kind(), NotBranch; got != want {
		t.Fatalf("Kind = %v, want %v", got, want)
	}
}
