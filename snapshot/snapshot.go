// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot implements the State algebra of spec.md §3/§4.5: a
// per-page capture of tracee memory (a Snapshot) paired with the register
// file (a State), supporting the bitwise operations the Memcheck driver
// needs to build pre/post-round diffs -- XOR to find which bytes changed
// across two replays, OR to accumulate taint, zero/fill to seed the two
// differently-initialized replay runs, and a structural equality check
// (Invariant S1: two States captured over the same page set compare equal
// iff every captured byte and register matches).
package snapshot

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/go-dbi/x86memcheck/tracee"
)

// PageSize is the granularity a Snapshot captures memory at.
const PageSize = 4096

// page is one page's raw captured bytes.
type page [PageSize]byte

// Snapshot is a sparse, page-granular capture of tracee memory: only pages
// explicitly added via Save or OrPage are present, mirroring the original's
// unordered_map<pageaddr, page> rather than modeling the whole address
// space.
type Snapshot struct {
	pages map[uintptr]*page
}

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{pages: make(map[uintptr]*page)}
}

// pageAddr rounds addr down to its containing page boundary.
func pageAddr(addr uintptr) uintptr { return addr &^ (PageSize - 1) }

// Save replaces the Snapshot's contents with a fresh read of every page in
// pageAddrs (each must already be page-aligned) from r.
func (s *Snapshot) Save(r tracee.MemReader, pageAddrs []uintptr) error {
	pages := make(map[uintptr]*page, len(pageAddrs))
	for _, a := range pageAddrs {
		if a != pageAddr(a) {
			return fmt.Errorf("snapshot: Save: %#x is not page-aligned", a)
		}
		var p page
		if err := r.ReadMem(a, p[:]); err != nil {
			return fmt.Errorf("snapshot: Save: reading page %#x: %w", a, err)
		}
		pages[a] = &p
	}
	s.pages = pages
	return nil
}

// Restore writes every captured page back into the tracee via w.
func (s *Snapshot) Restore(w tracee.MemWriter) error {
	for addr, p := range s.pages {
		if err := w.WriteMem(addr, p[:]); err != nil {
			return fmt.Errorf("snapshot: Restore: writing page %#x: %w", addr, err)
		}
	}
	return nil
}

// addrs returns the snapshot's page addresses in ascending order, giving
// every iteration-order-sensitive operation below a deterministic walk.
func (s *Snapshot) addrs() []uintptr {
	out := make([]uintptr, 0, len(s.pages))
	for a := range s.pages {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Similar reports whether s and other were captured over exactly the same
// page set, the precondition every binary operator below asserts (the
// original's Snapshot::similar).
func (s *Snapshot) Similar(other *Snapshot) bool {
	if len(s.pages) != len(other.pages) {
		return false
	}
	for a := range s.pages {
		if _, ok := other.pages[a]; !ok {
			return false
		}
	}
	return true
}

// Equal reports whether every captured byte matches.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if !s.Similar(other) {
		return false
	}
	for a, p := range s.pages {
		if *p != *other.pages[a] {
			return false
		}
	}
	return true
}

func (s *Snapshot) binop(other *Snapshot, f func(a, b byte) byte) (*Snapshot, error) {
	if !s.Similar(other) {
		return nil, fmt.Errorf("snapshot: binop: snapshots were not captured over the same page set")
	}
	out := NewSnapshot()
	for a, p := range s.pages {
		q := other.pages[a]
		var r page
		for i := range p {
			r[i] = f(p[i], q[i])
		}
		out.pages[a] = &r
	}
	return out, nil
}

// Xor returns a new Snapshot holding s^other, byte by byte. The Memcheck
// driver uses this to find exactly which bytes differ between two replays
// seeded with different uninitialized-memory fill patterns: a nonzero byte
// here is evidence the program read uninitialized memory during the round
// (spec.md §4.5).
func (s *Snapshot) Xor(other *Snapshot) (*Snapshot, error) {
	return s.binop(other, func(a, b byte) byte { return a ^ b })
}

// Or returns a new Snapshot holding s|other, used to accumulate the taint
// state across subrounds (once a byte is flagged tainted it stays flagged).
func (s *Snapshot) Or(other *Snapshot) (*Snapshot, error) {
	return s.binop(other, func(a, b byte) byte { return a | b })
}

// Zero clears every captured page to all-zero bytes in place.
func (s *Snapshot) Zero() {
	for _, p := range s.pages {
		for i := range p {
			p[i] = 0
		}
	}
}

// IsZero reports whether every captured byte is zero.
func (s *Snapshot) IsZero() bool {
	for _, p := range s.pages {
		for _, b := range p {
			if b != 0 {
				return false
			}
		}
	}
	return true
}

// Fill sets every captured byte to val. memcheck's SeedSubround does not
// call it: it fills only the captured bytes below the stack pointer.
func (s *Snapshot) Fill(val byte) {
	for _, p := range s.pages {
		for i := range p {
			p[i] = val
		}
	}
}

// Read copies the len(buf) bytes starting at addr out of the captured
// pages into buf. addr..addr+len(buf) must lie within a single captured
// page.
func (s *Snapshot) Read(addr uintptr, buf []byte) error {
	base := pageAddr(addr)
	p, ok := s.pages[base]
	if !ok {
		return fmt.Errorf("snapshot: Read: page %#x not captured", base)
	}
	off := int(addr - base)
	if off+len(buf) > PageSize {
		return fmt.Errorf("snapshot: Read: %#x..%#x spans a page boundary", addr, addr+uintptr(len(buf)))
	}
	copy(buf, p[off:off+len(buf)])
	return nil
}

// PageAddrs exposes the captured page set, sorted, for diagnostics.
func (s *Snapshot) PageAddrs() []uintptr { return s.addrs() }

// OrPage ORs a page-sized byte slice into the page at addr in place,
// capturing a fresh zero page first if addr was not already present. The
// Memcheck driver uses this to force-taint the live-stack range within an
// already-computed taint snapshot without disturbing its other pages.
func (s *Snapshot) OrPage(addr uintptr, raw []byte) error {
	if len(raw) != PageSize {
		return fmt.Errorf("snapshot: OrPage: raw must be %d bytes, got %d", PageSize, len(raw))
	}
	p, ok := s.pages[addr]
	if !ok {
		var np page
		p = &np
		s.pages[addr] = p
	}
	for i := range p {
		p[i] |= raw[i]
	}
	return nil
}

// State bundles a register file snapshot with a Snapshot of tracked
// memory, the unit the Memcheck driver diffs, XORs and compares wholesale
// between pre_state and each entry of post_states (spec.md §4.5).
type State struct {
	Regs     tracee.Regs
	FPRegs   tracee.FPRegs
	Snapshot *Snapshot
}

// NewState returns a State with an empty Snapshot.
func NewState() *State {
	return &State{Snapshot: NewSnapshot()}
}

// Save captures r's current register file plus every page in pageAddrs.
func (st *State) Save(r tracee.Tracer, pageAddrs []uintptr) error {
	regs, err := r.GetRegs()
	if err != nil {
		return fmt.Errorf("snapshot: State.Save: GetRegs: %w", err)
	}
	fp, err := r.GetFPRegs()
	if err != nil {
		return fmt.Errorf("snapshot: State.Save: GetFPRegs: %w", err)
	}
	st.Regs, st.FPRegs = regs, fp
	return st.Snapshot.Save(r, pageAddrs)
}

// Restore writes the State's registers and captured memory back into w.
func (st *State) Restore(w tracee.Tracer) error {
	if err := w.SetRegs(&st.Regs); err != nil {
		return fmt.Errorf("snapshot: State.Restore: SetRegs: %w", err)
	}
	if err := w.SetFPRegs(&st.FPRegs); err != nil {
		return fmt.Errorf("snapshot: State.Restore: SetFPRegs: %w", err)
	}
	return st.Snapshot.Restore(w)
}

// Equal implements Invariant S1: two States compare equal iff every
// register and every captured byte matches.
func (st *State) Equal(other *State) bool {
	return st.Regs == other.Regs && st.FPRegs == other.FPRegs && st.Snapshot.Equal(other.Snapshot)
}

// Similar reports whether st and other captured the same page set (but not
// necessarily the same register values), the precondition Xor/Or require.
func (st *State) Similar(other *State) bool { return st.Snapshot.Similar(other.Snapshot) }

// Xor returns a new State holding the XOR of both the captured memory and
// the raw register words, used to find every byte of register or memory
// state two replays disagree on.
func (st *State) Xor(other *State) (*State, error) {
	mem, err := st.Snapshot.Xor(other.Snapshot)
	if err != nil {
		return nil, err
	}
	out := &State{Snapshot: mem}
	xorStruct(unsafe.Pointer(&out.Regs), unsafe.Pointer(&st.Regs), unsafe.Pointer(&other.Regs), int(unsafe.Sizeof(out.Regs)))
	xorStruct(unsafe.Pointer(&out.FPRegs), unsafe.Pointer(&st.FPRegs), unsafe.Pointer(&other.FPRegs), int(unsafe.Sizeof(out.FPRegs)))
	return out, nil
}

// xorStruct XORs two fixed-layout register structs byte by byte into dst,
// mirroring the original's reg_t-pointer walk over user_regs_struct/
// user_fpregs_struct (state.hh's free-standing operator^ overloads) without
// needing a per-field Go translation of either struct.
func xorStruct(dst, a, b unsafe.Pointer, size int) {
	d := (*[1 << 20]byte)(dst)[:size:size]
	x := (*[1 << 20]byte)(a)[:size:size]
	y := (*[1 << 20]byte)(b)[:size:size]
	for i := 0; i < size; i++ {
		d[i] = x[i] ^ y[i]
	}
}
