// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package terminator compiles a discovered block's terminating branch into
// the code cache. Every branch kind ends in one or more 8-byte stub slots:
// an INT3, a tag byte identifying which stub fired, and six bytes of 0x90
// padding. The patcher package owns the breakpoint map and, on first hit,
// resolves the real destination and overwrites the slot's first five bytes
// with a direct JMP rel32 -- the trailing padding is never reached again,
// it only exists so the patch always fits regardless of how far away the
// resolved target lands. A Jcc's two stubs are each preceded by an 8-byte
// probe that bumps the branch-checksum accumulator (see AllocAccumulator)
// before falling into the stub proper, so a resolved (untrapped) side is
// still observed.
package terminator

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/decode"
)

// Tag identifies which stub slot a breakpoint trap fired from.
type Tag byte

const (
	TagFallthrough Tag = iota
	TagBranch
	TagCallTarget
	TagIndirectMiss
	TagReturnMiss
	TagSeqPoint
)

func (t Tag) String() string {
	switch t {
	case TagFallthrough:
		return "fallthrough"
	case TagBranch:
		return "branch"
	case TagCallTarget:
		return "call-target"
	case TagIndirectMiss:
		return "indirect-miss"
	case TagReturnMiss:
		return "return-miss"
	case TagSeqPoint:
		return "sequence-point"
	default:
		return "unknown"
	}
}

// stubSize is the reserved width of every lazy-resolution slot: 1 (INT3) +
// 1 (tag) + 6 bytes of 0x90 padding. ResolveStub later overwrites the
// first jmpPatchSize of them with a JMP rel32.
const stubSize = 8

// jmpPatchSize is how many of a stub's bytes ResolveStub overwrites.
const jmpPatchSize = 5

func buildStub(tag Tag) []byte {
	s := make([]byte, stubSize)
	s[0] = 0xcc
	s[1] = byte(tag)
	for i := 2; i < stubSize; i++ {
		s[i] = 0x90
	}
	return s
}

// probeLen is the width of a branch-checksum probe: REX.W + ADD r/m64,imm8
// opcode + a RIP-relative ModRM byte + disp32 + imm8.
const probeLen = 8

// buildAccumProbe assembles "ADD qword ptr [rip+disp], delta" addressed at
// probeAddr, targeting the branch-checksum accumulator cell at accumAddr.
// It is placed immediately ahead of a Jcc side's stub so the bump executes
// on every traversal of that side regardless of whether the stub itself is
// still trapping or has since been patched to a direct jump -- the in-core
// checksum form of spec.md §4.5, which (unlike the breakpoint form alone)
// keeps observing a Jcc's outcome after prediction resolves it away.
func buildAccumProbe(probeAddr, accumAddr codecache.PoolAddr, delta byte) ([]byte, error) {
	next := int64(probeAddr) + probeLen
	disp := int64(accumAddr) - next
	if disp > 1<<31-1 || disp < -(1<<31) {
		return nil, fmt.Errorf("terminator: buildAccumProbe: displacement %d out of range", disp)
	}
	b := make([]byte, probeLen)
	b[0] = 0x48 // REX.W
	b[1] = 0x83 // group 1 opcode, imm8 form
	b[2] = 0x05 // ModRM: mod=00 reg=000 (/0, ADD) rm=101 (RIP-relative)
	u := uint32(int32(disp))
	b[3] = byte(u)
	b[4] = byte(u >> 8)
	b[5] = byte(u >> 16)
	b[6] = byte(u >> 24)
	b[7] = delta
	return b, nil
}

// AllocAccumulator reserves and zeroes the 8-byte branch-checksum
// accumulator cell every compiled Jcc's probe bumps. There is exactly one
// per Patcher, allocated once and shared by every block the translator
// ever compiles.
func AllocAccumulator(pool *codecache.Pool) (codecache.PoolAddr, error) {
	return pool.Alloc(make([]byte, 8))
}

// Stub is one lazily-resolved breakpoint slot belonging to a compiled
// block.
type Stub struct {
	Addr     codecache.PoolAddr
	Tag      Tag
	TargetOA uintptr // the OA the patcher should translate to satisfy this stub; 0 if not statically known (indirect/return misses)

	// CacheAddr and CacheReg are set only for a TagIndirectMiss stub that
	// was compiled with an inline cache (CompileIndirectJump's register-
	// operand case): CacheAddr is the cache table's address in the pool,
	// and CacheReg is the x86asm register the cache compares against, so
	// the patcher can insert a newly resolved (OA, PA) pair on a miss
	// instead of patching the stub itself -- unlike every other Tag, an
	// indirect branch's target varies call to call, so there is no single
	// direct jump ResolveStub could install in its place.
	CacheAddr codecache.PoolAddr
	CacheReg  x86asm.Reg
}

// Compiled is the result of compiling one Block into the code cache.
type Compiled struct {
	OA    uintptr
	Entry codecache.PoolAddr
	Stubs []Stub
}

// ResolveStub overwrites a stub's first jmpPatchSize bytes with a direct
// jump to target, computed relative to the stub's own address in the pool.
// The patcher applies it only to stubs with a static target (TagBranch,
// TagFallthrough, TagCallTarget); indirect and return miss stubs stay
// armed and are never patched.
func ResolveStub(pool *codecache.Pool, stub Stub, target codecache.PoolAddr) error {
	disp := int64(target) - (int64(stub.Addr) + int64(jmpPatchSize))
	if disp > 1<<31-1 || disp < -(1<<31) {
		return fmt.Errorf("terminator: ResolveStub: displacement %d out of range", disp)
	}
	patch := make([]byte, jmpPatchSize)
	patch[0] = 0xe9
	u := uint32(int32(disp))
	patch[1] = byte(u)
	patch[2] = byte(u >> 8)
	patch[3] = byte(u >> 16)
	patch[4] = byte(u >> 24)
	return pool.Patch(stub.Addr, patch)
}

// relocateBody relocates b's straight-line body instructions against
// entry, returning their concatenated bytes. RIP-relative instructions
// have their displacement recomputed; everything else copies verbatim.
func relocateBody(b *block.Block, entry codecache.PoolAddr) ([]byte, error) {
	var out []byte
	addr := uintptr(entry)
	for _, inst := range b.Insts {
		bytes, err := inst.Relocate(addr)
		if err != nil {
			return nil, fmt.Errorf("terminator: relocating body instruction at %#x: %w", inst.Addr, err)
		}
		out = append(out, bytes...)
		addr += uintptr(inst.Len)
	}
	return out, nil
}

// CompileDirectJump compiles a block whose terminator is an unconditional
// direct JMP: the body, followed by the jump (relocated and redirected to
// point at a stub slot instead of its original OA target), followed by the
// stub itself.
func CompileDirectJump(pool *codecache.Pool, b *block.Block) (*Compiled, error) {
	if b.Terminator.Kind() != decode.DirectJump {
		return nil, fmt.Errorf("terminator: CompileDirectJump: block at %#x does not end in a direct jump", b.OA)
	}
	return compileSingleDirectBranch(pool, b, TagBranch, b.Terminator.BranchTarget())
}

// CompileDirectCall compiles a block whose terminator is a direct CALL.
// The RSB push itself is emitted by CompileDirectCallWithRSB; this entry
// point exists for completeness when a caller has no RSB in play (e.g. a
// first discovery pass) and simply treats the call like a jump whose
// target is the callee, never returning control to the fallthrough stub
// within this compiled unit.
func CompileDirectCall(pool *codecache.Pool, b *block.Block) (*Compiled, error) {
	if b.Terminator.Kind() != decode.DirectCall {
		return nil, fmt.Errorf("terminator: CompileDirectCall: block at %#x does not end in a direct call", b.OA)
	}
	return compileSingleDirectBranch(pool, b, TagCallTarget, b.Terminator.BranchTarget())
}

// compileSingleDirectBranch is shared by any terminator shape with exactly
// one direct target: body, redirected branch, one stub.
func compileSingleDirectBranch(pool *codecache.Pool, b *block.Block, tag Tag, targetOA uintptr) (*Compiled, error) {
	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	stub := buildStub(tag)
	total := bodyLen + b.Terminator.Len + len(stub)

	entry, err := pool.Reserve(total)
	if err != nil {
		return nil, fmt.Errorf("terminator: Reserve: %w", err)
	}

	body, err := relocateBody(b, entry)
	if err != nil {
		return nil, err
	}

	branchAddr := uintptr(entry) + uintptr(bodyLen)
	stubAddr := entry + codecache.PoolAddr(bodyLen+b.Terminator.Len)
	branchBytes, err := b.Terminator.Redirect(branchAddr, uintptr(stubAddr))
	if err != nil {
		return nil, fmt.Errorf("terminator: redirecting branch at %#x: %w", b.Terminator.Addr, err)
	}

	full := append(append(body, branchBytes...), stub...)
	if err := pool.WriteAt(entry, full); err != nil {
		return nil, err
	}

	return &Compiled{
		OA:    b.OA,
		Entry: entry,
		Stubs: []Stub{{Addr: stubAddr, Tag: tag, TargetOA: targetOA}},
	}, nil
}

// CompileDirectJcc compiles a block whose terminator is a conditional
// direct jump: body, the Jcc (relocated and redirected to the "branch"
// side's probe), the "fallthrough" side's probe+stub (the side the CPU
// lands on by falling through the Jcc, physically adjacent to it), then
// the "branch" side's probe+stub (the side the Jcc's redirect explicitly
// targets). Each side's probe bumps the branch-checksum accumulator at
// accumAddr before falling into that side's ordinary lazy-resolution
// stub, so the checksum observes every traversal -- not just the ones
// that still trap -- once Choose (see predict.go) has resolved
// one side to a direct jump.
func CompileDirectJcc(pool *codecache.Pool, b *block.Block, accumAddr codecache.PoolAddr) (*Compiled, error) {
	if b.Terminator.Kind() != decode.DirectJcc {
		return nil, fmt.Errorf("terminator: CompileDirectJcc: block at %#x does not end in a conditional jump", b.OA)
	}

	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	branchStub := buildStub(TagBranch)
	fallStub := buildStub(TagFallthrough)
	total := bodyLen + b.Terminator.Len + 2*probeLen + len(branchStub) + len(fallStub)

	entry, err := pool.Reserve(total)
	if err != nil {
		return nil, fmt.Errorf("terminator: Reserve: %w", err)
	}

	body, err := relocateBody(b, entry)
	if err != nil {
		return nil, err
	}

	jccAddr := uintptr(entry) + uintptr(bodyLen)
	fallProbeAddr := entry + codecache.PoolAddr(bodyLen+b.Terminator.Len)
	fallStubAddr := fallProbeAddr + codecache.PoolAddr(probeLen)
	branchProbeAddr := fallStubAddr + codecache.PoolAddr(len(fallStub))
	branchStubAddr := branchProbeAddr + codecache.PoolAddr(probeLen)

	jccBytes, err := b.Terminator.Redirect(jccAddr, uintptr(branchProbeAddr))
	if err != nil {
		return nil, fmt.Errorf("terminator: redirecting jcc at %#x: %w", b.Terminator.Addr, err)
	}

	jccSite := byte(b.Terminator.Addr)
	fallProbe, err := buildAccumProbe(fallProbeAddr, accumAddr, jccSite&^1)
	if err != nil {
		return nil, fmt.Errorf("terminator: building fallthrough probe: %w", err)
	}
	branchProbe, err := buildAccumProbe(branchProbeAddr, accumAddr, jccSite|1)
	if err != nil {
		return nil, fmt.Errorf("terminator: building branch probe: %w", err)
	}

	full := append(append(body, jccBytes...), fallProbe...)
	full = append(full, fallStub...)
	full = append(full, branchProbe...)
	full = append(full, branchStub...)
	if err := pool.WriteAt(entry, full); err != nil {
		return nil, err
	}

	return &Compiled{
		OA:    b.OA,
		Entry: entry,
		Stubs: []Stub{
			{Addr: branchStubAddr, Tag: TagBranch, TargetOA: b.Terminator.BranchTarget()},
			{Addr: fallStubAddr, Tag: TagFallthrough, TargetOA: b.Terminator.FallThrough()},
		},
	}, nil
}
