// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codecache manages the Block Pool (executable code cache) and
// Pointer Pool (terminator scratch data) living inside the tracee's address
// space. Both are bump allocators with the same block/consumed/remaining
// bookkeeping as the teacher's MMapAllocator; the difference is that the
// bytes being allocated execute in the tracee, not in this process, so each
// Pool keeps a local mmap-backed shadow buffer that is assembled here and
// then copied into the tracee via ptrace.
package codecache

import (
	"fmt"

	"github.com/edsrzf/mmap-go"

	"github.com/go-dbi/x86memcheck/tracee"
)

// minAllocSize is the size of each remote mmap the Pool requests from the
// tracee when it runs out of room, mirroring the teacher's per-block size.
const minAllocSize = 32 * 1024

// allocationAlignment keeps every Block Pool entry naturally aligned so
// terminator patch-backs (which rewrite a fixed prefix of a block in
// place) never straddle a cache line boundary.
const allocationAlignment = 16

// PoolAddr is an address inside the tracee's address space that belongs to
// a Pool-managed region (a Pool Address, PA, in spec.md's terminology).
type PoolAddr uintptr

// block is one remote mmap'd region together with its local shadow mirror.
type block struct {
	remote    PoolAddr
	shadow    mmap.MMap
	consumed  uint32
	remaining uint32
}

// Pool is a bump allocator for executable memory living inside a tracee.
type Pool struct {
	t      *tracee.Tracee
	blocks []*block
	last   *block
}

// NewPool creates an empty Pool bound to t. Nothing is allocated until the
// first Alloc call.
func NewPool(t *tracee.Tracee) *Pool {
	return &Pool{t: t}
}

// growBlock requests a new minAllocSize-or-larger executable mapping from
// the tracee (via a remote mmap(2) injected through t) and pairs it with a
// same-sized local shadow buffer that mirrors its contents so this process
// can assemble code before copying it over.
func (p *Pool) growBlock(need uint32) (*block, error) {
	size := uint32(minAllocSize)
	if need > size {
		size = need
	}
	const (
		protReadWriteExec = 0x7 // PROT_READ|PROT_WRITE|PROT_EXEC
		mapPrivateAnon    = 0x22
	)
	ret, err := p.t.InjectSyscall(9 /* SYS_mmap */, 0, uint64(size), protReadWriteExec, mapPrivateAnon, ^uint64(0), 0)
	if err != nil {
		return nil, fmt.Errorf("codecache: remote mmap: %w", err)
	}
	if int64(ret) < 0 && int64(ret) > -4096 {
		return nil, fmt.Errorf("codecache: remote mmap failed, errno %d", -int64(ret))
	}
	shadow, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("codecache: local shadow mmap: %w", err)
	}
	b := &block{remote: PoolAddr(ret), shadow: shadow, remaining: size}
	p.blocks = append(p.blocks, b)
	p.last = b
	return b, nil
}

// Reserve carves out size bytes without writing anything, returning the
// address the next WriteAt(addr, ...) of up to that many bytes must target.
// Callers that need to know a block's destination address before they can
// finish assembling it -- relocating a RIP-relative instruction requires
// knowing its new address -- call Reserve first, compute bytes against the
// returned address, then WriteAt.
func (p *Pool) Reserve(size int) (PoolAddr, error) {
	b := p.last
	if b == nil || uint32(size) > b.remaining {
		var err error
		b, err = p.growBlock(uint32(size))
		if err != nil {
			return 0, err
		}
	}
	off := b.consumed
	addr := b.remote + PoolAddr(off)

	aligned := uint32(size)
	if rem := aligned % allocationAlignment; rem != 0 {
		aligned += allocationAlignment - rem
	}
	b.consumed += aligned
	if aligned > b.remaining {
		b.remaining = 0
	} else {
		b.remaining -= aligned
	}
	return addr, nil
}

// WriteAt writes code into a region previously returned by Reserve (or
// directly, for callers that already know their destination is untouched
// tracee memory, such as a fresh Reserve call immediately followed by
// exactly one WriteAt).
func (p *Pool) WriteAt(addr PoolAddr, code []byte) error {
	for _, b := range p.blocks {
		if addr < b.remote || uintptr(addr)+uintptr(len(code)) > uintptr(b.remote)+uintptr(len(b.shadow)) {
			continue
		}
		off := uintptr(addr) - uintptr(b.remote)
		copy(b.shadow[off:], code)
		return p.t.WriteMem(uintptr(addr), code)
	}
	return fmt.Errorf("codecache: WriteAt: address %#x not owned by this pool", addr)
}

// Alloc reserves and immediately writes code, returning the address it now
// lives at in the tracee. It is the common case; Reserve/WriteAt exist
// separately only for callers needing the address before the bytes are
// final.
func (p *Pool) Alloc(code []byte) (PoolAddr, error) {
	addr, err := p.Reserve(len(code))
	if err != nil {
		return 0, err
	}
	if err := p.WriteAt(addr, code); err != nil {
		return 0, err
	}
	return addr, nil
}

// Patch overwrites len(code) bytes already allocated at addr, used by the
// terminator package's breakpoint-triggered lazy resolution to rewrite a
// placeholder stub into a resolved direct branch in place.
func (p *Pool) Patch(addr PoolAddr, code []byte) error {
	return p.WriteAt(addr, code)
}

// Close releases the local shadow buffers. The remote mappings belong to
// the tracee and are reclaimed when it exits.
func (p *Pool) Close() error {
	var first error
	for _, b := range p.blocks {
		if err := b.shadow.Unmap(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
