// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import "fmt"

// PointerPool is an append-only arena of 8-byte slots living inside the
// Block Pool's memory; a slot's contents can be rewritten in place with
// Write. No terminator allocates through it: the indirect jump inline
// cache and the Return-Stack Buffer take their storage directly from
// Pool.Alloc.
type PointerPool struct {
	pool *Pool
	base PoolAddr
	next uint32
	size uint32
}

const pointerSlotSize = 8

// NewPointerPool reserves count 8-byte slots from pool, zero-initialized.
func NewPointerPool(pool *Pool, count int) (*PointerPool, error) {
	zeros := make([]byte, count*pointerSlotSize)
	base, err := pool.Alloc(zeros)
	if err != nil {
		return nil, fmt.Errorf("codecache: NewPointerPool: %w", err)
	}
	return &PointerPool{pool: pool, base: base, size: uint32(count)}, nil
}

// Reserve returns the address of the next free slot.
func (pp *PointerPool) Reserve() (PoolAddr, error) {
	if pp.next >= pp.size {
		return 0, fmt.Errorf("codecache: PointerPool exhausted (%d slots)", pp.size)
	}
	addr := pp.base + PoolAddr(pp.next*pointerSlotSize)
	pp.next++
	return addr, nil
}

// Write stores an 8-byte value (a PA, an OA, or a tag) into the slot at addr.
func (pp *PointerPool) Write(addr PoolAddr, value uint64) error {
	var buf [8]byte
	putUint64LE(buf[:], value)
	return pp.pool.Patch(addr, buf[:])
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
