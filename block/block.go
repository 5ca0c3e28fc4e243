// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block discovers basic blocks in the tracee: starting at an
// original address (OA), it decodes straight-line instructions until it
// hits one with a control transfer, which becomes the block's terminator.
// The terminator package takes a discovered Block and compiles it into the
// code cache; this package only knows how to find block boundaries.
package block

import (
	"fmt"

	"github.com/go-dbi/x86memcheck/decode"
	"github.com/go-dbi/x86memcheck/tracee"
)

// maxInstLen is the longest possible x86-64 instruction encoding.
const maxInstLen = 15

// readChunk is how many bytes are pulled from the tracee per decode
// attempt; it must be at least maxInstLen so a single ReadMem always
// covers one full instruction. A read that runs past the end of the
// mapping fails, and Discover returns that error.
const readChunk = 16

// Block is a maximal straight-line instruction sequence beginning at OA and
// ending at (and including) its Terminator.
type Block struct {
	OA         uintptr
	Insts      []decode.Inst // body, in program order, excluding the terminator
	Terminator decode.Inst
}

// Size is the total encoded length of the block's body plus its terminator,
// i.e. the span of original bytes this block covers.
func (b *Block) Size() int {
	n := b.Terminator.Len
	for _, i := range b.Insts {
		n += i.Len
	}
	return n
}

// End returns the original address one past the terminator.
func (b *Block) End() uintptr { return b.OA + uintptr(b.Size()) }

// Discover reads and decodes instructions from t starting at oa until a
// branch instruction is found, returning the resulting Block.
func Discover(t *tracee.Tracee, oa uintptr) (*Block, error) {
	b := &Block{OA: oa}
	addr := oa

	for {
		buf := make([]byte, readChunk)
		if err := t.ReadMem(addr, buf); err != nil {
			return nil, fmt.Errorf("block: Discover: read at %#x: %w", addr, err)
		}
		inst, err := decode.Decode(buf, addr)
		if err != nil {
			return nil, fmt.Errorf("block: Discover: decode at %#x: %w", addr, err)
		}

		if inst.Kind() != decode.NotBranch {
			b.Terminator = inst
			return b, nil
		}

		b.Insts = append(b.Insts, inst)
		addr += uintptr(inst.Len)
	}
}
