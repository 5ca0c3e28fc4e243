// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terminator

import (
	"fmt"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
)

// CompileSequencePoint compiles the straight-line run of instructions
// leading up to (but not including) a SYSCALL/LOCK/RDTSC/RTM instruction:
// body, then a single stub. pre.Insts must not itself contain a sequence
// point; the caller (package patcher) is responsible for truncating the
// discovered Block at the first one. seqPointOA is recorded nowhere in
// the compiled unit itself -- the patcher already knows it, since it is
// exactly what triggered the split -- but is accepted here so call sites
// read the same way as the other CompileX constructors and so a future
// caller can recover it from the returned Compiled's Stubs[0].TargetOA.
//
// Unlike every other terminator shape, the instruction this unit stops
// before is never relocated into the pool: it must execute once, for
// real, at its original address, since it is precisely the instruction
// whose side effect (a syscall, an atomic RMW, a timestamp read) must not
// be replayed across memcheck's differential subrounds.
func CompileSequencePoint(pool *codecache.Pool, pre *block.Block, seqPointOA uintptr) (*Compiled, error) {
	bodyLen := 0
	for _, inst := range pre.Insts {
		bodyLen += inst.Len
	}
	stub := buildStub(TagSeqPoint)
	entry, err := pool.Reserve(bodyLen + len(stub))
	if err != nil {
		return nil, fmt.Errorf("terminator: CompileSequencePoint: Reserve: %w", err)
	}
	body, err := relocateBody(pre, entry)
	if err != nil {
		return nil, err
	}
	stubAddr := entry + codecache.PoolAddr(bodyLen)
	if err := pool.WriteAt(entry, append(body, stub...)); err != nil {
		return nil, err
	}
	return &Compiled{
		OA:    pre.OA,
		Entry: entry,
		Stubs: []Stub{{Addr: stubAddr, Tag: TagSeqPoint, TargetOA: seqPointOA}},
	}, nil
}
