// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terminator

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/decode"
	"github.com/go-dbi/x86memcheck/rsb"
)

// CompileIndirectCall compiles a block ending in an indirect CALL. Unlike
// an indirect jump, the call's target is usually a small, highly
// polymorphic set (a vtable slot, a PLT entry) visited far less often per
// site than an indirect jump's dispatch table, so this module always
// traps rather than maintaining a second inline cache: the RSB push
// prologue runs first (so the eventual return still predicts), then
// control falls straight into a TagIndirectMiss stub. The register (if
// any) the target came from is recorded on the Stub so the patcher can
// resolve the real target the same way it resolves an indirect jump miss.
func CompileIndirectCall(pool *codecache.Pool, b *block.Block, buf *rsb.RSB) (*Compiled, error) {
	if b.Terminator.Kind() != decode.IndirectCall {
		return nil, fmt.Errorf("terminator: CompileIndirectCall: block at %#x does not end in an indirect call", b.OA)
	}

	returnOA := b.Terminator.FallThrough()
	prologue, err := assembleCallPrologue(buf, uint64(returnOA))
	if err != nil {
		return nil, err
	}
	stub := buildStub(TagIndirectMiss)

	bodyLen := 0
	for _, inst := range b.Insts {
		bodyLen += inst.Len
	}
	total := bodyLen + len(prologue) + len(stub)
	entry, err := pool.Reserve(total)
	if err != nil {
		return nil, fmt.Errorf("terminator: Reserve: %w", err)
	}
	body, err := relocateBody(b, entry)
	if err != nil {
		return nil, err
	}
	stubAddr := entry + codecache.PoolAddr(bodyLen+len(prologue))
	full := append(append(body, prologue...), stub...)
	if err := pool.WriteAt(entry, full); err != nil {
		return nil, err
	}

	var cacheReg x86asm.Reg
	if reg, ok := b.Terminator.IndirectTargetReg(); ok {
		cacheReg = reg
	}

	return &Compiled{
		OA:    b.OA,
		Entry: entry,
		Stubs: []Stub{{Addr: stubAddr, Tag: TagIndirectMiss, CacheReg: cacheReg}},
	}, nil
}
