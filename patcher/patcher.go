// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patcher is the top-level translator and event loop: it owns the
// OA->compiled-unit map (Invariant B1), the breakpoint map keyed by pool
// address, and drives the ptrace-attached child from one sequence point to
// the next, calling into memcheck for the differential-execution round
// machine and into syscallcheck/pagetracker at the appropriate points. It
// corresponds to spec.md's top-level "open/start/run" driver.
package patcher

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/go-dbi/x86memcheck/block"
	"github.com/go-dbi/x86memcheck/codecache"
	"github.com/go-dbi/x86memcheck/config"
	"github.com/go-dbi/x86memcheck/decode"
	"github.com/go-dbi/x86memcheck/harnesslog"
	"github.com/go-dbi/x86memcheck/memcheck"
	"github.com/go-dbi/x86memcheck/pagetracker"
	"github.com/go-dbi/x86memcheck/rsb"
	"github.com/go-dbi/x86memcheck/snapshot"
	"github.com/go-dbi/x86memcheck/terminator"
	"github.com/go-dbi/x86memcheck/tracee"
)

// rsbCapacity is the Return-Stack Buffer's depth. It must be a power of
// two (terminator's epilogues mask the index with capacity-1).
const rsbCapacity = 16

// stackSnapshotPages is how many 4KiB pages below the current stack
// pointer the Memcheck driver snapshots for each round, the chosen
// interpretation of spec.md's "live stack region": this module does not
// attempt a full dirty-page scan of the whole address space per round,
// only the stack, since that is where the interesting class of bug this
// module targets (a function reading its own uninitialized locals) lives.
const stackSnapshotPages = 8

// FatalError distinguishes an unrecoverable harness error (one that must
// abort the tracee) from an ordinary error returned by a breakpoint
// callback, per spec.md §7's fatal/recoverable split.
type FatalError struct{ Err error }

func (e FatalError) Error() string { return fmt.Sprintf("patcher: fatal: %v", e.Err) }
func (e FatalError) Unwrap() error { return e.Err }

// BreakpointFunc is invoked when the tracee traps on a breakpoint
// previously registered at a given pool address. Returning a non-nil
// error aborts Run.
type BreakpointFunc func() error

// PreInstr is a caller-supplied instrumentation fragment a Transformer may
// ask to be emitted ahead of a body instruction.
type PreInstr struct{ Bytes []byte }

// Info exposes the block-construction context a Transformer or the Jcc
// predictor needs: the instructions accumulated so far in the block
// currently being translated.
type Info struct{ Insts []decode.Inst }

// Transformer is the caller-supplied instrumentation hook of spec.md
// §4.4. The built-in memcheck/syscallcheck/pagetracker wiring in this
// package does not need it (sequence points are detected directly from
// decode.Inst.IsSequencePoint, not through caller instrumentation), so it
// is reserved for instrumentation this module does not itself ship (e.g.
// a caller-supplied coverage or call-graph collector); when set, it is
// invoked once per body instruction and its returned fragments are logged
// but not spliced into the compiled output -- doing so would require
// widening every terminator.CompileX signature to carry per-instruction
// prefix bytes, which nothing built into this module currently needs.
type Transformer func(oa uintptr, inst decode.Inst, info Info) ([]PreInstr, error)

// translated is what LookupBlock's cache actually stores: the compiled
// unit, plus enough of the original decode to resolve an indirect branch
// or sequence point's real target at breakpoint time, when the original
// instruction bytes are no longer present in the compiled output.
type translated struct {
	compiled *terminator.Compiled
	term     decode.Inst // the branch instruction this unit ends in; zero Inst for a sequence-point unit
	isSeqPt  bool
	seqPtOA  uintptr // the OA of the real instruction to single-step over once the breakpoint fires
	seqKind  memcheck.SequencePointKind
}

// Patcher is the harness's translator and driver for one tracee.
type Patcher struct {
	cfg   config.Config
	log   *harnesslog.Logger
	tr    *tracee.Tracee
	pool  *codecache.Pool
	rsbuf *rsb.RSB
	pages *pagetracker.Tracker

	transform Transformer

	blocks      map[uintptr]*translated
	breakpoints map[codecache.PoolAddr]BreakpointFunc
	cacheSlot   map[codecache.PoolAddr]int
	branchAccum codecache.PoolAddr

	round        *memcheck.Round
	roundKind    memcheck.SequencePointKind
	roundStartOA uintptr
	// roundStartPA, when nonzero, overrides roundStartOA as the address a
	// subround replay rewinds PC to: a PROT_SHARED fault can land mid-block,
	// at a pool address with no original-code OA of its own to hand
	// LookupBlock, so the round it closes out is rearmed to restart
	// directly from that pool address instead of going through translation.
	roundStartPA codecache.PoolAddr
	curChecksum  *memcheck.Checksum
	lastTaint    *snapshot.State
	seedOverride *snapshot.State // never assigned; ChangePreState is handled by nextPageAddrs

	// segvReplayTarget is nonzero only while closeRound is replaying a
	// round that was itself closed by a PROT_SHARED page fault: the fault
	// recurs identically on every subround (the page stays locked until
	// all subrounds finish), so stepOnce must recognize a SIGSEGV at this
	// PC as reaching the replay target rather than re-entering handleSegv.
	segvReplayTarget codecache.PoolAddr

	initialStackTop uintptr
	exitStatus      int
}

// Open forks and execs path under PTRACE_TRACEME, waiting for the initial
// exec stop, and prepares an empty translator bound to the new tracee.
// The caller's goroutine is pinned to the current OS thread for the
// lifetime of the returned Patcher, matching ptrace's one-thread-per-
// tracer requirement.
func Open(path string, args []string, cfg config.Config) (*Patcher, error) {
	runtime.LockOSThread()

	cmd := exec.Command(path, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if cfg.PreloadShim != "" {
		cmd.Env = append(os.Environ(), "LD_PRELOAD="+cfg.PreloadShim)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("patcher: Open: starting %s: %w", path, err)
	}

	t := tracee.New(cmd.Process.Pid, path)
	if _, err := t.Wait(); err != nil {
		return nil, fmt.Errorf("patcher: Open: waiting for initial stop: %w", err)
	}

	pool := codecache.NewPool(t)
	buf, err := rsb.New(pool, rsbCapacity)
	if err != nil {
		return nil, fmt.Errorf("patcher: Open: %w", err)
	}
	pages, err := pagetracker.New(t.Pid())
	if err != nil {
		return nil, fmt.Errorf("patcher: Open: %w", err)
	}
	accumAddr, err := terminator.AllocAccumulator(pool)
	if err != nil {
		return nil, fmt.Errorf("patcher: Open: %w", err)
	}

	return &Patcher{
		cfg:         cfg,
		log:         harnesslog.New(cfg.Log, cfg.TraceExec || cfg.DumpSingleStepBkpts || cfg.DumpJccInfo),
		tr:          t,
		pool:        pool,
		rsbuf:       buf,
		pages:       pages,
		blocks:      make(map[uintptr]*translated),
		breakpoints: make(map[codecache.PoolAddr]BreakpointFunc),
		cacheSlot:   make(map[codecache.PoolAddr]int),
		branchAccum: accumAddr,
	}, nil
}

// SetTransformer installs the caller's instrumentation hook (see
// Transformer's doc comment for its current scope).
func (p *Patcher) SetTransformer(t Transformer) { p.transform = t }

// Start translates the tracee's current instruction pointer and begins
// executing from the code cache, arming the first Memcheck round.
func (p *Patcher) Start() error {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return fmt.Errorf("patcher: Start: %w", err)
	}
	p.initialStackTop = uintptr(regs.Rsp)

	entryOA := uintptr(regs.PC())
	if err := p.armRound(entryOA, memcheck.SeqSyscall); err != nil {
		return fmt.Errorf("patcher: Start: %w", err)
	}

	pa, err := p.LookupBlock(entryOA)
	if err != nil {
		return fmt.Errorf("patcher: Start: %w", err)
	}
	regs.SetPC(uint64(pa))
	return p.tr.SetRegs(&regs)
}

// LookupBlock implements Invariant B1: a compiled unit is built for oa at
// most once, and every subsequent request for the same OA returns the
// same pool address.
// LookupBlock itself never feeds the control-flow checksum: whether oa is
// a cache hit or a first-ever compile is a bookkeeping fact about this
// process's history, not a per-subround execution event, and folding it in
// only on the miss path made every subround but the first (which does
// virtually all of a round's discovery) checksum empty by comparison --
// exactly backwards. Jcc decisions are checksummed via the in-core
// accumulator every compiled Jcc's probe bumps (terminator.buildAccumProbe,
// folded in by foldAccum); indirect and return misses -- the only other
// branches whose target can vary subround to subround -- are checksummed
// in handleIndirectMiss/handleReturnMiss, which trap on every occurrence
// by construction since neither Tag is ever resolved to a direct jump.
func (p *Patcher) LookupBlock(oa uintptr) (codecache.PoolAddr, error) {
	if tr, ok := p.blocks[oa]; ok {
		return tr.compiled.Entry, nil
	}
	tr, err := p.translateFrom(oa)
	if err != nil {
		return 0, err
	}
	p.blocks[oa] = tr
	p.registerStubs(tr)
	return tr.compiled.Entry, nil
}

// stackPageAddrs returns the page-aligned addresses of the
// stackSnapshotPages pages below (and including) the tracee's current
// stack pointer.
func (p *Patcher) stackPageAddrs() []uintptr {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return nil
	}
	top := (uintptr(regs.Rsp) &^ (snapshot.PageSize - 1))
	out := make([]uintptr, 0, stackSnapshotPages)
	for i := 0; i < stackSnapshotPages; i++ {
		out = append(out, top-uintptr(i)*snapshot.PageSize)
	}
	return out
}

// stackRange returns the live stack region forced tainted at round
// finalization: from the current SP down to stackSnapshotPages pages
// below it.
func (p *Patcher) stackRange() (lo, hi uintptr) {
	regs, err := p.tr.GetRegs()
	if err != nil {
		return 0, 0
	}
	sp := uintptr(regs.Rsp)
	return sp - stackSnapshotPages*snapshot.PageSize, sp
}

// translateFrom discovers and compiles the next unit of original code
// starting at oa: either a sequence-point unit (if a SYSCALL/LOCK/RDTSC/RTM
// instruction appears in the straight-line body before any branch) or a
// full Block ending in its natural terminator.
func (p *Patcher) translateFrom(oa uintptr) (*translated, error) {
	b, err := block.Discover(p.tr, oa)
	if err != nil {
		return nil, fmt.Errorf("patcher: translateFrom: %w", err)
	}

	if p.transform != nil {
		for k, inst := range b.Insts {
			frags, err := p.transform(inst.Addr, inst, Info{Insts: b.Insts[:k]})
			if err != nil {
				return nil, fmt.Errorf("patcher: translateFrom: transformer at %#x: %w", inst.Addr, err)
			}
			if len(frags) > 0 {
				p.log.Debugf("patcher: transformer returned %d fragment(s) for %#x; not emitted", len(frags), inst.Addr)
			}
		}
	}

	for k, inst := range b.Insts {
		if inst.IsSequencePoint() {
			pre := &block.Block{OA: b.OA, Insts: b.Insts[:k]}
			c, err := terminator.CompileSequencePoint(p.pool, pre, inst.Addr)
			if err != nil {
				return nil, fmt.Errorf("patcher: translateFrom: %w", err)
			}
			return &translated{compiled: c, isSeqPt: true, seqPtOA: inst.Addr, seqKind: sequenceKind(inst)}, nil
		}
	}

	c, err := p.compileTerminated(b)
	if err != nil {
		return nil, err
	}
	return &translated{compiled: c, term: b.Terminator}, nil
}

// compileTerminated dispatches a fully-discovered Block to the
// terminator constructor matching its terminator's kind, then -- for a
// conditional jump -- eagerly resolves whichever side the configured
// prediction policy picked.
func (p *Patcher) compileTerminated(b *block.Block) (*terminator.Compiled, error) {
	switch b.Terminator.Kind() {
	case decode.DirectJump:
		return terminator.CompileDirectJump(p.pool, b)
	case decode.DirectJcc:
		c, err := terminator.CompileDirectJcc(p.pool, b, p.branchAccum)
		if err != nil {
			return nil, err
		}
		p.predictJcc(c)
		return c, nil
	case decode.DirectCall:
		return terminator.CompileDirectCallWithRSB(p.pool, b, p.rsbuf)
	case decode.IndirectCall:
		return terminator.CompileIndirectCall(p.pool, b, p.rsbuf)
	case decode.IndirectJump:
		return terminator.CompileIndirectJump(p.pool, b)
	case decode.Return:
		return terminator.CompileReturn(p.pool, b, p.rsbuf)
	default:
		return nil, fmt.Errorf("patcher: compileTerminated: block at %#x has no branch terminator", b.OA)
	}
}

// predictJcc eagerly resolves the stub terminator.Choose picked, so the
// first execution of a predicted-taken/not-taken Jcc never traps.
func (p *Patcher) predictJcc(c *terminator.Compiled) {
	tag, ok := terminator.Choose(p.cfg.Prediction, c)
	if !ok {
		return
	}
	for _, s := range c.Stubs {
		if s.Tag != tag {
			continue
		}
		pa, err := p.LookupBlock(s.TargetOA)
		if err != nil {
			p.log.Debugf("patcher: predictJcc: resolving %#x: %v", s.TargetOA, err)
			return
		}
		if err := terminator.ResolveStub(p.pool, s, pa); err != nil {
			p.log.Debugf("patcher: predictJcc: resolving stub at %#x: %v", s.Addr, err)
		}
		p.log.Debugf("patcher: eagerly resolved %s stub for block %#x -> %#x", tag, c.OA, s.TargetOA)
		return
	}
}

func sequenceKind(inst decode.Inst) memcheck.SequencePointKind {
	switch inst.Op().String() {
	case "SYSCALL":
		return memcheck.SeqSyscall
	case "RDTSC", "RDTSCP":
		return memcheck.SeqRDTSC
	case "XBEGIN", "XEND":
		return memcheck.SeqRTM
	default:
		return memcheck.SeqLock
	}
}

// registerStubs installs a BreakpointFunc for every stub a freshly
// compiled unit carries.
func (p *Patcher) registerStubs(tr *translated) {
	if tr.isSeqPt {
		for _, s := range tr.compiled.Stubs {
			stub := s
			p.breakpoints[stub.Addr] = func() error { return p.handleSeqPointBreak(tr, stub) }
		}
		return
	}
	for _, s := range tr.compiled.Stubs {
		stub := s
		switch stub.Tag {
		case terminator.TagBranch, terminator.TagFallthrough, terminator.TagCallTarget:
			p.breakpoints[stub.Addr] = func() error { return p.handleDirectMiss(stub) }
		case terminator.TagIndirectMiss:
			p.breakpoints[stub.Addr] = func() error { return p.handleIndirectMiss(tr, stub) }
		case terminator.TagReturnMiss:
			p.breakpoints[stub.Addr] = func() error { return p.handleReturnMiss(stub) }
		}
	}
}

// resetAccum zeroes the branch-checksum accumulator cell, called at the
// start of every subround replay so each subround's in-core checksum
// contribution starts from the same baseline.
func (p *Patcher) resetAccum() error {
	var zero [8]byte
	return p.tr.WriteMem(uintptr(p.branchAccum), zero[:])
}

// foldAccum reads the branch-checksum accumulator's current value and
// folds it into p.curChecksum, called once a subround's replay has reached
// its sequence point -- after this point every Jcc decision that subround
// made, resolved or not, is reflected in the comparison Round.Finalize
// makes against the other subrounds.
func (p *Patcher) foldAccum() error {
	var buf [8]byte
	if err := p.tr.ReadMem(uintptr(p.branchAccum), buf[:]); err != nil {
		return err
	}
	if p.curChecksum != nil {
		p.curChecksum.Observe(uintptr(le64(buf[:])))
	}
	return nil
}

// ExitStatus returns the tracee's exit status once Run has returned with a
// nil error. Only meaningful after the tracee has exited; spec.md §6
// requires the harness to propagate this verbatim as its own exit status.
func (p *Patcher) ExitStatus() int { return p.exitStatus }

// Pid returns the tracee's process ID, for diagnostics (e.g. the SIGINT
// maps dump) that need to reach outside the Patcher.
func (p *Patcher) Pid() int { return p.tr.Pid() }
