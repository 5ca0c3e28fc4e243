// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memcheck implements the round/subround differential-execution
// driver of spec.md §4.5: between consecutive sequence points, the
// instruction interval is replayed len(config.Config.FillPatterns) times,
// each time with the tracee's otherwise-uninitialized stack memory seeded
// with a different fill byte, and the replays' post-states are XORed
// together to find every byte a fill pattern could reach -- evidence the
// program read memory it never initialized.
package memcheck

import (
	"fmt"
	"hash/fnv"

	"github.com/go-dbi/x86memcheck/config"
	"github.com/go-dbi/x86memcheck/snapshot"
	"github.com/go-dbi/x86memcheck/tracee"
)

// SequencePointKind identifies which of spec.md §4.5's five sequence-point
// triggers ended the current round.
type SequencePointKind int

const (
	SeqSyscall SequencePointKind = iota
	SeqLock
	SeqRDTSC
	SeqRTM
	SeqProtShared
)

func (k SequencePointKind) String() string {
	switch k {
	case SeqSyscall:
		return "syscall"
	case SeqLock:
		return "lock"
	case SeqRDTSC:
		return "rdtsc"
	case SeqRTM:
		return "rtm"
	case SeqProtShared:
		return "prot-shared"
	default:
		return "unknown"
	}
}

// Checksum is a cheap rolling hash fed from two sources during one
// subround's replay: the breakpoint-observed form (patcher's
// handleIndirectMiss/handleReturnMiss fold in an OA whenever a trap actually
// fires, since an indirect or return target varies call to call and can
// never be resolved away) and the in-core form (patcher.foldAccum folds in
// the branch-checksum accumulator every compiled Jcc's probe bumps, which
// keeps recording a Jcc's outcome even after terminator.ResolveStub has
// patched that side into an untrapped direct jump). Two subrounds whose
// checksums disagree took different control-flow paths -- a read of
// uninitialized memory influenced a branch outcome, not merely a data
// value -- which memcheck treats as a distinct, more severe finding than
// an ordinary data-taint diff (spec.md §4.5's "two checksum forms").
type Checksum struct{ h uint64 }

// NewChecksum returns a fresh, empty Checksum.
func NewChecksum() *Checksum {
	return &Checksum{h: fnv.New64a().Sum64()}
}

const fnvPrime64 = 1099511628211

// Observe folds oa into the running checksum (an inlined FNV-1a step).
func (c *Checksum) Observe(oa uintptr) {
	for i := 0; i < 8; i++ {
		c.h ^= uint64(byte(oa >> (8 * i)))
		c.h *= fnvPrime64
	}
}

// Equal reports whether two checksums' observed sequences could plausibly
// match (collisions aside, the case this module accepts per DESIGN.md).
func (c *Checksum) Equal(other *Checksum) bool { return c.h == other.h }

// Round holds the state accumulated for one round: the pre-state every
// subround replays from, each subround's resulting post-state and
// checksum, and (once Finalize is called) the combined taint.
type Round struct {
	cfg        config.Config
	preState   *snapshot.State
	postStates []*snapshot.State
	checksums  []*Checksum
	taint      *snapshot.State
	completed  int
}

// NewRound begins a round by capturing tr's current state over pageAddrs
// as the pre-state every subround will replay from.
func NewRound(cfg config.Config, tr tracee.Tracer, pageAddrs []uintptr) (*Round, error) {
	if len(cfg.FillPatterns) < 2 {
		return nil, fmt.Errorf("memcheck: NewRound: need at least 2 fill patterns, got %d", len(cfg.FillPatterns))
	}
	pre := snapshot.NewState()
	if err := pre.Save(tr, pageAddrs); err != nil {
		return nil, fmt.Errorf("memcheck: NewRound: capturing pre-state: %w", err)
	}
	return &Round{
		cfg:        cfg,
		preState:   pre,
		postStates: make([]*snapshot.State, len(cfg.FillPatterns)),
		checksums:  make([]*Checksum, len(cfg.FillPatterns)),
	}, nil
}

// Subrounds returns the configured number of replays per round.
func (r *Round) Subrounds() int { return len(r.cfg.FillPatterns) }

// SeedSubround restores the round's pre-state into tr, then overwrites
// every captured byte below the pre-state's stack pointer with this
// subround's fill pattern; bytes at or above SP and the registers keep
// their pre-state values -- the actual replay (driving the tracee back to
// the same sequence point) is the Patcher's job, invoked by the caller
// between SeedSubround and CompleteSubround.
func (r *Round) SeedSubround(i int, tr tracee.Tracer) error {
	if i < 0 || i >= len(r.postStates) {
		return fmt.Errorf("memcheck: SeedSubround: index %d out of range", i)
	}
	if err := r.preState.Restore(tr); err != nil {
		return fmt.Errorf("memcheck: SeedSubround: restoring pre-state: %w", err)
	}
	sp := uintptr(r.preState.Regs.Rsp)
	fill := snapshot.NewSnapshot()
	for _, addr := range r.preState.Snapshot.PageAddrs() {
		raw := make([]byte, snapshot.PageSize)
		if err := r.preState.Snapshot.Read(addr, raw); err != nil {
			return fmt.Errorf("memcheck: SeedSubround: %w", err)
		}
		for j := range raw {
			if addr+uintptr(j) < sp {
				raw[j] = r.cfg.FillPatterns[i]
			}
		}
		if err := fill.OrPage(addr, raw); err != nil {
			return fmt.Errorf("memcheck: SeedSubround: %w", err)
		}
	}
	if err := fill.Restore(tr); err != nil {
		return fmt.Errorf("memcheck: SeedSubround: seeding fill pattern: %w", err)
	}
	return nil
}

// CompleteSubround captures the tracee's state at the end of subround i's
// replay (the caller has driven it back to the matching sequence point)
// and records the control-flow checksum observed along the way.
func (r *Round) CompleteSubround(i int, tr tracee.Tracer, pageAddrs []uintptr, chk *Checksum) error {
	post := snapshot.NewState()
	if err := post.Save(tr, pageAddrs); err != nil {
		return fmt.Errorf("memcheck: CompleteSubround: %w", err)
	}
	r.postStates[i] = post
	r.checksums[i] = chk
	r.completed++
	return nil
}

// Finalize implements step 4 of spec.md §4.5: once every subround has
// completed, compute taint_state = OR_i(post_states[0] XOR post_states[i]),
// with the live stack region [stackLo, stackHi) forced tainted, and compare
// checksums across subrounds. It returns the combined taint state, or an
// error if the subrounds' control-flow checksums disagree -- a more severe
// finding than ordinary data taint, since it means a branch decision itself
// depended on uninitialized memory.
func (r *Round) Finalize(kind SequencePointKind, stackLo, stackHi uintptr) (*snapshot.State, error) {
	if r.completed != len(r.postStates) {
		return nil, fmt.Errorf("memcheck: Finalize: only %d/%d subrounds completed", r.completed, len(r.postStates))
	}
	for i := 1; i < len(r.checksums); i++ {
		if !r.checksums[0].Equal(r.checksums[i]) {
			return nil, fmt.Errorf("memcheck: Finalize: control-flow checksum mismatch between subround 0 and %d at a %s sequence point: a branch outcome depended on uninitialized memory", i, kind)
		}
	}

	base := r.postStates[0]
	acc := snapshot.NewSnapshot()
	for i := 1; i < len(r.postStates); i++ {
		diff, err := base.Xor(r.postStates[i])
		if err != nil {
			return nil, fmt.Errorf("memcheck: Finalize: xoring subround 0 and %d: %w", i, err)
		}
		for _, addr := range diff.Snapshot.PageAddrs() {
			raw := make([]byte, snapshot.PageSize)
			if err := diff.Snapshot.Read(addr, raw); err != nil {
				return nil, fmt.Errorf("memcheck: Finalize: %w", err)
			}
			if err := acc.OrPage(addr, raw); err != nil {
				return nil, fmt.Errorf("memcheck: Finalize: %w", err)
			}
		}
	}

	taint := &snapshot.State{Regs: base.Regs, FPRegs: base.FPRegs, Snapshot: acc}
	forceTaintRange(taint.Snapshot, stackLo, stackHi)

	r.taint = taint
	return taint, nil
}

// forceTaintRange sets every byte in [lo, hi) to tainted within s,
// spec.md §4.5's "stack region forced tainted" clause: two replays can
// coincidentally compute the same still-uninitialized stack byte, so the
// live stack range is always treated as tainted rather than trusting the
// XOR to catch it.
func forceTaintRange(s *snapshot.Snapshot, lo, hi uintptr) {
	if hi <= lo {
		return
	}
	const pageSize = snapshot.PageSize
	for addr := lo &^ (pageSize - 1); addr < hi; addr += pageSize {
		pageEnd := addr + pageSize
		start, end := addr, pageEnd
		if lo > start {
			start = lo
		}
		if hi < end {
			end = hi
		}
		raw := make([]byte, pageSize)
		for i := start - addr; i < end-addr; i++ {
			raw[i] = 0xff
		}
		// OrPage never fails for a correctly sized raw slice.
		_ = s.OrPage(addr, raw)
	}
}

// TaintState returns the most recently finalized round's taint, or nil if
// Finalize has not yet run.
func (r *Round) TaintState() *snapshot.State { return r.taint }

// PreState exposes the round's captured pre-state, e.g. for
// config.ChangePreState re-taint handling by the caller.
func (r *Round) PreState() *snapshot.State { return r.preState }
