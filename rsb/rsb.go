// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rsb implements the Return-Stack Buffer: a fixed-capacity,
// tracee-resident circular stack of (OA, PA) pairs that the terminator
// package's call prologues push onto and its return epilogue compares
// against (popping the top entry on a hit), predicting a return's target
// the way real hardware does. The buffer
// itself is data, not code; the terminator package emits the actual
// push/pop/compare instructions and only needs the addresses this package
// computes.
package rsb

import (
	"fmt"

	"github.com/go-dbi/x86memcheck/codecache"
)

// entrySize is 16: an 8-byte OA return address and its matching 8-byte PA.
const entrySize = 8 + 8

// RSB is a fixed-capacity circular buffer of return-address pairs living in
// the tracee's code cache.
type RSB struct {
	base     codecache.PoolAddr // start of the index cell, followed by the entry array
	capacity int
}

// New reserves capacity entries (plus one index cell) from pool.
func New(pool *codecache.Pool, capacity int) (*RSB, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("rsb: capacity must be positive, got %d", capacity)
	}
	region := make([]byte, 8+capacity*entrySize)
	base, err := pool.Alloc(region)
	if err != nil {
		return nil, fmt.Errorf("rsb: New: %w", err)
	}
	return &RSB{base: base, capacity: capacity}, nil
}

// Capacity returns the number of (OA, PA) slots.
func (r *RSB) Capacity() int { return r.capacity }

// IndexAddr is the address of the 8-byte current-depth counter. A
// call prologue reads it, stores the pair at EntryAddr(index %
// capacity), then increments it mod capacity (wrapping silently evicts the
// oldest prediction, matching real hardware RSB behavior on overflow).
func (r *RSB) IndexAddr() codecache.PoolAddr { return r.base }

// EntryAddr returns the address of slot i's (OA, PA) pair. OA is stored at
// the returned address, PA at the returned address + 8.
func (r *RSB) EntryAddr(i int) codecache.PoolAddr {
	return r.base + 8 + codecache.PoolAddr(i*entrySize)
}

// Model is a pure, tracee-free software simulation of the same circular
// buffer, used to test depth/eviction behavior (how many nested calls a
// capacity-N buffer can predict before the oldest entry is evicted)
// without driving real machine code.
type Model struct {
	entries []entry
	index   int
	depth   int
}

type entry struct {
	oa, pa uint64
}

// NewModel builds a Model with the given capacity.
func NewModel(capacity int) *Model {
	return &Model{entries: make([]entry, capacity)}
}

// Push records a call's (OA, PA) return-address pair, evicting the oldest
// entry if the buffer is full.
func (m *Model) Push(oa, pa uint64) {
	m.entries[m.index] = entry{oa: oa, pa: pa}
	m.index = (m.index + 1) % len(m.entries)
	if m.depth < len(m.entries) {
		m.depth++
	}
}

// Pop removes and returns the most recently pushed pair. ok is false if the
// buffer is empty (the return does not correspond to any predicted call).
func (m *Model) Pop() (oa, pa uint64, ok bool) {
	if m.depth == 0 {
		return 0, 0, false
	}
	m.index = (m.index - 1 + len(m.entries)) % len(m.entries)
	e := m.entries[m.index]
	m.depth--
	return e.oa, e.pa, true
}

// Depth returns the number of live entries.
func (m *Model) Depth() int { return m.depth }
