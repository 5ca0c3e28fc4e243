// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagetracker

import (
	"os"
	"runtime"
	"testing"
)

func TestNewParsesOwnMaps(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("/proc/<pid>/maps requires linux")
	}
	tr, err := New(os.Getpid())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pages := tr.Pages()
	if len(pages) == 0 {
		t.Fatal("Pages() = empty, want at least one mapping for the running test binary")
	}
	for i := 1; i < len(pages); i++ {
		if pages[i-1].Start > pages[i].Start {
			t.Fatalf("Pages() not sorted: %#x after %#x", pages[i].Start, pages[i-1].Start)
		}
	}
}

func TestLookupAndRecordFault(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("/proc/<pid>/maps requires linux")
	}
	tr, err := New(os.Getpid())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pages := tr.Pages()
	target := pages[0].Start

	p, ok := tr.Lookup(target)
	if !ok {
		t.Fatalf("Lookup(%#x): not found", target)
	}
	before := p.FaultCount
	tr.RecordFault(target)
	if p.FaultCount != before+1 {
		t.Errorf("FaultCount = %d, want %d", p.FaultCount, before+1)
	}
}

func TestRebalanceLocksLowestFaulted(t *testing.T) {
	tr := &Tracker{pages: []*PageInfo{
		{Start: 0x1000, End: 0x2000, OrigProt: unixProtRead | unixProtWrite, CurProt: unixProtRead | unixProtWrite, FaultCount: 10},
		{Start: 0x2000, End: 0x3000, OrigProt: unixProtRead | unixProtWrite, CurProt: unixProtRead | unixProtWrite, FaultCount: 1},
		{Start: 0x3000, End: 0x4000, OrigProt: unixProtRead, CurProt: unixProtRead, FaultCount: 99}, // read-only: ineligible
	}}

	changed := tr.Rebalance(nil, 1)
	if len(changed) != 1 {
		t.Fatalf("Rebalance changed %d pages, want 1", len(changed))
	}
	if changed[0].Start != 0x2000 {
		t.Errorf("locked page at %#x, want the least-faulted eligible page at 0x2000", changed[0].Start)
	}
	if changed[0].Tier() != RWLocked {
		t.Errorf("Tier() = %v, want RWLocked", changed[0].Tier())
	}

	hot, ok := tr.Lookup(0x1500)
	if !ok || hot.Tier() != RWUnlocked {
		t.Errorf("hottest eligible page should remain RWUnlocked")
	}
}
