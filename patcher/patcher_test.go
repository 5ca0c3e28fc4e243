// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patcher_test

import (
	"runtime"
	"testing"

	"github.com/go-dbi/x86memcheck/config"
	"github.com/go-dbi/x86memcheck/patcher"
)

func supported(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("ptrace integration test requires linux/amd64")
	}
}

// runUnderPatcher translates and fully drives path under cfg, returning the
// tracee's exit status.
func runUnderPatcher(t *testing.T, path string, args []string, cfg config.Config) int {
	t.Helper()
	p, err := patcher.Open(path, args, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return p.ExitStatus()
}

// TestRunTrueExitsCleanly is end-to-end scenario 1: translating and running
// /bin/true start to finish must produce exit 0 with no taint or checksum
// diagnostic, under the default (AbortOnTaint, direction-predicted)
// configuration -- the exact path the branch-checksum miscounting bug broke.
func TestRunTrueExitsCleanly(t *testing.T) {
	supported(t)

	got := runUnderPatcher(t, "/bin/true", nil, config.Default())
	if got != 0 {
		t.Fatalf("ExitStatus = %d, want 0", got)
	}
}

// TestRunFalseReportsRealExitStatus is the same translation-equivalence
// property (P1) on a program whose exit status is nonzero, confirming the
// harness propagates it verbatim rather than always reporting success.
func TestRunFalseReportsRealExitStatus(t *testing.T) {
	supported(t)

	got := runUnderPatcher(t, "/bin/false", nil, config.Default())
	if got != 1 {
		t.Fatalf("ExitStatus = %d, want 1", got)
	}
}

// TestRunMultipleSyscallsAcrossRounds drives a tracee through several
// sequence points (each write(2) call the shell's echo builtin issues is a
// SeqSyscall boundary), exercising armRound/closeRound/foldAccum repeatedly
// in one run instead of just once, and checking the branch-checksum and
// taint machinery do not spuriously abort a deterministic program with no
// uninitialized-memory dependence (P5).
func TestRunMultipleSyscallsAcrossRounds(t *testing.T) {
	supported(t)

	got := runUnderPatcher(t, "/bin/sh", []string{"-c", "echo one; echo two; echo three"}, config.Default())
	if got != 0 {
		t.Fatalf("ExitStatus = %d, want 0", got)
	}
}

// TestRunWithPredictionNoneExitsCleanly exercises the PredictNone policy,
// under which every Jcc stays unresolved and keeps trapping -- the
// breakpoint-only path the direction-predicted tests above do not cover --
// confirming the in-core accumulator and breakpoint-observed checksums
// agree regardless of which sides terminator.Choose eagerly resolves.
func TestRunWithPredictionNoneExitsCleanly(t *testing.T) {
	supported(t)

	cfg := config.Default()
	cfg.Prediction = config.PredictNone
	got := runUnderPatcher(t, "/bin/true", nil, cfg)
	if got != 0 {
		t.Fatalf("ExitStatus = %d, want 0", got)
	}
}
