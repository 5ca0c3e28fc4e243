// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the explicit configuration struct threaded through
// the harness at Open-time, replacing any notion of global mutable state
// (the lone exception being the SIGINT handler's pointer to the live
// driver, which is documented where it is installed).
package config

import "io"

// PredictionMode selects the policy used by the terminator package when
// deciding which side(s) of a conditional jump to eagerly resolve.
type PredictionMode int

const (
	// PredictNone leaves both sides of a Jcc unresolved.
	PredictNone PredictionMode = iota
	// PredictDirection predicts backward branches taken, forward branches
	// unpredicted.
	PredictDirection
	// PredictIClass, PredictIForm and PredictLastIClass name the
	// instruction-class, instruction-form and last-body-instruction-class
	// policies. No probability table exists for them; terminator.Choose
	// treats each of them exactly like PredictDirection.
	PredictIClass
	PredictIForm
	PredictLastIClass
)

// String implements flag.Value-friendly stringification.
func (p PredictionMode) String() string {
	switch p {
	case PredictNone:
		return "none"
	case PredictDirection:
		return "direction"
	case PredictIClass:
		return "iclass"
	case PredictIForm:
		return "iform"
	case PredictLastIClass:
		return "last-iclass"
	default:
		return "unknown"
	}
}

// ParsePredictionMode parses the --prediction-mode flag value.
func ParsePredictionMode(s string) (PredictionMode, bool) {
	switch s {
	case "none":
		return PredictNone, true
	case "direction":
		return PredictDirection, true
	case "iclass":
		return PredictIClass, true
	case "iform":
		return PredictIForm, true
	case "last-iclass":
		return PredictLastIClass, true
	default:
		return PredictNone, false
	}
}

// Config is passed explicitly to patcher.Open, which hands it on to
// memcheck.NewRound; nothing in this module reads process-global
// configuration state.
type Config struct {
	// GDBOnFatal attaches an interactive debugger instead of aborting when a
	// fatal or taint-checker error is hit (the -g flag).
	GDBOnFatal bool

	// SingleStep records the -s flag. No package reads it: blocks run from
	// the code cache whether or not it is set.
	SingleStep bool

	// TraceExec (-x) turns on the patcher's debug log; no per-instruction
	// trace is printed. TraceDiff records the -d flag and is read by no
	// package.
	TraceExec bool
	TraceDiff bool

	// DumpSingleStepBkpts and DumpJccInfo (-b, -j) each turn on the same
	// debug log as TraceExec; neither selects a narrower set of messages.
	DumpSingleStepBkpts bool
	DumpJccInfo         bool

	// Log receives all diagnostic output (-l FILE).
	Log io.Writer

	// MapFile receives the /proc/<pid>/maps dump on SIGINT (--map-file).
	MapFile string

	// Prediction selects the Jcc prediction policy (--prediction-mode).
	Prediction PredictionMode

	// PreloadShim, if non-empty, is exported as LD_PRELOAD in the child's
	// environment before exec.
	PreloadShim string

	// AbortOnTaint makes a taint-checker failure fatal; otherwise it is
	// reported and execution continues (subject to GDBOnFatal).
	AbortOnTaint bool

	// ChangePreState adds the pages the previous round found tainted to the
	// next round's snapshot set. The saved pre-state itself is restored
	// unchanged; it is not XORed with the taint mask.
	ChangePreState bool

	// TaintShadowStack records --taint-shadow-stack and defaults to false.
	// No package reads it: the region above SP (the "red zone"/scratch
	// area) is never tainted at round start.
	TaintShadowStack bool

	// FillPatterns is the per-subround byte used to fill uninitialized
	// stack memory. len(FillPatterns) is the subround count; the source
	// fixes this at 2, this module generalizes to any N >= 2.
	FillPatterns []byte

	// Profiling records the -p flag; no package reads it and this module
	// has no profiling hooks.
	Profiling bool
}

// Default returns the baseline configuration: two subrounds with the 0x00
// and 0xFF fill patterns, direction-based Jcc prediction, abort-on-taint.
func Default() Config {
	return Config{
		FillPatterns: []byte{0x00, 0xFF},
		Prediction:   PredictDirection,
		AbortOnTaint: true,
	}
}
