// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package harnesslog provides the harness's diagnostic logger. All
// subsystems log through here rather than touching os.Stderr or a process
// global directly, so that -l FILE (config.Config.Log) can redirect every
// diagnostic to one stream.
package harnesslog

import (
	"io"
	"io/ioutil"
	"log"
)

// Logger is the interface every package in this module logs through.
type Logger struct {
	*log.Logger
	verbose bool
}

// New builds a Logger writing to w. If w is nil, diagnostics are discarded,
// matching the teacher's default of discarding debug output unless enabled.
func New(w io.Writer, verbose bool) *Logger {
	if w == nil {
		w = ioutil.Discard
	}
	return &Logger{Logger: log.New(w, "", log.Lshortfile), verbose: verbose}
}

// Debugf logs only when verbose diagnostics were requested (-x/-b/-j).
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	l.Printf(format, args...)
}
