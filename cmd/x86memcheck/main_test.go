// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-dbi/x86memcheck/patcher"
)

func TestFatalErrorAsDirect(t *testing.T) {
	var fe patcher.FatalError
	orig := patcher.FatalError{Err: errors.New("boom")}
	if !errors.As(error(orig), &fe) {
		t.Fatal("expected errors.As to recognize a bare FatalError")
	}
	if fe.Err.Error() != "boom" {
		t.Fatalf("got %q, want %q", fe.Err.Error(), "boom")
	}
}

func TestFatalErrorAsWrapped(t *testing.T) {
	var fe patcher.FatalError
	orig := patcher.FatalError{Err: errors.New("boom")}
	wrapped := fmt.Errorf("patcher: stepOnce: %w", orig)
	if !errors.As(wrapped, &fe) {
		t.Fatal("expected errors.As to unwrap to the FatalError")
	}
}

func TestFatalErrorAsNotFatal(t *testing.T) {
	var fe patcher.FatalError
	if errors.As(errors.New("ordinary"), &fe) {
		t.Fatal("expected errors.As to reject a non-fatal error")
	}
}

func TestDumpMaps(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "maps.dump")
	dumpMaps(os.Getpid(), dst)

	got, err := ioutil.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading dumped maps: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected a non-empty maps dump for our own pid")
	}
}
