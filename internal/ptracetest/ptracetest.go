// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ptracetest starts a minimal traced child process for use by the
// integration-style tests scattered across this module's packages
// (tracee, codecache, rsb, block, terminator). It is imported only from _test.go
// files.
package ptracetest

import (
	"os/exec"
	"runtime"
	"syscall"

	"github.com/go-dbi/x86memcheck/tracee"
)

// Supported reports whether this GOOS/GOARCH combination can run a ptrace
// integration test, mirroring the teacher's supportedOS gate on native
// compiler tests.
func Supported() bool {
	return runtime.GOOS == "linux" && runtime.GOARCH == "amd64"
}

// Start forks name (with args) under PTRACE_TRACEME and waits for the
// initial exec SIGTRAP stop, returning a ready-to-drive Tracee.
func Start(name string, args ...string) (*tracee.Tracee, func(), error) {
	// ptrace requests must come from the thread that is registered as the
	// tracer; the caller's test goroutine must stay pinned to this thread
	// for the lifetime of the returned Tracee.
	runtime.LockOSThread()

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	pid := cmd.Process.Pid

	t := tracee.New(pid, name)
	if _, err := t.Wait(); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		t.Kill()
		cmd.Wait()
	}
	return t, cleanup, nil
}
