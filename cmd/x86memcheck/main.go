// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command x86memcheck is the harness's CLI entrypoint: it parses flags,
// forks and ptrace-attaches the target program, wires the translator
// (patcher.Patcher) to its code cache, return-stack buffer, page tracker
// and the memcheck round machine via config.Config, installs the
// process-wide SIGINT maps-dump handler, and propagates the tracee's
// exit status as its own.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/go-dbi/x86memcheck/config"
	"github.com/go-dbi/x86memcheck/patcher"
)

// livePatcher is the one legitimately-global piece of mutable state
// called out in spec.md §9: the SIGINT handler goroutine needs a way to
// reach the Patcher that owns the live tracee, and Go's signal delivery
// model requires a dedicated goroutine reading a channel to observe the
// signal at all. That goroutine reads only the Patcher's pid, dumps the
// tracee's maps itself and exits the process.
var livePatcher unsafe.Pointer // *patcher.Patcher, accessed via atomic

func main() {
	log.SetPrefix("x86memcheck: ")
	log.SetFlags(0)

	var (
		help        = flag.Bool("h", false, "print usage and exit")
		gdbOnFatal  = flag.Bool("g", false, "attach gdb to the tracee on a fatal error instead of aborting")
		profiling   = flag.Bool("p", false, "enable profiling (accepted; has no effect)")
		singleStep  = flag.Bool("s", false, "force single-step of the tracee (accepted; has no effect)")
		traceExec   = flag.Bool("x", false, "enable the debug log (no per-instruction trace is printed)")
		traceDiff   = flag.Bool("d", false, "format the execution trace for diffing (accepted; has no effect)")
		dumpBkpts   = flag.Bool("b", false, "enable the debug log")
		dumpJcc     = flag.Bool("j", false, "enable the debug log")
		logFile     = flag.String("l", "", "open log `file` (truncated); diagnostics go here instead of stderr")
		predMode    = flag.String("prediction-mode", "direction", "Jcc prediction policy: none|iclass|iform|direction|last-iclass")
		mapFile     = flag.String("map-file", "maps.dump", "destination `file` for the SIGINT maps dump")
		subrounds   = flag.Int("subrounds", 2, "number of subrounds per round (>= 2)")
		taintShadow = flag.Bool("taint-shadow-stack", false, "taint the region above SP at round start (accepted; has no effect)")
		changePre   = flag.Bool("change-pre-state", false, "also snapshot the pages the previous round found tainted")
		abortTaint  = flag.Bool("abort-on-taint", true, "abort the harness on a taint-checker failure")
		preload     = flag.String("preload", "", "LD_PRELOAD shim library exported into the tracee's environment")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] program [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	mode, ok := config.ParsePredictionMode(*predMode)
	if !ok {
		log.Fatalf("invalid --prediction-mode %q", *predMode)
	}
	if *subrounds < 2 {
		log.Fatalf("--subrounds must be >= 2, got %d", *subrounds)
	}

	logw := os.Stderr
	var logCloser *os.File
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			log.Fatalf("opening log file %s: %v", *logFile, err)
		}
		logCloser = f
		logw = f
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	fills := make([]byte, *subrounds)
	fills[0], fills[1] = 0x00, 0xFF
	for i := 2; i < *subrounds; i++ {
		fills[i] = byte(0xAA + i) // extra fill patterns beyond the source's fixed two, per spec.md §9
	}

	cfg := config.Config{
		GDBOnFatal:          *gdbOnFatal,
		SingleStep:          *singleStep,
		TraceExec:           *traceExec,
		TraceDiff:           *traceDiff,
		DumpSingleStepBkpts: *dumpBkpts,
		DumpJccInfo:         *dumpJcc,
		Log:                 logw,
		MapFile:             *mapFile,
		Prediction:          mode,
		PreloadShim:         *preload,
		AbortOnTaint:        *abortTaint,
		ChangePreState:      *changePre,
		TaintShadowStack:    *taintShadow,
		FillPatterns:        fills,
		Profiling:           *profiling,
	}

	os.Exit(run(cfg, flag.Arg(0), flag.Args()[1:]))
}

// run forks and translates path under cfg, returning the process exit
// status x86memcheck itself should use: the tracee's own exit status on
// a clean run (spec.md §6), or 1 on a fatal harness error.
func run(cfg config.Config, path string, args []string) int {
	p, err := patcher.Open(path, args, cfg)
	if err != nil {
		log.Printf("opening tracee: %v", err)
		return 1
	}
	atomic.StorePointer(&livePatcher, unsafe.Pointer(p))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT)
	go watchSIGINT(sigc, cfg.MapFile)

	if err := p.Start(); err != nil {
		log.Printf("starting translation: %v", err)
		killTracee(p)
		return 1
	}

	runErr := p.Run()
	if runErr == nil {
		return p.ExitStatus()
	}

	var fatal patcher.FatalError
	if errors.As(runErr, &fatal) {
		log.Printf("fatal: %v", fatal)
		if cfg.GDBOnFatal {
			attachGDB(p.Pid())
			return 1
		}
		killTracee(p)
		return 1
	}
	log.Printf("%v", runErr)
	killTracee(p)
	return 1
}

// killTracee best-effort kills the tracee after a harness-side error;
// the tracee may have already exited, so an error here is ignored and
// cannot obscure the original failure.
func killTracee(p *patcher.Patcher) {
	_ = syscall.Kill(p.Pid(), syscall.SIGKILL)
}

// attachGDB execs gdb against the stopped tracee in place of this
// process, per spec.md §7's -g behavior.
func attachGDB(pid int) {
	gdb, err := exec.LookPath("gdb")
	if err != nil {
		log.Printf("cannot attach gdb: %v", err)
		return
	}
	argv := []string{"gdb", fmt.Sprintf("--pid=%d", pid)}
	if err := syscall.Exec(gdb, argv, os.Environ()); err != nil {
		log.Printf("exec gdb: %v", err)
	}
}

// watchSIGINT is the dedicated goroutine spec.md §9 requires for the
// process-wide SIGINT handler: on receipt it dumps /proc/<pid>/maps to
// mapFile and exits the process. It touches nothing of the live
// Patcher's translation state, only its pid, avoiding any need for
// locking against the single-threaded tracee loop.
func watchSIGINT(sigc <-chan os.Signal, mapFile string) {
	<-sigc
	p := (*patcher.Patcher)(atomic.LoadPointer(&livePatcher))
	if p != nil {
		dumpMaps(p.Pid(), mapFile)
	}
	os.Exit(130) // 128 + SIGINT, conventional shell exit status
}

// dumpMaps copies /proc/<pid>/maps to dst verbatim; maps parsing proper
// lives in pagetracker, but the SIGINT dump is a diagnostic artifact for
// a human, not harness input, so this module just copies the raw file.
func dumpMaps(pid int, dst string) {
	b, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		log.Printf("dumping maps: %v", err)
		return
	}
	if err := ioutil.WriteFile(dst, b, 0644); err != nil {
		log.Printf("writing map dump to %s: %v", dst, err)
	}
}
