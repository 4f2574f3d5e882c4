// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigsim runs a partitioned simulation network.
//
// Usage:
//
//	bigsim [flags] network-file duration
//
// The network file holds the instruction streams of every rank, as
// written by build.Save. Each program of the network is run by its
// own rank, on the system selected by -system, for round(duration/dt)
// steps. Probe data are logged to the file named by -log, which
// defaults to the network file with a ".log.zst" extension.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigsim/build"
	"github.com/grailbio/bigsim/exec"
	"github.com/grailbio/bigsim/simcmd"
	"github.com/grailbio/bigsim/simflags"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bigsim [flags] network-file duration

Bigsim runs each program of a simulation network on its own rank and
logs the data recorded by the network's probes.

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

// logPath returns the default log path for the provided network file.
func logPath(network string) string {
	return strings.TrimSuffix(network, ".zst") + ".log.zst"
}

func main() {
	var fl simflags.Flags
	simflags.RegisterFlags(flag.CommandLine, &fl, "")
	logFlag := flag.String("log", "", "path of the probe log (default: network-file.log.zst)")
	log.AddFlags()
	log.SetPrefix("bigsim: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
	}
	path := flag.Arg(0)
	duration, err := strconv.ParseFloat(flag.Arg(1), 64)
	if err != nil {
		log.Fatalf("invalid duration %q: %v", flag.Arg(1), err)
	}
	if *logFlag == "" {
		*logFlag = logPath(path)
	}
	sink := build.NewLogSink(*logFlag)
	// Init does not return in worker processes.
	sess, err := simcmd.Init(fl, exec.Sink(sink))
	if err != nil {
		log.Fatal(err)
	}
	err = run(sess, sink, path, duration, fl.Timing)
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

func run(sess *exec.Session, sink *build.LogSink, path string, duration float64, timing bool) error {
	ctx := context.Background()
	net, err := build.FileLoader{}.Load(ctx, path)
	if err != nil {
		return err
	}
	steps, err := exec.Steps(net.Dt, duration)
	if err != nil {
		return err
	}
	log.Printf("running %s: %d ranks, %d steps of %v", path, net.Size(), steps, net.Dt)
	start := time.Now()
	res, err := sess.Run(ctx, net, steps)
	if e := sink.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return err
	}
	log.Printf("simulated %vs in %s; logged %d snapshots to %s",
		duration, time.Since(start), sink.Snapshots(), sink.Path())
	if timing {
		printTimings(res)
	}
	return nil
}

// printTimings prints the per-operator-kind timings of every rank.
func printTimings(res *exec.Result) {
	for _, report := range res.Ranks {
		timers := report.Stats.Timers("op.")
		kinds := make([]string, 0, len(timers))
		for kind := range timers {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		fmt.Printf("rank %d (%s):\n", report.Rank, report.Label)
		for _, kind := range kinds {
			fmt.Printf("\t%-16s %s\n", kind, timers[kind])
		}
	}
}
