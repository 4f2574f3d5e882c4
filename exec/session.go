// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigsim/build"
	"github.com/grailbio/bigsim/chunk"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/stats"
)

// Executor runs jobs on behalf of a session. An executor determines
// where the ranks of a job run and how they communicate.
type Executor interface {
	// Name returns a short name describing the executor.
	Name() string

	// Start starts the executor. It is called once, when the session
	// is started. Start need not return: for example, the bigmachine
	// implementation of Executor uses Start as an entry point for
	// worker processes.
	Start(*Session) (shutdown func())

	// Run runs the provided network for the given number of steps,
	// one rank per program, and returns the gathered result. Run
	// returns the reports of every rank that could be collected,
	// even if the job failed.
	Run(ctx context.Context, net *build.Network, steps int) (*Result, error)

	// HandleDebug adds executor-specific debug handlers to the provided
	// http.ServeMux.
	HandleDebug(handler *http.ServeMux)
}

// Session represents a simulation session. A session shares a
// binary and executor, and is valid for the run of the binary. A
// session can run multiple jobs.
//
// A session is started by the Start method. Some executors may
// launch multiple copies of the binary: these additional binaries
// are called workers, and Start does not return in them.
//
//	net, err := build.FileLoader{}.Load(ctx, path)
//	if err != nil {
//		log.Fatal(err)
//	}
//	sess := exec.Start(exec.Local)
//	defer sess.Shutdown()
//	res, err := sess.Run(ctx, net, 1000)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, key := range res.Data.Keys() {
//		// Use res.Data[key].
//	}
type Session struct {
	context.Context
	index     int32
	shutdown  func()
	executor  Executor
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	config rankConfig
	sink   probe.Sink

	tracer *tracer
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
		config: rankConfig{
			BarrierPeriod: chunk.DefaultBarrierPeriod,
			FlushInterval: chunk.DefaultFlushInterval,
		},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor:
// every rank of a job runs in its own goroutine.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. Every rank of a job runs on
// its own machine. If any params are provided, they are applied to
// each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
		if status == nil {
			return
		}
		name := fmt.Sprintf("bigsim-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the session
// will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Merge is a session option that turns on transfer merging: the
// sends (and receives) of a chunk that share a peer and tag are
// combined into a single transfer whenever doing so does not change
// the values computed by the job.
var Merge Option = func(s *Session) {
	s.config.Merge = true
}

// CollectTimings is a session option that turns on the collection of
// per-operator-kind timings. Timings are reported in the rank
// statistics of each result and in the session trace.
var CollectTimings Option = func(s *Session) {
	s.config.CollectTimings = true
}

// BarrierPeriod configures the number of steps between job-wide
// barriers. No barriers are run during the simulation if n is
// negative.
func BarrierPeriod(n int) Option {
	if n == 0 {
		panic("exec.BarrierPeriod: n == 0")
	}
	return func(s *Session) {
		s.config.BarrierPeriod = n
	}
}

// FlushInterval configures the number of steps between flushes of
// probe data to the session's sink.
func FlushInterval(n int) Option {
	if n <= 0 {
		panic("exec.FlushInterval: n <= 0")
	}
	return func(s *Session) {
		s.config.FlushInterval = n
	}
}

// Seed configures the seed with which each chunk is reset before a
// run.
func Seed(seed int64) Option {
	return func(s *Session) {
		s.config.Seed = seed
	}
}

// Sink configures the session with a sink to which probe data are
// written. When a sink is configured, results do not retain probe
// data.
func Sink(sink probe.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new session, configuring it according
// to the provided options. If no executor is configured, the session
// is configured to use the bigmachine executor with the local
// system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigsim:sessionStart",
		"command", command(),
		"executorType", s.executor.Name(),
		"merge", s.config.Merge,
		"barrierPeriod", s.config.BarrierPeriod,
		"flushInterval", s.config.FlushInterval)
	s.tracer = newTracer()

	name := fmt.Sprintf("bigsim-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// Run runs the provided network for the given number of steps. Each
// program of the network is run by its own rank; rank 0 is the
// master. Run returns when every rank has completed, or else on
// error, in which case the whole job has been aborted.
func (s *Session) Run(ctx context.Context, net *build.Network, steps int) (*Result, error) {
	if net == nil || net.Size() == 0 {
		return nil, errors.E(errors.Invalid, "exec.Run: empty network")
	}
	if steps < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Run: invalid step count %d", steps))
	}
	if net.Dt <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Run: invalid time step %v", net.Dt))
	}
	s.eventer.Event("bigsim:runStart",
		"ranks", net.Size(),
		"steps", steps,
		"dt", net.Dt)
	start := time.Now()
	res, err := s.executor.Run(ctx, net, steps)
	if res != nil {
		s.tracer.Add(res.Ranks)
	}
	s.eventer.Event("bigsim:runEnd",
		"ranks", net.Size(),
		"ok", err == nil,
		"duration", time.Since(start).String())
	if err != nil {
		return res, err
	}
	log.Printf("ran %d steps of %d ranks in %s: %s", steps, net.Size(), time.Since(start), res.Stats())
	return res, nil
}

// Must is a version of Run that panics if the job fails.
func (s *Session) Must(ctx context.Context, net *build.Network, steps int) *Result {
	res, err := s.Run(ctx, net, steps)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the session's debug handlers, as well as
// those of its executor, on the provided ServeMux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	if s.tracer != nil {
		handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("content-type", "application/json; charset=utf-8")
			if err := s.tracer.Marshal(w); err != nil {
				log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
			}
		})
	}
}

// A Result is the outcome of a run.
type Result struct {
	// Steps is the number of steps that were run.
	Steps int
	// Data holds the probe data gathered from every rank, keyed by
	// probe. Data is nil if the session writes probe data to a sink.
	Data probe.Data
	// Ranks holds the report of each rank, indexed by rank.
	Ranks []RankReport
}

// Stats returns the sum of the statistics of every rank.
func (r *Result) Stats() stats.Values {
	vals := make(stats.Values)
	for _, report := range r.Ranks {
		vals.Add(report.Stats)
	}
	return vals
}

// Steps returns the number of steps of size dt needed to simulate
// the provided duration, rounded to the nearest step.
func Steps(dt, duration float64) (int, error) {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid time step %v", dt))
	}
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid duration %v", duration))
	}
	return int(math.Round(duration / dt)), nil
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}

// command returns the command-line of the current execution, quoted
// so that it can be pasted into sh.
func command() string {
	args := make([]string, len(os.Args))
	for i, arg := range os.Args {
		args[i] = "'" + strings.Replace(arg, "'", `'\''`, -1) + "'"
	}
	return strings.Join(args, " ")
}
