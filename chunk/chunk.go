// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunk implements the per-rank runtime of a simulation. A
// chunk owns a set of signals, a schedule of operators over views of
// those signals, and a set of probes. Chunks are built
// incrementally, finalized against a transport, and then run in
// lock-step with the other chunks of a job.
package chunk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/operator"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/signal"
	"github.com/grailbio/bigsim/stats"
)

const (
	// DefaultFlushInterval is the default number of steps between
	// probe flushes.
	DefaultFlushInterval = 1000
	// DefaultBarrierPeriod is the default number of steps between
	// job-wide barriers.
	DefaultBarrierPeriod = 1000
)

// Config contains the runtime parameters of a chunk.
type Config struct {
	// FlushInterval is the number of steps between flushes of probe
	// data to Sink.
	FlushInterval int
	// BarrierPeriod is the number of steps between job-wide barriers.
	// No barrier is installed if BarrierPeriod is negative, or if the
	// job has a single rank.
	BarrierPeriod int
	// Merge enables the merging of transfers that share a peer and
	// tag.
	Merge bool
	// Sink receives flushed probe data. If Sink is nil, probe data
	// are retained in the chunk.
	Sink probe.Sink
	// CollectTimings enables the collection of per-operator-kind
	// timings.
	CollectTimings bool
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BarrierPeriod == 0 {
		c.BarrierPeriod = DefaultBarrierPeriod
	}
	return c
}

// entry is a scheduled operator.
type entry struct {
	op    operator.Operator
	index float64
	label string
	timer *stats.Counter
}

// Chunk is the runtime of a single rank.
type Chunk struct {
	label  string
	rank   int
	dt     float64
	config Config

	signals  *signal.Set
	schedule []entry
	probes   map[probe.Key]*probe.Probe

	step, flushed int
	final, closed bool

	stats *stats.Counters
}

// New returns a new, empty chunk.
func New(label string, rank int, dt float64, config Config) *Chunk {
	return &Chunk{
		label:   label,
		rank:    rank,
		dt:      dt,
		config:  config.withDefaults(),
		signals: signal.NewSet(),
		probes:  make(map[probe.Key]*probe.Probe),
		stats:   stats.NewCounters(),
	}
}

// Label returns the chunk's label.
func (c *Chunk) Label() string { return c.label }

// Rank returns the chunk's rank.
func (c *Chunk) Rank() int { return c.rank }

// Dt returns the chunk's time step.
func (c *Chunk) Dt() float64 { return c.dt }

// Step returns the number of steps run since the last reset.
func (c *Chunk) Step() int { return c.step }

// Time returns the simulation time.
func (c *Chunk) Time() float64 { return float64(c.step) * c.dt }

// Stats returns the chunk's counters.
func (c *Chunk) Stats() *stats.Counters { return c.stats }

// Signals returns the chunk's signal set.
func (c *Chunk) Signals() *signal.Set { return c.signals }

func (c *Chunk) building() error {
	if c.final {
		return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: already finalized", c.label))
	}
	return nil
}

// AddSignal adds a new signal to the chunk. It returns an
// errors.Exists error if the key is already in use.
func (c *Chunk) AddSignal(key signal.Key, label string, shape signal.Shape, data []float64) error {
	if err := c.building(); err != nil {
		return err
	}
	sig, err := signal.New(key, label, shape, signal.Float64, data)
	if err != nil {
		return err
	}
	return c.signals.Add(sig)
}

// AddOperator constructs the operator described by d and adds it to
// the chunk's schedule.
func (c *Chunk) AddOperator(d operator.Descriptor) error {
	if err := c.building(); err != nil {
		return err
	}
	op, err := operator.New(d, env{c})
	if err != nil {
		return errors.E(fmt.Sprintf("chunk %s", c.label), err)
	}
	index := d.Index
	if !d.HasIndex {
		index = float64(len(c.schedule))
	}
	if math.IsNaN(index) {
		return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: operator %s: invalid schedule index", c.label, d))
	}
	c.add(op, index, d.String())
	return nil
}

func (c *Chunk) add(op operator.Operator, index float64, label string) {
	c.schedule = append(c.schedule, entry{op: op, index: index, label: label})
}

// AddProbe adds a probe of the full signal with the provided key.
func (c *Chunk) AddProbe(key probe.Key, signalKey signal.Key, period int) error {
	return c.AddProbeView(key, signal.Full(signalKey), period)
}

// AddProbeView adds a probe of the view described by spec. It returns
// an errors.Exists error if the probe key is already in use.
func (c *Chunk) AddProbeView(key probe.Key, spec signal.ViewSpec, period int) error {
	if err := c.building(); err != nil {
		return err
	}
	if _, ok := c.probes[key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("chunk %s: duplicate probe key %d", c.label, key))
	}
	view, err := c.signals.View(spec)
	if err != nil {
		return errors.E(fmt.Sprintf("chunk %s: probe %d", c.label, key), err)
	}
	p, err := probe.New(key, view, period)
	if err != nil {
		return err
	}
	c.probes[key] = p
	return nil
}

// FinalizeBuild completes the construction of the chunk: it sorts
// the schedule, validates that operators sharing a schedule index do
// not write overlapping data, merges transfers (if configured), binds
// communication operators to the provided transport, and installs
// the periodic barrier. FinalizeBuild may communicate with the
// other ranks of the job, all of which must finalize their chunks
// concurrently. The transport may be nil for chunks that do not
// communicate.
func (c *Chunk) FinalizeBuild(ctx context.Context, t comm.Transport) error {
	if err := c.building(); err != nil {
		return err
	}
	sort.SliceStable(c.schedule, func(i, j int) bool {
		return c.schedule[i].index < c.schedule[j].index
	})
	if err := validate(c.schedule); err != nil {
		return errors.E(fmt.Sprintf("chunk %s", c.label), err)
	}
	var ncomm int
	for _, e := range c.schedule {
		if _, ok := e.op.(operator.Communicator); !ok {
			continue
		}
		ncomm++
		if t == nil {
			continue
		}
		if p, ok := e.op.(interface{ Peer() int }); ok {
			if peer := p.Peer(); peer == t.Rank() || peer >= t.Size() {
				return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: %s: invalid peer rank %d in job of %d ranks", c.label, e.label, peer, t.Size()))
			}
		}
	}
	if ncomm > 0 && t == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: %d communication operators without a transport", c.label, ncomm))
	}
	if c.config.Merge && t != nil && t.Size() > 1 {
		before := len(c.schedule)
		var err error
		if c.schedule, err = merge(ctx, t, c.schedule); err != nil {
			return errors.E(fmt.Sprintf("chunk %s: merge", c.label), err)
		}
		log.Debug.Printf("chunk %s: merged %d transfers into %d operators", c.label, before, len(c.schedule))
	}
	if t != nil && t.Size() > 1 && c.config.BarrierPeriod > 0 {
		b, err := operator.NewBarrier(c.config.BarrierPeriod)
		if err != nil {
			return err
		}
		c.add(b, math.Inf(1), "barrier")
	}
	for i := range c.schedule {
		e := &c.schedule[i]
		if cm, ok := e.op.(operator.Communicator); ok {
			cm.Bind(t)
		}
		if c.config.CollectTimings {
			e.timer = c.stats.Timer("op." + e.op.Kind().String())
		}
	}
	c.final = true
	return nil
}

// RunNSteps runs the chunk for n steps. Each step executes every
// operator in schedule order, samples the probes whose period divides
// the new step count, and flushes probe data every flush interval.
// An operator error aborts the run.
func (c *Chunk) RunNSteps(ctx context.Context, n int) error {
	if !c.final {
		return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: run before build was finalized", c.label))
	}
	if c.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: run after close", c.label))
	}
	var (
		start = time.Now()
		steps = c.stats.Counter("steps")
		keys  = c.probeKeys()
	)
	defer c.stats.Timer("run").AddSince(start)
	for i := 0; i < n; i++ {
		for _, e := range c.schedule {
			var opStart time.Time
			if e.timer != nil {
				opStart = time.Now()
			}
			if err := e.op.Execute(ctx); err != nil {
				return errors.E(fmt.Sprintf("chunk %s: step %d: %s", c.label, c.step, e.label), err)
			}
			if e.timer != nil {
				e.timer.AddSince(opStart)
			}
		}
		c.step++
		steps.Add(1)
		for _, key := range keys {
			c.probes[key].Sample(c.step)
		}
		if c.config.Sink != nil && c.step%c.config.FlushInterval == 0 {
			if err := c.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes the probe data recorded since the last flush to the
// chunk's sink and clears them. Flush is a no-op if the chunk has no
// sink.
func (c *Chunk) Flush(ctx context.Context) error {
	if c.config.Sink == nil || c.step == c.flushed {
		return nil
	}
	for _, key := range c.probeKeys() {
		p := c.probes[key]
		if err := c.config.Sink.Write(ctx, key, c.flushed+1, c.step, p.Data()); err != nil {
			return errors.E(fmt.Sprintf("chunk %s: flush probe %d", c.label, key), err)
		}
		p.Clear()
	}
	c.flushed = c.step
	c.stats.Counter("flushes").Add(1)
	return nil
}

// Reset returns the chunk to its initial state: outstanding transfers
// are completed (the payloads of outstanding receives are discarded),
// signals are restored to their initial values, the clock is reset,
// operator state is cleared, stochastic operators are reseeded from
// seed and their position in the schedule, and recorded probe data are
// discarded. Every rank of a job must reset its chunk before the job
// is run again.
func (c *Chunk) Reset(ctx context.Context, seed int64) error {
	if err := c.complete(ctx); err != nil {
		return err
	}
	c.signals.Reset()
	c.step, c.flushed = 0, 0
	for i, e := range c.schedule {
		if r, ok := e.op.(operator.Resetter); ok {
			r.Reset()
		}
		if s, ok := e.op.(operator.Seeder); ok {
			s.Seed(seed + int64(i))
		}
	}
	for _, p := range c.probes {
		p.Clear()
	}
	return nil
}

// complete waits for the outstanding transfers of every communicator
// in the schedule, returning the first error.
func (c *Chunk) complete(ctx context.Context) error {
	var err error
	for _, e := range c.schedule {
		if cm, ok := e.op.(operator.Communicator); ok {
			if e := cm.Complete(ctx); e != nil && err == nil {
				err = errors.E(fmt.Sprintf("chunk %s: complete transfers", c.label), e)
			}
		}
	}
	return err
}

// Close completes outstanding transfers and flushes remaining probe
// data. The chunk may not be run after it is closed.
func (c *Chunk) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.complete(ctx)
	if e := c.Flush(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// ProbeKeys returns the keys of the chunk's probes in ascending order.
func (c *Chunk) ProbeKeys() []probe.Key { return c.probeKeys() }

func (c *Chunk) probeKeys() []probe.Key {
	keys := make([]probe.Key, 0, len(c.probes))
	for key := range c.probes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ProbeData returns the data recorded by the probe with the provided
// key since the last flush.
func (c *Chunk) ProbeData(key probe.Key) ([]probe.Snapshot, error) {
	p, ok := c.probes[key]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("chunk %s: unknown probe key %d", c.label, key))
	}
	return p.Data(), nil
}

// ClearProbes discards all recorded probe data.
func (c *Chunk) ClearProbes() {
	for _, p := range c.probes {
		p.Clear()
	}
}

// An Entry describes a scheduled operator.
type Entry struct {
	Index float64
	Kind  operator.Kind
	Label string
}

// Schedule returns the chunk's schedule.
func (c *Chunk) Schedule() []Entry {
	s := make([]Entry, len(c.schedule))
	for i, e := range c.schedule {
		s[i] = Entry{e.index, e.op.Kind(), e.label}
	}
	return s
}

// env is the operator environment provided by a chunk.
type env struct{ c *Chunk }

func (e env) View(spec signal.ViewSpec) (signal.View, error) { return e.c.signals.View(spec) }
func (e env) Dt() float64                                    { return e.c.dt }

// Time returns the time at the end of the step being executed.
func (e env) Time() float64 { return float64(e.c.step+1) * e.c.dt }
