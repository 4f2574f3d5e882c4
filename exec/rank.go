// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigsim/build"
	"github.com/grailbio/bigsim/chunk"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/stats"
)

// RankConfig contains the runtime parameters shared by every rank of
// a job.
type rankConfig struct {
	Merge          bool
	BarrierPeriod  int
	FlushInterval  int
	Seed           int64
	CollectTimings bool
}

func (c rankConfig) chunk(sink probe.Sink) chunk.Config {
	return chunk.Config{
		FlushInterval:  c.FlushInterval,
		BarrierPeriod:  c.BarrierPeriod,
		Merge:          c.Merge,
		Sink:           sink,
		CollectTimings: c.CollectTimings,
	}
}

// A Phase is a timed stage of a rank's execution.
type Phase struct {
	Name     string
	Start    time.Time
	Duration time.Duration
}

// A RankReport summarizes the execution of a single rank.
type RankReport struct {
	// Rank is the rank's index in the job.
	Rank int
	// Label is the label of the chunk run by the rank.
	Label string
	// Addr is the address of the machine that ran the rank, if any.
	Addr string
	// Stats holds the rank's counters: chunk statistics, transfer
	// statistics, and phase durations.
	Stats stats.Values
	// Phases lists the rank's phases in order of execution.
	Phases []Phase
}

// A rank runs one participant of a job over a transport. Rank 0 is
// the master: it distributes the instruction streams, broadcasts the
// run, and gathers probe data. The others are workers.
type rank struct {
	t      comm.Transport
	config rankConfig
	sink   probe.Sink
	status *status.Task

	chunk  *chunk.Chunk
	phases []Phase
}

func newRank(t comm.Transport, config rankConfig, sink probe.Sink, status *status.Task) *rank {
	return &rank{t: t, config: config, sink: sink, status: status}
}

func (r *rank) printf(format string, args ...interface{}) {
	if r.status != nil {
		r.status.Printf(format, args...)
	}
}

func (r *rank) phase(name string, start time.Time) {
	r.phases = append(r.phases, Phase{name, start, time.Since(start)})
}

// fail aborts the job with err, unless it has already been aborted.
func (r *rank) fail(err error) {
	r.printf("failed: %v", err)
	if r.t.Err() != nil {
		return
	}
	log.Error.Printf("rank %d: aborting job: %v", r.t.Rank(), err)
	r.t.Abort(errors.E(fmt.Sprintf("rank %d", r.t.Rank()), err))
}

// Master runs rank 0 of the provided network for the given number of
// steps. It returns the probe data gathered from every rank. If the
// rank has a sink, the data are written to it instead and master
// returns nil data.
func (r *rank) master(ctx context.Context, net *build.Network, steps int) (data probe.Data, err error) {
	defer func() {
		if err != nil {
			r.fail(err)
		}
	}()
	if got, want := net.Size(), r.t.Size(); got != want {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("network has %d ranks, job has %d", got, want))
	}
	start := time.Now()
	r.printf("distributing %d programs", net.Size()-1)
	reqs := make([]comm.Request, 0, net.Size()-1)
	for i := 1; i < net.Size(); i++ {
		p, err := encodeRecords(net.Stream(i))
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r.t.Isend(i, comm.SetupTag, p))
	}
	if err = r.build(net.Stream(0)); err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if _, err = req.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err = r.prepare(ctx); err != nil {
		return nil, err
	}
	r.phase("build", start)

	p, err := build.Marshal(build.Record{Op: build.OpRun, Value: &build.Run{Steps: steps}})
	if err != nil {
		return nil, err
	}
	if _, err = comm.Bcast(ctx, r.t, 0, p); err != nil {
		return nil, err
	}
	if err = r.run(ctx, steps); err != nil {
		return nil, err
	}

	start = time.Now()
	r.printf("gathering probe data")
	if err = r.chunk.Flush(ctx); err != nil {
		return nil, err
	}
	if err = comm.Barrier(ctx, r.t); err != nil {
		return nil, err
	}
	var (
		owner = make(map[probe.Key]int)
		keys  = r.chunk.ProbeKeys()
	)
	data = make(probe.Data)
	for _, key := range keys {
		owner[key] = 0
		if r.sink == nil {
			data[key], _ = r.chunk.ProbeData(key)
		}
	}
	for src := 1; src < r.t.Size(); src++ {
		p, err := comm.Recv(ctx, r.t, src, comm.ProbeTag)
		if err != nil {
			return nil, err
		}
		keys, snapshots, err := decodeProbeData(p)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("probe data from rank %d", src), err)
		}
		for i, key := range keys {
			if other, ok := owner[key]; ok {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("probe %d recorded by ranks %d and %d", key, other, src))
			}
			owner[key] = src
			if r.sink == nil {
				data[key] = snapshots[i]
				continue
			}
			if err := r.sink.Write(ctx, key, 1, steps, snapshots[i]); err != nil {
				return nil, err
			}
		}
	}
	r.phase("gather", start)
	if err = r.teardown(ctx); err != nil {
		return nil, err
	}
	if r.sink != nil {
		data = nil
	}
	return data, nil
}

// Worker runs a worker rank: it receives its instruction stream from
// the master, runs the steps broadcast by the master, and returns its
// probe data to the master.
func (r *rank) worker(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.fail(err)
		}
	}()
	start := time.Now()
	r.printf("waiting for program")
	p, err := comm.Recv(ctx, r.t, 0, comm.SetupTag)
	if err != nil {
		return err
	}
	records, err := decodeRecords(p)
	if err != nil {
		return err
	}
	if err = r.build(records); err != nil {
		return err
	}
	if err = r.prepare(ctx); err != nil {
		return err
	}
	r.phase("build", start)

	if p, err = comm.Bcast(ctx, r.t, 0, nil); err != nil {
		return err
	}
	rec, err := build.Unmarshal(p)
	if err != nil {
		return err
	}
	run, ok := rec.Value.(*build.Run)
	if !ok {
		return errors.E(errors.Integrity, fmt.Sprintf("expected run record, got %s", rec))
	}
	if err = r.run(ctx, run.Steps); err != nil {
		return err
	}

	start = time.Now()
	r.printf("returning probe data")
	if err = comm.Barrier(ctx, r.t); err != nil {
		return err
	}
	if p, err = r.encodeProbeData(); err != nil {
		return err
	}
	if err = comm.Send(ctx, r.t, 0, comm.ProbeTag, p); err != nil {
		return err
	}
	r.phase("gather", start)
	return r.teardown(ctx)
}

// Build constructs the rank's chunk from an instruction stream. The
// stream must open with a handshake and end with a stop record.
func (r *rank) build(records []build.Record) error {
	var h *build.Handshake
	if len(records) > 0 {
		h, _ = records[0].Value.(*build.Handshake)
	}
	if h == nil {
		return errors.E(errors.Integrity, "instruction stream does not begin with a handshake")
	}
	if h.Version > build.Version {
		return errors.E(errors.Integrity, fmt.Sprintf("unsupported protocol version %d", h.Version))
	}
	if h.Dt <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("chunk %s: invalid time step %v", h.Label, h.Dt))
	}
	r.chunk = chunk.New(h.Label, r.t.Rank(), h.Dt, r.config.chunk(r.sink))
	r.printf("building chunk %s", h.Label)
	for i, rec := range records[1:] {
		if rec.Op == build.OpStop {
			if n := len(records) - i - 2; n > 0 {
				return errors.E(errors.Integrity, fmt.Sprintf("chunk %s: %d records after stop", h.Label, n))
			}
			log.Debug.Printf("rank %d: built chunk %s from %d records", r.t.Rank(), h.Label, len(records))
			return nil
		}
		if err := build.Apply(r.chunk, rec); err != nil {
			return err
		}
	}
	return errors.E(errors.Integrity, fmt.Sprintf("chunk %s: instruction stream has no stop record", h.Label))
}

// Prepare finalizes and resets the rank's chunk, and then waits for
// every other rank to do the same.
func (r *rank) prepare(ctx context.Context) error {
	if err := r.chunk.FinalizeBuild(ctx, r.t); err != nil {
		return err
	}
	if err := r.chunk.Reset(ctx, r.config.Seed); err != nil {
		return err
	}
	return comm.Barrier(ctx, r.t)
}

func (r *rank) run(ctx context.Context, steps int) error {
	if steps < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid step count %d", steps))
	}
	start := time.Now()
	r.printf("running %d steps", steps)
	if err := r.chunk.RunNSteps(ctx, steps); err != nil {
		return err
	}
	r.phase("run", start)
	log.Printf("rank %d: chunk %s: ran %d steps in %s", r.t.Rank(), r.chunk.Label(), steps, time.Since(start))
	return nil
}

func (r *rank) teardown(ctx context.Context) error {
	if err := comm.Barrier(ctx, r.t); err != nil {
		return err
	}
	if err := r.chunk.Close(ctx); err != nil {
		return err
	}
	r.printf("done")
	return nil
}

// Report returns a report of the rank's execution so far.
func (r *rank) report() RankReport {
	report := RankReport{Rank: r.t.Rank(), Stats: make(stats.Values)}
	if r.chunk != nil {
		report.Label = r.chunk.Label()
		report.Stats.Add(r.chunk.Stats().Snapshot())
	}
	if s, ok := r.t.(interface{ Stats() *stats.Counters }); ok {
		report.Stats.Add(s.Stats().Snapshot())
	}
	for _, p := range r.phases {
		report.Stats["phase."+p.Name+"-ns"] += int64(p.Duration)
	}
	report.Phases = r.phases
	return report
}

// EncodeProbeData encodes the rank's probe data as a sequence of
// records: for each probe, in ascending key order, a header followed
// by the probe's snapshots. The sequence is terminated by a stop
// record.
func (r *rank) encodeProbeData() ([]byte, error) {
	var records []build.Record
	for _, key := range r.chunk.ProbeKeys() {
		snapshots, err := r.chunk.ProbeData(key)
		if err != nil {
			return nil, err
		}
		records = append(records, build.Record{Op: build.OpProbeHeader, Value: &build.ProbeHeader{Key: key, Count: len(snapshots)}})
		for i := range snapshots {
			records = append(records, build.Record{Op: build.OpSnapshot, Value: &snapshots[i]})
		}
	}
	records = append(records, build.Record{Op: build.OpStop})
	return encodeRecords(records)
}

// DecodeProbeData decodes probe data encoded by encodeProbeData. It
// returns the probe keys in the order they were encoded, together
// with their snapshots.
func decodeProbeData(p []byte) ([]probe.Key, [][]probe.Snapshot, error) {
	records, err := decodeRecords(p)
	if err != nil {
		return nil, nil, err
	}
	var (
		keys      []probe.Key
		snapshots [][]probe.Snapshot
	)
	for len(records) > 0 {
		rec := records[0]
		records = records[1:]
		if rec.Op == build.OpStop {
			if len(records) > 0 {
				return nil, nil, errors.E(errors.Integrity, fmt.Sprintf("%d records after stop", len(records)))
			}
			return keys, snapshots, nil
		}
		h, ok := rec.Value.(*build.ProbeHeader)
		if !ok {
			return nil, nil, errors.E(errors.Integrity, fmt.Sprintf("expected probe header, got %s", rec))
		}
		if h.Count < 0 || h.Count > len(records) {
			return nil, nil, errors.E(errors.Integrity, fmt.Sprintf("probe %d: invalid snapshot count %d", h.Key, h.Count))
		}
		data := make([]probe.Snapshot, h.Count)
		for i := range data {
			s, ok := records[i].Value.(*probe.Snapshot)
			if !ok {
				return nil, nil, errors.E(errors.Integrity, fmt.Sprintf("probe %d: expected snapshot, got %s", h.Key, records[i]))
			}
			data[i] = *s
		}
		records = records[h.Count:]
		keys = append(keys, h.Key)
		snapshots = append(snapshots, data)
	}
	return nil, nil, errors.E(errors.Integrity, "probe data has no stop record")
}

func encodeRecords(records []build.Record) ([]byte, error) {
	var b bytes.Buffer
	enc := build.NewEncoder(&b)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

func decodeRecords(p []byte) ([]build.Record, error) {
	var (
		dec     = build.NewDecoder(bytes.NewReader(p))
		records []build.Record
	)
	for {
		r, err := dec.Decode()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
}
