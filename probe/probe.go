// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package probe implements probes, which periodically record the
// contents of a view during a simulation, and sinks, to which
// recorded data are flushed.
package probe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/signal"
)

// A Key identifies a probe within a job.
type Key int64

// A Snapshot is a copy of a probed view's contents at a single step,
// in row-major order.
type Snapshot []float64

// A Probe samples a view every Period steps.
type Probe struct {
	key    Key
	view   signal.View
	period int
	data   []Snapshot
}

// New returns a probe of the provided view. New returns an
// errors.Invalid error if period is not positive.
func New(key Key, view signal.View, period int) (*Probe, error) {
	if period <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("probe %d: invalid period %d", key, period))
	}
	return &Probe{key: key, view: view, period: period}, nil
}

// Key returns the probe's key.
func (p *Probe) Key() Key { return p.key }

// View returns the view sampled by the probe.
func (p *Probe) View() signal.View { return p.view }

// Period returns the probe's sampling period.
func (p *Probe) Period() int { return p.period }

// Sample records a copy of the probe's view if step is a multiple of
// the probe's period. It reports whether a snapshot was taken.
func (p *Probe) Sample(step int) bool {
	if step%p.period != 0 {
		return false
	}
	p.data = append(p.data, Snapshot(p.view.Copy()))
	return true
}

// Data returns the snapshots recorded since the probe was last
// cleared.
func (p *Probe) Data() []Snapshot { return p.data }

// Clear discards the probe's recorded snapshots.
func (p *Probe) Clear() { p.data = nil }

// Sink is the destination of flushed probe data.
type Sink interface {
	// Write writes the snapshots recorded by probe key over the
	// steps [first, last].
	Write(ctx context.Context, key Key, first, last int, snapshots []Snapshot) error
}

// Data is the probe data gathered from a job, keyed by probe.
type Data map[Key][]Snapshot

// Keys returns the probe keys in d in ascending order.
func (d Data) Keys() []Key {
	keys := make([]Key, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// MemorySink is a Sink that retains all data in memory.
type MemorySink struct {
	mu     sync.Mutex
	data   Data
	writes int
}

// NewMemorySink returns a new, empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(Data)}
}

// Write implements Sink.
func (m *MemorySink) Write(ctx context.Context, key Key, first, last int, snapshots []Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		m.data[key] = append(m.data[key], append(Snapshot(nil), s...))
	}
	m.writes++
	return nil
}

// Data returns the snapshots written for probe key.
func (m *MemorySink) Data(key Key) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

// All returns all of the data written to the sink.
func (m *MemorySink) All() Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := make(Data, len(m.data))
	for k, v := range m.data {
		d[k] = v
	}
	return d
}

// Writes returns the number of calls to Write.
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
