// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the counters kept by the ranks of a
// simulation: step and flush counts, transfer volumes, and
// cumulative timings. Counters are collected in a Counters set,
// whose snapshots (Values) are reported to the master and summed.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TimerSuffix is appended to the names of counters that accumulate
// nanoseconds.
const TimerSuffix = "-ns"

// Values is a snapshot of a set of counters, keyed by name.
type Values map[string]int64

// Add adds the values in w to v.
func (v Values) Add(w Values) {
	for name, x := range w {
		v[name] += x
	}
}

// Names returns the counter names in v, sorted.
func (v Values) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timers returns the durations of the timers in v whose names begin
// with prefix, keyed by name with the prefix and timer suffix
// removed.
func (v Values) Timers(prefix string) map[string]time.Duration {
	timers := make(map[string]time.Duration)
	for name, x := range v {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, TimerSuffix) {
			timers[strings.TrimSuffix(strings.TrimPrefix(name, prefix), TimerSuffix)] = time.Duration(x)
		}
	}
	return timers
}

// String renders v as space-separated name:value pairs, sorted by
// name. Timers are rendered as durations.
func (v Values) String() string {
	var b strings.Builder
	for i, name := range v.Names() {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.HasSuffix(name, TimerSuffix) {
			fmt.Fprintf(&b, "%s:%s", strings.TrimSuffix(name, TimerSuffix), time.Duration(v[name]))
		} else {
			fmt.Fprintf(&b, "%s:%d", name, v[name])
		}
	}
	return b.String()
}

// Counters is a concurrency-safe set of named counters.
type Counters struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// NewCounters returns an empty set of counters.
func NewCounters() *Counters {
	return &Counters{counters: make(map[string]*Counter)}
}

// Counter returns the named counter, creating it on first use.
func (c *Counters) Counter(name string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, ok := c.counters[name]
	if !ok {
		x = new(Counter)
		c.counters[name] = x
	}
	return x
}

// Timer returns the named timer: a counter of nanoseconds.
func (c *Counters) Timer(name string) *Counter {
	return c.Counter(name + TimerSuffix)
}

// Transfer counts one message of n bytes in the given direction
// ("send" or "recv").
func (c *Counters) Transfer(dir string, n int) {
	c.Counter(dir + "-messages").Add(1)
	c.Counter(dir + "-bytes").Add(int64(n))
}

// Snapshot returns the current values of the counters.
func (c *Counters) Snapshot() Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := make(Values, len(c.counters))
	for name, x := range c.counters {
		vals[name] = x.Get()
	}
	return vals
}

// A Counter is an atomically updated integer. A nil Counter ignores
// updates and reads as zero.
type Counter struct {
	val int64
}

// Add adds delta to the counter.
func (x *Counter) Add(delta int64) {
	if x != nil {
		atomic.AddInt64(&x.val, delta)
	}
}

// AddSince adds the time elapsed since start to the counter.
func (x *Counter) AddSince(start time.Time) {
	if x != nil {
		x.Add(int64(time.Since(start)))
	}
}

// Get returns the counter's value.
func (x *Counter) Get() int64 {
	if x == nil {
		return 0
	}
	return atomic.LoadInt64(&x.val)
}
