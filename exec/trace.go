// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/bigsim/internal/trace"
)

// A tracer accumulates the phases of every rank of every run in a
// session as trace events in the Chrome tracing format. They can be
// visualized using its built-in visualization tool
// (chrome://tracing). Each rank is represented as a Chrome "process";
// each run of the session is a "thread" within it.
type tracer struct {
	mu sync.Mutex

	events []trace.Event
	ranks  map[int]bool
	runs   int

	// firstEvent is the start of the first traced phase, so that
	// offsets in the trace are meaningful.
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{ranks: make(map[int]bool)}
}

// Add adds the phases of the provided rank reports, which belong to
// a single run, to the trace. Per-operator timings collected by the
// ranks are attached to their run phases.
func (t *tracer) Add(reports []RankReport) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tid := t.runs
	t.runs++
	for _, report := range reports {
		for _, p := range report.Phases {
			if t.firstEvent.IsZero() || p.Start.Before(t.firstEvent) {
				t.firstEvent = p.Start
			}
		}
	}
	for _, report := range reports {
		if !t.ranks[report.Rank] {
			t.ranks[report.Rank] = true
			name := fmt.Sprintf("rank %d", report.Rank)
			if report.Addr != "" {
				name += " " + report.Addr
			}
			t.events = append(t.events, trace.Metadata(report.Rank, name))
		}
		for _, p := range report.Phases {
			event := trace.Span(report.Rank, tid, p.Name, p.Start.Sub(t.firstEvent), p.Duration)
			event.Args["chunk"] = report.Label
			if p.Name == "run" {
				for kind, d := range report.Stats.Timers("op.") {
					event.Args[kind] = d.String()
				}
			}
			t.events = append(t.events, event)
		}
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]trace.Event, len(t.events))
	copy(events, t.events)
	t.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Ts < events[j].Ts
	})
	tr := trace.T{Events: events}
	return tr.Encode(w)
}
