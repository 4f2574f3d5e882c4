// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace reads and writes job timing traces in the Chrome
// trace event format. In a bigsim trace, each rank is a process and
// each run of a session is a thread; the phases of a rank's run are
// complete ("X") events.
package trace

import (
	"encoding/json"
	"io"
	"time"
)

// T is a trace file: a set of trace events.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. See
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
// Timestamps and durations are in microseconds.
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Metadata returns a metadata event that names process pid.
func Metadata(pid int, name string) Event {
	return Event{
		Pid:  pid,
		Ph:   "M",
		Name: "process_name",
		Args: map[string]interface{}{"name": name},
	}
}

// Span returns a complete event for a phase that began at offset
// start from the beginning of the trace and lasted dur. Spans last
// at least a microsecond, so that the viewer displays them.
func Span(pid, tid int, name string, start, dur time.Duration) Event {
	e := Event{
		Pid:  pid,
		Tid:  tid,
		Ts:   int64(start / time.Microsecond),
		Ph:   "X",
		Dur:  int64(dur / time.Microsecond),
		Name: name,
		Cat:  "phase",
		Args: make(map[string]interface{}),
	}
	if e.Dur == 0 {
		e.Dur = 1
	}
	return e
}

// Complete tells whether the event is a complete ("X") event.
func (e Event) Complete() bool { return e.Ph == "X" }

// Encode writes t to w as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads t from r.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
