// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package signal implements the storage model of a simulation chunk:
// signals, which are named, owned numeric buffers, and views, which
// are bounded, strided descriptors onto a signal's storage. Every
// numeric value in a simulation lives in a signal; operators and
// probes only ever hold views.
package signal

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Key identifies a signal within a chunk. Keys are assigned by the
// network builder and are stable across the ranks of a job: a signal
// that is carried over a communication edge has the same key in both
// chunks.
type Key int64

// Dtype is the element type of a signal.
type Dtype uint8

const (
	// Float64 is the only supported element type.
	Float64 Dtype = iota + 1
)

func (d Dtype) String() string {
	switch d {
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("dtype(%d)", d)
	}
}

// Shape is the shape of a signal. Signals are either vectors (a
// shape of length 1) or row-major matrices (a shape of length 2).
type Shape []int

// Size returns the number of elements described by the shape.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Rows returns the number of rows; vectors have one row per element.
func (s Shape) Rows() int {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

// Cols returns the number of columns; vectors have a single column.
func (s Shape) Cols() int {
	if len(s) < 2 {
		return 1
	}
	return s[1]
}

func (s Shape) String() string {
	dims := make([]string, len(s))
	for i, d := range s {
		dims[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(dims, ", ") + ")"
}

func (s Shape) valid() bool {
	if len(s) != 1 && len(s) != 2 {
		return false
	}
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

// A Signal is a named numeric buffer owned by a chunk. Its key and
// shape are fixed at creation; its contents are mutated only by the
// operators scheduled to write it.
type Signal struct {
	// Key is the signal's unique key within its chunk.
	Key Key
	// Label is a human-readable name, used in diagnostics.
	Label string
	// Shape is the signal's shape.
	Shape Shape
	// Dtype is the signal's element type.
	Dtype Dtype

	data []float64
	init []float64
}

// New returns a new signal with the provided key, label, and shape,
// initialized with a copy of data. A nil data initializes the signal
// to zeros. New fails with an errors.Invalid error if the shape is
// malformed, the dtype unsupported, or the size of data does not
// match the shape.
func New(key Key, label string, shape Shape, dtype Dtype, data []float64) (*Signal, error) {
	if !shape.valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("signal %d (%s): invalid shape %s", key, label, shape))
	}
	if dtype != Float64 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("signal %d (%s): unsupported dtype %s", key, label, dtype))
	}
	n := shape.Size()
	if data != nil && len(data) != n {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("signal %d (%s): shape %s requires %d values, got %d", key, label, shape, n, len(data)))
	}
	s := &Signal{
		Key:   key,
		Label: label,
		Shape: append(Shape(nil), shape...),
		Dtype: dtype,
		data:  make([]float64, n),
		init:  make([]float64, n),
	}
	copy(s.data, data)
	copy(s.init, data)
	return s, nil
}

// Size returns the number of elements in the signal.
func (s *Signal) Size() int { return len(s.data) }

// Data returns the signal's storage. The returned slice aliases the
// signal's contents.
func (s *Signal) Data() []float64 { return s.data }

// Initial returns a copy of the signal's build-time value.
func (s *Signal) Initial() []float64 {
	return append([]float64(nil), s.init...)
}

// Reset restores the signal's contents to its build-time value.
func (s *Signal) Reset() { copy(s.data, s.init) }

// View returns a view congruent to the full signal.
func (s *Signal) View() View {
	v := View{
		base:   s,
		ndim:   len(s.Shape),
		shape:  [2]int{s.Shape.Rows(), s.Shape.Cols()},
		stride: [2]int{s.Shape.Cols(), 1},
	}
	if v.ndim == 1 {
		v.stride = [2]int{1, 0}
	}
	return v
}

func (s *Signal) String() string {
	return fmt.Sprintf("signal %d (%s) %s", s.Key, s.Label, s.Shape)
}
