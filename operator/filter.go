// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"

	"github.com/grailbio/bigsim/signal"
)

// LinearFilter applies a direct-form IIR filter, given by numerator
// and denominator coefficients, independently to each element of its
// input. Coefficients are normalized by the leading denominator
// coefficient.
type LinearFilter struct {
	in, out  signal.View
	num, den []float64
	// x and y hold, per element, the len(num) most recent inputs and
	// len(den)-1 most recent outputs, most recent first.
	x, y   [][]float64
	xi, yo []float64
}

func newLinearFilter(in, out signal.View, num, den []float64) (*LinearFilter, error) {
	if in.Len() != out.Len() {
		return nil, invalidf("linear filter: input has %d elements, output %d", in.Len(), out.Len())
	}
	if len(num) == 0 || len(den) == 0 || den[0] == 0 {
		return nil, invalidf("linear filter: invalid coefficients num=%v den=%v", num, den)
	}
	f := &LinearFilter{
		in:  in,
		out: out,
		num: make([]float64, len(num)),
		den: make([]float64, len(den)),
		x:   make([][]float64, in.Len()),
		y:   make([][]float64, in.Len()),
		xi:  make([]float64, in.Len()),
		yo:  make([]float64, in.Len()),
	}
	for i := range num {
		f.num[i] = num[i] / den[0]
	}
	for i := range den {
		f.den[i] = den[i] / den[0]
	}
	for i := range f.x {
		f.x[i] = make([]float64, len(num))
		f.y[i] = make([]float64, len(den)-1)
	}
	return f, nil
}

func (*LinearFilter) Kind() Kind              { return KindLinearFilter }
func (f *LinearFilter) Reads() []signal.View  { return []signal.View{f.in} }
func (f *LinearFilter) Writes() []signal.View { return []signal.View{f.out} }

func (f *LinearFilter) Execute(context.Context) error {
	f.in.Gather(f.xi)
	for i, xi := range f.xi {
		x, y := f.x[i], f.y[i]
		copy(x[1:], x)
		x[0] = xi
		var yi float64
		for k, b := range f.num {
			yi += b * x[k]
		}
		for k, a := range f.den[1:] {
			yi -= a * y[k]
		}
		if len(y) > 0 {
			copy(y[1:], y)
			y[0] = yi
		}
		f.yo[i] = yi
	}
	f.out.Scatter(f.yo)
	return nil
}

// Reset clears the filter's history.
func (f *LinearFilter) Reset() {
	for i := range f.x {
		for k := range f.x[i] {
			f.x[i][k] = 0
		}
		for k := range f.y[i] {
			f.y[i][k] = 0
		}
	}
}
