// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"

	"github.com/grailbio/bigsim/signal"
	"gonum.org/v1/gonum/floats"
)

// Reset sets every element of its destination to a constant.
type Reset struct {
	dst   signal.View
	value float64
}

func (*Reset) Kind() Kind              { return KindReset }
func (*Reset) Reads() []signal.View    { return nil }
func (r *Reset) Writes() []signal.View { return []signal.View{r.dst} }
func (r *Reset) Execute(context.Context) error {
	r.dst.Fill(r.value)
	return nil
}

// Copy assigns (or, if inc, accumulates) its source into its
// destination.
type Copy struct {
	dst, src signal.View
	inc      bool
	buf      []float64
}

func newCopy(dst, src signal.View, inc bool) (*Copy, error) {
	if dst.Len() != src.Len() {
		return nil, invalidf("copy: destination has %d elements, source %d", dst.Len(), src.Len())
	}
	return &Copy{dst: dst, src: src, inc: inc, buf: make([]float64, src.Len())}, nil
}

func (*Copy) Kind() Kind              { return KindCopy }
func (c *Copy) Reads() []signal.View  { return []signal.View{c.src} }
func (c *Copy) Writes() []signal.View { return []signal.View{c.dst} }

func (c *Copy) Execute(context.Context) error {
	c.src.Gather(c.buf)
	if !c.inc {
		c.dst.Scatter(c.buf)
		return nil
	}
	if y, ok := c.dst.Contiguous(); ok {
		floats.Add(y, c.buf)
		return nil
	}
	for k, x := range c.buf {
		c.dst.SetElem(k, c.dst.Elem(k)+x)
	}
	return nil
}

// dotMode is the form of product computed by DotInc.
type dotMode int

const (
	// scale computes Y += a X for a scalar a.
	scale dotMode = iota
	// matvec computes Y += A X for a matrix A.
	matvec
	// inner computes y += A . X for vectors A and X.
	inner
)

func dotModeOf(A, X, Y signal.View) (dotMode, error) {
	switch {
	case A.Len() == 1 && X.Len() == Y.Len():
		return scale, nil
	case A.Rows() == Y.Len() && A.Cols() == X.Len():
		return matvec, nil
	case A.Ndim() == 1 && A.Len() == X.Len() && Y.Len() == 1:
		return inner, nil
	default:
		return 0, invalidf("dot: incompatible operands A %dx%d, X %d, Y %d",
			A.Rows(), A.Cols(), X.Len(), Y.Len())
	}
}

// dot accumulates the product of A and X into out. The elements of
// A are gathered into a, row-major.
func dot(mode dotMode, A signal.View, a, x, out []float64) {
	A.Gather(a)
	switch mode {
	case scale:
		floats.AddScaled(out, a[0], x)
	case matvec:
		n := len(x)
		for i := range out {
			out[i] += floats.Dot(a[i*n:(i+1)*n], x)
		}
	case inner:
		out[0] += floats.Dot(a, x)
	}
}

// DotInc accumulates the product of A and X into Y.
type DotInc struct {
	A, X, Y signal.View
	mode    dotMode
	a, x, y []float64
}

func newDotInc(A, X, Y signal.View) (*DotInc, error) {
	mode, err := dotModeOf(A, X, Y)
	if err != nil {
		return nil, err
	}
	return &DotInc{
		A: A, X: X, Y: Y,
		mode: mode,
		a:    make([]float64, A.Len()),
		x:    make([]float64, X.Len()),
		y:    make([]float64, Y.Len()),
	}, nil
}

func (*DotInc) Kind() Kind              { return KindDotInc }
func (d *DotInc) Reads() []signal.View  { return []signal.View{d.A, d.X, d.Y} }
func (d *DotInc) Writes() []signal.View { return []signal.View{d.Y} }

func (d *DotInc) Execute(context.Context) error {
	d.X.Gather(d.x)
	d.Y.Gather(d.y)
	dot(d.mode, d.A, d.a, d.x, d.y)
	d.Y.Scatter(d.y)
	return nil
}

// ElementwiseInc accumulates the elementwise product of A and X into
// Y. A and X may be broadcast from a single element.
type ElementwiseInc struct {
	A, X, Y signal.View
	a, x, y []float64
}

func newElementwiseInc(A, X, Y signal.View) (*ElementwiseInc, error) {
	n := Y.Len()
	if !broadcasts(A.Len(), n) || !broadcasts(X.Len(), n) {
		return nil, invalidf("elementwise: incompatible operands A %d, X %d, Y %d", A.Len(), X.Len(), n)
	}
	return &ElementwiseInc{
		A: A, X: X, Y: Y,
		a: make([]float64, A.Len()),
		x: make([]float64, X.Len()),
		y: make([]float64, n),
	}, nil
}

func broadcasts(m, n int) bool { return m == 1 || m == n }

func (*ElementwiseInc) Kind() Kind              { return KindElementwiseInc }
func (e *ElementwiseInc) Reads() []signal.View  { return []signal.View{e.A, e.X, e.Y} }
func (e *ElementwiseInc) Writes() []signal.View { return []signal.View{e.Y} }

func (e *ElementwiseInc) Execute(context.Context) error {
	e.A.Gather(e.a)
	e.X.Gather(e.x)
	e.Y.Gather(e.y)
	for k := range e.y {
		e.y[k] += at(e.a, k) * at(e.x, k)
	}
	e.Y.Scatter(e.y)
	return nil
}

// at returns p[k], broadcasting single-element slices.
func at(p []float64, k int) float64 {
	if len(p) == 1 {
		return p[0]
	}
	return p[k]
}

// ProdUpdate computes Y = B*Y + A.X, where B is applied elementwise
// and may be broadcast from a single element.
type ProdUpdate struct {
	A, X, B, Y signal.View
	mode       dotMode
	a, x, b, y []float64
}

func newProdUpdate(A, X, B, Y signal.View) (*ProdUpdate, error) {
	mode, err := dotModeOf(A, X, Y)
	if err != nil {
		return nil, err
	}
	if !broadcasts(B.Len(), Y.Len()) {
		return nil, invalidf("prod update: incompatible operands B %d, Y %d", B.Len(), Y.Len())
	}
	return &ProdUpdate{
		A: A, X: X, B: B, Y: Y,
		mode: mode,
		a:    make([]float64, A.Len()),
		x:    make([]float64, X.Len()),
		b:    make([]float64, B.Len()),
		y:    make([]float64, Y.Len()),
	}, nil
}

func (*ProdUpdate) Kind() Kind              { return KindProdUpdate }
func (p *ProdUpdate) Reads() []signal.View  { return []signal.View{p.A, p.X, p.B, p.Y} }
func (p *ProdUpdate) Writes() []signal.View { return []signal.View{p.Y} }

func (p *ProdUpdate) Execute(context.Context) error {
	p.X.Gather(p.x)
	p.B.Gather(p.b)
	p.Y.Gather(p.y)
	if len(p.b) == 1 {
		floats.Scale(p.b[0], p.y)
	} else {
		floats.Mul(p.y, p.b)
	}
	dot(p.mode, p.A, p.a, p.x, p.y)
	p.Y.Scatter(p.y)
	return nil
}
