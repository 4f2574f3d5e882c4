// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package signal

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A ViewSpec describes a view on the wire, in terms of the key of its
// base signal. A ViewSpec with Ndim == 0 describes the full base
// signal; otherwise Shape, Stride, and Offset describe the view in
// elements of the base signal's storage. Only the first dimension is
// used when Ndim == 1.
type ViewSpec struct {
	Key    Key
	Ndim   int
	Shape  [2]int
	Stride [2]int
	Offset int
}

// Full returns a ViewSpec for the full signal with the provided key.
func Full(key Key) ViewSpec {
	return ViewSpec{Key: key}
}

// Vector returns a ViewSpec for a 1-dimensional view of n elements
// starting at offset, stepping stride elements.
func Vector(key Key, n, stride, offset int) ViewSpec {
	return ViewSpec{Key: key, Ndim: 1, Shape: [2]int{n, 1}, Stride: [2]int{stride, 0}, Offset: offset}
}

// Matrix returns a ViewSpec for a 2-dimensional view.
func Matrix(key Key, rows, cols, rowStride, colStride, offset int) ViewSpec {
	return ViewSpec{Key: key, Ndim: 2, Shape: [2]int{rows, cols}, Stride: [2]int{rowStride, colStride}, Offset: offset}
}

func (s ViewSpec) String() string {
	if s.Ndim == 0 {
		return fmt.Sprintf("%d[:]", s.Key)
	}
	return fmt.Sprintf("%d[ndim=%d shape=%v stride=%v offset=%d]", s.Key, s.Ndim, s.Shape, s.Stride, s.Offset)
}

// A View is a strided reference onto a signal's storage. Elements are
// addressed by (row, column); vectors have a single column. Views are
// plain values: they never own storage, and several views may alias
// the same elements. A View is only ever constructed if every element
// it addresses lies within its base signal.
type View struct {
	base   *Signal
	ndim   int
	shape  [2]int
	stride [2]int
	offset int
}

// NewView returns a view of sig described by the provided spec (the
// spec's key is ignored). NewView fails with an errors.Invalid error
// if the view would address storage outside of sig.
func NewView(sig *Signal, spec ViewSpec) (View, error) {
	if spec.Ndim == 0 {
		return sig.View(), nil
	}
	v := View{
		base:   sig,
		ndim:   spec.Ndim,
		shape:  spec.Shape,
		stride: spec.Stride,
		offset: spec.Offset,
	}
	switch spec.Ndim {
	case 1:
		v.shape[1], v.stride[1] = 1, 0
	case 2:
	default:
		return View{}, errors.E(errors.Invalid, fmt.Sprintf("view %s: invalid ndim %d", spec, spec.Ndim))
	}
	if err := v.check(); err != nil {
		return View{}, errors.E(err, fmt.Sprintf("view %s of %s", spec, sig))
	}
	return v, nil
}

// check ensures the view addresses only elements within its base.
func (v View) check() error {
	n := v.base.Size()
	if v.shape[0] < 0 || v.shape[1] < 0 {
		return errors.E(errors.Invalid, "negative extent")
	}
	if v.shape[0] == 0 || v.shape[1] == 0 {
		if v.offset < 0 || v.offset > n {
			return errors.E(errors.Invalid, fmt.Sprintf("offset %d out of bounds [0, %d]", v.offset, n))
		}
		return nil
	}
	if v.shape[1] > maxInt/v.shape[0] {
		return errors.E(errors.Invalid, fmt.Sprintf("shape %v too large", v.shape))
	}
	if v.offset < 0 || v.offset >= n {
		return errors.E(errors.Invalid, fmt.Sprintf("offset %d outside of allocation [0, %d)", v.offset, n))
	}
	lo, hi := v.offset, v.offset
	for d := 0; d < 2; d++ {
		s, ok := span(v.shape[d], v.stride[d], n)
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("extent %d with stride %d exceeds allocation of %d", v.shape[d], v.stride[d], n))
		}
		if s < 0 {
			lo += s
		} else {
			hi += s
		}
	}
	if lo < 0 || hi >= n {
		return errors.E(errors.Invalid, fmt.Sprintf("addresses [%d, %d], outside of allocation [0, %d)", lo, hi, n))
	}
	return nil
}

const maxInt = int(^uint(0) >> 1)

// span returns (n-1)*stride, the distance between the first and last
// of n elements. Ok is false if the magnitude of the span would exceed
// limit; the product is never formed in that case.
func span(n, stride, limit int) (s int, ok bool) {
	if n <= 1 || stride == 0 {
		return 0, true
	}
	if stride < -limit || stride > limit {
		return 0, false
	}
	abs := stride
	if abs < 0 {
		abs = -abs
	}
	if n-1 > limit/abs {
		return 0, false
	}
	return (n - 1) * stride, true
}

// IsZero tells whether v is the zero View.
func (v View) IsZero() bool { return v.base == nil }

// Base returns the view's base signal.
func (v View) Base() *Signal { return v.base }

// Key returns the key of the view's base signal.
func (v View) Key() Key { return v.base.Key }

// Ndim returns the dimensionality of the view.
func (v View) Ndim() int { return v.ndim }

// Rows returns the number of rows in the view.
func (v View) Rows() int { return v.shape[0] }

// Cols returns the number of columns in the view; 1 for vectors.
func (v View) Cols() int { return v.shape[1] }

// Len returns the number of elements addressed by the view.
func (v View) Len() int { return v.shape[0] * v.shape[1] }

// Spec returns the ViewSpec describing v.
func (v View) Spec() ViewSpec {
	return ViewSpec{Key: v.base.Key, Ndim: v.ndim, Shape: v.shape, Stride: v.stride, Offset: v.offset}
}

// Index returns the storage index of element (i, j).
func (v View) Index(i, j int) int {
	return v.offset + i*v.stride[0] + j*v.stride[1]
}

// At returns element (i, j).
func (v View) At(i, j int) float64 {
	return v.base.data[v.Index(i, j)]
}

// Set sets element (i, j) to x.
func (v View) Set(i, j int, x float64) {
	v.base.data[v.Index(i, j)] = x
}

// Elem returns the k'th element in row-major order.
func (v View) Elem(k int) float64 {
	return v.base.data[v.Index(k/v.shape[1], k%v.shape[1])]
}

// SetElem sets the k'th element in row-major order.
func (v View) SetElem(k int, x float64) {
	v.base.data[v.Index(k/v.shape[1], k%v.shape[1])] = x
}

// Contiguous returns the view's elements as a slice of the base
// storage when they are laid out contiguously in row-major order.
func (v View) Contiguous() ([]float64, bool) {
	n := v.Len()
	if n == 0 {
		return v.base.data[v.offset:v.offset], true
	}
	if (v.shape[1] == 1 || v.stride[1] == 1) && (v.shape[0] == 1 || v.stride[0] == v.shape[1]) {
		return v.base.data[v.offset : v.offset+n], true
	}
	return nil, false
}

// Gather copies the view's elements, in row-major order, into dst,
// which must have length at least v.Len(). Gather returns the number
// of elements copied.
func (v View) Gather(dst []float64) int {
	if p, ok := v.Contiguous(); ok {
		return copy(dst, p)
	}
	k := 0
	for i := 0; i < v.shape[0]; i++ {
		for j := 0; j < v.shape[1]; j++ {
			dst[k] = v.base.data[v.Index(i, j)]
			k++
		}
	}
	return k
}

// Scatter copies src, in row-major order, into the view's elements.
// It returns the number of elements copied.
func (v View) Scatter(src []float64) int {
	if p, ok := v.Contiguous(); ok {
		return copy(p, src)
	}
	k := 0
	for i := 0; i < v.shape[0] && k < len(src); i++ {
		for j := 0; j < v.shape[1] && k < len(src); j++ {
			v.base.data[v.Index(i, j)] = src[k]
			k++
		}
	}
	return k
}

// Fill sets every element of the view to x.
func (v View) Fill(x float64) {
	for i := 0; i < v.shape[0]; i++ {
		for j := 0; j < v.shape[1]; j++ {
			v.base.data[v.Index(i, j)] = x
		}
	}
}

// Copy returns a deep copy of the view's contents in row-major order.
func (v View) Copy() []float64 {
	p := make([]float64, v.Len())
	v.Gather(p)
	return p
}

// A Range selects Len indices along one dimension of a view, starting
// at Start and advancing by Step.
type Range struct {
	Start, Len, Step int
}

// All selects every index of a dimension of length n.
func All(n int) Range { return Range{0, n, 1} }

// Slice returns the sub-view of v selected by the provided row and
// column ranges. Each range is interpreted in terms of v's own
// coordinates, so that the result aliases v's elements. Slice fails
// with an errors.Invalid error if a range leaves v.
func (v View) Slice(rows, cols Range) (View, error) {
	if err := rows.within(v.shape[0]); err != nil {
		return View{}, errors.E(err, fmt.Sprintf("slice rows of %s", v))
	}
	if err := cols.within(v.shape[1]); err != nil {
		return View{}, errors.E(err, fmt.Sprintf("slice cols of %s", v))
	}
	w := v
	w.offset = v.offset
	if rows.Len > 0 && cols.Len > 0 {
		w.offset = v.Index(rows.Start, cols.Start)
	}
	w.shape = [2]int{rows.Len, cols.Len}
	w.stride = [2]int{rows.stride(v.stride[0]), cols.stride(v.stride[1])}
	if err := w.check(); err != nil {
		return View{}, errors.E(err, fmt.Sprintf("slice of %s", v))
	}
	return w, nil
}

// Sub returns the 1-dimensional sub-view of elements start, start+step,
// ... of a vector view.
func (v View) Sub(start, n, step int) (View, error) {
	if v.shape[1] != 1 {
		return View{}, errors.E(errors.Invalid, fmt.Sprintf("sub of non-vector %s", v))
	}
	return v.Slice(Range{start, n, step}, All(1))
}

func (r Range) within(n int) error {
	if r.Len < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative length %d", r.Len))
	}
	if r.Len == 0 {
		return nil
	}
	s, ok := span(r.Len, r.Step, n)
	if !ok || r.Start < 0 || r.Start >= n || r.Start+s < 0 || r.Start+s >= n {
		return errors.E(errors.Invalid, fmt.Sprintf("range %d+%d*%d outside [0, %d)", r.Start, r.Len, r.Step, n))
	}
	return nil
}

// stride returns the storage stride of the range over a dimension with
// storage stride s. Single-element ranges never step.
func (r Range) stride(s int) int {
	if r.Len <= 1 {
		return 0
	}
	return s * r.Step
}

// Indices returns the storage indices addressed by v in row-major
// order.
func (v View) Indices() []int {
	idx := make([]int, 0, v.Len())
	for i := 0; i < v.shape[0]; i++ {
		for j := 0; j < v.shape[1]; j++ {
			idx = append(idx, v.Index(i, j))
		}
	}
	return idx
}

// Bounds returns the lowest and highest storage index addressed by v.
// Ok is false for empty views.
func (v View) Bounds() (lo, hi int, ok bool) {
	if v.Len() == 0 {
		return 0, 0, false
	}
	lo, hi = v.offset, v.offset
	for d := 0; d < 2; d++ {
		// Spans of a constructed view are bounded by its base's size.
		s, _ := span(v.shape[d], v.stride[d], v.base.Size())
		if s < 0 {
			lo += s
		} else {
			hi += s
		}
	}
	return lo, hi, true
}

// Overlaps tells whether views v and w address at least one common
// element of the same base signal.
func Overlaps(v, w View) bool {
	if v.base != w.base {
		return false
	}
	vlo, vhi, vok := v.Bounds()
	wlo, whi, wok := w.Bounds()
	if !vok || !wok || vhi < wlo || whi < vlo {
		return false
	}
	seen := make(map[int]bool, v.Len())
	for _, i := range v.Indices() {
		seen[i] = true
	}
	for _, i := range w.Indices() {
		if seen[i] {
			return true
		}
	}
	return false
}

func (v View) String() string {
	if v.base == nil {
		return "view(nil)"
	}
	return fmt.Sprintf("view of %s: shape=%v stride=%v offset=%d", v.base, v.shape, v.stride, v.offset)
}
