// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package signal

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestSignalReset(t *testing.T) {
	const N = 64
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(N, N)
	var init []float64
	fz.Fuzz(&init)
	sig, err := New(1, "x", Shape{N}, Float64, init)
	if err != nil {
		t.Fatal(err)
	}
	// The signal must not alias its initializer.
	orig := init[0]
	init[0] = -1
	if got, want := sig.Data()[0], orig; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	init[0] = orig
	sig.View().Fill(3)
	for i, x := range sig.Data() {
		if x != 3 {
			t.Fatalf("element %d: got %v, want 3", i, x)
		}
	}
	sig.Reset()
	if got, want := sig.Data(), init; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, c := range []struct {
		shape Shape
		dtype Dtype
		data  []float64
	}{
		{Shape{3}, Float64, []float64{1, 2}},
		{Shape{2, 2}, Float64, []float64{1, 2, 3}},
		{Shape{}, Float64, nil},
		{Shape{1, 2, 3}, Float64, nil},
		{Shape{-1}, Float64, nil},
		{Shape{2}, Dtype(9), nil},
	} {
		_, err := New(1, "bad", c.shape, c.dtype, c.data)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("shape %s dtype %s: expected invalid error, got %v", c.shape, c.dtype, err)
		}
	}
}

// inBounds computes by enumeration whether a spec is within a storage
// of n elements.
func inBounds(spec ViewSpec, n int) bool {
	if spec.Shape[0] < 0 || spec.Shape[1] < 0 {
		return false
	}
	if spec.Shape[0] == 0 || spec.Shape[1] == 0 {
		return spec.Offset >= 0 && spec.Offset <= n
	}
	for i := 0; i < spec.Shape[0]; i++ {
		for j := 0; j < spec.Shape[1]; j++ {
			k := spec.Offset + i*spec.Stride[0] + j*spec.Stride[1]
			if k < 0 || k >= n {
				return false
			}
		}
	}
	return true
}

func TestViewBounds(t *testing.T) {
	const N = 24
	sig, err := New(1, "x", Shape{4, 6}, Float64, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewSource(0))
	for iter := 0; iter < 5000; iter++ {
		spec := Matrix(1, r.Intn(8), r.Intn(8), r.Intn(13)-6, r.Intn(13)-6, r.Intn(30)-3)
		_, err := NewView(sig, spec)
		if got, want := err == nil, inBounds(spec, N); got != want {
			t.Fatalf("%s: got ok=%v, want %v (%v)", spec, got, want, err)
		}
		if err != nil && !errors.Is(errors.Invalid, err) {
			t.Fatalf("%s: expected invalid error, got %v", spec, err)
		}
	}
	// Spans that would wrap around in int arithmetic.
	for _, spec := range []ViewSpec{
		Vector(1, 3, math.MinInt64, 0),
		Vector(1, 3, math.MaxInt64, 0),
		Vector(1, 2, math.MinInt64+1, 23),
		Vector(1, math.MaxInt64, 2, 0),
		Vector(1, 1, 1, math.MaxInt64),
		Matrix(1, 2, 3, math.MaxInt64/2+1, 1, 0),
		Matrix(1, math.MaxInt64, math.MaxInt64, 0, 0, 0),
	} {
		if _, err := NewView(sig, spec); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: expected invalid error, got %v", spec, err)
		}
	}
	// Broadcast views may be long, as long as they stay in bounds.
	v, err := NewView(sig, Vector(1, 1000, 0, 23))
	if err != nil {
		t.Fatal(err)
	}
	if lo, hi, ok := v.Bounds(); !ok || lo != 23 || hi != 23 {
		t.Errorf("got %v, %v, %v, want 23, 23, true", lo, hi, ok)
	}
}

func TestGatherScatter(t *testing.T) {
	data := []float64{0, 1, 2, 3, 4, 5}
	sig, err := New(1, "m", Shape{2, 3}, Float64, data)
	if err != nil {
		t.Fatal(err)
	}
	full := sig.View()
	if got, want := full.Copy(), data; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Transposed view.
	tr, err := NewView(sig, Matrix(1, 3, 2, 1, 3, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tr.Copy(), []float64{0, 3, 1, 4, 2, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := tr.Contiguous(); ok {
		t.Error("transposed view reported contiguous")
	}
	tr.Scatter([]float64{10, 13, 11, 14, 12, 15})
	if got, want := sig.Data(), []float64{10, 11, 12, 13, 14, 15}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tr.At(2, 1), 15.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tr.Elem(3), 14.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSlice(t *testing.T) {
	sig, err := New(1, "v", Shape{10}, Float64, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	if err != nil {
		t.Fatal(err)
	}
	odd, err := sig.View().Sub(1, 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := odd.Copy(), []float64{1, 3, 5, 7, 9}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	rev, err := odd.Sub(4, 5, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rev.Copy(), []float64{9, 7, 5, 3, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, r := range []Range{{1, 5, 1}, {0, 3, math.MinInt64}, {4, 2, math.MaxInt64}, {0, math.MaxInt64, 1}} {
		if _, err := odd.Sub(r.Start, r.Len, r.Step); !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: expected invalid error, got %v", r, err)
		}
	}
	one, err := odd.Sub(2, 1, math.MinInt64)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := one.Copy(), []float64{5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Views round-trip through their specs.
	w, err := NewView(sig, rev.Spec())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := w.Copy(), rev.Copy(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOverlaps(t *testing.T) {
	sig, err := New(1, "v", Shape{10}, Float64, nil)
	if err != nil {
		t.Fatal(err)
	}
	other, err := New(2, "w", Shape{10}, Float64, nil)
	if err != nil {
		t.Fatal(err)
	}
	even, _ := NewView(sig, Vector(1, 5, 2, 0))
	odd, _ := NewView(sig, Vector(1, 5, 2, 1))
	head, _ := NewView(sig, Vector(1, 3, 1, 0))
	for _, c := range []struct {
		v, w View
		want bool
	}{
		{even, odd, false},
		{even, head, true},
		{odd, head, true},
		{sig.View(), other.View(), false},
		{sig.View(), sig.View(), true},
	} {
		if got := Overlaps(c.v, c.w); got != c.want {
			t.Errorf("overlaps(%s, %s): got %v, want %v", c.v, c.w, got, c.want)
		}
	}
}

func TestSet(t *testing.T) {
	set := NewSet()
	a, _ := New(1, "a", Shape{3}, Float64, []float64{1, 2, 3})
	if err := set.Add(a); err != nil {
		t.Fatal(err)
	}
	dup, _ := New(1, "dup", Shape{1}, Float64, nil)
	if err := set.Add(dup); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if _, err := set.Lookup(2); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if _, err := set.View(Vector(1, 4, 1, 0)); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	v, err := set.View(Full(1))
	if err != nil {
		t.Fatal(err)
	}
	v.Fill(0)
	set.Reset()
	if got, want := a.Data(), []float64{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
