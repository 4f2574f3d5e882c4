// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package probe

import (
	"context"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/signal"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestSamplingLaw(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for iter := 0; iter < 50; iter++ {
		var (
			period = 1 + r.Intn(10)
			steps  = r.Intn(100)
		)
		sig, err := signal.New(1, "x", signal.Shape{2}, signal.Float64, nil)
		assert.NoError(t, err)
		p, err := New(1, sig.View(), period)
		assert.NoError(t, err)
		for step := 1; step <= steps; step++ {
			sig.View().Fill(float64(step))
			p.Sample(step)
		}
		if got, want := len(p.Data()), steps/period; got != want {
			t.Fatalf("period %d, steps %d: got %v, want %v", period, steps, got, want)
		}
		for i, snap := range p.Data() {
			step := float64((i + 1) * period)
			expect.EQ(t, snap, Snapshot{step, step})
		}
	}
}

func TestCopyOnSample(t *testing.T) {
	sig, err := signal.New(1, "x", signal.Shape{3}, signal.Float64, []float64{1, 2, 3})
	assert.NoError(t, err)
	view, err := sig.View().Sub(0, 2, 2)
	assert.NoError(t, err)
	p, err := New(7, view, 1)
	assert.NoError(t, err)
	p.Sample(1)
	sig.View().Fill(0)
	expect.EQ(t, p.Data(), []Snapshot{{1, 3}})
	p.Clear()
	expect.EQ(t, len(p.Data()), 0)
	if _, err := New(1, view, 0); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	snaps := []Snapshot{{1}, {2}}
	assert.NoError(t, sink.Write(ctx, 2, 1, 2, snaps))
	assert.NoError(t, sink.Write(ctx, 1, 1, 2, nil))
	assert.NoError(t, sink.Write(ctx, 2, 3, 4, []Snapshot{{3}}))
	snaps[0][0] = 100
	expect.EQ(t, sink.Data(2), []Snapshot{{1}, {2}, {3}})
	expect.EQ(t, sink.Writes(), 3)
	expect.EQ(t, sink.All().Keys(), []Key{2})
}
