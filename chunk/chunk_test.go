// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunk

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/operator"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/signal"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func full(keys ...signal.Key) []signal.ViewSpec {
	specs := make([]signal.ViewSpec, len(keys))
	for i, key := range keys {
		specs[i] = signal.Full(key)
	}
	return specs
}

// buildLocal builds a single chunk exercising stateful, stochastic,
// and stateless operators.
func buildLocal(t *testing.T, config Config) *Chunk {
	t.Helper()
	c := New("local", 0, 0.001, config)
	assert.NoError(t, c.AddSignal(1, "one", signal.Shape{1}, []float64{1}))
	assert.NoError(t, c.AddSignal(2, "x", signal.Shape{1}, nil))
	assert.NoError(t, c.AddSignal(3, "noisy", signal.Shape{2}, nil))
	assert.NoError(t, c.AddSignal(4, "J", signal.Shape{2}, []float64{1.5, 3}))
	assert.NoError(t, c.AddSignal(5, "spikes", signal.Shape{2}, nil))
	assert.NoError(t, c.AddSignal(6, "filtered", signal.Shape{2}, nil))
	for _, d := range []operator.Descriptor{
		{Kind: operator.KindCopy, Views: full(2, 1), Inc: true},
		{Kind: operator.KindNoise, Views: full(3), Params: []float64{0, 1}},
		{Kind: operator.KindLIF, Views: full(4, 5), N: 2, Params: []float64{0.02, 0.002}},
		{Kind: operator.KindLinearFilter, Views: full(5, 6), Num: []float64{0.1}, Den: []float64{1, -0.9}},
	} {
		assert.NoError(t, c.AddOperator(d))
	}
	assert.NoError(t, c.AddProbe(1, 2, 1))
	assert.NoError(t, c.AddProbe(2, 3, 2))
	assert.NoError(t, c.AddProbe(3, 6, 1))
	assert.NoError(t, c.FinalizeBuild(context.Background(), nil))
	return c
}

func probeData(t *testing.T, c *Chunk) probe.Data {
	t.Helper()
	d := make(probe.Data)
	for _, key := range c.ProbeKeys() {
		snaps, err := c.ProbeData(key)
		assert.NoError(t, err)
		d[key] = append([]probe.Snapshot(nil), snaps...)
	}
	return d
}

func TestIdempotence(t *testing.T) {
	const steps = 50
	ctx := context.Background()
	c := buildLocal(t, Config{})
	assert.NoError(t, c.Reset(ctx, 5))
	assert.NoError(t, c.RunNSteps(ctx, steps))
	first := probeData(t, c)
	expect.EQ(t, c.Step(), steps)
	assert.NoError(t, c.Reset(ctx, 5))
	expect.EQ(t, c.Step(), 0)
	expect.EQ(t, len(probeData(t, c)[1]), 0)
	assert.NoError(t, c.RunNSteps(ctx, steps))
	if second := probeData(t, c); !reflect.DeepEqual(first, second) {
		t.Error("runs after reset differ")
	}
	// A different seed changes the stochastic operators only.
	assert.NoError(t, c.Reset(ctx, 6))
	assert.NoError(t, c.RunNSteps(ctx, steps))
	third := probeData(t, c)
	expect.EQ(t, third[1], first[1])
	expect.EQ(t, third[3], first[3])
	if reflect.DeepEqual(third[2], first[2]) {
		t.Error("reseeded noise is unchanged")
	}
	// Running in two batches is the same as running once.
	assert.NoError(t, c.Reset(ctx, 5))
	assert.NoError(t, c.RunNSteps(ctx, steps/2))
	assert.NoError(t, c.RunNSteps(ctx, steps-steps/2))
	if fourth := probeData(t, c); !reflect.DeepEqual(first, fourth) {
		t.Error("batched run differs")
	}
}

func TestProbeSampling(t *testing.T) {
	ctx := context.Background()
	c := buildLocal(t, Config{})
	assert.NoError(t, c.Reset(ctx, 0))
	assert.NoError(t, c.RunNSteps(ctx, 11))
	x, err := c.ProbeData(1)
	assert.NoError(t, err)
	expect.EQ(t, len(x), 11)
	for i, snap := range x {
		expect.EQ(t, snap, probe.Snapshot{float64(i + 1)})
	}
	noisy, err := c.ProbeData(2)
	assert.NoError(t, err)
	expect.EQ(t, len(noisy), 5)
	if _, err := c.ProbeData(9); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestFlushTransparency(t *testing.T) {
	const steps = 23
	ctx := context.Background()
	for _, interval := range []int{1, 4, 5, 23, 100} {
		sink := probe.NewMemorySink()
		flushed := buildLocal(t, Config{Sink: sink, FlushInterval: interval})
		retained := buildLocal(t, Config{})
		assert.NoError(t, flushed.Reset(ctx, 1))
		assert.NoError(t, retained.Reset(ctx, 1))
		assert.NoError(t, flushed.RunNSteps(ctx, steps))
		assert.NoError(t, retained.RunNSteps(ctx, steps))
		// Between flushes, only the unflushed tail is retained.
		x, err := flushed.ProbeData(1)
		assert.NoError(t, err)
		expect.EQ(t, len(x), steps%interval)
		assert.NoError(t, flushed.Close(ctx))
		assert.NoError(t, retained.Close(ctx))
		want := probeData(t, retained)
		for _, key := range want.Keys() {
			if got, want := sink.Data(key), want[key]; !reflect.DeepEqual(got, want) {
				t.Errorf("interval %d, probe %d: got %v, want %v", interval, key, got, want)
			}
		}
	}
}

func TestScheduleOrder(t *testing.T) {
	ctx := context.Background()
	c := New("order", 0, 1, Config{})
	assert.NoError(t, c.AddSignal(1, "x", signal.Shape{1}, nil))
	assert.NoError(t, c.AddSignal(2, "y", signal.Shape{1}, nil))
	// Executed in index order: x = 2; y = x; x = 5; ties keep
	// insertion order.
	for _, d := range []operator.Descriptor{
		{Kind: operator.KindReset, Label: "c", Views: full(1), Params: []float64{5}, Index: 2, HasIndex: true},
		{Kind: operator.KindCopy, Label: "b", Views: full(2, 1), Index: 1.5, HasIndex: true},
		{Kind: operator.KindReset, Label: "a", Views: full(1), Params: []float64{2}, Index: -1, HasIndex: true},
		{Kind: operator.KindReset, Label: "d", Views: full(2), Params: []float64{0}, Index: 3, HasIndex: true},
		{Kind: operator.KindCopy, Label: "e", Views: full(2, 1), Inc: true, Index: 3, HasIndex: true},
	} {
		assert.NoError(t, c.AddOperator(d))
	}
	assert.NoError(t, c.AddProbe(1, 2, 1))
	assert.NoError(t, c.FinalizeBuild(ctx, nil))
	var labels []string
	for _, e := range c.Schedule() {
		labels = append(labels, e.Label)
	}
	expect.EQ(t, labels, []string{"Reset(a)", "Copy(b)", "Reset(c)", "Reset(d)", "Copy(e)"})
	assert.NoError(t, c.RunNSteps(ctx, 1))
	y, err := c.ProbeData(1)
	assert.NoError(t, err)
	expect.EQ(t, y, []probe.Snapshot{{5}})
}

func TestWriteOverlap(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		a, b     signal.ViewSpec
		ia, ib   float64
		overlaps bool
	}{
		{signal.Vector(1, 5, 2, 0), signal.Vector(1, 5, 2, 1), 1, 1, false},
		{signal.Vector(1, 5, 2, 0), signal.Vector(1, 3, 1, 2), 1, 1, true},
		{signal.Vector(1, 5, 2, 0), signal.Vector(1, 3, 1, 2), 1, 2, false},
		{signal.Full(1), signal.Full(2), 1, 1, false},
	} {
		ch := New("overlap", 0, 1, Config{})
		assert.NoError(t, ch.AddSignal(1, "x", signal.Shape{10}, nil))
		assert.NoError(t, ch.AddSignal(2, "y", signal.Shape{10}, nil))
		assert.NoError(t, ch.AddOperator(operator.Descriptor{
			Kind: operator.KindReset, Views: []signal.ViewSpec{c.a}, Params: []float64{1}, Index: c.ia, HasIndex: true}))
		assert.NoError(t, ch.AddOperator(operator.Descriptor{
			Kind: operator.KindReset, Views: []signal.ViewSpec{c.b}, Params: []float64{2}, Index: c.ib, HasIndex: true}))
		err := ch.FinalizeBuild(ctx, nil)
		if c.overlaps {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("%v, %v: expected invalid error, got %v", c.a, c.b, err)
			}
		} else if err != nil {
			t.Errorf("%v, %v: %v", c.a, c.b, err)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()
	c := New("errors", 0, 1, Config{})
	assert.NoError(t, c.AddSignal(1, "x", signal.Shape{2}, nil))
	if err := c.AddSignal(1, "x", signal.Shape{2}, nil); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if err := c.AddSignal(2, "x", signal.Shape{2}, []float64{1}); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := c.AddOperator(operator.Descriptor{Kind: operator.KindCopy, Views: full(1, 3)}); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	assert.NoError(t, c.AddProbe(1, 1, 1))
	if err := c.AddProbe(1, 1, 1); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if err := c.AddProbe(2, 3, 1); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if err := c.AddProbeView(3, signal.Vector(1, 3, 1, 0), 1); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := c.RunNSteps(ctx, 1); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	assert.NoError(t, c.AddOperator(operator.Descriptor{Kind: operator.KindSend, Peer: 1, Views: full(1)}))
	if err := c.FinalizeBuild(ctx, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestTimings(t *testing.T) {
	ctx := context.Background()
	c := buildLocal(t, Config{CollectTimings: true})
	assert.NoError(t, c.Reset(ctx, 0))
	assert.NoError(t, c.RunNSteps(ctx, 10))
	vals := c.Stats().Snapshot()
	expect.EQ(t, vals["steps"], int64(10))
	for _, kind := range []operator.Kind{operator.KindCopy, operator.KindNoise, operator.KindLIF, operator.KindLinearFilter} {
		if _, ok := vals["op."+kind.String()+"-ns"]; !ok {
			t.Errorf("missing timing for %s", kind)
		}
	}
}
