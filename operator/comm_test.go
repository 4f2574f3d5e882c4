// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/signal"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"golang.org/x/sync/errgroup"
)

func TestSendRecvLatency(t *testing.T) {
	fabric := comm.NewFabric(2)
	src, dst := newTestEnv(), newTestEnv()
	a := src.signal(t, 1, signal.Shape{1})
	b := dst.signal(t, 1, signal.Shape{1})
	send := src.op(t, Descriptor{Kind: KindSend, Peer: 1, Tag: 3, Views: full(1)}).(Communicator)
	recv := dst.op(t, Descriptor{Kind: KindRecv, Peer: 0, Tag: 3, Views: full(1)}).(Communicator)
	send.Bind(fabric.Endpoint(0))
	recv.Bind(fabric.Endpoint(1))
	ctx := context.Background()
	for step := 1; step <= 10; step++ {
		a.Data()[0] = float64(step)
		assert.NoError(t, send.Execute(ctx))
		assert.NoError(t, recv.Execute(ctx))
		if got, want := b.Data()[0], float64(step-1); got != want {
			t.Errorf("step %d: got %v, want %v", step, got, want)
		}
	}
	assert.NoError(t, send.Complete(ctx))
	assert.NoError(t, recv.Complete(ctx))

	// After a reset, the first receive only posts.
	send.(Resetter).Reset()
	recv.(Resetter).Reset()
	b.Data()[0] = -1
	for step, want := range []float64{-1, 100} {
		a.Data()[0] = 100
		assert.NoError(t, send.Execute(ctx))
		assert.NoError(t, recv.Execute(ctx))
		if got := b.Data()[0]; got != want {
			t.Errorf("step %d after reset: got %v, want %v", step, got, want)
		}
	}
	assert.NoError(t, send.Complete(ctx))
	assert.NoError(t, recv.Complete(ctx))
}

func TestMergedSendRecv(t *testing.T) {
	fabric := comm.NewFabric(2)
	src, dst := newTestEnv(), newTestEnv()
	a := src.signal(t, 1, signal.Shape{2}, 1, 2)
	src.signal(t, 2, signal.Shape{3}, 3, 4, 5)
	b := dst.signal(t, 1, signal.Shape{2})
	c := dst.signal(t, 2, signal.Shape{3})
	s1, err := NewSend(1, 0, a.View())
	assert.NoError(t, err)
	s2 := src.op(t, Descriptor{Kind: KindSend, Peer: 1, Tag: 0, Views: full(2)}).(*Send)
	r1 := dst.op(t, Descriptor{Kind: KindRecv, Peer: 0, Tag: 0, Views: full(1)}).(*Recv)
	r2 := dst.op(t, Descriptor{Kind: KindRecv, Peer: 0, Tag: 0, Views: full(2)}).(*Recv)
	send, err := MergeSends([]*Send{s1, s2})
	assert.NoError(t, err)
	recv, err := MergeRecvs([]*Recv{r1, r2})
	assert.NoError(t, err)
	expect.EQ(t, send.Kind(), KindMergedSend)
	expect.EQ(t, recv.Kind(), KindMergedRecv)
	send.Bind(fabric.Endpoint(0))
	recv.Bind(fabric.Endpoint(1))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		assert.NoError(t, send.Execute(ctx))
		assert.NoError(t, recv.Execute(ctx))
	}
	expect.EQ(t, b.Data(), []float64{1, 2})
	expect.EQ(t, c.Data(), []float64{3, 4, 5})

	r3 := dst.op(t, Descriptor{Kind: KindRecv, Peer: 0, Tag: 1, Views: full(2)}).(*Recv)
	if _, err := MergeRecvs([]*Recv{r1, r3}); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestRecvSizeMismatch(t *testing.T) {
	fabric := comm.NewFabric(2)
	src, dst := newTestEnv(), newTestEnv()
	src.signal(t, 1, signal.Shape{1})
	dst.signal(t, 1, signal.Shape{2})
	send := src.op(t, Descriptor{Kind: KindSend, Peer: 1, Views: full(1)}).(Communicator)
	recv := dst.op(t, Descriptor{Kind: KindRecv, Peer: 0, Views: full(1)}).(Communicator)
	send.Bind(fabric.Endpoint(0))
	recv.Bind(fabric.Endpoint(1))
	ctx := context.Background()
	assert.NoError(t, send.Execute(ctx))
	assert.NoError(t, recv.Execute(ctx))
	if err := recv.Execute(ctx); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestUnboundTransfer(t *testing.T) {
	env := newTestEnv()
	env.signal(t, 1, signal.Shape{1})
	send := env.op(t, Descriptor{Kind: KindSend, Peer: 1, Views: full(1)})
	if err := send.Execute(context.Background()); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestBarrierPeriod(t *testing.T) {
	const period = 3
	fabric := comm.NewFabric(2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			b, err := NewBarrier(period)
			if err != nil {
				return err
			}
			b.Bind(fabric.Endpoint(rank))
			for i := 0; i < 10; i++ {
				if err := b.Execute(context.Background()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())

	// Only executions numbered by a nonzero multiple of the period
	// synchronize: a lone rank may execute three times without its
	// peer, but blocks on the fourth.
	b, err := NewBarrier(period)
	assert.NoError(t, err)
	b.Bind(comm.NewFabric(2).Endpoint(0))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < period; i++ {
		assert.NoError(t, b.Execute(ctx))
	}
	if err := b.Execute(ctx); err == nil {
		t.Error("expected barrier to block")
	}
	// Reset restarts the count.
	b.Reset()
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < period; i++ {
		assert.NoError(t, b.Execute(ctx))
	}
}
