// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/signal"
)

// pipe holds the state common to Send and Recv: the peer and tag that
// address the transfer, the views carried by it, and the single
// outstanding request.
type pipe struct {
	peer      int
	tag       comm.Tag
	views     []signal.View
	merged    bool
	transport comm.Transport
	pending   comm.Request
	buf       []float64
}

func newPipe(peer int, tag comm.Tag, views []signal.View) (pipe, error) {
	if peer < 0 {
		return pipe{}, invalidf("invalid peer rank %d", peer)
	}
	if tag < 0 {
		return pipe{}, invalidf("reserved tag %s", tag)
	}
	if len(views) == 0 {
		return pipe{}, invalidf("no views to transfer")
	}
	var n int
	for _, v := range views {
		n += v.Len()
	}
	return pipe{peer: peer, tag: tag, views: views, buf: make([]float64, n)}, nil
}

// Peer returns the rank of the pipe's peer.
func (p *pipe) Peer() int { return p.peer }

// Tag returns the pipe's tag.
func (p *pipe) Tag() comm.Tag { return p.tag }

// Views returns the views carried by the pipe, in payload order.
func (p *pipe) Views() []signal.View { return p.views }

// Bind binds the pipe to a transport.
func (p *pipe) Bind(t comm.Transport) { p.transport = t }

// Complete waits for the outstanding request, if any. The payload of
// an outstanding receive is discarded.
func (p *pipe) Complete(ctx context.Context) error {
	if p.pending == nil {
		return nil
	}
	_, err := p.pending.Wait(ctx)
	p.pending = nil
	return err
}

// Reset drops the outstanding request. The pipe should be completed
// first, so that the request's message is not observed by the next
// receive.
func (p *pipe) Reset() { p.pending = nil }

func (p *pipe) check() error {
	if p.transport == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("transfer with rank %d on %s is not bound to a transport", p.peer, p.tag))
	}
	return nil
}

// Send transfers the contents of its views to a peer. Each execution
// waits for the transfer issued by the previous execution, then
// issues a new non-blocking transfer of the views' current contents.
type Send struct{ pipe }

func newSend(peer int, tag comm.Tag, views []signal.View) (*Send, error) {
	p, err := newPipe(peer, tag, views)
	if err != nil {
		return nil, errors.E("send", err)
	}
	return &Send{p}, nil
}

// NewSend returns a Send of the provided views to rank peer.
func NewSend(peer int, tag comm.Tag, views ...signal.View) (*Send, error) {
	return newSend(peer, tag, views)
}

// MergeSends returns a single Send that transfers the views of all of
// the provided sends, in order. The sends must share their peer and
// tag.
func MergeSends(sends []*Send) (*Send, error) {
	var views []signal.View
	for _, s := range sends {
		if s.peer != sends[0].peer || s.tag != sends[0].tag {
			return nil, invalidf("merge: sends to rank %d on %s and rank %d on %s", sends[0].peer, sends[0].tag, s.peer, s.tag)
		}
		views = append(views, s.views...)
	}
	m, err := newSend(sends[0].peer, sends[0].tag, views)
	if err != nil {
		return nil, err
	}
	m.merged = true
	return m, nil
}

func (s *Send) Kind() Kind {
	if s.merged {
		return KindMergedSend
	}
	return KindSend
}

func (s *Send) Reads() []signal.View { return s.views }
func (*Send) Writes() []signal.View  { return nil }

func (s *Send) Execute(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.pending != nil {
		_, err := s.pending.Wait(ctx)
		s.pending = nil
		if err != nil {
			return errors.E(fmt.Sprintf("send to rank %d on %s", s.peer, s.tag), err)
		}
	}
	var off int
	for _, v := range s.views {
		off += v.Gather(s.buf[off:])
	}
	s.pending = s.transport.Isend(s.peer, s.tag, comm.EncodeFloats(nil, s.buf))
	return nil
}

// Recv receives the contents of its views from a peer. The first
// execution posts a receive; each later execution waits for the
// posted receive, stores its payload into the views, and posts the
// next receive. Data sent at step k are thus observed at step k+1.
type Recv struct{ pipe }

func newRecv(peer int, tag comm.Tag, views []signal.View) (*Recv, error) {
	p, err := newPipe(peer, tag, views)
	if err != nil {
		return nil, errors.E("recv", err)
	}
	return &Recv{p}, nil
}

// NewRecv returns a Recv into the provided views from rank peer.
func NewRecv(peer int, tag comm.Tag, views ...signal.View) (*Recv, error) {
	return newRecv(peer, tag, views)
}

// MergeRecvs returns a single Recv that receives into the views of
// all of the provided receives, in order. The receives must share
// their peer and tag.
func MergeRecvs(recvs []*Recv) (*Recv, error) {
	var views []signal.View
	for _, r := range recvs {
		if r.peer != recvs[0].peer || r.tag != recvs[0].tag {
			return nil, invalidf("merge: receives from rank %d on %s and rank %d on %s", recvs[0].peer, recvs[0].tag, r.peer, r.tag)
		}
		views = append(views, r.views...)
	}
	m, err := newRecv(recvs[0].peer, recvs[0].tag, views)
	if err != nil {
		return nil, err
	}
	m.merged = true
	return m, nil
}

func (r *Recv) Kind() Kind {
	if r.merged {
		return KindMergedRecv
	}
	return KindRecv
}

func (*Recv) Reads() []signal.View    { return nil }
func (r *Recv) Writes() []signal.View { return r.views }

func (r *Recv) Execute(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	if r.pending != nil {
		p, err := r.pending.Wait(ctx)
		r.pending = nil
		if err != nil {
			return errors.E(fmt.Sprintf("receive from rank %d on %s", r.peer, r.tag), err)
		}
		if err := comm.DecodeFloats(p, r.buf); err != nil {
			return errors.E(fmt.Sprintf("receive from rank %d on %s", r.peer, r.tag), err)
		}
		var off int
		for _, v := range r.views {
			off += v.Scatter(r.buf[off : off+v.Len()])
		}
	}
	r.pending = r.transport.Irecv(r.peer, r.tag)
	return nil
}

// Barrier synchronizes all ranks periodically: it performs a barrier
// on every execution whose (zero-based) count is a nonzero multiple
// of its period, and is a no-op otherwise.
type Barrier struct {
	period    int
	step      int
	transport comm.Transport
}

// NewBarrier returns a new barrier operator with the provided period.
func NewBarrier(period int) (*Barrier, error) {
	if period <= 0 {
		return nil, invalidf("barrier: invalid period %d", period)
	}
	return &Barrier{period: period}, nil
}

func (*Barrier) Kind() Kind                     { return KindBarrier }
func (*Barrier) Reads() []signal.View           { return nil }
func (*Barrier) Writes() []signal.View          { return nil }
func (b *Barrier) Bind(t comm.Transport)        { b.transport = t }
func (*Barrier) Complete(context.Context) error { return nil }
func (b *Barrier) Reset()                       { b.step = 0 }

func (b *Barrier) Execute(ctx context.Context) error {
	if b.transport == nil {
		return errors.E(errors.Invalid, "barrier is not bound to a transport")
	}
	step := b.step
	b.step++
	if step != 0 && step%b.period == 0 {
		return comm.Barrier(ctx, b.transport)
	}
	return nil
}
