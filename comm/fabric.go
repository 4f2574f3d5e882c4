// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/stats"
)

// A Fabric connects a set of in-process transports. Sends are
// delivered directly into the destination's mailbox and complete
// immediately.
type Fabric struct {
	endpoints []*Endpoint

	mu  sync.Mutex
	err error
}

// NewFabric returns a fabric connecting n ranks.
func NewFabric(n int) *Fabric {
	f := &Fabric{endpoints: make([]*Endpoint, n)}
	for i := range f.endpoints {
		f.endpoints[i] = &Endpoint{
			fabric:  f,
			rank:    i,
			mailbox: NewMailbox(),
			stats:   stats.NewCounters(),
		}
	}
	return f
}

// Size returns the number of ranks in the fabric.
func (f *Fabric) Size() int { return len(f.endpoints) }

// Endpoint returns the transport for the provided rank.
func (f *Fabric) Endpoint(rank int) *Endpoint {
	return f.endpoints[rank]
}

// Err returns the error that aborted the fabric, if any.
func (f *Fabric) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fabric) abort(rank int, err error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.mu.Unlock()
	aborted := Aborted(rank, err)
	for _, e := range f.endpoints {
		e.mailbox.Close(aborted)
	}
}

// An Endpoint is a single rank's transport in a Fabric.
type Endpoint struct {
	fabric  *Fabric
	rank    int
	mailbox *Mailbox
	seq     Sequencer
	stats   *stats.Counters
}

// Rank implements Transport.
func (e *Endpoint) Rank() int { return e.rank }

// Size implements Transport.
func (e *Endpoint) Size() int { return e.fabric.Size() }

// Stats returns the endpoint's transfer statistics.
func (e *Endpoint) Stats() *stats.Counters { return e.stats }

// Isend implements Transport. The payload is copied into the
// destination mailbox, so that the send completes immediately.
func (e *Endpoint) Isend(dst int, tag Tag, payload []byte) Request {
	if dst < 0 || dst >= e.Size() {
		return Done(nil, errors.E(errors.Invalid, fmt.Sprintf("send to nonexistent rank %d", dst)))
	}
	if err := e.mailbox.Err(); err != nil {
		return Done(nil, err)
	}
	p := append([]byte(nil), payload...)
	err := e.fabric.endpoints[dst].mailbox.Deliver(e.rank, tag, e.seq.Next(dst, tag), p)
	if err == nil {
		e.stats.Transfer("send", len(p))
	}
	return Done(nil, err)
}

// Irecv implements Transport.
func (e *Endpoint) Irecv(src int, tag Tag) Request {
	if src < 0 || src >= e.Size() {
		return Done(nil, errors.E(errors.Invalid, fmt.Sprintf("receive from nonexistent rank %d", src)))
	}
	return CountRecv(e.mailbox.Post(src, tag), e.stats)
}

// Abort implements Transport.
func (e *Endpoint) Abort(err error) { e.fabric.abort(e.rank, err) }

// Err implements Transport.
func (e *Endpoint) Err() error { return e.fabric.Err() }

// CountRecv returns a request that counts the messages and bytes
// received by the receive request r in the provided counters.
func CountRecv(r Request, m *stats.Counters) Request {
	return countingRequest{r, m}
}

type countingRequest struct {
	Request
	stats *stats.Counters
}

func (r countingRequest) Wait(ctx context.Context) ([]byte, error) {
	p, err := r.Request.Wait(ctx)
	if err == nil {
		r.stats.Transfer("recv", len(p))
	}
	return p, err
}
