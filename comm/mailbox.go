// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

type route struct {
	peer int
	tag  Tag
}

// A queue holds the messages received on a single route, indexed by
// their sequence numbers.
type queue struct {
	// posted is the sequence number to be assigned to the next posted
	// receive.
	posted uint64
	msgs   map[uint64][]byte
}

// A Mailbox holds the incoming messages for a rank. Senders number
// their messages per (destination, tag); the mailbox matches the
// n'th receive posted for a (source, tag) with the n'th message sent,
// regardless of the order in which messages are delivered.
type Mailbox struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	queues map[route]*queue
	err    error
}

// NewMailbox returns a new, empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{queues: make(map[route]*queue)}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

func (m *Mailbox) queue(r route) *queue {
	q := m.queues[r]
	if q == nil {
		q = &queue{msgs: make(map[uint64][]byte)}
		m.queues[r] = q
	}
	return q
}

// Deliver delivers the seq'th message sent by rank src on the
// provided tag. Deliver returns an errors.Integrity error if the
// message was already delivered, and the mailbox's error if it has
// been closed.
func (m *Mailbox) Deliver(src int, tag Tag, seq uint64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	q := m.queue(route{src, tag})
	if _, ok := q.msgs[seq]; ok {
		return errors.E(errors.Integrity, fmt.Sprintf("duplicate message %d from rank %d on %s", seq, src, tag))
	}
	q.msgs[seq] = payload
	m.cond.Broadcast()
	return nil
}

// Post posts a receive for the next message from rank src on the
// provided tag.
func (m *Mailbox) Post(src int, tag Tag) Request {
	m.mu.Lock()
	r := route{src, tag}
	q := m.queue(r)
	seq := q.posted
	q.posted++
	m.mu.Unlock()
	return &recvRequest{m, r, seq}
}

// Close fails all pending and future receives with the provided
// error. Only the first call to Close has an effect.
func (m *Mailbox) Close(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// Err returns the error with which the mailbox was closed.
func (m *Mailbox) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

type recvRequest struct {
	m     *Mailbox
	route route
	seq   uint64
}

func (r *recvRequest) Wait(ctx context.Context) ([]byte, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(r.route)
	for {
		if p, ok := q.msgs[r.seq]; ok {
			delete(q.msgs, r.seq)
			return p, nil
		}
		if m.err != nil {
			return nil, m.err
		}
		if err := m.cond.Wait(ctx); err != nil {
			return nil, errors.E(errors.Canceled,
				fmt.Sprintf("receive from rank %d on %s", r.route.peer, r.route.tag), err)
		}
	}
}

// A Sequencer assigns per-route sequence numbers to outgoing
// messages.
type Sequencer struct {
	mu   sync.Mutex
	next map[route]uint64
}

// Next returns the sequence number of the next message to rank dst
// on the provided tag.
func (s *Sequencer) Next(dst int, tag Tag) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		s.next = make(map[route]uint64)
	}
	r := route{dst, tag}
	seq := s.next[r]
	s.next[r]++
	return seq
}
