// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements point-to-point messaging between the ranks
// of a simulation job. Messages are addressed by (peer rank, tag);
// messages between a given source, destination, and tag are always
// delivered in the order they were sent, and are matched to receives
// in the order the receives were posted.
//
// Package comm provides an in-process transport (Fabric) whose ranks
// are goroutines; package exec provides a transport over bigmachine
// RPC. Both share the Mailbox implementation for matching receives.
package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Tag distinguishes independent message streams between a pair of
// ranks. Tags used by communication operators are non-negative; the
// negative tags are reserved for the job protocol.
type Tag int

const (
	// SetupTag carries instruction streams from the master to workers.
	SetupTag Tag = -1 - iota
	// ProbeTag carries probe data from workers back to the master.
	ProbeTag
	// BarrierTag is used by Barrier.
	BarrierTag
	// BcastTag is used by Bcast.
	BcastTag
	// MergeTag carries merge plans between peers.
	MergeTag
)

func (t Tag) String() string {
	switch t {
	case SetupTag:
		return "setup"
	case ProbeTag:
		return "probe"
	case BarrierTag:
		return "barrier"
	case BcastTag:
		return "bcast"
	case MergeTag:
		return "merge"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// A Request is an outstanding transfer.
type Request interface {
	// Wait blocks until the transfer completes, the transport is
	// aborted, or the context is done. Wait returns the received
	// payload for receive requests, and nil for send requests.
	Wait(ctx context.Context) ([]byte, error)
}

// Transport is the interface to the message layer of a single rank.
type Transport interface {
	// Rank returns the rank of this transport.
	Rank() int
	// Size returns the number of ranks in the job.
	Size() int
	// Isend issues a non-blocking send of payload to rank dst. The
	// transport takes ownership of payload: the caller must not
	// modify it after calling Isend.
	Isend(dst int, tag Tag, payload []byte) Request
	// Irecv posts a non-blocking receive of the next message from
	// rank src with the provided tag.
	Irecv(src int, tag Tag) Request
	// Abort terminates the job: every pending and future request on
	// every rank fails with an error wrapping err.
	Abort(err error)
	// Err returns the error that aborted the job, if any.
	Err() error
}

// Send is a convenience function that performs a blocking send.
func Send(ctx context.Context, t Transport, dst int, tag Tag, payload []byte) error {
	_, err := t.Isend(dst, tag, payload).Wait(ctx)
	return err
}

// Recv is a convenience function that performs a blocking receive.
func Recv(ctx context.Context, t Transport, src int, tag Tag) ([]byte, error) {
	return t.Irecv(src, tag).Wait(ctx)
}

// Aborted returns the error with which requests fail after a job has
// been aborted by the provided rank.
func Aborted(rank int, err error) error {
	return errors.E(errors.Net, fmt.Sprintf("job aborted by rank %d", rank), err)
}

// doneRequest is a request that has already completed.
type doneRequest struct {
	payload []byte
	err     error
}

func (r doneRequest) Wait(ctx context.Context) ([]byte, error) {
	return r.payload, r.err
}

// Done returns a request that is already complete with the provided
// payload and error.
func Done(payload []byte, err error) Request {
	return doneRequest{payload, err}
}
