// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"

	"github.com/grailbio/base/errors"
)

// Barrier blocks until every rank of the job has entered the barrier.
// Barrier is implemented as a gather to rank 0 followed by a release
// from rank 0. Every rank must call Barrier the same number of times.
func Barrier(ctx context.Context, t Transport) error {
	if t.Size() == 1 {
		return t.Err()
	}
	if t.Rank() != 0 {
		if err := Send(ctx, t, 0, BarrierTag, nil); err != nil {
			return err
		}
		_, err := Recv(ctx, t, 0, BarrierTag)
		return err
	}
	reqs := make([]Request, t.Size())
	for i := 1; i < t.Size(); i++ {
		reqs[i] = t.Irecv(i, BarrierTag)
	}
	for i := 1; i < t.Size(); i++ {
		if _, err := reqs[i].Wait(ctx); err != nil {
			return err
		}
	}
	for i := 1; i < t.Size(); i++ {
		reqs[i] = t.Isend(i, BarrierTag, nil)
	}
	for i := 1; i < t.Size(); i++ {
		if _, err := reqs[i].Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Bcast broadcasts payload from rank root to every rank; it returns
// the broadcast payload on every rank. The payload argument is
// ignored on ranks other than root.
func Bcast(ctx context.Context, t Transport, root int, payload []byte) ([]byte, error) {
	if root < 0 || root >= t.Size() {
		return nil, errors.E(errors.Invalid, "broadcast from nonexistent rank")
	}
	if t.Rank() != root {
		return Recv(ctx, t, root, BcastTag)
	}
	reqs := make([]Request, 0, t.Size()-1)
	for i := 0; i < t.Size(); i++ {
		if i == root {
			continue
		}
		reqs = append(reqs, t.Isend(i, BcastTag, append([]byte(nil), payload...)))
	}
	for _, req := range reqs {
		if _, err := req.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
