// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunk

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/operator"
	"github.com/grailbio/bigsim/signal"
)

// route addresses a group of transfers.
type route struct {
	peer int
	tag  comm.Tag
}

// plan is the set of routes for which a rank can merge transfers
// with a given peer. A route is merged only if both ends can merge
// it.
type plan struct {
	Sends, Recvs []comm.Tag
}

// merge merges the communication operators of the sorted schedule
// that share a peer and tag into single operators. Each merged
// operator is placed at the position of its earliest constituent.
// A group is merged only if moving each constituent's transfer to
// that position does not reorder it with respect to an operator that
// touches the transferred views; and only if the peer can merge the
// matching group on its end. merge exchanges plans with every other
// rank of the job.
func merge(ctx context.Context, t comm.Transport, schedule []entry) ([]entry, error) {
	sends := make(map[route][]int)
	recvs := make(map[route][]int)
	for i, e := range schedule {
		switch op := e.op.(type) {
		case *operator.Send:
			r := route{op.Peer(), op.Tag()}
			sends[r] = append(sends[r], i)
		case *operator.Recv:
			r := route{op.Peer(), op.Tag()}
			recvs[r] = append(recvs[r], i)
		}
	}
	plans := make([]plan, t.Size())
	for r, members := range sends {
		if len(members) > 1 && movable(schedule, members, true) {
			plans[r.peer].Sends = append(plans[r.peer].Sends, r.tag)
		}
	}
	for r, members := range recvs {
		if len(members) > 1 && movable(schedule, members, false) {
			plans[r.peer].Recvs = append(plans[r.peer].Recvs, r.tag)
		}
	}
	reqs := make([]comm.Request, t.Size())
	for peer := range plans {
		if peer == t.Rank() {
			continue
		}
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(plans[peer]); err != nil {
			return nil, err
		}
		reqs[peer] = t.Isend(peer, comm.MergeTag, b.Bytes())
	}
	var (
		mergeSends = make(map[route]bool)
		mergeRecvs = make(map[route]bool)
	)
	for peer := range plans {
		if peer == t.Rank() {
			continue
		}
		if _, err := reqs[peer].Wait(ctx); err != nil {
			return nil, err
		}
		p, err := comm.Recv(ctx, t, peer, comm.MergeTag)
		if err != nil {
			return nil, err
		}
		var theirs plan
		if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&theirs); err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("merge plan from rank %d", peer), err)
		}
		for _, tag := range intersect(plans[peer].Sends, theirs.Recvs) {
			mergeSends[route{peer, tag}] = true
		}
		for _, tag := range intersect(plans[peer].Recvs, theirs.Sends) {
			mergeRecvs[route{peer, tag}] = true
		}
	}

	var (
		merged = make(map[int]entry)
		drop   = make(map[int]bool)
	)
	for r, members := range sends {
		if !mergeSends[r] {
			continue
		}
		group := make([]*operator.Send, len(members))
		for i, m := range members {
			group[i] = schedule[m].op.(*operator.Send)
			drop[m] = true
		}
		op, err := operator.MergeSends(group)
		if err != nil {
			return nil, err
		}
		first := schedule[members[0]]
		merged[members[0]] = entry{op: op, index: first.index, label: fmt.Sprintf("%s(rank %d, %s, %d views)", op.Kind(), r.peer, r.tag, len(op.Views()))}
	}
	for r, members := range recvs {
		if !mergeRecvs[r] {
			continue
		}
		group := make([]*operator.Recv, len(members))
		for i, m := range members {
			group[i] = schedule[m].op.(*operator.Recv)
			drop[m] = true
		}
		op, err := operator.MergeRecvs(group)
		if err != nil {
			return nil, err
		}
		first := schedule[members[0]]
		merged[members[0]] = entry{op: op, index: first.index, label: fmt.Sprintf("%s(rank %d, %s, %d views)", op.Kind(), r.peer, r.tag, len(op.Views()))}
	}
	out := make([]entry, 0, len(schedule))
	for i, e := range schedule {
		if m, ok := merged[i]; ok {
			out = append(out, m)
		} else if !drop[i] {
			out = append(out, e)
		}
	}
	return out, nil
}

// movable tells whether every member of a group of transfers can be
// moved to the position of the group's first member. Sends may not
// move across writers of their views; receives may not move across
// readers or writers of their views.
func movable(schedule []entry, members []int, send bool) bool {
	first := members[0]
	for _, m := range members[1:] {
		var views []signal.View
		if send {
			views = schedule[m].op.Reads()
		} else {
			views = schedule[m].op.Writes()
		}
		for k := first + 1; k < m; k++ {
			op := schedule[k].op
			touched := op.Writes()
			if !send {
				touched = append(append([]signal.View(nil), op.Reads()...), touched...)
			}
			for _, v := range views {
				for _, w := range touched {
					if signal.Overlaps(v, w) {
						return false
					}
				}
			}
		}
	}
	return true
}

func intersect(x, y []comm.Tag) []comm.Tag {
	in := make(map[comm.Tag]bool, len(y))
	for _, t := range y {
		in[t] = true
	}
	var z []comm.Tag
	for _, t := range x {
		if in[t] {
			z = append(z, t)
		}
	}
	sort.Slice(z, func(i, j int) bool { return z[i] < z[j] })
	return z
}
