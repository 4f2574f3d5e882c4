// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigsim/build"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/probe"
	"golang.org/x/sync/errgroup"
)

// LocalExecutor is an executor that runs every rank of a job
// in-process, in its own goroutine. Ranks communicate through an
// in-memory fabric.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return new(localExecutor)
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return
}

func (l *localExecutor) Run(ctx context.Context, net *build.Network, steps int) (*Result, error) {
	var (
		n      = net.Size()
		fabric = comm.NewFabric(n)
		ranks  = make([]*rank, n)
		group  *status.Group
		data   probe.Data
		g      errgroup.Group
	)
	if status := l.sess.Status(); status != nil {
		group = status.Groupf("run %d ranks, %d steps", n, steps)
	}
	for i := range ranks {
		var task *status.Task
		if group != nil {
			task = group.Startf("rank %d", i)
			defer task.Done()
		}
		var sink probe.Sink
		if i == 0 {
			sink = l.sess.sink
		}
		ranks[i] = newRank(fabric.Endpoint(i), l.sess.config, sink, task)
	}
	for i := range ranks {
		i := i
		g.Go(func() (err error) {
			if i == 0 {
				data, err = ranks[i].master(ctx, net, steps)
				return
			}
			return ranks[i].worker(ctx)
		})
	}
	err := g.Wait()
	// Report the cause of an abort instead of its consequences on
	// other ranks.
	if cause := fabric.Err(); cause != nil {
		err = cause
	}
	res := &Result{Steps: steps, Data: data, Ranks: make([]RankReport, n)}
	for i := range ranks {
		res.Ranks[i] = ranks[i].report()
	}
	return res, err
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
