// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigsim/chunk"
)

// The "bigsim" configuration instance provides a started session.
// Without a system, ranks run in-process.
func init() {
	config.Register("bigsim", func(inst *config.Constructor) {
		var (
			system                       bigmachine.System
			barrierPeriod, flushInterval int
			merge, timings               bool
			seed                         int
			tracePath                    string
		)
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which ranks run")
		inst.IntVar(&barrierPeriod, "barrier-period", chunk.DefaultBarrierPeriod, "steps between job-wide barriers; negative disables them")
		inst.IntVar(&flushInterval, "flush-interval", chunk.DefaultFlushInterval, "steps between flushes of probe data")
		inst.BoolVar(&merge, "merge", false, "merge transfers that share a peer and tag")
		inst.BoolVar(&timings, "timing", false, "collect per-operator timings")
		inst.IntVar(&seed, "seed", 0, "seed with which every chunk is reset before a run")
		inst.StringVar(&tracePath, "trace", "", "path to which a timing trace is written on shutdown")
		inst.Doc = "bigsim configures the bigsim runtime"
		inst.New = func() (interface{}, error) {
			if barrierPeriod == 0 {
				return nil, errors.E(errors.Invalid, "bigsim: barrier-period must be nonzero")
			}
			if flushInterval <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigsim: flush-interval %d must be positive", flushInterval))
			}
			options := []Option{
				BarrierPeriod(barrierPeriod),
				FlushInterval(flushInterval),
				Seed(int64(seed)),
				TracePath(tracePath),
			}
			if system != nil {
				options = append(options, Bigmachine(system))
			} else {
				options = append(options, Local)
			}
			if merge {
				options = append(options, Merge)
			}
			if timings {
				options = append(options, CollectTimings)
			}
			return Start(options...), nil
		}
	})
}
