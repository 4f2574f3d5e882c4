// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigsim implements distributed, lock-step execution of a
	partitioned graph of numeric operators.

	A simulation network is built ahead of time and partitioned into
	chunks, one per rank. Each chunk owns a set of signals (dense
	float64 arrays), a schedule of operators that read and write
	views of those signals, and a set of probes that sample views
	periodically. Chunks exchange values through paired Send and Recv
	operators; a value that crosses a chunk boundary arrives exactly
	one step later than it would in a single-chunk run.

	Bigsim jobs are run by sessions (package exec). The local executor
	runs every rank in its own goroutine of the current process; the
	bigmachine executor runs every rank on its own machine, as
	provided by a bigmachine system. In either case, rank 0 is the
	master: it distributes each rank's instruction stream (package
	build), starts the run, and gathers probe data either into the
	run's result or into a probe.Sink.

	The package layout is:

		signal    signals, views, and the per-chunk signal arena
		operator  operator kinds, numeric kernels, and communication operators
		probe     probes, snapshots, and sinks
		chunk     the per-rank runtime and its run loop
		comm      transports, the in-process fabric, and collectives
		build     the record format, networks, loaders, and logs
		exec      sessions, executors, and the master/worker protocol
		stats     counters reported by ranks

	Command bigsim (cmd/bigsim) runs a network file for a given
	duration and logs its probe data.
*/
package bigsim
