// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/build"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestProbeData(t *testing.T) {
	records := []build.Record{
		{Op: build.OpProbeHeader, Value: &build.ProbeHeader{Key: 3, Count: 2}},
		{Op: build.OpSnapshot, Value: &probe.Snapshot{1, 2}},
		{Op: build.OpSnapshot, Value: &probe.Snapshot{3, 4}},
		{Op: build.OpProbeHeader, Value: &build.ProbeHeader{Key: 5, Count: 0}},
		{Op: build.OpStop},
	}
	p, err := encodeRecords(records)
	assert.NoError(t, err)
	keys, snapshots, err := decodeProbeData(p)
	assert.NoError(t, err)
	expect.EQ(t, keys, []probe.Key{3, 5})
	expect.EQ(t, snapshots, [][]probe.Snapshot{{{1, 2}, {3, 4}}, {}})

	for i, bad := range [][]build.Record{
		records[:4],
		records[1:],
		append(append([]build.Record{}, records...), records[0]),
		{{Op: build.OpProbeHeader, Value: &build.ProbeHeader{Key: 3, Count: 5}}, {Op: build.OpStop}},
		{{Op: build.OpProbeHeader, Value: &build.ProbeHeader{Key: 3, Count: 1}}, records[0], {Op: build.OpStop}},
	} {
		p, err := encodeRecords(bad)
		assert.NoError(t, err)
		if _, _, err := decodeProbeData(p); !errors.Is(errors.Integrity, err) {
			t.Errorf("case %d: got %v, want Integrity", i, err)
		}
	}
}

func TestBuildStream(t *testing.T) {
	fabric := comm.NewFabric(1)
	net := oneChunk()
	r := newRank(fabric.Endpoint(0), rankConfig{}, nil, nil)
	assert.NoError(t, r.build(net.Stream(0)))
	expect.EQ(t, r.chunk.Label(), "chunk0")
	expect.EQ(t, r.chunk.ProbeKeys(), []probe.Key{probeY, probeOut})

	stream := net.Stream(0)
	future := *stream[0].Value.(*build.Handshake)
	future.Version = build.Version + 1
	for i, bad := range [][]build.Record{
		nil,
		stream[1:],
		stream[:len(stream)-1],
		append(append([]build.Record{}, stream...), stream[1]),
		append([]build.Record{{Op: build.OpHandshake, Value: &future}}, stream[1:]...),
	} {
		r := newRank(fabric.Endpoint(0), rankConfig{}, nil, nil)
		if err := r.build(bad); !errors.Is(errors.Integrity, err) {
			t.Errorf("case %d: got %v, want Integrity", i, err)
		}
	}
}
