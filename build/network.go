// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package build

import (
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/chunk"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/operator"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/signal"
)

// A Network is a partitioned simulation: one instruction program per
// rank, all sharing a time step.
type Network struct {
	// Dt is the simulation time step.
	Dt float64
	// Programs holds the program of each rank, indexed by rank.
	Programs []*Program
}

// A Program is the sequence of instructions that builds a single
// chunk.
type Program struct {
	Label   string
	Records []Record
}

// NewNetwork returns a new network of n ranks with the provided time
// step. Ranks are labeled by their index.
func NewNetwork(dt float64, n int) *Network {
	net := &Network{Dt: dt, Programs: make([]*Program, n)}
	for i := range net.Programs {
		net.Programs[i] = &Program{Label: fmt.Sprintf("chunk%d", i)}
	}
	return net
}

// Size returns the number of ranks in the network.
func (n *Network) Size() int { return len(n.Programs) }

// Stream returns the full instruction stream for the provided rank,
// from the handshake to the stop record.
func (n *Network) Stream(rank int) []Record {
	p := n.Programs[rank]
	stream := make([]Record, 0, len(p.Records)+2)
	stream = append(stream, Record{OpHandshake, &Handshake{Version: Version, Label: p.Label, Dt: n.Dt}})
	stream = append(stream, p.Records...)
	return append(stream, Record{Op: OpStop})
}

// Signal adds a signal to a program.
func (p *Program) Signal(key signal.Key, label string, shape signal.Shape, data []float64) *Program {
	p.Records = append(p.Records, Record{OpSignal, &Signal{Key: key, Label: label, Shape: shape, Data: data}})
	return p
}

// Operator adds an operator to a program.
func (p *Program) Operator(d operator.Descriptor) *Program {
	p.Records = append(p.Records, Record{OpOperator, &d})
	return p
}

// Probe adds a probe of the provided view to a program.
func (p *Program) Probe(key probe.Key, view signal.ViewSpec, period int) *Program {
	p.Records = append(p.Records, Record{OpProbe, &Probe{Key: key, View: view, Period: period}})
	return p
}

// Edge adds a communication edge: a Send of view src in rank from,
// scheduled at sendIndex, and a Recv into view dst in rank to,
// scheduled at recvIndex, both on the provided tag.
func (n *Network) Edge(from int, src signal.ViewSpec, sendIndex float64, to int, dst signal.ViewSpec, recvIndex float64, tag comm.Tag) {
	n.Programs[from].Operator(operator.Descriptor{
		Kind: operator.KindSend, Peer: to, Tag: tag,
		Views: []signal.ViewSpec{src},
		Index: sendIndex, HasIndex: true,
	})
	n.Programs[to].Operator(operator.Descriptor{
		Kind: operator.KindRecv, Peer: from, Tag: tag,
		Views: []signal.ViewSpec{dst},
		Index: recvIndex, HasIndex: true,
	})
}

// WriteNetwork writes the instruction streams of every rank of a
// network to w, in rank order.
func WriteNetwork(w io.Writer, n *Network) error {
	enc := NewEncoder(w)
	for rank := range n.Programs {
		for _, r := range n.Stream(rank) {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadNetwork reads a network written by WriteNetwork. It returns an
// errors.Integrity error if the stream is malformed.
func ReadNetwork(r io.Reader) (*Network, error) {
	var (
		dec = NewDecoder(r)
		net = new(Network)
	)
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rank := len(net.Programs)
		if rec.Op != OpHandshake {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("rank %d: expected handshake, got %s record", rank, rec.Op))
		}
		h := rec.Value.(*Handshake)
		if rank == 0 {
			net.Dt = h.Dt
		} else if h.Dt != net.Dt {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("rank %d: time step %g does not match %g", rank, h.Dt, net.Dt))
		}
		p := &Program{Label: h.Label}
		for {
			rec, err := dec.Decode()
			if err == io.EOF {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("rank %d: unterminated program", rank))
			}
			if err != nil {
				return nil, err
			}
			if rec.Op == OpStop {
				break
			}
			if !rec.Op.instruction() {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("rank %d: unexpected %s record", rank, rec.Op))
			}
			p.Records = append(p.Records, rec)
		}
		net.Programs = append(net.Programs, p)
	}
	if len(net.Programs) == 0 {
		return nil, errors.E(errors.Integrity, "empty network")
	}
	return net, nil
}

// instruction tells whether the opcode is a chunk-building
// instruction.
func (o Opcode) instruction() bool {
	return o == OpSignal || o == OpOperator || o == OpProbe
}

// Apply applies an instruction record to a chunk.
func Apply(c *chunk.Chunk, r Record) error {
	switch v := r.Value.(type) {
	case *Signal:
		return c.AddSignal(v.Key, v.Label, v.Shape, v.Data)
	case *operator.Descriptor:
		return c.AddOperator(*v)
	case *Probe:
		return c.AddProbeView(v.Key, v.View, v.Period)
	default:
		return errors.E(errors.Integrity, fmt.Sprintf("chunk %s: unexpected %s record", c.Label(), r.Op))
	}
}
