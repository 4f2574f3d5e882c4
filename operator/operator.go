// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package operator implements the operators that make up a chunk's
// schedule. Operators form a closed set of kinds, each constructed
// from a Descriptor, which is the wire representation of an
// operator. Operators hold views onto their chunk's signals; they are
// executed once per simulation step in schedule order.
package operator

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/signal"
)

// Kind is the kind of an operator.
type Kind uint8

const (
	KindReset Kind = iota + 1
	KindCopy
	KindDotInc
	KindElementwiseInc
	KindProdUpdate
	KindLIF
	KindLIFRate
	KindRectifiedLinear
	KindSigmoid
	KindLinearFilter
	KindNoise
	KindFunc
	KindSend
	KindRecv
	KindBarrier
	KindMergedSend
	KindMergedRecv

	maxKind
)

var kindNames = [...]string{
	KindReset:           "Reset",
	KindCopy:            "Copy",
	KindDotInc:          "DotInc",
	KindElementwiseInc:  "ElementwiseInc",
	KindProdUpdate:      "ProdUpdate",
	KindLIF:             "LIF",
	KindLIFRate:         "LIFRate",
	KindRectifiedLinear: "RectifiedLinear",
	KindSigmoid:         "Sigmoid",
	KindLinearFilter:    "LinearFilter",
	KindNoise:           "Noise",
	KindFunc:            "Func",
	KindSend:            "Send",
	KindRecv:            "Recv",
	KindBarrier:         "Barrier",
	KindMergedSend:      "MergedSend",
	KindMergedRecv:      "MergedRecv",
}

func (k Kind) String() string {
	if k == 0 || k >= maxKind {
		return fmt.Sprintf("kind(%d)", k)
	}
	return kindNames[k]
}

// A Descriptor describes an operator. Descriptors are produced by
// network builders and shipped to the chunk that runs the operator.
// The meaning of the views and parameters depends on the operator's
// kind:
//
//	Reset           Views: dst; Params: value
//	Copy            Views: dst, src; Inc: accumulate instead of assign
//	DotInc          Views: A, X, Y
//	ElementwiseInc  Views: A, X, Y
//	ProdUpdate      Views: A, X, B, Y
//	LIF             Views: J, out; N; Params: tau_rc, tau_ref
//	LIFRate         Views: J, out; N; Params: tau_rc, tau_ref
//	RectifiedLinear Views: J, out; N
//	Sigmoid         Views: J, out; N; Params: tau_ref
//	LinearFilter    Views: in, out; Num, Den
//	Noise           Views: out; Params: mean, std
//	Func            Views: [in,] [out]; Name, FuncIn, FuncOut
//	Send            Views: sent views; Peer, Tag
//	Recv            Views: received views; Peer, Tag
//	Barrier         N: period
type Descriptor struct {
	Kind Kind
	// Label is a human-readable name used in diagnostics.
	Label string
	// Index is the operator's schedule index. If HasIndex is false,
	// the index is assigned from the operator's insertion order.
	Index    float64
	HasIndex bool

	Views  []signal.ViewSpec
	Params []float64
	N      int
	Inc    bool

	Num, Den []float64

	Name            string
	FuncIn, FuncOut bool

	Peer int
	Tag  comm.Tag
}

func (d Descriptor) String() string {
	if d.Label != "" {
		return fmt.Sprintf("%s(%s)", d.Kind, d.Label)
	}
	return d.Kind.String()
}

// Operator is the interface implemented by all operators.
type Operator interface {
	// Kind returns the operator's kind.
	Kind() Kind
	// Reads returns the views read by the operator.
	Reads() []signal.View
	// Writes returns the views written by the operator.
	Writes() []signal.View
	// Execute runs the operator for a single step.
	Execute(ctx context.Context) error
}

// A Resetter is an operator with internal state that is cleared when
// its chunk is reset.
type Resetter interface {
	Reset()
}

// A Seeder is a stochastic operator. Seed reseeds its random source.
type Seeder interface {
	Seed(seed int64)
}

// A Communicator is an operator that transfers data between ranks.
// Communicators must be bound to a transport before they are
// executed, and completed before the transport is released.
type Communicator interface {
	Operator
	// Bind binds the operator to the provided transport.
	Bind(t comm.Transport)
	// Complete waits for outstanding transfers to complete.
	Complete(ctx context.Context) error
}

// Env is the environment in which operators are constructed and run.
type Env interface {
	// View returns the view described by spec.
	View(spec signal.ViewSpec) (signal.View, error)
	// Dt returns the simulation time step.
	Dt() float64
	// Time returns the simulation time at the end of the step being
	// executed.
	Time() float64
}

// New constructs an operator from its descriptor. New returns an
// errors.Invalid error if the descriptor is malformed and an
// errors.NotExist error if it refers to unknown keys or functions.
func New(d Descriptor, env Env) (Operator, error) {
	views := make([]signal.View, len(d.Views))
	for i, spec := range d.Views {
		v, err := env.View(spec)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("operator %s: operand %d", d, i), err)
		}
		views[i] = v
	}
	op, err := newOp(d, env, views)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("operator %s", d), err)
	}
	return op, nil
}

func newOp(d Descriptor, env Env, views []signal.View) (Operator, error) {
	switch d.Kind {
	case KindReset:
		if err := arity(d, views, 1, 1); err != nil {
			return nil, err
		}
		return &Reset{dst: views[0], value: d.Params[0]}, nil
	case KindCopy:
		if err := arity(d, views, 2, 0); err != nil {
			return nil, err
		}
		return newCopy(views[0], views[1], d.Inc)
	case KindDotInc:
		if err := arity(d, views, 3, 0); err != nil {
			return nil, err
		}
		return newDotInc(views[0], views[1], views[2])
	case KindElementwiseInc:
		if err := arity(d, views, 3, 0); err != nil {
			return nil, err
		}
		return newElementwiseInc(views[0], views[1], views[2])
	case KindProdUpdate:
		if err := arity(d, views, 4, 0); err != nil {
			return nil, err
		}
		return newProdUpdate(views[0], views[1], views[2], views[3])
	case KindLIF:
		if err := arity(d, views, 2, 2); err != nil {
			return nil, err
		}
		return newLIF(d.N, d.Params[0], d.Params[1], env.Dt(), views[0], views[1])
	case KindLIFRate:
		if err := arity(d, views, 2, 2); err != nil {
			return nil, err
		}
		return newLIFRate(d.N, d.Params[0], d.Params[1], views[0], views[1])
	case KindRectifiedLinear:
		if err := arity(d, views, 2, 0); err != nil {
			return nil, err
		}
		return newRectifiedLinear(d.N, views[0], views[1])
	case KindSigmoid:
		if err := arity(d, views, 2, 1); err != nil {
			return nil, err
		}
		return newSigmoid(d.N, d.Params[0], views[0], views[1])
	case KindLinearFilter:
		if err := arity(d, views, 2, 0); err != nil {
			return nil, err
		}
		return newLinearFilter(views[0], views[1], d.Num, d.Den)
	case KindNoise:
		if err := arity(d, views, 1, 2); err != nil {
			return nil, err
		}
		return newNoise(views[0], d.Params[0], d.Params[1])
	case KindFunc:
		n := 0
		if d.FuncIn {
			n++
		}
		if d.FuncOut {
			n++
		}
		if err := arity(d, views, n, 0); err != nil {
			return nil, err
		}
		var in, out signal.View
		if d.FuncIn {
			in = views[0]
		}
		if d.FuncOut {
			out = views[n-1]
		}
		return newFunc(d.Name, env, in, out)
	case KindSend:
		return newSend(d.Peer, d.Tag, views)
	case KindRecv:
		return newRecv(d.Peer, d.Tag, views)
	case KindBarrier:
		return NewBarrier(d.N)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown operator kind %s", d.Kind))
	}
}

func arity(d Descriptor, views []signal.View, nviews, nparams int) error {
	if len(views) != nviews {
		return errors.E(errors.Invalid, fmt.Sprintf("expected %d operands, got %d", nviews, len(views)))
	}
	if len(d.Params) != nparams {
		return errors.E(errors.Invalid, fmt.Sprintf("expected %d parameters, got %d", nparams, len(d.Params)))
	}
	return nil
}

func invalidf(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}
