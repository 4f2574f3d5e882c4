// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"
	"math"

	"github.com/grailbio/bigsim/signal"
)

// neurons holds the operands common to all neuron operators: an input
// current J and an output, both of n elements.
type neurons struct {
	J, out signal.View
	j, o   []float64
}

func newNeurons(n int, J, out signal.View) (neurons, error) {
	if n <= 0 {
		return neurons{}, invalidf("neurons: invalid population size %d", n)
	}
	if J.Len() != n || out.Len() != n {
		return neurons{}, invalidf("neurons: population of %d with input %d, output %d", n, J.Len(), out.Len())
	}
	return neurons{J: J, out: out, j: make([]float64, n), o: make([]float64, n)}, nil
}

func (u *neurons) Reads() []signal.View  { return []signal.View{u.J} }
func (u *neurons) Writes() []signal.View { return []signal.View{u.out} }

// LIF simulates a population of spiking leaky integrate-and-fire
// neurons. Each neuron keeps its membrane voltage and remaining
// refractory time across steps.
type LIF struct {
	neurons
	tauRC, tauRef, dt float64
	voltage, refrac   []float64
}

func newLIF(n int, tauRC, tauRef, dt float64, J, out signal.View) (*LIF, error) {
	u, err := newNeurons(n, J, out)
	if err != nil {
		return nil, err
	}
	if tauRC <= 0 || tauRef < 0 || dt <= 0 {
		return nil, invalidf("lif: invalid time constants tau_rc=%g tau_ref=%g dt=%g", tauRC, tauRef, dt)
	}
	return &LIF{
		neurons: u,
		tauRC:   tauRC,
		tauRef:  tauRef,
		dt:      dt,
		voltage: make([]float64, n),
		refrac:  make([]float64, n),
	}, nil
}

func (*LIF) Kind() Kind { return KindLIF }

func (l *LIF) Execute(context.Context) error {
	l.J.Gather(l.j)
	for i, J := range l.j {
		l.refrac[i] -= l.dt
		delta := l.dt - l.refrac[i]
		if delta < 0 {
			delta = 0
		} else if delta > l.dt {
			delta = l.dt
		}
		v := l.voltage[i] - (J-l.voltage[i])*math.Expm1(-delta/l.tauRC)
		if v > 1 {
			var tspike float64
			if J > 1 {
				tspike = l.dt + l.tauRC*math.Log1p(-(v-1)/(J-1))
			}
			l.o[i] = 1 / l.dt
			l.voltage[i] = 0
			l.refrac[i] = l.tauRef + tspike
			continue
		}
		if v < 0 {
			v = 0
		}
		l.o[i] = 0
		l.voltage[i] = v
	}
	l.out.Scatter(l.o)
	return nil
}

// Reset clears the neurons' voltages and refractory periods.
func (l *LIF) Reset() {
	for i := range l.voltage {
		l.voltage[i] = 0
		l.refrac[i] = 0
	}
}

// LIFRate computes the steady-state firing rate of a population of
// leaky integrate-and-fire neurons.
type LIFRate struct {
	neurons
	tauRC, tauRef float64
}

func newLIFRate(n int, tauRC, tauRef float64, J, out signal.View) (*LIFRate, error) {
	u, err := newNeurons(n, J, out)
	if err != nil {
		return nil, err
	}
	if tauRC <= 0 || tauRef < 0 {
		return nil, invalidf("lif rate: invalid time constants tau_rc=%g tau_ref=%g", tauRC, tauRef)
	}
	return &LIFRate{neurons: u, tauRC: tauRC, tauRef: tauRef}, nil
}

func (*LIFRate) Kind() Kind { return KindLIFRate }

func (l *LIFRate) Execute(context.Context) error {
	l.J.Gather(l.j)
	for i, J := range l.j {
		if J > 1 {
			l.o[i] = 1 / (l.tauRef + l.tauRC*math.Log1p(1/(J-1)))
		} else {
			l.o[i] = 0
		}
	}
	l.out.Scatter(l.o)
	return nil
}

// RectifiedLinear computes max(J, 0).
type RectifiedLinear struct {
	neurons
}

func newRectifiedLinear(n int, J, out signal.View) (*RectifiedLinear, error) {
	u, err := newNeurons(n, J, out)
	if err != nil {
		return nil, err
	}
	return &RectifiedLinear{u}, nil
}

func (*RectifiedLinear) Kind() Kind { return KindRectifiedLinear }

func (r *RectifiedLinear) Execute(context.Context) error {
	r.J.Gather(r.j)
	for i, J := range r.j {
		r.o[i] = math.Max(J, 0)
	}
	r.out.Scatter(r.o)
	return nil
}

// Sigmoid computes a logistic rate with maximum 1/tau_ref.
type Sigmoid struct {
	neurons
	tauRef float64
}

func newSigmoid(n int, tauRef float64, J, out signal.View) (*Sigmoid, error) {
	u, err := newNeurons(n, J, out)
	if err != nil {
		return nil, err
	}
	if tauRef <= 0 {
		return nil, invalidf("sigmoid: invalid tau_ref=%g", tauRef)
	}
	return &Sigmoid{neurons: u, tauRef: tauRef}, nil
}

func (*Sigmoid) Kind() Kind { return KindSigmoid }

func (s *Sigmoid) Execute(context.Context) error {
	s.J.Gather(s.j)
	for i, J := range s.j {
		s.o[i] = (1 / s.tauRef) / (1 + math.Exp(-J))
	}
	s.out.Scatter(s.o)
	return nil
}
