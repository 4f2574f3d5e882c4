// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"

	"github.com/grailbio/bigsim/signal"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Noise adds Gaussian noise with the provided mean and standard
// deviation to its output at each step.
type Noise struct {
	out  signal.View
	dist distuv.Normal
	buf  []float64
}

func newNoise(out signal.View, mean, std float64) (*Noise, error) {
	if std < 0 {
		return nil, invalidf("noise: negative standard deviation %g", std)
	}
	n := &Noise{
		out:  out,
		dist: distuv.Normal{Mu: mean, Sigma: std},
		buf:  make([]float64, out.Len()),
	}
	n.Seed(0)
	return n, nil
}

func (*Noise) Kind() Kind              { return KindNoise }
func (n *Noise) Reads() []signal.View  { return []signal.View{n.out} }
func (n *Noise) Writes() []signal.View { return []signal.View{n.out} }

func (n *Noise) Execute(context.Context) error {
	n.out.Gather(n.buf)
	for k := range n.buf {
		n.buf[k] += n.dist.Rand()
	}
	n.out.Scatter(n.buf)
	return nil
}

// Seed reseeds the noise source.
func (n *Noise) Seed(seed int64) {
	n.dist.Src = rand.NewSource(uint64(seed))
}
