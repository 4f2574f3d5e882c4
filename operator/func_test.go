// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/signal"
	"github.com/grailbio/testutil/expect"
)

var (
	testDouble = RegisterFunc("operator_test.double", func(t float64, in, out []float64) error {
		for i := range in {
			out[i] = 2 * in[i]
		}
		return nil
	})
	testClock = RegisterFunc("operator_test.clock", func(t float64, in, out []float64) error {
		out[0] = t
		return nil
	})
	testFail = RegisterFunc("operator_test.fail", func(t float64, in, out []float64) error {
		return errors.New("callback failed")
	})
	testPanic = RegisterFunc("operator_test.panic", func(t float64, in, out []float64) error {
		panic("callback panicked")
	})
)

func TestFunc(t *testing.T) {
	env := newTestEnv()
	env.signal(t, 1, signal.Shape{2}, 1, 2)
	y := env.signal(t, 2, signal.Shape{2})
	clock := env.signal(t, 3, signal.Shape{1})
	op := env.op(t, Descriptor{Kind: KindFunc, Name: testDouble, FuncIn: true, FuncOut: true, Views: full(1, 2)})
	expect.EQ(t, len(op.Reads()), 1)
	expect.EQ(t, len(op.Writes()), 1)
	run(t, op, 1)
	expect.EQ(t, y.Data(), []float64{2, 4})

	op = env.op(t, Descriptor{Kind: KindFunc, Name: testClock, FuncOut: true, Views: full(3)})
	expect.EQ(t, len(op.Reads()), 0)
	env.t = 0.25
	run(t, op, 1)
	expect.EQ(t, clock.Data(), []float64{0.25})

	names := Funcs()
	var found int
	for _, name := range names {
		switch name {
		case testDouble, testClock, testFail, testPanic:
			found++
		}
	}
	expect.EQ(t, found, 4)
}

func TestFuncErrors(t *testing.T) {
	env := newTestEnv()
	for _, name := range []string{testFail, testPanic} {
		op := env.op(t, Descriptor{Kind: KindFunc, Name: name})
		err := op.Execute(context.Background())
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !errors.Match(errors.E(errors.Fatal), err) {
			t.Errorf("%s: expected fatal error, got %v", name, err)
		}
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected duplicate registration to panic")
			}
		}()
		RegisterFunc(testDouble, nil)
	}()
}
