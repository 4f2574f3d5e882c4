// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/signal"
)

// A Func is a user-supplied step function. It is called once per step
// with the simulation time at the end of the step, a copy of its
// input view's contents (nil if it has no input), and a buffer for
// its output (nil if it has no output), which is copied into the
// output view after the call returns.
type Func func(t float64, in, out []float64) error

var (
	funcsMu sync.Mutex
	funcs   = make(map[string]Func)
	order   []string
)

// RegisterFunc registers a step function by name, so that it may be
// referred to by Func operators. Because descriptors carry only a
// function's name, every binary participating in a job must register
// the same functions. RegisterFunc should be called from a package
// initializer or a toplevel variable declaration; it panics if the
// name is already in use.
func RegisterFunc(name string, fn Func) string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("operator.RegisterFunc: function %q already registered", name))
	}
	funcs[name] = fn
	order = append(order, name)
	return name
}

// Funcs returns the names of the registered functions in
// registration order.
func Funcs() []string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	return append([]string(nil), order...)
}

func lookupFunc(name string) (Func, bool) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	fn, ok := funcs[name]
	return fn, ok
}

// FuncOp invokes a registered step function.
type FuncOp struct {
	name    string
	fn      Func
	env     Env
	in, out signal.View
	i, o    []float64
}

func newFunc(name string, env Env, in, out signal.View) (*FuncOp, error) {
	fn, ok := lookupFunc(name)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("func %q is not registered", name))
	}
	op := &FuncOp{name: name, fn: fn, env: env, in: in, out: out}
	if !in.IsZero() {
		op.i = make([]float64, in.Len())
	}
	if !out.IsZero() {
		op.o = make([]float64, out.Len())
	}
	return op, nil
}

func (*FuncOp) Kind() Kind { return KindFunc }

func (f *FuncOp) Reads() []signal.View {
	if f.in.IsZero() {
		return nil
	}
	return []signal.View{f.in}
}

func (f *FuncOp) Writes() []signal.View {
	if f.out.IsZero() {
		return nil
	}
	return []signal.View{f.out}
}

// Execute calls the step function. Errors and panics raised by the
// function are returned as fatal errors.
func (f *FuncOp) Execute(ctx context.Context) (err error) {
	if f.i != nil {
		f.in.Gather(f.i)
	}
	err = call(f.fn, f.env.Time(), f.i, f.o)
	if err != nil {
		return errors.E(errors.Fatal, fmt.Sprintf("func %s", f.name), err)
	}
	if f.o != nil {
		f.out.Scatter(f.o)
	}
	return nil
}

func call(fn Func, t float64, in, out []float64) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(fmt.Sprintf("panic: %v", e))
		}
	}()
	return fn(t, in, out)
}
