// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package simflags_test

import (
	"flag"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/simflags"
)

func TestEC2(t *testing.T) {
	ec2 := simflags.NewEC2()
	if got, want := ec2.Name(), "ec2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, bad := range []string{"x=y", "dataspace", "dataspace=-1", "ondemand=maybe"} {
		if err := ec2.Set(bad); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want Invalid", bad, err)
		}
	}
	for _, opt := range []string{"dataspace=122", "instance=c5.2xlarge", "ondemand=true"} {
		if err := ec2.Set(opt); err != nil {
			t.Errorf("%s: %v", opt, err)
		}
	}
	system := ec2.System()
	if got, want := system.Dataspace, uint(122); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := system.InstanceType, "c5.2xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !system.OnDemand {
		t.Error("ondemand not set")
	}
	if system.Username == "" {
		t.Error("missing username")
	}
}

func TestSystemFlag(t *testing.T) {
	for _, c := range []struct {
		value, want string
		ok          bool
	}{
		{"internal", "internal", true},
		{"local", "local", true},
		{"internal:an=option", "", false},
		{"local:an=option", "", false},
		{"ec2:an=option", "", false},
		{"ec2:dataspace=200,rootsize=10", "ec2:dataspace=200,rootsize=10", true},
		{"nonexistent", "", false},
	} {
		var sys simflags.SystemFlag
		err := sys.Set(c.value)
		if got, want := err == nil, c.ok; got != want {
			t.Errorf("%s: got %v, want %v", c.value, err, want)
			continue
		}
		if got, want := sys.String(), c.want; c.ok && got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	// Each use of a system gets its own provider.
	var a, b simflags.SystemFlag
	if err := a.Set("ec2:instance=m5.large"); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("ec2"); err != nil {
		t.Fatal(err)
	}
	if got := b.Provider.(*simflags.EC2).System().InstanceType; got != "" {
		t.Errorf("options leaked across flags: %v", got)
	}
}

func TestProfile(t *testing.T) {
	simflags.RegisterSystemProfile("simflags-test", "ec2:instance=c5.9xlarge")
	var sys simflags.SystemFlag
	if err := sys.Set("simflags-test:ondemand=true"); err != nil {
		t.Fatal(err)
	}
	if got, want := sys.String(), "ec2:instance=c5.9xlarge,ondemand=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	providers, profiles := simflags.ProvidersAndProfiles()
	if got, want := strings.Join(providers, ","), "ec2,internal,local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := profiles["simflags-test"], "ec2:instance=c5.9xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if help := simflags.SystemHelpLong(); !strings.Contains(help, "rootsize") {
		t.Errorf("help does not describe ec2 options:\n%s", help)
	}
}

func TestFlags(t *testing.T) {
	var (
		fs = flag.NewFlagSet("test", flag.ContinueOnError)
		bf simflags.Flags
	)
	fs.SetOutput(ioutil.Discard)
	simflags.RegisterFlags(fs, &bf, "")
	if err := fs.Parse([]string{"-merged", "-timing", "-seed=3", "-barrier=-1", "-flush=10", "-noprog"}); err != nil {
		t.Fatal(err)
	}
	if got, want := bf.System.String(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if bf.System.Specified {
		t.Error("default system reported as specified")
	}
	if !bf.Merged || !bf.Timing || !bf.NoProgress {
		t.Errorf("boolean flags not set: %+v", bf)
	}
	if got, want := bf.Seed, int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := bf.BarrierPeriod, -1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	// status, system, seed, barrier, flush, merge, timings
	if got, want := len(options), 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	bf.FlushInterval = 0
	if _, err := bf.ExecOptions(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	bf.FlushInterval, bf.BarrierPeriod = 1, 0
	if err := bf.Validate(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
