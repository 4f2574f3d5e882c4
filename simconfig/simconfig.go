// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simconfig creates bigsim sessions from a shared profile,
// using the configuration mechanism of package
// github.com/grailbio/base/config. The profile is read from Path;
// its "bigsim" instance selects the system on which ranks run and
// the runtime parameters of jobs. Command bigsim-setup-ec2 writes a
// profile that runs ranks on EC2.
package simconfig

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"

	// Provides the ec2system.System instance.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigsim/exec"
)

// Path is the location of the bigsim profile.
var Path = os.ExpandEnv("$HOME/.bigsim/config")

// Parse registers the configuration flags, parses the command line,
// and returns the session configured by the profile at Path and the
// flags, together with a function that shuts it down. Parse panics
// if the session cannot be created.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigsim", &sess)
	return sess, sess.Shutdown
}

// ReadProfile reads the profile at path. A missing file yields a
// profile with only the registered defaults.
func ReadProfile(path string) (*config.Profile, error) {
	profile := config.New()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return profile, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := profile.Parse(f); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("parse profile %s", path), err)
	}
	return profile, nil
}

// WriteProfile replaces the profile at path with the provided one,
// creating its directory if needed.
func WriteProfile(path string, profile *config.Profile) error {
	var b bytes.Buffer
	if err := profile.PrintTo(&b); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, b.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
