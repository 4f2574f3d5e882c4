// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simcmd starts bigsim sessions for command line tools. A
// tool registers the bigsim flags with simflags, parses them, and
// calls Init:
//
//	func main() {
//		var fl simflags.Flags
//		simflags.RegisterFlags(flag.CommandLine, &fl, "")
//		flag.Parse()
//		sess, err := simcmd.Init(fl)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer sess.Shutdown()
//		res, err := sess.Run(ctx, net, steps)
//		...
//	}
//
// Init does not return in worker processes, so any work that should
// be done only by the driver must follow it.
package simcmd

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // Serve pprof on the diagnostic server.
	"os"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigsim/exec"
	"github.com/grailbio/bigsim/simflags"
)

// Init starts a session configured by the provided flags; any extra
// options are applied after those of the flags. If the flags request
// system help, Init prints it and exits.
func Init(bf simflags.Flags, extra ...exec.Option) (*exec.Session, error) {
	if bf.SystemHelp {
		PrintSystemHelp(bf.Output())
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(append(options, extra...)...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// PrintSystemHelp writes a description of the available systems and
// profiles to w.
func PrintSystemHelp(w io.Writer) {
	providers, profiles := simflags.ProvidersAndProfiles()
	fmt.Fprintln(w, simflags.SystemHelpLong())
	fmt.Fprintf(w, "Registered systems: %v\n", providers)
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "Profile %s is shorthand for %s\n", name, profiles[name])
	}
}

// DisplayStatus displays the session's status on the console, unless
// disabled by the flags, and serves it at /debug/status on the
// flags' HTTP address, together with the session's debug handlers.
func DisplayStatus(bf simflags.Flags, sess *exec.Session) {
	if !bf.NoProgress && sess.Status() != nil {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if bf.HTTPAddress.Address == "" {
		return
	}
	sess.HandleDebug(http.DefaultServeMux)
	if sess.Status() != nil {
		http.Handle("/debug/status", status.Handler(sess.Status()))
	}
	go func() {
		log.Printf("serving status at http://%s/debug/status", bf.HTTPAddress.Address)
		if err := http.ListenAndServe(bf.HTTPAddress.Address, nil); err != nil {
			log.Error.Printf("status server at %s: %v", bf.HTTPAddress.Address, err)
		}
	}()
}
