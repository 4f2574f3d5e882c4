// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simflags provides the command line flags shared by bigsim
// commands: the system on which ranks run, the runtime parameters of
// a job, and the display of its progress.
package simflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigsim/chunk"
	"github.com/grailbio/bigsim/exec"
)

// A Provider provides the systems on which the ranks of a job run.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets a provider option, specified as key=val.
	Set(option string) error
	// ExecOption returns the session option that runs ranks on the
	// system configured by the options set so far.
	ExecOption() exec.Option
}

var (
	mu        sync.Mutex
	providers = map[string]func() Provider{}
	profiles  = map[string]string{}
)

// RegisterSystemProvider registers a system provider under the
// provided name. A fresh provider is created each time the name is
// used in a system flag.
func RegisterSystemProvider(name string, provider func() Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := providers[name]; ok {
		log.Panicf("simflags: system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a named shorthand for a system and
// its options. For example, after
//
//	simflags.RegisterSystemProfile("big-net", "ec2:instance=c5.9xlarge")
//
// the flag -system=big-net is a synonym for
// -system=ec2:instance=c5.9xlarge. Options given with the profile
// name are appended to the profile's.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := providers[name]; ok {
		log.Panicf("simflags: profile %s is already used as a system name", name)
	}
	if _, ok := profiles[name]; ok {
		log.Panicf("simflags: profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the names of the registered providers,
// sorted, and the registered profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	prf := make(map[string]string, len(profiles))
	for name, profile := range profiles {
		prf[name] = profile
	}
	return names, prf
}

// fixed is a provider that takes no options.
type fixed struct {
	name   string
	option exec.Option
}

func (f *fixed) Name() string { return f.name }

func (f *fixed) Set(option string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("system %s does not take option %q", f.name, option))
}

func (f *fixed) ExecOption() exec.Option { return f.option }

// Internal returns a provider that runs every rank of a job in its
// own goroutine of the current process.
func Internal() Provider { return &fixed{"internal", exec.Local} }

// Local returns a provider that runs every rank of a job in its own
// process on the local machine.
func Local() Provider { return &fixed{"local", exec.Bigmachine(bigmachine.Local)} }

// ec2Params are the options of the EC2 provider, keyed by name.
var ec2Params = map[string]struct {
	help string
	set  func(sys *ec2system.System, val string) error
}{
	"instance": {"the EC2 instance type, for example c5.2xlarge", func(sys *ec2system.System, val string) error {
		sys.InstanceType = val
		return nil
	}},
	"dataspace": {"size of the data volume, in GiB", func(sys *ec2system.System, val string) error {
		n, err := strconv.ParseUint(val, 10, 32)
		sys.Dataspace = uint(n)
		return err
	}},
	"rootsize": {"size of the root volume, in GiB", func(sys *ec2system.System, val string) error {
		n, err := strconv.ParseUint(val, 10, 32)
		sys.Diskspace = uint(n)
		return err
	}},
	"ondemand": {"true to use on-demand rather than spot instances", func(sys *ec2system.System, val string) (err error) {
		sys.OnDemand, err = strconv.ParseBool(val)
		return
	}},
	"profile": {"the instance profile with which instances are launched", func(sys *ec2system.System, val string) error {
		sys.InstanceProfile = val
		return nil
	}},
}

// EC2 is a provider that runs every rank of a job on its own AWS EC2
// instance.
type EC2 struct {
	system ec2system.System
}

// NewEC2 returns a new EC2 provider. Instances are tagged with the
// current user's name.
func NewEC2() *EC2 {
	ec2 := &EC2{system: ec2system.System{Username: "unknown"}}
	if u, err := user.Current(); err == nil {
		ec2.system.Username = u.Username
	}
	return ec2
}

// Name implements Provider.
func (*EC2) Name() string { return "ec2" }

// Set implements Provider.
func (ec2 *EC2) Set(option string) error {
	parts := strings.SplitN(option, "=", 2)
	if len(parts) != 2 {
		return errors.E(errors.Invalid, fmt.Sprintf("ec2: option %q is not of the form key=val", option))
	}
	param, ok := ec2Params[parts[0]]
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("ec2: unknown option %s", parts[0]))
	}
	if err := param.set(&ec2.system, parts[1]); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("ec2: option %s", parts[0]), err)
	}
	return nil
}

// ExecOption implements Provider.
func (ec2 *EC2) ExecOption() exec.Option { return exec.Bigmachine(ec2.System()) }

// System returns the EC2 system configured by the provider.
func (ec2 *EC2) System() *ec2system.System {
	sys := ec2.system
	return &sys
}

func init() {
	RegisterSystemProvider("internal", Internal)
	RegisterSystemProvider("local", Local)
	RegisterSystemProvider("ec2", func() Provider { return NewEC2() })
}

// SystemHelpShort returns a one-line description of system flag
// values.
func SystemHelpShort(prefix string) string {
	return fmt.Sprintf("system on which ranks run: internal, local, ec2[:key=val,...], or a profile; see -%ssystem-help", prefix)
}

// SystemHelpLong returns a complete description of system flag
// values.
func SystemHelpLong() string {
	var b strings.Builder
	b.WriteString(`A bigsim system is specified as <system>[:<key>=<val>[,<key>=<val>...]].
Every rank of a job runs on its own instance of the system.

internal: every rank runs in its own goroutine of this process; the default.
local: every rank runs in its own process on this machine.
ec2: every rank runs on its own AWS EC2 instance. The options are:
`)
	keys := make([]string, 0, len(ec2Params))
	for key := range ec2Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "\t%s: %s\n", key, ec2Params[key].help)
	}
	b.WriteString(`
Applications may also register profiles: named shorthands for a system
and its options.
`)
	return b.String()
}

// SystemFlag is a flag.Value that selects the system on which the
// ranks of a job run.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

func parseSystem(v string) (name string, options []string) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) == 2 && parts[1] != "" {
		options = strings.Split(parts[1], ",")
	}
	return parts[0], options
}

// String implements flag.Value.
func (sys *SystemFlag) String() string {
	switch {
	case sys.Provider == nil:
		return ""
	case len(sys.Options) == 0:
		return sys.Provider.Name()
	default:
		return sys.Provider.Name() + ":" + strings.Join(sys.Options, ",")
	}
}

// Set implements flag.Value. Profiles are expanded before the
// system's options are applied.
func (sys *SystemFlag) Set(v string) error {
	name, options := parseSystem(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parseSystem(profile)
		options = append(profileOptions, options...)
	}
	newProvider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("unknown system or profile %s", name))
	}
	provider := newProvider()
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Provider, sys.Options, sys.Specified = provider, options, true
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} { return sys.String() }

// Flags holds the values of the bigsim flags.
type Flags struct {
	// System is the system on which ranks run.
	System SystemFlag
	// SystemHelp requests the long system help.
	SystemHelp bool
	// HTTPAddress is the address of the status and debug server.
	HTTPAddress cmdutil.NetworkAddressFlag
	// NoProgress disables the console progress display.
	NoProgress bool
	// Timing enables the collection of per-operator timings.
	Timing bool
	// Merged enables transfer merging.
	Merged bool
	// Seed is the seed with which chunks are reset.
	Seed int64
	// BarrierPeriod is the number of steps between barriers.
	BarrierPeriod int
	// FlushInterval is the number of steps between probe flushes.
	FlushInterval int
	// TracePath is the path of the session's timing trace.
	TracePath string

	fs *flag.FlagSet
}

// Output returns the writer to which help should be printed.
func (bf *Flags) Output() io.Writer {
	if bf.fs != nil && bf.fs.Output() != nil {
		return bf.fs.Output()
	}
	return os.Stderr
}

// Defaults holds the default values of the flags that have one.
type Defaults struct {
	System        string
	HTTPAddress   string
	NoProgress    bool
	BarrierPeriod int
	FlushInterval int
}

// DefaultDefaults returns the defaults used by RegisterFlags.
func DefaultDefaults() Defaults {
	return Defaults{
		System:        "internal",
		HTTPAddress:   ":3333",
		BarrierPeriod: chunk.DefaultBarrierPeriod,
		FlushInterval: chunk.DefaultFlushInterval,
	}
}

// RegisterFlags registers the bigsim flags, with names prefixed by
// prefix, in fs.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, DefaultDefaults())
}

// RegisterFlagsWithDefaults registers the bigsim flags, with names
// prefixed by prefix, in fs using the provided defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("simflags: default system %q: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "describe the available systems and profiles")
	if err := bf.HTTPAddress.Set(defaults.HTTPAddress); err != nil {
		log.Panicf("simflags: default http address %q: %v", defaults.HTTPAddress, err)
	}
	bf.HTTPAddress.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of the status and debug server")
	fs.BoolVar(&bf.NoProgress, prefix+"noprog", defaults.NoProgress, "do not display run progress on the console")
	fs.BoolVar(&bf.Timing, prefix+"timing", false, "collect and report per-operator timings")
	fs.BoolVar(&bf.Merged, prefix+"merged", false, "merge transfers that share a peer and tag")
	fs.Int64Var(&bf.Seed, prefix+"seed", 0, "seed with which every chunk is reset before a run")
	fs.IntVar(&bf.BarrierPeriod, prefix+"barrier", defaults.BarrierPeriod, "steps between job-wide barriers; negative disables them")
	fs.IntVar(&bf.FlushInterval, prefix+"flush", defaults.FlushInterval, "steps between flushes of probe data")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "write a timing trace of the session to this path")
	bf.fs = fs
}

// Validate checks the flag values.
func (bf *Flags) Validate() error {
	switch {
	case bf.System.Provider == nil:
		return errors.E(errors.Invalid, "no system specified")
	case bf.BarrierPeriod == 0:
		return errors.E(errors.Invalid, "barrier period must be nonzero")
	case bf.FlushInterval <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("flush interval %d must be positive", bf.FlushInterval))
	}
	return nil
}

// ExecOptions returns the session options selected by the flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if err := bf.Validate(); err != nil {
		return nil, err
	}
	var st status.Status
	// Display machine status before the ranks'.
	_ = st.Group("bigmachine")
	options := []exec.Option{
		exec.Status(&st),
		bf.System.Provider.ExecOption(),
		exec.Seed(bf.Seed),
		exec.BarrierPeriod(bf.BarrierPeriod),
		exec.FlushInterval(bf.FlushInterval),
	}
	if bf.Merged {
		options = append(options, exec.Merge)
	}
	if bf.Timing {
		options = append(options, exec.CollectTimings)
	}
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}
