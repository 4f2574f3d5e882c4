// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigsim/build"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/stats"
	"golang.org/x/sync/errgroup"
)

const (
	// maxInflight is the maximum number of concurrent deliveries
	// issued by a rank.
	maxInflight = 64

	// maxDialRetries is the number of times a rank retries dialing
	// a peer before giving up.
	maxDialRetries = 5

	// abortTimeout is the maximum amount of time allowed to notify
	// the peers of a rank of an abort.
	abortTimeout = 10 * time.Second
)

// RetryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

func init() {
	gob.Register(&rankService{})
}

// BigmachineExecutor is an executor that runs each rank of a job on
// its own bigmachine machine. The ranks exchange transfers directly,
// via RPC; the driver only launches the machines, sends the network
// to the master, and collects the results.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string { return "bigmachine:" + b.system.Name() }

// Start starts the bigmachine session. In worker processes, Start
// does not return.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	return b.b.Shutdown
}

// Run starts one machine per rank, joins them into a job, and runs
// the job. The machines are discarded when the run completes.
func (b *bigmachineExecutor) Run(ctx context.Context, net *build.Network, steps int) (*Result, error) {
	var buf bytes.Buffer
	if err := build.WriteNetwork(&buf, net); err != nil {
		return nil, err
	}
	n := net.Size()
	machines, tasks, err := b.start(ctx, n)
	defer func() {
		for i, m := range machines {
			m.Cancel()
			if tasks[i] != nil {
				tasks[i].Done()
			}
		}
	}()
	if err != nil {
		return nil, err
	}
	addrs := make([]string, n)
	for i, m := range machines {
		addrs[i] = m.Addr
	}
	err = traverse.Each(n, func(i int) error {
		return machines[i].RetryCall(ctx, "Rank.Join", joinRequest{Rank: i, Addrs: addrs, Config: b.sess.config}, nil)
	})
	if err != nil {
		return nil, errors.E("joining machines", err)
	}
	var (
		res   = &Result{Steps: steps, Ranks: make([]RankReport, n)}
		errs  = make([]error, n)
		reply masterReply
		g     errgroup.Group
	)
	for i := range machines {
		i := i
		res.Ranks[i] = RankReport{Rank: i, Addr: addrs[i]}
		if tasks[i] != nil {
			tasks[i].Print("running")
		}
		g.Go(func() error {
			var err error
			if i == 0 {
				err = machines[i].Call(ctx, "Rank.Master", masterRequest{Network: buf.Bytes(), Steps: steps}, &reply)
				if err == nil {
					res.Ranks[i] = reply.Report
				}
			} else {
				var report RankReport
				err = machines[i].Call(ctx, "Rank.Serve", struct{}{}, &report)
				if err == nil {
					res.Ranks[i] = report
				}
			}
			res.Ranks[i].Addr = addrs[i]
			if err != nil {
				errs[i] = errors.E(fmt.Sprintf("rank %d (%s)", i, addrs[i]), err)
				// The rank may have failed without notifying its peers,
				// for example if its machine was lost.
				b.abort(machines, i, err)
			}
			if tasks[i] != nil {
				if err != nil {
					tasks[i].Printf("failed: %v", err)
				} else {
					tasks[i].Print("done")
				}
			}
			return errs[i]
		})
	}
	if err := g.Wait(); err != nil {
		return res, cause(errs)
	}
	if b.sess.sink == nil {
		res.Data = reply.Data
		return res, nil
	}
	for _, key := range reply.Data.Keys() {
		if err := b.sess.sink.Write(ctx, key, 1, steps, reply.Data[key]); err != nil {
			return res, err
		}
	}
	return res, nil
}

// start starts n machines running the rank service and waits for
// them to become ready.
func (b *bigmachineExecutor) start(ctx context.Context, n int) ([]*bigmachine.Machine, []*status.Task, error) {
	params := append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{}}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return nil, nil, errors.E("starting machines", err)
	}
	tasks := make([]*status.Task, len(machines))
	err = traverse.Each(len(machines), func(i int) error {
		m := machines[i]
		if b.status != nil {
			tasks[i] = b.status.Startf("rank %d", i)
			tasks[i].Print("waiting for machine to boot")
		}
		select {
		case <-m.Wait(bigmachine.Running):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.Err(); err != nil {
			if tasks[i] != nil {
				tasks[i].Printf("failed to start: %v", err)
			}
			return errors.E(fmt.Sprintf("machine %s failed to start", m.Addr), err)
		}
		if tasks[i] != nil {
			tasks[i].Title(fmt.Sprintf("rank %d %s", i, m.Addr))
			tasks[i].Print("ready")
		}
		log.Printf("machine %v is ready for rank %d", m.Addr, i)
		return nil
	})
	return machines, tasks, err
}

// abort relays an abort by the provided rank to every other machine.
func (b *bigmachineExecutor) abort(machines []*bigmachine.Machine, rank int, err error) {
	ctx, cancel := context.WithTimeout(backgroundcontext.Get(), abortTimeout)
	defer cancel()
	req := abortRequest{Rank: rank, Message: err.Error()}
	_ = traverse.Each(len(machines), func(i int) error {
		if i == rank {
			return nil
		}
		if err := machines[i].Call(ctx, "Rank.Abort", req, nil); err != nil {
			log.Debug.Printf("relay abort to %s: %v", machines[i].Addr, err)
		}
		return nil
	})
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// Cause returns the error that most likely caused a job to fail:
// the first error that is not a communication error, or else the
// first error.
func cause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if !errors.Is(errors.Net, err) {
			return err
		}
	}
	return first
}

type joinRequest struct {
	Rank   int
	Addrs  []string
	Config rankConfig
}

type deliverRequest struct {
	Src     int
	Tag     comm.Tag
	Seq     uint64
	Payload []byte
}

type masterRequest struct {
	Network []byte
	Steps   int
}

type masterReply struct {
	Data   probe.Data
	Report RankReport
}

type abortRequest struct {
	Rank    int
	Message string
}

// A rankService is the bigmachine service that runs a single rank of
// a job. A machine joins a job exactly once.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu        sync.Mutex
	transport *machineTransport
	config    rankConfig
}

func (s *rankService) Init(b *bigmachine.B) error {
	s.b = b
	return nil
}

// Join assigns the machine its rank and the addresses of its peers.
func (s *rankService) Join(ctx context.Context, req joinRequest, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		if s.transport.rank == req.Rank {
			return nil
		}
		return errors.E(errors.Exists, fmt.Sprintf("machine already joined as rank %d", s.transport.rank))
	}
	if req.Rank < 0 || req.Rank >= len(req.Addrs) {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid rank %d in job of %d ranks", req.Rank, len(req.Addrs)))
	}
	s.transport = newMachineTransport(s.b, req.Rank, req.Addrs)
	s.config = req.Config
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	log.Printf("rank %d of %d starting on %s", req.Rank, len(req.Addrs), host)
	return nil
}

func (s *rankService) joined() (*machineTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil, errors.E(errors.Invalid, "machine has not joined a job")
	}
	return s.transport, nil
}

// Deliver delivers a message from a peer rank.
func (s *rankService) Deliver(ctx context.Context, req deliverRequest, _ *struct{}) error {
	t, err := s.joined()
	if err != nil {
		return err
	}
	return t.mailbox.Deliver(req.Src, req.Tag, req.Seq, req.Payload)
}

// Master runs the master rank of the job on the network it is given
// and returns the probe data gathered from every rank.
func (s *rankService) Master(ctx context.Context, req masterRequest, reply *masterReply) error {
	t, err := s.joined()
	if err != nil {
		return err
	}
	r := newRank(t, s.config, nil, nil)
	net, err := build.ReadNetwork(bytes.NewReader(req.Network))
	if err != nil {
		r.fail(err)
		return err
	}
	reply.Data, err = r.master(ctx, net, req.Steps)
	reply.Report = r.report()
	t.logStats()
	return err
}

// Serve runs a worker rank of the job and returns its report.
func (s *rankService) Serve(ctx context.Context, _ struct{}, reply *RankReport) error {
	t, err := s.joined()
	if err != nil {
		return err
	}
	r := newRank(t, s.config, nil, nil)
	err = r.worker(ctx)
	*reply = r.report()
	t.logStats()
	return err
}

// Abort aborts the job on behalf of the requesting rank.
func (s *rankService) Abort(ctx context.Context, req abortRequest, _ *struct{}) error {
	t, err := s.joined()
	if err != nil {
		return err
	}
	t.abort(req.Rank, errors.E(req.Message))
	return nil
}

// A machineTransport implements comm.Transport for a rank running on
// a bigmachine machine. Messages are delivered by calling the
// Rank.Deliver method of the destination machine; they are sequenced
// by the sender so that the receiver's mailbox restores their order.
type machineTransport struct {
	b       *bigmachine.B
	rank    int
	addrs   []string
	mailbox *comm.Mailbox
	seq     comm.Sequencer
	limiter *limiter.Limiter
	stats   *stats.Counters

	dials once.Map

	mu       sync.Mutex
	machines map[int]*bigmachine.Machine
	err      error
}

func newMachineTransport(b *bigmachine.B, rank int, addrs []string) *machineTransport {
	t := &machineTransport{
		b:        b,
		rank:     rank,
		addrs:    addrs,
		mailbox:  comm.NewMailbox(),
		limiter:  limiter.New(),
		stats:    stats.NewCounters(),
		machines: make(map[int]*bigmachine.Machine),
	}
	t.limiter.Release(maxInflight)
	return t
}

func (t *machineTransport) Rank() int { return t.rank }

func (t *machineTransport) Size() int { return len(t.addrs) }

// Stats returns the transport's transfer statistics.
func (t *machineTransport) Stats() *stats.Counters { return t.stats }

func (t *machineTransport) Isend(dst int, tag comm.Tag, payload []byte) comm.Request {
	if err := t.Err(); err != nil {
		return comm.Done(nil, comm.Aborted(t.rank, err))
	}
	if dst < 0 || dst >= len(t.addrs) {
		return comm.Done(nil, errors.E(errors.Invalid, fmt.Sprintf("send to nonexistent rank %d", dst)))
	}
	t.stats.Transfer("send", len(payload))
	req := deliverRequest{
		Src:     t.rank,
		Tag:     tag,
		Seq:     t.seq.Next(dst, tag),
		Payload: append([]byte(nil), payload...),
	}
	if dst == t.rank {
		return comm.Done(nil, t.mailbox.Deliver(req.Src, req.Tag, req.Seq, req.Payload))
	}
	call := &callRequest{done: make(chan struct{})}
	go func() {
		defer close(call.done)
		call.err = t.deliver(backgroundcontext.Get(), dst, req)
	}()
	return call
}

func (t *machineTransport) Irecv(src int, tag comm.Tag) comm.Request {
	if src < 0 || src >= len(t.addrs) {
		return comm.Done(nil, errors.E(errors.Invalid, fmt.Sprintf("receive from nonexistent rank %d", src)))
	}
	return comm.CountRecv(t.mailbox.Post(src, tag), t.stats)
}

// Abort aborts the job: it fails every pending and future receive of
// the rank and notifies every peer, which do the same.
func (t *machineTransport) Abort(err error) {
	if !t.abort(t.rank, err) {
		return
	}
	ctx, cancel := context.WithTimeout(backgroundcontext.Get(), abortTimeout)
	req := abortRequest{Rank: t.rank, Message: err.Error()}
	go func() {
		defer cancel()
		_ = traverse.Each(len(t.addrs), func(i int) error {
			if i == t.rank {
				return nil
			}
			m, err := t.dial(ctx, i)
			if err == nil {
				err = m.Call(ctx, "Rank.Abort", req, nil)
			}
			if err != nil {
				log.Debug.Printf("rank %d: notify rank %d of abort: %v", t.rank, i, err)
			}
			return nil
		})
	}()
}

// Err returns the error with which the job was aborted, if any.
func (t *machineTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// abort records the abort of the job by rank src. It reports whether
// this was the first abort.
func (t *machineTransport) abort(src int, err error) bool {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return false
	}
	t.err = err
	t.mu.Unlock()
	t.mailbox.Close(comm.Aborted(src, err))
	return true
}

func (t *machineTransport) deliver(ctx context.Context, dst int, req deliverRequest) error {
	if err := t.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.limiter.Release(1)
	m, err := t.dial(ctx, dst)
	if err != nil {
		return err
	}
	if err := m.Call(ctx, "Rank.Deliver", req, nil); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("deliver %s message to rank %d", req.Tag, dst), err)
	}
	return nil
}

// dial returns the machine of rank dst, dialing it on first use.
func (t *machineTransport) dial(ctx context.Context, dst int) (*bigmachine.Machine, error) {
	err := t.dials.Do(dst, func() error {
		for retries := 0; ; retries++ {
			m, err := t.b.Dial(ctx, t.addrs[dst])
			if err == nil {
				t.mu.Lock()
				t.machines[dst] = m
				t.mu.Unlock()
				return nil
			}
			if retries == maxDialRetries {
				return errors.E(errors.Net, fmt.Sprintf("dial rank %d at %s", dst, t.addrs[dst]), err)
			}
			log.Error.Printf("rank %d: dial rank %d at %s: %v; retrying", t.rank, dst, t.addrs[dst], err)
			if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machines[dst], nil
}

func (t *machineTransport) logStats() {
	vals := t.stats.Snapshot()
	log.Printf("rank %d: sent %d messages (%s), received %d messages (%s)",
		t.rank,
		vals["send-messages"], data.Size(vals["send-bytes"]),
		vals["recv-messages"], data.Size(vals["recv-bytes"]))
}

// A callRequest is a request that completes when an asynchronous
// call returns.
type callRequest struct {
	done chan struct{}
	err  error
}

func (c *callRequest) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, errors.E(errors.Canceled, ctx.Err())
	}
}
