// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/bigsim/probe"
)

// A LogSink is a probe.Sink that writes probe data to a log file at
// any path supported by package github.com/grailbio/base/file. Each
// write is logged as a probe header record followed by the written
// snapshots. Logs with a ".zst" suffix are zstd-compressed. The file
// is created on the first write.
type LogSink struct {
	path string

	mu  sync.Mutex
	f   file.File
	zw  io.WriteCloser
	enc *Encoder
	n   int
}

// NewLogSink returns a sink that logs to the provided path.
func NewLogSink(path string) *LogSink {
	return &LogSink{path: path}
}

// Path returns the path of the log.
func (s *LogSink) Path() string { return s.path }

// Snapshots returns the number of snapshots logged so far.
func (s *LogSink) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Write implements probe.Sink.
func (s *LogSink) Write(ctx context.Context, key probe.Key, first, last int, snapshots []probe.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		if err := s.open(ctx); err != nil {
			return err
		}
	}
	if err := s.enc.Encode(Record{OpProbeHeader, &ProbeHeader{Key: key, Count: len(snapshots)}}); err != nil {
		return errors.E(fmt.Sprintf("log %s", s.path), err)
	}
	for i := range snapshots {
		if err := s.enc.Encode(Record{OpSnapshot, &snapshots[i]}); err != nil {
			return errors.E(fmt.Sprintf("log %s", s.path), err)
		}
	}
	s.n += len(snapshots)
	return nil
}

func (s *LogSink) open(ctx context.Context) error {
	f, err := file.Create(ctx, s.path)
	if err != nil {
		return err
	}
	var w io.Writer = f.Writer(ctx)
	if strings.HasSuffix(s.path, ".zst") {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			_ = f.Close(ctx)
			return err
		}
		s.zw = zw
		w = zw
	}
	s.f = f
	s.enc = NewEncoder(w)
	return nil
}

// Close terminates the log with a stop record and closes it. Close
// is a no-op if nothing was written.
func (s *LogSink) Close(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	defer func() {
		if e := s.f.Close(ctx); e != nil && err == nil {
			err = e
		}
		s.f, s.zw, s.enc = nil, nil, nil
	}()
	if s.zw != nil {
		defer fileio.CloseAndReport(s.zw, &err)
	}
	return s.enc.Encode(Record{Op: OpStop})
}

// ReadLog reads the probe data logged by a LogSink at the provided
// path. Snapshots are returned in the order in which they were
// logged.
func ReadLog(ctx context.Context, path string) (data probe.Data, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var r io.Reader = f.Reader(ctx)
	if strings.HasSuffix(path, ".zst") {
		zr, zerr := zstd.NewReader(r)
		if zerr != nil {
			return nil, errors.E(errors.Integrity, "open compressed log "+path, zerr)
		}
		defer fileio.CloseAndReport(zr, &err)
		r = zr
	}
	var (
		dec = NewDecoder(r)
		key probe.Key
		n   int
	)
	data = make(probe.Data)
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("log %s: missing stop record", path))
		}
		if err != nil {
			return nil, errors.E(fmt.Sprintf("log %s", path), err)
		}
		switch v := rec.Value.(type) {
		case *ProbeHeader:
			if n > 0 {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("log %s: probe %d: %d snapshots missing", path, key, n))
			}
			key, n = v.Key, v.Count
			if _, ok := data[key]; !ok {
				data[key] = []probe.Snapshot{}
			}
		case *probe.Snapshot:
			if n == 0 {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("log %s: unexpected snapshot", path))
			}
			data[key] = append(data[key], *v)
			n--
		default:
			if rec.Op != OpStop || n > 0 {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("log %s: unexpected %s record", path, rec))
			}
			return data, nil
		}
	}
}
