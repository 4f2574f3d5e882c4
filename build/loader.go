// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
)

// A Loader loads networks.
type Loader interface {
	Load(ctx context.Context, path string) (*Network, error)
}

// FileLoader loads networks written by Save from any path supported
// by package github.com/grailbio/base/file. Paths with a ".zst"
// suffix are zstd-compressed.
type FileLoader struct{}

// Load implements Loader.
func (FileLoader) Load(ctx context.Context, path string) (net *Network, err error) {
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
			return nil, errors.E(errors.Integrity, "open compressed network "+path, zerr)
		}
		defer fileio.CloseAndReport(zr, &err)
		r = zr
	}
	net, err = ReadNetwork(r)
	if err != nil {
		return nil, errors.E("load network "+path, err)
	}
	return net, nil
}

// Save writes a network to the provided path, compressing it if the
// path has a ".zst" suffix.
func Save(ctx context.Context, path string, net *Network) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var w io.Writer = f.Writer(ctx)
	if strings.HasSuffix(path, ".zst") {
		zw, zerr := zstd.NewWriter(w)
		if zerr != nil {
			return zerr
		}
		defer fileio.CloseAndReport(zw, &err)
		w = zw
	}
	return WriteNetwork(w, net)
}
