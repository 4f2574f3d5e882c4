// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// EncodeFloats appends the little-endian encoding of vals to p,
// returning the extended slice.
func EncodeFloats(p []byte, vals []float64) []byte {
	off := len(p)
	if cap(p)-off < 8*len(vals) {
		q := make([]byte, off, off+8*len(vals))
		copy(q, p)
		p = q
	}
	p = p[:off+8*len(vals)]
	for i, v := range vals {
		binary.LittleEndian.PutUint64(p[off+8*i:], math.Float64bits(v))
	}
	return p
}

// DecodeFloats decodes p into dst. It returns an errors.Integrity
// error if p does not contain exactly len(dst) values.
func DecodeFloats(p []byte, dst []float64) error {
	if len(p) != 8*len(dst) {
		return errors.E(errors.Integrity,
			fmt.Sprintf("payload of %d bytes does not match %d values", len(p), len(dst)))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(p[8*i:]))
	}
	return nil
}
