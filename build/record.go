// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package build defines the instruction records with which chunks are
// built and probe data are returned, the versioned wire format of
// these records, and the Network type, which describes a complete
// partitioned simulation as one instruction program per rank.
package build

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/operator"
	"github.com/grailbio/bigsim/probe"
	"github.com/grailbio/bigsim/signal"
	"github.com/spaolacci/murmur3"
)

// Version is the current version of the record format. Decoders
// accept records of any version up to and including Version.
const Version = 1

// Opcode identifies the type of a record.
type Opcode uint8

const (
	// OpHandshake opens an instruction stream.
	OpHandshake Opcode = iota + 1
	// OpSignal adds a signal to a chunk.
	OpSignal
	// OpOperator adds an operator to a chunk.
	OpOperator
	// OpProbe adds a probe to a chunk.
	OpProbe
	// OpStop terminates an instruction stream.
	OpStop
	// OpProbeHeader precedes the snapshots of a probe returned to the
	// master.
	OpProbeHeader
	// OpSnapshot carries a single probe snapshot.
	OpSnapshot
	// OpRun carries the number of steps to run.
	OpRun

	maxOpcode
)

var opcodeNames = [...]string{
	OpHandshake:   "handshake",
	OpSignal:      "signal",
	OpOperator:    "operator",
	OpProbe:       "probe",
	OpStop:        "stop",
	OpProbeHeader: "probe-header",
	OpSnapshot:    "snapshot",
	OpRun:         "run",
}

func (o Opcode) String() string {
	if o == 0 || o >= maxOpcode {
		return fmt.Sprintf("opcode(%d)", o)
	}
	return opcodeNames[o]
}

// Handshake opens the instruction stream for a chunk.
type Handshake struct {
	Version int
	Label   string
	Dt      float64
}

// Signal describes a signal to be added to a chunk.
type Signal struct {
	Key   signal.Key
	Label string
	Shape signal.Shape
	Data  []float64
}

// Probe describes a probe to be added to a chunk.
type Probe struct {
	Key    probe.Key
	View   signal.ViewSpec
	Period int
}

// ProbeHeader precedes the Count snapshots recorded by probe Key.
type ProbeHeader struct {
	Key   probe.Key
	Count int
}

// Run carries the number of steps in a run.
type Run struct {
	Steps int
}

// payloadType returns a pointer to a new value of the payload type of
// opcode op, or nil if op has no payload.
func payloadType(op Opcode) interface{} {
	switch op {
	case OpHandshake:
		return new(Handshake)
	case OpSignal:
		return new(Signal)
	case OpOperator:
		return new(operator.Descriptor)
	case OpProbe:
		return new(Probe)
	case OpProbeHeader:
		return new(ProbeHeader)
	case OpSnapshot:
		return new(probe.Snapshot)
	case OpRun:
		return new(Run)
	default:
		return nil
	}
}

// A Record is a single instruction. Its value is one of *Handshake,
// *Signal, *operator.Descriptor, *Probe, *ProbeHeader,
// *probe.Snapshot, or *Run, according to its opcode; stop records
// have a nil value.
type Record struct {
	Op    Opcode
	Value interface{}
}

func (r Record) String() string {
	return r.Op.String()
}

// Marshal encodes a record. The encoding is:
//
//	opcode    uint8
//	version   uint8
//	length    uvarint
//	payload   [length]byte, gob-encoded
//	checksum  uint32, little-endian murmur3 of the payload
func Marshal(r Record) ([]byte, error) {
	var payload bytes.Buffer
	if r.Value != nil {
		if err := gob.NewEncoder(&payload).Encode(r.Value); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("encode %s record", r.Op), err)
		}
	}
	var (
		n = payload.Len()
		p = make([]byte, 2+binary.MaxVarintLen64, 2+binary.MaxVarintLen64+n+4)
	)
	p[0] = byte(r.Op)
	p[1] = Version
	p = p[:2+binary.PutUvarint(p[2:], uint64(n))]
	p = append(p, payload.Bytes()...)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], murmur3.Sum32(payload.Bytes()))
	return append(p, sum[:]...), nil
}

// Unmarshal decodes a single record encoded by Marshal. It returns
// an errors.Integrity error if the record is malformed, of an
// unsupported version, or fails its checksum.
func Unmarshal(p []byte) (Record, error) {
	r := bytes.NewReader(p)
	rec, err := read(r)
	if err != nil {
		return Record{}, err
	}
	if r.Len() != 0 {
		return Record{}, errors.E(errors.Integrity, fmt.Sprintf("%d trailing bytes after %s record", r.Len(), rec.Op))
	}
	return rec, nil
}

// maxPayload is the largest payload accepted by decoders.
const maxPayload = 1 << 32

type byteReader interface {
	io.Reader
	io.ByteReader
}

func read(r byteReader) (Record, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, err
		}
		return Record{}, truncated(err)
	}
	op := Opcode(hdr[0])
	if op == 0 || op >= maxOpcode {
		return Record{}, errors.E(errors.Integrity, fmt.Sprintf("unknown opcode %d", hdr[0]))
	}
	if hdr[1] > Version {
		return Record{}, errors.E(errors.Integrity, fmt.Sprintf("%s record: unsupported version %d (maximum %d)", op, hdr[1], Version))
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, truncated(err)
	}
	if n > maxPayload {
		return Record{}, errors.E(errors.Integrity, fmt.Sprintf("%s record: invalid length %d", op, n))
	}
	// The buffer grows with the data actually read, so that a corrupt
	// length cannot force a large allocation.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)+4); err != nil {
		return Record{}, truncated(err)
	}
	payload := buf.Bytes()
	payload, sum := payload[:n], binary.LittleEndian.Uint32(payload[n:])
	if got := murmur3.Sum32(payload); got != sum {
		return Record{}, errors.E(errors.Integrity, fmt.Sprintf("%s record: checksum mismatch: %x != %x", op, got, sum))
	}
	rec := Record{Op: op, Value: payloadType(op)}
	if rec.Value == nil {
		if n != 0 {
			return Record{}, errors.E(errors.Integrity, fmt.Sprintf("%s record: unexpected payload", op))
		}
		return rec, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(rec.Value); err != nil {
		return Record{}, errors.E(errors.Integrity, fmt.Sprintf("decode %s record", op), err)
	}
	return rec, nil
}

func truncated(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.E(errors.Integrity, "truncated record", err)
}

// An Encoder writes a stream of records.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder that writes records to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w}
}

// Encode writes a record.
func (e *Encoder) Encode(r Record) error {
	p, err := Marshal(r)
	if err != nil {
		return err
	}
	_, err = e.w.Write(p)
	return err
}

// A Decoder reads a stream of records.
type Decoder struct {
	r byteReader
}

// NewDecoder returns a decoder that reads records from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{br}
}

// Decode reads the next record. It returns io.EOF at the end of a
// well-formed stream.
func (d *Decoder) Decode() (Record, error) {
	return read(d.r)
}
