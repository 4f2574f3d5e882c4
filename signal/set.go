// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package signal

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Set is the arena of signals owned by a chunk. Signals are
// referenced elsewhere only by key or through views; the set is the
// only owner of signal storage.
type Set struct {
	signals map[Key]*Signal
	order   []Key
}

// NewSet returns an empty signal set.
func NewSet() *Set {
	return &Set{signals: make(map[Key]*Signal)}
}

// Add adds a signal to the set. Add fails with an errors.Exists
// error if a signal with the same key is already present.
func (s *Set) Add(sig *Signal) error {
	if _, ok := s.signals[sig.Key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("duplicate signal key %d (%s)", sig.Key, sig.Label))
	}
	s.signals[sig.Key] = sig
	s.order = append(s.order, sig.Key)
	return nil
}

// Lookup returns the signal with the provided key. Lookup fails
// with an errors.NotExist error if the key is unknown.
func (s *Set) Lookup(key Key) (*Signal, error) {
	sig, ok := s.signals[key]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("unknown signal key %d", key))
	}
	return sig, nil
}

// View returns the view described by spec. It fails with an
// errors.NotExist error if its key is unknown, and with an
// errors.Invalid error if the view is out of bounds.
func (s *Set) View(spec ViewSpec) (View, error) {
	sig, err := s.Lookup(spec.Key)
	if err != nil {
		return View{}, err
	}
	return NewView(sig, spec)
}

// Keys returns the keys of the set's signals in insertion order.
func (s *Set) Keys() []Key {
	return append([]Key(nil), s.order...)
}

// Len returns the number of signals in the set.
func (s *Set) Len() int { return len(s.order) }

// Reset restores every signal to its build-time value.
func (s *Set) Reset() {
	for _, sig := range s.signals {
		sig.Reset()
	}
}
