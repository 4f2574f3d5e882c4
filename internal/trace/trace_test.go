// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"testing"
	"time"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestSpan(t *testing.T) {
	e := Span(1, 2, "run", 3*time.Millisecond, 500*time.Nanosecond)
	expect.True(t, e.Complete())
	expect.EQ(t, e.Ts, int64(3000))
	expect.EQ(t, e.Dur, int64(1))
	expect.EQ(t, e.Cat, "phase")

	e.Args["chunk"] = "c0"
	tr := T{Events: []Event{Metadata(1, "rank 1"), e}}
	var b bytes.Buffer
	assert.NoError(t, tr.Encode(&b))
	var got T
	assert.NoError(t, got.Decode(&b))
	if got, want := len(got.Events), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	expect.True(t, !got.Events[0].Complete())
	expect.EQ(t, got.Events[0].Args["name"], "rank 1")
	expect.EQ(t, got.Events[1].Name, "run")
	expect.EQ(t, got.Events[1].Args["chunk"], "c0")
}
