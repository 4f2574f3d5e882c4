// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestConfig(t *testing.T) {
	profile := config.New()
	assert.NoError(t, profile.Set("bigsim.merge", "true"))
	assert.NoError(t, profile.Set("bigsim.barrier-period", "4"))
	var sess *Session
	assert.NoError(t, profile.Instance("bigsim", &sess))
	defer sess.Shutdown()
	expect.EQ(t, sess.executor.Name(), "local")
	expect.True(t, sess.config.Merge)
	expect.EQ(t, sess.config.BarrierPeriod, 4)
	res, err := sess.Run(context.Background(), twoChunks(), 5)
	assert.NoError(t, err)
	expect.EQ(t, res.Data[probeOut], snapshots(0, 1, 2, 3, 4))
}

func TestConfigErrors(t *testing.T) {
	profile := config.New()
	assert.NoError(t, profile.Set("bigsim.flush-interval", "0"))
	var sess *Session
	if err := profile.Instance("bigsim", &sess); err == nil {
		sess.Shutdown()
		t.Error("expected error")
	}
}
