// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package simconfig

import (
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestProfile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "bigsim", "config")
	profile, err := ReadProfile(path)
	assert.NoError(t, err)
	assert.NoError(t, profile.Set("bigsim.flush-interval", "7"))
	assert.NoError(t, WriteProfile(path, profile))

	profile, err = ReadProfile(path)
	assert.NoError(t, err)
	v, ok := profile.Get("bigsim.flush-interval")
	expect.True(t, ok)
	expect.EQ(t, v, "7")
}
