// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunk

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/signal"
)

// validate checks that no two operators sharing a schedule index
// write overlapping data. The schedule must be sorted.
func validate(schedule []entry) error {
	for i := 0; i < len(schedule); {
		j := i + 1
		for j < len(schedule) && schedule[j].index == schedule[i].index {
			j++
		}
		for a := i; a < j; a++ {
			for b := a + 1; b < j; b++ {
				for _, v := range schedule[a].op.Writes() {
					for _, w := range schedule[b].op.Writes() {
						if signal.Overlaps(v, w) {
							return errors.E(errors.Invalid,
								fmt.Sprintf("operators %s and %s at index %g write overlapping views of %s",
									schedule[a].label, schedule[b].label, schedule[a].index, v.Base()))
						}
					}
				}
			}
		}
		i = j
	}
	return nil
}
