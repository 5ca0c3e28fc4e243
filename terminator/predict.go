// Copyright 2026 The x86memcheck Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terminator

import "github.com/go-dbi/x86memcheck/config"

// Choose picks which of a DirectJcc's two stubs (branch or fallthrough)
// the patcher should eagerly resolve when the block is first compiled,
// before either side has actually executed. The original implementation
// keyed this decision off per-iclass/iform probability tables gathered
// from profiling; this module keeps the policy names (direction,
// iclass-keyed, iform-keyed, last-instruction-keyed) but backs the
// iclass/iform/last-iclass modes with the same static heuristic as
// direction -- a backward branch has its taken side resolved, a forward
// branch has neither side resolved -- since no profiling corpus ships with
// this module. PredictNone eagerly resolves neither side, leaving both lazy.
func Choose(mode config.PredictionMode, c *Compiled) (pick Tag, ok bool) {
	branch := c.Stubs[0]
	switch mode {
	case config.PredictNone:
		return 0, false
	case config.PredictDirection, config.PredictIClass, config.PredictIForm, config.PredictLastIClass:
		if branch.TargetOA <= c.OA {
			return TagBranch, true
		}
		return 0, false
	default:
		return 0, false
	}
}
