// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// NormEpsilon is the epsilon used by the token normalization of blocks and final layers.
const NormEpsilon = 1e-6

// Normalize the last axis of x, the normalization applied before adaptive modulation.
//
// With useRMSNorm set it is an RMSNorm with a learned scale (created under the scope "rms_norm").
// Otherwise, it's a LayerNorm without learned gain or offset: the affine part of the normalization
// is provided by the modulation.
func Normalize(ctx *context.Context, x *Node, useRMSNorm bool) *Node {
	if useRMSNorm {
		return layers.RMSNorm(ctx, x).
			WithEpsilon(NormEpsilon).
			WithNormalizationAxes(-1).
			Done()
	}
	return layers.LayerNormalization(ctx, x, -1).
		Epsilon(NormEpsilon).
		LearnedGain(false).
		LearnedOffset(false).
		Done()
}
