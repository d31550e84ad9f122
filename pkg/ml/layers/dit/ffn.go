// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// MLP is the standard transformer feed-forward sub-layer: Linear(hiddenDim), GELU (tanh approximation)
// and Linear back to the input dimension.
func MLP(ctx *context.Context, x *Node, hiddenDim int) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	h := Linear(ctx.In("fc1"), x, hiddenDim).Done()
	h = activations.GeluApproximate(h)
	return Linear(ctx.In("fc2"), h, dim).Done()
}

// SwiGLU is the gated feed-forward variant: one Linear(2*hiddenDim) split in x1 and x2,
// SiLU(x1)*x2, and Linear back to the input dimension.
func SwiGLU(ctx *context.Context, x *Node, hiddenDim int) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	x12 := Linear(ctx.In("w12"), x, 2*hiddenDim).Done()
	parts := Split(x12, x12.Rank()-1, 2)
	h := Mul(activations.Swish(parts[0]), parts[1])
	return Linear(ctx.In("w3"), h, dim).Done()
}

// SwiGLUHiddenDim converts an MLP hidden dimension to the SwiGLU one, 2/3 of it, so both
// variants have about the same number of parameters.
func SwiGLUHiddenDim(mlpHiddenDim int) int {
	return int(2.0 / 3.0 * float64(mlpHiddenDim))
}

// FeedForward dispatches to SwiGLU (with SwiGLUHiddenDim(mlpHiddenDim)) if useSwiGLU is set,
// or to MLP otherwise.
func FeedForward(ctx *context.Context, x *Node, mlpHiddenDim int, useSwiGLU bool) *Node {
	if useSwiGLU {
		return SwiGLU(ctx, x, SwiGLUHiddenDim(mlpHiddenDim))
	}
	return MLP(ctx, x, mlpHiddenDim)
}
