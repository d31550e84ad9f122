// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Modulate applies the adaptive layer-norm transformation x*(1+scale) + shift.
//
// x is shaped [batchSize, seqLen, dim], and shift and scale are shaped [batchSize, dim]: they are
// broadcast over the sequence axis. shift can be nil, in which case only the scale is applied.
func Modulate(x, shift, scale *Node) *Node {
	x = Mul(x, OnePlus(InsertAxes(scale, 1)))
	if shift != nil {
		x = Add(x, InsertAxes(shift, 1))
	}
	return x
}

// Gate multiplies x ([batchSize, seqLen, dim]) by gate ([batchSize, dim]), broadcast over the sequence axis.
func Gate(x, gate *Node) *Node {
	return Mul(x, InsertAxes(gate, 1))
}

// Modulation projects the conditioning vector c, shaped [batchSize, dim], to numChunks
// tensors shaped [batchSize, dim], using a SiLU activation followed by a linear layer.
//
// The linear layer is zero-initialized, so right after initialization all chunks are zero, and
// Modulate and Gate reduce to the identity and to zero respectively.
//
// Variables are created under the scope "adaln_modulation".
func Modulation(ctx *context.Context, c *Node, numChunks int) []*Node {
	if c.Rank() != 2 {
		exceptions.Panicf("dit.Modulation requires a conditioning shaped [batchSize, dim], got %s", c.Shape())
	}
	if numChunks <= 0 {
		exceptions.Panicf("dit.Modulation requires numChunks > 0, got %d", numChunks)
	}
	dim := c.Shape().Dimensions[1]
	x := activations.Swish(c)
	x = Linear(ctx.In("adaln_modulation"), x, numChunks*dim).ZeroInit().Done()
	if numChunks == 1 {
		return []*Node{x}
	}
	return Split(x, 1, numChunks)
}
