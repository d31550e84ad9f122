// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package embed implements the input embeddings of a diffusion transformer: image patches to
// tokens (and back), diffusion timesteps and class labels (with classifier-free guidance dropout).
package embed

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/flashdit/pkg/ml/layers/dit"
)

// Patchify splits images shaped [batchSize, channels, height, width] into non-overlapping
// patchSize x patchSize patches, and returns them flattened as [batchSize, numPatches, channels*patchSize*patchSize].
//
// Patches are ordered row-major over the (height/patchSize, width/patchSize) grid, and the values within a patch
// are ordered (channel, row, column), the layout of the kernel of a convolution with stride and kernel equal to patchSize.
func Patchify(x *Node, patchSize int) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("embed.Patchify requires images shaped [batchSize, channels, height, width], got %s", x.Shape())
	}
	if patchSize <= 0 {
		exceptions.Panicf("embed.Patchify requires patchSize > 0, got %d", patchSize)
	}
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if height%patchSize != 0 || width%patchSize != 0 {
		exceptions.Panicf("embed.Patchify: image dimensions %dx%d are not divisible by patchSize %d", height, width, patchSize)
	}
	gridH, gridW := height/patchSize, width/patchSize
	x = Reshape(x, batchSize, channels, gridH, patchSize, gridW, patchSize)
	x = TransposeAllAxes(x, 0, 2, 4, 1, 3, 5)
	return Reshape(x, batchSize, gridH*gridW, channels*patchSize*patchSize)
}

// PatchEmbed projects images shaped [batchSize, channels, height, width] to patch tokens shaped
// [batchSize, numPatches, hiddenSize].
//
// It is equivalent to a convolution with kernel and stride of patchSize, with its kernel initialized
// as a Linear layer (Xavier uniform over the flattened patch) and a zero bias. Variables are created
// under the scope "proj".
func PatchEmbed(ctx *context.Context, x *Node, patchSize, hiddenSize int) *Node {
	patches := Patchify(x, patchSize)
	return dit.Linear(ctx.In("proj"), patches, hiddenSize).Done()
}

// GridSide returns the side of the square grid of numTokens tokens.
// It panics if numTokens is not a perfect square.
func GridSide(numTokens int) int {
	side := int(math.Round(math.Sqrt(float64(numTokens))))
	if side*side != numTokens {
		exceptions.Panicf("sequence of %d tokens is not a square grid", numTokens)
	}
	return side
}

// Unpatchify is the inverse layout transformation of the model output: it takes x shaped
// [batchSize, numPatches, patchSize*patchSize*channels], with the values of each patch ordered (row, column, channel),
// and returns images shaped [batchSize, channels, gridSide*patchSize, gridSide*patchSize].
//
// The patch grid is assumed square, so numPatches must be a perfect square.
func Unpatchify(x *Node, patchSize, channels int) *Node {
	if x.Rank() != 3 {
		exceptions.Panicf("embed.Unpatchify requires x shaped [batchSize, numPatches, patchSize²*channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, numPatches, patchDim := dims[0], dims[1], dims[2]
	if patchDim != patchSize*patchSize*channels {
		exceptions.Panicf("embed.Unpatchify: last axis of %s should be patchSize²*channels=%d", x.Shape(), patchSize*patchSize*channels)
	}
	side := GridSide(numPatches)
	x = Reshape(x, batchSize, side, side, patchSize, patchSize, channels)
	// [b, h, w, p, q, c] -> [b, c, h, p, w, q]
	x = TransposeAllAxes(x, 0, 5, 1, 3, 2, 4)
	return Reshape(x, batchSize, channels, side*patchSize, side*patchSize)
}
