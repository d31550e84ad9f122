// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DepthwiseConv2D applies a kernelSize x kernelSize convolution independently to each channel
// (no cross-channel mixing), with stride 1 and zero padding of kernelSize/2, so the spatial
// dimensions are preserved.
//
// x is shaped [batchSize, height, width, channels] and the output has the same shape.
// kernelSize must be odd.
//
// Variables (under the scope "depthwise"):
//
//   - "kernel": shaped [kernelSize, kernelSize, channels], initialized with Xavier uniform with the fan-in and
//     fan-out of a grouped convolution with one input channel per group: fanIn=kernelSize², fanOut=channels*kernelSize².
//   - "biases": shaped [channels], initialized with zeros.
func DepthwiseConv2D(ctx *context.Context, x *Node, kernelSize int) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("dit.DepthwiseConv2D requires x shaped [batchSize, height, width, channels], got %s", x.Shape())
	}
	if kernelSize <= 0 || kernelSize%2 == 0 {
		exceptions.Panicf("dit.DepthwiseConv2D requires an odd kernelSize, got %d", kernelSize)
	}
	ctx = ctx.In("depthwise")
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dim(-1)

	receptiveField := float64(kernelSize * kernelSize)
	limit := math.Sqrt(6.0 / (receptiveField + float64(channels)*receptiveField))
	kernelVar := ctx.WithInitializer(initializers.RandomUniformFn(ctx, -limit, limit)).
		VariableWithShape("kernel", shapes.Make(dtype, kernelSize, kernelSize, channels))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, channels))

	// One group per channel: the kernel has a single input channel per group.
	kernel := Reshape(kernelVar.ValueGraph(g), kernelSize, kernelSize, 1, channels)
	output := Convolve(x, kernel).PadSame().ChannelGroupCount(channels).Done()
	return Add(output, Reshape(biasVar.ValueGraph(g), 1, 1, 1, channels))
}
