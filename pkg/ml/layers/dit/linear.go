// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dit holds the building blocks shared by diffusion transformers: linear projections with
// explicit initializers, per-token normalization, adaptive layer-norm modulation, the feed-forward
// sub-layers and a depthwise convolution.
//
// Every function takes a *context.Context and creates its variables under the current scope, so
// callers are expected to give each call its own sub-scope (ctx.In("name")).
package dit

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// LinearBuilder configures a linear projection of the last axis of its input.
// Create it with Linear, and call LinearBuilder.Done when finished.
type LinearBuilder struct {
	ctx                   *context.Context
	x                     *Node
	outputDim             int
	useBias               bool
	weightsInit, biasInit context.VariableInitializer
}

// Linear starts the configuration of a linear projection of the last axis of x to outputDim.
//
// Defaults:
//
//   - Weights initialized with Xavier (Glorot) uniform, shaped [inputDim, outputDim].
//   - A bias term initialized with zeros.
//   - The regularizer configured in the context (see regularizers.FromContext) applied to the weights.
//
// The variables are created in the sub-scope "dense" with the names "weights" and "biases",
// the same layout used by layers.Dense.
func Linear(ctx *context.Context, x *Node, outputDim int) *LinearBuilder {
	return &LinearBuilder{
		ctx:         ctx,
		x:           x,
		outputDim:   outputDim,
		useBias:     true,
		weightsInit: initializers.GlorotUniformFn(ctx),
		biasInit:    initializers.Zero,
	}
}

// UseBias configures whether a bias term is added. Default is true.
func (b *LinearBuilder) UseBias(useBias bool) *LinearBuilder {
	b.useBias = useBias
	return b
}

// WeightsInitializer sets the initializer of the weights. The bias is always initialized with
// the bias initializer (zeros by default).
func (b *LinearBuilder) WeightsInitializer(initializer context.VariableInitializer) *LinearBuilder {
	b.weightsInit = initializer
	return b
}

// ZeroInit initializes both weights and bias with zeros, so the projection outputs zeros until trained.
func (b *LinearBuilder) ZeroInit() *LinearBuilder {
	b.weightsInit = initializers.Zero
	b.biasInit = initializers.Zero
	return b
}

// Done creates the variables (if not yet created) and returns the projected x, with the same
// shape as x except the last axis, which becomes outputDim.
func (b *LinearBuilder) Done() *Node {
	ctx := b.ctx.In("dense")
	x := b.x
	g := x.Graph()
	if x.Rank() == 0 {
		exceptions.Panicf("dit.Linear requires an input of rank >= 1, got %s", x.Shape())
	}
	if b.outputDim <= 0 {
		exceptions.Panicf("dit.Linear requires outputDim > 0, got %d", b.outputDim)
	}
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	dtype := x.DType()

	weightsVar := ctx.WithInitializer(b.weightsInit).
		VariableWithShape("weights", shapes.Make(dtype, inputDim, b.outputDim))
	if regularizer := regularizers.FromContext(ctx); regularizer != nil {
		regularizer(ctx, g, weightsVar)
	}
	outputDims := slices.Clone(x.Shape().Dimensions)
	outputDims[len(outputDims)-1] = b.outputDim

	output := MatMul(Reshape(x, -1, inputDim), weightsVar.ValueGraph(g))
	if b.useBias {
		biasVar := ctx.WithInitializer(b.biasInit).
			VariableWithShape("biases", shapes.Make(dtype, b.outputDim))
		output = Add(output, InsertAxes(biasVar.ValueGraph(g), 0))
	}
	return Reshape(output, outputDims...)
}
