// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package window

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/flashdit/pkg/ml/layers/dit"
)

// QKNormEpsilon is the epsilon of the affine LayerNorm applied to queries and keys.
const QKNormEpsilon = 1e-5

// AttentionBuilder configures a multi-head self-attention layer.
// Create it with Attention, and call Done when finished.
type AttentionBuilder struct {
	ctx                      *context.Context
	x, mask                  *Node
	numHeads                 int
	qkvBias                  bool
	qkNorm, useRMSNorm       bool
	fused                    bool
	attnDropout, projDropout float64
	rope                     *VisionRoPE
}

// Attention starts the configuration of a multi-head self-attention over x, shaped [batchSize, seqLen, dim].
//
// Defaults: numHeads heads, with bias in the qkv projection, no QK normalization, the fused computation path,
// no dropout and no rotary embedding.
//
// Variables are created under the scopes "qkv", "q_norm", "k_norm" and "proj".
func Attention(ctx *context.Context, x *Node, numHeads int) *AttentionBuilder {
	return &AttentionBuilder{
		ctx:      ctx,
		x:        x,
		numHeads: numHeads,
		qkvBias:  true,
		fused:    true,
	}
}

// QKVBias configures whether the qkv projection has a bias term. Default is true.
func (b *AttentionBuilder) QKVBias(useBias bool) *AttentionBuilder {
	b.qkvBias = useBias
	return b
}

// QKNorm enables normalization of queries and keys over the head dimension: an affine LayerNorm,
// or an RMSNorm if useRMSNorm is set.
func (b *AttentionBuilder) QKNorm(enabled, useRMSNorm bool) *AttentionBuilder {
	b.qkNorm = enabled
	b.useRMSNorm = useRMSNorm
	return b
}

// Fused selects the scaled dot-product attention of attention.Core (true, the default), which uses the backend's
// fused attention op when available. If false, queries are scaled first and the product, softmax and weighted
// sum are computed explicitly. Both paths compute the same values.
func (b *AttentionBuilder) Fused(fused bool) *AttentionBuilder {
	b.fused = fused
	return b
}

// Dropout sets the dropout rate applied to the attention probabilities and to the output projection.
// They only take effect during training. Default is 0 for both.
func (b *AttentionBuilder) Dropout(attnDropout, projDropout float64) *AttentionBuilder {
	b.attnDropout = attnDropout
	b.projDropout = projDropout
	return b
}

// RoPE applies the rotary position embedding to queries and keys. The sequence length must match the rope grid.
func (b *AttentionBuilder) RoPE(rope *VisionRoPE) *AttentionBuilder {
	b.rope = rope
	return b
}

// Mask restricts which keys each query can attend to: mask is a boolean shaped [seqLen, seqLen],
// true where query (first axis) can attend key (second axis). Each row must have at least one true value.
func (b *AttentionBuilder) Mask(mask *Node) *AttentionBuilder {
	b.mask = mask
	return b
}

// Done builds the attention and returns its output, shaped as x.
func (b *AttentionBuilder) Done() *Node {
	ctx, x := b.ctx, b.x
	if x.Rank() != 3 {
		exceptions.Panicf("window.Attention requires x shaped [batchSize, seqLen, dim], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, seqLen, dim := dims[0], dims[1], dims[2]
	if b.numHeads <= 0 || dim%b.numHeads != 0 {
		exceptions.Panicf("window.Attention: dim %d must be divisible by the number of heads %d", dim, b.numHeads)
	}
	headDim := dim / b.numHeads
	scale := 1.0 / math.Sqrt(float64(headDim))

	qkv := dit.Linear(ctx.In("qkv"), x, 3*dim).UseBias(b.qkvBias).Done()
	qkv = Reshape(qkv, batchSize, seqLen, 3, b.numHeads, headDim)
	qkv = TransposeAllAxes(qkv, 2, 0, 3, 1, 4) // [3, batchSize, numHeads, seqLen, headDim]
	headsDims := []int{batchSize, b.numHeads, seqLen, headDim}
	query := Reshape(SliceAxis(qkv, 0, AxisElem(0)), headsDims...)
	key := Reshape(SliceAxis(qkv, 0, AxisElem(1)), headsDims...)
	value := Reshape(SliceAxis(qkv, 0, AxisElem(2)), headsDims...)

	if b.qkNorm {
		query = b.normalizeHeads(ctx.In("q_norm"), query)
		key = b.normalizeHeads(ctx.In("k_norm"), key)
	}
	if b.rope != nil {
		query = b.rope.Apply(query)
		key = b.rope.Apply(key)
	}

	var mask *Node
	if b.mask != nil {
		if b.mask.DType() != dtypes.Bool || b.mask.Rank() != 2 ||
			b.mask.Shape().Dim(0) != seqLen || b.mask.Shape().Dim(1) != seqLen {
			exceptions.Panicf("window.Attention: mask must be a boolean shaped [%d, %d], got %s", seqLen, seqLen, b.mask.Shape())
		}
		mask = BroadcastToDims(Reshape(b.mask, 1, 1, seqLen, seqLen), batchSize, b.numHeads, seqLen, seqLen)
	}

	var output *Node
	if b.fused {
		var dropoutRate *Node
		if b.attnDropout > 0 {
			dropoutRate = Scalar(x.Graph(), query.DType(), b.attnDropout)
		}
		output, _ = attention.Core(ctx.In("attn_dropout"), query, key, value, scale, mask, dropoutRate,
			attention.LayoutBHSD, false, false)
	} else {
		query = MulScalar(query, scale)
		scores := MatMul(query, Transpose(key, 2, 3))
		probs := b.attentionDropout(ctx, MaskedSoftmax(scores, mask, -1))
		output = MatMul(probs, value)
	}

	output = Transpose(output, 1, 2) // [batchSize, seqLen, numHeads, headDim]
	output = Reshape(output, batchSize, seqLen, dim)
	output = dit.Linear(ctx.In("proj"), output, dim).Done()
	return layers.DropoutStatic(ctx.In("proj_dropout"), output, b.projDropout)
}

func (b *AttentionBuilder) normalizeHeads(ctx *context.Context, x *Node) *Node {
	if b.useRMSNorm {
		return layers.RMSNorm(ctx, x).WithEpsilon(dit.NormEpsilon).WithNormalizationAxes(-1).Done()
	}
	return layers.LayerNormalization(ctx, x, -1).
		Epsilon(QKNormEpsilon).
		LearnedGain(true).
		LearnedOffset(true).
		Done()
}

func (b *AttentionBuilder) attentionDropout(ctx *context.Context, probs *Node) *Node {
	return layers.DropoutStatic(ctx.In("attn_dropout"), probs, b.attnDropout)
}
