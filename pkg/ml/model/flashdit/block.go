// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flashdit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/flashdit/pkg/ml/layers/dit"
	"github.com/gomlx/flashdit/pkg/ml/layers/embed"
	"github.com/gomlx/flashdit/pkg/ml/layers/window"
)

// DepthwiseKernelSize is the kernel size of the convolution branch of the blocks.
const DepthwiseKernelSize = 3

// blockModulation holds the chunks of the adaptive modulation of one block.
// The shifts are nil when the model is configured without shift.
type blockModulation struct {
	shiftMSA, scaleMSA, gateMSA *Node
	shiftMLP, scaleMLP, gateMLP *Node
}

func (m *Model) blockModulation(ctx *context.Context, c *Node) (mod blockModulation) {
	chunks := dit.Modulation(ctx, c, m.numBlockChunks())
	if m.WoShift {
		mod.scaleMSA, mod.gateMSA, mod.scaleMLP, mod.gateMLP = chunks[0], chunks[1], chunks[2], chunks[3]
		return
	}
	mod.shiftMSA, mod.scaleMSA, mod.gateMSA = chunks[0], chunks[1], chunks[2]
	mod.shiftMLP, mod.scaleMLP, mod.gateMLP = chunks[3], chunks[4], chunks[5]
	return
}

// Block applies one FlashDiT block to the tokens x, shaped [batchSize, numTokens, hiddenSize],
// conditioned on c, shaped [batchSize, hiddenSize].
//
// The tokens must form a square grid. The token mixing branch adds a 3x3 depthwise convolution and
// an attention over dilated windows of the grid, and it is followed by the feed-forward branch.
// Both branches are gated residuals modulated by c.
func (m *Model) Block(ctx *context.Context, x, c *Node) *Node {
	if x.Rank() != 3 || x.Shape().Dim(-1) != m.HiddenSize {
		exceptions.Panicf("flashdit.Block requires tokens shaped [batchSize, numTokens, %d], got %s", m.HiddenSize, x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, numTokens, hiddenSize := dims[0], dims[1], dims[2]
	side := embed.GridSide(numTokens)
	mod := m.blockModulation(ctx, c)

	xm := dit.Modulate(dit.Normalize(ctx.In("norm1"), x, m.UseRMSNorm), mod.shiftMSA, mod.scaleMSA)
	grid := Reshape(xm, batchSize, side, side, hiddenSize)
	xconv := dit.DepthwiseConv2D(ctx.In("dwconv"), grid, DepthwiseKernelSize)
	xattn := window.Apply(grid, m.WindowHeight, m.WindowWidth, func(sequences *Node) *Node {
		return m.attention(ctx.In("attn"), sequences)
	})
	xcom := Reshape(Add(xconv, xattn), batchSize, numTokens, hiddenSize)
	x = Add(x, dit.Gate(xcom, mod.gateMSA))

	xm = dit.Modulate(dit.Normalize(ctx.In("norm2"), x, m.UseRMSNorm), mod.shiftMLP, mod.scaleMLP)
	ffn := dit.FeedForward(ctx.In("mlp"), xm, m.MLPHiddenDim(), m.UseSwiGLU)
	return Add(x, dit.Gate(ffn, mod.gateMLP))
}

func (m *Model) attention(ctx *context.Context, sequences *Node) *Node {
	attn := window.Attention(ctx, sequences, m.NumHeads).
		QKVBias(true).
		QKNorm(m.UseQKNorm, m.UseRMSNorm).
		Fused(m.FusedAttn).
		Dropout(m.AttnDropout, m.ProjDropout)
	if m.UseRoPE {
		attn.RoPE(window.NewVisionRoPE(m.HeadDim(), m.WindowHeight, m.WindowWidth))
	}
	return attn.Done()
}

// FinalLayer projects the tokens x, shaped [batchSize, numTokens, hiddenSize], to the patches of the
// output, shaped [batchSize, numTokens, patchSize*patchSize*OutChannels()].
//
// Its modulation and projection are zero-initialized, so the untrained model predicts zeros.
func (m *Model) FinalLayer(ctx *context.Context, x, c *Node) *Node {
	chunks := dit.Modulation(ctx, c, 2)
	shift, scale := chunks[0], chunks[1]
	x = dit.Modulate(dit.Normalize(ctx.In("norm_final"), x, m.UseRMSNorm), shift, scale)
	return dit.Linear(ctx.In("linear"), x, m.PatchSize*m.PatchSize*m.OutChannels()).ZeroInit().Done()
}
