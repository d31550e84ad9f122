// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flashdit

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/flashdit/pkg/ml/layers/embed"
)

// Forward builds the FlashDiT prediction for the inputs x, shaped [batchSize, InChannels, InputSize, InputSize],
// at timesteps t (shaped [batchSize], may be fractional) and with class labels y (shaped [batchSize]).
//
// forceDropIDs is optional (nil): if given, shaped [batchSize], the labels where it is 1 are replaced
// by the null class, in training or inference. Without it, labels are dropped at random with
// probability ClassDropoutProb during training only.
//
// The output is shaped like x. With LearnSigma set, the variance channels are discarded: see ForwardFull.
func (m *Model) Forward(ctx *context.Context, x, t, y, forceDropIDs *Node) *Node {
	output := m.ForwardFull(ctx, x, t, y, forceDropIDs)
	if m.LearnSigma {
		output = SliceAxis(output, 1, AxisRange(0, m.InChannels))
	}
	return output
}

// ForwardFull is like Forward, but it returns all the OutChannels() channels of the prediction.
func (m *Model) ForwardFull(ctx *context.Context, x, t, y, forceDropIDs *Node) *Node {
	if err := m.Validate(); err != nil {
		exceptions.Panicf("flashdit: cannot build invalid model %s: %v", m, err)
	}
	m.checkInputs(x, t, y, forceDropIDs)
	g := x.Graph()
	if x.DType() != m.DType {
		x = ConvertDType(x, m.DType)
	}
	if !y.DType().IsInt() {
		y = ConvertDType(y, dtypes.Int32)
	}
	klog.V(1).Infof("building %s: %d parameters, use_checkpoint=%v, training=%v",
		m, m.NumParameters(), m.UseCheckpoint, ctx.IsTraining(g))

	tokens := embed.PatchEmbed(ctx.In("x_embedder"), x, m.PatchSize, m.HiddenSize)
	c := Add(
		embed.TimestepEmbedding(ctx.In("t_embedder"), t, m.HiddenSize, m.DType),
		embed.LabelEmbedding(ctx.In("y_embedder"), y, m.NumClasses, m.HiddenSize, m.ClassDropoutProb, forceDropIDs, m.DType))

	blocksCtx := ctx.In("blocks")
	for ii := range m.Depth {
		tokens = m.Block(blocksCtx.Inf("block_%03d", ii), tokens, c)
	}
	tokens = m.FinalLayer(ctx.In("final_layer"), tokens, c)
	return embed.Unpatchify(tokens, m.PatchSize, m.OutChannels())
}

func (m *Model) checkInputs(x, t, y, forceDropIDs *Node) {
	if x.Rank() != 4 || x.Shape().Dim(1) != m.InChannels || x.Shape().Dim(2) != m.InputSize || x.Shape().Dim(3) != m.InputSize {
		exceptions.Panicf("flashdit: x must be shaped [batchSize, %d, %d, %d], got %s",
			m.InChannels, m.InputSize, m.InputSize, x.Shape())
	}
	batchSize := x.Shape().Dim(0)
	if t.Rank() != 1 || t.Shape().Dim(0) != batchSize {
		exceptions.Panicf("flashdit: timesteps must be shaped [%d], got %s", batchSize, t.Shape())
	}
	if y.Rank() != 1 || y.Shape().Dim(0) != batchSize {
		exceptions.Panicf("flashdit: labels must be shaped [%d], got %s", batchSize, y.Shape())
	}
	if forceDropIDs != nil && (forceDropIDs.Rank() != 1 || forceDropIDs.Shape().Dim(0) != batchSize) {
		exceptions.Panicf("flashdit: forceDropIDs must be shaped [%d], got %s", batchSize, forceDropIDs.Shape())
	}
}

// ForwardWithCFG builds the prediction with classifier-free guidance.
//
// The batch holds the conditional examples in its first half and the unconditional ones (labels set to
// the null class) in its second half: only the first half of x is used, duplicated. The first CFGChannels
// channels of the prediction are guided, uncond + cfgScale*(cond - uncond), and the guided values are
// returned for both halves. The remaining channels are returned unchanged.
//
// If CFGInterval is set and the first timestep t[0] is below CFGIntervalStart, the conditional prediction
// is used instead of the guided one, for the whole batch.
func (m *Model) ForwardWithCFG(ctx *context.Context, x, t, y *Node, cfgScale float64) *Node {
	if x.Rank() == 0 || x.Shape().Dim(0)%2 != 0 {
		exceptions.Panicf("flashdit.ForwardWithCFG requires an even batch size, got x shaped %s", x.Shape())
	}
	half := x.Shape().Dim(0) / 2
	x = SliceAxis(x, 0, AxisRange(0, half))
	x = Concatenate([]*Node{x, x}, 0)
	output := m.Forward(ctx, x, t, y, nil)

	numChannels := output.Shape().Dim(1)
	if m.CFGChannels <= 0 || m.CFGChannels > numChannels {
		exceptions.Panicf("flashdit.ForwardWithCFG: cannot guide %d channels of a prediction with %d channels",
			m.CFGChannels, numChannels)
	}
	eps := SliceAxis(output, 1, AxisRange(0, m.CFGChannels))
	condEps := SliceAxis(eps, 0, AxisRange(0, half))
	uncondEps := SliceAxis(eps, 0, AxisRange(half))
	halfEps := Add(uncondEps, MulScalar(Sub(condEps, uncondEps), cfgScale))
	if m.CFGInterval {
		g := x.Graph()
		firstT := Reshape(SliceAxis(t, 0, AxisElem(0)))
		firstT = ConvertDType(firstT, halfEps.DType())
		beforeInterval := LessThan(firstT, Scalar(g, halfEps.DType(), m.CFGIntervalStart))
		beforeInterval = BroadcastToDims(beforeInterval, halfEps.Shape().Dimensions...)
		halfEps = Where(beforeInterval, condEps, halfEps)
	}
	eps = Concatenate([]*Node{halfEps, halfEps}, 0)
	if m.CFGChannels == numChannels {
		return eps
	}
	rest := SliceAxis(output, 1, AxisRange(m.CFGChannels))
	return Concatenate([]*Node{eps, rest}, 1)
}
