// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embed

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DropLabels replaces labels by the null class (numClasses) for classifier-free guidance.
//
// labels is shaped [batchSize] with an integer dtype. The returned labels have the same shape and dtype.
//
//   - If forceDropIDs is not nil (same shape as labels), labels where forceDropIDs == 1 are dropped,
//     in training or inference, and the rest are kept.
//   - Otherwise, in training mode with dropoutProb > 0, each label is dropped independently with probability dropoutProb.
//   - Otherwise, labels are returned unchanged.
func DropLabels(ctx *context.Context, labels *Node, numClasses int, dropoutProb float64, forceDropIDs *Node) *Node {
	g := labels.Graph()
	var drop *Node
	if forceDropIDs != nil {
		if !forceDropIDs.Shape().EqualDimensions(labels.Shape()) {
			exceptions.Panicf("embed.DropLabels: forceDropIDs shape %s doesn't match labels shape %s",
				forceDropIDs.Shape(), labels.Shape())
		}
		drop = Equal(forceDropIDs, Scalar(g, forceDropIDs.DType(), 1))
	} else if dropoutProb > 0 && ctx.IsTraining(g) {
		random := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, labels.Shape().Dimensions...))
		drop = LessThan(random, Scalar(g, dtypes.Float32, dropoutProb))
	} else {
		return labels
	}
	return Where(drop, Scalar(g, labels.DType(), numClasses), labels)
}

// LabelEmbedding embeds class labels, shaped [batchSize], into vectors shaped [batchSize, hiddenSize].
//
// If dropoutProb > 0 the table has an extra row for the null class (index numClasses), used for
// classifier-free guidance: see DropLabels for when labels are dropped.
// Forcing drops (forceDropIDs != nil) requires dropoutProb > 0, since otherwise there is no null class.
//
// The table is the variable "embeddings" under the scope "embedding_table", initialized with a normal
// distribution (stddev ConditioningInitStddev).
func LabelEmbedding(ctx *context.Context, labels *Node, numClasses, hiddenSize int, dropoutProb float64,
	forceDropIDs *Node, dtype dtypes.DType) *Node {
	if labels.Rank() != 1 || !labels.DType().IsInt() {
		exceptions.Panicf("embed.LabelEmbedding requires integer labels shaped [batchSize], got %s", labels.Shape())
	}
	tableSize := numClasses
	if dropoutProb > 0 {
		tableSize++
	}
	if forceDropIDs != nil && dropoutProb <= 0 {
		exceptions.Panicf("embed.LabelEmbedding: forcing label drops requires a class dropout probability > 0 " +
			"(the null class embedding is only created in that case)")
	}
	labels = DropLabels(ctx, labels, numClasses, dropoutProb, forceDropIDs)
	ctx = ctx.In("embedding_table").WithInitializer(initializers.RandomNormalFn(ctx, ConditioningInitStddev))
	// The explicit trailing axis keeps a batch of 1 from being taken as a single index.
	return layers.Embedding(ctx, InsertAxes(labels, -1), dtype, tableSize, hiddenSize)
}
