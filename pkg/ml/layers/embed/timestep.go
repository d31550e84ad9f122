// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embed

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/flashdit/pkg/ml/layers/dit"
)

const (
	// TimestepFrequencyDim is the size of the sinusoidal features fed to the timestep MLP.
	TimestepFrequencyDim = 256

	// TimestepMaxPeriod controls the minimum frequency of the sinusoidal features.
	TimestepMaxPeriod = 10000.0

	// ConditioningInitStddev is the standard deviation of the normal initialization of the
	// timestep MLP weights and of the label embedding table.
	ConditioningInitStddev = 0.02
)

// TimestepFrequencies returns the sinusoidal features of the (possibly fractional) timesteps t, shaped [batchSize],
// as a tensor shaped [batchSize, dim].
//
// The first dim/2 features are cos(t*f_i) and the next dim/2 are sin(t*f_i), with f_i = maxPeriod^(-i/(dim/2)).
// If dim is odd, a last column of zeros is appended.
//
// Integer timesteps are converted to float32, float timesteps keep their dtype.
func TimestepFrequencies(t *Node, dim int, maxPeriod float64) *Node {
	if t.Rank() != 1 {
		exceptions.Panicf("embed.TimestepFrequencies requires timesteps shaped [batchSize], got %s", t.Shape())
	}
	if dim < 2 {
		exceptions.Panicf("embed.TimestepFrequencies requires dim >= 2, got %d", dim)
	}
	g := t.Graph()
	if !t.DType().IsFloat() {
		t = ConvertDType(t, dtypes.Float32)
	}
	dtype := t.DType()
	batchSize := t.Shape().Dimensions[0]

	half := dim / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = math.Exp(-math.Log(maxPeriod) * float64(i) / float64(half))
	}
	args := Mul(Reshape(t, batchSize, 1), Reshape(ConstAsDType(g, dtype, freqs), 1, half))
	embedding := Concatenate([]*Node{Cos(args), Sin(args)}, -1)
	if dim%2 == 1 {
		embedding = Concatenate([]*Node{embedding, Zeros(g, shapes.Make(dtype, batchSize, 1))}, -1)
	}
	return embedding
}

// TimestepEmbedding embeds the diffusion timesteps t, shaped [batchSize], into vectors shaped [batchSize, hiddenSize]:
// sinusoidal features (TimestepFrequencyDim of them) followed by Linear, SiLU, Linear.
//
// Both linear layers have their weights initialized with a normal distribution (stddev ConditioningInitStddev)
// and zero biases. They are created under the scopes "linear_1" and "linear_2".
func TimestepEmbedding(ctx *context.Context, t *Node, hiddenSize int, dtype dtypes.DType) *Node {
	freqs := TimestepFrequencies(t, TimestepFrequencyDim, TimestepMaxPeriod)
	if freqs.DType() != dtype {
		freqs = ConvertDType(freqs, dtype)
	}
	initializer := initializers.RandomNormalFn(ctx, ConditioningInitStddev)
	x := dit.Linear(ctx.In("linear_1"), freqs, hiddenSize).WeightsInitializer(initializer).Done()
	x = activations.Swish(x)
	return dit.Linear(ctx.In("linear_2"), x, hiddenSize).WeightsInitializer(initializer).Done()
}
