// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowtrain

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"

	_ "github.com/gomlx/gomlx/backends/default"
)

// tinyContext configures a 2-block model over 8x8x4 inputs (a 4x4 grid of tokens in 2x2 windows),
// and a small synthetic dataset of 4 classes.
func tinyContext() *context.Context {
	ctx := CreateDefaultContext()
	must.M(ctx.SetRNGStateFromSeed(42))
	ctx.SetParams(map[string]any{
		flashdit.ParamInputSize:  8,
		flashdit.ParamInChannels: 4,
		flashdit.ParamPatchSize:  2,
		flashdit.ParamHiddenSize: 32,
		flashdit.ParamDepth:      2,
		flashdit.ParamNumHeads:   2,
		flashdit.ParamNumClasses: 4,
		flashdit.ParamWindowSize: 2,

		ParamSyntheticExamples: 64,
		ParamSyntheticClasses:  4,
		ParamSyntheticNoise:    0.05,
		ParamBatchSize:         16,
		ParamEvalBatchSize:     32,
		ParamSampleSteps:       3,
		ParamNumSamples:        4,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 3e-3,
	})
	return ctx
}

func TestSettings(t *testing.T) {
	ctx := CreateDefaultContext()
	paramsSet, err := commandline.ParseContextSettings(ctx,
		"flashdit_preset=FlashDiT-B/2;flashdit_input_size=16;flashdit_use_rope=true;cfg_scale=4.0;sampler=midpoint")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 5)

	model := flashdit.NewFromContext(ctx)
	assert.Equal(t, 12, model.Depth)
	assert.Equal(t, 768, model.HiddenSize)
	assert.Equal(t, 16, model.InputSize)
	assert.Equal(t, 32, model.InChannels, "unset sizes keep the default")
	assert.True(t, model.UseRoPE)
	require.NoError(t, model.Validate())

	assert.Equal(t, 4.0, context.GetParamOr(ctx, ParamCFGScale, 0.0))
	assert.Equal(t, SamplerMidpoint, context.GetParamOr(ctx, ParamSampler, ""))

	_, err = commandline.ParseContextSettings(ctx, "flashdit_depth=two")
	require.Error(t, err)
}

func TestSyntheticData(t *testing.T) {
	images, labels := SyntheticData(10, 3, 2, 4, 0, 7)
	assert.Equal(t, []int{10, 2, 4, 4}, images.Shape().Dimensions)
	assert.Equal(t, []int{10}, labels.Shape().Dimensions)
	assert.Equal(t, []int32{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}, tensors.MustCopyFlatData[int32](labels))

	// Without noise, examples of the same class are identical and different classes differ.
	values := tensors.MustCopyFlatData[float32](images)
	exampleSize := 2 * 4 * 4
	example := func(ii int) []float32 { return values[ii*exampleSize : (ii+1)*exampleSize] }
	assert.Equal(t, example(0), example(3))
	assert.NotEqual(t, example(0), example(1))
	for _, v := range values {
		require.LessOrEqual(t, v, float32(1))
		require.GreaterOrEqual(t, v, float32(-1))
	}

	// Deterministic for a seed.
	noisy1, _ := SyntheticData(4, 2, 2, 4, 0.1, 11)
	noisy2, _ := SyntheticData(4, 2, 2, 4, 0.1, 11)
	noisy3, _ := SyntheticData(4, 2, 2, 4, 0.1, 12)
	assert.Equal(t, tensors.MustCopyFlatData[float32](noisy1), tensors.MustCopyFlatData[float32](noisy2))
	assert.NotEqual(t, tensors.MustCopyFlatData[float32](noisy1), tensors.MustCopyFlatData[float32](noisy3))
}

func TestDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("SaveAndLoad", func(t *testing.T) {
		prefix := path.Join(t.TempDir(), "train")
		images, labels := SyntheticData(6, 2, 4, 8, 0.1, 3)
		require.NoError(t, SaveDataset(prefix, images, labels))

		loadedImages, loadedLabels, err := LoadDataset(prefix)
		require.NoError(t, err)
		assert.Equal(t, tensors.MustCopyFlatData[float32](images), tensors.MustCopyFlatData[float32](loadedImages))
		assert.Equal(t, tensors.MustCopyFlatData[int32](labels), tensors.MustCopyFlatData[int32](loadedLabels))

		ctx := tinyContext()
		ctx.SetParam(ParamDataset, prefix)
		ds, err := CreateDataset(backend, ctx, flashdit.NewFromContext(ctx))
		require.NoError(t, err)
		assert.Equal(t, 6, ds.NumExamples())
	})

	t.Run("Errors", func(t *testing.T) {
		_, _, err := LoadDataset(path.Join(t.TempDir(), "missing"))
		require.Error(t, err)

		prefix := path.Join(t.TempDir(), "bad")
		images, _ := SyntheticData(6, 2, 4, 8, 0.1, 3)
		require.NoError(t, SaveDataset(prefix, images, tensors.FromValue([]int32{0, 1, 0})))
		_, _, err = LoadDataset(prefix)
		require.Error(t, err, "labels don't match the number of images")

		// Images don't match the model input size.
		prefix = path.Join(t.TempDir(), "small")
		images, labels := SyntheticData(6, 2, 4, 4, 0.1, 3)
		require.NoError(t, SaveDataset(prefix, images, labels))
		ctx := tinyContext()
		ctx.SetParam(ParamDataset, prefix)
		_, err = CreateDataset(backend, ctx, flashdit.NewFromContext(ctx))
		require.Error(t, err)
	})
}

func TestTrainingReducesLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext()
	model := flashdit.NewFromContext(ctx)
	ds := must.M1(CreateDataset(backend, ctx, model))
	ds.Shuffle().Infinite(true).BatchSize(16, true)
	trainer := NewTrainer(backend, ctx, model)

	const numSteps = 150
	losses := make([]float64, 0, numSteps)
	for range numSteps {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		metrics, err := trainer.TrainStep(spec, inputs, labels)
		require.NoError(t, err)
		losses = append(losses, float64(metrics[0].Value().(float32)))
	}
	mean := func(values []float64) (m float64) {
		for _, v := range values {
			m += v
		}
		return m / float64(len(values))
	}
	first, last := mean(losses[:10]), mean(losses[numSteps-10:])
	t.Logf("mean loss: first 10 steps %.4f, last 10 steps %.4f", first, last)
	assert.Less(t, last, first)
	assert.Equal(t, int64(numSteps), optimizers.GetGlobalStep(ctx))
}

func TestSampler(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The untrained model predicts zero velocity: samples are the initial noise.
	for _, method := range []string{SamplerEuler, SamplerMidpoint} {
		for _, cfgScale := range []float64{1.0, 4.0} {
			ctx := tinyContext()
			model := flashdit.NewFromContext(ctx)
			sampler := NewSampler(backend, ctx, model).Method(method).CFGScale(cfgScale).ProgressBar(false)
			noise, err := sampler.GenerateNoise(4, 1)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 4, 8, 8}, noise.Shape().Dimensions)
			samples, err := sampler.Sample(noise, Labels(4, model.NumClasses))
			require.NoError(t, err, "method=%s, cfgScale=%g", method, cfgScale)
			assert.Equal(t, noise.Shape(), samples.Shape())
			assert.Equal(t, tensors.MustCopyFlatData[float32](noise), tensors.MustCopyFlatData[float32](samples),
				"method=%s, cfgScale=%g", method, cfgScale)
		}
	}

	t.Run("Noise", func(t *testing.T) {
		ctx := tinyContext()
		sampler := NewSampler(backend, ctx, flashdit.NewFromContext(ctx))
		noise1 := must.M1(sampler.GenerateNoise(2, 7))
		noise2 := must.M1(sampler.GenerateNoise(2, 7))
		noise3 := must.M1(sampler.GenerateNoise(2, 8))
		assert.Equal(t, tensors.MustCopyFlatData[float32](noise1), tensors.MustCopyFlatData[float32](noise2))
		assert.NotEqual(t, tensors.MustCopyFlatData[float32](noise1), tensors.MustCopyFlatData[float32](noise3))
	})

	t.Run("Errors", func(t *testing.T) {
		ctx := tinyContext()
		model := flashdit.NewFromContext(ctx)
		noise := must.M1(NewSampler(backend, ctx, model).GenerateNoise(2, 1))
		_, err := NewSampler(backend, ctx, model).Method("rk4").ProgressBar(false).Sample(noise, Labels(2, 4))
		require.Error(t, err)
		_, err = NewSampler(backend, ctx, model).Steps(0).ProgressBar(false).Sample(noise, Labels(2, 4))
		require.Error(t, err)
		_, err = NewSampler(backend, ctx, model).ProgressBar(false).Sample(noise, Labels(3, 4))
		require.Error(t, err)
		model.WithClasses(4, 0)
		_, err = NewSampler(backend, ctx, model).CFGScale(2).ProgressBar(false).Sample(noise, Labels(2, 4))
		require.Error(t, err, "guidance requires a null class")
	})
}

func TestGridImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	samples, _ := SyntheticData(5, 5, 1, 8, 0.1, 1)
	images, err := ToDisplayImages(backend, samples)
	require.NoError(t, err)
	require.Len(t, images, 5)
	assert.Equal(t, 8, images[0].Bounds().Dx())

	// 5 images of 8x8 are scaled to 64x64 in a 3x2 grid.
	grid := GridImage(images)
	assert.Equal(t, 3*(64+gridPadding)+gridPadding, grid.Bounds().Dx())
	assert.Equal(t, 2*(64+gridPadding)+gridPadding, grid.Bounds().Dy())

	_, err = ToDisplayImages(backend, tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
}

func TestTrainAndGenerate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	checkpointDir := path.Join(t.TempDir(), "model")

	ctx := tinyContext()
	ctx.SetParam(ParamTrainSteps, 5)
	require.NoError(t, TrainModel(backend, ctx, checkpointDir, nil, true, -1))
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(ctx))

	// Generate from the checkpoint with a fresh context: the model hyperparameters are loaded from it.
	ctx = CreateDefaultContext()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, "samples_png=grid.png;sample_steps=2;num_samples=4"))
	samples, err := GenerateSamples(backend, ctx, checkpointDir, paramsSet, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 8, 8}, samples.Shape().Dimensions)

	loaded, err := tensors.Load(path.Join(checkpointDir, "samples.tensor"))
	require.NoError(t, err)
	assert.Equal(t, samples.Shape(), loaded.Shape())
	info, err := os.Stat(path.Join(checkpointDir, "grid.png"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	// Training further resumes from the checkpoint.
	ctx = CreateDefaultContext()
	paramsSet = must.M1(commandline.ParseContextSettings(ctx, "train_steps=7"))
	require.NoError(t, TrainModel(backend, ctx, checkpointDir, paramsSet, false, -1))
	assert.Equal(t, int64(7), optimizers.GetGlobalStep(ctx))
}
