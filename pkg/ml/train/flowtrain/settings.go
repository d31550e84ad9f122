// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flowtrain trains FlashDiT models with a rectified-flow objective, and samples from them
// by integrating the learned velocity field.
//
// All the configuration is stored in the context hyperparameters: see CreateDefaultContext.
package flowtrain

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/janpfeifer/must"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"
)

// Hyperparameter keys of the harness. The model ones are defined in the flashdit package.
const (
	ParamTrainSteps          = "train_steps"
	ParamBatchSize           = "batch_size"
	ParamEvalBatchSize       = "eval_batch_size"
	ParamNumCheckpoints      = "num_checkpoints"
	ParamCheckpointFrequency = "checkpoint_frequency"
	ParamRngReset            = "rng_reset"

	// ParamDataset is either "synthetic" or the path prefix of the saved dataset, see LoadDataset.
	ParamDataset           = "dataset"
	ParamSyntheticExamples = "synthetic_examples"
	ParamSyntheticClasses  = "synthetic_classes"
	ParamSyntheticNoise    = "synthetic_noise"
	ParamSeed              = "seed"

	ParamSampleSteps   = "sample_steps"
	ParamSampler       = "sampler"
	ParamCFGScale      = "cfg_scale"
	ParamNumSamples    = "num_samples"
	ParamSamplesOutput = "samples_output"
	ParamSamplesPNG    = "samples_png"
)

// SyntheticDataset is the value of ParamDataset that selects the generated dataset.
const SyntheticDataset = "synthetic"

// ParamsExcludedFromLoading lists the hyperparameters that are not loaded back from a checkpoint,
// so they can be changed in further training or sampling sessions.
var ParamsExcludedFromLoading = []string{
	ParamTrainSteps, ParamNumCheckpoints, ParamCheckpointFrequency, ParamDataset,
	ParamSampleSteps, ParamSampler, ParamCFGScale, ParamNumSamples, ParamSamplesOutput, ParamSamplesPNG,
}

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel and Sampler.
//
// Every hyperparameter that can be changed from the command line must be listed here, with a value
// of the right type.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamTrainSteps:          10_000,
		ParamBatchSize:           32,
		ParamEvalBatchSize:       64,
		ParamNumCheckpoints:      3,
		ParamCheckpointFrequency: "3m", // See time.ParseDuration.
		ParamRngReset:            true, // Reset the RNG when continuing training.

		// Data: "synthetic" generates class-conditional patterns plus noise.
		ParamDataset:           SyntheticDataset,
		ParamSyntheticExamples: 512,
		ParamSyntheticClasses:  10, // Capped by flashdit_num_classes.
		ParamSyntheticNoise:    0.1,
		ParamSeed:              42,

		// Sampling.
		ParamSampleSteps:   50,
		ParamSampler:       "euler", // "euler" or "midpoint".
		ParamCFGScale:      1.0,     // 1.0 disables classifier-free guidance.
		ParamNumSamples:    8,
		ParamSamplesOutput: "samples.tensor",
		ParamSamplesPNG:    "", // If set, a PNG grid of the first 3 channels is saved there.

		// Model: sizes set to 0 keep the preset (or the default FlashDiT-XL/2) values.
		flashdit.ParamPreset:           "",
		flashdit.ParamInputSize:        0,
		flashdit.ParamPatchSize:        0,
		flashdit.ParamInChannels:       0,
		flashdit.ParamHiddenSize:       0,
		flashdit.ParamDepth:            0,
		flashdit.ParamNumHeads:         0,
		flashdit.ParamNumClasses:       0,
		flashdit.ParamMLPRatio:         4.0,
		flashdit.ParamClassDropoutProb: 0.1,
		flashdit.ParamLearnSigma:       false,
		flashdit.ParamUseQKNorm:        false,
		flashdit.ParamUseSwiGLU:        false,
		flashdit.ParamUseRoPE:          false,
		flashdit.ParamUseRMSNorm:       false,
		flashdit.ParamWoShift:          false,
		flashdit.ParamUseCheckpoint:    false,
		flashdit.ParamWindowSize:       8,
		flashdit.ParamFusedAttn:        true,
		flashdit.ParamAttnDropout:      0.0,
		flashdit.ParamProjDropout:      0.0,
		flashdit.ParamCFGChannels:      3,
		flashdit.ParamCFGInterval:      false,
		flashdit.ParamCFGIntervalStart: 0.0,
		flashdit.ParamDType:            "float32",

		// Training.
		losses.ParamLoss:                    "mse",
		optimizers.ParamOptimizer:           "adamw",
		optimizers.ParamLearningRate:        1e-4,
		optimizers.ParamAdamEpsilon:         1e-7,
		optimizers.ParamAdamDType:           "",
		optimizers.ParamAdamWeightDecay:     0.0,
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamWarmUpSteps:     0,
		cosineschedule.ParamMinLearningRate: 0.0,
		optimizers.ParamClipStepByValue:     0.0,
	})
	return ctx
}
