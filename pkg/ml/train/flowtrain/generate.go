// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowtrain

import (
	"fmt"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"
)

// GenerateSamples samples from the model stored in checkpointPath (or from an untrained model if
// checkpointPath is empty), with the sampling hyperparameters in the context.
//
// The samples are saved as a tensor to samples_output and, if samples_png is set, as a grid of images.
// Relative output paths are taken relative to the checkpoint directory, if there is one.
// Labels cycle over the classes of the model, up to synthetic_classes.
func GenerateSamples(backend backends.Backend, ctx *context.Context, checkpointPath string, paramsSet []string,
	verbosity int) (samples *tensors.Tensor, err error) {
	checkpoint, err := AttachCheckpoint(ctx, checkpointPath, paramsSet)
	if err != nil {
		return nil, err
	}
	model := flashdit.NewFromContext(ctx)
	if err = model.Validate(); err != nil {
		return nil, err
	}

	numSamples := context.GetParamOr(ctx, ParamNumSamples, 8)
	numClasses := min(context.GetParamOr(ctx, ParamSyntheticClasses, 10), model.NumClasses)
	sampler := NewSampler(backend, ctx, model).ProgressBar(verbosity >= 0)
	noise, err := sampler.GenerateNoise(numSamples, int64(context.GetParamOr(ctx, ParamSeed, 42)))
	if err != nil {
		return nil, err
	}
	samples, err = sampler.Sample(noise, Labels(numSamples, numClasses))
	if err != nil {
		return nil, err
	}

	outputPath := func(filePath string) string {
		if checkpoint == nil || path.IsAbs(filePath) {
			return filePath
		}
		return path.Join(checkpoint.Dir(), filePath)
	}
	if filePath := context.GetParamOr(ctx, ParamSamplesOutput, ""); filePath != "" {
		filePath = outputPath(filePath)
		if err = samples.Save(filePath); err != nil {
			return nil, errors.WithMessagef(err, "saving samples to %q", filePath)
		}
		klog.Infof("Saved %d samples shaped %s to %q", numSamples, samples.Shape(), filePath)
	}
	if filePath := context.GetParamOr(ctx, ParamSamplesPNG, ""); filePath != "" {
		filePath = outputPath(filePath)
		if err = SaveGrid(backend, samples, filePath); err != nil {
			return nil, err
		}
		if verbosity >= 1 {
			fmt.Printf("Samples grid: %q\n", filePath)
		}
	}
	return samples, nil
}
