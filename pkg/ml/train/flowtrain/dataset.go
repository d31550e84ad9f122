// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowtrain

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"
)

// File suffixes of a saved dataset: LoadDataset("data/train") reads
// "data/train_images.tensor" and "data/train_labels.tensor".
const (
	ImagesFileSuffix = "_images.tensor"
	LabelsFileSuffix = "_labels.tensor"
)

// SyntheticData generates numExamples class-conditional examples shaped [numExamples, channels, size, size],
// and their labels shaped [numExamples].
//
// Each class has a fixed pattern of sinusoids, different per channel, with values in [-1, 1].
// Examples are their class pattern plus gaussian noise with standard deviation noiseStdDev.
// Labels cycle over the numClasses classes. The output is deterministic for a given seed.
func SyntheticData(numExamples, numClasses, channels, size int, noiseStdDev float64, seed uint64) (images, labels *tensors.Tensor) {
	patterns := make([][]float32, numClasses)
	exampleSize := channels * size * size
	for class := range numClasses {
		pattern := make([]float32, exampleSize)
		freqH := 1 + float64(class%4)
		freqW := 1 + float64((class/4)%4)
		for ch := range channels {
			phase := float64(class)*0.7 + float64(ch)*math.Pi/float64(channels)
			for h := range size {
				for w := range size {
					angleH := 2 * math.Pi * freqH * float64(h) / float64(size)
					angleW := 2 * math.Pi * freqW * float64(w) / float64(size)
					pattern[(ch*size+h)*size+w] = float32(math.Sin(angleH+phase) * math.Cos(angleW-phase))
				}
			}
		}
		patterns[class] = pattern
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	imagesData := make([]float32, numExamples*exampleSize)
	labelsData := make([]int32, numExamples)
	for ii := range numExamples {
		class := ii % numClasses
		labelsData[ii] = int32(class)
		example := imagesData[ii*exampleSize : (ii+1)*exampleSize]
		for jj, value := range patterns[class] {
			example[jj] = value + float32(noiseStdDev*rng.NormFloat64())
		}
	}
	images = tensors.FromFlatDataAndDimensions(imagesData, numExamples, channels, size, size)
	labels = tensors.FromFlatDataAndDimensions(labelsData, numExamples)
	return
}

// LoadDataset loads the images and labels saved with SaveDataset under the given path prefix.
//
// The images must be shaped [numExamples, channels, size, size] and the labels [numExamples]
// with an integer dtype.
func LoadDataset(pathPrefix string) (images, labels *tensors.Tensor, err error) {
	images, err = tensors.Load(pathPrefix + ImagesFileSuffix)
	if err != nil {
		err = errors.WithMessagef(err, "loading dataset images from %q", pathPrefix+ImagesFileSuffix)
		return
	}
	labels, err = tensors.Load(pathPrefix + LabelsFileSuffix)
	if err != nil {
		err = errors.WithMessagef(err, "loading dataset labels from %q", pathPrefix+LabelsFileSuffix)
		return
	}
	if images.Rank() != 4 {
		err = errors.Errorf("dataset images must be shaped [numExamples, channels, size, size], got %s", images.Shape())
		return
	}
	if labels.Rank() != 1 || labels.Shape().Dim(0) != images.Shape().Dim(0) || !labels.DType().IsInt() {
		err = errors.Errorf("dataset labels must be integers shaped [%d], got %s", images.Shape().Dim(0), labels.Shape())
		return
	}
	return
}

// SaveDataset saves images and labels under the given path prefix, to be read by LoadDataset.
func SaveDataset(pathPrefix string, images, labels *tensors.Tensor) error {
	if err := images.Save(pathPrefix + ImagesFileSuffix); err != nil {
		return errors.WithMessagef(err, "saving dataset images to %q", pathPrefix+ImagesFileSuffix)
	}
	if err := labels.Save(pathPrefix + LabelsFileSuffix); err != nil {
		return errors.WithMessagef(err, "saving dataset labels to %q", pathPrefix+LabelsFileSuffix)
	}
	return nil
}

// CreateDataset creates the in-memory dataset configured in the context (see ParamDataset),
// and checks that it matches the model input.
//
// The dataset yields the inputs [images, labels], and the class labels again as its labels: the
// training targets are generated in the graph.
func CreateDataset(backend backends.Backend, ctx *context.Context, model *flashdit.Model) (*datasets.InMemoryDataset, error) {
	var images, labels *tensors.Tensor
	source := context.GetParamOr(ctx, ParamDataset, SyntheticDataset)
	if source == SyntheticDataset {
		numClasses := min(context.GetParamOr(ctx, ParamSyntheticClasses, 10), model.NumClasses)
		images, labels = SyntheticData(
			context.GetParamOr(ctx, ParamSyntheticExamples, 512), numClasses,
			model.InChannels, model.InputSize,
			context.GetParamOr(ctx, ParamSyntheticNoise, 0.1),
			uint64(context.GetParamOr(ctx, ParamSeed, 42)))
		klog.V(1).Infof("synthetic dataset with %d examples of %d classes", images.Shape().Dim(0), numClasses)
	} else {
		var err error
		images, labels, err = LoadDataset(source)
		if err != nil {
			return nil, err
		}
	}

	dims := images.Shape().Dimensions
	if dims[1] != model.InChannels || dims[2] != model.InputSize || dims[3] != model.InputSize {
		return nil, errors.Errorf("dataset %q images shaped %s don't match the model input [*, %d, %d, %d]",
			source, images.Shape(), model.InChannels, model.InputSize, model.InputSize)
	}
	if !images.DType().IsFloat() {
		return nil, errors.Errorf("dataset %q images must be a float dtype, got %s", source, images.DType())
	}
	ds, err := datasets.InMemoryFromData(backend, "flashdit-"+source, []any{images, labels}, []any{labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating in-memory dataset %q", source)
	}
	return ds, nil
}
