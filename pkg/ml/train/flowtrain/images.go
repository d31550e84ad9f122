// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowtrain

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// MinGridCellSize is the minimum size in pixels of each sample in the PNG grid: smaller samples
// are scaled up by an integer factor.
const MinGridCellSize = 64

// gridPadding in pixels between the samples of the grid.
const gridPadding = 2

// ToDisplayImages converts samples shaped [numSamples, channels, height, width] to images.
//
// The first 3 channels are used as RGB: samples with fewer channels repeat their last channel.
// Each sample is min-max normalized to [0, 1] independently.
func ToDisplayImages(backend backends.Backend, samples *tensors.Tensor) (images []image.Image, err error) {
	if samples.Rank() != 4 {
		return nil, errors.Errorf("samples must be shaped [numSamples, channels, height, width], got %s", samples.Shape())
	}
	var rgb *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		rgb = MustExecOnce(backend, toDisplayGraph, samples)
		images = timage.ToImage().MaxValue(1.0).Batch(rgb)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "converting samples to images")
	}
	return images, nil
}

// toDisplayGraph returns the samples as Float32 RGB images shaped [numSamples, height, width, 3] with values in [0, 1].
func toDisplayGraph(samples *Node) *Node {
	samples = ConvertDType(samples, dtypes.Float32)
	numChannels := samples.Shape().Dim(1)
	channels := make([]*Node, 3)
	for ii := range channels {
		channel := min(ii, numChannels-1)
		channels[ii] = SliceAxis(samples, 1, AxisElem(channel))
	}
	rgb := Concatenate(channels, 1)
	rgb = TransposeAllAxes(rgb, 0, 2, 3, 1)

	minValue := ReduceAndKeep(rgb, ReduceMin, 1, 2, 3)
	maxValue := ReduceAndKeep(rgb, ReduceMax, 1, 2, 3)
	valueRange := Max(Sub(maxValue, minValue), Scalar(rgb.Graph(), dtypes.Float32, 1e-6))
	return Div(Sub(rgb, minValue), valueRange)
}

// GridImage arranges the images in a square-ish grid, on a dark background.
// Images are assumed to all have the size of the first one.
func GridImage(images []image.Image) image.Image {
	if len(images) == 0 {
		return imaging.New(1, 1, color.Black)
	}
	size := images[0].Bounds().Size()
	scale := 1
	if smallest := min(size.X, size.Y); smallest < MinGridCellSize {
		scale = (MinGridCellSize + smallest - 1) / smallest
	}
	cellWidth, cellHeight := size.X*scale, size.Y*scale
	numCols := int(math.Ceil(math.Sqrt(float64(len(images)))))
	numRows := (len(images) + numCols - 1) / numCols

	grid := imaging.New(
		numCols*(cellWidth+gridPadding)+gridPadding,
		numRows*(cellHeight+gridPadding)+gridPadding,
		color.NRGBA{R: 16, G: 16, B: 16, A: 255})
	for ii, img := range images {
		if scale > 1 {
			img = imaging.Resize(img, cellWidth, cellHeight, imaging.NearestNeighbor)
		}
		row, col := ii/numCols, ii%numCols
		position := image.Pt(gridPadding+col*(cellWidth+gridPadding), gridPadding+row*(cellHeight+gridPadding))
		grid = imaging.Paste(grid, img, position)
	}
	return grid
}

// SaveGrid saves the samples, shaped [numSamples, channels, height, width], as a grid of images to
// filePath. The format is taken from the file extension (e.g. ".png").
func SaveGrid(backend backends.Backend, samples *tensors.Tensor, filePath string) error {
	images, err := ToDisplayImages(backend, samples)
	if err != nil {
		return err
	}
	if err := imaging.Save(GridImage(images), filePath); err != nil {
		return errors.Wrapf(err, "saving samples grid to %q", filePath)
	}
	return nil
}
