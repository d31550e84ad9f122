// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package window implements attention over windows of a 2D grid of tokens: the layout transformations
// to split a grid into windows (Partition, ReverseWindows) and to interleave it (Rearrange, Restore), a multi-head
// self-attention layer and a 2D rotary position embedding for the tokens within a window.
//
// All grids are shaped [batchSize, height, width, channels].
package window

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

func gridDims(op string, x *Node) (batchSize, height, width, channels int) {
	if x.Rank() != 4 {
		exceptions.Panicf("window.%s requires a grid shaped [batchSize, height, width, channels], got %s", op, x.Shape())
	}
	dims := x.Shape().Dimensions
	return dims[0], dims[1], dims[2], dims[3]
}

func checkDivisible(op string, height, width, byHeight, byWidth int) {
	if byHeight <= 0 || byWidth <= 0 {
		exceptions.Panicf("window.%s: invalid window/group dimensions %dx%d", op, byHeight, byWidth)
	}
	if height%byHeight != 0 || width%byWidth != 0 {
		exceptions.Panicf("window.%s: grid %dx%d is not divisible by %dx%d", op, height, width, byHeight, byWidth)
	}
}

// Partition splits x into non-overlapping windows of windowHeight x windowWidth tokens.
// It returns the windows shaped [batchSize*numWindows, windowHeight, windowWidth, channels], ordered
// by batch example and then row-major over the grid of windows.
func Partition(x *Node, windowHeight, windowWidth int) *Node {
	batchSize, height, width, channels := gridDims("Partition", x)
	checkDivisible("Partition", height, width, windowHeight, windowWidth)
	x = Reshape(x, batchSize, height/windowHeight, windowHeight, width/windowWidth, windowWidth, channels)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, -1, windowHeight, windowWidth, channels)
}

// ReverseWindows is the inverse of Partition: it takes windows shaped [batchSize*numWindows, windowHeight, windowWidth, channels]
// and returns the grid shaped [batchSize, height, width, channels].
func ReverseWindows(windows *Node, windowHeight, windowWidth, height, width int) *Node {
	numWindows, wh, ww, channels := gridDims("ReverseWindows", windows)
	if wh != windowHeight || ww != windowWidth {
		exceptions.Panicf("window.ReverseWindows: windows shaped %s don't match window dimensions %dx%d",
			windows.Shape(), windowHeight, windowWidth)
	}
	checkDivisible("ReverseWindows", height, width, windowHeight, windowWidth)
	perExample := (height / windowHeight) * (width / windowWidth)
	if numWindows%perExample != 0 {
		exceptions.Panicf("window.ReverseWindows: %d windows is not a multiple of the %d windows of a %dx%d grid",
			numWindows, perExample, height, width)
	}
	batchSize := numWindows / perExample
	x := Reshape(windows, batchSize, height/windowHeight, width/windowWidth, windowHeight, windowWidth, channels)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height, width, channels)
}

// Rearrange interleaves the grid so that contiguous windows hold dilated (strided) tokens.
//
// With rowGroups = height/windowHeight and colGroups = width/windowWidth, after Rearrange the rows
// [b*windowHeight, (b+1)*windowHeight) hold the input rows r with r % rowGroups == b (in increasing order),
// and similarly for the columns. So Partition(Rearrange(x, rowGroups, colGroups), windowHeight, windowWidth)
// yields windows that each span the whole grid with a stride of (rowGroups, colGroups).
//
// Restore is its inverse.
func Rearrange(x *Node, rowGroups, colGroups int) *Node {
	batchSize, height, width, channels := gridDims("Rearrange", x)
	checkDivisible("Rearrange", height, width, rowGroups, colGroups)
	x = Reshape(x, batchSize, height/rowGroups, rowGroups, width, channels)
	x = Transpose(x, 1, 2)
	x = Reshape(x, batchSize, height, width, channels)
	x = Reshape(x, batchSize, height, width/colGroups, colGroups, channels)
	x = Transpose(x, 2, 3)
	return Reshape(x, batchSize, height, width, channels)
}

// Restore is the inverse of Rearrange.
func Restore(x *Node, rowGroups, colGroups int) *Node {
	batchSize, height, width, channels := gridDims("Restore", x)
	checkDivisible("Restore", height, width, rowGroups, colGroups)
	x = Reshape(x, batchSize, height, colGroups, width/colGroups, channels)
	x = Transpose(x, 2, 3)
	x = Reshape(x, batchSize, height, width, channels)
	x = Reshape(x, batchSize, rowGroups, height/rowGroups, width, channels)
	x = Transpose(x, 1, 2)
	return Reshape(x, batchSize, height, width, channels)
}

// Apply runs fn over the dilated windows of the grid x: it rearranges x (see Rearrange), partitions it
// in windows of windowHeight x windowWidth, flattens each window into a sequence, and calls fn with a
// tensor shaped [batchSize*numWindows, windowHeight*windowWidth, channels].
//
// fn must return a tensor of the same shape, which is put back in place (ReverseWindows and Restore).
// The result is shaped like x.
func Apply(x *Node, windowHeight, windowWidth int, fn func(sequences *Node) *Node) *Node {
	_, height, width, channels := gridDims("Apply", x)
	checkDivisible("Apply", height, width, windowHeight, windowWidth)
	rowGroups, colGroups := height/windowHeight, width/windowWidth
	windows := Partition(Rearrange(x, rowGroups, colGroups), windowHeight, windowWidth)
	sequences := Reshape(windows, -1, windowHeight*windowWidth, channels)
	output := fn(sequences)
	if !output.Shape().EqualDimensions(sequences.Shape()) {
		exceptions.Panicf("window.Apply: fn must preserve the shape %s of the sequences, got %s",
			sequences.Shape(), output.Shape())
	}
	windows = Reshape(output, -1, windowHeight, windowWidth, channels)
	return Restore(ReverseWindows(windows, windowHeight, windowWidth, height, width), rowGroups, colGroups)
}
