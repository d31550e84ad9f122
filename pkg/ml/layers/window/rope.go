// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package window

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DefaultRoPETheta is the default base of the rotary frequencies.
const DefaultRoPETheta = 10000.0

// VisionRoPE is a 2D axial rotary position embedding for a grid of GridHeight x GridWidth tokens.
//
// The first half of the head dimension rotates with the token row, and the second half with the token
// column. Within each half, features are rotated in interleaved pairs (x[2i], x[2i+1]) with frequencies
// Theta^(-2i/(HeadDim/2)).
type VisionRoPE struct {
	HeadDim               int
	GridHeight, GridWidth int
	Theta                 float64
}

// NewVisionRoPE creates a VisionRoPE for the given head dimension (must be divisible by 4) and grid,
// with DefaultRoPETheta.
func NewVisionRoPE(headDim, gridHeight, gridWidth int) *VisionRoPE {
	if headDim <= 0 || headDim%4 != 0 {
		exceptions.Panicf("window.NewVisionRoPE requires a head dimension divisible by 4, got %d", headDim)
	}
	if gridHeight <= 0 || gridWidth <= 0 {
		exceptions.Panicf("window.NewVisionRoPE: invalid grid %dx%d", gridHeight, gridWidth)
	}
	return &VisionRoPE{HeadDim: headDim, GridHeight: gridHeight, GridWidth: gridWidth, Theta: DefaultRoPETheta}
}

// WithTheta sets the base of the rotary frequencies.
func (r *VisionRoPE) WithTheta(theta float64) *VisionRoPE {
	r.Theta = theta
	return r
}

// Tables returns the flat cosine and sine tables, each shaped [GridHeight*GridWidth, HeadDim/2] (row-major),
// with one angle per rotated pair, for the tokens of the grid in row-major order.
// The first HeadDim/4 pairs rotate with the token row, the others with the token column.
func (r *VisionRoPE) Tables() (cos, sin []float64) {
	numPairs := r.HeadDim / 2
	numFreqs := numPairs / 2
	freqs := make([]float64, numFreqs)
	for i := range freqs {
		freqs[i] = math.Pow(r.Theta, -float64(2*i)/float64(numPairs))
	}
	numTokens := r.GridHeight * r.GridWidth
	cos = make([]float64, numTokens*numPairs)
	sin = make([]float64, numTokens*numPairs)
	for row := range r.GridHeight {
		for col := range r.GridWidth {
			base := (row*r.GridWidth + col) * numPairs
			for i, freq := range freqs {
				rowAngle, colAngle := float64(row)*freq, float64(col)*freq
				cos[base+i], sin[base+i] = math.Cos(rowAngle), math.Sin(rowAngle)
				cos[base+numFreqs+i], sin[base+numFreqs+i] = math.Cos(colAngle), math.Sin(colAngle)
			}
		}
	}
	return
}

// Apply the rotary embedding to x, shaped [..., GridHeight*GridWidth, HeadDim], where the sequence
// axis enumerates the grid tokens in row-major order.
func (r *VisionRoPE) Apply(x *Node) *Node {
	numTokens := r.GridHeight * r.GridWidth
	if x.Rank() < 2 || x.Shape().Dim(-2) != numTokens || x.Shape().Dim(-1) != r.HeadDim {
		exceptions.Panicf("VisionRoPE.Apply requires x shaped [..., %d, %d], got %s", numTokens, r.HeadDim, x.Shape())
	}
	g := x.Graph()
	cosTable, sinTable := r.Tables()
	cos := Reshape(ConstAsDType(g, x.DType(), cosTable), numTokens, r.HeadDim/2)
	sin := Reshape(ConstAsDType(g, x.DType(), sinTable), numTokens, r.HeadDim/2)
	return pos.NewRoPEWithCosSin(cos, sin).WithInterleaved(true).Encode(x, -2)
}
