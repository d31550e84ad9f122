// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dit

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestLinear(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) (*Node, *Node) {
		y := Linear(ctx.In("a"), x, 5).Done()
		z := Linear(ctx.In("b"), x, 7).ZeroInit().Done()
		return y, z
	})
	x := make([][][]float32, 2)
	for i := range x {
		x[i] = [][]float32{{1, 2, 3, 4}, {-1, -2, -3, -4}, {0.5, 0.5, 0.5, 0.5}}
	}
	y, z := exec.MustExec2(x)
	require.NoError(t, y.Shape().CheckDims(2, 3, 5))
	require.NoError(t, z.Shape().CheckDims(2, 3, 7))
	for _, v := range tensors.MustCopyFlatData[float32](z) {
		require.Equal(t, float32(0), v)
	}

	weights := ctx.GetVariableByScopeAndName("/a/dense", "weights")
	require.NotNil(t, weights)
	require.NoError(t, weights.Shape().CheckDims(4, 5))
	biases := ctx.GetVariableByScopeAndName("/a/dense", "biases")
	require.NotNil(t, biases)
	require.NoError(t, biases.Shape().CheckDims(5))
	for _, v := range tensors.MustCopyFlatData[float32](biases.MustValue()) {
		require.Equal(t, float32(0), v)
	}

	// Glorot uniform bound for fanIn=4, fanOut=5.
	limit := float32(math.Sqrt(6.0 / 9.0))
	for _, v := range tensors.MustCopyFlatData[float32](weights.MustValue()) {
		require.LessOrEqual(t, float32(math.Abs(float64(v))), limit)
	}
}

func TestModulate(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Modulate", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1, 2}, {3, 4}}})
		shift := Const(g, [][]float32{{10, 20}})
		scale := Const(g, [][]float32{{1, -1}})
		inputs = []*Node{x, shift, scale}
		outputs = []*Node{
			Modulate(x, shift, scale),
			Modulate(x, nil, scale),
			Gate(x, scale),
		}
		return
	}, []any{
		[][][]float32{{{12, 20}, {16, 20}}},
		[][][]float32{{{2, 0}, {6, 0}}},
		[][][]float32{{{1, -2}, {3, -4}}},
	}, 1e-6)
}

func TestModulationStartsAsIdentity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x, c *Node) []*Node {
		chunks := Modulation(ctx, c, 3)
		shift, scale, gate := chunks[0], chunks[1], chunks[2]
		return []*Node{Modulate(x, shift, scale), Gate(x, gate), shift}
	})
	x := [][][]float32{{{1, 2, 3}, {4, 5, 6}}}
	c := [][]float32{{0.3, -0.7, 2}}
	outputs := exec.MustExec(x, c)
	require.Equal(t, x, outputs[0].Value())
	require.Equal(t, [][][]float32{{{0, 0, 0}, {0, 0, 0}}}, outputs[1].Value())
	require.NoError(t, outputs[2].Shape().CheckDims(1, 3))

	weights := ctx.GetVariableByScopeAndName("/adaln_modulation/dense", "weights")
	require.NotNil(t, weights)
	require.NoError(t, weights.Shape().CheckDims(3, 9))
}

func TestNormalize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) (*Node, *Node) {
		return Normalize(ctx.In("ln"), x, false), Normalize(ctx.In("rms"), x, true)
	})
	x := [][][]float32{{{1, 2, 3}, {-2, 0, 2}}}
	ln, rms := exec.MustExec2(x)
	c := float32(math.Sqrt(1.5))
	require.True(t, xslices.SlicesInDelta(ln.Value(), [][][]float32{{{-c, 0, c}, {-c, 0, c}}}, 1e-4), "got %s", ln.GoStr())

	rms1 := float32(math.Sqrt(14.0 / 3.0))
	rms2 := float32(math.Sqrt(8.0 / 3.0))
	want := [][][]float32{{{1 / rms1, 2 / rms1, 3 / rms1}, {-2 / rms2, 0, 2 / rms2}}}
	require.True(t, xslices.SlicesInDelta(rms.Value(), want, 1e-4), "got %s", rms.GoStr())

	// LayerNorm has no learned parameters, RMSNorm has a learned scale.
	require.Nil(t, ctx.GetVariableByScopeAndName("/ln/layer_normalization", "gain"))
	require.NotNil(t, ctx.GetVariableByScopeAndName("/rms/rms_norm", "scale"))
}

func TestDepthwiseConv2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	// Channel 0: kernel of ones, bias 0.5 (sum of the 3x3 neighbourhood).
	// Channel 1: identity kernel, bias 0.
	kernel := make([][][]float32, 3)
	for i := range kernel {
		kernel[i] = make([][]float32, 3)
		for j := range kernel[i] {
			kernel[i][j] = []float32{1, 0}
		}
	}
	kernel[1][1][1] = 1
	convCtx := ctx.In("dwconv").In("depthwise")
	convCtx.VariableWithValue("kernel", kernel)
	convCtx.VariableWithValue("biases", []float32{0.5, 0})

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return DepthwiseConv2D(ctx.In("dwconv").Reuse(), x, 3)
	})
	x := make([][][][]float32, 1)
	x[0] = make([][][]float32, 3)
	for row := range 3 {
		x[0][row] = make([][]float32, 3)
		for col := range 3 {
			v := float32(row*3 + col + 1)
			x[0][row][col] = []float32{v, v}
		}
	}
	got := exec.MustExec1(x)
	require.NoError(t, got.Shape().CheckDims(1, 3, 3, 2))
	sums := [][]float32{{12, 21, 16}, {27, 45, 33}, {24, 39, 28}}
	want := make([][][][]float32, 1)
	want[0] = make([][][]float32, 3)
	for row := range 3 {
		want[0][row] = make([][]float32, 3)
		for col := range 3 {
			want[0][row][col] = []float32{sums[row][col] + 0.5, float32(row*3 + col + 1)}
		}
	}
	require.Equal(t, want, got.Value())
}

// depthwiseReference computes the depthwise convolution with zero padding on the host.
func depthwiseReference(x [][][][]float32, kernel [][][]float32, biases []float32) [][][][]float32 {
	pad := len(kernel) / 2
	output := make([][][][]float32, len(x))
	for b := range x {
		height, width := len(x[b]), len(x[b][0])
		output[b] = make([][][]float32, height)
		for row := range height {
			output[b][row] = make([][]float32, width)
			for col := range width {
				output[b][row][col] = make([]float32, len(biases))
				for ch, bias := range biases {
					sum := bias
					for kRow := range kernel {
						for kCol := range kernel[kRow] {
							r, c := row+kRow-pad, col+kCol-pad
							if r < 0 || r >= height || c < 0 || c >= width {
								continue
							}
							sum += x[b][r][c][ch] * kernel[kRow][kCol][ch]
						}
					}
					output[b][row][col][ch] = sum
				}
			}
		}
	}
	return output
}

func TestDepthwiseConv2DMatchesReference(t *testing.T) {
	const batchSize, height, width, channels = 2, 4, 5, 3
	var counter float64
	next := func() float32 {
		counter++
		return float32(math.Sin(counter * 0.73))
	}
	kernel := make([][][]float32, 3)
	for i := range kernel {
		kernel[i] = make([][]float32, 3)
		for j := range kernel[i] {
			kernel[i][j] = []float32{next(), next(), next()}
		}
	}
	biases := []float32{next(), next(), next()}
	x := make([][][][]float32, batchSize)
	for b := range x {
		x[b] = make([][][]float32, height)
		for row := range x[b] {
			x[b][row] = make([][]float32, width)
			for col := range x[b][row] {
				x[b][row][col] = []float32{next(), next(), next()}
			}
		}
	}

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.In("depthwise").VariableWithValue("kernel", kernel)
	ctx.In("depthwise").VariableWithValue("biases", biases)
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return DepthwiseConv2D(ctx.Reuse(), x, 3)
	}, x)
	want := depthwiseReference(x, kernel, biases)
	require.True(t, xslices.SlicesInDelta(got.Value(), want, 1e-5), "got %s\nwant %v", got.GoStr(), want)
}

func TestDepthwiseConv2DGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	// Channel 0: kernel of ones; channel 1: identity kernel.
	kernel := make([][][]float32, 3)
	for i := range kernel {
		kernel[i] = make([][]float32, 3)
		for j := range kernel[i] {
			kernel[i][j] = []float32{1, 0}
		}
	}
	kernel[1][1][1] = 1
	ctx.In("depthwise").VariableWithValue("kernel", kernel)
	ctx.In("depthwise").VariableWithValue("biases", []float32{0, 0})
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		output := DepthwiseConv2D(ctx.Reuse(), x, 3)
		return Gradient(ReduceAllSum(output), x)[0]
	}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 3, 2)))
	// Each input contributes once per output position in its 3x3 neighbourhood (channel 0),
	// or once (channel 1).
	neighbours := [][]float32{{4, 6, 4}, {6, 9, 6}, {4, 6, 4}}
	want := make([][][][]float32, 1)
	want[0] = make([][][]float32, 3)
	for row := range 3 {
		want[0][row] = make([][]float32, 3)
		for col := range 3 {
			want[0][row][col] = []float32{neighbours[row][col], 1}
		}
	}
	require.True(t, xslices.SlicesInDelta(got.Value(), want, 1e-5), "got %s", got.GoStr())
}

func TestDepthwiseConv2DInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const channels = 16
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return DepthwiseConv2D(ctx, x, 3)
	})
	got := exec.MustExec1(tensors.FromShape(shapes.Make(dtypes.Float32, 2, 4, 4, channels)))
	require.NoError(t, got.Shape().CheckDims(2, 4, 4, channels))

	kernel := ctx.GetVariableByScopeAndName("/depthwise", "kernel")
	require.NotNil(t, kernel)
	require.NoError(t, kernel.Shape().CheckDims(3, 3, channels))
	limit := math.Sqrt(6.0 / (9.0 + 9.0*channels))
	var nonZero int
	for _, v := range tensors.MustCopyFlatData[float32](kernel.MustValue()) {
		require.LessOrEqual(t, math.Abs(float64(v)), limit+1e-6)
		if v != 0 {
			nonZero++
		}
	}
	require.Greater(t, nonZero, 0)

	// With a zero input, the output is the (zero) bias.
	for _, v := range tensors.MustCopyFlatData[float32](got) {
		require.Equal(t, float32(0), v)
	}
}

func TestFeedForward(t *testing.T) {
	require.Equal(t, 3072, SwiGLUHiddenDim(4608))
	require.Equal(t, 5, SwiGLUHiddenDim(8))

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) (*Node, *Node) {
		return FeedForward(ctx.In("mlp"), x, 16, false), FeedForward(ctx.In("swiglu"), x, 16, true)
	})
	x := [][][]float32{{{1, 0, -1, 2}, {0.5, 0.25, 0, 1}}}
	mlp, swiglu := exec.MustExec2(x)
	require.NoError(t, mlp.Shape().CheckDims(1, 2, 4))
	require.NoError(t, swiglu.Shape().CheckDims(1, 2, 4))

	require.NoError(t, ctx.GetVariableByScopeAndName("/mlp/fc1/dense", "weights").Shape().CheckDims(4, 16))
	require.NoError(t, ctx.GetVariableByScopeAndName("/mlp/fc2/dense", "weights").Shape().CheckDims(16, 4))
	require.NoError(t, ctx.GetVariableByScopeAndName("/swiglu/w12/dense", "weights").Shape().CheckDims(4, 20))
	require.NoError(t, ctx.GetVariableByScopeAndName("/swiglu/w3/dense", "weights").Shape().CheckDims(10, 4))
}
