// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flashdit implements FlashDiT, a class-conditional diffusion transformer whose blocks mix
// a depthwise convolution with attention over dilated windows of the token grid.
//
// The model maps noised images (or latents) x shaped [batchSize, channels, height, width], timesteps t
// shaped [batchSize] and class labels y shaped [batchSize] to a prediction shaped like x.
//
// Parameters are created lazily in the context under the scopes "x_embedder", "t_embedder",
// "y_embedder", "blocks/block_%03d" and "final_layer".
package flashdit

import (
	"fmt"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamPreset           = "flashdit_preset"
	ParamInputSize        = "flashdit_input_size"
	ParamPatchSize        = "flashdit_patch_size"
	ParamInChannels       = "flashdit_in_channels"
	ParamHiddenSize       = "flashdit_hidden_size"
	ParamDepth            = "flashdit_depth"
	ParamNumHeads         = "flashdit_num_heads"
	ParamMLPRatio         = "flashdit_mlp_ratio"
	ParamClassDropoutProb = "flashdit_class_dropout_prob"
	ParamNumClasses       = "flashdit_num_classes"
	ParamLearnSigma       = "flashdit_learn_sigma"
	ParamUseQKNorm        = "flashdit_use_qknorm"
	ParamUseSwiGLU        = "flashdit_use_swiglu"
	ParamUseRoPE          = "flashdit_use_rope"
	ParamUseRMSNorm       = "flashdit_use_rmsnorm"
	ParamWoShift          = "flashdit_wo_shift"
	ParamUseCheckpoint    = "flashdit_use_checkpoint"
	ParamWindowSize       = "flashdit_window_size"
	ParamFusedAttn        = "flashdit_fused_attn"
	ParamAttnDropout      = "flashdit_attn_dropout"
	ParamProjDropout      = "flashdit_proj_dropout"
	ParamCFGChannels      = "flashdit_cfg_channels"
	ParamCFGInterval      = "flashdit_cfg_interval"
	ParamCFGIntervalStart = "flashdit_cfg_interval_start"
	ParamDType            = "flashdit_dtype"
)

// Model configures a FlashDiT model. It holds no variables: those live in the context passed
// to Forward.
type Model struct {
	InputSize        int          // Spatial size (height and width) of the input images or latents.
	PatchSize        int          // Side of the square patches turned into tokens.
	InChannels       int          // Channels of the input.
	HiddenSize       int          // Token embedding dimension.
	Depth            int          // Number of blocks.
	NumHeads         int          // Attention heads.
	MLPRatio         float64      // Feed-forward hidden dimension as a multiple of HiddenSize.
	ClassDropoutProb float64      // Probability of dropping the class label during training, for classifier-free guidance.
	NumClasses       int          // Number of classes. If ClassDropoutProb > 0, the class NumClasses is the null class.
	LearnSigma       bool         // The model also predicts a variance: it outputs 2*InChannels channels.
	UseQKNorm        bool         // Normalize queries and keys.
	UseSwiGLU        bool         // SwiGLU feed-forward instead of the GELU MLP.
	UseRoPE          bool         // Rotary position embedding within each attention window.
	UseRMSNorm       bool         // RMSNorm instead of LayerNorm.
	WoShift          bool         // Modulation without the shift terms.
	UseCheckpoint    bool         // Trade memory for compute on the blocks activations.
	WindowHeight     int          // Attention window height, in tokens.
	WindowWidth      int          // Attention window width, in tokens.
	FusedAttn        bool         // Use the fused attention computation.
	AttnDropout      float64      // Dropout on the attention probabilities.
	ProjDropout      float64      // Dropout on the attention output projection.
	CFGChannels      int          // Number of leading output channels guided by ForwardWithCFG.
	CFGInterval      bool         // Disable guidance for timesteps below CFGIntervalStart.
	CFGIntervalStart float64      // See CFGInterval.
	DType            dtypes.DType // DType of the parameters and activations.
}

// New creates a FlashDiT configuration with the defaults of FlashDiT-XL/2 for 32x32 latents
// with 32 channels.
func New() *Model {
	return &Model{
		InputSize:        32,
		PatchSize:        2,
		InChannels:       32,
		HiddenSize:       1152,
		Depth:            28,
		NumHeads:         16,
		MLPRatio:         4.0,
		ClassDropoutProb: 0.1,
		NumClasses:       1000,
		WindowHeight:     8,
		WindowWidth:      8,
		FusedAttn:        true,
		CFGChannels:      3,
		DType:            dtypes.Float32,
	}
}

// NewFromContext creates a FlashDiT model configured from context hyperparameters.
//
// If flashdit_preset is set (e.g. "FlashDiT-B/2"), the preset architecture is applied first, and the
// other hyperparameters override it. It reads parameters with the following keys (with defaults):
//   - flashdit_preset (default: "", no preset)
//   - flashdit_input_size (default: 32)
//   - flashdit_patch_size (default: 2)
//   - flashdit_in_channels (default: 32)
//   - flashdit_hidden_size (default: 1152)
//   - flashdit_depth (default: 28)
//   - flashdit_num_heads (default: 16)
//   - flashdit_mlp_ratio (default: 4.0)
//   - flashdit_class_dropout_prob (default: 0.1)
//   - flashdit_num_classes (default: 1000)
//   - flashdit_learn_sigma, flashdit_use_qknorm, flashdit_use_swiglu, flashdit_use_rope,
//     flashdit_use_rmsnorm, flashdit_wo_shift, flashdit_use_checkpoint (default: false)
//   - flashdit_window_size (default: 8, square windows)
//   - flashdit_fused_attn (default: true)
//   - flashdit_attn_dropout, flashdit_proj_dropout (default: 0.0)
//   - flashdit_cfg_channels (default: 3)
//   - flashdit_cfg_interval (default: false)
//   - flashdit_cfg_interval_start (default: 0.0)
//   - flashdit_dtype (default: "float32")
//
// Example usage:
//
//	ctx.SetParams(map[string]any{
//	    "flashdit_preset": "FlashDiT-B/2",
//	    "flashdit_input_size": 16,
//	    "flashdit_in_channels": 4,
//	    "flashdit_use_rope": true,
//	})
//	model := flashdit.NewFromContext(ctx)
//
// Size hyperparameters set to 0 keep the preset (or default) value.
// It panics if the preset is unknown or if a hyperparameter has an invalid value.
func NewFromContext(ctx *context.Context) *Model {
	model := New()
	if preset := context.GetParamOr(ctx, ParamPreset, ""); preset != "" {
		if err := model.ApplyPreset(preset); err != nil {
			panic(fmt.Sprintf("Invalid hyperparameter value %s=%q: %v", ParamPreset, preset, err))
		}
	}
	return model.FromContext(ctx)
}

// FromContext overrides the configuration with the hyperparameters set in the context.
// Size hyperparameters (sizes, channels, depth, heads and classes) set to 0 are ignored.
func (m *Model) FromContext(ctx *context.Context) *Model {
	m.InputSize = sizeParam(ctx, ParamInputSize, m.InputSize)
	m.PatchSize = sizeParam(ctx, ParamPatchSize, m.PatchSize)
	m.InChannels = sizeParam(ctx, ParamInChannels, m.InChannels)
	m.HiddenSize = sizeParam(ctx, ParamHiddenSize, m.HiddenSize)
	m.Depth = sizeParam(ctx, ParamDepth, m.Depth)
	m.NumHeads = sizeParam(ctx, ParamNumHeads, m.NumHeads)
	m.MLPRatio = context.GetParamOr(ctx, ParamMLPRatio, m.MLPRatio)
	m.ClassDropoutProb = context.GetParamOr(ctx, ParamClassDropoutProb, m.ClassDropoutProb)
	m.NumClasses = sizeParam(ctx, ParamNumClasses, m.NumClasses)
	m.LearnSigma = context.GetParamOr(ctx, ParamLearnSigma, m.LearnSigma)
	m.UseQKNorm = context.GetParamOr(ctx, ParamUseQKNorm, m.UseQKNorm)
	m.UseSwiGLU = context.GetParamOr(ctx, ParamUseSwiGLU, m.UseSwiGLU)
	m.UseRoPE = context.GetParamOr(ctx, ParamUseRoPE, m.UseRoPE)
	m.UseRMSNorm = context.GetParamOr(ctx, ParamUseRMSNorm, m.UseRMSNorm)
	m.WoShift = context.GetParamOr(ctx, ParamWoShift, m.WoShift)
	m.UseCheckpoint = context.GetParamOr(ctx, ParamUseCheckpoint, m.UseCheckpoint)
	if windowSize := context.GetParamOr(ctx, ParamWindowSize, 0); windowSize > 0 {
		m.WindowHeight, m.WindowWidth = windowSize, windowSize
	}
	m.FusedAttn = context.GetParamOr(ctx, ParamFusedAttn, m.FusedAttn)
	m.AttnDropout = context.GetParamOr(ctx, ParamAttnDropout, m.AttnDropout)
	m.ProjDropout = context.GetParamOr(ctx, ParamProjDropout, m.ProjDropout)
	m.CFGChannels = context.GetParamOr(ctx, ParamCFGChannels, m.CFGChannels)
	m.CFGInterval = context.GetParamOr(ctx, ParamCFGInterval, m.CFGInterval)
	m.CFGIntervalStart = context.GetParamOr(ctx, ParamCFGIntervalStart, m.CFGIntervalStart)

	// Handle dtype separately since it's a string
	dtypeStr := context.GetParamOr(ctx, ParamDType, "")
	if dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil || !dtype.IsFloat() {
			panic(fmt.Sprintf("Invalid hyperparameter value %s=%q", ParamDType, dtypeStr))
		}
		m.DType = dtype
	}
	return m
}

func sizeParam(ctx *context.Context, key string, current int) int {
	if value := context.GetParamOr(ctx, key, 0); value > 0 {
		return value
	}
	return current
}

// WithArchitecture sets the size of the transformer.
func (m *Model) WithArchitecture(depth, hiddenSize, numHeads, patchSize int) *Model {
	m.Depth = depth
	m.HiddenSize = hiddenSize
	m.NumHeads = numHeads
	m.PatchSize = patchSize
	return m
}

// WithInput sets the spatial size and number of channels of the inputs.
func (m *Model) WithInput(inputSize, inChannels int) *Model {
	m.InputSize = inputSize
	m.InChannels = inChannels
	return m
}

// WithClasses sets the number of classes and the probability of dropping labels during training.
func (m *Model) WithClasses(numClasses int, dropoutProb float64) *Model {
	m.NumClasses = numClasses
	m.ClassDropoutProb = dropoutProb
	return m
}

// WithMLPRatio sets the feed-forward hidden dimension as a multiple of the hidden size.
func (m *Model) WithMLPRatio(ratio float64) *Model {
	m.MLPRatio = ratio
	return m
}

// WithWindow sets the attention window, in tokens.
func (m *Model) WithWindow(height, width int) *Model {
	m.WindowHeight = height
	m.WindowWidth = width
	return m
}

// WithLearnSigma configures the model to also output the variance channels.
func (m *Model) WithLearnSigma(learnSigma bool) *Model {
	m.LearnSigma = learnSigma
	return m
}

// WithQKNorm enables the normalization of queries and keys.
func (m *Model) WithQKNorm(enabled bool) *Model {
	m.UseQKNorm = enabled
	return m
}

// WithSwiGLU selects the SwiGLU feed-forward.
func (m *Model) WithSwiGLU(enabled bool) *Model {
	m.UseSwiGLU = enabled
	return m
}

// WithRoPE enables the rotary position embedding within the attention windows.
func (m *Model) WithRoPE(enabled bool) *Model {
	m.UseRoPE = enabled
	return m
}

// WithRMSNorm selects RMSNorm for all normalizations.
func (m *Model) WithRMSNorm(enabled bool) *Model {
	m.UseRMSNorm = enabled
	return m
}

// WithoutShift drops the shift terms of the adaptive modulation.
func (m *Model) WithoutShift(woShift bool) *Model {
	m.WoShift = woShift
	return m
}

// WithCheckpoint toggles the recomputation of the blocks activations.
func (m *Model) WithCheckpoint(enabled bool) *Model {
	m.UseCheckpoint = enabled
	return m
}

// WithFusedAttention selects the fused (default) or the naive attention computation.
func (m *Model) WithFusedAttention(fused bool) *Model {
	m.FusedAttn = fused
	return m
}

// WithDropout sets the attention probabilities and projection dropout rates.
func (m *Model) WithDropout(attnDropout, projDropout float64) *Model {
	m.AttnDropout = attnDropout
	m.ProjDropout = projDropout
	return m
}

// WithCFG configures ForwardWithCFG: the number of guided channels, and optionally (if interval is true)
// the timestep below which guidance is disabled.
func (m *Model) WithCFG(channels int, interval bool, intervalStart float64) *Model {
	m.CFGChannels = channels
	m.CFGInterval = interval
	m.CFGIntervalStart = intervalStart
	return m
}

// WithDType sets the dtype of parameters and activations.
func (m *Model) WithDType(dtype dtypes.DType) *Model {
	m.DType = dtype
	return m
}

// OutChannels returns the number of channels produced by the final layer.
func (m *Model) OutChannels() int {
	if m.LearnSigma {
		return 2 * m.InChannels
	}
	return m.InChannels
}

// GridSize returns the side of the square grid of tokens.
func (m *Model) GridSize() int {
	return m.InputSize / m.PatchSize
}

// NumTokens returns the sequence length seen by the blocks.
func (m *Model) NumTokens() int {
	side := m.GridSize()
	return side * side
}

// HeadDim returns the dimension of each attention head.
func (m *Model) HeadDim() int {
	return m.HiddenSize / m.NumHeads
}

// MLPHiddenDim returns the hidden dimension of the feed-forward sub-layer (before the SwiGLU adjustment).
func (m *Model) MLPHiddenDim() int {
	return int(float64(m.HiddenSize) * m.MLPRatio)
}

// Validate checks that the configuration is consistent.
func (m *Model) Validate() error {
	switch {
	case m.InputSize <= 0 || m.PatchSize <= 0 || m.InChannels <= 0:
		return errors.Errorf("flashdit: invalid input: size=%d, patch=%d, channels=%d", m.InputSize, m.PatchSize, m.InChannels)
	case m.InputSize%m.PatchSize != 0:
		return errors.Errorf("flashdit: input size %d is not divisible by the patch size %d", m.InputSize, m.PatchSize)
	case m.HiddenSize <= 0 || m.Depth < 0 || m.NumHeads <= 0:
		return errors.Errorf("flashdit: invalid architecture: hidden=%d, depth=%d, heads=%d", m.HiddenSize, m.Depth, m.NumHeads)
	case m.HiddenSize%m.NumHeads != 0:
		return errors.Errorf("flashdit: hidden size %d is not divisible by the number of heads %d", m.HiddenSize, m.NumHeads)
	case m.WindowHeight <= 0 || m.WindowWidth <= 0:
		return errors.Errorf("flashdit: invalid window %dx%d", m.WindowHeight, m.WindowWidth)
	case m.GridSize()%m.WindowHeight != 0 || m.GridSize()%m.WindowWidth != 0:
		return errors.Errorf("flashdit: grid of %dx%d tokens is not divisible by the window %dx%d",
			m.GridSize(), m.GridSize(), m.WindowHeight, m.WindowWidth)
	case m.UseRoPE && m.HeadDim()%4 != 0:
		return errors.Errorf("flashdit: rotary embedding requires a head dimension divisible by 4, got %d", m.HeadDim())
	case m.NumClasses <= 0:
		return errors.Errorf("flashdit: invalid number of classes %d", m.NumClasses)
	case m.ClassDropoutProb < 0 || m.ClassDropoutProb > 1:
		return errors.Errorf("flashdit: invalid class dropout probability %g", m.ClassDropoutProb)
	case !m.DType.IsFloat():
		return errors.Errorf("flashdit: dtype must be a float, got %s", m.DType)
	}
	return nil
}

// String returns a one-line summary of the configuration.
func (m *Model) String() string {
	return fmt.Sprintf("FlashDiT(depth=%d, hidden=%d, heads=%d, patch=%d, input=%dx%dx%d, window=%dx%d)",
		m.Depth, m.HiddenSize, m.NumHeads, m.PatchSize, m.InChannels, m.InputSize, m.InputSize,
		m.WindowHeight, m.WindowWidth)
}
