// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowtrain

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"
)

// ODE integration methods supported by Sampler.
const (
	SamplerEuler    = "euler"
	SamplerMidpoint = "midpoint"
)

// Sampler generates examples by integrating the velocity predicted by a FlashDiT model from
// noise (t=0) to the data (t=1).
//
// Create it with NewSampler, optionally configure it, and then call Sample.
type Sampler struct {
	backend  backends.Backend
	ctx      *context.Context
	model    *flashdit.Model
	numSteps int
	method   string
	cfgScale float64
	showBar  bool

	stepExec *context.Exec
}

// NewSampler creates a Sampler for the model, with the variables in ctx, configured with
// the sampling hyperparameters in ctx (see CreateDefaultContext).
//
// If the variables don't exist yet, they are created with their initial values.
func NewSampler(backend backends.Backend, ctx *context.Context, model *flashdit.Model) *Sampler {
	return &Sampler{
		backend:  backend,
		ctx:      ctx.Checked(false),
		model:    model,
		numSteps: context.GetParamOr(ctx, ParamSampleSteps, 50),
		method:   context.GetParamOr(ctx, ParamSampler, SamplerEuler),
		cfgScale: context.GetParamOr(ctx, ParamCFGScale, 1.0),
		showBar:  true,
	}
}

// Steps sets the number of integration steps.
func (s *Sampler) Steps(numSteps int) *Sampler {
	s.numSteps = numSteps
	return s
}

// Method sets the integration method: SamplerEuler or SamplerMidpoint.
func (s *Sampler) Method(method string) *Sampler {
	s.method = method
	s.stepExec = nil
	return s
}

// CFGScale sets the classifier-free guidance scale. A scale of 1 disables guidance.
func (s *Sampler) CFGScale(scale float64) *Sampler {
	s.cfgScale = scale
	s.stepExec = nil
	return s
}

// ProgressBar enables or disables the progress bar over the integration steps. It is enabled by default.
func (s *Sampler) ProgressBar(enabled bool) *Sampler {
	s.showBar = enabled
	return s
}

func (s *Sampler) guided() bool { return s.cfgScale != 1.0 }

// GenerateNoise returns gaussian noise shaped [numSamples, InChannels, InputSize, InputSize]
// to be used as the starting point of Sample. The noise is deterministic for a given seed.
func (s *Sampler) GenerateNoise(numSamples int, seed int64) (*tensors.Tensor, error) {
	rngState, err := RNGStateFromSeed(seed)
	if err != nil {
		return nil, errors.WithMessage(err, "creating random state for the sampler noise")
	}
	shape := shapes.Make(s.model.DType, numSamples, s.model.InChannels, s.model.InputSize, s.model.InputSize)
	return ExecOnce(s.backend, func(state *Node) *Node {
		_, noise := RandomNormal(state, shape)
		return noise
	}, rngState)
}

// stepGraph moves x from startTime to endTime, both scalars.
func (s *Sampler) stepGraph(ctx *context.Context, x, labels, startTime, endTime *Node) *Node {
	batchSize := x.Shape().Dim(0)
	timeFn := func(t *Node) *Node {
		return BroadcastToDims(ConvertDType(t, x.DType()), batchSize)
	}
	start, end := timeFn(startTime), timeFn(endTime)
	deltaT := Sub(end, start)
	imageTime := func(t *Node) *Node { return Reshape(t, batchSize, 1, 1, 1) }

	velocity0 := s.velocity(ctx, x, start, labels)
	if s.method == SamplerEuler {
		return Add(x, Mul(velocity0, imageTime(deltaT)))
	}
	halfDeltaT := DivScalar(deltaT, 2)
	midPoint := Add(x, Mul(velocity0, imageTime(halfDeltaT)))
	velocity1 := s.velocity(ctx, midPoint, Add(start, halfDeltaT), labels)
	return Add(x, Mul(velocity1, imageTime(deltaT)))
}

// velocity predicts the velocity at x. With guidance, the model runs on the batch doubled with
// the null class labels, and the guided first half is returned.
func (s *Sampler) velocity(ctx *context.Context, x, t, labels *Node) *Node {
	if !s.guided() {
		return s.model.Forward(ctx, x, t, labels, nil)
	}
	numSamples := x.Shape().Dim(0)
	labels = ConvertDType(labels, dtypes.Int32)
	nullLabels := BroadcastToDims(Scalar(labels.Graph(), dtypes.Int32, s.model.NumClasses), numSamples)
	output := s.model.ForwardWithCFG(ctx,
		Concatenate([]*Node{x, x}, 0),
		Concatenate([]*Node{t, t}, 0),
		Concatenate([]*Node{labels, nullLabels}, 0),
		s.cfgScale)
	return SliceAxis(output, 0, AxisRange(0, numSamples))
}

// Sample integrates the noise, shaped [numSamples, InChannels, InputSize, InputSize], to samples of
// the given labels (int32, shaped [numSamples]).
//
// With classifier-free guidance (CFGScale != 1), the model must have been trained with label dropout,
// so it has a null class.
func (s *Sampler) Sample(noise, labels *tensors.Tensor) (*tensors.Tensor, error) {
	if s.numSteps <= 0 {
		return nil, errors.Errorf("sampler requires a positive number of steps, got %d", s.numSteps)
	}
	if s.method != SamplerEuler && s.method != SamplerMidpoint {
		return nil, errors.Errorf("unknown sampler %q, valid values are %q and %q", s.method, SamplerEuler, SamplerMidpoint)
	}
	if noise.Rank() != 4 || labels.Rank() != 1 || labels.Shape().Dim(0) != noise.Shape().Dim(0) {
		return nil, errors.Errorf("sampler noise must be shaped [numSamples, channels, height, width] and labels [numSamples], "+
			"got noise %s and labels %s", noise.Shape(), labels.Shape())
	}
	numSamples := noise.Shape().Dim(0)

	if s.guided() && s.model.ClassDropoutProb <= 0 {
		return nil, errors.Errorf("classifier-free guidance (%s=%g) requires a model trained with label dropout, "+
			"but %s=0", ParamCFGScale, s.cfgScale, flashdit.ParamClassDropoutProb)
	}
	if s.stepExec == nil {
		var err error
		s.stepExec, err = context.NewExec(s.backend, s.ctx, s.stepGraph)
		if err != nil {
			return nil, errors.WithMessage(err, "creating the sampler step computation")
		}
	}

	var bar *progressbar.ProgressBar
	if s.showBar {
		bar = progressbar.NewOptions(s.numSteps,
			progressbar.OptionSetDescription(fmt.Sprintf("sampling (%s)", s.method)),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
	}
	x := noise
	stepSize := 1.0 / float64(s.numSteps)
	for step := range s.numSteps {
		startTime := float64(step) * stepSize
		endTime := float64(step+1) * stepSize
		if step == s.numSteps-1 {
			endTime = 1.0
		}
		var err error
		x, err = s.stepExec.Exec1(x, labels, startTime, endTime)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampler step %d", step)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.V(1).Infof("sampled %d examples in %d %s steps (cfg scale %g)", numSamples, s.numSteps, s.method, s.cfgScale)

	return x, nil
}

// Labels returns numSamples labels cycling over the first numClasses classes, shaped [numSamples].
func Labels(numSamples, numClasses int) *tensors.Tensor {
	labels := make([]int32, numSamples)
	for ii := range labels {
		labels[ii] = int32(ii % numClasses)
	}
	return tensors.FromValue(labels)
}
