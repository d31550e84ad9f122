// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowtrain

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"
)

// AttachCheckpoint creates the checkpoint handler for checkpointPath, loading the previous variables and
// hyperparameters if there are any. The hyperparameters in paramsSet, and those in ParamsExcludedFromLoading,
// are not overwritten by the loaded ones.
//
// It returns nil if checkpointPath is empty.
func AttachCheckpoint(ctx *context.Context, checkpointPath string, paramsSet []string) (*checkpoints.Handler, error) {
	if checkpointPath == "" {
		return nil, nil
	}
	numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
	checkpoint, err := checkpoints.Build(ctx).
		Dir(checkpointPath).
		Keep(numCheckpointsToKeep).
		ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "attaching checkpoint %q", checkpointPath)
	}
	return checkpoint, nil
}

// BuildTrainComputation builds the rectified-flow ModelFn for training and evaluation.
//
// For each example x1, it samples gaussian noise x0 and a time t in [0, 1), and trains the model to
// predict the velocity x1 - x0 from x_t = t*x1 + (1-t)*x0, at time t and with the example label.
//
// It returns the predicted velocity and the loss (from losses.LossFromContext), which is used with
// a custom loss function that simply returns predictions[1].
func BuildTrainComputation(model *flashdit.Model) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		dtype := model.DType
		images := ConvertDType(inputs[0], dtype)
		labels := inputs[1]
		batchSize := images.Shape().Dim(0)

		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		noises := ctx.RandomNormal(g, images.Shape())
		t := ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
		tImages := Reshape(t, batchSize, 1, 1, 1)
		noisyImages := Add(
			Mul(images, tImages),
			Mul(noises, OneMinus(tImages)))
		noisyImages = StopGradient(noisyImages)

		targetVelocity := StopGradient(Sub(images, noises))
		predictedVelocity := model.Forward(ctx, noisyImages, t, labels, nil)

		lossFn := must.M1(losses.LossFromContext(ctx))
		loss := lossFn([]*Node{targetVelocity}, []*Node{predictedVelocity})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		return []*Node{predictedVelocity, loss}
	}
}

// customLoss returns the loss calculated by BuildTrainComputation.
func customLoss(_, predictions []*Node) *Node { return predictions[1] }

// NewTrainer creates the trainer of the rectified-flow objective for the given model, with the optimizer
// configured in the context.
func NewTrainer(backend backends.Backend, ctx *context.Context, model *flashdit.Model) *train.Trainer {
	return train.NewTrainer(
		backend, ctx, BuildTrainComputation(model), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics
}

// TrainModel trains the model configured in the context with the dataset configured in the context,
// until the global step reaches train_steps.
//
// If checkpointPath is set, training resumes from the last checkpoint there, and checkpoints are saved
// periodically and at the end. paramsSet are the hyperparameters set in the command line, which
// take precedence over the ones loaded from the checkpoint.
func TrainModel(backend backends.Backend, ctx *context.Context, checkpointPath string, paramsSet []string,
	evaluateOnEnd bool, verbosity int) error {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	checkpoint, err := AttachCheckpoint(ctx, checkpointPath, paramsSet)
	if err != nil {
		return err
	}
	if checkpoint != nil && verbosity >= 1 {
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
	}
	if context.GetParamOr(ctx, ParamRngReset, true) {
		if err := ctx.ResetRNGState(); err != nil {
			return errors.WithMessage(err, "resetting the random number generator")
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	model := flashdit.NewFromContext(ctx)
	if err := model.Validate(); err != nil {
		return err
	}
	if verbosity >= 1 {
		fmt.Printf("Model %s: %s parameters\n", model, humanize.Comma(int64(model.NumParameters())))
	}

	trainDS, err := CreateDataset(backend, ctx, model)
	if err != nil {
		return err
	}
	evalDS := trainDS.Copy()
	trainDS.Shuffle().Infinite(true).BatchSize(context.GetParamOr(ctx, ParamBatchSize, 32), true)
	evalDS.BatchSize(context.GetParamOr(ctx, ParamEvalBatchSize, 64), false)

	trainer := NewTrainer(backend, ctx, model)
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, ParamCheckpointFrequency, "3m"))
		if err != nil {
			return errors.Wrapf(err, "invalid %s", ParamCheckpointFrequency)
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Saving checkpoint before failing at loop step %d", loop.LoopStep)
				if errSave := checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before failing: %+v", errSave)
				}
			}
			return errors.WithMessage(err, "training FlashDiT")
		}
	} else {
		klog.Warningf("%s=%d already reached at global step %d: set a larger value to train further",
			ParamTrainSteps, numTrainSteps, globalStep)
	}

	if evaluateOnEnd {
		if err := commandline.ReportEval(trainer, evalDS); err != nil {
			return errors.WithMessage(err, "evaluating FlashDiT")
		}
	}
	return nil
}
