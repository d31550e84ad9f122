// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// flashdit trains and samples from FlashDiT diffusion transformers.
//
// Usage:
//
//	flashdit [flags] train|sample|info
//
// Hyperparameters are set with -set="param1=value1;param2=value2;...". See
// flowtrain.CreateDefaultContext for the list of hyperparameters, for instance:
//
//	flashdit -checkpoint=~/work/flashdit/b2 -set="flashdit_preset=FlashDiT-B/2;flashdit_input_size=16;flashdit_in_channels=4" train
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/flashdit/pkg/ml/train/flowtrain"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the training data at the end of training.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"If left empty, no checkpoints are created and sampling uses an untrained model.")
)

const usage = `Usage: flashdit [flags] <command>

Commands:
  train    Trains the model configured with -set, resuming from -checkpoint if it has one.
  sample   Generates samples from the model in -checkpoint.
  info     Lists the presets with their sizes, and the configured model (or the one in -checkpoint).

Flags:
`

func main() {
	ctx := flowtrain.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	var err error
	panicErr := exceptions.TryCatch[error](func() {
		switch command {
		case "train":
			err = flowtrain.TrainModel(backends.MustNew(), ctx, *flagCheckpoint, paramsSet, *flagEval, *flagVerbosity)
		case "sample":
			_, err = flowtrain.GenerateSamples(backends.MustNew(), ctx, *flagCheckpoint, paramsSet, *flagVerbosity)
		case "info":
			err = info(ctx, *flagCheckpoint, paramsSet)
		default:
			err = errors.Errorf("unknown command %q, see flashdit -help", command)
		}
	})
	if panicErr != nil {
		err = panicErr
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
