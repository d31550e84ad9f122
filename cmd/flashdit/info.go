// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	"github.com/gomlx/flashdit/pkg/ml/model/flashdit"
)

// trainingCopies is the number of copies of the weights kept during training with Adam:
// the weights, their gradients and the two moments.
const trainingCopies = 4

// presetRow describes the size of a preset for the configured input.
type presetRow struct {
	name            string
	model           *flashdit.Model
	numParams       int
	weightsBytes    uint64
	trainingBytes   uint64
	fitsForTraining bool
}

// presetRows returns the size of each preset, with the other settings (input, channels, toggles) of base.
func presetRows(base *flashdit.Model, hostMemory uint64) ([]presetRow, error) {
	rows := make([]presetRow, 0, len(flashdit.Presets))
	for _, name := range flashdit.PresetNames() {
		model := *base
		if err := model.ApplyPreset(name); err != nil {
			return nil, err
		}
		numParams := model.NumParameters()
		weightsBytes := uint64(numParams) * uint64(model.DType.Size())
		trainingBytes := trainingCopies * weightsBytes
		rows = append(rows, presetRow{
			name:            name,
			model:           &model,
			numParams:       numParams,
			weightsBytes:    weightsBytes,
			trainingBytes:   trainingBytes,
			fitsForTraining: hostMemory == 0 || trainingBytes <= hostMemory,
		})
	}
	return rows, nil
}

// info prints the presets table, the configured model and, if a checkpoint is given, a summary of its variables.
func info(ctx *context.Context, checkpointPath string, paramsSet []string) error {
	if checkpointPath != "" {
		_, err := checkpoints.Load(ctx).Dir(checkpointPath).ExcludeParams(paramsSet...).Immediate().Done()
		if err != nil {
			return errors.WithMessagef(err, "loading checkpoint %q", checkpointPath)
		}
	}
	model := flashdit.NewFromContext(ctx)
	hostMemory := memory.TotalMemory()

	rows, err := presetRows(model, hostMemory)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Presets (input %dx%dx%d, %s)",
		model.InChannels, model.InputSize, model.InputSize, model.DType)))
	presetsTable := newTable(
		[]string{"Preset", "Depth", "Hidden", "Heads", "Patch", "Tokens", "# parameters", "Weights", "Training"},
		lipgloss.Left, lipgloss.Right)
	for _, row := range rows {
		presetsTable.AddRow(!row.fitsForTraining, row.name,
			fmt.Sprint(row.model.Depth), fmt.Sprint(row.model.HiddenSize), fmt.Sprint(row.model.NumHeads),
			fmt.Sprint(row.model.PatchSize), fmt.Sprint(row.model.NumTokens()),
			humanize.Comma(int64(row.numParams)), humanize.Bytes(row.weightsBytes), humanize.Bytes(row.trainingBytes))
	}
	fmt.Println(presetsTable.Render())
	if hostMemory > 0 {
		fmt.Printf("Host memory: %s. Training estimates above it are highlighted.\n", humanize.Bytes(hostMemory))
	}

	fmt.Println(titleStyle.Render("Configured model"))
	modelTable := newTable([]string{"Setting", "Value"}, lipgloss.Right, lipgloss.Left)
	modelTable.AddRow(false, "model", model.String())
	modelTable.AddRow(false, "tokens", fmt.Sprintf("%d (%dx%d grid)", model.NumTokens(), model.GridSize(), model.GridSize()))
	modelTable.AddRow(false, "# parameters", humanize.Comma(int64(model.NumParameters())))
	modelTable.AddRow(false, "toggles", strings.Join(enabledToggles(model), ", "))
	if err := model.Validate(); err != nil {
		modelTable.AddRow(true, "invalid", err.Error())
	}
	fmt.Println(modelTable.Render())

	if checkpointPath != "" {
		fmt.Println(titleStyle.Render("Checkpoint " + checkpointPath))
		fmt.Println(checkpointTable(ctx).Render())
	}
	return nil
}

func enabledToggles(model *flashdit.Model) []string {
	toggles := map[string]bool{
		"learn_sigma":  model.LearnSigma,
		"qknorm":       model.UseQKNorm,
		"swiglu":       model.UseSwiGLU,
		"rope":         model.UseRoPE,
		"rmsnorm":      model.UseRMSNorm,
		"wo_shift":     model.WoShift,
		"checkpoint":   model.UseCheckpoint,
		"fused_attn":   model.FusedAttn,
		"cfg_interval": model.CFGInterval,
	}
	var enabled []string
	for _, name := range slices.Sorted(maps.Keys(toggles)) {
		if toggles[name] {
			enabled = append(enabled, name)
		}
	}
	if len(enabled) == 0 {
		return []string{"none"}
	}
	return enabled
}

// checkpointTable summarizes the loaded variables by top-level scope.
func checkpointTable(ctx *context.Context) *table {
	type scopeSize struct {
		numVars, numParams int
		bytes              uintptr
	}
	sizes := make(map[string]*scopeSize)
	var total scopeSize
	for v := range ctx.IterVariables() {
		scope := strings.SplitN(strings.TrimPrefix(v.Scope(), context.ScopeSeparator), context.ScopeSeparator, 2)[0]
		if scope == "" {
			scope = context.RootScope
		}
		size, found := sizes[scope]
		if !found {
			size = &scopeSize{}
			sizes[scope] = size
		}
		for _, s := range []*scopeSize{size, &total} {
			s.numVars++
			s.numParams += v.Shape().Size()
			s.bytes += v.Shape().Memory()
		}
	}

	t := newTable([]string{"Scope", "# variables", "# parameters", "Bytes"}, lipgloss.Left, lipgloss.Right)
	for _, scope := range slices.Sorted(maps.Keys(sizes)) {
		size := sizes[scope]
		t.AddRow(false, scope, humanize.Comma(int64(size.numVars)), humanize.Comma(int64(size.numParams)),
			humanize.Bytes(uint64(size.bytes)))
	}
	t.AddRow(false, "total", humanize.Comma(int64(total.numVars)), humanize.Comma(int64(total.numParams)),
		humanize.Bytes(uint64(total.bytes)))
	t.AddRow(false, "global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)), "", "")
	return t
}
