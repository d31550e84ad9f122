// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flashdit

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/flashdit/pkg/ml/layers/dit"
	"github.com/gomlx/flashdit/pkg/ml/layers/embed"
)

// Preset is a named FlashDiT architecture.
type Preset struct {
	Depth, HiddenSize, NumHeads, PatchSize int
}

// Presets maps the names of the standard FlashDiT sizes to their architecture.
var Presets = map[string]Preset{
	"FlashDiT-B/1":    {Depth: 12, HiddenSize: 768, NumHeads: 12, PatchSize: 1},
	"FlashDiT-B/2":    {Depth: 12, HiddenSize: 768, NumHeads: 12, PatchSize: 2},
	"FlashDiT-L/2":    {Depth: 24, HiddenSize: 1024, NumHeads: 16, PatchSize: 2},
	"FlashDiT-XL/1":   {Depth: 28, HiddenSize: 1152, NumHeads: 16, PatchSize: 1},
	"FlashDiT-XL/2":   {Depth: 28, HiddenSize: 1152, NumHeads: 16, PatchSize: 2},
	"FlashDiT-1p0B/1": {Depth: 24, HiddenSize: 1536, NumHeads: 24, PatchSize: 1},
	"FlashDiT-1p0B/2": {Depth: 24, HiddenSize: 1536, NumHeads: 24, PatchSize: 2},
	"FlashDiT-1p6B/1": {Depth: 28, HiddenSize: 1792, NumHeads: 28, PatchSize: 1},
	"FlashDiT-1p6B/2": {Depth: 28, HiddenSize: 1792, NumHeads: 28, PatchSize: 2},
}

// PresetNames returns the names of the presets, sorted.
func PresetNames() []string {
	return slices.Sorted(maps.Keys(Presets))
}

// ApplyPreset sets the architecture of the named preset. Other settings are left unchanged.
func (m *Model) ApplyPreset(name string) error {
	preset, found := Presets[name]
	if !found {
		return errors.Errorf("unknown FlashDiT preset %q, valid presets are %q", name, PresetNames())
	}
	m.WithArchitecture(preset.Depth, preset.HiddenSize, preset.NumHeads, preset.PatchSize)
	return nil
}

// NewFromPreset creates a model with the named preset architecture and the default settings.
// It panics if the preset is unknown.
func NewFromPreset(name string) *Model {
	m := New()
	if err := m.ApplyPreset(name); err != nil {
		exceptions.Panicf("flashdit.NewFromPreset: %v", err)
	}
	return m
}

// NumParameters returns the number of scalar parameters the model creates, without building it.
func (m *Model) NumParameters() int {
	hidden := m.HiddenSize
	linear := func(in, out int, bias bool) int {
		if bias {
			return in*out + out
		}
		return in * out
	}
	norm := 0
	if m.UseRMSNorm {
		norm = hidden
	}
	patchDim := m.PatchSize * m.PatchSize

	total := linear(m.InChannels*patchDim, hidden, true) // x_embedder
	total += linear(embed.TimestepFrequencyDim, hidden, true) + linear(hidden, hidden, true)
	numLabels := m.NumClasses
	if m.ClassDropoutProb > 0 {
		numLabels++
	}
	total += numLabels * hidden

	var block int
	block += 2 * norm
	block += linear(hidden, 3*hidden, true) + linear(hidden, hidden, true)
	if m.UseQKNorm {
		if m.UseRMSNorm {
			block += 2 * m.HeadDim()
		} else {
			block += 4 * m.HeadDim()
		}
	}
	block += 9*hidden + hidden // depthwise convolution
	mlpHidden := m.MLPHiddenDim()
	if m.UseSwiGLU {
		h := dit.SwiGLUHiddenDim(mlpHidden)
		block += linear(hidden, 2*h, true) + linear(h, hidden, true)
	} else {
		block += linear(hidden, mlpHidden, true) + linear(mlpHidden, hidden, true)
	}
	block += linear(hidden, m.numBlockChunks()*hidden, true)
	total += m.Depth * block

	total += norm + linear(hidden, 2*hidden, true) + linear(hidden, patchDim*m.OutChannels(), true)
	return total
}

func (m *Model) numBlockChunks() int {
	if m.WoShift {
		return 4
	}
	return 6
}
