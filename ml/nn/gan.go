/*
 *	Copyright 2024 The TSGAN Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package nn

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

// GANConfig describes the conditional generator/discriminator pair for
// sequential data: the generator maps `latent ⊕ condition` to a sequence,
// the discriminator (critic) maps `sequence ⊕ condition` to an unbounded
// score.
type GANConfig struct {
	// SequenceLength of the generated (and real) time-series windows.
	SequenceLength int

	// ConditionDim is the number of condition columns prepended to each
	// sample in the dataset.
	ConditionDim int

	// LatentDim is the generator noise dimension.
	LatentDim int

	// HiddenDim of the intermediate dense layers.
	HiddenDim int
}

// Validate returns an error when a field is out of range.
// ConditionDim may be 0 for an unconditional model.
func (cfg GANConfig) Validate() error {
	if cfg.SequenceLength <= 0 || cfg.LatentDim <= 0 || cfg.HiddenDim <= 0 || cfg.ConditionDim < 0 {
		return errors.Errorf("invalid GANConfig %+v", cfg)
	}
	return nil
}

func (cfg GANConfig) validate() {
	if err := cfg.Validate(); err != nil {
		exceptions.Panicf("%v", err)
	}
}

// NewGenerator builds the conditional generator: a dense stack from
// `[batch, latent+condition]` to `[batch, sequenceLength]` with a tanh
// output, matching data normalized to [-1, 1].
func NewGenerator(cfg GANConfig, rng *rand.Rand) Module {
	cfg.validate()
	inDim := cfg.LatentDim + cfg.ConditionDim
	return NewSequential("generator",
		NewDense("generator/dense0", inDim, cfg.HiddenDim, rng),
		&LeakyReLU{Alpha: 0.1},
		NewDense("generator/dense1", cfg.HiddenDim, cfg.HiddenDim, rng),
		&LeakyReLU{Alpha: 0.1},
		NewDense("generator/dense2", cfg.HiddenDim, cfg.SequenceLength, rng),
		&Tanh{},
	)
}

// NewDiscriminator builds the conditional critic: a dense stack from
// `[batch, sequenceLength+condition]` to a `[batch, 1]` score. No output
// activation: the Wasserstein formulation wants an unbounded critic.
func NewDiscriminator(cfg GANConfig, rng *rand.Rand) Module {
	cfg.validate()
	inDim := cfg.SequenceLength + cfg.ConditionDim
	return NewSequential("discriminator",
		NewDense("discriminator/dense0", inDim, cfg.HiddenDim, rng),
		&LeakyReLU{Alpha: 0.1},
		NewDense("discriminator/dense1", cfg.HiddenDim, cfg.HiddenDim, rng),
		&LeakyReLU{Alpha: 0.1},
		NewDense("discriminator/dense2", cfg.HiddenDim, 1, rng),
	)
}

// ConcatCols concatenates two `[batch, *]` tensors along the column axis.
func ConcatCols(a, b *tensors.Tensor) *tensors.Tensor {
	shapes.AssertRank(a, 2)
	shapes.AssertRank(b, 2)
	batch := a.Shape().Dim(0)
	if b.Shape().Dim(0) != batch {
		exceptions.Panicf("ConcatCols: batch mismatch, %s vs %s", a.Shape(), b.Shape())
	}
	aCols, bCols := a.Shape().Dim(1), b.Shape().Dim(1)
	out := tensors.FromShape(shapes.Make(shapes.Float32, batch, aCols+bCols))
	outFlat, aFlat, bFlat := out.Flat(), a.Flat(), b.Flat()
	for i := 0; i < batch; i++ {
		copy(outFlat[i*(aCols+bCols):], aFlat[i*aCols:(i+1)*aCols])
		copy(outFlat[i*(aCols+bCols)+aCols:], bFlat[i*bCols:(i+1)*bCols])
	}
	return out
}

// SplitCols splits a `[batch, aCols+bCols]` tensor into its first aCols
// and remaining columns. It is the inverse of ConcatCols, used to route
// gradients back through a concatenated input.
func SplitCols(t *tensors.Tensor, aCols int) (a, b *tensors.Tensor) {
	shapes.AssertRank(t, 2)
	batch := t.Shape().Dim(0)
	totalCols := t.Shape().Dim(1)
	if aCols < 0 || aCols > totalCols {
		exceptions.Panicf("SplitCols: aCols=%d out of range for shape %s", aCols, t.Shape())
	}
	bCols := totalCols - aCols
	a = tensors.FromShape(shapes.Make(shapes.Float32, batch, aCols))
	tFlat, aFlat := t.Flat(), a.Flat()
	for i := 0; i < batch; i++ {
		copy(aFlat[i*aCols:], tFlat[i*totalCols:i*totalCols+aCols])
	}
	if bCols == 0 {
		// Nothing was concatenated on the right.
		return a, nil
	}
	b = tensors.FromShape(shapes.Make(shapes.Float32, batch, bCols))
	bFlat := b.Flat()
	for i := 0; i < batch; i++ {
		copy(bFlat[i*bCols:], tFlat[i*totalCols+aCols:(i+1)*totalCols])
	}
	return
}
