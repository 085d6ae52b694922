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

package train

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train/optimizers"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

const (
	testSeqLen  = 8
	testCondDim = 2
	testLatent  = 4
	testBatch   = 6
)

func newTestTrainer(t *testing.T, condDim int) *GANTrainer {
	rng := rand.New(rand.NewSource(42))
	cfg := nn.GANConfig{
		SequenceLength: testSeqLen,
		ConditionDim:   condDim,
		LatentDim:      testLatent,
		HiddenDim:      16,
	}
	generator := nn.NewGenerator(cfg, rng)
	discriminator := nn.NewDiscriminator(cfg, rng)
	trainer, err := NewGANTrainer(generator, discriminator,
		optimizers.Adam().Done(), optimizers.Adam().Done(),
		GANTrainerConfig{
			LatentDim:   testLatent,
			CriticIters: 2,
			Rng:         rng,
		})
	require.NoError(t, err)
	return trainer
}

func testBatchTensors(rng *rand.Rand, condDim int) (inputs, conditions *tensors.Tensor) {
	inputs = tensors.FromShape(shapes.Make(shapes.Float32, testBatch, testSeqLen))
	for i := range inputs.Flat() {
		inputs.Flat()[i] = float32(rng.NormFloat64() * 0.5)
	}
	if condDim == 0 {
		return inputs, nil
	}
	conditions = tensors.FromShape(shapes.Make(shapes.Float32, testBatch, condDim))
	for i := 0; i < testBatch; i++ {
		conditions.Flat()[i*condDim+i%condDim] = 1 // One-hot rows.
	}
	return inputs, conditions
}

func TestNewGANTrainerValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	_, err := NewGANTrainer(nil, nil, nil, nil, GANTrainerConfig{Rng: rng})
	assert.Error(t, err) // LatentDim missing.
	_, err = NewGANTrainer(nil, nil, nil, nil, GANTrainerConfig{LatentDim: 4})
	assert.Error(t, err) // Rng missing.
}

func TestTrainStepConditional(t *testing.T) {
	trainer := newTestTrainer(t, testCondDim)
	rng := rand.New(rand.NewSource(7))
	inputs, conditions := testBatchTensors(rng, testCondDim)

	stepMetrics, err := trainer.TrainStep(inputs, conditions)
	require.NoError(t, err)
	require.Len(t, stepMetrics, len(trainer.TrainMetrics()))
	for _, v := range stepMetrics {
		assert.False(t, math.IsNaN(v))
		assert.False(t, math.IsInf(v, 0))
	}
	assert.Equal(t, 1, trainer.Progress().GlobalStep)

	// Gradients are zeroed at the end of a step.
	for _, v := range trainer.Generator().Variables() {
		for _, g := range v.Grad.Flat() {
			assert.Zero(t, g)
		}
	}
	for _, v := range trainer.Discriminator().Variables() {
		for _, g := range v.Grad.Flat() {
			assert.Zero(t, g)
		}
	}
}

func TestTrainStepUnconditional(t *testing.T) {
	trainer := newTestTrainer(t, 0)
	rng := rand.New(rand.NewSource(8))
	inputs, _ := testBatchTensors(rng, 0)
	stepMetrics, err := trainer.TrainStep(inputs, nil)
	require.NoError(t, err)
	require.Len(t, stepMetrics, 2)
}

func TestTrainStepUpdatesParameters(t *testing.T) {
	trainer := newTestTrainer(t, testCondDim)
	rng := rand.New(rand.NewSource(9))
	inputs, conditions := testBatchTensors(rng, testCondDim)

	genBefore := trainer.Generator().Variables()[0].Value.Clone()
	discBefore := trainer.Discriminator().Variables()[0].Value.Clone()
	_, err := trainer.TrainStep(inputs, conditions)
	require.NoError(t, err)
	assert.False(t, genBefore.Equal(trainer.Generator().Variables()[0].Value))
	assert.False(t, discBefore.Equal(trainer.Discriminator().Variables()[0].Value))
}

// recordingSync counts SyncGradients calls per variable set size, to
// check the trainer syncs before every optimizer step.
type recordingSync struct {
	calls int
}

func (s *recordingSync) SyncGradients(vars []*nn.Variable) error {
	s.calls++
	return nil
}

func (s *recordingSync) ReduceMetrics(values []float64) ([]float64, error) {
	return values, nil
}

func TestTrainStepSyncsPerOptimizerStep(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	cfg := nn.GANConfig{SequenceLength: testSeqLen, LatentDim: testLatent, HiddenDim: 16}
	sync := &recordingSync{}
	trainer, err := NewGANTrainer(
		nn.NewGenerator(cfg, rng), nn.NewDiscriminator(cfg, rng),
		optimizers.SGD().Done(), optimizers.SGD().Done(),
		GANTrainerConfig{LatentDim: testLatent, CriticIters: 3, Sync: sync, Rng: rng})
	require.NoError(t, err)

	inputs, _ := testBatchTensors(rng, 0)
	_, err = trainer.TrainStep(inputs, nil)
	require.NoError(t, err)
	// One sync per critic iteration plus one for the generator.
	assert.Equal(t, 4, sync.calls)
}

func TestTrainerDefaults(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cfg := nn.GANConfig{SequenceLength: testSeqLen, LatentDim: testLatent, HiddenDim: 16}
	trainer, err := NewGANTrainer(
		nn.NewGenerator(cfg, rng), nn.NewDiscriminator(cfg, rng),
		optimizers.SGD().Done(), optimizers.SGD().Done(),
		GANTrainerConfig{LatentDim: testLatent, Rng: rng})
	require.NoError(t, err)
	assert.True(t, trainer.Gate().IsLeader())
	assert.NotNil(t, trainer.Sync())

	names := []string{}
	for _, m := range trainer.TrainMetrics() {
		names = append(names, m.ShortName())
	}
	assert.Equal(t, []string{"d_loss", "g_loss"}, names)
}

func TestGenerateSamples(t *testing.T) {
	trainer := newTestTrainer(t, testCondDim)

	conditions := tensors.FromShape(shapes.Make(shapes.Float32, 3, testCondDim))
	samples := trainer.GenerateSamples(10, conditions)
	// The conditions' row count wins over n.
	shapes.AssertDims(samples, 3, testSeqLen)
	for _, v := range samples.Flat() {
		assert.LessOrEqual(t, v, float32(1))
		assert.GreaterOrEqual(t, v, float32(-1))
	}

	unconditional := newTestTrainer(t, 0)
	samples = unconditional.GenerateSamples(5, nil)
	shapes.AssertDims(samples, 5, testSeqLen)
}

func TestProgressRoundTrip(t *testing.T) {
	trainer := newTestTrainer(t, 0)
	trainer.SetProgress(Progress{Epoch: 3, TotalEpochs: 10, GlobalStep: 120})
	p := trainer.Progress()
	assert.Equal(t, 3, p.Epoch)
	assert.Equal(t, 10, p.TotalEpochs)
	assert.Equal(t, 120, p.GlobalStep)
}
