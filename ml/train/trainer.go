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

// Package train implements the adversarial training loop: the Loop with
// its hook points, and the GANTrainer that runs Wasserstein critic and
// generator updates.
//
// The trainer is composed, not subclassed, for the distributed case: a
// SyncPolicy (no-op locally, gradient-averaging collectives when
// distributed) and a LeaderGate (always-true locally) are injected at
// construction. The trainer itself never checks ranks and never talks to
// the network directly.
package train

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train/losses"
	"github.com/tsgan/tsgan/ml/train/metrics"
	"github.com/tsgan/tsgan/ml/train/optimizers"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

// SyncPolicy is how the trainer's gradients and metrics become globally
// consistent. The local (single-process) policy does nothing; the
// distributed policy averages across the process group.
//
// SyncGradients is called by the trainer unconditionally on every rank
// after every backward pass -- implementations may issue collective
// calls, so it must never be gated behind a leader check.
type SyncPolicy interface {
	// SyncGradients averages the accumulated gradients of vars across
	// all replicas, in place.
	SyncGradients(vars []*nn.Variable) error

	// ReduceMetrics averages the given scalars across all replicas and
	// returns the averaged values. All scalars are packed into a single
	// reduction.
	ReduceMetrics(values []float64) ([]float64, error)
}

// LocalPolicy is the SyncPolicy of single-process training: gradients
// and metrics are already globally consistent.
type LocalPolicy struct{}

// SyncGradients implements SyncPolicy as a no-op.
func (LocalPolicy) SyncGradients([]*nn.Variable) error { return nil }

// ReduceMetrics implements SyncPolicy as the identity.
func (LocalPolicy) ReduceMetrics(values []float64) ([]float64, error) { return values, nil }

// LeaderGate gates side effects that must happen exactly once per
// logical event: checkpoint writes, log lines, sample persistence.
// Collective calls are never gated -- see SyncPolicy.
type LeaderGate interface {
	IsLeader() bool
}

// AlwaysLeader is the LeaderGate of single-process training.
type AlwaysLeader struct{}

// IsLeader implements LeaderGate.
func (AlwaysLeader) IsLeader() bool { return true }

// Progress is the training-progress state persisted in checkpoints. It
// is replicated implicitly: every rank iterates the same deterministic
// schedule, so it needs no synchronization, but it must not drift.
type Progress struct {
	// Epoch completed so far (0 before training).
	Epoch int `json:"epoch"`

	// TotalEpochs requested for the run.
	TotalEpochs int `json:"total_epochs"`

	// GlobalStep is the number of completed optimizer steps of the
	// generator.
	GlobalStep int `json:"global_step"`
}

// GANTrainerConfig configures a GANTrainer. The zero value of optional
// fields picks defaults.
type GANTrainerConfig struct {
	// LatentDim of the generator noise. Required.
	LatentDim int

	// CriticIters is the number of critic updates per generator update.
	// Defaults to 5, per the usual Wasserstein-GAN recipe.
	CriticIters int

	// Sync policy. Defaults to LocalPolicy.
	Sync SyncPolicy

	// Gate for leader-only side effects. Defaults to AlwaysLeader.
	Gate LeaderGate

	// Rng used for noise sampling. Required; seed it per rank so
	// replicas train on different noise.
	Rng *rand.Rand
}

// GANTrainer runs adversarial updates for a generator/critic pair. It
// implements Stepper.
type GANTrainer struct {
	generator     nn.Module
	discriminator nn.Module
	genOpt        optimizers.Interface
	discOpt       optimizers.Interface
	config        GANTrainerConfig

	progress     Progress
	trainMetrics []metrics.Interface
}

// NewGANTrainer creates a trainer for the given modules and optimizers.
func NewGANTrainer(generator, discriminator nn.Module,
	genOpt, discOpt optimizers.Interface, config GANTrainerConfig) (*GANTrainer, error) {
	if config.LatentDim <= 0 {
		return nil, errors.Errorf("GANTrainerConfig.LatentDim must be set, got %d", config.LatentDim)
	}
	if config.Rng == nil {
		return nil, errors.New("GANTrainerConfig.Rng must be set")
	}
	if config.CriticIters <= 0 {
		config.CriticIters = 5
	}
	if config.Sync == nil {
		config.Sync = LocalPolicy{}
	}
	if config.Gate == nil {
		config.Gate = AlwaysLeader{}
	}
	return &GANTrainer{
		generator:     generator,
		discriminator: discriminator,
		genOpt:        genOpt,
		discOpt:       discOpt,
		config:        config,
		trainMetrics: []metrics.Interface{
			metrics.NewLossMetric("Critic Loss", "d_loss"),
			metrics.NewLossMetric("Generator Loss", "g_loss"),
		},
	}, nil
}

// Generator returns the (possibly wrapped) generator module.
func (t *GANTrainer) Generator() nn.Module { return t.generator }

// Discriminator returns the (possibly wrapped) discriminator module.
func (t *GANTrainer) Discriminator() nn.Module { return t.discriminator }

// GeneratorOptimizer returns the generator optimizer.
func (t *GANTrainer) GeneratorOptimizer() optimizers.Interface { return t.genOpt }

// DiscriminatorOptimizer returns the critic optimizer.
func (t *GANTrainer) DiscriminatorOptimizer() optimizers.Interface { return t.discOpt }

// Gate returns the injected LeaderGate.
func (t *GANTrainer) Gate() LeaderGate { return t.config.Gate }

// Sync returns the injected SyncPolicy.
func (t *GANTrainer) Sync() SyncPolicy { return t.config.Sync }

// Progress returns the current training progress.
func (t *GANTrainer) Progress() Progress { return t.progress }

// SetProgress restores training progress, used on checkpoint resume.
func (t *GANTrainer) SetProgress(p Progress) { t.progress = p }

// TrainMetrics implements Stepper.
func (t *GANTrainer) TrainMetrics() []metrics.Interface { return t.trainMetrics }

// SampleNoise returns a `[batch, latentDim]` standard-normal noise tensor.
func (t *GANTrainer) SampleNoise(batch int) *tensors.Tensor {
	noise := tensors.FromShape(shapes.Make(shapes.Float32, batch, t.config.LatentDim))
	flat := noise.Flat()
	for i := range flat {
		flat[i] = float32(t.config.Rng.NormFloat64())
	}
	return noise
}

// withConditions concatenates conditions to x when the dataset is
// conditional.
func withConditions(x, conditions *tensors.Tensor) *tensors.Tensor {
	if conditions == nil {
		return x
	}
	return nn.ConcatCols(x, conditions)
}

// TrainStep implements Stepper: CriticIters critic updates followed by
// one generator update, with a gradient synchronization before every
// optimizer step.
//
// It returns `[criticLoss, generatorLoss]`, the local (unreduced) batch
// losses, matching TrainMetrics order.
func (t *GANTrainer) TrainStep(inputs, conditions *tensors.Tensor) ([]float64, error) {
	shapes.AssertRank(inputs, 2)
	batch := inputs.Shape().Dim(0)
	seqLen := inputs.Shape().Dim(1)

	// Critic updates.
	var dLoss float64
	for iter := 0; iter < t.config.CriticIters; iter++ {
		realScores := t.discriminator.Forward(withConditions(inputs, conditions))
		t.discriminator.Backward(losses.MeanGrad(realScores, -1))

		fake := t.generator.Forward(withConditions(t.SampleNoise(batch), conditions))
		fakeScores := t.discriminator.Forward(withConditions(fake, conditions))
		t.discriminator.Backward(losses.MeanGrad(fakeScores, +1))

		dLoss = losses.CriticLoss(realScores, fakeScores)

		if err := t.config.Sync.SyncGradients(t.discriminator.Variables()); err != nil {
			return nil, errors.WithMessage(err, "failed to synchronize critic gradients")
		}
		if err := t.discOpt.Step(t.discriminator.Variables()); err != nil {
			return nil, errors.WithMessage(err, "critic optimizer step")
		}
		t.discriminator.ZeroGrad()
		t.generator.ZeroGrad() // The generator took no gradient this pass; keep it clean anyway.
	}

	// Generator update.
	fake := t.generator.Forward(withConditions(t.SampleNoise(batch), conditions))
	fakeScores := t.discriminator.Forward(withConditions(fake, conditions))
	gLoss := losses.GeneratorLoss(fakeScores)

	gradFakeInput := t.discriminator.Backward(losses.MeanGrad(fakeScores, -1))
	gradFake, _ := nn.SplitCols(gradFakeInput, seqLen)
	t.generator.Backward(gradFake)

	if err := t.config.Sync.SyncGradients(t.generator.Variables()); err != nil {
		return nil, errors.WithMessage(err, "failed to synchronize generator gradients")
	}
	if err := t.genOpt.Step(t.generator.Variables()); err != nil {
		return nil, errors.WithMessage(err, "generator optimizer step")
	}
	t.generator.ZeroGrad()
	t.discriminator.ZeroGrad() // Critic gradients from the generator pass are discarded.

	t.progress.GlobalStep++
	return []float64{dLoss, gLoss}, nil
}

// GenerateSamples runs the generator on fresh noise for the given
// conditions (may be nil for an unconditional model) and returns the
// `[n, seqLen]` samples. When conditions are given, their row count
// wins over n. Gradients are untouched.
func (t *GANTrainer) GenerateSamples(n int, conditions *tensors.Tensor) *tensors.Tensor {
	if conditions != nil {
		n = conditions.Shape().Dim(0)
	}
	samples := t.generator.Forward(withConditions(t.SampleNoise(n), conditions))
	t.generator.ZeroGrad()
	return samples
}
