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

package distributed

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train"
	"github.com/tsgan/tsgan/ml/train/optimizers"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

var testGAN = nn.GANConfig{
	SequenceLength: 8,
	ConditionDim:   2,
	LatentDim:      4,
	HiddenDim:      8,
}

// assertModulesEqual checks two modules are parameter-identical, bit
// for bit.
func assertModulesEqual(t *testing.T, a, b nn.Module) {
	aVars, bVars := a.Variables(), b.Variables()
	require.Equal(t, len(aVars), len(bVars))
	for i, v := range aVars {
		assert.Truef(t, v.Value.Equal(bVars[i].Value), "parameter %s differs", v.Name)
	}
}

func TestWrapModuleReplicatesLeaderParameters(t *testing.T) {
	groups := joinGroup(t, 3)
	defer teardownAll(t, groups)

	// Every rank builds from a different seed; wrapping must make them
	// identical to rank 0's initialization.
	wrapped := make([]*ReplicatedModel, len(groups))
	var leaderInit []*tensors.Tensor
	errs := eachRank(groups, func(g *ProcessGroup) error {
		rng := rand.New(rand.NewSource(int64(100 + g.Rank())))
		gen := nn.NewGenerator(testGAN, rng)
		if g.Rank() == 0 {
			for _, v := range gen.Variables() {
				leaderInit = append(leaderInit, v.Value.Clone())
			}
		}
		m, err := WrapModule(g, gen, Device{Kind: "cpu", Index: g.Rank()})
		wrapped[g.Rank()] = m
		return err
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}

	for rank := 1; rank < len(wrapped); rank++ {
		assertModulesEqual(t, wrapped[0], wrapped[rank])
	}
	for i, v := range wrapped[1].Variables() {
		assert.Truef(t, v.Value.Equal(leaderInit[i]), "rank 1 parameter %s is not the leader's", v.Name)
	}
}

func TestWrapModuleRejectsDoubleWrap(t *testing.T) {
	groups := joinGroup(t, 2)
	defer teardownAll(t, groups)

	wrapped := make([]*ReplicatedModel, len(groups))
	errs := eachRank(groups, func(g *ProcessGroup) error {
		rng := rand.New(rand.NewSource(int64(g.Rank())))
		m, err := WrapModule(g, nn.NewGenerator(testGAN, rng), Device{Kind: "cpu"})
		wrapped[g.Rank()] = m
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	_, err := WrapModule(groups[0], wrapped[0], Device{Kind: "cpu"})
	assert.Error(t, err)
}

func TestSyncGradientsAverages(t *testing.T) {
	groups := joinGroup(t, 2)
	defer teardownAll(t, groups)

	wrapped := make([]*ReplicatedModel, len(groups))
	errs := eachRank(groups, func(g *ProcessGroup) error {
		rng := rand.New(rand.NewSource(int64(g.Rank())))
		m, err := WrapModule(g, nn.NewGenerator(testGAN, rng), Device{Kind: "cpu"})
		if err != nil {
			return err
		}
		wrapped[g.Rank()] = m

		// Rank r fills every gradient with r+1: the average is 1.5.
		for _, v := range m.Variables() {
			flat := v.Grad.Flat()
			for i := range flat {
				flat[i] = float32(g.Rank() + 1)
			}
		}
		return m.SyncGradients()
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	for _, m := range wrapped {
		for _, v := range m.Variables() {
			for _, gradValue := range v.Grad.Flat() {
				assert.Equal(t, float32(1.5), gradValue)
			}
		}
	}
}

// TestReplicasStayIdentical trains a full wrapped trainer on every rank
// with different data and noise, and checks the replicas end up with bit
// identical parameters: same reduced gradients plus same optimizer state
// imply the same updates.
func TestReplicasStayIdentical(t *testing.T) {
	const world = 2
	groups := joinGroup(t, world)
	defer teardownAll(t, groups)

	trainers := make([]*train.GANTrainer, world)
	errs := eachRank(groups, func(g *ProcessGroup) error {
		rng := rand.New(rand.NewSource(int64(1000 * (g.Rank() + 1))))
		gen, err := WrapModule(g, nn.NewGenerator(testGAN, rng), Device{Kind: "cpu"})
		if err != nil {
			return err
		}
		disc, err := WrapModule(g, nn.NewDiscriminator(testGAN, rng), Device{Kind: "cpu"})
		if err != nil {
			return err
		}
		trainer, err := train.NewGANTrainer(gen, disc,
			optimizers.Adam().Done(), optimizers.Adam().Done(),
			train.GANTrainerConfig{
				LatentDim:   testGAN.LatentDim,
				CriticIters: 2,
				Sync:        NewReplicaSync(g, gen, disc),
				Gate:        NewLeaderGate(g),
				Rng:         rng,
			})
		if err != nil {
			return err
		}
		trainers[g.Rank()] = trainer

		// Each rank trains on its own random batch.
		inputs := tensors.FromShape(shapes.Make(shapes.Float32, 4, testGAN.SequenceLength))
		conditions := tensors.FromShape(shapes.Make(shapes.Float32, 4, testGAN.ConditionDim))
		for step := 0; step < 3; step++ {
			for i := range inputs.Flat() {
				inputs.Flat()[i] = float32(rng.NormFloat64())
			}
			for i := 0; i < 4; i++ {
				conditions.Flat()[i*testGAN.ConditionDim+i%testGAN.ConditionDim] = 1
			}
			if _, err := trainer.TrainStep(inputs, conditions); err != nil {
				return err
			}
		}
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}

	assertModulesEqual(t, trainers[0].Generator(), trainers[1].Generator())
	assertModulesEqual(t, trainers[0].Discriminator(), trainers[1].Discriminator())
}

func TestWrapOptimizerValidatesState(t *testing.T) {
	groups := joinGroup(t, 2)
	defer teardownAll(t, groups)

	wrapped := make([]*ReplicatedModel, len(groups))
	opts := make([]optimizers.Interface, len(groups))
	errs := eachRank(groups, func(g *ProcessGroup) error {
		rng := rand.New(rand.NewSource(int64(g.Rank())))
		gen := nn.NewGenerator(testGAN, rng)
		opt := optimizers.Adam().Done()
		// Accumulate slot state before wrapping.
		for _, v := range gen.Variables() {
			for i := range v.Grad.Flat() {
				v.Grad.Flat()[i] = 0.1
			}
		}
		if err := opt.Step(gen.Variables()); err != nil {
			return err
		}
		gen.ZeroGrad()
		m, err := WrapModule(g, gen, Device{Kind: "cpu"})
		wrapped[g.Rank()] = m
		opts[g.Rank()] = opt
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Same variables, same names: the state carries over.
	kept, err := WrapOptimizer(opts[0], wrapped[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), kept.StateDict().Step)

	// State from a different model does not.
	foreign := optimizers.Adam().Done()
	foreign.LoadStateDict(optimizers.State{
		Name:  "adam",
		Step:  1,
		Slots: map[string]map[string][]float32{"other/weights": {"m": {0}, "v": {0}}},
	})
	_, err = WrapOptimizer(foreign, wrapped[0])
	assert.Error(t, err)
}

func TestReduceAndAverage(t *testing.T) {
	groups := joinGroup(t, 2)
	defer teardownAll(t, groups)

	// Rank 0 reports d=1, g=2; rank 1 reports d=3, g=4. Every rank must
	// see the averages [2, 3].
	results := make([][]float64, len(groups))
	errs := eachRank(groups, func(g *ProcessGroup) error {
		reducer := NewMetricReducer(g)
		base := float64(2*g.Rank() + 1)
		reduced, err := reducer.ReduceAndAverage([]float64{base, base + 1})
		results[g.Rank()] = reduced
		return err
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
		assert.Equal(t, []float64{2, 3}, results[rank])
	}
}

func TestReplicaSyncRejectsForeignVariables(t *testing.T) {
	groups := joinGroup(t, 2)
	defer teardownAll(t, groups)

	syncs := make([]*ReplicaSync, len(groups))
	errs := eachRank(groups, func(g *ProcessGroup) error {
		rng := rand.New(rand.NewSource(int64(g.Rank())))
		gen, err := WrapModule(g, nn.NewGenerator(testGAN, rng), Device{Kind: "cpu"})
		if err != nil {
			return err
		}
		disc, err := WrapModule(g, nn.NewDiscriminator(testGAN, rng), Device{Kind: "cpu"})
		if err != nil {
			return err
		}
		syncs[g.Rank()] = NewReplicaSync(g, gen, disc)
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Error(t, syncs[0].SyncGradients(nil))
	foreign := nn.NewGenerator(testGAN, rand.New(rand.NewSource(9)))
	assert.Error(t, syncs[0].SyncGradients(foreign.Variables()))
}

func TestConcurrentCollectivesSerialize(t *testing.T) {
	groups := joinGroup(t, 2)
	defer teardownAll(t, groups)

	// Two goroutines per rank each running barriers: the group must
	// serialize them instead of interleaving rounds.
	const rounds = 8
	errs := eachRank(groups, func(g *ProcessGroup) error {
		var wg sync.WaitGroup
		barrierErrs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for r := 0; r < rounds; r++ {
					if err := g.Barrier(); err != nil {
						barrierErrs[i] = err
						return
					}
				}
			}(i)
		}
		wg.Wait()
		if barrierErrs[0] != nil {
			return barrierErrs[0]
		}
		return barrierErrs[1]
	})
	for rank, err := range errs {
		assert.NoErrorf(t, err, "rank %d", rank)
	}
}
