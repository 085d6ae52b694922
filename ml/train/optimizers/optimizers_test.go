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

package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/types/shapes"
)

func newVar(t *testing.T, name string, values []float32, grads []float32) *nn.Variable {
	require.Equal(t, len(values), len(grads))
	v := nn.NewVariable(name, shapes.Make(shapes.Float32, len(values)))
	copy(v.Value.Flat(), values)
	copy(v.Grad.Flat(), grads)
	return v
}

func TestByName(t *testing.T) {
	for name := range KnownOptimizers {
		opt, err := ByName(name)
		require.NoError(t, err)
		assert.NotNil(t, opt)
	}
	_, err := ByName("lbfgs")
	assert.Error(t, err)
}

func TestSGDStep(t *testing.T) {
	opt := SGD().LearningRate(0.1).Done()
	v := newVar(t, "w", []float32{1, 2}, []float32{10, -10})
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	assert.InDeltaSlice(t, []float32{0, 3}, v.Value.Flat(), 1e-6)
	// Gradients are left for the caller to zero.
	assert.Equal(t, []float32{10, -10}, v.Grad.Flat())

	state := opt.StateDict()
	assert.Equal(t, "sgd", state.Name)
	assert.Equal(t, int64(1), state.Step)
}

func TestAdamFirstStep(t *testing.T) {
	// On the first step the debiased moments cancel the (1-beta) factors,
	// so the update is lr * g / (|g| + eps) ≈ lr * sign(g).
	lr := 0.01
	opt := Adam().LearningRate(lr).Done()
	v := newVar(t, "w", []float32{1, 1}, []float32{0.5, -2})
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	assert.InDelta(t, 1-lr, float64(v.Value.At(0)), 1e-4)
	assert.InDelta(t, 1+lr, float64(v.Value.At(1)), 1e-4)
}

func TestAdamConvergesToMinimum(t *testing.T) {
	// Minimize (x-3)^2 with gradient 2(x-3).
	opt := Adam().LearningRate(0.1).Done()
	v := newVar(t, "x", []float32{0}, []float32{0})
	for step := 0; step < 500; step++ {
		v.Grad.Flat()[0] = 2 * (v.Value.At(0) - 3)
		require.NoError(t, opt.Step([]*nn.Variable{v}))
	}
	assert.InDelta(t, 3.0, float64(v.Value.At(0)), 1e-2)
}

func TestAdamStateDictRoundTrip(t *testing.T) {
	opt := Adam().Done()
	v := newVar(t, "w", []float32{1, 2, 3}, []float32{0.1, 0.2, 0.3})
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	require.NoError(t, opt.Step([]*nn.Variable{v}))

	state := opt.StateDict()
	assert.Equal(t, "adam", state.Name)
	assert.Equal(t, int64(2), state.Step)
	require.Contains(t, state.Slots, "w")
	require.Len(t, state.Slots["w"]["m"], 3)
	require.Len(t, state.Slots["w"]["v"], 3)

	// The state dict is a deep copy: later steps must not leak into it.
	mBefore := append([]float32(nil), state.Slots["w"]["m"]...)
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	assert.Equal(t, mBefore, state.Slots["w"]["m"])

	// Two optimizers restored from the same dict take identical next steps.
	va := newVar(t, "w", []float32{1, 2, 3}, []float32{0.1, 0.2, 0.3})
	vb := newVar(t, "w", []float32{1, 2, 3}, []float32{0.1, 0.2, 0.3})
	restoredA := Adam().Done()
	restoredA.LoadStateDict(state)
	restoredB := Adam().Done()
	restoredB.LoadStateDict(state)
	require.NoError(t, restoredA.Step([]*nn.Variable{va}))
	require.NoError(t, restoredB.Step([]*nn.Variable{vb}))
	assert.Equal(t, va.Value.Flat(), vb.Value.Flat())
	assert.NotEqual(t, []float32{1, 2, 3}, va.Value.Flat())
}

func TestAdamSlotSizeMismatch(t *testing.T) {
	opt := Adam().Done()
	state := State{
		Name: "adam",
		Step: 1,
		Slots: map[string]map[string][]float32{
			"w": {"m": {0, 0}, "v": {0, 0}},
		},
	}
	opt.LoadStateDict(state)
	v := newVar(t, "w", []float32{1, 2, 3}, []float32{1, 1, 1})
	err := opt.Step([]*nn.Variable{v})
	assert.Error(t, err)
}

func TestAdamWeightDecay(t *testing.T) {
	// With zero gradient the AdamW decay term still shrinks the weight.
	opt := Adam().LearningRate(0.1).WeightDecay(0.5).Done()
	v := newVar(t, "w", []float32{2}, []float32{0})
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	// update = lr*wd*value = 0.1*0.5*2 = 0.1 (the moment term is 0).
	assert.InDelta(t, 1.9, float64(v.Value.At(0)), 1e-6)
}

func TestStateClone(t *testing.T) {
	state := State{
		Name:  "adam",
		Step:  7,
		Slots: map[string]map[string][]float32{"w": {"m": {1, 2}}},
	}
	clone := state.Clone()
	clone.Slots["w"]["m"][0] = 99
	assert.Equal(t, float32(1), state.Slots["w"]["m"][0])
	assert.Equal(t, int64(7), clone.Step)
}

func TestClear(t *testing.T) {
	opt := Adam().Done()
	v := newVar(t, "w", []float32{1}, []float32{1})
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	opt.Clear()
	state := opt.StateDict()
	assert.Equal(t, int64(0), state.Step)
	assert.Empty(t, state.Slots)
}

func TestAdamFirstStepMatchesClosedForm(t *testing.T) {
	g := 0.25
	opt := Adam().Done()
	v := newVar(t, "w", []float32{1}, []float32{float32(g)})
	require.NoError(t, opt.Step([]*nn.Variable{v}))
	expected := 1 - AdamDefaultLearningRate*g/(math.Sqrt(g*g)+1e-7)
	assert.InDelta(t, expected, float64(v.Value.At(0)), 1e-5)
}
