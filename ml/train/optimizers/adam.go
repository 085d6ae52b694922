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

	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/nn"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001
)

// Adam optimization is a stochastic gradient descent method based on
// adaptive estimation of first-order and second-order moments, as
// described in [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object. Once configured, call Done and it
// will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, created with
// Adam(), and once configured call Done to build the optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// LearningRate sets the base learning rate. Default is
// AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average constants (exponential decays). They
// default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given
// static weight decay. L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done finishes the configuration and builds an Adam optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{
		config: c,
		slots:  make(map[string]map[string][]float32),
	}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config *AdamConfig
	step   int64
	slots  map[string]map[string][]float32
}

const (
	moment1Slot = "m"
	moment2Slot = "v"
)

func (o *adam) slotsFor(v *nn.Variable) (m, vv []float32, err error) {
	slots, found := o.slots[v.Name]
	if !found {
		slots = map[string][]float32{
			moment1Slot: make([]float32, v.Value.Size()),
			moment2Slot: make([]float32, v.Value.Size()),
		}
		o.slots[v.Name] = slots
	}
	m, vv = slots[moment1Slot], slots[moment2Slot]
	if len(m) != v.Value.Size() || len(vv) != v.Value.Size() {
		return nil, nil, errors.Errorf(
			"adam slot state for variable %q has %d elements, variable has %d -- "+
				"was the state dict loaded from a different model ?", v.Name, len(m), v.Value.Size())
	}
	return m, vv, nil
}

// Step implements Interface.
func (o *adam) Step(vars []*nn.Variable) error {
	o.step++
	lr := o.config.learningRate
	beta1, beta2 := o.config.beta1, o.config.beta2
	debias1 := 1.0 / (1.0 - math.Pow(beta1, float64(o.step)))
	debias2 := 1.0 / (1.0 - math.Pow(beta2, float64(o.step)))
	epsilon := o.config.epsilon
	weightDecay := o.config.weightDecay

	for _, v := range vars {
		m, vv, err := o.slotsFor(v)
		if err != nil {
			return err
		}
		value, grad := v.Value.Flat(), v.Grad.Flat()
		for i, g64 := range grad {
			g := float64(g64)
			mNew := beta1*float64(m[i]) + (1-beta1)*g
			vNew := beta2*float64(vv[i]) + (1-beta2)*g*g
			m[i], vv[i] = float32(mNew), float32(vNew)
			update := lr * (mNew * debias1) / (math.Sqrt(vNew*debias2) + epsilon)
			if weightDecay > 0 {
				update += lr * weightDecay * float64(value[i])
			}
			value[i] -= float32(update)
		}
	}
	return nil
}

// StateDict implements Interface.
func (o *adam) StateDict() State {
	state := State{Name: "adam", Step: o.step, Slots: o.slots}
	return state.Clone()
}

// LoadStateDict implements Interface.
func (o *adam) LoadStateDict(state State) {
	state = state.Clone()
	o.step = state.Step
	o.slots = state.Slots
	if o.slots == nil {
		o.slots = make(map[string]map[string][]float32)
	}
}

// Clear implements Interface.
func (o *adam) Clear() {
	o.step = 0
	o.slots = make(map[string]map[string][]float32)
}
