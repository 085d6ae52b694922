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

// Package optimizers implements the optimizers used by the GAN trainer.
// They all implement optimizers.Interface.
//
// Optimizer slot state (moments, accumulators) is keyed by variable name,
// not by variable identity. That makes the state dict survive a model
// re-wrap: extract StateDict, construct a fresh optimizer against the
// wrapped parameters, LoadStateDict -- nothing is silently dropped.
package optimizers

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/nn"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Step applies one update to the given variables using their
	// accumulated gradients. Gradients are left untouched; the caller
	// zeroes them.
	Step(vars []*nn.Variable) error

	// StateDict extracts a deep copy of the optimizer slot state, keyed
	// by variable name.
	StateDict() State

	// LoadStateDict replaces the optimizer slot state with the given
	// one. Slot entries are matched by variable name on the next Step.
	LoadStateDict(state State)

	// Clear deletes all slot state, resetting the optimizer.
	Clear()
}

// State is the serializable slot state of an optimizer, keyed by
// variable name.
type State struct {
	// Name of the optimizer that produced the state ("sgd", "adam").
	Name string `json:"name"`

	// Step counter (number of updates applied).
	Step int64 `json:"step"`

	// Slots maps variable name to named slot buffers (e.g. "m", "v"
	// moments for Adam).
	Slots map[string]map[string][]float32 `json:"slots"`
}

// Clone makes a deep copy of the state.
func (s State) Clone() State {
	out := State{Name: s.Name, Step: s.Step, Slots: make(map[string]map[string][]float32, len(s.Slots))}
	for varName, slots := range s.Slots {
		cp := make(map[string][]float32, len(slots))
		for slotName, buf := range slots {
			cp[slotName] = slices.Clone(buf)
		}
		out.Slots[varName] = cp
	}
	return out
}

// KnownOptimizers is a map of known optimizers by name to their default
// constructors.
var KnownOptimizers = map[string]func() Interface{
	"sgd":  func() Interface { return SGD().Done() },
	"adam": func() Interface { return Adam().Done() },
}

// ByName returns a default-configured optimizer given its name, or an
// error if one does not exist. See KnownOptimizers.
func ByName(name string) (Interface, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %v",
			name, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return builder(), nil
}

// SGDDefaultLearningRate is used by SGD if no learning rate is set.
const SGDDefaultLearningRate = 0.01

// SGD returns a configuration object for a plain stochastic gradient
// descent optimizer. Call Done to build the optimizers.Interface.
func SGD() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// SGDConfig holds the configuration of an SGD optimizer, created with
// SGD(), finished with Done.
type SGDConfig struct {
	learningRate float64
}

// LearningRate sets the learning rate. Default is SGDDefaultLearningRate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Done finishes the configuration and builds the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: c}
}

type sgd struct {
	config *SGDConfig
	step   int64
}

// Step implements Interface.
func (o *sgd) Step(vars []*nn.Variable) error {
	lr := float32(o.config.learningRate)
	for _, v := range vars {
		value, grad := v.Value.Flat(), v.Grad.Flat()
		for i := range value {
			value[i] -= lr * grad[i]
		}
	}
	o.step++
	return nil
}

// StateDict implements Interface. SGD has no slots, only the step count.
func (o *sgd) StateDict() State {
	return State{Name: "sgd", Step: o.step, Slots: map[string]map[string][]float32{}}
}

// LoadStateDict implements Interface.
func (o *sgd) LoadStateDict(state State) {
	o.step = state.Step
}

// Clear implements Interface.
func (o *sgd) Clear() { o.step = 0 }
