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
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/ml/nn"
	"github.com/tsgan/tsgan/ml/train/optimizers"
	"github.com/tsgan/tsgan/types/tensors"
	"k8s.io/klog/v2"
)

// ReplicatedModel wraps an nn.Module for data-parallel training: at
// wrap time every replica's parameters are overwritten with rank 0's,
// so all replicas start identical; afterwards SyncGradients keeps them
// identical by averaging gradients before every optimizer step.
//
// It is itself an nn.Module delegating to the wrapped module, so
// trainers and checkpoints see the same interface either way.
type ReplicatedModel struct {
	group  *ProcessGroup
	module nn.Module
	device Device

	// buffer is the flattened bucket reused by every parameter and
	// gradient collective. Its layout follows Variables() order, which
	// is deterministic and identical on every rank.
	buffer []float32
}

// WrapModule replicates module across the group, bound to device.
// Rank 0's parameter values win; every other rank's initialization is
// discarded. Wrapping an already wrapped module is an error.
func WrapModule(group *ProcessGroup, module nn.Module, device Device) (*ReplicatedModel, error) {
	if _, wrapped := module.(*ReplicatedModel); wrapped {
		return nil, errors.Errorf("module %q is already replicated", module.Name())
	}
	total := 0
	for _, v := range module.Variables() {
		total += v.Value.Size()
	}
	if total == 0 {
		return nil, errors.Errorf("module %q has no parameters to replicate", module.Name())
	}
	m := &ReplicatedModel{
		group:  group,
		module: module,
		device: device,
		buffer: make([]float32, total),
	}

	// Make every replica start from rank 0's initialization.
	m.flatten(func(v *nn.Variable) *tensors.Tensor { return v.Value })
	if err := group.Broadcast(0, m.buffer); err != nil {
		return nil, errors.WithMessagef(err, "failed to replicate initial parameters of %q", module.Name())
	}
	m.scatter(func(v *nn.Variable) *tensors.Tensor { return v.Value })

	klog.V(1).Infof("Rank %d replicated module %q (%d parameters) on %s",
		group.Rank(), module.Name(), total, device)
	return m, nil
}

// flatten packs the selected tensor of every variable into the bucket.
func (m *ReplicatedModel) flatten(sel func(*nn.Variable) *tensors.Tensor) {
	offset := 0
	for _, v := range m.module.Variables() {
		flat := sel(v).Flat()
		copy(m.buffer[offset:], flat)
		offset += len(flat)
	}
}

// scatter unpacks the bucket back into the selected tensors.
func (m *ReplicatedModel) scatter(sel func(*nn.Variable) *tensors.Tensor) {
	offset := 0
	for _, v := range m.module.Variables() {
		flat := sel(v).Flat()
		copy(flat, m.buffer[offset:offset+len(flat)])
		offset += len(flat)
	}
}

// SyncGradients averages the accumulated gradients across all replicas
// in place: one flattened all-reduce (sum) followed by a 1/world scale.
// Every rank must call it after every backward pass, before the
// optimizer step.
func (m *ReplicatedModel) SyncGradients() error {
	m.flatten(func(v *nn.Variable) *tensors.Tensor { return v.Grad })
	if err := m.group.AllReduce(ReduceSum, m.buffer); err != nil {
		return errors.WithMessagef(err, "failed to all-reduce gradients of %q", m.module.Name())
	}
	invWorld := 1 / float32(m.group.WorldSize())
	for i := range m.buffer {
		m.buffer[i] *= invWorld
	}
	m.scatter(func(v *nn.Variable) *tensors.Tensor { return v.Grad })
	return nil
}

// Module returns the wrapped module, e.g. for checkpointing under its
// original structure.
func (m *ReplicatedModel) Module() nn.Module { return m.module }

// Device this replica is bound to.
func (m *ReplicatedModel) Device() Device { return m.device }

// Name implements nn.Module.
func (m *ReplicatedModel) Name() string { return m.module.Name() }

// Variables implements nn.Module.
func (m *ReplicatedModel) Variables() []*nn.Variable { return m.module.Variables() }

// ZeroGrad implements nn.Module.
func (m *ReplicatedModel) ZeroGrad() { m.module.ZeroGrad() }

// Forward implements nn.Module.
func (m *ReplicatedModel) Forward(x *tensors.Tensor) *tensors.Tensor { return m.module.Forward(x) }

// Backward implements nn.Module.
func (m *ReplicatedModel) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	return m.module.Backward(gradOutput)
}

// WrapOptimizer rewraps an optimizer for a replicated model, keeping
// any accumulated state (momentum, Adam moments). State is keyed by
// variable name and wrapping doesn't rename variables, so the state
// carries over as is; the call validates that every state slot still
// refers to a parameter of the wrapped module.
func WrapOptimizer(opt optimizers.Interface, m *ReplicatedModel) (optimizers.Interface, error) {
	state := opt.StateDict()
	if len(state.Slots) == 0 {
		return opt, nil
	}
	byName := make(map[string]int)
	for _, v := range m.Variables() {
		byName[v.Name] = v.Value.Size()
	}
	for varName, slots := range state.Slots {
		size, found := byName[varName]
		if !found {
			return nil, errors.Errorf("optimizer %q has state for %q, which is not a parameter of %q",
				state.Name, varName, m.Name())
		}
		for slotName, slot := range slots {
			if len(slot) != size {
				return nil, errors.Errorf("optimizer %q slot %s/%s has %d elements, parameter has %d",
					state.Name, varName, slotName, len(slot), size)
			}
		}
	}
	return opt, nil
}
