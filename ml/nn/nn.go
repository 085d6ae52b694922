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

// Package nn implements the model collaborators of the trainer: variables
// (parameter + gradient pairs), the Module interface and the dense layers
// the conditional GAN networks are built from.
//
// A Module exposes parameter enumeration (Variables, in deterministic
// order), a gradient-bearing Forward/Backward pair, and works with the
// optimizers package for the step/state-dict contract. Everything the
// distributed layer needs from a model goes through this interface.
package nn

import (
	"math"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

// Variable is a named trainable parameter with its gradient accumulator.
//
// Grad always has the same shape as Value. Backward passes accumulate
// into Grad; optimizers consume it and the trainer zeroes it between
// steps.
type Variable struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// NewVariable creates a zero-initialized variable of the given shape.
func NewVariable(name string, shape shapes.Shape) *Variable {
	return &Variable{
		Name:  name,
		Value: tensors.FromShape(shape),
		Grad:  tensors.FromShape(shape),
	}
}

// Module is a differentiable unit of a model.
//
// Forward caches whatever it needs for the following Backward call, so a
// module must not be shared across concurrent training steps. Backward
// accumulates parameter gradients into the module's Variables and returns
// the gradient with respect to its input.
type Module interface {
	// Name of the module, used for checkpoint keys and logging.
	Name() string

	// Variables enumerates the module parameters in a deterministic order.
	// The order is part of the module's contract: gradient synchronization
	// and checkpoint layout both rely on it.
	Variables() []*Variable

	// Forward computes the module output for a `[batch, inDim]` input.
	Forward(x *tensors.Tensor) *tensors.Tensor

	// Backward takes the gradient of the loss with respect to the output
	// of the last Forward call, accumulates parameter gradients, and
	// returns the gradient with respect to the input.
	Backward(gradOutput *tensors.Tensor) *tensors.Tensor

	// ZeroGrad resets all accumulated gradients to zero.
	ZeroGrad()
}

// ZeroGrads zeroes the gradients of all given variables.
func ZeroGrads(vars []*Variable) {
	for _, v := range vars {
		v.Grad.Zero()
	}
}

// NumParams returns the total number of scalar parameters of a module.
func NumParams(m Module) int {
	total := 0
	for _, v := range m.Variables() {
		total += v.Value.Size()
	}
	return total
}

// Dense is a fully connected layer: `y = x·W + b`.
type Dense struct {
	name    string
	weights *Variable // shape [inDim, outDim]
	bias    *Variable // shape [outDim]

	lastInput *tensors.Tensor
}

// NewDense creates a dense layer with weights initialized with the He
// scheme from the given random source, and zero bias. The random source
// makes initialization reproducible -- and, in the distributed setting,
// irrelevant: the leader's initial parameters are broadcast at wrap time.
func NewDense(name string, inDim, outDim int, rng *rand.Rand) *Dense {
	d := &Dense{
		name:    name,
		weights: NewVariable(name+"/weights", shapes.Make(shapes.Float32, inDim, outDim)),
		bias:    NewVariable(name+"/bias", shapes.Make(shapes.Float32, outDim)),
	}
	stdDev := float32(math.Sqrt(2.0 / float64(inDim)))
	w := d.weights.Value.Flat()
	for i := range w {
		w[i] = float32(rng.NormFloat64()) * stdDev
	}
	return d
}

// Name implements Module.
func (d *Dense) Name() string { return d.name }

// Variables implements Module.
func (d *Dense) Variables() []*Variable { return []*Variable{d.weights, d.bias} }

// ZeroGrad implements Module.
func (d *Dense) ZeroGrad() { ZeroGrads(d.Variables()) }

// Forward implements Module for a `[batch, inDim]` input.
func (d *Dense) Forward(x *tensors.Tensor) *tensors.Tensor {
	shapes.AssertRank(x, 2)
	inDim := d.weights.Value.Shape().Dim(0)
	outDim := d.weights.Value.Shape().Dim(1)
	if x.Shape().Dim(1) != inDim {
		exceptions.Panicf("Dense(%q).Forward: input shape %s does not match inDim=%d", d.name, x.Shape(), inDim)
	}
	batch := x.Shape().Dim(0)
	d.lastInput = x

	out := tensors.FromShape(shapes.Make(shapes.Float32, batch, outDim))
	xFlat, wFlat, bFlat, outFlat := x.Flat(), d.weights.Value.Flat(), d.bias.Value.Flat(), out.Flat()
	for b := 0; b < batch; b++ {
		xRow := xFlat[b*inDim : (b+1)*inDim]
		outRow := outFlat[b*outDim : (b+1)*outDim]
		copy(outRow, bFlat)
		for i, xv := range xRow {
			if xv == 0 {
				continue
			}
			wRow := wFlat[i*outDim : (i+1)*outDim]
			for j, wv := range wRow {
				outRow[j] += xv * wv
			}
		}
	}
	return out
}

// Backward implements Module.
func (d *Dense) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	if d.lastInput == nil {
		exceptions.Panicf("Dense(%q).Backward called before Forward", d.name)
	}
	inDim := d.weights.Value.Shape().Dim(0)
	outDim := d.weights.Value.Shape().Dim(1)
	batch := d.lastInput.Shape().Dim(0)
	shapes.AssertDims(gradOutput, batch, outDim)

	gradInput := tensors.FromShape(shapes.Make(shapes.Float32, batch, inDim))
	xFlat := d.lastInput.Flat()
	wFlat := d.weights.Value.Flat()
	gradOutFlat := gradOutput.Flat()
	gradInFlat := gradInput.Flat()
	gradWFlat := d.weights.Grad.Flat()
	gradBFlat := d.bias.Grad.Flat()

	for b := 0; b < batch; b++ {
		xRow := xFlat[b*inDim : (b+1)*inDim]
		gradOutRow := gradOutFlat[b*outDim : (b+1)*outDim]
		gradInRow := gradInFlat[b*inDim : (b+1)*inDim]
		for j, gv := range gradOutRow {
			gradBFlat[j] += gv
		}
		for i, xv := range xRow {
			wRow := wFlat[i*outDim : (i+1)*outDim]
			gradWRow := gradWFlat[i*outDim : (i+1)*outDim]
			acc := float32(0)
			for j, gv := range gradOutRow {
				gradWRow[j] += xv * gv
				acc += wRow[j] * gv
			}
			gradInRow[i] = acc
		}
	}
	return gradInput
}

// LeakyReLU is the activation `max(x, alpha*x)`. It has no parameters.
type LeakyReLU struct {
	Alpha     float32
	lastInput *tensors.Tensor
}

// Name implements Module.
func (l *LeakyReLU) Name() string { return "leaky_relu" }

// Variables implements Module.
func (l *LeakyReLU) Variables() []*Variable { return nil }

// ZeroGrad implements Module.
func (l *LeakyReLU) ZeroGrad() {}

// Forward implements Module.
func (l *LeakyReLU) Forward(x *tensors.Tensor) *tensors.Tensor {
	l.lastInput = x
	out := tensors.FromShape(x.Shape().Clone())
	outFlat, xFlat := out.Flat(), x.Flat()
	for i, v := range xFlat {
		if v >= 0 {
			outFlat[i] = v
		} else {
			outFlat[i] = l.Alpha * v
		}
	}
	return out
}

// Backward implements Module.
func (l *LeakyReLU) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	gradInput := tensors.FromShape(gradOutput.Shape().Clone())
	gradInFlat, gradOutFlat, xFlat := gradInput.Flat(), gradOutput.Flat(), l.lastInput.Flat()
	for i, v := range xFlat {
		if v >= 0 {
			gradInFlat[i] = gradOutFlat[i]
		} else {
			gradInFlat[i] = l.Alpha * gradOutFlat[i]
		}
	}
	return gradInput
}

// Tanh activation. It has no parameters.
type Tanh struct {
	lastOutput *tensors.Tensor
}

// Name implements Module.
func (t *Tanh) Name() string { return "tanh" }

// Variables implements Module.
func (t *Tanh) Variables() []*Variable { return nil }

// ZeroGrad implements Module.
func (t *Tanh) ZeroGrad() {}

// Forward implements Module.
func (t *Tanh) Forward(x *tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(x.Shape().Clone())
	outFlat, xFlat := out.Flat(), x.Flat()
	for i, v := range xFlat {
		outFlat[i] = float32(math.Tanh(float64(v)))
	}
	t.lastOutput = out
	return out
}

// Backward implements Module.
func (t *Tanh) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	gradInput := tensors.FromShape(gradOutput.Shape().Clone())
	gradInFlat, gradOutFlat, outFlat := gradInput.Flat(), gradOutput.Flat(), t.lastOutput.Flat()
	for i, y := range outFlat {
		gradInFlat[i] = gradOutFlat[i] * (1 - y*y)
	}
	return gradInput
}

// Sequential chains modules, feeding each one's output to the next.
type Sequential struct {
	name    string
	modules []Module
}

// NewSequential creates a Sequential module with the given name and layers.
func NewSequential(name string, modules ...Module) *Sequential {
	return &Sequential{name: name, modules: modules}
}

// Name implements Module.
func (s *Sequential) Name() string { return s.name }

// Variables implements Module. The enumeration order is the layer order.
func (s *Sequential) Variables() []*Variable {
	var vars []*Variable
	for _, m := range s.modules {
		vars = append(vars, m.Variables()...)
	}
	return vars
}

// ZeroGrad implements Module.
func (s *Sequential) ZeroGrad() {
	for _, m := range s.modules {
		m.ZeroGrad()
	}
}

// Forward implements Module.
func (s *Sequential) Forward(x *tensors.Tensor) *tensors.Tensor {
	for _, m := range s.modules {
		x = m.Forward(x)
	}
	return x
}

// Backward implements Module.
func (s *Sequential) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	for i := len(s.modules) - 1; i >= 0; i-- {
		gradOutput = s.modules[i].Backward(gradOutput)
	}
	return gradOutput
}
