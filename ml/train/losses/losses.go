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

// Package losses implements the adversarial loss terms of the
// Wasserstein GAN formulation, on host tensors.
//
// The loss values are plain functions of critic scores; the matching
// gradients are constants (MeanGrad), which lets the trainer interleave
// forward and backward passes without keeping multiple activation caches
// alive. The gradient-penalty regularizer is intentionally not here: it
// belongs to the loss collaborator, outside the coordination layer.
package losses

import (
	"github.com/gomlx/exceptions"
	"github.com/tsgan/tsgan/types/tensors"
)

// Mean returns the mean of all elements of the tensor.
func Mean(t *tensors.Tensor) float64 {
	if t.Size() == 0 {
		exceptions.Panicf("losses.Mean of an empty tensor")
	}
	sum := 0.0
	for _, v := range t.Flat() {
		sum += float64(v)
	}
	return sum / float64(t.Size())
}

// CriticLoss is the Wasserstein critic loss
// `mean(D(fake)) - mean(D(real))`: the critic is trained to score real
// samples higher than generated ones.
func CriticLoss(realScores, fakeScores *tensors.Tensor) float64 {
	return Mean(fakeScores) - Mean(realScores)
}

// GeneratorLoss is the Wasserstein generator loss `-mean(D(fake))`: the
// generator is trained to raise the critic's score of its samples.
func GeneratorLoss(fakeScores *tensors.Tensor) float64 {
	return -Mean(fakeScores)
}

// MeanGrad returns d(sign*mean(t))/dt: a constant sign/n per element.
//
// The critic loss backward uses MeanGrad(realScores, -1) and
// MeanGrad(fakeScores, +1); the generator loss backward uses
// MeanGrad(fakeScores, -1).
func MeanGrad(t *tensors.Tensor, sign float32) *tensors.Tensor {
	grad := tensors.FromShape(t.Shape().Clone())
	perElement := sign / float32(t.Size())
	flat := grad.Flat()
	for i := range flat {
		flat[i] = perElement
	}
	return grad
}
