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

package losses

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

func scores(values ...float32) *tensors.Tensor {
	return tensors.FromFlat(shapes.Make(shapes.Float32, len(values), 1), values)
}

func TestMean(t *testing.T) {
	assert.InDelta(t, 2.0, Mean(scores(1, 2, 3)), 1e-6)
	assert.InDelta(t, -0.5, Mean(scores(-1, 0)), 1e-6)
}

func TestCriticLoss(t *testing.T) {
	real := scores(2, 4) // mean 3
	fake := scores(1, 1) // mean 1
	assert.InDelta(t, -2.0, CriticLoss(real, fake), 1e-6)
}

func TestGeneratorLoss(t *testing.T) {
	assert.InDelta(t, -1.5, GeneratorLoss(scores(1, 2)), 1e-6)
}

func TestMeanGrad(t *testing.T) {
	grad := MeanGrad(scores(5, 5, 5, 5), -1)
	assert.Equal(t, []float32{-0.25, -0.25, -0.25, -0.25}, grad.Flat())
	assert.True(t, grad.Shape().Equal(shapes.Make(shapes.Float32, 4, 1)))
}
