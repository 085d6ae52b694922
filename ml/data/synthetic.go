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

package data

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

// SyntheticSines builds a conditional dataset of noisy sine windows for
// demos and tests: class c (of numClasses) gets frequency c+1, so a
// conditional generator has something learnable per class. Labels are
// one-hot.
//
// The same seed produces the same dataset on every rank.
func SyntheticSines(numRows, seqLen, numClasses, batchSize int, seed int64) (*InMemoryDataset, error) {
	rng := rand.New(rand.NewSource(seed))
	inputs := tensors.FromShape(shapes.Make(shapes.Float32, numRows, seqLen))
	labels := tensors.FromShape(shapes.Make(shapes.Float32, numRows, numClasses))
	inFlat, labFlat := inputs.Flat(), labels.Flat()
	for row := 0; row < numRows; row++ {
		class := row % numClasses
		labFlat[row*numClasses+class] = 1
		freq := float64(class+1) * 2 * math.Pi / float64(seqLen)
		phase := rng.Float64() * 2 * math.Pi
		for t := 0; t < seqLen; t++ {
			v := 0.9*math.Sin(freq*float64(t)+phase) + 0.05*rng.NormFloat64()
			inFlat[row*seqLen+t] = float32(v)
		}
	}
	name := fmt.Sprintf("sines(%d classes)", numClasses)
	return InMemory(name, inputs, labels, batchSize)
}
