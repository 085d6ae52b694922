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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

// rowDataset builds a dataset whose row i is [i, i, …], so tests can
// tell rows apart after batching, shuffling and sharding.
func rowDataset(t *testing.T, numRows, seqLen, batchSize int) *InMemoryDataset {
	inputs := tensors.FromShape(shapes.Make(shapes.Float32, numRows, seqLen))
	flat := inputs.Flat()
	for row := 0; row < numRows; row++ {
		for col := 0; col < seqLen; col++ {
			flat[row*seqLen+col] = float32(row)
		}
	}
	labels := tensors.FromShape(shapes.Make(shapes.Float32, numRows, 1))
	for row := 0; row < numRows; row++ {
		labels.Flat()[row] = float32(row)
	}
	ds, err := InMemory("rows", inputs, labels, batchSize)
	require.NoError(t, err)
	return ds
}

// yieldedRows drains one epoch and returns the row ids seen, in order.
func yieldedRows(t *testing.T, ds *InMemoryDataset) []int {
	var rows []int
	for {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for i := 0; i < inputs.Shape().Dim(0); i++ {
			row := int(inputs.At(i * inputs.Shape().Dim(1)))
			rows = append(rows, row)
			assert.Equal(t, float32(row), labels.At(i)) // Labels stay aligned.
		}
	}
	ds.Reset()
	return rows
}

func TestInMemoryValidation(t *testing.T) {
	inputs := tensors.FromShape(shapes.Make(shapes.Float32, 4, 2))
	_, err := InMemory("d", inputs, nil, 0)
	assert.Error(t, err)
	_, err = InMemory("d", inputs, nil, 5) // Not enough rows for one batch.
	assert.Error(t, err)
	badLabels := tensors.FromShape(shapes.Make(shapes.Float32, 3, 1))
	_, err = InMemory("d", inputs, badLabels, 2)
	assert.Error(t, err)
}

func TestYieldDropsRemainder(t *testing.T) {
	ds := rowDataset(t, 10, 3, 4)
	assert.Equal(t, 2, ds.NumBatches())
	assert.Equal(t, 10, ds.NumRows())

	rows := yieldedRows(t, ds)
	// 2 full batches of 4; rows 8 and 9 are dropped.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, rows)

	// A second epoch repeats the schedule.
	assert.Equal(t, rows, yieldedRows(t, ds))
}

func TestShuffleIsDeterministic(t *testing.T) {
	dsA := rowDataset(t, 12, 2, 4)
	dsB := rowDataset(t, 12, 2, 4)
	dsA.Shuffle(77)
	dsB.Shuffle(77)
	rowsA := yieldedRows(t, dsA)
	rowsB := yieldedRows(t, dsB)
	assert.Equal(t, rowsA, rowsB)

	dsC := rowDataset(t, 12, 2, 4)
	dsC.Shuffle(78)
	assert.NotEqual(t, rowsA, yieldedRows(t, dsC))
}

func TestShardDisjointAndEqual(t *testing.T) {
	const world = 3
	parent := rowDataset(t, 14, 2, 2)

	seen := map[int]int{}
	for rank := 0; rank < world; rank++ {
		shard, err := parent.Shard(rank, world)
		require.NoError(t, err)
		// 14/3 = 4 rows per rank, 2 batches each.
		assert.Equal(t, 4, shard.NumRows())
		assert.Equal(t, 2, shard.NumBatches())
		for _, row := range yieldedRows(t, shard) {
			seen[row]++
		}
	}
	// Shards never overlap.
	for row, count := range seen {
		assert.Equalf(t, 1, count, "row %d yielded by %d shards", row, count)
	}
	assert.Len(t, seen, world*4)
}

func TestShardErrors(t *testing.T) {
	ds := rowDataset(t, 8, 2, 4)
	_, err := ds.Shard(2, 2) // Rank out of range.
	assert.Error(t, err)
	_, err = ds.Shard(0, 0)
	assert.Error(t, err)
	_, err = ds.Shard(0, 3) // 8/3=2 rows per rank, below batch size 4.
	assert.Error(t, err)
}

func TestLabelRows(t *testing.T) {
	ds := rowDataset(t, 6, 2, 2)
	labels := ds.LabelRows(4)
	require.NotNil(t, labels)
	assert.Equal(t, []float32{0, 1, 2, 3}, labels.Flat())

	// Clamped to the dataset size.
	labels = ds.LabelRows(100)
	assert.Equal(t, 6, labels.Shape().Dim(0))

	inputs := tensors.FromShape(shapes.Make(shapes.Float32, 4, 2))
	unconditional, err := InMemory("u", inputs, nil, 2)
	require.NoError(t, err)
	assert.Nil(t, unconditional.LabelRows(2))
}

func TestSyntheticSines(t *testing.T) {
	ds, err := SyntheticSines(32, 16, 4, 8, 123)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.NumBatches())

	inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16}, inputs.Shape().Dimensions)
	assert.Equal(t, []int{8, 4}, labels.Shape().Dimensions)

	// Labels are one-hot.
	for row := 0; row < 8; row++ {
		sum := float32(0)
		for c := 0; c < 4; c++ {
			sum += labels.At(row*4 + c)
		}
		assert.Equal(t, float32(1), sum)
	}

	// Identical seeds give identical datasets.
	ds2, err := SyntheticSines(32, 16, 4, 8, 123)
	require.NoError(t, err)
	inputs2, _, err := ds2.Yield()
	require.NoError(t, err)
	assert.True(t, inputs.Equal(inputs2))
}
