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

// Package data implements time-series datasets for adversarial training:
// in-memory batching, CSV loading and rank-sharding for data-parallel
// runs.
//
// Datasets here satisfy train.Dataset. Batching is deterministic: the
// number of batches per epoch is fixed upfront and trailing samples that
// don't fill a batch are dropped, so every replica of a sharded dataset
// steps the same schedule.
package data

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
)

// InMemoryDataset holds the full training set in host memory and yields
// it in fixed-size batches.
type InMemoryDataset struct {
	name      string
	inputs    *tensors.Tensor // [numRows, seqLen]
	labels    *tensors.Tensor // [numRows, condDim], or nil.
	batchSize int

	// order maps batch position to row index. Identity unless Shuffle
	// was called.
	order []int
	pos   int
}

// InMemory creates a dataset from the given tensors. inputs must be
// `[numRows, seqLen]`; labels may be nil, or `[numRows, condDim]`.
// Rows beyond the last full batch are never yielded.
func InMemory(name string, inputs, labels *tensors.Tensor, batchSize int) (*InMemoryDataset, error) {
	shapes.AssertRank(inputs, 2)
	numRows := inputs.Shape().Dim(0)
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be positive, got %d", name, batchSize)
	}
	if numRows < batchSize {
		return nil, errors.Errorf("dataset %q: %d rows cannot fill a single batch of %d", name, numRows, batchSize)
	}
	if labels != nil {
		shapes.AssertRank(labels, 2)
		if labels.Shape().Dim(0) != numRows {
			return nil, errors.Errorf("dataset %q: %d input rows but %d label rows", name, numRows, labels.Shape().Dim(0))
		}
	}
	order := make([]int, numRows)
	for i := range order {
		order[i] = i
	}
	return &InMemoryDataset{
		name:      name,
		inputs:    inputs,
		labels:    labels,
		batchSize: batchSize,
		order:     order,
	}, nil
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// NumBatches implements train.Dataset: full batches per epoch.
func (ds *InMemoryDataset) NumBatches() int {
	return len(ds.order) / ds.batchSize
}

// NumRows in the dataset, including any rows dropped from the last
// partial batch.
func (ds *InMemoryDataset) NumRows() int { return len(ds.order) }

// BatchSize of the yielded batches.
func (ds *InMemoryDataset) BatchSize() int { return ds.batchSize }

// Labels returns the condition tensor of the whole dataset (nil for an
// unconditional dataset).
func (ds *InMemoryDataset) Labels() *tensors.Tensor { return ds.labels }

// LabelRows returns a copy of the first n condition rows, e.g. to
// condition generated samples on. Nil for an unconditional dataset; n
// is clamped to the dataset size.
func (ds *InMemoryDataset) LabelRows(n int) *tensors.Tensor {
	if ds.labels == nil {
		return nil
	}
	if n > len(ds.order) {
		n = len(ds.order)
	}
	rows := make([]int, n)
	for i := range rows {
		rows[i] = ds.order[i]
	}
	return gatherRows(ds.labels, rows)
}

// Shuffle reorders the yielded rows with the given seed. In a sharded
// run every rank must use the same seed, or the replicas would drift
// onto different epoch schedules.
func (ds *InMemoryDataset) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Yield implements train.Dataset. It returns io.EOF after the last full
// batch of the epoch.
func (ds *InMemoryDataset) Yield() (inputs, labels *tensors.Tensor, err error) {
	if ds.pos+ds.batchSize > len(ds.order)-(len(ds.order)%ds.batchSize) {
		return nil, nil, io.EOF
	}
	rows := ds.order[ds.pos : ds.pos+ds.batchSize]
	ds.pos += ds.batchSize

	inputs = gatherRows(ds.inputs, rows)
	if ds.labels != nil {
		labels = gatherRows(ds.labels, rows)
	}
	return
}

// Reset implements train.Dataset.
func (ds *InMemoryDataset) Reset() { ds.pos = 0 }

// gatherRows copies the given rows of a rank-2 tensor into a new
// `[len(rows), cols]` tensor.
func gatherRows(t *tensors.Tensor, rows []int) *tensors.Tensor {
	cols := t.Shape().Dim(1)
	out := tensors.FromShape(shapes.Make(t.Shape().DType, len(rows), cols))
	src, dst := t.Flat(), out.Flat()
	for i, row := range rows {
		copy(dst[i*cols:(i+1)*cols], src[row*cols:(row+1)*cols])
	}
	return out
}

// Shard returns the rank's partition of the dataset for a data-parallel
// run of world replicas: rows rank, rank+world, rank+2·world, …,
// truncated so every rank gets exactly the same number of rows (and
// hence the same NumBatches).
//
// The shard shares the parent's backing tensors. Shuffle the parent
// before sharding; shuffling a shard only reorders its own rows.
func (ds *InMemoryDataset) Shard(rank, world int) (*InMemoryDataset, error) {
	if world <= 0 || rank < 0 || rank >= world {
		return nil, errors.Errorf("dataset %q: invalid shard rank=%d world=%d", ds.name, rank, world)
	}
	rowsPerRank := len(ds.order) / world
	if rowsPerRank < ds.batchSize {
		return nil, errors.Errorf("dataset %q: %d rows over %d ranks leaves %d rows per rank, below batch size %d",
			ds.name, len(ds.order), world, rowsPerRank, ds.batchSize)
	}
	order := make([]int, rowsPerRank)
	for i := range order {
		order[i] = ds.order[rank+i*world]
	}
	return &InMemoryDataset{
		name:      ds.name,
		inputs:    ds.inputs,
		labels:    ds.labels,
		batchSize: ds.batchSize,
		order:     order,
	}, nil
}
