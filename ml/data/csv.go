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
	"os"
	"sort"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/types/shapes"
	"github.com/tsgan/tsgan/types/tensors"
	"k8s.io/klog/v2"
)

// FromCSV loads a windowed time-series dataset from a CSV file with a
// header row. Each row is one training window: the labelCol column (if
// not empty) holds a categorical condition which is one-hot encoded,
// and every other column is one time step of the sequence.
//
// Sample values are min-max rescaled to [-1, 1], the range of the
// generator's tanh output.
func FromCSV(name, path, labelCol string, batchSize int) (*InMemoryDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %q: failed to open %s", name, path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "dataset %q: failed to parse %s", name, path)
	}
	numRows := df.Nrow()
	if numRows == 0 {
		return nil, errors.Errorf("dataset %q: %s has no data rows", name, path)
	}

	var seqCols []string
	for _, colName := range df.Names() {
		if colName != labelCol {
			seqCols = append(seqCols, colName)
		}
	}
	if labelCol != "" && len(seqCols) == len(df.Names()) {
		return nil, errors.Errorf("dataset %q: label column %q not found in %s", name, labelCol, path)
	}
	if len(seqCols) == 0 {
		return nil, errors.Errorf("dataset %q: no sequence columns left in %s", name, path)
	}

	inputs := tensors.FromShape(shapes.Make(shapes.Float32, numRows, len(seqCols)))
	flat := inputs.Flat()
	for colIdx, colName := range seqCols {
		for rowIdx, value := range df.Col(colName).Float() {
			flat[rowIdx*len(seqCols)+colIdx] = float32(value)
		}
	}
	rescaleToTanhRange(flat)

	var labels *tensors.Tensor
	if labelCol != "" {
		labels, err = oneHotColumn(df, labelCol)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", name)
		}
	}

	klog.V(1).Infof("Loaded dataset %q from %s: %d windows of length %d", name, path, numRows, len(seqCols))
	return InMemory(name, inputs, labels, batchSize)
}

// rescaleToTanhRange maps values to [-1, 1] in place, preserving their
// relative spacing. A constant signal maps to all zeros.
func rescaleToTanhRange(flat []float32) {
	if len(flat) == 0 {
		return
	}
	minV, maxV := flat[0], flat[0]
	for _, v := range flat {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if maxV == minV {
		for i := range flat {
			flat[i] = 0
		}
		return
	}
	scale := 2 / (maxV - minV)
	for i := range flat {
		flat[i] = (flat[i]-minV)*scale - 1
	}
}

// oneHotColumn encodes a categorical column as a `[numRows, numClasses]`
// one-hot tensor. Classes are the distinct record values of the column,
// sorted for a stable encoding across runs and ranks.
func oneHotColumn(df dataframe.DataFrame, colName string) (*tensors.Tensor, error) {
	records := df.Col(colName).Records()
	classIdx := make(map[string]int)
	for _, r := range records {
		if _, found := classIdx[r]; !found {
			classIdx[r] = len(classIdx)
		}
	}
	classes := make([]string, 0, len(classIdx))
	for class := range classIdx {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for idx, class := range classes {
		classIdx[class] = idx
	}
	if len(classes) < 2 {
		return nil, errors.Errorf("label column %q has %d distinct value(s), need at least 2", colName, len(classes))
	}

	labels := tensors.FromShape(shapes.Make(shapes.Float32, len(records), len(classes)))
	flat := labels.Flat()
	for rowIdx, r := range records {
		flat[rowIdx*len(classes)+classIdx[r]] = 1
	}
	return labels, nil
}
