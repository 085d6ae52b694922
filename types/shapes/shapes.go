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

// Package shapes defines Shape and DType and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a host tensor.
// DType indicates the type of the unit element of a Tensor.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a Tensor in one of its axes.
//   - Scalar: a shape with no axes, only a single value of the associated DType.
//
// Example: the multi-dimensional array `[][]float32{{0, 1, 2}, {3, 4, 5}}`
// converted to a Tensor has shape `(Float32)[2 3]`: rank 2, axis 0 has
// dimension 2 and axis 1 has dimension 3. It is created with
// `shapes.Make(shapes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// DType is the data type of the unit element of a tensor.
type DType int

const (
	// InvalidDType is the DType of the zero Shape.
	InvalidDType DType = iota

	// Float32 is the only training dtype: model parameters, gradients and
	// the collective wire format all use it.
	Float32

	// Float64 is used for scalar metrics before they are packed for reduction.
	Float64

	// Int64 is used for counters (global step, epoch).
	Int64
)

// Size returns the size in bytes of the unit element.
func (dtype DType) Size() int {
	switch dtype {
	case Float32:
		return 4
	case Float64, Int64:
		return 8
	}
	return 0
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case Int64:
		return "Int64"
	}
	return "InvalidDType"
}

// Shape represents the shape of a tensor: its DType and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative
// numbers, in which case it counts from the end -- axis=-1 refers to the
// last axis. It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Size returns the number of elements of DType needed for this shape.
// It's the product of all dimensions; 1 for a scalar.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store this shape.
func (s Shape) Memory() int64 {
	return int64(s.DType.Size()) * int64(s.Size())
}

// Equal compares DType and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		parts = append(parts, fmt.Sprintf("%d", dim))
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}

// AssertRank panics if the shape of the given object does not have the
// given rank.
func AssertRank(shaped HasShape, rank int) {
	if shaped.Shape().Rank() != rank {
		exceptions.Panicf("shape %s does not have expected rank %d", shaped.Shape(), rank)
	}
}

// AssertDims panics if the shape of the given object does not match the
// given dimensions. A -1 dimension is unchecked (it can be anything).
func AssertDims(shaped HasShape, dimensions ...int) {
	s := shaped.Shape()
	if s.Rank() != len(dimensions) {
		exceptions.Panicf("shape %s does not match expected dimensions %v", s, dimensions)
	}
	for axis, dim := range dimensions {
		if dim != -1 && s.Dimensions[axis] != dim {
			exceptions.Panicf("shape %s does not match expected dimensions %v", s, dimensions)
		}
	}
}
