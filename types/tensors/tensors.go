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

// Package tensors implements host tensors: a flat float32 buffer paired
// with a shapes.Shape.
//
// Tensors are the currency of the trainer: model parameters, gradients,
// batches and generated samples are all tensors. They serialize to raw
// little-endian bytes, which is both the checkpoint storage format and
// the payload format of the collective wire protocol.
package tensors

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/tsgan/tsgan/types/shapes"
)

// Tensor is a dense float32 tensor on host memory.
//
// The zero value is not usable: create tensors with FromShape, FromFlat
// or FromScalar.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// FromShape creates a zero-initialized tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape")
	}
	if shape.DType != shapes.Float32 {
		exceptions.Panicf("tensors.FromShape: only Float32 tensors are supported, got %s", shape)
	}
	return &Tensor{shape: shape, flat: make([]float32, shape.Size())}
}

// FromFlat creates a tensor that takes ownership of the given flat data.
// The length of data must match the shape size.
func FromFlat(shape shapes.Shape, data []float32) *Tensor {
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: data has %d elements, shape %s requires %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: data}
}

// FromScalar creates a rank-0 tensor holding the given value.
func FromScalar(value float32) *Tensor {
	return &Tensor{shape: shapes.Scalar(shapes.Float32), flat: []float32{value}}
}

// Shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Size is the number of elements, the product of the dimensions.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying row-major data. The caller may mutate it;
// the tensor always aliases the same buffer.
func (t *Tensor) Flat() []float32 { return t.flat }

// At returns the element at the given row-major flat index.
func (t *Tensor) At(flatIdx int) float32 { return t.flat[flatIdx] }

// Clone makes a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	flat := make([]float32, len(t.flat))
	copy(flat, t.flat)
	return &Tensor{shape: t.shape.Clone(), flat: flat}
}

// CopyFrom copies the contents of other into t. Shapes must be equal.
func (t *Tensor) CopyFrom(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("Tensor.CopyFrom: shape mismatch, %s vs %s", t.shape, other.shape)
	}
	copy(t.flat, other.flat)
}

// Zero sets all elements to zero.
func (t *Tensor) Zero() {
	for i := range t.flat {
		t.flat[i] = 0
	}
}

// Equal compares shape and contents bit-for-bit.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.flat {
		if math.Float32bits(v) != math.Float32bits(other.flat[i]) {
			return false
		}
	}
	return true
}

// WriteTo serializes the tensor contents (not the shape) as raw
// little-endian float32 to w. It returns the number of bytes written.
func (t *Tensor) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 4*len(t.flat))
	for i, v := range t.flat {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), errors.Wrapf(err, "failed to write tensor %s contents", t.shape)
	}
	return int64(n), nil
}

// ReadFrom fills the tensor contents from raw little-endian float32 read
// from r. The shape defines how many bytes are consumed.
func (t *Tensor) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 4*len(t.flat))
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), errors.Wrapf(err, "failed to read tensor %s contents", t.shape)
	}
	for i := range t.flat {
		t.flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return int64(n), nil
}
