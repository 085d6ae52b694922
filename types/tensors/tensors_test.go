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

package tensors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsgan/tsgan/types/shapes"
)

func TestFromFlat(t *testing.T) {
	tensor := FromFlat(shapes.Make(shapes.Float32, 2, 2), []float32{1, 2, 3, 4})
	assert.Equal(t, 4, tensor.Size())
	assert.Equal(t, float32(3), tensor.At(2))

	assert.Panics(t, func() {
		FromFlat(shapes.Make(shapes.Float32, 2, 2), []float32{1, 2})
	})
}

func TestCloneIsIndependent(t *testing.T) {
	tensor := FromFlat(shapes.Make(shapes.Float32, 3), []float32{1, 2, 3})
	clone := tensor.Clone()
	require.True(t, tensor.Equal(clone))
	clone.Flat()[0] = 42
	assert.False(t, tensor.Equal(clone))
	assert.Equal(t, float32(1), tensor.At(0))
}

func TestCopyFromAndZero(t *testing.T) {
	dst := FromShape(shapes.Make(shapes.Float32, 2))
	src := FromFlat(shapes.Make(shapes.Float32, 2), []float32{5, 6})
	dst.CopyFrom(src)
	assert.True(t, dst.Equal(src))

	dst.Zero()
	assert.Equal(t, []float32{0, 0}, dst.Flat())

	assert.Panics(t, func() {
		dst.CopyFrom(FromShape(shapes.Make(shapes.Float32, 3)))
	})
}

func TestSerializationRoundTrip(t *testing.T) {
	tensor := FromFlat(shapes.Make(shapes.Float32, 2, 3), []float32{-1.5, 0, 3.25, 7, -0.125, 2})
	var buf bytes.Buffer
	n, err := tensor.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(6*4), n)

	restored := FromShape(tensor.Shape().Clone())
	n, err = restored.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(6*4), n)
	assert.True(t, tensor.Equal(restored))
}

func TestReadFromShortData(t *testing.T) {
	tensor := FromFlat(shapes.Make(shapes.Float32, 4), []float32{1, 2, 3, 4})
	var buf bytes.Buffer
	_, err := tensor.WriteTo(&buf)
	require.NoError(t, err)

	truncated := bytes.NewReader(buf.Bytes()[:7])
	restored := FromShape(tensor.Shape().Clone())
	_, err = restored.ReadFrom(truncated)
	assert.Error(t, err)
}
