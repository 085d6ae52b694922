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

package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(Float32, 3, 4)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 12, s.Size())
	assert.Equal(t, int64(48), s.Memory())
	assert.True(t, s.Ok())
	assert.Equal(t, "(Float32)[3 4]", s.String())

	assert.Panics(t, func() { Make(Float32, 3, 0) })
	assert.Panics(t, func() { Make(Float32, -1) })
}

func TestScalarAndInvalid(t *testing.T) {
	s := Scalar(Float64)
	assert.True(t, s.IsScalar())
	assert.Equal(t, 1, s.Size())

	assert.False(t, Invalid().Ok())
	assert.False(t, Invalid().IsScalar())
}

func TestDim(t *testing.T) {
	s := Make(Float32, 2, 5, 7)
	assert.Equal(t, 2, s.Dim(0))
	assert.Equal(t, 7, s.Dim(2))
	// Negative axes count from the end.
	assert.Equal(t, 7, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(-3))
	assert.Panics(t, func() { s.Dim(3) })
}

func TestCloneAndEqual(t *testing.T) {
	s := Make(Float32, 2, 3)
	clone := s.Clone()
	require.True(t, s.Equal(clone))
	clone.Dimensions[0] = 7
	assert.False(t, s.Equal(clone))
	assert.Equal(t, 2, s.Dim(0))

	assert.False(t, s.Equal(Make(Float64, 2, 3)))
	assert.False(t, s.Equal(Make(Float32, 2)))
}

func TestAsserts(t *testing.T) {
	s := Make(Float32, 4, 6)
	assert.NotPanics(t, func() { AssertRank(s, 2) })
	assert.Panics(t, func() { AssertRank(s, 3) })

	assert.NotPanics(t, func() { AssertDims(s, 4, 6) })
	assert.NotPanics(t, func() { AssertDims(s, -1, 6) }) // -1 matches any dimension.
	assert.Panics(t, func() { AssertDims(s, 4, 7) })
	assert.Panics(t, func() { AssertDims(s, 4) })
}
