package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensorValidation(t *testing.T) {
	_, err := NewTensor([]int{2, 0}, nil)
	assert.Error(t, err)

	_, err = NewTensor([]int{2, 2}, []float32{1, 2, 3})
	assert.Error(t, err)

	x, err := NewTensor([]int{2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, x.Strides)
	assert.Equal(t, 6, x.NumElems)
}

func TestSliceBatchSharesData(t *testing.T) {
	x := MustNew([]int{4, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	s, err := x.SliceBatch(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, s.Shape)
	assert.Equal(t, []float32{2, 3, 4, 5}, s.Data)

	s.Data[0] = 42
	assert.Equal(t, float32(42), x.Data[2])

	_, err = x.SliceBatch(3, 3)
	assert.Error(t, err)
}

func TestConcat(t *testing.T) {
	a := MustNew([]int{1, 2}, []float32{1, 2})
	b := MustNew([]int{2, 2}, []float32{3, 4, 5, 6})
	c, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, c.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data)

	_, err = Concat(a, MustNew([]int{1, 3}, nil))
	assert.Error(t, err)
}

func TestArgMaxRowsTieBreaksLow(t *testing.T) {
	x := MustNew([]int{3, 3}, []float32{
		0.1, 0.7, 0.2,
		0.5, 0.5, 0.0,
		0.0, 0.0, 0.9,
	})
	assert.Equal(t, []int{1, 0, 2}, ArgMaxRows(x))
}

func TestSelectColumns(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	got, err := SelectColumns(x, []int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, got.Shape)
	assert.Equal(t, []float32{3, 1, 6, 4}, got.Data)

	_, err = SelectColumns(x, []int{3})
	assert.Error(t, err)
}

func TestTranspose2D(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	got, err := Transpose2D(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, got.Shape)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got.Data)
}

func TestOneHot(t *testing.T) {
	y := MustNew([]int{3, 1}, []float32{2, 0, 1})
	got, err := OneHot(y, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, got.Shape)
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0, 0, 1, 0}, got.Data)

	_, err = OneHot(MustNew([]int{1}, []float32{5}), 3)
	assert.Error(t, err)
}

func TestReshape(t *testing.T) {
	x := MustNew([]int{2, 6}, nil)
	r, err := x.Reshape(3, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, r.Strides)

	_, err = x.Reshape(5, 2)
	assert.Error(t, err)
}
