package dataset

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/tensor"
)

func TestStepoutWindow(t *testing.T) {
	assert.Equal(t, [3]int{1, 1, 17}, ScalarStepout(8).Window())
	assert.Equal(t, [3]int{3, 5, 7}, CubeStepout(1, 2, 3).Window())
	assert.True(t, ScalarStepout(2).IsScalar())
	assert.False(t, CubeStepout(1, 1, 1).IsScalar())
}

func TestStepoutJSON(t *testing.T) {
	for _, s := range []Stepout{ScalarStepout(4), CubeStepout(1, 2, 3)} {
		raw, err := json.Marshal(s)
		require.NoError(t, err)
		var back Stepout
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, s, back, string(raw))
	}
	var s Stepout
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &s))
}

func TestInfoValidate(t *testing.T) {
	good := Info{NumAttributes: 2, Stepout: CubeStepout(1, 1, 1), Classification: true, Classes: []int{0, 1, 2}}
	require.NoError(t, good.Validate())
	assert.Equal(t, 3, good.NumClasses())

	tests := map[string]Info{
		"no attributes":        {NumAttributes: 0, Stepout: CubeStepout(1, 1, 1)},
		"negative stepout":     {NumAttributes: 1, Stepout: CubeStepout(1, -1, 1)},
		"classes missing":      {NumAttributes: 1, Classification: true},
		"regression w/ labels": {NumAttributes: 1, Classes: []int{1}},
	}
	for name, info := range tests {
		if err := info.Validate(); !errors.Is(err, ErrInvalidInfo) {
			t.Errorf("%s: expected ErrInvalidInfo, got %v", name, err)
		}
	}
}

func TestBundleValidate(t *testing.T) {
	b := &Bundle{
		XTrain: tensor.MustNew([]int{4, 1, 1, 1, 3}, nil),
		YTrain: tensor.MustNew([]int{4, 1}, nil),
	}
	require.NoError(t, b.Validate())
	assert.False(t, b.HasValidation())

	b.YTrain = tensor.MustNew([]int{3, 1}, nil)
	assert.Error(t, b.Validate())

	var empty *Bundle
	assert.False(t, empty.HasTrainingData())
}

func TestMemorySource(t *testing.T) {
	full := &Bundle{XTrain: tensor.MustNew([]int{1, 1, 3}, nil), YTrain: tensor.MustNew([]int{1, 1}, nil)}
	src := &MemorySource{Chunks: []*Bundle{full, nil, full}}
	assert.Equal(t, 3, src.NumChunks())

	_, ok, err := src.Chunk(1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = src.Chunk(3)
	assert.Error(t, err)

	assert.Equal(t, 0, (&MemorySource{}).NumChunks())
	assert.Equal(t, 1, NewResidentSource(full).NumChunks())
}

func TestDirectorySourceRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		info := Info{NumAttributes: 1, Stepout: ScalarStepout(1), Classification: true, Classes: []int{0, 1}, Survey: "F3"}
		chunk := &Bundle{
			XTrain:    tensor.MustNew([]int{2, 1, 3}, []float32{1, 2, 3, 4, 5, 6}),
			YTrain:    tensor.MustNew([]int{2, 1}, []float32{0, 1}),
			XValidate: tensor.MustNew([]int{1, 1, 3}, []float32{7, 8, 9}),
			YValidate: tensor.MustNew([]int{1, 1}, []float32{1}),
		}
		require.NoError(t, WriteDirectory(dir, info, nil, []*Bundle{chunk, nil}, compress))

		src, err := OpenDirectory(dir)
		require.NoError(t, err)
		assert.Equal(t, 2, src.NumChunks())
		assert.Equal(t, "F3", src.Info().Survey)

		got, ok, err := src.Chunk(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, chunk.XTrain.Data, got.XTrain.Data)
		assert.Equal(t, chunk.YValidate.Shape, got.YValidate.Shape)

		_, ok, err = src.Chunk(1)
		require.NoError(t, err)
		assert.False(t, ok, "missing chunk file means no data")

		res, err := src.Resident()
		require.NoError(t, err)
		assert.Nil(t, res)
	}
}

func TestTensorFileRoundTrip(t *testing.T) {
	want := tensor.MustNew([]int{2, 1, 3}, []float32{1, 2, 3, 4, 5, 6})
	for _, name := range []string{"x.json", "x.json.zst"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, WriteTensor(path, want))
		got, err := ReadTensor(path)
		require.NoError(t, err, name)
		assert.Equal(t, want.Shape, got.Shape)
		assert.Equal(t, want.Data, got.Data)
	}

	_, err := ReadTensor(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
