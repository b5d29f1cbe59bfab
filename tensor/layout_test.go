package tensor

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelsLastRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x, err := RandomNormal([]int{3, 4, 2, 5, 6}, 0, 1, rng)
	require.NoError(t, err)

	last := ToChannelsLast(x)
	assert.Equal(t, []int{3, 2, 5, 6, 4}, last.Shape)

	back := ToChannelsFirst(last)
	assert.Equal(t, x.Shape, back.Shape)
	assert.Equal(t, x.Data, back.Data)
}

func TestChannelsLastElementPlacement(t *testing.T) {
	x, err := Zeros([]int{2, 3, 2, 2, 2})
	require.NoError(t, err)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}

	last := ToChannelsLast(x)
	for n := 0; n < 2; n++ {
		for c := 0; c < 3; c++ {
			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					for k := 0; k < 2; k++ {
						if got, want := last.At(n, i, j, k, c), x.At(n, c, i, j, k); got != want {
							t.Fatalf("mismatch at n=%d c=%d (%d,%d,%d): got %v want %v", n, c, i, j, k, got, want)
						}
					}
				}
			}
		}
	}
}

func TestLayoutPanicsOnWrongRank(t *testing.T) {
	x := MustNew([]int{2, 3, 4}, nil)
	assert.Panics(t, func() { ToChannelsLast(x) })
	assert.Panics(t, func() { ToChannelsFirst(x) })
}

func TestConvertLayoutIdentity(t *testing.T) {
	x := MustNew([]int{1, 2, 1, 1, 3}, nil)
	assert.Same(t, x, ConvertLayout(x, ChannelsLast, ChannelsLast))
}

func TestParseDataFormat(t *testing.T) {
	for _, f := range []DataFormat{ChannelsFirst, ChannelsLast} {
		got, err := ParseDataFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := ParseDataFormat("nhwc")
	assert.Error(t, err)
}

func TestExpandToRank5(t *testing.T) {
	tests := []struct {
		in   []int
		want []int
	}{
		{[]int{10, 2, 7}, []int{10, 2, 1, 1, 7}},
		{[]int{10, 2, 3, 7}, []int{10, 2, 3, 1, 7}},
		{[]int{10, 2, 3, 3, 7}, []int{10, 2, 3, 3, 7}},
	}

	for _, tt := range tests {
		x := MustNew(tt.in, nil)
		got, err := ExpandToRank5(x)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Shape, "input %v", tt.in)
	}

	for _, bad := range [][]int{{4}, {4, 3}, {1, 1, 1, 1, 1, 1}} {
		_, err := ExpandToRank5(MustNew(bad, nil))
		if !errors.Is(err, ErrRankOutOfRange) {
			t.Errorf("shape %v: expected ErrRankOutOfRange, got %v", bad, err)
		}
	}
}
