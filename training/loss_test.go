package training

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/tensor"
)

// numericGrad estimates dLoss/dp by central differences.
func numericGrad(t *testing.T, loss Loss, p, y *tensor.Tensor) []float64 {
	t.Helper()
	const h = 1e-3
	out := make([]float64, p.NumElems)
	for i := range p.Data {
		orig := p.Data[i]
		p.Data[i] = orig + h
		up, err := loss.Forward(p, y)
		require.NoError(t, err)
		p.Data[i] = orig - h
		down, err := loss.Forward(p, y)
		require.NoError(t, err)
		p.Data[i] = orig
		out[i] = (up - down) / (2 * h)
	}
	return out
}

func TestLossGradients(t *testing.T) {
	tests := []struct {
		name string
		loss Loss
		p, y *tensor.Tensor
	}{
		{
			name: "categorical",
			loss: CategoricalCrossEntropy{},
			p:    tensor.MustNew([]int{2, 3}, []float32{0.2, 0.5, 0.3, 0.6, 0.1, 0.3}),
			y:    tensor.MustNew([]int{2, 3}, []float32{0, 1, 0, 1, 0, 0}),
		},
		{
			name: "binary",
			loss: BinaryCrossEntropy{},
			p:    tensor.MustNew([]int{4, 1}, []float32{0.2, 0.7, 0.4, 0.9}),
			y:    tensor.MustNew([]int{4, 1}, []float32{0, 1, 1, 0}),
		},
		{
			name: "rmse",
			loss: RootMeanSquaredError{},
			p:    tensor.MustNew([]int{3, 1}, []float32{0.5, -1.0, 2.0}),
			y:    tensor.MustNew([]int{3, 1}, []float32{1.0, -0.5, 1.0}),
		},
		{
			name: "balanced",
			loss: BalancedCrossEntropy{},
			p:    tensor.MustNew([]int{1, 2, 2, 1, 1}, []float32{0.3, 0.8, 0.6, 0.1}),
			y:    tensor.MustNew([]int{1, 2, 2, 1, 1}, []float32{0, 1, 0, 0}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grad, err := tt.loss.Backward(tt.p, tt.y)
			require.NoError(t, err)
			want := numericGrad(t, tt.loss, tt.p, tt.y)
			for i := range want {
				assert.InDelta(t, want[i], float64(grad.Data[i]), 1e-2*math.Max(1, math.Abs(want[i])), "element %d", i)
			}
		})
	}
}

func TestBalancedCrossEntropyNoPositives(t *testing.T) {
	for _, negatives := range []int{1, 7, 64} {
		p := tensor.MustNew([]int{negatives, 1}, nil)
		for i := range p.Data {
			p.Data[i] = float32(i+1) / float32(negatives+1)
		}
		y := tensor.MustNew([]int{negatives, 1}, nil)

		v, err := BalancedCrossEntropy{}.Forward(p, y)
		require.NoError(t, err)
		assert.Equal(t, 0.0, v, "negatives=%d", negatives)

		g, err := BalancedCrossEntropy{}.Backward(p, y)
		require.NoError(t, err)
		for _, x := range g.Data {
			assert.Equal(t, float32(0), x)
		}
	}
}

func TestBalancedCrossEntropyValue(t *testing.T) {
	// One positive out of four: beta = 0.75, pos_weight = 3.
	p := tensor.MustNew([]int{4}, []float32{0.5, 0.5, 0.5, 0.5})
	y := tensor.MustNew([]int{4}, []float32{1, 0, 0, 0})

	v, err := BalancedCrossEntropy{}.Forward(p, y)
	require.NoError(t, err)
	// z = 0: positives cost 3*ln2, negatives ln2; mean = 1.5*ln2, scaled by 0.25.
	assert.InDelta(t, 0.25*1.5*math.Ln2, v, 1e-6)
}

func TestCategoricalCrossEntropyValue(t *testing.T) {
	p := tensor.MustNew([]int{2, 2}, []float32{0.5, 0.5, 0.25, 0.75})
	y := tensor.MustNew([]int{2, 2}, []float32{1, 0, 0, 1})
	v, err := CategoricalCrossEntropy{}.Forward(p, y)
	require.NoError(t, err)
	assert.InDelta(t, (math.Ln2+math.Log(4.0/3.0))/2, v, 1e-6)
}

func TestLossSizeMismatch(t *testing.T) {
	_, err := BinaryCrossEntropy{}.Forward(tensor.MustNew([]int{2, 1}, nil), tensor.MustNew([]int{3, 1}, nil))
	assert.Error(t, err)
}

func TestLossByName(t *testing.T) {
	for _, name := range []string{
		architecture.LossCategoricalCrossEntropy,
		architecture.LossBinaryCrossEntropy,
		architecture.LossRootMeanSquaredError,
		architecture.LossBalancedCrossEntropy,
	} {
		l, err := LossByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, l.Name())
	}
	_, err := LossByName("focal")
	assert.True(t, errors.Is(err, ErrUnknownLoss))
}

func TestAccuracy(t *testing.T) {
	multi := tensor.MustNew([]int{3, 3}, []float32{
		0.1, 0.8, 0.1,
		0.6, 0.3, 0.1,
		0.2, 0.2, 0.6,
	})
	target := tensor.MustNew([]int{3, 3}, []float32{
		0, 1, 0,
		0, 1, 0,
		0, 0, 1,
	})
	acc, err := Accuracy{}.Compute(multi, target)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, acc, 1e-12)

	single := tensor.MustNew([]int{4, 1}, []float32{0.2, 0.5, 0.9, 0.4})
	labels := tensor.MustNew([]int{4, 1}, []float32{0, 1, 0, 0})
	acc, err = Accuracy{}.Compute(single, labels)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, acc, 1e-12)
}

func TestRunningMeanWeights(t *testing.T) {
	var m runningMean
	assert.True(t, math.IsNaN(m.mean()))
	m.add(1, 3)
	m.add(4, 1)
	assert.InDelta(t, 1.75, m.mean(), 1e-12)
}
