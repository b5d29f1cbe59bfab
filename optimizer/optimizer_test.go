package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/tensor"
)

func TestDefaultConfigs(t *testing.T) {
	adam := DefaultAdamConfig()
	if adam.LearningRate != 0.001 || adam.Beta1 != 0.9 || adam.Beta2 != 0.999 {
		t.Errorf("unexpected Adam defaults: %+v", adam)
	}
	rms := DefaultRMSPropConfig()
	if rms.LearningRate != 0.01 || rms.Alpha != 0.99 {
		t.Errorf("unexpected RMSProp defaults: %+v", rms)
	}
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	// Bias correction makes the first step lr * sign(g).
	adam := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	p := tensor.MustNew([]int{2}, []float32{1, 1})
	g := tensor.MustNew([]int{2}, []float32{0.5, -2})

	require.NoError(t, adam.Step([]*tensor.Tensor{p}, []*tensor.Tensor{g}))
	assert.InDelta(t, 0.9, p.Data[0], 1e-5)
	assert.InDelta(t, 1.1, p.Data[1], 1e-5)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestRMSPropStep(t *testing.T) {
	rms := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8})
	p := tensor.MustNew([]int{1}, []float32{0})
	g := tensor.MustNew([]int{1}, []float32{1})

	require.NoError(t, rms.Step([]*tensor.Tensor{p}, []*tensor.Tensor{g}))
	want := -0.01 / math.Sqrt(0.1)
	assert.InDelta(t, want, p.Data[0], 1e-6)
}

func TestStepRejectsMisalignedInputs(t *testing.T) {
	adam := NewAdamOptimizer(DefaultAdamConfig())
	p := tensor.MustNew([]int{2}, nil)
	assert.Error(t, adam.Step([]*tensor.Tensor{p}, nil))
	assert.Error(t, adam.Step([]*tensor.Tensor{p}, []*tensor.Tensor{tensor.MustNew([]int{3}, nil)}))
}

func TestStateRoundTripThroughJSON(t *testing.T) {
	for _, name := range []string{"Adam", "RMSProp"} {
		t.Run(name, func(t *testing.T) {
			opt, err := New(name, 0.05)
			require.NoError(t, err)

			p := tensor.MustNew([]int{2, 2}, []float32{1, 2, 3, 4})
			g := tensor.MustNew([]int{2, 2}, []float32{0.1, -0.2, 0.3, -0.4})
			for i := 0; i < 3; i++ {
				require.NoError(t, opt.Step([]*tensor.Tensor{p}, []*tensor.Tensor{g}))
			}

			state, err := opt.GetState()
			require.NoError(t, err)
			raw, err := json.Marshal(state)
			require.NoError(t, err)
			var decoded OptimizerState
			require.NoError(t, json.Unmarshal(raw, &decoded))

			restored, err := FromState(&decoded)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), restored.GetStepCount())
			assert.InDelta(t, 0.05, restored.GetLearningRate(), 1e-7)

			// Identical next step from both copies.
			p1, p2 := p.Clone(), p.Clone()
			require.NoError(t, opt.Step([]*tensor.Tensor{p1}, []*tensor.Tensor{g}))
			require.NoError(t, restored.Step([]*tensor.Tensor{p2}, []*tensor.Tensor{g}))
			assert.Equal(t, p1.Data, p2.Data)
		})
	}
}

func TestLoadStateTypeMismatch(t *testing.T) {
	adam := NewAdamOptimizer(DefaultAdamConfig())
	err := adam.LoadState(&OptimizerState{Type: "RMSProp"})
	assert.Error(t, err)

	_, err = New("SGD", 0.1)
	assert.Error(t, err)
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0":          0,
		"variance_12":         12,
		"squared_grad_avg_3":  3,
		"nounderscore":        -1,
		"momentum_x":          -1,
	}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", name, got, want)
		}
	}
}
