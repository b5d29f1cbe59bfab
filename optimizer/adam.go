package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-voxnet/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizerState is Adam with bias-corrected moments.
type AdamOptimizerState struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32

	// Lazily sized on the first Step
	MomentumBuffers [][]float32
	VarianceBuffers [][]float32
	shapes          [][]int

	StepCount uint64
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

func (adam *AdamOptimizerState) ensureBuffers(params []*tensor.Tensor) error {
	if adam.MomentumBuffers == nil {
		adam.MomentumBuffers = make([][]float32, len(params))
		adam.VarianceBuffers = make([][]float32, len(params))
		adam.shapes = make([][]int, len(params))
		for i, p := range params {
			adam.MomentumBuffers[i] = make([]float32, p.NumElems)
			adam.VarianceBuffers[i] = make([]float32, p.NumElems)
			adam.shapes[i] = append([]int(nil), p.Shape...)
		}
		return nil
	}
	if len(adam.MomentumBuffers) != len(params) {
		return fmt.Errorf("adam state holds %d buffers, got %d parameters", len(adam.MomentumBuffers), len(params))
	}
	for i, p := range params {
		if len(adam.MomentumBuffers[i]) != p.NumElems {
			return fmt.Errorf("adam buffer %d has %d elements, parameter has %d", i, len(adam.MomentumBuffers[i]), p.NumElems)
		}
	}
	return nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads []*tensor.Tensor) error {
	if err := checkAligned(params, grads); err != nil {
		return err
	}
	if err := adam.ensureBuffers(params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	lrT := float32(float64(adam.LearningRate) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))

	for i, p := range params {
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j, g := range grads[i].Data {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			p.Data[j] -= lrT * m[j] / (float32(math.Sqrt(float64(v[j]))) + adam.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
	}
	state.StateData = append(state.StateData, snapshotBuffers(adam.MomentumBuffers, adam.shapes, "momentum", "m")...)
	state.StateData = append(state.StateData, snapshotBuffers(adam.VarianceBuffers, adam.shapes, "variance", "v")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)

	m, shapes, err := restoreBuffers(state, "m")
	if err != nil {
		return err
	}
	v, _, err := restoreBuffers(state, "v")
	if err != nil {
		return err
	}
	if len(m) != len(v) {
		return fmt.Errorf("adam state has %d momentum and %d variance buffers", len(m), len(v))
	}
	if len(m) == 0 {
		adam.MomentumBuffers, adam.VarianceBuffers, adam.shapes = nil, nil, nil
		return nil
	}
	adam.MomentumBuffers, adam.VarianceBuffers, adam.shapes = m, v, shapes
	return nil
}

// GetStepCount returns the current optimization step number
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float32) {
	adam.LearningRate = lr
}

func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

func (adam *AdamOptimizerState) Name() string {
	return "Adam"
}
