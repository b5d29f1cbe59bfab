package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-voxnet/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// RMSPropOptimizerState keeps a running average of squared gradients.
type RMSPropOptimizerState struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32

	SquaredGradAvg [][]float32
	shapes         [][]int

	StepCount uint64
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig) *RMSPropOptimizerState {
	return &RMSPropOptimizerState{
		LearningRate: config.LearningRate,
		Alpha:        config.Alpha,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step(params, grads []*tensor.Tensor) error {
	if err := checkAligned(params, grads); err != nil {
		return err
	}
	if rms.SquaredGradAvg == nil {
		rms.SquaredGradAvg = make([][]float32, len(params))
		rms.shapes = make([][]int, len(params))
		for i, p := range params {
			rms.SquaredGradAvg[i] = make([]float32, p.NumElems)
			rms.shapes[i] = append([]int(nil), p.Shape...)
		}
	} else if len(rms.SquaredGradAvg) != len(params) {
		return fmt.Errorf("rmsprop state holds %d buffers, got %d parameters", len(rms.SquaredGradAvg), len(params))
	}

	rms.StepCount++
	for i, p := range params {
		sq := rms.SquaredGradAvg[i]
		if len(sq) != p.NumElems {
			return fmt.Errorf("rmsprop buffer %d has %d elements, parameter has %d", i, len(sq), p.NumElems)
		}
		for j, g := range grads[i].Data {
			if rms.WeightDecay != 0 {
				g += rms.WeightDecay * p.Data[j]
			}
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*g*g
			p.Data[j] -= rms.LearningRate * g / (float32(math.Sqrt(float64(sq[j]))) + rms.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": float64(rms.LearningRate),
			"alpha":         float64(rms.Alpha),
			"epsilon":       float64(rms.Epsilon),
			"weight_decay":  float64(rms.WeightDecay),
			"step_count":    float64(rms.StepCount),
		},
		StateData: snapshotBuffers(rms.SquaredGradAvg, rms.shapes, "squared_grad_avg", "squared_grad_avg"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	rms.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloat32Param(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", 0)

	sq, shapes, err := restoreBuffers(state, "squared_grad_avg")
	if err != nil {
		return err
	}
	if len(sq) == 0 {
		rms.SquaredGradAvg, rms.shapes = nil, nil
		return nil
	}
	rms.SquaredGradAvg, rms.shapes = sq, shapes
	return nil
}

// GetStepCount returns the current optimization step number
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(lr float32) {
	rms.LearningRate = lr
}

func (rms *RMSPropOptimizerState) GetLearningRate() float32 {
	return rms.LearningRate
}

func (rms *RMSPropOptimizerState) Name() string {
	return "RMSProp"
}
