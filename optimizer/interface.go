package optimizer

import (
	"fmt"

	"github.com/tsawler/go-voxnet/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State can be extracted and restored for checkpointing.
type Optimizer interface {
	// Step applies one update. grads must align with params.
	Step(params, grads []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32

	// Name returns the optimizer type, e.g. "Adam"
	Name() string
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one slot buffer (momentum, variance, ...) of an optimizer.
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// New creates an optimizer by type name with the given learning rate and
// otherwise default hyperparameters.
func New(name string, learningRate float32) (Optimizer, error) {
	switch name {
	case "Adam", "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = learningRate
		return NewAdamOptimizer(cfg), nil
	case "RMSProp", "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = learningRate
		return NewRMSPropOptimizer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// FromState rebuilds an optimizer from a saved state.
func FromState(state *OptimizerState) (Optimizer, error) {
	if state == nil {
		return nil, fmt.Errorf("optimizer state is nil")
	}
	opt, err := New(state.Type, 0)
	if err != nil {
		return nil, err
	}
	if err := opt.LoadState(state); err != nil {
		return nil, err
	}
	return opt, nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkAligned(params, grads []*tensor.Tensor) error {
	if len(params) != len(grads) {
		return fmt.Errorf("parameter count %d does not match gradient count %d", len(params), len(grads))
	}
	for i := range params {
		if params[i].NumElems != grads[i].NumElems {
			return fmt.Errorf("parameter %d has %d elements, gradient has %d", i, params[i].NumElems, grads[i].NumElems)
		}
	}
	return nil
}
