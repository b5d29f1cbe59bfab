package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/tensor"
)

// ErrUnknownLoss is returned by LossByName for an unregistered loss identifier.
var ErrUnknownLoss = errors.New("unknown loss")

// epsilon clips probabilities away from 0 and 1 before taking logs.
const epsilon = 1e-7

// Loss computes a scalar objective over network outputs and its gradient with
// respect to those outputs. Outputs are post-activation (probabilities for
// classifiers).
type Loss interface {
	Name() string
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// LossByName resolves the identifiers recorded in architecture.CompileConfig.
func LossByName(name string) (Loss, error) {
	switch name {
	case architecture.LossCategoricalCrossEntropy:
		return CategoricalCrossEntropy{}, nil
	case architecture.LossBinaryCrossEntropy:
		return BinaryCrossEntropy{}, nil
	case architecture.LossRootMeanSquaredError:
		return RootMeanSquaredError{}, nil
	case architecture.LossBalancedCrossEntropy:
		return BalancedCrossEntropy{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLoss, name)
	}
}

func checkSameSize(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return fmt.Errorf("predicted and target tensors must not be nil")
	}
	if predicted.NumElems != target.NumElems {
		return fmt.Errorf("predicted %v and target %v tensors must have the same size", predicted.Shape, target.Shape)
	}
	return nil
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, epsilon), 1-epsilon)
}

// CategoricalCrossEntropy is -mean over rows of sum_c y*log(p) for one-hot targets.
type CategoricalCrossEntropy struct{}

func (CategoricalCrossEntropy) Name() string { return architecture.LossCategoricalCrossEntropy }

func (CategoricalCrossEntropy) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	rows, _ := predicted.AsMatrix()
	var sum float64
	for i, p := range predicted.Data {
		if y := float64(target.Data[i]); y != 0 {
			sum -= y * math.Log(clip(float64(p)))
		}
	}
	return sum / float64(rows), nil
}

func (CategoricalCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return nil, err
	}
	rows, _ := predicted.AsMatrix()
	grad := tensor.MustNew(predicted.Shape, nil)
	for i, p := range predicted.Data {
		y := float64(target.Data[i])
		if y == 0 {
			continue
		}
		grad.Data[i] = float32(-y / clip(float64(p)) / float64(rows))
	}
	return grad, nil
}

// BinaryCrossEntropy averages -(y*log(p) + (1-y)*log(1-p)) over every element.
type BinaryCrossEntropy struct{}

func (BinaryCrossEntropy) Name() string { return architecture.LossBinaryCrossEntropy }

func (BinaryCrossEntropy) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, v := range predicted.Data {
		p, y := clip(float64(v)), float64(target.Data[i])
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return sum / float64(predicted.NumElems), nil
}

func (BinaryCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return nil, err
	}
	n := float64(predicted.NumElems)
	grad := tensor.MustNew(predicted.Shape, nil)
	for i, v := range predicted.Data {
		p, y := clip(float64(v)), float64(target.Data[i])
		grad.Data[i] = float32((p - y) / (p * (1 - p)) / n)
	}
	return grad, nil
}

// RootMeanSquaredError is sqrt(mean((p-y)^2)).
type RootMeanSquaredError struct{}

func (RootMeanSquaredError) Name() string { return architecture.LossRootMeanSquaredError }

func (RootMeanSquaredError) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	return rmse(predicted, target), nil
}

func (RootMeanSquaredError) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.MustNew(predicted.Shape, nil)
	r := rmse(predicted, target)
	if r == 0 {
		return grad, nil
	}
	scale := 1 / (float64(predicted.NumElems) * r)
	for i, p := range predicted.Data {
		grad.Data[i] = float32((float64(p) - float64(target.Data[i])) * scale)
	}
	return grad, nil
}

func rmse(predicted, target *tensor.Tensor) float64 {
	var sq float64
	for i, p := range predicted.Data {
		d := float64(p) - float64(target.Data[i])
		sq += d * d
	}
	return math.Sqrt(sq / float64(predicted.NumElems))
}

// BalancedCrossEntropy weights positives by beta/(1-beta), where beta is the
// fraction of negatives in the batch, and scales the mean by (1-beta). A batch
// with no positive voxel has loss 0 and zero gradient.
type BalancedCrossEntropy struct{}

func (BalancedCrossEntropy) Name() string { return architecture.LossBalancedCrossEntropy }

// balance returns beta and the positive weight, ok is false when there are no positives.
func balance(target *tensor.Tensor) (beta, posWeight float64, ok bool) {
	var pos float64
	for _, y := range target.Data {
		pos += float64(y)
	}
	if pos == 0 {
		return 0, 0, false
	}
	neg := float64(target.NumElems) - pos
	beta = neg / (neg + pos)
	return beta, beta / (1 - beta), true
}

func (BalancedCrossEntropy) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	beta, pw, ok := balance(target)
	if !ok {
		return 0, nil
	}
	var sum float64
	for i, v := range predicted.Data {
		p, y := clip(float64(v)), float64(target.Data[i])
		z := math.Log(p / (1 - p))
		sum += (1-y)*z + (1+(pw-1)*y)*(math.Log1p(math.Exp(-math.Abs(z)))+math.Max(-z, 0))
	}
	return sum / float64(predicted.NumElems) * (1 - beta), nil
}

func (BalancedCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.MustNew(predicted.Shape, nil)
	beta, pw, ok := balance(target)
	if !ok {
		return grad, nil
	}
	scale := (1 - beta) / float64(predicted.NumElems)
	for i, v := range predicted.Data {
		p := float64(v)
		if p <= epsilon || p >= 1-epsilon {
			continue
		}
		y := float64(target.Data[i])
		// d/dz of the weighted logit loss is (1-y) - (1+(pw-1)y)(1-p); dz/dp = 1/(p(1-p)).
		dz := (1 - y) - (1+(pw-1)*y)*(1-p)
		grad.Data[i] = float32(dz / (p * (1 - p)) * scale)
	}
	return grad, nil
}
