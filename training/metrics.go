package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/tensor"
)

// Metric scores a batch of outputs against targets.
type Metric interface {
	Name() string
	Compute(predicted, target *tensor.Tensor) (float64, error)
}

// MetricByName resolves the identifiers recorded in architecture.CompileConfig.
func MetricByName(name string) (Metric, error) {
	switch name {
	case architecture.MetricAccuracy:
		return Accuracy{}, nil
	case architecture.MetricRMSE:
		return RMSEMetric{}, nil
	default:
		return nil, fmt.Errorf("unknown metric %q", name)
	}
}

// Accuracy is the fraction of rows whose arg-max matches the one-hot target.
// Single-column outputs (sigmoid units, per-voxel masks) are thresholded at 0.5.
type Accuracy struct{}

func (Accuracy) Name() string { return architecture.MetricAccuracy }

func (Accuracy) Compute(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	rows, cols := predicted.AsMatrix()
	if rows == 0 {
		return 0, nil
	}

	correct := 0
	if cols == 1 {
		for i, p := range predicted.Data {
			if (p >= 0.5) == (target.Data[i] >= 0.5) {
				correct++
			}
		}
		return float64(correct) / float64(rows), nil
	}

	prow := make([]float64, cols)
	trow := make([]float64, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			prow[c] = float64(predicted.Data[r*cols+c])
			trow[c] = float64(target.Data[r*cols+c])
		}
		if floats.MaxIdx(prow) == floats.MaxIdx(trow) {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

// RMSEMetric reports root mean squared error.
type RMSEMetric struct{}

func (RMSEMetric) Name() string { return architecture.MetricRMSE }

func (RMSEMetric) Compute(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	return rmse(predicted, target), nil
}

// runningMean accumulates per-batch values weighted by batch size.
type runningMean struct {
	values  []float64
	weights []float64
}

func (m *runningMean) add(v float64, n int) {
	m.values = append(m.values, v)
	m.weights = append(m.weights, float64(n))
}

func (m *runningMean) mean() float64 {
	if len(m.values) == 0 {
		return math.NaN()
	}
	return stat.Mean(m.values, m.weights)
}
