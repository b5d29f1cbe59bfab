package engine

import (
	"fmt"

	"github.com/tsawler/go-voxnet/tensor"
)

// OutputKind names one entry of an InferenceResult.
type OutputKind int

const (
	Prediction OutputKind = iota
	Probability
	Confidence
)

func (k OutputKind) String() string {
	switch k {
	case Prediction:
		return "prediction"
	case Probability:
		return "probability"
	case Confidence:
		return "confidence"
	default:
		return "unknown"
	}
}

// InferenceResult maps each requested output to its tensor.
type InferenceResult map[OutputKind]*tensor.Tensor

// InferenceConfig holds configuration for the inference engine
type InferenceConfig struct {
	BatchSize int
}

// DefaultInferenceConfig returns defaults matching the training batch size
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{BatchSize: 32}
}

func validateInferenceConfig(config InferenceConfig) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	return nil
}

// ApplyRequest selects which outputs Apply computes.
type ApplyRequest struct {
	Classification bool

	WithPrediction bool
	// Probabilities and confidence exist for classification only. Regression
	// requests leave them out of the result.
	WithProbabilities bool
	// Columns of the class-probability matrix to return. Empty means all.
	ClassIndices   []int
	WithConfidence bool

	// Overrides InferenceConfig.BatchSize when positive.
	BatchSize int
}

// InferenceEngine runs a fitted model in inference mode.
type InferenceEngine struct {
	model  *Model
	config InferenceConfig
}

// NewInferenceEngine wraps model. The model is read-only for the engine's lifetime.
func NewInferenceEngine(model *Model, config InferenceConfig) (*InferenceEngine, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if err := validateInferenceConfig(config); err != nil {
		return nil, fmt.Errorf("invalid inference config: %w", err)
	}
	return &InferenceEngine{model: model, config: config}, nil
}

// Predict returns raw network outputs for samples already in the model's
// layout. Forward passes are chunked at batchSize.
func (ie *InferenceEngine) Predict(samples *tensor.Tensor, batchSize int) (*tensor.Tensor, error) {
	if batchSize <= 0 {
		batchSize = ie.config.BatchSize
	}
	n := samples.Shape[0]
	parts := make([]*tensor.Tensor, 0, (n+batchSize-1)/batchSize)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		batch, err := samples.SliceBatch(start, end)
		if err != nil {
			return nil, err
		}
		out, err := ie.model.Forward(batch, false)
		if err != nil {
			return nil, fmt.Errorf("forward pass on samples [%d, %d): %w", start, end, err)
		}
		parts = append(parts, out)
	}
	return tensor.Concat(parts...)
}

// Apply runs samples shaped (N, attributes, d0, d1, d2), or a lower rank that
// expands to it, through the model and derives the requested outputs.
//
// Classification predictions are class indices with the sample (and voxel)
// axes preserved. Regression predictions are transposed to (outputs, rows).
// Single-unit classifiers are read as P(class 1) and expanded to [1-p, p];
// they predict class 1 when p >= 0.5.
func (ie *InferenceEngine) Apply(samples *tensor.Tensor, req ApplyRequest) (InferenceResult, error) {
	if !req.Classification {
		req.WithProbabilities, req.WithConfidence = false, false
	}
	if !req.WithPrediction && !req.WithProbabilities && !req.WithConfidence {
		return InferenceResult{}, nil
	}

	x, err := tensor.ExpandToRank5(samples)
	if err != nil {
		return nil, err
	}
	if ie.model.Spec.DataFormat == tensor.ChannelsLast {
		x = tensor.ToChannelsLast(x)
	}

	raw, err := ie.Predict(x, req.BatchSize)
	if err != nil {
		return nil, err
	}
	if raw.Rank() == 5 && ie.model.Spec.DataFormat == tensor.ChannelsFirst {
		raw = tensor.ToChannelsLast(raw)
	}

	result := InferenceResult{}
	if !req.Classification {
		rows, cols := raw.AsMatrix()
		flat, err := raw.Reshape(rows, cols)
		if err != nil {
			return nil, err
		}
		pred, err := tensor.Transpose2D(flat)
		if err != nil {
			return nil, err
		}
		result[Prediction] = pred
		return result, nil
	}

	probs := classProbabilities(raw)
	lead := probs.Shape[:probs.Rank()-1]

	if req.WithPrediction {
		result[Prediction] = tensor.MustNew(lead, predictClasses(raw, probs))
	}
	if req.WithProbabilities {
		cols := req.ClassIndices
		if len(cols) == 0 {
			cols = make([]int, probs.Dim(-1))
			for i := range cols {
				cols[i] = i
			}
		}
		subset, err := tensor.SelectColumns(probs, cols)
		if err != nil {
			return nil, fmt.Errorf("probability subset: %w", err)
		}
		result[Probability] = subset
	}
	if req.WithConfidence {
		result[Confidence] = tensor.MustNew(lead, topTwoMargin(probs))
	}
	return result, nil
}

// classProbabilities returns a channels-last probability matrix with at least two columns.
func classProbabilities(raw *tensor.Tensor) *tensor.Tensor {
	if raw.Dim(-1) != 1 {
		return raw
	}
	shape := append(append([]int{}, raw.Shape[:raw.Rank()-1]...), 2)
	out := make([]float32, raw.NumElems*2)
	for i, p := range raw.Data {
		out[2*i] = 1 - p
		out[2*i+1] = p
	}
	return tensor.MustNew(shape, out)
}

func predictClasses(raw, probs *tensor.Tensor) []float32 {
	if raw.Dim(-1) == 1 {
		out := make([]float32, len(raw.Data))
		for i, p := range raw.Data {
			if p >= 0.5 {
				out[i] = 1
			}
		}
		return out
	}
	idx := tensor.ArgMaxRows(probs)
	out := make([]float32, len(idx))
	for i, v := range idx {
		out[i] = float32(v)
	}
	return out
}

// topTwoMargin computes highest minus second highest value per row. With
// equal values the lower index ranks higher, so a tie yields exactly 0.
func topTwoMargin(probs *tensor.Tensor) []float32 {
	rows, cols := probs.AsMatrix()
	out := make([]float32, rows)
	for r := 0; r < rows; r++ {
		row := probs.Data[r*cols : (r+1)*cols]
		first, second := 0, -1
		for c := 1; c < cols; c++ {
			switch {
			case row[c] > row[first]:
				second, first = first, c
			case second < 0 || row[c] > row[second]:
				second = c
			}
		}
		if second < 0 {
			continue
		}
		m := row[first] - row[second]
		if m < 0 {
			m = 0
		}
		out[r] = m
	}
	return out
}
