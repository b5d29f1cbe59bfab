package dataset

import (
	"fmt"

	"github.com/tsawler/go-voxnet/tensor"
)

// Bundle holds the arrays for one training pass.
type Bundle struct {
	XTrain    *tensor.Tensor
	YTrain    *tensor.Tensor
	XValidate *tensor.Tensor
	YValidate *tensor.Tensor
}

// HasTrainingData reports whether the minimal keys are present.
func (b *Bundle) HasTrainingData() bool {
	return b != nil && b.XTrain != nil && b.YTrain != nil
}

// HasValidation reports whether a validation split is present.
func (b *Bundle) HasValidation() bool {
	return b != nil && b.XValidate != nil && b.YValidate != nil
}

// Validate checks that samples and labels agree on the batch axis.
func (b *Bundle) Validate() error {
	if !b.HasTrainingData() {
		return fmt.Errorf("bundle has no training arrays")
	}
	if b.XTrain.Shape[0] != b.YTrain.Shape[0] {
		return fmt.Errorf("x_train has %d samples but y_train has %d", b.XTrain.Shape[0], b.YTrain.Shape[0])
	}
	if (b.XValidate == nil) != (b.YValidate == nil) {
		return fmt.Errorf("validation split must provide both x and y")
	}
	if b.HasValidation() && b.XValidate.Shape[0] != b.YValidate.Shape[0] {
		return fmt.Errorf("x_validate has %d samples but y_validate has %d", b.XValidate.Shape[0], b.YValidate.Shape[0])
	}
	return nil
}

// ChunkSource supplies training data to the orchestrator.
type ChunkSource interface {
	// NumChunks returns how many decimated passes to run. 1 means the
	// resident bundle is used as is.
	NumChunks() int
	// Resident returns the full bundle for non-chunked training.
	Resident() (*Bundle, error)
	// Chunk returns a freshly sampled bundle for chunk i. ok is false when
	// the chunk has no data.
	Chunk(i int) (b *Bundle, ok bool, err error)
}

// MemorySource serves bundles already in memory. A nil entry in Chunks means
// that chunk has no data.
type MemorySource struct {
	Whole  *Bundle
	Chunks []*Bundle
}

// NewResidentSource wraps a single bundle for non-chunked training.
func NewResidentSource(b *Bundle) *MemorySource {
	return &MemorySource{Whole: b}
}

func (s *MemorySource) NumChunks() int {
	if len(s.Chunks) > 0 {
		return len(s.Chunks)
	}
	if s.Whole == nil {
		return 0
	}
	return 1
}

func (s *MemorySource) Resident() (*Bundle, error) {
	if s.Whole == nil && len(s.Chunks) == 1 {
		return s.Chunks[0], nil
	}
	return s.Whole, nil
}

func (s *MemorySource) Chunk(i int) (*Bundle, bool, error) {
	if i < 0 || i >= len(s.Chunks) {
		return nil, false, fmt.Errorf("chunk index %d out of range [0, %d)", i, len(s.Chunks))
	}
	b := s.Chunks[i]
	return b, b.HasTrainingData(), nil
}
