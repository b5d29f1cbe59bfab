package architecture

import (
	"github.com/tsawler/go-voxnet/dataset"
	"github.com/tsawler/go-voxnet/tensor"
)

// Metadata describes a built network so callers never need to inspect its
// layers to recover dataset properties.
type Metadata struct {
	Kind          Kind              `json:"kind"`
	DataFormat    tensor.DataFormat `json:"data_format"`
	InputExtents  [3]int            `json:"input_extents"`
	Stepout       [3]int            `json:"stepout"`
	NumAttributes int               `json:"nr_attributes"`
	// Output width: classes for multi-class, 1 for binary and regression.
	NumOutputs     int  `json:"nr_outputs"`
	NumClasses     int  `json:"nr_classes"`
	Classification bool `json:"classification"`
	Volumetric     bool `json:"volumetric"`
}

// StepoutFromExtents recovers the half-window sizes floor((dim-1)/2).
func StepoutFromExtents(extents [3]int) [3]int {
	var s [3]int
	for i, d := range extents {
		s[i] = (d - 1) / 2
	}
	return s
}

// OutputWidth applies the output width rule: c outputs for classification
// with more than two classes, otherwise a single unit.
func OutputWidth(info dataset.Info) int {
	if info.Classification && info.NumClasses() > 2 {
		return info.NumClasses()
	}
	return 1
}

// InputShape is the channel-first sample shape (attributes, window...).
func InputShape(info dataset.Info) []int {
	w := info.Stepout.Window()
	return []int{info.NumAttributes, w[0], w[1], w[2]}
}
