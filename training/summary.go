package training

import (
	"fmt"
	"io"
	"strings"

	"github.com/tsawler/go-voxnet/architecture"
	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/tensor"
)

const summaryWidth = 98

// WriteSummary prints a Keras-style layer table for net followed by
// parameter counts and memory estimates.
func WriteSummary(w io.Writer, net *architecture.Network) error {
	if net == nil || net.Model == nil {
		return fmt.Errorf("cannot summarise a nil network")
	}
	spec := net.Model.Spec

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %q\n", net.Metadata.Kind.UIName())
	b.WriteString(strings.Repeat("_", summaryWidth) + "\n")
	fmt.Fprintf(&b, "%-32s %-28s %-10s %s\n", "Layer (type)", "Output Shape", "Param #", "Connected to")
	b.WriteString(strings.Repeat("=", summaryWidth) + "\n")

	prev := "input"
	var nonTrainable int64
	for i, layer := range spec.Layers {
		from := prev
		if len(layer.Inputs) > 0 {
			from = strings.Join(layer.Inputs, ", ")
		}
		fmt.Fprintf(&b, "%-32s %-28s %-10d %s\n",
			fmt.Sprintf("%s (%s)", layer.Name, layer.Type),
			externalShape(layer.OutputShape, spec.DataFormat),
			layer.ParameterCount,
			from,
		)
		if i < len(spec.Layers)-1 {
			b.WriteString(strings.Repeat("_", summaryWidth) + "\n")
		}
		if layer.Type == layers.BatchNorm {
			nonTrainable += 2 * int64(layer.OutputShape[0])
		}
		prev = layer.Name
	}
	b.WriteString(strings.Repeat("=", summaryWidth) + "\n")

	fmt.Fprintf(&b, "Total params: %d (%s)\n", spec.TotalParameters+nonTrainable, formatParameterCount(spec.TotalParameters+nonTrainable))
	fmt.Fprintf(&b, "Trainable params: %d\n", spec.TotalParameters)
	fmt.Fprintf(&b, "Non-trainable params: %d\n", nonTrainable)
	b.WriteString(strings.Repeat("_", summaryWidth) + "\n")
	fmt.Fprintf(&b, "Input size (MB): %.3f\n", calculateInputSize(spec.InputShape))
	fmt.Fprintf(&b, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(spec))
	fmt.Fprintf(&b, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(&b, "Estimated Total Size (MB): %.3f\n", estimateTotalSize(spec))

	_, err := io.WriteString(w, b.String())
	return err
}

// externalShape renders a channel-first layer shape in the model's data format
// with a leading batch placeholder.
func externalShape(shape []int, format tensor.DataFormat) string {
	dims := make([]string, 0, len(shape)+1)
	dims = append(dims, "None")
	ordered := shape
	if len(shape) == 4 && format == tensor.ChannelsLast {
		ordered = []int{shape[1], shape[2], shape[3], shape[0]}
	}
	for _, d := range ordered {
		dims = append(dims, fmt.Sprint(d))
	}
	return "(" + strings.Join(dims, ", ") + ")"
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates the size of one sample in MB.
func calculateInputSize(shape []int) float64 {
	return float64(tensor.NumElements(shape)*4) / 1024 / 1024
}

// estimateForwardBackwardSize doubles the sum of the input, the output and
// the largest activation.
func estimateForwardBackwardSize(spec *layers.ModelSpec) float64 {
	inputSize := calculateInputSize(spec.InputShape)
	outputSize := calculateInputSize(spec.OutputShape)

	largest := inputSize
	for _, layer := range spec.Layers {
		if len(layer.OutputShape) > 0 {
			largest = max(largest, calculateInputSize(layer.OutputShape))
		}
	}
	return (inputSize + outputSize + largest) * 2
}

func estimateTotalSize(spec *layers.ModelSpec) float64 {
	paramsSize := float64(spec.TotalParameters*4) / 1024 / 1024
	return calculateInputSize(spec.InputShape) + paramsSize + estimateForwardBackwardSize(spec)
}
