package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-voxnet/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv3D
	ReLU
	Softmax
	Sigmoid
	MaxPool3D
	UpSample3D
	Concatenate
	Dropout
	BatchNorm
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv3D:
		return "Conv3D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case Sigmoid:
		return "Sigmoid"
	case MaxPool3D:
		return "MaxPool3D"
	case UpSample3D:
		return "UpSample3D"
	case Concatenate:
		return "Concatenate"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// Padding modes understood by Conv3D
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic.
//
// Shapes exclude the batch axis and are always channel-first: volumes are
// [C, D0, D1, D2] and flat features are [F]. The model's external layout is
// recorded on ModelSpec.DataFormat.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Names of the layers feeding this one. Empty means the previous layer
	// (or the model input for the first layer).
	Inputs []string `json:"inputs,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	// Non-learnable parameters (BatchNorm moving statistics)
	RunningStatistics map[string][]float32 `json:"running_statistics,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// External layout of input samples
	DataFormat tensor.DataFormat `json:"data_format"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	format     tensor.DataFormat
	nextInputs []string
	counters   map[LayerType]int
	compiled   bool
}

// NewModelBuilder creates a builder for samples of the given channel-first shape
// (batch axis excluded).
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
		format:     tensor.ChannelsFirst,
		counters:   make(map[LayerType]int),
	}
}

// WithDataFormat records the layout in which samples are fed to the model.
func (mb *ModelBuilder) WithDataFormat(format tensor.DataFormat) *ModelBuilder {
	mb.format = format
	return mb
}

// From makes the next added layer read from the named layer instead of the
// previous one.
func (mb *ModelBuilder) From(name string) *ModelBuilder {
	mb.nextInputs = []string{name}
	return mb
}

// LastName returns the name of the most recently added layer.
func (mb *ModelBuilder) LastName() string {
	if len(mb.layers) == 0 {
		return ""
	}
	return mb.layers[len(mb.layers)-1].Name
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Name == "" {
		mb.counters[layer.Type]++
		layer.Name = fmt.Sprintf("%s_%d", strings.ToLower(layer.Type.String()), mb.counters[layer.Type])
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	if len(layer.Inputs) == 0 && len(mb.nextInputs) > 0 {
		layer.Inputs = mb.nextInputs
	}
	mb.nextInputs = nil
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddConv3D adds a cubic-kernel 3-D convolution.
func (mb *ModelBuilder) AddConv3D(filters, kernelSize, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv3D,
		Name: name,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddBatchNorm adds batch normalization over the channel (or feature) axis.
// momentum follows the moving = momentum*moving + (1-momentum)*batch convention.
func (mb *ModelBuilder) AddBatchNorm(eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSoftmax adds a softmax over the channel (or feature) axis.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Softmax, Name: name})
}

// AddSigmoid adds a logistic activation.
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddFlatten collapses the sample to a feature vector.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddMaxPool3D adds non-overlapping max pooling with a cubic window.
func (mb *ModelBuilder) AddMaxPool3D(poolSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool3D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
		},
	})
}

// AddCeilMaxPool3D pools like AddMaxPool3D but keeps trailing partial
// windows, so every extent becomes ceil(extent/poolSize).
func (mb *ModelBuilder) AddCeilMaxPool3D(poolSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool3D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"ceil_mode": true,
		},
	})
}

// AddUpSample3D repeats every voxel size times along each spatial axis.
func (mb *ModelBuilder) AddUpSample3D(size int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: UpSample3D,
		Name: name,
		Parameters: map[string]interface{}{
			"size": size,
		},
	})
}

// AddUpSample3DTo upsamples and crops the result to target extents.
func (mb *ModelBuilder) AddUpSample3DTo(size int, target [3]int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: UpSample3D,
		Name: name,
		Parameters: map[string]interface{}{
			"size":      size,
			"target_d0": target[0],
			"target_d1": target[1],
			"target_d2": target[2],
		},
	})
}

// UpSampleTarget reads the crop extents of an upsampling layer; zero means uncropped.
func UpSampleTarget(params map[string]interface{}) [3]int {
	return [3]int{
		GetIntParam(params, "target_d0", 0),
		GetIntParam(params, "target_d1", 0),
		GetIntParam(params, "target_d2", 0),
	}
}

// AddConcatenate joins the named layers along the channel axis.
func (mb *ModelBuilder) AddConcatenate(name string, inputs ...string) *ModelBuilder {
	in := make([]string, len(inputs))
	copy(in, inputs)
	return mb.AddLayer(LayerSpec{Type: Concatenate, Name: name, Inputs: in})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if err := validateInputShape(mb.inputShape); err != nil {
		return nil, err
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		DataFormat: mb.format,
		InputShape: mb.inputShape,
	}
	copy(model.Layers, mb.layers)

	if err := model.resolve(); err != nil {
		return nil, err
	}

	mb.compiled = true
	return model, nil
}

// Recompile recomputes shape information for a spec, e.g. after deserialisation.
func (ms *ModelSpec) Recompile() error {
	if err := validateInputShape(ms.InputShape); err != nil {
		return err
	}
	return ms.resolve()
}

func validateInputShape(shape []int) error {
	if len(shape) != 1 && len(shape) != 4 {
		return fmt.Errorf("input shape must be [F] or [C, D0, D1, D2], got %v", shape)
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("input shape %v has non-positive dimension", shape)
		}
	}
	return nil
}

func (ms *ModelSpec) resolve() error {
	byName := make(map[string]int, len(ms.Layers))
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		if _, dup := byName[layer.Name]; dup {
			return fmt.Errorf("duplicate layer name %q", layer.Name)
		}

		inputShapes, err := ms.inputShapesFor(i, byName)
		if err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, layer.Name, err)
		}
		layer.InputShape = copyShape(inputShapes[0])

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, inputShapes)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		byName[layer.Name] = i
	}

	ms.OutputShape = copyShape(ms.Layers[len(ms.Layers)-1].OutputShape)
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

func (ms *ModelSpec) inputShapesFor(i int, byName map[string]int) ([][]int, error) {
	layer := ms.Layers[i]
	if len(layer.Inputs) == 0 {
		if layer.Type == Concatenate {
			return nil, fmt.Errorf("concatenate requires named inputs")
		}
		if i == 0 {
			return [][]int{ms.InputShape}, nil
		}
		return [][]int{ms.Layers[i-1].OutputShape}, nil
	}
	shapes := make([][]int, 0, len(layer.Inputs))
	for _, name := range layer.Inputs {
		idx, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown or later input layer %q", name)
		}
		shapes = append(shapes, ms.Layers[idx].OutputShape)
	}
	return shapes, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputs [][]int) ([]int, [][]int, int64, error) {
	inputShape := inputs[0]
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv3D:
		return computeConv3DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool3D:
		return computePoolInfo(layer, inputShape)
	case UpSample3D:
		return computeUpSampleInfo(layer, inputShape)
	case Concatenate:
		return computeConcatInfo(inputs)
	case Flatten:
		return []int{tensor.NumElements(inputShape)}, nil, 0, nil
	case ReLU, Softmax, Sigmoid, Dropout:
		return copyShape(inputShape), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 1 {
		return nil, nil, 0, fmt.Errorf("dense layer requires flat input, got %v", inputShape)
	}
	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}
	inputSize := inputShape[0]
	layer.Parameters["input_size"] = inputSize

	shapes := [][]int{{inputSize, outputSize}}
	count := int64(inputSize * outputSize)
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		shapes = append(shapes, []int{outputSize})
		count += int64(outputSize)
	}
	return []int{outputSize}, shapes, count, nil
}

func computeConv3DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("conv3d requires volumetric input [C, D0, D1, D2], got %v", inputShape)
	}
	filters := GetIntParam(layer.Parameters, "filters", 0)
	k := GetIntParam(layer.Parameters, "kernel_size", 0)
	s := GetIntParam(layer.Parameters, "stride", 1)
	pad := GetStringParam(layer.Parameters, "padding", PaddingSame)
	if filters <= 0 || k <= 0 || s <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid conv3d parameters filters=%d kernel=%d stride=%d", filters, k, s)
	}
	inChannels := inputShape[0]
	layer.Parameters["input_channels"] = inChannels

	out := []int{filters, 0, 0, 0}
	for i := 0; i < 3; i++ {
		o, err := ConvOutputSize(inputShape[i+1], k, s, pad)
		if err != nil {
			return nil, nil, 0, err
		}
		out[i+1] = o
	}

	shapes := [][]int{{filters, inChannels, k, k, k}}
	count := int64(filters * inChannels * k * k * k)
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		shapes = append(shapes, []int{filters})
		count += int64(filters)
	}
	return out, shapes, count, nil
}

// ConvOutputSize returns the output extent of a strided convolution.
// "same" yields ceil(in/stride); "valid" yields floor((in-kernel)/stride)+1.
func ConvOutputSize(in, kernel, stride int, padding string) (int, error) {
	switch padding {
	case PaddingSame:
		return (in + stride - 1) / stride, nil
	case PaddingValid:
		if in < kernel {
			return 0, fmt.Errorf("valid convolution: extent %d smaller than kernel %d", in, kernel)
		}
		return (in-kernel)/stride + 1, nil
	default:
		return 0, fmt.Errorf("unknown padding %q", padding)
	}
}

// SamePaddingFront returns the leading pad for "same" convolution. The total pad
// is split with the extra element, if any, at the end.
func SamePaddingFront(in, kernel, stride int) int {
	out := (in + stride - 1) / stride
	total := (out-1)*stride + kernel - in
	if total < 0 {
		total = 0
	}
	return total / 2
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	features := inputShape[0]
	shapes := [][]int{{features}, {features}}
	if layer.RunningStatistics == nil {
		mean := make([]float32, features)
		variance := make([]float32, features)
		for i := range variance {
			variance[i] = 1
		}
		layer.RunningStatistics = map[string][]float32{
			"moving_mean":     mean,
			"moving_variance": variance,
		}
	}
	return copyShape(inputShape), shapes, int64(2 * features), nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("maxpool3d requires volumetric input, got %v", inputShape)
	}
	p := GetIntParam(layer.Parameters, "pool_size", 2)
	if p <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid pool size %d", p)
	}
	ceil := GetBoolParam(layer.Parameters, "ceil_mode", false)
	out := []int{inputShape[0], 0, 0, 0}
	for i := 1; i < 4; i++ {
		if ceil {
			out[i] = (inputShape[i] + p - 1) / p
			continue
		}
		if inputShape[i] < p {
			return nil, nil, 0, fmt.Errorf("extent %d smaller than pool size %d", inputShape[i], p)
		}
		out[i] = inputShape[i] / p
	}
	return out, nil, 0, nil
}

func computeUpSampleInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("upsample3d requires volumetric input, got %v", inputShape)
	}
	s := GetIntParam(layer.Parameters, "size", 2)
	out := []int{inputShape[0], inputShape[1] * s, inputShape[2] * s, inputShape[3] * s}
	for i, t := range UpSampleTarget(layer.Parameters) {
		if t == 0 {
			continue
		}
		if t > out[i+1] || t < 0 {
			return nil, nil, 0, fmt.Errorf("upsample target extent %d outside (0, %d]", t, out[i+1])
		}
		out[i+1] = t
	}
	return out, nil, 0, nil
}

func computeConcatInfo(inputs [][]int) ([]int, [][]int, int64, error) {
	if len(inputs) < 2 {
		return nil, nil, 0, fmt.Errorf("concatenate requires at least two inputs")
	}
	out := copyShape(inputs[0])
	for _, s := range inputs[1:] {
		if len(s) != len(out) || !tensor.ShapesEqual(s[1:], out[1:]) {
			return nil, nil, 0, fmt.Errorf("concatenate: incompatible shapes %v and %v", inputs[0], s)
		}
		out[0] += s[0]
	}
	return out, nil, 0, nil
}

// Layer returns the named layer.
func (ms *ModelSpec) Layer(name string) (*LayerSpec, bool) {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return &ms.Layers[i], true
		}
	}
	return nil, false
}

// ParameterNames lists learnable tensors in ParameterShapes order.
func (ms *ModelSpec) ParameterNames() []string {
	var names []string
	for _, layer := range ms.Layers {
		switch layer.Type {
		case Dense, Conv3D:
			names = append(names, layer.Name+".weight")
			if len(layer.ParameterShapes) > 1 {
				names = append(names, layer.Name+".bias")
			}
		case BatchNorm:
			names = append(names, layer.Name+".gamma", layer.Name+".beta")
		}
	}
	return names
}

// Summary returns a human-readable description of the compiled model
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Data Format: %s\n", ms.DataFormat)
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n", layer.ParameterCount)
		if len(layer.Inputs) > 0 {
			fmt.Fprintf(&b, "  From:   %s\n", strings.Join(layer.Inputs, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func copyShape(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// GetIntParam reads an integer parameter. JSON-decoded numbers arrive as float64.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func GetFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}
