package architecture

import (
	"fmt"

	"github.com/tsawler/go-voxnet/config"
	"github.com/tsawler/go-voxnet/dataset"
	"github.com/tsawler/go-voxnet/engine"
	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/optimizer"
	"github.com/tsawler/go-voxnet/tensor"
)

// Registration points other components look up by name.
const (
	FirstConvLayerName = "conv_layer1"
	LastLayerName      = "pre-softmax_layer"
)

// Loss and metric identifiers recorded in CompileConfig.
const (
	LossCategoricalCrossEntropy = "categorical_crossentropy"
	LossBinaryCrossEntropy      = "binary_crossentropy"
	LossRootMeanSquaredError    = "root_mean_squared_error"
	LossBalancedCrossEntropy    = "balanced_crossentropy"

	MetricAccuracy = "accuracy"
	MetricRMSE     = "rmse"
)

// Keras-compatible batch normalisation defaults.
const (
	bnEpsilon  = 1e-3
	bnMomentum = 0.99
)

// CompileConfig names the training objective of a network.
type CompileConfig struct {
	Optimizer    string  `json:"optimizer"`
	LearningRate float64 `json:"learning_rate"`
	Loss         string  `json:"loss"`
	Metric       string  `json:"metric"`
}

// Network bundles an executable model with what was decided when it was built.
type Network struct {
	Model    *engine.Model
	Metadata Metadata
	Compile  CompileConfig
	// Nil when the network was loaded for inference only.
	Optimizer optimizer.Optimizer
}

// Trainable reports whether the network carries an optimizer.
func (n *Network) Trainable() bool {
	return n != nil && n.Model != nil && n.Optimizer != nil
}

type buildOptions struct {
	format tensor.DataFormat
	seed   int64
}

// Option configures Build.
type Option func(*buildOptions)

// WithDataFormat selects the sample layout. U-Net ignores it and always uses
// channels-last.
func WithDataFormat(f tensor.DataFormat) Option {
	return func(o *buildOptions) { o.format = f }
}

// WithSeed fixes parameter initialisation.
func WithSeed(seed int64) Option {
	return func(o *buildOptions) { o.seed = seed }
}

// Build assembles an untrained network for the dataset described by info.
// Unknown architecture tags yield ErrUnsupportedArchitecture and malformed
// metadata ErrInvalidConfiguration; the network is nil in both cases.
func Build(info dataset.Info, hp config.HyperParameters, opts ...Option) (*Network, error) {
	o := buildOptions{format: tensor.ChannelsFirst, seed: 1}
	for _, opt := range opts {
		opt(&o)
	}

	kind, err := ParseKind(hp.Type)
	if err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if hp.LearnRate <= 0 {
		return nil, fmt.Errorf("%w: learning rate must be positive, got %g", ErrInvalidConfiguration, hp.LearnRate)
	}

	var (
		spec    *layers.ModelSpec
		compile CompileConfig
	)
	switch kind {
	case LeNet:
		spec, compile, err = buildLeNet(info, o.format)
	case UNet:
		o.format = tensor.ChannelsLast
		spec, compile, err = buildUNet(info)
	}
	if err != nil {
		return nil, err
	}
	compile.LearningRate = hp.LearnRate

	return assemble(kind, info, spec, compile, o.seed)
}

func assemble(kind Kind, info dataset.Info, spec *layers.ModelSpec, compile CompileConfig, seed int64) (*Network, error) {
	model, err := engine.NewModel(spec, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	opt, err := optimizer.New(compile.Optimizer, float32(compile.LearningRate))
	if err != nil {
		return nil, err
	}

	extents := [3]int{spec.InputShape[1], spec.InputShape[2], spec.InputShape[3]}
	meta := Metadata{
		Kind:           kind,
		DataFormat:     spec.DataFormat,
		InputExtents:   extents,
		Stepout:        StepoutFromExtents(extents),
		NumAttributes:  spec.InputShape[0],
		NumOutputs:     model.NumOutputs(),
		NumClasses:     info.NumClasses(),
		Classification: info.Classification,
		Volumetric:     model.IsVolumetricOutput(),
	}
	return &Network{Model: model, Metadata: meta, Compile: compile, Optimizer: opt}, nil
}

func buildLeNet(info dataset.Info, format tensor.DataFormat) (*layers.ModelSpec, CompileConfig, error) {
	width := OutputWidth(info)

	b := layers.NewModelBuilder(InputShape(info)).WithDataFormat(format)
	b.AddConv3D(50, 5, 4, layers.PaddingSame, true, FirstConvLayerName).
		AddBatchNorm(bnEpsilon, bnMomentum, "").
		AddReLU("")
	for i := 2; i <= 4; i++ {
		b.AddConv3D(50, 3, 2, layers.PaddingSame, true, fmt.Sprintf("conv_layer%d", i)).
			AddDropout(0.2, "").
			AddBatchNorm(bnEpsilon, bnMomentum, "").
			AddReLU("")
	}
	b.AddConv3D(50, 3, 2, layers.PaddingSame, true, "conv_layer5").
		AddBatchNorm(bnEpsilon, bnMomentum, "").
		AddReLU("").
		AddFlatten("").
		AddDense(50, true, "dense_layer1").
		AddBatchNorm(bnEpsilon, bnMomentum, "").
		AddReLU("").
		AddDense(10, true, "attribute_layer").
		AddBatchNorm(bnEpsilon, bnMomentum, "").
		AddReLU("").
		AddDense(width, true, LastLayerName)

	compile := CompileConfig{Metric: MetricAccuracy}
	switch {
	case info.Classification && width > 2:
		b.AddBatchNorm(bnEpsilon, bnMomentum, "").AddSoftmax("")
		compile.Optimizer, compile.Loss = "adam", LossCategoricalCrossEntropy
	case info.Classification:
		b.AddBatchNorm(bnEpsilon, bnMomentum, "").AddSigmoid("")
		compile.Optimizer, compile.Loss = "adam", LossBinaryCrossEntropy
	default:
		compile.Optimizer, compile.Loss, compile.Metric = "rmsprop", LossRootMeanSquaredError, MetricRMSE
	}

	spec, err := b.Compile()
	if err != nil {
		return nil, CompileConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return spec, compile, nil
}

// uNetWidths are the encoder channel widths; the decoder mirrors them.
var uNetWidths = []int{2, 4, 8}

const uNetBottleneck = 64

// buildUNet assembles the encoder/decoder over the sample window. Pools keep
// partial windows and each decoder upsample is cropped to its skip extents,
// so odd windows such as 2*stepout+1 are accepted.
func buildUNet(info dataset.Info) (*layers.ModelSpec, CompileConfig, error) {
	input := InputShape(info)

	b := layers.NewModelBuilder(input).WithDataFormat(tensor.ChannelsLast)
	pair := func(filters int, prefix string) string {
		first := prefix + "_conv1"
		if b.LastName() == "" {
			first = FirstConvLayerName
		}
		b.AddConv3D(filters, 3, 1, layers.PaddingSame, true, first).AddReLU(prefix + "_relu1").
			AddConv3D(filters, 3, 1, layers.PaddingSame, true, prefix+"_conv2").AddReLU(prefix + "_relu2")
		return b.LastName()
	}

	skips := make([]string, len(uNetWidths))
	extents := make([][3]int, len(uNetWidths))
	cur := [3]int{input[1], input[2], input[3]}
	for i, w := range uNetWidths {
		skips[i] = pair(w, fmt.Sprintf("enc%d", i+1))
		extents[i] = cur
		b.AddCeilMaxPool3D(2, fmt.Sprintf("pool%d", i+1))
		for j := range cur {
			cur[j] = (cur[j] + 1) / 2
		}
	}
	pair(uNetBottleneck, "bottleneck")
	for i := len(uNetWidths) - 1; i >= 0; i-- {
		stage := len(uNetWidths) - i
		up := fmt.Sprintf("up%d", stage)
		b.AddUpSample3DTo(2, extents[i], up).
			AddConcatenate(fmt.Sprintf("merge%d", stage), up, skips[i])
		pair(uNetWidths[i], fmt.Sprintf("dec%d", stage))
	}
	b.AddConv3D(1, 1, 1, layers.PaddingSame, true, "output_conv").AddSigmoid("output")

	spec, err := b.Compile()
	if err != nil {
		return nil, CompileConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return spec, CompileConfig{Optimizer: "adam", Loss: LossBalancedCrossEntropy, Metric: MetricAccuracy}, nil
}

// Restore rebuilds a network around a compiled spec, e.g. after loading an
// artifact. opt may be nil for inference-only use.
func Restore(meta Metadata, spec *layers.ModelSpec, compile CompileConfig, opt optimizer.Optimizer) (*Network, error) {
	if !meta.Kind.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArchitecture, int(meta.Kind))
	}
	model, err := engine.NewModel(spec, 1)
	if err != nil {
		return nil, err
	}
	return &Network{Model: model, Metadata: meta, Compile: compile, Optimizer: opt}, nil
}
