package architecture

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/config"
	"github.com/tsawler/go-voxnet/dataset"
	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/tensor"
)

func classInfo(classes int, stepout dataset.Stepout) dataset.Info {
	info := dataset.Info{NumAttributes: 2, Stepout: stepout, Classification: classes > 0}
	for c := 0; c < classes; c++ {
		info.Classes = append(info.Classes, c)
	}
	return info
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"lenet", LeNet},
		{"LeNet - Malenov", LeNet},
		{"unet", UNet},
		{"U-Net", UNet},
		{"UNET", UNet},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseKind("squeezenet")
	assert.True(t, errors.Is(err, ErrUnsupportedArchitecture))
	assert.Equal(t, []string{"LeNet - Malenov", "U-Net"}, UINames())
}

func TestBuildOutputWidth(t *testing.T) {
	tests := []struct {
		name    string
		classes int
		want    int
	}{
		{"regression", 0, 1},
		{"binary", 2, 1},
		{"three classes", 3, 3},
		{"five classes", 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hp := config.DefaultHyperParameters()
			net, err := Build(classInfo(tt.classes, dataset.CubeStepout(1, 1, 1)), hp)
			require.NoError(t, err)
			assert.Equal(t, tt.want, net.Metadata.NumOutputs)

			last, ok := net.Model.Spec.Layer(LastLayerName)
			require.True(t, ok)
			assert.Equal(t, []int{tt.want}, last.OutputShape)
		})
	}
}

func TestBuildLeNetCompile(t *testing.T) {
	hp := config.DefaultHyperParameters()

	net, err := Build(classInfo(4, dataset.CubeStepout(1, 1, 1)), hp)
	require.NoError(t, err)
	assert.Equal(t, CompileConfig{Optimizer: "adam", LearningRate: 0.01, Loss: LossCategoricalCrossEntropy, Metric: MetricAccuracy}, net.Compile)
	assert.Equal(t, "Adam", net.Optimizer.Name())

	net, err = Build(classInfo(2, dataset.CubeStepout(1, 1, 1)), hp)
	require.NoError(t, err)
	assert.Equal(t, LossBinaryCrossEntropy, net.Compile.Loss)
	last := net.Model.Spec.Layers[len(net.Model.Spec.Layers)-1]
	assert.Equal(t, layers.Sigmoid, last.Type)

	net, err = Build(classInfo(0, dataset.ScalarStepout(8)), hp)
	require.NoError(t, err)
	assert.Equal(t, LossRootMeanSquaredError, net.Compile.Loss)
	assert.Equal(t, "RMSProp", net.Optimizer.Name())
	assert.Equal(t, layers.Dense, net.Model.Spec.Layers[len(net.Model.Spec.Layers)-1].Type)
}

func TestBuildMetadata(t *testing.T) {
	hp := config.DefaultHyperParameters()
	net, err := Build(classInfo(3, dataset.CubeStepout(2, 1, 3)), hp, WithDataFormat(tensor.ChannelsLast))
	require.NoError(t, err)

	meta := net.Metadata
	assert.Equal(t, LeNet, meta.Kind)
	assert.Equal(t, tensor.ChannelsLast, meta.DataFormat)
	assert.Equal(t, [3]int{5, 3, 7}, meta.InputExtents)
	assert.Equal(t, [3]int{2, 1, 3}, meta.Stepout)
	assert.Equal(t, 2, meta.NumAttributes)
	assert.Equal(t, 3, meta.NumClasses)
	assert.True(t, meta.Classification)
	assert.False(t, meta.Volumetric)

	first, ok := net.Model.Spec.Layer(FirstConvLayerName)
	require.True(t, ok)
	assert.Equal(t, []int{2, 5, 3, 7}, first.InputShape)
}

func TestBuildScalarStepoutShape(t *testing.T) {
	net, err := Build(classInfo(3, dataset.ScalarStepout(8)), config.DefaultHyperParameters())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1, 17}, net.Model.Spec.InputShape)
	assert.Equal(t, [3]int{0, 0, 8}, net.Metadata.Stepout)

	x := tensor.MustNew([]int{3, 2, 1, 1, 17}, nil)
	out, err := net.Model.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, out.Shape)
}

func TestBuildFailures(t *testing.T) {
	hp := config.DefaultHyperParameters()

	hp.Type = "mobilenet"
	net, err := Build(classInfo(3, dataset.CubeStepout(1, 1, 1)), hp)
	assert.Nil(t, net)
	assert.True(t, errors.Is(err, ErrUnsupportedArchitecture))

	hp = config.DefaultHyperParameters()
	net, err = Build(classInfo(3, dataset.CubeStepout(-1, 1, 1)), hp)
	assert.Nil(t, net)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	hp.LearnRate = 0
	net, err = Build(classInfo(3, dataset.CubeStepout(1, 1, 1)), hp)
	assert.Nil(t, net)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestBuildUNet(t *testing.T) {
	hp := config.DefaultHyperParameters()
	hp.Type = "unet"
	info := dataset.Info{NumAttributes: 1, Stepout: dataset.CubeStepout(4, 4, 4), Classification: true, Classes: []int{0, 1}}

	net, err := Build(info, hp, WithDataFormat(tensor.ChannelsFirst))
	require.NoError(t, err)
	assert.Equal(t, UNet, net.Metadata.Kind)
	assert.Equal(t, tensor.ChannelsLast, net.Metadata.DataFormat, "u-net always runs channels-last")
	assert.True(t, net.Metadata.Volumetric)
	assert.Equal(t, 1, net.Metadata.NumOutputs)
	assert.Equal(t, LossBalancedCrossEntropy, net.Compile.Loss)

	tests := map[string][]int{
		"pool1":            {2, 5, 5, 5},
		"pool3":            {8, 2, 2, 2},
		"bottleneck_relu2": {64, 2, 2, 2},
		"up1":              {64, 3, 3, 3},
		"merge1":           {64 + 8, 3, 3, 3},
		"merge3":           {4 + 2, 9, 9, 9},
		"output":           {1, 9, 9, 9},
	}
	for name, want := range tests {
		layer, ok := net.Model.Spec.Layer(name)
		require.True(t, ok, name)
		assert.Equal(t, want, layer.OutputShape, name)
	}

	x := tensor.MustNew([]int{2, 9, 9, 9, 1}, nil)
	out, err := net.Model.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 9, 9, 9, 1}, out.Shape)
	for _, v := range out.Data {
		assert.InDelta(t, 0.5, v, 0.5)
	}
}

type fakePlotter struct {
	available bool
	calls     int
}

func (f *fakePlotter) Available() bool { return f.available }

func (f *fakePlotter) PlotModel(spec *layers.ModelSpec, path string, opts PlotOptions) error {
	f.calls++
	return nil
}

func TestPlotCapability(t *testing.T) {
	net, err := Build(classInfo(3, dataset.CubeStepout(1, 1, 1)), config.DefaultHyperParameters())
	require.NoError(t, err)

	off := &fakePlotter{}
	require.NoError(t, Plot(net, off, "model.png", DefaultPlotOptions(), zerolog.Nop()))
	assert.Equal(t, 0, off.calls)
	require.NoError(t, Plot(net, nil, "model.png", DefaultPlotOptions(), zerolog.Nop()))

	on := &fakePlotter{available: true}
	require.NoError(t, Plot(net, on, "model.png", DefaultPlotOptions(), zerolog.Nop()))
	assert.Equal(t, 1, on.calls)
}

func TestRestoreKeepsMetadata(t *testing.T) {
	net, err := Build(classInfo(3, dataset.CubeStepout(1, 1, 1)), config.DefaultHyperParameters())
	require.NoError(t, err)
	restored, err := Restore(net.Metadata, net.Model.Spec, net.Compile, nil)
	require.NoError(t, err)
	assert.Equal(t, net.Metadata, restored.Metadata)
	assert.False(t, restored.Trainable())
	assert.Equal(t, net.Model.ParameterNames(), restored.Model.ParameterNames())
}
