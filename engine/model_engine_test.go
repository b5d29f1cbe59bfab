package engine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/tensor"
)

func compileOrFail(t *testing.T, mb *layers.ModelBuilder) *layers.ModelSpec {
	t.Helper()
	spec, err := mb.Compile()
	require.NoError(t, err)
	return spec
}

func weightedSum(out, r *tensor.Tensor) float64 {
	var s float64
	for i, v := range out.Data {
		s += float64(v) * float64(r.Data[i])
	}
	return s
}

// checkGradients compares analytic parameter gradients with central differences
// of L = sum(r * forward(x)).
func checkGradients(t *testing.T, m *Model, x *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))

	out, err := m.Forward(x, true)
	require.NoError(t, err)
	r, err := tensor.RandomNormal(out.Shape, 0, 1, rng)
	require.NoError(t, err)
	require.NoError(t, m.Backward(r))

	analytic := make([][]float32, len(m.Gradients()))
	for i, g := range m.Gradients() {
		analytic[i] = append([]float32(nil), g.Data...)
	}

	const h = 5e-3
	for pi, p := range m.Parameters() {
		limit := len(p.Data)
		if limit > 8 {
			limit = 8
		}
		for j := 0; j < limit; j++ {
			orig := p.Data[j]
			p.Data[j] = orig + h
			plus, err := m.Forward(x, true)
			require.NoError(t, err)
			p.Data[j] = orig - h
			minus, err := m.Forward(x, true)
			require.NoError(t, err)
			p.Data[j] = orig

			numeric := (weightedSum(plus, r) - weightedSum(minus, r)) / (2 * h)
			got := float64(analytic[pi][j])
			tol := 2e-2 * math.Max(1, math.Abs(numeric)+math.Abs(got))
			if math.Abs(numeric-got) > tol {
				t.Errorf("%s[%d]: analytic %.6f numeric %.6f", m.ParameterNames()[pi], j, got, numeric)
			}
		}
	}
}

func TestGradientCheckConvDense(t *testing.T) {
	spec := compileOrFail(t, layers.NewModelBuilder([]int{2, 5, 5, 5}).
		AddConv3D(3, 3, 2, layers.PaddingSame, true, "conv").
		AddBatchNorm(1e-3, 0.99, "bn").
		AddSigmoid("act").
		AddFlatten("flat").
		AddDense(4, true, "dense").
		AddSoftmax("softmax"))

	m, err := NewModel(spec, 11)
	require.NoError(t, err)

	x, err := tensor.RandomNormal([]int{3, 2, 5, 5, 5}, 0, 1, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	checkGradients(t, m, x)
}

func TestGradientCheckEncoderDecoder(t *testing.T) {
	mb := layers.NewModelBuilder([]int{1, 4, 4, 4}).WithDataFormat(tensor.ChannelsLast)
	mb.AddConv3D(2, 3, 1, layers.PaddingSame, true, "enc")
	mb.AddSigmoid("enc_act")
	mb.AddMaxPool3D(2, "pool")
	mb.AddConv3D(2, 3, 1, layers.PaddingSame, true, "mid")
	mb.AddUpSample3D(2, "up")
	mb.AddConcatenate("merge", "up", "enc_act")
	mb.AddConv3D(1, 1, 1, layers.PaddingSame, true, "head")
	mb.AddSigmoid("out")
	spec := compileOrFail(t, mb)

	m, err := NewModel(spec, 13)
	require.NoError(t, err)

	x, err := tensor.RandomNormal([]int{2, 4, 4, 4, 1}, 0, 1, rand.New(rand.NewSource(6)))
	require.NoError(t, err)
	checkGradients(t, m, x)
}

func TestGradientCheckOddExtents(t *testing.T) {
	mb := layers.NewModelBuilder([]int{1, 5, 3, 5}).WithDataFormat(tensor.ChannelsLast)
	mb.AddConv3D(2, 3, 1, layers.PaddingSame, true, "enc")
	mb.AddSigmoid("enc_act")
	mb.AddCeilMaxPool3D(2, "pool")
	mb.AddConv3D(2, 3, 1, layers.PaddingSame, true, "mid")
	mb.AddUpSample3DTo(2, [3]int{5, 3, 5}, "up")
	mb.AddConcatenate("merge", "up", "enc_act")
	mb.AddConv3D(1, 1, 1, layers.PaddingSame, true, "head")
	spec := compileOrFail(t, mb)

	pool, _ := spec.Layer("pool")
	assert.Equal(t, []int{2, 3, 2, 3}, pool.OutputShape)
	up, _ := spec.Layer("up")
	assert.Equal(t, []int{2, 5, 3, 5}, up.OutputShape)

	m, err := NewModel(spec, 17)
	require.NoError(t, err)

	x, err := tensor.RandomNormal([]int{2, 5, 3, 5, 1}, 0, 1, rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	checkGradients(t, m, x)
}

func TestForwardLayoutHandling(t *testing.T) {
	mb := layers.NewModelBuilder([]int{3, 2, 2, 2}).WithDataFormat(tensor.ChannelsLast)
	mb.AddConv3D(2, 1, 1, layers.PaddingSame, false, "c")
	spec := compileOrFail(t, mb)
	m, err := NewModel(spec, 1)
	require.NoError(t, err)

	_, err = m.Forward(tensor.MustNew([]int{1, 3, 2, 2, 2}, nil), false)
	assert.Error(t, err, "channels-first sample for channels-last model")

	out, err := m.Forward(tensor.MustNew([]int{1, 2, 2, 2, 3}, nil), false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2, 2}, out.Shape)
	assert.True(t, m.IsVolumetricOutput())
}

func TestBackwardRequiresTrainingForward(t *testing.T) {
	spec := compileOrFail(t, layers.NewModelBuilder([]int{4}).AddDense(2, true, "d"))
	m, err := NewModel(spec, 1)
	require.NoError(t, err)

	_, err = m.Forward(tensor.MustNew([]int{1, 4}, nil), false)
	require.NoError(t, err)
	assert.Error(t, m.Backward(tensor.MustNew([]int{1, 2}, nil)))
}

func TestBatchNormMovingStatistics(t *testing.T) {
	spec := compileOrFail(t, layers.NewModelBuilder([]int{1}).AddBatchNorm(1e-3, 0.5, "bn"))
	m, err := NewModel(spec, 1)
	require.NoError(t, err)

	x := tensor.MustNew([]int{4, 1}, []float32{1, 2, 3, 4})
	_, err = m.Forward(x, true)
	require.NoError(t, err)

	bn, _ := spec.Layer("bn")
	assert.InDelta(t, 0.5*2.5, bn.RunningStatistics["moving_mean"][0], 1e-6)
	assert.InDelta(t, 0.5*1+0.5*1.25, bn.RunningStatistics["moving_variance"][0], 1e-6)
}

func TestDropoutIdentityAtInference(t *testing.T) {
	spec := compileOrFail(t, layers.NewModelBuilder([]int{6}).AddDropout(0.5, "drop"))
	m, err := NewModel(spec, 1)
	require.NoError(t, err)

	x := tensor.MustNew([]int{2, 6}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	out, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, x.Data, out.Data)

	trained, err := m.Forward(x, true)
	require.NoError(t, err)
	for i, v := range trained.Data {
		if v != 0 && v != 2*x.Data[i] {
			t.Fatalf("element %d: %v is neither dropped nor scaled", i, v)
		}
	}
}

func TestSetParameter(t *testing.T) {
	spec := compileOrFail(t, layers.NewModelBuilder([]int{2}).AddDense(1, true, "d"))
	m, err := NewModel(spec, 1)
	require.NoError(t, err)

	require.NoError(t, m.SetParameter("d.weight", []int{2, 1}, []float32{1, 2}))
	require.NoError(t, m.SetParameter("d.bias", []int{1}, []float32{0.5}))
	assert.Error(t, m.SetParameter("d.weight", []int{1, 2}, []float32{1, 2}))
	assert.Error(t, m.SetParameter("nope", []int{1}, []float32{1}))

	out, err := m.Forward(tensor.MustNew([]int{1, 2}, []float32{3, 4}), false)
	require.NoError(t, err)
	assert.InDelta(t, 11.5, out.Data[0], 1e-6)
}
