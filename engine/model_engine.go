package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/memory"
	"github.com/tsawler/go-voxnet/tensor"
)

// layerKernel executes one layer on channel-first batches.
type layerKernel interface {
	forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error)
	// backward returns one gradient per input. It must follow a training forward.
	backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error)
}

type node struct {
	spec   *layers.LayerSpec
	kernel layerKernel
	inputs []int // node indices, -1 for the model input
}

// Model is an executable network built from a compiled ModelSpec. Activations
// flow channel-first internally; samples are accepted and results returned in
// the model spec's DataFormat.
type Model struct {
	Spec *layers.ModelSpec

	names  []string
	params []*tensor.Tensor
	grads  []*tensor.Tensor
	nodes  []node
	outs   []*tensor.Tensor
	rng    *rand.Rand
	pool   *memory.BufferPool
	primed bool
}

// NewModel allocates parameters for spec using Glorot-uniform initialisation
// for kernels and zeros for biases.
func NewModel(spec *layers.ModelSpec, seed int64) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}

	m := &Model{
		Spec: spec,
		rng:  rand.New(rand.NewSource(seed)),
		pool: memory.GetGlobalBufferPool(),
	}
	if err := m.initParameters(); err != nil {
		return nil, err
	}
	if err := m.buildGraph(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) initParameters() error {
	m.names = m.Spec.ParameterNames()
	if len(m.names) != len(m.Spec.ParameterShapes) {
		return fmt.Errorf("parameter name count %d does not match shape count %d", len(m.names), len(m.Spec.ParameterShapes))
	}
	m.params = make([]*tensor.Tensor, len(m.names))
	m.grads = make([]*tensor.Tensor, len(m.names))

	idx := 0
	for _, layer := range m.Spec.Layers {
		for j, shape := range layer.ParameterShapes {
			t, err := tensor.Zeros(shape)
			if err != nil {
				return fmt.Errorf("layer %s parameter %d: %w", layer.Name, j, err)
			}
			switch {
			case (layer.Type == layers.Conv3D || layer.Type == layers.Dense) && j == 0:
				glorotUniform(t, layer.Type, m.rng)
			case layer.Type == layers.BatchNorm && j == 0:
				for i := range t.Data {
					t.Data[i] = 1
				}
			}
			m.params[idx] = t
			m.grads[idx] = tensor.MustNew(shape, nil)
			idx++
		}
	}
	return nil
}

func glorotUniform(t *tensor.Tensor, lt layers.LayerType, rng *rand.Rand) {
	var fanIn, fanOut int
	if lt == layers.Dense {
		fanIn, fanOut = t.Shape[0], t.Shape[1]
	} else {
		receptive := t.Shape[2] * t.Shape[3] * t.Shape[4]
		fanOut, fanIn = t.Shape[0]*receptive, t.Shape[1]*receptive
	}
	limit := float32(math.Sqrt(6 / float64(fanIn+fanOut)))
	for i := range t.Data {
		t.Data[i] = (2*rng.Float32() - 1) * limit
	}
}

func (m *Model) buildGraph() error {
	byName := make(map[string]int, len(m.Spec.Layers))
	m.nodes = make([]node, len(m.Spec.Layers))
	m.outs = make([]*tensor.Tensor, len(m.Spec.Layers))

	pidx := 0
	for i := range m.Spec.Layers {
		layer := &m.Spec.Layers[i]

		var inputs []int
		switch {
		case len(layer.Inputs) > 0:
			for _, name := range layer.Inputs {
				j, ok := byName[name]
				if !ok {
					return fmt.Errorf("layer %s: unknown input %q", layer.Name, name)
				}
				inputs = append(inputs, j)
			}
		case i == 0:
			inputs = []int{-1}
		default:
			inputs = []int{i - 1}
		}

		n := len(layer.ParameterShapes)
		p, g := m.params[pidx:pidx+n], m.grads[pidx:pidx+n]
		pidx += n

		kernel, err := m.newKernel(layer, p, g)
		if err != nil {
			return err
		}
		m.nodes[i] = node{spec: layer, kernel: kernel, inputs: inputs}
		byName[layer.Name] = i
	}
	return nil
}

func (m *Model) newKernel(layer *layers.LayerSpec, p, g []*tensor.Tensor) (layerKernel, error) {
	switch layer.Type {
	case layers.Conv3D:
		return newConv3D(layer, p, g, m.pool), nil
	case layers.Dense:
		return newDense(p, g), nil
	case layers.BatchNorm:
		return newBatchNorm(layer, p, g)
	case layers.ReLU:
		return &reluKernel{}, nil
	case layers.Sigmoid:
		return &sigmoidKernel{}, nil
	case layers.Softmax:
		return &softmaxKernel{}, nil
	case layers.Dropout:
		return &dropoutKernel{rate: layers.GetFloatParam(layer.Parameters, "rate", 0), rng: m.rng}, nil
	case layers.Flatten:
		return &flattenKernel{}, nil
	case layers.MaxPool3D:
		return &maxPoolKernel{
			size: layers.GetIntParam(layer.Parameters, "pool_size", 2),
			ceil: layers.GetBoolParam(layer.Parameters, "ceil_mode", false),
		}, nil
	case layers.UpSample3D:
		return &upSampleKernel{
			size:   layers.GetIntParam(layer.Parameters, "size", 2),
			target: layers.UpSampleTarget(layer.Parameters),
		}, nil
	case layers.Concatenate:
		return &concatKernel{}, nil
	default:
		return nil, fmt.Errorf("no kernel for layer type %s", layer.Type)
	}
}

// Forward runs a batch through the network. In training mode dropout is
// active, batch statistics are used and moving statistics are updated, and
// activations are kept for Backward.
func (m *Model) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	in, err := m.toInternal(x)
	if err != nil {
		return nil, err
	}

	for i, n := range m.nodes {
		inputs := make([]*tensor.Tensor, len(n.inputs))
		for j, src := range n.inputs {
			if src < 0 {
				inputs[j] = in
			} else {
				inputs[j] = m.outs[src]
			}
		}
		out, err := n.kernel.forward(inputs, training)
		if err != nil {
			return nil, fmt.Errorf("layer %s forward: %w", n.spec.Name, err)
		}
		m.outs[i] = out
	}
	m.primed = training

	out := m.outs[len(m.outs)-1]
	if !training {
		for i := range m.outs {
			m.outs[i] = nil
		}
	}
	return m.toExternal(out), nil
}

// Backward propagates gradOut (in the model's external layout) through the
// graph and overwrites the parameter gradients.
func (m *Model) Backward(gradOut *tensor.Tensor) error {
	if !m.primed {
		return fmt.Errorf("backward called without a preceding training forward pass")
	}
	m.primed = false

	for _, g := range m.grads {
		for i := range g.Data {
			g.Data[i] = 0
		}
	}

	pending := make([]*tensor.Tensor, len(m.nodes))
	pending[len(pending)-1] = m.fromExternal(gradOut)

	for i := len(m.nodes) - 1; i >= 0; i-- {
		g := pending[i]
		if g == nil {
			continue
		}
		n := m.nodes[i]
		inGrads, err := n.kernel.backward(g)
		if err != nil {
			return fmt.Errorf("layer %s backward: %w", n.spec.Name, err)
		}
		for j, src := range n.inputs {
			if src < 0 {
				continue
			}
			if pending[src] == nil {
				pending[src] = inGrads[j]
			} else {
				addInPlace(pending[src], inGrads[j])
			}
		}
		pending[i] = nil
	}

	for i := range m.outs {
		m.outs[i] = nil
	}
	return nil
}

// Parameters returns the learnable tensors in ParameterNames order.
func (m *Model) Parameters() []*tensor.Tensor { return m.params }

// Gradients returns the gradients of the last Backward, aligned with Parameters.
func (m *Model) Gradients() []*tensor.Tensor { return m.grads }

// ParameterNames returns the names aligned with Parameters.
func (m *Model) ParameterNames() []string { return m.names }

// SetParameter overwrites the named parameter.
func (m *Model) SetParameter(name string, shape []int, data []float32) error {
	for i, n := range m.names {
		if n != name {
			continue
		}
		if !tensor.ShapesEqual(m.params[i].Shape, shape) {
			return fmt.Errorf("shape mismatch for %s: model %v vs %v", name, m.params[i].Shape, shape)
		}
		if len(data) != len(m.params[i].Data) {
			return fmt.Errorf("data length mismatch for %s", name)
		}
		copy(m.params[i].Data, data)
		return nil
	}
	return fmt.Errorf("unknown parameter %q", name)
}

// IsVolumetricOutput reports whether the network emits a prediction per voxel.
func (m *Model) IsVolumetricOutput() bool {
	return len(m.Spec.OutputShape) == 4
}

// NumOutputs returns the width of the output (channels or features).
func (m *Model) NumOutputs() int {
	return m.Spec.OutputShape[0]
}

func (m *Model) toInternal(x *tensor.Tensor) (*tensor.Tensor, error) {
	want := m.Spec.InputShape
	if len(x.Shape) != len(want)+1 {
		return nil, fmt.Errorf("input rank %d does not match model input %v plus batch axis", len(x.Shape), want)
	}
	in := x
	if len(want) == 4 && m.Spec.DataFormat == tensor.ChannelsLast {
		in = tensor.ToChannelsFirst(x)
	}
	if !tensor.ShapesEqual(in.Shape[1:], want) {
		return nil, fmt.Errorf("input sample shape %v does not match model input %v (%s)", in.Shape[1:], want, m.Spec.DataFormat)
	}
	return in, nil
}

func (m *Model) toExternal(out *tensor.Tensor) *tensor.Tensor {
	if len(out.Shape) == 5 && m.Spec.DataFormat == tensor.ChannelsLast {
		return tensor.ToChannelsLast(out)
	}
	return out
}

func (m *Model) fromExternal(g *tensor.Tensor) *tensor.Tensor {
	if len(g.Shape) == 5 && m.Spec.DataFormat == tensor.ChannelsLast {
		return tensor.ToChannelsFirst(g)
	}
	return g
}

func addInPlace(dst, src *tensor.Tensor) {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}
