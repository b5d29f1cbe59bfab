package engine

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/tensor"
)

// denseKernel computes y = xW + b with W stored as [in, out].
type denseKernel struct {
	weight, bias   *tensor.Tensor
	gWeight, gBias *tensor.Tensor
	input          *mat.Dense
}

func newDense(p, g []*tensor.Tensor) *denseKernel {
	d := &denseKernel{weight: p[0], gWeight: g[0]}
	if len(p) > 1 {
		d.bias, d.gBias = p[1], g[1]
	}
	return d
}

func toDense(rows, cols int, data []float32) *mat.Dense {
	buf := make([]float64, len(data))
	for i, v := range data {
		buf[i] = float64(v)
	}
	return mat.NewDense(rows, cols, buf)
}

func fromDense(m *mat.Dense) []float32 {
	r, c := m.Dims()
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = float32(m.At(i, j))
		}
	}
	return out
}

func (d *denseKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	n, in := x.Shape[0], x.Shape[1]
	outSize := d.weight.Shape[1]
	if in != d.weight.Shape[0] {
		return nil, fmt.Errorf("dense input width %d, weight expects %d", in, d.weight.Shape[0])
	}

	xm := toDense(n, in, x.Data)
	wm := toDense(in, outSize, d.weight.Data)
	var y mat.Dense
	y.Mul(xm, wm)
	if d.bias != nil {
		for i := 0; i < n; i++ {
			for j := 0; j < outSize; j++ {
				y.Set(i, j, y.At(i, j)+float64(d.bias.Data[j]))
			}
		}
	}
	if training {
		d.input = xm
	}
	return tensor.MustNew([]int{n, outSize}, fromDense(&y)), nil
}

func (d *denseKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	xm := d.input
	d.input = nil
	n, in := xm.Dims()
	outSize := d.weight.Shape[1]

	gm := toDense(n, outSize, gradOut.Data)

	var gw mat.Dense
	gw.Mul(xm.T(), gm)
	for i, v := range fromDense(&gw) {
		d.gWeight.Data[i] += v
	}
	if d.gBias != nil {
		for j := 0; j < outSize; j++ {
			d.gBias.Data[j] += float32(mat.Sum(gm.ColView(j)))
		}
	}

	var gx mat.Dense
	gx.Mul(gm, toDense(in, outSize, d.weight.Data).T())
	return []*tensor.Tensor{tensor.MustNew([]int{n, in}, fromDense(&gx))}, nil
}

// batchNormKernel normalises over every axis except the channel axis (axis 1).
// Moving statistics live in the layer spec so they persist with the model.
type batchNormKernel struct {
	gamma, beta   *tensor.Tensor
	gGamma, gBeta *tensor.Tensor
	movingMean    []float32
	movingVar     []float32
	eps, momentum float32

	xhat   []float32
	invStd []float32
	shape  []int
}

func newBatchNorm(layer *layers.LayerSpec, p, g []*tensor.Tensor) (*batchNormKernel, error) {
	stats := layer.RunningStatistics
	mean, variance := stats["moving_mean"], stats["moving_variance"]
	if len(mean) != p[0].NumElems || len(variance) != p[0].NumElems {
		return nil, fmt.Errorf("batchnorm %s: moving statistics do not match %d features", layer.Name, p[0].NumElems)
	}
	return &batchNormKernel{
		gamma: p[0], beta: p[1], gGamma: g[0], gBeta: g[1],
		movingMean: mean,
		movingVar:  variance,
		eps:        layers.GetFloatParam(layer.Parameters, "eps", 1e-3),
		momentum:   layers.GetFloatParam(layer.Parameters, "momentum", 0.99),
	}, nil
}

// channelLayout returns (batch, channels, inner) for NC... tensors.
func channelLayout(x *tensor.Tensor) (int, int, int) {
	n, c := x.Shape[0], x.Shape[1]
	return n, c, x.NumElems / (n * c)
}

func (bn *batchNormKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	n, c, inner := channelLayout(x)
	out := tensor.MustNew(x.Shape, nil)

	if !training {
		for ch := 0; ch < c; ch++ {
			inv := 1 / float32(math.Sqrt(float64(bn.movingVar[ch]+bn.eps)))
			g, b, mu := bn.gamma.Data[ch], bn.beta.Data[ch], bn.movingMean[ch]
			for s := 0; s < n; s++ {
				base := (s*c + ch) * inner
				for i := 0; i < inner; i++ {
					out.Data[base+i] = g*(x.Data[base+i]-mu)*inv + b
				}
			}
		}
		return out, nil
	}

	count := float64(n * inner)
	bn.xhat = make([]float32, x.NumElems)
	bn.invStd = make([]float32, c)
	bn.shape = x.Shape
	for ch := 0; ch < c; ch++ {
		var sum float64
		for s := 0; s < n; s++ {
			base := (s*c + ch) * inner
			for i := 0; i < inner; i++ {
				sum += float64(x.Data[base+i])
			}
		}
		mean := sum / count
		var sq float64
		for s := 0; s < n; s++ {
			base := (s*c + ch) * inner
			for i := 0; i < inner; i++ {
				d := float64(x.Data[base+i]) - mean
				sq += d * d
			}
		}
		variance := sq / count
		inv := float32(1 / math.Sqrt(variance+float64(bn.eps)))
		bn.invStd[ch] = inv

		g, b := bn.gamma.Data[ch], bn.beta.Data[ch]
		for s := 0; s < n; s++ {
			base := (s*c + ch) * inner
			for i := 0; i < inner; i++ {
				xh := (x.Data[base+i] - float32(mean)) * inv
				bn.xhat[base+i] = xh
				out.Data[base+i] = g*xh + b
			}
		}

		m := bn.momentum
		bn.movingMean[ch] = m*bn.movingMean[ch] + (1-m)*float32(mean)
		bn.movingVar[ch] = m*bn.movingVar[ch] + (1-m)*float32(variance)
	}
	return out, nil
}

func (bn *batchNormKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	n, c, inner := channelLayout(gradOut)
	gradIn := tensor.MustNew(bn.shape, nil)
	m := float32(n * inner)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for s := 0; s < n; s++ {
			base := (s*c + ch) * inner
			for i := 0; i < inner; i++ {
				dy := gradOut.Data[base+i]
				sumDy += dy
				sumDyXhat += dy * bn.xhat[base+i]
			}
		}
		bn.gGamma.Data[ch] += sumDyXhat
		bn.gBeta.Data[ch] += sumDy

		k := bn.gamma.Data[ch] * bn.invStd[ch] / m
		for s := 0; s < n; s++ {
			base := (s*c + ch) * inner
			for i := 0; i < inner; i++ {
				dy := gradOut.Data[base+i]
				gradIn.Data[base+i] = k * (m*dy - sumDy - bn.xhat[base+i]*sumDyXhat)
			}
		}
	}
	bn.xhat, bn.invStd = nil, nil
	return []*tensor.Tensor{gradIn}, nil
}

type reluKernel struct{ mask []bool }

func (r *reluKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	out := tensor.MustNew(x.Shape, nil)
	if training {
		r.mask = make([]bool, x.NumElems)
	}
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			if training {
				r.mask[i] = true
			}
		}
	}
	return out, nil
}

func (r *reluKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g := tensor.MustNew(gradOut.Shape, nil)
	for i, keep := range r.mask {
		if keep {
			g.Data[i] = gradOut.Data[i]
		}
	}
	r.mask = nil
	return []*tensor.Tensor{g}, nil
}

type sigmoidKernel struct{ out *tensor.Tensor }

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

func (s *sigmoidKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	out := tensor.MustNew(x.Shape, nil)
	for i, v := range x.Data {
		out.Data[i] = sigmoid(v)
	}
	if training {
		s.out = out
	}
	return out, nil
}

func (s *sigmoidKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g := tensor.MustNew(gradOut.Shape, nil)
	for i, y := range s.out.Data {
		g.Data[i] = gradOut.Data[i] * y * (1 - y)
	}
	s.out = nil
	return []*tensor.Tensor{g}, nil
}

// softmaxKernel normalises over the channel axis, per voxel for volumes.
type softmaxKernel struct{ out *tensor.Tensor }

func (s *softmaxKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	n, c, inner := channelLayout(x)
	out := tensor.MustNew(x.Shape, nil)
	for b := 0; b < n; b++ {
		base := b * c * inner
		for i := 0; i < inner; i++ {
			maxV := x.Data[base+i]
			for ch := 1; ch < c; ch++ {
				if v := x.Data[base+ch*inner+i]; v > maxV {
					maxV = v
				}
			}
			var sum float64
			for ch := 0; ch < c; ch++ {
				e := math.Exp(float64(x.Data[base+ch*inner+i] - maxV))
				out.Data[base+ch*inner+i] = float32(e)
				sum += e
			}
			for ch := 0; ch < c; ch++ {
				out.Data[base+ch*inner+i] = float32(float64(out.Data[base+ch*inner+i]) / sum)
			}
		}
	}
	if training {
		s.out = out
	}
	return out, nil
}

func (s *softmaxKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	y := s.out
	s.out = nil
	n, c, inner := channelLayout(y)
	g := tensor.MustNew(y.Shape, nil)
	for b := 0; b < n; b++ {
		base := b * c * inner
		for i := 0; i < inner; i++ {
			var dot float32
			for ch := 0; ch < c; ch++ {
				j := base + ch*inner + i
				dot += gradOut.Data[j] * y.Data[j]
			}
			for ch := 0; ch < c; ch++ {
				j := base + ch*inner + i
				g.Data[j] = y.Data[j] * (gradOut.Data[j] - dot)
			}
		}
	}
	return []*tensor.Tensor{g}, nil
}

// dropoutKernel is inverted dropout; inference is the identity.
type dropoutKernel struct {
	rate float32
	rng  *rand.Rand
	mask []float32
}

func (d *dropoutKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	if !training || d.rate <= 0 {
		d.mask = nil
		return x, nil
	}
	scale := 1 / (1 - d.rate)
	d.mask = make([]float32, x.NumElems)
	out := tensor.MustNew(x.Shape, nil)
	for i, v := range x.Data {
		if d.rng.Float32() >= d.rate {
			d.mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	return out, nil
}

func (d *dropoutKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	if d.mask == nil {
		return []*tensor.Tensor{gradOut}, nil
	}
	g := tensor.MustNew(gradOut.Shape, nil)
	for i, m := range d.mask {
		g.Data[i] = gradOut.Data[i] * m
	}
	d.mask = nil
	return []*tensor.Tensor{g}, nil
}

type flattenKernel struct{ shape []int }

func (f *flattenKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	f.shape = x.Shape
	return x.Reshape(x.Shape[0], x.NumElems/x.Shape[0])
}

func (f *flattenKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g, err := gradOut.Reshape(f.shape...)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{g}, nil
}

// maxPoolKernel uses non-overlapping cubic windows. In ceil mode trailing
// partial windows are pooled over their in-range voxels.
type maxPoolKernel struct {
	size    int
	ceil    bool
	inShape []int
	argmax  []int
}

func (p *maxPoolKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	n, c := x.Shape[0], x.Shape[1]
	d0, d1, d2 := x.Shape[2], x.Shape[3], x.Shape[4]
	s := p.size
	o0, o1, o2 := d0/s, d1/s, d2/s
	if p.ceil {
		o0, o1, o2 = (d0+s-1)/s, (d1+s-1)/s, (d2+s-1)/s
	}
	out := tensor.MustNew([]int{n, c, o0, o1, o2}, nil)
	arg := make([]int, out.NumElems)

	oi := 0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * d0 * d1 * d2
			for z := 0; z < o0; z++ {
				for y := 0; y < o1; y++ {
					for xx := 0; xx < o2; xx++ {
						best := -1
						bestV := float32(math.Inf(-1))
						for dz := 0; dz < s && z*s+dz < d0; dz++ {
							for dy := 0; dy < s && y*s+dy < d1; dy++ {
								for dx := 0; dx < s && xx*s+dx < d2; dx++ {
									j := base + ((z*s+dz)*d1+(y*s+dy))*d2 + (xx*s + dx)
									if v := x.Data[j]; best < 0 || v > bestV {
										best, bestV = j, v
									}
								}
							}
						}
						out.Data[oi] = bestV
						arg[oi] = best
						oi++
					}
				}
			}
		}
	}
	if training {
		p.inShape, p.argmax = x.Shape, arg
	}
	return out, nil
}

func (p *maxPoolKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g := tensor.MustNew(p.inShape, nil)
	for i, j := range p.argmax {
		g.Data[j] += gradOut.Data[i]
	}
	p.argmax = nil
	return []*tensor.Tensor{g}, nil
}

// upSampleKernel repeats voxels (nearest neighbour). A positive target extent
// crops the trailing voxels of that axis.
type upSampleKernel struct {
	size    int
	target  [3]int
	inShape []int
}

func (u *upSampleKernel) outExtents(d0, d1, d2 int) (int, int, int) {
	o := [3]int{d0 * u.size, d1 * u.size, d2 * u.size}
	for i, t := range u.target {
		if t > 0 && t < o[i] {
			o[i] = t
		}
	}
	return o[0], o[1], o[2]
}

func (u *upSampleKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	n, c := x.Shape[0], x.Shape[1]
	d0, d1, d2 := x.Shape[2], x.Shape[3], x.Shape[4]
	s := u.size
	o0, o1, o2 := u.outExtents(d0, d1, d2)
	out := tensor.MustNew([]int{n, c, o0, o1, o2}, nil)
	oi := 0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * d0 * d1 * d2
			for z := 0; z < o0; z++ {
				for y := 0; y < o1; y++ {
					row := base + ((z/s)*d1+(y/s))*d2
					for xx := 0; xx < o2; xx++ {
						out.Data[oi] = x.Data[row+xx/s]
						oi++
					}
				}
			}
		}
	}
	u.inShape = x.Shape
	return out, nil
}

func (u *upSampleKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g := tensor.MustNew(u.inShape, nil)
	n, c := u.inShape[0], u.inShape[1]
	d0, d1, d2 := u.inShape[2], u.inShape[3], u.inShape[4]
	s := u.size
	o0, o1, o2 := u.outExtents(d0, d1, d2)
	oi := 0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * d0 * d1 * d2
			for z := 0; z < o0; z++ {
				for y := 0; y < o1; y++ {
					row := base + ((z/s)*d1+(y/s))*d2
					for xx := 0; xx < o2; xx++ {
						g.Data[row+xx/s] += gradOut.Data[oi]
						oi++
					}
				}
			}
		}
	}
	return []*tensor.Tensor{g}, nil
}

// concatKernel joins inputs on the channel axis.
type concatKernel struct{ channels []int }

func (cc *concatKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n := inputs[0].Shape[0]
	inner := inputs[0].NumElems / (n * inputs[0].Shape[1])
	total := 0
	cc.channels = cc.channels[:0]
	for _, in := range inputs {
		cc.channels = append(cc.channels, in.Shape[1])
		total += in.Shape[1]
	}
	shape := append([]int{n, total}, inputs[0].Shape[2:]...)
	out := tensor.MustNew(shape, nil)
	for b := 0; b < n; b++ {
		off := b * total * inner
		for _, in := range inputs {
			chunk := in.Shape[1] * inner
			copy(out.Data[off:off+chunk], in.Data[b*chunk:(b+1)*chunk])
			off += chunk
		}
	}
	return out, nil
}

func (cc *concatKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	n, total := gradOut.Shape[0], gradOut.Shape[1]
	inner := gradOut.NumElems / (n * total)
	grads := make([]*tensor.Tensor, len(cc.channels))
	for i, ch := range cc.channels {
		shape := append([]int{n, ch}, gradOut.Shape[2:]...)
		grads[i] = tensor.MustNew(shape, nil)
	}
	for b := 0; b < n; b++ {
		off := b * total * inner
		for i, ch := range cc.channels {
			chunk := ch * inner
			copy(grads[i].Data[b*chunk:(b+1)*chunk], gradOut.Data[off:off+chunk])
			off += chunk
		}
	}
	return grads, nil
}
