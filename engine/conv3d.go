package engine

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-voxnet/layers"
	"github.com/tsawler/go-voxnet/memory"
	"github.com/tsawler/go-voxnet/tensor"
)

// conv3DKernel is a direct NCDHW convolution with cubic kernels. Work is split
// by sample; weight gradients are reduced in sample order so results do not
// depend on scheduling.
type conv3DKernel struct {
	weight, bias   *tensor.Tensor
	gWeight, gBias *tensor.Tensor
	k, stride      int
	same           bool
	pool           *memory.BufferPool

	input *tensor.Tensor
}

func newConv3D(layer *layers.LayerSpec, p, g []*tensor.Tensor, pool *memory.BufferPool) *conv3DKernel {
	c := &conv3DKernel{
		weight:  p[0],
		gWeight: g[0],
		k:       layers.GetIntParam(layer.Parameters, "kernel_size", 3),
		stride:  layers.GetIntParam(layer.Parameters, "stride", 1),
		same:    layers.GetStringParam(layer.Parameters, "padding", layers.PaddingSame) == layers.PaddingSame,
		pool:    pool,
	}
	if len(p) > 1 {
		c.bias, c.gBias = p[1], g[1]
	}
	return c
}

type convGeom struct {
	inC, outC          int
	in, out, pad       [3]int
	inVol, outVol, k3 int
}

func (c *conv3DKernel) geometry(x *tensor.Tensor) convGeom {
	g := convGeom{inC: x.Shape[1], outC: c.weight.Shape[0], k3: c.k * c.k * c.k}
	g.inVol, g.outVol = 1, 1
	for i := 0; i < 3; i++ {
		g.in[i] = x.Shape[i+2]
		if c.same {
			g.out[i] = (g.in[i] + c.stride - 1) / c.stride
			g.pad[i] = layers.SamePaddingFront(g.in[i], c.k, c.stride)
		} else {
			g.out[i] = (g.in[i]-c.k)/c.stride + 1
		}
		g.inVol *= g.in[i]
		g.outVol *= g.out[i]
	}
	return g
}

func (c *conv3DKernel) forward(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := inputs[0]
	g := c.geometry(x)
	n := x.Shape[0]
	out := tensor.MustNew([]int{n, g.outC, g.out[0], g.out[1], g.out[2]}, nil)

	err := parallelSamples(n, func(b int) error {
		src := x.Data[b*g.inC*g.inVol : (b+1)*g.inC*g.inVol]
		dst := out.Data[b*g.outC*g.outVol : (b+1)*g.outC*g.outVol]
		c.forwardSample(src, dst, g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if training {
		c.input = x
	}
	return out, nil
}

func (c *conv3DKernel) forwardSample(src, dst []float32, g convGeom) {
	w := c.weight.Data
	k, s := c.k, c.stride
	for f := 0; f < g.outC; f++ {
		var b float32
		if c.bias != nil {
			b = c.bias.Data[f]
		}
		wf := w[f*g.inC*g.k3 : (f+1)*g.inC*g.k3]
		o := dst[f*g.outVol : (f+1)*g.outVol]
		idx := 0
		for oz := 0; oz < g.out[0]; oz++ {
			z0 := oz*s - g.pad[0]
			for oy := 0; oy < g.out[1]; oy++ {
				y0 := oy*s - g.pad[1]
				for ox := 0; ox < g.out[2]; ox++ {
					x0 := ox*s - g.pad[2]
					sum := b
					for ch := 0; ch < g.inC; ch++ {
						plane := src[ch*g.inVol : (ch+1)*g.inVol]
						wc := wf[ch*g.k3 : (ch+1)*g.k3]
						for kd := 0; kd < k; kd++ {
							z := z0 + kd
							if z < 0 || z >= g.in[0] {
								continue
							}
							for kh := 0; kh < k; kh++ {
								y := y0 + kh
								if y < 0 || y >= g.in[1] {
									continue
								}
								row := (z*g.in[1] + y) * g.in[2]
								wrow := (kd*k + kh) * k
								for kw := 0; kw < k; kw++ {
									xx := x0 + kw
									if xx < 0 || xx >= g.in[2] {
										continue
									}
									sum += wc[wrow+kw] * plane[row+xx]
								}
							}
						}
					}
					o[idx] = sum
					idx++
				}
			}
		}
	}
}

func (c *conv3DKernel) backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	x := c.input
	c.input = nil
	g := c.geometry(x)
	n := x.Shape[0]
	gradIn := tensor.MustNew(x.Shape, nil)

	wSize := len(c.weight.Data)
	partial := make([][]float32, n)

	err := parallelSamples(n, func(b int) error {
		src := x.Data[b*g.inC*g.inVol : (b+1)*g.inC*g.inVol]
		gin := gradIn.Data[b*g.inC*g.inVol : (b+1)*g.inC*g.inVol]
		gout := gradOut.Data[b*g.outC*g.outVol : (b+1)*g.outC*g.outVol]
		gw := c.pool.GetFloat32Buffer(wSize)
		c.backwardSample(src, gin, gout, gw, g)
		partial[b] = gw
		return nil
	})
	if err != nil {
		return nil, err
	}

	for b := 0; b < n; b++ {
		for i, v := range partial[b] {
			c.gWeight.Data[i] += v
		}
		c.pool.PutFloat32Buffer(partial[b])
	}
	if c.gBias != nil {
		for b := 0; b < n; b++ {
			gout := gradOut.Data[b*g.outC*g.outVol : (b+1)*g.outC*g.outVol]
			for f := 0; f < g.outC; f++ {
				var sum float32
				for _, v := range gout[f*g.outVol : (f+1)*g.outVol] {
					sum += v
				}
				c.gBias.Data[f] += sum
			}
		}
	}
	return []*tensor.Tensor{gradIn}, nil
}

func (c *conv3DKernel) backwardSample(src, gin, gout, gw []float32, g convGeom) {
	w := c.weight.Data
	k, s := c.k, c.stride
	for f := 0; f < g.outC; f++ {
		wf := w[f*g.inC*g.k3 : (f+1)*g.inC*g.k3]
		gwf := gw[f*g.inC*g.k3 : (f+1)*g.inC*g.k3]
		o := gout[f*g.outVol : (f+1)*g.outVol]
		idx := 0
		for oz := 0; oz < g.out[0]; oz++ {
			z0 := oz*s - g.pad[0]
			for oy := 0; oy < g.out[1]; oy++ {
				y0 := oy*s - g.pad[1]
				for ox := 0; ox < g.out[2]; ox++ {
					x0 := ox*s - g.pad[2]
					d := o[idx]
					idx++
					if d == 0 {
						continue
					}
					for ch := 0; ch < g.inC; ch++ {
						plane := src[ch*g.inVol : (ch+1)*g.inVol]
						gplane := gin[ch*g.inVol : (ch+1)*g.inVol]
						wc := wf[ch*g.k3 : (ch+1)*g.k3]
						gwc := gwf[ch*g.k3 : (ch+1)*g.k3]
						for kd := 0; kd < k; kd++ {
							z := z0 + kd
							if z < 0 || z >= g.in[0] {
								continue
							}
							for kh := 0; kh < k; kh++ {
								y := y0 + kh
								if y < 0 || y >= g.in[1] {
									continue
								}
								row := (z*g.in[1] + y) * g.in[2]
								wrow := (kd*k + kh) * k
								for kw := 0; kw < k; kw++ {
									xx := x0 + kw
									if xx < 0 || xx >= g.in[2] {
										continue
									}
									gwc[wrow+kw] += d * plane[row+xx]
									gplane[row+xx] += d * wc[wrow+kw]
								}
							}
						}
					}
				}
			}
		}
	}
}

// parallelSamples runs fn for every sample index with at most GOMAXPROCS
// goroutines. Each call must touch only its own sample's memory.
func parallelSamples(n int, fn func(b int) error) error {
	if n == 1 {
		return fn(0)
	}
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < n; b++ {
		eg.Go(func() error { return fn(b) })
	}
	return eg.Wait()
}
