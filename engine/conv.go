package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/accent-net/layers"
)

// conv2DLayer is a stride-1 NHWC convolution with a fused activation.
// Kernel layout is [kh, kw, in, out].
type conv2DLayer struct {
	name       string
	kernelSize int
	inC, outC  int
	same       bool
	activation layers.Activation

	kernel, bias *Param

	input   *Tensor
	output  *Tensor
	patches []float64 // im2col of input
}

func newConv2D(spec layers.LayerSpec, rng *rand.Rand) (*conv2DLayer, error) {
	p := spec.Conv2D
	k := p.KernelSize
	c := &conv2DLayer{
		name:       spec.Name,
		kernelSize: k,
		inC:        spec.InputShape[2],
		outC:       p.Filters,
		same:       p.Padding == "same",
		activation: p.Activation,
	}
	c.kernel = newParam(spec.Name, "kernel", p.KernelPenalty, k, k, c.inC, c.outC)
	c.bias = newParam(spec.Name, "bias", layers.Penalty{}, c.outC)

	init := p.KernelInitializer
	if init == "" {
		init = layers.GlorotUniform
	}
	if err := initialize(c.kernel.Value, init, k*k*c.inC, k*k*c.outC, rng); err != nil {
		return nil, fmt.Errorf("layer %s: %v", spec.Name, err)
	}
	return c, nil
}

func (c *conv2DLayer) Name() string     { return c.name }
func (c *conv2DLayer) Params() []*Param { return []*Param{c.kernel, c.bias} }

func (c *conv2DLayer) geometry(h, w int) (outH, outW, padTop, padLeft int) {
	if c.same {
		pad := c.kernelSize - 1
		return h, w, pad / 2, pad / 2
	}
	return h - c.kernelSize + 1, w - c.kernelSize + 1, 0, 0
}

// im2col unrolls every receptive field of x into one row of a
// (B*outH*outW) x (k*k*inC) matrix; out-of-bounds taps stay zero.
func (c *conv2DLayer) im2col(x *Tensor) []float64 {
	batch, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outH, outW, padTop, padLeft := c.geometry(h, w)
	k, inC := c.kernelSize, c.inC
	cols := k * k * inC
	m := make([]float64, batch*outH*outW*cols)
	for b := 0; b < batch; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				row := m[((b*outH+oh)*outW+ow)*cols:][:cols]
				for kh := 0; kh < k; kh++ {
					ih := oh + kh - padTop
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := ow + kw - padLeft
						if iw < 0 || iw >= w {
							continue
						}
						in := ((b*h+ih)*w + iw) * inC
						copy(row[(kh*k+kw)*inC:][:inC], x.Data[in:in+inC])
					}
				}
			}
		}
	}
	return m
}

// col2im scatter-adds the rows of m back into dx, the inverse of im2col.
func (c *conv2DLayer) col2im(m []float64, dx *Tensor) {
	batch, h, w := dx.Shape[0], dx.Shape[1], dx.Shape[2]
	outH, outW, padTop, padLeft := c.geometry(h, w)
	k, inC := c.kernelSize, c.inC
	cols := k * k * inC
	for b := 0; b < batch; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				row := m[((b*outH+oh)*outW+ow)*cols:][:cols]
				for kh := 0; kh < k; kh++ {
					ih := oh + kh - padTop
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := ow + kw - padLeft
						if iw < 0 || iw >= w {
							continue
						}
						in := ((b*h+ih)*w + iw) * inC
						for ic, v := range row[(kh*k+kw)*inC:][:inC] {
							dx.Data[in+ic] += v
						}
					}
				}
			}
		}
	}
}

func (c *conv2DLayer) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[3] != c.inC {
		return nil, fmt.Errorf("layer %s: expected (B, H, W, %d) input, got %v", c.name, c.inC, x.Shape)
	}
	batch, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outH, outW, _, _ := c.geometry(h, w)
	rows, cols := batch*outH*outW, c.kernelSize*c.kernelSize*c.inC

	out := NewTensor(batch, outH, outW, c.outC)
	fillRows(out.Data, rows, c.bias.Value.Data)
	patches := c.im2col(x)
	gemm(false, false, general(rows, cols, patches), general(cols, c.outC, c.kernel.Value.Data), 1, general(rows, c.outC, out.Data))

	if err := activate(c.activation, out.Data, c.outC); err != nil {
		return nil, fmt.Errorf("layer %s: %v", c.name, err)
	}
	c.input, c.output, c.patches = x, out, patches
	return out, nil
}

func (c *conv2DLayer) Backward(grad *Tensor) (*Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("layer %s: backward before forward", c.name)
	}
	x := c.input
	batch, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outH, outW, _, _ := c.geometry(h, w)
	rows, cols := batch*outH*outW, c.kernelSize*c.kernelSize*c.inC

	gz := grad.Clone()
	activationGrad(c.activation, c.output.Data, gz.Data, c.outC)
	g := general(rows, c.outC, gz.Data)

	addColumnSums(c.bias.Grad.Data, gz.Data, rows)
	gemm(true, false, general(rows, cols, c.patches), g, 1, general(cols, c.outC, c.kernel.Grad.Data))

	dPatches := make([]float64, rows*cols)
	gemm(false, true, g, general(cols, c.outC, c.kernel.Value.Data), 0, general(rows, cols, dPatches))
	dx := NewTensor(x.Shape...)
	c.col2im(dPatches, dx)
	return dx, nil
}
