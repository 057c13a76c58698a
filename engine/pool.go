package engine

import (
	"fmt"

	"github.com/tsawler/accent-net/layers"
)

// maxPool2DLayer pools NHWC input with stride equal to the window, valid padding.
type maxPool2DLayer struct {
	name       string
	ph, pw     int
	inputShape []int
	argmax     []int
}

func newMaxPool2D(spec layers.LayerSpec) *maxPool2DLayer {
	return &maxPool2DLayer{
		name: spec.Name,
		ph:   spec.MaxPool2D.PoolSize[0],
		pw:   spec.MaxPool2D.PoolSize[1],
	}
}

func (m *maxPool2DLayer) Name() string     { return m.name }
func (m *maxPool2DLayer) Params() []*Param { return nil }

func (m *maxPool2DLayer) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("layer %s: expected (B, H, W, C) input, got %v", m.name, x.Shape)
	}
	batch, h, w, ch := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH, outW := h/m.ph, w/m.pw

	out := NewTensor(batch, outH, outW, ch)
	m.argmax = make([]int, out.Size())
	m.inputShape = append([]int(nil), x.Shape...)

	for b := 0; b < batch; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < ch; c++ {
					best := -1
					for i := 0; i < m.ph; i++ {
						for j := 0; j < m.pw; j++ {
							idx := ((b*h+oh*m.ph+i)*w+ow*m.pw+j)*ch + c
							if best < 0 || x.Data[idx] > x.Data[best] {
								best = idx
							}
						}
					}
					o := ((b*outH+oh)*outW+ow)*ch + c
					out.Data[o] = x.Data[best]
					m.argmax[o] = best
				}
			}
		}
	}
	return out, nil
}

func (m *maxPool2DLayer) Backward(grad *Tensor) (*Tensor, error) {
	if m.inputShape == nil {
		return nil, fmt.Errorf("layer %s: backward before forward", m.name)
	}
	dx := NewTensor(m.inputShape...)
	for o, g := range grad.Data {
		dx.Data[m.argmax[o]] += g
	}
	return dx, nil
}

// depthPoolLayer reduces the trailing channel axis by max or mean.
type depthPoolLayer struct {
	name       string
	op         layers.PoolOp
	inputShape []int
	argmax     []int
}

func newDepthPool(spec layers.LayerSpec) *depthPoolLayer {
	return &depthPoolLayer{name: spec.Name, op: spec.DepthPool.Op}
}

func (d *depthPoolLayer) Name() string     { return d.name }
func (d *depthPoolLayer) Params() []*Param { return nil }

func (d *depthPoolLayer) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) < 3 {
		return nil, fmt.Errorf("layer %s: expected a channel axis, got %v", d.name, x.Shape)
	}
	ch := x.Shape[len(x.Shape)-1]
	out := NewTensor(x.Shape[:len(x.Shape)-1]...)
	d.inputShape = append([]int(nil), x.Shape...)

	switch d.op {
	case layers.PoolMax:
		d.argmax = make([]int, out.Size())
		for o := range out.Data {
			best := o * ch
			for c := 1; c < ch; c++ {
				if x.Data[o*ch+c] > x.Data[best] {
					best = o*ch + c
				}
			}
			out.Data[o] = x.Data[best]
			d.argmax[o] = best
		}
	case layers.PoolAvg:
		for o := range out.Data {
			s := 0.0
			for _, v := range x.Data[o*ch : (o+1)*ch] {
				s += v
			}
			out.Data[o] = s / float64(ch)
		}
	default:
		return nil, fmt.Errorf("layer %s: unknown pooling operator %q", d.name, d.op)
	}
	return out, nil
}

func (d *depthPoolLayer) Backward(grad *Tensor) (*Tensor, error) {
	if d.inputShape == nil {
		return nil, fmt.Errorf("layer %s: backward before forward", d.name)
	}
	dx := NewTensor(d.inputShape...)
	ch := d.inputShape[len(d.inputShape)-1]
	for o, g := range grad.Data {
		if d.op == layers.PoolMax {
			dx.Data[d.argmax[o]] += g
			continue
		}
		share := g / float64(ch)
		for c := 0; c < ch; c++ {
			dx.Data[o*ch+c] += share
		}
	}
	return dx, nil
}

// reshapeLayer covers both Reshape and Flatten: it only relabels the
// per-sample shape.
type reshapeLayer struct {
	name       string
	target     []int
	inputShape []int
}

func newReshape(spec layers.LayerSpec) *reshapeLayer {
	return &reshapeLayer{name: spec.Name, target: append([]int(nil), spec.OutputShape...)}
}

func (r *reshapeLayer) Name() string     { return r.name }
func (r *reshapeLayer) Params() []*Param { return nil }

func (r *reshapeLayer) Forward(x *Tensor, training bool) (*Tensor, error) {
	r.inputShape = append([]int(nil), x.Shape...)
	out, err := x.View(append([]int{x.Shape[0]}, r.target...)...)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %v", r.name, err)
	}
	return out, nil
}

func (r *reshapeLayer) Backward(grad *Tensor) (*Tensor, error) {
	if r.inputShape == nil {
		return nil, fmt.Errorf("layer %s: backward before forward", r.name)
	}
	return grad.View(r.inputShape...)
}
