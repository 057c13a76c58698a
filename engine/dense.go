package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/accent-net/layers"
)

type denseLayer struct {
	name       string
	in, out    int
	activation layers.Activation

	kernel, bias *Param

	input  *Tensor
	output *Tensor
}

func newDense(spec layers.LayerSpec, rng *rand.Rand) (*denseLayer, error) {
	d := &denseLayer{
		name:       spec.Name,
		in:         spec.InputShape[0],
		out:        spec.Dense.Units,
		activation: spec.Dense.Activation,
	}
	d.kernel = newParam(spec.Name, "kernel", layers.Penalty{}, d.in, d.out)
	d.bias = newParam(spec.Name, "bias", layers.Penalty{}, d.out)
	if err := initialize(d.kernel.Value, layers.GlorotUniform, d.in, d.out, rng); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *denseLayer) Name() string     { return d.name }
func (d *denseLayer) Params() []*Param { return []*Param{d.kernel, d.bias} }

func (d *denseLayer) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != d.in {
		return nil, fmt.Errorf("layer %s: expected (B, %d) input, got %v", d.name, d.in, x.Shape)
	}
	batch := x.Shape[0]
	out := NewTensor(batch, d.out)
	fillRows(out.Data, batch, d.bias.Value.Data)
	gemm(false, false, general(batch, d.in, x.Data), general(d.in, d.out, d.kernel.Value.Data), 1, general(batch, d.out, out.Data))
	if err := activate(d.activation, out.Data, d.out); err != nil {
		return nil, fmt.Errorf("layer %s: %v", d.name, err)
	}
	d.input, d.output = x, out
	return out, nil
}

func (d *denseLayer) Backward(grad *Tensor) (*Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("layer %s: backward before forward", d.name)
	}
	gz := grad.Clone()
	activationGrad(d.activation, d.output.Data, gz.Data, d.out)

	batch := d.input.Shape[0]
	g := general(batch, d.out, gz.Data)
	addColumnSums(d.bias.Grad.Data, gz.Data, batch)
	// dW += x^T g, dx = g W^T
	gemm(true, false, general(batch, d.in, d.input.Data), g, 1, general(d.in, d.out, d.kernel.Grad.Data))
	dx := NewTensor(batch, d.in)
	gemm(false, true, g, general(d.in, d.out, d.kernel.Value.Data), 0, general(batch, d.in, dx.Data))
	return dx, nil
}
