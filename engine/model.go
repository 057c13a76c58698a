// Package engine executes compiled layers.ModelSpec values on the CPU.
// Activations are float64 tensors with a leading batch axis; gradients are
// accumulated into each Param until ZeroGrad is called.
package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/layers"
)

// Model is an executable network built from a compiled spec. It is not safe
// for concurrent use.
type Model struct {
	Spec   *layers.ModelSpec
	layers []Layer
	params []*Param
}

// NewModel instantiates and initialises every layer of spec. seed fixes
// weight initialisation and dropout masks.
func NewModel(spec *layers.ModelSpec, seed int64) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{Spec: spec}

	for _, ls := range spec.Layers {
		var layer Layer
		var err error
		switch ls.Type {
		case layers.Reshape, layers.Flatten:
			layer = newReshape(ls)
		case layers.Conv2D:
			layer, err = newConv2D(ls, rng)
		case layers.MaxPool2D:
			layer = newMaxPool2D(ls)
		case layers.DepthPool:
			layer = newDepthPool(ls)
		case layers.BiLSTM:
			layer, err = newBiLSTM(ls, rng)
		case layers.Dense:
			layer, err = newDense(ls, rng)
		default:
			err = fmt.Errorf("unsupported layer type %s", ls.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %s: %v", ls.Name, err)
		}
		m.layers = append(m.layers, layer)
		m.params = append(m.params, layer.Params()...)
	}
	return m, nil
}

// Params returns the learnable parameters in layer order.
func (m *Model) Params() []*Param { return m.params }

// Forward runs x (B, input shape...) through every layer.
func (m *Model) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != len(m.Spec.InputShape)+1 || !sameShape(x.Shape[1:], m.Spec.InputShape) {
		return nil, fmt.Errorf("expected input (B, %v), got %v", m.Spec.InputShape, x.Shape)
	}
	out := x
	for _, layer := range m.layers {
		var err error
		out, err = layer.Forward(out, training)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward propagates grad (dL/doutput) back through every layer.
func (m *Model) Backward(grad *Tensor) error {
	g := grad
	for i := len(m.layers) - 1; i >= 0; i-- {
		var err error
		g, err = m.layers[i].Backward(g)
		if err != nil {
			return err
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.Grad.Zero()
	}
}

// PenaltyLoss sums the weight penalties of all parameters.
func (m *Model) PenaltyLoss() float64 {
	total := 0.0
	for _, p := range m.params {
		total += p.PenaltyLoss()
	}
	return total
}

// AddPenaltyGrads adds each parameter's penalty gradient to its Grad.
func (m *Model) AddPenaltyGrads() {
	for _, p := range m.params {
		p.addPenaltyGrad()
	}
}

// ExportWeights copies all parameters into checkpoint tensors.
func (m *Model) ExportWeights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, 0, len(m.params))
	for _, p := range m.params {
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float64(nil), p.Value.Data...),
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	return weights
}

// ImportWeights loads checkpoint tensors by name. Every parameter must be
// present with a matching shape.
func (m *Model) ImportWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(byName) != len(m.params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(byName), len(m.params))
	}
	for _, p := range m.params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("missing weight %s", p.Name)
		}
		if !sameShape(w.Shape, p.Value.Shape) || len(w.Data) != p.Value.Size() {
			return fmt.Errorf("shape mismatch for weight %s: model %v vs checkpoint %v", p.Name, p.Value.Shape, w.Shape)
		}
	}
	for _, p := range m.params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}
