package engine

import (
	"math"

	"github.com/tsawler/accent-net/layers"
)

// Layer is the execution counterpart of a layers.LayerSpec. Forward caches
// what Backward needs; Backward accumulates parameter gradients and returns
// the gradient with respect to the layer input.
type Layer interface {
	Name() string
	Forward(x *Tensor, training bool) (*Tensor, error)
	Backward(grad *Tensor) (*Tensor, error)
	Params() []*Param
}

// Param is a learnable tensor with its gradient and weight penalty.
type Param struct {
	Name    string
	Layer   string
	Kind    string
	Value   *Tensor
	Grad    *Tensor
	Penalty layers.Penalty
}

func newParam(layer, kind string, penalty layers.Penalty, shape ...int) *Param {
	return &Param{
		Name:    layer + "." + kind,
		Layer:   layer,
		Kind:    kind,
		Value:   NewTensor(shape...),
		Grad:    NewTensor(shape...),
		Penalty: penalty,
	}
}

// PenaltyLoss returns L1*sum|w| + L2*sum(w^2).
func (p *Param) PenaltyLoss() float64 {
	if p.Penalty.IsZero() {
		return 0
	}
	l1, l2 := 0.0, 0.0
	for _, w := range p.Value.Data {
		l1 += math.Abs(w)
		l2 += w * w
	}
	return p.Penalty.L1*l1 + p.Penalty.L2*l2
}

// addPenaltyGrad adds the penalty subgradient to Grad.
func (p *Param) addPenaltyGrad() {
	if p.Penalty.IsZero() {
		return
	}
	for i, w := range p.Value.Data {
		sign := 0.0
		if w > 0 {
			sign = 1
		} else if w < 0 {
			sign = -1
		}
		p.Grad.Data[i] += p.Penalty.L1*sign + 2*p.Penalty.L2*w
	}
}
