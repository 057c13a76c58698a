package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/accent-net/layers"
)

// lstmDirection is one direction of a bidirectional LSTM. Gate order in the
// packed kernels is i, f, c, o; kernel is [D, 4u], recurrent is [u, 4u].
type lstmDirection struct {
	units, inDim int
	reverse      bool

	kernel, recurrent, bias *Param

	steps []lstmStep
	maskX []float64
	maskH []float64
}

// lstmStep caches one time step of the forward pass.
type lstmStep struct {
	t          int
	xm, hm     []float64
	i, f, g, o []float64
	cPrev, tc  []float64
}

func newLSTMDirection(layer, prefix string, p *layers.BiLSTMParams, inDim int, reverse bool, rng *rand.Rand) (*lstmDirection, error) {
	u := p.Units
	d := &lstmDirection{units: u, inDim: inDim, reverse: reverse}
	d.kernel = newParam(layer, prefix+"_kernel", p.KernelPenalty, inDim, 4*u)
	d.recurrent = newParam(layer, prefix+"_recurrent_kernel", p.RecurrentPenalty, u, 4*u)
	d.bias = newParam(layer, prefix+"_bias", p.BiasPenalty, 4*u)

	if err := initialize(d.kernel.Value, layers.GlorotUniform, inDim, 4*u, rng); err != nil {
		return nil, err
	}
	if err := initialize(d.recurrent.Value, layers.Orthogonal, u, 4*u, rng); err != nil {
		return nil, err
	}
	// unit forget bias
	for j := 0; j < u; j++ {
		d.bias.Value.Data[u+j] = 1
	}
	return d, nil
}

func (d *lstmDirection) params() []*Param {
	return []*Param{d.kernel, d.recurrent, d.bias}
}

func maskAt(mask []float64, i int) float64 {
	if mask == nil {
		return 1
	}
	return mask[i]
}

// forward runs the direction over x (B, T, D) and returns the hidden state
// for every original time index.
func (d *lstmDirection) forward(x *Tensor) [][]float64 {
	batch, steps, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	u, g4 := d.units, 4*d.units
	w := general(dim, g4, d.kernel.Value.Data)
	r := general(u, g4, d.recurrent.Value.Data)

	h := make([]float64, batch*u)
	c := make([]float64, batch*u)
	d.steps = make([]lstmStep, steps)
	outs := make([][]float64, steps)
	z := make([]float64, batch*g4)

	for s := 0; s < steps; s++ {
		t := s
		if d.reverse {
			t = steps - 1 - s
		}
		st := lstmStep{
			t:     t,
			xm:    make([]float64, batch*dim),
			hm:    make([]float64, batch*u),
			i:     make([]float64, batch*u),
			f:     make([]float64, batch*u),
			g:     make([]float64, batch*u),
			o:     make([]float64, batch*u),
			cPrev: c,
			tc:    make([]float64, batch*u),
		}
		hNew := make([]float64, batch*u)
		cNew := make([]float64, batch*u)

		for b := 0; b < batch; b++ {
			for k := 0; k < dim; k++ {
				st.xm[b*dim+k] = x.Data[(b*steps+t)*dim+k] * maskAt(d.maskX, b*dim+k)
			}
		}
		for n := range st.hm {
			st.hm[n] = h[n] * maskAt(d.maskH, n)
		}

		// z = bias + xm W + hm R, one row per sample
		fillRows(z, batch, d.bias.Value.Data)
		zm := general(batch, g4, z)
		gemm(false, false, general(batch, dim, st.xm), w, 1, zm)
		gemm(false, false, general(batch, u, st.hm), r, 1, zm)

		for b := 0; b < batch; b++ {
			zb := z[b*g4 : (b+1)*g4]
			for j := 0; j < u; j++ {
				n := b*u + j
				ig := sigmoid(zb[j])
				fg := sigmoid(zb[u+j])
				gg := math.Tanh(zb[2*u+j])
				og := sigmoid(zb[3*u+j])
				cNew[n] = fg*c[n] + ig*gg
				tc := math.Tanh(cNew[n])
				hNew[n] = og * tc
				st.i[n], st.f[n], st.g[n], st.o[n], st.tc[n] = ig, fg, gg, og, tc
			}
		}

		d.steps[s] = st
		h, c = hNew, cNew
		outs[t] = hNew
	}
	return outs
}

// backward propagates per-time hidden gradients (nil entries mean none)
// through time, accumulating parameter gradients and adding input
// gradients into dx.
func (d *lstmDirection) backward(dOut [][]float64, dx *Tensor) {
	batch, steps, dim := dx.Shape[0], dx.Shape[1], dx.Shape[2]
	u, g4 := d.units, 4*d.units
	w := general(dim, g4, d.kernel.Value.Data)
	r := general(u, g4, d.recurrent.Value.Data)
	wg := general(dim, g4, d.kernel.Grad.Data)
	rg := general(u, g4, d.recurrent.Grad.Data)

	dh := make([]float64, batch*u)
	dc := make([]float64, batch*u)
	dz := make([]float64, batch*g4)
	dxm := make([]float64, batch*dim)

	for s := steps - 1; s >= 0; s-- {
		st := d.steps[s]
		if g := dOut[st.t]; g != nil {
			for n, v := range g {
				dh[n] += v
			}
		}

		for b := 0; b < batch; b++ {
			dzb := dz[b*g4 : (b+1)*g4]
			for j := 0; j < u; j++ {
				n := b*u + j
				ig, fg, gg, og, tc := st.i[n], st.f[n], st.g[n], st.o[n], st.tc[n]
				do := dh[n] * tc
				dcv := dc[n] + dh[n]*og*(1-tc*tc)
				dzb[j] = dcv * gg * ig * (1 - ig)
				dzb[u+j] = dcv * st.cPrev[n] * fg * (1 - fg)
				dzb[2*u+j] = dcv * ig * (1 - gg*gg)
				dzb[3*u+j] = do * og * (1 - og)
				dc[n] = dcv * fg
			}
		}

		dzm := general(batch, g4, dz)
		addColumnSums(d.bias.Grad.Data, dz, batch)
		gemm(true, false, general(batch, dim, st.xm), dzm, 1, wg)
		gemm(true, false, general(batch, u, st.hm), dzm, 1, rg)

		gemm(false, true, dzm, w, 0, general(batch, dim, dxm))
		for b := 0; b < batch; b++ {
			for k := 0; k < dim; k++ {
				dx.Data[(b*steps+st.t)*dim+k] += dxm[b*dim+k] * maskAt(d.maskX, b*dim+k)
			}
		}
		dhPrev := make([]float64, batch*u)
		gemm(false, true, dzm, r, 0, general(batch, u, dhPrev))
		for n := range dhPrev {
			dhPrev[n] *= maskAt(d.maskH, n)
		}
		dh = dhPrev
	}
}

// biLSTMLayer runs a forward and a reversed LSTM and concatenates their
// outputs on the feature axis.
type biLSTMLayer struct {
	name             string
	units            int
	returnSequences  bool
	dropout, recDrop float64
	fwd, bwd         *lstmDirection
	rng              *rand.Rand
	inputShape       []int
}

func newBiLSTM(spec layers.LayerSpec, rng *rand.Rand) (*biLSTMLayer, error) {
	p := spec.BiLSTM
	inDim := spec.InputShape[1]
	fwd, err := newLSTMDirection(spec.Name, "forward", p, inDim, false, rng)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %v", spec.Name, err)
	}
	bwd, err := newLSTMDirection(spec.Name, "backward", p, inDim, true, rng)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %v", spec.Name, err)
	}
	return &biLSTMLayer{
		name:            spec.Name,
		units:           p.Units,
		returnSequences: p.ReturnSequences,
		dropout:         p.Dropout,
		recDrop:         p.RecurrentDropout,
		fwd:             fwd,
		bwd:             bwd,
		rng:             rng,
	}, nil
}

func (l *biLSTMLayer) Name() string { return l.name }

func (l *biLSTMLayer) Params() []*Param {
	return append(l.fwd.params(), l.bwd.params()...)
}

// dropoutMask draws an inverted-dropout mask, nil when inactive.
func (l *biLSTMLayer) dropoutMask(n int, rate float64, training bool) []float64 {
	if !training || rate == 0 {
		return nil
	}
	keep := 1 / (1 - rate)
	mask := make([]float64, n)
	for i := range mask {
		if l.rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}

func (l *biLSTMLayer) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != l.fwd.inDim {
		return nil, fmt.Errorf("layer %s: expected (B, T, %d) input, got %v", l.name, l.fwd.inDim, x.Shape)
	}
	batch, steps := x.Shape[0], x.Shape[1]
	u := l.units
	l.inputShape = append([]int(nil), x.Shape...)

	for _, d := range []*lstmDirection{l.fwd, l.bwd} {
		d.maskX = l.dropoutMask(batch*d.inDim, l.dropout, training)
		d.maskH = l.dropoutMask(batch*u, l.recDrop, training)
	}
	fo := l.fwd.forward(x)
	bo := l.bwd.forward(x)

	if l.returnSequences {
		out := NewTensor(batch, steps, 2*u)
		for t := 0; t < steps; t++ {
			for b := 0; b < batch; b++ {
				row := out.Data[(b*steps+t)*2*u:]
				copy(row[:u], fo[t][b*u:(b+1)*u])
				copy(row[u:2*u], bo[t][b*u:(b+1)*u])
			}
		}
		return out, nil
	}

	out := NewTensor(batch, 2*u)
	for b := 0; b < batch; b++ {
		copy(out.Data[b*2*u:b*2*u+u], fo[steps-1][b*u:(b+1)*u])
		copy(out.Data[b*2*u+u:(b+1)*2*u], bo[0][b*u:(b+1)*u])
	}
	return out, nil
}

func (l *biLSTMLayer) Backward(grad *Tensor) (*Tensor, error) {
	if l.inputShape == nil {
		return nil, fmt.Errorf("layer %s: backward before forward", l.name)
	}
	batch, steps := l.inputShape[0], l.inputShape[1]
	u := l.units
	dF := make([][]float64, steps)
	dB := make([][]float64, steps)

	split := func(src []float64) (f, b []float64) {
		f, b = make([]float64, batch*u), make([]float64, batch*u)
		for n := 0; n < batch; n++ {
			copy(f[n*u:(n+1)*u], src[n*2*u:n*2*u+u])
			copy(b[n*u:(n+1)*u], src[n*2*u+u:(n+1)*2*u])
		}
		return f, b
	}

	if l.returnSequences {
		for t := 0; t < steps; t++ {
			slice := make([]float64, batch*2*u)
			for n := 0; n < batch; n++ {
				copy(slice[n*2*u:(n+1)*2*u], grad.Data[(n*steps+t)*2*u:(n*steps+t+1)*2*u])
			}
			dF[t], dB[t] = split(slice)
		}
	} else {
		dF[steps-1], dB[0] = split(grad.Data)
	}

	dx := NewTensor(l.inputShape...)
	l.fwd.backward(dF, dx)
	l.bwd.backward(dB, dx)
	return dx, nil
}
