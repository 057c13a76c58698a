package engine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/accent-net/layers"
)

// scalarLoss is sum(out * weights); its gradient with respect to out is weights.
func scalarLoss(out *Tensor, weights []float64) float64 {
	s := 0.0
	for i, v := range out.Data {
		s += v * weights[i]
	}
	return s
}

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= 1e-5*math.Max(1, math.Abs(a)+math.Abs(b))
}

// checkGradients compares analytic gradients of layer against central
// differences. reset is called before every forward pass.
func checkGradients(t *testing.T, layer Layer, x *Tensor, training bool, reset func()) {
	t.Helper()
	rng := rand.New(rand.NewSource(99))

	reset()
	out, err := layer.Forward(x, training)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	weights := make([]float64, out.Size())
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	upstream, _ := FromData(append([]float64(nil), weights...), out.Shape...)
	for _, p := range layer.Params() {
		p.Grad.Zero()
	}
	dx, err := layer.Backward(upstream)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-6
	loss := func() float64 {
		reset()
		o, err := layer.Forward(x, training)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return scalarLoss(o, weights)
	}

	for _, p := range layer.Params() {
		step := 1 + p.Value.Size()/17
		for i := 0; i < p.Value.Size(); i += step {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			plus := loss()
			p.Value.Data[i] = orig - eps
			minus := loss()
			p.Value.Data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			if !closeEnough(p.Grad.Data[i], numeric) {
				t.Errorf("%s[%d]: analytic %.8f, numeric %.8f", p.Name, i, p.Grad.Data[i], numeric)
			}
		}
	}

	step := 1 + x.Size()/23
	for i := 0; i < x.Size(); i += step {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := loss()
		x.Data[i] = orig - eps
		minus := loss()
		x.Data[i] = orig
		numeric := (plus - minus) / (2 * eps)
		if !closeEnough(dx.Data[i], numeric) {
			t.Errorf("input[%d]: analytic %.8f, numeric %.8f", i, dx.Data[i], numeric)
		}
	}
}

func compileLayer(t *testing.T, input []int, spec layers.LayerSpec) layers.LayerSpec {
	t.Helper()
	model, err := layers.NewModelBuilder("tiny", input).AddLayer(spec).Compile()
	if err != nil {
		t.Fatalf("Failed to compile %s: %v", spec.Name, err)
	}
	return model.Layers[0]
}

func TestDenseSoftmaxGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	spec := compileLayer(t, []int{6}, layers.DenseSpec(4, layers.Softmax, "dense"))
	layer, err := newDense(spec, rng)
	if err != nil {
		t.Fatal(err)
	}
	checkGradients(t, layer, randomTensor(rng, 3, 6), false, func() {})
}

func TestConv2DSeluGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	spec := compileLayer(t, []int{5, 4, 2}, layers.Conv2DSpec(3, 3, "conv"))
	layer, err := newConv2D(spec, rng)
	if err != nil {
		t.Fatal(err)
	}
	checkGradients(t, layer, randomTensor(rng, 2, 5, 4, 2), false, func() {})
}

func TestPoolingGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	pool := newMaxPool2D(compileLayer(t, []int{4, 3, 2}, layers.MaxPool2DSpec(2, 1, "pool")))
	checkGradients(t, pool, randomTensor(rng, 2, 4, 3, 2), false, func() {})

	for _, op := range []layers.PoolOp{layers.PoolMax, layers.PoolAvg} {
		depth := newDepthPool(compileLayer(t, []int{3, 2, 4}, layers.DepthPoolSpec(op, "depth")))
		checkGradients(t, depth, randomTensor(rng, 2, 3, 2, 4), false, func() {})
	}
}

func TestBiLSTMGradients(t *testing.T) {
	for _, returnSeq := range []bool{true, false} {
		rng := rand.New(rand.NewSource(4))
		spec := compileLayer(t, []int{4, 3}, layers.BiLSTMSpec(5, returnSeq, "bilstm"))
		layer, err := newBiLSTM(spec, rng)
		if err != nil {
			t.Fatal(err)
		}
		checkGradients(t, layer, randomTensor(rng, 2, 4, 3), false, func() {})
	}
}

func TestBiLSTMGradientsWithDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	spec := compileLayer(t, []int{3, 4}, layers.BiLSTMSpec(4, true, "bilstm"))
	layer, err := newBiLSTM(spec, rng)
	if err != nil {
		t.Fatal(err)
	}
	// identical masks on every pass
	checkGradients(t, layer, randomTensor(rng, 2, 3, 4), true, func() {
		layer.rng = rand.New(rand.NewSource(11))
	})
}

func TestMaxPoolTimeAxisOnly(t *testing.T) {
	pool := newMaxPool2D(compileLayer(t, []int{4, 2, 1}, layers.MaxPool2DSpec(2, 1, "pool")))
	x, _ := FromData([]float64{
		1, 8,
		3, 2,
		5, 0,
		-1, 7,
	}, 1, 4, 2, 1)
	out, err := pool.Forward(x, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{3, 8, 5, 7}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("Index %d: expected %v, got %v", i, v, out.Data[i])
		}
	}
	if out.Shape[1] != 2 || out.Shape[2] != 2 {
		t.Errorf("Expected (1, 2, 2, 1), got %v", out.Shape)
	}
}

func TestSeluValues(t *testing.T) {
	data := []float64{1, 0, -1}
	if err := activate(layers.SELU, data, 3); err != nil {
		t.Fatal(err)
	}
	want := []float64{1.0507009873554805, 0, -1.1113307378125628}
	for i := range want {
		if math.Abs(data[i]-want[i]) > 1e-12 {
			t.Errorf("Index %d: expected %v, got %v", i, want[i], data[i])
		}
	}
}

func TestOrthogonalRows(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m := NewTensor(4, 16)
	if err := initialize(m, layers.Orthogonal, 4, 16, rng); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d := dot(m.Data[i*16:(i+1)*16], m.Data[j*16:(j+1)*16])
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(d-want) > 1e-9 {
				t.Errorf("Rows %d,%d: expected dot %v, got %v", i, j, want, d)
			}
		}
	}
}

func TestLeCunNormalScale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := NewTensor(5, 5, 8, 64)
	if err := initialize(w, layers.LeCunNormal, 200, 1600, rng); err != nil {
		t.Fatal(err)
	}
	variance := 0.0
	for _, v := range w.Data {
		variance += v * v
	}
	variance /= float64(w.Size())
	if math.Abs(variance-1.0/200) > 0.1/200 {
		t.Errorf("Expected variance near %v, got %v", 1.0/200, variance)
	}
}

func TestPenalty(t *testing.T) {
	p := newParam("conv", "kernel", layers.Penalty{L1: 0.02, L2: 0.03}, 3)
	copy(p.Value.Data, []float64{1, -2, 0})
	if got, want := p.PenaltyLoss(), 0.02*3+0.03*5; math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected penalty %v, got %v", want, got)
	}
	p.addPenaltyGrad()
	want := []float64{0.02 + 0.06, -0.02 - 0.12, 0}
	for i := range want {
		if math.Abs(p.Grad.Data[i]-want[i]) > 1e-12 {
			t.Errorf("Index %d: expected grad %v, got %v", i, want[i], p.Grad.Data[i])
		}
	}
}
