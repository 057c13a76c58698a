package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/accent-net/engine"
)

func newParam(values ...float64) *engine.Param {
	return &engine.Param{
		Name:  "w.kernel",
		Value: &engine.Tensor{Data: append([]float64(nil), values...), Shape: []int{len(values)}},
		Grad:  engine.NewTensor(len(values)),
	}
}

func TestNadamConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*NadamConfig)
	}{
		{"zero learning rate", func(c *NadamConfig) { c.LearningRate = 0 }},
		{"beta1 one", func(c *NadamConfig) { c.Beta1 = 1 }},
		{"negative beta2", func(c *NadamConfig) { c.Beta2 = -0.1 }},
		{"zero epsilon", func(c *NadamConfig) { c.Epsilon = 0 }},
		{"negative decay", func(c *NadamConfig) { c.WeightDecay = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultNadamConfig()
			tt.modify(&config)
			if _, err := NewNadamOptimizer(config, [][]int{{2}}); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}

	if _, err := NewNadamOptimizer(DefaultNadamConfig(), nil); err == nil {
		t.Error("Expected error for empty shapes")
	}
}

func TestNadamFirstStep(t *testing.T) {
	config := DefaultNadamConfig()
	config.LearningRate = 0.01
	nadam, err := NewNadamOptimizer(config, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}

	p := newParam(1)
	p.Grad.Data[0] = 2
	if err := nadam.Step([]*engine.Param{p}); err != nil {
		t.Fatal(err)
	}

	// the Nesterov correction makes the first step slightly larger than lr
	mu1 := 0.9 * (1 - 0.5*math.Pow(0.96, 0.004))
	mu2 := 0.9 * (1 - 0.5*math.Pow(0.96, 0.008))
	step := 0.01 * (1 + mu2*0.1/(1-mu1*mu2))
	if math.Abs(p.Value.Data[0]-(1-step)) > 1e-6 {
		t.Errorf("Expected %v after one step, got %v", 1-step, p.Value.Data[0])
	}
	if nadam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", nadam.GetStepCount())
	}
}

func TestNadamMinimisesQuadratic(t *testing.T) {
	config := DefaultNadamConfig()
	config.LearningRate = 0.05
	nadam, err := NewNadamOptimizer(config, [][]int{{2}})
	if err != nil {
		t.Fatal(err)
	}
	p := newParam(3, -2)
	for i := 0; i < 500; i++ {
		for j, w := range p.Value.Data {
			p.Grad.Data[j] = 2 * w
		}
		if err := nadam.Step([]*engine.Param{p}); err != nil {
			t.Fatal(err)
		}
	}
	for j, w := range p.Value.Data {
		if math.Abs(w) > 0.05 {
			t.Errorf("Parameter %d: expected near 0, got %v", j, w)
		}
	}
}

func TestNadamStepValidation(t *testing.T) {
	nadam, err := NewNadamOptimizer(DefaultNadamConfig(), [][]int{{2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := nadam.Step(nil); err == nil {
		t.Error("Expected parameter count error")
	}
	if err := nadam.Step([]*engine.Param{newParam(1, 2, 3)}); err == nil {
		t.Error("Expected parameter size error")
	}
	if err := nadam.UpdateLearningRate(-1); err == nil {
		t.Error("Expected learning rate error")
	}
}

func TestNadamStateRoundTrip(t *testing.T) {
	a, _ := NewNadamOptimizer(DefaultNadamConfig(), [][]int{{2}, {1}})
	b, _ := NewNadamOptimizer(DefaultNadamConfig(), [][]int{{2}, {1}})

	pa := []*engine.Param{newParam(1, 2), newParam(3)}
	pb := []*engine.Param{newParam(1, 2), newParam(3)}
	for _, p := range pa {
		for j := range p.Grad.Data {
			p.Grad.Data[j] = 0.5
		}
	}
	for i := 0; i < 3; i++ {
		if err := a.Step(pa); err != nil {
			t.Fatal(err)
		}
	}

	state, err := a.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("Expected 4 state tensors, got %d", len(state.StateData))
	}
	if err := b.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if b.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", b.GetStepCount())
	}

	// identical state and parameters give identical updates
	for i := range pb {
		copy(pb[i].Value.Data, pa[i].Value.Data)
		copy(pb[i].Grad.Data, pa[i].Grad.Data)
	}
	a.Step(pa)
	b.Step(pb)
	for i := range pa {
		for j := range pa[i].Value.Data {
			if pa[i].Value.Data[j] != pb[i].Value.Data[j] {
				t.Errorf("Param %d[%d]: expected %v, got %v", i, j, pa[i].Value.Data[j], pb[i].Value.Data[j])
			}
		}
	}

	state.Type = "Adam"
	if err := b.LoadState(state); err == nil {
		t.Error("Expected state type mismatch")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"m_0", 0},
		{"v_12", 12},
		{"momentum", -1},
		{"m_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.name, tt.want, got)
		}
	}
}
