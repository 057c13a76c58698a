package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/engine"
)

// NadamOptimizerState is Adam with Nesterov momentum, using the momentum
// decay schedule mu_t = beta1 * (1 - 0.5 * 0.96^(0.004 t)).
type NadamOptimizerState struct {
	config NadamConfig

	momentum [][]float64
	variance [][]float64
	shapes   [][]int

	// product of the momentum schedule up to the current step
	muProduct float64

	currentStep uint64
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float64 // Base learning rate
	Beta1        float64 // Exponential decay rate for first moment estimates (typically 0.9)
	Beta2        float64 // Exponential decay rate for second moment estimates (typically 0.999)
	Epsilon      float64 // Small constant for numerical stability (typically 1e-7)
	WeightDecay  float64 // Decoupled weight decay coefficient (typically 0.0)
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// Validate checks the hyperparameter ranges.
func (c NadamConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %f", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got %f", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1), got %f", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %e", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be non-negative, got %f", c.WeightDecay)
	}
	return nil
}

// NewNadamOptimizer creates a Nadam optimizer for parameters of the given shapes.
func NewNadamOptimizer(config NadamConfig, weightShapes [][]int) (*NadamOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	nadam := &NadamOptimizerState{
		config:    config,
		momentum:  make([][]float64, len(weightShapes)),
		variance:  make([][]float64, len(weightShapes)),
		shapes:    make([][]int, len(weightShapes)),
		muProduct: 1,
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		nadam.momentum[i] = make([]float64, size)
		nadam.variance[i] = make([]float64, size)
		nadam.shapes[i] = append([]int(nil), shape...)
	}
	return nadam, nil
}

func (nadam *NadamOptimizerState) schedule(step uint64) float64 {
	return nadam.config.Beta1 * (1 - 0.5*math.Pow(0.96, 0.004*float64(step)))
}

// Step performs a single optimization step
func (nadam *NadamOptimizerState) Step(params []*engine.Param) error {
	if len(params) != len(nadam.momentum) {
		return fmt.Errorf("parameter count (%d) doesn't match optimizer state (%d)", len(params), len(nadam.momentum))
	}
	for i, p := range params {
		if p.Value.Size() != len(nadam.momentum[i]) {
			return fmt.Errorf("parameter %s has %d values, optimizer expects %d", p.Name, p.Value.Size(), len(nadam.momentum[i]))
		}
	}

	nadam.currentStep++
	t := nadam.currentStep
	c := nadam.config

	muT := nadam.schedule(t)
	muNext := nadam.schedule(t + 1)
	productT := nadam.muProduct * muT
	productNext := productT * muNext
	beta2Power := math.Pow(c.Beta2, float64(t))

	for i, p := range params {
		m, v := nadam.momentum[i], nadam.variance[i]
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g[j]
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g[j]*g[j]
			mHat := muNext*m[j]/(1-productNext) + (1-muT)*g[j]/(1-productT)
			vHat := v[j] / (1 - beta2Power)
			w[j] -= c.LearningRate * mHat / (math.Sqrt(vHat) + c.Epsilon)
			if c.WeightDecay > 0 {
				w[j] -= c.LearningRate * c.WeightDecay * w[j]
			}
		}
	}

	nadam.muProduct = productT
	return nil
}

// UpdateLearningRate updates the learning rate
func (nadam *NadamOptimizerState) UpdateLearningRate(newLR float64) error {
	if newLR <= 0 {
		return fmt.Errorf("learning rate must be positive, got %f", newLR)
	}
	nadam.config.LearningRate = newLR
	return nil
}

// GetStepCount returns the current step count
func (nadam *NadamOptimizerState) GetStepCount() uint64 {
	return nadam.currentStep
}

// GetState extracts optimizer state for checkpointing
func (nadam *NadamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Nadam",
		Step: nadam.currentStep,
		Parameters: map[string]float64{
			"learning_rate": nadam.config.LearningRate,
			"beta1":         nadam.config.Beta1,
			"beta2":         nadam.config.Beta2,
			"epsilon":       nadam.config.Epsilon,
			"weight_decay":  nadam.config.WeightDecay,
			"mu_product":    nadam.muProduct,
		},
	}
	for i := range nadam.momentum {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("m_%d", i),
				Shape:     append([]int(nil), nadam.shapes[i]...),
				Data:      append([]float64(nil), nadam.momentum[i]...),
				StateType: "m",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("v_%d", i),
				Shape:     append([]int(nil), nadam.shapes[i]...),
				Data:      append([]float64(nil), nadam.variance[i]...),
				StateType: "v",
			},
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (nadam *NadamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
		return err
	}
	if len(state.StateData) != 2*len(nadam.momentum) {
		return fmt.Errorf("expected %d state tensors, got %d", 2*len(nadam.momentum), len(state.StateData))
	}

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(nadam.momentum) {
			return fmt.Errorf("invalid state tensor name %q", t.Name)
		}
		var dst []float64
		switch t.StateType {
		case "m":
			dst = nadam.momentum[idx]
		case "v":
			dst = nadam.variance[idx]
		default:
			return fmt.Errorf("unknown state type %q", t.StateType)
		}
		if len(t.Data) != len(dst) {
			return fmt.Errorf("state tensor %s has %d values, expected %d", t.Name, len(t.Data), len(dst))
		}
		copy(dst, t.Data)
	}

	if lr, ok := state.Parameters["learning_rate"]; ok {
		nadam.config.LearningRate = lr
	}
	if mu, ok := state.Parameters["mu_product"]; ok {
		nadam.muProduct = mu
	}
	nadam.currentStep = state.Step
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_1"
func extractBufferIndex(name string) int {
	var idx int
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			if n, err := fmt.Sscanf(name[i+1:], "%d", &idx); n == 1 && err == nil {
				return idx
			}
			return -1
		}
	}
	return -1
}

func calculateTensorSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}
