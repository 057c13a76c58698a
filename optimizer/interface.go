package optimizer

import (
	"fmt"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/engine"
)

// Optimizer updates model parameters from their accumulated gradients and
// exposes its state for checkpointing.
type Optimizer interface {
	// Step applies one update to every parameter. The parameter list must
	// be the same, in the same order, on every call.
	Step(params []*engine.Param) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64) error
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
