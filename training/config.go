package training

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/errs"
)

// Hyperparameters is the immutable run configuration. Every field is
// required; there are no defaults.
type Hyperparameters struct {
	ShuffleBuffer int     `json:"shuffle_buffer"`
	BatchSize     int     `json:"batch_size"`
	Epochs        int     `json:"epochs"`
	TrainSteps    int     `json:"train_steps"`
	ValSteps      int     `json:"val_steps"`
	TestSteps     int     `json:"test_steps"`
	LearningRate  float64 `json:"learning_rate"`
	CPUCores      int     `json:"cpu_cores"`
	PlotDPI       int     `json:"plot_dpi"`
}

// hyperparameterFields lists the JSON keys in declaration order.
var hyperparameterFields = []string{
	"shuffle_buffer",
	"batch_size",
	"epochs",
	"train_steps",
	"val_steps",
	"test_steps",
	"learning_rate",
	"cpu_cores",
	"plot_dpi",
}

// LoadHyperparameters reads and validates a JSON hyperparameter file.
func LoadHyperparameters(path string) (Hyperparameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hyperparameters{}, errs.Wrap(errs.Configuration, errs.StageConfig, err, "failed to read hyperparameters")
	}
	return ParseHyperparameters(data)
}

// ParseHyperparameters decodes and validates hyperparameters. All missing
// fields are reported together in one ConfigurationError.
func ParseHyperparameters(data []byte) (Hyperparameters, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Hyperparameters{}, errs.Wrap(errs.Configuration, errs.StageConfig, err, "failed to decode hyperparameters")
	}

	var missing []string
	for _, field := range hyperparameterFields {
		if v, ok := raw[field]; !ok || string(v) == "null" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return Hyperparameters{}, errs.Configurationf(errs.StageConfig, "missing hyperparameters: %s", strings.Join(missing, ", "))
	}

	var h Hyperparameters
	if err := json.Unmarshal(data, &h); err != nil {
		return Hyperparameters{}, errs.Wrap(errs.Configuration, errs.StageConfig, err, "invalid hyperparameter value")
	}
	if err := h.Validate(); err != nil {
		return Hyperparameters{}, err
	}
	return h, nil
}

// Validate checks that every field is positive.
func (h Hyperparameters) Validate() error {
	var bad []string
	ints := []struct {
		name  string
		value int
	}{
		{"shuffle_buffer", h.ShuffleBuffer},
		{"batch_size", h.BatchSize},
		{"epochs", h.Epochs},
		{"train_steps", h.TrainSteps},
		{"val_steps", h.ValSteps},
		{"test_steps", h.TestSteps},
		{"cpu_cores", h.CPUCores},
		{"plot_dpi", h.PlotDPI},
	}
	for _, f := range ints {
		if f.value <= 0 {
			bad = append(bad, f.name)
		}
	}
	if !(h.LearningRate > 0) {
		bad = append(bad, "learning_rate")
	}
	if len(bad) > 0 {
		return errs.Configurationf(errs.StageConfig, "hyperparameters must be positive: %s", strings.Join(bad, ", "))
	}
	return nil
}

// RunConfig holds the per-invocation settings that do not belong to the
// hyperparameter file.
type RunConfig struct {
	OutputDir      string
	Format         checkpoints.CheckpointFormat
	Seed           int64
	RunID          string
	TrackedMetrics []string
}

// DefaultRunConfig tracks accuracy and writes JSON checkpoints to the
// working directory.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		OutputDir:      ".",
		Format:         checkpoints.FormatJSON,
		Seed:           1,
		TrackedMetrics: []string{MetricAccuracy},
	}
}

// Validate rejects unknown or duplicated tracked metrics and unknown
// formats.
func (rc RunConfig) Validate() error {
	if rc.OutputDir == "" {
		return errs.Configurationf(errs.StageConfig, "output directory is required")
	}
	if rc.Format != checkpoints.FormatJSON && rc.Format != checkpoints.FormatProto {
		return errs.Configurationf(errs.StageConfig, "unsupported checkpoint format %s", rc.Format)
	}
	seen := map[string]bool{}
	for _, m := range rc.TrackedMetrics {
		if m == MetricLoss {
			return errs.Configurationf(errs.StageConfig, "loss is always tracked and must not be listed")
		}
		if _, ok := metricDirections[m]; !ok {
			return errs.Wrap(errs.Configuration, errs.StageConfig, errors.Errorf("unknown metric %q", m), "invalid tracked metrics")
		}
		if seen[m] {
			return errs.Configurationf(errs.StageConfig, "metric %q tracked twice", m)
		}
		seen[m] = true
	}
	return nil
}
