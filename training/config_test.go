package training

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/errs"
)

const validHyperparameters = `{
	"shuffle_buffer": 64,
	"batch_size": 4,
	"epochs": 3,
	"train_steps": 2,
	"val_steps": 1,
	"test_steps": 2,
	"learning_rate": 0.001,
	"cpu_cores": 2,
	"plot_dpi": 100
}`

func TestParseHyperparameters(t *testing.T) {
	h, err := ParseHyperparameters([]byte(validHyperparameters))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := Hyperparameters{
		ShuffleBuffer: 64, BatchSize: 4, Epochs: 3, TrainSteps: 2, ValSteps: 1,
		TestSteps: 2, LearningRate: 0.001, CPUCores: 2, PlotDPI: 100,
	}
	if h != want {
		t.Errorf("Expected %+v, got %+v", want, h)
	}
}

func TestParseHyperparametersErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "all missing fields listed in order",
			json: `{"batch_size": 4, "epochs": 3, "val_steps": 1, "test_steps": 1, "cpu_cores": 1}`,
			want: "missing hyperparameters: shuffle_buffer, train_steps, learning_rate, plot_dpi",
		},
		{
			name: "null counts as missing",
			json: strings.Replace(validHyperparameters, `"plot_dpi": 100`, `"plot_dpi": null`, 1),
			want: "missing hyperparameters: plot_dpi",
		},
		{
			name: "non-positive values",
			json: strings.Replace(strings.Replace(validHyperparameters, `"epochs": 3`, `"epochs": 0`, 1), `"learning_rate": 0.001`, `"learning_rate": -1`, 1),
			want: "must be positive: epochs, learning_rate",
		},
		{
			name: "wrong type",
			json: strings.Replace(validHyperparameters, `"batch_size": 4`, `"batch_size": "four"`, 1),
			want: "invalid hyperparameter value",
		},
		{
			name: "malformed",
			json: `{"batch_size": `,
			want: "failed to decode hyperparameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHyperparameters([]byte(tt.json))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errs.Is(err, errs.Configuration) {
				t.Errorf("Expected ConfigurationError, got %v", err)
			}
			if errs.StageOf(err) != errs.StageConfig {
				t.Errorf("Expected stage %q, got %q", errs.StageConfig, errs.StageOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadHyperparameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperparameters.json")
	if err := os.WriteFile(path, []byte(validHyperparameters), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHyperparameters(path); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := LoadHyperparameters(path + ".missing"); !errs.Is(err, errs.Configuration) {
		t.Errorf("Expected ConfigurationError for missing file, got %v", err)
	}
}

func TestRunConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*RunConfig)
		wantErr bool
	}{
		{"default", func(*RunConfig) {}, false},
		{"macro f1", func(rc *RunConfig) { rc.TrackedMetrics = []string{MetricAccuracy, MetricMacroF1} }, false},
		{"no tracked metrics", func(rc *RunConfig) { rc.TrackedMetrics = nil }, false},
		{"unknown metric", func(rc *RunConfig) { rc.TrackedMetrics = []string{"precision"} }, true},
		{"loss listed", func(rc *RunConfig) { rc.TrackedMetrics = []string{MetricLoss} }, true},
		{"duplicate", func(rc *RunConfig) { rc.TrackedMetrics = []string{MetricAccuracy, MetricAccuracy} }, true},
		{"no output dir", func(rc *RunConfig) { rc.OutputDir = "" }, true},
		{"bad format", func(rc *RunConfig) { rc.Format = checkpoints.CheckpointFormat(9) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := DefaultRunConfig()
			tt.modify(&rc)
			err := rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}
