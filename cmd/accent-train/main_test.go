package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeCorpus creates a two-accent corpus of (6, 3) feature sequences.
func writeCorpus(t *testing.T) (dataDir, configPath string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	if err := os.Mkdir(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	labels := []string{"scottish", "welsh"}
	writeJSON(t, filepath.Join(dataDir, "meta.json"), map[string]interface{}{
		"labels":      labels,
		"input_shape": []int{6, 3},
	})

	rng := rand.New(rand.NewSource(1))
	type sample struct {
		Label    string      `json:"label"`
		Features [][]float64 `json:"features"`
	}
	for _, split := range []string{"train", "val", "test"} {
		var samples []sample
		for i := 0; i < 6; i++ {
			features := make([][]float64, 6)
			for j := range features {
				features[j] = []float64{rng.NormFloat64(), rng.NormFloat64() + float64(i%2), rng.NormFloat64()}
			}
			samples = append(samples, sample{Label: labels[i%2], Features: features})
		}
		writeJSON(t, filepath.Join(dataDir, split+".json"), samples)
	}

	configPath = filepath.Join(dir, "hyperparameters.json")
	writeJSON(t, configPath, map[string]interface{}{
		"shuffle_buffer": 6,
		"batch_size":     3,
		"epochs":         2,
		"train_steps":    2,
		"val_steps":      1,
		"test_steps":     1,
		"learning_rate":  0.001,
		"cpu_cores":      2,
		"plot_dpi":       100,
	})
	return dataDir, configPath
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing architecture", nil, "--architecture is required"},
		{"unknown architecture", []string{"-a", "transformer"}, "invalid architecture"},
		{"stray argument", []string{"-a", "cnn", "extra"}, "unexpected arguments"},
		{"unknown flag", []string{"--epochs", "3"}, "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, &stdout, &stderr); code != exitUsage {
				t.Errorf("Expected exit %d, got %d", exitUsage, code)
			}
			if !strings.Contains(stderr.String(), tt.want) {
				t.Errorf("Expected %q in %q", tt.want, stderr.String())
			}
		})
	}
}

func TestRunFailsOnMissingHyperparameter(t *testing.T) {
	dataDir, configPath := writeCorpus(t)
	os.WriteFile(configPath, []byte(`{"epochs": 2}`), 0o644)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-a", "cnn", "--config", configPath, "--data", dataDir, "--out", t.TempDir()}, &stdout, &stderr)
	if code != exitRun {
		t.Errorf("Expected exit %d, got %d", exitRun, code)
	}
	if !strings.Contains(stderr.String(), "missing hyperparameters: shuffle_buffer, batch_size") {
		t.Errorf("Expected missing field list in %q", stderr.String())
	}
}

func TestRunTrainsAndEvaluates(t *testing.T) {
	dataDir, configPath := writeCorpus(t)
	out := t.TempDir()

	var stdout, stderr bytes.Buffer
	args := []string{
		"--architecture", "bilstm",
		"--config", configPath,
		"--data", dataDir,
		"--out", out,
		"--format", "proto",
		"--progress=false",
	}
	if code := run(context.Background(), args, &stdout, &stderr); code != exitOK {
		t.Fatalf("Expected exit 0, got %d\n%s", code, stderr.String())
	}

	for _, name := range []string{
		"bilstm_accuracy.pb",
		"bilstm_loss.pb",
		"bilstm_history.pb",
		"bilstm_accuracy_plot.json",
		"bilstm_loss_plot.json",
	} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("Expected %s: %v", name, err)
		}
	}
	for _, want := range []string{"Total params", "best accuracy (epoch", "best loss (epoch"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("Expected %q in output:\n%s", want, stdout.String())
		}
	}
	if !strings.Contains(stderr.String(), "run_id=") {
		t.Error("Expected run_id in log output")
	}
}
