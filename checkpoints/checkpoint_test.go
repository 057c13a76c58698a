package checkpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/accent-net/layers"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	spec, err := layers.NewModelBuilder("tiny", []int{4}).
		AddDense(3, layers.Softmax, "dense").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}

	return &Checkpoint{
		ModelSpec: spec,
		Weights: []WeightTensor{
			{Name: "dense.kernel", Shape: []int{4, 3}, Data: []float64{1, -2, 3, 0.5, 0, -0.25, 7, 8, 9, 1e-9, -1e9, 42}, Layer: "dense", Type: "kernel"},
			{Name: "dense.bias", Shape: []int{3}, Data: []float64{0.1, 0.2, 0.3}, Layer: "dense", Type: "bias"},
		},
		TrainingState: TrainingState{
			Epoch:        2,
			Metric:       "loss",
			BestValue:    0.7,
			LearningRate: 0.001,
		},
		OptimizerState: &OptimizerState{
			Type:       "Nadam",
			Step:       17,
			Parameters: map[string]float64{"beta1": 0.9, "mu_product": 0.42},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{2}, Data: []float64{1, 2}, StateType: "m"},
				{Name: "v_0", Shape: []int{2}, Data: []float64{3, 4}, StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			RunID:       "run-1",
			CreatedAt:   time.Date(2024, 3, 1, 12, 30, 0, 123000000, time.UTC),
			Description: "best loss",
			Tags:        []string{"cnn", "loss"},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "model_loss"+format.Extension())
			saver := NewCheckpointSaver(format)
			original := testCheckpoint(t)

			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if loaded.ModelSpec.Name != "tiny" || len(loaded.ModelSpec.Layers) != 1 {
				t.Errorf("Model spec not preserved: %+v", loaded.ModelSpec)
			}
			if loaded.ModelSpec.TotalParameters != original.ModelSpec.TotalParameters {
				t.Errorf("Expected %d parameters, got %d", original.ModelSpec.TotalParameters, loaded.ModelSpec.TotalParameters)
			}
			if len(loaded.Weights) != len(original.Weights) {
				t.Fatalf("Expected %d weights, got %d", len(original.Weights), len(loaded.Weights))
			}
			for i, w := range original.Weights {
				got := loaded.Weights[i]
				if got.Name != w.Name || got.Layer != w.Layer || got.Type != w.Type {
					t.Errorf("Weight %d: expected %s/%s/%s, got %s/%s/%s", i, w.Name, w.Layer, w.Type, got.Name, got.Layer, got.Type)
				}
				for j := range w.Data {
					if got.Data[j] != w.Data[j] {
						t.Errorf("Weight %s[%d]: expected %v, got %v", w.Name, j, w.Data[j], got.Data[j])
					}
				}
			}
			if loaded.TrainingState != original.TrainingState {
				t.Errorf("Expected training state %+v, got %+v", original.TrainingState, loaded.TrainingState)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("Expected created_at %v, got %v", original.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
			if loaded.Metadata.Framework != "accent-net" || loaded.Metadata.RunID != "run-1" {
				t.Errorf("Unexpected metadata %+v", loaded.Metadata)
			}
			if len(loaded.Metadata.Tags) != 2 || loaded.Metadata.Tags[1] != "loss" {
				t.Errorf("Expected tags [cnn loss], got %v", loaded.Metadata.Tags)
			}

			opt := loaded.OptimizerState
			if opt == nil {
				t.Fatal("Optimizer state not preserved")
			}
			if opt.Type != "Nadam" || opt.Step != 17 || opt.Parameters["mu_product"] != 0.42 {
				t.Errorf("Unexpected optimizer state %+v", opt)
			}
			if len(opt.StateData) != 2 || opt.StateData[1].Data[1] != 4 || opt.StateData[1].StateType != "v" {
				t.Errorf("Unexpected optimizer tensors %+v", opt.StateData)
			}
		})
	}
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_accuracy.pb")
	saver := NewCheckpointSaver(FormatProto)

	for i := 0; i < 3; i++ {
		c := testCheckpoint(t)
		c.TrainingState.Epoch = i
		if err := saver.SaveCheckpoint(c, path); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "model_accuracy.pb" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only the checkpoint file, got %v", names)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrainingState.Epoch != 2 {
		t.Errorf("Expected the last write to win, got epoch %d", loaded.TrainingState.Epoch)
	}
}

func TestWriteFileAtomicFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// the parent of the target is a regular file
	if err := WriteFileAtomic(filepath.Join(blocker, "ckpt.json"), []byte("{}"), 0o644); err == nil {
		t.Error("Expected error when the directory cannot be created")
	}
}

func TestLoadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		format  CheckpointFormat
		content string
		want    string
	}{
		{"missing file", FormatJSON, "", "failed to open"},
		{"truncated json", FormatJSON, `{"model_spec": {`, "failed to decode"},
		{"corrupt proto", FormatProto, "not a checkpoint", "failed to decode"},
		{"no model spec", FormatJSON, `{"weights": []}`, "invalid checkpoint"},
		{"shape mismatch", FormatJSON, `{"model_spec": {"name": "x"}, "weights": [{"name": "w", "shape": [2, 2], "data": [1]}]}`, "invalid checkpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			if tt.content != "" {
				if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			_, err := NewCheckpointSaver(tt.format).LoadCheckpoint(path)
			if err == nil {
				t.Fatalf("Expected error for %s", tt.name)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    CheckpointFormat
		wantExt string
		wantErr bool
	}{
		{"json", FormatJSON, ".json", false},
		{"JSON", FormatJSON, ".json", false},
		{"proto", FormatProto, ".pb", false},
		{"protobuf", FormatProto, ".pb", false},
		{"onnx", 0, "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.input, err)
			continue
		}
		if got != tt.want || got.Extension() != tt.wantExt {
			t.Errorf("%q: expected %s (%s), got %s (%s)", tt.input, tt.want, tt.wantExt, got, got.Extension())
		}
	}
}
