package layers_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/accent-net/errs"
	"github.com/tsawler/accent-net/layers"
)

func TestConvStackCompiles(t *testing.T) {
	stack, err := layers.ConvStack([]int{40, 13}, layers.PoolMax)
	if err != nil {
		t.Fatalf("Failed to build conv stack: %v", err)
	}
	if len(stack) != 7 {
		t.Fatalf("Expected 7 layers, got %d", len(stack))
	}

	model, err := layers.NewModelBuilder("conv", []int{40, 13}).
		AddLayers(stack...).
		AddFlatten("flatten").
		AddDense(5, layers.Softmax, "dense").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	expected := [][]int{
		{40, 13, 1},
		{40, 13, 32},
		{20, 13, 32},
		{20, 13, 64},
		{10, 13, 64},
		{10, 13, 64},
		{10, 13},
		{130},
		{5},
	}
	for i, layer := range model.Layers {
		if !reflect.DeepEqual(layer.OutputShape, expected[i]) {
			t.Errorf("Layer %d (%s): expected output %v, got %v", i, layer.Name, expected[i], layer.OutputShape)
		}
	}

	// conv 5*5*1*32+32, conv 3*3*32*64+64, conv 3*3*64*64+64, dense 130*5+5
	want := int64(832 + 18496 + 36928 + 655)
	if model.TotalParameters != want {
		t.Errorf("Expected %d parameters, got %d", want, model.TotalParameters)
	}
}

func TestConvStackIsDeterministic(t *testing.T) {
	a, err := layers.ConvStack([]int{16, 8}, layers.PoolAvg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := layers.ConvStack([]int{16, 8}, layers.PoolAvg)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("Expected identical layer lists for identical inputs")
	}
	if layers.RecurrentStack(3)[3].Dense.Units != 3 {
		t.Error("Expected head width to equal label count")
	}
}

func TestConvLayerSettings(t *testing.T) {
	stack, err := layers.ConvStack([]int{16, 8}, layers.PoolMax)
	if err != nil {
		t.Fatal(err)
	}
	for _, layer := range stack {
		switch layer.Type {
		case layers.Conv2D:
			p := layer.Conv2D
			if p.Activation != layers.SELU || p.KernelInitializer != layers.LeCunNormal || p.Padding != "same" {
				t.Errorf("Layer %s: unexpected conv settings %+v", layer.Name, p)
			}
			if p.KernelPenalty != (layers.Penalty{L1: 0.02, L2: 0.03}) {
				t.Errorf("Layer %s: unexpected penalty %+v", layer.Name, p.KernelPenalty)
			}
		case layers.MaxPool2D:
			if layer.MaxPool2D.PoolSize != [2]int{2, 1} {
				t.Errorf("Layer %s: expected time-only pooling, got %v", layer.Name, layer.MaxPool2D.PoolSize)
			}
		}
	}
}

func TestRecurrentStackSettings(t *testing.T) {
	stack := layers.RecurrentStack(4)
	returns := []bool{true, true, false}
	for i := 0; i < 3; i++ {
		p := stack[i].BiLSTM
		if p == nil {
			t.Fatalf("Layer %d: expected a recurrent block", i)
		}
		if p.Units != 36 || p.Dropout != 0.2 || p.RecurrentDropout != 0.4 {
			t.Errorf("Layer %d: unexpected recurrent settings %+v", i, p)
		}
		if p.ReturnSequences != returns[i] {
			t.Errorf("Layer %d: expected return sequences %v", i, returns[i])
		}
		for _, pen := range []layers.Penalty{p.KernelPenalty, p.RecurrentPenalty, p.BiasPenalty} {
			if pen != layers.DefaultPenalty {
				t.Errorf("Layer %d: unexpected penalty %+v", i, pen)
			}
		}
	}

	model, err := layers.NewModelBuilder("rnn", []int{12, 6}).AddLayers(stack...).Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	if !reflect.DeepEqual(model.OutputShape, []int{4}) {
		t.Errorf("Expected output [4], got %v", model.OutputShape)
	}
	// first block: 2 * 4*36*(6+36+1)
	if model.Layers[0].ParameterCount != 12384 {
		t.Errorf("Expected 12384 parameters, got %d", model.Layers[0].ParameterCount)
	}
	if len(model.Layers[0].ParameterShapes) != 6 {
		t.Errorf("Expected 6 parameter tensors, got %d", len(model.Layers[0].ParameterShapes))
	}
}

func TestParsePoolOp(t *testing.T) {
	tests := []struct {
		name    string
		want    layers.PoolOp
		wantErr bool
	}{
		{"max", layers.PoolMax, false},
		{"avg", layers.PoolAvg, false},
		{"MAX", layers.PoolMax, false},
		{"median", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := layers.ParsePoolOp(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: expected error %v, got %v", tt.name, tt.wantErr, err)
			continue
		}
		if tt.wantErr && !errs.Is(err, errs.Configuration) {
			t.Errorf("%q: expected ConfigurationError, got %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%q: expected %q, got %q", tt.name, tt.want, got)
		}
	}

	if _, err := layers.ConvStack([]int{8, 8}, "median"); !errs.Is(err, errs.Configuration) {
		t.Errorf("Expected ConfigurationError from conv stack, got %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []int
		specs   []layers.LayerSpec
		message string
	}{
		{"empty", []int{4, 4}, nil, "empty model"},
		{"bad reshape", []int{4, 4}, []layers.LayerSpec{layers.ReshapeSpec([]int{5, 4, 1}, "r")}, "cannot reshape"},
		{"dense on rank 2", []int{4, 4}, []layers.LayerSpec{layers.DenseSpec(3, layers.Softmax, "d")}, "rank-1"},
		{"pool collapses", []int{1, 4, 2}, []layers.LayerSpec{layers.MaxPool2DSpec(2, 1, "p")}, "collapses"},
		{"mismatched params", []int{4, 4}, []layers.LayerSpec{{Type: layers.Dense, Name: "d"}}, "mismatched"},
		{"bad depth op", []int{4, 4, 2}, []layers.LayerSpec{layers.DepthPoolSpec("sum", "g")}, "pooling operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := layers.NewModelBuilder(tt.name, tt.input).AddLayers(tt.specs...).Compile()
			if err == nil {
				t.Fatal("Expected compile error")
			}
			if !errs.Is(err, errs.Configuration) {
				t.Errorf("Expected ConfigurationError, got %v", err)
			}
			if errs.StageOf(err) != errs.StageCompile {
				t.Errorf("Expected compile stage, got %q", errs.StageOf(err))
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Expected %q in %q", tt.message, err.Error())
			}
		})
	}
}

func TestSummary(t *testing.T) {
	model, err := layers.NewModelBuilder("tiny", []int{6}).AddDense(2, layers.Softmax, "dense").Compile()
	if err != nil {
		t.Fatal(err)
	}
	summary := model.Summary()
	for _, want := range []string{`Model: "tiny"`, "dense", "(None, 2)", "Total params: 14"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Expected %q in summary:\n%s", want, summary)
		}
	}

	var uncompiled layers.ModelSpec
	if uncompiled.Summary() != "Model not compiled" {
		t.Error("Expected placeholder for uncompiled model")
	}
}
