// Package models assembles the three accent classifiers from the layer
// stacks in package layers.
package models

import (
	"sort"

	"github.com/tsawler/accent-net/errs"
	"github.com/tsawler/accent-net/layers"
)

// Architecture names.
const (
	NameCNN       = "cnn"
	NameBiLSTM    = "bilstm"
	NameCNNBiLSTM = "cnn_bilstm"
)

// Architecture is a named, ordered layer schema. InputShape excludes the
// batch axis and may be nil for the recurrent model until bound.
type Architecture struct {
	Name       string
	InputShape []int
	NumLabels  int
	Layers     []layers.LayerSpec
}

type options struct {
	pool layers.PoolOp
}

// Option tunes architecture construction.
type Option func(*options)

// WithDepthPool selects the global depth pooling operator (max by default).
func WithDepthPool(op layers.PoolOp) Option {
	return func(o *options) { o.pool = op }
}

func buildOptions(opts []Option) options {
	o := options{pool: layers.PoolMax}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type constructor func(inputShape []int, numLabels int, o options) (*Architecture, error)

var registry = map[string]constructor{
	NameCNN: func(in []int, n int, o options) (*Architecture, error) {
		return cnn(in, n, o)
	},
	NameBiLSTM: func(in []int, n int, _ options) (*Architecture, error) {
		return BiLSTM(n).WithInputShape(in), nil
	},
	NameCNNBiLSTM: func(in []int, n int, o options) (*Architecture, error) {
		return cnnBiLSTM(in, n, o)
	},
}

// Names lists the recognised architecture names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named architecture. Unknown names fail before any
// layer is built.
func Build(name string, inputShape []int, numLabels int, opts ...Option) (*Architecture, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errs.Configurationf(errs.StageConfig, "unknown architecture %q (expected one of %v)", name, Names())
	}
	if numLabels < 1 {
		return nil, errs.Configurationf(errs.StageConfig, "label count must be positive, got %d", numLabels)
	}
	if len(inputShape) != 2 || inputShape[0] <= 0 || inputShape[1] <= 0 {
		return nil, errs.Configurationf(errs.StageConfig, "input shape must be (T, F) with positive sizes, got %v", inputShape)
	}
	return ctor(inputShape, numLabels, buildOptions(opts))
}

// CNN is the convolutional classifier: conv stack, flatten and a dense
// softmax head.
func CNN(inputShape []int, numLabels int, opts ...Option) (*Architecture, error) {
	return cnn(inputShape, numLabels, buildOptions(opts))
}

func cnn(inputShape []int, numLabels int, o options) (*Architecture, error) {
	stack, err := layers.ConvStack(inputShape, o.pool)
	if err != nil {
		return nil, err
	}
	specs := append(stack,
		layers.FlattenSpec("flatten"),
		layers.DenseSpec(numLabels, layers.Softmax, "dense"),
	)
	return &Architecture{
		Name:       NameCNN,
		InputShape: append([]int(nil), inputShape...),
		NumLabels:  numLabels,
		Layers:     specs,
	}, nil
}

// BiLSTM is the recurrent classifier over pre-shaped (T, F) sequences.
func BiLSTM(numLabels int) *Architecture {
	return &Architecture{
		Name:      NameBiLSTM,
		NumLabels: numLabels,
		Layers:    layers.RecurrentStack(numLabels),
	}
}

// CNNBiLSTM feeds the depth-pooled convolutional output to the recurrent
// stack as a time series.
func CNNBiLSTM(inputShape []int, numLabels int, opts ...Option) (*Architecture, error) {
	return cnnBiLSTM(inputShape, numLabels, buildOptions(opts))
}

func cnnBiLSTM(inputShape []int, numLabels int, o options) (*Architecture, error) {
	stack, err := layers.ConvStack(inputShape, o.pool)
	if err != nil {
		return nil, err
	}
	return &Architecture{
		Name:       NameCNNBiLSTM,
		InputShape: append([]int(nil), inputShape...),
		NumLabels:  numLabels,
		Layers:     append(stack, layers.RecurrentStack(numLabels)...),
	}, nil
}

// WithInputShape returns a copy bound to inputShape.
func (a *Architecture) WithInputShape(inputShape []int) *Architecture {
	c := *a
	c.InputShape = append([]int(nil), inputShape...)
	c.Layers = append([]layers.LayerSpec(nil), a.Layers...)
	return &c
}

// Compile infers shapes and parameter counts for the bound input shape.
func (a *Architecture) Compile() (*layers.ModelSpec, error) {
	if a.InputShape == nil {
		return nil, errs.Configurationf(errs.StageCompile, "architecture %q has no input shape", a.Name)
	}
	spec, err := layers.NewModelBuilder(a.Name, a.InputShape).AddLayers(a.Layers...).Compile()
	if err != nil {
		return nil, err
	}
	if len(spec.OutputShape) != 1 || spec.OutputShape[0] != a.NumLabels {
		return nil, errs.Configurationf(errs.StageCompile, "architecture %q emits %v, expected (%d)", a.Name, spec.OutputShape, a.NumLabels)
	}
	return spec, nil
}
