package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/accent-net/errs"
)

// LayerType represents the kind of a network layer. The set is closed: every
// switch over LayerType in this module is exhaustive.
type LayerType int

const (
	Reshape LayerType = iota
	Conv2D
	MaxPool2D
	DepthPool
	Flatten
	BiLSTM
	Dense
)

func (lt LayerType) String() string {
	switch lt {
	case Reshape:
		return "Reshape"
	case Conv2D:
		return "Conv2D"
	case MaxPool2D:
		return "MaxPool2D"
	case DepthPool:
		return "GlobalDepthPool"
	case Flatten:
		return "Flatten"
	case BiLSTM:
		return "Bidirectional(LSTM)"
	case Dense:
		return "Dense"
	default:
		return "Unknown"
	}
}

// Activation names an element-wise output activation.
type Activation string

const (
	Linear  Activation = "linear"
	SELU    Activation = "selu"
	Softmax Activation = "softmax"
)

// Initializer names a weight initialisation scheme.
type Initializer string

const (
	LeCunNormal   Initializer = "lecun_normal"
	GlorotUniform Initializer = "glorot_uniform"
	Orthogonal    Initializer = "orthogonal"
	Zeros         Initializer = "zeros"
)

// PoolOp is the reduction used by the global depth pool.
type PoolOp string

const (
	PoolMax PoolOp = "max"
	PoolAvg PoolOp = "avg"
)

// ParsePoolOp validates a pooling operator name.
func ParsePoolOp(name string) (PoolOp, error) {
	switch PoolOp(strings.ToLower(name)) {
	case PoolMax:
		return PoolMax, nil
	case PoolAvg:
		return PoolAvg, nil
	default:
		return "", errs.Configurationf(errs.StageCompile, "unknown pooling operator %q (expected max or avg)", name)
	}
}

// Penalty is a combined L1 + L2 weight penalty: L1*sum|w| + L2*sum(w^2).
type Penalty struct {
	L1 float64 `json:"l1"`
	L2 float64 `json:"l2"`
}

// IsZero reports whether the penalty contributes nothing.
func (p Penalty) IsZero() bool { return p.L1 == 0 && p.L2 == 0 }

// ReshapeParams reshapes the per-sample tensor to TargetShape.
type ReshapeParams struct {
	TargetShape []int `json:"target_shape"`
}

// Conv2DParams describes a stride-1 convolution over (H, W, C) input.
type Conv2DParams struct {
	Filters           int         `json:"filters"`
	KernelSize        int         `json:"kernel_size"`
	Padding           string      `json:"padding"`
	Activation        Activation  `json:"activation"`
	KernelInitializer Initializer `json:"kernel_initializer"`
	KernelPenalty     Penalty     `json:"kernel_penalty"`
}

// MaxPool2DParams pools with stride equal to the pool size and valid padding.
type MaxPool2DParams struct {
	PoolSize [2]int `json:"pool_size"`
}

// DepthPoolParams reduces the trailing channel axis.
type DepthPoolParams struct {
	Op PoolOp `json:"op"`
}

// BiLSTMParams describes a bidirectional LSTM whose two directions are
// concatenated on the feature axis.
type BiLSTMParams struct {
	Units            int     `json:"units"`
	ReturnSequences  bool    `json:"return_sequences"`
	Dropout          float64 `json:"dropout"`
	RecurrentDropout float64 `json:"recurrent_dropout"`
	KernelPenalty    Penalty `json:"kernel_penalty"`
	RecurrentPenalty Penalty `json:"recurrent_penalty"`
	BiasPenalty      Penalty `json:"bias_penalty"`
}

// DenseParams describes a fully connected layer over rank-1 input.
type DenseParams struct {
	Units      int        `json:"units"`
	Activation Activation `json:"activation"`
}

// LayerSpec is pure configuration for one layer. Exactly one parameter block
// matching Type is set; Flatten carries none.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	Reshape   *ReshapeParams   `json:"reshape,omitempty"`
	Conv2D    *Conv2DParams    `json:"conv2d,omitempty"`
	MaxPool2D *MaxPool2DParams `json:"max_pool2d,omitempty"`
	DepthPool *DepthPoolParams `json:"depth_pool,omitempty"`
	BiLSTM    *BiLSTMParams    `json:"bilstm,omitempty"`
	Dense     *DenseParams     `json:"dense,omitempty"`

	// Shape information (computed during model compilation), batch axis excluded
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// Validate checks that the parameter block matches the layer type.
func (ls LayerSpec) Validate() error {
	set := 0
	for _, p := range []bool{ls.Reshape != nil, ls.Conv2D != nil, ls.MaxPool2D != nil,
		ls.DepthPool != nil, ls.BiLSTM != nil, ls.Dense != nil} {
		if p {
			set++
		}
	}

	var ok bool
	switch ls.Type {
	case Reshape:
		ok = ls.Reshape != nil
	case Conv2D:
		ok = ls.Conv2D != nil
	case MaxPool2D:
		ok = ls.MaxPool2D != nil
	case DepthPool:
		ok = ls.DepthPool != nil
	case Flatten:
		ok = set == 0
	case BiLSTM:
		ok = ls.BiLSTM != nil
	case Dense:
		ok = ls.Dense != nil
	default:
		return errs.Configurationf(errs.StageCompile, "layer %q has unknown type %d", ls.Name, int(ls.Type))
	}
	if !ok || set > 1 {
		return errs.Configurationf(errs.StageCompile, "layer %q (%s) has mismatched parameters", ls.Name, ls.Type)
	}

	if ls.DepthPool != nil {
		if _, err := ParsePoolOp(string(ls.DepthPool.Op)); err != nil {
			return err
		}
	}
	return nil
}

// ModelSpec defines a complete network as layer configuration.
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape excludes the batch axis.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
	}
}

// AddLayer appends a layer spec.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddLayers appends several layer specs in order.
func (mb *ModelBuilder) AddLayers(specs ...LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, specs...)
	return mb
}

// AddFlatten appends a flatten layer.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(FlattenSpec(name))
}

// AddDense appends a dense layer.
func (mb *ModelBuilder) AddDense(units int, activation Activation, name string) *ModelBuilder {
	return mb.AddLayer(DenseSpec(units, activation, name))
}

// Compile validates every layer and infers shapes and parameter counts.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errs.Configurationf(errs.StageCompile, "cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, errs.Configurationf(errs.StageCompile, "model %q has no input shape", mb.name)
	}
	for _, d := range mb.inputShape {
		if d <= 0 {
			return nil, errs.Configurationf(errs.StageCompile, "invalid input shape %v", mb.inputShape)
		}
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if err := layer.Validate(); err != nil {
			return nil, err
		}

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errs.Wrapf(errs.Configuration, errs.StageCompile, err, "layer %d (%s)", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func computeLayerInfo(layer *LayerSpec, in []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Reshape:
		target := layer.Reshape.TargetShape
		if product(target) != product(in) {
			return nil, nil, 0, fmt.Errorf("cannot reshape %v into %v", in, target)
		}
		return append([]int(nil), target...), nil, 0, nil

	case Conv2D:
		p := layer.Conv2D
		if len(in) != 3 {
			return nil, nil, 0, fmt.Errorf("conv2d expects (H, W, C) input, got %v", in)
		}
		if p.Filters <= 0 || p.KernelSize <= 0 {
			return nil, nil, 0, fmt.Errorf("conv2d needs positive filters and kernel size")
		}
		h, w := in[0], in[1]
		switch p.Padding {
		case "same":
		case "valid":
			h, w = h-p.KernelSize+1, w-p.KernelSize+1
			if h <= 0 || w <= 0 {
				return nil, nil, 0, fmt.Errorf("kernel %d larger than input %v", p.KernelSize, in)
			}
		default:
			return nil, nil, 0, fmt.Errorf("unknown padding %q", p.Padding)
		}
		kernel := []int{p.KernelSize, p.KernelSize, in[2], p.Filters}
		bias := []int{p.Filters}
		return []int{h, w, p.Filters}, [][]int{kernel, bias}, int64(product(kernel) + p.Filters), nil

	case MaxPool2D:
		ph, pw := layer.MaxPool2D.PoolSize[0], layer.MaxPool2D.PoolSize[1]
		if len(in) != 3 {
			return nil, nil, 0, fmt.Errorf("max pooling expects (H, W, C) input, got %v", in)
		}
		if ph <= 0 || pw <= 0 {
			return nil, nil, 0, fmt.Errorf("invalid pool size %v", layer.MaxPool2D.PoolSize)
		}
		h, w := in[0]/ph, in[1]/pw
		if h == 0 || w == 0 {
			return nil, nil, 0, fmt.Errorf("pool size %v collapses input %v", layer.MaxPool2D.PoolSize, in)
		}
		return []int{h, w, in[2]}, nil, 0, nil

	case DepthPool:
		if len(in) < 2 {
			return nil, nil, 0, fmt.Errorf("depth pooling needs a channel axis, got %v", in)
		}
		return append([]int(nil), in[:len(in)-1]...), nil, 0, nil

	case Flatten:
		return []int{product(in)}, nil, 0, nil

	case BiLSTM:
		p := layer.BiLSTM
		if len(in) != 2 {
			return nil, nil, 0, fmt.Errorf("recurrent layer expects (T, D) input, got %v", in)
		}
		if p.Units <= 0 {
			return nil, nil, 0, fmt.Errorf("recurrent layer needs positive units")
		}
		if p.Dropout < 0 || p.Dropout >= 1 || p.RecurrentDropout < 0 || p.RecurrentDropout >= 1 {
			return nil, nil, 0, fmt.Errorf("dropout rates must be in [0, 1)")
		}
		d, u := in[1], p.Units
		var shapes [][]int
		for dir := 0; dir < 2; dir++ {
			shapes = append(shapes, []int{d, 4 * u}, []int{u, 4 * u}, []int{4 * u})
		}
		count := int64(2 * 4 * u * (d + u + 1))
		if p.ReturnSequences {
			return []int{in[0], 2 * u}, shapes, count, nil
		}
		return []int{2 * u}, shapes, count, nil

	case Dense:
		p := layer.Dense
		if len(in) != 1 {
			return nil, nil, 0, fmt.Errorf("dense expects rank-1 input, got %v", in)
		}
		if p.Units <= 0 {
			return nil, nil, 0, fmt.Errorf("dense needs positive units")
		}
		return []int{p.Units}, [][]int{{in[0], p.Units}, {p.Units}}, int64(in[0]*p.Units + p.Units), nil

	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// Summary renders a Keras-style table of the compiled model.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %q\n", ms.Name)
	fmt.Fprintf(&b, "%-28s %-24s %-16s %s\n", "Layer (type)", "Kind", "Output Shape", "Param #")
	b.WriteString(strings.Repeat("=", 80) + "\n")
	for _, layer := range ms.Layers {
		fmt.Fprintf(&b, "%-28s %-24s %-16s %d\n",
			layer.Name, layer.Type.String(), shapeString(layer.OutputShape), layer.ParameterCount)
	}
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "Input shape: %s\n", shapeString(ms.InputShape))
	fmt.Fprintf(&b, "Total params: %d\n", ms.TotalParameters)
	return b.String()
}

func shapeString(shape []int) string {
	parts := make([]string, 0, len(shape)+1)
	parts = append(parts, "None")
	for _, d := range shape {
		parts = append(parts, fmt.Sprint(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func product(shape []int) int {
	p := 1
	for _, d := range shape {
		p *= d
	}
	return p
}
