package layers

import "fmt"

// DefaultPenalty is the L1+L2 penalty on every convolution kernel and on
// the kernel, recurrent and bias weights of every recurrent block.
var DefaultPenalty = Penalty{L1: 0.02, L2: 0.03}

const (
	// RecurrentUnits is the unit count of each direction of a recurrent block.
	RecurrentUnits = 36
	// InputDropout is the dropout rate on the inputs of a recurrent block.
	InputDropout = 0.2
	// RecurrentDropout is the dropout rate on the recurrent state.
	RecurrentDropout = 0.4
)

// ReshapeSpec creates a reshape layer specification
func ReshapeSpec(target []int, name string) LayerSpec {
	return LayerSpec{
		Type:    Reshape,
		Name:    name,
		Reshape: &ReshapeParams{TargetShape: append([]int(nil), target...)},
	}
}

// Conv2DSpec creates a same-padded SELU convolution with LeCun normal
// kernels and the default L1+L2 kernel penalty.
func Conv2DSpec(filters, kernelSize int, name string) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Conv2D: &Conv2DParams{
			Filters:           filters,
			KernelSize:        kernelSize,
			Padding:           "same",
			Activation:        SELU,
			KernelInitializer: LeCunNormal,
			KernelPenalty:     DefaultPenalty,
		},
	}
}

// MaxPool2DSpec creates a max pooling layer specification
func MaxPool2DSpec(poolH, poolW int, name string) LayerSpec {
	return LayerSpec{
		Type:      MaxPool2D,
		Name:      name,
		MaxPool2D: &MaxPool2DParams{PoolSize: [2]int{poolH, poolW}},
	}
}

// DepthPoolSpec creates a global depth pool specification
func DepthPoolSpec(op PoolOp, name string) LayerSpec {
	return LayerSpec{
		Type:      DepthPool,
		Name:      name,
		DepthPool: &DepthPoolParams{Op: op},
	}
}

// FlattenSpec creates a flatten layer specification
func FlattenSpec(name string) LayerSpec {
	return LayerSpec{Type: Flatten, Name: name}
}

// BiLSTMSpec creates a bidirectional LSTM with the default penalties on
// kernel, recurrent and bias weights.
func BiLSTMSpec(units int, returnSequences bool, name string) LayerSpec {
	return LayerSpec{
		Type: BiLSTM,
		Name: name,
		BiLSTM: &BiLSTMParams{
			Units:            units,
			ReturnSequences:  returnSequences,
			Dropout:          InputDropout,
			RecurrentDropout: RecurrentDropout,
			KernelPenalty:    DefaultPenalty,
			RecurrentPenalty: DefaultPenalty,
			BiasPenalty:      DefaultPenalty,
		},
	}
}

// DenseSpec creates a dense layer specification
func DenseSpec(units int, activation Activation, name string) LayerSpec {
	return LayerSpec{
		Type:  Dense,
		Name:  name,
		Dense: &DenseParams{Units: units, Activation: activation},
	}
}

// ConvStack returns the convolutional feature extractor for a (T, F)
// feature matrix: a channel axis is added, then conv 32/5, pool, conv 64/3,
// pool, conv 64/3 and a global depth pool. Pooling halves only the time
// axis, so the result is a (T/4, F) time series.
func ConvStack(inputShape []int, op PoolOp) ([]LayerSpec, error) {
	op, err := ParsePoolOp(string(op))
	if err != nil {
		return nil, err
	}
	target := append(append([]int(nil), inputShape...), 1)

	return []LayerSpec{
		ReshapeSpec(target, "reshape"),
		Conv2DSpec(32, 5, "conv2d_1"),
		MaxPool2DSpec(2, 1, "max_pooling2d_1"),
		Conv2DSpec(64, 3, "conv2d_2"),
		MaxPool2DSpec(2, 1, "max_pooling2d_2"),
		Conv2DSpec(64, 3, "conv2d_3"),
		DepthPoolSpec(op, fmt.Sprintf("global_depth_%s_pool", op)),
	}, nil
}

// RecurrentStack returns three stacked bidirectional LSTMs followed by the
// softmax head over numLabels classes.
func RecurrentStack(numLabels int) []LayerSpec {
	return []LayerSpec{
		BiLSTMSpec(RecurrentUnits, true, "bidirectional_1"),
		BiLSTMSpec(RecurrentUnits, true, "bidirectional_2"),
		BiLSTMSpec(RecurrentUnits, false, "bidirectional_3"),
		DenseSpec(numLabels, Softmax, "dense"),
	}
}
