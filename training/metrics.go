package training

import (
	"fmt"

	"github.com/tsawler/accent-net/engine"
)

// Metric names as they appear in epoch logs, history keys and checkpoint
// file names. Validation variants carry the "val_" prefix.
const (
	MetricLoss     = "loss"
	MetricAccuracy = "accuracy"
	MetricMacroF1  = "macro_f1"
)

// Direction says which way a metric improves.
type Direction int

const (
	Minimize Direction = iota
	Maximize
)

func (d Direction) String() string {
	if d == Minimize {
		return "min"
	}
	return "max"
}

var metricDirections = map[string]Direction{
	MetricLoss:     Minimize,
	MetricAccuracy: Maximize,
	MetricMacroF1:  Maximize,
}

// DirectionOf returns the improvement direction of a known metric.
func DirectionOf(metric string) (Direction, bool) {
	d, ok := metricDirections[metric]
	return d, ok
}

// ValidationKey returns the history key of a metric's validation variant.
func ValidationKey(metric string) string { return "val_" + metric }

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds the argmax predictions of probs (B, K) against labels.
func (cm *ConfusionMatrix) Update(probs *engine.Tensor, labels []int) error {
	if len(probs.Shape) != 2 || probs.Shape[1] != cm.NumClasses {
		return fmt.Errorf("predictions shape %v does not match %d classes", probs.Shape, cm.NumClasses)
	}
	if probs.Shape[0] != len(labels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", probs.Shape[0], len(labels))
	}
	for i, trueClass := range labels {
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][engine.Argmax(probs.Row(i))]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns overall classification accuracy
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// MacroPrecision averages per-class precision over classes that were
// predicted at least once.
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			if other != class {
				fp += float64(cm.Matrix[other][class])
			}
		}
		if tp+fp > 0 {
			sum += tp / (tp + fp)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// MacroRecall averages per-class recall over classes that occur.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fn := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			if other != class {
				fn += float64(cm.Matrix[class][other])
			}
		}
		if tp+fn > 0 {
			sum += tp / (tp + fn)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// MacroF1 is the harmonic mean of macro precision and macro recall.
func (cm *ConfusionMatrix) MacroF1() float64 {
	precision := cm.MacroPrecision()
	recall := cm.MacroRecall()
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// epochMeter accumulates the loss and predictions of one pass.
type epochMeter struct {
	lossSum   float64
	batches   int
	confusion *ConfusionMatrix
}

func newEpochMeter(numClasses int) *epochMeter {
	return &epochMeter{confusion: NewConfusionMatrix(numClasses)}
}

func (m *epochMeter) add(loss float64, probs *engine.Tensor, labels []int) error {
	m.lossSum += loss
	m.batches++
	return m.confusion.Update(probs, labels)
}

// values returns the mean batch loss and every known metric.
func (m *epochMeter) values() map[string]float64 {
	loss := 0.0
	if m.batches > 0 {
		loss = m.lossSum / float64(m.batches)
	}
	return map[string]float64{
		MetricLoss:     loss,
		MetricAccuracy: m.confusion.Accuracy(),
		MetricMacroF1:  m.confusion.MacroF1(),
	}
}
