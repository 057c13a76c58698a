package engine

import (
	"fmt"
	"math"
)

// probEpsilon clips probabilities before the logarithm.
const probEpsilon = 1e-7

// SparseCategoricalCrossEntropy computes the mean negative log-likelihood
// of integer labels under probs (B, K). classWeights, when non-nil, scales
// each sample's term by the weight of its label; the sum is divided by the
// batch size either way. The returned gradient is dL/dprobs.
func SparseCategoricalCrossEntropy(probs *Tensor, labels []int, classWeights []float64) (float64, *Tensor, error) {
	if len(probs.Shape) != 2 {
		return 0, nil, fmt.Errorf("expected (B, K) probabilities, got %v", probs.Shape)
	}
	batch, k := probs.Shape[0], probs.Shape[1]
	if len(labels) != batch {
		return 0, nil, fmt.Errorf("got %d labels for a batch of %d", len(labels), batch)
	}
	if classWeights != nil && len(classWeights) != k {
		return 0, nil, fmt.Errorf("got %d class weights for %d classes", len(classWeights), k)
	}

	grad := NewTensor(batch, k)
	loss := 0.0
	for b, y := range labels {
		if y < 0 || y >= k {
			return 0, nil, fmt.Errorf("label %d out of range [0, %d)", y, k)
		}
		w := 1.0
		if classWeights != nil {
			w = classWeights[y]
		}
		p := probs.Data[b*k+y]
		clipped := math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
		loss -= w * math.Log(clipped)
		if p == clipped {
			grad.Data[b*k+y] = -w / (clipped * float64(batch))
		}
	}
	return loss / float64(batch), grad, nil
}

// Accuracy returns the fraction of rows whose argmax equals the label.
func Accuracy(probs *Tensor, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for b, y := range labels {
		if Argmax(probs.Row(b)) == y {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// Argmax returns the index of the largest value, the first on ties.
func Argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// CheckFinite reports the first NaN or Inf in data.
func CheckFinite(name string, data []float64) error {
	for i, v := range data {
		if math.IsNaN(v) {
			return fmt.Errorf("%s: NaN at index %d", name, i)
		}
		if math.IsInf(v, 0) {
			return fmt.Errorf("%s: Inf at index %d", name, i)
		}
	}
	return nil
}
