package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/accent-net/errs"
)

// ClassWeights returns w_c = N / (K * n_c) for label counts n, where N is the
// total count and K the number of labels. A balanced histogram gives every
// label weight 1.
func ClassWeights(counts []int) ([]float64, error) {
	if len(counts) == 0 {
		return nil, errs.Configurationf(errs.StageConfig, "no labels to weight")
	}
	total := 0
	for i, n := range counts {
		if n < 0 {
			return nil, errs.Configurationf(errs.StageConfig, "label %d has negative count %d", i, n)
		}
		if n == 0 {
			return nil, errors.Wrapf(errs.ErrZeroClassCount, "label %d", i)
		}
		total += n
	}

	k := float64(len(counts))
	weights := make([]float64, len(counts))
	for i, n := range counts {
		weights[i] = float64(total) / (k * float64(n))
	}
	return weights, nil
}
