package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/accent-net/layers"
)

// SELU constants from Klambauer et al.
const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

// activate applies act in place on rows of width n.
func activate(act layers.Activation, data []float64, n int) error {
	switch act {
	case layers.Linear, "":
	case layers.SELU:
		for i, x := range data {
			if x > 0 {
				data[i] = seluScale * x
			} else {
				data[i] = seluScale * seluAlpha * (math.Exp(x) - 1)
			}
		}
	case layers.Softmax:
		for start := 0; start < len(data); start += n {
			softmaxRow(data[start : start+n])
		}
	default:
		return fmt.Errorf("unsupported activation %q", act)
	}
	return nil
}

// activationGrad turns grad (dL/dy) into dL/dz in place, given outputs y.
func activationGrad(act layers.Activation, y, grad []float64, n int) {
	switch act {
	case layers.SELU:
		for i, v := range y {
			if v > 0 {
				grad[i] *= seluScale
			} else {
				// y = s*a*(e^z - 1)  =>  dy/dz = y + s*a
				grad[i] *= v + seluScale*seluAlpha
			}
		}
	case layers.Softmax:
		for start := 0; start < len(y); start += n {
			row, g := y[start:start+n], grad[start:start+n]
			dot := 0.0
			for j := range row {
				dot += row[j] * g[j]
			}
			for j := range row {
				g[j] = row[j] * (g[j] - dot)
			}
		}
	}
}

func softmaxRow(row []float64) {
	hi := math.Inf(-1)
	for _, v := range row {
		if v > hi {
			hi = v
		}
	}
	sum := 0.0
	for j, v := range row {
		e := math.Exp(v - hi)
		row[j] = e
		sum += e
	}
	for j := range row {
		row[j] /= sum
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
