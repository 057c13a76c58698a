package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/accent-net/layers"
)

// truncatedStd corrects a normal truncated at two standard deviations back
// to unit variance.
const truncatedStd = 0.87962566103423978

// initialize fills t according to init. fanIn and fanOut follow the
// receptive-field convention for convolution kernels.
func initialize(t *Tensor, init layers.Initializer, fanIn, fanOut int, rng *rand.Rand) error {
	switch init {
	case layers.Zeros:
		t.Zero()
	case layers.LeCunNormal:
		std := math.Sqrt(1/float64(fanIn)) / truncatedStd
		for i := range t.Data {
			t.Data[i] = truncatedNormal(rng) * std
		}
	case layers.GlorotUniform:
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		for i := range t.Data {
			t.Data[i] = (rng.Float64()*2 - 1) * limit
		}
	case layers.Orthogonal:
		if len(t.Shape) != 2 {
			return fmt.Errorf("orthogonal init needs a matrix, got %v", t.Shape)
		}
		orthogonalRows(t, rng)
	default:
		return fmt.Errorf("unsupported initializer %q", init)
	}
	return nil
}

func truncatedNormal(rng *rand.Rand) float64 {
	for {
		x := rng.NormFloat64()
		if x >= -2 && x <= 2 {
			return x
		}
	}
}

// orthogonalRows fills a rows x cols matrix (rows <= cols) with orthonormal
// rows via Gram-Schmidt on gaussian samples. Taller matrices get
// orthonormal columns instead.
func orthogonalRows(t *Tensor, rng *rand.Rand) {
	rows, cols := t.Shape[0], t.Shape[1]
	n, m := rows, cols
	transpose := rows > cols
	if transpose {
		n, m = cols, rows
	}

	vecs := make([][]float64, n)
	for i := 0; i < n; i++ {
		for {
			v := make([]float64, m)
			for k := range v {
				v[k] = rng.NormFloat64()
			}
			for _, q := range vecs[:i] {
				d := dot(v, q)
				for k := range v {
					v[k] -= d * q[k]
				}
			}
			norm := math.Sqrt(dot(v, v))
			if norm > 1e-10 {
				for k := range v {
					v[k] /= norm
				}
				vecs[i] = v
				break
			}
		}
	}

	for i := 0; i < n; i++ {
		for k := 0; k < m; k++ {
			if transpose {
				t.Data[k*cols+i] = vecs[i][k]
			} else {
				t.Data[i*cols+k] = vecs[i][k]
			}
		}
	}
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
