package engine

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// general views data as a dense row-major rows x cols matrix.
func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes c = op(a) * op(b) + beta*c.
func gemm(transA, transB bool, a, b blas64.General, beta float64, c blas64.General) {
	blas64.Gemm(transpose(transA), transpose(transB), 1, a, b, beta, c)
}

// fillRows copies row into every row of the rows x len(row) matrix dst.
func fillRows(dst []float64, rows int, row []float64) {
	n := len(row)
	for r := 0; r < rows; r++ {
		copy(dst[r*n:(r+1)*n], row)
	}
}

// addColumnSums adds the column sums of the rows x len(dst) matrix m to dst.
func addColumnSums(dst []float64, m []float64, rows int) {
	n := len(dst)
	for r := 0; r < rows; r++ {
		for j, v := range m[r*n : (r+1)*n] {
			dst[j] += v
		}
	}
}
