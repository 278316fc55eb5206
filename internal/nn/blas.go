package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// general views a row-major rows x cols slice as a blas32 matrix.
func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = op(a) * op(b) + beta*c where op(a) is m x k and op(b) is
// k x n. a and b are stored row-major with their untransposed shapes.
func gemm(transA, transB bool, m, n, k int, a, b []float32, beta float32, c []float32) {
	tA, tB := blas.NoTrans, blas.NoTrans
	aRows, aCols := m, k
	if transA {
		tA = blas.Trans
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if transB {
		tB = blas.Trans
		bRows, bCols = n, k
	}
	blas32.Gemm(tA, tB, 1, general(aRows, aCols, a), general(bRows, bCols, b), beta, general(m, n, c))
}
