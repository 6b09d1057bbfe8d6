package tri

import (
	"fmt"
	"math"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

// subtractProduct computes s -= a * b^T.
func subtractProduct(s, a, b *blockstore.Block) {
	blas64.Gemm(blas.NoTrans, blas.Trans, -1, a.General(), b.General(), 1, s.General())
}

// solveRight overwrites s with X where X * L^T = s.
func solveRight(s, l *blockstore.Block) {
	blas64.Trsm(blas.Right, blas.Trans, 1, l.Lower(), s.General())
}

// diagScale is the mean absolute diagonal, bounded away from zero.
func diagScale(s *blockstore.Block) float64 {
	var sum float64
	for i := 0; i < s.Rows; i++ {
		sum += math.Abs(s.At(i, i))
	}
	scale := sum / float64(s.Rows)
	if scale < 1e-300 || math.IsNaN(scale) {
		scale = 1e-300
	}
	return scale
}

// tryCholesky factors s + ridge*I into work. It fails when potrf fails or
// any pivot L_ii^2 is at most tol*scale.
func tryCholesky(s *blockstore.Block, work []float64, ridge, tol, scale float64) bool {
	n := s.Rows
	copy(work, s.Data)
	for i := 0; i < n; i++ {
		work[i*n+i] += ridge
	}
	if _, ok := lapack64.Potrf(blas64.Symmetric{Uplo: blas.Lower, N: n, Data: work, Stride: n}); !ok {
		return false
	}
	for i := 0; i < n; i++ {
		d := work[i*n+i]
		if math.IsNaN(d) || d*d <= tol*scale {
			return false
		}
	}
	return true
}

// factorDiagonal replaces the symmetric block s with its lower Cholesky
// factor. When s is not numerically positive definite a ridge growing from
// opts.Ridge*scale is added to the diagonal. It returns the ridge used and
// the number of ridge attempts (zero when none was needed).
func factorDiagonal(s *blockstore.Block, opts Options) (float64, int, error) {
	n := s.Rows
	if n != s.Cols {
		return 0, 0, fmt.Errorf("diagonal block is %dx%d", s.Rows, s.Cols)
	}
	scale := diagScale(s)
	work := make([]float64, len(s.Data))

	ridge, attempts := 0.0, 0
	ok := tryCholesky(s, work, 0, opts.PivotTolerance, scale)
	for r := opts.Ridge * scale; !ok && attempts < opts.MaxRidgeAttempts; r *= opts.RidgeGrowth {
		attempts++
		ridge = r
		ok = tryCholesky(s, work, r, opts.PivotTolerance, scale)
	}
	if !ok {
		return ridge, attempts, ErrFactorizationFailed
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			work[i*n+j] = 0
		}
	}
	s.Data = work
	s.Layout = blockstore.LayoutLowerPacked
	s.Ridge = ridge
	return ridge, attempts, nil
}
