package tri

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

var ErrRankDeficient = errors.New("eigendecomposition: factors are rank deficient")

// Eigen is the eigendecomposition K = Vectors * diag(Values) * Vectors^T of
// a relationship matrix. Values are in descending order.
type Eigen struct {
	Values  []float64
	Vectors *mat.Dense
}

// Dim returns the number of samples.
func (e *Eigen) Dim() int { return len(e.Values) }

// Eigendecompose recovers the eigendecomposition of K = sum_c w_c L_c L_c^T
// from the Cholesky factors L_c without forming K: the factors are stacked
// side by side as [sqrt(w_1) L_1, ..., sqrt(w_C) L_C] and the thin SVD of
// that n x nC matrix gives the eigenvectors U and eigenvalues s^2. A nil
// weights slice weighs every factor by 1. The stack must have full row rank.
func Eigendecompose(ctx context.Context, factors []*blockstore.Store, weights []float64) (*Eigen, error) {
	if len(factors) == 0 {
		return nil, blockstore.Configf("factors", "need at least one factor")
	}
	if weights != nil && len(weights) != len(factors) {
		return nil, blockstore.Configf("weights", "%d weights for %d factors", len(weights), len(factors))
	}
	n := factors[0].Rows()
	for c, f := range factors {
		switch {
		case f.Kind() != blockstore.KindLowerTriangular:
			return nil, blockstore.Configf("factors", "%s is a %s matrix, expected %s", f.Name(), f.Kind(), blockstore.KindLowerTriangular)
		case !f.IsComplete():
			return nil, blockstore.Configf("factors", "%s has status %s, expected %s", f.Name(), f.Manifest().Status, blockstore.StatusComplete)
		case f.Rows() != n:
			return nil, blockstore.Configf("factors", "%s has %d rows, %s has %d", f.Name(), f.Rows(), factors[0].Name(), n)
		case weights != nil && !(weights[c] > 0):
			return nil, blockstore.Configf("weights", "weight %d is %g, must be positive", c, weights[c])
		}
	}
	start := time.Now()

	stack := mat.NewDense(n, n*len(factors), nil)
	for c, f := range factors {
		l, err := Assemble(ctx, f)
		if err != nil {
			return nil, err
		}
		w := 1.0
		if weights != nil {
			w = weights[c]
		}
		view := stack.Slice(0, n, c*n, (c+1)*n).(*mat.Dense)
		view.Scale(math.Sqrt(w), l)
	}

	var svd mat.SVD
	if !svd.Factorize(stack, mat.SVDThinU) {
		return nil, fmt.Errorf("eigendecomposition: SVD did not converge")
	}
	s := svd.Values(nil)
	rcond := float64(n*len(factors)) * 0x1p-52
	if r := svd.Rank(rcond); r < n {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrRankDeficient, r, n)
	}

	eig := &Eigen{Values: make([]float64, n), Vectors: new(mat.Dense)}
	for i, v := range s {
		eig.Values[i] = v * v
	}
	svd.UTo(eig.Vectors)

	log.Lvl1("Eigendecomposition of", len(factors), "factors (", n, "samples) done in", time.Since(start))
	return eig, nil
}
