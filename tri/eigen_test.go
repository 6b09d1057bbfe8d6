package tri

import (
	"context"
	"testing"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/sim"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func lowerStore(t *testing.T, l *mat.Dense, bs int, status blockstore.Status) *blockstore.Store {
	t.Helper()
	ctx := context.Background()
	n, _ := l.Dims()
	s, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "L", Kind: blockstore.KindLowerTriangular, Rows: n, Cols: n, BlockSize: bs,
	})
	require.NoError(t, err)
	require.NoError(t, blockstore.WriteDense(ctx, s, l))
	if status != blockstore.StatusInProgress {
		require.NoError(t, s.Finalize(ctx, status, nil))
	}
	return s
}

func reconstruct(e *Eigen) *mat.Dense {
	var vd, k mat.Dense
	vd.Mul(e.Vectors, mat.NewDiagDense(len(e.Values), e.Values))
	k.Mul(&vd, e.Vectors.T())
	return &k
}

func relDiff(got, want *mat.Dense) float64 {
	var d mat.Dense
	d.Sub(got, want)
	return mat.Norm(&d, 2) / mat.Norm(want, 2)
}

func TestEigendecomposeSingleFactor(t *testing.T) {
	ctx := context.Background()
	const n = 9
	in := symmetricStore(t, blockstore.NewMemBackend(), sim.NewPRG(4).SPDMatrix(n), 4)
	factor, _, err := factorize(t, in, blockstore.NewMemBackend(), 2)
	require.NoError(t, err)

	e, err := Eigendecompose(ctx, []*blockstore.Store{factor}, nil)
	require.NoError(t, err)
	require.Equal(t, n, e.Dim())
	for i := 1; i < n; i++ {
		require.GreaterOrEqual(t, e.Values[i-1], e.Values[i])
	}
	require.Positive(t, e.Values[n-1])

	l, err := Assemble(ctx, factor)
	require.NoError(t, err)
	var llt mat.Dense
	llt.Mul(l, l.T())
	require.Less(t, relDiff(reconstruct(e), &llt), 1e-10)

	var vtv mat.Dense
	vtv.Mul(e.Vectors.T(), e.Vectors)
	require.True(t, mat.EqualApprox(&vtv, identity(n), 1e-10))
}

func TestEigendecomposeWeightsFactors(t *testing.T) {
	ctx := context.Background()
	const n = 6
	prg := sim.NewPRG(8)
	var factors []*blockstore.Store
	var want mat.Dense
	weights := []float64{0.25, 0.75}
	for c, w := range weights {
		in := symmetricStore(t, blockstore.NewMemBackend(), prg.SPDMatrix(n), 4)
		f, _, err := factorize(t, in, blockstore.NewMemBackend(), 1)
		require.NoError(t, err)
		factors = append(factors, f)

		l, err := Assemble(ctx, f)
		require.NoError(t, err)
		var llt mat.Dense
		llt.Mul(l, l.T())
		llt.Scale(w, &llt)
		if c == 0 {
			want.CloneFrom(&llt)
		} else {
			want.Add(&want, &llt)
		}
	}

	e, err := Eigendecompose(ctx, factors, weights)
	require.NoError(t, err)
	require.Less(t, relDiff(reconstruct(e), &want), 1e-10)
}

func TestEigendecomposeRejections(t *testing.T) {
	ctx := context.Background()
	full := mat.NewDense(3, 3, []float64{
		2, 0, 0,
		1, 1, 0,
		0, 1, 3,
	})

	_, err := Eigendecompose(ctx, nil, nil)
	require.True(t, blockstore.IsConfigurationError(err))

	pending := lowerStore(t, full, 2, blockstore.StatusInProgress)
	_, err = Eigendecompose(ctx, []*blockstore.Store{pending}, nil)
	require.True(t, blockstore.IsConfigurationError(err))

	done := lowerStore(t, full, 2, blockstore.StatusComplete)
	_, err = Eigendecompose(ctx, []*blockstore.Store{done}, []float64{1, 2})
	require.True(t, blockstore.IsConfigurationError(err))
	_, err = Eigendecompose(ctx, []*blockstore.Store{done}, []float64{0})
	require.True(t, blockstore.IsConfigurationError(err))

	sym := symmetricStore(t, blockstore.NewMemBackend(), identity(3), 2)
	_, err = Eigendecompose(ctx, []*blockstore.Store{sym}, nil)
	require.True(t, blockstore.IsConfigurationError(err))

	singular := mat.DenseCopyOf(full)
	singular.Set(2, 0, 0)
	singular.Set(2, 1, 0)
	singular.Set(2, 2, 0)
	_, err = Eigendecompose(ctx, []*blockstore.Store{lowerStore(t, singular, 2, blockstore.StatusComplete)}, nil)
	require.ErrorIs(t, err, ErrRankDeficient)
}
