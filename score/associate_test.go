package score

import (
	"context"
	"math"
	"testing"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/sim"
	"github.com/hhcho/sfgwas-tri/tri"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func centeredDense(g *mat.Dense) *mat.Dense {
	n, m := g.Dims()
	out := mat.NewDense(n, m, nil)
	for j := 0; j < m; j++ {
		var sum, sq, cnt float64
		for i := 0; i < n; i++ {
			if v := g.At(i, j); !math.IsNaN(v) {
				sum += v
				sq += v * v
				cnt++
			}
		}
		mean := sum / cnt
		if sq/cnt-mean*mean <= 1e-12 {
			continue
		}
		for i := 0; i < n; i++ {
			if v := g.At(i, j); !math.IsNaN(v) {
				out.Set(i, j, v-mean)
			}
		}
	}
	return out
}

func TestAssociateMatchesDense(t *testing.T) {
	ctx := context.Background()
	const n, m = 12, 7
	prg := sim.NewPRG(21)
	a := prg.SPDMatrix(n)
	factor := buildFactor(t, blockstore.NewMemBackend(), a, 5)

	calls := prg.Genotypes(n, m, 0.05)
	g := mat.NewDense(n, m, nil)
	for i := range calls {
		for j, v := range calls[i] {
			if v == sim.Missing {
				g.Set(i, j, math.NaN())
			} else {
				g.Set(i, j, float64(v))
			}
		}
	}
	for i := 0; i < n; i++ {
		g.Set(i, 4, 2)
	}
	geno, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "geno", Kind: blockstore.KindGeneral, Rows: n, Cols: m, BlockSize: 5, Codec: "lz4",
	})
	require.NoError(t, err)
	require.NoError(t, blockstore.WriteDense(ctx, geno, g))
	require.NoError(t, geno.Finalize(ctx, blockstore.StatusComplete, nil))

	pheno := prg.Phenotypes(n, 2)
	pheno.Set(0, 1, math.NaN())

	res, err := Associate(ctx, factor, geno, cache.New(factor, 1<<20), pheno, scoreOptions(3, ModeWhiten))
	require.NoError(t, err)
	require.Equal(t, 1, res.MissingPheno)
	require.GreaterOrEqual(t, res.Monomorphic, 1)

	// dense reference
	l, err := tri.Assemble(ctx, factor)
	require.NoError(t, err)
	y := centeredDense(pheno)
	var z, w, u mat.Dense
	require.NoError(t, z.Solve(l, y))
	require.NoError(t, w.Solve(l, centeredDense(g)))
	u.Mul(w.T(), &z)

	chi := distuv.ChiSquared{K: 1}
	for p := 0; p < 2; p++ {
		zc := mat.Col(nil, p, &z)
		sigma2 := 0.0
		for _, v := range zc {
			sigma2 += v * v
		}
		// the missing phenotype does not count toward N
		observed := n
		if p == 1 {
			observed--
		}
		sigma2 /= float64(observed)
		require.InDelta(t, sigma2, res.Sigma2[p], 1e-9)

		for v := 0; v < m; v++ {
			wc := mat.Col(nil, v, &w)
			vv := 0.0
			for _, x := range wc {
				vv += x * x
			}
			require.InDelta(t, vv, res.V.At(v, p), 1e-9)
			if vv == 0 {
				require.True(t, math.IsNaN(res.Chi2.At(v, p)))
				require.True(t, math.IsNaN(res.P.At(v, p)))
				continue
			}
			chi2 := u.At(v, p) * u.At(v, p) / (vv * sigma2)
			require.InDelta(t, u.At(v, p), res.U.At(v, p), 1e-9)
			require.InDelta(t, chi2, res.Chi2.At(v, p), 1e-8*math.Max(1, chi2))
			require.InDelta(t, chi.Survival(chi2), res.P.At(v, p), 1e-8)
		}
	}
	require.Zero(t, res.V.At(4, 0))
	require.Zero(t, res.V.At(4, 1))
}

func TestAssociateRejectsShapeMismatch(t *testing.T) {
	ctx := context.Background()
	prg := sim.NewPRG(2)
	factor := buildFactor(t, blockstore.NewMemBackend(), prg.SPDMatrix(6), 4)
	geno, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "geno", Kind: blockstore.KindGeneral, Rows: 5, Cols: 3, BlockSize: 4,
	})
	require.NoError(t, err)
	require.NoError(t, blockstore.WriteDense(ctx, geno, mat.NewDense(5, 3, nil)))
	require.NoError(t, geno.Finalize(ctx, blockstore.StatusComplete, nil))
	_, err = Associate(ctx, factor, geno, cache.New(factor, 1<<20), prg.Phenotypes(6, 1), scoreOptions(1, ModeWhiten))
	require.True(t, blockstore.IsConfigurationError(err))
}

func TestAssociateRejectsUnfinishedGenotypes(t *testing.T) {
	ctx := context.Background()
	prg := sim.NewPRG(3)
	factor := buildFactor(t, blockstore.NewMemBackend(), prg.SPDMatrix(6), 4)
	geno, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "geno", Kind: blockstore.KindGeneral, Rows: 6, Cols: 3, BlockSize: 4,
	})
	require.NoError(t, err)
	require.NoError(t, blockstore.WriteDense(ctx, geno, mat.NewDense(6, 3, nil)))
	_, err = Associate(ctx, factor, geno, cache.New(factor, 1<<20), prg.Phenotypes(6, 1), scoreOptions(1, ModeWhiten))
	require.True(t, blockstore.IsConfigurationError(err))
}

func TestSigma2CountsObservedPhenotypes(t *testing.T) {
	ctx := context.Background()
	const n = 8
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	factor := buildFactor(t, blockstore.NewMemBackend(), mat.NewDiagDense(n, ones), 4)
	geno := completeGeno(t, simulatedGeno(sim.NewPRG(4), n, 3), 4)

	// identity factor: sigma2 is the observed variance of each column
	pheno := mat.NewDense(n, 2, []float64{
		1, 1,
		2, math.NaN(),
		3, math.NaN(),
		4, math.NaN(),
		5, 5,
		6, math.NaN(),
		7, 7,
		8, 3,
	})
	res, err := Associate(ctx, factor, geno, cache.New(factor, 1<<20), pheno, scoreOptions(2, ModeWhiten))
	require.NoError(t, err)
	require.Equal(t, 4, res.MissingPheno)
	require.InDelta(t, 42.0/8, res.Sigma2[0], 1e-12)
	// observed 1, 5, 7, 3 with mean 4
	require.InDelta(t, 20.0/4, res.Sigma2[1], 1e-12)

	allMissing := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		allMissing.Set(i, 0, math.NaN())
	}
	res, err = Associate(ctx, factor, geno, cache.New(factor, 1<<20), allMissing, scoreOptions(1, ModeWhiten))
	require.NoError(t, err)
	require.Zero(t, res.Sigma2[0])
	require.True(t, math.IsNaN(res.Chi2.At(0, 0)))
}
