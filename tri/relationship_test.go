package tri

import (
	"context"
	"math"
	"testing"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/sim"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func genotypeStore(t *testing.T, g *mat.Dense, bs int) *blockstore.Store {
	t.Helper()
	ctx := context.Background()
	n, m := g.Dims()
	s, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "geno", Kind: blockstore.KindGeneral, Rows: n, Cols: m, BlockSize: bs, Codec: "lz4",
	})
	require.NoError(t, err)
	require.NoError(t, blockstore.WriteDense(ctx, s, g))
	require.NoError(t, s.Finalize(ctx, blockstore.StatusComplete, nil))
	return s
}

func simulatedGenotypes(n, m int) *mat.Dense {
	calls := sim.NewPRG(17).Genotypes(n, m, 0.05)
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
	// one monomorphic variant
	for i := 0; i < n; i++ {
		g.Set(i, 2, 1)
	}
	return g
}

// denseRelationship standardizes g column by column and returns Z*Z^T/M and M.
func denseRelationship(g *mat.Dense) (*mat.Dense, int) {
	n, m := g.Dims()
	z := mat.NewDense(n, m, nil)
	poly := 0
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
		variance := sq/cnt - mean*mean
		if variance <= monomorphicVar {
			continue
		}
		poly++
		for i := 0; i < n; i++ {
			if v := g.At(i, j); !math.IsNaN(v) {
				z.Set(i, j, (v-mean)/math.Sqrt(variance))
			}
		}
	}
	var a mat.Dense
	a.Mul(z, z.T())
	a.Scale(1/float64(poly), &a)
	return &a, poly
}

func TestBuildRelationshipMatchesDense(t *testing.T) {
	ctx := context.Background()
	g := simulatedGenotypes(11, 14)
	geno := genotypeStore(t, g, 4)

	out, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "grm", Kind: blockstore.KindSymmetric, Rows: 11, Cols: 11, BlockSize: 4, Codec: "zstd",
	})
	require.NoError(t, err)

	st, err := BuildRelationship(ctx, geno, out, cache.New(geno, 1<<12), testOptions(3))
	require.NoError(t, err)
	want, poly := denseRelationship(g)
	require.Equal(t, poly, st.Polymorphic)
	require.Zero(t, st.StdInv[2])
	require.True(t, out.IsComplete())

	got, err := Assemble(ctx, out)
	require.NoError(t, err)
	require.True(t, mat.EqualApprox(want, got, 1e-12))
}

func TestRelationshipFeedsCholesky(t *testing.T) {
	ctx := context.Background()
	// more variants than samples; centering still leaves a null direction,
	// so the last diagonal block needs a ridge
	g := simulatedGenotypes(9, 40)
	geno := genotypeStore(t, g, 4)

	grm, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "grm", Kind: blockstore.KindSymmetric, Rows: 9, Cols: 9, BlockSize: 4, Codec: "zstd",
	})
	require.NoError(t, err)
	_, err = BuildRelationship(ctx, geno, grm, cache.New(geno, 1<<12), testOptions(2))
	require.NoError(t, err)

	out, res, err := factorize(t, grm, blockstore.NewMemBackend(), 2)
	require.NoError(t, err)
	require.True(t, out.IsComplete())
	require.NotEmpty(t, res.Warnings)
	for _, w := range res.Warnings {
		require.Positive(t, w.Ridge)
	}
}

func TestBuildRelationshipRejectsWrongKinds(t *testing.T) {
	ctx := context.Background()
	geno := genotypeStore(t, simulatedGenotypes(5, 6), 4)
	out, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "grm", Kind: blockstore.KindGeneral, Rows: 5, Cols: 5, BlockSize: 4,
	})
	require.NoError(t, err)
	_, err = BuildRelationship(ctx, geno, out, cache.New(geno, 1<<12), testOptions(1))
	require.True(t, blockstore.IsConfigurationError(err))

	sym, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "grm", Kind: blockstore.KindSymmetric, Rows: 5, Cols: 5, BlockSize: 4,
	})
	require.NoError(t, err)
	_, err = BuildRelationship(ctx, geno, sym, cache.New(sym, 1<<12), testOptions(1))
	require.True(t, blockstore.IsConfigurationError(err))
}

func TestFactorDiagonalKernel(t *testing.T) {
	b := blockstore.NewBlock(blockstore.BlockID{}, 2, 2)
	b.Data = []float64{4, 2, 2, 5}
	ridge, attempts, err := factorDiagonal(b, DefaultOptions())
	require.NoError(t, err)
	require.Zero(t, ridge)
	require.Zero(t, attempts)
	require.Equal(t, []float64{2, 0, 1, 2}, b.Data)
	require.Equal(t, blockstore.LayoutLowerPacked, b.Layout)

	neg := blockstore.NewBlock(blockstore.BlockID{}, 1, 1)
	neg.Data = []float64{-3}
	opts := DefaultOptions()
	opts.MaxRidgeAttempts = 2
	ridge, attempts, err = factorDiagonal(neg, opts)
	require.ErrorIs(t, err, ErrFactorizationFailed)
	require.Equal(t, 2, attempts)
	require.InDelta(t, 3e-5, ridge, 1e-18)
	require.Equal(t, []float64{-3}, neg.Data)
}

func TestBuildRelationshipRejectsUnfinishedGenotypes(t *testing.T) {
	ctx := context.Background()
	g := simulatedGenotypes(5, 6)
	geno, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "geno", Kind: blockstore.KindGeneral, Rows: 5, Cols: 6, BlockSize: 4,
	})
	require.NoError(t, err)
	require.NoError(t, blockstore.WriteDense(ctx, geno, g))

	out, err := blockstore.Create(ctx, blockstore.NewMemBackend(), blockstore.Manifest{
		Matrix: "grm", Kind: blockstore.KindSymmetric, Rows: 5, Cols: 5, BlockSize: 4,
	})
	require.NoError(t, err)
	_, err = BuildRelationship(ctx, geno, out, cache.New(geno, 1<<12), testOptions(1))
	require.True(t, blockstore.IsConfigurationError(err))
	committed, err := out.Committed(ctx)
	require.NoError(t, err)
	require.Empty(t, committed)
}

func TestComputeStdInvNeedsWorkers(t *testing.T) {
	geno := genotypeStore(t, simulatedGenotypes(5, 6), 4)
	for _, workers := range []int{0, -1} {
		_, err := ComputeStdInv(context.Background(), geno, workers)
		require.True(t, blockstore.IsConfigurationError(err))
	}
	st, err := ComputeStdInv(context.Background(), geno, 1)
	require.NoError(t, err)
	require.Len(t, st.Mean, 6)
}
