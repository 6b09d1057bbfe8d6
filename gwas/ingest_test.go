package gwas

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/sim"
	"github.com/hhcho/sfgwas-tri/tri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// imputedReference mean imputes g column by column and returns the stats
// computed the same way.
func imputedReference(g [][]int8) (*mat.Dense, []float64, []float64) {
	n, m := len(g), len(g[0])
	X := mat.NewDense(n, m, nil)
	means := make([]float64, m)
	maf := make([]float64, m)
	for j := 0; j < m; j++ {
		sum, cnt := 0.0, 0
		for i := 0; i < n; i++ {
			if g[i][j] >= 0 {
				sum += float64(g[i][j])
				cnt++
			}
		}
		if cnt > 0 {
			means[j] = sum / float64(cnt)
		}
		maf[j] = math.Min(means[j]/2, 1-means[j]/2)
		for i := 0; i < n; i++ {
			if g[i][j] >= 0 {
				X.Set(i, j, float64(g[i][j]))
			} else {
				X.Set(i, j, means[j])
			}
		}
	}
	return X, means, maf
}

func TestIngestImputesMissingCalls(t *testing.T) {
	ctx := context.Background()
	n, m := 21, 30
	g := sim.NewPRG(11).Genotypes(n, m, 0.05)
	X, means, _ := imputedReference(g)

	gfs, err := NewGenoFileStream(writeGeno(t, g), uint64(n), uint64(m), false)
	require.NoError(t, err)
	backend := blockstore.NewMemBackend()
	store, st, err := IngestGenotypes(ctx, gfs, backend, IngestOptions{
		Name: "geno", BlockSize: 8, Codec: "zstd", Workers: 3,
		Filter: FilterParams{MafLowerBound: 0, GenoMissBound: 1},
	})
	require.NoError(t, err)
	assert.True(t, store.IsComplete())
	assert.Equal(t, blockstore.KindGeneral, store.Kind())
	assert.Equal(t, n, store.Rows())
	assert.Equal(t, m, store.Cols())
	assert.Greater(t, st.MissingCalls, 0)
	assert.InDeltaSlice(t, means, st.Mean, 1e-12)

	got, err := tri.Assemble(ctx, store)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(X, got, 1e-12))

	// A finished matrix is not rewritten.
	gfs2, err := NewGenoFileStream(writeGeno(t, g), uint64(n), uint64(m), false)
	require.NoError(t, err)
	again, _, err := IngestGenotypes(ctx, gfs2, backend, IngestOptions{
		Name: "geno", BlockSize: 8, Codec: "zstd", Workers: 1,
		Filter: FilterParams{GenoMissBound: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, store.Manifest().Blocks, again.Manifest().Blocks)
}

func TestIngestAppliesVariantFilters(t *testing.T) {
	ctx := context.Background()
	n, m := 25, 40
	g := sim.NewPRG(12).Genotypes(n, m, 0.1)
	X, _, maf := imputedReference(g)

	filt := FilterParams{MafLowerBound: 0.2, GenoMissBound: 0.15}
	var keep []int
	for j := 0; j < m; j++ {
		missing := 0
		for i := 0; i < n; i++ {
			if g[i][j] < 0 {
				missing++
			}
		}
		if filt.Keep(maf[j], float64(missing)/float64(n)) {
			keep = append(keep, j)
		}
	}
	require.NotEmpty(t, keep)
	require.Less(t, len(keep), m)

	gfs, err := NewGenoFileStream(writeGeno(t, g), uint64(n), uint64(m), false)
	require.NoError(t, err)
	store, _, err := IngestGenotypes(ctx, gfs, blockstore.NewMemBackend(), IngestOptions{
		Name: "geno", BlockSize: 7, Codec: "lz4", Workers: 2, Filter: filt,
	})
	require.NoError(t, err)
	require.Equal(t, len(keep), store.Cols())

	got, err := tri.Assemble(ctx, store)
	require.NoError(t, err)
	for jj, j := range keep {
		assert.InDeltaSlice(t, mat.Col(nil, j, X), mat.Col(nil, jj, got), 1e-12, "variant %d", j)
	}
}

func TestIngestRejectsEmptySelection(t *testing.T) {
	g := [][]int8{{0, 0}, {0, 0}, {0, 0}}
	gfs, err := NewGenoFileStream(writeGeno(t, g), 3, 2, false)
	require.NoError(t, err)
	defer gfs.Close()
	_, _, err = IngestGenotypes(context.Background(), gfs, blockstore.NewMemBackend(), IngestOptions{
		Name: "geno", BlockSize: 2, Workers: 1, Filter: FilterParams{MafLowerBound: 0.01, GenoMissBound: 1},
	})
	require.Error(t, err)
	assert.True(t, blockstore.IsConfigurationError(err))
}

func TestIngestDropsSamplesWithMissingCalls(t *testing.T) {
	ctx := context.Background()
	n, m := 12, 10
	g := sim.NewPRG(15).Genotypes(n, m, 0.05)
	for j := 0; j < 6; j++ {
		g[2][j] = sim.Missing
		g[9][j] = sim.Missing
	}
	path := writeGeno(t, g)

	gfs, err := NewGenoFileStream(path, uint64(n), uint64(m), false)
	require.NoError(t, err)
	rates, err := SampleMissRates(ctx, gfs)
	require.NoError(t, err)
	require.Len(t, rates, n)
	assert.GreaterOrEqual(t, rates[2], 0.6)

	var kept [][]int8
	for i, row := range g {
		if rates[i] <= 0.5 {
			kept = append(kept, row)
		}
	}
	require.Len(t, kept, n-2)
	X, means, _ := imputedReference(kept)

	// stats from the count file cover the dropped samples and are replaced
	ac, gc, miss, err := ReadGenoStatsFromFile(writeCountFile(t, g), m)
	require.NoError(t, err)
	counted, err := GenoStatsFromCounts(ac, gc, miss, n)
	require.NoError(t, err)

	store, st, err := IngestGenotypes(ctx, gfs, blockstore.NewMemBackend(), IngestOptions{
		Name: "geno", BlockSize: 4, Codec: "lz4", Workers: 2,
		Filter:          FilterParams{GenoMissBound: 1},
		SampleMissBound: 0.5,
		Stats:           counted,
	})
	require.NoError(t, err)
	assert.Equal(t, n-2, store.Rows())
	assert.False(t, st.Samples[2])
	assert.False(t, st.Samples[9])
	assert.True(t, st.Samples[0])
	assert.InDeltaSlice(t, means, st.Mean, 1e-12)

	got, err := tri.Assemble(ctx, store)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(X, got, 1e-12))
}

func TestIngestRejectsWhenEverySampleIsDropped(t *testing.T) {
	g := [][]int8{{-1, -1, 0}, {1, -1, -1}}
	gfs, err := NewGenoFileStream(writeGeno(t, g), 2, 3, false)
	require.NoError(t, err)
	_, _, err = IngestGenotypes(context.Background(), gfs, blockstore.NewMemBackend(), IngestOptions{
		Name: "geno", BlockSize: 2, Workers: 1,
		Filter:          FilterParams{GenoMissBound: 1},
		SampleMissBound: 0.5,
	})
	require.Error(t, err)
	assert.True(t, blockstore.IsConfigurationError(err))
}

func writeCountFile(t *testing.T, g [][]int8) string {
	t.Helper()
	m := len(g[0])
	out := make([][]uint32, 6)
	for s := range out {
		out[s] = make([]uint32, m)
	}
	for _, row := range g {
		for j, v := range row {
			if v < 0 {
				out[5][j]++
			} else {
				out[v][j]++
			}
		}
	}
	buf := make([]byte, 0, 6*4*m)
	for s := range out {
		for _, v := range out[s] {
			buf = binary.LittleEndian.AppendUint32(buf, v)
		}
	}
	path := filepath.Join(t.TempDir(), "geno_count.bin")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestGenoStatsFromCountFile(t *testing.T) {
	n, m := 30, 12
	g := sim.NewPRG(13).Genotypes(n, m, 0.1)

	ac, gc, miss, err := ReadGenoStatsFromFile(writeCountFile(t, g), m)
	require.NoError(t, err)
	require.Len(t, gc, 3)
	require.Len(t, ac, 2)
	for j := 0; j < m; j++ {
		assert.Equal(t, uint32(n), gc[0][j]+gc[1][j]+gc[2][j]+miss[j])
		assert.Equal(t, 2*(gc[0][j]+gc[1][j]+gc[2][j]), ac[0][j]+ac[1][j])
	}

	fromCounts, err := GenoStatsFromCounts(ac, gc, miss, n)
	require.NoError(t, err)

	gfs, err := NewGenoFileStream(writeGeno(t, g), uint64(n), uint64(m), false)
	require.NoError(t, err)
	defer gfs.Close()
	streamed, err := ComputeGenoStats(context.Background(), gfs)
	require.NoError(t, err)

	assert.InDeltaSlice(t, streamed.Mean, fromCounts.Mean, 1e-12)
	assert.InDeltaSlice(t, streamed.MAF, fromCounts.MAF, 1e-12)
	assert.InDeltaSlice(t, streamed.MissRate, fromCounts.MissRate, 1e-12)
	assert.Equal(t, streamed.MissingCalls, fromCounts.MissingCalls)

	_, _, _, err = ReadGenoStatsFromFile(writeCountFile(t, g), m+1)
	assert.Error(t, err)
}

func TestLoadMatrixFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pheno.txt")
	require.NoError(t, os.WriteFile(path, []byte("1.5\t-2\nNA\t3e-1\n"), 0644))

	A, err := LoadMatrixFromFile(path, '\t')
	require.NoError(t, err)
	assert.Equal(t, 1.5, A.At(0, 0))
	assert.Equal(t, -2.0, A.At(0, 1))
	assert.True(t, math.IsNaN(A.At(1, 0)))
	assert.Equal(t, 0.3, A.At(1, 1))

	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("1\tx\n"), 0644))
	_, err = LoadMatrixFromFile(bad, '\t')
	assert.Error(t, err)

	cached := filepath.Join(t.TempDir(), "pheno.bin")
	require.NoError(t, SaveMatDenseToFile(A, cached))
	B, err := LoadMatDenseCacheFromFile(cached)
	require.NoError(t, err)
	assert.Equal(t, 1.5, B.At(0, 0))
	assert.True(t, math.IsNaN(B.At(1, 0)))
}
