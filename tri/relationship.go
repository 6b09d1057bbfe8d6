package tri

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/sched"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// VariantStats holds per-variant genotype moments. StdInv is zero for
// monomorphic variants, which drop out of every standardized product.
type VariantStats struct {
	Mean        []float64
	StdInv      []float64
	Count       []int
	Polymorphic int
}

// monomorphicVar is the variance below which a variant is treated as constant.
const monomorphicVar = 1e-12

// ComputeStdInv accumulates sum(x) and sum(x^2) over the non-missing (non-NaN)
// calls of every variant of a sample-major genotype matrix.
func ComputeStdInv(ctx context.Context, geno *blockstore.Store, workers int) (*VariantStats, error) {
	if workers < 1 {
		return nil, blockstore.Configf("local_num_threads", "need at least one worker, got %d", workers)
	}
	m, bs := geno.Cols(), geno.BlockSize()
	sx := make([]float64, m)
	sx2 := make([]float64, m)
	cnt := make([]int, m)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for jb := 0; jb < geno.BlockCols(); jb++ {
		jb := jb
		g.Go(func() error {
			shift := jb * bs
			for ib := 0; ib < geno.BlockRows(); ib++ {
				b, err := geno.Get(gctx, blockstore.BlockID{Row: ib, Col: jb})
				if err != nil {
					return err
				}
				for r := 0; r < b.Rows; r++ {
					for c := 0; c < b.Cols; c++ {
						v := b.At(r, c)
						if math.IsNaN(v) {
							continue
						}
						sx[shift+c] += v
						sx2[shift+c] += v * v
						cnt[shift+c]++
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := &VariantStats{
		Mean:   make([]float64, m),
		StdInv: make([]float64, m),
		Count:  cnt,
	}
	for j := 0; j < m; j++ {
		if cnt[j] == 0 {
			continue
		}
		n := float64(cnt[j])
		st.Mean[j] = sx[j] / n
		variance := sx2[j]/n - st.Mean[j]*st.Mean[j]
		if variance > monomorphicVar {
			st.StdInv[j] = 1 / math.Sqrt(variance)
			st.Polymorphic++
		}
	}
	return st, nil
}

// Standardize returns (g - mean) * stdInv for a genotype block whose first
// column is variant shift. Missing calls become zero.
func (st *VariantStats) Standardize(b *blockstore.Block, shift int) *blockstore.Block {
	z := blockstore.NewBlock(b.ID, b.Rows, b.Cols)
	for r := 0; r < b.Rows; r++ {
		for c := 0; c < b.Cols; c++ {
			v := b.At(r, c)
			if math.IsNaN(v) {
				continue
			}
			z.Set(r, c, (v-st.Mean[shift+c])*st.StdInv[shift+c])
		}
	}
	return z
}

// BuildRelationship writes the genetic relationship matrix A = Z*Z^T / M of
// a sample-major genotype matrix into the symmetric store out, where Z holds
// standardized genotypes and M counts polymorphic variants. The cache must
// read through geno.
func BuildRelationship(ctx context.Context, geno, out *blockstore.Store, c *cache.Cache, opts Options) (*VariantStats, error) {
	switch {
	case geno.Kind() != blockstore.KindGeneral:
		return nil, blockstore.Configf("geno", "%s is a %s matrix, expected %s", geno.Name(), geno.Kind(), blockstore.KindGeneral)
	case !geno.IsComplete():
		return nil, blockstore.Configf("geno", "%s has status %s, expected %s", geno.Name(), geno.Manifest().Status, blockstore.StatusComplete)
	case out.Kind() != blockstore.KindSymmetric:
		return nil, blockstore.Configf("output", "%s is a %s matrix, expected %s", out.Name(), out.Kind(), blockstore.KindSymmetric)
	case out.Rows() != geno.Rows():
		return nil, blockstore.Configf("output", "%s has %d rows, genotypes have %d samples", out.Name(), out.Rows(), geno.Rows())
	case out.BlockSize() != geno.BlockSize():
		return nil, blockstore.Configf("block_size", "genotypes use %d, output uses %d", geno.BlockSize(), out.BlockSize())
	case c == nil || c.Source() != cache.Loader(geno):
		return nil, blockstore.Configf("cache", "block cache must read through the genotype store %s", geno.Name())
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	st, err := ComputeStdInv(ctx, geno, opts.Workers)
	if err != nil {
		return nil, err
	}
	if st.Polymorphic == 0 {
		return nil, blockstore.Configf("geno", "%s has no polymorphic variants", geno.Name())
	}
	log.Lvl1("Variant stats:", st.Polymorphic, "of", geno.Cols(), "variants polymorphic")

	if out.IsComplete() {
		log.Lvl1("Output", out.Name(), "found, skipping computation")
		return st, nil
	}

	committed, err := out.Committed(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[blockstore.BlockID]bool, len(committed))
	for _, id := range committed {
		present[id] = true
	}

	scale := 1 / float64(st.Polymorphic)
	pool := sched.NewPool(opts.Workers, sched.WithName("grm "+out.Name()))
	for _, id := range out.Blocks() {
		if present[id] {
			continue
		}
		id := id
		if err := pool.Submit(sched.Task{
			ID: sched.TaskID(id),
			Run: func(ctx context.Context) error {
				return relationshipBlock(ctx, geno, out, c, st, id, scale)
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := pool.Drain(ctx); err != nil {
		log.Error("Relationship matrix", out.Name(), "failed:", err)
		if ferr := out.Finalize(context.Background(), blockstore.StatusFailed, nil); ferr != nil {
			log.Error("Could not record failure of", out.Name(), ":", ferr)
		}
		return nil, err
	}
	out.SetSource(fmt.Sprintf("relationship matrix of %s over %d polymorphic variants", geno.Name(), st.Polymorphic))
	if err := out.Finalize(ctx, blockstore.StatusComplete, nil); err != nil {
		return nil, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Relationship matrix", out.Name(), "done in", time.Since(start))
	return st, nil
}

func standardizedBlock(ctx context.Context, c *cache.Cache, st *VariantStats, id blockstore.BlockID, shift int) (*blockstore.Block, error) {
	h, err := c.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return st.Standardize(h.Block(), shift), nil
}

func relationshipBlock(ctx context.Context, geno, out *blockstore.Store, c *cache.Cache, st *VariantStats, id blockstore.BlockID, scale float64) error {
	rows, cols := out.Extent(id)
	acc := blockstore.NewBlock(id, rows, cols)
	bs := geno.BlockSize()

	for jb := 0; jb < geno.BlockCols(); jb++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		zi, err := standardizedBlock(ctx, c, st, blockstore.BlockID{Row: id.Row, Col: jb}, jb*bs)
		if err != nil {
			return err
		}
		zk := zi
		if id.Row != id.Col {
			if zk, err = standardizedBlock(ctx, c, st, blockstore.BlockID{Row: id.Col, Col: jb}, jb*bs); err != nil {
				return err
			}
		}
		blas64.Gemm(blas.NoTrans, blas.Trans, scale, zi.General(), zk.General(), 1, acc.General())
	}
	return out.Put(ctx, acc)
}
