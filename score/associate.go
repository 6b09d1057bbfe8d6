package score

import (
	"context"
	"math"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/tri"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Association holds per-variant score statistics, one row per variant and
// one column per phenotype. Monomorphic variants have V == 0 and NaN
// statistics.
type Association struct {
	U    *mat.Dense
	V    *mat.Dense
	Chi2 *mat.Dense
	P    *mat.Dense
	// Sigma2 is the residual variance per phenotype; nil under a null model.
	Sigma2 []float64

	MissingPheno int
	Monomorphic  int
}

var chi2df1 = distuv.ChiSquared{K: 1}

func newAssociation(m, k, monomorphic int) *Association {
	return &Association{
		U:           mat.NewDense(m, k, nil),
		V:           mat.NewDense(m, k, nil),
		Chi2:        mat.NewDense(m, k, nil),
		P:           mat.NewDense(m, k, nil),
		Monomorphic: monomorphic,
	}
}

// set records chi2 = u^2 / (v * sigma2) for variant j and phenotype p.
func (a *Association) set(j, p int, u, v, sigma2 float64) {
	a.U.Set(j, p, u)
	a.V.Set(j, p, v)
	if v == 0 || sigma2 == 0 {
		a.Chi2.Set(j, p, math.NaN())
		a.P.Set(j, p, math.NaN())
		return
	}
	chi2 := u * u / (v * sigma2)
	a.Chi2.Set(j, p, chi2)
	a.P.Set(j, p, chi2df1.Survival(chi2))
}

// centerColumns subtracts each column's observed mean; missing entries
// become zero. It also returns the means and observed counts.
func centerColumns(y *mat.Dense) (*mat.Dense, []float64, []int) {
	n, k := y.Dims()
	out := mat.NewDense(n, k, nil)
	means := make([]float64, k)
	observed := make([]int, k)
	for j := 0; j < k; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			if v := y.At(i, j); !math.IsNaN(v) {
				sum += v
				observed[j]++
			}
		}
		if observed[j] > 0 {
			means[j] = sum / float64(observed[j])
		}
		for i := 0; i < n; i++ {
			if v := y.At(i, j); !math.IsNaN(v) {
				out.Set(i, j, v-means[j])
			}
		}
	}
	return out, means, observed
}

func checkGeno(geno *blockstore.Store, n int) error {
	switch {
	case geno.Kind() != blockstore.KindGeneral:
		return blockstore.Configf("geno", "%s is a %s matrix, expected %s", geno.Name(), geno.Kind(), blockstore.KindGeneral)
	case !geno.IsComplete():
		return blockstore.Configf("geno", "%s has status %s, expected %s", geno.Name(), geno.Manifest().Status, blockstore.StatusComplete)
	case geno.Rows() != n:
		return blockstore.Configf("geno", "%d samples, expected %d", geno.Rows(), n)
	}
	return nil
}

// Associate computes, for every variant w and phenotype y, the score
// statistic U = w~^T y~ of the whitened (L^{-1}) centered genotype and
// phenotype, V = w~^T w~, chi2 = U^2 / (V sigma2) with sigma2 = y~^T y~ / N_obs
// over the N_obs observed phenotypes, and its 1-df chi-square p-value.
// Missing phenotypes are mean imputed.
func Associate(ctx context.Context, factor, geno *blockstore.Store, c *cache.Cache, pheno *mat.Dense, opts Options) (*Association, error) {
	if err := checkFactor(factor, c); err != nil {
		return nil, err
	}
	n, k := pheno.Dims()
	if err := checkGeno(geno, factor.Rows()); err != nil {
		return nil, err
	}
	switch {
	case n != factor.Rows():
		return nil, blockstore.Configf("pheno", "%d samples, factor dimension %d", n, factor.Rows())
	case k == 0:
		return nil, blockstore.Configf("pheno", "no phenotypes")
	case opts.Workers < 1:
		return nil, blockstore.Configf("local_num_threads", "need at least one worker, got %d", opts.Workers)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	opts.Mode = ModeWhiten
	start := time.Now()

	y, _, observed := centerColumns(pheno)
	z, err := solve(ctx, factor, c, y, opts)
	if err != nil {
		return nil, err
	}
	missing := 0
	sigma2 := make([]float64, k)
	for j := 0; j < k; j++ {
		missing += n - observed[j]
		if observed[j] == 0 {
			continue
		}
		col := z.ColView(j)
		sigma2[j] = mat.Dot(col, col) / float64(observed[j])
	}

	st, err := tri.ComputeStdInv(ctx, geno, opts.Workers)
	if err != nil {
		return nil, err
	}

	m := geno.Cols()
	res := newAssociation(m, k, m-st.Polymorphic)
	res.Sigma2 = sigma2
	res.MissingPheno = missing

	bs := geno.BlockSize()
	for jb := 0; jb < geno.BlockCols(); jb++ {
		shift := jb * bs
		g, err := centeredVariants(ctx, geno, st, jb)
		if err != nil {
			return nil, err
		}
		w, err := solve(ctx, factor, c, g, opts)
		if err != nil {
			return nil, err
		}

		var u mat.Dense
		u.Mul(w.T(), z)
		_, mb := g.Dims()
		for v := 0; v < mb; v++ {
			col := w.ColView(v)
			vv := mat.Dot(col, col)
			for p := 0; p < k; p++ {
				res.set(shift+v, p, u.At(v, p), vv, sigma2[p])
			}
		}
		log.Lvl2("Association: variant block", jb+1, "/", geno.BlockCols())
	}

	log.LLvl1(time.Now().Format(time.StampMilli), "Association of", m, "variants x", k, "phenotypes done in", time.Since(start))
	return res, nil
}

// AssociateMixed computes score statistics under fitted null models. With
// the centered variant rotated into the eigenbasis, w~ = Vectors^T g, it
// takes U = sum_i w~_i r_i and V = sum_i w~_i^2 / v_i, where r and v are the
// model's scaled residuals and variances, and chi2 = U^2 / V.
func AssociateMixed(ctx context.Context, geno *blockstore.Store, eig *tri.Eigen, models []*NullModel, opts Options) (*Association, error) {
	if eig == nil || eig.Dim() == 0 {
		return nil, blockstore.Configf("eigen", "no eigendecomposition")
	}
	n, k := eig.Dim(), len(models)
	if err := checkGeno(geno, n); err != nil {
		return nil, err
	}
	switch {
	case k == 0:
		return nil, blockstore.Configf("null_model", "no null models")
	case opts.Workers < 1:
		return nil, blockstore.Configf("local_num_threads", "need at least one worker, got %d", opts.Workers)
	}
	resid := mat.NewDense(n, k, nil)
	invVar := mat.NewDense(n, k, nil)
	missing := 0
	for p, m := range models {
		if len(m.Variance) != n || len(m.ScaledResiduals) != n {
			return nil, blockstore.Configf("null_model", "model %d covers %d samples, expected %d", p, len(m.Variance), n)
		}
		for i := 0; i < n; i++ {
			resid.Set(i, p, m.ScaledResiduals[i])
			invVar.Set(i, p, 1/m.Variance[i])
		}
		missing += m.Missing
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	st, err := tri.ComputeStdInv(ctx, geno, opts.Workers)
	if err != nil {
		return nil, err
	}
	m := geno.Cols()
	res := newAssociation(m, k, m-st.Polymorphic)
	res.MissingPheno = missing

	bs := geno.BlockSize()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for jb := 0; jb < geno.BlockCols(); jb++ {
		jb := jb
		g.Go(func() error {
			x, err := centeredVariants(gctx, geno, st, jb)
			if err != nil {
				return err
			}
			var w, w2, u, v mat.Dense
			w.Mul(eig.Vectors.T(), x)
			w2.MulElem(&w, &w)
			u.Mul(w.T(), resid)
			v.Mul(w2.T(), invVar)
			mb, _ := u.Dims()
			for j := 0; j < mb; j++ {
				for p := 0; p < k; p++ {
					res.set(jb*bs+j, p, u.At(j, p), v.At(j, p), 1)
				}
			}
			log.Lvl2("Mixed association: variant block", jb+1, "/", geno.BlockCols())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.LLvl1(time.Now().Format(time.StampMilli), "Mixed model association of", m, "variants x", k, "phenotypes done in", time.Since(start))
	return res, nil
}

// centeredVariants gathers block column jb of the genotypes with each variant
// centered; missing calls and monomorphic variants are zero.
func centeredVariants(ctx context.Context, geno *blockstore.Store, st *tri.VariantStats, jb int) (*mat.Dense, error) {
	bs := geno.BlockSize()
	_, mb := geno.Extent(blockstore.BlockID{Row: 0, Col: jb})
	g := mat.NewDense(geno.Rows(), mb, nil)
	for ib := 0; ib < geno.BlockRows(); ib++ {
		b, err := geno.Get(ctx, blockstore.BlockID{Row: ib, Col: jb})
		if err != nil {
			return nil, err
		}
		for r := 0; r < b.Rows; r++ {
			for v := 0; v < b.Cols; v++ {
				x := b.At(r, v)
				if math.IsNaN(x) || st.StdInv[jb*bs+v] == 0 {
					continue
				}
				g.Set(ib*bs+r, v, x-st.Mean[jb*bs+v])
			}
		}
	}
	return g, nil
}
