package score

import (
	"context"
	"math"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/tri"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// NullModel is the variance component model y = b0 + g + e with
// g ~ N(0, sg2 K) and e ~ N(0, se2 I) fitted by maximum likelihood for one
// phenotype. Per-sample vectors are in the eigenbasis of K.
type NullModel struct {
	LogLikelihood   float64 `toml:"log_likelihood"`
	Heritability    float64 `toml:"heritability"`
	GeneticVariance float64 `toml:"genetic_variance"`
	ErrorVariance   float64 `toml:"error_variance"`
	Intercept       float64 `toml:"intercept"`
	StandardError   float64 `toml:"standard_error"`
	Missing         int     `toml:"missing"`

	// Variance is sg2*s_i + se2.
	Variance []float64 `toml:"-"`
	// ScaledResiduals is (y~ - x~ b0) / Variance.
	ScaledResiduals []float64 `toml:"-"`
}

// The ratio delta = se2/sg2 is searched on a log grid, then refined.
const (
	minLogDelta  = -10.0
	maxLogDelta  = 10.0
	logDeltaStep = 0.5
)

// profile is the likelihood of one rotated phenotype with sg2 and b0
// profiled out, as a function of delta alone.
type profile struct {
	s    []float64
	y, x []float64
}

type profileFit struct {
	m2ll  float64
	beta  float64
	sg2   float64
	resid []float64
}

func (p *profile) at(delta float64) profileFit {
	var xy, xx float64
	for i, s := range p.s {
		d := s + delta
		xy += p.x[i] * p.y[i] / d
		xx += p.x[i] * p.x[i] / d
	}
	f := profileFit{beta: xy / xx, resid: make([]float64, len(p.s))}
	n := float64(len(p.s))
	var q, logdet float64
	for i, s := range p.s {
		d := s + delta
		f.resid[i] = p.y[i] - p.x[i]*f.beta
		q += f.resid[i] * f.resid[i] / d
		logdet += math.Log(d)
	}
	f.sg2 = q / n
	f.m2ll = n*math.Log(2*math.Pi*f.sg2) + logdet + n
	return f
}

func clampLogDelta(x float64) float64 {
	return math.Max(minLogDelta, math.Min(maxLogDelta, x))
}

func (p *profile) fit() *NullModel {
	best, bestF := minLogDelta, math.Inf(1)
	for i := 0; minLogDelta+float64(i)*logDeltaStep <= maxLogDelta; i++ {
		ld := minLogDelta + float64(i)*logDeltaStep
		if f := p.at(math.Exp(ld)).m2ll; f < bestF {
			best, bestF = ld, f
		}
	}

	res, err := optimize.Minimize(optimize.Problem{
		Func: func(x []float64) float64 {
			return p.at(math.Exp(clampLogDelta(x[0]))).m2ll
		},
	}, []float64{best}, nil, &optimize.NelderMead{})
	if err != nil {
		log.Lvl2("Null model: refinement stopped:", err)
	}
	if res != nil && res.F < bestF {
		best = clampLogDelta(res.X[0])
	}

	delta := math.Exp(best)
	f := p.at(delta)
	m := &NullModel{
		LogLikelihood:   -f.m2ll / 2,
		Heritability:    1 / (1 + delta),
		GeneticVariance: f.sg2,
		ErrorVariance:   delta * f.sg2,
		Intercept:       f.beta,
		Variance:        make([]float64, len(p.s)),
		ScaledResiduals: make([]float64, len(p.s)),
	}
	var info float64
	for i, s := range p.s {
		v := f.sg2 * (s + delta)
		m.Variance[i] = v
		m.ScaledResiduals[i] = f.resid[i] / v
		info += p.x[i] * p.x[i] / v
	}
	m.StandardError = math.Sqrt(1 / info)
	return m
}

// FitNullModels fits one null model per phenotype column. Missing
// phenotypes are mean imputed before rotation.
func FitNullModels(ctx context.Context, eig *tri.Eigen, pheno *mat.Dense, workers int) ([]*NullModel, error) {
	n, k := pheno.Dims()
	switch {
	case eig == nil || eig.Dim() == 0:
		return nil, blockstore.Configf("eigen", "no eigendecomposition")
	case n != eig.Dim():
		return nil, blockstore.Configf("pheno", "%d samples, eigendecomposition has %d", n, eig.Dim())
	case k == 0:
		return nil, blockstore.Configf("pheno", "no phenotypes")
	case workers < 1:
		return nil, blockstore.Configf("local_num_threads", "need at least one worker, got %d", workers)
	}
	start := time.Now()

	y, means, observed := centerColumns(pheno)
	for j := 0; j < k; j++ {
		if observed[j] == 0 || mat.Norm(y.ColView(j), 2) == 0 {
			return nil, blockstore.Configf("pheno", "phenotype %d has no variance", j)
		}
	}
	var ry mat.Dense
	ry.Mul(eig.Vectors.T(), y)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	rx := mat.NewVecDense(n, nil)
	rx.MulVec(eig.Vectors.T(), mat.NewVecDense(n, ones))

	models := make([]*NullModel, k)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for j := 0; j < k; j++ {
		j := j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := &profile{s: eig.Values, y: mat.Col(nil, j, &ry), x: rx.RawVector().Data}
			m := p.fit()
			m.Intercept += means[j]
			m.Missing = n - observed[j]
			models[j] = m
			log.Lvl2("Null model", j, "heritability", m.Heritability, "log likelihood", m.LogLikelihood)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Fitted", k, "null models in", time.Since(start))
	return models, nil
}
