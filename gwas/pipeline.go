package gwas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/score"
	"github.com/hhcho/sfgwas-tri/tri"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/raulk/go-watchdog"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// Matrix names in the block store.
const (
	GenoMatrix         = "geno"
	RelationshipMatrix = "grm"
	FactorMatrix       = "grm_chol"
)

const (
	phenoCacheFile        = "pheno.bin"
	eigenValuesCacheFile  = "eigen_values.bin"
	eigenVectorsCacheFile = "eigen_vectors.bin"
	sampleFilterFile      = "sample_filter.txt"
)

// Pipeline runs ingest, relationship, triangularization and scoring jobs
// against one block backend.
type Pipeline struct {
	config  *Config
	params  *GWASParams
	backend blockstore.Backend

	stopWatchdog func()

	geno    *blockstore.Store
	grm     *blockstore.Store
	factor  *blockstore.Store
	pheno   *mat.Dense
	samples []bool
	eig     *tri.Eigen
}

func InitializePipeline(config *Config) (*Pipeline, error) {
	log.LLvl1(time.Now().Format(time.StampMilli), "Init pipeline")
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Debug {
		log.SetDebugVisible(2)
	}

	// Create cache/output directories
	if err := os.MkdirAll(config.OutDir, 0755); err != nil {
		return nil, err
	}
	if config.CacheDir != "" {
		if err := os.MkdirAll(config.CacheDir, 0755); err != nil {
			return nil, err
		}
	}

	backend, err := newBackend(config)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:  config,
		params:  InitGWASParams(config.NumInds, config.NumSnps, config.BlockSize),
		backend: backend,
	}

	if config.MemoryLimit > 0 {
		err, stopFn := watchdog.HeapDriven(config.MemoryLimit, 40, watchdog.NewAdaptivePolicy(0.5))
		if err != nil {
			return nil, fmt.Errorf("memory watchdog: %w", err)
		}
		p.stopWatchdog = stopFn
	}

	log.Lvl1("Block backend:", backend, "block size", config.BlockSize, "codec", config.Codec)
	return p, nil
}

func newBackend(config *Config) (blockstore.Backend, error) {
	if config.Storage != "minio" {
		return blockstore.NewDirBackend(filepath.Join(config.CacheDir, "blocks"))
	}
	client, err := minio.New(config.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.MinioAccessKey, config.MinioSecretKey, ""),
		Secure: config.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return blockstore.NewMinioBackend(client, config.MinioBucket, config.MinioPrefix), nil
}

// Close disarms the memory watchdog.
func (p *Pipeline) Close() {
	if p.stopWatchdog != nil {
		p.stopWatchdog()
		p.stopWatchdog = nil
	}
}

func (p *Pipeline) Config() *Config             { return p.config }
func (p *Pipeline) Params() *GWASParams         { return p.params }
func (p *Pipeline) Backend() blockstore.Backend { return p.backend }

func (p *Pipeline) OutFile(filename string) string {
	return filepath.Join(p.config.OutDir, filename)
}

func (p *Pipeline) OutExists(filename string) bool {
	_, err := os.Stat(p.OutFile(filename))
	return err == nil
}

func (p *Pipeline) CacheFile(filename string) string {
	return filepath.Join(p.config.CacheDir, filename)
}

func (p *Pipeline) CacheExists(filename string) bool {
	if p.config.CacheDir == "" {
		return false
	}
	_, err := os.Stat(p.CacheFile(filename))
	return err == nil
}

func (p *Pipeline) newCache(source *blockstore.Store) *cache.Cache {
	return cache.New(source, p.config.CacheCapacity)
}

// open returns a completed matrix written by an earlier stage.
func (p *Pipeline) open(ctx context.Context, name, stage string) (*blockstore.Store, error) {
	s, err := blockstore.Open(ctx, p.backend, name)
	if errors.Is(err, blockstore.ErrNotFound) {
		return nil, fmt.Errorf("matrix %s not found, run %s first: %w", name, stage, err)
	}
	if err != nil {
		return nil, err
	}
	if !s.IsComplete() {
		return nil, fmt.Errorf("matrix %s has status %s, rerun %s", name, s.Manifest().Status, stage)
	}
	return s, nil
}

// RunIngest converts the genotype file into the genotype block matrix and
// writes the per-variant MAF, the variant filter and the sample filter to
// the output directory.
func (p *Pipeline) RunIngest(ctx context.Context) (*blockstore.Store, error) {
	gfs, err := NewGenoFileStream(p.config.GenoBinFile, uint64(p.config.NumInds), uint64(p.config.NumSnps), false)
	if err != nil {
		return nil, err
	}
	defer gfs.Close()

	var st *GenoStats
	if p.config.GenoCountFile != "" {
		ac, gc, miss, err := ReadGenoStatsFromFile(p.config.GenoCountFile, p.config.NumSnps)
		if err != nil {
			return nil, err
		}
		if st, err = GenoStatsFromCounts(ac, gc, miss, p.config.NumInds); err != nil {
			return nil, err
		}
	}

	geno, st, err := IngestGenotypes(ctx, gfs, p.backend, IngestOptions{
		Name:      GenoMatrix,
		BlockSize: p.config.BlockSize,
		Codec:     p.config.Codec,
		Filter:    FilterParams{MafLowerBound: p.config.MafLB, GenoMissBound: p.config.SnpMissUB},
		Workers:   p.config.LocalNumThreads,
		Stats:     st,

		SampleMissBound: p.config.SampleMissUB,
	})
	if err != nil {
		return nil, err
	}
	p.geno = geno
	p.params.SetNumFiltInds(geno.Rows())
	p.params.SetNumFiltSnps(geno.Cols())

	p.samples, p.pheno = st.Samples, nil
	if p.samples == nil {
		p.samples = make([]bool, p.config.NumInds)
		for i := range p.samples {
			p.samples[i] = true
		}
	}
	if err := SaveFloatVectorToFile(p.OutFile(sampleFilterFile), boolsToFloats(p.samples)); err != nil {
		return nil, err
	}

	keep := st.Keep(FilterParams{MafLowerBound: p.config.MafLB, GenoMissBound: p.config.SnpMissUB})
	if err := SaveFloatVectorToFile(p.OutFile("variant_maf.txt"), st.MAF); err != nil {
		return nil, err
	}
	if err := SaveFloatVectorToFile(p.OutFile("variant_filter.txt"), boolsToFloats(keep)); err != nil {
		return nil, err
	}
	return geno, nil
}

func (p *Pipeline) genoStore(ctx context.Context) (*blockstore.Store, error) {
	if p.geno != nil {
		return p.geno, nil
	}
	geno, err := p.open(ctx, GenoMatrix, "ingest")
	if err != nil {
		return nil, err
	}
	p.geno = geno
	p.params.SetNumFiltInds(geno.Rows())
	p.params.SetNumFiltSnps(geno.Cols())
	return geno, nil
}

func boolsToFloats(b []bool) []float64 {
	out := make([]float64, len(b))
	for i, ok := range b {
		if ok {
			out[i] = 1
		}
	}
	return out
}

// sampleFilter returns the samples kept at ingest, reading the filter
// written by RunIngest when ingest ran in an earlier process. Nil means no
// ingest output exists yet.
func (p *Pipeline) sampleFilter() ([]bool, error) {
	if p.samples != nil || !p.OutExists(sampleFilterFile) {
		return p.samples, nil
	}
	v, err := LoadMatrixFromFile(p.OutFile(sampleFilterFile), '\t')
	if err != nil {
		return nil, err
	}
	if r, c := v.Dims(); r != p.config.NumInds || c != 1 {
		return nil, blockstore.Configf("num_inds", "%s covers %d samples, expected %d", sampleFilterFile, r, p.config.NumInds)
	}
	samples := make([]bool, p.config.NumInds)
	for i := range samples {
		samples[i] = v.At(i, 0) != 0
	}
	p.samples = samples
	return samples, nil
}

// RunRelationship builds the genetic relationship matrix from the ingested
// genotypes.
func (p *Pipeline) RunRelationship(ctx context.Context) (*blockstore.Store, error) {
	geno, err := p.genoStore(ctx)
	if err != nil {
		return nil, err
	}
	grm, err := blockstore.OpenOrCreate(ctx, p.backend, blockstore.Manifest{
		Matrix:    RelationshipMatrix,
		Kind:      blockstore.KindSymmetric,
		Rows:      geno.Rows(),
		Cols:      geno.Rows(),
		BlockSize: geno.BlockSize(),
		Codec:     p.config.Codec,
	})
	if err != nil {
		return nil, err
	}

	c := p.newCache(geno)
	defer c.Close()
	if _, err := tri.BuildRelationship(ctx, geno, grm, c, p.config.TriOptions()); err != nil {
		return nil, err
	}
	p.grm = grm
	logCacheStats("relationship", c)
	return grm, nil
}

// RunTriangularize factors the relationship matrix.
func (p *Pipeline) RunTriangularize(ctx context.Context) (*tri.Result, error) {
	grm := p.grm
	if grm == nil {
		var err error
		if grm, err = p.open(ctx, RelationshipMatrix, "relationship"); err != nil {
			return nil, err
		}
	}
	factor, err := tri.NewFactorStore(ctx, p.backend, FactorMatrix, grm)
	if err != nil {
		return nil, err
	}

	c := p.newCache(factor)
	defer c.Close()
	res, err := tri.Triangularize(ctx, grm, factor, c, p.config.TriOptions())
	if err != nil {
		return nil, err
	}
	p.grm, p.factor = grm, factor
	logCacheStats("triangularize", c)
	return res, nil
}

func (p *Pipeline) factorStore(ctx context.Context) (*blockstore.Store, error) {
	if p.factor != nil {
		return p.factor, nil
	}
	factor, err := p.open(ctx, FactorMatrix, "triangularize")
	if err != nil {
		return nil, err
	}
	p.factor = factor
	return factor, nil
}

// Phenotypes loads the tab-separated phenotype table, using the binary copy
// in the cache directory when present. Rows of samples dropped at ingest are
// removed.
func (p *Pipeline) Phenotypes() (*mat.Dense, error) {
	if p.pheno != nil {
		return p.pheno, nil
	}
	var pheno *mat.Dense
	var err error
	if p.CacheExists(phenoCacheFile) {
		log.Lvl2("Loading phenotypes from cache", p.CacheFile(phenoCacheFile))
		pheno, err = LoadMatDenseCacheFromFile(p.CacheFile(phenoCacheFile))
	} else {
		pheno, err = LoadMatrixFromFile(p.config.PhenoFile, '\t')
		if err == nil && p.config.CacheDir != "" {
			err = SaveMatDenseToFile(pheno, p.CacheFile(phenoCacheFile))
		}
	}
	if err != nil {
		return nil, err
	}
	r, c := pheno.Dims()
	if r != p.params.NumInds() {
		return nil, blockstore.Configf("pheno_file", "%d rows, expected num_inds = %d", r, p.params.NumInds())
	}

	samples, err := p.sampleFilter()
	if err != nil {
		return nil, err
	}
	kept := 0
	for _, ok := range samples {
		if ok {
			kept++
		}
	}
	if samples != nil && kept < r {
		sub := mat.NewDense(kept, c, nil)
		i := 0
		for row, ok := range samples {
			if ok {
				sub.SetRow(i, pheno.RawRowView(row))
				i++
			}
		}
		log.Lvl1("Phenotypes: kept", kept, "of", r, "samples")
		pheno = sub
	}
	p.pheno = pheno
	return pheno, nil
}

// RunEigen decomposes the relationship matrix through its factor and
// writes eigenvalues.txt. The decomposition is cached in the cache
// directory.
func (p *Pipeline) RunEigen(ctx context.Context) (*tri.Eigen, error) {
	if p.eig != nil {
		return p.eig, nil
	}
	if p.CacheExists(eigenValuesCacheFile) && p.CacheExists(eigenVectorsCacheFile) {
		log.Lvl2("Loading eigendecomposition from cache", p.config.CacheDir)
		values, err := LoadMatDenseCacheFromFile(p.CacheFile(eigenValuesCacheFile))
		if err != nil {
			return nil, err
		}
		vectors, err := LoadMatDenseCacheFromFile(p.CacheFile(eigenVectorsCacheFile))
		if err != nil {
			return nil, err
		}
		p.eig = &tri.Eigen{Values: mat.Col(nil, 0, values), Vectors: vectors}
		return p.eig, nil
	}

	factor, err := p.factorStore(ctx)
	if err != nil {
		return nil, err
	}
	eig, err := tri.Eigendecompose(ctx, []*blockstore.Store{factor}, nil)
	if err != nil {
		return nil, err
	}
	if err := SaveFloatVectorToFile(p.OutFile("eigenvalues.txt"), eig.Values); err != nil {
		return nil, err
	}
	if p.config.CacheDir != "" {
		values := mat.NewDense(eig.Dim(), 1, eig.Values)
		if err := SaveMatDenseToFile(values, p.CacheFile(eigenValuesCacheFile)); err != nil {
			return nil, err
		}
		if err := SaveMatDenseToFile(eig.Vectors, p.CacheFile(eigenVectorsCacheFile)); err != nil {
			return nil, err
		}
	}
	p.eig = eig
	return eig, nil
}

// RunNullModel fits one variance component model per phenotype and writes
// null_model.toml.
func (p *Pipeline) RunNullModel(ctx context.Context) ([]*score.NullModel, error) {
	eig, err := p.RunEigen(ctx)
	if err != nil {
		return nil, err
	}
	pheno, err := p.Phenotypes()
	if err != nil {
		return nil, err
	}
	models, err := score.FitNullModels(ctx, eig, pheno, p.config.LocalNumThreads)
	if err != nil {
		return nil, err
	}

	summary := struct {
		Phenotype []score.NullModel `toml:"phenotype"`
	}{}
	for _, m := range models {
		summary.Phenotype = append(summary.Phenotype, *m)
	}
	f, err := os.Create(p.OutFile("null_model.toml"))
	if err != nil {
		return nil, err
	}
	if err := toml.NewEncoder(f).Encode(summary); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return models, nil
}

// RunScore applies the factor to the phenotypes in the configured mode and
// writes scores_<mode> to the output directory.
func (p *Pipeline) RunScore(ctx context.Context) (*score.Result, error) {
	factor, err := p.factorStore(ctx)
	if err != nil {
		return nil, err
	}
	pheno, err := p.Phenotypes()
	if err != nil {
		return nil, err
	}

	c := p.newCache(factor)
	defer c.Close()
	opts := p.config.ScoreOptions()
	res, err := score.Score(ctx, factor, c, pheno, opts)
	if err != nil {
		return nil, err
	}
	logCacheStats("score", c)

	name := "scores_" + opts.Mode.String()
	if err := score.WriteResults(p.config.OutDir, name, res.Values, score.ResultManifest{
		Factor:  factor.Name(),
		Mode:    opts.Mode.String(),
		Inputs:  []string{p.config.PhenoFile},
		Missing: res.Missing,
	}); err != nil {
		return nil, err
	}
	log.Lvl1("Saved scores to", p.OutFile(name+".f64"))
	return res, nil
}

// RunAssociate computes per-variant association statistics and writes
// assoc_chi2, assoc_pval and assoc_var to the output directory. With
// null_model = "ml" the statistics come from the fitted null models.
func (p *Pipeline) RunAssociate(ctx context.Context) (*score.Association, error) {
	factor, err := p.factorStore(ctx)
	if err != nil {
		return nil, err
	}
	geno, err := p.genoStore(ctx)
	if err != nil {
		return nil, err
	}
	pheno, err := p.Phenotypes()
	if err != nil {
		return nil, err
	}

	var assoc *score.Association
	mode := score.ModeWhiten.String()
	if p.config.NullModel == "ml" {
		mode = "ml"
		models, err := p.RunNullModel(ctx)
		if err != nil {
			return nil, err
		}
		if assoc, err = score.AssociateMixed(ctx, geno, p.eig, models, p.config.ScoreOptions()); err != nil {
			return nil, err
		}
	} else {
		c := p.newCache(factor)
		defer c.Close()
		if assoc, err = score.Associate(ctx, factor, geno, c, pheno, p.config.ScoreOptions()); err != nil {
			return nil, err
		}
		logCacheStats("associate", c)
	}

	for name, values := range map[string]*mat.Dense{"assoc_chi2": assoc.Chi2, "assoc_pval": assoc.P, "assoc_var": assoc.V} {
		if err := score.WriteResults(p.config.OutDir, name, values, score.ResultManifest{
			Factor:  factor.Name(),
			Mode:    mode,
			Inputs:  []string{geno.Name(), p.config.PhenoFile},
			Missing: assoc.Monomorphic,
		}); err != nil {
			return nil, err
		}
	}
	return assoc, nil
}

// Run executes every stage in order. Stages whose output is already
// complete are skipped by the stage itself.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.RunIngest(ctx); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if _, err := p.RunRelationship(ctx); err != nil {
		return fmt.Errorf("relationship: %w", err)
	}
	res, err := p.RunTriangularize(ctx)
	if err != nil {
		return fmt.Errorf("triangularize: %w", err)
	}
	if len(res.Warnings) > 0 {
		log.Lvl1(len(res.Warnings), "diagonal blocks were regularized, see the", FactorMatrix, "manifest")
	}
	if _, err := p.RunScore(ctx); err != nil {
		return fmt.Errorf("score: %w", err)
	}
	if _, err := p.RunAssociate(ctx); err != nil {
		return fmt.Errorf("associate: %w", err)
	}
	return nil
}

func logCacheStats(stage string, c *cache.Cache) {
	st := c.Stats()
	log.Lvl2(fmt.Sprintf("%s cache: %d hits, %d misses, %d loads, %d evictions", stage, st.Hits, st.Misses, st.Loads, st.Evictions))
}
