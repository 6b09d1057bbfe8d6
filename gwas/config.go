package gwas

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/score"
	"github.com/hhcho/sfgwas-tri/tri"
)

type Config struct {
	NumInds   int `toml:"num_inds"`
	NumSnps   int `toml:"num_snps"`
	BlockSize int `toml:"block_size"`

	Codec string `toml:"codec"`

	// Storage selects the block backend: "dir" (default) keeps blocks under
	// CacheDir, "minio" keeps them in an S3-compatible bucket.
	Storage        string `toml:"storage"`
	MinioEndpoint  string `toml:"minio_endpoint"`
	MinioBucket    string `toml:"minio_bucket"`
	MinioPrefix    string `toml:"minio_prefix"`
	MinioAccessKey string `toml:"minio_access_key"`
	MinioSecretKey string `toml:"minio_secret_key"`
	MinioUseSSL    bool   `toml:"minio_use_ssl"`

	SnpMissUB    float64 `toml:"gmiss"`
	MafLB        float64 `toml:"maf_lb"`
	SampleMissUB float64 `toml:"imiss"`

	GenoBinFile   string `toml:"geno_binary_file"`
	GenoCountFile string `toml:"geno_count_file"`
	PhenoFile     string `toml:"pheno_file"`

	OutDir   string `toml:"output_dir"`
	CacheDir string `toml:"cache_dir"`

	LocalNumThreads int    `toml:"local_num_threads"`
	CacheCapacity   int64  `toml:"cache_capacity"`
	MemoryLimit     uint64 `toml:"memory_limit"`

	PivotTolerance   float64 `toml:"pivot_tolerance"`
	Ridge            float64 `toml:"ridge"`
	RidgeGrowth      float64 `toml:"ridge_growth"`
	MaxRidgeAttempts int     `toml:"max_ridge_attempts"`
	JobTimeoutSec    int     `toml:"job_timeout_sec"`

	ScoreMode string `toml:"score_mode"`
	// NullModel selects the association test: "none" uses the whitened
	// score test, "ml" fits a variance component model per phenotype.
	NullModel string `toml:"null_model"`

	Debug bool `toml:"debug"`
}

// DefaultConfig returns the values used for keys absent from both config
// files.
func DefaultConfig() *Config {
	to := tri.DefaultOptions()
	return &Config{
		BlockSize:        1024,
		Codec:            "zstd",
		Storage:          "dir",
		SnpMissUB:        1,
		SampleMissUB:     1,
		OutDir:           "out",
		CacheDir:         "cache",
		LocalNumThreads:  to.Workers,
		CacheCapacity:    1 << 30,
		PivotTolerance:   to.PivotTolerance,
		Ridge:            to.Ridge,
		RidgeGrowth:      to.RidgeGrowth,
		MaxRidgeAttempts: to.MaxRidgeAttempts,
		ScoreMode:        "whiten",
		NullModel:        "none",
	}
}

// LoadConfig decodes the global config file and then the local one on top
// of it. local may be empty.
func LoadConfig(global, local string) (*Config, error) {
	config := DefaultConfig()
	if _, err := toml.DecodeFile(global, config); err != nil {
		return nil, err
	}
	if local != "" {
		if _, err := toml.DecodeFile(local, config); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch {
	case c.NumInds <= 0:
		return blockstore.Configf("num_inds", "must be positive, got %d", c.NumInds)
	case c.NumSnps <= 0:
		return blockstore.Configf("num_snps", "must be positive, got %d", c.NumSnps)
	case c.BlockSize <= 0:
		return blockstore.Configf("block_size", "must be positive, got %d", c.BlockSize)
	case c.CacheCapacity <= 0:
		return blockstore.Configf("cache_capacity", "must be positive, got %d", c.CacheCapacity)
	case c.MafLB < 0 || c.MafLB > 0.5:
		return blockstore.Configf("maf_lb", "must lie in [0, 0.5], got %g", c.MafLB)
	case c.SnpMissUB < 0 || c.SnpMissUB > 1:
		return blockstore.Configf("gmiss", "must lie in [0, 1], got %g", c.SnpMissUB)
	case c.SampleMissUB <= 0 || c.SampleMissUB > 1:
		return blockstore.Configf("imiss", "must lie in (0, 1], got %g", c.SampleMissUB)
	case c.NullModel != "" && c.NullModel != "none" && c.NullModel != "ml":
		return blockstore.Configf("null_model", "unknown model %q", c.NullModel)
	case c.OutDir == "":
		return blockstore.Configf("output_dir", "must be set")
	}
	if _, err := blockstore.ParseCodec(c.Codec); err != nil {
		return err
	}
	if _, err := score.ParseMode(c.ScoreMode); err != nil {
		return err
	}
	switch c.Storage {
	case "", "dir":
		if c.CacheDir == "" {
			return blockstore.Configf("cache_dir", "must be set for dir storage")
		}
	case "minio":
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			return blockstore.Configf("minio_endpoint", "minio storage needs an endpoint and a bucket")
		}
	default:
		return blockstore.Configf("storage", "unknown backend %q", c.Storage)
	}
	return c.TriOptions().Validate()
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

func (c *Config) TriOptions() tri.Options {
	return tri.Options{
		Workers:          c.LocalNumThreads,
		PivotTolerance:   c.PivotTolerance,
		Ridge:            c.Ridge,
		RidgeGrowth:      c.RidgeGrowth,
		MaxRidgeAttempts: c.MaxRidgeAttempts,
		Timeout:          c.timeout(),
	}
}

// ScoreOptions assumes the config has been validated.
func (c *Config) ScoreOptions() score.Options {
	mode, _ := score.ParseMode(c.ScoreMode)
	return score.Options{
		Workers: c.LocalNumThreads,
		Mode:    mode,
		Timeout: c.timeout(),
	}
}
