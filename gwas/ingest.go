package gwas

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
)

// GenoStats are per-variant summaries over the unfiltered columns of a
// genotype file.
type GenoStats struct {
	Mean     []float64 // alt allele dosage over non-missing calls
	MAF      []float64
	MissRate []float64

	MissingCalls int

	// Samples marks the samples kept by the missingness filter, indexed by
	// file row. Nil when the filter is off.
	Samples []bool
}

func newGenoStats(m int) *GenoStats {
	return &GenoStats{
		Mean:     make([]float64, m),
		MAF:      make([]float64, m),
		MissRate: make([]float64, m),
	}
}

func (st *GenoStats) set(j int, sum float64, observed, n int) {
	st.MissRate[j] = float64(n-observed) / float64(n)
	if observed == 0 {
		return
	}
	st.Mean[j] = sum / float64(observed)
	af := st.Mean[j] / 2
	st.MAF[j] = math.Min(af, 1-af)
}

// Keep applies the variant filters.
func (st *GenoStats) Keep(filt FilterParams) []bool {
	keep := make([]bool, len(st.Mean))
	for j := range keep {
		keep[j] = st.MissRate[j] < 1 && filt.Keep(st.MAF[j], st.MissRate[j])
	}
	return keep
}

// ComputeGenoStats streams the file once. The stream must not have a column
// filter.
func ComputeGenoStats(ctx context.Context, gfs *GenoFileStream) (*GenoStats, error) {
	if gfs.ColFilt() != nil {
		return nil, errors.New("genotype stats need an unfiltered stream")
	}
	m := int(gfs.NumCols())
	n := int(gfs.NumRowsToKeep())
	sum := make([]float64, m)
	observed := make([]int, m)

	gfs.SetReplaceMissing(false)
	if err := gfs.Reset(); err != nil {
		return nil, err
	}
	st := newGenoStats(m)
	for i := 0; i < n; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := gfs.NextRow()
		if err != nil {
			return nil, err
		}
		for j, v := range row {
			if v < 0 {
				st.MissingCalls++
				continue
			}
			sum[j] += v
			observed[j]++
		}
	}
	for j := range sum {
		st.set(j, sum[j], observed[j], n)
	}
	return st, nil
}

// SampleMissRates streams the file once and returns each sample's fraction
// of missing calls. The stream must be unfiltered.
func SampleMissRates(ctx context.Context, gfs *GenoFileStream) ([]float64, error) {
	if gfs.ColFilt() != nil || gfs.RowFilt() != nil {
		return nil, errors.New("sample missingness needs an unfiltered stream")
	}
	gfs.SetReplaceMissing(false)
	if err := gfs.Reset(); err != nil {
		return nil, err
	}
	n, m := int(gfs.NumRows()), float64(gfs.NumCols())
	rates := make([]float64, n)
	for i := 0; i < n; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := gfs.NextRow()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("%s: stream ended after %d rows", gfs.filename, gfs.LineCount())
		}
		missing := 0
		for _, v := range row {
			if v < 0 {
				missing++
			}
		}
		rates[i] = float64(missing) / m
	}
	return rates, nil
}

// filterSamples drops samples whose missing rate exceeds bound.
func filterSamples(ctx context.Context, gfs *GenoFileStream, bound float64) error {
	rates, err := SampleMissRates(ctx, gfs)
	if err != nil {
		return err
	}
	keep := make([]bool, len(rates))
	for i, r := range rates {
		keep[i] = r <= bound
	}
	kept, err := gfs.UpdateRowFilt(keep)
	if err != nil {
		return err
	}
	if kept == 0 {
		return blockstore.Configf("imiss", "no sample has a missing rate below %g", bound)
	}
	log.Lvl1("Samples kept after filtering:", kept, "of", gfs.NumRows())
	return nil
}

// GenoStatsFromCounts builds the stats from a precomputed count file (see
// ReadGenoStatsFromFile) instead of a pass over the genotypes.
func GenoStatsFromCounts(ac, gc [][]uint32, miss []uint32, n int) (*GenoStats, error) {
	m := len(miss)
	if len(ac) != 2 || len(gc) != 3 || len(ac[1]) != m {
		return nil, errors.New("malformed genotype count table")
	}
	st := newGenoStats(m)
	for j := 0; j < m; j++ {
		if int(miss[j]) > n {
			return nil, fmt.Errorf("variant %d: %d missing calls among %d samples", j, miss[j], n)
		}
		st.MissingCalls += int(miss[j])
		st.set(j, float64(ac[1][j]), n-int(miss[j]), n)
	}
	return st, nil
}

type IngestOptions struct {
	Name      string
	BlockSize int
	Codec     string
	Filter    FilterParams
	Workers   int

	// SampleMissBound drops samples with a larger missing rate. Zero or one
	// keeps every sample without the extra pass.
	SampleMissBound float64

	// Stats skips the variant stats pass when set. Stats cover every
	// sample, so they are recomputed when the sample filter drops any.
	Stats *GenoStats
}

// IngestGenotypes writes the filtered genotype file as a samples x variants
// block matrix. Missing calls are replaced with the variant mean. Blocks
// already committed by an interrupted run are kept.
func IngestGenotypes(ctx context.Context, gfs *GenoFileStream, backend blockstore.Backend, opts IngestOptions) (*blockstore.Store, *GenoStats, error) {
	if opts.Workers < 1 {
		return nil, nil, blockstore.Configf("local_num_threads", "need at least one worker, got %d", opts.Workers)
	}
	st := opts.Stats
	if opts.SampleMissBound > 0 && opts.SampleMissBound < 1 {
		if err := filterSamples(ctx, gfs, opts.SampleMissBound); err != nil {
			return nil, nil, err
		}
		if st != nil && gfs.NumRowsToKeep() < gfs.NumRows() {
			log.Lvl1("Samples were filtered, recomputing genotype stats")
			st = nil
		}
	}
	if st == nil {
		log.LLvl1(time.Now().Format(time.StampMilli), "Computing genotype stats")
		var err error
		if st, err = ComputeGenoStats(ctx, gfs); err != nil {
			return nil, nil, err
		}
	} else if len(st.Mean) != int(gfs.NumCols()) {
		return nil, nil, blockstore.Configf("geno_count_file", "stats cover %d variants, file has %d", len(st.Mean), gfs.NumCols())
	}

	st.Samples = gfs.RowFilt()

	kept, err := gfs.UpdateColFilt(st.Keep(opts.Filter))
	if err != nil {
		return nil, nil, err
	}
	if kept == 0 {
		return nil, nil, blockstore.Configf("maf_lb", "no variant passes the filters")
	}
	log.Lvl1("Variants kept after filtering:", kept, "of", gfs.NumCols())

	store, err := blockstore.OpenOrCreate(ctx, backend, blockstore.Manifest{
		Matrix:    opts.Name,
		Kind:      blockstore.KindGeneral,
		Rows:      int(gfs.NumRowsToKeep()),
		Cols:      kept,
		BlockSize: opts.BlockSize,
		Codec:     opts.Codec,
	})
	if err != nil {
		return nil, nil, err
	}
	if store.IsComplete() {
		log.Lvl1("Genotype matrix", opts.Name, "found, skipping ingest")
		return store, st, nil
	}

	committed, err := store.Committed(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[blockstore.BlockID]bool, len(committed))
	for _, id := range committed {
		done[id] = true
	}

	gfs.SetReplaceMissing(true)
	if err := gfs.SetColMissingReplace(st.Mean); err != nil {
		return nil, nil, err
	}
	if err := gfs.Reset(); err != nil {
		return nil, nil, err
	}

	start := time.Now()
	written := 0
	for ib := 0; ib < store.BlockRows(); ib++ {
		rows, _ := store.Extent(blockstore.BlockID{Row: ib})
		tile := make([][]float64, rows)
		for r := range tile {
			if tile[r], err = gfs.NextRow(); err != nil {
				return nil, nil, err
			}
			if tile[r] == nil {
				return nil, nil, fmt.Errorf("%s: stream ended after %d rows", gfs.filename, gfs.LineCount())
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for jb := 0; jb < store.BlockCols(); jb++ {
			id := blockstore.BlockID{Row: ib, Col: jb}
			if done[id] {
				continue
			}
			written++
			g.Go(func() error {
				return store.Put(gctx, tileBlock(store, id, tile))
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		log.Lvl2("Ingested block row", ib+1, "/", store.BlockRows())
	}
	gfs.Close()

	store.SetSource("ingest " + gfs.filename)
	if err := store.Finalize(ctx, blockstore.StatusComplete, nil); err != nil {
		return nil, nil, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Ingested", written, "blocks in", time.Since(start))
	return store, st, nil
}

func tileBlock(store *blockstore.Store, id blockstore.BlockID, tile [][]float64) *blockstore.Block {
	rows, cols := store.Extent(id)
	b := blockstore.NewBlock(id, rows, cols)
	shift := id.Col * store.BlockSize()
	for r := 0; r < rows; r++ {
		copy(b.Data[r*cols:(r+1)*cols], tile[r][shift:shift+cols])
	}
	return b
}
