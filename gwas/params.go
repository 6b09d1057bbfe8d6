package gwas

type FilterParams struct {
	MafLowerBound float64
	GenoMissBound float64
}

// Keep reports whether a variant with the given minor allele frequency and
// missing rate passes the filters.
func (f FilterParams) Keep(maf, missRate float64) bool {
	return maf >= f.MafLowerBound && missRate <= f.GenoMissBound
}

type GWASParams struct {
	numInds   int
	numSnps   int
	blockSize int

	numFiltInds int
	numFiltSnps int
}

func InitGWASParams(numInds, numSnps, blockSize int) *GWASParams {
	return &GWASParams{
		numInds:     numInds,
		numSnps:     numSnps,
		blockSize:   blockSize,
		numFiltInds: numInds,
		numFiltSnps: numSnps,
	}
}

func (g *GWASParams) NumInds() int     { return g.numInds }
func (g *GWASParams) NumSnps() int     { return g.numSnps }
func (g *GWASParams) BlockSize() int   { return g.blockSize }
func (g *GWASParams) NumFiltInds() int { return g.numFiltInds }
func (g *GWASParams) NumFiltSnps() int { return g.numFiltSnps }

func (g *GWASParams) SetNumFiltInds(n int) { g.numFiltInds = n }
func (g *GWASParams) SetNumFiltSnps(m int) { g.numFiltSnps = m }

func (g *GWASParams) NumBlockRows() int {
	return (g.numFiltInds + g.blockSize - 1) / g.blockSize
}

func (g *GWASParams) NumBlockCols() int {
	return (g.numFiltSnps + g.blockSize - 1) / g.blockSize
}
