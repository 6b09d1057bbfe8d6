package blockstore

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// BlockID addresses a block by its block-row and block-column.
type BlockID struct {
	Row int
	Col int
}

func (id BlockID) String() string {
	return fmt.Sprintf("(%d,%d)", id.Row, id.Col)
}

// ObjectName is the deterministic object name of a block within a matrix namespace.
func ObjectName(matrix string, id BlockID) string {
	return fmt.Sprintf("%s.r%06d.c%06d.blk", matrix, id.Row, id.Col)
}

// Layout describes how the values of a block are laid out on disk.
type Layout uint8

const (
	// LayoutDense stores all rows*cols values row-major.
	LayoutDense Layout = iota
	// LayoutLowerPacked stores only the lower triangle (including the diagonal)
	// of a square block. The upper triangle decodes as zero.
	LayoutLowerPacked
)

func (l Layout) String() string {
	switch l {
	case LayoutDense:
		return "dense"
	case LayoutLowerPacked:
		return "lower-packed"
	}
	return fmt.Sprintf("layout(%d)", uint8(l))
}

// Block is the unit of storage and compute. Data always holds exactly
// Rows*Cols values in row-major order, whatever the on-disk layout.
type Block struct {
	ID     BlockID
	Rows   int
	Cols   int
	Layout Layout
	Data   []float64

	// Ridge is the diagonal regularization that was added before factoring
	// a diagonal factor block; zero everywhere else.
	Ridge float64
}

func NewBlock(id BlockID, rows, cols int) *Block {
	return &Block{
		ID:   id,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

func (b *Block) At(i, j int) float64 {
	return b.Data[i*b.Cols+j]
}

func (b *Block) Set(i, j int, v float64) {
	b.Data[i*b.Cols+j] = v
}

func (b *Block) Dims() (int, int) {
	return b.Rows, b.Cols
}

// Dense returns a gonum view sharing the block's storage.
func (b *Block) Dense() *mat.Dense {
	return mat.NewDense(b.Rows, b.Cols, b.Data)
}

// General returns a BLAS view sharing the block's storage.
func (b *Block) General() blas64.General {
	return blas64.General{Rows: b.Rows, Cols: b.Cols, Data: b.Data, Stride: b.Cols}
}

// Lower views a square block as a non-unit lower triangular matrix.
func (b *Block) Lower() blas64.Triangular {
	return blas64.Triangular{Uplo: blas.Lower, Diag: blas.NonUnit, N: b.Rows, Data: b.Data, Stride: b.Cols}
}

// SizeBytes is the in-memory footprint of the decoded values.
func (b *Block) SizeBytes() int64 {
	return int64(len(b.Data)) * 8
}

// Clone returns a deep copy re-addressed to id.
func (b *Block) Clone(id BlockID) *Block {
	out := &Block{
		ID:     id,
		Rows:   b.Rows,
		Cols:   b.Cols,
		Layout: b.Layout,
		Ridge:  b.Ridge,
		Data:   make([]float64, len(b.Data)),
	}
	copy(out.Data, b.Data)
	return out
}

func (b *Block) validate() error {
	if b.Rows <= 0 || b.Cols <= 0 {
		return fmt.Errorf("invalid extent %dx%d", b.Rows, b.Cols)
	}
	if len(b.Data) != b.Rows*b.Cols {
		return fmt.Errorf("extent %dx%d does not match %d values", b.Rows, b.Cols, len(b.Data))
	}
	if b.Layout == LayoutLowerPacked && b.Rows != b.Cols {
		return fmt.Errorf("lower-packed layout requires a square block, got %dx%d", b.Rows, b.Cols)
	}
	return nil
}
