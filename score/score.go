// Package score solves against a stored triangular factor, batching many
// phenotype or weight vectors through each factor block.
package score

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/sched"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// ErrFactorNotReady is returned when the factor is incomplete or one of its
// blocks cannot be found.
var ErrFactorNotReady = fmt.Errorf("factor not ready: %w", sched.ErrDependencyMissing)

type Mode int

const (
	// ModeWhiten computes L^{-1} y.
	ModeWhiten Mode = iota
	// ModeSolve computes A^{-1} y = L^{-T} L^{-1} y.
	ModeSolve
)

func (m Mode) String() string {
	switch m {
	case ModeWhiten:
		return "whiten"
	case ModeSolve:
		return "solve"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "whiten":
		return ModeWhiten, nil
	case "solve":
		return ModeSolve, nil
	}
	return 0, blockstore.Configf("score_mode", "unknown mode %q", s)
}

type Options struct {
	Workers int
	Mode    Mode
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{Workers: runtime.NumCPU(), Mode: ModeWhiten}
}

type Result struct {
	// Values is N x k, one column per input vector. Entries that were
	// missing in the input are NaN.
	Values  *mat.Dense
	Missing int
	Elapsed time.Duration
}

func checkFactor(factor *blockstore.Store, c *cache.Cache) error {
	switch {
	case factor.Kind() != blockstore.KindLowerTriangular:
		return blockstore.Configf("factor", "%s is a %s matrix, expected %s", factor.Name(), factor.Kind(), blockstore.KindLowerTriangular)
	case c == nil || c.Source() != cache.Loader(factor):
		return blockstore.Configf("cache", "block cache must read through the factor store %s", factor.Name())
	case !factor.IsComplete():
		return fmt.Errorf("%w: %s has status %s", ErrFactorNotReady, factor.Name(), factor.Manifest().Status)
	}
	return nil
}

// Score applies the factor to every column of Y. NaN entries of Y are
// treated as missing: they enter the solve as zero (inputs are expected to
// be centered) and come back as NaN.
func Score(ctx context.Context, factor *blockstore.Store, c *cache.Cache, Y *mat.Dense, opts Options) (*Result, error) {
	if err := checkFactor(factor, c); err != nil {
		return nil, err
	}
	n, k := Y.Dims()
	if n != factor.Rows() {
		return nil, blockstore.Configf("vector", "length %d does not match factor dimension %d", n, factor.Rows())
	}
	if k == 0 {
		return nil, blockstore.Configf("vector", "no vectors to score")
	}
	if opts.Workers < 1 {
		return nil, blockstore.Configf("local_num_threads", "need at least one worker, got %d", opts.Workers)
	}
	if opts.Mode != ModeWhiten && opts.Mode != ModeSolve {
		return nil, blockstore.Configf("score_mode", "unknown mode %v", opts.Mode)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	log.LLvl1(time.Now().Format(time.StampMilli), "Scoring", k, "vectors against", factor.Name(), "mode", opts.Mode)

	missing := 0
	y := mat.DenseCopyOf(Y)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			if math.IsNaN(y.At(i, j)) {
				y.Set(i, j, 0)
				missing++
			}
		}
	}

	x, err := solve(ctx, factor, c, y, opts)
	if err != nil {
		log.Error("Scoring against", factor.Name(), "failed:", err)
		return nil, err
	}

	if missing > 0 {
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				if math.IsNaN(Y.At(i, j)) {
					x.Set(i, j, math.NaN())
				}
			}
		}
		log.Lvl1(missing, "missing entries reported as NaN")
	}

	res := &Result{Values: x, Missing: missing, Elapsed: time.Since(start)}
	log.LLvl1(time.Now().Format(time.StampMilli), "Scoring done in", res.Elapsed)
	return res, nil
}

// solve runs the blocked substitution DAGs on fully defined inputs.
func solve(ctx context.Context, factor *blockstore.Store, c *cache.Cache, y *mat.Dense, opts Options) (*mat.Dense, error) {
	acc := split(factor, y)

	var prefetch sync.WaitGroup
	defer prefetch.Wait()

	if err := forward(ctx, factor, c, acc, opts.Workers, &prefetch); err != nil {
		return nil, err
	}
	if opts.Mode == ModeSolve {
		if err := backward(ctx, factor, c, acc, opts.Workers); err != nil {
			return nil, err
		}
	}
	return join(factor, acc), nil
}

// split cuts y into one row block per factor block row.
func split(factor *blockstore.Store, y *mat.Dense) []*blockstore.Block {
	_, k := y.Dims()
	bs := factor.BlockSize()
	acc := make([]*blockstore.Block, factor.BlockRows())
	for i := range acc {
		rows, _ := factor.Extent(blockstore.BlockID{Row: i, Col: i})
		b := blockstore.NewBlock(blockstore.BlockID{Row: i}, rows, k)
		for r := 0; r < rows; r++ {
			for j := 0; j < k; j++ {
				b.Set(r, j, y.At(i*bs+r, j))
			}
		}
		acc[i] = b
	}
	return acc
}

func join(factor *blockstore.Store, acc []*blockstore.Block) *mat.Dense {
	bs := factor.BlockSize()
	x := mat.NewDense(factor.Rows(), acc[0].Cols, nil)
	for i, b := range acc {
		x.Slice(i*bs, i*bs+b.Rows, 0, b.Cols).(*mat.Dense).Copy(b.Dense())
	}
	return x
}

func acquireFactor(ctx context.Context, c *cache.Cache, id blockstore.BlockID) (*cache.Handle, error) {
	h, err := c.Acquire(ctx, id)
	if errors.Is(err, blockstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: block %v: %v", ErrFactorNotReady, id, err)
	}
	return h, err
}

// forward computes x = L^{-1} acc in place. Task (i,j), j < i, subtracts
// L_ij x_j from acc_i; task (i,i) solves with L_ii. The tasks of a block row
// are chained in ascending j so the accumulation order is fixed.
func forward(ctx context.Context, factor *blockstore.Store, c *cache.Cache, acc []*blockstore.Block, workers int, prefetch *sync.WaitGroup) error {
	nb := len(acc)
	pool := sched.NewPool(workers, sched.WithName("forward "+factor.Name()))

	for i := 0; i < nb; i++ {
		for j := 0; j <= i; j++ {
			id := blockstore.BlockID{Row: i, Col: j}
			var deps []sched.TaskID
			if j > 0 {
				deps = append(deps, sched.TaskID{Row: i, Col: j - 1})
			}
			if j < i {
				deps = append(deps, sched.TaskID{Row: j, Col: j})
			}

			run := func(ctx context.Context) error {
				h, err := acquireFactor(ctx, c, id)
				if err != nil {
					return err
				}
				defer h.Release()
				l := h.Block()
				if id.Row == id.Col {
					blas64.Trsm(blas.Left, blas.NoTrans, 1, l.Lower(), acc[id.Row].General())
					if next := id.Row + 1; next < nb {
						ids := make([]blockstore.BlockID, 0, next+1)
						for jj := 0; jj <= next; jj++ {
							ids = append(ids, blockstore.BlockID{Row: next, Col: jj})
						}
						prefetch.Add(1)
						go func() {
							defer prefetch.Done()
							c.Prefetch(ctx, ids...)
						}()
					}
					return nil
				}
				blas64.Gemm(blas.NoTrans, blas.NoTrans, -1, l.General(), acc[id.Col].General(), 1, acc[id.Row].General())
				return nil
			}
			if err := pool.Submit(sched.Task{ID: sched.TaskID(id), Deps: deps, Run: run}); err != nil {
				return err
			}
		}
	}
	return pool.Drain(ctx)
}

// backward computes x = L^{-T} acc in place, mirroring forward with the
// transposed blocks L_ji^T and descending block columns.
func backward(ctx context.Context, factor *blockstore.Store, c *cache.Cache, acc []*blockstore.Block, workers int) error {
	nb := len(acc)
	pool := sched.NewPool(workers, sched.WithName("backward "+factor.Name()))

	for i := nb - 1; i >= 0; i-- {
		for j := nb - 1; j >= i; j-- {
			i, j := i, j
			var deps []sched.TaskID
			if j < nb-1 {
				deps = append(deps, sched.TaskID{Row: i, Col: j + 1})
			}
			if j > i {
				deps = append(deps, sched.TaskID{Row: j, Col: j})
			}

			run := func(ctx context.Context) error {
				// (L^T)_ij = L_ji^T
				h, err := acquireFactor(ctx, c, blockstore.BlockID{Row: j, Col: i})
				if err != nil {
					return err
				}
				defer h.Release()
				l := h.Block()
				if i == j {
					blas64.Trsm(blas.Left, blas.Trans, 1, l.Lower(), acc[i].General())
					return nil
				}
				blas64.Gemm(blas.Trans, blas.NoTrans, -1, l.General(), acc[j].General(), 1, acc[i].General())
				return nil
			}
			if err := pool.Submit(sched.Task{ID: sched.TaskID{Row: i, Col: j}, Deps: deps, Run: run}); err != nil {
				return err
			}
		}
	}
	return pool.Drain(ctx)
}
