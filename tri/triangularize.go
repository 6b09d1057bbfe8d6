// Package tri computes the blocked lower Cholesky factor of a symmetric
// matrix held in a block store, without ever materializing the full matrix.
package tri

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"github.com/hhcho/sfgwas-tri/cache"
	"github.com/hhcho/sfgwas-tri/sched"
	"go.dedis.ch/onet/v3/log"
)

// ErrFactorizationFailed is returned when a diagonal block stays indefinite
// after every ridge attempt.
var ErrFactorizationFailed = errors.New("factorization failed: block not positive definite")

type Options struct {
	Workers int

	// A pivot L_ii^2 <= PivotTolerance*scale is treated as a breakdown, where
	// scale is the mean absolute diagonal of the block being factored.
	PivotTolerance float64
	// First ridge is Ridge*scale; each retry multiplies it by RidgeGrowth.
	Ridge            float64
	RidgeGrowth      float64
	MaxRidgeAttempts int

	// Timeout bounds the whole job; zero means no deadline.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:          runtime.NumCPU(),
		PivotTolerance:   1e-10,
		Ridge:            1e-6,
		RidgeGrowth:      10,
		MaxRidgeAttempts: 6,
	}
}

func (o Options) Validate() error {
	switch {
	case o.Workers < 1:
		return blockstore.Configf("local_num_threads", "need at least one worker, got %d", o.Workers)
	case o.PivotTolerance < 0:
		return blockstore.Configf("pivot_tolerance", "must be non-negative, got %g", o.PivotTolerance)
	case o.Ridge <= 0:
		return blockstore.Configf("ridge", "must be positive, got %g", o.Ridge)
	case o.RidgeGrowth <= 1:
		return blockstore.Configf("ridge_growth", "must exceed 1, got %g", o.RidgeGrowth)
	case o.MaxRidgeAttempts < 0:
		return blockstore.Configf("max_ridge_attempts", "must be non-negative, got %d", o.MaxRidgeAttempts)
	case o.Timeout < 0:
		return blockstore.Configf("job_timeout_sec", "must be non-negative, got %v", o.Timeout)
	}
	return nil
}

// NumericWarning reports that a diagonal block needed a ridge to factor.
// The factor is then that of A + Ridge*I on that block.
type NumericWarning struct {
	Block    blockstore.BlockID
	Ridge    float64
	Attempts int
}

func (w *NumericWarning) Error() string {
	return fmt.Sprintf("block %v not numerically positive definite: factored with ridge %g after %d attempts",
		w.Block, w.Ridge, w.Attempts)
}

type Result struct {
	Blocks   int // factor blocks computed by this run
	Skipped  int // factor blocks already present (resume)
	Warnings []*NumericWarning
	Ridges   []blockstore.RidgeRecord
	Elapsed  time.Duration
}

// NewFactorStore opens or creates the factor matrix for in.
func NewFactorStore(ctx context.Context, backend blockstore.Backend, name string, in *blockstore.Store) (*blockstore.Store, error) {
	out, err := blockstore.OpenOrCreate(ctx, backend, blockstore.Manifest{
		Matrix:    name,
		Kind:      blockstore.KindLowerTriangular,
		Rows:      in.Rows(),
		Cols:      in.Cols(),
		BlockSize: in.BlockSize(),
		Codec:     in.Codec().String(),
	})
	if err != nil {
		return nil, err
	}
	out.SetSource("cholesky factor of " + in.Name())
	return out, nil
}

func checkShapes(in, out *blockstore.Store, c *cache.Cache) error {
	switch {
	case in.Kind() != blockstore.KindSymmetric:
		return blockstore.Configf("input", "%s is a %s matrix, only symmetric matrices can be triangularized", in.Name(), in.Kind())
	case !in.IsComplete():
		return blockstore.Configf("input", "%s has status %s, expected %s", in.Name(), in.Manifest().Status, blockstore.StatusComplete)
	case out.Kind() != blockstore.KindLowerTriangular:
		return blockstore.Configf("output", "%s is a %s matrix, expected %s", out.Name(), out.Kind(), blockstore.KindLowerTriangular)
	case in.Rows() != out.Rows() || in.Cols() != out.Cols():
		return blockstore.Configf("output", "%s is %dx%d, input is %dx%d", out.Name(), out.Rows(), out.Cols(), in.Rows(), in.Cols())
	case in.BlockSize() != out.BlockSize():
		return blockstore.Configf("block_size", "input uses %d, output uses %d", in.BlockSize(), out.BlockSize())
	case c == nil || c.Source() != cache.Loader(out):
		return blockstore.Configf("cache", "block cache must read through the factor store %s", out.Name())
	}
	return nil
}

// Triangularize writes the lower Cholesky factor L of in (A = L*L^T) into
// out. Blocks already present in out are kept, so an interrupted job can be
// rerun. The cache must read through out.
//
// Block (i,k) is computed as
//
//	S = A_ik - sum_{j<k} L_ij * L_kj^T   (ascending j)
//	L_kk = chol(S)          if i == k
//	L_ik = S * L_kk^{-T}    if i > k
//
// so its inputs are the factor blocks (i,j), (k,j) for j < k and (k,k).
// The summation order is fixed, which makes the output independent of the
// number of workers.
func Triangularize(ctx context.Context, in, out *blockstore.Store, c *cache.Cache, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := checkShapes(in, out, c); err != nil {
		return nil, err
	}
	start := time.Now()
	res := &Result{}

	if out.IsComplete() {
		log.Lvl1("Output", out.Name(), "found, skipping computation")
		res.Skipped = len(out.Blocks())
		res.Ridges = out.Manifest().Ridges
		return res, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	committed, err := out.Committed(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[blockstore.BlockID]bool, len(committed))
	for _, id := range committed {
		present[id] = true
	}
	ridges, err := resumedRidges(ctx, out, c, committed)
	if err != nil {
		return nil, err
	}
	res.Skipped = len(committed)
	if res.Skipped > 0 {
		log.Lvl1("Resuming", out.Name(), "with", res.Skipped, "of", len(out.Blocks()), "blocks present")
	}

	nb := in.BlockRows()
	log.LLvl1(time.Now().Format(time.StampMilli), "Cholesky of", in.Name(), fmt.Sprintf("(%dx%d, %d block rows)", in.Rows(), in.Cols(), nb),
		"with", opts.Workers, "workers")

	var mu sync.Mutex
	pool := sched.NewPool(opts.Workers,
		sched.WithName("cholesky "+out.Name()),
		sched.WithSatisfied(func(id sched.TaskID) bool { return present[blockstore.BlockID(id)] }))

	for i := 0; i < nb; i++ {
		for k := 0; k <= i; k++ {
			id := blockstore.BlockID{Row: i, Col: k}
			if present[id] {
				continue
			}
			err := pool.Submit(sched.Task{
				ID:   sched.TaskID(id),
				Deps: factorDeps(i, k),
				Run: func(ctx context.Context) error {
					warn, err := computeFactorBlock(ctx, in, out, c, id, opts)
					if err != nil {
						return err
					}
					mu.Lock()
					res.Blocks++
					if warn != nil {
						res.Warnings = append(res.Warnings, warn)
						ridges = append(ridges, blockstore.RidgeRecord{
							Row: id.Row, Col: id.Col, Ridge: warn.Ridge, Attempts: warn.Attempts,
						})
					}
					mu.Unlock()
					return nil
				},
			})
			if err != nil {
				return nil, err
			}
		}
	}

	err = pool.Drain(ctx)
	sort.Slice(res.Warnings, func(a, b int) bool {
		wa, wb := res.Warnings[a].Block, res.Warnings[b].Block
		return wa.Row < wb.Row || (wa.Row == wb.Row && wa.Col < wb.Col)
	})
	sort.Slice(ridges, func(a, b int) bool { return ridges[a].Row < ridges[b].Row })
	res.Ridges = ridges
	res.Elapsed = time.Since(start)
	if err != nil {
		log.Error("Cholesky of", in.Name(), "failed:", err)
		if ferr := out.Finalize(context.Background(), blockstore.StatusFailed, ridges); ferr != nil {
			log.Error("Could not record failure of", out.Name(), ":", ferr)
		}
		return res, err
	}

	if err := out.Finalize(ctx, blockstore.StatusComplete, ridges); err != nil {
		return res, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Cholesky of", in.Name(), "done:", res.Blocks, "blocks in", res.Elapsed,
		"ridged diagonal blocks:", len(ridges))
	return res, nil
}

func factorDeps(i, k int) []sched.TaskID {
	deps := make([]sched.TaskID, 0, 2*k+1)
	for j := 0; j < k; j++ {
		deps = append(deps, sched.TaskID{Row: i, Col: j})
		if i != k {
			deps = append(deps, sched.TaskID{Row: k, Col: j})
		}
	}
	if i > k {
		deps = append(deps, sched.TaskID{Row: k, Col: k})
	}
	return deps
}

// resumedRidges reads the ridge of every diagonal block a previous run
// already committed.
func resumedRidges(ctx context.Context, out *blockstore.Store, c *cache.Cache, committed []blockstore.BlockID) ([]blockstore.RidgeRecord, error) {
	attempts := make(map[blockstore.BlockID]int)
	for _, r := range out.Manifest().Ridges {
		attempts[blockstore.BlockID{Row: r.Row, Col: r.Col}] = r.Attempts
	}

	var ridges []blockstore.RidgeRecord
	for _, id := range committed {
		if id.Row != id.Col {
			continue
		}
		h, err := c.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		ridge := h.Block().Ridge
		h.Release()
		if ridge > 0 {
			ridges = append(ridges, blockstore.RidgeRecord{Row: id.Row, Col: id.Col, Ridge: ridge, Attempts: attempts[id]})
		}
	}
	return ridges, nil
}

func acquireFactor(ctx context.Context, c *cache.Cache, id blockstore.BlockID) (*cache.Handle, error) {
	h, err := c.Acquire(ctx, id)
	if errors.Is(err, blockstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: factor block %v: %v", sched.ErrDependencyMissing, id, err)
	}
	return h, err
}

func computeFactorBlock(ctx context.Context, in, out *blockstore.Store, c *cache.Cache, id blockstore.BlockID, opts Options) (*NumericWarning, error) {
	i, k := id.Row, id.Col

	s, err := in.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Layout = blockstore.LayoutDense
	s.Ridge = 0

	for j := 0; j < k; j++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi, err := acquireFactor(ctx, c, blockstore.BlockID{Row: i, Col: j})
		if err != nil {
			return nil, err
		}
		hk := hi
		if i != k {
			if hk, err = acquireFactor(ctx, c, blockstore.BlockID{Row: k, Col: j}); err != nil {
				hi.Release()
				return nil, err
			}
		}
		subtractProduct(s, hi.Block(), hk.Block())
		hi.Release()
		hk.Release()
	}

	var warn *NumericWarning
	if i == k {
		ridge, attempts, err := factorDiagonal(s, opts)
		if err != nil {
			return nil, &blockstore.BlockError{Matrix: out.Name(), ID: id,
				Err: fmt.Errorf("%w (last ridge %g after %d attempts)", err, ridge, attempts)}
		}
		if attempts > 0 {
			warn = &NumericWarning{Block: id, Ridge: ridge, Attempts: attempts}
			log.Warn(warn.Error())
		}
	} else {
		hkk, err := acquireFactor(ctx, c, blockstore.BlockID{Row: k, Col: k})
		if err != nil {
			return nil, err
		}
		solveRight(s, hkk.Block())
		hkk.Release()
	}

	if err := out.Put(ctx, s); err != nil {
		return nil, err
	}
	log.Lvl3("Factor block", id, "committed")
	return warn, nil
}
