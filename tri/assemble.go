package tri

import (
	"context"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"gonum.org/v1/gonum/mat"
)

// Assemble materializes a (small) stored matrix densely. Symmetric matrices
// are mirrored into the upper triangle; triangular factors keep it zero.
func Assemble(ctx context.Context, s *blockstore.Store) (*mat.Dense, error) {
	out := mat.NewDense(s.Rows(), s.Cols(), nil)
	bs := s.BlockSize()
	for _, id := range s.Blocks() {
		b, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := 0; i < b.Rows; i++ {
			for j := 0; j < b.Cols; j++ {
				r, c := id.Row*bs+i, id.Col*bs+j
				if s.Kind() == blockstore.KindSymmetric {
					if c > r {
						continue
					}
					out.Set(c, r, b.At(i, j))
				}
				out.Set(r, c, b.At(i, j))
			}
		}
	}
	return out, nil
}
