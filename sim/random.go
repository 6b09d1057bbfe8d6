// Package sim generates reproducible genotypes, phenotypes and relationship
// matrices for tests and benchmarks.
package sim

import (
	"encoding/binary"

	"github.com/aead/chacha20/chacha"
	"github.com/hhcho/frand"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const bufferSize int = 1024

// PRG is a deterministic chacha stream keyed by a 64-bit seed.
type PRG struct {
	rng  *frand.RNG
	norm distuv.Normal
}

// chachaSource adapts a frand stream to the source interface gonum's
// distributions draw from.
type chachaSource struct {
	rng *frand.RNG
	buf [8]byte
}

var _ rand.Source = (*chachaSource)(nil)

func newStream(seed uint64) *frand.RNG {
	key := make([]byte, chacha.KeySize)
	binary.LittleEndian.PutUint64(key, seed)
	return frand.NewCustom(key, bufferSize, 20)
}

func (s *chachaSource) Uint64() uint64 {
	s.rng.Read(s.buf[:])
	return binary.LittleEndian.Uint64(s.buf[:])
}

// Seed restarts the stream under a new key.
func (s *chachaSource) Seed(seed uint64) {
	s.rng = newStream(seed)
}

func NewPRG(seed uint64) *PRG {
	src := &chachaSource{rng: newStream(seed)}
	return &PRG{
		rng:  src.rng,
		norm: distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

func (p *PRG) Intn(n int) int {
	return p.rng.Intn(n)
}

// Float64 is uniform on [0, 1).
func (p *PRG) Float64() float64 {
	return float64(p.rng.Uint64n(1<<53)) / (1 << 53)
}

// NormFloat64 draws a standard normal from the same stream.
func (p *PRG) NormFloat64() float64 {
	return p.norm.Rand()
}

// NormMatrix fills an r x c matrix with standard normals.
func (p *PRG) NormMatrix(r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = p.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

// SPDMatrix returns B*B^T/n + I for a Gaussian n x n matrix B.
func (p *PRG) SPDMatrix(n int) *mat.Dense {
	b := p.NormMatrix(n, n)
	var a mat.Dense
	a.Mul(b, b.T())
	a.Scale(1/float64(n), &a)
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+1)
		for j := 0; j < i; j++ {
			a.Set(j, i, a.At(i, j))
		}
	}
	return &a
}

// Phenotypes returns n x k standard normal traits.
func (p *PRG) Phenotypes(n, k int) *mat.Dense {
	return p.NormMatrix(n, k)
}
