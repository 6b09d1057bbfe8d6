package blockstore

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Kind says which blocks of a matrix are materialized.
type Kind string

const (
	// KindGeneral is a dense rectangular matrix, every block stored.
	KindGeneral Kind = "general"
	// KindSymmetric stores the lower block triangle (row >= col) only.
	KindSymmetric Kind = "symmetric"
	// KindLowerTriangular is a triangular factor; blocks above the diagonal are zero.
	KindLowerTriangular Kind = "lower_triangular"
)

func (k Kind) valid() bool {
	return k == KindGeneral || k == KindSymmetric || k == KindLowerTriangular
}

// Status of the job that produced a matrix.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// RidgeRecord is the regularization applied to one diagonal factor block.
type RidgeRecord struct {
	Row      int     `toml:"row"`
	Col      int     `toml:"col"`
	Ridge    float64 `toml:"ridge"`
	Attempts int     `toml:"attempts"`
}

// BlockRecord describes one committed block object.
type BlockRecord struct {
	Row      int    `toml:"row"`
	Col      int    `toml:"col"`
	Rows     int    `toml:"rows"`
	Cols     int    `toml:"cols"`
	Checksum string `toml:"checksum"`
	Size     int64  `toml:"size"`
}

func (r BlockRecord) ID() BlockID { return BlockID{Row: r.Row, Col: r.Col} }

// Manifest is the TOML sidecar describing a matrix and the job that wrote it.
type Manifest struct {
	Matrix    string `toml:"matrix"`
	Kind      Kind   `toml:"kind"`
	Rows      int    `toml:"rows"`
	Cols      int    `toml:"cols"`
	BlockSize int    `toml:"block_size"`
	Codec     string `toml:"codec"`
	Status    Status `toml:"status"`
	Source    string `toml:"source,omitempty"`
	Created   string `toml:"created,omitempty"`
	Finished  string `toml:"finished,omitempty"`

	Ridges []RidgeRecord `toml:"ridges,omitempty"`
	Blocks []BlockRecord `toml:"blocks,omitempty"`
}

// ManifestName is the object name of a matrix's manifest.
func ManifestName(matrix string) string {
	return matrix + ".manifest.toml"
}

func (m *Manifest) validate() error {
	if m.Matrix == "" {
		return Configf("matrix", "empty matrix name")
	}
	if m.Rows <= 0 || m.Cols <= 0 {
		return Configf("shape", "non-positive dimensions %dx%d", m.Rows, m.Cols)
	}
	if m.BlockSize <= 0 {
		return Configf("block_size", "must be positive, got %d", m.BlockSize)
	}
	if !m.Kind.valid() {
		return Configf("kind", "unknown matrix kind %q", m.Kind)
	}
	if m.Kind != KindGeneral && m.Rows != m.Cols {
		return Configf("shape", "%s matrix must be square, got %dx%d", m.Kind, m.Rows, m.Cols)
	}
	if _, err := ParseCodec(m.Codec); err != nil {
		return err
	}
	return nil
}

// sameShape reports whether two manifests describe the same matrix layout.
func (m *Manifest) sameShape(o *Manifest) error {
	switch {
	case m.Kind != o.Kind:
		return Configf("kind", "stored matrix is %s, requested %s", m.Kind, o.Kind)
	case m.Rows != o.Rows || m.Cols != o.Cols:
		return Configf("shape", "stored matrix is %dx%d, requested %dx%d", m.Rows, m.Cols, o.Rows, o.Cols)
	case m.BlockSize != o.BlockSize:
		return Configf("block_size", "stored block size %d, requested %d", m.BlockSize, o.BlockSize)
	}
	return nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	m := new(Manifest)
	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
