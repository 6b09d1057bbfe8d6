package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// Store is one blocked matrix inside a Backend: append-only block objects
// plus a manifest that is rewritten on Finalize.
type Store struct {
	backend Backend
	codec   Codec

	mu       sync.Mutex
	manifest Manifest
	records  map[BlockID]BlockRecord
}

// Create starts a new matrix. The manifest is written immediately with
// status in_progress.
func Create(ctx context.Context, backend Backend, m Manifest) (*Store, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	exists, err := backend.Exists(ctx, ManifestName(m.Matrix))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("matrix %s: %w", m.Matrix, ErrAlreadyCommitted)
	}

	codec, _ := ParseCodec(m.Codec)
	m.Codec = codec.String()
	m.Status = StatusInProgress
	m.Created = time.Now().Format(time.RFC3339)
	m.Finished = ""
	m.Blocks = nil
	m.Ridges = nil

	s := &Store{
		backend:  backend,
		codec:    codec,
		manifest: m,
		records:  make(map[BlockID]BlockRecord),
	}
	if err := s.writeManifest(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open reopens an existing matrix for reading or for resuming a job.
func Open(ctx context.Context, backend Backend, matrix string) (*Store, error) {
	data, err := backend.Get(ctx, ManifestName(matrix))
	if err != nil {
		return nil, fmt.Errorf("open matrix %s: %w", matrix, err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	codec, _ := ParseCodec(m.Codec)

	s := &Store{
		backend:  backend,
		codec:    codec,
		manifest: *m,
		records:  make(map[BlockID]BlockRecord, len(m.Blocks)),
	}
	for _, r := range m.Blocks {
		s.records[r.ID()] = r
	}
	return s, nil
}

// OpenOrCreate opens the matrix if its manifest exists and matches the
// requested shape, otherwise creates it. An unfinished matrix is reopened in
// progress so a job can resume from the blocks already committed.
func OpenOrCreate(ctx context.Context, backend Backend, m Manifest) (*Store, error) {
	exists, err := backend.Exists(ctx, ManifestName(m.Matrix))
	if err != nil {
		return nil, err
	}
	if !exists {
		return Create(ctx, backend, m)
	}

	s, err := Open(ctx, backend, m.Matrix)
	if err != nil {
		return nil, err
	}
	if err := s.manifest.sameShape(&m); err != nil {
		return nil, err
	}
	if s.manifest.Status != StatusComplete {
		log.Lvl2("Resuming matrix", m.Matrix, "from status", s.manifest.Status)
		s.mu.Lock()
		s.manifest.Status = StatusInProgress
		s.manifest.Finished = ""
		s.mu.Unlock()
		if err := s.writeManifest(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Manifest returns a copy of the current manifest.
func (s *Store) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.manifest
	m.Blocks = append([]BlockRecord(nil), s.manifest.Blocks...)
	m.Ridges = append([]RidgeRecord(nil), s.manifest.Ridges...)
	return m
}

func (s *Store) Name() string     { return s.manifest.Matrix }
func (s *Store) Kind() Kind       { return s.manifest.Kind }
func (s *Store) Rows() int        { return s.manifest.Rows }
func (s *Store) Cols() int        { return s.manifest.Cols }
func (s *Store) BlockSize() int   { return s.manifest.BlockSize }
func (s *Store) Codec() Codec     { return s.codec }
func (s *Store) Backend() Backend { return s.backend }
func (s *Store) String() string   { return s.manifest.Matrix }

// BlockRows is the number of block rows; the last one may be ragged.
func (s *Store) BlockRows() int {
	return (s.manifest.Rows + s.manifest.BlockSize - 1) / s.manifest.BlockSize
}

func (s *Store) BlockCols() int {
	return (s.manifest.Cols + s.manifest.BlockSize - 1) / s.manifest.BlockSize
}

// Extent returns the number of rows and columns of block id.
func (s *Store) Extent(id BlockID) (int, int) {
	bs := s.manifest.BlockSize
	return edge(s.manifest.Rows, bs, id.Row), edge(s.manifest.Cols, bs, id.Col)
}

func edge(n, bs, i int) int {
	if r := n - i*bs; r < bs {
		return r
	}
	return bs
}

// Contains reports whether id is a materialized block of this matrix.
func (s *Store) Contains(id BlockID) bool {
	if id.Row < 0 || id.Col < 0 || id.Row >= s.BlockRows() || id.Col >= s.BlockCols() {
		return false
	}
	if s.manifest.Kind != KindGeneral && id.Col > id.Row {
		return false
	}
	return true
}

// Blocks enumerates every materialized block id in row-major order.
func (s *Store) Blocks() []BlockID {
	var ids []BlockID
	for i := 0; i < s.BlockRows(); i++ {
		for j := 0; j < s.BlockCols(); j++ {
			if id := (BlockID{i, j}); s.Contains(id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (s *Store) objectName(id BlockID) string {
	return ObjectName(s.manifest.Matrix, id)
}

func (s *Store) blockErr(id BlockID, err error) error {
	return &BlockError{Matrix: s.manifest.Matrix, ID: id, Err: err}
}

// Put commits a block. Blocks are write-once.
func (s *Store) Put(ctx context.Context, b *Block) error {
	id := b.ID
	if !s.Contains(id) {
		return s.blockErr(id, Configf("block", "outside the stored region of a %s %dx%d matrix",
			s.manifest.Kind, s.BlockRows(), s.BlockCols()))
	}
	if err := b.validate(); err != nil {
		return s.blockErr(id, Configf("block", "%v", err))
	}
	if r, c := s.Extent(id); b.Rows != r || b.Cols != c {
		return s.blockErr(id, Configf("block", "extent %dx%d, expected %dx%d", b.Rows, b.Cols, r, c))
	}
	if b.Layout == LayoutLowerPacked && id.Row != id.Col {
		return s.blockErr(id, Configf("layout", "lower-packed layout is only valid on the diagonal"))
	}

	data, err := encodeBlock(b, s.codec)
	if err != nil {
		return s.blockErr(id, err)
	}
	if err := s.backend.Put(ctx, s.objectName(id), data); err != nil {
		return s.blockErr(id, err)
	}

	s.mu.Lock()
	s.records[id] = BlockRecord{
		Row:      id.Row,
		Col:      id.Col,
		Rows:     b.Rows,
		Cols:     b.Cols,
		Checksum: fmt.Sprintf("%08x", checksum(data)),
		Size:     int64(len(data)),
	}
	s.mu.Unlock()
	return nil
}

// Get reads, verifies and decodes a block. A checksum or decode failure is
// retried once before ErrCorruptBlock is returned.
func (s *Store) Get(ctx context.Context, id BlockID) (*Block, error) {
	if !s.Contains(id) {
		return nil, s.blockErr(id, ErrNotFound)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		b, err := s.read(ctx, id)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrCorruptBlock) {
			return nil, s.blockErr(id, err)
		}
		lastErr = err
		log.Lvl2("Re-reading", s.manifest.Matrix, "block", id, "after:", err)
	}
	return nil, s.blockErr(id, lastErr)
}

func (s *Store) read(ctx context.Context, id BlockID) (*Block, error) {
	data, err := s.backend.Get(ctx, s.objectName(id))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, known := s.records[id]
	s.mu.Unlock()
	if known && rec.Checksum != "" {
		if got := fmt.Sprintf("%08x", checksum(data)); got != rec.Checksum {
			return nil, fmt.Errorf("%w: object checksum %s, manifest records %s", ErrCorruptBlock, got, rec.Checksum)
		}
	}

	b, err := decodeBlock(id, data)
	if err != nil {
		return nil, err
	}
	if r, c := s.Extent(id); b.Rows != r || b.Cols != c {
		return nil, fmt.Errorf("%w: decoded extent %dx%d, expected %dx%d", ErrCorruptBlock, b.Rows, b.Cols, r, c)
	}
	return b, nil
}

// Exists reports whether a block has been committed.
func (s *Store) Exists(ctx context.Context, id BlockID) (bool, error) {
	if !s.Contains(id) {
		return false, nil
	}
	s.mu.Lock()
	_, known := s.records[id]
	s.mu.Unlock()
	if known {
		return true, nil
	}
	return s.backend.Exists(ctx, s.objectName(id))
}

// Committed lists the committed block ids in row-major order.
func (s *Store) Committed(ctx context.Context) ([]BlockID, error) {
	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	prefix := s.manifest.Matrix + "."
	var ids []BlockID
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".blk") {
			continue
		}
		id, ok := parseObjectName(strings.TrimPrefix(name, prefix))
		if ok && s.Contains(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool {
		if ids[a].Row != ids[b].Row {
			return ids[a].Row < ids[b].Row
		}
		return ids[a].Col < ids[b].Col
	})
	return ids, nil
}

// parseObjectName parses the "r000001.c000002.blk" suffix of an object name.
func parseObjectName(name string) (BlockID, bool) {
	rs, cs, ok := strings.Cut(strings.TrimSuffix(name, ".blk"), ".")
	if !ok || !strings.HasPrefix(rs, "r") || !strings.HasPrefix(cs, "c") {
		return BlockID{}, false
	}
	row, err1 := strconv.Atoi(rs[1:])
	col, err2 := strconv.Atoi(cs[1:])
	if err1 != nil || err2 != nil {
		return BlockID{}, false
	}
	return BlockID{Row: row, Col: col}, true
}

// SetSource records a free-form provenance note in the manifest.
func (s *Store) SetSource(note string) {
	s.mu.Lock()
	s.manifest.Source = note
	s.mu.Unlock()
}

// IsComplete reports whether the producing job finished successfully.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Status == StatusComplete
}

// Finalize rewrites the manifest with block records and the final status.
// StatusComplete requires every block to be present.
func (s *Store) Finalize(ctx context.Context, status Status, ridges []RidgeRecord) error {
	committed, err := s.Committed(ctx)
	if err != nil {
		return err
	}

	if status == StatusComplete {
		present := make(map[BlockID]bool, len(committed))
		for _, id := range committed {
			present[id] = true
		}
		for _, id := range s.Blocks() {
			if !present[id] {
				return s.blockErr(id, fmt.Errorf("cannot mark %s complete: %w", s.manifest.Matrix, ErrNotFound))
			}
		}
	}

	records := make([]BlockRecord, 0, len(committed))
	for _, id := range committed {
		s.mu.Lock()
		rec, known := s.records[id]
		s.mu.Unlock()
		if !known {
			data, err := s.backend.Get(ctx, s.objectName(id))
			if err != nil {
				return s.blockErr(id, err)
			}
			r, c := s.Extent(id)
			rec = BlockRecord{
				Row:      id.Row,
				Col:      id.Col,
				Rows:     r,
				Cols:     c,
				Checksum: fmt.Sprintf("%08x", checksum(data)),
				Size:     int64(len(data)),
			}
			s.mu.Lock()
			s.records[id] = rec
			s.mu.Unlock()
		}
		records = append(records, rec)
	}

	sorted := append([]RidgeRecord(nil), ridges...)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Row != sorted[b].Row {
			return sorted[a].Row < sorted[b].Row
		}
		return sorted[a].Col < sorted[b].Col
	})

	s.mu.Lock()
	s.manifest.Status = status
	s.manifest.Blocks = records
	s.manifest.Ridges = sorted
	s.manifest.Finished = time.Now().Format(time.RFC3339)
	s.mu.Unlock()

	return s.writeManifest(ctx)
}

func (s *Store) writeManifest(ctx context.Context) error {
	s.mu.Lock()
	data, err := encodeManifest(&s.manifest)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.backend.Replace(ctx, ManifestName(s.manifest.Matrix), data)
}

// WriteDense cuts a dense matrix into blocks and commits every block the
// store materializes. Diagonal blocks of a triangular store are written
// lower-packed.
func WriteDense(ctx context.Context, s *Store, m mat.Matrix) error {
	r, c := m.Dims()
	if r != s.Rows() || c != s.Cols() {
		return Configf("shape", "matrix is %dx%d, store is %dx%d", r, c, s.Rows(), s.Cols())
	}
	bs := s.BlockSize()
	for _, id := range s.Blocks() {
		rows, cols := s.Extent(id)
		b := NewBlock(id, rows, cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				b.Set(i, j, m.At(id.Row*bs+i, id.Col*bs+j))
			}
		}
		if s.Kind() == KindLowerTriangular && id.Row == id.Col {
			b.Layout = LayoutLowerPacked
		}
		if err := s.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
