package blockstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Backend is the object namespace a Store writes into. Put is an exclusive
// create; Replace overwrites and is used for the manifest only.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Replace(ctx context.Context, name string, data []byte) error
}

// DirBackend keeps one file per object under a directory.
type DirBackend struct {
	root string
}

// NewDirBackend creates root if needed.
func NewDirBackend(root string) (*DirBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirBackend{root: root}, nil
}

func (d *DirBackend) Root() string { return d.root }

func (d *DirBackend) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

// writeTemp writes data to a synced temporary file next to the target.
func (d *DirBackend) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// Put publishes the object with a hard link so readers never observe a
// partially written block and a second writer gets ErrAlreadyCommitted.
func (d *DirBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := d.writeTemp(data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, d.path(name)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyCommitted
		}
		return err
	}
	return nil
}

func (d *DirBackend) Replace(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := d.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path(name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *DirBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (d *DirBackend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *DirBackend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *DirBackend) String() string {
	return fmt.Sprintf("dir:%s", d.root)
}

// MemBackend is an in-memory Backend for tests.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string][]byte)}
}

func (m *MemBackend) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; ok {
		return ErrAlreadyCommitted
	}
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemBackend) Replace(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemBackend) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemBackend) Exists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[name]
	return ok, nil
}

func (m *MemBackend) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Corrupt flips one bit of a stored object in place. Test hook.
func (m *MemBackend) Corrupt(name string, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return ErrNotFound
	}
	if offset < 0 || offset >= len(data) {
		return fmt.Errorf("offset %d outside object of %d bytes", offset, len(data))
	}
	data[offset] ^= 0x01
	return nil
}
