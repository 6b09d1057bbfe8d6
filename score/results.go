package score

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gonum.org/v1/gonum/mat"
)

// ResultManifest describes a flat result file for downstream consumers.
type ResultManifest struct {
	Name     string   `toml:"name"`
	Factor   string   `toml:"factor"`
	Mode     string   `toml:"mode"`
	Length   int      `toml:"length"`
	Vectors  int      `toml:"vectors"`
	Inputs   []string `toml:"inputs,omitempty"`
	Sentinel string   `toml:"sentinel"`
	Missing  int      `toml:"missing"`
	Layout   string   `toml:"layout"`
	Created  string   `toml:"created"`
}

const resultLayout = "column-major float64 little-endian"

func resultPaths(dir, name string) (string, string) {
	return filepath.Join(dir, name+".f64"), filepath.Join(dir, name+".toml")
}

// WriteResults writes values as consecutive little-endian float64 columns
// (<name>.f64) and the manifest (<name>.toml). Missing values are NaN.
func WriteResults(dir, name string, values *mat.Dense, m ResultManifest) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	dataPath, manifestPath := resultPaths(dir, name)
	r, c := values.Dims()

	f, err := os.Create(dataPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var buf [8]byte
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(values.At(i, j)))
			if _, err := w.Write(buf[:]); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	m.Name = name
	m.Length = r
	m.Vectors = c
	m.Sentinel = "NaN"
	m.Layout = resultLayout
	if m.Created == "" {
		m.Created = time.Now().Format(time.RFC3339)
	}
	mf, err := os.Create(manifestPath)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(mf).Encode(m); err != nil {
		mf.Close()
		return err
	}
	return mf.Close()
}

// LoadResults reads back a result written by WriteResults.
func LoadResults(dir, name string) (*mat.Dense, *ResultManifest, error) {
	dataPath, manifestPath := resultPaths(dir, name)
	m := new(ResultManifest)
	if _, err := toml.DecodeFile(manifestPath, m); err != nil {
		return nil, nil, err
	}
	if m.Layout != resultLayout {
		return nil, nil, fmt.Errorf("%s: unsupported layout %q", manifestPath, m.Layout)
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	values := mat.NewDense(m.Length, m.Vectors, nil)
	r := bufio.NewReader(f)
	var buf [8]byte
	for j := 0; j < m.Vectors; j++ {
		for i := 0; i < m.Length; i++ {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", dataPath, err)
			}
			values.Set(i, j, math.Float64frombits(binary.LittleEndian.Uint64(buf[:])))
		}
	}
	return values, m, nil
}
