package gwas

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// Reads in a binary file containing 6 vectors of length m (# of SNPs):
// hom-ref genotype count (GC), het GC, hom-alt GC, ref allele count (AC),
// alt AC, missing sample count.
// Each value is encoded as uint32 in little endian format
func ReadGenoStatsFromFile(filename string, m int) (ac, gc [][]uint32, miss []uint32, err error) {
	nstats := 6

	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	out := make([][]uint32, nstats)
	buf := make([]byte, 4*m) // 4 bytes per number
	for s := 0; s < nstats; s++ {
		out[s] = make([]uint32, m)

		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, nil, nil, fmt.Errorf("%s: stat %d: %w", filename, s, err)
		}

		for i := range out[s] {
			out[s][i] = binary.LittleEndian.Uint32(buf[4*i:])
		}
	}

	gc = out[:3]

	// allele counts are recomputed from the genotype counts
	for i := range out[3] {
		out[3][i] = out[1][i] + 2*out[0][i]
		out[4][i] = out[1][i] + 2*out[2][i]
	}
	ac = out[3:5]

	miss = out[5]

	return
}

func LoadMatDenseCacheFromFile(filename string) (*mat.Dense, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var res mat.Dense
	if _, err := res.UnmarshalBinaryFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &res, nil
}

func SaveMatDenseToFile(x *mat.Dense, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := x.MarshalBinaryTo(writer); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	log.Lvl2("Saved data to", filename)
	return file.Sync()
}

// LoadMatrixFromFile reads a delimited numeric table. Empty cells and NA /
// NaN entries load as NaN.
func LoadMatrixFromFile(filename string, delim rune) (*mat.Dense, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := csv.NewReader(f)
	c.Comma = delim
	text, err := c.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	columns := c.FieldsPerRecord
	lines := len(text)
	if lines == 0 || columns == 0 {
		return nil, fmt.Errorf("%s: empty matrix", filename)
	}

	data := make([]float64, columns*lines)
	for i := 0; i < lines; i++ {
		for j := 0; j < columns; j++ {
			cell := strings.TrimSpace(text[i][j])
			switch strings.ToUpper(cell) {
			case "", "NA", "NAN":
				data[i*columns+j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: line %d column %d: %w", filename, i+1, j+1, err)
			}
			data[i*columns+j] = v
		}
	}

	return mat.NewDense(lines, columns, data), nil
}

func SaveFloatVectorToFile(filename string, x []float64) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for i := range x {
		if _, err := writer.WriteString(fmt.Sprintf("%.6e\n", x[i])); err != nil {
			return err
		}
	}
	return writer.Flush()
}
