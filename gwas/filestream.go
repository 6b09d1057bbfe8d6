package gwas

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

var errFilterLength = errors.New("invalid length of input array")

// GenoFileStream reads a genotype file of numRows rows of numCols int8
// codes. Negative codes are missing calls.
type GenoFileStream struct {
	filename  string
	file      *os.File
	reader    *bufio.Reader
	numRows   uint64
	numCols   uint64
	lineCount uint64
	buf       []byte

	filtRows []bool
	filtCols []bool

	// indexed by unfiltered column
	missingColReplace []float64

	filtNumRow uint64
	filtNumCol uint64

	replaceMissing bool
}

func NewGenoFileStream(filename string, numRow, numCol uint64, replaceMissing bool) (*GenoFileStream, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if want := int64(numRow * numCol); st.Size() != want {
		file.Close()
		return nil, fmt.Errorf("%s: size %d does not match %d x %d genotypes", filename, st.Size(), numRow, numCol)
	}

	return &GenoFileStream{
		filename:       filename,
		file:           file,
		buf:            make([]byte, numCol),
		numRows:        numRow,
		numCols:        numCol,
		reader:         bufio.NewReader(file),
		replaceMissing: replaceMissing,
	}, nil
}

func (gfs *GenoFileStream) readRow() ([]float64, error) {
	if gfs.CheckEOF() {
		return nil, nil
	}

	if _, err := io.ReadFull(gfs.reader, gfs.buf); err != nil {
		return nil, fmt.Errorf("%s: row %d: %w", gfs.filename, gfs.lineCount, err)
	}

	var intBuf []float64
	if gfs.filtCols != nil {
		intBuf = make([]float64, gfs.filtNumCol)
	} else {
		intBuf = make([]float64, len(gfs.buf))
	}

	idx := 0
	for i := range gfs.buf {
		if gfs.filtCols == nil || gfs.filtCols[i] {
			intBuf[idx] = float64(int8(gfs.buf[i]))
			if gfs.replaceMissing && intBuf[idx] < 0 {
				if gfs.missingColReplace != nil {
					intBuf[idx] = gfs.missingColReplace[i]
				} else {
					intBuf[idx] = 0
				}
			}
			idx++
		}
	}

	gfs.lineCount++

	return intBuf, nil
}

func (gfs *GenoFileStream) Reset() error {
	var err error
	if gfs.file == nil {
		gfs.file, err = os.Open(gfs.filename)
	} else {
		_, err = gfs.file.Seek(0, io.SeekStart)
	}
	if err != nil {
		return err
	}

	gfs.reader = bufio.NewReader(gfs.file)
	gfs.lineCount = 0
	return nil
}

func (gfs *GenoFileStream) Close() error {
	if gfs.file == nil {
		return nil
	}
	err := gfs.file.Close()
	gfs.file = nil
	gfs.reader = nil
	return err
}

func (gfs *GenoFileStream) NumRows() uint64 {
	return gfs.numRows
}

func (gfs *GenoFileStream) NumCols() uint64 {
	return gfs.numCols
}

func (gfs *GenoFileStream) NumRowsToKeep() uint64 {
	if gfs.filtRows == nil {
		return gfs.NumRows()
	}
	return gfs.filtNumRow
}

func (gfs *GenoFileStream) NumColsToKeep() uint64 {
	if gfs.filtCols == nil {
		return gfs.NumCols()
	}
	return gfs.filtNumCol
}

// CheckEOF closes the file once every row has been read.
func (gfs *GenoFileStream) CheckEOF() bool {
	if gfs.lineCount >= gfs.numRows {
		gfs.Close()
		return true
	}
	return false
}

// NextRow returns the next row passing the row filter, or nil at the end of
// the file.
func (gfs *GenoFileStream) NextRow() ([]float64, error) {
	if gfs.CheckEOF() {
		return nil, nil
	}

	if gfs.filtRows != nil {
		for gfs.lineCount < uint64(len(gfs.filtRows)) && !gfs.filtRows[gfs.lineCount] {
			if _, err := gfs.readRow(); err != nil {
				return nil, err
			}
		}
	}

	return gfs.readRow()
}

// UpdateRowFilt narrows the row filter; a has one entry per row currently
// kept.
func (gfs *GenoFileStream) UpdateRowFilt(a []bool) (int, error) {
	if len(a) != int(gfs.NumRowsToKeep()) {
		return 0, errFilterLength
	}

	if gfs.filtRows == nil {
		gfs.filtRows = make([]bool, gfs.numRows)
		for i := range gfs.filtRows {
			gfs.filtRows[i] = true
		}
	}

	sum := 0
	idx := 0
	for i := range gfs.filtRows {
		if gfs.filtRows[i] {
			gfs.filtRows[i] = gfs.filtRows[i] && a[idx]
			idx++
			if gfs.filtRows[i] {
				sum++
			}
		}
	}

	gfs.filtNumRow = uint64(sum)
	return sum, nil
}

// UpdateColFilt narrows the column filter; a has one entry per column
// currently kept.
func (gfs *GenoFileStream) UpdateColFilt(a []bool) (int, error) {
	if len(a) != int(gfs.NumColsToKeep()) {
		return 0, errFilterLength
	}

	if gfs.filtCols == nil {
		gfs.filtCols = make([]bool, gfs.numCols)
		for i := range gfs.filtCols {
			gfs.filtCols[i] = true
		}
	}

	sum := 0
	idx := 0
	for i := range gfs.filtCols {
		if gfs.filtCols[i] {
			gfs.filtCols[i] = gfs.filtCols[i] && a[idx]
			idx++
			if gfs.filtCols[i] {
				sum++
			}
		}
	}

	gfs.filtNumCol = uint64(sum)
	return sum, nil
}

func (gfs *GenoFileStream) ColFilt() []bool {
	return gfs.filtCols
}

func (gfs *GenoFileStream) RowFilt() []bool {
	return gfs.filtRows
}

func (gfs *GenoFileStream) LineCount() uint64 {
	return gfs.lineCount
}

func (gfs *GenoFileStream) SetReplaceMissing(on bool) {
	gfs.replaceMissing = on
}

func (gfs *GenoFileStream) SetColMissingReplace(a []float64) error {
	if a != nil && len(a) != int(gfs.numCols) {
		return errFilterLength
	}
	gfs.missingColReplace = a
	return nil
}
