package blockstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/crc32"
)

// Object layout (little endian):
//
//	0   magic "GWBK"
//	4   version
//	5   codec
//	6   layout
//	7   reserved
//	8   rows      uint32
//	12  cols      uint32
//	16  rawLen    uint32
//	20  payloadLen uint32
//	24  ridge     float64
//	32  payloadCRC uint32
//	36  reserved
//	40  headerCRC uint32 (over bytes 0..40)
//	44  reserved
//	48  payload
const (
	headerSize    = 48
	formatVersion = 1
)

var (
	blockMagic = [4]byte{'G', 'W', 'B', 'K'}
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func packValues(b *Block) []byte {
	n := len(b.Data)
	if b.Layout == LayoutLowerPacked {
		n = b.Rows * (b.Rows + 1) / 2
	}
	raw := make([]byte, 8*n)
	off := 0
	put := func(v float64) {
		binary.LittleEndian.PutUint64(raw[off:], math.Float64bits(v))
		off += 8
	}
	if b.Layout == LayoutLowerPacked {
		for i := 0; i < b.Rows; i++ {
			for j := 0; j <= i; j++ {
				put(b.Data[i*b.Cols+j])
			}
		}
	} else {
		for _, v := range b.Data {
			put(v)
		}
	}
	return raw
}

func unpackValues(raw []byte, rows, cols int, layout Layout) ([]float64, error) {
	want := rows * cols
	if layout == LayoutLowerPacked {
		if rows != cols {
			return nil, fmt.Errorf("packed block is not square: %dx%d", rows, cols)
		}
		want = rows * (rows + 1) / 2
	}
	if len(raw) != 8*want {
		return nil, fmt.Errorf("decoded %d bytes, expected %d values", len(raw), want)
	}

	data := make([]float64, rows*cols)
	get := func(k int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(raw[8*k:]))
	}
	if layout == LayoutLowerPacked {
		k := 0
		for i := 0; i < rows; i++ {
			for j := 0; j <= i; j++ {
				data[i*cols+j] = get(k)
				k++
			}
		}
	} else {
		for k := range data {
			data[k] = get(k)
		}
	}
	return data, nil
}

// encodeBlock serializes, compresses and checksums a block.
func encodeBlock(b *Block, codec Codec) ([]byte, error) {
	raw := packValues(b)
	payload, used, err := compress(codec, raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+len(payload))
	copy(out[0:4], blockMagic[:])
	out[4] = formatVersion
	out[5] = byte(used)
	out[6] = byte(b.Layout)
	binary.LittleEndian.PutUint32(out[8:], uint32(b.Rows))
	binary.LittleEndian.PutUint32(out[12:], uint32(b.Cols))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[20:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(out[24:], math.Float64bits(b.Ridge))
	binary.LittleEndian.PutUint32(out[32:], checksum(payload))
	binary.LittleEndian.PutUint32(out[40:], checksum(out[:40]))
	copy(out[headerSize:], payload)
	return out, nil
}

// decodeBlock verifies and decodes an object. Every failure wraps ErrCorruptBlock.
func decodeBlock(id BlockID, data []byte) (*Block, error) {
	corrupt := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrCorruptBlock, fmt.Sprintf(format, args...))
	}

	if len(data) < headerSize {
		return nil, corrupt("object is %d bytes, shorter than the header", len(data))
	}
	if [4]byte{data[0], data[1], data[2], data[3]} != blockMagic {
		return nil, corrupt("bad magic")
	}
	if got, want := checksum(data[:40]), binary.LittleEndian.Uint32(data[40:]); got != want {
		return nil, corrupt("header checksum %08x, expected %08x", got, want)
	}
	if binary.LittleEndian.Uint32(data[44:]) != 0 {
		return nil, corrupt("non-zero header padding")
	}
	if data[4] != formatVersion {
		return nil, corrupt("unsupported format version %d", data[4])
	}

	codec := Codec(data[5])
	layout := Layout(data[6])
	rows := int(binary.LittleEndian.Uint32(data[8:]))
	cols := int(binary.LittleEndian.Uint32(data[12:]))
	rawLen := int(binary.LittleEndian.Uint32(data[16:]))
	payloadLen := int(binary.LittleEndian.Uint32(data[20:]))
	ridge := math.Float64frombits(binary.LittleEndian.Uint64(data[24:]))

	if len(data) != headerSize+payloadLen {
		return nil, corrupt("payload is %d bytes, header says %d", len(data)-headerSize, payloadLen)
	}
	payload := data[headerSize:]
	if got, want := checksum(payload), binary.LittleEndian.Uint32(data[32:]); got != want {
		return nil, corrupt("payload checksum %08x, expected %08x", got, want)
	}

	raw, err := decompress(codec, payload, rawLen)
	if err != nil {
		return nil, corrupt("%v", err)
	}
	values, err := unpackValues(raw, rows, cols, layout)
	if err != nil {
		return nil, corrupt("%v", err)
	}

	return &Block{
		ID:     id,
		Rows:   rows,
		Cols:   cols,
		Layout: layout,
		Data:   values,
		Ridge:  ridge,
	}, nil
}
