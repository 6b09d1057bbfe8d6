package blockstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the block-level compression algorithm.
type Codec uint8

const (
	CodecNone Codec = 0
	// CodecLZ4 favors decode speed; used for blocks that are read many times.
	CodecLZ4 Codec = 1
	// CodecZstd favors ratio.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "none", "raw":
		return CodecNone, nil
	}
	return CodecNone, Configf("codec", "unsupported codec %q", name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// compress returns the payload and the codec actually used. Incompressible
// lz4 input falls back to CodecNone, and the header records that.
func compress(codec Codec, raw []byte) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return raw, CodecNone, nil

	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, codec, err
		}
		if n == 0 || n >= len(raw) {
			return raw, CodecNone, nil
		}
		return dst[:n], CodecLZ4, nil

	case CodecZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, codec, err
		}
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(raw, nil), CodecZstd, nil
	}
	return nil, codec, fmt.Errorf("unknown codec %v", codec)
}

func decompress(codec Codec, payload []byte, rawLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("raw payload is %d bytes, expected %d", len(payload), rawLen)
		}
		return payload, nil

	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, errors.New("lz4: decompressed size mismatch")
		}
		return out, nil

	case CodecZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(out) != rawLen {
			return nil, errors.New("zstd: decompressed size mismatch")
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown codec %v", codec)
}
