package flashkv

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

type CompressAlgorithm uint16

const (
	CompNone CompressAlgorithm = iota
	CompSnappy
	CompLz4
)

type Compressor func([]byte) []byte
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) []byte {
		return snappy.Encode(nil, in)
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) []byte {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			// A failed compressor never wins the size comparison, so the
			// caller falls back to storing the payload uncompressed.
			_ = writer.Close()
			return in
		}
		_ = writer.Close()
		return buf.Bytes()
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

// compressorFor returns the write-side compressor for the configured
// algorithm, or nil for CompNone. Read-side decompression is selected per
// entry from its flag bits, independent of the store configuration.
func compressorFor(alg CompressAlgorithm) Compressor {
	switch alg {
	case CompSnappy:
		return SnappyCompress
	case CompLz4:
		return Lz4Compress
	default:
		return nil
	}
}
