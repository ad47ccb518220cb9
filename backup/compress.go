package backup

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Compress encodes data with algo. CompressionNone returns data unchanged.
func Compress(algo CompressionAlgorithm, data []byte) ([]byte, error) {
	switch algo {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("backup: zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("backup: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("backup: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("backup: lzma writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("backup: lzma write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("backup: lzma close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("backup: unsupported compression algorithm %q", algo)
	}
}

// Decompress reverses Compress.
func Decompress(algo CompressionAlgorithm, data []byte) ([]byte, error) {
	switch algo {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("backup: zstd reader: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("backup: gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("backup: lzma reader: %w", err)
		}
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("backup: unsupported compression algorithm %q", algo)
	}
}

// SelectCompression picks the best available algorithm for payload,
// preferring zstd, falling back to none if the compressed form is not at
// least 10% smaller (spec §4.3).
func SelectCompression(payload []byte) (CompressionAlgorithm, []byte, error) {
	best := CompressionNone
	bestData := payload

	compressed, err := Compress(CompressionZstd, payload)
	if err == nil && len(payload) > 0 && float64(len(compressed)) <= float64(len(payload))*0.9 {
		best = CompressionZstd
		bestData = compressed
	}

	return best, bestData, nil
}
