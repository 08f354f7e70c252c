package objfile

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decompress inspects the leading bytes for a known compression signature
// and inflates the payload if one matches. Uncompressed data is returned
// as-is.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b: // gzip
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gr.Close()

		var decompressed bytes.Buffer
		if _, err := decompressed.ReadFrom(gr); err != nil {
			return nil, fmt.Errorf("decompress gzip data: %w", err)
		}
		return decompressed.Bytes(), nil

	case len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd: // zstd
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()

		var decompressed bytes.Buffer
		if _, err := decompressed.ReadFrom(zr.IOReadCloser()); err != nil {
			return nil, fmt.Errorf("decompress zstd data: %w", err)
		}
		return decompressed.Bytes(), nil
	}

	return data, nil
}
