package compressors

import (
	"errors"
	"fmt"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// ErrCorruptInput is returned when compressed data cannot be decoded
var ErrCorruptInput = errors.New("corrupt compressed data")

// Compressor defines the interface for chunk payload compression
type Compressor interface {
	// Compress compresses the input data
	Compress(data []byte, level int) ([]byte, error)

	// Decompress reverses Compress
	Decompress(data []byte) ([]byte, error)

	// Name returns the configuration name of this compression (e.g., "zstd")
	Name() string

	// Extension returns the key extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// Names lists every supported compression name
var Names = []string{"none", "zstd", "lz4", "gzip", "snappy"}

// GetCompressor returns the appropriate compressor based on the compression string
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "none", "":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}

// ValidLevel reports whether level is acceptable for the named compression
func ValidLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none", "snappy":
		return level == 0 // no tunable level
	default:
		return false
	}
}
