package compressors

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyCompressor handles Snappy block compression
type SnappyCompressor struct{}

// NewSnappyCompressor creates a new Snappy compressor
func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

// Compress compresses data using Snappy. Snappy has no levels, so level is ignored.
func (c *SnappyCompressor) Compress(data []byte, _ int) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress decodes a Snappy block
func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	return out, nil
}

// Name returns "snappy"
func (c *SnappyCompressor) Name() string {
	return "snappy"
}

// Extension returns the file extension for Snappy compression
func (c *SnappyCompressor) Extension() string {
	return ".sz"
}

// DefaultLevel returns 0, Snappy is not tunable
func (c *SnappyCompressor) DefaultLevel() int {
	return 0
}
