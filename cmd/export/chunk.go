package export

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 used for checksums, not cryptography
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airframesio/dataset-exporter/cmd/compressors"
	"github.com/airframesio/dataset-exporter/cmd/formatters"
	"github.com/airframesio/dataset-exporter/cmd/source"
	"github.com/airframesio/dataset-exporter/cmd/storage"
)

// WriteInfo describes a stored chunk object.
type WriteInfo struct {
	Key         string
	MD5         string
	SizeBytes   int64
	RecordCount int
}

// ChunkObject is a chunk read back from storage.
type ChunkObject struct {
	Meta      formatters.ChunkMeta
	Records   []source.Record
	MD5       string
	SizeBytes int64
}

// ChunkStore encodes, compresses and stores chunks, and reads them back.
type ChunkStore struct {
	storage    storage.ObjectStorage
	formatter  formatters.Formatter
	compressor compressors.Compressor
	level      int
	logger     *slog.Logger
}

// NewChunkStore creates a chunk store. A level of 0 selects the compressor default.
func NewChunkStore(store storage.ObjectStorage, formatter formatters.Formatter, compressor compressors.Compressor, level int, logger *slog.Logger) *ChunkStore {
	if level == 0 {
		level = compressor.DefaultLevel()
	}
	return &ChunkStore{
		storage:    store,
		formatter:  formatter,
		compressor: compressor,
		level:      level,
		logger:     logger,
	}
}

// Layout returns the key layout for chunks under prefix.
func (c *ChunkStore) Layout(prefix string) Layout {
	return Layout{Prefix: prefix, Extension: c.formatter.Extension() + c.compressor.Extension()}
}

func (c *ChunkStore) Format() string {
	return c.formatter.Name()
}

func (c *ChunkStore) Compression() string {
	return c.compressor.Name()
}

// WriteChunk stores records at key, overwriting any existing object.
func (c *ChunkStore) WriteChunk(ctx context.Context, key string, meta formatters.ChunkMeta, records []source.Record) (WriteInfo, error) {
	payload, err := c.formatter.Encode(meta, records)
	if err != nil {
		return WriteInfo{}, fmt.Errorf("%w: failed to encode chunk %d: %v", ErrWriteFailure, meta.ChunkNumber, err)
	}

	data, err := c.compressor.Compress(payload, c.level)
	if err != nil {
		return WriteInfo{}, fmt.Errorf("%w: failed to compress chunk %d: %v", ErrWriteFailure, meta.ChunkNumber, err)
	}

	if err := c.storage.Put(ctx, key, data, c.contentType()); err != nil {
		if ctx.Err() != nil {
			return WriteInfo{}, fmt.Errorf("%w: %w", ErrWriteFailure, ctx.Err())
		}
		return WriteInfo{}, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}

	c.logger.Debug(fmt.Sprintf("  💾 Wrote %s (%d records, %d bytes)", key, len(records), len(data)))

	return WriteInfo{
		Key:         key,
		MD5:         checksum(data),
		SizeBytes:   int64(len(data)),
		RecordCount: len(records),
	}, nil
}

// ReadChunk fetches and decodes the chunk at key.
func (c *ChunkStore) ReadChunk(ctx context.Context, key string) (formatters.ChunkMeta, []source.Record, error) {
	obj, err := c.ReadChunkObject(ctx, key)
	if err != nil {
		return formatters.ChunkMeta{}, nil, err
	}
	return obj.Meta, obj.Records, nil
}

// ReadChunkObject is ReadChunk plus the checksum and size of the stored bytes.
// An absent key returns ErrChunkMissing; an undecodable or inconsistent
// payload returns ErrChunkCorrupt.
func (c *ChunkStore) ReadChunkObject(ctx context.Context, key string) (*ChunkObject, error) {
	data, err := c.storage.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChunkMissing, key)
		}
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}

	payload, err := c.compressor.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChunkCorrupt, key, err)
	}

	meta, records, err := c.formatter.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChunkCorrupt, key, err)
	}

	return &ChunkObject{
		Meta:      meta,
		Records:   records,
		MD5:       checksum(data),
		SizeBytes: int64(len(data)),
	}, nil
}

func (c *ChunkStore) contentType() string {
	if c.compressor.Name() == "none" {
		return c.formatter.MIMEType()
	}
	return "application/octet-stream"
}

func checksum(data []byte) string {
	hasher := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
