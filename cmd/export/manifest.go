package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/airframesio/dataset-exporter/cmd/storage"
)

// Export statuses
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ChunkEntry is a successfully written chunk.
type ChunkEntry struct {
	ChunkNumber int    `json:"chunk_number"`
	Key         string `json:"s3_key"`
	TotalPapers int    `json:"total_papers"`
	MD5         string `json:"md5"`
	SizeBytes   int64  `json:"size_bytes"`
}

// FailedChunk is a planned chunk that was not written.
type FailedChunk struct {
	ChunkNumber int    `json:"chunk_number"`
	Error       string `json:"error"`
}

// Manifest records the outcome of one export run.
type Manifest struct {
	ExportTimestamp string        `json:"export_timestamp"`
	TotalPapers     int           `json:"total_papers"`
	NumChunks       int           `json:"num_chunks"`
	Bucket          string        `json:"s3_bucket"`
	Prefix          string        `json:"s3_prefix"`
	Status          string        `json:"export_status"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	RunID           string        `json:"run_id"`
	ChunkSize       int           `json:"chunk_size"`
	Format          string        `json:"format"`
	Compression     string        `json:"compression"`
	Chunks          []ChunkEntry  `json:"chunks"`
	FailedChunks    []FailedChunk `json:"failed_chunks"`
	ResumedFrom     []string      `json:"resumed_from,omitempty"`
}

// Entry returns the manifest entry for a chunk number.
func (m *Manifest) Entry(chunkNumber int) (ChunkEntry, bool) {
	for _, e := range m.Chunks {
		if e.ChunkNumber == chunkNumber {
			return e, true
		}
	}
	return ChunkEntry{}, false
}

// ManifestStore reads and writes manifests under a prefix.
type ManifestStore struct {
	storage storage.ObjectStorage
	prefix  string
	logger  *slog.Logger
}

func NewManifestStore(store storage.ObjectStorage, prefix string, logger *slog.Logger) *ManifestStore {
	return &ManifestStore{storage: store, prefix: prefix, logger: logger}
}

// Create writes a manifest for a timestamp that has none yet.
func (s *ManifestStore) Create(ctx context.Context, m *Manifest) error {
	exists, err := s.Exists(ctx, m.ExportTimestamp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrManifestWriteFailure, err)
	}
	if exists {
		return fmt.Errorf("%w: %w: %s", ErrManifestWriteFailure, ErrRunExists, m.ExportTimestamp)
	}
	return s.write(ctx, m)
}

// Put writes m, replacing an existing manifest unless that one is completed.
func (s *ManifestStore) Put(ctx context.Context, m *Manifest) error {
	existing, err := s.Get(ctx, m.ExportTimestamp)
	switch {
	case err == nil:
		if existing.Status == StatusCompleted {
			return fmt.Errorf("%w: %s", ErrManifestImmutable, m.ExportTimestamp)
		}
	case errors.Is(err, ErrManifestNotFound):
	default:
		return fmt.Errorf("%w: %w", ErrManifestWriteFailure, err)
	}
	return s.write(ctx, m)
}

func (s *ManifestStore) write(ctx context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifestWriteFailure, err)
	}

	key := ManifestKey(s.prefix, m.ExportTimestamp)
	if err := s.storage.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("%w: %w", ErrManifestWriteFailure, err)
	}

	s.logger.Debug(fmt.Sprintf("  📋 Wrote manifest %s (%s)", key, m.Status))
	return nil
}

// Get loads the manifest for timestamp.
func (s *ManifestStore) Get(ctx context.Context, timestamp string) (*Manifest, error) {
	key := ManifestKey(s.prefix, timestamp)
	data, err := s.storage.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, timestamp)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", key, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", key, err)
	}
	return &m, nil
}

func (s *ManifestStore) Exists(ctx context.Context, timestamp string) (bool, error) {
	return s.storage.Exists(ctx, ManifestKey(s.prefix, timestamp))
}

// List returns the timestamps of every manifest under the prefix, oldest first.
func (s *ManifestStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.storage.List(ctx, ManifestPrefix(s.prefix))
	if err != nil {
		return nil, err
	}

	timestamps := make([]string, 0, len(keys))
	for _, key := range keys {
		if ts, ok := ParseManifestKey(key); ok {
			timestamps = append(timestamps, ts)
		}
	}
	sort.Strings(timestamps)
	return timestamps, nil
}
