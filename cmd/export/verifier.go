package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/airframesio/dataset-exporter/cmd/storage"
)

// Fault reasons
const (
	FaultMissing  = "missing"
	FaultCorrupt  = "corrupt"
	FaultChecksum = "checksum"
)

// ChunkFault explains why a listed chunk did not verify.
type ChunkFault struct {
	ChunkNumber int    `json:"chunk_number"`
	Key         string `json:"s3_key"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail"`
}

// VerificationResult reconciles an export against its manifest.
type VerificationResult struct {
	ExportTimestamp string       `json:"export_timestamp"`
	ExpectedTotal   int          `json:"expected_total"`
	ObservedTotal   int          `json:"observed_total"`
	MissingChunks   []string     `json:"missing_chunks"`
	Match           bool         `json:"match"`
	Faults          []ChunkFault `json:"faults"`
	OrphanChunks    []string     `json:"orphan_chunks"`
	DuplicateIDs    int          `json:"duplicate_ids"`
	PlannedChunks   int          `json:"planned_chunks"`
	CheckedChunks   int          `json:"checked_chunks"`
}

// Verifier re-reads the chunks a manifest lists.
type Verifier struct {
	chunks      *ChunkStore
	manifests   *ManifestStore
	storage     storage.ObjectStorage
	concurrency int
	logger      *slog.Logger
}

func NewVerifier(chunks *ChunkStore, manifests *ManifestStore, store storage.ObjectStorage, concurrency int, logger *slog.Logger) *Verifier {
	if concurrency <= 0 {
		concurrency = DefaultMaxWorkers
	}
	return &Verifier{
		chunks:      chunks,
		manifests:   manifests,
		storage:     store,
		concurrency: concurrency,
		logger:      logger,
	}
}

type chunkCheck struct {
	ids   []string
	count int
	fault *ChunkFault
}

// Verify checks every chunk listed in the manifest for timestamp. Chunk
// problems are accumulated in the result; an error is returned when the
// manifest cannot be loaded, when its chunks were written in a format or
// compression other than the verifier's, or when ctx is cancelled.
func (v *Verifier) Verify(ctx context.Context, timestamp string) (*VerificationResult, error) {
	m, err := v.manifests.Get(ctx, timestamp)
	if err != nil {
		return nil, err
	}
	if m.Format != v.chunks.Format() || m.Compression != v.chunks.Compression() {
		return nil, fmt.Errorf("%w: export is %s/%s, verifier reads %s/%s",
			ErrLayoutMismatch, m.Format, m.Compression, v.chunks.Format(), v.chunks.Compression())
	}

	v.logger.Info(fmt.Sprintf("🔍 Verifying export %s (%d chunks listed, %d planned)", timestamp, len(m.Chunks), m.NumChunks))

	checks := make([]chunkCheck, len(m.Chunks))
	sem := semaphore.NewWeighted(int64(v.concurrency))
	var wg sync.WaitGroup

	for i, entry := range m.Chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int, entry ChunkEntry) {
			defer wg.Done()
			defer sem.Release(1)
			checks[i] = v.checkChunk(ctx, m, entry)
		}(i, entry)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &VerificationResult{
		ExportTimestamp: m.ExportTimestamp,
		ExpectedTotal:   m.TotalPapers,
		MissingChunks:   []string{},
		Faults:          []ChunkFault{},
		OrphanChunks:    []string{},
		PlannedChunks:   m.NumChunks,
		CheckedChunks:   len(m.Chunks),
	}

	seen := make(map[string]int)
	for _, c := range checks {
		if c.fault != nil {
			result.Faults = append(result.Faults, *c.fault)
			result.MissingChunks = append(result.MissingChunks, c.fault.Key)
			continue
		}
		result.ObservedTotal += c.count
		for _, id := range c.ids {
			seen[id]++
		}
	}
	for _, n := range seen {
		if n > 1 {
			result.DuplicateIDs++
		}
	}

	orphans, err := v.orphans(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn(fmt.Sprintf("⚠️  Orphan detection skipped: %v", err))
	}
	result.OrphanChunks = append(result.OrphanChunks, orphans...)

	sort.Strings(result.MissingChunks)
	sort.Strings(result.OrphanChunks)
	sort.Slice(result.Faults, func(i, j int) bool { return result.Faults[i].Key < result.Faults[j].Key })

	result.Match = result.ObservedTotal == result.ExpectedTotal && len(result.MissingChunks) == 0

	if result.Match {
		v.logger.Info(fmt.Sprintf("✅ Verified %d of %d records in %d chunks", result.ObservedTotal, result.ExpectedTotal, result.CheckedChunks))
	} else {
		v.logger.Warn(fmt.Sprintf("❌ Verification mismatch: observed %d of %d records, %d chunks missing or corrupt",
			result.ObservedTotal, result.ExpectedTotal, len(result.MissingChunks)))
	}
	return result, nil
}

func (v *Verifier) checkChunk(ctx context.Context, m *Manifest, entry ChunkEntry) chunkCheck {
	fault := func(reason, detail string) chunkCheck {
		return chunkCheck{fault: &ChunkFault{ChunkNumber: entry.ChunkNumber, Key: entry.Key, Reason: reason, Detail: detail}}
	}

	obj, err := v.chunks.ReadChunkObject(ctx, entry.Key)
	if err != nil {
		switch {
		case errors.Is(err, ErrChunkCorrupt):
			return fault(FaultCorrupt, err.Error())
		default:
			return fault(FaultMissing, err.Error())
		}
	}

	if entry.MD5 != "" && obj.MD5 != entry.MD5 {
		return fault(FaultChecksum, fmt.Sprintf("md5 %s, manifest has %s", obj.MD5, entry.MD5))
	}
	if obj.Meta.ChunkNumber != entry.ChunkNumber {
		return fault(FaultCorrupt, fmt.Sprintf("payload chunk_number %d, manifest has %d", obj.Meta.ChunkNumber, entry.ChunkNumber))
	}
	if obj.Meta.ExportTimestamp != m.ExportTimestamp {
		return fault(FaultCorrupt, fmt.Sprintf("payload export_timestamp %s, manifest has %s", obj.Meta.ExportTimestamp, m.ExportTimestamp))
	}
	if obj.Meta.RecordCount != entry.TotalPapers {
		return fault(FaultCorrupt, fmt.Sprintf("payload total_papers %d, manifest has %d", obj.Meta.RecordCount, entry.TotalPapers))
	}

	ids := make([]string, len(obj.Records))
	for i, r := range obj.Records {
		ids[i] = r.ID
	}
	return chunkCheck{ids: ids, count: obj.Meta.RecordCount}
}

// orphans lists chunk objects carrying the run's timestamp that the manifest
// does not reference.
func (v *Verifier) orphans(ctx context.Context, m *Manifest) ([]string, error) {
	listed := make(map[string]bool, len(m.Chunks))
	for _, entry := range m.Chunks {
		listed[entry.Key] = true
	}

	keys, err := v.storage.List(ctx, v.chunks.Layout(m.Prefix).ChunkPrefix())
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, key := range keys {
		if listed[key] {
			continue
		}
		if _, ts, ok := ParseChunkKey(key); ok && ts == m.ExportTimestamp {
			orphans = append(orphans, key)
		}
	}
	return orphans, nil
}
