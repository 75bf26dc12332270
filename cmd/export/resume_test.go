package export

import (
	"context"
	"errors"
	"testing"
)

func TestResumeExport(t *testing.T) {
	env := newTestEnv(t, 2500)
	env.store.failWrites("chunk_0001_", "chunk_0002_")
	ctx := context.Background()

	first, err := env.exporter(t, nil, nil).Export(ctx)
	if !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected ErrIncompleteExport, got %v", err)
	}
	firstRun := first.Manifest.RunID

	env.store.failWrites()
	result, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, nil)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	m := result.Manifest
	if m.Status != StatusCompleted || len(m.Chunks) != 3 || len(m.FailedChunks) != 0 {
		t.Fatalf("unexpected resumed manifest %+v", m)
	}
	if m.ExportTimestamp != testTimestamp {
		t.Fatalf("resume must keep the original timestamp, got %s", m.ExportTimestamp)
	}
	if len(m.ResumedFrom) != 1 || m.ResumedFrom[0] != firstRun || m.RunID == firstRun {
		t.Fatalf("unexpected run ids: run %s resumed from %v", m.RunID, m.ResumedFrom)
	}
	if m.Chunks[0].MD5 != first.Manifest.Chunks[0].MD5 {
		t.Fatal("chunk 0 should be carried over unchanged")
	}

	vr, err := env.verifier().Verify(ctx, testTimestamp)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Match || vr.ObservedTotal != 2500 {
		t.Fatalf("unexpected verification %+v", vr)
	}

	if _, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, nil); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestResumeExportSelectedChunks(t *testing.T) {
	env := newTestEnv(t, 2500)
	env.store.failWrites("chunk_0001_", "chunk_0002_")
	ctx := context.Background()

	if _, err := env.exporter(t, nil, nil).Export(ctx); !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected ErrIncompleteExport, got %v", err)
	}

	env.store.failWrites()
	result, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, []int{2})
	if !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected the export to remain incomplete, got %v", err)
	}
	if len(result.Manifest.Chunks) != 2 || len(result.Manifest.FailedChunks) != 1 || result.Manifest.FailedChunks[0].ChunkNumber != 1 {
		t.Fatalf("unexpected manifest %+v", result.Manifest)
	}
	if len(result.Failed) != 1 || result.Failed[0].ChunkNumber != 1 {
		t.Fatalf("chunk 1 is still missing, got %v", result.Failed)
	}
}

func TestResumeReportsChunksLeftFailed(t *testing.T) {
	env := newTestEnv(t, 3500)
	env.store.failWrites("chunk_0001_", "chunk_0002_")
	ctx := context.Background()

	first, err := env.exporter(t, nil, nil).Export(ctx)
	if !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected ErrIncompleteExport, got %v", err)
	}
	storedMsg := first.Manifest.FailedChunks[1].Error

	env.store.failWrites("chunk_0001_")
	result, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, []int{1})
	if !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected ErrIncompleteExport, got %v", err)
	}

	if len(result.Failed) != 2 || result.Failed[0].ChunkNumber != 1 || result.Failed[1].ChunkNumber != 2 {
		t.Fatalf("expected chunks 1 and 2 to be reported, got %v", result.Failed)
	}
	if !errors.Is(result.Failed[0].Err, ErrWriteFailure) {
		t.Errorf("re-run chunk should carry its write error, got %v", result.Failed[0].Err)
	}
	if result.Failed[1].Err == nil || result.Failed[1].Err.Error() != storedMsg {
		t.Errorf("chunk 2 should carry the stored error %q, got %v", storedMsg, result.Failed[1].Err)
	}
	if len(result.Manifest.FailedChunks) != len(result.Failed) {
		t.Errorf("manifest lists %d failed chunks, result %d", len(result.Manifest.FailedChunks), len(result.Failed))
	}
}

func TestResumeKeepsPriorSuccessOnFailure(t *testing.T) {
	env := newTestEnv(t, 2500)
	env.store.failWrites("chunk_0002_")
	ctx := context.Background()

	if _, err := env.exporter(t, nil, nil).Export(ctx); !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected ErrIncompleteExport, got %v", err)
	}

	env.store.failWrites("chunk_0000_")
	result, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, []int{0, 2})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if result.Manifest.Status != StatusCompleted {
		t.Fatalf("prior success for chunk 0 should be kept, got %s", result.Manifest.Status)
	}
}

func TestResumeExportErrors(t *testing.T) {
	env := newTestEnv(t, 2500)
	env.store.failWrites("chunk_0001_")
	ctx := context.Background()

	if _, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, nil); !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}

	if _, err := env.exporter(t, nil, nil).Export(ctx); !errors.Is(err, ErrIncompleteExport) {
		t.Fatalf("expected ErrIncompleteExport, got %v", err)
	}

	for _, n := range []int{-1, 3} {
		if _, err := env.exporter(t, nil, nil).ResumeExport(ctx, testTimestamp, []int{n}); !errors.Is(err, ErrInvalidChunkNumber) {
			t.Fatalf("chunk %d: expected ErrInvalidChunkNumber, got %v", n, err)
		}
	}

	other := newTestEnvWithLayout(t, nil, "jsonl", "zstd")
	mismatched, err := NewExporter(env.reader, NewChunkStore(env.store, other.chunks.formatter, other.chunks.compressor, 0, env.logger),
		env.manifests, Options{ChunkSize: 1000, MaxWorkers: 2, Prefix: testPrefix, Clock: fixedClock}, env.logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mismatched.ResumeExport(ctx, testTimestamp, nil); !errors.Is(err, ErrLayoutMismatch) {
		t.Fatalf("expected ErrLayoutMismatch, got %v", err)
	}
}
