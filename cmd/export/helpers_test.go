package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/dataset-exporter/cmd/compressors"
	"github.com/airframesio/dataset-exporter/cmd/formatters"
	"github.com/airframesio/dataset-exporter/cmd/source"
	"github.com/airframesio/dataset-exporter/cmd/storage"
)

const (
	testPrefix    = "iclr_2026"
	testTimestamp = "20250101_120000"
)

var errInjected = errors.New("injected write failure")

func fixedClock() time.Time {
	return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultyStorage wraps local storage with injectable write failures.
type faultyStorage struct {
	*storage.LocalStorage

	mu       sync.Mutex
	failKeys []string
	onPut    func(key string)
}

func (f *faultyStorage) failWrites(substrings ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKeys = substrings
}

func (f *faultyStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	hook := f.onPut
	fail := false
	for _, s := range f.failKeys {
		if strings.Contains(key, s) {
			fail = true
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	if fail {
		return errInjected
	}
	return f.LocalStorage.Put(ctx, key, data, contentType)
}

type testEnv struct {
	store     *faultyStorage
	reader    *source.MemoryReader
	chunks    *ChunkStore
	manifests *ManifestStore
	logger    *slog.Logger
}

func newTestEnv(t *testing.T, records int) *testEnv {
	return newTestEnvWithLayout(t, source.GenerateRecords(records), formatters.FormatJSON, "none")
}

func newTestEnvWithLayout(t *testing.T, records []source.Record, format, compression string) *testEnv {
	t.Helper()

	local, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	formatter, err := formatters.GetFormatter(format)
	if err != nil {
		t.Fatal(err)
	}
	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		t.Fatal(err)
	}

	logger := newTestLogger()
	store := &faultyStorage{LocalStorage: local}
	return &testEnv{
		store:     store,
		reader:    source.NewMemoryReader(records),
		chunks:    NewChunkStore(store, formatter, compressor, 0, logger),
		manifests: NewManifestStore(store, testPrefix, logger),
		logger:    logger,
	}
}

func (env *testEnv) exporter(t *testing.T, reader source.Reader, mutate func(*Options)) *Exporter {
	t.Helper()
	if reader == nil {
		reader = env.reader
	}
	opts := Options{
		ChunkSize:  1000,
		MaxWorkers: 4,
		Bucket:     "test-bucket",
		Prefix:     testPrefix,
		Clock:      fixedClock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	exp, err := NewExporter(reader, env.chunks, env.manifests, opts, env.logger)
	if err != nil {
		t.Fatal(err)
	}
	return exp
}

func (env *testEnv) verifier() *Verifier {
	return NewVerifier(env.chunks, env.manifests, env.store, 4, env.logger)
}

func chunkKey(n int) string {
	return Layout{Prefix: testPrefix, Extension: ".json"}.ChunkKey(n, testTimestamp)
}

// shrinkingReader reports a count, then drops records before pages are read.
type shrinkingReader struct {
	*source.MemoryReader
	shrinkTo int
}

func (r *shrinkingReader) Count(ctx context.Context) (int, error) {
	n, err := r.MemoryReader.Count(ctx)
	r.MemoryReader.Truncate(r.shrinkTo)
	return n, err
}

// stallingReader blocks page reads at one offset until the context ends.
type stallingReader struct {
	*source.MemoryReader
	offset int
}

func (r *stallingReader) FetchPage(ctx context.Context, offset, limit int) ([]source.Record, error) {
	if offset == r.offset {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.MemoryReader.FetchPage(ctx, offset, limit)
}

// flakyReader fails the first failures page reads with a connection error.
type flakyReader struct {
	*source.MemoryReader
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyReader) FetchPage(ctx context.Context, offset, limit int) ([]source.Record, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()
	if fail {
		return nil, source.ErrUnavailable
	}
	return r.MemoryReader.FetchPage(ctx, offset, limit)
}

type brokenReader struct{}

func (brokenReader) Count(context.Context) (int, error) { return 0, source.ErrUnavailable }
func (brokenReader) FetchPage(context.Context, int, int) ([]source.Record, error) {
	return nil, source.ErrUnavailable
}
func (brokenReader) Close() error { return nil }
