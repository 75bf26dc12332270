// Package export partitions a source collection into chunks, writes them to
// object storage with bounded concurrency, records a manifest per run, and
// verifies exports against their manifests.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/airframesio/dataset-exporter/cmd/formatters"
	"github.com/airframesio/dataset-exporter/cmd/source"
)

// Defaults applied by NewExporter when an option is zero
const (
	DefaultChunkSize        = 1000
	DefaultMaxWorkers       = 4
	DefaultTaskTimeout      = 30 * time.Second
	DefaultPerRecordTimeout = 10 * time.Millisecond
)

// Options configures an Exporter.
type Options struct {
	ChunkSize  int
	MaxWorkers int

	// TaskTimeout + PerRecordTimeout*records bounds each chunk task
	TaskTimeout      time.Duration
	PerRecordTimeout time.Duration

	// FetchRetries is the number of retries for a failed page read
	FetchRetries    int
	FetchRetryDelay time.Duration

	Bucket string
	Prefix string

	// OnPlan is called once the chunks to run are known, before any is dispatched.
	OnPlan func(timestamp string, chunks int)
	// OnChunkDone is called from worker goroutines once per chunk, including
	// chunks that were never dispatched because the run was cancelled.
	OnChunkDone func(ChunkOutcome)

	Clock func() time.Time
}

// ChunkOutcome is the result of one chunk task.
type ChunkOutcome struct {
	Spec     ChunkSpec
	Entry    *ChunkEntry
	Err      error
	Duration time.Duration
}

// ChunkFailure names a failed chunk.
type ChunkFailure struct {
	ChunkNumber int
	Err         error
}

// Result is returned by Export and ResumeExport whenever a manifest was written.
type Result struct {
	Timestamp string
	Manifest  *Manifest
	Failed    []ChunkFailure
}

// DryRunReport is the plan an export would execute.
type DryRunReport struct {
	Timestamp    string
	TotalRecords int
	ChunkSize    int
	Chunks       []ChunkSpec
	Keys         []string
	ManifestKey  string
}

// Exporter coordinates chunked exports.
type Exporter struct {
	reader    source.Reader
	chunks    *ChunkStore
	manifests *ManifestStore
	opts      Options
	logger    *slog.Logger
}

// NewExporter validates opts and fills in defaults.
func NewExporter(reader source.Reader, chunks *ChunkStore, manifests *ManifestStore, opts Options, logger *slog.Logger) (*Exporter, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidOptions, opts.ChunkSize)
	}
	if opts.MaxWorkers <= 0 {
		return nil, fmt.Errorf("%w: max workers must be positive, got %d", ErrInvalidOptions, opts.MaxWorkers)
	}
	if opts.TaskTimeout < 0 || opts.PerRecordTimeout < 0 || opts.FetchRetries < 0 || opts.FetchRetryDelay < 0 {
		return nil, fmt.Errorf("%w: timeouts and retries must not be negative", ErrInvalidOptions)
	}
	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.PerRecordTimeout == 0 {
		opts.PerRecordTimeout = DefaultPerRecordTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Exporter{
		reader:    reader,
		chunks:    chunks,
		manifests: manifests,
		opts:      opts,
		logger:    logger,
	}, nil
}

// DryRun reads the count and returns the plan without reading pages or writing.
func (e *Exporter) DryRun(ctx context.Context) (*DryRunReport, error) {
	total, err := e.reader.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	ts := FormatTimestamp(e.opts.Clock())
	specs := Plan(total, e.opts.ChunkSize)
	layout := e.chunks.Layout(e.opts.Prefix)

	keys := make([]string, len(specs))
	for i, spec := range specs {
		keys[i] = layout.ChunkKey(spec.Number, ts)
	}

	return &DryRunReport{
		Timestamp:    ts,
		TotalRecords: total,
		ChunkSize:    e.opts.ChunkSize,
		Chunks:       specs,
		Keys:         keys,
		ManifestKey:  ManifestKey(e.opts.Prefix, ts),
	}, nil
}

// Export runs a full export. The returned error wraps ErrIncompleteExport when
// any chunk failed; the Result and its manifest are still returned in that case.
func (e *Exporter) Export(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total, err := e.reader.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	now := e.opts.Clock()
	ts := FormatTimestamp(now)

	exists, err := e.manifests.Exists(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing manifest: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, ts)
	}

	specs := Plan(total, e.opts.ChunkSize)
	e.logger.Info(fmt.Sprintf("📦 Exporting %d records in %d chunks of %d (timestamp %s, %d workers)",
		total, len(specs), e.opts.ChunkSize, ts, e.opts.MaxWorkers))

	m := &Manifest{
		ExportTimestamp: ts,
		TotalPapers:     total,
		NumChunks:       len(specs),
		Bucket:          e.opts.Bucket,
		Prefix:          e.opts.Prefix,
		Status:          StatusInProgress,
		CreatedAt:       now,
		RunID:           uuid.NewString(),
		ChunkSize:       e.opts.ChunkSize,
		Format:          e.chunks.Format(),
		Compression:     e.chunks.Compression(),
	}

	if e.opts.OnPlan != nil {
		e.opts.OnPlan(ts, len(specs))
	}
	outcomes := e.runChunks(ctx, ts, e.opts.Prefix, specs)
	return e.finish(ctx, m, outcomes, nil, e.manifests.Create)
}

// ResumeExport re-runs chunks of a failed export with its original timestamp.
// With no chunk numbers every chunk listed as failed is retried.
func (e *Exporter) ResumeExport(ctx context.Context, timestamp string, chunkNumbers []int) (*Result, error) {
	prior, err := e.manifests.Get(ctx, timestamp)
	if err != nil {
		return nil, err
	}
	if prior.Status == StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, timestamp)
	}
	if prior.Format != e.chunks.Format() || prior.Compression != e.chunks.Compression() {
		return nil, fmt.Errorf("%w: manifest has %s/%s, exporter writes %s/%s", ErrLayoutMismatch,
			prior.Format, prior.Compression, e.chunks.Format(), e.chunks.Compression())
	}

	chunkSize := prior.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.opts.ChunkSize
	}
	specs := Plan(prior.TotalPapers, chunkSize)
	if len(specs) != prior.NumChunks {
		return nil, fmt.Errorf("%w: manifest lists %d chunks but %d records at chunk size %d plan %d",
			ErrInvalidOptions, prior.NumChunks, prior.TotalPapers, chunkSize, len(specs))
	}

	if len(chunkNumbers) == 0 {
		chunkNumbers = pendingChunks(prior)
	}

	selected := make(map[int]bool, len(chunkNumbers))
	for _, n := range chunkNumbers {
		if n < 0 || n >= prior.NumChunks {
			return nil, fmt.Errorf("%w: %d (export has %d chunks)", ErrInvalidChunkNumber, n, prior.NumChunks)
		}
		selected[n] = true
	}

	retry := make([]ChunkSpec, 0, len(selected))
	for _, spec := range specs {
		if selected[spec.Number] {
			retry = append(retry, spec)
		}
	}

	e.logger.Info(fmt.Sprintf("🔁 Resuming export %s: re-running %d of %d chunks", timestamp, len(retry), prior.NumChunks))

	m := &Manifest{
		ExportTimestamp: prior.ExportTimestamp,
		TotalPapers:     prior.TotalPapers,
		NumChunks:       prior.NumChunks,
		Bucket:          prior.Bucket,
		Prefix:          prior.Prefix,
		Status:          StatusInProgress,
		CreatedAt:       prior.CreatedAt,
		RunID:           uuid.NewString(),
		ChunkSize:       chunkSize,
		Format:          prior.Format,
		Compression:     prior.Compression,
		ResumedFrom:     append(append([]string{}, prior.ResumedFrom...), prior.RunID),
	}

	if e.opts.OnPlan != nil {
		e.opts.OnPlan(prior.ExportTimestamp, len(retry))
	}
	outcomes := e.runChunks(ctx, prior.ExportTimestamp, prior.Prefix, retry)
	return e.finish(ctx, m, outcomes, prior, e.manifests.Put)
}

// pendingChunks lists every chunk without a manifest entry.
func pendingChunks(m *Manifest) []int {
	var pending []int
	for n := 0; n < m.NumChunks; n++ {
		if _, ok := m.Entry(n); !ok {
			pending = append(pending, n)
		}
	}
	return pending
}

// runChunks dispatches specs to at most MaxWorkers concurrent tasks. Each task
// writes only its own slot in the outcomes slice.
func (e *Exporter) runChunks(ctx context.Context, timestamp, prefix string, specs []ChunkSpec) []ChunkOutcome {
	outcomes := make([]ChunkOutcome, len(specs))
	layout := e.chunks.Layout(prefix)

	var g errgroup.Group
	g.SetLimit(e.opts.MaxWorkers)

	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(specs); j++ {
				outcomes[j] = ChunkOutcome{Spec: specs[j], Err: &ChunkError{ChunkNumber: specs[j].Number, Err: err}}
				e.notify(outcomes[j])
			}
			break
		}

		g.Go(func() error {
			outcomes[i] = e.exportChunk(ctx, layout, timestamp, spec)
			e.notify(outcomes[i])
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

func (e *Exporter) notify(o ChunkOutcome) {
	if o.Err != nil {
		e.logger.Warn(fmt.Sprintf("❌ Chunk %d failed: %v", o.Spec.Number, o.Err))
	} else {
		e.logger.Debug(fmt.Sprintf("✅ Chunk %d: %d records → %s (%v)", o.Spec.Number, o.Spec.Count, o.Entry.Key, o.Duration.Round(time.Millisecond)))
	}
	if e.opts.OnChunkDone != nil {
		e.opts.OnChunkDone(o)
	}
}

func (e *Exporter) taskTimeout(records int) time.Duration {
	return e.opts.TaskTimeout + e.opts.PerRecordTimeout*time.Duration(records)
}

// exportChunk fetches one page and writes it. Once the write starts it is
// detached from run cancellation and bounded only by the task deadline.
func (e *Exporter) exportChunk(ctx context.Context, layout Layout, timestamp string, spec ChunkSpec) ChunkOutcome {
	start := time.Now()
	out := ChunkOutcome{Spec: spec}
	fail := func(err error) ChunkOutcome {
		out.Err = &ChunkError{ChunkNumber: spec.Number, Err: err}
		out.Duration = time.Since(start)
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	deadline := start.Add(e.taskTimeout(spec.Count))
	fetchCtx, cancelFetch := context.WithDeadline(ctx, deadline)
	defer cancelFetch()

	records, err := e.fetch(fetchCtx, spec)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			return fail(fmt.Errorf("%w: reading %d records at offset %d", ErrTaskTimeout, spec.Count, spec.Offset))
		case errors.Is(err, source.ErrInvalidDocument):
			return fail(fmt.Errorf("%w: %w", ErrSourceInconsistency, err))
		default:
			return fail(fmt.Errorf("%w: %w", ErrSourceUnavailable, err))
		}
	}
	if len(records) != spec.Count {
		return fail(fmt.Errorf("%w: expected %d records at offset %d, got %d",
			ErrSourceInconsistency, spec.Count, spec.Offset, len(records)))
	}

	key := layout.ChunkKey(spec.Number, timestamp)
	writeCtx, cancelWrite := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancelWrite()

	info, err := e.chunks.WriteChunk(writeCtx, key, formatters.ChunkMeta{
		ChunkNumber:     spec.Number,
		RecordCount:     len(records),
		ExportTimestamp: timestamp,
	}, records)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(fmt.Errorf("%w: %w", ErrTaskTimeout, err))
		}
		return fail(err)
	}

	out.Entry = &ChunkEntry{
		ChunkNumber: spec.Number,
		Key:         info.Key,
		TotalPapers: info.RecordCount,
		MD5:         info.MD5,
		SizeBytes:   info.SizeBytes,
	}
	out.Duration = time.Since(start)
	return out
}

// fetch reads a page, retrying transient failures with exponential backoff.
func (e *Exporter) fetch(ctx context.Context, spec ChunkSpec) ([]source.Record, error) {
	for attempt := 0; ; attempt++ {
		records, err := e.reader.FetchPage(ctx, spec.Offset, spec.Count)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt >= e.opts.FetchRetries {
			return nil, err
		}

		delay := e.opts.FetchRetryDelay * time.Duration(1<<attempt)
		e.logger.Debug(fmt.Sprintf("  ⏳ Chunk %d read failed (attempt %d/%d), retrying in %v: %v",
			spec.Number, attempt+1, e.opts.FetchRetries+1, delay, err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func retryable(err error) bool {
	return !errors.Is(err, source.ErrInvalidDocument) &&
		!errors.Is(err, source.ErrInvalidRange) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// finish merges outcomes over any prior manifest, derives the status and
// writes the manifest once. The write is detached from run cancellation so a
// cancelled run still records its partial progress.
func (e *Exporter) finish(ctx context.Context, m *Manifest, outcomes []ChunkOutcome, prior *Manifest, write func(context.Context, *Manifest) error) (*Result, error) {
	entries := make(map[int]ChunkEntry)
	failures := make(map[int]string)
	if prior != nil {
		for _, entry := range prior.Chunks {
			entries[entry.ChunkNumber] = entry
		}
		for _, f := range prior.FailedChunks {
			failures[f.ChunkNumber] = f.Error
		}
	}

	liveErr := make(map[int]error)
	for _, o := range outcomes {
		n := o.Spec.Number
		if o.Err == nil {
			entries[n] = *o.Entry
			delete(failures, n)
			continue
		}
		if _, ok := entries[n]; ok {
			e.logger.Warn(fmt.Sprintf("⚠️  Chunk %d re-run failed, keeping previously written chunk: %v", n, o.Err))
			continue
		}
		failures[n] = o.Err.Error()
		liveErr[n] = o.Err
	}

	m.Chunks = make([]ChunkEntry, 0, len(entries))
	for _, entry := range entries {
		m.Chunks = append(m.Chunks, entry)
	}
	sort.Slice(m.Chunks, func(i, j int) bool { return m.Chunks[i].ChunkNumber < m.Chunks[j].ChunkNumber })

	// Failed lists every chunk still missing, including ones a resume did not re-run
	var failed []ChunkFailure
	m.FailedChunks = make([]FailedChunk, 0, len(failures))
	for n := 0; n < m.NumChunks; n++ {
		if _, ok := entries[n]; ok {
			continue
		}
		msg, ok := failures[n]
		if !ok {
			msg = "not exported"
		}
		m.FailedChunks = append(m.FailedChunks, FailedChunk{ChunkNumber: n, Error: msg})

		err, ok := liveErr[n]
		if !ok {
			err = errors.New(msg)
		}
		failed = append(failed, ChunkFailure{ChunkNumber: n, Err: err})
	}

	if len(m.Chunks) == m.NumChunks {
		m.Status = StatusCompleted
		completedAt := e.opts.Clock()
		m.CompletedAt = &completedAt
	} else {
		m.Status = StatusFailed
	}

	if err := write(context.WithoutCancel(ctx), m); err != nil {
		return nil, err
	}

	result := &Result{Timestamp: m.ExportTimestamp, Manifest: m, Failed: failed}
	if m.Status != StatusCompleted {
		err := fmt.Errorf("%w: %d of %d chunks not exported", ErrIncompleteExport, len(m.FailedChunks), m.NumChunks)
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return result, err
	}

	e.logger.Info(fmt.Sprintf("✅ Export %s completed: %d records in %d chunks", m.ExportTimestamp, m.TotalPapers, m.NumChunks))
	return result, nil
}
