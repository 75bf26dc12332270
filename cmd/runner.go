package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/airframesio/dataset-exporter/cmd/api"
	"github.com/airframesio/dataset-exporter/cmd/compressors"
	"github.com/airframesio/dataset-exporter/cmd/export"
	"github.com/airframesio/dataset-exporter/cmd/formatters"
	"github.com/airframesio/dataset-exporter/cmd/source"
	"github.com/airframesio/dataset-exporter/cmd/storage"
)

// Process exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// Time allowed for in-flight API requests when serve is interrupted
const shutdownGrace = 10 * time.Second

// openStorage creates the object storage target named by the config
func openStorage(config *Config, log *slog.Logger) (storage.ObjectStorage, error) {
	switch config.Storage.Driver {
	case StorageLocal:
		local, err := storage.NewLocalStorage(config.Storage.LocalPath)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		s3Store, err := storage.NewS3Storage(storage.S3Config{
			Endpoint:   config.S3.Endpoint,
			Bucket:     config.S3.Bucket,
			AccessKey:  config.S3.AccessKey,
			SecretKey:  config.S3.SecretKey,
			Region:     config.S3.Region,
			MaxRetries: config.S3.MaxRetries,
		}, log)
		if err != nil {
			return nil, err
		}
		return s3Store, nil
	}
}

// openSource creates the source reader named by the config
func openSource(ctx context.Context, config *Config, log *slog.Logger) (source.Reader, error) {
	table := source.TableConfig{
		Table:          config.Source.Table,
		IDColumn:       config.Source.IDColumn,
		DocumentColumn: config.Source.DocumentColumn,
	}

	switch config.Source.Driver {
	case SourceMemory:
		return source.NewMemoryReader(source.GenerateRecords(config.Source.MemoryRecords)), nil
	case SourceSQLite:
		reader, err := source.OpenSQLite(ctx, config.Source.DSN, table, log)
		if err != nil {
			return nil, err
		}
		return reader, nil
	default:
		reader, err := source.OpenPostgres(ctx, source.PostgresConfig{
			Host:             config.Database.Host,
			Port:             config.Database.Port,
			User:             config.Database.User,
			Password:         config.Database.Password,
			Name:             config.Database.Name,
			SSLMode:          config.Database.SSLMode,
			StatementTimeout: config.Database.StatementTimeout,
		}, table, log)
		if err != nil {
			return nil, err
		}
		return reader, nil
	}
}

// newChunkStore builds a ChunkStore for a payload format and compression
func newChunkStore(store storage.ObjectStorage, format, compression string, level int, log *slog.Logger) (*export.ChunkStore, error) {
	formatter, err := formatters.GetFormatter(format)
	if err != nil {
		return nil, err
	}
	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	return export.NewChunkStore(store, formatter, compressor, level, log), nil
}

func exporterOptions(config *Config) export.Options {
	bucket := config.S3.Bucket
	if config.Storage.Driver == StorageLocal {
		bucket = config.Storage.LocalPath
	}
	return export.Options{
		ChunkSize:        config.ChunkSize,
		MaxWorkers:       config.Workers,
		TaskTimeout:      time.Duration(config.TaskTimeout) * time.Second,
		PerRecordTimeout: time.Duration(config.PerRecordTimeoutMS) * time.Millisecond,
		FetchRetries:     config.Database.MaxRetries,
		FetchRetryDelay:  time.Duration(config.Database.RetryDelay) * time.Second,
		Bucket:           bucket,
		Prefix:           config.S3.Prefix,
	}
}

// parseChunkList parses "1,4,7" into chunk numbers. An empty list is valid.
func parseChunkList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var chunks []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: '%s'", ErrChunkListInvalid, part)
		}
		chunks = append(chunks, n)
	}
	return chunks, nil
}

func validateTimestamp(timestamp string) error {
	if !export.ValidTimestamp(timestamp) {
		return fmt.Errorf("%w, got '%s'", ErrTimestampInvalid, timestamp)
	}
	return nil
}

func printBanner(log *slog.Logger, mode string) {
	log.Info("")
	log.Info(fmt.Sprintf("🚀 Dataset Exporter v%s - %s", Version, mode))
	log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// runExport exports the source, verifies the result and returns the exit code
func runExport(ctx context.Context, config *Config) int {
	initLogger(config.Debug, config.LogFormat)
	return exportAndVerify(ctx, config, logger, "export", func(ctx context.Context, exp *export.Exporter) (*export.Result, error) {
		return exp.Export(ctx)
	})
}

// runResume re-runs chunks of a failed export and returns the exit code
func runResume(ctx context.Context, config *Config, timestamp, chunkList string) int {
	initLogger(config.Debug, config.LogFormat)
	return resumeAndVerify(ctx, config, logger, timestamp, chunkList)
}

func resumeAndVerify(ctx context.Context, config *Config, log *slog.Logger, timestamp, chunkList string) int {
	if err := validateTimestamp(timestamp); err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}
	chunks, err := parseChunkList(chunkList)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	return exportAndVerify(ctx, config, log, "resume", func(ctx context.Context, exp *export.Exporter) (*export.Result, error) {
		return exp.ResumeExport(ctx, timestamp, chunks)
	})
}

func exportAndVerify(ctx context.Context, config *Config, log *slog.Logger, command string, run func(context.Context, *export.Exporter) (*export.Result, error)) int {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(exitFailure)
		}
	}()

	printBanner(log, command)

	log.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	release, err := AcquireRunLock()
	if err != nil {
		log.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}
	defer release()

	store, err := openStorage(config, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Storage error: %s", err.Error()))
		return exitFailure
	}
	log.Debug(fmt.Sprintf("Storage target: %s", store.Location()))

	reader, err := openSource(ctx, config, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Source error: %s", err.Error()))
		return interruptedOr(ctx, exitFailure)
	}
	defer reader.Close()

	chunks, err := newChunkStore(store, config.OutputFormat, config.Compression, config.CompressionLevel, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}
	manifests := export.NewManifestStore(store, config.S3.Prefix, log)

	if config.DryRun {
		return dryRun(ctx, config, log, reader, chunks, manifests)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporter, runLog := newReporter(config, log, command, cancel)
	opts := exporterOptions(config)
	opts.OnPlan = reporter.Plan
	opts.OnChunkDone = reporter.ChunkDone

	exp, err := export.NewExporter(reader, chunks, manifests, opts, runLog)
	if err != nil {
		reporter.Close()
		log.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}

	start := time.Now()
	result, runErr := run(runCtx, exp)
	elapsed := time.Since(start)
	reporter.Close()

	if result == nil {
		if runCtx.Err() != nil {
			log.Info("")
			log.Info("⚠️  Export cancelled by user")
			return exitInterrupted
		}
		log.Error(fmt.Sprintf("❌ %s failed: %s", command, runErr.Error()))
		if errors.Is(runErr, export.ErrManifestWriteFailure) {
			log.Error("💾 The manifest could not be written; chunks written by this run are orphans")
		}
		return exitFailure
	}

	printExportSummary(log, result, elapsed)

	if runCtx.Err() != nil {
		log.Info("")
		log.Info("⚠️  Export cancelled by user, partial manifest written")
		log.Info(infoStyle.Render(fmt.Sprintf("💡 Resume with: dataset-exporter resume --timestamp %s", result.Timestamp)))
		return exitInterrupted
	}

	code := exitOK
	if runErr != nil {
		log.Error(fmt.Sprintf("❌ %s", runErr.Error()))
		log.Info(infoStyle.Render(fmt.Sprintf("💡 Resume with: dataset-exporter resume --timestamp %s", result.Timestamp)))
		code = exitFailure
	}

	if config.SkipVerify {
		log.Info("⏭  Verification skipped")
		return code
	}

	verifier := export.NewVerifier(chunks, manifests, store, config.Workers, log)
	verification, err := verifier.Verify(ctx, result.Timestamp)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Verification failed: %s", err.Error()))
		return interruptedOr(ctx, exitFailure)
	}
	printVerification(log, verification)
	if !verification.Match {
		code = exitFailure
	}

	if code == exitOK {
		log.Info("")
		log.Info("✅ Export completed and verified successfully!")
	}
	return code
}

func dryRun(ctx context.Context, config *Config, log *slog.Logger, reader source.Reader, chunks *export.ChunkStore, manifests *export.ManifestStore) int {
	exp, err := export.NewExporter(reader, chunks, manifests, exporterOptions(config), log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}
	report, err := exp.DryRun(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Dry run failed: %s", err.Error()))
		return interruptedOr(ctx, exitFailure)
	}

	log.Info(fmt.Sprintf("🔍 Dry run: %d records in %d chunks of %d (timestamp %s)",
		report.TotalRecords, len(report.Chunks), report.ChunkSize, report.Timestamp))
	for i, spec := range report.Chunks {
		log.Info(fmt.Sprintf("  📄 chunk %04d: records %d-%d → %s", spec.Number, spec.Offset, spec.Offset+spec.Count-1, report.Keys[i]))
	}
	log.Info(fmt.Sprintf("  📋 manifest → %s", report.ManifestKey))
	return exitOK
}

func printExportSummary(log *slog.Logger, result *export.Result, elapsed time.Duration) {
	m := result.Manifest
	written := 0
	var bytes int64
	for _, entry := range m.Chunks {
		written += entry.TotalPapers
		bytes += entry.SizeBytes
	}

	log.Info("")
	log.Info("📊 Summary:")
	log.Info(fmt.Sprintf("  Timestamp: %s", m.ExportTimestamp))
	log.Info(fmt.Sprintf("  Status:    %s", m.Status))
	log.Info(fmt.Sprintf("  Records:   %d of %d written", written, m.TotalPapers))
	log.Info(fmt.Sprintf("  Chunks:    %d of %d written (%d bytes)", len(m.Chunks), m.NumChunks, bytes))
	log.Info(fmt.Sprintf("  Duration:  %v", elapsed.Round(time.Millisecond)))
	if elapsed > 0 {
		log.Info(fmt.Sprintf("  Rate:      %.1f papers/sec", float64(written)/elapsed.Seconds()))
	}
	for _, f := range result.Failed {
		log.Info(fmt.Sprintf("  ❌ chunk %d: %v", f.ChunkNumber, f.Err))
	}
}

func printVerification(log *slog.Logger, v *export.VerificationResult) {
	log.Info("")
	log.Info("🔍 Verification:")
	log.Info(fmt.Sprintf("  Expected: %d records", v.ExpectedTotal))
	log.Info(fmt.Sprintf("  Observed: %d records in %d/%d chunks", v.ObservedTotal, v.CheckedChunks-len(v.MissingChunks), v.PlannedChunks))
	for _, f := range v.Faults {
		log.Info(fmt.Sprintf("  ❌ %s (%s): %s", f.Key, f.Reason, f.Detail))
	}
	for _, key := range v.OrphanChunks {
		log.Info(fmt.Sprintf("  👻 orphan chunk %s", key))
	}
	if v.DuplicateIDs > 0 {
		log.Info(fmt.Sprintf("  ⚠️  %d record ids appear in more than one chunk", v.DuplicateIDs))
	}
	if v.Match {
		log.Info("  ✅ Match")
	} else {
		log.Info("  ❌ Mismatch")
	}
}

// runVerify verifies an existing export and prints the result as JSON to out
func runVerify(ctx context.Context, config *Config, timestamp string, out io.Writer) int {
	initLogger(config.Debug, config.LogFormat)
	return verifyExport(ctx, config, logger, timestamp, out)
}

func verifyExport(ctx context.Context, config *Config, log *slog.Logger, timestamp string, out io.Writer) int {
	if err := validateTimestamp(timestamp); err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}
	if err := config.ValidateStorage(); err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	store, err := openStorage(config, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Storage error: %s", err.Error()))
		return exitFailure
	}
	manifests := export.NewManifestStore(store, config.S3.Prefix, log)

	// Chunks are read back in the layout the manifest records
	m, err := manifests.Get(ctx, timestamp)
	if err != nil {
		log.Error(fmt.Sprintf("❌ %s", err.Error()))
		return interruptedOr(ctx, exitFailure)
	}
	chunks, err := newChunkStore(store, m.Format, m.Compression, 0, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Manifest %s has an unreadable layout: %s", timestamp, err.Error()))
		return exitFailure
	}

	workers := config.Workers
	if workers < 1 {
		workers = export.DefaultMaxWorkers
	}
	result, err := export.NewVerifier(chunks, manifests, store, workers, log).Verify(ctx, timestamp)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Verification failed: %s", err.Error()))
		return interruptedOr(ctx, exitFailure)
	}

	printVerification(log, result)
	if out != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	}

	if !result.Match {
		return exitFailure
	}
	return exitOK
}

// runManifests lists manifest timestamps with their status, one per line
func runManifests(ctx context.Context, config *Config, out io.Writer) int {
	initLogger(config.Debug, config.LogFormat)
	return listManifests(ctx, config, logger, out)
}

func listManifests(ctx context.Context, config *Config, log *slog.Logger, out io.Writer) int {
	if err := config.ValidateStorage(); err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}
	store, err := openStorage(config, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Storage error: %s", err.Error()))
		return exitFailure
	}
	manifests := export.NewManifestStore(store, config.S3.Prefix, log)

	timestamps, err := manifests.List(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Failed to list manifests: %s", err.Error()))
		return interruptedOr(ctx, exitFailure)
	}

	for _, ts := range timestamps {
		m, err := manifests.Get(ctx, ts)
		if err != nil {
			fmt.Fprintf(out, "%s\tunreadable\t%v\n", ts, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%d records\t%d/%d chunks\n", ts, m.Status, m.TotalPapers, len(m.Chunks), m.NumChunks)
	}
	if len(timestamps) == 0 {
		log.Info(fmt.Sprintf("📭 No manifests under %s", store.Location()))
	}
	return exitOK
}

// runServe serves the read-only HTTP API until ctx is cancelled
func runServe(ctx context.Context, config *Config) int {
	initLogger(config.Debug, config.LogFormat)

	if config.Listen == "" {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", ErrListenAddressRequired.Error()))
		return exitFailure
	}
	if err := config.ValidateStorage(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}

	server, err := newAPIServer(config, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return exitFailure
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(config.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error(fmt.Sprintf("❌ Server error: %s", err.Error()))
			return exitFailure
		}
		return exitOK
	case <-ctx.Done():
		logger.Info("⚠️  Interrupt signal received, shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("❌ Shutdown error: %s", err.Error()))
		}
		return exitInterrupted
	}
}

func newAPIServer(config *Config, log *slog.Logger) (*api.Server, error) {
	store, err := openStorage(config, log)
	if err != nil {
		return nil, err
	}
	chunks, err := newChunkStore(store, config.OutputFormat, config.Compression, config.CompressionLevel, log)
	if err != nil {
		return nil, err
	}
	manifests := export.NewManifestStore(store, config.S3.Prefix, log)
	verifier := export.NewVerifier(chunks, manifests, store, config.Workers, log)
	return api.NewServer(manifests, chunks, verifier, log, api.WithTaskFile(GetTaskFilePath())), nil
}

// runStatus prints the task file of a running export
func runStatus(out io.Writer) int {
	pid, err := ReadPIDFile()
	if err != nil || !IsProcessRunning(pid) {
		fmt.Fprintln(out, "No export is running")
		return exitOK
	}

	info, err := ReadTaskInfo()
	if err != nil {
		fmt.Fprintf(out, "Export running (pid %d), no task information yet\n", pid)
		return exitOK
	}
	fmt.Fprintf(out, "%s %s (pid %d): %s, %d/%d chunks done, %d failed (%.0f%%), updated %s\n",
		info.Command, info.ExportTimestamp, info.PID, info.CurrentStep,
		info.CompletedChunks, info.TotalChunks, info.FailedChunks, info.Progress,
		info.LastUpdate.Format(time.RFC3339))
	return exitOK
}

func interruptedOr(ctx context.Context, code int) int {
	if ctx.Err() != nil {
		return exitInterrupted
	}
	return code
}
