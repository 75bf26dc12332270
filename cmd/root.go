package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/dataset-exporter/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// flagKeys maps command-line flags to their viper keys
var flagKeys = map[string]string{
	"debug":                 "debug",
	"log-format":            "log_format",
	"dry-run":               "dry_run",
	"workers":               "workers",
	"storage-driver":        "storage.driver",
	"storage-path":          "storage.local_path",
	"s3-endpoint":           "s3.endpoint",
	"s3-bucket":             "s3.bucket",
	"s3-access-key":         "s3.access_key",
	"s3-secret-key":         "s3.secret_key",
	"s3-region":             "s3.region",
	"s3-prefix":             "s3.prefix",
	"s3-max-retries":        "s3.max_retries",
	"source-driver":         "source.driver",
	"source-dsn":            "source.dsn",
	"table":                 "source.table",
	"id-column":             "source.id_column",
	"document-column":       "source.document_column",
	"memory-records":        "source.memory_records",
	"db-host":               "db.host",
	"db-port":               "db.port",
	"db-user":               "db.user",
	"db-password":           "db.password",
	"db-name":               "db.name",
	"db-sslmode":            "db.sslmode",
	"db-statement-timeout":  "db.statement_timeout",
	"db-max-retries":        "db.max_retries",
	"db-retry-delay":        "db.retry_delay",
	"chunk-size":            "chunk_size",
	"task-timeout":          "task_timeout",
	"per-record-timeout-ms": "per_record_timeout_ms",
	"output-format":         "output_format",
	"compression":           "compression",
	"compression-level":     "compression_level",
	"skip-verify":           "skip_verify",
	"listen":                "listen",
}

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// Attributes are dropped in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds the slog logger for the debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newTextOnlyHandler(w, opts)
	}
	return slog.New(handler)
}

// initLogger initializes the package logger on stdout
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stdout, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "dataset-exporter",
	Version: Version,
	Short:   "📦 Export a document collection to object storage in verified chunks",
	Long: titleStyle.Render("Dataset Exporter") + `

A CLI tool to export a large collection of JSON documents to object storage.
Reads from PostgreSQL, SQLite or an in-memory demo source, splits the collection
into fixed-size chunks, uploads them concurrently to S3-compatible storage or a
local directory, writes a manifest per run and verifies every chunk afterwards.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the source collection and verify the result",
	Long: `Count the source collection, split it into chunks, upload every chunk with
bounded concurrency, write the export manifest and verify it.
Exits 0 only when every chunk was written and verification matched.`,
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runExport(commandContext(), loadConfig()))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-run the failed chunks of an earlier export",
	Long: `Load the manifest of a failed export, re-run its failed chunks (or the ones
given with --chunks) under the original timestamp, replace the manifest and
verify it.`,
	Run: func(cmd *cobra.Command, _ []string) {
		timestamp, _ := cmd.Flags().GetString("timestamp")
		chunks, _ := cmd.Flags().GetString("chunks")
		os.Exit(runResume(commandContext(), loadConfig(), timestamp, chunks))
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an export against its manifest",
	Run: func(cmd *cobra.Command, _ []string) {
		timestamp, _ := cmd.Flags().GetString("timestamp")
		os.Exit(runVerify(commandContext(), loadConfig(), timestamp, os.Stdout))
	},
}

var manifestsCmd = &cobra.Command{
	Use:   "manifests",
	Short: "List the exports recorded under the prefix",
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runManifests(commandContext(), loadConfig(), os.Stdout))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve manifests, chunks and verification over a read-only HTTP API",
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runServe(commandContext(), loadConfig()))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the export currently running on this machine",
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runStatus(os.Stdout))
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(exportCmd, resumeCmd, verifyCmd, manifestsCmd, serveCmd, statusCmd)

	// Persistent flags (available to all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dataset-exporter.yaml)")
	pf.BoolP("debug", "d", false, "enable debug output (disables the progress display)")
	pf.String("log-format", "text", "log format (text, logfmt, json)")
	pf.Int("workers", 4, "number of concurrent chunk tasks (also bounds verification reads)")

	pf.String("storage-driver", StorageS3, "storage driver: s3, local")
	pf.String("storage-path", "", "root directory for the local storage driver")
	pf.String("s3-endpoint", "", "S3-compatible endpoint URL")
	pf.String("s3-bucket", "", "S3 bucket name")
	pf.String("s3-access-key", "", "S3 access key")
	pf.String("s3-secret-key", "", "S3 secret key")
	pf.String("s3-region", "auto", "S3 region")
	pf.String("s3-prefix", "", "key prefix for chunks and manifests")
	pf.Int("s3-max-retries", 3, "S3 request retries")

	// Layout flags are needed wherever chunks are read or written
	for _, cmd := range []*cobra.Command{exportCmd, resumeCmd, verifyCmd, serveCmd} {
		cmd.Flags().String("output-format", "json", "chunk payload format: json, jsonl, parquet")
		cmd.Flags().String("compression", "none", "chunk compression: none, zstd, lz4, gzip, snappy")
		cmd.Flags().Int("compression-level", 0, "compression level (0 = compressor default; zstd: 1-22, lz4/gzip: 1-9)")
	}

	for _, cmd := range []*cobra.Command{exportCmd, resumeCmd} {
		addSourceFlags(cmd.Flags())
		cmd.Flags().Bool("dry-run", false, "plan the export without reading pages or writing")
		cmd.Flags().Int("chunk-size", 1000, "number of records per chunk")
		cmd.Flags().Int("task-timeout", 30, "base per-chunk timeout in seconds")
		cmd.Flags().Int("per-record-timeout-ms", 10, "per-chunk timeout added per record, in milliseconds")
		cmd.Flags().Bool("skip-verify", false, "skip verification after the export")
	}

	resumeCmd.Flags().String("timestamp", "", "export timestamp to resume (YYYYMMDD_HHMMSS)")
	resumeCmd.Flags().String("chunks", "", "comma-separated chunk numbers to re-run (default: every failed chunk)")
	verifyCmd.Flags().String("timestamp", "", "export timestamp to verify (YYYYMMDD_HHMMSS)")
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "address to serve the API on")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.
}

func addSourceFlags(fs *pflag.FlagSet) {
	fs.String("source-driver", SourcePostgres, "source driver: postgres, sqlite, memory")
	fs.String("source-dsn", "", "SQLite database path")
	fs.String("table", "papers", "source table name")
	fs.String("id-column", "id", "record identifier column (pages are ordered by it)")
	fs.String("document-column", "", "JSON document column (postgres default: whole row as JSON, sqlite default: doc)")
	fs.Int("memory-records", 1000, "number of synthetic records served by the memory driver")

	fs.String("db-host", "localhost", "PostgreSQL host")
	fs.Int("db-port", 5432, "PostgreSQL port")
	fs.String("db-user", "", "PostgreSQL user")
	fs.String("db-password", "", "PostgreSQL password")
	fs.String("db-name", "", "PostgreSQL database name")
	fs.String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	fs.Int("db-statement-timeout", 300, "PostgreSQL statement timeout in seconds (0 = no timeout)")
	fs.Int("db-max-retries", 3, "maximum number of retry attempts for failed page reads")
	fs.Int("db-retry-delay", 5, "delay in seconds before the first retry, doubled per attempt")
}

// bindFlags binds the flags of the command being run to their viper keys.
// Binding per command keeps flags that several commands share from
// overriding each other.
func bindFlags(cmd *cobra.Command) {
	bind := func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = viper.BindPFlag(key, f)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dataset-exporter")
	}

	viper.SetEnvPrefix("EXPORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("debug") {
		fmt.Fprintf(os.Stderr, "📄 Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig builds a Config from flags, environment and config file
func loadConfig() *Config {
	return &Config{
		Debug:              viper.GetBool("debug"),
		LogFormat:          viper.GetString("log_format"),
		DryRun:             viper.GetBool("dry_run"),
		Workers:            viper.GetInt("workers"),
		ChunkSize:          viper.GetInt("chunk_size"),
		TaskTimeout:        viper.GetInt("task_timeout"),
		PerRecordTimeoutMS: viper.GetInt("per_record_timeout_ms"),
		OutputFormat:       viper.GetString("output_format"),
		Compression:        viper.GetString("compression"),
		CompressionLevel:   viper.GetInt("compression_level"),
		SkipVerify:         viper.GetBool("skip_verify"),
		Listen:             viper.GetString("listen"),
		Source: SourceConfig{
			Driver:         viper.GetString("source.driver"),
			DSN:            viper.GetString("source.dsn"),
			Table:          viper.GetString("source.table"),
			IDColumn:       viper.GetString("source.id_column"),
			DocumentColumn: viper.GetString("source.document_column"),
			MemoryRecords:  viper.GetInt("source.memory_records"),
		},
		Database: DatabaseConfig{
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
			MaxRetries:       viper.GetInt("db.max_retries"),
			RetryDelay:       viper.GetInt("db.retry_delay"),
		},
		Storage: StorageConfig{
			Driver:    viper.GetString("storage.driver"),
			LocalPath: viper.GetString("storage.local_path"),
		},
		S3: S3Config{
			Endpoint:   viper.GetString("s3.endpoint"),
			Bucket:     viper.GetString("s3.bucket"),
			AccessKey:  viper.GetString("s3.access_key"),
			SecretKey:  viper.GetString("s3.secret_key"),
			Region:     viper.GetString("s3.region"),
			Prefix:     viper.GetString("s3.prefix"),
			MaxRetries: viper.GetInt("s3.max_retries"),
		},
	}
}

func commandContext() context.Context {
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}
