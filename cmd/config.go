package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/airframesio/dataset-exporter/cmd/compressors"
	"github.com/airframesio/dataset-exporter/cmd/formatters"
)

// Static errors for configuration validation
var (
	ErrSourceDriverInvalid      = errors.New("source driver must be one of: postgres, sqlite, memory")
	ErrSourcePathRequired       = errors.New("source dsn (SQLite database path) is required")
	ErrMemoryRecordsInvalid     = errors.New("memory source record count must be >= 0")
	ErrDatabaseUserRequired     = errors.New("database user is required")
	ErrDatabaseNameRequired     = errors.New("database name is required")
	ErrDatabasePortInvalid      = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid  = errors.New("database statement timeout must be >= 0")
	ErrMaxRetriesInvalid        = errors.New("database max retries must be >= 0")
	ErrRetryDelayInvalid        = errors.New("database retry delay must be >= 0")
	ErrTableNameRequired        = errors.New("table name is required")
	ErrTableNameInvalid         = errors.New("table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrColumnNameInvalid        = errors.New("column name is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrStorageDriverInvalid     = errors.New("storage driver must be one of: s3, local")
	ErrLocalPathRequired        = errors.New("local storage path is required")
	ErrS3BucketRequired         = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired      = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired      = errors.New("S3 secret key is required")
	ErrS3RegionInvalid          = errors.New("S3 region contains invalid characters or is too long")
	ErrS3MaxRetriesInvalid      = errors.New("S3 max retries must be >= 0")
	ErrPrefixInvalid            = errors.New("prefix may only contain letters, numbers, '.', '_', '-' and '/', and must not contain '..'")
	ErrWorkersMinimum           = errors.New("workers must be at least 1")
	ErrWorkersMaximum           = errors.New("workers must not exceed 1000")
	ErrChunkSizeMinimum         = errors.New("chunk size must be at least 1")
	ErrChunkSizeMaximum         = errors.New("chunk size must not exceed 1000000")
	ErrTaskTimeoutInvalid       = errors.New("task timeout must be >= 0")
	ErrPerRecordTimeoutInvalid  = errors.New("per-record timeout must be >= 0")
	ErrOutputFormatInvalid      = errors.New("output format must be one of: json, jsonl, parquet")
	ErrCompressionInvalid       = errors.New("compression must be one of: none, zstd, lz4, gzip, snappy")
	ErrCompressionLevelInvalid  = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip), 0 (none/snappy)")
	ErrTimestampInvalid         = errors.New("timestamp must have the form YYYYMMDD_HHMMSS")
	ErrChunkListInvalid         = errors.New("chunk list must be comma-separated non-negative integers")
	ErrListenAddressRequired    = errors.New("listen address is required")
)

const regionAuto = "auto"

// Source and storage drivers
const (
	SourcePostgres = "postgres"
	SourceSQLite   = "sqlite"
	SourceMemory   = "memory"

	StorageS3    = "s3"
	StorageLocal = "local"
)

type Config struct {
	Debug              bool
	LogFormat          string
	DryRun             bool
	Workers            int
	ChunkSize          int // Number of records per chunk
	TaskTimeout        int // Base per-chunk timeout in seconds
	PerRecordTimeoutMS int // Added to the task timeout per record, in milliseconds
	OutputFormat       string
	Compression        string
	CompressionLevel   int // 0 = compressor default
	SkipVerify         bool
	Listen             string
	Source             SourceConfig
	Database           DatabaseConfig
	Storage            StorageConfig
	S3                 S3Config
}

type SourceConfig struct {
	Driver         string
	DSN            string // SQLite database path
	Table          string
	IDColumn       string
	DocumentColumn string
	MemoryRecords  int // Synthetic records served by the memory driver
}

type DatabaseConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout)
	MaxRetries       int // Maximum number of retry attempts for failed page reads (default 3)
	RetryDelay       int // Base delay in seconds between retry attempts, doubled per attempt (default 5)
}

type StorageConfig struct {
	Driver    string
	LocalPath string
}

type S3Config struct {
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Region     string
	Prefix     string
	MaxRetries int
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validPrefix = regexp.MustCompile(`^[a-zA-Z0-9._/-]*$`)

// isValidTableName validates that a table name is safe to use in SQL queries
func isValidTableName(name string) bool {
	// Check for empty or excessively long names
	if name == "" || len(name) > 63 {
		return false
	}

	// Must match PostgreSQL identifier rules
	return validPostgreSQLIdentifier.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}

	// Region should only contain alphanumeric, dash, and underscore
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

func isValidPrefix(prefix string) bool {
	return validPrefix.MatchString(prefix) && !strings.Contains(prefix, "..")
}

// Validate checks the configuration used by export and resume.
func (c *Config) Validate() error {
	if err := c.ValidateSource(); err != nil {
		return err
	}
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	return c.ValidateExport()
}

// ValidateSource checks the source driver and its connection settings.
func (c *Config) ValidateSource() error {
	switch c.Source.Driver {
	case SourcePostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case SourceSQLite:
		if c.Source.DSN == "" {
			return ErrSourcePathRequired
		}
	case SourceMemory:
		if c.Source.MemoryRecords < 0 {
			return fmt.Errorf("%w, got %d", ErrMemoryRecordsInvalid, c.Source.MemoryRecords)
		}
		return nil
	default:
		return fmt.Errorf("%w: '%s'", ErrSourceDriverInvalid, c.Source.Driver)
	}

	// Validate and sanitize identifiers to prevent SQL injection
	if c.Source.Table == "" {
		return ErrTableNameRequired
	}
	if !isValidTableName(c.Source.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Source.Table)
	}
	if !validPostgreSQLIdentifier.MatchString(c.Source.IDColumn) {
		return fmt.Errorf("%w: '%s'", ErrColumnNameInvalid, c.Source.IDColumn)
	}
	if c.Source.DocumentColumn != "" && !validPostgreSQLIdentifier.MatchString(c.Source.DocumentColumn) {
		return fmt.Errorf("%w: '%s'", ErrColumnNameInvalid, c.Source.DocumentColumn)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.Database.MaxRetries)
	}
	if c.Database.RetryDelay < 0 {
		return fmt.Errorf("%w, got %d", ErrRetryDelayInvalid, c.Database.RetryDelay)
	}
	return nil
}

// ValidateStorage checks the storage target. It is all that verify,
// manifests and serve need.
func (c *Config) ValidateStorage() error {
	switch c.Storage.Driver {
	case StorageS3:
		if c.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3.AccessKey == "" {
			return ErrS3AccessKeyRequired
		}
		if c.S3.SecretKey == "" {
			return ErrS3SecretKeyRequired
		}
		if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
		if c.S3.MaxRetries < 0 {
			return fmt.Errorf("%w, got %d", ErrS3MaxRetriesInvalid, c.S3.MaxRetries)
		}
	case StorageLocal:
		if c.Storage.LocalPath == "" {
			return ErrLocalPathRequired
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrStorageDriverInvalid, c.Storage.Driver)
	}

	if !isValidPrefix(c.S3.Prefix) {
		return fmt.Errorf("%w: '%s'", ErrPrefixInvalid, c.S3.Prefix)
	}
	return nil
}

// ValidateExport checks chunking, concurrency and encoding settings.
func (c *Config) ValidateExport() error {
	// More than 1000 workers is unreasonable and could cause issues
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 1000 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.ChunkSize)
	}
	if c.ChunkSize > 1000000 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, c.ChunkSize)
	}

	if c.TaskTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrTaskTimeoutInvalid, c.TaskTimeout)
	}
	if c.PerRecordTimeoutMS < 0 {
		return fmt.Errorf("%w, got %d", ErrPerRecordTimeoutInvalid, c.PerRecordTimeoutMS)
	}

	if !slices.Contains(formatters.Names, c.OutputFormat) {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, c.OutputFormat)
	}
	if !slices.Contains(compressors.Names, c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	// Level 0 selects the compressor's default
	if c.CompressionLevel != 0 && !compressors.ValidLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}
	return nil
}
