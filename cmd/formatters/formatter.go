// Package formatters encodes and decodes chunk payloads.
package formatters

import (
	"errors"
	"fmt"

	"github.com/airframesio/dataset-exporter/cmd/source"
)

// Format names
const (
	FormatJSON    = "json"
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrMalformedPayload  = errors.New("malformed chunk payload")
)

// Names lists the supported formats, default first.
var Names = []string{FormatJSON, FormatJSONL, FormatParquet}

// ChunkMeta is the metadata carried inside every chunk payload.
type ChunkMeta struct {
	ChunkNumber     int
	RecordCount     int
	ExportTimestamp string
}

// Formatter defines the interface for chunk payload encodings
type Formatter interface {
	// Encode serializes a chunk. Documents are written unchanged.
	Encode(meta ChunkMeta, records []source.Record) ([]byte, error)

	// Decode parses a payload written by Encode. Any structural problem,
	// including a record count that disagrees with the records present,
	// returns ErrMalformedPayload.
	Decode(data []byte) (ChunkMeta, []source.Record, error)

	// Extension returns the file extension for this format (e.g., ".json")
	Extension() string

	MIMEType() string

	Name() string
}

// GetFormatter returns the formatter for name. An empty name selects json.
func GetFormatter(name string) (Formatter, error) {
	switch name {
	case "", FormatJSON:
		return NewJSONFormatter(), nil
	case FormatJSONL:
		return NewJSONLFormatter(), nil
	case FormatParquet:
		return NewParquetFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}
