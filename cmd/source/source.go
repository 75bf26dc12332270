// Package source reads the records to export from a backing store.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrUnavailable means the source store could not be reached.
	ErrUnavailable = errors.New("source unavailable")
	// ErrInvalidDocument means a stored document is not valid JSON.
	ErrInvalidDocument = errors.New("source document is not valid JSON")
	// ErrInvalidRange is returned for negative offsets or limits.
	ErrInvalidRange = errors.New("invalid page range")
)

// Record is an opaque document with a source-assigned identifier.
// The exporter never looks inside Document.
type Record struct {
	ID       string
	Document json.RawMessage
}

// Reader streams a point-in-time count and offset-addressed pages.
//
// FetchPage must be safe for concurrent use with disjoint ranges. It returns
// fewer than limit records only when the tail of the collection is reached.
type Reader interface {
	Count(ctx context.Context) (int, error)
	FetchPage(ctx context.Context, offset, limit int) ([]Record, error)
	Close() error
}

// isConnectionError checks if an error is due to a closed or broken database connection
func isConnectionError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "bad connection") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "sql: database is closed")
}
