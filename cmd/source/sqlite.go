package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// DefaultDocumentColumn is the JSON column used by SQLite document tables.
const DefaultDocumentColumn = "doc"

// SQLiteReader pages documents out of a SQLite document table.
type SQLiteReader struct {
	sqlReader
}

// OpenSQLite opens a SQLite database file (or ":memory:") as a source.
func OpenSQLite(ctx context.Context, path string, table TableConfig, logger *slog.Logger) (*SQLiteReader, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewSQLiteReader(db, table, logger), nil
}

// NewSQLiteReader wraps an existing SQLite handle. SQLite has no row_to_json,
// so a document column is always used.
func NewSQLiteReader(db *sql.DB, table TableConfig, logger *slog.Logger) *SQLiteReader {
	docColumn := table.DocumentColumn
	if docColumn == "" {
		docColumn = DefaultDocumentColumn
	}

	// pq.QuoteIdentifier produces standard SQL double-quoted identifiers, which SQLite accepts
	quotedTable := pq.QuoteIdentifier(table.Table)
	quotedID := pq.QuoteIdentifier(table.IDColumn)
	quotedDoc := pq.QuoteIdentifier(docColumn)

	return &SQLiteReader{sqlReader{
		db:         db,
		countQuery: fmt.Sprintf("SELECT count(*) FROM %s", quotedTable), //nolint:gosec // quoted
		//nolint:gosec // identifiers are quoted
		pageQuery: fmt.Sprintf("SELECT CAST(%s AS TEXT), %s FROM %s ORDER BY %s LIMIT ? OFFSET ?",
			quotedID, quotedDoc, quotedTable, quotedID),
		logger: logger,
	}}
}
