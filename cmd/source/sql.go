package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// TableConfig names the table that holds the documents.
type TableConfig struct {
	Table    string
	IDColumn string
	// DocumentColumn holds the JSON document. When empty the PostgreSQL
	// reader serializes the whole row with row_to_json.
	DocumentColumn string
}

// sqlReader is the database/sql implementation shared by the PostgreSQL and
// SQLite readers. Only the query text differs between dialects.
type sqlReader struct {
	db         *sql.DB
	countQuery string
	pageQuery  string // args: limit, offset
	logger     *slog.Logger
}

func (r *sqlReader) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, r.countQuery).Scan(&count); err != nil {
		return 0, r.wrap(err, "count query failed")
	}
	return count, nil
}

func (r *sqlReader) FetchPage(ctx context.Context, offset, limit int) ([]Record, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidRange, offset, limit)
	}
	if limit == 0 {
		return []Record{}, nil
	}

	rows, err := r.db.QueryContext(ctx, r.pageQuery, limit, offset)
	if err != nil {
		return nil, r.wrap(err, "page query failed")
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if !json.Valid(doc) {
			return nil, fmt.Errorf("%w: id=%s", ErrInvalidDocument, id)
		}
		records = append(records, Record{ID: id, Document: json.RawMessage(doc)})
	}

	if err := rows.Err(); err != nil {
		return nil, r.wrap(err, "error iterating over page rows")
	}

	r.logger.Debug(fmt.Sprintf("Fetched %d records at offset %d (limit %d)", len(records), offset, limit))
	return records, nil
}

func (r *sqlReader) Close() error {
	return r.db.Close()
}

func (r *sqlReader) wrap(err error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
