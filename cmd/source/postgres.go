package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// PostgresConfig holds the connection settings for a PostgreSQL source.
type PostgresConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // seconds, 0 = no timeout
}

// ConnString builds a lib/pq key/value connection string.
func (c PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		sslMode,
	)
	if c.StatementTimeout > 0 {
		connStr += fmt.Sprintf(" statement_timeout=%d", c.StatementTimeout*1000)
	}
	return connStr
}

// PostgresReader pages documents out of a PostgreSQL table ordered by its id column.
type PostgresReader struct {
	sqlReader
}

// OpenPostgres connects to PostgreSQL and verifies the connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, table TableConfig, logger *slog.Logger) (*PostgresReader, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return NewPostgresReader(db, table, logger), nil
}

// NewPostgresReader wraps an existing connection pool.
func NewPostgresReader(db *sql.DB, table TableConfig, logger *slog.Logger) *PostgresReader {
	quotedTable := pq.QuoteIdentifier(table.Table)
	quotedID := pq.QuoteIdentifier(table.IDColumn)

	document := "row_to_json(t)"
	if table.DocumentColumn != "" {
		document = fmt.Sprintf("t.%s::json", pq.QuoteIdentifier(table.DocumentColumn))
	}

	return &PostgresReader{sqlReader{
		db:         db,
		countQuery: fmt.Sprintf("SELECT count(*) FROM %s", quotedTable), //nolint:gosec // quoted with pq.QuoteIdentifier
		//nolint:gosec // identifiers are quoted with pq.QuoteIdentifier
		pageQuery: fmt.Sprintf("SELECT t.%s::text, %s FROM %s t ORDER BY t.%s LIMIT $1 OFFSET $2",
			quotedID, document, quotedTable, quotedID),
		logger: logger,
	}}
}
