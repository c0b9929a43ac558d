package validator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresSource reads the record from the remote_records table.
type PostgresSource struct {
	db   *sql.DB
	path string
}

func NewPostgresSource(db *sql.DB, path string) *PostgresSource {
	if path == "" {
		path = DefaultRecordPath
	}
	return &PostgresSource{db: db, path: path}
}

func (s *PostgresSource) Name() string { return "postgres" }

func (s *PostgresSource) Read(ctx context.Context) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM remote_records WHERE path = $1`, s.path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query remote record: %w", err)
	}
	return value, true, nil
}
