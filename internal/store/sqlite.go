package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"collabtext/diffsync/internal/diffsync"
)

// SQLite stores entities in a single-file SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating it if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serializes them anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS entities (
		entity_type text not null,
		entity_id   text not null,
		body        text not null,
		updated_at  timestamp not null default current_timestamp,
		primary key (entity_type, entity_id)
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create entities table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, ek diffsync.EntityKey) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM entities WHERE entity_type = ? AND entity_id = ?`,
		ek.Type, ek.ID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return body, err
}

func (s *SQLite) Save(ctx context.Context, ek diffsync.EntityKey, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, entity_id, body) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET body = excluded.body, updated_at = current_timestamp`,
		ek.Type, ek.ID, value,
	)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
