package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/diffsync/internal/diffsync"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS entities (
	entity_type text NOT NULL,
	entity_id   text NOT NULL,
	body        text NOT NULL,
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, entity_id)
)`

// Postgres stores entities in a PostgreSQL table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and makes sure the entities table exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create entities table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, ek diffsync.EntityKey) (string, error) {
	var body string
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM entities WHERE entity_type = $1 AND entity_id = $2`,
		ek.Type, ek.ID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return body, err
}

func (p *Postgres) Save(ctx context.Context, ek diffsync.EntityKey, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO entities (entity_type, entity_id, body) VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		ek.Type, ek.ID, value,
	)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
