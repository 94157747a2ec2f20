package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the deploy index table. Execute it via
// [PostgresIndex.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_bundles (
    slug       TEXT PRIMARY KEY,
    env        JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresIndex]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresIndex is an [Index] backed by a PostgreSQL database. The env map
// is serialised as JSONB.
type PostgresIndex struct {
	db DB
}

// Compile-time interface check.
var _ Index = (*PostgresIndex)(nil)

// NewPostgresIndex creates an index over the given connection or pool. The
// caller is responsible for calling [PostgresIndex.Migrate] before issuing
// queries.
func NewPostgresIndex(db DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresIndex) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("deploy: migrate: %w", err)
	}
	return nil
}

// Upsert creates or replaces the record for its slug. Atomic per slug via
// ON CONFLICT.
func (s *PostgresIndex) Upsert(ctx context.Context, rec Record) error {
	envJSON, err := json.Marshal(emptyEnv(rec.Env))
	if err != nil {
		return fmt.Errorf("deploy: marshal env: %w", err)
	}

	const query = `
		INSERT INTO agent_bundles (slug, env)
		VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET
			env = EXCLUDED.env,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, rec.Slug, envJSON); err != nil {
		return fmt.Errorf("deploy: upsert %q: %w", rec.Slug, err)
	}
	return nil
}

// Get returns the record for slug, or ErrRecordNotFound.
func (s *PostgresIndex) Get(ctx context.Context, slug string) (*Record, error) {
	const query = `SELECT slug, env FROM agent_bundles WHERE slug = $1`

	var rec Record
	var envJSON []byte
	err := s.db.QueryRow(ctx, query, slug).Scan(&rec.Slug, &envJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("deploy: get %q: %w", slug, err)
	}
	if err := json.Unmarshal(envJSON, &rec.Env); err != nil {
		return nil, fmt.Errorf("deploy: unmarshal env for %q: %w", slug, err)
	}
	return &rec, nil
}

// List returns all records ordered by slug.
func (s *PostgresIndex) List(ctx context.Context) ([]Record, error) {
	const query = `SELECT slug, env FROM agent_bundles ORDER BY slug`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("deploy: list: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var envJSON []byte
		if err := rows.Scan(&rec.Slug, &envJSON); err != nil {
			return nil, fmt.Errorf("deploy: list scan: %w", err)
		}
		if err := json.Unmarshal(envJSON, &rec.Env); err != nil {
			return nil, fmt.Errorf("deploy: unmarshal env for %q: %w", rec.Slug, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deploy: list: %w", err)
	}
	return recs, nil
}

// Delete removes the record for slug. Deleting a missing slug is not an
// error.
func (s *PostgresIndex) Delete(ctx context.Context, slug string) error {
	const query = `DELETE FROM agent_bundles WHERE slug = $1`
	if _, err := s.db.Exec(ctx, query, slug); err != nil {
		return fmt.Errorf("deploy: delete %q: %w", slug, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresIndex) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("deploy: ping: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the connection pool.
func (s *PostgresIndex) Close() error { return nil }

// emptyEnv returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyEnv(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
