package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a single table with a version column,
// allowing multiple service replicas to share counter and token state.
// Conditional writes are expressed as UPDATE ... WHERE version = $n so the
// database serializes concurrent mutations per key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*pgxpool.Config)

// WithPoolLimits bounds the connection pool size.
func WithPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if maxConns > 0 {
			cfg.MaxConns = maxConns
		}
		if minConns > 0 {
			cfg.MinConns = minConns
		}
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if name != "" {
			cfg.ConnConfig.RuntimeParams["application_name"] = name
		}
	}
}

// NewPostgresStore opens a Postgres-backed store using the provided DSN and
// creates the backing table when it does not exist yet.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS cupstream_records (
    key     text PRIMARY KEY,
    value   bytea NOT NULL,
    version bigint NOT NULL
)
`)
	if err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

// Get returns the stored value and version for the key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	row := s.pool.QueryRow(ctx, `SELECT value, version FROM cupstream_records WHERE key = $1`, key)
	var value []byte
	var version int64
	if err := row.Scan(&value, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, translateContextErr(ctx, fmt.Errorf("postgres get %s: %w", key, err))
	}
	return value, version, nil
}

// CompareAndSwap replaces the value when the stored version matches.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE cupstream_records
SET value = $2, version = version + 1
WHERE key = $1 AND version = $3
RETURNING version
`, key, value, expectedVersion)
	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing row from a stale version.
			if _, _, getErr := s.Get(ctx, key); errors.Is(getErr, ErrNotFound) {
				return 0, ErrNotFound
			}
			return 0, ErrConflict
		}
		return 0, translateContextErr(ctx, fmt.Errorf("postgres cas %s: %w", key, err))
	}
	return version, nil
}

// InsertIfAbsent creates the key when it does not exist yet.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, key string, value []byte) (int64, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO cupstream_records (key, value, version)
VALUES ($1, $2, 1)
ON CONFLICT (key) DO NOTHING
RETURNING version
`, key, value)
	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAlreadyExists
		}
		return 0, translateContextErr(ctx, fmt.Errorf("postgres insert %s: %w", key, err))
	}
	return version, nil
}

// Delete removes the key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cupstream_records WHERE key = $1`, key); err != nil {
		return translateContextErr(ctx, fmt.Errorf("postgres delete %s: %w", key, err))
	}
	return nil
}

// Scan visits every key with the provided prefix in lexical order.
func (s *PostgresStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte, version int64) error) error {
	rows, err := s.pool.Query(ctx, `
SELECT key, value, version
FROM cupstream_records
WHERE starts_with(key, $1)
ORDER BY key
`, prefix)
	if err != nil {
		return translateContextErr(ctx, fmt.Errorf("postgres scan %s: %w", prefix, err))
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		var version int64
		if err := rows.Scan(&key, &value, &version); err != nil {
			return fmt.Errorf("postgres scan %s: %w", prefix, err)
		}
		if err := fn(key, value, version); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return translateContextErr(ctx, fmt.Errorf("postgres scan %s: %w", prefix, err))
	}
	return nil
}

// Ping verifies the Postgres connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
