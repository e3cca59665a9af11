// Package postgres implements Store on a PostgreSQL table, for state shared between machines.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/migrate"
)

// PgxPool is the subset of *pgxpool.Pool used by Store. pgxmock.PgxPoolIface implements it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store keeps values in the kv_store table.
type Store struct{ pool PgxPool }

// New wraps an existing pool.
func New(pool PgxPool) *Store { return &Store{pool: pool} }

// Open applies migrations and connects to dsn.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres store: dsn is required")
	}
	version, err := migrate.Up(ctx, dsn, log)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if log != nil {
		log.Debug("postgres store schema", zap.Int64("version", version))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

const (
	sqlGet    = `SELECT value FROM kv_store WHERE key=$1`
	sqlPut    = `INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	sqlDelete = `DELETE FROM kv_store WHERE key=$1`
)

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	if err := s.pool.QueryRow(ctx, sqlGet, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, sqlPut, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, sqlDelete, key)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
