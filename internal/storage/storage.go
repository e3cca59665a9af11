// Package storage defines the durable key-value store used for persisted client state.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/storage/badger"
	"github.com/and161185/learnlog/internal/storage/file"
	"github.com/and161185/learnlog/internal/storage/postgres"
)

// Store is a durable key-value store. Get returns errs.ErrNotFound for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend types.
const (
	TypeFile     = "file"
	TypeBadger   = "badger"
	TypePostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Type string `toml:"type" yaml:"type"`
	Path string `toml:"path" yaml:"path"`
	DSN  string `toml:"dsn"  yaml:"dsn"`
}

// Open constructs the store described by cfg. An empty Type means badger.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Type {
	case TypeFile:
		return file.New(cfg.Path)
	case "", TypeBadger:
		bc := badger.DefaultConfig()
		bc.Path = cfg.Path
		bc.Logger = log.Named("badger")
		return badger.Open(bc)
	case TypePostgres:
		return postgres.Open(ctx, cfg.DSN, log.Named("postgres"))
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
}
