package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/learnlog/internal/errs"
)

func TestStore_InMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, "APP_CACHE")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Put(ctx, "APP_CACHE", []byte("blob")))
	got, err := s.Get(ctx, "APP_CACHE")
	require.NoError(t, err)
	require.Equal(t, "blob", string(got))

	require.NoError(t, s.Delete(ctx, "APP_CACHE"))
	_, err = s.Get(ctx, "APP_CACHE")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.Logger = zaptest.NewLogger(t)

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(DefaultConfig())
	require.Error(t, err)
}
