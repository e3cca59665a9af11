package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/learnlog/internal/storage"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default("/data/learnlog")
	require.Equal(t, 15*time.Second, cfg.RequestTimeout.Duration)
	require.Equal(t, 5*time.Second, cfg.ProbeInterval.Duration)
	require.Equal(t, 3*time.Second, cfg.ProbeTimeout.Duration)
	require.Equal(t, 2*time.Second, cfg.StaleTime.Duration)
	require.Equal(t, 24*time.Hour, cfg.GCTime.Duration)
	require.Equal(t, "APP_CACHE", cfg.CacheKey)
	require.Equal(t, storage.TypeBadger, cfg.Storage.Type)
	require.Equal(t, filepath.Join("/data/learnlog", "store"), cfg.Storage.Path)
	require.NoError(t, cfg.Validate())
}

func TestManager_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, f := range []Format{FormatTOML, FormatYAML} {
		original := Default("/tmp/ll")
		original.ServerURL = "https://learn.example.com"
		original.StaleTime = Duration{90 * time.Second}
		original.Storage = storage.Config{Type: storage.TypePostgres, DSN: "postgres://u@h/db"}
		original.Encryption.PassphraseEnv = "MY_PASS"

		var buf bytes.Buffer
		m := &Manager{Format: f}
		require.NoError(t, m.Write(&buf, original))

		got, err := m.Read(&buf, Default("/elsewhere"))
		require.NoError(t, err)
		require.Equal(t, original, got, "format %d", f)
	}
}

func TestManager_Read_PartialKeepsDefaults(t *testing.T) {
	t.Parallel()

	m := &Manager{Format: FormatTOML}
	got, err := m.Read(strings.NewReader(`
server_url = "http://10.0.0.2:8000"
stale_time = "30s"

[storage]
type = "file"
path = "/var/lib/ll"
`), Default("/d"))
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.2:8000", got.ServerURL)
	require.Equal(t, 30*time.Second, got.StaleTime.Duration)
	require.Equal(t, 24*time.Hour, got.GCTime.Duration)
	require.Equal(t, storage.Config{Type: "file", Path: "/var/lib/ll"}, got.Storage)

	y := &Manager{Format: FormatYAML}
	got, err = y.Read(strings.NewReader("gc_time: 1h\nreplay_rate: 2.5\n"), Default("/d"))
	require.NoError(t, err)
	require.Equal(t, time.Hour, got.GCTime.Duration)
	require.Equal(t, 2.5, got.ReplayRate)
	require.Equal(t, "APP_CACHE", got.CacheKey)

	_, err = m.Read(strings.NewReader(`stale_time = "soon"`), Default("/d"))
	require.ErrorContains(t, err, "invalid duration")
}

func TestFormatFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, FormatYAML, FormatFor("a/config.yaml"))
	require.Equal(t, FormatYAML, FormatFor("config.YML"))
	require.Equal(t, FormatTOML, FormatFor("config.toml"))
	require.Equal(t, FormatTOML, FormatFor("config"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default("/d")
	cfg.ServerURL = "localhost"
	cfg.CacheKey = ""
	cfg.LogLevel = "loud"
	cfg.Storage = storage.Config{Type: storage.TypePostgres}
	err := cfg.Validate()
	require.ErrorContains(t, err, "server_url")
	require.ErrorContains(t, err, "cache_key")
	require.ErrorContains(t, err, "log_level")
	require.ErrorContains(t, err, "storage.dsn")

	cfg = Default("/d")
	cfg.Storage.Type = "s3"
	require.ErrorContains(t, cfg.Validate(), "unknown")
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()

	cfg := Default("/d")
	cfg.ApplyEnv(env(map[string]string{EnvServer: "http://other:9000"}))
	require.Equal(t, "http://other:9000", cfg.ServerURL)

	require.Equal(t, "", cfg.Passphrase(env(nil)))
	require.Equal(t, "s3cret", cfg.Passphrase(env(map[string]string{EnvPassphrase: "s3cret"})))

	cfg.Encryption.PassphraseEnv = "CUSTOM"
	require.Equal(t, "x", cfg.Passphrase(env(map[string]string{EnvPassphrase: "s3cret", "CUSTOM": "x"})))
}

func TestLevel(t *testing.T) {
	t.Parallel()

	cfg := Default("/d")
	cfg.LogLevel = ""
	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, lvl)

	cfg.LogLevel = "debug"
	lvl, err = cfg.Level()
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, lvl)
}

func TestInit_And_Load(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	path := filepath.Join(dir, "conf", "config.yaml")

	cfg := Default(DataDir())
	cfg.ServerURL = "http://example.test:8000"
	require.NoError(t, Init(path, cfg))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	require.ErrorContains(t, Init(path, cfg), "already exists")

	got, err := Load(path, env(nil))
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	got, err = Load(path, env(map[string]string{EnvServer: "http://override:1"}))
	require.NoError(t, err)
	require.Equal(t, "http://override:1", got.ServerURL)

	// a missing file means defaults
	got, err = Load(filepath.Join(dir, "missing.toml"), env(nil))
	require.NoError(t, err)
	require.Equal(t, Default(DataDir()), got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.toml"), []byte(`server_url = "nope"`), 0o600))
	_, err = Load(filepath.Join(dir, "bad.toml"), env(nil))
	require.ErrorContains(t, err, "server_url")
}

func TestDirs(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/x/config")
	t.Setenv("XDG_DATA_HOME", "/x/data")
	require.Equal(t, filepath.Join("/x/config", "learnlog"), Dir())
	require.Equal(t, filepath.Join("/x/config", "learnlog", "config.toml"), DefaultPath())
	require.Equal(t, filepath.Join("/x/data", "learnlog"), DataDir())
}
