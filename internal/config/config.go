// Package config loads and writes the learnlog client configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/and161185/learnlog/internal/storage"
)

// Environment overrides.
const (
	EnvServer     = "LEARNLOG_SERVER"
	EnvPassphrase = "LEARNLOG_PASSPHRASE"
)

// Format is the on-disk encoding of a config file.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

// FormatFor picks the encoding from the file extension. Anything but .yaml/.yml is TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Duration is a time.Duration written as a Go duration string ("15s", "24h").
type Duration struct {
	time.Duration
}

// UnmarshalText parses s with time.ParseDuration.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the client configuration.
type Config struct {
	ServerURL      string           `toml:"server_url"      yaml:"server_url"`
	RequestTimeout Duration         `toml:"request_timeout" yaml:"request_timeout"`
	ProbeInterval  Duration         `toml:"probe_interval"  yaml:"probe_interval"`
	ProbeTimeout   Duration         `toml:"probe_timeout"   yaml:"probe_timeout"`
	StaleTime      Duration         `toml:"stale_time"      yaml:"stale_time"`
	GCTime         Duration         `toml:"gc_time"         yaml:"gc_time"`
	CacheKey       string           `toml:"cache_key"       yaml:"cache_key"`
	ReplayRate     float64          `toml:"replay_rate"     yaml:"replay_rate"` // replayed mutations per second
	LogLevel       string           `toml:"log_level"       yaml:"log_level"`
	Storage        storage.Config   `toml:"storage"         yaml:"storage"`
	Encryption     EncryptionConfig `toml:"encryption"      yaml:"encryption"`
}

// EncryptionConfig enables sealing of stored values. The passphrase itself is
// never written to the config file, only the name of the variable holding it.
type EncryptionConfig struct {
	PassphraseEnv string `toml:"passphrase_env" yaml:"passphrase_env"`
}

// Default returns a config with every setting at its default. dataDir hosts the
// local store.
func Default(dataDir string) *Config {
	return &Config{
		ServerURL:      "http://localhost:8000",
		RequestTimeout: Duration{15 * time.Second},
		ProbeInterval:  Duration{5 * time.Second},
		ProbeTimeout:   Duration{3 * time.Second},
		StaleTime:      Duration{2 * time.Second},
		GCTime:         Duration{24 * time.Hour},
		CacheKey:       "APP_CACHE",
		ReplayRate:     10,
		LogLevel:       "info",
		Storage: storage.Config{
			Type: storage.TypeBadger,
			Path: filepath.Join(dataDir, "store"),
		},
	}
}

// Dir returns the configuration directory, honouring XDG_CONFIG_HOME.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "learnlog")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "learnlog")
}

// DataDir returns the directory for local state, honouring XDG_DATA_HOME.
func DataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "learnlog")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "learnlog")
}

// DefaultPath is where the CLI looks for its config file.
func DefaultPath() string { return filepath.Join(Dir(), "config.toml") }

// ApplyEnv overrides settings from the environment. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvServer); v != "" {
		c.ServerURL = v
	}
}

// Passphrase returns the sealing passphrase, or "" when encryption is off.
func (c *Config) Passphrase(getenv func(string) string) string {
	name := c.Encryption.PassphraseEnv
	if name == "" {
		name = EnvPassphrase
	}
	return getenv(name)
}

// Level parses LogLevel. An empty level is info.
func (c *Config) Level() (zapcore.Level, error) {
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(c.LogLevel)
}

// Validate checks the settings the client cannot start without.
func (c *Config) Validate() error {
	var problems []error
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Errorf("server_url: %q is not an absolute URL", c.ServerURL))
	}
	if c.RequestTimeout.Duration <= 0 {
		problems = append(problems, errors.New("request_timeout: must be positive"))
	}
	if c.ProbeInterval.Duration <= 0 {
		problems = append(problems, errors.New("probe_interval: must be positive"))
	}
	if c.StaleTime.Duration < 0 || c.GCTime.Duration < 0 {
		problems = append(problems, errors.New("stale_time and gc_time must not be negative"))
	}
	if c.CacheKey == "" {
		problems = append(problems, errors.New("cache_key: must not be empty"))
	}
	if c.ReplayRate < 0 {
		problems = append(problems, errors.New("replay_rate: must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		problems = append(problems, fmt.Errorf("log_level: %w", err))
	}
	switch c.Storage.Type {
	case "", storage.TypeBadger, storage.TypeFile:
		if c.Storage.Path == "" {
			problems = append(problems, errors.New("storage.path: required"))
		}
	case storage.TypePostgres:
		if c.Storage.DSN == "" {
			problems = append(problems, errors.New("storage.dsn: required for postgres"))
		}
	default:
		problems = append(problems, fmt.Errorf("storage.type: unknown %q", c.Storage.Type))
	}
	return errors.Join(problems...)
}

// Manager handles reading and writing configuration in one format.
type Manager struct {
	Format Format
}

// Read decodes a Config from r. Missing settings keep their defaults from base.
func (m *Manager) Read(r io.Reader, base *Config) (*Config, error) {
	cfg := *base
	switch m.Format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	default:
		if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	return &cfg, nil
}

// Write encodes cfg to w.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	switch m.Format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	default:
		if err := toml.NewEncoder(w).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}
	return nil
}

// ReadFromFile reads the config at path on top of Default(DataDir()).
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{Format: FormatFor(path)}
	cfg, err := m.Read(f, Default(DataDir()))
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path when it exists and falls back to defaults otherwise, then
// applies environment overrides and validates.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg, err := ReadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(DataDir()), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{Format: FormatFor(path)}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new file at path. An existing file is never overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
