// Package config provides unified configuration loading for the illustrator.
// Supports YAML files, a .env file, and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spherical/academic-illustrator/internal/storage"
)

// Config holds all configuration for the illustrator.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Rasterizer    RasterizerConfig    `yaml:"rasterizer"`
	Generation    GenerationConfig    `yaml:"generation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects where workflow state is persisted.
type StorageConfig struct {
	Driver string       `yaml:"driver"` // sqlite or redis
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RasterizerConfig controls PDF page rendering.
type RasterizerConfig struct {
	Scale      float64 `yaml:"scale"`
	Structural bool    `yaml:"structural_check"`
}

// GenerationConfig holds schema generation client settings. API keys only
// come from the environment.
type GenerationConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	LogicAPIKey  string `yaml:"-"`
	VisionAPIKey string `yaml:"-"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads .env (if present), then the YAML file at path, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path: defaultDatabasePath(),
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "illustrator:",
			},
		},
		Rasterizer: RasterizerConfig{
			Scale:      2,
			Structural: true,
		},
		Generation: GenerationConfig{
			Timeout:        120 * time.Second,
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

func defaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return storage.DefaultDatabaseName
	}
	return filepath.Join(dir, "academic-illustrator", storage.DefaultDatabaseName)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Rasterizer.Scale <= 0 || c.Rasterizer.Scale > 8 {
		return fmt.Errorf("rasterizer scale must be in (0, 8], got %g", c.Rasterizer.Scale)
	}

	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation timeout must be positive")
	}
	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("generation max_retries must not be negative")
	}

	switch c.Observability.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Observability.LogFormat)
	}

	return nil
}

// StorageOptions converts the storage section for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Driver:     c.Storage.Driver,
		SQLitePath: c.Storage.SQLite.Path,
		Redis: storage.RedisConfig{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			Prefix:   c.Storage.Redis.Prefix,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ILLUSTRATOR_DB_PATH"); v != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.SQLite.Path = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		if err := applyRedisURL(&cfg.Storage, v); err != nil {
			return err
		}
	}

	if v := os.Getenv("ILLUSTRATOR_RASTER_SCALE"); v != "" {
		scale, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse ILLUSTRATOR_RASTER_SCALE: %w", err)
		}
		cfg.Rasterizer.Scale = scale
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	cfg.Generation.LogicAPIKey = os.Getenv("LOGIC_API_KEY")
	cfg.Generation.VisionAPIKey = os.Getenv("VISION_API_KEY")
	return nil
}

// applyRedisURL switches storage to redis using a redis://[:pass@]host:port/db URL.
func applyRedisURL(s *StorageConfig, raw string) error {
	if !strings.Contains(raw, "://") {
		raw = "redis://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}

	s.Driver = "redis"
	s.Redis.Addr = u.Host
	if pw, ok := u.User.Password(); ok {
		s.Redis.Password = pw
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL database %q: %w", db, err)
		}
		s.Redis.DB = n
	}
	return nil
}
