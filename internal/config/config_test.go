package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ILLUSTRATOR_DB_PATH", "REDIS_URL", "ILLUSTRATOR_RASTER_SCALE",
		"LOG_LEVEL", "LOG_FORMAT", "LOGIC_API_KEY", "VISION_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "academic-illustrator.db", filepath.Base(cfg.Storage.SQLite.Path))
	assert.Equal(t, 2.0, cfg.Rasterizer.Scale)
	assert.Equal(t, 3, cfg.Generation.MaxRetries)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "illustrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: sqlite
  sqlite:
    path: /tmp/custom.db
rasterizer:
  scale: 3
generation:
  timeout: 45s
  max_retries: 1
observability:
  log_level: debug
  log_format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 3.0, cfg.Rasterizer.Scale)
	assert.Equal(t, 45*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 1, cfg.Generation.MaxRetries)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	// untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.Generation.MaxBackoff)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ILLUSTRATOR_DB_PATH", "/data/state.db")
	t.Setenv("ILLUSTRATOR_RASTER_SCALE", "1.5")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOGIC_API_KEY", "sk-logic")
	t.Setenv("VISION_API_KEY", "sk-vision")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/data/state.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 1.5, cfg.Rasterizer.Scale)
	assert.Equal(t, "warn", cfg.Observability.LogLevel)
	assert.Equal(t, "sk-logic", cfg.Generation.LogicAPIKey)
	assert.Equal(t, "sk-vision", cfg.Generation.VisionAPIKey)
}

func TestLoad_RedisURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://:secret@cache.local:6380/2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, "cache.local:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, "secret", cfg.Storage.Redis.Password)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)

	opts := cfg.StorageOptions()
	assert.Equal(t, "redis", opts.Driver)
	assert.Equal(t, "illustrator:", opts.Redis.Prefix)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("ILLUSTRATOR_RASTER_SCALE", "big")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }},
		{"empty sqlite path", func(c *Config) { c.Storage.SQLite.Path = "" }},
		{"redis without addr", func(c *Config) { c.Storage.Driver = "redis"; c.Storage.Redis.Addr = "" }},
		{"zero scale", func(c *Config) { c.Rasterizer.Scale = 0 }},
		{"huge scale", func(c *Config) { c.Rasterizer.Scale = 9 }},
		{"zero timeout", func(c *Config) { c.Generation.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.Generation.MaxRetries = -1 }},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
