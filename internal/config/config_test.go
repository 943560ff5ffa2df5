package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "anthropic", cfg.Providers.Default)
	assert.Equal(t, 2, cfg.Executor.MaxStepRetries)
	assert.Equal(t, 6000, cfg.Memory.TokenBudget)
	assert.Equal(t, "host", cfg.Sandbox.Runtime)
	assert.Equal(t, 7*24*time.Hour, cfg.Sessions.RetentionAge)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"unknown provider", func(c *Config) { c.Providers.Default = "mistral" }, true},
		{"empty model", func(c *Config) { c.Providers.DefaultModel = "" }, true},
		{"temperature out of range", func(c *Config) { c.Providers.Temperature = 1.5 }, true},
		{"negative retries", func(c *Config) { c.Executor.MaxStepRetries = -1 }, true},
		{"zero plan attempts", func(c *Config) { c.Executor.MaxPlanAttempts = 0 }, true},
		{"zero token budget", func(c *Config) { c.Memory.TokenBudget = 0 }, true},
		{"docker without image", func(c *Config) { c.Sandbox.Runtime = "docker" }, true},
		{"docker with image", func(c *Config) {
			c.Sandbox.Runtime = "docker"
			c.Sandbox.Image = "python:3.12-slim"
		}, false},
		{"cap below base", func(c *Config) {
			c.Executor.BackoffBase = 10 * time.Second
			c.Executor.BackoffCap = time.Second
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	tempDir := t.TempDir()
	loader := NewLoader(filepath.Join(tempDir, "absent.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Providers.Default)
	assert.NotEmpty(t, cfg.Sessions.DBPath)
	assert.NotEmpty(t, cfg.Memory.DBPath)
}

func TestLoader_LoadFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "daksha.json")

	content := `{
		"data_dir": "` + tempDir + `",
		"providers": {"default": "openai", "default_model": "gpt-4o"},
		"executor": {"max_step_retries": 5}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	loader := NewLoader(configPath)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Providers.Default)
	assert.Equal(t, "gpt-4o", cfg.Providers.DefaultModel)
	assert.Equal(t, 5, cfg.Executor.MaxStepRetries)
	// Untouched sections keep defaults
	assert.Equal(t, 6000, cfg.Memory.TokenBudget)
	assert.Equal(t, filepath.Join(tempDir, "sessions.db"), cfg.Sessions.DBPath)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "daksha.json")

	cfg := DefaultConfig()
	cfg.DataDir = tempDir
	cfg.Providers.Default = "groq"
	cfg.Providers.DefaultModel = "llama-3.3-70b-versatile"

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "groq", loaded.Providers.Default)
	assert.Equal(t, "llama-3.3-70b-versatile", loaded.Providers.DefaultModel)
}
