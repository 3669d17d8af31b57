package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLOUDV_DATA_DIRECTORY", dir)
	t.Setenv("CLOUDV_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDirectory)
	assert.Equal(t, logrus.DebugLevel, cfg.GetLogLevel())
	assert.Equal(t, 120*time.Second, cfg.SandboxTimeout)
	assert.Equal(t, 12*time.Hour, cfg.TokenDuration)
	assert.Equal(t, filepath.Join(dir, "tokens.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "objects"), cfg.StorageLocalPath)
	assert.Equal(t, "/workspace", cfg.SandboxWorkdir)
	assert.Equal(t, int32(2048), cfg.BatchMemory)
}

func TestLoad_MissingDataDirectory(t *testing.T) {
	t.Setenv("CLOUDV_DATA_DIRECTORY", filepath.Join(t.TempDir(), "missing"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory does not exist")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DataDirectory:   t.TempDir(),
			LogLevel:        "info",
			TokenDuration:   time.Hour,
			StorageProvider: "local",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"negative timeout", func(c *Config) { c.SandboxTimeout = -time.Second }, "sandbox_timeout"},
		{"zero token duration", func(c *Config) { c.TokenDuration = 0 }, "token_duration"},
		{"unknown storage", func(c *Config) { c.StorageProvider = "gcs" }, "storage_provider"},
		{"bad override", func(c *Config) { c.TimeoutOverrides = map[string]string{"synthesis": "soon"} }, "timeout override"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := validate(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSandboxTimeoutFor(t *testing.T) {
	cfg := &Config{
		SandboxTimeout:   time.Minute,
		TimeoutOverrides: map[string]string{"synthesis": "5m"},
	}

	assert.Equal(t, 5*time.Minute, cfg.SandboxTimeoutFor("synthesis"))
	assert.Equal(t, time.Minute, cfg.SandboxTimeoutFor("simulation"))
}
