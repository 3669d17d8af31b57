package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	LogLevel         string `mapstructure:"log_level"`
	BindAddress      string `mapstructure:"bind_address"`
	DataDirectory    string `mapstructure:"data_directory"`
	StagingDirectory string `mapstructure:"staging_directory"`
	RequestBodyLimit int64  `mapstructure:"request_body_limit"`

	// Sandbox settings
	SandboxImage             string        `mapstructure:"sandbox_image"`
	SandboxWorkdir           string        `mapstructure:"sandbox_workdir"`
	SandboxInputDir          string        `mapstructure:"sandbox_input_dir"`
	SandboxTimeout           time.Duration `mapstructure:"sandbox_timeout"`
	SandboxMemoryLimit       int64         `mapstructure:"sandbox_memory_limit"`
	SandboxDisableNetworking bool          `mapstructure:"sandbox_disable_networking"`
	OutputMaxSize            int           `mapstructure:"output_max_size"`

	// Callback tokens
	DBPath             string        `mapstructure:"db_path"`
	TokenDuration      time.Duration `mapstructure:"token_duration"`
	TokenSweepInterval time.Duration `mapstructure:"token_sweep_interval"`
	WebhookBaseURL     string        `mapstructure:"webhook_base_url"`

	// Object storage
	StorageProvider  string `mapstructure:"storage_provider"`
	StorageBucket    string `mapstructure:"storage_bucket"`
	StorageLocalPath string `mapstructure:"storage_local_path"`

	// Batch compute
	AWSRegion       string `mapstructure:"aws_region"`
	BatchQueue      string `mapstructure:"batch_queue"`
	BatchDefinition string `mapstructure:"batch_definition"`
	BatchMemory     int32  `mapstructure:"batch_memory"`
	BatchVCPUs      int32  `mapstructure:"batch_vcpus"`
	BatchCommand    string `mapstructure:"batch_command"`

	// Standard-cell library repository
	StdcellRepoURL string `mapstructure:"stdcell_repo_url"`

	// Per job kind sandbox timeout overrides, e.g. {"synthesis": "5m"}
	TimeoutOverrides map[string]string `mapstructure:"timeout_overrides"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("log_level", "INFO")
	v.SetDefault("bind_address", getEnvOrDefault("PORT", "3000"))
	v.SetDefault("data_directory", "/cloudv")
	v.SetDefault("staging_directory", os.TempDir())
	v.SetDefault("request_body_limit", 8<<20)
	v.SetDefault("sandbox_image", "cloudv/toolchain:latest")
	v.SetDefault("sandbox_workdir", "/workspace")
	v.SetDefault("sandbox_input_dir", "/input")
	v.SetDefault("sandbox_timeout", "120s")
	v.SetDefault("sandbox_memory_limit", 1<<30)
	v.SetDefault("sandbox_disable_networking", true)
	v.SetDefault("output_max_size", 4<<20)
	v.SetDefault("db_path", "")
	v.SetDefault("token_duration", "12h")
	v.SetDefault("token_sweep_interval", "10m")
	v.SetDefault("webhook_base_url", "http://localhost:3000/api/v1/callback")
	v.SetDefault("storage_provider", "local")
	v.SetDefault("storage_bucket", "cloudv-jobs")
	v.SetDefault("storage_local_path", "")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("batch_queue", "cloudv-toolchain-queue")
	v.SetDefault("batch_definition", "cloudv-toolchain")
	v.SetDefault("batch_memory", 2048)
	v.SetDefault("batch_vcpus", 1)
	v.SetDefault("batch_command", "cloudv-worker")
	v.SetDefault("stdcell_repo_url", "https://stdcells.cloudv.io/index")
	v.SetDefault("timeout_overrides", map[string]string{})

	v.SetEnvPrefix("CLOUDV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cloudv/")
	v.AddConfigPath("$HOME/.cloudv/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDerivedDefaults()

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDerivedDefaults fills paths that live under the data directory.
func (c *Config) applyDerivedDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDirectory, "tokens.db")
	}
	if c.StorageLocalPath == "" {
		c.StorageLocalPath = filepath.Join(c.DataDirectory, "objects")
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := os.Stat(config.DataDirectory); os.IsNotExist(err) {
		return fmt.Errorf("data directory does not exist: %s", config.DataDirectory)
	}

	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.SandboxTimeout < 0 {
		return fmt.Errorf("sandbox_timeout must not be negative")
	}

	if config.TokenDuration <= 0 {
		return fmt.Errorf("token_duration must be positive")
	}

	switch config.StorageProvider {
	case "s3", "local":
	default:
		return fmt.Errorf("unknown storage_provider: %s", config.StorageProvider)
	}

	for kind, raw := range config.TimeoutOverrides {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid timeout override for %s: %w", kind, err)
		}
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(env, defaultValue string) string {
	if value := os.Getenv(env); value != "" {
		return "0.0.0.0:" + value
	}
	return "0.0.0.0:" + defaultValue
}

// GetBindAddress returns the complete bind address
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "0.0.0.0:3000"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SandboxTimeoutFor returns the sandbox timeout for a job kind, honoring
// timeout_overrides.
func (c *Config) SandboxTimeoutFor(kind string) time.Duration {
	if raw, ok := c.TimeoutOverrides[kind]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return c.SandboxTimeout
}

// ToolchainsDirectory is where toolchain descriptors are installed.
func (c *Config) ToolchainsDirectory() string {
	return filepath.Join(c.DataDirectory, "toolchains")
}

// StdcellsDirectory is where standard-cell libraries are installed.
func (c *Config) StdcellsDirectory() string {
	return filepath.Join(c.DataDirectory, "stdcells")
}

// ReposDirectory holds repository working trees.
func (c *Config) ReposDirectory() string {
	return filepath.Join(c.DataDirectory, "repos")
}
