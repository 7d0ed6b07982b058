package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ligustah/segfs/internal/progress"
	"gopkg.in/yaml.v3"
)

// DefaultExpectedFiles is the number of files a server sends per session.
const DefaultExpectedFiles = 3

// Config defines configuration for the segfs CLI.
type Config struct {
	Server        string        `yaml:"server"`
	Port          int           `yaml:"port"`
	Output        string        `yaml:"output"`
	Prefix        string        `yaml:"prefix"`
	Manifest      string        `yaml:"manifest"`
	ExpectedFiles int           `yaml:"expected_files"`
	Timeout       time.Duration `yaml:"timeout"`
	BatchSize     int           `yaml:"batch_size"`
	ReadBuffer    int64         `yaml:"read_buffer"`
	Overwrite     bool          `yaml:"overwrite"`
	SkipMalformed bool          `yaml:"skip_malformed"`
	Progress      bool          `yaml:"progress"`
	Retry         RetryConfig   `yaml:"retry"`
}

// RetryConfig defines how the request is resent when the server goes quiet.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Port:          6014,
		Manifest:      "segfs.manifest.json",
		ExpectedFiles: DefaultExpectedFiles,
		BatchSize:     1,
		SkipMalformed: true,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// Address returns the server address in host:port form.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
// Pointers distinguish an explicit false from an absent key.
type yamlConfig struct {
	Server        string          `yaml:"server"`
	Port          int             `yaml:"port"`
	Output        string          `yaml:"output"`
	Prefix        string          `yaml:"prefix"`
	Manifest      string          `yaml:"manifest"`
	ExpectedFiles int             `yaml:"expected_files"`
	Timeout       string          `yaml:"timeout"`
	BatchSize     int             `yaml:"batch_size"`
	ReadBuffer    string          `yaml:"read_buffer"`
	Overwrite     *bool           `yaml:"overwrite"`
	SkipMalformed *bool           `yaml:"skip_malformed"`
	Progress      *bool           `yaml:"progress"`
	Retry         yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Server != "" {
		cfg.Server = yc.Server
	}
	if yc.Port != 0 {
		cfg.Port = yc.Port
	}
	if yc.Output != "" {
		cfg.Output = yc.Output
	}
	if yc.Prefix != "" {
		cfg.Prefix = yc.Prefix
	}
	if yc.Manifest != "" {
		cfg.Manifest = yc.Manifest
	}
	if yc.ExpectedFiles != 0 {
		cfg.ExpectedFiles = yc.ExpectedFiles
	}
	if yc.Timeout != "" {
		d, err := time.ParseDuration(yc.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if yc.BatchSize != 0 {
		cfg.BatchSize = yc.BatchSize
	}
	if yc.ReadBuffer != "" {
		size, err := progress.ParseBytes(yc.ReadBuffer)
		if err != nil {
			return Config{}, fmt.Errorf("parse read_buffer: %w", err)
		}
		cfg.ReadBuffer = size
	}
	if yc.Overwrite != nil {
		cfg.Overwrite = *yc.Overwrite
	}
	if yc.SkipMalformed != nil {
		cfg.SkipMalformed = *yc.SkipMalformed
	}
	if yc.Progress != nil {
		cfg.Progress = *yc.Progress
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SEGFS_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SEGFS_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("SEGFS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("SEGFS_OUTPUT"); v != "" {
		c.Output = v
	}
	if v := os.Getenv("SEGFS_PREFIX"); v != "" {
		c.Prefix = v
	}
	if v := os.Getenv("SEGFS_MANIFEST"); v != "" {
		c.Manifest = v
	}
	if v := os.Getenv("SEGFS_EXPECTED_FILES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_EXPECTED_FILES: %w", err)
		}
		c.ExpectedFiles = n
	}
	if v := os.Getenv("SEGFS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("SEGFS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_BATCH_SIZE: %w", err)
		}
		c.BatchSize = n
	}
	if v := os.Getenv("SEGFS_READ_BUFFER"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_READ_BUFFER: %w", err)
		}
		c.ReadBuffer = size
	}
	if v := os.Getenv("SEGFS_OVERWRITE"); v != "" {
		c.Overwrite = v == "true" || v == "1"
	}
	if v := os.Getenv("SEGFS_SKIP_MALFORMED"); v != "" {
		c.SkipMalformed = v == "true" || v == "1"
	}
	if v := os.Getenv("SEGFS_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("SEGFS_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("SEGFS_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("SEGFS_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SEGFS_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("config: server is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Output == "" {
		return errors.New("config: output is required")
	}
	if c.ExpectedFiles <= 0 {
		return errors.New("config: expected_files must be positive")
	}
	if c.ExpectedFiles > 256 {
		return errors.New("config: expected_files cannot exceed 256 distinct file ids")
	}
	if c.Timeout < 0 {
		return errors.New("config: timeout must not be negative")
	}
	if c.BatchSize <= 0 {
		return errors.New("config: batch_size must be positive")
	}
	if c.ReadBuffer < 0 {
		return errors.New("config: read_buffer must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored; boolean flags can only be switched on.
func (c Config) Merge(override Config) Config {
	if override.Server != "" {
		c.Server = override.Server
	}
	if override.Port != 0 {
		c.Port = override.Port
	}
	if override.Output != "" {
		c.Output = override.Output
	}
	if override.Prefix != "" {
		c.Prefix = override.Prefix
	}
	if override.Manifest != "" {
		c.Manifest = override.Manifest
	}
	if override.ExpectedFiles != 0 {
		c.ExpectedFiles = override.ExpectedFiles
	}
	if override.Timeout != 0 {
		c.Timeout = override.Timeout
	}
	if override.BatchSize != 0 {
		c.BatchSize = override.BatchSize
	}
	if override.ReadBuffer != 0 {
		c.ReadBuffer = override.ReadBuffer
	}
	if override.Overwrite {
		c.Overwrite = override.Overwrite
	}
	if override.SkipMalformed {
		c.SkipMalformed = override.SkipMalformed
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
