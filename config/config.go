// Package config loads the daemon configuration. Source priority, highest
// first:
//  1. Environment variables (MONOLOG_DB_PATH, MONOLOG_ADDR, OPENAI_API_KEY, ...)
//  2. The YAML file passed via --config
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// EmbeddingConfig configures the background embedding pipeline and its
// OpenAI provider.
type EmbeddingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	BatchSize       int    `yaml:"batch_size"`
	Model           string `yaml:"model"`
	Dimensions      int64  `yaml:"dimensions"`
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
}

// Interval returns the polling interval as a duration.
func (e EmbeddingConfig) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "monolog.db"},
		Server:   ServerConfig{Addr: ":5100"},
		Embedding: EmbeddingConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			BatchSize:       10,
			Model:           "text-embedding-3-small",
			Dimensions:      1536,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path (optional, "" skips the file) and
// applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if cfg.Embedding.IntervalSeconds <= 0 {
		cfg.Embedding.IntervalSeconds = 30
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 10
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MONOLOG_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MONOLOG_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MONOLOG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MONOLOG_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MONOLOG_EMBEDDING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Embedding.Enabled = b
		}
	}
	if v := os.Getenv("MONOLOG_EMBEDDING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.IntervalSeconds = n
		}
	}
	if v := os.Getenv("MONOLOG_EMBEDDING_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.BatchSize = n
		}
	}
	if v := os.Getenv("MONOLOG_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
}
