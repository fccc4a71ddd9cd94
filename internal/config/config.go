// Package config loads the service configuration. Values come from built-in
// defaults, an optional TOML file, a .env file and the process environment,
// in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// HTTP contains the API listener settings.
type HTTP struct {
	Addr string `toml:"addr"`
}

// Redis contains the queue transport connection (and the redis task store).
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Store selects and configures the task store backend.
type Store struct {
	Driver         string `toml:"driver"`
	TableName      string `toml:"table_name"`
	SQLitePath     string `toml:"sqlite_path"`
	DatabaseURL    string `toml:"database_url"`
	DynamoEndpoint string `toml:"dynamo_endpoint"`
}

// Blob selects and configures the blob store backend.
type Blob struct {
	Driver          string `toml:"driver"`
	Bucket          string `toml:"bucket"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Dir             string `toml:"dir"`
	PublicURL       string `toml:"public_url"`
	SigningKey      string `toml:"signing_key"`
}

// Provider contains the cloud-disk and speech API settings.
type Provider struct {
	DiskAPIURL string `toml:"disk_api_url"`
	STTAPIURL  string `toml:"stt_api_url"`
	APIKey     string `toml:"api_key"`
	FolderID   string `toml:"folder_id"`
	Language   string `toml:"language"`
}

// Render contains PDF rendering settings.
type Render struct {
	FontPath string `toml:"font_path"`
}

// Worker contains stage worker settings. Durations are in seconds.
type Worker struct {
	Concurrency          int  `toml:"concurrency"`
	VisibilityTTLSeconds int  `toml:"visibility_ttl_seconds"`
	MaxRetry             int  `toml:"max_retry"`
	PollDeadlineSeconds  int  `toml:"poll_deadline_seconds"`
	CleanupIntermediate  bool `toml:"cleanup_intermediate"`
}

// Logging contains log output settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the complete service configuration.
type Config struct {
	HTTP     HTTP     `toml:"http"`
	Redis    Redis    `toml:"redis"`
	Store    Store    `toml:"store"`
	Blob     Blob     `toml:"blob"`
	Provider Provider `toml:"provider"`
	Render   Render   `toml:"render"`
	Worker   Worker   `toml:"worker"`
	Logging  Logging  `toml:"logging"`
}

// VisibilityTTL is how long a delivered message stays leased to a worker.
func (c *Config) VisibilityTTL() time.Duration {
	return time.Duration(c.Worker.VisibilityTTLSeconds) * time.Second
}

// PollDeadline bounds the total recognition wait. Zero means unbounded.
func (c *Config) PollDeadline() time.Duration {
	return time.Duration(c.Worker.PollDeadlineSeconds) * time.Second
}

// Load builds the configuration. path names an optional TOML file; an
// explicit path that does not exist is an error. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
