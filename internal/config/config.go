// Package config loads configuration from environment variables, with an
// optional YAML file providing defaults that the environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all quince node configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metadata database (single SQLite file)
	DatabasePath string `yaml:"database_path"`
	DBPoolSize   int    `yaml:"db_pool_size"`

	// Block store
	BlockBackend  string `yaml:"block_backend"` // "local" or "s3"
	BlockRepoPath string `yaml:"block_repo_path"`
	BlockCompress bool   `yaml:"block_compress"`

	// Reachability: "isolated" keeps content private to this node,
	// "discoverable" advertises it to the peer layer.
	Reachability string `yaml:"reachability"`

	// MetadataOnly forces the node to start without content storage.
	// The node also falls back to this state when the block store
	// fails to initialize, unless RequireBlockStore is set.
	MetadataOnly      bool `yaml:"metadata_only"`
	RequireBlockStore bool `yaml:"require_block_store"`

	// S3 backend settings
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	// Auth
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Index worker
	IndexInterval  time.Duration `yaml:"index_interval"`
	IndexBatchSize int           `yaml:"index_batch_size"`

	// Uploads
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// Load reads configuration from QUINCE_CONFIG (if set) and the environment.
// Environment variables override file values.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     ":8080",
		MetricsAddr:    ":9090",
		LogLevel:       "info",
		LogFormat:      "json",
		DBPoolSize:     4,
		BlockBackend:   "local",
		BlockCompress:  true,
		Reachability:   "isolated",
		SessionTTL:     24 * time.Hour,
		IndexInterval:  5 * time.Second,
		IndexBatchSize: 100,
		MaxUploadSize:  100 * 1024 * 1024,
		S3Region:       "us-east-1",
	}

	if path := os.Getenv("QUINCE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.DatabasePath = envOr("DATABASE_PATH", cfg.DatabasePath)
	cfg.DBPoolSize = envInt("DB_POOL_SIZE", cfg.DBPoolSize)
	cfg.BlockBackend = envOr("BLOCK_BACKEND", cfg.BlockBackend)
	cfg.BlockRepoPath = envOr("BLOCK_REPO_PATH", cfg.BlockRepoPath)
	cfg.BlockCompress = envBool("BLOCK_COMPRESS", cfg.BlockCompress)
	cfg.Reachability = envOr("REACHABILITY", cfg.Reachability)
	cfg.MetadataOnly = envBool("METADATA_ONLY", cfg.MetadataOnly)
	cfg.RequireBlockStore = envBool("REQUIRE_BLOCK_STORE", cfg.RequireBlockStore)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = envBool("S3_USE_SSL", cfg.S3UseSSL)
	cfg.JWTSecret = envOr("JWT_SECRET", cfg.JWTSecret)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.IndexInterval = envDuration("INDEX_INTERVAL", cfg.IndexInterval)
	cfg.IndexBatchSize = envInt("INDEX_BATCH_SIZE", cfg.IndexBatchSize)
	cfg.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("DATABASE_PATH is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.BlockBackend != "local" && cfg.BlockBackend != "s3" {
		return nil, fmt.Errorf("BLOCK_BACKEND must be \"local\" or \"s3\", got %q", cfg.BlockBackend)
	}
	if cfg.BlockBackend == "local" && !cfg.MetadataOnly && cfg.BlockRepoPath == "" {
		return nil, fmt.Errorf("BLOCK_REPO_PATH is required for the local backend")
	}
	if cfg.Reachability != "isolated" && cfg.Reachability != "discoverable" {
		return nil, fmt.Errorf("REACHABILITY must be \"isolated\" or \"discoverable\", got %q", cfg.Reachability)
	}
	if cfg.DBPoolSize < 1 {
		return nil, fmt.Errorf("DB_POOL_SIZE must be at least 1")
	}
	if cfg.IndexBatchSize < 1 {
		return nil, fmt.Errorf("INDEX_BATCH_SIZE must be at least 1")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
