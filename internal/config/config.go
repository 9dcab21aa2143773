// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Accepted values for SearchCompatVersion. Elasticsearch 7.x only
// accepts compatible-with=7 or 8.
var compatVersions = map[string]bool{"7": true, "8": true}

const (
	defaultCompatVersion     = "8"
	defaultMaxAnalyzedOffset = 999999
)

// Config holds all server and CLI configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	SiteTitle   string `yaml:"site_title"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Object storage ("s3" or "local")
	StorageBackend   string   `yaml:"storage_backend"`
	S3Endpoints      []string `yaml:"s3_endpoints"` // failover order
	S3Bucket         string   `yaml:"s3_bucket"`
	S3AccessKey      string   `yaml:"s3_access_key"`
	S3SecretKey      string   `yaml:"s3_secret_key"`
	S3Region         string   `yaml:"s3_region"`
	S3UseSSL         bool     `yaml:"s3_use_ssl"`
	LocalStoragePath string   `yaml:"local_storage_path"`
	DocPrefix        string   `yaml:"doc_prefix"`
	ImagePublicBase  string   `yaml:"image_public_base"`
	PresignTTL       time.Duration `yaml:"presign_ttl"`

	// Search backend ("elasticsearch", "memory" or "none")
	SearchBackend           string        `yaml:"search_backend"`
	SearchHosts             []string      `yaml:"search_hosts"`
	SearchIndex             string        `yaml:"search_index"`
	SearchUsername          string        `yaml:"search_username"`
	SearchPassword          string        `yaml:"search_password"`
	SearchVerifyCerts       bool          `yaml:"search_verify_certs"`
	SearchCompatVersion     string        `yaml:"search_compat_version"`
	SearchMaxAnalyzedOffset int           `yaml:"search_max_analyzed_offset"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`

	// Engine
	CacheCapacity   int           `yaml:"cache_capacity"`
	SyncInterval    time.Duration `yaml:"sync_interval"` // 0 disables periodic sync
	SyncConcurrency int           `yaml:"sync_concurrency"`
	LegacyDocTool   string        `yaml:"legacy_doc_tool"`

	// Optional shared render cache
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`

	// Optional sync event topic
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Defaults returns a Config populated with development defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:              ":7861",
		MetricsAddr:             ":9090",
		SiteTitle:               "Document Knowledge Base",
		LogLevel:                "info",
		LogFormat:               "json",
		StorageBackend:          "s3",
		S3Endpoints:             []string{"http://localhost:9000"},
		S3Bucket:                "bucket",
		S3Region:                "us-east-1",
		LocalStoragePath:        "/data/docs",
		ImagePublicBase:         "http://localhost:9000",
		PresignTTL:              6 * time.Hour,
		SearchBackend:           "elasticsearch",
		SearchHosts:             []string{"http://localhost:9200"},
		SearchIndex:             "mkviewer-docs",
		SearchVerifyCerts:       true,
		SearchCompatVersion:     defaultCompatVersion,
		SearchMaxAnalyzedOffset: defaultMaxAnalyzedOffset,
		RequestTimeout:          10 * time.Second,
		CacheCapacity:           512,
		SyncInterval:            0,
		SyncConcurrency:         4,
		LegacyDocTool:           "antiword",
		RedisTTL:                24 * time.Hour,
		KafkaTopic:              "mkviewer-sync",
	}
}

// Load reads the YAML file named by MKVIEWER_CONFIG (if set), then
// applies environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("MKVIEWER_CONFIG"))
}

// LoadFile is Load with an explicit file path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.SiteTitle = envOr("SITE_TITLE", cfg.SiteTitle)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)

	cfg.StorageBackend = envOr("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.S3Endpoints = envList("S3_ENDPOINTS", cfg.S3Endpoints)
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = envBool("S3_USE_SSL", cfg.S3UseSSL)
	cfg.LocalStoragePath = envOr("LOCAL_STORAGE_PATH", cfg.LocalStoragePath)
	cfg.DocPrefix = envOr("DOC_PREFIX", cfg.DocPrefix)
	cfg.ImagePublicBase = envOr("IMAGE_PUBLIC_BASE", cfg.ImagePublicBase)
	cfg.PresignTTL = envDuration("PRESIGN_TTL", cfg.PresignTTL)

	cfg.SearchBackend = envOr("SEARCH_BACKEND", cfg.SearchBackend)
	cfg.SearchHosts = envList("SEARCH_HOSTS", cfg.SearchHosts)
	cfg.SearchIndex = envOr("SEARCH_INDEX", cfg.SearchIndex)
	cfg.SearchUsername = envOr("SEARCH_USERNAME", cfg.SearchUsername)
	cfg.SearchPassword = envOr("SEARCH_PASSWORD", cfg.SearchPassword)
	cfg.SearchVerifyCerts = envBool("SEARCH_VERIFY_CERTS", cfg.SearchVerifyCerts)
	cfg.SearchCompatVersion = strings.TrimSpace(envOr("SEARCH_COMPAT_VERSION", cfg.SearchCompatVersion))
	cfg.SearchMaxAnalyzedOffset = envInt("SEARCH_MAX_ANALYZED_OFFSET", cfg.SearchMaxAnalyzedOffset)
	cfg.RequestTimeout = envDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)

	cfg.CacheCapacity = envInt("CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.SyncInterval = envDuration("SYNC_INTERVAL", cfg.SyncInterval)
	cfg.SyncConcurrency = envInt("SYNC_CONCURRENCY", cfg.SyncConcurrency)
	cfg.LegacyDocTool = envOr("LEGACY_DOC_TOOL", cfg.LegacyDocTool)

	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisTTL = envDuration("REDIS_TTL", cfg.RedisTTL)

	cfg.KafkaBrokers = envList("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOr("KAFKA_TOPIC", cfg.KafkaTopic)
}

// Validate normalizes soft settings and rejects unusable ones.
// An unknown compat version falls back to 8 and a non-positive
// analyzed offset falls back to the default, as the backend expects.
func (c *Config) Validate() error {
	if !compatVersions[c.SearchCompatVersion] {
		c.SearchCompatVersion = defaultCompatVersion
	}
	if c.SearchMaxAnalyzedOffset <= 0 {
		c.SearchMaxAnalyzedOffset = defaultMaxAnalyzedOffset
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 512
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}

	switch c.StorageBackend {
	case "s3":
		if len(c.S3Endpoints) == 0 {
			return fmt.Errorf("S3_ENDPOINTS is required for the s3 storage backend")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 storage backend")
		}
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required for the local storage backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.StorageBackend)
	}

	switch c.SearchBackend {
	case "elasticsearch":
		if len(c.SearchHosts) == 0 {
			c.SearchBackend = "none"
		}
	case "memory", "none":
	default:
		return fmt.Errorf("unknown search backend: %s", c.SearchBackend)
	}
	return nil
}

// SearchEnabled reports whether a search backend is configured.
func (c *Config) SearchEnabled() bool {
	return c.SearchBackend != "none"
}

// CompatHeader returns the pinned media type sent to the search backend.
func (c *Config) CompatHeader() string {
	return "application/vnd.elasticsearch+json; compatible-with=" + c.SearchCompatVersion
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
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
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go durations ("30s") or bare seconds ("30").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// envList splits a comma-separated list, dropping blank items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
