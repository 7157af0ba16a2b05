package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Barvault  BarvaultConfig  `yaml:"barvault"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Universe  UniverseConfig  `yaml:"universe"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Source    SourceConfig    `yaml:"source"`
	Query     QueryConfig     `yaml:"query"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BarvaultConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ArchiveConfig describes the partitioned parquet archive.
type ArchiveConfig struct {
	Root        string         `yaml:"root"`
	DataKind    string         `yaml:"data_kind"`
	Adjusted    bool           `yaml:"adjusted"`
	Compression string         `yaml:"compression"`
	RowGroupMB  int64          `yaml:"row_group_mb"`
	Manifest    bool           `yaml:"manifest"`
	S3          S3MirrorConfig `yaml:"s3"`
}

// S3MirrorConfig enables mirroring each replaced partition file to S3.
// The local archive stays the source of truth; mirror failures never fail a
// write.
type S3MirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type UniverseConfig struct {
	DBPath string `yaml:"db_path"`
	Name   string `yaml:"name"`
}

type FetchConfig struct {
	Workers       int           `yaml:"workers"`
	RetryAttempts int           `yaml:"retry_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	CallSpacing   time.Duration `yaml:"call_spacing"`
	Timeout       time.Duration `yaml:"timeout"`
	Frequency     string        `yaml:"frequency"`
	ToleranceDays int           `yaml:"tolerance_days"`
	Symbols       []string      `yaml:"symbols"`
	Start         string        `yaml:"start"`
	End           string        `yaml:"end"`
	LoopInterval  time.Duration `yaml:"loop_interval"`
}

type SourceConfig struct {
	Exchange string              `yaml:"exchange"`
	Binance  BinanceSourceConfig `yaml:"binance"`
	Kucoin   KucoinSourceConfig  `yaml:"kucoin"`
	Bybit    BybitSourceConfig   `yaml:"bybit"`
}

type BinanceSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type KucoinSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type BybitSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type QueryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MemoryLimit string `yaml:"memory_limit"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	History int    `yaml:"history"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	ReportTopic string   `yaml:"report_topic"`
	ErrorTopic  string   `yaml:"error_topic"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Prefer an environment specific file when APP_ENV names one
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Archive: ArchiveConfig{
			DataKind:    "bars",
			Compression: "snappy",
			RowGroupMB:  32,
		},
		Fetch: FetchConfig{
			Workers:       10,
			RetryAttempts: 3,
			BackoffBase:   2 * time.Second,
			CallSpacing:   100 * time.Millisecond,
			Timeout:       30 * time.Second,
			Frequency:     "daily",
		},
		Metrics: MetricsConfig{
			ReportInterval: time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 mirror settings from environment variables if available
	if config.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" && config.Events.Kafka.Enabled {
		config.Events.Kafka.Brokers = splitAndTrim(v)
	}

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	// Development environments default to verbose logging
	if config.Logging.Level == "" {
		if IsProductionLike(AppEnvironment()) {
			config.Logging.Level = "info"
		} else {
			config.Logging.Level = "debug"
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Barvault.Name == "" {
		return fmt.Errorf("barvault.name is required")
	}

	if cfg.Barvault.Version == "" {
		return fmt.Errorf("barvault.version is required")
	}

	if cfg.Archive.Root == "" {
		return fmt.Errorf("archive.root is required")
	}
	if cfg.Archive.DataKind == "" {
		return fmt.Errorf("archive.data_kind is required")
	}
	switch cfg.Archive.Compression {
	case "snappy", "gzip", "none", "uncompressed":
	default:
		return fmt.Errorf("archive.compression '%s' is not supported", cfg.Archive.Compression)
	}

	if cfg.Universe.DBPath == "" {
		return fmt.Errorf("universe.db_path is required")
	}

	if cfg.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be greater than 0")
	}
	if cfg.Fetch.RetryAttempts <= 0 {
		return fmt.Errorf("fetch.retry_attempts must be greater than 0")
	}
	if cfg.Fetch.BackoffBase <= 0 {
		return fmt.Errorf("fetch.backoff_base must be greater than 0")
	}
	if cfg.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be greater than 0")
	}
	switch strings.ToLower(cfg.Fetch.Frequency) {
	case "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("fetch.frequency '%s' is not supported", cfg.Fetch.Frequency)
	}
	if cfg.Fetch.ToleranceDays < 0 {
		return fmt.Errorf("fetch.tolerance_days must not be negative")
	}

	switch cfg.Source.Exchange {
	case "binance", "kucoin", "bybit":
	case "":
		return fmt.Errorf("source.exchange is required")
	default:
		return fmt.Errorf("source.exchange '%s' is not supported", cfg.Source.Exchange)
	}

	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the mirror is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the mirror is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
	}

	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Events.Kafka.ReportTopic == "" {
			return fmt.Errorf("events.kafka.report_topic is required when kafka is enabled")
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
