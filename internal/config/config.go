package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the analytics service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Insights    InsightsConfig    `yaml:"insights"`
	Logging     LoggingConfig     `yaml:"logging"`
	Cache       CacheConfig       `yaml:"cache"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig controls the observation buffer.
type IngestConfig struct {
	BufferCapacity int           `yaml:"bufferCapacity"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
}

// AggregationConfig controls rule seeding.
type AggregationConfig struct {
	RulesPath string `yaml:"rulesPath"`
}

// InsightsConfig controls background insight generation.
type InsightsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Redis-backed caching of prediction results.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("APPLYFLOW_ANALYTICS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Path: "data/analytics.db"},
		Ingest: IngestConfig{
			BufferCapacity: 100,
			FlushInterval:  30 * time.Second,
		},
		Aggregation: AggregationConfig{RulesPath: "configs/rules/default.yaml"},
		Insights:    InsightsConfig{Interval: time.Hour},
		Logging:     LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPLYFLOW_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("APPLYFLOW_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("APPLYFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("APPLYFLOW_INGEST_BUFFER_CAPACITY"); v != "" {
		if capacity, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.BufferCapacity = capacity
		}
	}
	if v := os.Getenv("APPLYFLOW_INGEST_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.FlushInterval = d
		}
	}
	if v := os.Getenv("APPLYFLOW_RULES_PATH"); v != "" {
		cfg.Aggregation.RulesPath = v
	}
	if v := os.Getenv("APPLYFLOW_INSIGHTS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Insights.Interval = d
		}
	}
	if v := os.Getenv("APPLYFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("APPLYFLOW_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("APPLYFLOW_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("APPLYFLOW_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("APPLYFLOW_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("APPLYFLOW_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("APPLYFLOW_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("APPLYFLOW_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("APPLYFLOW_CACHE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DialTimeout = d
		}
	}
	if v := os.Getenv("APPLYFLOW_CACHE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ReadTimeout = d
		}
	}
	if v := os.Getenv("APPLYFLOW_CACHE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.WriteTimeout = d
		}
	}
	if v := os.Getenv("APPLYFLOW_CACHE_MAX_RETRIES"); v != "" {
		if retries, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retries
		}
	}
}
