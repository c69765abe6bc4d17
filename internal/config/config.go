// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// Cache backends.
const (
	CacheLocal  = "local"
	CacheBadger = "badger"
	CacheMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Crawler   CrawlerConfig         `mapstructure:"crawler"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	Headless  HeadlessConfig        `mapstructure:"headless"`
	Scrape    crawler.ScrapeOptions `mapstructure:"scrape"`
	Cache     CacheConfig           `mapstructure:"cache"`
	Progress  ProgressConfig        `mapstructure:"progress"`
	PubSub    PubSubConfig          `mapstructure:"pubsub"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Telemetry TelemetryConfig       `mapstructure:"telemetry"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// MaxRuns bounds the run history kept for the status API.
	MaxRuns int `mapstructure:"max_runs"`
}

// CrawlerConfig governs the worker pool and the upstream.
type CrawlerConfig struct {
	Concurrency       int      `mapstructure:"concurrency"`
	Window            int      `mapstructure:"window"`
	BaseURL           string   `mapstructure:"base_url"`
	UserAgent         string   `mapstructure:"user_agent"`
	RandomUserAgent   bool     `mapstructure:"random_user_agent"`
	Proxies           []string `mapstructure:"proxies"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
	MaxAttempts       int      `mapstructure:"max_attempts"`
}

// HTTPConfig configures fetch timeouts and retry backoff.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	ProxyServer     string `mapstructure:"proxy_server"`
	Screenshot      bool   `mapstructure:"screenshot"`
	Promote         bool   `mapstructure:"promote"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
}

// CacheConfig selects and tunes the page cache.
type CacheConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	LRUSize      int    `mapstructure:"lru_size"`
	PurgeCorrupt bool   `mapstructure:"purge_corrupt"`
}

// ProgressConfig tunes the progress hub batching.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// PubSubConfig holds the stats snapshot topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk and environment. An empty path searches
// for config.{yaml,json,toml} in the working directory and
// $HOME/.reviewcrawler; a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".reviewcrawler"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_runs", 100)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.window", 10)
	v.SetDefault("crawler.base_url", "https://www.amazon.com")
	v.SetDefault("crawler.user_agent", "review-crawler/0.1")
	v.SetDefault("crawler.random_user_agent", true)
	v.SetDefault("crawler.proxies", []string{})
	v.SetDefault("crawler.requests_per_second", 1.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.proxy_server", "")
	v.SetDefault("headless.screenshot", true)
	v.SetDefault("headless.promote", false)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("scrape.cache", true)
	v.SetDefault("scrape.use_proxy", false)
	v.SetDefault("scrape.headless", false)
	v.SetDefault("cache.backend", CacheLocal)
	v.SetDefault("cache.dir", ".")
	v.SetDefault("cache.lru_size", 256)
	v.SetDefault("cache.purge_corrupt", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "review-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.Window <= 0 {
		return fmt.Errorf("crawler.window must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Scrape.Headless && !c.Headless.Enabled {
		return fmt.Errorf("scrape.headless requires headless.enabled")
	}
	if c.Scrape.UseProxy && len(c.Crawler.Proxies) == 0 {
		return fmt.Errorf("scrape.use_proxy requires crawler.proxies")
	}
	switch c.Cache.Backend {
	case CacheLocal, CacheBadger:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir must be set for the %s backend", c.Cache.Backend)
		}
	case CacheMemory:
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.LRUSize < 0 {
		return fmt.Errorf("cache.lru_size must be >= 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// FetchTimeout is the per-request HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout is the per-page headless navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// BatchWait is the progress hub flush interval.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
