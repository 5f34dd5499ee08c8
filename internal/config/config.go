// Package config provides configuration management for hlspoll using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultHTTPTimeout         = 20 * time.Second
	defaultRetryAttempts       = 3
	defaultRetryDelay          = 500 * time.Millisecond
	defaultRetryMaxDelay       = 10 * time.Second
	defaultCircuitThreshold    = 5
	defaultCircuitTimeout      = 30 * time.Second
	defaultMaxResponseSize     = 10 * 1024 * 1024 // 10MB
	defaultMaxStallTime        = 60 * time.Second
	defaultMinUpdateInterval   = 1 * time.Second
	defaultMaxRewindRejections = 2
	defaultChangeWatchTimeout  = 30 * time.Second
	defaultIdlePoolTimeout     = 10 * time.Second
)

// Config holds all configuration for hlspoll.
type Config struct {
	Logging Logging `mapstructure:"logging"`
	HTTP    HTTP    `mapstructure:"http"`
	Polling Polling `mapstructure:"polling"`
}

// Logging holds structured-logging configuration.
type Logging struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTP holds configuration for the resilient client fetchers use to reach
// playlist and segment origins.
type HTTP struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold    int           `mapstructure:"circuit_threshold"`
	CircuitTimeout      time.Duration `mapstructure:"circuit_timeout"`
	EnableDecompression bool          `mapstructure:"enable_decompression"`
	// MaxResponseSize bounds a single playlist/segment response body.
	// Supports human-readable values like "10MB" as well as raw byte counts.
	MaxResponseSize ByteSize `mapstructure:"max_response_size"`
	UserAgent       string   `mapstructure:"user_agent"`
	// IdlePoolTimeout is how long an unreferenced blocking-group connection
	// pool entry lingers before being evicted.
	IdlePoolTimeout time.Duration `mapstructure:"idle_pool_timeout"`
}

// Polling holds the playlist-fetcher behavior options.
type Polling struct {
	// LowLatency enables LL-HLS part and preload-hint projection. When
	// false, low-latency tags are stripped from snapshots; blocking reloads
	// still follow the playlist's CAN-BLOCK-RELOAD.
	LowLatency bool `mapstructure:"low_latency"`
	// Head is loaded and validated (it must not be negative), but nothing
	// outside this package reads it: snapshots always carry every segment
	// in the playlist window.
	Head int `mapstructure:"head"`
	// MaxStallTime bounds how long an update() call waits before the
	// fetcher cancels itself with a stall error.
	MaxStallTime Duration `mapstructure:"max_stall_time"`
	// MinUpdateInterval is the floor applied to the computed reload delay,
	// regardless of what the playlist's target duration implies.
	MinUpdateInterval Duration `mapstructure:"min_update_interval"`
	// MaxRewindRejections is how many consecutive media-sequence
	// regressions are tolerated before one is accepted as a legitimate
	// server-side rewind.
	MaxRewindRejections int `mapstructure:"max_rewind_rejections"`
	// ChangeWatchTimeout bounds how long the reader waits on a
	// ChangeWatcher before falling back to a scheduled poll.
	ChangeWatchTimeout Duration `mapstructure:"change_watch_timeout"`
	// Extensions lists vendor playlist tag names. They are handed to the
	// fetcher's parser, which does not use them: unknown tags are dropped
	// from snapshots whether or not they are listed here.
	Extensions []string `mapstructure:"extensions"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSPOLL_ and use underscores for
// nesting. Example: HLSPOLL_HTTP_TIMEOUT=10s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlspoll")
		v.AddConfigPath("$HOME/.hlspoll")
	}

	v.SetEnvPrefix("HLSPOLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("http.enable_decompression", true)
	v.SetDefault("http.max_response_size", defaultMaxResponseSize)
	v.SetDefault("http.user_agent", "hlspoll/1.0")
	v.SetDefault("http.idle_pool_timeout", defaultIdlePoolTimeout)

	v.SetDefault("polling.low_latency", true)
	v.SetDefault("polling.head", 0)
	v.SetDefault("polling.max_stall_time", defaultMaxStallTime)
	v.SetDefault("polling.min_update_interval", defaultMinUpdateInterval)
	v.SetDefault("polling.max_rewind_rejections", defaultMaxRewindRejections)
	v.SetDefault("polling.change_watch_timeout", defaultChangeWatchTimeout)
	v.SetDefault("polling.extensions", []string{})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative")
	}

	if c.Polling.MaxRewindRejections < 0 {
		return fmt.Errorf("polling.max_rewind_rejections must not be negative")
	}
	if c.Polling.Head < 0 {
		return fmt.Errorf("polling.head must not be negative")
	}

	return nil
}
