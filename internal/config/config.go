// Package config loads gateway settings from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port      string `mapstructure:"port"`
	OriginURL string `mapstructure:"origin_url"`
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level"`

	// Store
	CacheBackend string `mapstructure:"cache_backend"` // memory | redis | badger
	CachePrefix  string `mapstructure:"cache_prefix"`
	Version      string `mapstructure:"gateway_version"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisPrefix  string `mapstructure:"redis_prefix"`
	BadgerDir    string `mapstructure:"badger_dir"`

	// Strategy
	WriteSensitivePaths []string `mapstructure:"write_sensitive_paths"`
	VaryHeaders         []string `mapstructure:"cache_vary_headers"`

	// Lifecycle
	PrewarmURLs []string `mapstructure:"prewarm_urls"`
	SkipWaiting bool     `mapstructure:"skip_waiting"`

	// HTTP
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Sync
	SyncBackend     string        `mapstructure:"sync_backend"` // memory | redis
	SyncMaxAttempts int           `mapstructure:"sync_max_attempts"`
	SyncBaseBackoff time.Duration `mapstructure:"sync_base_backoff"`
	SyncMaxBackoff  time.Duration `mapstructure:"sync_max_backoff"`
	SyncTag         string        `mapstructure:"sync_tag"`
	SyncURL         string        `mapstructure:"sync_url"`
	SyncNotifyIcon  string        `mapstructure:"sync_notify_icon"`
	DeferWrites     bool          `mapstructure:"defer_writes"`
	ProbeURL        string        `mapstructure:"probe_url"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`

	// Notifications
	NotifyWebhookURL   string `mapstructure:"notify_webhook_url"`
	NotifyRedisChannel string `mapstructure:"notify_redis_channel"`
}

var defaults = map[string]any{
	"port":                  "8080",
	"origin_url":            "",
	"env":                   "",
	"log_level":             "info",
	"cache_backend":         "memory",
	"cache_prefix":          "offline-gateway-cache",
	"gateway_version":       "v1",
	"redis_addr":            "127.0.0.1:6379",
	"redis_prefix":          "offline-gateway",
	"badger_dir":            "",
	"write_sensitive_paths": []string{"/api/"},
	"cache_vary_headers":    []string{},
	"prewarm_urls":          []string{},
	"skip_waiting":          true,
	"upstream_timeout":      30 * time.Second,
	"request_timeout":       60 * time.Second,
	"max_body_bytes":        int64(10 << 20),
	"shutdown_timeout":      10 * time.Second,
	"sync_backend":          "memory",
	"sync_max_attempts":     3,
	"sync_base_backoff":     time.Second,
	"sync_max_backoff":      5 * time.Minute,
	"sync_tag":              "background-sync-example",
	"sync_url":              "/api/posts",
	"sync_notify_icon":      "https://placehold.co/192x192.png",
	"defer_writes":          true,
	"probe_url":             "",
	"probe_interval":        15 * time.Second,
	"notify_webhook_url":    "",
	"notify_redis_channel":  "",
}

// Load reads configuration. configPath may be empty; a missing file is not
// an error. Environment variables use the upper-cased key, e.g. ORIGIN_URL.
func Load(configPath string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WithDefaults returns a copy with list values trimmed and zero values
// filled in.
func (c Config) WithDefaults() Config {
	c.OriginURL = strings.TrimRight(c.OriginURL, "/")
	c.WriteSensitivePaths = splitList(c.WriteSensitivePaths)
	c.VaryHeaders = splitList(c.VaryHeaders)
	c.PrewarmURLs = splitList(c.PrewarmURLs)

	if len(c.WriteSensitivePaths) == 0 {
		c.WriteSensitivePaths = []string{"/api/"}
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.SyncMaxAttempts <= 0 {
		c.SyncMaxAttempts = 3
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeURL == "" {
		c.ProbeURL = c.OriginURL
	}
	return c
}

// splitList flattens comma separated entries and drops blanks, so a list
// given as one env string and a YAML sequence end up the same.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks required fields and enumerations.
func (c Config) Validate() error {
	if c.OriginURL == "" {
		return errors.New("ORIGIN_URL is required")
	}
	u, err := url.Parse(c.OriginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ORIGIN_URL %q is not an absolute URL", c.OriginURL)
	}

	switch c.CacheBackend {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("CACHE_BACKEND %q: want memory, redis or badger", c.CacheBackend)
	}
	switch c.SyncBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("SYNC_BACKEND %q: want memory or redis", c.SyncBackend)
	}

	if c.CachePrefix == "" || c.Version == "" {
		return errors.New("CACHE_PREFIX and GATEWAY_VERSION are required")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("MAX_BODY_BYTES must not be negative")
	}
	return nil
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c Config) NeedsRedis() bool {
	return c.CacheBackend == "redis" || c.SyncBackend == "redis" || c.NotifyRedisChannel != ""
}

// Resolve turns a path into an absolute URL on the origin. Absolute URLs
// are returned unchanged.
func (c Config) Resolve(ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.OriginURL + ref
}

// ResolveAll applies Resolve to every entry.
func (c Config) ResolveAll(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, c.Resolve(r))
	}
	return out
}
