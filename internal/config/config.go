// Package config loads and validates the application configuration from a
// YAML file with environment overrides.
package config

import (
	"os"
	"strconv"
	"time"
)

// Default values applied when the YAML file and environment leave a field
// unset.
const (
	DefaultDBPath             = "/data/portwatch.db"
	DefaultRefreshInterval    = 30 * time.Minute
	DefaultConcurrency        = 5
	DefaultCacheTTL           = 20 * time.Minute
	DefaultRegistryRPS        = 10
	DefaultQueueSize          = 100
	DefaultVersionDedupDays   = 7
	DefaultStopTimeoutSeconds = 10
)

// Instance is one Portainer instance to monitor. Either APIKey or the
// Username/Password pair must be set.
type Instance struct {
	// Name is a human-readable label shown in notifications and the API.
	Name string `yaml:"name"`

	// URL is the Portainer base URL, e.g. https://portainer.example.com:9443
	URL string `yaml:"url"`

	// APIKey authenticates with an X-API-Key header.
	APIKey string `yaml:"api_key"`

	// Username/Password authenticate via the JWT auth endpoint. Ignored
	// when APIKey is set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Webhook is one Discord webhook to deliver update notifications to.
type Webhook struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Upgrade holds the upgrade orchestrator settings.
type Upgrade struct {
	// ProxyImagePattern marks the reverse proxy this application is reached
	// through, e.g. "nginx-proxy-manager". Upgrading a matching container
	// switches Portainer access to ProxyFallbackURL first.
	ProxyImagePattern string `yaml:"proxy_image_pattern"`

	// ProxyFallbackURL is the direct Portainer address to use while the
	// proxy is down.
	ProxyFallbackURL string `yaml:"proxy_fallback_url"`

	// AllowIPScan enables probing the proxy container's own addresses when
	// no fallback URL is configured. Best-effort only.
	AllowIPScan bool `yaml:"allow_ip_scan"`

	// StopTimeoutSeconds is passed to Docker's stop endpoint.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
}

// Config is the full application configuration.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`

	// ListenAddr is the HTTP API bind address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	Instances []Instance `yaml:"instances"`
	Webhooks  []Webhook  `yaml:"webhooks"`

	// RefreshInterval is how often the background scheduler refreshes all
	// instances. Zero disables the scheduler.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// Concurrency bounds parallel container checks per endpoint.
	Concurrency int `yaml:"concurrency"`

	// CacheTTL bounds how long a registry resolution is reused before the
	// registry is consulted again.
	CacheTTL Duration `yaml:"cache_ttl"`

	// RegistryRPS caps manifest requests per second per registry host.
	RegistryRPS int `yaml:"registry_rps"`

	// NotifyQueueSize caps pending notifications; overflow is dropped.
	NotifyQueueSize int `yaml:"notify_queue_size"`

	// VersionDedupDays bounds how long a version-keyed notification dedup
	// record suppresses re-notification. Digest-keyed records never expire.
	VersionDedupDays int `yaml:"version_dedup_days"`

	Upgrade Upgrade `yaml:"upgrade"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = Duration(DefaultRefreshInterval)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = Duration(DefaultCacheTTL)
	}
	if c.RegistryRPS <= 0 {
		c.RegistryRPS = DefaultRegistryRPS
	}
	if c.NotifyQueueSize <= 0 {
		c.NotifyQueueSize = DefaultQueueSize
	}
	if c.VersionDedupDays <= 0 {
		c.VersionDedupDays = DefaultVersionDedupDays
	}
	if c.Upgrade.StopTimeoutSeconds <= 0 {
		c.Upgrade.StopTimeoutSeconds = DefaultStopTimeoutSeconds
	}
}

// ApplyEnvironment overrides fields from environment variables. Environment
// values take precedence over the YAML file.
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv("PORTWATCH_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PORTWATCH_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PORTWATCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PORTWATCH_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("PORTWATCH_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RefreshInterval = Duration(d)
		}
	}
	if v := os.Getenv("PORTWATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency = n
		}
	}
	// Single-instance deployments can skip the YAML file entirely.
	if url := os.Getenv("PORTWATCH_PORTAINER_URL"); url != "" {
		c.Instances = append(c.Instances, Instance{
			Name:     "portainer",
			URL:      url,
			APIKey:   os.Getenv("PORTWATCH_PORTAINER_API_KEY"),
			Username: os.Getenv("PORTWATCH_PORTAINER_USERNAME"),
			Password: os.Getenv("PORTWATCH_PORTAINER_PASSWORD"),
		})
	}
	if v := os.Getenv("PORTWATCH_DISCORD_WEBHOOK_URL"); v != "" {
		c.Webhooks = append(c.Webhooks, Webhook{Name: "discord", URL: v})
	}
}
