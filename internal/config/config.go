package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all web-access configuration.
type Config struct {
	Search    SearchConfig
	Fetch     FetchConfig
	Clone     CloneConfig
	Transport TransportConfig
	Logging   LogConfig
}

// SearchConfig governs the search provider cascade.
type SearchConfig struct {
	// APIKey enables the direct API stage when set.
	APIKey string `envconfig:"SEARCH_API_KEY" default:""`
	// APIBaseURL is the JSON search API endpoint base.
	APIBaseURL string `envconfig:"SEARCH_API_URL" default:"https://api.perplexity.ai"`
	// SessionBaseURL is the streaming endpoint used with browser cookies.
	SessionBaseURL string `envconfig:"SEARCH_SESSION_URL" default:"https://www.perplexity.ai"`
	// CookieAuth enables the browser cookie-session stage.
	CookieAuth bool `envconfig:"SEARCH_COOKIE_AUTH" default:"true"`
	// RateLimit is the number of searches admitted per RatePeriod.
	RateLimit  int           `envconfig:"SEARCH_RATE_LIMIT" default:"10"`
	RatePeriod time.Duration `envconfig:"SEARCH_RATE_PERIOD" default:"1m"`
	// Timeout bounds a single provider request.
	Timeout time.Duration `envconfig:"SEARCH_TIMEOUT" default:"45s"`
}

// FetchConfig governs content extraction.
type FetchConfig struct {
	Timeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	// Concurrency bounds in-flight fetches for batch extraction.
	Concurrency int `envconfig:"FETCH_CONCURRENCY" default:"3"`
	// MaxContentChars is the truncation limit for extracted markdown.
	MaxContentChars int `envconfig:"FETCH_MAX_CONTENT_CHARS" default:"100000"`
	// RatePerSecond paces outbound fetches; 0 disables pacing.
	RatePerSecond float64 `envconfig:"FETCH_RATE_PER_SECOND" default:"4"`
}

// CloneConfig governs the repository clone cache.
type CloneConfig struct {
	Enabled bool `envconfig:"CLONE_ENABLED" default:"true"`
	// MaxSizeMB rejects repositories above this size unless forced.
	MaxSizeMB int           `envconfig:"CLONE_MAX_SIZE_MB" default:"200"`
	Timeout   time.Duration `envconfig:"CLONE_TIMEOUT" default:"2m"`
	// Dir is the clone destination; empty means a per-session temp dir.
	Dir string `envconfig:"CLONE_DIR" default:""`
	// GitHubToken is used for metadata lookups and private clones.
	GitHubToken string `envconfig:"GITHUB_TOKEN" default:""`
}

// TransportConfig governs the isolated anti-fingerprinting transport.
type TransportConfig struct {
	// Binary is the curl-impersonate executable; resolved from PATH if relative.
	Binary string `envconfig:"IMPERSONATE_BINARY" default:"curl_chrome116"`
	// SetupURL is a tarball downloaded on first use when Binary is absent.
	SetupURL string `envconfig:"IMPERSONATE_SETUP_URL" default:""`
	// Dir holds the provisioned runtime; empty means a cache subdirectory.
	Dir string `envconfig:"IMPERSONATE_DIR" default:""`
	// SetupTimeout bounds one-time provisioning, separate from request timeout.
	SetupTimeout time.Duration `envconfig:"IMPERSONATE_SETUP_TIMEOUT" default:"2m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Search: SearchConfig{
			APIBaseURL:     "https://api.perplexity.ai",
			SessionBaseURL: "https://www.perplexity.ai",
			CookieAuth:     true,
			RateLimit:      10,
			RatePeriod:     time.Minute,
			Timeout:        45 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:         30 * time.Second,
			Concurrency:     3,
			MaxContentChars: 100000,
			RatePerSecond:   4,
		},
		Clone: CloneConfig{
			Enabled:   true,
			MaxSizeMB: 200,
			Timeout:   2 * time.Minute,
		},
		Transport: TransportConfig{
			Binary:       "curl_chrome116",
			SetupTimeout: 2 * time.Minute,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}
