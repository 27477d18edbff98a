package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigMissing reports required configuration absent at startup.
// It is always fatal: no cycle runs without it.
var ErrConfigMissing = errors.New("required configuration missing")

// Config is the complete threatintel configuration
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	OTX     OTXConfig     `yaml:"otx" mapstructure:"otx"`
	VT      VTConfig      `yaml:"vt" mapstructure:"vt"`
	HTTP    HTTPConfig    `yaml:"http" mapstructure:"http"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// StoreConfig selects and locates the backing document store
type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"` // mongo, sqlite, postgres, memory
	URI        string `yaml:"uri" mapstructure:"uri"`       // Mongo connection string or SQL DSN
	Database   string `yaml:"database" mapstructure:"database"`
	Collection string `yaml:"collection" mapstructure:"collection"` // Mongo collection or SQL table
}

// OTXConfig configures the AlienVault OTX feed
type OTXConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	URL    string `yaml:"url" mapstructure:"url"`
}

// VTConfig configures optional VirusTotal enrichment
type VTConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerMinute float64       `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	CacheTTL          time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// HTTPConfig configures the upstream HTTP client
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	HTTPProxy    string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy      string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// RetryConfig configures the exponential backoff policy for upstream and store calls
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Jitter      bool          `yaml:"jitter" mapstructure:"jitter"`
}

// FetchConfig configures the scheduler
type FetchConfig struct {
	LoopDelay time.Duration `yaml:"loop_delay" mapstructure:"loop_delay"`
}

// CacheConfig configures the VirusTotal verdict cache
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir,omitempty" mapstructure:"dir"` // Empty keeps the cache in memory only
}

// ServerConfig configures the read-side web UI
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LoggingConfig configures slog output
type LoggingConfig struct {
	Format string `yaml:"format" mapstructure:"format"` // text or json
	Level  string `yaml:"level" mapstructure:"level"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     "mongo",
			URI:        "mongodb://localhost:27017",
			Database:   "threatintel",
			Collection: "threats",
		},
		OTX: OTXConfig{
			URL: "https://otx.alienvault.com/api/v1/pulses/subscribed",
		},
		VT: VTConfig{
			Enabled:           false,
			BaseURL:           "https://www.virustotal.com/api/v3",
			RequestsPerMinute: 4, // Public API quota
			CacheTTL:          time.Hour,
		},
		HTTP: HTTPConfig{
			Timeout:      10 * time.Second,
			UserAgent:    "threatintel/0.1 (+https://github.com/ppiankov/threatintel)",
			MaxBodyBytes: 10 << 20,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      true,
		},
		Fetch: FetchConfig{
			LoopDelay: 60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Addr: ":5020",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// ValidateFetcher checks the settings the fetcher cannot start without
func (c *Config) ValidateFetcher() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.OTX.APIKey == "" {
		return fmt.Errorf("%w: OTX_API_KEY", ErrConfigMissing)
	}
	if c.OTX.URL == "" {
		return fmt.Errorf("%w: ALIENVAULT_URL", ErrConfigMissing)
	}
	if c.VT.Enabled && c.VT.APIKey == "" {
		return fmt.Errorf("%w: VT_API_KEY (VirusTotal enrichment enabled)", ErrConfigMissing)
	}
	return nil
}

// ValidateStore checks that a store target is configured
func (c *Config) ValidateStore() error {
	if c.Store.Driver == "" {
		return fmt.Errorf("%w: store.driver", ErrConfigMissing)
	}
	if c.Store.Driver == "memory" {
		return nil
	}
	if c.Store.URI == "" {
		return fmt.Errorf("%w: MONGODB_URI", ErrConfigMissing)
	}
	if c.Store.Collection == "" {
		return fmt.Errorf("%w: MONGODB_COLLECTION", ErrConfigMissing)
	}
	if c.Store.Driver == "mongo" && c.Store.Database == "" {
		return fmt.Errorf("%w: MONGODB_DB", ErrConfigMissing)
	}
	return nil
}
