package wooscrape

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	RecipesDir      string        `yaml:"recipes_dir"`
	StorageDir      string        `yaml:"storage_dir"`
	LedgerDB        string        `yaml:"ledger_db"`
	MetricsDB       string        `yaml:"metrics_db"`
	EntryTTL        time.Duration `yaml:"entry_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// LedgerRetention is how long job events and metrics are kept.
	LedgerRetention time.Duration `yaml:"ledger_retention"`
	// RecipePoll is how often the recipes directory is checked for edits.
	// Negative disables the check.
	RecipePoll time.Duration `yaml:"recipe_poll"`
	HTTPAddr        string        `yaml:"http_addr"`
	Fetch           FetchConfig   `yaml:"fetch"`
	Browser         BrowserConfig `yaml:"browser"`
	// AllowPrivateNetworks turns off the outbound address check. Local
	// development and tests only.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// FetchConfig tunes the plain HTTP fetcher.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	MaxBytes  int64         `yaml:"max_bytes"`
}

// BrowserConfig tunes the headless browser used by recipes with
// behavior.useHeadlessBrowser.
type BrowserConfig struct {
	// Disabled turns browser rendering off; such recipes fall back to HTTP.
	Disabled   bool          `yaml:"disabled"`
	RemoteURL  string        `yaml:"remote_url"`
	Headful    bool          `yaml:"headful"`
	NavTimeout time.Duration `yaml:"nav_timeout"`
}

func (c *Config) defaults() {
	if c.RecipesDir == "" {
		c.RecipesDir = "recipes"
	}
	if c.StorageDir == "" {
		c.StorageDir = "storage"
	}
	if c.LedgerDB == "" {
		c.LedgerDB = "wooscrape.db"
	}
	if c.MetricsDB == "" {
		c.MetricsDB = "wooscrape-metrics.db"
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = 30 * 24 * time.Hour
	}
	if c.RecipePoll == 0 {
		c.RecipePoll = 5 * time.Second
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 << 20
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 45 * time.Second
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("wooscrape: parse config %s: %w", path, err)
	}
	return cfg, nil
}
