// Package config holds the tunable settings for a LinkUp session:
// presence cadence, registry staleness, transport endpoints, and the
// bounded timeout applied to every remote call.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full set of session tunables. The staleness window is
// applied uniformly: publish-side registry pruning, fetch-side
// filtering, and the "online" indicator all use the same value.
type Config struct {
	// PulseInterval is how often the presence loop republishes the
	// local profile into the registry.
	PulseInterval time.Duration `validate:"gt=0"`
	// StalenessWindow is the maximum age of a registry entry's
	// lastSeen for the entry to be considered active.
	StalenessWindow time.Duration `validate:"gt=0"`
	// DiscoveryRefresh is the cadence of the background candidate
	// reconciliation loop.
	DiscoveryRefresh time.Duration `validate:"gt=0"`
	// RequestTimeout bounds every directory fetch/publish and every
	// transport dial.
	RequestTimeout time.Duration `validate:"gt=0"`
	// FeedCap bounds the shared feed document; oldest entries are
	// evicted on overflow.
	FeedCap int `validate:"gte=1,lte=500"`
	// AddressPrefix derives a peer's transport address from its
	// account id: address = AddressPrefix + id.
	AddressPrefix string `validate:"required"`

	RegistryURL  string `validate:"omitempty,url"`
	FeedURL      string `validate:"omitempty,url"`
	RelayURL     string `validate:"omitempty,url"`
	AssistantURL string `validate:"omitempty,url"`
}

// fileConfig is the YAML shape: durations are written as strings
// ("15s", "5m") and parsed on load.
type fileConfig struct {
	PulseInterval    string `yaml:"pulse_interval"`
	StalenessWindow  string `yaml:"staleness_window"`
	DiscoveryRefresh string `yaml:"discovery_refresh"`
	RequestTimeout   string `yaml:"request_timeout"`
	FeedCap          int    `yaml:"feed_cap"`
	AddressPrefix    string `yaml:"address_prefix"`
	RegistryURL      string `yaml:"registry_url"`
	FeedURL          string `yaml:"feed_url"`
	RelayURL         string `yaml:"relay_url"`
	AssistantURL     string `yaml:"assistant_url"`
}

// Default returns the standard configuration. The pulse/staleness pair
// is fixed at 15s/300s so a peer survives many missed pulses before
// dropping out of discovery.
func Default() *Config {
	return &Config{
		PulseInterval:    15 * time.Second,
		StalenessWindow:  5 * time.Minute,
		DiscoveryRefresh: 30 * time.Second,
		RequestTimeout:   10 * time.Second,
		FeedCap:          50,
		AddressPrefix:    "linkup-p2p-",
	}
}

// Load reads a YAML file over the defaults. Missing fields keep their
// default values; the merged result is validated before being returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if err := cfg.apply(&fc); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(fc *fileConfig) error {
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.PulseInterval, &c.PulseInterval},
		{fc.StalenessWindow, &c.StalenessWindow},
		{fc.DiscoveryRefresh, &c.DiscoveryRefresh},
		{fc.RequestTimeout, &c.RequestTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	if fc.FeedCap != 0 {
		c.FeedCap = fc.FeedCap
	}
	if fc.AddressPrefix != "" {
		c.AddressPrefix = fc.AddressPrefix
	}
	if fc.RegistryURL != "" {
		c.RegistryURL = fc.RegistryURL
	}
	if fc.FeedURL != "" {
		c.FeedURL = fc.FeedURL
	}
	if fc.RelayURL != "" {
		c.RelayURL = fc.RelayURL
	}
	if fc.AssistantURL != "" {
		c.AssistantURL = fc.AssistantURL
	}
	return nil
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
