// Package config loads and validates the service configuration document.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	Targets    TargetsConfig    `yaml:"targets"`
	Sources    SourcesConfig    `yaml:"sources"`
	Publishing PublishingConfig `yaml:"publishing"`
	Probing    ProbingConfig    `yaml:"probing"`
	Intervals  IntervalsConfig  `yaml:"intervals"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
}

// ProviderConfig identifies this scoring provider on the network.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	PrivateKey string `yaml:"private_key"`
}

// TargetsConfig lists the relays this provider evaluates.
type TargetsConfig struct {
	Relays               []string `yaml:"relays"`
	DiscoverFromMonitors bool     `yaml:"discover_from_monitors"`
}

// SourcesConfig lists the endpoints observed for monitor and report events,
// and the endpoints queried for third-party web-of-trust assertions.
type SourcesConfig struct {
	MonitorRelays []string `yaml:"monitor_relays"`
	ReportRelays  []string `yaml:"report_relays"`
	WotRelays     []string `yaml:"wot_relays"`
}

type PublishingConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	Relays                  []string `yaml:"relays"`
	MaterialChangeThreshold int      `yaml:"material_change_threshold"`
	MinObservations         int      `yaml:"min_observations"`
	MinDelayMs              int      `yaml:"min_delay_ms"`
}

type ProbingConfig struct {
	Concurrency         int `yaml:"concurrency"`
	FlappingWindowHours int `yaml:"flapping_window_hours"`
}

// IntervalsConfig holds the daemon's periodic timings, in seconds unless noted.
type IntervalsConfig struct {
	Cycle         int `yaml:"cycle"`
	RetentionDays int `yaml:"retention_days"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config populated with every documented default.
func Defaults() *Config {
	return &Config{
		Provider: ProviderConfig{Name: "trustedrelays"},
		Sources: SourcesConfig{
			MonitorRelays: []string{"wss://relay.nostr.watch", "wss://history.nostr.watch"},
			ReportRelays:  []string{"wss://relay.damus.io", "wss://nos.lol"},
			WotRelays:     []string{"wss://relay.nostr.band"},
		},
		Publishing: PublishingConfig{
			MaterialChangeThreshold: 3,
			MinObservations:         5,
			MinDelayMs:              2000,
		},
		Probing: ProbingConfig{
			Concurrency:         30,
			FlappingWindowHours: 6,
		},
		Intervals: IntervalsConfig{
			Cycle:         3600,
			RetentionDays: 90,
		},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Path: "data/trustedrelays.db"},
		API:      APIConfig{Enabled: true, Listen: ":8080"},
	}
}

// Load reads the YAML document at path on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Defaults()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	return cfg, nil
}

// MinCycleInterval is the shortest permitted evaluation cycle.
const MinCycleInterval = 300

// Validate returns every problem with the configuration as a human-readable
// message. An empty slice means the configuration is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.Publishing.Enabled && c.Provider.PrivateKey == "" {
		errs = append(errs, "provider.private_key is required when publishing.enabled is true")
	}
	if c.Publishing.Enabled && len(c.Publishing.Relays) == 0 {
		errs = append(errs, "publishing.relays must not be empty when publishing.enabled is true")
	}
	if c.Intervals.Cycle < MinCycleInterval {
		errs = append(errs, fmt.Sprintf("intervals.cycle must be at least %d seconds", MinCycleInterval))
	}
	if len(c.Targets.Relays) == 0 && !c.Targets.DiscoverFromMonitors {
		errs = append(errs, "targets.relays is empty and targets.discover_from_monitors is false: nothing to evaluate")
	}
	for _, r := range c.Targets.Relays {
		if _, err := relayurl.Normalize(r); err != nil {
			errs = append(errs, fmt.Sprintf("targets.relays: %q is not a valid relay url", r))
		}
	}
	if c.Probing.Concurrency <= 0 {
		errs = append(errs, "probing.concurrency must be positive")
	}
	if c.Probing.FlappingWindowHours <= 0 {
		errs = append(errs, "probing.flapping_window_hours must be positive")
	}
	if c.Intervals.RetentionDays <= 0 {
		errs = append(errs, "intervals.retention_days must be positive")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path must be set")
	}
	if c.Publishing.MinDelayMs < 0 {
		errs = append(errs, "publishing.min_delay_ms must not be negative")
	}
	return errs
}

// CycleInterval returns the evaluation cadence as a Duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Intervals.Cycle) * time.Second
}

// FlappingWindow returns the flapping detection window as a Duration.
func (c *Config) FlappingWindow() time.Duration {
	return time.Duration(c.Probing.FlappingWindowHours) * time.Hour
}
