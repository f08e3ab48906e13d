package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Targets.Relays = []string{"wss://relay.damus.io"}
	return cfg
}

func TestDefaultsAreValidWithTargets(t *testing.T) {
	assert.Empty(t, validConfig().Validate())
}

func TestValidatePublishingRequiresKey(t *testing.T) {
	cfg := validConfig()
	cfg.Publishing.Enabled = true
	cfg.Publishing.Relays = []string{"wss://relay.damus.io"}

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "private_key")
}

func TestValidateMinCycle(t *testing.T) {
	cfg := validConfig()
	cfg.Intervals.Cycle = 60
	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at least 300")
}

func TestValidateNoTargetsNoDiscovery(t *testing.T) {
	cfg := Defaults()
	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "nothing to evaluate")
}

func TestValidateBadTargetURL(t *testing.T) {
	cfg := validConfig()
	cfg.Targets.Relays = append(cfg.Targets.Relays, "ftp://nope")
	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "ftp://nope")
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
provider:
  name: myprovider
targets:
  relays:
    - wss://relay.damus.io
intervals:
  cycle: 900
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "myprovider", cfg.Provider.Name)
	assert.Equal(t, 900, cfg.Intervals.Cycle)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Probing.Concurrency)
	assert.Equal(t, 3, cfg.Publishing.MaterialChangeThreshold)
	assert.Empty(t, cfg.Validate())
}
