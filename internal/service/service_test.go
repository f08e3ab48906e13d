package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/config"
	"github.com/Letdown2491/trustedrelays/internal/metrics"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Database.Path = filepath.Join(t.TempDir(), "service.db")
	cfg.Targets.Relays = []string{"wss://relay.damus.io", "wss://nos.lol"}
	cfg.API.Enabled = false
	require.Empty(t, cfg.Validate())
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.store.Close() })
	return s
}

func TestNewOpensStoreAndComponents(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg)

	assert.NotNil(t, s.store)
	assert.NotNil(t, s.prober)
	assert.NotNil(t, s.monitors)
	assert.NotNil(t, s.reports)
	assert.Nil(t, s.publisher, "publishing disabled by default")
	assert.Nil(t, s.httpServer, "api disabled in test config")
}

func TestNewWiresPublisherWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Publishing.Enabled = true
	cfg.Publishing.Relays = []string{"wss://relay.damus.io"}
	cfg.Provider.PrivateKey = "5ee1c8000ab28edd64d74a7d951ac2dd559814887b1b9e1ac7c5f89e96125c12"
	require.Empty(t, cfg.Validate())

	s := newTestService(t, cfg)
	assert.NotNil(t, s.pool)
	assert.NotNil(t, s.scheduler)
	assert.NotNil(t, s.publisher)
}

func TestRelaySetNormalizesAndDeduplicates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets.Relays = []string{
		"wss://relay.damus.io",
		"WSS://Relay.Damus.IO/", // duplicate after canonicalization
		"wss://nos.lol",
		"not a url",
	}
	s := newTestService(t, cfg)

	relays := s.relaySet(context.Background(), 0)
	assert.Equal(t, []string{"wss://relay.damus.io", "wss://nos.lol"}, relays)
}

func TestRelaySetDiscoversFromMonitors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets.Relays = []string{"wss://configured.example.com"}
	cfg.Targets.DiscoverFromMonitors = true
	s := newTestService(t, cfg)

	now := time.Now().Unix()
	require.NoError(t, s.store.SaveMonitorMetric(context.Background(), store.MonitorMetric{
		EventID: "e1", URL: "wss://discovered.example.com", Monitor: "m1",
		Timestamp: now, RTTOpenMs: 120,
	}))

	relays := s.relaySet(context.Background(), now-3600)
	assert.Contains(t, relays, "wss://configured.example.com")
	assert.Contains(t, relays, "wss://discovered.example.com")
	// Configured targets come first.
	assert.Equal(t, "wss://configured.example.com", relays[0])
}

func TestHealthSnapshot(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg)
	s.running.Store(true)
	s.cyclesRun.Store(4)
	s.lastCycleAt.Store(1700000000)

	health, ok := s.Health().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, health["running"])
	assert.Equal(t, int64(4), health["cycles"])
	assert.Equal(t, int64(1700000000), health["last_cycle_at"])
	_, hasPublish := health["published"]
	assert.False(t, hasPublish, "publish counters only appear when publishing")
}

func TestScoreAndPublishCountsReadFailures(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg)
	require.NoError(t, s.store.Close())

	counter := metrics.StoreErrors.WithLabelValues("bulk-read")
	before := testutil.ToFloat64(counter)
	now := time.Now().Unix()
	s.scoreAndPublish(context.Background(), []string{"wss://relay.damus.io"}, now, now-3600)
	assert.Greater(t, testutil.ToFloat64(counter), before, "a failed bulk read must be counted")
}

func TestHousekeepingThrottles(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg)
	ctx := context.Background()
	now := time.Now().Unix()

	s.housekeeping(ctx, now)
	firstCleanup := s.lastCleanup.Load()
	firstCheckpoint := s.lastCheckpnt.Load()
	assert.Equal(t, now, firstCleanup)
	assert.Equal(t, now, firstCheckpoint)

	// A minute later neither job is due again.
	s.housekeeping(ctx, now+60)
	assert.Equal(t, firstCleanup, s.lastCleanup.Load())
	assert.Equal(t, firstCheckpoint, s.lastCheckpnt.Load())

	// Sixteen minutes later only the checkpoint reruns.
	s.housekeeping(ctx, now+16*60)
	assert.Equal(t, firstCleanup, s.lastCleanup.Load())
	assert.Equal(t, now+16*60, s.lastCheckpnt.Load())
}
