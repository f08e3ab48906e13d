// Package service wires the daemon together: store, prober, ingestors,
// resolvers, scorer, publisher, and the read API, driven by a single cycle
// scheduler.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/api"
	"github.com/Letdown2491/trustedrelays/internal/assertion"
	"github.com/Letdown2491/trustedrelays/internal/config"
	"github.com/Letdown2491/trustedrelays/internal/geo"
	"github.com/Letdown2491/trustedrelays/internal/ingest"
	"github.com/Letdown2491/trustedrelays/internal/metrics"
	"github.com/Letdown2491/trustedrelays/internal/operator"
	"github.com/Letdown2491/trustedrelays/internal/prober"
	"github.com/Letdown2491/trustedrelays/internal/publish"
	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/scoring"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/Letdown2491/trustedrelays/internal/wot"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// evalWindow is how far back observations feed the scorer.
const evalWindow = 30 * 24 * time.Hour

// batchSettle separates probe fan-out batches.
const batchSettle = 200 * time.Millisecond

// wotRefreshBatch is the parallel batch size for stale trust refreshes.
const wotRefreshBatch = 20

// Housekeeping cadences.
const (
	retentionEvery  = 24 * time.Hour
	checkpointEvery = 15 * time.Minute
)

// shutdownGrace is the watchdog deadline for a clean stop.
const shutdownGrace = 30 * time.Second

// Service is the relay evaluation daemon.
type Service struct {
	cfg    *config.Config
	store  *store.Store
	prober *prober.Prober

	operators *operator.Resolver
	geo       *geo.Resolver
	wot       *wot.Client

	monitors *ingest.MonitorIngestor
	reports  *ingest.ReportIngestor

	pool      *publish.Pool
	scheduler *publish.Scheduler
	publisher *publish.Publisher

	httpServer *http.Server
	log        *slog.Logger
	now        func() int64

	running      atomic.Bool
	cyclesRun    atomic.Int64
	lastCycleAt  atomic.Int64
	lastCleanup  atomic.Int64
	lastCheckpnt atomic.Int64
}

// New opens the store and builds every component from cfg. The configuration
// must already be validated.
func New(cfg *config.Config) (*Service, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		store:  st,
		prober: prober.New(),
		log:    slog.With("component", "service"),
		now:    func() int64 { return time.Now().Unix() },
	}

	s.wot = wot.New(st, cfg.Sources.WotRelays, nil)
	s.operators = operator.New(s.wot)
	s.geo = geo.New(st)

	s.monitors = ingest.NewMonitorIngestor(st, cfg.Sources.MonitorRelays)
	s.reports = ingest.NewReportIngestor(st, s.wot, cfg.Sources.ReportRelays, ingest.DefaultReportConfig())

	if cfg.Publishing.Enabled {
		s.pool = publish.NewPool(cfg.Publishing.Relays)
		s.scheduler = publish.NewScheduler(s.pool, time.Duration(cfg.Publishing.MinDelayMs)*time.Millisecond)
		s.publisher = publish.NewPublisher(st, s.scheduler, publish.PublisherConfig{
			PrivateKey:              cfg.Provider.PrivateKey,
			MaterialChangeThreshold: cfg.Publishing.MaterialChangeThreshold,
			MinObservations:         cfg.Publishing.MinObservations,
		})
	}

	if cfg.API.Enabled {
		s.httpServer = &http.Server{
			Addr:         cfg.API.Listen,
			Handler:      api.NewServer(st, s.Health).Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}
	return s, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// under the watchdog deadline.
func (s *Service) Run(ctx context.Context) error {
	s.running.Store(true)
	s.log.Info("starting", "provider", s.cfg.Provider.Name, "publishing", s.cfg.Publishing.Enabled)

	if s.httpServer != nil {
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("api server stopped", "error", err)
			}
		}()
	}

	if s.cfg.Targets.DiscoverFromMonitors {
		s.discoverMonitors(ctx)
	}

	s.monitors.Start(ctx)
	s.reports.Start(ctx)
	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}

	s.runCycle(ctx)

	ticker := time.NewTicker(s.cfg.CycleInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// shutdown stops every component, bounded by the watchdog.
func (s *Service) shutdown() error {
	s.running.Store(false)
	s.log.Info("shutting down")

	done := make(chan error, 1)
	go func() {
		s.monitors.Stop()
		s.reports.Stop()
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		if s.pool != nil {
			s.pool.Close()
		}
		if s.httpServer != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.httpServer.Shutdown(sctx)
			cancel()
		}
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.store.Checkpoint(cctx)
		cancel()
		done <- s.store.Close()
	}()

	select {
	case err := <-done:
		s.log.Info("stopped")
		return err
	case <-time.After(shutdownGrace):
		s.log.Error("shutdown watchdog fired")
		os.Exit(1)
		return nil
	}
}

// Health is the /healthz snapshot.
func (s *Service) Health() any {
	out := map[string]any{
		"status":        "ok",
		"running":       s.running.Load(),
		"cycles":        s.cyclesRun.Load(),
		"last_cycle_at": s.lastCycleAt.Load(),
	}
	if s.publisher != nil {
		published, skipped := s.publisher.Counters()
		out["published"] = published
		out["skipped"] = skipped
		out["publish_queue"] = s.scheduler.QueueDepth()
	}
	return out
}

// discoverMonitors does a one-shot sweep of the source endpoints for monitor
// announcements and registers each announcing pubkey. Endpoints whose
// hostname contains "nostr.watch" are swept first: their feeds are the
// broadest.
func (s *Service) discoverMonitors(ctx context.Context) {
	endpoints := append([]string(nil), s.cfg.Sources.MonitorRelays...)
	sort.Slice(endpoints, func(i, j int) bool {
		wi := strings.Contains(relayurl.Hostname(endpoints[i]), "nostr.watch")
		wj := strings.Contains(relayurl.Hostname(endpoints[j]), "nostr.watch")
		if wi != wj {
			return wi
		}
		return endpoints[i] < endpoints[j]
	})

	found := 0
	for _, endpoint := range endpoints {
		fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		events, err := ingest.FetchOnce(fctx, endpoint, nostr.Filter{
			Kinds: []int{ingest.KindMonitorAnnouncement},
			Limit: 200,
		})
		cancel()
		if err != nil {
			s.log.Debug("monitor discovery failed", "endpoint", endpoint, "error", err)
			continue
		}
		for _, ev := range events {
			if err := s.store.TouchTrustedMonitor(ctx, ev.PubKey, int64(ev.CreatedAt)); err == nil {
				found++
			}
		}
	}
	if found > 0 {
		s.log.Info("monitors discovered", "announcements", found)
	}
}

// relaySet resolves the evaluation set: configured targets plus, when
// discovery is on, every relay the monitors have reported.
func (s *Service) relaySet(ctx context.Context, since int64) []string {
	seen := map[string]bool{}
	var out []string
	add := func(raw string) {
		url, err := relayurl.Normalize(raw)
		if err != nil || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}

	for _, raw := range s.cfg.Targets.Relays {
		add(raw)
	}
	if s.cfg.Targets.DiscoverFromMonitors {
		aggregates, err := s.store.NIP66AggregatesSince(ctx, since)
		if err != nil {
			s.log.Warn("monitor discovery read failed", "error", err)
		} else {
			urls := make([]string, 0, len(aggregates))
			for url := range aggregates {
				urls = append(urls, url)
			}
			// nostr.watch sourced hosts first: their feeds are the broadest.
			sort.Slice(urls, func(i, j int) bool {
				wi := strings.Contains(relayurl.Hostname(urls[i]), "nostr.watch")
				wj := strings.Contains(relayurl.Hostname(urls[j]), "nostr.watch")
				if wi != wj {
					return wi
				}
				return urls[i] < urls[j]
			})
			for _, url := range urls {
				add(url)
			}
		}
	}
	return out
}

// runCycle executes one evaluation pass: probe fan-out with bounded
// concurrency, stale trust refresh, score and publish, then housekeeping.
func (s *Service) runCycle(ctx context.Context) {
	start := time.Now()
	now := s.now()
	since := now - int64(evalWindow.Seconds())

	relays := s.relaySet(ctx, since)
	metrics.TrackedRelays.Set(float64(len(relays)))
	if len(relays) == 0 {
		s.log.Warn("nothing to evaluate")
		return
	}
	s.log.Info("cycle started", "relays", len(relays))

	if s.pool != nil {
		// Publish endpoints exhausted last cycle get a fresh reconnect budget.
		s.pool.ResetBackoff()
	}

	s.probeAll(ctx, relays, now)

	if refreshed, err := s.wot.RefreshStale(ctx, wotRefreshBatch); err == nil && refreshed > 0 {
		s.log.Info("trust refreshed", "pubkeys", refreshed)
	}

	s.scoreAndPublish(ctx, relays, now, since)
	s.housekeeping(ctx, now)

	s.cyclesRun.Add(1)
	s.lastCycleAt.Store(now)
	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	s.log.Info("cycle finished", "elapsed", time.Since(start).Round(time.Millisecond))
}

// probeAll fans probes out in batches of the configured concurrency, with a
// settle delay between batches. Each task also performs the best-effort
// operator and jurisdiction resolves.
func (s *Service) probeAll(ctx context.Context, relays []string, now int64) {
	concurrency := s.cfg.Probing.Concurrency
	for batchStart := 0; batchStart < len(relays); batchStart += concurrency {
		if ctx.Err() != nil {
			return
		}
		end := batchStart + concurrency
		if end > len(relays) {
			end = len(relays)
		}

		var wg sync.WaitGroup
		for _, url := range relays[batchStart:end] {
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				s.evaluateRelay(ctx, url, now)
			}(url)
		}
		wg.Wait()

		if end < len(relays) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(batchSettle):
			}
		}
	}
}

// evaluateRelay probes one relay and persists the observation plus the
// operator and jurisdiction resolves derived from it.
func (s *Service) evaluateRelay(ctx context.Context, url string, now int64) {
	obs := s.prober.Probe(ctx, url, now)

	outcome := "unreachable"
	if obs.Reachable {
		outcome = "reachable"
	} else if obs.Error != "" {
		outcome = obs.Error
	}
	metrics.ProbesTotal.WithLabelValues(outcome).Inc()

	if err := s.store.SaveProbe(ctx, obs); err != nil {
		metrics.StoreErrors.WithLabelValues("probe").Inc()
		s.log.Warn("probe write failed", "error", err)
		return
	}

	var doc *nip11.RelayInformationDocument
	if obs.Metadata != "" {
		var parsed nip11.RelayInformationDocument
		if err := json.Unmarshal([]byte(obs.Metadata), &parsed); err == nil {
			doc = &parsed
		}
	}

	fetchTrust := len(s.cfg.Sources.WotRelays) > 0
	res := s.operators.Resolve(ctx, url, doc, fetchTrust, now)
	if res.Resolution.Operator != "" || doc != nil {
		if err := s.store.SaveOperatorResolution(ctx, res.Resolution); err != nil {
			metrics.StoreErrors.WithLabelValues("operator").Inc()
		}
	}

	if _, err := s.geo.ResolveCached(ctx, url); err != nil {
		metrics.StoreErrors.WithLabelValues("jurisdiction").Inc()
	}
}

// scoreAndPublish scores every relay from the bulk-read maps, appends
// snapshots, and (when publishing) runs the material-change workflow
// serialized per relay.
func (s *Service) scoreAndPublish(ctx context.Context, relays []string, now, since int64) {
	probes, err := s.store.AllProbesSince(ctx, since)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bulk-read").Inc()
		s.log.Warn("score read failed", "error", err)
		return
	}
	// The remaining inputs enrich the bundle; a failed read is logged and
	// scoring proceeds without that input.
	aggregates, err := s.store.NIP66AggregatesSince(ctx, since)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bulk-read").Inc()
		s.log.Warn("monitor aggregate read failed", "error", err)
	}
	jurisdictions, err := s.store.AllJurisdictions(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bulk-read").Inc()
		s.log.Warn("jurisdiction read failed", "error", err)
	}
	operators, err := s.store.AllOperatorResolutions(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bulk-read").Inc()
		s.log.Warn("operator read failed", "error", err)
	}
	trust, err := s.store.AllOperatorTrust(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bulk-read").Inc()
		s.log.Warn("operator trust read failed", "error", err)
	}
	reports, err := s.store.ReportStatsSince(ctx, since)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bulk-read").Inc()
		s.log.Warn("report read failed", "error", err)
	}

	opts := scoring.Options{FlappingWindowSecs: int64(s.cfg.FlappingWindow().Seconds())}

	for _, url := range relays {
		if ctx.Err() != nil {
			return
		}

		bundle := scoring.Bundle{URL: url, Probes: probes[url]}
		if agg, ok := aggregates[url]; ok {
			bundle.NIP66 = &agg
		}
		if j, ok := jurisdictions[url]; ok {
			bundle.Jurisdiction = &j
		}
		if op, ok := operators[url]; ok {
			bundle.Operator = &op
			if tr, ok := trust[op.Operator]; ok {
				bundle.OperatorTrust = &tr
			}
		}
		if rep, ok := reports[url]; ok {
			bundle.Reports = &rep
		}
		if n := len(bundle.Probes); n > 0 {
			if meta := bundle.Probes[n-1].Metadata; meta != "" {
				var doc nip11.RelayInformationDocument
				if err := json.Unmarshal([]byte(meta), &doc); err == nil {
					bundle.Metadata = scoring.MetadataFromNIP11(&doc)
				}
			}
		}

		scores := scoring.Score(bundle, now, opts)
		snap := store.ScoreSnapshot{
			URL:           url,
			Timestamp:     now,
			Overall:       scores.Overall,
			Reliability:   scores.Reliability,
			Quality:       scores.Quality,
			Accessibility: scores.Accessibility,
			OperatorTrust: scores.OperatorTrust,
			Confidence:    scores.Confidence,
			Observations:  scores.Observations,
		}
		if err := s.store.SaveScoreSnapshot(ctx, snap); err != nil {
			metrics.StoreErrors.WithLabelValues("score").Inc()
			continue
		}

		if s.publisher == nil {
			continue
		}
		published, err := s.publisher.PublishScore(ctx, assertion.Input{
			URL:          url,
			Scores:       scores,
			Operator:     bundle.Operator,
			Jurisdiction: bundle.Jurisdiction,
		}, scores.Overall)
		switch {
		case err != nil:
			metrics.PublishesTotal.WithLabelValues("failed").Inc()
		case published:
			metrics.PublishesTotal.WithLabelValues("published").Inc()
		default:
			metrics.PublishesTotal.WithLabelValues("skipped").Inc()
		}
	}
}

// housekeeping runs retention cleanup at most daily and a WAL checkpoint at
// most every fifteen minutes.
func (s *Service) housekeeping(ctx context.Context, now int64) {
	if now-s.lastCleanup.Load() >= int64(retentionEvery.Seconds()) {
		counts, err := s.store.Cleanup(ctx, now, s.cfg.Intervals.RetentionDays)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("cleanup").Inc()
			s.log.Warn("retention cleanup failed", "error", err)
		} else {
			s.lastCleanup.Store(now)
			s.log.Info("retention cleanup", "probes", counts.Probes,
				"metrics", counts.MonitorMetrics, "reports", counts.Reports, "scores", counts.ScoreSnapshots)
		}
	}
	if now-s.lastCheckpnt.Load() >= int64(checkpointEvery.Seconds()) {
		if err := s.store.Checkpoint(ctx); err != nil {
			metrics.StoreErrors.WithLabelValues("checkpoint").Inc()
		} else {
			s.lastCheckpnt.Store(now)
		}
	}
}
