package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/metrics"
	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr"
)

// monitorWindow is how far back the monitor subscription reaches on open.
const monitorWindow = 90 * 24 * time.Hour

// MonitorIngestor streams NIP-66 monitor metrics into the store.
type MonitorIngestor struct {
	store *store.Store
	sub   *Subscriber
	log   *slog.Logger
}

// NewMonitorIngestor builds the ingestor over the configured source endpoints.
func NewMonitorIngestor(st *store.Store, endpoints []string) *MonitorIngestor {
	m := &MonitorIngestor{
		store: st,
		log:   slog.With("component", "monitor-ingestor"),
	}
	since := nostr.Timestamp(time.Now().Add(-monitorWindow).Unix())
	m.sub = NewSubscriber("monitor-ingestor", endpoints, nostr.Filter{
		Kinds: []int{KindMonitorMetric},
		Since: &since,
	}, m.handle)
	return m
}

// Start begins streaming. Stop with Stop.
func (m *MonitorIngestor) Start(ctx context.Context) { m.sub.Start(ctx) }

// Stop tears down all subscriptions.
func (m *MonitorIngestor) Stop() { m.sub.Stop() }

func (m *MonitorIngestor) handle(ctx context.Context, ev *nostr.Event) {
	metric, ok := ParseMonitorEvent(ev)
	if !ok {
		return
	}

	seen, err := m.store.HasMonitorMetric(ctx, metric.EventID)
	if err != nil {
		m.log.Warn("metric lookup failed", "error", err)
		return
	}
	if seen {
		return
	}
	if err := m.store.SaveMonitorMetric(ctx, metric); err != nil {
		m.log.Warn("metric write failed", "error", err)
		return
	}
	metrics.EventsIngested.WithLabelValues("monitor").Inc()
	if err := m.store.TouchTrustedMonitor(ctx, metric.Monitor, int64(ev.CreatedAt)); err != nil {
		m.log.Warn("monitor bookkeeping failed", "error", err)
	}
}

// ParseMonitorEvent projects a kind-30166 event into a MonitorMetric.
// Returns false for events without a valid target relay.
func ParseMonitorEvent(ev *nostr.Event) (store.MonitorMetric, bool) {
	var metric store.MonitorMetric
	if ev.Kind != KindMonitorMetric {
		return metric, false
	}

	dTag := ev.Tags.GetFirst([]string{"d"})
	if dTag == nil {
		return metric, false
	}
	url, err := relayurl.Normalize(dTag.Value())
	if err != nil {
		return metric, false
	}

	metric = store.MonitorMetric{
		EventID:   ev.ID,
		URL:       url,
		Monitor:   ev.PubKey,
		Timestamp: int64(ev.CreatedAt),
	}

	var nips []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "rtt-open":
			metric.RTTOpenMs = parseMs(tag[1])
		case "rtt-read":
			metric.RTTReadMs = parseMs(tag[1])
		case "rtt-write":
			metric.RTTWriteMs = parseMs(tag[1])
		case "n":
			metric.Network = tag[1]
		case "N":
			nips = append(nips, tag[1])
		case "g":
			metric.Geohash = tag[1]
		}
	}
	metric.Capabilities = strings.Join(nips, ",")
	return metric, true
}

func parseMs(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
