package ingest

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/metrics"
	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr"
)

// reportNamespace is the NIP-32 label namespace this service consumes.
const reportNamespace = "relay-report"

// reportWindow is how far back the report subscription reaches on open.
const reportWindow = 90 * 24 * time.Hour

// Defaults for report acceptance.
const (
	DefaultMaxReportsPerReporterPerRelayPerDay = 5
	DefaultWeightExponent                      = 2.0
	DefaultTrustFloor                          = 10.0
	DefaultUnknownTrustWeight                  = 0.5
)

// TrustLookup resolves a reporter pubkey to a 0-100 trust score. The second
// return is false when the reporter is unknown to the web of trust.
type TrustLookup interface {
	TrustScore(ctx context.Context, pubkey string) (float64, bool)
}

// ReportIngestorConfig tunes report acceptance.
type ReportIngestorConfig struct {
	MaxPerReporterPerRelayPerDay int
	WeightExponent               float64
	TrustFloor                   float64
}

// DefaultReportConfig returns the documented defaults.
func DefaultReportConfig() ReportIngestorConfig {
	return ReportIngestorConfig{
		MaxPerReporterPerRelayPerDay: DefaultMaxReportsPerReporterPerRelayPerDay,
		WeightExponent:               DefaultWeightExponent,
		TrustFloor:                   DefaultTrustFloor,
	}
}

// ReportIngestor streams relay-report label events into the store, weighting
// each by the reporter's web-of-trust standing and rate-limiting per
// (reporter, relay, day).
type ReportIngestor struct {
	store *store.Store
	trust TrustLookup // may be nil: all reporters get the unknown weight
	cfg   ReportIngestorConfig
	sub   *Subscriber
	log   *slog.Logger
	now   func() int64
}

// NewReportIngestor builds the ingestor over the configured source endpoints.
func NewReportIngestor(st *store.Store, trust TrustLookup, endpoints []string, cfg ReportIngestorConfig) *ReportIngestor {
	r := &ReportIngestor{
		store: st,
		trust: trust,
		cfg:   cfg,
		log:   slog.With("component", "report-ingestor"),
		now:   func() int64 { return time.Now().Unix() },
	}
	since := nostr.Timestamp(time.Now().Add(-reportWindow).Unix())
	r.sub = NewSubscriber("report-ingestor", endpoints, nostr.Filter{
		Kinds: []int{KindReport},
		Tags:  nostr.TagMap{"L": []string{reportNamespace}},
		Since: &since,
	}, r.handle)
	return r
}

// Start begins streaming. Stop with Stop.
func (r *ReportIngestor) Start(ctx context.Context) { r.sub.Start(ctx) }

// Stop tears down all subscriptions.
func (r *ReportIngestor) Stop() { r.sub.Stop() }

func (r *ReportIngestor) handle(ctx context.Context, ev *nostr.Event) {
	report, ok := ParseReportEvent(ev)
	if !ok {
		return
	}

	seen, err := r.store.HasReport(ctx, report.EventID)
	if err != nil {
		r.log.Warn("report lookup failed", "error", err)
		return
	}
	if seen {
		return
	}

	dayAgo := r.now() - 86400
	count, err := r.store.CountReportsByReporter(ctx, report.Reporter, report.URL, dayAgo)
	if err != nil {
		r.log.Warn("reporter count failed", "error", err)
		return
	}
	if count >= r.cfg.MaxPerReporterPerRelayPerDay {
		// Over the per-day cap: dropped silently by design of the cap.
		return
	}

	report.Weight = DefaultUnknownTrustWeight
	if r.trust != nil {
		if trust, known := r.trust.TrustScore(ctx, report.Reporter); known {
			if trust < r.cfg.TrustFloor {
				return
			}
			report.Weight = ReportWeight(trust, r.cfg.WeightExponent)
		}
	}

	if _, err := r.store.SaveReport(ctx, report); err != nil {
		r.log.Warn("report write failed", "error", err)
		return
	}
	metrics.EventsIngested.WithLabelValues("report").Inc()
}

// ReportWeight maps a reporter trust score in [0,100] to a report weight in
// [0,1]: (trust/100)^exponent, clamped at both ends.
func ReportWeight(trust, exponent float64) float64 {
	clamped := math.Max(0, math.Min(100, trust))
	return math.Pow(clamped/100, exponent)
}

var validReportTypes = map[string]store.ReportType{
	"spam":       store.ReportSpam,
	"censorship": store.ReportCensorship,
	"unreliable": store.ReportUnreliable,
	"malicious":  store.ReportMalicious,
}

// ParseReportEvent projects a kind-1985 label event into a Report. The event
// must carry ["l", <type>, "relay-report"] with a known type and a valid
// ["r", <relay-url>] target.
func ParseReportEvent(ev *nostr.Event) (store.Report, bool) {
	var report store.Report
	if ev.Kind != KindReport {
		return report, false
	}

	var reportType store.ReportType
	found := false
	for _, tag := range ev.Tags {
		if len(tag) >= 3 && tag[0] == "l" && tag[2] == reportNamespace {
			if rt, ok := validReportTypes[tag[1]]; ok {
				reportType = rt
				found = true
				break
			}
		}
	}
	if !found {
		return report, false
	}

	rTag := ev.Tags.GetFirst([]string{"r"})
	if rTag == nil {
		return report, false
	}
	url, err := relayurl.Normalize(rTag.Value())
	if err != nil {
		return report, false
	}

	return store.Report{
		EventID:   ev.ID,
		URL:       url,
		Reporter:  ev.PubKey,
		Type:      reportType,
		Content:   ev.Content,
		Timestamp: int64(ev.CreatedAt),
	}, true
}
