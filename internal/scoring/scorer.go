// Package scoring derives relay trust scores from the aggregate bundle the
// store produces for each relay. Every function here is pure: the current
// time is always an explicit parameter and no call can fail. Missing inputs
// yield neutral defaults, never zeros.
package scoring

import (
	"math"
	"sort"

	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
)

// Component weights. Each group sums to 1.0.
const (
	WeightReliability   = 0.40
	WeightQuality       = 0.35
	WeightAccessibility = 0.25

	reliabilityUptime      = 0.40
	reliabilityResilience  = 0.20
	reliabilityConsistency = 0.20
	reliabilityLatency     = 0.20

	qualityPolicy   = 0.60
	qualitySecurity = 0.25
	qualityOperator = 0.15

	accessBarriers     = 0.40
	accessLimits       = 0.20
	accessJurisdiction = 0.20
	accessSurveillance = 0.20
)

// Confidence thresholds over the weighted observation count.
const (
	confidenceHighAt   = 500
	confidenceMediumAt = 100
)

// Bundle is everything known about one relay at scoring time. Any field but
// URL may be missing; the scorer treats absence as insufficient data.
type Bundle struct {
	URL           string
	Probes        []store.ProbeObservation // evaluation window, oldest first
	NIP66         *store.NIP66Aggregate
	Jurisdiction  *store.JurisdictionInfo
	Operator      *store.OperatorResolution
	OperatorTrust *store.OperatorTrust
	Reports       *store.ReportStats
	Metadata      *Metadata // parsed from the most recent probe's NIP-11 document
}

// Components breaks each top-level score into its weighted parts.
type Components struct {
	Uptime       int `json:"uptime"`
	Resilience   int `json:"resilience"`
	Consistency  int `json:"consistency"`
	Latency      int `json:"latency"`
	Policy       int `json:"policy"`
	Security     int `json:"security"`
	Operator     int `json:"operator"`
	Barriers     int `json:"barriers"`
	Limits       int `json:"limits"`
	Jurisdiction int `json:"jurisdiction"`
	Surveillance int `json:"surveillance"`
}

// Scores is the scorer's full output for one relay.
type Scores struct {
	Overall       int
	Reliability   int
	Quality       int
	Accessibility int
	OperatorTrust int // operator component, 0-100
	Components    Components
	Confidence    store.TrustConfidence
	Observations  int // raw probe + monitor metric count
}

// Options tunes scoring behavior that is configurable.
type Options struct {
	FlappingWindowSecs int64 // sliding window for flapping detection
}

// DefaultOptions returns the documented defaults (6h flapping window).
func DefaultOptions() Options {
	return Options{FlappingWindowSecs: 6 * 3600}
}

// Score evaluates one relay bundle at time now (unix seconds).
func Score(b Bundle, now int64, opts Options) Scores {
	if opts.FlappingWindowSecs <= 0 {
		opts.FlappingWindowSecs = DefaultOptions().FlappingWindowSecs
	}

	var c Components

	// Reliability.
	uptimePct := uptimeScore(b, now)
	c.Uptime = clampRound(uptimePct)
	c.Resilience = clampRound(resilienceScore(b.Probes, now, opts.FlappingWindowSecs))
	c.Consistency = clampRound(consistencyScore(b.Probes))
	c.Latency = clampRound(latencyScore(b))

	reliability := reliabilityUptime*float64(c.Uptime) +
		reliabilityResilience*float64(c.Resilience) +
		reliabilityConsistency*float64(c.Consistency) +
		reliabilityLatency*float64(c.Latency)

	// A relay that was unreachable at its latest probe is scored by decay
	// from its historical uptime rather than by the component blend.
	if n := len(b.Probes); n > 0 && !b.Probes[n-1].Reachable {
		reliability = float64(OfflineDecay(uptimePct, lastOnlineAt(b.Probes), now))
	}

	// Quality.
	c.Policy = clampRound(policyScore(b.Metadata, b.Probes, b.Reports))
	c.Security = securityScore(b.URL)
	c.Operator = clampRound(operatorScore(b.Operator, b.OperatorTrust))

	quality := qualityPolicy*float64(c.Policy) +
		qualitySecurity*float64(c.Security) +
		qualityOperator*float64(c.Operator)

	// Accessibility.
	c.Barriers = clampRound(barriersScore(b.Probes, b.Metadata))
	c.Limits = clampRound(limitsScore(b.Metadata))
	c.Jurisdiction = clampRound(jurisdictionScore(b.Jurisdiction))
	c.Surveillance = clampRound(surveillanceScore(b.Jurisdiction))

	accessibility := accessBarriers*float64(c.Barriers) +
		accessLimits*float64(c.Limits) +
		accessJurisdiction*float64(c.Jurisdiction) +
		accessSurveillance*float64(c.Surveillance)

	out := Scores{
		Reliability:   clampRound(reliability),
		Quality:       clampRound(quality),
		Accessibility: clampRound(accessibility),
		OperatorTrust: c.Operator,
		Components:    c,
	}
	out.Overall = clampRound(WeightReliability*float64(out.Reliability) +
		WeightQuality*float64(out.Quality) +
		WeightAccessibility*float64(out.Accessibility))

	out.Observations = len(b.Probes)
	if b.NIP66 != nil {
		out.Observations += b.NIP66.MetricCount
	}
	out.Confidence = ConfidenceLabel(WeightedObservations(b))
	return out
}

// TemporalWeight is the recency weight of an observation at time t as seen
// from now: exponential decay with a 3-day half-life constant and a 0.1 floor.
func TemporalWeight(now, t int64) float64 {
	if t >= now {
		return 1.0
	}
	ageDays := float64(now-t) / 86400.0
	return math.Max(0.1, math.Exp(-ageDays/3.0))
}

// uptimeScore is the temporally weighted fraction of reachable probes, as a
// percentage. With no probes it defaults to 95 when monitors have seen the
// relay and 50 otherwise.
func uptimeScore(b Bundle, now int64) float64 {
	if len(b.Probes) == 0 {
		if b.NIP66 != nil && b.NIP66.MetricCount > 0 {
			return 95
		}
		return 50
	}
	var up, total float64
	for _, p := range b.Probes {
		w := TemporalWeight(now, p.Timestamp)
		total += w
		if p.Reachable {
			up += w
		}
	}
	if total == 0 {
		return 50
	}
	return up / total * 100
}

func lastOnlineAt(probes []store.ProbeObservation) int64 {
	for i := len(probes) - 1; i >= 0; i-- {
		if probes[i].Reachable {
			return probes[i].Timestamp
		}
	}
	return 0
}

// OfflineDecay scores a currently offline relay from its historical uptime:
// capped at 50 and decaying linearly to 20% of the cap over 30 days offline.
// A relay never seen online starts at the floor.
func OfflineDecay(uptimePct float64, lastOnline, now int64) int {
	cap := math.Min(50, uptimePct)
	if cap < 0 {
		cap = 0
	}
	if lastOnline == 0 {
		return clampRound(0.2 * cap)
	}
	days := float64(now-lastOnline) / 86400.0
	frac := math.Min(1, math.Max(0, days/30.0))
	return clampRound(cap * (1 - 0.8*frac))
}

// outageSeverity maps an outage run length to penalty points.
func outageSeverity(runLen int) float64 {
	switch {
	case runLen <= 1:
		return 2
	case runLen <= 3:
		return 6
	case runLen <= 6:
		return 15
	case runLen <= 12:
		return 25
	case runLen <= 24:
		return 40
	default:
		return 60
	}
}

// resilienceScore starts at 100 and subtracts outage-severity, outage
// frequency, and flapping penalties.
func resilienceScore(probes []store.ProbeObservation, now int64, flappingWindow int64) float64 {
	if len(probes) == 0 {
		return 100
	}

	var severity float64
	outages := 0
	runLen := 0
	var runEnd int64
	flush := func() {
		if runLen > 0 {
			outages++
			severity += outageSeverity(runLen) * TemporalWeight(now, runEnd)
			runLen = 0
		}
	}
	for _, p := range probes {
		if !p.Reachable {
			runLen++
			runEnd = p.Timestamp
		} else {
			flush()
		}
	}
	flush()
	severity = math.Min(severity, 60)

	frequency := math.Min(float64(outages)*2, 20)

	flapping := 0.0
	if maxChanges := maxFlapsInWindow(probes, flappingWindow); maxChanges > 3 {
		flapping = math.Min(float64(maxChanges)*3, 15)
	}

	return 100 - severity - frequency - flapping
}

// maxFlapsInWindow slides a window across the probe stream and returns the
// highest count of reachability state changes seen inside any one window.
func maxFlapsInWindow(probes []store.ProbeObservation, window int64) int {
	type change struct{ ts int64 }
	var changes []change
	for i := 1; i < len(probes); i++ {
		if probes[i].Reachable != probes[i-1].Reachable {
			changes = append(changes, change{probes[i].Timestamp})
		}
	}
	maxN, lo := 0, 0
	for hi := range changes {
		for changes[hi].ts-changes[lo].ts > window {
			lo++
		}
		if n := hi - lo + 1; n > maxN {
			maxN = n
		}
	}
	return maxN
}

// consistencyScore measures connect latency spread: 100 − 50·IQR/median over
// the connect latencies of reachable probes. Fewer than 4 samples is neutral.
func consistencyScore(probes []store.ProbeObservation) float64 {
	var samples []float64
	for _, p := range probes {
		if p.Reachable && p.ConnectMs > 0 {
			samples = append(samples, p.ConnectMs)
		}
	}
	if len(samples) < 4 {
		return 70
	}
	sort.Float64s(samples)
	p25 := percentile(samples, 25)
	p50 := percentile(samples, 50)
	p75 := percentile(samples, 75)
	if p75-p25 == 0 {
		return 100
	}
	if p50 == 0 {
		return 0
	}
	return clampFloat(100 - 50*(p75-p25)/p50)
}

// percentile returns the p-th percentile of sorted samples, with linear
// interpolation between ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// latencyTier maps a fused mean RTT to a score.
func latencyTier(rttMs float64) float64 {
	switch {
	case rttMs <= 50:
		return 100
	case rttMs <= 100:
		return 95
	case rttMs <= 150:
		return 90
	case rttMs <= 200:
		return 85
	case rttMs <= 300:
		return 75
	case rttMs <= 500:
		return 60
	case rttMs <= 750:
		return 40
	case rttMs <= 1000:
		return 20
	default:
		return 0
	}
}

// latencyScore prefers the cross-relay percentile from qualifying monitors;
// otherwise it falls back to the tiered table over the fused mean RTT
// (0.3 probe + 0.7 monitor when both exist).
func latencyScore(b Bundle) float64 {
	if b.NIP66 != nil && b.NIP66.LatencyScore >= 0 {
		return b.NIP66.LatencyScore
	}

	probeMean := 0.0
	n := 0
	for _, p := range b.Probes {
		if p.Reachable && p.ConnectMs > 0 {
			probeMean += p.ConnectMs
			n++
		}
	}
	if n > 0 {
		probeMean /= float64(n)
	}

	monitorMean := 0.0
	if b.NIP66 != nil {
		monitorMean = b.NIP66.MeanRTTOpenMs
	}

	switch {
	case probeMean > 0 && monitorMean > 0:
		return latencyTier(0.3*probeMean + 0.7*monitorMean)
	case probeMean > 0:
		return latencyTier(probeMean)
	case monitorMean > 0:
		return latencyTier(monitorMean)
	default:
		return 50
	}
}

// securityScore reflects transport security: TLS or not.
func securityScore(url string) int {
	switch {
	case relayurl.IsSecure(url):
		return 100
	case len(url) >= 5 && url[:5] == "ws://":
		return 0
	default:
		return 50
	}
}

// operatorScore blends identity corroboration confidence with the operator's
// web-of-trust score when one is known. No resolution at all is neutral.
func operatorScore(res *store.OperatorResolution, trust *store.OperatorTrust) float64 {
	if res == nil || res.Operator == "" {
		return 50
	}
	conf := float64(res.Confidence)
	if trust == nil {
		return conf
	}
	return 0.5*conf + 0.5*float64(trust.Score)
}

// WeightedObservations inflates the raw observation count by monitor
// diversity and observation-period length.
func WeightedObservations(b Bundle) float64 {
	probeCount := float64(len(b.Probes))
	if b.NIP66 == nil || b.NIP66.MetricCount == 0 {
		return probeCount
	}
	monitors := math.Max(1, float64(b.NIP66.DistinctMonitors))
	days := float64(b.NIP66.LastSeen-b.NIP66.FirstSeen) / 86400.0
	days = math.Min(30, math.Max(0, days))
	return probeCount + float64(b.NIP66.MetricCount)*(1+monitors/10)*(1+days/30)
}

// ConfidenceLabel maps a weighted observation count to a confidence tier.
func ConfidenceLabel(weighted float64) store.TrustConfidence {
	switch {
	case weighted >= confidenceHighAt:
		return store.ConfidenceHigh
	case weighted >= confidenceMediumAt:
		return store.ConfidenceMedium
	default:
		return store.ConfidenceLow
	}
}

func clampFloat(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func clampRound(v float64) int {
	return int(math.Round(clampFloat(v)))
}
