package scoring

import (
	"math"
	"sort"

	"github.com/Letdown2491/trustedrelays/internal/store"
)

// TrendDirection labels the sign of a score trend slope.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// trendNoiseFloor is the slope magnitude (points per day) below which a
// trend is reported as stable.
const trendNoiseFloor = 0.1

// DirectionOf classifies a regression slope in points per day.
func DirectionOf(slopePerDay float64) TrendDirection {
	switch {
	case slopePerDay > trendNoiseFloor:
		return TrendImproving
	case slopePerDay < -trendNoiseFloor:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// Interval is a mean with a 95% confidence band.
type Interval struct {
	Mean  float64 `json:"mean"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	N     int     `json:"n"`
}

// ConfidenceInterval computes the 95% CI of the overall scores in a history.
// Degenerate inputs collapse the band onto the mean.
func ConfidenceInterval(history []store.ScoreSnapshot) Interval {
	n := len(history)
	if n == 0 {
		return Interval{}
	}
	var sum float64
	for _, h := range history {
		sum += float64(h.Overall)
	}
	mean := sum / float64(n)
	if n == 1 {
		return Interval{Mean: mean, Lower: mean, Upper: mean, N: 1}
	}

	var ss float64
	for _, h := range history {
		d := float64(h.Overall) - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(n-1))
	margin := 1.96 * sd / math.Sqrt(float64(n))

	return Interval{
		Mean:  mean,
		Lower: math.Max(0, mean-margin),
		Upper: math.Min(100, mean+margin),
		N:     n,
	}
}

// RankedRelay is one row of the rankings listing.
type RankedRelay struct {
	Rank       int                   `json:"rank"`
	URL        string                `json:"url"`
	Overall    int                   `json:"overall"`
	Confidence store.TrustConfidence `json:"confidence"`
	Trend      TrendDirection        `json:"trend"`
}

// Rank orders the latest scores best-first, breaking score ties by
// confidence (high beats low) and then by url for determinism.
func Rank(latest map[string]store.ScoreSnapshot, trends map[string]store.ScoreTrend) []RankedRelay {
	out := make([]RankedRelay, 0, len(latest))
	for url, snap := range latest {
		r := RankedRelay{URL: url, Overall: snap.Overall, Confidence: snap.Confidence, Trend: TrendStable}
		if t, ok := trends[url]; ok {
			r.Trend = DirectionOf(t.SlopePerDay)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Overall != out[j].Overall {
			return out[i].Overall > out[j].Overall
		}
		if ci, cj := confidenceOrder(out[i].Confidence), confidenceOrder(out[j].Confidence); ci != cj {
			return ci > cj
		}
		return out[i].URL < out[j].URL
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func confidenceOrder(c store.TrustConfidence) int {
	switch c {
	case store.ConfidenceHigh:
		return 3
	case store.ConfidenceMedium:
		return 2
	default:
		return 1
	}
}
