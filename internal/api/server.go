// Package api exposes the HTTP read surface over the evaluation store:
// per-relay scores and history, rankings, analytics, jurisdiction and
// aggregate summaries. Responses are cached with short TTLs and every
// endpoint is rate limited per client IP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/metrics"
	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/scoring"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bounds for the history days query parameter.
const (
	historyDaysDefault = 30
	historyDaysMax     = 365
)

// HealthFunc supplies the daemon's health snapshot for /healthz.
type HealthFunc func() any

// Server is the read API over the store. Construct with NewServer, mount
// Handler on an http.Server.
type Server struct {
	store  *store.Store
	router *mux.Router
	cache  *responseCache
	global *ipLimiter
	strict *ipLimiter
	health HealthFunc
	log    *slog.Logger
	now    func() int64
}

// NewServer builds the server and its routes. health may be nil.
func NewServer(st *store.Store, health HealthFunc) *Server {
	s := &Server{
		store:  st,
		router: mux.NewRouter(),
		cache:  newResponseCache(),
		global: newIPLimiter(globalPerMinute),
		strict: newIPLimiter(strictPerMinute),
		health: health,
		log:    slog.With("component", "api"),
		now:    func() int64 { return time.Now().Unix() },
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/relays", s.wrap("relays", true, aggregateTTL, s.handleRelayList)).Methods(http.MethodGet)
	v1.HandleFunc("/relay/score", s.wrap("relay_score", false, relayTTL, s.handleRelayScore)).Methods(http.MethodGet)
	v1.HandleFunc("/relay/detail", s.wrap("relay_detail", false, relayTTL, s.handleRelayDetail)).Methods(http.MethodGet)
	v1.HandleFunc("/relay/history", s.wrap("relay_history", false, relayTTL, s.handleRelayHistory)).Methods(http.MethodGet)
	v1.HandleFunc("/relay/assertion", s.wrap("relay_assertion", false, relayTTL, s.handleRelayAssertion)).Methods(http.MethodGet)
	v1.HandleFunc("/relay/analytics", s.wrap("relay_analytics", false, relayTTL, s.handleRelayAnalytics)).Methods(http.MethodGet)
	v1.HandleFunc("/jurisdictions", s.wrap("jurisdictions", false, aggregateTTL, s.handleJurisdictions)).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.wrap("stats", false, aggregateTTL, s.handleStats)).Methods(http.MethodGet)
	v1.HandleFunc("/rankings", s.wrap("rankings", true, aggregateTTL, s.handleRankings)).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// apiError carries an error kind to the generic status mapping. Kinds are
// stable strings; request details never leak into responses or logs.
type apiError struct {
	status int
	kind   string
}

func (e apiError) Error() string { return e.kind }

var (
	errBadRequest = apiError{http.StatusBadRequest, "invalid-request"}
	errNotFound   = apiError{http.StatusNotFound, "not-found"}
)

type handlerFunc func(r *http.Request) (any, error)

// wrap applies rate limiting, response caching, rendering, and metrics
// around a handler.
func (s *Server) wrap(route string, strictLimit bool, ttl time.Duration, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.global.allow(ip) || (strictLimit && !s.strict.allow(ip)) {
			s.finish(w, route, http.StatusTooManyRequests, []byte(`{"error":"rate-limited"}`))
			return
		}

		key := route + "?" + r.URL.RawQuery
		if entry, ok := s.cache.get(key); ok {
			s.finish(w, route, entry.status, entry.body)
			return
		}

		payload, err := fn(r)
		status := http.StatusOK
		if err != nil {
			var ae apiError
			if errors.As(err, &ae) {
				status = ae.status
				payload = map[string]string{"error": ae.kind}
			} else {
				// Store failures collapse into one generic kind.
				s.log.Warn("request failed", "route", route, "error", err)
				status = http.StatusInternalServerError
				payload = map[string]string{"error": "internal"}
			}
		}

		body, merr := json.Marshal(payload)
		if merr != nil {
			status = http.StatusInternalServerError
			body = []byte(`{"error":"internal"}`)
		}
		if status != http.StatusInternalServerError {
			s.cache.put(key, body, status, ttl)
		}
		s.finish(w, route, status, body)
	}
}

func (s *Server) finish(w http.ResponseWriter, route string, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	metrics.APIRequests.WithLabelValues(route, strconv.Itoa(status/100*100)).Inc()
}

// relayParam extracts and canonicalizes the url query parameter.
func relayParam(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		return "", errBadRequest
	}
	url, err := relayurl.Normalize(raw)
	if err != nil {
		return "", errBadRequest
	}
	return url, nil
}

type relaySummary struct {
	URL           string                `json:"url"`
	Overall       int                   `json:"overall"`
	Reliability   int                   `json:"reliability"`
	Quality       int                   `json:"quality"`
	Accessibility int                   `json:"accessibility"`
	Confidence    store.TrustConfidence `json:"confidence"`
	Observations  int                   `json:"observations"`
	ScoredAt      int64                 `json:"scored_at"`
}

func summarize(snap store.ScoreSnapshot) relaySummary {
	return relaySummary{
		URL:           snap.URL,
		Overall:       snap.Overall,
		Reliability:   snap.Reliability,
		Quality:       snap.Quality,
		Accessibility: snap.Accessibility,
		Confidence:    snap.Confidence,
		Observations:  snap.Observations,
		ScoredAt:      snap.Timestamp,
	}
}

func (s *Server) handleRelayList(r *http.Request) (any, error) {
	latest, err := s.store.AllLatestScores(r.Context())
	if err != nil {
		return nil, err
	}
	out := make([]relaySummary, 0, len(latest))
	for _, snap := range latest {
		out = append(out, summarize(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return map[string]any{"relays": out, "count": len(out)}, nil
}

func (s *Server) handleRelayScore(r *http.Request) (any, error) {
	url, err := relayParam(r)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.LatestScoreFor(r.Context(), url)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errNotFound
	}
	return summarize(*snap), nil
}

func (s *Server) handleRelayDetail(r *http.Request) (any, error) {
	url, err := relayParam(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()

	snap, err := s.store.LatestScoreFor(ctx, url)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errNotFound
	}

	detail := map[string]any{"score": summarize(*snap)}
	if op, err := s.store.OperatorResolutionFor(ctx, url); err == nil && op != nil && op.Operator != "" {
		detail["operator"] = map[string]any{
			"pubkey":           op.Operator,
			"verified_via":     op.VerifiedVia,
			"confidence":       op.Confidence,
			"sources_disagree": op.SourcesDisagree,
		}
	}
	if j, err := s.store.JurisdictionFor(ctx, url); err == nil && j != nil {
		detail["jurisdiction"] = map[string]any{
			"country": j.CountryCode,
			"city":    j.City,
			"asn":     j.ASN,
			"hosting": j.IsHosting,
			"tor":     j.IsTor,
		}
	}
	if a, err := s.store.PublishedAssertionFor(ctx, url); err == nil && a != nil {
		detail["last_published"] = map[string]any{
			"event_id":     a.EventID,
			"score":        a.Score,
			"published_at": a.PublishedAt,
		}
	}
	return detail, nil
}

func (s *Server) handleRelayHistory(r *http.Request) (any, error) {
	url, err := relayParam(r)
	if err != nil {
		return nil, err
	}
	days := historyDaysDefault
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > historyDaysMax {
			return nil, errBadRequest
		}
		days = parsed
	}

	since := s.now() - int64(days)*86400
	history, err := s.store.ScoreHistoryFor(r.Context(), url, since)
	if err != nil {
		return nil, err
	}

	out := make([]relaySummary, 0, len(history))
	for _, snap := range history {
		out = append(out, summarize(snap))
	}
	return map[string]any{
		"url":      url,
		"days":     days,
		"history":  out,
		"interval": scoring.ConfidenceInterval(history),
	}, nil
}

func (s *Server) handleRelayAssertion(r *http.Request) (any, error) {
	url, err := relayParam(r)
	if err != nil {
		return nil, err
	}
	a, err := s.store.PublishedAssertionFor(r.Context(), url)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errNotFound
	}
	return map[string]any{
		"url":          a.URL,
		"event_id":     a.EventID,
		"score":        a.Score,
		"confidence":   a.Confidence,
		"observations": a.Observations,
		"published_at": a.PublishedAt,
	}, nil
}

func (s *Server) handleRelayAnalytics(r *http.Request) (any, error) {
	url, err := relayParam(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	since := s.now() - 30*86400

	history, err := s.store.ScoreHistoryFor(ctx, url, since)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errNotFound
	}

	out := map[string]any{
		"url":      url,
		"interval": scoring.ConfidenceInterval(history),
		"trend":    scoring.TrendStable,
	}
	if trends, err := s.store.AllScoreTrends(ctx, since); err == nil {
		if t, ok := trends[url]; ok {
			out["trend"] = scoring.DirectionOf(t.SlopePerDay)
			out["slope_per_day"] = t.SlopePerDay
			out["samples"] = t.SampleCount
		}
	}
	if averages, err := s.store.AllRollingAverages(ctx, s.now()); err == nil {
		if avg, ok := averages[url]; ok {
			out["avg_7d"] = avg.Avg7d
			out["avg_30d"] = avg.Avg30d
		}
	}
	return out, nil
}

func (s *Server) handleJurisdictions(r *http.Request) (any, error) {
	all, err := s.store.AllJurisdictions(r.Context())
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	tor := 0
	for _, j := range all {
		switch {
		case j.IsTor:
			tor++
		case j.CountryCode != "":
			counts[j.CountryCode]++
		}
	}
	return map[string]any{"countries": counts, "tor": tor, "total": len(all)}, nil
}

func (s *Server) handleStats(r *http.Request) (any, error) {
	latest, err := s.store.AllLatestScores(r.Context())
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return map[string]any{"relays": 0}, nil
	}

	var sum int
	confidence := map[store.TrustConfidence]int{}
	for _, snap := range latest {
		sum += snap.Overall
		confidence[snap.Confidence]++
	}
	return map[string]any{
		"relays":      len(latest),
		"avg_overall": float64(sum) / float64(len(latest)),
		"confidence": map[string]int{
			"high":   confidence[store.ConfidenceHigh],
			"medium": confidence[store.ConfidenceMedium],
			"low":    confidence[store.ConfidenceLow],
		},
	}, nil
}

func (s *Server) handleRankings(r *http.Request) (any, error) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			return nil, errBadRequest
		}
		limit = parsed
	}

	ctx := r.Context()
	latest, err := s.store.AllLatestScores(ctx)
	if err != nil {
		return nil, err
	}
	trends, err := s.store.AllScoreTrends(ctx, s.now()-30*86400)
	if err != nil {
		return nil, err
	}

	ranked := scoring.Rank(latest, trends)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return map[string]any{"rankings": ranked}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := any(map[string]string{"status": "ok"})
	if s.health != nil {
		payload = s.health()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
