// Package wot resolves operator pubkeys to aggregated web-of-trust scores by
// querying trust-assertion events from a configurable set of providers.
package wot

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/ingest"
	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// KindTrustAssertion is the parameterized replaceable assertion kind queried
// per subject pubkey (the d tag).
const KindTrustAssertion = 30382

// StaleAfter is how long a cached operator trust record stays serviceable.
const StaleAfter = 24 * time.Hour

// queryTimeout bounds one endpoint query end to end.
const queryTimeout = 15 * time.Second

// Assertion is one provider's latest trust statement about a subject.
type Assertion struct {
	Provider  string
	Subject   string
	Rank      int
	CreatedAt int64
}

// Client fetches and aggregates trust assertions. Implements the trust
// lookups needed by report ingestion and operator resolution.
type Client struct {
	store     *store.Store
	endpoints []string
	weights   map[string]float64 // provider pubkey -> weight, default 1
	log       *slog.Logger
	now       func() int64
}

// New builds a Client over the given assertion endpoints. weights may be nil;
// every provider then counts equally.
func New(st *store.Store, endpoints []string, weights map[string]float64) *Client {
	return &Client{
		store:     st,
		endpoints: endpoints,
		weights:   weights,
		log:       slog.With("component", "wot-client"),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// TrustScore serves the report-weighting path from the store cache, fetching
// on a miss or stale record. The second return is false when no provider has
// an assertion about the pubkey.
func (c *Client) TrustScore(ctx context.Context, pubkey string) (float64, bool) {
	cached, err := c.store.OperatorTrustFor(ctx, pubkey)
	if err == nil && cached != nil && c.now()-cached.UpdatedAt < int64(StaleAfter.Seconds()) {
		return float64(cached.Score), true
	}
	trust, err := c.FetchTrust(ctx, pubkey)
	if err != nil || trust == nil {
		return 0, false
	}
	return float64(trust.Score), true
}

// FetchTrust queries every endpoint for assertions about pubkey, aggregates
// the latest per provider, persists the result, and returns it. Returns
// (nil, nil) when no provider knows the subject.
func (c *Client) FetchTrust(ctx context.Context, pubkey string) (*store.OperatorTrust, error) {
	if !relayurl.ValidPubKey(pubkey) || len(c.endpoints) == 0 {
		return nil, nil
	}

	var (
		mu  sync.Mutex
		all []Assertion
		wg  sync.WaitGroup
	)
	for _, endpoint := range c.endpoints {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			found, err := c.queryEndpoint(ctx, url, pubkey)
			if err != nil {
				c.log.Debug("assertion query failed", "endpoint", url, "error", err)
				return
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
		}(endpoint)
	}
	wg.Wait()

	trust := Aggregate(pubkey, all, c.weights, c.now())
	if trust == nil {
		return nil, nil
	}
	if err := c.store.SaveOperatorTrust(ctx, *trust); err != nil {
		c.log.Warn("trust cache write failed", "error", err)
	}
	return trust, nil
}

// RefreshStale re-fetches trust for every pubkey whose cached record is older
// than StaleAfter, in parallel batches. Returns how many were refreshed.
func (c *Client) RefreshStale(ctx context.Context, batchSize int) (int, error) {
	cutoff := c.now() - int64(StaleAfter.Seconds())
	stale, err := c.store.StaleOperatorTrust(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var refreshed atomic.Int64
	for start := 0; start < len(stale); start += batchSize {
		if ctx.Err() != nil {
			return int(refreshed.Load()), ctx.Err()
		}
		end := start + batchSize
		if end > len(stale) {
			end = len(stale)
		}
		var wg sync.WaitGroup
		for _, pubkey := range stale[start:end] {
			wg.Add(1)
			go func(pk string) {
				defer wg.Done()
				if _, err := c.FetchTrust(ctx, pk); err == nil {
					refreshed.Add(1)
				}
			}(pubkey)
		}
		wg.Wait()
	}
	return int(refreshed.Load()), nil
}

// queryEndpoint opens one connection, requests assertions about subject, and
// drains until EOSE.
func (c *Client) queryEndpoint(ctx context.Context, url, subject string) ([]Assertion, error) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(qctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-qctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	subID := uuid.NewString()[:12]
	req := nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{{
		Kinds: []int{KindTrustAssertion},
		Tags:  nostr.TagMap{"d": []string{subject}},
		Limit: 64,
	}}}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}

	var found []Assertion
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if qctx.Err() != nil {
				return found, nil
			}
			return found, err
		}
		switch env := nostr.ParseMessage(string(raw)).(type) {
		case *nostr.EventEnvelope:
			ev := env.Event
			if !ingest.ValidShape(&ev) {
				continue
			}
			if ok, _ := ev.CheckSignature(); !ok {
				continue
			}
			if a, ok := ParseAssertion(&ev, subject); ok {
				found = append(found, a)
			}
		case *nostr.EOSEEnvelope:
			return found, nil
		case *nostr.ClosedEnvelope:
			return found, nil
		}
	}
}

// ParseAssertion projects a trust-assertion event about subject. The rank
// lives in a ["rank", <0-100>] tag.
func ParseAssertion(ev *nostr.Event, subject string) (Assertion, bool) {
	if ev.Kind != KindTrustAssertion {
		return Assertion{}, false
	}
	dTag := ev.Tags.GetFirst([]string{"d"})
	if dTag == nil || dTag.Value() != subject {
		return Assertion{}, false
	}
	rankTag := ev.Tags.GetFirst([]string{"rank"})
	if rankTag == nil {
		return Assertion{}, false
	}
	rank, err := strconv.Atoi(rankTag.Value())
	if err != nil || rank < 0 || rank > 100 {
		return Assertion{}, false
	}
	return Assertion{
		Provider:  ev.PubKey,
		Subject:   subject,
		Rank:      rank,
		CreatedAt: int64(ev.CreatedAt),
	}, true
}

// Aggregate keeps the newest assertion per provider and computes the
// weighted-average rank. Returns nil when no assertions survive.
func Aggregate(subject string, assertions []Assertion, weights map[string]float64, now int64) *store.OperatorTrust {
	latest := map[string]Assertion{}
	for _, a := range assertions {
		if a.Subject != subject {
			continue
		}
		if prev, ok := latest[a.Provider]; !ok || a.CreatedAt > prev.CreatedAt {
			latest[a.Provider] = a
		}
	}
	if len(latest) == 0 {
		return nil
	}

	var weightedSum, totalWeight float64
	for provider, a := range latest {
		w := 1.0
		if weights != nil {
			if override, ok := weights[provider]; ok {
				w = override
			}
		}
		weightedSum += w * float64(a.Rank)
		totalWeight += w
	}
	if totalWeight <= 0 {
		return nil
	}

	return &store.OperatorTrust{
		PubKey:     subject,
		Score:      int(math.Round(weightedSum / totalWeight)),
		Confidence: providerConfidence(len(latest)),
		Providers:  len(latest),
		UpdatedAt:  now,
	}
}

func providerConfidence(providers int) store.TrustConfidence {
	switch {
	case providers >= 3:
		return store.ConfidenceHigh
	case providers == 2:
		return store.ConfidenceMedium
	default:
		return store.ConfidenceLow
	}
}
