package wot

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subject = strings.Repeat("d", 64)

func signedAssertion(t *testing.T, subject string, rank string, createdAt int64) (*nostr.Event, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := &nostr.Event{
		Kind:      KindTrustAssertion,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags{{"d", subject}, {"rank", rank}},
	}
	require.NoError(t, ev.Sign(sk))
	return ev, ev.PubKey
}

func TestParseAssertion(t *testing.T) {
	ev, provider := signedAssertion(t, subject, "85", 1700000000)
	a, ok := ParseAssertion(ev, subject)
	require.True(t, ok)
	assert.Equal(t, provider, a.Provider)
	assert.Equal(t, subject, a.Subject)
	assert.Equal(t, 85, a.Rank)
	assert.Equal(t, int64(1700000000), a.CreatedAt)
}

func TestParseAssertionRejects(t *testing.T) {
	wrongSubject, _ := signedAssertion(t, strings.Repeat("e", 64), "85", 1700000000)
	_, ok := ParseAssertion(wrongSubject, subject)
	assert.False(t, ok)

	noRank := &nostr.Event{Kind: KindTrustAssertion, Tags: nostr.Tags{{"d", subject}}}
	_, ok = ParseAssertion(noRank, subject)
	assert.False(t, ok)

	badRank, _ := signedAssertion(t, subject, "150", 1700000000)
	_, ok = ParseAssertion(badRank, subject)
	assert.False(t, ok)

	wrongKind := &nostr.Event{Kind: 1, Tags: nostr.Tags{{"d", subject}, {"rank", "50"}}}
	_, ok = ParseAssertion(wrongKind, subject)
	assert.False(t, ok)
}

func TestAggregateLatestPerProvider(t *testing.T) {
	// The same provider's older assertion must be shadowed by its newer one.
	trust := Aggregate(subject, []Assertion{
		{Provider: "p1", Subject: subject, Rank: 40, CreatedAt: 100},
		{Provider: "p1", Subject: subject, Rank: 80, CreatedAt: 200},
	}, nil, 1700000000)
	require.NotNil(t, trust)
	assert.Equal(t, 80, trust.Score)
	assert.Equal(t, 1, trust.Providers)
	assert.Equal(t, store.ConfidenceLow, trust.Confidence)
	assert.Equal(t, int64(1700000000), trust.UpdatedAt)
}

func TestAggregateWeighted(t *testing.T) {
	assertions := []Assertion{
		{Provider: "p1", Subject: subject, Rank: 100, CreatedAt: 100},
		{Provider: "p2", Subject: subject, Rank: 50, CreatedAt: 100},
	}

	// Equal weights: plain average.
	trust := Aggregate(subject, assertions, nil, 0)
	require.NotNil(t, trust)
	assert.Equal(t, 75, trust.Score)
	assert.Equal(t, store.ConfidenceMedium, trust.Confidence)

	// p1 weighted 3x: (3*100 + 1*50) / 4 = 87.5 -> 88.
	trust = Aggregate(subject, assertions, map[string]float64{"p1": 3}, 0)
	require.NotNil(t, trust)
	assert.Equal(t, 88, trust.Score)
}

func TestAggregateConfidenceByProviderCount(t *testing.T) {
	build := func(n int) []Assertion {
		out := make([]Assertion, n)
		for i := range out {
			out[i] = Assertion{Provider: string(rune('a' + i)), Subject: subject, Rank: 50, CreatedAt: 100}
		}
		return out
	}
	assert.Equal(t, store.ConfidenceLow, Aggregate(subject, build(1), nil, 0).Confidence)
	assert.Equal(t, store.ConfidenceMedium, Aggregate(subject, build(2), nil, 0).Confidence)
	assert.Equal(t, store.ConfidenceHigh, Aggregate(subject, build(3), nil, 0).Confidence)
	assert.Equal(t, store.ConfidenceHigh, Aggregate(subject, build(7), nil, 0).Confidence)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Nil(t, Aggregate(subject, nil, nil, 0))
	// Assertions about other subjects do not count.
	assert.Nil(t, Aggregate(subject, []Assertion{
		{Provider: "p1", Subject: strings.Repeat("e", 64), Rank: 50, CreatedAt: 100},
	}, nil, 0))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestTrustScoreServesFreshCache(t *testing.T) {
	st := openTestStore(t)
	c := New(st, nil, nil)
	c.now = func() int64 { return 1700000000 }

	require.NoError(t, st.SaveOperatorTrust(context.Background(), store.OperatorTrust{
		PubKey: subject, Score: 64, Confidence: store.ConfidenceMedium,
		Providers: 2, UpdatedAt: 1700000000 - 3600,
	}))

	score, known := c.TrustScore(context.Background(), subject)
	assert.True(t, known)
	assert.Equal(t, 64.0, score)
}

func TestTrustScoreStaleCacheWithoutEndpoints(t *testing.T) {
	st := openTestStore(t)
	c := New(st, nil, nil)
	c.now = func() int64 { return 1700000000 }

	// Record older than 24h and no endpoints to refetch from: unknown.
	require.NoError(t, st.SaveOperatorTrust(context.Background(), store.OperatorTrust{
		PubKey: subject, Score: 64, Confidence: store.ConfidenceMedium,
		Providers: 2, UpdatedAt: 1700000000 - 90000,
	}))

	_, known := c.TrustScore(context.Background(), subject)
	assert.False(t, known)
}

func TestFetchTrustRejectsBadPubkey(t *testing.T) {
	st := openTestStore(t)
	c := New(st, []string{"wss://wot.example.com"}, nil)
	trust, err := c.FetchTrust(context.Background(), "not-a-pubkey")
	assert.NoError(t, err)
	assert.Nil(t, trust)
}
