package operator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pkA = strings.Repeat("a", 64)
	pkB = strings.Repeat("b", 64)
	pkC = strings.Repeat("c", 64)
)

func TestCorroborateSingleSources(t *testing.T) {
	cases := []struct {
		name             string
		meta, dns, wk    string
		wantPK           string
		wantVia          store.VerifiedVia
		wantConf         int
		wantDisagreement bool
	}{
		{"metadata only", pkA, "", "", pkA, store.ViaMetadata, 70, false},
		{"well-known only", "", "", pkA, pkA, store.ViaWellKnown, 75, false},
		{"dns only", "", pkA, "", pkA, store.ViaDNS, 80, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Corroborate("wss://relay.example.com", tc.meta, tc.dns, tc.wk, 1700000000)
			assert.Equal(t, tc.wantPK, res.Operator)
			assert.Equal(t, tc.wantVia, res.VerifiedVia)
			assert.Equal(t, tc.wantConf, res.Confidence)
			assert.Equal(t, tc.wantDisagreement, res.SourcesDisagree)
		})
	}
}

func TestCorroborateAgreementRaisesConfidence(t *testing.T) {
	// Metadata and DNS naming the same pubkey outranks any single source.
	res := Corroborate("wss://relay.example.com", pkA, pkA, "", 1700000000)
	assert.Equal(t, pkA, res.Operator)
	assert.Equal(t, store.ViaDNS, res.VerifiedVia)
	assert.Equal(t, 90, res.Confidence)
	assert.False(t, res.SourcesDisagree)

	res = Corroborate("wss://relay.example.com", pkA, "", pkA, 1700000000)
	assert.Equal(t, 85, res.Confidence)
	assert.Equal(t, store.ViaWellKnown, res.VerifiedVia)

	res = Corroborate("wss://relay.example.com", "", pkA, pkA, 1700000000)
	assert.Equal(t, 90, res.Confidence)
	assert.Equal(t, store.ViaDNS, res.VerifiedVia)

	res = Corroborate("wss://relay.example.com", pkA, pkA, pkA, 1700000000)
	assert.Equal(t, 95, res.Confidence)
	assert.Equal(t, store.ViaDNS, res.VerifiedVia)
}

func TestCorroborateMonotonic(t *testing.T) {
	// Adding an agreeing source never lowers confidence.
	single := Corroborate("wss://r.example", pkA, "", "", 1700000000).Confidence
	pair := Corroborate("wss://r.example", pkA, pkA, "", 1700000000).Confidence
	all := Corroborate("wss://r.example", pkA, pkA, pkA, 1700000000).Confidence
	assert.Greater(t, pair, single)
	assert.Greater(t, all, pair)
}

func TestCorroborateDisagreement(t *testing.T) {
	// DNS wins a single-source disagreement and the conflict is surfaced.
	res := Corroborate("wss://relay.example.com", pkA, pkB, "", 1700000000)
	assert.Equal(t, pkB, res.Operator)
	assert.Equal(t, store.ViaDNS, res.VerifiedVia)
	assert.Equal(t, 80, res.Confidence)
	assert.True(t, res.SourcesDisagree)

	// An agreeing pair beats a lone dissenting source even when that source
	// is DNS.
	res = Corroborate("wss://relay.example.com", pkA, pkB, pkA, 1700000000)
	assert.Equal(t, pkA, res.Operator)
	assert.Equal(t, 85, res.Confidence)
	assert.True(t, res.SourcesDisagree)

	// Three-way split: DNS still wins, everything is on record.
	res = Corroborate("wss://relay.example.com", pkA, pkB, pkC, 1700000000)
	assert.Equal(t, pkB, res.Operator)
	assert.True(t, res.SourcesDisagree)
	assert.Equal(t, pkA, res.MetadataPubKey)
	assert.Equal(t, pkB, res.DNSPubKey)
	assert.Equal(t, pkC, res.WellKnownPubKey)
}

func TestCorroborateNoSources(t *testing.T) {
	res := Corroborate("wss://relay.example.com", "", "", "", 1700000000)
	assert.Empty(t, res.Operator)
	assert.Equal(t, store.ViaClaimed, res.VerifiedVia)
	assert.Equal(t, 0, res.Confidence)
	assert.False(t, res.SourcesDisagree)
	assert.Equal(t, int64(1700000000), res.LastVerifiedAt)
}

type stubTrust struct {
	trust *store.OperatorTrust
	err   error
}

func (s stubTrust) FetchTrust(ctx context.Context, pubkey string) (*store.OperatorTrust, error) {
	return s.trust, s.err
}

func TestResolveCombinesSources(t *testing.T) {
	wellKnown := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/nostr.json", r.URL.Path)
		w.Write([]byte(`{"relay":{"pubkey":"` + pkA + `"}}`))
	}))
	defer wellKnown.Close()

	r := New(stubTrust{trust: &store.OperatorTrust{PubKey: pkA, Score: 72}})
	r.httpClient = wellKnown.Client()
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		assert.True(t, strings.HasPrefix(name, "_nostr."))
		return []string{"v=nostr1 pubkey=" + strings.ToUpper(pkA)}, nil
	}
	// Point the well-known fetch at the test server by rewriting the host.
	r.httpClient.Transport = rewriteHost(wellKnown)

	doc := &nip11.RelayInformationDocument{PubKey: pkA}
	res := r.Resolve(context.Background(), "wss://relay.example.com", doc, true, 1700000000)

	assert.Equal(t, pkA, res.Resolution.Operator)
	assert.Equal(t, 95, res.Resolution.Confidence)
	assert.Equal(t, store.ViaDNS, res.Resolution.VerifiedVia)
	assert.False(t, res.Resolution.SourcesDisagree)
	require.NotNil(t, res.Trust)
	assert.Equal(t, 72, res.Trust.Score)
}

func TestResolveTrustFailureLeavesTrustNil(t *testing.T) {
	r := New(stubTrust{err: errors.New("unavailable")})
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		return []string{"pubkey=" + pkA}, nil
	}
	r.httpClient = &http.Client{Transport: failTransport{}}

	res := r.Resolve(context.Background(), "wss://relay.example.com", nil, true, 1700000000)
	assert.Equal(t, pkA, res.Resolution.Operator)
	assert.Nil(t, res.Trust)
}

func TestResolveOnionSkipsSidechannels(t *testing.T) {
	r := New(nil)
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		t.Fatal("DNS lookup attempted for onion host")
		return nil, nil
	}
	r.httpClient = &http.Client{Transport: failTransport{}}

	doc := &nip11.RelayInformationDocument{PubKey: pkA}
	res := r.Resolve(context.Background(), "ws://abcdefghijklmnop.onion", doc, false, 1700000000)
	assert.Equal(t, pkA, res.Resolution.Operator)
	assert.Equal(t, store.ViaMetadata, res.Resolution.VerifiedVia)
	assert.Equal(t, 70, res.Resolution.Confidence)
}

func TestResolveRejectsMalformedMetadataPubkey(t *testing.T) {
	r := New(nil)
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		return nil, errors.New("nxdomain")
	}
	r.httpClient = &http.Client{Transport: failTransport{}}

	doc := &nip11.RelayInformationDocument{PubKey: "not-a-pubkey"}
	res := r.Resolve(context.Background(), "wss://relay.example.com", doc, false, 1700000000)
	assert.Empty(t, res.Resolution.Operator)
	assert.Equal(t, store.ViaClaimed, res.Resolution.VerifiedVia)
}

// rewriteHost sends every request to the test server regardless of host.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	base := srv.Client().Transport
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "https"
		req.URL.Host = strings.TrimPrefix(srv.URL, "https://")
		return base.RoundTrip(req)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type failTransport struct{}

func (failTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("no route")
}
