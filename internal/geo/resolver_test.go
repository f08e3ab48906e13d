package geo

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "geo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testResolver(t *testing.T, handler http.HandlerFunc) *Resolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	r := New(openTestStore(t))
	r.serviceURL = srv.URL
	r.now = func() int64 { return 1700000000 }
	r.lookupIP = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	return r
}

func TestResolveSuccess(t *testing.T) {
	r := testResolver(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Contains(t, req.URL.Path, "93.184.216.34")
		w.Write([]byte(`{"status":"success","country":"Germany","countryCode":"de",
			"regionName":"Hesse","city":"Frankfurt","isp":"Hetzner Online",
			"as":"AS24940 Hetzner Online GmbH","hosting":true}`))
	})

	info := r.Resolve(context.Background(), "wss://relay.example.de")
	require.NotNil(t, info)
	assert.Equal(t, "wss://relay.example.de", info.URL)
	assert.Equal(t, "93.184.216.34", info.IP)
	assert.Equal(t, "DE", info.CountryCode)
	assert.Equal(t, "Germany", info.CountryName)
	assert.Equal(t, "Frankfurt", info.City)
	assert.Equal(t, "AS24940", info.ASN)
	assert.True(t, info.IsHosting)
	assert.False(t, info.IsTor)
	assert.Equal(t, int64(1700000000), info.ResolvedAt)
}

func TestResolveOnionShortCircuits(t *testing.T) {
	r := testResolver(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("geo service queried for onion host")
	})
	r.lookupIP = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		t.Fatal("DNS queried for onion host")
		return nil, nil
	}

	info := r.Resolve(context.Background(), "ws://abcdefghijklmnop.onion")
	require.NotNil(t, info)
	assert.True(t, info.IsTor)
	assert.Empty(t, info.CountryCode)
}

func TestResolveServiceFailure(t *testing.T) {
	r := testResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"fail"}`))
	})
	assert.Nil(t, r.Resolve(context.Background(), "wss://relay.example.com"))
}

func TestResolveDNSFailure(t *testing.T) {
	r := testResolver(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("geo service queried without an IP")
	})
	r.lookupIP = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return nil, &net.DNSError{Err: "no such host", Name: host}
	}
	assert.Nil(t, r.Resolve(context.Background(), "wss://missing.example.com"))
}

func TestResolveCachedUsesStore(t *testing.T) {
	calls := 0
	r := testResolver(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.Write([]byte(`{"status":"success","country":"Iceland","countryCode":"IS",
			"regionName":"","city":"Reykjavik","isp":"","as":"AS12345 Example","hosting":false}`))
	})

	first, err := r.ResolveCached(context.Background(), "wss://relay.example.is")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "IS", first.CountryCode)

	second, err := r.ResolveCached(context.Background(), "wss://relay.example.is")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "IS", second.CountryCode)
	assert.Equal(t, 1, calls, "second lookup must come from the cache")
}

func TestASNumber(t *testing.T) {
	assert.Equal(t, "AS24940", asNumber("AS24940 Hetzner Online GmbH"))
	assert.Equal(t, "", asNumber(""))
	assert.Equal(t, "", asNumber("no-asn-here"))
}
