package prober

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// fakeRelay answers the first REQ with the given frames, then hangs.
func fakeRelay(t *testing.T, respond func(subID string) []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &frame))
		var subID string
		require.NoError(t, json.Unmarshal(frame[1], &subID))

		for _, msg := range respond(subID) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Keep the connection open; the prober decides when it is done.
		conn.ReadMessage()
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProbeOpenRelay(t *testing.T) {
	srv := fakeRelay(t, func(subID string) []string {
		return []string{`["EOSE","` + subID + `"]`}
	})
	defer srv.Close()

	obs := New().Probe(context.Background(), wsURL(srv), 1234)
	assert.True(t, obs.Reachable)
	assert.Equal(t, store.AccessOpen, obs.AccessLevel)
	assert.Equal(t, int64(1234), obs.Timestamp)
	assert.Greater(t, obs.ConnectMs, 0.0)
	assert.Greater(t, obs.ReadMs, 0.0)
}

func TestProbeEventsBeforeEOSE(t *testing.T) {
	srv := fakeRelay(t, func(subID string) []string {
		return []string{
			`["NOTICE","hello"]`,
			`["EOSE","` + subID + `"]`,
		}
	})
	defer srv.Close()

	obs := New().Probe(context.Background(), wsURL(srv), 1)
	assert.True(t, obs.Reachable)
	assert.Equal(t, store.AccessOpen, obs.AccessLevel)
}

func TestProbeAuthRequired(t *testing.T) {
	srv := fakeRelay(t, func(subID string) []string {
		return []string{
			`["AUTH","challenge-string"]`,
			`["CLOSED","` + subID + `","auth-required: we only serve members"]`,
		}
	})
	defer srv.Close()

	obs := New().Probe(context.Background(), wsURL(srv), 1)
	assert.True(t, obs.Reachable, "restricted but reachable")
	assert.Equal(t, store.AccessAuthRequired, obs.AccessLevel)
	assert.Contains(t, obs.ClosedReason, "auth-required")
}

func TestProbeSilentRelayNotReachable(t *testing.T) {
	// Handshake succeeds, but the relay drops the socket without answering
	// the read request. That is not a reachable general relay.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage() // consume the REQ
		conn.Close()
	}))
	defer srv.Close()

	obs := New().Probe(context.Background(), wsURL(srv), 1)
	assert.False(t, obs.Reachable)
	assert.Equal(t, store.AccessUnknown, obs.AccessLevel)
	assert.Equal(t, "no-response", obs.Error)
}

func TestFetchMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/nostr+json" {
			http.Error(w, "upgrade required", http.StatusUpgradeRequired)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write([]byte(`{"name":"test relay","supported_nips":[1,11,50]}`))
	}))
	defer srv.Close()

	doc, elapsed := New().fetchMetadata(context.Background(), wsURL(srv), metadataTimeout)
	require.NotNil(t, doc)
	assert.Equal(t, "test relay", doc.Name)
	assert.Equal(t, []int{1, 11, 50}, SupportedNIPNumbers(doc))
	assert.Greater(t, elapsed, 0.0)
}

func TestFetchMetadataFailure(t *testing.T) {
	doc, _ := New().fetchMetadata(context.Background(), "ws://127.0.0.1:1", metadataTimeout)
	assert.Nil(t, doc)
}

func TestProbeUnreachable(t *testing.T) {
	// A port nothing listens on.
	obs := New().Probe(context.Background(), "ws://127.0.0.1:1", 1)
	assert.False(t, obs.Reachable)
	assert.NotEmpty(t, obs.Error)
}

func TestParseClosedReason(t *testing.T) {
	cases := map[string]store.AccessLevel{
		"auth-required: nip42":         store.AccessAuthRequired,
		"restricted: pay 5000 sats":    store.AccessPaymentRequired,
		"payment required":             store.AccessPaymentRequired,
		"restricted: not on allowlist": store.AccessRestricted,
		"blocked":                      store.AccessRestricted,
	}
	for reason, want := range cases {
		assert.Equal(t, want, ParseClosedReason(reason), reason)
	}
}

func TestDetectKind(t *testing.T) {
	doc := func(nips ...float64) *nip11.RelayInformationDocument {
		d := &nip11.RelayInformationDocument{}
		for _, n := range nips {
			d.SupportedNIPs = append(d.SupportedNIPs, n)
		}
		return d
	}

	assert.Equal(t, store.KindUnknown, DetectKind("wss://relay.example.com", nil))
	assert.Equal(t, store.KindRemoteSigner, DetectKind("wss://bunker.example.com", nil))
	assert.Equal(t, store.KindRemoteSigner, DetectKind("wss://relay.nsec.app", doc(1, 11)))
	assert.Equal(t, store.KindRemoteSigner, DetectKind("wss://relay.example.com", doc(1, 9, 46)))
	assert.Equal(t, store.KindRemoteSigner, DetectKind("wss://relay.example.com", doc(46)))
	assert.Equal(t, store.KindSpecialized, DetectKind("wss://relay.example.com", doc(1, 50)))
	assert.Equal(t, store.KindGeneral, DetectKind("wss://relay.example.com", doc(1, 2, 9, 11, 40)))
	// NIP-46 alongside a broad capability set is not a signer.
	assert.Equal(t, store.KindGeneral, DetectKind("wss://relay.example.com", doc(1, 9, 46, 50)))
	// Metadata present but no declared capabilities.
	assert.Equal(t, store.KindGeneral, DetectKind("wss://relay.example.com", doc()))
}

func TestSupportedNIPNumbersMixedTypes(t *testing.T) {
	d := &nip11.RelayInformationDocument{SupportedNIPs: []any{float64(1), 9, json.Number("46")}}
	assert.Equal(t, []int{1, 9, 46}, SupportedNIPNumbers(d))
}

func TestSanitizeDialError(t *testing.T) {
	cases := map[string]string{
		"dial tcp: lookup bad.example: no such host":   "dns-failure",
		"dial tcp 1.2.3.4:443: i/o timeout":            "timeout",
		"dial tcp 1.2.3.4:443: connection refused":     "connection-refused",
		"read tcp: connection reset by peer":           "connection-reset",
		"x509: certificate signed by unknown authority": "tls-failure",
		"websocket: bad handshake":                     "handshake-failure",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeDialError(assertErr(in)), in)
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
