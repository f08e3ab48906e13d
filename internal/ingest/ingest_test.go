package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Letdown2491/trustedrelays/internal/metrics"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeSource reads the REQ, then hands the connection and subscription id to
// respond.
func fakeSource(t *testing.T, respond func(conn *websocket.Conn, subID string)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		respond(conn, subID)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openIngestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func signedEvent(t *testing.T, kind int, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(1700000000),
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestValidShape(t *testing.T) {
	ev := signedEvent(t, KindMonitorMetric, nostr.Tags{{"d", "wss://relay.damus.io"}}, "")
	assert.True(t, ValidShape(ev))

	bad := *ev
	bad.ID = "nothex"
	assert.False(t, ValidShape(&bad))

	bad = *ev
	bad.PubKey = strings.Repeat("z", 64)
	assert.False(t, ValidShape(&bad))

	bad = *ev
	bad.Sig = bad.Sig[:100]
	assert.False(t, ValidShape(&bad))

	bad = *ev
	bad.CreatedAt = nostr.Timestamp(100) // 1970: outside the plausible range
	assert.False(t, ValidShape(&bad))

	bad = *ev
	bad.CreatedAt = nostr.Timestamp(5000000000) // year 2128
	assert.False(t, ValidShape(&bad))

	assert.False(t, ValidShape(nil))
}

func TestParseMonitorEvent(t *testing.T) {
	ev := signedEvent(t, KindMonitorMetric, nostr.Tags{
		{"d", "WSS://Relay.Damus.IO/"},
		{"rtt-open", "120"},
		{"rtt-read", "80"},
		{"rtt-write", "95.5"},
		{"n", "clearnet"},
		{"N", "1"},
		{"N", "11"},
		{"g", "u4pruyd"},
	}, "")

	metric, ok := ParseMonitorEvent(ev)
	require.True(t, ok)
	assert.Equal(t, ev.ID, metric.EventID)
	assert.Equal(t, "wss://relay.damus.io", metric.URL)
	assert.Equal(t, ev.PubKey, metric.Monitor)
	assert.Equal(t, 120.0, metric.RTTOpenMs)
	assert.Equal(t, 95.5, metric.RTTWriteMs)
	assert.Equal(t, "clearnet", metric.Network)
	assert.Equal(t, "1,11", metric.Capabilities)
	assert.Equal(t, "u4pruyd", metric.Geohash)
}

func TestParseMonitorEventRejects(t *testing.T) {
	noTarget := signedEvent(t, KindMonitorMetric, nostr.Tags{{"rtt-open", "120"}}, "")
	_, ok := ParseMonitorEvent(noTarget)
	assert.False(t, ok)

	badURL := signedEvent(t, KindMonitorMetric, nostr.Tags{{"d", "ftp://bad"}}, "")
	_, ok = ParseMonitorEvent(badURL)
	assert.False(t, ok)

	wrongKind := signedEvent(t, 1, nostr.Tags{{"d", "wss://relay.damus.io"}}, "")
	_, ok = ParseMonitorEvent(wrongKind)
	assert.False(t, ok)

	// Negative RTTs are treated as absent.
	negative := signedEvent(t, KindMonitorMetric, nostr.Tags{
		{"d", "wss://relay.damus.io"}, {"rtt-open", "-5"},
	}, "")
	metric, ok := ParseMonitorEvent(negative)
	require.True(t, ok)
	assert.Equal(t, 0.0, metric.RTTOpenMs)
}

func TestParseReportEvent(t *testing.T) {
	ev := signedEvent(t, KindReport, nostr.Tags{
		{"L", reportNamespace},
		{"l", "censorship", reportNamespace},
		{"r", "wss://relay.damus.io"},
	}, "deletes posts about X")

	report, ok := ParseReportEvent(ev)
	require.True(t, ok)
	assert.Equal(t, store.ReportCensorship, report.Type)
	assert.Equal(t, "wss://relay.damus.io", report.URL)
	assert.Equal(t, ev.PubKey, report.Reporter)
	assert.Equal(t, "deletes posts about X", report.Content)
}

func TestParseReportEventRejects(t *testing.T) {
	unknownType := signedEvent(t, KindReport, nostr.Tags{
		{"l", "rude", reportNamespace},
		{"r", "wss://relay.damus.io"},
	}, "")
	_, ok := ParseReportEvent(unknownType)
	assert.False(t, ok)

	wrongNamespace := signedEvent(t, KindReport, nostr.Tags{
		{"l", "spam", "other-namespace"},
		{"r", "wss://relay.damus.io"},
	}, "")
	_, ok = ParseReportEvent(wrongNamespace)
	assert.False(t, ok)

	noTarget := signedEvent(t, KindReport, nostr.Tags{
		{"l", "spam", reportNamespace},
	}, "")
	_, ok = ParseReportEvent(noTarget)
	assert.False(t, ok)
}

func TestSubscribeOnceReportsOpen(t *testing.T) {
	sub := NewSubscriber("test-sub", nil, nostr.Filter{Kinds: []int{1}}, func(context.Context, *nostr.Event) {})

	// Server-initiated CLOSED: the session opened and ended cleanly.
	clean := fakeSource(t, func(conn *websocket.Conn, subID string) {
		conn.WriteMessage(websocket.TextMessage, []byte(`["CLOSED","`+subID+`","shutting down"]`))
	})
	opened, err := sub.subscribeOnce(context.Background(), clean)
	assert.True(t, opened)
	assert.NoError(t, err)

	// Socket dropped after the subscribe: the open still succeeded, so the
	// caller restarts its backoff from one instead of a stale count.
	abrupt := fakeSource(t, func(conn *websocket.Conn, subID string) {
		conn.Close()
	})
	opened, err = sub.subscribeOnce(context.Background(), abrupt)
	assert.True(t, opened)
	assert.Error(t, err)

	// Dial failure never counts as an open.
	opened, err = sub.subscribeOnce(context.Background(), "ws://127.0.0.1:1")
	assert.False(t, opened)
	assert.Error(t, err)
}

func TestSubscribeOnceDeliversVerifiedEvents(t *testing.T) {
	ev := signedEvent(t, KindMonitorMetric, nostr.Tags{{"d", "wss://relay.damus.io"}}, "")
	endpoint := fakeSource(t, func(conn *websocket.Conn, subID string) {
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		conn.WriteMessage(websocket.TextMessage, []byte(`["EVENT","`+subID+`",`+string(raw)+`]`))
		conn.WriteMessage(websocket.TextMessage, []byte(`["CLOSED","`+subID+`","done"]`))
	})

	var got []*nostr.Event
	sub := NewSubscriber("test-sub", nil, nostr.Filter{Kinds: []int{KindMonitorMetric}},
		func(_ context.Context, ev *nostr.Event) { got = append(got, ev) })
	opened, err := sub.subscribeOnce(context.Background(), endpoint)
	require.True(t, opened)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
}

func TestMonitorIngestorCountsAccepted(t *testing.T) {
	st := openIngestStore(t)
	m := NewMonitorIngestor(st, nil)
	ev := signedEvent(t, KindMonitorMetric, nostr.Tags{
		{"d", "wss://relay.damus.io"}, {"rtt-open", "120"},
	}, "")

	counter := metrics.EventsIngested.WithLabelValues("monitor")
	before := testutil.ToFloat64(counter)
	m.handle(context.Background(), ev)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	// A duplicate event id is not counted twice.
	m.handle(context.Background(), ev)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestReportIngestorCountsAccepted(t *testing.T) {
	st := openIngestStore(t)
	r := NewReportIngestor(st, nil, nil, DefaultReportConfig())
	ev := signedEvent(t, KindReport, nostr.Tags{
		{"L", reportNamespace},
		{"l", "spam", reportNamespace},
		{"r", "wss://relay.damus.io"},
	}, "floods kind 1")

	counter := metrics.EventsIngested.WithLabelValues("report")
	before := testutil.ToFloat64(counter)
	r.handle(context.Background(), ev)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	r.handle(context.Background(), ev)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestReportWeight(t *testing.T) {
	// weight = (t/100)^exponent over the full range, clamped outside it.
	assert.Equal(t, 1.0, ReportWeight(100, 2))
	assert.Equal(t, 1.0, ReportWeight(150, 2))
	assert.Equal(t, 0.0, ReportWeight(0, 2))
	assert.Equal(t, 0.0, ReportWeight(-10, 2))
	assert.InDelta(t, 0.25, ReportWeight(50, 2), 1e-9)
	assert.InDelta(t, 0.81, ReportWeight(90, 2), 1e-9)
	// Exponent 1 is linear.
	assert.InDelta(t, 0.5, ReportWeight(50, 1), 1e-9)
}
