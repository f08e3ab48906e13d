// Package prober performs single-relay probes: TCP/TLS connect, best-effort
// NIP-11 metadata fetch, relay-kind detection, and an application-level open
// test. A probe never retries; the next cycle is the retry.
package prober

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Timeouts by host class. Tor circuits are slow, so .onion targets get
// generous deadlines.
const (
	connectTimeout       = 10 * time.Second
	metadataTimeout      = 5 * time.Second
	onionConnectTimeout  = 30 * time.Second
	onionMetadataTimeout = 15 * time.Second

	// How long the open test waits for a terminal frame after connecting.
	responseWait = 10 * time.Second
)

// remoteSignerHosts are URL substrings of known NIP-46 remote signers; these
// endpoints speak WebSocket but are not general relays.
var remoteSignerHosts = []string{"bunker", "nsec.app", "nsecbunker"}

// Prober probes one relay at a time. Safe for concurrent use.
type Prober struct {
	log    *slog.Logger
	dialer *websocket.Dialer
}

// New returns a Prober using the default dialer.
func New() *Prober {
	return &Prober{
		log: slog.With("component", "prober"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: connectTimeout,
		},
	}
}

// Probe observes one canonical relay URL. The returned observation carries
// the given timestamp (the cycle start) regardless of wall time at write.
func (p *Prober) Probe(ctx context.Context, url string, now int64) store.ProbeObservation {
	obs := store.ProbeObservation{
		URL:         url,
		Timestamp:   now,
		Kind:        store.KindUnknown,
		AccessLevel: store.AccessUnknown,
	}

	onion := relayurl.IsOnion(url)
	connTimeout, metaTimeout := connectTimeout, metadataTimeout
	if onion {
		connTimeout, metaTimeout = onionConnectTimeout, onionMetadataTimeout
	}

	// Metadata first: the relay kind decides which application test runs.
	// Failure is not fatal; the probe continues with kind unknown.
	doc, metaMs := p.fetchMetadata(ctx, url, metaTimeout)
	obs.MetadataMs = metaMs
	if doc != nil {
		if raw, err := json.Marshal(doc); err == nil {
			obs.Metadata = string(raw)
		}
	}
	obs.Kind = DetectKind(url, doc)

	dialCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := p.dialer.DialContext(dialCtx, url, nil)
	obs.ConnectMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		obs.Reachable = false
		obs.Error = sanitizeDialError(err)
		return obs
	}
	defer conn.Close()
	obs.Reachable = true

	switch obs.Kind {
	case store.KindSpecialized, store.KindRemoteSigner:
		// A successful handshake is the whole test; these endpoints do not
		// answer general read requests.
		obs.AccessLevel = store.AccessRestricted
	default:
		level, reason, readMs, responded := p.openTest(conn)
		obs.AccessLevel = level
		obs.ClosedReason = reason
		obs.ReadMs = readMs
		// A general relay that never answers the read request is not
		// reachable, handshake or not.
		if !responded {
			obs.Reachable = false
			obs.Error = "no-response"
		}
	}
	return obs
}

// fetchMetadata retrieves the relay's NIP-11 information document.
func (p *Prober) fetchMetadata(ctx context.Context, url string, timeout time.Duration) (*nip11.RelayInformationDocument, float64) {
	metaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	doc, err := nip11.Fetch(metaCtx, url)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return nil, elapsed
	}
	return &doc, elapsed
}

// openTest sends a minimal read request and waits for a terminal frame.
// EOSE means the relay serves unauthenticated reads; CLOSED carries a
// machine-readable denial reason. An AUTH challenge alone is not terminal.
// The final return reports whether any application-level frame arrived.
func (p *Prober) openTest(conn *websocket.Conn) (store.AccessLevel, string, float64, bool) {
	subID := uuid.NewString()[:8]
	req := nostr.ReqEnvelope{
		SubscriptionID: subID,
		Filters:        nostr.Filters{{Kinds: []int{1}, Limit: 1}},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return store.AccessUnknown, "", 0, false
	}

	conn.SetWriteDeadline(time.Now().Add(responseWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return store.AccessUnknown, "", 0, false
	}

	responded := false
	start := time.Now()
	deadline := start.Add(responseWait)
	for {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return store.AccessUnknown, "", 0, responded
		}
		responded = true
		elapsed := float64(time.Since(start).Microseconds()) / 1000

		switch env := nostr.ParseMessage(string(raw)).(type) {
		case *nostr.EOSEEnvelope:
			return store.AccessOpen, "", elapsed, true
		case *nostr.EventEnvelope:
			// Stored events stream before EOSE; the relay is readable but we
			// keep waiting for the terminal frame.
			continue
		case *nostr.ClosedEnvelope:
			return ParseClosedReason(env.Reason), env.Reason, elapsed, true
		case *nostr.AuthEnvelope, *nostr.NoticeEnvelope:
			// Not terminal on their own.
			continue
		default:
			continue
		}
	}
}

// ParseClosedReason maps a CLOSED reason string to an access level.
func ParseClosedReason(reason string) store.AccessLevel {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "auth"):
		return store.AccessAuthRequired
	case strings.Contains(r, "pay"), strings.Contains(r, "fee"), strings.Contains(r, "sats"):
		return store.AccessPaymentRequired
	default:
		return store.AccessRestricted
	}
}

// DetectKind classifies a relay from its URL and advertised capabilities.
func DetectKind(url string, doc *nip11.RelayInformationDocument) store.RelayKind {
	host := relayurl.Hostname(url)
	for _, pattern := range remoteSignerHosts {
		if strings.Contains(host, pattern) {
			return store.KindRemoteSigner
		}
	}
	if doc == nil {
		return store.KindUnknown
	}

	nips := SupportedNIPNumbers(doc)
	if len(nips) == 0 {
		return store.KindGeneral
	}

	has46 := false
	signerOnly := true
	for _, n := range nips {
		if n == 46 {
			has46 = true
		}
		if n != 1 && n != 9 && n != 46 {
			signerOnly = false
		}
	}
	if has46 && signerOnly {
		return store.KindRemoteSigner
	}
	if len(nips) <= 3 {
		return store.KindSpecialized
	}
	return store.KindGeneral
}

// SupportedNIPNumbers extracts the numeric capability list from a NIP-11
// document; relays serialize entries as numbers or strings in the wild.
func SupportedNIPNumbers(doc *nip11.RelayInformationDocument) []int {
	if doc == nil {
		return nil
	}
	var out []int
	for _, v := range doc.SupportedNIPs {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				out = append(out, int(i))
			}
		}
	}
	return out
}

// sanitizeDialError reduces a dial failure to an error kind: logs must not
// carry raw network detail or user input.
func sanitizeDialError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline"), strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns-failure"
	case strings.Contains(msg, "refused"):
		return "connection-refused"
	case strings.Contains(msg, "reset"):
		return "connection-reset"
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return "tls-failure"
	case strings.Contains(msg, "bad handshake"):
		return "handshake-failure"
	default:
		return "connect-failure"
	}
}
