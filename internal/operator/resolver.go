// Package operator cross-checks a relay's claimed operator identity against
// independent sidechannels: the NIP-11 metadata pubkey, a DNS TXT record at
// _nostr.<domain>, and the /.well-known/nostr.json document. Agreement
// between sources raises confidence; disagreement is recorded, never hidden.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// sourceTimeout bounds each sidechannel query.
const sourceTimeout = 5 * time.Second

// trustTimeout bounds the optional web-of-trust lookup.
const trustTimeout = 10 * time.Second

var dnsPubkeyRe = regexp.MustCompile(`(?i)pubkey=([0-9a-f]{64})`)

// TrustFetcher resolves an operator pubkey to an aggregated trust record.
type TrustFetcher interface {
	FetchTrust(ctx context.Context, pubkey string) (*store.OperatorTrust, error)
}

// Resolver resolves relay operator identities. Safe for concurrent use.
type Resolver struct {
	log        *slog.Logger
	httpClient *http.Client
	lookupTXT  func(ctx context.Context, name string) ([]string, error)
	trust      TrustFetcher // optional
}

// New builds a Resolver. trust may be nil to skip web-of-trust lookups.
func New(trust TrustFetcher) *Resolver {
	return &Resolver{
		log:        slog.With("component", "operator-resolver"),
		httpClient: &http.Client{Timeout: sourceTimeout},
		lookupTXT:  net.DefaultResolver.LookupTXT,
		trust:      trust,
	}
}

// Result carries the resolution and, when requested, the operator trust.
type Result struct {
	Resolution store.OperatorResolution
	Trust      *store.OperatorTrust
}

// Resolve cross-checks up to three sources for url's operator pubkey.
// metadata may be nil when the relay published no information document.
// When fetchTrustScore is set and a winner emerges, the operator's trust is
// resolved with a bounded timeout; trust failures leave Trust nil.
func (r *Resolver) Resolve(ctx context.Context, url string, metadata *nip11.RelayInformationDocument, fetchTrustScore bool, now int64) Result {
	domain := relayurl.Hostname(url)

	var metadataPK, dnsPK, wellKnownPK string
	if metadata != nil && relayurl.ValidPubKey(strings.ToLower(metadata.PubKey)) {
		metadataPK = strings.ToLower(metadata.PubKey)
	}

	// DNS and well-known are independent network queries; run them together.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dnsPK = r.dnsPubkey(ctx, domain)
	}()
	go func() {
		defer wg.Done()
		wellKnownPK = r.wellKnownPubkey(ctx, domain)
	}()
	wg.Wait()

	resolution := Corroborate(url, metadataPK, dnsPK, wellKnownPK, now)

	res := Result{Resolution: resolution}
	if fetchTrustScore && r.trust != nil && resolution.Operator != "" {
		tctx, cancel := context.WithTimeout(ctx, trustTimeout)
		defer cancel()
		trust, err := r.trust.FetchTrust(tctx, resolution.Operator)
		if err != nil {
			r.log.Debug("trust lookup failed", "error", err)
		} else {
			res.Trust = trust
		}
	}
	return res
}

// dnsPubkey reads the TXT record at _nostr.<domain>.
func (r *Resolver) dnsPubkey(ctx context.Context, domain string) string {
	if domain == "" || strings.HasSuffix(domain, ".onion") {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()

	records, err := r.lookupTXT(lctx, "_nostr."+domain)
	if err != nil {
		return ""
	}
	for _, rec := range records {
		if m := dnsPubkeyRe.FindStringSubmatch(rec); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

// wellKnownPubkey reads .relay.pubkey from https://<domain>/.well-known/nostr.json.
func (r *Resolver) wellKnownPubkey(ctx context.Context, domain string) string {
	if domain == "" || strings.HasSuffix(domain, ".onion") {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://%s/.well-known/nostr.json", domain), nil)
	if err != nil {
		return ""
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var doc struct {
		Relay struct {
			PubKey string `json:"pubkey"`
		} `json:"relay"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	pk := strings.ToLower(doc.Relay.PubKey)
	if !relayurl.ValidPubKey(pk) {
		return ""
	}
	return pk
}

// confidence for each agreeing source combination. Any two sources agreeing
// beat any single source.
var confidenceTable = map[string]int{
	"metadata":                70,
	"well-known":              75,
	"dns":                     80,
	"metadata+well-known":     85,
	"dns+metadata":            90,
	"dns+well-known":          90,
	"dns+metadata+well-known": 95,
}

// Corroborate tallies candidate pubkeys from the three sources and picks the
// winner with the highest corroborated confidence.
func Corroborate(url, metadataPK, dnsPK, wellKnownPK string, now int64) store.OperatorResolution {
	res := store.OperatorResolution{
		URL:             url,
		VerifiedVia:     store.ViaClaimed,
		LastVerifiedAt:  now,
		MetadataPubKey:  metadataPK,
		DNSPubKey:       dnsPK,
		WellKnownPubKey: wellKnownPK,
	}

	sources := map[string][]string{} // pubkey -> agreeing source names
	add := func(pk, source string) {
		if pk != "" {
			sources[pk] = append(sources[pk], source)
		}
	}
	// Insertion order here fixes the verified-via priority: DNS beats
	// well-known beats metadata.
	add(dnsPK, "dns")
	add(metadataPK, "metadata")
	add(wellKnownPK, "well-known")

	if len(sources) == 0 {
		return res
	}
	res.SourcesDisagree = len(sources) > 1

	best := ""
	bestConf := -1
	for pk, srcs := range sources {
		conf := confidenceTable[sourceKey(srcs)]
		if conf > bestConf {
			best, bestConf = pk, conf
		}
	}

	res.Operator = best
	res.Confidence = bestConf
	res.VerifiedVia = strongestSource(sources[best])
	return res
}

func sourceKey(srcs []string) string {
	// Sources are added in a fixed order, so joining yields a stable key
	// matching the confidence table (alphabetical: dns, metadata, well-known).
	ordered := make([]string, 0, 3)
	for _, s := range []string{"dns", "metadata", "well-known"} {
		for _, have := range srcs {
			if have == s {
				ordered = append(ordered, s)
			}
		}
	}
	return strings.Join(ordered, "+")
}

func strongestSource(srcs []string) store.VerifiedVia {
	has := map[string]bool{}
	for _, s := range srcs {
		has[s] = true
	}
	switch {
	case has["dns"]:
		return store.ViaDNS
	case has["well-known"]:
		return store.ViaWellKnown
	case has["metadata"]:
		return store.ViaMetadata
	default:
		return store.ViaClaimed
	}
}
