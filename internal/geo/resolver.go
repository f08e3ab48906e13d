// Package geo maps relay hostnames to jurisdiction facts: country, region,
// network operator, and hosting/Tor flags. Results are cached in the store
// and refreshed opportunistically on cache miss.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/Letdown2491/trustedrelays/internal/store"
)

// defaultServiceURL is the geo/ASN query endpoint, ip-api response shape.
const defaultServiceURL = "http://ip-api.com/json"

// queryFields trims the response to what JurisdictionInfo carries.
const queryFields = "status,country,countryCode,regionName,city,isp,as,hosting"

const resolveTimeout = 10 * time.Second

// Resolver resolves relay URLs to JurisdictionInfo records.
type Resolver struct {
	store      *store.Store
	serviceURL string
	httpClient *http.Client
	lookupIP   func(ctx context.Context, host string) ([]net.IPAddr, error)
	log        *slog.Logger
	now        func() int64
}

// New builds a Resolver backed by st for caching.
func New(st *store.Store) *Resolver {
	return &Resolver{
		store:      st,
		serviceURL: defaultServiceURL,
		httpClient: &http.Client{Timeout: resolveTimeout},
		lookupIP:   net.DefaultResolver.LookupIPAddr,
		log:        slog.With("component", "jurisdiction-resolver"),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// ResolveCached returns the stored jurisdiction for url, resolving and
// caching on a miss. Resolution failures return (nil, nil): jurisdiction is
// a best-effort input and its absence is scored as unknown.
func (r *Resolver) ResolveCached(ctx context.Context, url string) (*store.JurisdictionInfo, error) {
	cached, err := r.store.JurisdictionFor(ctx, url)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	info := r.Resolve(ctx, url)
	if info == nil {
		return nil, nil
	}
	if err := r.store.SaveJurisdiction(ctx, *info); err != nil {
		r.log.Warn("jurisdiction cache write failed", "error", err)
	}
	return info, nil
}

// Resolve maps url to a JurisdictionInfo without touching the cache.
// Returns nil when the hostname cannot be resolved or located.
func (r *Resolver) Resolve(ctx context.Context, url string) *store.JurisdictionInfo {
	host := relayurl.Hostname(url)
	if host == "" {
		return nil
	}
	if relayurl.IsOnion(url) {
		return &store.JurisdictionInfo{URL: url, IsTor: true, ResolvedAt: r.now()}
	}

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	addrs, err := r.lookupIP(rctx, host)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	ip := addrs[0].IP.String()

	loc, err := r.locate(rctx, ip)
	if err != nil {
		r.log.Debug("geo lookup failed", "error", err)
		return nil
	}

	loc.URL = url
	loc.IP = ip
	loc.ResolvedAt = r.now()
	return loc
}

// geoResponse is the ip-api JSON shape.
type geoResponse struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	AS          string `json:"as"`
	Hosting     bool   `json:"hosting"`
}

func (r *Resolver) locate(ctx context.Context, ip string) (*store.JurisdictionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s?fields=%s", r.serviceURL, ip, queryFields), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo service status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		return nil, err
	}
	var loc geoResponse
	if err := json.Unmarshal(body, &loc); err != nil {
		return nil, err
	}
	if loc.Status != "success" {
		return nil, fmt.Errorf("geo service status %q", loc.Status)
	}

	return &store.JurisdictionInfo{
		CountryCode: strings.ToUpper(loc.CountryCode),
		CountryName: loc.Country,
		Region:      loc.RegionName,
		City:        loc.City,
		ISP:         loc.ISP,
		ASN:         asNumber(loc.AS),
		IsHosting:   loc.Hosting,
	}, nil
}

// asNumber extracts the leading "AS12345" token from ip-api's as field.
func asNumber(as string) string {
	if as == "" {
		return ""
	}
	fields := strings.Fields(as)
	if strings.HasPrefix(fields[0], "AS") {
		return fields[0]
	}
	return ""
}
