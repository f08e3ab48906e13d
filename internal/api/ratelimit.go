package api

import (
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Per-IP request budgets.
const (
	globalPerMinute = 60
	strictPerMinute = 10 // list and rankings
)

// limiterCapacity bounds how many client IPs are tracked.
const limiterCapacity = 10000

// ipLimiter keeps one token bucket per client IP in a capped LRU, so an
// address scan cannot grow state without bound.
type ipLimiter struct {
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newIPLimiter(perMinute int) *ipLimiter {
	buckets, _ := lru.New[string, *rate.Limiter](limiterCapacity)
	return &ipLimiter{
		buckets: buckets,
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	bucket, ok := l.buckets.Get(ip)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(ip, bucket)
	}
	return bucket.Allow()
}

// clientIP strips the port from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
