// Package publish owns the outbound side: a pool of persistent connections
// to the publish target relays, a paced priority queue, and the publisher
// that gates on material change before signing and emitting assertions.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Reconnect policy per endpoint.
const (
	reconnectCap      = 60 * time.Second
	maxReconnectTries = 10
)

// rateLimitPause is how long an endpoint sits out after a rate-limit hint.
const rateLimitPause = 60 * time.Second

// ackTimeout bounds the wait for an OK frame per send.
const ackTimeout = 10 * time.Second

// Result reasons beyond relay-provided OK messages.
const (
	ReasonConnClosed  = "connection_closed"
	ReasonTimeout     = "timeout"
	ReasonRateLimited = "rate-limited"
	ReasonCancelled   = "cancelled"
)

// Result is the per-endpoint outcome of one publish.
type Result struct {
	Endpoint string
	OK       bool
	Reason   string
}

// rateLimitHints are OK-message substrings that pause an endpoint.
var rateLimitHints = []string{"rate", "too many", "slow down"}

// IsRateLimitHint reports whether a relay OK message asks us to back off.
func IsRateLimitHint(message string) bool {
	lower := strings.ToLower(message)
	for _, hint := range rateLimitHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// Pool holds one persistent connection per publish endpoint. Connections are
// opened lazily, reconnected with exponential backoff, and paused for 60s
// when the relay hints at rate limiting.
type Pool struct {
	mu        sync.Mutex
	endpoints []string
	conns     map[string]*poolConn
	closed    bool
	log       *slog.Logger
	now       func() time.Time
}

type poolConn struct {
	url  string
	pool *Pool

	mu               sync.Mutex
	conn             *websocket.Conn
	attempts         int
	rateLimitedUntil time.Time
	sentTimes        []time.Time // send timestamps within the last minute
	pending          map[string]chan Result
}

// NewPool builds a pool over the publish target endpoints.
func NewPool(endpoints []string) *Pool {
	p := &Pool{
		endpoints: endpoints,
		conns:     make(map[string]*poolConn, len(endpoints)),
		log:       slog.With("component", "relay-pool"),
		now:       time.Now,
	}
	for _, url := range endpoints {
		p.conns[url] = &poolConn{url: url, pool: p, pending: make(map[string]chan Result)}
	}
	return p
}

// Endpoints returns the configured publish targets.
func (p *Pool) Endpoints() []string { return p.endpoints }

// Publish fans the signed event out to every endpoint and waits for each to
// settle (OK, timeout, rate-limited, or closed). Endpoints fail
// independently.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) []Result {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		results := make([]Result, 0, len(p.endpoints))
		for _, url := range p.endpoints {
			results = append(results, Result{Endpoint: url, Reason: ReasonConnClosed})
		}
		return results
	}
	conns := make([]*poolConn, 0, len(p.endpoints))
	for _, url := range p.endpoints {
		conns = append(conns, p.conns[url])
	}
	p.mu.Unlock()

	results := make([]Result, len(conns))
	var wg sync.WaitGroup
	for i, pc := range conns {
		wg.Add(1)
		go func(i int, pc *poolConn) {
			defer wg.Done()
			results[i] = pc.send(ctx, ev)
		}(i, pc)
	}
	wg.Wait()
	return results
}

// SendsLastMinute reports how many events were sent to endpoint within the
// trailing minute. Exposed for the health snapshot.
func (p *Pool) SendsLastMinute(endpoint string) int {
	p.mu.Lock()
	pc, ok := p.conns[endpoint]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.pruneSentLocked(p.now())
	return len(pc.sentTimes)
}

// ResetBackoff clears every endpoint's failed-dial counter so that an
// endpoint exhausted in one cycle is retried in the next. Called at cycle
// start.
func (p *Pool) ResetBackoff() {
	p.mu.Lock()
	conns := make([]*poolConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()

	for _, pc := range conns {
		pc.mu.Lock()
		pc.attempts = 0
		pc.mu.Unlock()
	}
}

// Close tears down every connection. Pending acks resolve with
// connection_closed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*poolConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
}

func (pc *poolConn) send(ctx context.Context, ev *nostr.Event) Result {
	now := pc.pool.now()

	pc.mu.Lock()
	if now.Before(pc.rateLimitedUntil) {
		pc.mu.Unlock()
		return Result{Endpoint: pc.url, Reason: ReasonRateLimited}
	}
	pc.mu.Unlock()

	if err := pc.ensureConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return Result{Endpoint: pc.url, Reason: ReasonCancelled}
		}
		return Result{Endpoint: pc.url, Reason: "connect-failure"}
	}

	ack := make(chan Result, 1)
	pc.mu.Lock()
	pc.pending[ev.ID] = ack
	conn := pc.conn
	pc.mu.Unlock()

	payload, err := json.Marshal(nostr.EventEnvelope{Event: *ev})
	if err != nil {
		pc.forget(ev.ID)
		return Result{Endpoint: pc.url, Reason: "serialization-failure"}
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		pc.forget(ev.ID)
		pc.dropConn()
		return Result{Endpoint: pc.url, Reason: ReasonConnClosed}
	}

	pc.mu.Lock()
	pc.sentTimes = append(pc.sentTimes, now)
	pc.pruneSentLocked(now)
	pc.mu.Unlock()

	select {
	case res := <-ack:
		if res.Endpoint == "" { // resolved by teardown
			return Result{Endpoint: pc.url, Reason: ReasonConnClosed}
		}
		return res
	case <-time.After(ackTimeout):
		pc.forget(ev.ID)
		return Result{Endpoint: pc.url, Reason: ReasonTimeout}
	case <-ctx.Done():
		pc.forget(ev.ID)
		return Result{Endpoint: pc.url, Reason: ReasonCancelled}
	}
}

// ensureConnected dials if needed, with exponential backoff between failed
// attempts, and starts the read pump on a fresh connection.
func (pc *poolConn) ensureConnected(ctx context.Context) error {
	pc.mu.Lock()
	if pc.conn != nil {
		pc.mu.Unlock()
		return nil
	}
	attempts := pc.attempts
	pc.mu.Unlock()

	if attempts >= maxReconnectTries {
		return errors.New("endpoint unavailable")
	}
	if attempts > 0 {
		delay := time.Duration(math.Min(
			float64(reconnectCap),
			float64(time.Second)*math.Pow(2, float64(attempts-1)),
		))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, pc.url, nil)
	if err != nil {
		pc.mu.Lock()
		pc.attempts++
		pc.mu.Unlock()
		return err
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.attempts = 0
	pc.mu.Unlock()

	go pc.readPump(conn)
	return nil
}

// readPump resolves pending acks from OK frames until the connection drops.
func (pc *poolConn) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			pc.dropConn()
			return
		}
		env, ok := nostr.ParseMessage(string(raw)).(*nostr.OKEnvelope)
		if !ok {
			continue
		}
		res := Result{Endpoint: pc.url, OK: env.OK, Reason: env.Reason}
		if !env.OK && IsRateLimitHint(env.Reason) {
			res.Reason = ReasonRateLimited
			pc.mu.Lock()
			pc.rateLimitedUntil = pc.pool.now().Add(rateLimitPause)
			pc.mu.Unlock()
			pc.pool.log.Warn("endpoint rate limited", "endpoint", pc.url)
		}
		pc.resolve(env.EventID, res)
	}
}

// resolve delivers res to the pending waiter for event id, if any. A zero
// Result signals teardown.
func (pc *poolConn) resolve(eventID string, res Result) {
	pc.mu.Lock()
	ack, ok := pc.pending[eventID]
	if ok {
		delete(pc.pending, eventID)
	}
	pc.mu.Unlock()
	if ok {
		ack <- res
	}
}

func (pc *poolConn) forget(eventID string) {
	pc.mu.Lock()
	delete(pc.pending, eventID)
	pc.mu.Unlock()
}

// dropConn closes the socket and resolves all pending acks as closed.
func (pc *poolConn) dropConn() {
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pending := pc.pending
	pc.pending = make(map[string]chan Result)
	pc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ack := range pending {
		ack <- Result{} // zero value marks connection_closed
	}
}

func (pc *poolConn) close() {
	pc.dropConn()
}

// pruneSentLocked drops send timestamps older than one minute. Caller holds
// pc.mu.
func (pc *poolConn) pruneSentLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := pc.sentTimes[:0]
	for _, ts := range pc.sentTimes {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	pc.sentTimes = keep
}
