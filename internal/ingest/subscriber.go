// Package ingest streams observation events from configured source
// endpoints: NIP-66 monitor metrics and NIP-32 relay reports. Each source
// endpoint gets one long-lived subscription with exponential reconnect
// backoff; every event is shape-validated and signature-verified before any
// business logic runs.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/relayurl"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Event kinds consumed by the ingestors.
const (
	KindMonitorMetric       = 30166 // NIP-66 relay discovery event
	KindMonitorAnnouncement = 10166 // NIP-66 monitor announcement
	KindReport              = 1985  // NIP-32 label event
)

// backoffCap bounds the reconnect delay per endpoint.
const backoffCap = 60 * time.Second

// reconnectFloor is the minimum pause before redialing after a session that
// opened, so a relay that answers every request with an immediate CLOSED
// cannot drive a hot reconnect loop.
const reconnectFloor = 5 * time.Second

// Handler processes one validated, signature-checked event.
type Handler func(ctx context.Context, ev *nostr.Event)

// Subscriber maintains one subscription per endpoint and fans events into a
// handler. Each endpoint reconnects independently; its attempt counter
// resets to zero on every successful open.
type Subscriber struct {
	name      string
	endpoints []string
	filter    nostr.Filter
	handler   Handler
	log       *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSubscriber builds a subscriber over the given endpoints.
func NewSubscriber(name string, endpoints []string, filter nostr.Filter, handler Handler) *Subscriber {
	return &Subscriber{
		name:      name,
		endpoints: endpoints,
		filter:    filter,
		handler:   handler,
		log:       slog.With("component", name),
	}
}

// Start launches one subscription task per endpoint.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, endpoint := range s.endpoints {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			s.runEndpoint(ctx, url)
		}(endpoint)
	}
}

// Stop cancels all subscriptions and waits for the tasks to drain.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Subscriber) runEndpoint(ctx context.Context, url string) {
	attempts := 0
	for ctx.Err() == nil {
		opened, err := s.subscribeOnce(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if opened {
			// The open itself succeeded; a drop hours later restarts the
			// backoff from one, not from the stale count.
			attempts = 0
		}

		delay := reconnectFloor
		if err != nil {
			attempts++
			s.log.Warn("subscription dropped", "endpoint", url, "attempts", attempts, "error", err)
			delay = time.Duration(math.Min(
				float64(backoffCap),
				float64(time.Second)*math.Pow(2, float64(attempts-1)),
			))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// subscribeOnce opens one connection, subscribes, and pumps events until the
// connection drops or the context is cancelled. The first return reports
// whether the dial and subscribe both succeeded, independent of how the
// session later ended.
func (s *Subscriber) subscribeOnce(ctx context.Context, url string) (bool, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}

	// Close the socket when the context is cancelled to unblock reads.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	subID := uuid.NewString()[:12]
	req := nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{s.filter}}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return false, err
	}
	s.log.Info("subscribed", "endpoint", url)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		switch env := nostr.ParseMessage(string(raw)).(type) {
		case *nostr.EventEnvelope:
			ev := env.Event
			if !ValidShape(&ev) {
				continue
			}
			if ok, _ := ev.CheckSignature(); !ok {
				continue
			}
			s.handler(ctx, &ev)
		case *nostr.EOSEEnvelope:
			// Stored events drained; live events keep flowing on the same
			// subscription.
		case *nostr.ClosedEnvelope:
			s.log.Warn("subscription closed by relay", "endpoint", url, "reason", env.Reason)
			return true, nil
		case *nostr.NoticeEnvelope:
		default:
		}
	}
}

// FetchOnce opens one connection, requests filter, and drains stored events
// until EOSE or the context deadline. Events are shape-validated and
// signature-checked. Used for one-shot lookups like monitor discovery.
func FetchOnce(ctx context.Context, endpoint string, filter nostr.Filter) ([]*nostr.Event, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	subID := uuid.NewString()[:12]
	req := nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{filter}}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}

	var out []*nostr.Event
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return out, nil
			}
			return out, err
		}
		switch env := nostr.ParseMessage(string(raw)).(type) {
		case *nostr.EOSEEnvelope, *nostr.ClosedEnvelope:
			return out, nil
		case *nostr.EventEnvelope:
			ev := env.Event
			if !ValidShape(&ev) {
				continue
			}
			if ok, _ := ev.CheckSignature(); !ok {
				continue
			}
			out = append(out, &ev)
		}
	}
}

// shapeTimeMin and shapeTimeMax bound plausible created_at values.
var (
	shapeTimeMin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	shapeTimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
)

// ValidShape checks the structural invariants of an incoming event before
// any further processing. Shape-invalid events are dropped silently.
func ValidShape(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if !relayurl.ValidEventID(ev.ID) || !relayurl.ValidPubKey(ev.PubKey) || !relayurl.ValidSig(ev.Sig) {
		return false
	}
	created := int64(ev.CreatedAt)
	if created < shapeTimeMin || created > shapeTimeMax {
		return false
	}
	if ev.Kind < 0 {
		return false
	}
	for _, tag := range ev.Tags {
		if tag == nil {
			return false
		}
	}
	return true
}
