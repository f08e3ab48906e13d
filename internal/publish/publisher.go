package publish

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Letdown2491/trustedrelays/internal/assertion"
	"github.com/Letdown2491/trustedrelays/internal/store"
)

// PublisherConfig tunes the material-change gate.
type PublisherConfig struct {
	PrivateKey              string
	MaterialChangeThreshold int
	MinObservations         int
}

// Publisher builds, gates, signs, and emits assertions. Publishes for the
// same relay are strictly serialized by the caller (the cycle loop walks
// relays one at a time through PublishScore).
type Publisher struct {
	store     *store.Store
	scheduler *Scheduler
	cfg       PublisherConfig
	log       *slog.Logger
	now       func() int64

	published atomic.Int64
	skipped   atomic.Int64
}

// NewPublisher builds a publisher over st and sched.
func NewPublisher(st *store.Store, sched *Scheduler, cfg PublisherConfig) *Publisher {
	return &Publisher{
		store:     st,
		scheduler: sched,
		cfg:       cfg,
		log:       slog.With("component", "publisher"),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// Counters returns the running published/skipped totals.
func (p *Publisher) Counters() (published, skipped int64) {
	return p.published.Load(), p.skipped.Load()
}

// MaterialChange decides whether scores differ enough from the last
// published assertion to warrant a fresh publish. A nil prior always
// publishes.
func MaterialChange(prior *store.PublishedAssertion, overall int, confidence store.TrustConfidence, observations, threshold int) bool {
	if prior == nil {
		return true
	}
	delta := overall - prior.Score
	if delta < 0 {
		delta = -delta
	}
	if delta >= threshold {
		return true
	}
	if confidence != prior.Confidence {
		return true
	}
	if prior.Observations > 0 && observations >= 2*prior.Observations {
		return true
	}
	return false
}

// PublishScore runs the per-relay publish workflow: build, gate, sign,
// fan out, and persist on any endpoint success. Returns true when an
// assertion was emitted.
func (p *Publisher) PublishScore(ctx context.Context, in assertion.Input, priority int) (bool, error) {
	s := in.Scores

	prior, err := p.store.PublishedAssertionFor(ctx, in.URL)
	if err != nil {
		return false, err
	}
	if !MaterialChange(prior, s.Overall, s.Confidence, s.Observations, p.cfg.MaterialChangeThreshold) {
		p.skipped.Add(1)
		return false, nil
	}
	if s.Observations < p.cfg.MinObservations {
		p.skipped.Add(1)
		return false, nil
	}

	ev := assertion.Build(in, p.now())
	if err := ev.Sign(p.cfg.PrivateKey); err != nil {
		return false, err
	}

	var results []Result
	select {
	case results = <-p.scheduler.Enqueue(&ev, priority):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	anyOK := false
	for _, res := range results {
		if res.OK {
			anyOK = true
			break
		}
	}
	if !anyOK {
		p.log.Warn("publish failed on all endpoints", "endpoints", len(results))
		return false, nil
	}

	record := store.PublishedAssertion{
		URL:          in.URL,
		EventID:      ev.ID,
		Score:        s.Overall,
		Confidence:   s.Confidence,
		Observations: s.Observations,
		PublishedAt:  p.now(),
	}
	if err := p.store.SavePublishedAssertion(ctx, record); err != nil {
		return true, err
	}
	p.published.Add(1)
	return true, nil
}
