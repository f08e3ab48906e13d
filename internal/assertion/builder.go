// Package assertion projects scorer output into the replaceable trust
// assertion event this service publishes. The projection is deterministic:
// the same inputs and timestamp always yield the same unsigned event.
package assertion

import (
	"encoding/json"
	"strconv"

	"github.com/Letdown2491/trustedrelays/internal/scoring"
	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr"
)

// KindRelayAssertion is the parameterized replaceable kind used for relay
// trust assertions, keyed by the canonical relay URL in the d tag so each
// re-publication supersedes the prior one on receiving relays.
const KindRelayAssertion = 30077

// Algorithm identity published alongside every assertion.
const (
	AlgorithmVersion = "1.0.0"
	AlgorithmURL     = "https://github.com/Letdown2491/trustedrelays"
)

// Input is everything an assertion carries beyond the scores themselves.
type Input struct {
	URL          string
	Scores       scoring.Scores
	Operator     *store.OperatorResolution // nil or unverified: operator tags omitted
	Jurisdiction *store.JurisdictionInfo
}

// content is the compact JSON document embedded in the event body.
type content struct {
	URL           string             `json:"url"`
	Score         int                `json:"score"`
	Reliability   int                `json:"reliability"`
	Quality       int                `json:"quality"`
	Accessibility int                `json:"accessibility"`
	Components    scoring.Components `json:"components"`
	Confidence    string             `json:"confidence"`
	Observations  int                `json:"observations"`
	Operator      string             `json:"operator,omitempty"`
	OperatorConf  int                `json:"operator_confidence,omitempty"`
	Country       string             `json:"country,omitempty"`
	Tor           bool               `json:"tor,omitempty"`
	Version       string             `json:"version"`
}

// Build projects in into an unsigned assertion event created at now.
// The caller signs and publishes.
func Build(in Input, now int64) nostr.Event {
	s := in.Scores

	tags := nostr.Tags{
		{"d", in.URL},
		{"score", strconv.Itoa(s.Overall)},
		{"reliability", strconv.Itoa(s.Reliability)},
		{"quality", strconv.Itoa(s.Quality)},
		{"accessibility", strconv.Itoa(s.Accessibility)},
		{"confidence", string(s.Confidence)},
		{"observations", strconv.Itoa(s.Observations)},
		{"algorithm", AlgorithmVersion, AlgorithmURL},
	}

	body := content{
		URL:           in.URL,
		Score:         s.Overall,
		Reliability:   s.Reliability,
		Quality:       s.Quality,
		Accessibility: s.Accessibility,
		Components:    s.Components,
		Confidence:    string(s.Confidence),
		Observations:  s.Observations,
		Version:       AlgorithmVersion,
	}

	if op := in.Operator; op != nil && op.Operator != "" && op.VerifiedVia != store.ViaClaimed {
		tags = append(tags, nostr.Tag{"p", op.Operator, "", "operator"})
		tags = append(tags, nostr.Tag{"operator_confidence", strconv.Itoa(op.Confidence)})
		body.Operator = op.Operator
		body.OperatorConf = op.Confidence
	}

	if j := in.Jurisdiction; j != nil {
		switch {
		case j.IsTor:
			tags = append(tags, nostr.Tag{"jurisdiction", "tor"})
			body.Tor = true
		case j.CountryCode != "":
			tags = append(tags, nostr.Tag{"jurisdiction", j.CountryCode})
			body.Country = j.CountryCode
		}
	}

	// Struct marshaling has a fixed field order, keeping the projection
	// byte-stable for identical inputs.
	raw, _ := json.Marshal(body)

	return nostr.Event{
		Kind:      KindRelayAssertion,
		CreatedAt: nostr.Timestamp(now),
		Tags:      tags,
		Content:   string(raw),
	}
}
