package scoring

import (
	"math"

	"github.com/Letdown2491/trustedrelays/internal/store"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Metadata is the subset of a relay's NIP-11 document the scorer consumes.
type Metadata struct {
	HasName        bool
	HasDescription bool
	HasContact     bool
	HasSoftware    bool
	HasVersion     bool
	HasFees        bool
	Limitation     *Limitation
}

// Limitation mirrors the NIP-11 limitation block fields that affect scoring.
type Limitation struct {
	MaxMessageLength int
	MaxSubscriptions int
	MaxFilters       int
	MinPowDifficulty int
	AuthRequired     bool
	PaymentRequired  bool
	RestrictedWrites bool
}

// MetadataFromNIP11 projects a relay information document into the scorer's
// metadata shape. A nil document yields nil.
func MetadataFromNIP11(doc *nip11.RelayInformationDocument) *Metadata {
	if doc == nil {
		return nil
	}
	m := &Metadata{
		HasName:        doc.Name != "",
		HasDescription: doc.Description != "",
		HasContact:     doc.Contact != "",
		HasSoftware:    doc.Software != "",
		HasVersion:     doc.Version != "",
		HasFees:        doc.Fees != nil,
	}
	if doc.Limitation != nil {
		m.Limitation = &Limitation{
			MaxMessageLength: doc.Limitation.MaxMessageLength,
			MaxSubscriptions: doc.Limitation.MaxSubscriptions,
			MaxFilters:       doc.Limitation.MaxFilters,
			MinPowDifficulty: doc.Limitation.MinPowDifficulty,
			AuthRequired:     doc.Limitation.AuthRequired,
			PaymentRequired:  doc.Limitation.PaymentRequired,
			RestrictedWrites: doc.Limitation.RestrictedWrites,
		}
	}
	return m
}

// policyScore rates how completely and honestly a relay documents itself.
// It starts at 50, earns increments for each disclosure, and is capped
// downward when identity, contact, or limits are missing. Heavily reported
// relays lose up to 15 points.
func policyScore(m *Metadata, probes []store.ProbeObservation, reports *store.ReportStats) float64 {
	if m == nil {
		return 50
	}
	score := 50.0
	identity := m.HasName && m.HasDescription
	if identity {
		score += 15
	}
	if m.HasContact {
		score += 10
	}
	if m.HasSoftware && m.HasVersion {
		score += 10
	}
	if m.Limitation != nil {
		score += 10
		if m.Limitation.MaxMessageLength > 0 || m.Limitation.MaxSubscriptions > 0 {
			score += 5
		}
	}
	if m.HasFees && paymentRequired(m, probes) {
		score += 5
	}

	// Downward caps: a relay cannot document its way past missing basics.
	if !identity {
		score = math.Min(score, 50)
	}
	if !m.HasContact {
		score = math.Min(score, 70)
	}
	if m.Limitation == nil {
		score = math.Min(score, 85)
	}

	score -= reportPenalty(reports)
	return score
}

// reportPenalty converts trust-weighted report counts into a bounded policy
// deduction. Malicious and censorship reports weigh more than spam noise.
func reportPenalty(reports *store.ReportStats) float64 {
	if reports == nil || reports.Total == 0 {
		return 0
	}
	p := 3*reports.WeightByType[store.ReportMalicious] +
		2*reports.WeightByType[store.ReportCensorship] +
		reports.WeightByType[store.ReportUnreliable] +
		reports.WeightByType[store.ReportSpam]
	return math.Min(15, p)
}

// paymentRequired reports whether the relay declares or exhibits a paywall.
func paymentRequired(m *Metadata, probes []store.ProbeObservation) bool {
	if m != nil && m.Limitation != nil && m.Limitation.PaymentRequired {
		return true
	}
	for i := len(probes) - 1; i >= 0; i-- {
		if probes[i].Reachable {
			return probes[i].AccessLevel == store.AccessPaymentRequired
		}
	}
	return false
}

// barriersScore penalizes access restrictions observed by probes or declared
// in metadata. Fully open scores 100.
func barriersScore(probes []store.ProbeObservation, m *Metadata) float64 {
	score := 100.0

	access := store.AccessUnknown
	for i := len(probes) - 1; i >= 0; i-- {
		if probes[i].Reachable {
			access = probes[i].AccessLevel
			break
		}
	}
	switch access {
	case store.AccessAuthRequired:
		score -= 40
	case store.AccessPaymentRequired:
		score -= 35
	case store.AccessRestricted:
		score -= 25
	}

	if m != nil && m.Limitation != nil {
		if m.Limitation.MinPowDifficulty > 0 {
			score -= 15
		}
		// Declared-only restrictions still count when probes saw an open door.
		if access == store.AccessOpen {
			if m.Limitation.AuthRequired {
				score -= 20
			}
			if m.Limitation.PaymentRequired {
				score -= 15
			}
		}
	}
	return score
}

// limitsScore rewards generous operational ceilings. No limitation block is
// neutral: undeclared limits are neither generous nor stingy.
func limitsScore(m *Metadata) float64 {
	if m == nil || m.Limitation == nil {
		return 60
	}
	score := 60.0
	switch {
	case m.Limitation.MaxMessageLength >= 65536:
		score += 15
	case m.Limitation.MaxMessageLength >= 16384:
		score += 10
	}
	switch {
	case m.Limitation.MaxSubscriptions >= 20:
		score += 15
	case m.Limitation.MaxSubscriptions >= 10:
		score += 10
	}
	if m.Limitation.MaxFilters >= 10 {
		score += 10
	}
	return score
}

// Freedom classification of jurisdictions, after the Freedom House tiers.
// Countries absent from both lists are treated as free.
var (
	partlyFreeCountries = map[string]bool{
		"BD": true, "BO": true, "CO": true, "EC": true, "GE": true,
		"HU": true, "ID": true, "IN": true, "KE": true, "LK": true,
		"MA": true, "MD": true, "MX": true, "MY": true, "NG": true,
		"NP": true, "PH": true, "PK": true, "RS": true, "SG": true,
		"TH": true, "TR": true, "UA": true, "ZM": true,
	}
	notFreeCountries = map[string]bool{
		"AE": true, "AF": true, "AZ": true, "BH": true, "BY": true,
		"CN": true, "CU": true, "EG": true, "ET": true, "IR": true,
		"IQ": true, "KZ": true, "LY": true, "MM": true, "KP": true,
		"QA": true, "RU": true, "SA": true, "SD": true, "SY": true,
		"TJ": true, "TM": true, "UZ": true, "VE": true, "VN": true, "YE": true,
	}

	fiveEyes = map[string]bool{
		"US": true, "GB": true, "CA": true, "AU": true, "NZ": true,
	}
	nineEyesExtra = map[string]bool{
		"DK": true, "FR": true, "NL": true, "NO": true,
	}
	fourteenEyesExtra = map[string]bool{
		"DE": true, "BE": true, "IT": true, "ES": true, "SE": true,
	}
	privacyFriendly = map[string]bool{
		"CH": true, "IS": true, "PA": true, "CR": true, "MT": true, "EE": true,
	}
)

// jurisdictionScore maps the hosting country's freedom tier to a score.
// Tor-hosted relays have no meaningful jurisdiction and score as free.
func jurisdictionScore(j *store.JurisdictionInfo) float64 {
	if j == nil {
		return 100
	}
	if j.IsTor {
		return 100
	}
	switch {
	case notFreeCountries[j.CountryCode]:
		return 20
	case partlyFreeCountries[j.CountryCode]:
		return 60
	default:
		return 100
	}
}

// surveillanceScore maps the hosting country's intelligence-alliance
// membership to a score. Unknown jurisdiction is the middle of the range.
func surveillanceScore(j *store.JurisdictionInfo) float64 {
	if j == nil || j.CountryCode == "" {
		return 50
	}
	if j.IsTor {
		return 100
	}
	cc := j.CountryCode
	switch {
	case fiveEyes[cc]:
		return 10
	case nineEyesExtra[cc]:
		return 25
	case fourteenEyesExtra[cc]:
		return 40
	case privacyFriendly[cc]:
		return 100
	default:
		return 80
	}
}
