package store

// RelayKind classifies what kind of endpoint a probe found.
type RelayKind string

const (
	KindGeneral      RelayKind = "general"
	KindSpecialized  RelayKind = "specialized"
	KindRemoteSigner RelayKind = "remote-signer"
	KindUnknown      RelayKind = "unknown"
)

// AccessLevel describes how open a relay is to unauthenticated reads.
type AccessLevel string

const (
	AccessOpen            AccessLevel = "open"
	AccessAuthRequired    AccessLevel = "auth-required"
	AccessPaymentRequired AccessLevel = "payment-required"
	AccessRestricted      AccessLevel = "restricted"
	AccessUnknown         AccessLevel = "unknown"
)

// ProbeObservation is one direct probe of a relay. Append-only,
// keyed by (URL, Timestamp).
type ProbeObservation struct {
	URL          string
	Timestamp    int64
	Reachable    bool
	Kind         RelayKind
	AccessLevel  AccessLevel
	ClosedReason string
	ConnectMs    float64
	ReadMs       float64
	MetadataMs   float64
	Metadata     string // raw NIP-11 document JSON, empty when the fetch failed
	Error        string
}

// MonitorMetric is one external monitor observation of a relay,
// keyed by the monitor event id.
type MonitorMetric struct {
	EventID      string
	URL          string
	Monitor      string
	Timestamp    int64
	RTTOpenMs    float64
	RTTReadMs    float64
	RTTWriteMs   float64
	Network      string
	Capabilities string // comma-joined supported NIPs as declared by the monitor
	Geohash      string
}

// ReportType is the taxonomy of relay misbehavior reports.
type ReportType string

const (
	ReportSpam       ReportType = "spam"
	ReportCensorship ReportType = "censorship"
	ReportUnreliable ReportType = "unreliable"
	ReportMalicious  ReportType = "malicious"
)

// Report is one third-party complaint about a relay, keyed by event id.
type Report struct {
	EventID   string
	URL       string
	Reporter  string
	Type      ReportType
	Content   string
	Timestamp int64
	Weight    float64 // reporter trust weight in [0,1]
}

// VerifiedVia names the strongest source that corroborated an operator pubkey.
type VerifiedVia string

const (
	ViaClaimed   VerifiedVia = "claimed"
	ViaMetadata  VerifiedVia = "metadata"
	ViaDNS       VerifiedVia = "dns"
	ViaWellKnown VerifiedVia = "well-known"
)

// OperatorResolution is the per-relay operator identity record. Replaceable.
type OperatorResolution struct {
	URL             string
	Operator        string // empty when no source produced a valid pubkey
	VerifiedVia     VerifiedVia
	Confidence      int // 0-100 corroboration confidence
	LastVerifiedAt  int64
	MetadataPubKey  string
	DNSPubKey       string
	WellKnownPubKey string
	SourcesDisagree bool
}

// JurisdictionInfo maps a relay to its hosting location. Replaceable per relay.
type JurisdictionInfo struct {
	URL         string
	IP          string
	CountryCode string
	CountryName string
	Region      string
	City        string
	ISP         string
	ASN         string
	IsHosting   bool
	IsTor       bool
	ResolvedAt  int64
}

// TrustConfidence labels how many independent providers back a trust score.
type TrustConfidence string

const (
	ConfidenceLow    TrustConfidence = "low"
	ConfidenceMedium TrustConfidence = "medium"
	ConfidenceHigh   TrustConfidence = "high"
)

// OperatorTrust is the aggregated web-of-trust score for an operator pubkey.
// Replaceable; stale after 24h.
type OperatorTrust struct {
	PubKey     string
	Score      int // 0-100
	Confidence TrustConfidence
	Providers  int
	UpdatedAt  int64
}

// ScoreSnapshot is one cycle's scoring result for a relay. Append-only history.
type ScoreSnapshot struct {
	URL           string
	Timestamp     int64
	Overall       int
	Reliability   int
	Quality       int
	Accessibility int
	OperatorTrust int
	Confidence    TrustConfidence
	Observations  int
}

// PublishedAssertion records the last assertion emitted for a relay.
// Consulted only by the material-change gate.
type PublishedAssertion struct {
	URL          string
	EventID      string
	Score        int
	Confidence   TrustConfidence
	Observations int
	PublishedAt  int64
}

// TrustedMonitor tracks a monitor pubkey we accept metrics from.
type TrustedMonitor struct {
	PubKey     string
	AddedAt    int64
	LastSeen   int64
	EventCount int64
}
