package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveOperatorResolution replaces the operator identity record for a relay.
func (s *Store) SaveOperatorResolution(ctx context.Context, r OperatorResolution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO operator_resolutions
			(url, operator, verified_via, confidence, last_verified_at,
			 metadata_pubkey, dns_pubkey, well_known_pubkey, sources_disagree)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.URL, r.Operator, string(r.VerifiedVia), r.Confidence, r.LastVerifiedAt,
		r.MetadataPubKey, r.DNSPubKey, r.WellKnownPubKey, boolInt(r.SourcesDisagree))
	if err != nil {
		return fmt.Errorf("%w: operator resolution: %v", ErrWrite, err)
	}
	return nil
}

func scanOperatorResolution(sc interface{ Scan(...any) error }) (OperatorResolution, error) {
	var r OperatorResolution
	var via string
	var disagree int
	err := sc.Scan(&r.URL, &r.Operator, &via, &r.Confidence, &r.LastVerifiedAt,
		&r.MetadataPubKey, &r.DNSPubKey, &r.WellKnownPubKey, &disagree)
	if err != nil {
		return r, err
	}
	r.VerifiedVia = VerifiedVia(via)
	r.SourcesDisagree = disagree != 0
	return r, nil
}

const operatorResolutionColumns = `url, operator, verified_via, confidence, last_verified_at,
	metadata_pubkey, dns_pubkey, well_known_pubkey, sources_disagree`

// OperatorResolutionFor returns the stored resolution for one relay, or nil.
func (s *Store) OperatorResolutionFor(ctx context.Context, url string) (*OperatorResolution, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM operator_resolutions WHERE url = ?`, operatorResolutionColumns), url)
	r, err := scanOperatorResolution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: operator resolution: %v", ErrRead, err)
	}
	return &r, nil
}

// AllOperatorResolutions returns every stored resolution keyed by relay url.
func (s *Store) AllOperatorResolutions(ctx context.Context) (map[string]OperatorResolution, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM operator_resolutions`, operatorResolutionColumns))
	if err != nil {
		return nil, fmt.Errorf("%w: operator resolutions: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]OperatorResolution)
	for rows.Next() {
		r, err := scanOperatorResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: operator resolutions: %v", ErrRead, err)
		}
		out[r.URL] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: operator resolutions: %v", ErrRead, err)
	}
	return out, nil
}

// SaveOperatorTrust replaces the aggregated trust record for a pubkey.
func (s *Store) SaveOperatorTrust(ctx context.Context, t OperatorTrust) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO operator_trust (pubkey, score, confidence, providers, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.PubKey, t.Score, string(t.Confidence), t.Providers, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: operator trust: %v", ErrWrite, err)
	}
	return nil
}

// OperatorTrustFor returns the trust record for a pubkey, or nil when unknown.
func (s *Store) OperatorTrustFor(ctx context.Context, pubkey string) (*OperatorTrust, error) {
	var t OperatorTrust
	var conf string
	err := s.db.QueryRowContext(ctx,
		`SELECT pubkey, score, confidence, providers, updated_at FROM operator_trust WHERE pubkey = ?`,
		pubkey).Scan(&t.PubKey, &t.Score, &conf, &t.Providers, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: operator trust: %v", ErrRead, err)
	}
	t.Confidence = TrustConfidence(conf)
	return &t, nil
}

// AllOperatorTrust returns every trust record keyed by pubkey.
func (s *Store) AllOperatorTrust(ctx context.Context) (map[string]OperatorTrust, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pubkey, score, confidence, providers, updated_at FROM operator_trust`)
	if err != nil {
		return nil, fmt.Errorf("%w: operator trust: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]OperatorTrust)
	for rows.Next() {
		var t OperatorTrust
		var conf string
		if err := rows.Scan(&t.PubKey, &t.Score, &conf, &t.Providers, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: operator trust: %v", ErrRead, err)
		}
		t.Confidence = TrustConfidence(conf)
		out[t.PubKey] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: operator trust: %v", ErrRead, err)
	}
	return out, nil
}

// StaleOperatorTrust returns the pubkeys whose trust record is older than
// cutoff. The service refreshes these in background batches.
func (s *Store) StaleOperatorTrust(ctx context.Context, cutoff int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pubkey FROM operator_trust WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: stale operator trust: %v", ErrRead, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("%w: stale operator trust: %v", ErrRead, err)
		}
		out = append(out, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: stale operator trust: %v", ErrRead, err)
	}
	return out, nil
}
