package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveJurisdiction replaces the jurisdiction record for a relay.
func (s *Store) SaveJurisdiction(ctx context.Context, j JurisdictionInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jurisdictions
			(url, ip, country_code, country_name, region, city, isp, asn, is_hosting, is_tor, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.URL, j.IP, j.CountryCode, j.CountryName, j.Region, j.City, j.ISP, j.ASN,
		boolInt(j.IsHosting), boolInt(j.IsTor), j.ResolvedAt)
	if err != nil {
		return fmt.Errorf("%w: jurisdiction: %v", ErrWrite, err)
	}
	return nil
}

const jurisdictionColumns = `url, ip, country_code, country_name, region, city, isp, asn, is_hosting, is_tor, resolved_at`

func scanJurisdiction(sc interface{ Scan(...any) error }) (JurisdictionInfo, error) {
	var j JurisdictionInfo
	var hosting, tor int
	err := sc.Scan(&j.URL, &j.IP, &j.CountryCode, &j.CountryName, &j.Region, &j.City,
		&j.ISP, &j.ASN, &hosting, &tor, &j.ResolvedAt)
	if err != nil {
		return j, err
	}
	j.IsHosting = hosting != 0
	j.IsTor = tor != 0
	return j, nil
}

// JurisdictionFor returns the stored jurisdiction for one relay, or nil.
func (s *Store) JurisdictionFor(ctx context.Context, url string) (*JurisdictionInfo, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM jurisdictions WHERE url = ?`, jurisdictionColumns), url)
	j, err := scanJurisdiction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: jurisdiction: %v", ErrRead, err)
	}
	return &j, nil
}

// AllJurisdictions returns every stored jurisdiction keyed by relay url.
func (s *Store) AllJurisdictions(ctx context.Context) (map[string]JurisdictionInfo, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM jurisdictions`, jurisdictionColumns))
	if err != nil {
		return nil, fmt.Errorf("%w: jurisdictions: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]JurisdictionInfo)
	for rows.Next() {
		j, err := scanJurisdiction(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: jurisdictions: %v", ErrRead, err)
		}
		out[j.URL] = j
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: jurisdictions: %v", ErrRead, err)
	}
	return out, nil
}
