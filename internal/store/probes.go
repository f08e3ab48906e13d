package store

import (
	"context"
	"fmt"
)

// SaveProbe appends one probe observation. A repeated (url, ts) pair replaces
// the earlier row, which keeps cycle retries idempotent.
func (s *Store) SaveProbe(ctx context.Context, p ProbeObservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO probes
			(url, ts, reachable, relay_kind, access_level, closed_reason,
			 connect_ms, read_ms, metadata_ms, metadata, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.URL, p.Timestamp, boolInt(p.Reachable), string(p.Kind), string(p.AccessLevel),
		p.ClosedReason, p.ConnectMs, p.ReadMs, p.MetadataMs, p.Metadata, p.Error)
	if err != nil {
		return fmt.Errorf("%w: probe: %v", ErrWrite, err)
	}
	return nil
}

const probeColumns = `url, ts, reachable, relay_kind, access_level, closed_reason,
	connect_ms, read_ms, metadata_ms, metadata, error`

func scanProbe(sc interface{ Scan(...any) error }) (ProbeObservation, error) {
	var p ProbeObservation
	var reachable int
	var kind, access string
	err := sc.Scan(&p.URL, &p.Timestamp, &reachable, &kind, &access, &p.ClosedReason,
		&p.ConnectMs, &p.ReadMs, &p.MetadataMs, &p.Metadata, &p.Error)
	if err != nil {
		return p, err
	}
	p.Reachable = reachable != 0
	p.Kind = RelayKind(kind)
	p.AccessLevel = AccessLevel(access)
	return p, nil
}

// LatestProbePerRelay returns the most recent probe for every relay.
func (s *Store) LatestProbePerRelay(ctx context.Context) (map[string]ProbeObservation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY url ORDER BY ts DESC) AS rn
			FROM probes
		) WHERE rn = 1`, probeColumns))
	if err != nil {
		return nil, fmt.Errorf("%w: latest probes: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]ProbeObservation)
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: latest probes: %v", ErrRead, err)
		}
		out[p.URL] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: latest probes: %v", ErrRead, err)
	}
	return out, nil
}

// ProbeStats summarizes probes per relay inside a window.
type ProbeStats struct {
	URL            string
	Count          int
	ReachableCount int
	MeanConnectMs  float64
	LastOnlineAt   int64 // 0 when the relay was never seen reachable in the window
}

// ProbeStatsSince returns per-relay probe summaries for probes at or after since.
func (s *Store) ProbeStatsSince(ctx context.Context, since int64) (map[string]ProbeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url,
		       COUNT(*),
		       SUM(reachable),
		       COALESCE(AVG(CASE WHEN reachable = 1 THEN connect_ms END), 0),
		       COALESCE(MAX(CASE WHEN reachable = 1 THEN ts END), 0)
		FROM probes WHERE ts >= ?
		GROUP BY url`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: probe stats: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]ProbeStats)
	for rows.Next() {
		var st ProbeStats
		if err := rows.Scan(&st.URL, &st.Count, &st.ReachableCount, &st.MeanConnectMs, &st.LastOnlineAt); err != nil {
			return nil, fmt.Errorf("%w: probe stats: %v", ErrRead, err)
		}
		out[st.URL] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: probe stats: %v", ErrRead, err)
	}
	return out, nil
}

// AllProbesSince returns every probe at or after since, grouped by relay and
// ordered by timestamp ascending within each relay. This feeds the resilience
// and consistency components, which need the full probe stream.
func (s *Store) AllProbesSince(ctx context.Context, since int64) (map[string][]ProbeObservation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM probes WHERE ts >= ? ORDER BY url, ts ASC`, probeColumns), since)
	if err != nil {
		return nil, fmt.Errorf("%w: all probes: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string][]ProbeObservation)
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: all probes: %v", ErrRead, err)
		}
		out[p.URL] = append(out[p.URL], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: all probes: %v", ErrRead, err)
	}
	return out, nil
}

// ProbesForRelay returns the probe history for one relay since the cutoff,
// oldest first.
func (s *Store) ProbesForRelay(ctx context.Context, url string, since int64) ([]ProbeObservation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM probes WHERE url = ? AND ts >= ? ORDER BY ts ASC`, probeColumns), url, since)
	if err != nil {
		return nil, fmt.Errorf("%w: relay probes: %v", ErrRead, err)
	}
	defer rows.Close()

	var out []ProbeObservation
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: relay probes: %v", ErrRead, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: relay probes: %v", ErrRead, err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
