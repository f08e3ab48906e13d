package store

import (
	"context"
	"database/sql"
	"fmt"
)

// QualifyingMonitorMinRelays is the minimum number of distinct relays a
// monitor must have tracked inside the window before its observations count
// toward cross-relay latency percentiles.
const QualifyingMonitorMinRelays = 20

// SaveMonitorMetric stores one monitor observation, idempotently by event id.
func (s *Store) SaveMonitorMetric(ctx context.Context, m MonitorMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO monitor_metrics
			(event_id, url, monitor, ts, rtt_open_ms, rtt_read_ms, rtt_write_ms, network, capabilities, geohash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.EventID, m.URL, m.Monitor, m.Timestamp,
		m.RTTOpenMs, m.RTTReadMs, m.RTTWriteMs, m.Network, m.Capabilities, m.Geohash)
	if err != nil {
		return fmt.Errorf("%w: monitor metric: %v", ErrWrite, err)
	}
	return nil
}

// NIP66Aggregate is the per-relay rollup of external monitor observations.
type NIP66Aggregate struct {
	URL              string
	MetricCount      int
	DistinctMonitors int
	MeanRTTOpenMs    float64
	MeanRTTReadMs    float64
	MeanRTTWriteMs   float64
	FirstSeen        int64
	LastSeen         int64
	// LatencyScore is the percentile-based latency score in [0,100]: for each
	// qualifying monitor, the fraction of that monitor's relays with a higher
	// mean open RTT than this relay, averaged across monitors. Negative when
	// no qualifying monitor observed the relay.
	LatencyScore float64
}

// NIP66AggregatesSince returns the monitor rollup for every relay with
// metrics at or after since, in two bulk queries.
func (s *Store) NIP66AggregatesSince(ctx context.Context, since int64) (map[string]NIP66Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url,
		       COUNT(*),
		       COUNT(DISTINCT monitor),
		       COALESCE(AVG(NULLIF(rtt_open_ms, 0)), 0),
		       COALESCE(AVG(NULLIF(rtt_read_ms, 0)), 0),
		       COALESCE(AVG(NULLIF(rtt_write_ms, 0)), 0),
		       MIN(ts),
		       MAX(ts)
		FROM monitor_metrics WHERE ts >= ?
		GROUP BY url`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: nip66 aggregates: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]NIP66Aggregate)
	for rows.Next() {
		var a NIP66Aggregate
		if err := rows.Scan(&a.URL, &a.MetricCount, &a.DistinctMonitors,
			&a.MeanRTTOpenMs, &a.MeanRTTReadMs, &a.MeanRTTWriteMs, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("%w: nip66 aggregates: %v", ErrRead, err)
		}
		a.LatencyScore = -1
		out[a.URL] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: nip66 aggregates: %v", ErrRead, err)
	}

	// Percentile pass: PERCENT_RANK ordered by RTT descending gives, per
	// monitor, the fraction of that monitor's relays that are slower than
	// this one. Only monitors tracking enough relays participate.
	prows, err := s.db.QueryContext(ctx, `
		WITH per_monitor AS (
			SELECT monitor, url, AVG(NULLIF(rtt_open_ms, 0)) AS rtt
			FROM monitor_metrics
			WHERE ts >= ? AND rtt_open_ms > 0
			GROUP BY monitor, url
		), qualifying AS (
			SELECT monitor FROM per_monitor
			GROUP BY monitor
			HAVING COUNT(DISTINCT url) >= ?
		), ranked AS (
			SELECT p.url,
			       PERCENT_RANK() OVER (PARTITION BY p.monitor ORDER BY p.rtt DESC) AS pct
			FROM per_monitor p
			JOIN qualifying q ON q.monitor = p.monitor
		)
		SELECT url, AVG(pct) * 100 FROM ranked GROUP BY url`,
		since, QualifyingMonitorMinRelays)
	if err != nil {
		return nil, fmt.Errorf("%w: nip66 percentiles: %v", ErrRead, err)
	}
	defer prows.Close()

	for prows.Next() {
		var url string
		var score float64
		if err := prows.Scan(&url, &score); err != nil {
			return nil, fmt.Errorf("%w: nip66 percentiles: %v", ErrRead, err)
		}
		if a, ok := out[url]; ok {
			a.LatencyScore = score
			out[url] = a
		}
	}
	if err := prows.Err(); err != nil {
		return nil, fmt.Errorf("%w: nip66 percentiles: %v", ErrRead, err)
	}
	return out, nil
}

// TouchTrustedMonitor upserts a monitor's bookkeeping row, bumping last-seen
// and the accepted event counter.
func (s *Store) TouchTrustedMonitor(ctx context.Context, pubkey string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusted_monitors (pubkey, added_at, last_seen, event_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(pubkey) DO UPDATE SET last_seen = excluded.last_seen, event_count = event_count + 1`,
		pubkey, now, now)
	if err != nil {
		return fmt.Errorf("%w: trusted monitor: %v", ErrWrite, err)
	}
	return nil
}

// TrustedMonitors returns every known monitor, most recently seen first.
func (s *Store) TrustedMonitors(ctx context.Context) ([]TrustedMonitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pubkey, added_at, last_seen, event_count FROM trusted_monitors ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: trusted monitors: %v", ErrRead, err)
	}
	defer rows.Close()

	var out []TrustedMonitor
	for rows.Next() {
		var m TrustedMonitor
		if err := rows.Scan(&m.PubKey, &m.AddedAt, &m.LastSeen, &m.EventCount); err != nil {
			return nil, fmt.Errorf("%w: trusted monitors: %v", ErrRead, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: trusted monitors: %v", ErrRead, err)
	}
	return out, nil
}

// HasMonitorMetric reports whether an event id was already ingested.
func (s *Store) HasMonitorMetric(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM monitor_metrics WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: monitor metric lookup: %v", ErrRead, err)
	}
	return true, nil
}
