package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveScoreSnapshot appends one cycle's score for a relay.
func (s *Store) SaveScoreSnapshot(ctx context.Context, snap ScoreSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO score_history
			(url, ts, overall, reliability, quality, accessibility, operator_trust, confidence, observations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.URL, snap.Timestamp, snap.Overall, snap.Reliability, snap.Quality,
		snap.Accessibility, snap.OperatorTrust, string(snap.Confidence), snap.Observations)
	if err != nil {
		return fmt.Errorf("%w: score snapshot: %v", ErrWrite, err)
	}
	return nil
}

const scoreColumns = `url, ts, overall, reliability, quality, accessibility, operator_trust, confidence, observations`

func scanScore(sc interface{ Scan(...any) error }) (ScoreSnapshot, error) {
	var snap ScoreSnapshot
	var conf string
	err := sc.Scan(&snap.URL, &snap.Timestamp, &snap.Overall, &snap.Reliability,
		&snap.Quality, &snap.Accessibility, &snap.OperatorTrust, &conf, &snap.Observations)
	if err != nil {
		return snap, err
	}
	snap.Confidence = TrustConfidence(conf)
	return snap, nil
}

// AllLatestScores returns the newest score snapshot per relay.
func (s *Store) AllLatestScores(ctx context.Context) (map[string]ScoreSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY url ORDER BY ts DESC) AS rn
			FROM score_history
		) WHERE rn = 1`, scoreColumns))
	if err != nil {
		return nil, fmt.Errorf("%w: latest scores: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]ScoreSnapshot)
	for rows.Next() {
		snap, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: latest scores: %v", ErrRead, err)
		}
		out[snap.URL] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: latest scores: %v", ErrRead, err)
	}
	return out, nil
}

// LatestScoreFor returns the newest snapshot for one relay, or nil.
func (s *Store) LatestScoreFor(ctx context.Context, url string) (*ScoreSnapshot, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM score_history WHERE url = ? ORDER BY ts DESC LIMIT 1`, scoreColumns), url)
	snap, err := scanScore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest score: %v", ErrRead, err)
	}
	return &snap, nil
}

// ScoreHistoryFor returns the score history for one relay since the cutoff,
// oldest first.
func (s *Store) ScoreHistoryFor(ctx context.Context, url string, since int64) ([]ScoreSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM score_history WHERE url = ? AND ts >= ? ORDER BY ts ASC`, scoreColumns), url, since)
	if err != nil {
		return nil, fmt.Errorf("%w: score history: %v", ErrRead, err)
	}
	defer rows.Close()

	var out []ScoreSnapshot
	for rows.Next() {
		snap, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: score history: %v", ErrRead, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: score history: %v", ErrRead, err)
	}
	return out, nil
}

// ScoreTrend is the per-relay linear regression over the overall score,
// with the x axis in days.
type ScoreTrend struct {
	URL          string
	SlopePerDay  float64
	SampleCount  int
	MeanOverall  float64
	FirstSampled int64
	LastSampled  int64
}

// AllScoreTrends returns per-relay regression slopes over snapshots at or
// after since. Relays with fewer than two samples report a zero slope.
func (s *Store) AllScoreTrends(ctx context.Context, since int64) (map[string]ScoreTrend, error) {
	// slope = (nΣxy − ΣxΣy) / (nΣx² − (Σx)²), x measured in days.
	rows, err := s.db.QueryContext(ctx, `
		SELECT url,
		       COUNT(*) AS n,
		       AVG(overall),
		       MIN(ts), MAX(ts),
		       SUM(ts/86400.0), SUM(overall),
		       SUM((ts/86400.0) * overall), SUM((ts/86400.0) * (ts/86400.0))
		FROM score_history WHERE ts >= ?
		GROUP BY url`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: score trends: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]ScoreTrend)
	for rows.Next() {
		var t ScoreTrend
		var sx, sy, sxy, sxx float64
		if err := rows.Scan(&t.URL, &t.SampleCount, &t.MeanOverall,
			&t.FirstSampled, &t.LastSampled, &sx, &sy, &sxy, &sxx); err != nil {
			return nil, fmt.Errorf("%w: score trends: %v", ErrRead, err)
		}
		n := float64(t.SampleCount)
		if denom := n*sxx - sx*sx; t.SampleCount >= 2 && denom != 0 {
			t.SlopePerDay = (n*sxy - sx*sy) / denom
		}
		out[t.URL] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: score trends: %v", ErrRead, err)
	}
	return out, nil
}

// RollingAverage holds short- and long-window mean overall scores per relay.
type RollingAverage struct {
	URL    string
	Avg7d  float64
	Avg30d float64
}

// AllRollingAverages returns 7- and 30-day rolling mean overall scores.
func (s *Store) AllRollingAverages(ctx context.Context, now int64) (map[string]RollingAverage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url,
		       COALESCE(AVG(CASE WHEN ts >= ? THEN overall END), 0),
		       AVG(overall)
		FROM score_history WHERE ts >= ?
		GROUP BY url`, now-7*86400, now-30*86400)
	if err != nil {
		return nil, fmt.Errorf("%w: rolling averages: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]RollingAverage)
	for rows.Next() {
		var r RollingAverage
		if err := rows.Scan(&r.URL, &r.Avg7d, &r.Avg30d); err != nil {
			return nil, fmt.Errorf("%w: rolling averages: %v", ErrRead, err)
		}
		out[r.URL] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rolling averages: %v", ErrRead, err)
	}
	return out, nil
}

// SavePublishedAssertion records the assertion just emitted for a relay.
func (s *Store) SavePublishedAssertion(ctx context.Context, a PublishedAssertion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO published_assertions
			(url, event_id, score, confidence, observations, published_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.URL, a.EventID, a.Score, string(a.Confidence), a.Observations, a.PublishedAt)
	if err != nil {
		return fmt.Errorf("%w: published assertion: %v", ErrWrite, err)
	}
	return nil
}

// PublishedAssertionFor returns the last published assertion for a relay, or
// nil when none was ever published.
func (s *Store) PublishedAssertionFor(ctx context.Context, url string) (*PublishedAssertion, error) {
	var a PublishedAssertion
	var conf string
	err := s.db.QueryRowContext(ctx, `
		SELECT url, event_id, score, confidence, observations, published_at
		FROM published_assertions WHERE url = ?`, url).
		Scan(&a.URL, &a.EventID, &a.Score, &conf, &a.Observations, &a.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: published assertion: %v", ErrRead, err)
	}
	a.Confidence = TrustConfidence(conf)
	return &a, nil
}
