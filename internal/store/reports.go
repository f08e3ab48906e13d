package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveReport stores one relay report, deduplicated by event id. Returns true
// when the report was new.
func (s *Store) SaveReport(ctx context.Context, r Report) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reports (event_id, url, reporter, report_type, content, ts, weight)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.URL, r.Reporter, string(r.Type), r.Content, r.Timestamp, r.Weight)
	if err != nil {
		return false, fmt.Errorf("%w: report: %v", ErrWrite, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountReportsByReporter returns how many reports a reporter has filed
// against one relay at or after since. Used by the per-day cap.
func (s *Store) CountReportsByReporter(ctx context.Context, reporter, url string, since int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE reporter = ? AND url = ? AND ts >= ?`,
		reporter, url, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: reporter count: %v", ErrRead, err)
	}
	return n, nil
}

// ReportStats is the per-relay report rollup for one window.
type ReportStats struct {
	URL           string
	Total         int
	WeightedTotal float64
	ByType        map[ReportType]int
	WeightByType  map[ReportType]float64
}

// ReportStatsSince returns per-relay report rollups for reports at or after
// since, with raw and trust-weighted counts per report type.
func (s *Store) ReportStatsSince(ctx context.Context, since int64) (map[string]ReportStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, report_type, COUNT(*), SUM(weight)
		FROM reports WHERE ts >= ?
		GROUP BY url, report_type`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: report stats: %v", ErrRead, err)
	}
	defer rows.Close()

	out := make(map[string]ReportStats)
	for rows.Next() {
		var url, typ string
		var count int
		var weighted float64
		if err := rows.Scan(&url, &typ, &count, &weighted); err != nil {
			return nil, fmt.Errorf("%w: report stats: %v", ErrRead, err)
		}
		st, ok := out[url]
		if !ok {
			st = ReportStats{
				URL:          url,
				ByType:       make(map[ReportType]int),
				WeightByType: make(map[ReportType]float64),
			}
		}
		st.Total += count
		st.WeightedTotal += weighted
		st.ByType[ReportType(typ)] += count
		st.WeightByType[ReportType(typ)] += weighted
		out[url] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: report stats: %v", ErrRead, err)
	}
	return out, nil
}

// HasReport reports whether a report event id was already stored.
func (s *Store) HasReport(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM reports WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: report lookup: %v", ErrRead, err)
	}
	return true, nil
}
