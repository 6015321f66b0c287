package store

import (
	"context"
	"fmt"
	"time"
)

// ReviewStats aggregates review outcomes over a time window.
type ReviewStats struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByStrategy       map[string]int `json:"by_strategy"`
	IssuesTotal      int            `json:"issues_total"`
	CriticalTotal    int            `json:"critical_total"`
	WarningTotal     int            `json:"warning_total"`
	SuggestionTotal  int            `json:"suggestion_total"`
	AvgQualityScore  float64        `json:"avg_quality_score"`
	AvgProcessingSec float64        `json:"avg_processing_seconds"`
}

// Stats computes aggregate review statistics between since and until
// (zero values widen the window to everything).
func (s *Store) Stats(ctx context.Context, since, until time.Time) (*ReviewStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := ` WHERE 1=1`
	var args []any
	if !since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, since.Unix())
	}
	if !until.IsZero() {
		where += ` AND created_at <= ?`
		args = append(args, until.Unix())
	}

	stats := &ReviewStats{
		ByStatus:   map[string]int{},
		ByStrategy: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT strategy, COUNT(*) FROM tasks`+where+` GROUP BY strategy`, args...)
	if err != nil {
		return nil, fmt.Errorf("stats by strategy: %w", err)
	}
	for rows.Next() {
		var strategy string
		var n int
		if err := rows.Scan(&strategy, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan strategy count: %w", err)
		}
		stats.ByStrategy[strategy] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Averages are computed over completed tasks only; pending and failed
	// tasks carry zero scores that would skew the mean.
	completedWhere := where + ` AND status = ?`
	completedArgs := append(append([]any{}, args...), StatusCompleted)
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(issues_count), 0), COALESCE(SUM(critical_count), 0),
			COALESCE(SUM(warning_count), 0), COALESCE(SUM(suggestion_count), 0),
			COALESCE(AVG(quality_score), 0), COALESCE(AVG(processing_seconds), 0)
		FROM tasks`+completedWhere, completedArgs...,
	).Scan(&stats.IssuesTotal, &stats.CriticalTotal, &stats.WarningTotal,
		&stats.SuggestionTotal, &stats.AvgQualityScore, &stats.AvgProcessingSec)
	if err != nil {
		return nil, fmt.Errorf("stats totals: %w", err)
	}

	return stats, nil
}
